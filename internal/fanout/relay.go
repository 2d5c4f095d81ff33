package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Envelope is a published event on its way between nodes.
type Envelope struct {
	Source  string          `json:"source"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Evict   bool            `json:"evict,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Relay carries events between hubs running on different nodes.
type Relay interface {
	Name() string
	Forward(ctx context.Context, env Envelope) error
	Consume(ctx context.Context, handle func(Envelope)) error
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	return json.Marshal(env)
}

// RedisRelay uses a Redis pub/sub channel as the bus.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

// NewRedisRelay returns nil when client is nil so callers can pass the result
// straight to WithRelay.
func NewRedisRelay(client *redis.Client, channel string) Relay {
	if client == nil || channel == "" {
		return nil
	}
	return &RedisRelay{client: client, channel: channel}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Forward(ctx context.Context, env Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Consume blocks until ctx is cancelled or the subscription fails.
func (r *RedisRelay) Consume(ctx context.Context, handle func(Envelope)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		_ = pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		handle(env)
	}
}

// NATSRelay uses a plain NATS subject. Every node must see every event, so it
// does not join a queue group.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

func NewNATSRelay(conn *nats.Conn, subject string) Relay {
	if conn == nil || subject == "" {
		return nil
	}
	return &NATSRelay{conn: conn, subject: subject}
}

func (r *NATSRelay) Name() string { return "nats" }

func (r *NATSRelay) Forward(_ context.Context, env Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.conn.Publish(r.subject, payload)
}

func (r *NATSRelay) Consume(ctx context.Context, handle func(Envelope)) error {
	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		handle(env)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Drain()
}
