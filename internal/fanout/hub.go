// Package fanout is the in-memory publish/subscribe registry that maps topics
// (rooms, participants, companies) to live connections. It is derived state:
// nothing here is durable and a restarted node starts empty.
package fanout

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/observability"
)

const defaultShards = 32

// Hub keeps track of active subscribers per topic and handles broadcasting.
type Hub struct {
	shards []*shard
	relays []Relay
	nodeID string
	log    zerolog.Logger
}

type shard struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}
}

// Option customises a Hub.
type Option func(*Hub)

// WithShards sets the number of lock shards topics are spread across.
func WithShards(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.shards = newShards(n)
		}
	}
}

// WithRelay forwards local publishes to other nodes and delivers theirs locally.
func WithRelay(relay Relay) Option {
	return func(h *Hub) {
		if relay != nil {
			h.relays = append(h.relays, relay)
		}
	}
}

// NewHub constructs an empty hub.
func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		shards: newShards(defaultShards),
		nodeID: uuid.NewString(),
		log:    logger.With().Str("component", "fanout_hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{topics: make(map[string]map[*Subscriber]struct{})}
	}
	return shards
}

// NodeID identifies this hub on the relay bus.
func (h *Hub) NodeID() string { return h.nodeID }

func (h *Hub) shardFor(topic string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(topic))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// Join subscribes sub to topic. Joining a closed subscriber is a no-op.
func (h *Hub) Join(topic string, sub *Subscriber) bool {
	s := h.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sub.track(topic) {
		return false
	}
	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		s.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.log.Debug().Str("topic", topic).Str("subscriber", sub.Label()).Msg("subscriber joined topic")
	return true
}

// Leave unsubscribes sub from a single topic.
func (h *Hub) Leave(topic string, sub *Subscriber) {
	h.remove(topic, sub)
	sub.untrack(topic)
}

// LeaveAll removes sub from every topic it joined and closes its mailbox.
// Only the first call does any work; it reports whether this call did.
func (h *Hub) LeaveAll(sub *Subscriber) bool {
	topics, ok := sub.shutdown()
	if !ok {
		return false
	}
	for _, topic := range topics {
		h.remove(topic, sub)
	}
	h.log.Debug().Str("subscriber", sub.Label()).Int("topics", len(topics)).Msg("subscriber left all topics")
	return true
}

func (h *Hub) remove(topic string, sub *Subscriber) {
	s := h.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, ok := s.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
}

// Subscribers returns the number of local subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	s := h.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// Publish delivers payload to local subscribers and forwards it to the relay
// bus. It returns the number of local deliveries.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) int {
	delivered := h.Deliver(topic, payload)

	for _, relay := range h.relays {
		env := Envelope{Source: h.nodeID, Topic: topic, Payload: payload}
		if err := relay.Forward(ctx, env); err != nil {
			observability.FanoutRelayErrors().WithLabelValues(relay.Name()).Inc()
			h.log.Warn().Err(err).Str("relay", relay.Name()).Str("topic", topic).Msg("failed to forward event to relay")
		}
	}

	return delivered
}

// Deliver hands payload to local subscribers only. Subscribers whose buffer
// is full are evicted after the shard lock is released.
func (h *Hub) Deliver(topic string, payload []byte) int {
	s := h.shardFor(topic)

	var evicted []*Subscriber
	delivered := 0

	s.mu.RLock()
	for sub := range s.topics[topic] {
		if sub.Offer(payload) {
			delivered++
			continue
		}
		evicted = append(evicted, sub)
	}
	s.mu.RUnlock()

	for _, sub := range evicted {
		h.evict(topic, sub)
		h.log.Warn().Str("topic", topic).Str("subscriber", sub.Label()).Msg("evicted slow subscriber")
	}

	observability.FanoutDeliveries().Add(float64(delivered))
	return delivered
}

// Evict disconnects every subscriber of topic on this node and asks the other
// nodes to do the same. It returns the number of local evictions.
func (h *Hub) Evict(ctx context.Context, topic string) int {
	evicted := h.evictTopic(topic)

	for _, relay := range h.relays {
		env := Envelope{Source: h.nodeID, Topic: topic, Evict: true}
		if err := relay.Forward(ctx, env); err != nil {
			observability.FanoutRelayErrors().WithLabelValues(relay.Name()).Inc()
			h.log.Warn().Err(err).Str("relay", relay.Name()).Str("topic", topic).Msg("failed to forward eviction to relay")
		}
	}

	return evicted
}

func (h *Hub) evictTopic(topic string) int {
	s := h.shardFor(topic)

	s.mu.RLock()
	subs := make([]*Subscriber, 0, len(s.topics[topic]))
	for sub := range s.topics[topic] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		h.evict(topic, sub)
	}
	if len(subs) > 0 {
		h.log.Info().Str("topic", topic).Int("subscribers", len(subs)).Msg("evicted topic subscribers")
	}
	return len(subs)
}

func (h *Hub) evict(topic string, sub *Subscriber) {
	if !h.LeaveAll(sub) {
		h.remove(topic, sub)
		return
	}
	observability.FanoutEvictions().Inc()
	if sub.onEvict != nil {
		sub.onEvict()
	}
}

// Start consumes relay buses until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	for _, relay := range h.relays {
		relay := relay
		go func() {
			err := relay.Consume(ctx, func(env Envelope) {
				if env.Source == h.nodeID {
					return
				}
				if env.Evict {
					h.evictTopic(env.Topic)
					return
				}
				h.Deliver(env.Topic, env.Payload)
			})
			if err != nil && ctx.Err() == nil {
				h.log.Error().Err(err).Str("relay", relay.Name()).Msg("relay consumer stopped")
			}
		}()
	}
}
