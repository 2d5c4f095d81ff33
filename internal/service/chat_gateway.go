package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/observability"
)

const (
	connectionKindRoom          = "room"
	connectionKindNotifications = "notifications"

	defaultKeepAlive  = 30 * time.Second
	defaultFrameRate  = 10
	defaultFrameBurst = 20
)

// Conn is the part of a websocket connection the gateway drives. Both the
// fiber and gorilla connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session carries the identity and scope resolved before the upgrade.
type Session struct {
	Participant   directory.Participant
	RoomID        uint
	CorrelationID string
	Context       context.Context
}

// GatewayOptions tunes per-connection resources.
type GatewayOptions struct {
	SendBuffer int
	KeepAlive  time.Duration
	FrameRate  float64
	FrameBurst int
}

// Gateway terminates realtime connections and dispatches their frames.
type Gateway struct {
	hub           *fanout.Hub
	directory     directory.Directory
	rooms         RoomService
	messages      MessageService
	presence      PresenceService
	notifications NotificationService
	decoder       *FrameDecoder
	logger        zerolog.Logger
	opts          GatewayOptions
}

// NewGateway wires a gateway.
func NewGateway(hub *fanout.Hub, dir directory.Directory, rooms RoomService, messages MessageService, presence PresenceService, notifications NotificationService, decoder *FrameDecoder, logger zerolog.Logger, opts GatewayOptions) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = fanout.DefaultBufferSize
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = defaultFrameBurst
	}
	return &Gateway{
		hub:           hub,
		directory:     dir,
		rooms:         rooms,
		messages:      messages,
		presence:      presence,
		notifications: notifications,
		decoder:       decoder,
		logger:        logger.With().Str("component", "chat_gateway").Logger(),
		opts:          opts,
	}
}

// Resolve maps an authenticated identity to a participant.
func (g *Gateway) Resolve(ctx context.Context, participantID uint) (directory.Participant, error) {
	if participantID == 0 {
		return directory.Participant{}, ErrAuthRequired
	}
	participant, err := g.directory.Resolve(ctx, participantID)
	if err != nil {
		if errors.Is(err, directory.ErrParticipantNotFound) {
			return directory.Participant{}, ErrAuthRequired
		}
		return directory.Participant{}, err
	}
	return participant, nil
}

// ServeRoom runs a room connection until it closes. A participant who may not
// enter the room gets a policy-violation close frame.
func (g *Gateway) ServeRoom(conn Conn, session Session) {
	ctx := sessionContext(session)

	room, err := g.rooms.Get(ctx, session.Participant, session.RoomID)
	if err != nil {
		g.reject(conn, session, err)
		return
	}

	c := g.newConnection(conn, session, connectionKindRoom)
	g.hub.Join(fanout.RoomTopic(room.ID), c.sub)
	g.hub.Join(fanout.MemberTopic(room.ID, session.Participant.ID), c.sub)

	if _, err := g.presence.Touch(c.ctx, session.Participant, room.ID); err != nil {
		c.log.Warn().Err(err).Msg("failed to touch presence on open")
	}

	c.reply(dto.RoomInfoEvent{
		Type: dto.EventRoomInfo,
		Room: dto.RoomInfo{
			ID:                room.ID,
			Name:              room.Name,
			RoomType:          room.RoomType,
			ParticipantsCount: room.ParticipantsCount,
		},
	})

	c.run(c.handleRoomFrame)
}

// ServeNotifications runs a participant's notification connection.
func (g *Gateway) ServeNotifications(conn Conn, session Session) {
	if session.Participant.ID == 0 {
		g.reject(conn, session, ErrAuthRequired)
		return
	}

	c := g.newConnection(conn, session, connectionKindNotifications)
	g.hub.Join(fanout.ParticipantTopic(session.Participant.ID), c.sub)

	c.run(c.handleNotificationFrame)
}

func (g *Gateway) reject(conn Conn, session Session, err error) {
	g.logger.Info().
		Err(err).
		Uint("participant_id", session.Participant.ID).
		Uint("room_id", session.RoomID).
		Str("correlation_id", session.CorrelationID).
		Msg("rejecting realtime connection")

	reason := ErrorCode(err)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	_ = conn.Close()
}

func sessionContext(session Session) context.Context {
	ctx := session.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if session.CorrelationID != "" {
		ctx = middleware.ContextWithCorrelation(ctx, session.CorrelationID)
	}
	return ctx
}

type connection struct {
	gateway *Gateway
	conn    Conn
	session Session
	kind    string
	sub     *fanout.Subscriber
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	log     zerolog.Logger
}

func (g *Gateway) newConnection(conn Conn, session Session, kind string) *connection {
	ctx, cancel := context.WithCancel(sessionContext(session))
	c := &connection{
		gateway: g,
		conn:    conn,
		session: session,
		kind:    kind,
		limiter: rate.NewLimiter(rate.Limit(g.opts.FrameRate), g.opts.FrameBurst),
		ctx:     ctx,
		cancel:  cancel,
		log: g.logger.With().
			Str("connection_kind", kind).
			Uint("participant_id", session.Participant.ID).
			Uint("room_id", session.RoomID).
			Str("correlation_id", session.CorrelationID).
			Logger(),
	}
	label := fmt.Sprintf("%s:%d", kind, session.Participant.ID)
	c.sub = fanout.NewSubscriber(label, g.opts.SendBuffer, c.close)

	observability.ChatConnections().WithLabelValues(kind).Inc()
	c.log.Debug().Msg("realtime connection opened")
	return c
}

// run starts the writer and blocks in the read loop until the connection
// ends. It returns only after the writer has stopped touching conn.
func (c *connection) run(handle func(dto.InboundFrame)) {
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writer()
	}()
	c.reader(handle)
	<-done
}

func (c *connection) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.gateway.opts.KeepAlive))
}

func (c *connection) reader(handle func(dto.InboundFrame)) {
	defer c.close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("realtime read loop ended")
			return
		}
		c.extendDeadline()

		if !c.limiter.Allow() {
			observability.ChatFramesDropped().WithLabelValues("rate_limited").Inc()
			continue
		}

		frame, err := c.gateway.decoder.Decode(raw)
		if err != nil {
			observability.ChatFramesDropped().WithLabelValues("malformed").Inc()
			continue
		}

		handle(frame)

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *connection) writer() {
	defer c.close()

	ticker := time.NewTicker(c.gateway.opts.KeepAlive)
	defer ticker.Stop()

	messages := c.sub.Messages()
	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.log.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		}
	}
}

// close is the single cleanup path for disconnects, errors, evictions and
// shutdown.
func (c *connection) close() {
	c.once.Do(func() {
		c.cancel()
		c.gateway.hub.LeaveAll(c.sub)
		_ = c.conn.Close()
		observability.ChatConnections().WithLabelValues(c.kind).Dec()
		c.log.Debug().Msg("realtime connection closed")
	})
}

// reply queues an event for this connection only. A connection that cannot
// take its own replies is closed like any other slow subscriber.
func (c *connection) reply(event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to encode reply")
		return
	}
	if !c.sub.Offer(payload) {
		c.close()
	}
}

func (c *connection) replyError(err error) {
	c.reply(dto.ErrorEvent{Type: dto.EventError, Code: ErrorCode(err), Message: err.Error()})
}

func (c *connection) handleRoomFrame(frame dto.InboundFrame) {
	participant := c.session.Participant
	roomID := c.session.RoomID

	switch frame.Type {
	case dto.FramePing:
		c.reply(dto.PongEvent{Type: dto.EventPong})
	case dto.FrameChatMessage:
		_, err := c.gateway.messages.Send(c.ctx, participant, roomID, dto.SendMessageRequest{
			Content: frame.Content,
			ReplyTo: frame.ReplyTo,
		})
		switch {
		case err == nil, errors.Is(err, ErrEmptyMessage):
		case isValidationError(err):
			c.replyError(fmt.Errorf("invalid message: %w", err))
		default:
			c.log.Warn().Err(err).Msg("chat message rejected")
			c.replyError(err)
		}
	case dto.FrameTyping, dto.FrameStopTyping:
		eventType := dto.EventTyping
		if frame.Type == dto.FrameStopTyping || (frame.IsTyping != nil && !*frame.IsTyping) {
			eventType = dto.EventStopTyping
		}
		c.publish(fanout.RoomTopic(roomID), dto.TypingEvent{
			Type:   eventType,
			RoomID: roomID,
			User:   participant.DisplayName,
			UserID: participant.ID,
		})
	case dto.FrameViewed:
		if _, err := c.gateway.presence.Touch(c.ctx, participant, roomID); err != nil {
			c.replyError(err)
		}
	default:
		observability.ChatFramesDropped().WithLabelValues("unsupported").Inc()
	}
}

func (c *connection) handleNotificationFrame(frame dto.InboundFrame) {
	participant := c.session.Participant

	switch frame.Type {
	case dto.FramePing:
		c.reply(dto.PongEvent{Type: dto.EventPong})
	case dto.FrameJoinCompany:
		if frame.CompanyID != participant.CompanyID {
			observability.ChatFramesDropped().WithLabelValues("foreign_company").Inc()
			c.log.Warn().Uint("company_id", frame.CompanyID).Msg("ignoring join for another company")
			return
		}
		c.gateway.hub.Join(fanout.CompanyTopic(frame.CompanyID), c.sub)
	case dto.FrameFetchUnreadCount:
		count, err := c.gateway.notifications.UnreadCount(c.ctx, participant.ID)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(dto.UnreadCountEvent{Type: dto.EventUnreadCount, Count: count})
	default:
		observability.ChatFramesDropped().WithLabelValues("unsupported").Inc()
	}
}

func (c *connection) publish(topic string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to encode event")
		return
	}
	c.gateway.hub.Publish(c.ctx, topic, payload)
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}
