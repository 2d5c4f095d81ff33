package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const notificationBufferSize = 16

// NotificationService persists notifications and pushes them to the
// recipient's personal topic.
type NotificationService interface {
	Notify(ctx context.Context, notification models.Notification, senderName string) (bool, error)
	List(ctx context.Context, recipientID uint, query dto.NotificationListQuery) ([]dto.NotificationResponse, error)
	MarkRead(ctx context.Context, id, recipientID uint) (dto.NotificationResponse, error)
	MarkAllRead(ctx context.Context, recipientID uint) (int64, error)
	UnreadCount(ctx context.Context, recipientID uint) (int64, error)
	Announce(ctx context.Context, companyID uint, title, body string)
	Subscribe(recipientID uint) (*fanout.Subscriber, func())
}

type notificationService struct {
	repo      repository.NotificationRepository
	hub       *fanout.Hub
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
}

// NewNotificationService constructs a notification service.
func NewNotificationService(repo repository.NotificationRepository, hub *fanout.Hub, validate *validator.Validate, logger zerolog.Logger) NotificationService {
	return &notificationService{
		repo:      repo,
		hub:       hub,
		validator: validate,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat/internal/service/notification"),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Notify stores the notification once per (message, recipient, kind) and, if
// it was new, pushes it live. It reports whether a row was written.
func (s *notificationService) Notify(ctx context.Context, notification models.Notification, senderName string) (bool, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("notification.recipient_id", int(notification.RecipientID)),
		attribute.String("notification.kind", string(notification.Kind)),
	}
	spanCtx, span := s.tracer.Start(ctx, "notifications.notify", trace.WithAttributes(attrs...))
	defer span.End()

	if notification.Kind == "" {
		notification.Kind = models.NotificationKindSystem
	}
	notification.Title = plainText(s.sanitizer, notification.Title)
	notification.Body = plainText(s.sanitizer, notification.Body)

	created, err := s.repo.CreateOnce(spanCtx, &notification)
	if err != nil {
		span.RecordError(err)
		observability.NotificationsFailed().Inc()
		return false, persistenceError(err)
	}
	if !created {
		return false, nil
	}

	observability.NotificationsCreated().WithLabelValues(string(notification.Kind)).Inc()

	event := dto.NotificationEvent{
		Type:      dto.EventNotification,
		ID:        notification.ID,
		Kind:      notification.Kind,
		Title:     notification.Title,
		Message:   notification.Body,
		RoomID:    notification.RoomID,
		MessageID: notification.MessageID,
		Sender:    senderName,
		SenderID:  notification.SenderID,
		CreatedAt: notification.CreatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode notification event")
		return true, nil
	}
	s.hub.Publish(spanCtx, fanout.ParticipantTopic(notification.RecipientID), payload)

	return true, nil
}

func (s *notificationService) List(ctx context.Context, recipientID uint, query dto.NotificationListQuery) ([]dto.NotificationResponse, error) {
	if recipientID == 0 {
		return nil, ErrAuthRequired
	}
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	notifications, err := s.repo.ListByRecipient(ctx, recipientID, query.UnreadOnly, query.Limit, query.Offset)
	if err != nil {
		return nil, err
	}

	return dto.NewNotificationResponseSlice(notifications), nil
}

func (s *notificationService) MarkRead(ctx context.Context, id, recipientID uint) (dto.NotificationResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("notification.recipient_id", int(recipientID)),
	}
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(attrs...))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, recipientID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.NotificationResponse{}, ErrNotificationNotFound
		}
		return dto.NotificationResponse{}, err
	}

	return dto.NewNotificationResponse(notification), nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, recipientID uint) (int64, error) {
	if recipientID == 0 {
		return 0, ErrAuthRequired
	}
	return s.repo.MarkAllRead(ctx, recipientID)
}

func (s *notificationService) UnreadCount(ctx context.Context, recipientID uint) (int64, error) {
	if recipientID == 0 {
		return 0, ErrAuthRequired
	}
	return s.repo.CountUnread(ctx, recipientID)
}

// Announce pushes a transient system event to every connection that joined
// the company topic. Nothing is persisted.
func (s *notificationService) Announce(ctx context.Context, companyID uint, title, body string) {
	event := dto.NotificationEvent{
		Type:      dto.EventNotification,
		Kind:      models.NotificationKindSystem,
		Title:     plainText(s.sanitizer, title),
		Message:   plainText(s.sanitizer, body),
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode company announcement")
		return
	}
	s.hub.Publish(ctx, fanout.CompanyTopic(companyID), payload)
}

// Subscribe attaches a stream consumer to the recipient's topic. The returned
// cleanup must be called when the consumer goes away.
func (s *notificationService) Subscribe(recipientID uint) (*fanout.Subscriber, func()) {
	sub := fanout.NewSubscriber(fmt.Sprintf("sse:%d", recipientID), notificationBufferSize, nil)
	s.hub.Join(fanout.ParticipantTopic(recipientID), sub)
	observability.ChatConnections().WithLabelValues("sse").Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.hub.LeaveAll(sub)
			observability.ChatConnections().WithLabelValues("sse").Dec()
		})
	}

	return sub, cleanup
}
