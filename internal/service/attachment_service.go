package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
)

// AttachmentStore is the external blob storage for chat attachments.
type AttachmentStore interface {
	Store(ctx context.Context, name string, reader io.Reader) (string, error)
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// AttachmentService stores an uploaded file and posts it as a message.
type AttachmentService interface {
	Upload(ctx context.Context, sender directory.Participant, roomID uint, file *multipart.FileHeader, caption string) (dto.ChatMessagePayload, error)
}

type attachmentService struct {
	store    AttachmentStore
	rooms    RoomService
	messages MessageService
	logger   zerolog.Logger
	maxSize  int64
	tracer   trace.Tracer
}

// NewAttachmentService constructs an attachment service.
func NewAttachmentService(store AttachmentStore, rooms RoomService, messages MessageService, maxSizeMB int, logger zerolog.Logger) AttachmentService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &attachmentService{
		store:    store,
		rooms:    rooms,
		messages: messages,
		logger:   logger.With().Str("component", "attachment_service").Logger(),
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		tracer:   otel.Tracer("github.com/noah-isme/gema-chat/internal/service/attachment"),
	}
}

func (s *attachmentService) Upload(ctx context.Context, sender directory.Participant, roomID uint, file *multipart.FileHeader, caption string) (dto.ChatMessagePayload, error) {
	ctx, span := s.tracer.Start(ctx, "chat.attachment")
	defer span.End()

	span.SetAttributes(
		attribute.Int("chat.room_id", int(roomID)),
		attribute.Int64("attachment.max_bytes", s.maxSize),
	)

	if file == nil {
		err := errors.New("file is required")
		span.SetStatus(codes.Error, "validation failed")
		return dto.ChatMessagePayload{}, err
	}
	if file.Size > s.maxSize {
		span.SetStatus(codes.Error, "payload too large")
		return dto.ChatMessagePayload{}, ErrAttachmentTooLarge
	}

	// Authorise before touching blob storage.
	if _, _, err := s.rooms.Authorize(ctx, sender, roomID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not authorised")
		return dto.ChatMessagePayload{}, err
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessagePayload{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		return dto.ChatMessagePayload{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		span.SetStatus(codes.Error, "payload too large")
		return dto.ChatMessagePayload{}, ErrAttachmentTooLarge
	}

	detected := mimetype.Detect(buf.Bytes())
	kind := models.MessageKindFile
	if strings.HasPrefix(detected.String(), "image/") {
		kind = models.MessageKindImage
	}
	name := sanitizeFileName(file.Filename, detected.Extension())
	span.SetAttributes(
		attribute.String("attachment.mime", detected.String()),
		attribute.String("attachment.name", name),
	)

	uri, err := s.store.Store(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		s.logger.Error().Err(err).Uint("room_id", roomID).Msg("failed to store attachment")
		return dto.ChatMessagePayload{}, fmt.Errorf("store attachment: %w", err)
	}

	return s.messages.Send(ctx, sender, roomID, dto.SendMessageRequest{
		Content:       caption,
		AttachmentURL: uri,
		Kind:          kind,
		Attachment: map[string]interface{}{
			"mime":     detected.String(),
			"size":     buf.Len(),
			"filename": name,
		},
	})
}

func sanitizeFileName(name, detectedExt string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("attachment-%d", time.Now().Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = detectedExt
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}
