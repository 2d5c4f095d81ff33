package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

const (
	localParticipant = "chat_participant"
	localRoomID      = "chat_room_id"
)

// ChatHandler exposes rooms, messages and the room websocket.
type ChatHandler struct {
	gateway     *service.Gateway
	resolver    ParticipantResolver
	rooms       service.RoomService
	messages    service.MessageService
	presence    service.PresenceService
	attachments service.AttachmentService
	logger      zerolog.Logger
}

// NewChatHandler creates a chat handler instance. attachments may be nil when
// no attachment store is configured.
func NewChatHandler(
	gateway *service.Gateway,
	rooms service.RoomService,
	messages service.MessageService,
	presence service.PresenceService,
	attachments service.AttachmentService,
	logger zerolog.Logger,
) *ChatHandler {
	return &ChatHandler{
		gateway:     gateway,
		resolver:    gateway,
		rooms:       rooms,
		messages:    messages,
		presence:    presence,
		attachments: attachments,
		logger:      logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Get("/rooms", h.listRooms)
	router.Post("/rooms", h.createRoom)
	router.Post("/rooms/company/ensure", h.ensureCompanyRoom)
	router.Get("/rooms/:id", h.getRoom)
	router.Delete("/rooms/:id", h.deactivateRoom)
	router.Get("/rooms/:id/members", h.listMembers)
	router.Post("/rooms/:id/members", h.addMember)
	router.Delete("/rooms/:id/members/:participantId", h.removeMember)
	router.Get("/rooms/:id/messages", h.history)
	router.Post("/rooms/:id/messages", h.sendMessage)
	router.Post("/rooms/:id/attachments", h.uploadAttachment)
	router.Post("/rooms/:id/seen", h.markSeen)
	router.Get("/rooms/:id/unread", h.unread)
	router.Get("/rooms/:id/ws", h.upgradeRoom, websocket.New(h.serveRoom))
	router.Get("/summary", h.summary)
	router.Patch("/messages/:id", h.editMessage)
	router.Delete("/messages/:id", h.deleteMessage)
}

// upgradeRoom resolves the participant before the protocol switch so an
// unknown identity is refused with a plain 401.
func (h *ChatHandler) upgradeRoom(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	c.Locals(localParticipant, participant)
	c.Locals(localRoomID, roomID)
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

func (h *ChatHandler) serveRoom(conn *websocket.Conn) {
	participant, _ := conn.Locals(localParticipant).(directory.Participant)
	roomID, _ := conn.Locals(localRoomID).(uint)

	session := sessionFromConn(conn, participant)
	session.RoomID = roomID

	h.logger.Info().Uint("participant_id", participant.ID).Uint("room_id", roomID).Msg("chat websocket connected")
	h.gateway.ServeRoom(conn, session)
	h.logger.Info().Uint("participant_id", participant.ID).Uint("room_id", roomID).Msg("chat websocket disconnected")
}

func (h *ChatHandler) listRooms(c *fiber.Ctx) error {
	participant, err := resolveParticipant(c, h.resolver)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	rooms, err := h.rooms.ListForParticipant(requestContext(c), participant)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "rooms", rooms)
}

func (h *ChatHandler) createRoom(c *fiber.Ctx) error {
	participant, err := resolveParticipant(c, h.resolver)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	var req dto.CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	room, err := h.rooms.CreateRoom(requestContext(c), participant, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "room created", room)
}

func (h *ChatHandler) ensureCompanyRoom(c *fiber.Ctx) error {
	participant, err := resolveParticipant(c, h.resolver)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	room, created, err := h.rooms.EnsureCompanyRoom(requestContext(c), participant)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	if created {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "company room created", room)
	}
	return utils.SendSuccess(c, "company room", room)
}

func (h *ChatHandler) getRoom(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	room, err := h.rooms.Get(requestContext(c), participant, roomID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "room", room)
}

func (h *ChatHandler) deactivateRoom(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	if err := h.rooms.Deactivate(requestContext(c), participant, roomID); err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "room deactivated", nil)
}

func (h *ChatHandler) listMembers(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	members, err := h.rooms.Members(requestContext(c), participant, roomID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "room members", members)
}

func (h *ChatHandler) addMember(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	var req dto.AddMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	member, err := h.rooms.AddMember(requestContext(c), participant, roomID, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "member added", member)
}

func (h *ChatHandler) removeMember(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	target, err := parseIDParam(c, "participantId")
	if err != nil {
		return respondError(c, h.logger, err)
	}

	if err := h.rooms.RemoveMember(requestContext(c), participant, roomID, target); err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "member removed", nil)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	var query dto.MessageListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	messages, err := h.messages.History(requestContext(c), participant, roomID, query)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	meta := fiber.Map{"count": len(messages)}
	if len(messages) > 0 {
		meta["first_position"] = messages[0].Position
		meta["last_position"] = messages[len(messages)-1].Position
	}
	return utils.OK(c, messages, "chat history", meta)
}

func (h *ChatHandler) sendMessage(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	message, err := h.messages.Send(requestContext(c), participant, roomID, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) uploadAttachment(c *fiber.Ctx) error {
	if h.attachments == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "attachments are not configured")
	}

	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	message, err := h.attachments.Upload(requestContext(c), participant, roomID, file, c.FormValue("caption"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "attachment sent", message)
}

func (h *ChatHandler) markSeen(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	unread, err := h.presence.Touch(requestContext(c), participant, roomID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "room marked as seen", unread)
}

func (h *ChatHandler) unread(c *fiber.Ctx) error {
	participant, roomID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	unread, err := h.presence.UnreadCount(requestContext(c), participant, roomID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "unread messages", unread)
}

func (h *ChatHandler) summary(c *fiber.Ctx) error {
	participant, err := resolveParticipant(c, h.resolver)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	summary, err := h.presence.Summary(requestContext(c), participant)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "room summary", summary)
}

func (h *ChatHandler) editMessage(c *fiber.Ctx) error {
	participant, messageID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	var req dto.EditMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	message, err := h.messages.Edit(requestContext(c), participant, messageID, req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *ChatHandler) deleteMessage(c *fiber.Ctx) error {
	participant, messageID, err := h.roomRequest(c)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	message, err := h.messages.Delete(requestContext(c), participant, messageID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", message)
}

// roomRequest resolves the caller and the :id path parameter.
func (h *ChatHandler) roomRequest(c *fiber.Ctx) (directory.Participant, uint, error) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return directory.Participant{}, 0, err
	}
	participant, err := resolveParticipant(c, h.resolver)
	if err != nil {
		return directory.Participant{}, 0, err
	}
	return participant, id, nil
}

func sessionFromConn(conn *websocket.Conn, participant directory.Participant) service.Session {
	correlation := strings.TrimSpace(stringLocal(conn.Locals("correlation_id")))
	ctx, ok := conn.Locals("request_ctx").(context.Context)
	if !ok || ctx == nil {
		ctx = context.Background()
	}
	return service.Session{
		Participant:   participant,
		CorrelationID: correlation,
		Context:       middleware.ContextWithCorrelation(ctx, correlation),
	}
}

func stringLocal(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}
