package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"roomchat/internal/apperrors"
	"roomchat/internal/middleware"
	"roomchat/internal/models"
	"roomchat/internal/observability"
	"roomchat/internal/repositories"
	"roomchat/internal/telemetry"
)

// ChatHandler serves conversation and message endpoints.
type ChatHandler struct {
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	users    repositories.UserRepository
	rooms    repositories.RoomRepository
	audit    *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(chats repositories.ChatRepository, messages repositories.MessageRepository, users repositories.UserRepository, rooms repositories.RoomRepository, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chats:    chats,
		messages: messages,
		users:    users,
		rooms:    rooms,
		audit:    audit,
	}
}

type startChatRequest struct {
	UserID      string `json:"userId" binding:"required"`
	OtherUserID string `json:"otherUserId" binding:"required"`
	RoomID      string `json:"roomId" binding:"required"`
}

// StartChat returns the conversation between the caller and another user about a room, creating it if needed.
func (h *ChatHandler) StartChat(c *gin.Context) {
	var req startChatRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if err := requireCaller(c, req.UserID); err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.users.GetUserByID(ctx, req.OtherUserID); err != nil {
		respondError(c, repoError(err))
		return
	}
	if _, err := h.rooms.GetRoom(ctx, req.RoomID); err != nil {
		respondError(c, repoError(err))
		return
	}

	chat, created, err := h.chats.GetOrCreateChat(ctx, req.UserID, req.OtherUserID, req.RoomID)
	if err != nil {
		respondError(c, repoError(err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		observability.IncChatsCreated()
		h.publish(c, observability.RoutingConversationCreated, "conversation_created", chat.View())
		h.audit.Emit(ctx, telemetry.LevelInfo, "conversation created", requestIDFromContext(c), userIDFromContext(c), chat.ID)
	}
	respond(c, status, gin.H{"chat": chat.View()})
}

type sendMessageRequest struct {
	ChatID   string `json:"chatId" binding:"required"`
	SenderID string `json:"senderId" binding:"required"`
	Text     string `json:"text" binding:"required"`
}

// SendMessage appends a message and returns it with sender details resolved.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(c, apperrors.MissingField("text is required"))
		return
	}
	if err := requireCaller(c, req.SenderID); err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	chat, err := h.chats.GetChat(ctx, req.ChatID)
	if err != nil {
		respondError(c, repoError(err))
		return
	}
	if !chat.HasParticipant(req.SenderID) {
		respondError(c, apperrors.Forbidden("not a chat participant"))
		return
	}

	msg, err := h.messages.AppendMessage(ctx, chat.ID, req.SenderID, text)
	if err != nil {
		respondError(c, repoError(err))
		return
	}
	observability.IncMessagesAppended()

	view := h.describe(ctx, chat, msg)
	h.publish(c, observability.RoutingMessageCreated, "message_created", view)
	h.audit.Emit(ctx, telemetry.LevelInfo, "message sent", requestIDFromContext(c), userIDFromContext(c), chat.ID)
	respond(c, http.StatusCreated, gin.H{"message": view})
}

// describe denormalizes sender details. The message is already stored, so lookup
// failures are logged and leave the affected fields empty.
func (h *ChatHandler) describe(ctx context.Context, chat models.Chat, msg models.Message) models.MessageView {
	view := msg.View()
	view.Sender = models.SenderUser

	if sender, err := h.users.GetUserByID(ctx, msg.SenderID); err == nil {
		view.SenderEmail = sender.Email
	} else {
		log.Warn().Err(err).Str("user_id", msg.SenderID).Msg("sender lookup failed")
	}
	receiverID := chat.OtherParticipant(msg.SenderID)
	if receiver, err := h.users.GetUserByID(ctx, receiverID); err == nil {
		view.ReceiverEmail = receiver.Email
	} else {
		log.Warn().Err(err).Str("user_id", receiverID).Msg("receiver lookup failed")
	}

	room, err := h.rooms.GetRoom(ctx, chat.RoomID)
	switch {
	case err == nil:
		view.Sender = models.SenderKind(room.Room, msg.SenderID)
	case errors.Is(err, repositories.ErrRoomNotFound):
		// listing removed; the conversation outlives it
	default:
		log.Warn().Err(err).Str("room_id", chat.RoomID).Msg("room lookup failed")
	}
	return view
}

// GetChatMessages returns the full history of a chat, tagged relative to the caller.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID := c.Param("chatId")
	userID := c.GetString(middleware.UserIDKey)
	ctx := c.Request.Context()

	chat, err := h.chats.GetChat(ctx, chatID)
	if err != nil {
		respondError(c, repoError(err))
		return
	}
	if !chat.HasParticipant(userID) {
		respondError(c, apperrors.Forbidden("not a chat participant"))
		return
	}

	msgs, err := h.messages.ListByChat(ctx, chat.ID)
	if err != nil {
		respondError(c, repoError(err))
		return
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, msg.View().WithRole(userID))
	}
	respond(c, http.StatusOK, gin.H{"messages": views})
}

// ListUserChats returns the caller's conversations, most recently active first.
func (h *ChatHandler) ListUserChats(c *gin.Context) {
	userID := c.Param("userId")
	if err := requireCaller(c, userID); err != nil {
		respondError(c, err)
		return
	}

	chats, err := h.chats.ListChatsForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, repoError(err))
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	respond(c, http.StatusOK, gin.H{"chats": chats})
}

func (h *ChatHandler) publish(c *gin.Context, routingKey, name string, payload interface{}) {
	ctx := c.Request.Context()
	headers := observability.BuildHeaders(requestIDFromContext(c), observability.TraceID(ctx))
	if err := observability.PublishEvent(ctx, routingKey, observability.NewEnvelope("chat_events", name, payload), headers); err != nil {
		log.Warn().Err(err).Str("routing_key", routingKey).Msg("domain event publish failed")
	}
}
