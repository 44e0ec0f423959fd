package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"roomchat/internal/middleware"
	"roomchat/internal/models"
	"roomchat/internal/observability"
)

const eventTimeout = 5 * time.Second

// ParticipantChecker is the part of the chat store the bus needs to authorize joins.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
}

// ChatWebSocketHandler serves the live delivery bus.
type ChatWebSocketHandler struct {
	hub      *Hub
	chats    ParticipantChecker
	upgrader websocket.Upgrader
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. checkOrigin may be nil to accept any origin.
func NewChatWebSocketHandler(hub *Hub, chats ParticipantChecker, checkOrigin func(*http.Request) bool) *ChatWebSocketHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &ChatWebSocketHandler{
		hub:   hub,
		chats: chats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Handle upgrades an authenticated request and runs the connection's pumps.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing authorization"})
		return
	}

	ctx, span := observability.Tracer().Start(c.Request.Context(), "ws.handshake")
	span.SetAttributes(attribute.String("user.id", user.ID))
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request.WithContext(ctx), nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		log.Warn().Err(err).Str("user_id", user.ID).Msg("websocket upgrade failed")
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      user.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     observability.TraceID(ctx),
		ConnectedAt: time.Now(),
	}
	span.End()

	// The request context ends when Handle returns; the connection outlives it.
	base := context.WithoutCancel(ctx)
	client := newClient(h.hub, conn, info)
	h.hub.Register(client)

	observability.IncWSActive()
	h.publishWSEvent(base, info, "ws_connect", "")
	log.Debug().Str("conn_id", info.ConnID).Str("user_id", info.UserID).Msg("websocket connected")

	go client.writePump()
	go func() {
		err := client.readPump(func(cl *Client, data []byte) {
			h.process(base, cl, data)
		})
		observability.DecWSActive()
		reason := ""
		if err != nil {
			reason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.publishWSEvent(base, info, "ws_error", reason)
			}
		}
		h.publishWSEvent(base, info, "ws_disconnect", reason)
		log.Debug().Str("conn_id", info.ConnID).Str("reason", reason).Msg("websocket disconnected")
	}()
}

func (h *ChatWebSocketHandler) process(base context.Context, c *Client, data []byte) {
	var evt models.BusEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		h.reply(c, models.BusEvent{Type: models.EventError, Error: "malformed frame"})
		return
	}
	if evt.ChatID == "" {
		h.reply(c, models.BusEvent{Type: models.EventError, Error: "chatId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(base, eventTimeout)
	defer cancel()

	switch evt.Type {
	case models.EventJoinChat:
		h.join(ctx, c, evt.ChatID)
	case models.EventLeaveChat:
		h.hub.Unsubscribe(evt.ChatID, c)
		h.reply(c, models.BusEvent{Type: models.EventLeft, ChatID: evt.ChatID})
	case models.EventSendMessage:
		h.relay(c, evt)
	default:
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: evt.ChatID, Error: "unknown event type"})
		return
	}
	observability.IncWSEvent(evt.Type)
}

func (h *ChatWebSocketHandler) join(ctx context.Context, c *Client, chatID string) {
	member, err := h.chats.IsParticipant(ctx, chatID, c.info.UserID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Str("user_id", c.info.UserID).Msg("participant check failed")
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: chatID, Error: "internal server error"})
		return
	}
	if !member {
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: chatID, Error: "not a participant"})
		return
	}
	h.hub.Subscribe(chatID, c)
	h.reply(c, models.BusEvent{Type: models.EventJoined, ChatID: chatID})
}

func (h *ChatWebSocketHandler) relay(c *Client, evt models.BusEvent) {
	switch {
	case !h.hub.IsSubscribed(evt.ChatID, c):
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: evt.ChatID, Error: "not joined"})
		return
	case evt.Message == nil:
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: evt.ChatID, Error: "message is required"})
		return
	case evt.Message.ChatID != evt.ChatID:
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: evt.ChatID, Error: "message belongs to another chat"})
		return
	case evt.Message.SenderID != c.info.UserID:
		h.reply(c, models.BusEvent{Type: models.EventError, ChatID: evt.ChatID, Error: "sender mismatch"})
		return
	}

	msg := *evt.Message
	msg.Role = ""
	payload, err := json.Marshal(models.BusEvent{Type: models.EventReceiveMessage, ChatID: evt.ChatID, Message: &msg})
	if err != nil {
		return
	}
	delivered, dropped := h.hub.Publish(evt.ChatID, payload)
	observability.AddBusDeliveries(observability.BusDelivered, delivered)
	observability.AddBusDeliveries(observability.BusDropped, dropped)
}

func (h *ChatWebSocketHandler) reply(c *Client, evt models.BusEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.hub.Send(c, payload)
}

func (h *ChatWebSocketHandler) publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event)
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents,
		observability.NewEnvelope("ws_events", event, payload),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}
