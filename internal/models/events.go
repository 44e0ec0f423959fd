package models

// Bus event types exchanged over the live delivery websocket.
const (
	EventJoinChat       = "join_chat"
	EventLeaveChat      = "leave_chat"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventError          = "error"
)

// BusEvent is the JSON frame carried by the live delivery bus.
type BusEvent struct {
	Type    string       `json:"type"`
	ChatID  string       `json:"chatId"`
	Message *MessageView `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}
