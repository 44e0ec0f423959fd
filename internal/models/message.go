package models

import (
	"time"

	"github.com/lib/pq"
)

// Message roles relative to the viewing participant.
const (
	RoleSelf  = "self"
	RoleOther = "other"
)

// Sender kinds relative to the room.
const (
	SenderOwner = "owner"
	SenderUser  = "user"
)

// Message is an immutable chat message.
type Message struct {
	ID        string         `db:"id" json:"id"`
	ChatID    string         `db:"chat_id" json:"chatId"`
	SenderID  string         `db:"sender_id" json:"senderId"`
	Text      string         `db:"text" json:"text"`
	ReadBy    pq.StringArray `db:"read_by" json:"readBy"`
	Seq       int64          `db:"seq" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"timestamp"`
}

// MessageView is the message shape shared by the REST API and the live bus.
type MessageView struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chatId"`
	Text          string    `json:"text"`
	SenderID      string    `json:"senderId"`
	Sender        string    `json:"sender,omitempty"`
	SenderEmail   string    `json:"senderEmail,omitempty"`
	ReceiverEmail string    `json:"receiverEmail,omitempty"`
	Role          string    `json:"role,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// View converts a stored message without any denormalized sender information.
func (m Message) View() MessageView {
	return MessageView{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Text:      m.Text,
		SenderID:  m.SenderID,
		Timestamp: m.CreatedAt,
	}
}

// WithRole tags the message relative to viewerID.
func (v MessageView) WithRole(viewerID string) MessageView {
	if v.SenderID == viewerID {
		v.Role = RoleSelf
	} else {
		v.Role = RoleOther
	}
	return v
}

// SenderKind reports whether senderID is the room owner or a prospective tenant.
func SenderKind(room Room, senderID string) string {
	if room.OwnerID == senderID {
		return SenderOwner
	}
	return SenderUser
}
