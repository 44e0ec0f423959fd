package models

import (
	"database/sql"
	"time"
)

// Chat is a private conversation between exactly two users about one room.
// Participants are stored as a low/high pair so that lookups are order independent.
type Chat struct {
	ID              string         `db:"id" json:"id"`
	UserLowID       string         `db:"user_low_id" json:"-"`
	UserHighID      string         `db:"user_high_id" json:"-"`
	RoomID          string         `db:"room_id" json:"roomId"`
	LatestMessageID sql.NullString `db:"latest_message_id" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// Participants returns both participant ids.
func (c Chat) Participants() []string {
	return []string{c.UserLowID, c.UserHighID}
}

// HasParticipant reports whether userID is one of the two participants.
func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.UserLowID == userID || c.UserHighID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c Chat) OtherParticipant(userID string) string {
	if c.UserLowID == userID {
		return c.UserHighID
	}
	return c.UserLowID
}

// ChatView is the API representation of a Chat.
type ChatView struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	RoomID          string    `json:"roomId"`
	LatestMessageID *string   `json:"latestMessageId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// View converts the stored chat into its API form.
func (c Chat) View() ChatView {
	view := ChatView{
		ID:           c.ID,
		Participants: c.Participants(),
		RoomID:       c.RoomID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.LatestMessageID.Valid {
		latest := c.LatestMessageID.String
		view.LatestMessageID = &latest
	}
	return view
}

// ChatSummary provides a per-user view of a chat for listings.
type ChatSummary struct {
	ChatID          string         `db:"id" json:"id"`
	UserLowID       string         `db:"user_low_id" json:"-"`
	UserHighID      string         `db:"user_high_id" json:"-"`
	RoomID          string         `db:"room_id" json:"roomId"`
	RoomTitle       sql.NullString `db:"room_title" json:"-"`
	LatestMessageID sql.NullString `db:"latest_message_id" json:"-"`
	LatestText      sql.NullString `db:"latest_text" json:"-"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`

	OtherUserID   string  `db:"-" json:"otherUserId"`
	RoomAvailable bool    `db:"-" json:"roomAvailable"`
	Title         string  `db:"-" json:"roomTitle,omitempty"`
	LatestID      *string `db:"-" json:"latestMessageId"`
	LatestMessage *string `db:"-" json:"latestMessage"`
}
