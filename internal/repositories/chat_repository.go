package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"roomchat/internal/models"
)

// ChatRepository abstracts conversation persistence.
type ChatRepository interface {
	GetOrCreateChat(ctx context.Context, userID, otherUserID, roomID string) (models.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	ListChatsForUser(ctx context.Context, userID string) ([]models.ChatSummary, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db      *sqlx.DB
	retries int
}

// NewChatRepo constructs a ChatRepo. retries bounds the re-reads after an insert conflict.
func NewChatRepo(db *sqlx.DB, retries int) *ChatRepo {
	if retries < 1 {
		retries = 1
	}
	return &ChatRepo{db: db, retries: retries}
}

const chatColumns = `id, user_low_id, user_high_id, room_id, latest_message_id, created_at, updated_at`

// orderedPair returns the participants in storage order.
func orderedPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// GetOrCreateChat returns the chat for the unordered pair and room, creating it when absent.
// The boolean reports whether this call inserted the chat.
func (r *ChatRepo) GetOrCreateChat(ctx context.Context, userID, otherUserID, roomID string) (models.Chat, bool, error) {
	if userID == "" || otherUserID == "" || roomID == "" {
		return models.Chat{}, false, ErrMissingInput
	}
	if userID == otherUserID {
		return models.Chat{}, false, ErrSameParticipant
	}
	low, high := orderedPair(userID, otherUserID)

	for attempt := 0; attempt < r.retries; attempt++ {
		chat, err := r.findChat(ctx, low, high, roomID)
		if err == nil {
			return chat, false, nil
		}
		if !errors.Is(err, ErrChatNotFound) {
			return models.Chat{}, false, err
		}

		err = r.db.GetContext(ctx, &chat, `INSERT INTO chats (id, user_low_id, user_high_id, room_id)
            VALUES ($1, $2, $3, $4)
            RETURNING `+chatColumns, uuid.NewString(), low, high, roomID)
		if err == nil {
			return chat, true, nil
		}
		if !isUniqueViolation(err) {
			return models.Chat{}, false, errors.Wrap(err, "insert chat")
		}
		// a concurrent request created it first; read it back on the next attempt
	}
	return models.Chat{}, false, ErrChatConflict
}

func (r *ChatRepo) findChat(ctx context.Context, low, high, roomID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats
        WHERE user_low_id=$1 AND user_high_id=$2 AND room_id=$3`, low, high, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, errors.Wrap(err, "find chat")
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, errors.Wrap(err, "get chat")
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND (user_low_id=$2 OR user_high_id=$2))`, chatID, userID)
	return exists, errors.Wrap(err, "check participant")
}

// ListChatsForUser returns the user's chats, most recently active first.
// Chats whose room no longer exists are kept and flagged as unavailable.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	query := `SELECT c.id, c.user_low_id, c.user_high_id, c.room_id, r.title AS room_title,
            c.latest_message_id, m.text AS latest_text, c.updated_at
        FROM chats c
        LEFT JOIN rooms r ON r.id = c.room_id
        LEFT JOIN messages m ON m.id = c.latest_message_id
        WHERE c.user_low_id=$1 OR c.user_high_id=$1
        ORDER BY c.updated_at DESC, c.id`
	var rows []models.ChatSummary
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, errors.Wrap(err, "list chats")
	}

	for i := range rows {
		row := &rows[i]
		row.OtherUserID = row.UserLowID
		if row.OtherUserID == userID {
			row.OtherUserID = row.UserHighID
		}
		row.RoomAvailable = row.RoomTitle.Valid
		row.Title = row.RoomTitle.String
		if row.LatestMessageID.Valid {
			id := row.LatestMessageID.String
			row.LatestID = &id
		}
		if row.LatestText.Valid {
			text := row.LatestText.String
			row.LatestMessage = &text
		}
	}
	return rows, nil
}
