package repositories

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"roomchat/internal/models"
)

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, chatID, senderID, text string) (models.Message, error)
	ListByChat(ctx context.Context, chatID string) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, chat_id, sender_id, text, read_by, seq, created_at`

// AppendMessage stores a message and moves the chat's latest-message pointer in one transaction.
func (r *MessageRepo) AppendMessage(ctx context.Context, chatID, senderID, text string) (msg models.Message, err error) {
	if chatID == "" || senderID == "" {
		return models.Message{}, ErrMissingInput
	}
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyText
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, errors.Wrap(err, "begin append")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var chat models.Chat
	err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1 FOR UPDATE`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrChatNotFound
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, errors.Wrap(err, "lock chat")
	}
	if !chat.HasParticipant(senderID) {
		err = ErrNotParticipant
		return models.Message{}, err
	}

	// Stamped after the chat row lock so created_at follows append order.
	err = tx.GetContext(ctx, &msg, `INSERT INTO messages (id, chat_id, sender_id, text, read_by, created_at)
        VALUES ($1, $2, $3, $4, $5, clock_timestamp())
        RETURNING `+messageColumns, uuid.NewString(), chatID, senderID, text, pq.StringArray{senderID})
	if err != nil {
		return models.Message{}, errors.Wrap(err, "insert message")
	}

	if _, err = tx.ExecContext(ctx, `UPDATE chats SET latest_message_id=$1, updated_at=$2 WHERE id=$3`, msg.ID, msg.CreatedAt, chatID); err != nil {
		return models.Message{}, errors.Wrap(err, "update latest message")
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, errors.Wrap(err, "commit append")
	}
	return msg, nil
}

// ListByChat returns every message of the chat in creation order, insertion order breaking ties.
func (r *MessageRepo) ListByChat(ctx context.Context, chatID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE chat_id=$1
        ORDER BY created_at ASC, seq ASC`, chatID)
	return msgs, errors.Wrap(err, "list messages")
}
