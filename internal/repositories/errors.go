package repositories

import (
	"errors"

	"github.com/lib/pq"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrNotParticipant  = errors.New("sender is not a chat participant")
	ErrSameParticipant = errors.New("cannot create chat with self")
	ErrChatConflict    = errors.New("chat creation kept conflicting")
	ErrEmptyText       = errors.New("message text is empty")
	ErrMissingInput    = errors.New("required identifier is empty")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
