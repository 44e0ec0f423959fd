package repositories

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"roomchat/internal/models"
)

// RoomRepository gives read access to listings.
type RoomRepository interface {
	GetRoom(ctx context.Context, roomID string) (models.RoomDetails, error)
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// GetRoom fetches a room together with its owner's email.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (models.RoomDetails, error) {
	var room models.RoomDetails
	err := r.db.GetContext(ctx, &room, `SELECT r.id, r.owner_id, r.title, r.location, r.price, r.created_at, u.email AS owner_email
        FROM rooms r JOIN users u ON u.id = r.owner_id
        WHERE r.id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoomDetails{}, ErrRoomNotFound
	}
	return room, errors.Wrap(err, "get room")
}
