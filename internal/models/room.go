package models

import "time"

// Room is a rental listing. Conversations are always scoped to one.
type Room struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"ownerId"`
	Title     string    `db:"title" json:"title"`
	Location  string    `db:"location" json:"location"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// RoomDetails is the room plus the owner's contact email.
type RoomDetails struct {
	Room
	OwnerEmail string `db:"owner_email" json:"ownerEmail"`
}
