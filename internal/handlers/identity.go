package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"roomchat/internal/middleware"
	"roomchat/internal/models"
	"roomchat/internal/repositories"
)

// Identity is the part of the identity resolver the HTTP layer uses.
type Identity interface {
	ByEmail(ctx context.Context, email string) (models.User, error)
	IssueToken(user models.User, ttl time.Duration) (string, error)
	Revoke(ctx context.Context, token string) error
}

// UserHandler serves user lookups.
type UserHandler struct {
	identity Identity
}

func NewUserHandler(identity Identity) *UserHandler {
	return &UserHandler{identity: identity}
}

// GetByEmail resolves ?email= to a user. Quoted input such as "a@b.c" is accepted.
func (h *UserHandler) GetByEmail(c *gin.Context) {
	user, err := h.identity.ByEmail(c.Request.Context(), c.Query("email"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"data": user})
}

// RoomHandler serves listing lookups.
type RoomHandler struct {
	rooms repositories.RoomRepository
}

func NewRoomHandler(rooms repositories.RoomRepository) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, repoError(err))
		return
	}
	respond(c, http.StatusOK, gin.H{"data": room})
}

// AuthHandler serves token lifecycle endpoints.
type AuthHandler struct {
	identity Identity
	ttl      time.Duration
}

func NewAuthHandler(identity Identity, ttl time.Duration) *AuthHandler {
	return &AuthHandler{identity: identity, ttl: ttl}
}

// Logout revokes the bearer token used for this request.
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.identity.Revoke(c.Request.Context(), c.GetString(middleware.AccessTokenKey)); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

type devTokenRequest struct {
	Email string `json:"email" binding:"required"`
}

// DevToken issues a token for an existing user without a password. Debug builds only.
func (h *AuthHandler) DevToken(c *gin.Context) {
	var req devTokenRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	user, err := h.identity.ByEmail(c.Request.Context(), req.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	token, err := h.identity.IssueToken(user, h.ttl)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"data": gin.H{"token": token, "userId": user.ID}})
}

// Health reports liveness.
func Health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"status": "ok"})
}
