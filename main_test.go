package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"roomchat/internal/config"
	"roomchat/internal/handlers"
	"roomchat/internal/identity"
	"roomchat/internal/mocks"
	"roomchat/internal/models"
	"roomchat/internal/ws"
)

type testApp struct {
	*app
	users *mocks.UserRepositoryMock
	chats *mocks.ChatRepositoryMock
	token string
}

func newTestApp(t *testing.T, debug bool, limit uint) testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	users := new(mocks.UserRepositoryMock)
	chats := new(mocks.ChatRepositoryMock)
	rooms := new(mocks.RoomRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	resolver := identity.NewResolver(users, nil, "test-secret")
	cfg := &config.Config{ServiceName: "roomchat", Debug: debug, SendRateLimit: limit, SendRateWindow: time.Minute, TokenTTL: time.Hour, AllowedOrigins: []string{"*"}}

	token, err := resolver.IssueToken(models.User{ID: "alice", Email: "alice@example.com"}, time.Hour)
	require.NoError(t, err)
	users.On("GetUserByID", mock.Anything, "alice").Return(models.User{ID: "alice", Email: "alice@example.com"}, nil)

	return testApp{
		app: &app{
			cfg:      cfg,
			resolver: resolver,
			chat:     handlers.NewChatHandler(chats, messages, users, rooms, nil),
			users:    handlers.NewUserHandler(resolver),
			rooms:    handlers.NewRoomHandler(rooms),
			auth:     handlers.NewAuthHandler(resolver, cfg.TokenTTL),
			bus:      ws.NewChatWebSocketHandler(ws.NewHub(), chats, nil),
		},
		users: users,
		chats: chats,
		token: token,
	}
}

func serve(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouterHealthAndMetricsArePublic(t *testing.T) {
	r := newTestApp(t, false, 5).router()

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/metrics", "", "").Code)
}

func TestRouterRequiresToken(t *testing.T) {
	r := newTestApp(t, false, 5).router()

	for _, path := range []string{"/chat/messages/c1", "/chat/user/alice", "/user/by-email?email=a", "/room/r1"} {
		rec := serve(r, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/chat/send", "", `{}`).Code)
}

func TestRouterRateLimitsSend(t *testing.T) {
	a := newTestApp(t, false, 2)
	r := a.router()
	body := `{"chatId":"c1","senderId":"alice","text":"   "}`

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/chat/send", a.token, body).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/chat/send", a.token, body).Code)
	rec := serve(r, http.MethodPost, "/chat/send", a.token, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestRouterDevTokenOnlyInDebug(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(newTestApp(t, false, 5).router(), http.MethodPost, "/auth/dev-token", "", `{"email":"alice@example.com"}`).Code)

	a := newTestApp(t, true, 5)
	a.users.On("GetUserByEmail", mock.Anything, "alice@example.com").Return(models.User{ID: "alice", Email: "alice@example.com"}, nil).Once()
	assert.Equal(t, http.StatusOK, serve(a.router(), http.MethodPost, "/auth/dev-token", "", `{"email":"alice@example.com"}`).Code)
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker([]string{"*"}))

	check := originChecker([]string{"https://rooms.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://rooms.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
