package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"roomchat/internal/models"
)

type fakeAPI struct {
	mu       sync.Mutex
	users    map[string]models.User
	rooms    map[string]models.RoomDetails
	chat     models.ChatView
	history  []models.MessageView
	calls    []string
	startErr error
	listErr  error
	sendErr  error
	// sendGate, when set, blocks Send until it receives.
	sendGate  chan struct{}
	startGate chan struct{}
	listGate  chan struct{}
	nextID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users: map[string]models.User{
			"alice@example.com": {ID: "alice", Email: "alice@example.com"},
			"bob@example.com":   {ID: "bob", Email: "bob@example.com"},
		},
		rooms: map[string]models.RoomDetails{
			"r1": {Room: models.Room{ID: "r1", OwnerID: "bob"}, OwnerEmail: "bob@example.com"},
		},
		chat: models.ChatView{ID: "c1", Participants: []string{"alice", "bob"}, RoomID: "r1"},
		history: []models.MessageView{
			{ID: "m1", ChatID: "c1", SenderID: "bob", Text: "welcome"},
		},
	}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) UserByEmail(_ context.Context, email string) (models.User, error) {
	f.record("user:" + email)
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[email]
	if !ok {
		return models.User{}, errors.New("user not found")
	}
	return user, nil
}

func (f *fakeAPI) Room(_ context.Context, roomID string) (models.RoomDetails, error) {
	f.record("room:" + roomID)
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return models.RoomDetails{}, errors.New("room not found")
	}
	return room, nil
}

func (f *fakeAPI) StartChat(_ context.Context, userID, otherUserID, roomID string) (models.ChatView, error) {
	f.record("start:" + userID + "," + otherUserID + "," + roomID)
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat, f.startErr
}

func (f *fakeAPI) Messages(_ context.Context, chatID string) ([]models.MessageView, error) {
	f.record("messages:" + chatID)
	if f.listGate != nil {
		<-f.listGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.MessageView(nil), f.history...), nil
}

func (f *fakeAPI) Send(_ context.Context, chatID, senderID, text string) (models.MessageView, error) {
	f.record("send:" + text)
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.MessageView{}, f.sendErr
	}
	f.nextID++
	msg := models.MessageView{ID: fmt.Sprintf("sent-%d", f.nextID), ChatID: chatID, SenderID: senderID, Text: text}
	f.history = append(f.history, msg)
	return msg, nil
}

type fakeBus struct {
	mu         sync.Mutex
	calls      []string
	published  []models.MessageView
	joinErr    error
	publishErr error
	events     chan models.BusEvent
	reconnects chan struct{}
	// onJoin, when set, runs before Join returns.
	onJoin func()
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan models.BusEvent, 8), reconnects: make(chan struct{}, 1)}
}

func (b *fakeBus) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBus) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBus) Join(_ context.Context, chatID string) error {
	b.record("join:" + chatID)
	if b.onJoin != nil {
		b.onJoin()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinErr
}

func (b *fakeBus) Leave(_ context.Context, chatID string) error {
	b.record("leave:" + chatID)
	return nil
}

func (b *fakeBus) Publish(_ context.Context, chatID string, msg models.MessageView) error {
	b.record("publish:" + chatID + ":" + msg.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return b.publishErr
}

func (b *fakeBus) Events() <-chan models.BusEvent { return b.events }

func (b *fakeBus) Reconnects() <-chan struct{} { return b.reconnects }
