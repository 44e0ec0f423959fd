package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/models"
)

var openParams = Params{SelfEmail: `"alice@example.com"`, OtherEmail: "bob@example.com", RoomID: "r1"}

func openLive(t *testing.T, api *fakeAPI, bus *fakeBus, opts ...Option) *Controller {
	t.Helper()
	c := New(api, bus, opts...)
	require.NoError(t, c.Open(context.Background(), openParams))
	require.Equal(t, StateLive, c.Snapshot().State)
	return c
}

func TestOpenReachesLive(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	var (
		mu     sync.Mutex
		states []State
	)
	c := New(api, bus, WithObserver(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}))

	require.NoError(t, c.Open(context.Background(), openParams))

	snap := c.Snapshot()
	assert.Equal(t, StateLive, snap.State)
	require.NotNil(t, snap.Chat)
	assert.Equal(t, "c1", snap.Chat.ID)
	assert.Equal(t, "alice", snap.Self.ID)
	assert.Equal(t, "bob", snap.Other.ID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, models.RoleOther, snap.Messages[0].Role)
	assert.Equal(t, []string{"join:c1"}, bus.Calls())
	assert.Equal(t, []State{StateResolving, StateEstablishing, StateLoading, StateLive}, states)
	assert.Contains(t, api.Calls(), "user:alice@example.com")
}

func TestOpenFallsBackToRoomOwner(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := New(api, bus)

	require.NoError(t, c.Open(context.Background(), Params{SelfEmail: "alice@example.com", RoomID: "r1"}))

	assert.Equal(t, "bob", c.Snapshot().Other.ID)
	assert.Contains(t, api.Calls(), "room:r1")
	assert.Contains(t, api.Calls(), "start:alice,bob,r1")
}

func TestOpenIdentityFailure(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := New(api, bus)

	err := c.Open(context.Background(), Params{SelfEmail: "ghost@example.com", OtherEmail: "bob@example.com", RoomID: "r1"})

	require.Error(t, err)
	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, err, snap.Err)
	assert.Nil(t, snap.Chat)
	assert.Empty(t, bus.Calls())
	for _, call := range api.Calls() {
		assert.NotContains(t, call, "start:")
	}
}

func TestOpenMissingRoom(t *testing.T) {
	c := New(newFakeAPI(), newFakeBus())

	err := c.Open(context.Background(), Params{SelfEmail: "alice@example.com"})

	assert.ErrorIs(t, err, ErrMissingRoom)
	assert.Equal(t, StateError, c.Snapshot().State)
}

func TestOpenJoinFailureLeavesNoSubscription(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	bus.joinErr = errors.New("not a participant")
	c := New(api, bus)

	err := c.Open(context.Background(), openParams)

	require.Error(t, err)
	assert.Equal(t, StateError, c.Snapshot().State)
	assert.Equal(t, []string{"join:c1", "leave:c1"}, bus.Calls())
}

func TestOpenLoadsHistoryAfterJoin(t *testing.T) {
	for _, strategy := range []RefreshStrategy{RefreshRefetch, RefreshIncrementalAppend} {
		t.Run(string(strategy), func(t *testing.T) {
			api, bus := newFakeAPI(), newFakeBus()
			// bob sends while the join is in flight; the publish reaches nobody.
			bus.onJoin = func() {
				api.mu.Lock()
				api.history = append(api.history, models.MessageView{ID: "m2", ChatID: "c1", SenderID: "bob", Text: "sent during join"})
				api.mu.Unlock()
			}

			c := openLive(t, api, bus, WithRefreshStrategy(strategy))

			snap := c.Snapshot()
			require.Len(t, snap.Messages, 2)
			assert.Equal(t, "m2", snap.Messages[1].ID)
			calls := api.Calls()
			assert.Equal(t, "messages:c1", calls[len(calls)-1])
		})
	}
}

func TestOpenReplaysEventsReceivedWhileLoading(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	api.listGate = make(chan struct{})
	c := New(api, bus, WithRefreshStrategy(RefreshIncrementalAppend))

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background(), openParams) }()
	require.Eventually(t, func() bool {
		calls := api.Calls()
		return len(calls) > 0 && calls[len(calls)-1] == "messages:c1"
	}, time.Second, 5*time.Millisecond)

	c.HandleEvent(context.Background(), models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1",
		Message: &models.MessageView{ID: "m3", ChatID: "c1", SenderID: "bob", Text: "hello?"}})
	assert.Len(t, c.Snapshot().Messages, 0)

	close(api.listGate)
	require.NoError(t, <-done)

	snap := c.Snapshot()
	assert.Equal(t, StateLive, snap.State)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, "m3", snap.Messages[1].ID)
}

func TestOpenHistoryFailureLeavesChannel(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	api.listErr = errors.New("internal server error")
	c := New(api, bus)

	err := c.Open(context.Background(), openParams)

	require.Error(t, err)
	assert.Equal(t, StateError, c.Snapshot().State)
	assert.Equal(t, []string{"join:c1", "leave:c1"}, bus.Calls())
}

func TestSendRejectsEmptyAndNotLive(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := New(api, bus)

	assert.ErrorIs(t, c.Send(context.Background(), "hello"), ErrNotLive)

	require.NoError(t, c.Open(context.Background(), openParams))
	assert.ErrorIs(t, c.Send(context.Background(), "   "), ErrEmptyMessage)
	for _, call := range api.Calls() {
		assert.NotContains(t, call, "send:")
	}
}

func TestSendAppendsThenPublishes(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	c.SetDraft("  see you at 5 ")

	require.NoError(t, c.Send(context.Background(), "  see you at 5 "))

	snap := c.Snapshot()
	assert.Empty(t, snap.Draft)
	require.Len(t, snap.Messages, 2)
	last := snap.Messages[1]
	assert.Equal(t, "see you at 5", last.Text)
	assert.Equal(t, models.RoleSelf, last.Role)
	assert.Contains(t, api.Calls(), "send:see you at 5")
	assert.Equal(t, []string{"join:c1", "publish:c1:" + last.ID}, bus.Calls())
}

func TestSendFailureKeepsDraft(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	api.sendErr = errors.New("internal server error")

	err := c.Send(context.Background(), "are you there?")

	require.Error(t, err)
	snap := c.Snapshot()
	assert.Equal(t, "are you there?", snap.Draft)
	assert.Equal(t, StateLive, snap.State)
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, []string{"join:c1"}, bus.Calls())
}

func TestSendPublishFailureIsNotAnError(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	bus.publishErr = ErrTransportDrop

	require.NoError(t, c.Send(context.Background(), "stored anyway"))
	assert.Len(t, c.Snapshot().Messages, 2)
}

func TestIncrementalAppendDedupsAndFilters(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus, WithRefreshStrategy(RefreshIncrementalAppend))
	ctx := context.Background()
	before := len(api.Calls())

	msg := &models.MessageView{ID: "m2", ChatID: "c1", SenderID: "bob", Text: "new"}
	c.HandleEvent(ctx, models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1", Message: msg})
	c.HandleEvent(ctx, models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1", Message: msg})
	c.HandleEvent(ctx, models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c9", Message: &models.MessageView{ID: "x", ChatID: "c9"}})

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m2", snap.Messages[1].ID)
	assert.Equal(t, models.RoleOther, snap.Messages[1].Role)
	assert.Len(t, api.Calls(), before)
}

func TestIncrementalAppendWithoutMessageRefetches(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus, WithRefreshStrategy(RefreshIncrementalAppend))
	api.history = append(api.history, models.MessageView{ID: "m2", ChatID: "c1", SenderID: "alice", Text: "hi"})

	c.HandleEvent(context.Background(), models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1"})

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, models.RoleSelf, snap.Messages[1].Role)
}

func TestRefetchStrategyReplacesHistory(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	api.history = []models.MessageView{
		{ID: "m1", ChatID: "c1", SenderID: "bob", Text: "welcome"},
		{ID: "m2", ChatID: "c1", SenderID: "bob", Text: "still free on friday"},
	}

	c.HandleEvent(context.Background(), models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1",
		Message: &models.MessageView{ID: "m2", ChatID: "c1", SenderID: "bob"}})

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "still free on friday", snap.Messages[1].Text)
}

func TestRefetchFailureKeepsHistory(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	api.listErr = errors.New("boom")

	c.HandleEvent(context.Background(), models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1"})

	snap := c.Snapshot()
	assert.Equal(t, StateLive, snap.State)
	assert.Len(t, snap.Messages, 1)
	assert.EqualError(t, snap.Err, "boom")
}

func TestCloseLeavesAndIgnoresLateEvents(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus, WithRefreshStrategy(RefreshIncrementalAppend))

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	c.HandleEvent(context.Background(), models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1",
		Message: &models.MessageView{ID: "late", ChatID: "c1"}})

	snap := c.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, []string{"join:c1", "leave:c1"}, bus.Calls())
	assert.ErrorIs(t, c.Send(context.Background(), "hi"), ErrNotLive)
}

func TestSendCompletionAfterCloseIsDiscarded(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	api.sendGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "too late") }()
	require.Eventually(t, func() bool {
		for _, call := range api.Calls() {
			if call == "send:too late" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	close(api.sendGate)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Len(t, c.Snapshot().Messages, 1)
	assert.NotContains(t, bus.Calls(), "publish:c1:sent-1")
}

func TestCloseDuringOpenAbandonsIt(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	api.startGate = make(chan struct{})
	c := New(api, bus)

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background(), openParams) }()
	require.Eventually(t, func() bool { return c.Snapshot().State == StateEstablishing }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	close(api.startGate)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, StateClosed, c.Snapshot().State)
	assert.Empty(t, bus.Calls())
}

func TestResyncRejoinsAndRefetches(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus)
	api.history = append(api.history, models.MessageView{ID: "m2", ChatID: "c1", SenderID: "bob", Text: "missed"})

	c.Resync(context.Background())

	assert.Equal(t, []string{"join:c1", "join:c1"}, bus.Calls())
	assert.Len(t, c.Snapshot().Messages, 2)
}

func TestRunDispatchesEventsAndReconnects(t *testing.T) {
	api, bus := newFakeAPI(), newFakeBus()
	c := openLive(t, api, bus, WithRefreshStrategy(RefreshIncrementalAppend))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	bus.events <- models.BusEvent{Type: models.EventReceiveMessage, ChatID: "c1",
		Message: &models.MessageView{ID: "m2", ChatID: "c1", SenderID: "bob"}}
	require.Eventually(t, func() bool { return len(c.Snapshot().Messages) == 2 }, time.Second, 5*time.Millisecond)

	bus.reconnects <- struct{}{}
	require.Eventually(t, func() bool { return len(bus.Calls()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "unknown", State(42).String())
}
