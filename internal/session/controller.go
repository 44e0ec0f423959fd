// Package session drives one participant's view of a conversation: identity
// resolution, get-or-create, history, the live channel and sending.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"roomchat/internal/identity"
	"roomchat/internal/models"
)

// State of a Controller.
type State int

const (
	StateResolving State = iota
	StateEstablishing
	StateLoading
	StateLive
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateEstablishing:
		return "establishing"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// RefreshStrategy decides how a live event updates the local history.
type RefreshStrategy string

const (
	// RefreshRefetch replaces the history with a fresh snapshot.
	RefreshRefetch RefreshStrategy = "refetch"
	// RefreshIncrementalAppend appends the carried message if its id is unseen.
	RefreshIncrementalAppend RefreshStrategy = "incrementalAppend"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotLive      = errors.New("conversation is not live")
	ErrClosed       = errors.New("session closed")
	ErrMissingRoom  = errors.New("room id is required")
)

// API is the REST surface a session needs.
type API interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	Room(ctx context.Context, roomID string) (models.RoomDetails, error)
	StartChat(ctx context.Context, userID, otherUserID, roomID string) (models.ChatView, error)
	Messages(ctx context.Context, chatID string) ([]models.MessageView, error)
	Send(ctx context.Context, chatID, senderID, text string) (models.MessageView, error)
}

// Bus is the live delivery surface a session needs.
type Bus interface {
	// Join returns once the broker acknowledged the subscription.
	Join(ctx context.Context, chatID string) error
	Leave(ctx context.Context, chatID string) error
	Publish(ctx context.Context, chatID string, msg models.MessageView) error
	Events() <-chan models.BusEvent
	// Reconnects fires after the transport dropped and came back.
	Reconnects() <-chan struct{}
}

// Params identify the conversation to open. OtherEmail may be empty, in which
// case the room owner is the other party.
type Params struct {
	SelfEmail  string
	OtherEmail string
	RoomID     string
}

// Snapshot is a consistent copy of the controller's view.
type Snapshot struct {
	State    State
	Chat     *models.ChatView
	Self     models.User
	Other    models.User
	Messages []models.MessageView
	Draft    string
	Err      error
}

// Option configures a Controller.
type Option func(*Controller)

func WithRefreshStrategy(s RefreshStrategy) Option {
	return func(c *Controller) { c.strategy = s }
}

// WithObserver registers fn to receive a snapshot after every visible change.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) { c.observer = fn }
}

// Controller is safe for concurrent use. Every asynchronous completion is
// checked against the generation it started under and dropped if stale.
type Controller struct {
	api      API
	bus      Bus
	strategy RefreshStrategy
	observer func(Snapshot)

	mu       sync.Mutex
	gen      uint64
	state    State
	self     models.User
	other    models.User
	chat     *models.ChatView
	joined   bool
	messages []models.MessageView
	backlog  []models.BusEvent
	seen     map[string]struct{}
	draft    string
	err      error
}

func New(api API, bus Bus, opts ...Option) *Controller {
	c := &Controller{
		api:      api,
		bus:      bus,
		strategy: RefreshRefetch,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open resolves both parties, gets or creates the conversation, loads its history
// and joins its channel. On failure the controller ends in StateError.
func (c *Controller) Open(ctx context.Context, p Params) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = StateResolving
	c.self, c.other = models.User{}, models.User{}
	c.chat = nil
	c.joined = false
	c.messages = nil
	c.backlog = nil
	c.seen = make(map[string]struct{})
	c.err = nil
	c.mu.Unlock()
	c.notify()

	if p.RoomID == "" {
		return c.fail(gen, ErrMissingRoom)
	}
	self, err := c.api.UserByEmail(ctx, identity.Normalize(p.SelfEmail))
	if err != nil {
		return c.fail(gen, err)
	}
	other, err := c.resolveOther(ctx, p)
	if err != nil {
		return c.fail(gen, err)
	}
	if !c.advance(gen, StateEstablishing, func() { c.self, c.other = self, other }) {
		return ErrClosed
	}

	chat, err := c.api.StartChat(ctx, self.ID, other.ID, p.RoomID)
	if err != nil {
		return c.fail(gen, err)
	}
	if !c.advance(gen, StateLoading, func() { c.chat = &chat }) {
		return ErrClosed
	}

	// Events arriving between the join and the history load wait in backlog.
	if err := c.bus.Join(ctx, chat.ID); err != nil {
		c.leave(ctx, chat.ID)
		return c.fail(gen, err)
	}
	if !c.advance(gen, StateLoading, func() { c.joined = true }) {
		c.leave(ctx, chat.ID)
		return ErrClosed
	}

	history, err := c.api.Messages(ctx, chat.ID)
	if err != nil {
		c.mu.Lock()
		if gen != c.gen || c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.joined = false
		c.mu.Unlock()
		c.leave(ctx, chat.ID)
		return c.fail(gen, err)
	}

	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.replace(history)
	c.state = StateLive
	backlog := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	c.notify()

	for _, evt := range backlog {
		c.HandleEvent(ctx, evt)
	}
	return nil
}

func (c *Controller) resolveOther(ctx context.Context, p Params) (models.User, error) {
	if email := identity.Normalize(p.OtherEmail); email != "" {
		return c.api.UserByEmail(ctx, email)
	}
	room, err := c.api.Room(ctx, p.RoomID)
	if err != nil {
		return models.User{}, err
	}
	return models.User{ID: room.OwnerID, Email: room.OwnerEmail}, nil
}

// SetDraft records unsent input.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Send appends text through the REST API and, once stored, shows it locally and
// publishes it on the live channel. On failure the text stays in the draft.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if text == "" {
		c.mu.Unlock()
		return ErrEmptyMessage
	}
	if c.state != StateLive || c.chat == nil {
		c.mu.Unlock()
		return ErrNotLive
	}
	gen, chatID, selfID := c.gen, c.chat.ID, c.self.ID
	c.draft = text
	c.mu.Unlock()

	msg, err := c.api.Send(ctx, chatID, selfID, text)

	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		c.draft = text
		c.err = err
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.draft = ""
	c.err = nil
	c.appendLocked(msg)
	c.mu.Unlock()
	c.notify()

	if err := c.bus.Publish(ctx, chatID, msg); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Str("message_id", msg.ID).Msg("live publish failed")
	}
	return nil
}

// HandleEvent applies a live event for the open conversation. Events that arrive
// after the join but before history is loaded are replayed once it is. Anything
// else is ignored.
func (c *Controller) HandleEvent(ctx context.Context, evt models.BusEvent) {
	c.mu.Lock()
	if c.state == StateLoading && c.joined && c.chat != nil && evt.ChatID == c.chat.ID {
		c.backlog = append(c.backlog, evt)
		c.mu.Unlock()
		return
	}
	if c.state != StateLive || c.chat == nil || evt.ChatID != c.chat.ID {
		c.mu.Unlock()
		return
	}
	gen, chatID := c.gen, c.chat.ID

	switch evt.Type {
	case models.EventReceiveMessage:
		if c.strategy == RefreshIncrementalAppend && evt.Message != nil && evt.Message.ChatID == chatID {
			c.appendLocked(*evt.Message)
			c.mu.Unlock()
			c.notify()
			return
		}
		c.mu.Unlock()
		c.refetch(ctx, gen, chatID)
	case models.EventError:
		c.err = errors.New(evt.Error)
		c.mu.Unlock()
		c.notify()
	default:
		c.mu.Unlock()
	}
}

// Resync re-joins the channel and reloads history after the transport came back.
func (c *Controller) Resync(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateLive || c.chat == nil {
		c.mu.Unlock()
		return
	}
	gen, chatID := c.gen, c.chat.ID
	c.mu.Unlock()

	if err := c.bus.Join(ctx, chatID); err != nil {
		c.mu.Lock()
		if gen == c.gen && c.state == StateLive {
			c.err = err
		}
		c.mu.Unlock()
		c.notify()
		return
	}
	c.refetch(ctx, gen, chatID)
}

func (c *Controller) refetch(ctx context.Context, gen uint64, chatID string) {
	history, err := c.api.Messages(ctx, chatID)

	c.mu.Lock()
	if gen != c.gen || c.state != StateLive {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.err = err
	} else {
		c.replace(history)
	}
	c.mu.Unlock()
	c.notify()
}

// Run feeds bus events and reconnects into the controller until ctx ends or the bus closes.
func (c *Controller) Run(ctx context.Context) error {
	events := c.bus.Events()
	reconnects := c.bus.Reconnects()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, evt)
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			c.Resync(ctx)
		}
	}
}

// Close leaves the channel. Completions that arrive afterwards are discarded.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.state = StateClosed
	joined := c.joined
	c.joined = false
	var chatID string
	if c.chat != nil {
		chatID = c.chat.ID
	}
	c.mu.Unlock()
	c.notify()

	if joined {
		return c.bus.Leave(ctx, chatID)
	}
	return nil
}

// Snapshot returns a copy of the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:    c.state,
		Self:     c.self,
		Other:    c.other,
		Messages: append([]models.MessageView(nil), c.messages...),
		Draft:    c.draft,
		Err:      c.err,
	}
	if c.chat != nil {
		chat := *c.chat
		snap.Chat = &chat
	}
	return snap
}

func (c *Controller) advance(gen uint64, next State, apply func()) bool {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	apply()
	c.state = next
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if gen != c.gen || c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateError
	c.err = err
	c.mu.Unlock()
	c.notify()
	return err
}

func (c *Controller) leave(ctx context.Context, chatID string) {
	if err := c.bus.Leave(ctx, chatID); err != nil {
		log.Debug().Err(err).Str("chat_id", chatID).Msg("leave after failed open")
	}
}

// replace swaps in a full history. Caller holds mu.
func (c *Controller) replace(history []models.MessageView) {
	c.messages = make([]models.MessageView, 0, len(history))
	c.seen = make(map[string]struct{}, len(history))
	for _, msg := range history {
		c.messages = append(c.messages, msg.WithRole(c.self.ID))
		c.seen[msg.ID] = struct{}{}
	}
}

// appendLocked adds msg unless already present. Caller holds mu.
func (c *Controller) appendLocked(msg models.MessageView) {
	if _, ok := c.seen[msg.ID]; ok {
		return
	}
	c.seen[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg.WithRole(c.self.ID))
}

func (c *Controller) notify() {
	if c.observer != nil {
		c.observer(c.Snapshot())
	}
}
