package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomchat/internal/models"
)

// ErrTransportDrop is returned to calls interrupted by a lost bus connection.
var ErrTransportDrop = errors.New("bus connection dropped")

const busWriteWait = 10 * time.Second

// BusClient is a websocket client for the live delivery bus. It redials with
// exponential backoff when the connection drops and signals Reconnects.
type BusClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error

	// Events wait here so readLoop never blocks on delivery.
	qmu      sync.Mutex
	queue    []models.BusEvent
	queued   chan struct{}
	readDone chan struct{}

	events     chan models.BusEvent
	reconnects chan struct{}
}

// DialBus connects to wsURL authenticating with token.
func DialBus(ctx context.Context, wsURL, token string) (*BusClient, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &BusClient{
		url:        wsURL,
		header:     header,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:        base,
		cancel:     cancel,
		pending:    make(map[string]chan error),
		queued:     make(chan struct{}, 1),
		readDone:   make(chan struct{}),
		events:     make(chan models.BusEvent, 64),
		reconnects: make(chan struct{}, 1),
	}

	conn, _, err := b.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		cancel()
		return nil, err
	}
	b.conn = conn
	go b.readLoop(conn)
	go b.forward()
	return b, nil
}

func (b *BusClient) Events() <-chan models.BusEvent { return b.events }

func (b *BusClient) Reconnects() <-chan struct{} { return b.reconnects }

// Join subscribes to chatID and waits for the broker's acknowledgement.
func (b *BusClient) Join(ctx context.Context, chatID string) error {
	ack := make(chan error, 1)
	b.mu.Lock()
	if prev, ok := b.pending[chatID]; ok {
		prev <- ErrTransportDrop
	}
	b.pending[chatID] = ack
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.pending[chatID] == ack {
			delete(b.pending, chatID)
		}
		b.mu.Unlock()
	}()

	if err := b.write(models.BusEvent{Type: models.EventJoinChat, ChatID: chatID}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BusClient) Leave(_ context.Context, chatID string) error {
	return b.write(models.BusEvent{Type: models.EventLeaveChat, ChatID: chatID})
}

func (b *BusClient) Publish(_ context.Context, chatID string, msg models.MessageView) error {
	return b.write(models.BusEvent{Type: models.EventSendMessage, ChatID: chatID, Message: &msg})
}

// Close stops reconnecting and closes the connection. Events is closed afterwards.
func (b *BusClient) Close() error {
	b.cancel()
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(busWriteWait))
	b.writeMu.Unlock()
	return conn.Close()
}

func (b *BusClient) write(evt models.BusEvent) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrTransportDrop
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(busWriteWait))
	return conn.WriteJSON(evt)
}

func (b *BusClient) readLoop(conn *websocket.Conn) {
	defer close(b.readDone)
	for {
		var evt models.BusEvent
		if err := conn.ReadJSON(&evt); err != nil {
			b.dropped(err)
			next, ok := b.redial()
			if !ok {
				return
			}
			conn = next
			select {
			case b.reconnects <- struct{}{}:
			default:
			}
			continue
		}
		b.dispatch(evt)
	}
}

func (b *BusClient) dispatch(evt models.BusEvent) {
	switch evt.Type {
	case models.EventJoined:
		b.resolve(evt.ChatID, nil)
		return
	case models.EventLeft:
		return
	case models.EventError:
		if b.resolve(evt.ChatID, errors.New(evt.Error)) {
			return
		}
	}
	b.qmu.Lock()
	b.queue = append(b.queue, evt)
	b.qmu.Unlock()
	select {
	case b.queued <- struct{}{}:
	default:
	}
}

// forward moves queued events to the events channel in order and closes it
// once the read loop has stopped.
func (b *BusClient) forward() {
	defer close(b.events)
	for {
		select {
		case <-b.queued:
			if !b.flush() {
				return
			}
		case <-b.readDone:
			return
		}
	}
}

func (b *BusClient) flush() bool {
	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.qmu.Unlock()
			return true
		}
		evt := b.queue[0]
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		select {
		case b.events <- evt:
		case <-b.ctx.Done():
			return false
		}
	}
}

func (b *BusClient) resolve(chatID string, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ack, ok := b.pending[chatID]
	if !ok {
		return false
	}
	delete(b.pending, chatID)
	ack <- err
	return true
}

func (b *BusClient) dropped(err error) {
	b.mu.Lock()
	b.conn = nil
	for chatID, ack := range b.pending {
		ack <- ErrTransportDrop
		delete(b.pending, chatID)
	}
	b.mu.Unlock()
	if b.ctx.Err() == nil {
		log.Warn().Err(err).Msg("bus connection lost")
	}
}

func (b *BusClient) redial() (*websocket.Conn, bool) {
	var conn *websocket.Conn
	op := func() error {
		c, _, err := b.dialer.DialContext(b.ctx, b.url, b.header)
		if err != nil {
			log.Debug().Err(err).Msg("bus redial failed")
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(policy, b.ctx)); err != nil {
		return nil, false
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	log.Info().Msg("bus reconnected")
	return conn, true
}
