package ws

import (
	"sync"
)

type topic struct {
	mu   sync.Mutex
	subs map[*Client]struct{}
}

// Hub routes bus frames to the clients subscribed on each chat channel.
// Publishers on one channel are serialized by that channel's lock, so every
// subscriber receives a channel's frames in publish order.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	clients map[*Client]map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics:  make(map[string]*topic),
		clients: make(map[*Client]map[string]struct{}),
	}
}

// Register makes c known to the hub so it can later be disconnected.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = make(map[string]struct{})
	}
}

// Subscribe adds c to channel. It reports whether the membership is new.
func (h *Hub) Subscribe(channel string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false
	}
	channels, ok := h.clients[c]
	if !ok {
		channels = make(map[string]struct{})
		h.clients[c] = channels
	}
	if _, ok := channels[channel]; ok {
		return false
	}
	channels[channel] = struct{}{}

	t, ok := h.topics[channel]
	if !ok {
		t = &topic{subs: make(map[*Client]struct{})}
		h.topics[channel] = t
	}
	t.mu.Lock()
	t.subs[c] = struct{}{}
	t.mu.Unlock()
	return true
}

// Unsubscribe removes c from channel. It reports whether c was subscribed.
func (h *Hub) Unsubscribe(channel string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(channel, c)
}

func (h *Hub) unsubscribeLocked(channel string, c *Client) bool {
	channels, ok := h.clients[c]
	if !ok {
		return false
	}
	if _, ok := channels[channel]; !ok {
		return false
	}
	delete(channels, channel)

	if t, ok := h.topics[channel]; ok {
		t.mu.Lock()
		delete(t.subs, c)
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			delete(h.topics, channel)
		}
	}
	return true
}

// IsSubscribed reports whether c currently receives frames for channel.
func (h *Hub) IsSubscribed(channel string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c][channel]
	return ok
}

// Subscribers returns the number of clients on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[channel]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish enqueues payload for every subscriber of channel, the publisher
// included. Subscribers whose buffer is full are disconnected instead of
// blocking the others. It returns how many clients accepted the frame.
func (h *Hub) Publish(channel string, payload []byte) (delivered, dropped int) {
	var slow []*Client

	h.mu.RLock()
	if t, ok := h.topics[channel]; ok {
		t.mu.Lock()
		for c := range t.subs {
			select {
			case c.send <- payload:
				delivered++
			default:
				slow = append(slow, c)
			}
		}
		t.mu.Unlock()
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.Disconnect(c)
	}
	return delivered, len(slow)
}

// Send enqueues payload for c alone. It reports false if c is gone or too slow.
func (h *Hub) Send(c *Client, payload []byte) bool {
	h.mu.RLock()
	if c.closed {
		h.mu.RUnlock()
		return false
	}
	var ok bool
	select {
	case c.send <- payload:
		ok = true
	default:
	}
	h.mu.RUnlock()

	if !ok {
		h.Disconnect(c)
	}
	return ok
}

// Disconnect drops every membership of c and closes its send buffer.
// Nothing is delivered to c afterwards. Safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for channel := range h.clients[c] {
		h.unsubscribeLocked(channel, c)
	}
	delete(h.clients, c)
	c.closed = true
	close(c.send)
}
