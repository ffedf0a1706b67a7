package ws

import (
	"errors"
	"sync"
)

var (
	// ErrSlowConsumer is returned by Send when the client's queue is full.
	ErrSlowConsumer = errors.New("ws: send queue full")
	// ErrClientClosed is returned by Send after the client went away.
	ErrClientClosed = errors.New("ws: client closed")
)

// Subscriber abstracts a streaming client. Send must not block.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub tracks room membership and fans frames out to room members.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[Subscriber]struct{}
	memberships map[Subscriber]map[string]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	initMetrics()
	return &Hub{
		rooms:       make(map[string]map[Subscriber]struct{}),
		memberships: make(map[Subscriber]map[string]struct{}),
	}
}

// Join adds client to room. Joining twice is a no-op; the return value
// reports whether the membership is new.
func (h *Hub) Join(room string, client Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[Subscriber]struct{})
		h.rooms[room] = members
	}
	if _, ok := members[client]; ok {
		return false
	}
	members[client] = struct{}{}
	joined, ok := h.memberships[client]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[client] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes client from room.
func (h *Hub) Leave(room string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, client)
}

func (h *Hub) leaveLocked(room string, client Subscriber) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.memberships[client]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.memberships, client)
		}
	}
}

// Drop removes client from every room it joined.
func (h *Hub) Drop(client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.memberships[client] {
		h.leaveLocked(room, client)
	}
}

// Broadcast queues payload for every member of room and returns the number
// of clients that accepted it. A full client queue drops the frame for that
// client only.
func (h *Hub) Broadcast(room string, payload []byte) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	relayedMessages.Inc()
	delivered := 0
	for _, c := range members {
		switch err := c.Send(payload); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSlowConsumer):
			droppedFrames.Inc()
		default:
			h.Drop(c)
			c.Close()
		}
	}
	return delivered
}

// Members reports how many clients are joined to room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms reports how many rooms currently have members.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
