package relay

import (
	"errors"
	"log/slog"
	"sync"
)

var ErrRoomFull = errors.New("relay: room already has two participants")

// sender is the outbound half of a connected participant. Client implements
// it; tests substitute a recording fake.
type sender interface {
	enqueue(data []byte) bool
}

// Hub owns the signaling rooms, keyed by session key. A room holds the two
// call parties; every message from one is fanned out verbatim to the other.
// Messages into an empty room are dropped: the caller's re-offer loop covers
// the loss.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]sender // session key -> user id -> connection
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[string]sender), log: log}
}

// Join adds a participant. A reconnect under the same user id replaces the
// stale connection; a third distinct participant is refused.
func (h *Hub) Join(sessionKey, userID string, s sender) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[sessionKey]
	if room == nil {
		room = make(map[string]sender, 2)
		h.rooms[sessionKey] = room
	}
	if _, present := room[userID]; !present && len(room) >= 2 {
		return ErrRoomFull
	}
	room[userID] = s
	h.log.Info("participant joined room", "session_key", sessionKey, "user_id", userID, "participants", len(room))
	return nil
}

// Leave removes a participant if this connection is still the current one,
// so a replaced connection's deferred cleanup cannot evict its successor.
func (h *Hub) Leave(sessionKey, userID string, s sender) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[sessionKey]
	if room == nil {
		return
	}
	if current, ok := room[userID]; !ok || current != s {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(h.rooms, sessionKey)
	}
	h.log.Info("participant left room", "session_key", sessionKey, "user_id", userID)
}

// Forward delivers data to every participant except the sender. Reports how
// many connections took the message.
func (h *Hub) Forward(sessionKey, fromUserID string, data []byte) int {
	h.mu.Lock()
	targets := make([]sender, 0, 1)
	for id, s := range h.rooms[sessionKey] {
		if id != fromUserID {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(data) {
			delivered++
		}
	}
	return delivered
}

// Participants reports current room occupancy.
func (h *Hub) Participants(sessionKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionKey])
}
