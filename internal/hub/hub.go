package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Hub tracks room membership and fans messages out to every member of a room.
// Writers that fail are closed and dropped from all of their rooms.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[Writer]struct{}
	memberships map[Writer]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		rooms:       make(map[string]map[Writer]struct{}),
		memberships: make(map[Writer]map[string]struct{}),
	}
}

func (h *Hub) Join(room string, w Writer) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[Writer]struct{})
	}
	h.rooms[room][w] = struct{}{}
	if h.memberships[w] == nil {
		h.memberships[w] = make(map[string]struct{})
	}
	h.memberships[w][room] = struct{}{}
}

func (h *Hub) Leave(room string, w Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, w)
}

func (h *Hub) leaveLocked(room string, w Writer) {
	if set := h.rooms[room]; set != nil {
		delete(set, w)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined := h.memberships[w]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.memberships, w)
		}
	}
}

// LeaveAll removes w from every room it joined.
func (h *Hub) LeaveAll(w Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.memberships[w] {
		h.leaveLocked(room, w)
	}
}

func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast writes message to every member of room except the given writer
// and returns the number of successful writes.
func (h *Hub) Broadcast(room string, message []byte, except Writer) int {
	h.mu.RLock()
	set := h.rooms[room]
	writers := make([]Writer, 0, len(set))
	for w := range set {
		if except != nil && w == except {
			continue
		}
		writers = append(writers, w)
	}
	h.mu.RUnlock()

	var failed []Writer
	delivered := 0
	for _, w := range writers {
		if err := w.Write(message); err != nil {
			failed = append(failed, w)
			continue
		}
		delivered++
	}
	for _, w := range failed {
		_ = w.Close()
		h.LeaveAll(w)
	}
	return delivered
}
