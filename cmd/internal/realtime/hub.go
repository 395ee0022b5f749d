package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"inkboard/cmd/internal/history"
)

// DefaultRoom is used when a client does not ask for a specific board.
const DefaultRoom = "default"

// ErrInvalidRoom is returned for room ids outside [A-Za-z0-9_-]{1,64}.
var ErrInvalidRoom = errors.New("invalid room id")

// Hub owns the boards of this process, one Engine per room.
// Each room has its own history and registry; rooms never share state.
type Hub struct {
	log       *slog.Logger
	metrics   *Metrics
	storeOpts []history.Option

	mu    sync.RWMutex
	rooms map[string]*Engine
}

// NewHub constructs a Hub. storeOpts apply to every room's history.
func NewHub(log *slog.Logger, metrics *Metrics, storeOpts ...history.Option) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		metrics:   metrics,
		storeOpts: storeOpts,
		rooms:     make(map[string]*Engine),
	}
}

// GetOrCreateRoom returns the stable engine for room, creating it on first use.
func (h *Hub) GetOrCreateRoom(room string) (*Engine, error) {
	if err := CheckRoomID(room); err != nil {
		return nil, err
	}

	h.mu.RLock()
	e, ok := h.rooms[room]
	h.mu.RUnlock()
	if ok {
		return e, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.rooms[room]; ok {
		return e, nil
	}

	e = NewEngine(h.log, room, history.NewStore(h.storeOpts...), NewRegistry(h.log, room), h.metrics)
	h.rooms[room] = e
	h.metrics.roomCreated()
	h.log.Info("board.room.create", "room", room)
	return e, nil
}

// Room returns the engine for an existing room.
func (h *Hub) Room(room string) (*Engine, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.rooms[room]
	return e, ok
}

// Rooms returns the ids of all rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	h.mu.RUnlock()

	sort.Strings(out)
	return out
}

// CheckRoomID returns an error wrapping ErrInvalidRoom when room is not a valid id.
func CheckRoomID(room string) error {
	if !validRoomID(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return nil
}

func validRoomID(s string) bool {
	if s == "" || len(s) > maxRoomIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
