package realtime

import (
	"log/slog"
	"sync"
)

// Registry is the set of sessions connected to one board.
// It carries no drawing state; the board's history is the single source of truth.
//
// Concurrency guarantees:
//   - Join/Leave are safe under concurrent Each.
//   - Leave removes the session before closing it, so a broadcaster never
//     delivers to a client that is already torn down and still listed.
type Registry struct {
	log  *slog.Logger
	room string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRegistry constructs an empty registry for room.
func NewRegistry(log *slog.Logger, room string) *Registry {
	return &Registry{
		log:     log,
		room:    room,
		members: make(map[string]*Client),
	}
}

// Join adds a client. A nil client or an empty session id is ignored.
func (r *Registry) Join(client *Client) bool {
	if r == nil || client == nil || client.SessionID == "" {
		return false
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("board.member.join", "room", r.room, "session_id", client.SessionID)
	return true
}

// Leave removes a session and signals shutdown for its client.
// It reports whether the session was registered.
func (r *Registry) Leave(sessionID string) bool {
	if r == nil || sessionID == "" {
		return false
	}

	r.mu.Lock()
	cl, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if cl != nil {
		cl.Close()
	}
	if ok {
		r.log.Info("board.member.leave", "room", r.room, "session_id", sessionID)
	}
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Each calls fn for every live member. fn must not call Join or Leave.
func (r *Registry) Each(fn func(*Client)) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}
		select {
		case <-m.Done():
			continue
		default:
		}
		fn(m)
	}
}
