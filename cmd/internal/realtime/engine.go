package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"inkboard/cmd/internal/history"
	v1 "inkboard/shared/contracts/board/v1"
)

// Engine is the synchronization engine of one board.
//
// It is the only code path that touches the board's history. Every inbound
// event runs to completion (validate, mutate, broadcast) under a single lock,
// so the resulting states always correspond to some total order of events,
// and no broadcast ever reflects a half-applied mutation.
//
// Broadcasts never wait on the network: each session has a single-slot
// mailbox that the session's own writer drains.
type Engine struct {
	log     *slog.Logger
	room    string
	metrics *Metrics

	mu      sync.Mutex
	store   *history.Store
	members *Registry
}

// NewEngine wires an engine around an explicitly owned store and registry.
func NewEngine(log *slog.Logger, room string, store *history.Store, members *Registry, metrics *Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = history.NewStore()
	}
	if members == nil {
		members = NewRegistry(log, room)
	}
	return &Engine{
		log:     log,
		room:    room,
		metrics: metrics,
		store:   store,
		members: members,
	}
}

// Room returns the id of the board this engine serves.
func (e *Engine) Room() string { return e.room }

// Sessions returns the number of connected sessions.
func (e *Engine) Sessions() int { return e.members.Len() }

// OnStrokeSubmitted validates and commits a stroke, then broadcasts.
// Invalid submissions return an error matching ErrInvalidStroke and leave
// the board untouched; nothing is broadcast for them.
func (e *Engine) OnStrokeSubmitted(sessionID string, p v1.StrokePayload) (history.Stroke, error) {
	stroke, err := validateStroke(p)
	if err != nil {
		e.metrics.strokeRejected(rejectionCode(err))
		e.log.Info("board.stroke.reject", "room", e.room, "session_id", sessionID, "err", err)
		return history.Stroke{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.Commit(stroke)
	e.metrics.event(v1.TypeStrokeSubmit)
	e.log.Debug("board.stroke.commit", "room", e.room, "session_id", sessionID, "stroke_id", stroke.ID, "points", len(stroke.Points))
	e.broadcastLocked()
	return stroke, nil
}

// OnUndoRequested undoes the newest stroke and broadcasts, even when there was nothing to undo.
func (e *Engine) OnUndoRequested(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.store.Undo()
	e.metrics.event(v1.TypeUndo)
	e.log.Debug("board.undo", "room", e.room, "session_id", sessionID, "changed", changed)
	e.broadcastLocked()
}

// OnRedoRequested redoes the newest undone stroke and broadcasts, even when there was nothing to redo.
func (e *Engine) OnRedoRequested(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.store.Redo()
	e.metrics.event(v1.TypeRedo)
	e.log.Debug("board.redo", "room", e.room, "session_id", sessionID, "changed", changed)
	e.broadcastLocked()
}

// OnClearRequested empties the board and broadcasts.
func (e *Engine) OnClearRequested(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.Clear()
	e.metrics.event(v1.TypeClear)
	e.log.Info("board.clear", "room", e.room, "session_id", sessionID)
	e.broadcastLocked()
}

// OnClientConnected registers the client and hands it (and only it) the current state.
// Both steps happen under the engine lock, so the client cannot miss a
// mutation between joining and its first snapshot.
func (e *Engine) OnClientConnected(client *Client) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.members.Join(client) {
		return false
	}
	e.metrics.sessionOpened()

	env, err := e.snapshotEnvelopeLocked()
	if err != nil {
		e.log.Error("board.snapshot.encode.fail", "room", e.room, "err", err)
		return true
	}
	client.offerSnapshot(env)
	return true
}

// OnClientDisconnected deregisters a session. Nothing is broadcast.
func (e *Engine) OnClientDisconnected(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.members.Leave(sessionID) {
		e.metrics.sessionClosed()
	}
}

// Snapshot returns a copy of the current board state.
func (e *Engine) Snapshot() history.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// State returns the current board in its wire form.
func (e *Engine) State() v1.StateSyncPayload {
	return toWireSnapshot(e.Snapshot())
}

func (e *Engine) broadcastLocked() {
	env, err := e.snapshotEnvelopeLocked()
	if err != nil {
		e.log.Error("board.snapshot.encode.fail", "room", e.room, "err", err)
		return
	}

	coalesced := 0
	e.members.Each(func(c *Client) {
		if c.offerSnapshot(env) {
			coalesced++
		}
	})
	e.metrics.broadcast(coalesced)
}

// snapshotEnvelopeLocked encodes the state once; every recipient shares the payload.
func (e *Engine) snapshotEnvelopeLocked() (v1.Envelope, error) {
	payload, err := json.Marshal(toWireSnapshot(e.store.Snapshot()))
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeStateSync, payload, time.Now().UTC()), nil
}
