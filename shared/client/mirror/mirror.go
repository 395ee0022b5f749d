// Package mirror is a Go client for the board protocol.
//
// A Mirror keeps a local copy of one board. It never edits that copy
// itself: every state_sync received from the server replaces the view
// wholesale, and mutations are only ever requested from the server.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "inkboard/shared/contracts/board/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "inkboard.v1"
	maxReadBytes       = 4 << 20 // 4 MiB: a full board can be large
	writeTimeout       = 5 * time.Second
)

// ErrClosed is returned by operations on a closed mirror.
var ErrClosed = errors.New("mirror: closed")

// Options configures Dial.
type Options struct {
	// Origin is sent as the Origin header (browser-like handshake). Optional.
	Origin string
	// Room selects the board; empty means the server default.
	Room string
	// Subprotocol overrides the protocol offered to the server.
	Subprotocol string
}

// Mirror is one client's view of a board.
type Mirror struct {
	conn *websocket.Conn

	mu       sync.Mutex
	view     v1.StateSyncPayload
	syncs    int
	changed  chan struct{} // closed and replaced on every state change
	lastErr  *v1.ErrorPayload
	rejected []v1.ErrorPayload

	done    chan struct{}
	readErr error
}

// Dial connects to a board at wsURL (ws:// or wss://) and starts the read loop.
func Dial(ctx context.Context, wsURL string, opts Options) (*Mirror, error) {
	u := wsURL
	if room := strings.TrimSpace(opts.Room); room != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "room=" + room
	}

	sp := opts.Subprotocol
	if sp == "" {
		sp = defaultSubprotocol
	}

	h := http.Header{}
	if strings.TrimSpace(opts.Origin) != "" {
		h.Set("Origin", opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{sp},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: dial %s: %w", u, err)
	}
	conn.SetReadLimit(maxReadBytes)

	m := &Mirror{
		conn:    conn,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

func (m *Mirror) readLoop() {
	defer close(m.done)

	for {
		_, data, err := m.conn.Read(context.Background())
		if err != nil {
			m.mu.Lock()
			m.readErr = err
			m.notifyLocked()
			m.mu.Unlock()
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		m.apply(env)
	}
}

func (m *Mirror) apply(env v1.Envelope) {
	switch env.Type {
	case v1.TypeStateSync:
		var p v1.StateSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.mu.Lock()
		m.view = p
		m.syncs++
		m.notifyLocked()
		m.mu.Unlock()

	case v1.TypeStrokeRejected, v1.TypeError:
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.mu.Lock()
		if env.Type == v1.TypeStrokeRejected {
			m.rejected = append(m.rejected, p)
		} else {
			m.lastErr = &p
		}
		m.notifyLocked()
		m.mu.Unlock()
	}
}

func (m *Mirror) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// View returns a copy of the latest board state received.
func (m *Mirror) View() v1.StateSyncPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.view)
}

// Syncs returns how many state_sync envelopes have been applied.
func (m *Mirror) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// Rejections returns the stroke_rejected payloads received so far.
func (m *Mirror) Rejections() []v1.ErrorPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]v1.ErrorPayload(nil), m.rejected...)
}

// LastError returns the most recent error envelope, if any.
func (m *Mirror) LastError() (v1.ErrorPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return v1.ErrorPayload{}, false
	}
	return *m.lastErr, true
}

// WaitFor blocks until pred holds for the mirror, ctx ends, or the connection drops.
func (m *Mirror) WaitFor(ctx context.Context, pred func(*Mirror) bool) error {
	for {
		m.mu.Lock()
		ch := m.changed
		readErr := m.readErr
		m.mu.Unlock()

		if pred(m) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("mirror: connection lost: %w", readErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WaitForSyncs blocks until at least n state_sync envelopes have been applied.
func (m *Mirror) WaitForSyncs(ctx context.Context, n int) error {
	return m.WaitFor(ctx, func(m *Mirror) bool { return m.Syncs() >= n })
}

// SubmitStroke asks the server to commit a stroke.
func (m *Mirror) SubmitStroke(ctx context.Context, points []v1.Point, color string, width float64) error {
	return m.send(ctx, v1.TypeStrokeSubmit, v1.StrokePayload{Points: points, Color: color, Width: &width})
}

// Undo asks the server to undo the newest stroke.
func (m *Mirror) Undo(ctx context.Context) error { return m.send(ctx, v1.TypeUndo, struct{}{}) }

// Redo asks the server to redo the newest undone stroke.
func (m *Mirror) Redo(ctx context.Context) error { return m.send(ctx, v1.TypeRedo, struct{}{}) }

// Clear asks the server to empty the board.
func (m *Mirror) Clear(ctx context.Context) error { return m.send(ctx, v1.TypeClear, struct{}{}) }

// SendRaw writes an arbitrary envelope. Used to exercise the server's boundary checks.
func (m *Mirror) SendRaw(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.write(ctx, b)
}

func (m *Mirror) send(ctx context.Context, typ string, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return m.SendRaw(ctx, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("c-%d", now.UnixNano()),
		TS:      now,
		Payload: p,
	})
}

func (m *Mirror) write(ctx context.Context, b []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return m.conn.Write(wctx, websocket.MessageText, b)
}

// Done is closed once the read loop has stopped.
func (m *Mirror) Done() <-chan struct{} { return m.done }

// Close closes the connection and waits for the read loop to stop.
func (m *Mirror) Close() error {
	err := m.conn.Close(websocket.StatusNormalClosure, "bye")
	<-m.done
	return err
}

func copyState(s v1.StateSyncPayload) v1.StateSyncPayload {
	return v1.StateSyncPayload{
		Committed: append([]v1.Stroke{}, s.Committed...),
		Undone:    append([]v1.Stroke{}, s.Undone...),
	}
}

// StrokeIDs returns the ids of strokes in order, for comparisons.
func StrokeIDs(strokes []v1.Stroke) []string {
	out := make([]string, 0, len(strokes))
	for _, s := range strokes {
		out = append(out, s.ID)
	}
	return out
}
