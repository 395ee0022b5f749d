package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"inkboard/cmd/internal/history"
	v1 "inkboard/shared/contracts/board/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *Metrics) {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	log := discardLogger()
	return NewEngine(log, "test", history.NewStore(), NewRegistry(log, "test"), m), m
}

func strokePayload(color string, width float64, pts ...v1.Point) v1.StrokePayload {
	return v1.StrokePayload{Points: pts, Color: color, Width: &width}
}

func twoPoints() []v1.Point {
	return []v1.Point{{X: 1, Y: 1}, {X: 5, Y: 5}}
}

// takeSnapshot pops the pending state for c, failing if none is pending.
func takeSnapshot(t *testing.T, c *Client) v1.StateSyncPayload {
	t.Helper()
	select {
	case env := <-c.Snapshots():
		if env.Type != v1.TypeStateSync {
			t.Fatalf("envelope type=%q want %q", env.Type, v1.TypeStateSync)
		}
		var p v1.StateSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal state_sync: %v", err)
		}
		return p
	default:
		t.Fatalf("no snapshot pending for %s", c.SessionID)
		return v1.StateSyncPayload{}
	}
}

func assertNoSnapshot(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Snapshots():
		t.Fatalf("unexpected snapshot for %s: %s", c.SessionID, env.Payload)
	default:
	}
}

func assertState(t *testing.T, got v1.StateSyncPayload, committed, undone []string) {
	t.Helper()
	check := func(label string, got []v1.Stroke, want []string) {
		if len(got) != len(want) {
			t.Fatalf("%s: len=%d want=%d", label, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("%s[%d]=%s want %s", label, i, got[i].ID, want[i])
			}
		}
	}
	check("committed", got.Committed, committed)
	check("undone", got.Undone, undone)
}

func TestEngine_ConnectSendsSnapshotOnlyToConnector(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	a := NewClient("a", 8)
	b := NewClient("b", 8)

	e.OnClientConnected(a)
	_ = takeSnapshot(t, a)

	stroke, err := e.OnStrokeSubmitted("a", strokePayload("#000000", 4, twoPoints()...))
	if err != nil {
		t.Fatalf("OnStrokeSubmitted: %v", err)
	}
	_ = takeSnapshot(t, a)

	e.OnClientConnected(b)
	got := takeSnapshot(t, b)
	assertState(t, got, []string{stroke.ID}, nil)
	assertNoSnapshot(t, a)
}

func TestEngine_ConnectRejectsClientWithoutSession(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t)
	c := NewClient("", 8)

	if e.OnClientConnected(c) {
		t.Fatalf("OnClientConnected must refuse a client without a session id")
	}
	assertNoSnapshot(t, c)
	if got := testutil.ToFloat64(m.sessions); got != 0 {
		t.Fatalf("active sessions=%v want 0", got)
	}
}

func TestEngine_CommitThenUndo(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	c := NewClient("c", 8)
	e.OnClientConnected(c)
	assertState(t, takeSnapshot(t, c), nil, nil)

	a, err := e.OnStrokeSubmitted("c", strokePayload("#000000", 4, twoPoints()...))
	if err != nil {
		t.Fatalf("OnStrokeSubmitted: %v", err)
	}
	assertState(t, takeSnapshot(t, c), []string{a.ID}, nil)

	e.OnUndoRequested("c")
	assertState(t, takeSnapshot(t, c), nil, []string{a.ID})

	b, err := e.OnStrokeSubmitted("c", strokePayload("#ff0000", 2, twoPoints()...))
	if err != nil {
		t.Fatalf("OnStrokeSubmitted: %v", err)
	}
	assertState(t, takeSnapshot(t, c), []string{b.ID}, nil)
}

func TestEngine_RedoPastEmptyStillBroadcasts(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t)
	c := NewClient("c", 8)
	e.OnClientConnected(c)
	_ = takeSnapshot(t, c)

	e.OnRedoRequested("c")
	assertState(t, takeSnapshot(t, c), nil, nil)

	e.OnUndoRequested("c")
	assertState(t, takeSnapshot(t, c), nil, nil)

	if got := testutil.ToFloat64(m.broadcasts); got != 2 {
		t.Fatalf("broadcasts=%v want 2", got)
	}
}

func TestEngine_RoundTrip(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	s, err := e.OnStrokeSubmitted("x", strokePayload("#000", 1, twoPoints()...))
	if err != nil {
		t.Fatalf("OnStrokeSubmitted: %v", err)
	}
	e.OnUndoRequested("x")
	e.OnRedoRequested("x")

	snap := e.Snapshot()
	if len(snap.Committed) != 1 || snap.Committed[0].ID != s.ID || len(snap.Undone) != 0 {
		t.Fatalf("round trip state=%+v", snap)
	}
}

func TestEngine_RejectsMalformedStroke(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t)
	c := NewClient("c", 8)
	e.OnClientConnected(c)
	_ = takeSnapshot(t, c)

	_, err := e.OnStrokeSubmitted("c", strokePayload("#000000", 4, v1.Point{X: 1, Y: 1}))
	if !errors.Is(err, ErrInvalidStroke) {
		t.Fatalf("expected ErrInvalidStroke, got %v", err)
	}
	assertNoSnapshot(t, c)

	snap := e.Snapshot()
	if len(snap.Committed) != 0 || len(snap.Undone) != 0 {
		t.Fatalf("rejected stroke mutated state: %+v", snap)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues(rejectTooFewPoints)); got != 1 {
		t.Fatalf("rejected{too_few_points}=%v want 1", got)
	}
}

func TestEngine_ClearFromAnyState(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	c := NewClient("c", 8)
	e.OnClientConnected(c)

	for i := 0; i < 3; i++ {
		if _, err := e.OnStrokeSubmitted("c", strokePayload("#000", 1, twoPoints()...)); err != nil {
			t.Fatalf("OnStrokeSubmitted: %v", err)
		}
	}
	e.OnUndoRequested("c")
	e.OnClearRequested("c")

	assertState(t, takeSnapshot(t, c), nil, nil)
}

func TestEngine_DisconnectDoesNotBroadcast(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t)
	a := NewClient("a", 8)
	b := NewClient("b", 8)
	e.OnClientConnected(a)
	e.OnClientConnected(b)
	_ = takeSnapshot(t, a)
	_ = takeSnapshot(t, b)

	e.OnClientDisconnected("b")

	assertNoSnapshot(t, a)
	select {
	case <-b.Done():
	default:
		t.Fatalf("disconnected client must be closed")
	}
	if e.Sessions() != 1 {
		t.Fatalf("Sessions()=%d want 1", e.Sessions())
	}
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Fatalf("sessions gauge=%v want 1", got)
	}

	e.OnUndoRequested("a")
	_ = takeSnapshot(t, a)
	assertNoSnapshot(t, b)
}

func TestEngine_SlowClientCoalescesToLatest(t *testing.T) {
	t.Parallel()

	e, m := newTestEngine(t)
	slow := NewClient("slow", 8)
	e.OnClientConnected(slow)

	var last history.Stroke
	for i := 0; i < 5; i++ {
		s, err := e.OnStrokeSubmitted("other", strokePayload("#000", 1, twoPoints()...))
		if err != nil {
			t.Fatalf("OnStrokeSubmitted: %v", err)
		}
		last = s
	}

	got := takeSnapshot(t, slow)
	if len(got.Committed) != 5 || got.Committed[4].ID != last.ID {
		t.Fatalf("slow client must see the latest state, got %d strokes", len(got.Committed))
	}
	assertNoSnapshot(t, slow)

	if got := testutil.ToFloat64(m.coalesced); got != 5 {
		t.Fatalf("coalesced=%v want 5", got)
	}
}

// Every session's view after a mutation equals the store snapshot at that instant.
func TestEngine_BroadcastCompleteness(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = NewClient(string(rune('a'+i)), 8)
		e.OnClientConnected(clients[i])
		_ = takeSnapshot(t, clients[i])
	}

	if _, err := e.OnStrokeSubmitted("a", strokePayload("#000", 1, twoPoints()...)); err != nil {
		t.Fatalf("OnStrokeSubmitted: %v", err)
	}
	e.OnUndoRequested("b")

	want := toWireSnapshot(e.Snapshot())
	for _, c := range clients {
		got := takeSnapshot(t, c)
		assertState(t, got, idsOf(want.Committed), idsOf(want.Undone))
	}
}

// Concurrent submitters and undoers must leave the board in a state equal
// to some serial order: every stroke is in at most one stack, and the
// final broadcast every session holds equals the store.
func TestEngine_ConcurrentEventsSerialize(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	watcher := NewClient("watcher", 8)
	e.OnClientConnected(watcher)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				switch (w + i) % 4 {
				case 0, 1:
					_, _ = e.OnStrokeSubmitted("w", strokePayload("#000", 1, twoPoints()...))
				case 2:
					e.OnUndoRequested("w")
				default:
					e.OnRedoRequested("w")
				}
			}
		}(w)
	}
	wg.Wait()

	snap := e.Snapshot()
	seen := make(map[string]struct{})
	for _, s := range append(append([]history.Stroke{}, snap.Committed...), snap.Undone...) {
		if _, dup := seen[s.ID]; dup {
			t.Fatalf("stroke %s present twice", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	got := takeSnapshot(t, watcher)
	want := toWireSnapshot(snap)
	assertState(t, got, idsOf(want.Committed), idsOf(want.Undone))
}

func idsOf(strokes []v1.Stroke) []string {
	out := make([]string, 0, len(strokes))
	for _, s := range strokes {
		out = append(out, s.ID)
	}
	return out
}
