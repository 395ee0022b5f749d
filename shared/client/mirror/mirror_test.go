package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "inkboard/shared/contracts/board/v1"

	"github.com/coder/websocket"
)

// fakeBoard answers each client envelope with a canned reply:
// stroke_submit -> stroke_rejected, undo -> error, redo -> empty state_sync,
// clear -> close the connection.
type fakeBoard struct {
	got   chan v1.Envelope
	rooms chan string
}

func (f *fakeBoard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.rooms <- r.URL.Query().Get("room")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{defaultSubprotocol}})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := r.Context()
	initial := v1.StateSyncPayload{
		Committed: []v1.Stroke{{ID: "s1", Points: []v1.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, Color: "red", Width: 2}},
		Undone:    []v1.Stroke{},
	}
	if err := send(ctx, conn, v1.TypeStateSync, initial); err != nil {
		return
	}

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			continue
		}
		f.got <- env

		switch env.Type {
		case v1.TypeStrokeSubmit:
			err = send(ctx, conn, v1.TypeStrokeRejected, v1.ErrorPayload{Code: "too_few_points", Message: "need 2"})
		case v1.TypeUndo:
			err = send(ctx, conn, v1.TypeError, v1.ErrorPayload{Code: "unsupported", Message: "no"})
		case v1.TypeRedo:
			err = send(ctx, conn, v1.TypeStateSync, v1.StateSyncPayload{Committed: []v1.Stroke{}, Undone: []v1.Stroke{}})
		case v1.TypeClear:
			_ = conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		if err != nil {
			return
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, Payload: p})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func startFakeBoard(t *testing.T) (*fakeBoard, string) {
	t.Helper()
	f := &fakeBoard{got: make(chan v1.Envelope, 16), rooms: make(chan string, 4)}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return f, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialT(t *testing.T, url string, opts Options) *Mirror {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.WaitForSyncs(ctx, 1); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	return m
}

func TestMirror_ReplacesViewOnStateSync(t *testing.T) {
	t.Parallel()

	_, url := startFakeBoard(t)
	m := dialT(t, url, Options{})

	v := m.View()
	if got := StrokeIDs(v.Committed); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("initial view=%v", got)
	}

	v.Committed[0].ID = "mutated"
	if m.View().Committed[0].ID != "s1" {
		t.Fatalf("View must return a copy")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if err := m.WaitForSyncs(ctx, 2); err != nil {
		t.Fatalf("wait sync: %v", err)
	}
	if n := len(m.View().Committed); n != 0 {
		t.Fatalf("view not replaced wholesale: %d committed", n)
	}
}

func TestMirror_SubmitStrokeAndRejection(t *testing.T) {
	t.Parallel()

	f, url := startFakeBoard(t)
	m := dialT(t, url, Options{Room: "studio"})

	if room := <-f.rooms; room != "studio" {
		t.Fatalf("room=%q want studio", room)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.SubmitStroke(ctx, []v1.Point{{X: 3, Y: 4}}, "#fff", 5); err != nil {
		t.Fatalf("SubmitStroke: %v", err)
	}

	env := <-f.got
	if env.V != v1.Version || env.Type != v1.TypeStrokeSubmit || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var p v1.StrokePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if w, ok := p.EffectiveWidth(); !ok || w != 5 || p.Color != "#fff" || len(p.Points) != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if err := m.WaitFor(ctx, func(m *Mirror) bool { return len(m.Rejections()) == 1 }); err != nil {
		t.Fatalf("wait rejection: %v", err)
	}
	if code := m.Rejections()[0].Code; code != "too_few_points" {
		t.Fatalf("rejection code=%q", code)
	}
	if m.Syncs() != 1 {
		t.Fatalf("a rejection must not count as a sync")
	}
}

func TestMirror_RecordsErrors(t *testing.T) {
	t.Parallel()

	_, url := startFakeBoard(t)
	m := dialT(t, url, Options{})

	if _, ok := m.LastError(); ok {
		t.Fatalf("no error expected yet")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	err := m.WaitFor(ctx, func(m *Mirror) bool {
		p, ok := m.LastError()
		return ok && p.Code == "unsupported"
	})
	if err != nil {
		t.Fatalf("wait error: %v", err)
	}
}

func TestMirror_ConnectionLoss(t *testing.T) {
	t.Parallel()

	_, url := startFakeBoard(t)
	m := dialT(t, url, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	err := m.WaitFor(ctx, func(*Mirror) bool { return false })
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected connection lost error, got %v", err)
	}

	select {
	case <-m.Done():
	case <-ctx.Done():
		t.Fatalf("read loop did not stop")
	}
	if err := m.Undo(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Undo after loss=%v want ErrClosed", err)
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	if _, err := Dial(ctx, url, Options{}); err == nil {
		t.Fatalf("expected dial error")
	}
}
