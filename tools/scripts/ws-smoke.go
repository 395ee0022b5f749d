// Package main provides a CI-friendly WebSocket smoke test for an inkboard server.
//
// Two clients join the same room and check that every step converges on
// both of them: commit, sender-only rejection, undo, redo and clear.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"inkboard/shared/discovery"
	"inkboard/shared/client/mirror"
	v1 "inkboard/shared/contracts/board/v1"
)

var verbose bool

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:3000/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room     = flag.String("room", "smoke", "Room to draw in")
		discover = flag.Bool("discover", false, "Find the server over mDNS instead of -url")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
	)
	flag.BoolVar(&verbose, "v", false, "Verbose output")
	flag.Parse()

	if *discover {
		found, err := discoverURL(*timeout)
		if err != nil {
			fatalf("discover: %v", err)
		}
		*wsURL = found
	}

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	opts := mirror.Options{Origin: *origin, Room: *room}

	a := mustConnect(root, "A", *wsURL, opts, *timeout)
	defer func() { _ = a.Close() }()
	b := mustConnect(root, "B", *wsURL, opts, *timeout)
	defer func() { _ = b.Close() }()

	// Start from an empty board regardless of what the room held.
	aSyncs, bSyncs := a.Syncs(), b.Syncs()
	step(root, "clear (setup)", *timeout, func(ctx context.Context) error { return a.Clear(ctx) })
	mustWait(root, "setup A", *timeout, a, func(m *mirror.Mirror) bool { return m.Syncs() > aSyncs })
	mustWait(root, "setup B", *timeout, b, func(m *mirror.Mirror) bool { return m.Syncs() > bSyncs })
	mustConverge(root, "setup", *timeout, 0, 0, a, b)

	pts := []v1.Point{{X: 10, Y: 10}, {X: 40, Y: 25}, {X: 80, Y: 60}}
	step(root, "A submits", *timeout, func(ctx context.Context) error {
		return a.SubmitStroke(ctx, pts, "#1e88e5", 3)
	})
	mustConverge(root, "commit", *timeout, 1, 0, a, b)

	bSyncs = b.Syncs()
	step(root, "B submits a 1-point stroke", *timeout, func(ctx context.Context) error {
		return b.SubmitStroke(ctx, pts[:1], "#000", 3)
	})
	mustWait(root, "B rejection", *timeout, b, func(m *mirror.Mirror) bool { return len(m.Rejections()) > 0 })
	if len(a.Rejections()) != 0 {
		fatalf("rejection leaked to A")
	}
	if b.Syncs() != bSyncs {
		fatalf("rejected stroke triggered a broadcast")
	}

	step(root, "A undo", *timeout, func(ctx context.Context) error { return a.Undo(ctx) })
	mustConverge(root, "undo", *timeout, 0, 1, a, b)

	step(root, "B redo", *timeout, func(ctx context.Context) error { return b.Redo(ctx) })
	mustConverge(root, "redo", *timeout, 1, 0, a, b)

	step(root, "B clear", *timeout, func(ctx context.Context) error { return b.Clear(ctx) })
	mustConverge(root, "clear", *timeout, 0, 0, a, b)

	fmt.Println("OK: ws smoke passed")
}

func mustConnect(parent context.Context, name, wsURL string, opts mirror.Options, stepTimeout time.Duration) *mirror.Mirror {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	m, err := mirror.Dial(ctx, wsURL, opts)
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if err := m.WaitForSyncs(ctx, 1); err != nil {
		fatalf("initial state_sync (%s): %v", name, err)
	}
	logf("%s connected, %d strokes on board", name, len(m.View().Committed))
	return m
}

func step(parent context.Context, name string, stepTimeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		fatalf("%s: %v", name, err)
	}
	logf("sent: %s", name)
}

func mustWait(parent context.Context, name string, stepTimeout time.Duration, m *mirror.Mirror, pred func(*mirror.Mirror) bool) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := m.WaitFor(ctx, pred); err != nil {
		fatalf("%s: %v", name, err)
	}
}

// mustConverge waits until every mirror shows the given stack sizes and then
// checks that they hold identical boards.
func mustConverge(parent context.Context, name string, stepTimeout time.Duration, committed, undone int, ms ...*mirror.Mirror) {
	want := func(m *mirror.Mirror) bool {
		v := m.View()
		return len(v.Committed) == committed && len(v.Undone) == undone
	}
	for _, m := range ms {
		mustWait(parent, name, stepTimeout, m, want)
	}

	ref := ms[0].View()
	for i, m := range ms[1:] {
		v := m.View()
		if !slices.Equal(mirror.StrokeIDs(v.Committed), mirror.StrokeIDs(ref.Committed)) ||
			!slices.Equal(mirror.StrokeIDs(v.Undone), mirror.StrokeIDs(ref.Undone)) {
			fatalf("%s: mirror %d diverged", name, i+1)
		}
	}
	logf("converged: %s (committed=%d undone=%d)", name, committed, undone)
}

func discoverURL(timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var peers []discovery.Peer
	err := discovery.Browse(ctx, func(p discovery.Peer) {
		logf("found %s at %s", p.Instance, p.Addr)
		peers = append(peers, p)
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	if len(peers) == 0 {
		return "", errors.New("no inkboard server advertised on the network")
	}
	return peers[0].WSURL(), nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func logf(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
