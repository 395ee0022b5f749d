package realtime

import "testing"

func TestRegistry_JoinLeave(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), "room")
	a := NewClient("a", 1)

	if !r.Join(a) {
		t.Fatalf("Join(a)=false")
	}
	if r.Join(nil) || r.Join(NewClient("", 1)) {
		t.Fatalf("Join must ignore nil clients and empty session ids")
	}
	if r.Len() != 1 {
		t.Fatalf("Len()=%d want 1", r.Len())
	}

	if !r.Leave("a") {
		t.Fatalf("Leave(a)=false")
	}
	if r.Leave("a") {
		t.Fatalf("second Leave(a) must report false")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Leave must close the client")
	}
}

func TestRegistry_EachSkipsClosedClients(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), "room")
	live := NewClient("live", 1)
	dead := NewClient("dead", 1)
	r.Join(live)
	r.Join(dead)
	dead.Close()

	var visited []string
	r.Each(func(c *Client) { visited = append(visited, c.SessionID) })

	if len(visited) != 1 || visited[0] != "live" {
		t.Fatalf("Each visited %v, want [live]", visited)
	}
}

func TestClient_OfferSnapshotKeepsOnlyLatest(t *testing.T) {
	t.Parallel()

	c := NewClient("c", 1)
	first := newEnvelope("state_sync", []byte(`{"n":1}`), discardTime())
	second := newEnvelope("state_sync", []byte(`{"n":2}`), discardTime())

	if c.offerSnapshot(first) {
		t.Fatalf("first offer must not report a replacement")
	}
	if !c.offerSnapshot(second) {
		t.Fatalf("second offer must replace the undelivered first")
	}

	got := <-c.Snapshots()
	if string(got.Payload) != `{"n":2}` {
		t.Fatalf("payload=%s want latest", got.Payload)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("c", 1)
	c.Close()
	c.Close()

	var nilClient *Client
	nilClient.Close()
	select {
	case <-nilClient.Done():
	default:
		t.Fatalf("nil client Done() must be closed")
	}
}
