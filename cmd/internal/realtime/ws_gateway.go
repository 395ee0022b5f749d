package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "inkboard/shared/contracts/board/v1"

	"github.com/coder/websocket"
)

const (
	// Subprotocol is the websocket subprotocol spoken by the gateway.
	Subprotocol = "inkboard.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("bad json")

// WSGateway is the WebSocket entrypoint of the board.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the room's Engine.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil hub falls back to a fresh in-process Hub.
func NewWSGateway(log *slog.Logger, hub *Hub, metrics *Metrics, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, metrics)
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:            log,
		hub:            hub,
		metrics:        metrics,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the board loop.
// The room is taken from the "room" query parameter (default: DefaultRoom).
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		room = DefaultRoom
	}
	engine, err := g.hub.GetOrCreateRoom(room)
	if err != nil {
		g.log.Info("ws.reject.room", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	// Sessions outlive the server-wide HTTP read/write timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)
	log := g.log.With("room", room, "session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Deregistration happens before the client is
	// closed, so the engine never offers state to a torn-down session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			engine.OnClientDisconnected(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := g.writeLoop(ctx, conn, client); err != nil {
			log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
			shutdown(websocket.StatusAbnormalClosure, "write failed")
		}
	}()

	// lastSeen is the unix-nano time of the last inbound frame or answered ping.
	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if err := g.heartbeatLoop(ctx, conn, client, &lastSeen); err != nil {
			log.Info("ws.heartbeat.fail", "err", err)
			shutdown(websocket.StatusGoingAway, "heartbeat failed")
		}
	}()

	// Registration sends the current board to this session only.
	if !engine.OnClientConnected(client) {
		log.Error("ws.session.join_failed")
		shutdown(websocket.StatusInternalError, "join failed")
		<-writerDone
		return
	}
	log.Info("ws.session.open", "remote", r.RemoteAddr)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// Answered after the rate limiter is charged.
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}
		lastSeen.Store(time.Now().UnixNano())

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.rateLimitHit()
			g.writeRateLimited(ctx, conn, client)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}
		if err != nil {
			g.trySendError(ctx, client, v1.TypeError, "bad_json", "invalid JSON")
			continue readLoop
		}

		env = env.Normalize()
		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.TypeError, "bad_envelope", err.Error())
			continue readLoop
		}
		if !v1.IsClientType(env.Type) {
			g.trySendError(ctx, client, v1.TypeError, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		g.dispatch(ctx, engine, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.session.close")
}

// dispatch applies one client event to the engine.
// A peer that disconnects right after sending still has its event applied.
func (g *WSGateway) dispatch(ctx context.Context, engine *Engine, client *Client, env v1.Envelope) {
	switch env.Type {
	case v1.TypeStrokeSubmit:
		var p v1.StrokePayload
		if len(env.Payload) == 0 {
			g.metrics.strokeRejected(rejectBadPayload)
			g.trySendError(ctx, client, v1.TypeStrokeRejected, rejectBadPayload, "missing payload")
			return
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.metrics.strokeRejected(rejectBadPayload)
			g.trySendError(ctx, client, v1.TypeStrokeRejected, rejectBadPayload, "invalid payload")
			return
		}
		if _, err := engine.OnStrokeSubmitted(client.SessionID, p); err != nil {
			g.trySendError(ctx, client, v1.TypeStrokeRejected, rejectionCode(err), err.Error())
		}

	case v1.TypeUndo:
		engine.OnUndoRequested(client.SessionID)

	case v1.TypeRedo:
		engine.OnRedoRequested(client.SessionID)

	case v1.TypeClear:
		engine.OnClearRequested(client.SessionID)
	}
}

// ---- per-connection loops ----

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return nil
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return err
			}
		case env := <-client.Snapshots():
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return err
			}
		}
	}
}

// heartbeatLoop pings the peer and owns session liveness. The session is
// dropped after wsMaxPingFailures consecutive failures, or on a failed ping
// once nothing has been heard for ReadIdleTimeout.
func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, lastSeen *atomic.Int64) error {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return nil
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				lastSeen.Store(time.Now().UnixNano())
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			g.log.Debug("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
			if failures >= wsMaxPingFailures {
				return fmt.Errorf("ping failed %d times: %w", failures, err)
			}
			if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
				return fmt.Errorf("idle for %s: %w", idle.Round(time.Millisecond), err)
			}
		}
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, typ, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(typ, p, time.Now().UTC())
	if !enqueue(ctx, client, env) {
		g.log.Debug("ws.enqueue.drop", "session_id", client.SessionID, "type", typ, "code", code)
	}
}

// writeRateLimited writes the rate_limited notice directly so it reaches the
// peer before the policy-violation close.
func (g *WSGateway) writeRateLimited(ctx context.Context, conn *websocket.Conn, client *Client) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: "rate_limited", Message: "too many events"})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
		g.log.Debug("ws.rate_limited.write_fail", "session_id", client.SessionID, "err", err)
	}
}

// enqueue never blocks: a full control queue drops the envelope.
func enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin
// check in agreement with enforceOrigin. A "*" entry becomes a "*" pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		// Accept matches patterns against host[:port] of the Origin.
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
