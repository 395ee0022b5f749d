// Package app wires the inkboard server runtime: config, logging, HTTP routes and the board gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"inkboard/cmd/internal/history"
	"inkboard/cmd/internal/realtime"
	"inkboard/shared/discovery"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// App is the inkboard server runtime: it owns the rooms hub, the gateway and the HTTP server.
type App struct {
	cfg Config
	log Logger

	hub     *realtime.Hub
	ws      *realtime.WSGateway
	metrics http.Handler

	ready atomic.Bool
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	var (
		boardMetrics  *realtime.Metrics
		metricsHandle http.Handler
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		if err := reg.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("register go collector: %w", err)
		}
		if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("register process collector: %w", err)
		}
		m, err := realtime.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register board metrics: %w", err)
		}
		boardMetrics = m
		metricsHandle = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	hub := realtime.NewHub(log, boardMetrics, history.WithMaxCommitted(cfg.MaxStrokes))
	ws := realtime.NewWSGateway(log, hub, boardMetrics, cfg.Gateway)

	return &App{
		cfg:     cfg,
		log:     log,
		hub:     hub,
		ws:      ws,
		metrics: metricsHandle,
	}, nil
}

// Hub exposes the rooms of this process.
func (a *App) Hub() *realtime.Hub { return a.hub }

// Handler returns the full HTTP surface with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.hub, a.ws, a.metrics, a.ready.Load)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server (and the mDNS responder when enabled) on ln
// until ctx is cancelled or the server fails. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	// Hijacked websocket connections are not tracked by Shutdown; cancelling
	// the base context ends their sessions.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	addr := ln.Addr().String()
	base := runtimeBaseURL(addr)

	var adv *discovery.Advertiser
	if a.cfg.MDNSEnabled {
		var err error
		adv, err = discovery.Advertise(a.log, a.cfg.MDNSInstance, listenerPort(ln), "/ws")
		if err != nil {
			// The board still works without LAN discovery.
			a.log.Warn("mdns.advertise.fail", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.ready.Store(true)
		a.log.Info("server.start",
			"addr", addr,
			"base_url", base,
			"ws_url", wsBaseURL(base)+"/ws",
			"metrics", a.metrics != nil,
			"mdns", adv != nil,
			"max_strokes", a.cfg.MaxStrokes,
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := adv.Shutdown(); err != nil {
			a.log.Warn("mdns.shutdown.fail", "err", err)
		}
		err := srv.Shutdown(shutdownCtx)
		cancelBase()
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func listenerPort(ln net.Listener) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
