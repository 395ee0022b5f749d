package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the board's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	broadcasts  prometheus.Counter
	coalesced   prometheus.Counter
	sessions    prometheus.Gauge
	rooms       prometheus.Gauge
	rateLimited prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// When reg is nil the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkboard",
			Name:      "events_total",
			Help:      "Client events applied by the sync engine, by type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkboard",
			Name:      "strokes_rejected_total",
			Help:      "Submitted strokes dropped at the boundary, by reason code.",
		}, []string{"code"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkboard",
			Name:      "broadcasts_total",
			Help:      "Full-state broadcasts issued after accepted mutations.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkboard",
			Name:      "snapshots_coalesced_total",
			Help:      "Undelivered snapshots replaced by a newer one for a slow session.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkboard",
			Name:      "sessions",
			Help:      "Currently connected sessions across all rooms.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkboard",
			Name:      "rooms",
			Help:      "Rooms created since process start.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkboard",
			Name:      "rate_limited_total",
			Help:      "Connections closed for exceeding the event rate limit.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.events, m.rejected, m.broadcasts, m.coalesced, m.sessions, m.rooms, m.rateLimited,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) strokeRejected(code string) {
	if m != nil {
		m.rejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) broadcast(coalesced int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	if coalesced > 0 {
		m.coalesced.Add(float64(coalesced))
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) roomCreated() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) rateLimitHit() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
