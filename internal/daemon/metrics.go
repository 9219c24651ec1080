package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daefleet/daefleet/internal/models"
)

// Metrics collects Prometheus counters for the supervision daemon.
type Metrics struct {
	registry                *prometheus.Registry
	eventsTotal             *prometheus.CounterVec
	duplicateWritesTotal    prometheus.Counter
	writeDuration           prometheus.Histogram
	stateTransitionsTotal   *prometheus.CounterVec
	killswitchTriggersTotal *prometheus.CounterVec
	staleHeartbeatsTotal    prometheus.Counter
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daefleet",
			Subsystem: "events",
			Name:      "written_total",
			Help:      "Total events written to the store, by type.",
		},
		[]string{"type"},
	)
	duplicateWritesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "daefleet",
			Subsystem: "events",
			Name:      "duplicate_total",
			Help:      "Total writes refused as duplicates by dedupe key.",
		},
	)
	writeDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "daefleet",
			Subsystem: "events",
			Name:      "write_duration_seconds",
			Help:      "Latency of dual-write store writes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daefleet",
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Total worker state transitions.",
		},
		[]string{"from", "to"},
	)
	killswitchTriggersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daefleet",
			Subsystem: "killswitch",
			Name:      "triggers_total",
			Help:      "Total killswitch triggers, by severity.",
		},
		[]string{"severity"},
	)
	staleHeartbeatsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "daefleet",
			Subsystem: "registry",
			Name:      "stale_heartbeats_total",
			Help:      "Total workers marked DEGRADED for missing heartbeats.",
		},
	)

	registry.MustRegister(
		eventsTotal,
		duplicateWritesTotal,
		writeDuration,
		stateTransitionsTotal,
		killswitchTriggersTotal,
		staleHeartbeatsTotal,
	)

	return &Metrics{
		registry:                registry,
		eventsTotal:             eventsTotal,
		duplicateWritesTotal:    duplicateWritesTotal,
		writeDuration:           writeDuration,
		stateTransitionsTotal:   stateTransitionsTotal,
		killswitchTriggersTotal: killswitchTriggersTotal,
		staleHeartbeatsTotal:    staleHeartbeatsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncEvent(eventType models.DAEEventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

// ObserveWrite records one store write outcome and its latency.
func (m *Metrics) ObserveWrite(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "duplicate" {
		m.duplicateWritesTotal.Inc()
	}
	m.writeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncStateTransition(from, to models.DAEState) {
	if m == nil {
		return
	}
	m.stateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IncKillswitchTrigger(severity models.SecuritySeverity) {
	if m == nil {
		return
	}
	m.killswitchTriggersTotal.WithLabelValues(string(severity)).Inc()
}

func (m *Metrics) IncStaleHeartbeat() {
	if m == nil {
		return
	}
	m.staleHeartbeatsTotal.Inc()
}
