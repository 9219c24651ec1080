package daemon

import (
	"context"
	"time"

	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/models"
)

// The methods below form the Supervisor surface adapters program against.
// They delegate to the registry and killswitch so a worker never touches
// daemon internals directly.

// RegisterDAE registers a worker. Returns false if the id is taken.
func (d *Daemon) RegisterDAE(reg models.DAERegistration) bool {
	if reg.HeartbeatInterval <= 0 {
		reg.HeartbeatInterval = d.cfg.HeartbeatInterval
	}
	return d.registry.Register(reg)
}

// UnregisterDAE removes a worker from supervision.
func (d *Daemon) UnregisterDAE(daeID string) bool {
	return d.registry.Unregister(daeID)
}

// ReportHeartbeat records a worker liveness signal.
func (d *Daemon) ReportHeartbeat(daeID string, health map[string]any) bool {
	return d.registry.ReportHeartbeat(daeID, health)
}

// ReportEvent records an adapter-reported observation.
func (d *Daemon) ReportEvent(daeID string, eventType models.DAEEventType, payload map[string]any) bool {
	return d.registry.ReportEvent(daeID, eventType, payload)
}

// SetState transitions a worker's lifecycle state.
func (d *Daemon) SetState(daeID string, state models.DAEState, reason string) bool {
	return d.registry.SetState(daeID, state, reason)
}

// EnableDAE re-enables a worker; a DETACHED worker returns to REGISTERED.
func (d *Daemon) EnableDAE(daeID string) bool {
	return d.registry.Enable(daeID)
}

// DisableDAE flips the worker's centralized off switch.
func (d *Daemon) DisableDAE(daeID string) bool {
	return d.registry.Disable(daeID)
}

// StopSignal returns the channel closed when the worker is detached.
func (d *Daemon) StopSignal(daeID string) <-chan struct{} {
	return d.killswitch.RegisterStopSignal(daeID)
}

// WorkerSummary is one row of the dashboard.
type WorkerSummary struct {
	DAEID                string    `json:"dae_id"`
	Name                 string    `json:"dae_name"`
	Domain               string    `json:"domain"`
	State                string    `json:"state"`
	Enabled              bool      `json:"enabled"`
	PID                  int       `json:"pid,omitempty"`
	HeartbeatIntervalSec float64   `json:"heartbeat_interval_sec"`
	LastHeartbeat        time.Time `json:"last_heartbeat"`
}

// Dashboard is a read-only snapshot of the whole fleet: per-worker
// summaries, store statistics, and outstanding killswitch reports.
type Dashboard struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Workers     []WorkerSummary           `json:"workers"`
	Stats       eventstore.Stats          `json:"stats"`
	Reports     []models.KillswitchReport `json:"killswitch_reports"`
}

// GetDashboard assembles the snapshot. It is a pure query with no side
// effects.
func (d *Daemon) GetDashboard(ctx context.Context) (Dashboard, error) {
	stats, err := d.store.GetStats(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	regs := d.registry.List()
	workers := make([]WorkerSummary, 0, len(regs))
	for _, reg := range regs {
		workers = append(workers, WorkerSummary{
			DAEID:                reg.DAEID,
			Name:                 reg.Name,
			Domain:               reg.Domain,
			State:                string(reg.State),
			Enabled:              reg.Enabled,
			PID:                  reg.PID,
			HeartbeatIntervalSec: reg.HeartbeatInterval.Seconds(),
			LastHeartbeat:        reg.LastHeartbeat,
		})
	}
	return Dashboard{
		GeneratedAt: d.now().UTC(),
		Workers:     workers,
		Stats:       stats,
		Reports:     d.killswitch.Reports(),
	}, nil
}

// Events is a query passthrough for operators and tests.
func (d *Daemon) Events(ctx context.Context, opts eventstore.QueryOptions) ([]models.DAEEvent, error) {
	return d.store.Query(ctx, opts)
}
