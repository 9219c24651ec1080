// Package daemon composes the event store, registry, and killswitch into
// the central supervision daemon.
//
// The daemon is an explicit application-context object: construct one with
// New at process start and pass it by reference to adapters. It wires the
// killswitch as a registry listener, owns the background health-check
// loop, and exposes the read-only dashboard snapshot.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/daefleet/daefleet/internal/config"
	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/killswitch"
	"github.com/daefleet/daefleet/internal/models"
	"github.com/daefleet/daefleet/internal/registry"
)

const stopJoinTimeout = 5 * time.Second

// Daemon is the process-wide supervision context.
type Daemon struct {
	cfg        config.Config
	store      *eventstore.Store
	registry   *registry.Registry
	killswitch *killswitch.Killswitch
	metrics    *Metrics
	logger     *log.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Options override daemon collaborators, mainly for tests.
type Options struct {
	ProcessController killswitch.ProcessController
	Alerter           killswitch.Alerter
	Logger            *log.Logger
}

// New wires a daemon from an opened event store.
//
// The killswitch subscribes to every registry event; on a trigger the
// daemon (not the killswitch) sets the worker DETACHED, disables it, and
// records KILLSWITCH_TRIGGERED and DAE_DETACHED events.
func New(cfg config.Config, store *eventstore.Store, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	d := &Daemon{
		cfg:     cfg,
		store:   store,
		metrics: NewMetrics(),
		logger:  logger,
		now:     time.Now,
	}
	d.registry = registry.New(store, logger)
	d.killswitch = killswitch.New(opts.ProcessController, opts.Alerter, logger).
		WithPIDResolver(d.lookupPID).
		WithTriggerHook(d.handleTrigger)
	d.registry.Subscribe(registry.ListenerFunc(d.observeEvent))
	d.registry.Subscribe(d.killswitch)
	store.SetWriteObserver(d.observeWrite)
	return d
}

// Registry exposes the worker directory.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Killswitch exposes the policy engine, mainly for stop-signal wiring.
func (d *Daemon) Killswitch() *killswitch.Killswitch { return d.killswitch }

// Store exposes the event store for queries.
func (d *Daemon) Store() *eventstore.Store { return d.store }

// observeEvent feeds transition metrics from the registry event stream.
func (d *Daemon) observeEvent(ev models.DAEEvent) {
	if ev.EventType == models.EventStateChanged {
		from, _ := ev.Payload["old_state"].(string)
		to, _ := ev.Payload["new_state"].(string)
		d.metrics.IncStateTransition(models.DAEState(from), models.DAEState(to))
	}
}

// observeWrite feeds store write outcomes into metrics. Only successful
// writes count toward events_written_total.
func (d *Daemon) observeWrite(eventType models.DAEEventType, outcome string, elapsed time.Duration) {
	if outcome == "ok" {
		d.metrics.IncEvent(eventType)
	}
	d.metrics.ObserveWrite(outcome, elapsed)
}

func (d *Daemon) lookupPID(daeID string) int {
	reg, ok := d.registry.Get(daeID)
	if !ok {
		return 0
	}
	return reg.PID
}

// handleTrigger runs after every killswitch trigger, outside any lock.
func (d *Daemon) handleTrigger(report models.KillswitchReport) {
	d.registry.SetState(report.DAEID, models.StateDetached, "killswitch: "+report.Reason)
	d.registry.Disable(report.DAEID)
	d.metrics.IncKillswitchTrigger(report.Severity)

	now := d.now()
	d.writeDaemonEvent(models.NewEvent(models.EventKillswitchTrigger, report.DAEID, map[string]any{
		"report_id":        report.ReportID,
		"reason":           report.Reason,
		"severity":         string(report.Severity),
		"pid_terminated":   report.PIDTerminated,
		"pid_kill_success": report.PIDKillSuccess,
	}, "", now))
	d.writeDaemonEvent(models.NewEvent(models.EventDetached, report.DAEID, map[string]any{
		"reason": report.Reason,
	}, "", now))
}

func (d *Daemon) writeDaemonEvent(ev models.DAEEvent) {
	if ok, msg := d.store.Write(context.Background(), &ev); !ok {
		d.logger.Printf("daemon: store write failed for %s/%s: %s", ev.EventType, ev.DAEID, msg)
	}
}

// Start launches the background health-check loop. Calling Start on a
// running daemon is a no-op.
func (d *Daemon) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	done := make(chan struct{})
	d.done = done

	interval := d.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.healthTick(ctx)
			}
		}
	}()
	d.logger.Printf("daemon: health loop started interval=%s", interval)
}

// Stop signals the health loop to exit and joins it with a bounded
// timeout.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		d.logger.Printf("daemon: health loop did not exit within %s", stopJoinTimeout)
	}
}

// healthTick polls for stale heartbeats, emits the aggregate daemon
// heartbeat, and runs the parity check. A fault in one tick is logged and
// must never kill the loop.
func (d *Daemon) healthTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("daemon: health tick panic recovered: %v", r)
		}
	}()

	stale := d.registry.CheckStaleHeartbeats()
	for _, daeID := range stale {
		d.metrics.IncStaleHeartbeat()
		d.logger.Printf("daemon: WARNING heartbeat stale dae=%s marked DEGRADED", daeID)
	}

	regs := d.registry.List()
	states := make(map[string]any, len(regs))
	for _, reg := range regs {
		states[reg.DAEID] = string(reg.State)
	}
	d.writeDaemonEvent(models.NewEvent(models.EventDaemonHeartbeat, models.DaemonActorID, map[string]any{
		"registered_count": len(regs),
		"states":           states,
	}, "", d.now()))

	if ok, msg := d.store.VerifyParity(ctx); !ok {
		d.logger.Printf("daemon: WARNING %s", msg)
	}
}

// RunParityCheck verifies log/store parity once, logging the outcome.
func (d *Daemon) RunParityCheck(ctx context.Context) (bool, string) {
	ok, msg := d.store.VerifyParity(ctx)
	if ok {
		d.logger.Printf("daemon: %s", msg)
	} else {
		d.logger.Printf("daemon: WARNING %s", msg)
	}
	return ok, msg
}

// ServeMetrics serves /metrics and /healthz on the configured listener
// until ctx is canceled. Returns nil immediately when no listener is
// configured.
func (d *Daemon) ServeMetrics(ctx context.Context) error {
	listen := d.cfg.MetricsListen
	if listen == "" {
		return nil
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", d.metrics.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()
	d.logger.Printf("daemon: metrics listening on %s", listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopJoinTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
