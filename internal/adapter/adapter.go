// Package adapter is the per-worker façade onto the supervision daemon.
//
// A worker process links against this package and nothing else: it
// registers through a narrow Supervisor interface injected at
// construction, runs a periodic heartbeat goroutine, and reports
// observations through thin helpers. Every call is a soft no-op when
// registration never succeeded, so a worker runs fine with supervision
// absent.
package adapter

import (
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/daefleet/daefleet/internal/models"
)

// MaxSummaryLen bounds free-text fields forwarded to the event stream.
const MaxSummaryLen = 200

// DefaultHeartbeatInterval applies when the worker does not choose one.
const DefaultHeartbeatInterval = 60 * time.Second

// Supervisor is the narrow surface the adapter depends on. The central
// daemon satisfies it; tests substitute fakes.
type Supervisor interface {
	RegisterDAE(reg models.DAERegistration) bool
	ReportHeartbeat(daeID string, health map[string]any) bool
	ReportEvent(daeID string, eventType models.DAEEventType, payload map[string]any) bool
	SetState(daeID string, state models.DAEState, reason string) bool
	StopSignal(daeID string) <-chan struct{}
}

// Options configures one worker's adapter.
type Options struct {
	DAEID             string
	Name              string
	Domain            string
	ModulePath        string
	HeartbeatInterval time.Duration
	Metadata          map[string]string
	Logger            *log.Logger
}

// Adapter wraps the Supervisor for one worker.
type Adapter struct {
	sup    Supervisor
	opts   Options
	logger *log.Logger

	mu         sync.Mutex
	registered bool
	detached   <-chan struct{}
	hbStop     chan struct{}
	hbDone     chan struct{}
}

// New constructs an adapter. The supervisor may be nil; every call then
// reports failure without panicking.
func New(sup Supervisor, opts Options) *Adapter {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{sup: sup, opts: opts, logger: logger}
}

// Register submits the worker's registration. Failures (supervisor
// unavailable, duplicate id) are swallowed and reported as false so the
// worker can keep running unsupervised.
func (a *Adapter) Register(pid int) bool {
	if a == nil || a.sup == nil || a.opts.DAEID == "" {
		return false
	}
	ok := a.sup.RegisterDAE(models.DAERegistration{
		DAEID:             a.opts.DAEID,
		Name:              a.opts.Name,
		Domain:            a.opts.Domain,
		ModulePath:        a.opts.ModulePath,
		PID:               pid,
		HeartbeatInterval: a.opts.HeartbeatInterval,
		Metadata:          a.opts.Metadata,
	})
	if !ok {
		a.logger.Printf("adapter: registration refused for dae=%s", a.opts.DAEID)
		return false
	}
	detached := a.sup.StopSignal(a.opts.DAEID)
	a.mu.Lock()
	a.registered = true
	a.detached = detached
	a.mu.Unlock()
	return true
}

// Detached returns the channel closed when the killswitch detaches this
// worker. Nil until Register succeeds.
func (a *Adapter) Detached() <-chan struct{} {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detached
}

// StartHeartbeat launches the heartbeat goroutine. healthFn may be nil;
// when set, its result becomes the heartbeat payload. The loop polls a
// stop channel rather than sleeping unconditionally so shutdown is
// prompt.
func (a *Adapter) StartHeartbeat(healthFn func() map[string]any) {
	if a == nil || !a.isRegistered() {
		return
	}
	a.mu.Lock()
	if a.hbStop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.hbStop = stop
	a.hbDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.opts.HeartbeatInterval)
		defer ticker.Stop()
		a.beat(healthFn)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.beat(healthFn)
			}
		}
	}()
}

func (a *Adapter) beat(healthFn func() map[string]any) {
	var health map[string]any
	if healthFn != nil {
		health = healthFn()
	}
	a.sup.ReportHeartbeat(a.opts.DAEID, health)
}

// StopHeartbeat stops the heartbeat goroutine and waits for it to exit.
func (a *Adapter) StopHeartbeat() {
	if a == nil {
		return
	}
	a.mu.Lock()
	stop := a.hbStop
	done := a.hbDone
	a.hbStop = nil
	a.hbDone = nil
	a.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(a.opts.HeartbeatInterval + time.Second):
	}
}

// ReportStarted marks the worker RUNNING. If registration has not
// happened yet it is attempted first with the given pid.
func (a *Adapter) ReportStarted(pid int) bool {
	if a == nil || a.sup == nil {
		return false
	}
	if !a.isRegistered() && !a.Register(pid) {
		return false
	}
	return a.sup.SetState(a.opts.DAEID, models.StateRunning, "worker started")
}

// ReportStopped marks the worker STOPPED.
func (a *Adapter) ReportStopped() bool {
	if a == nil || !a.isRegistered() {
		return false
	}
	return a.sup.SetState(a.opts.DAEID, models.StateStopped, "worker stopped")
}

// ReportMessageIn records an inbound message observation.
func (a *Adapter) ReportMessageIn(source, summary string) bool {
	return a.report(models.EventMessageIn, map[string]any{
		"source":  truncate(source),
		"summary": truncate(summary),
	})
}

// ReportMessageOut records an outbound message observation.
func (a *Adapter) ReportMessageOut(dest, summary string) bool {
	return a.report(models.EventMessageOut, map[string]any{
		"dest":    truncate(dest),
		"summary": truncate(summary),
	})
}

// ReportAction records an action the worker performed.
func (a *Adapter) ReportAction(actionType, target, result string) bool {
	return a.report(models.EventActionPerformed, map[string]any{
		"action_type": truncate(actionType),
		"target":      truncate(target),
		"result":      truncate(result),
	})
}

// ReportSecurityEvent records a security violation for killswitch
// evaluation.
func (a *Adapter) ReportSecurityEvent(reason string, severity models.SecuritySeverity) bool {
	return a.report(models.EventSecurityViolation, map[string]any{
		"reason":   truncate(reason),
		"severity": string(severity),
	})
}

// Stop halts the heartbeat and reports the worker stopped.
func (a *Adapter) Stop() {
	if a == nil {
		return
	}
	a.StopHeartbeat()
	a.ReportStopped()
}

func (a *Adapter) report(eventType models.DAEEventType, payload map[string]any) bool {
	if a == nil || !a.isRegistered() {
		return false
	}
	return a.sup.ReportEvent(a.opts.DAEID, eventType, payload)
}

func (a *Adapter) isRegistered() bool {
	if a == nil || a.sup == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// truncate bounds free text to MaxSummaryLen bytes without splitting a
// multi-byte rune, so payloads stay valid UTF-8.
func truncate(s string) string {
	if len(s) <= MaxSummaryLen {
		return s
	}
	cut := MaxSummaryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
