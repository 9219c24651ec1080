// Package killswitch evaluates security events against threshold policy
// and forcibly detaches misbehaving workers.
//
// The killswitch subscribes to the registry's event stream but never
// mutates registry state itself: on a trigger it produces an audit report,
// attempts OS-process termination, sets the worker's in-process stop
// signal, and invokes the daemon's trigger hook. Keeping registry
// mutation in the daemon keeps report generation outside any registry
// lock.
package killswitch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/daefleet/daefleet/internal/models"
)

const (
	// HighEventThreshold is the number of HIGH severity events inside the
	// window that forces a detach.
	HighEventThreshold = 3
	// HighEventWindow is the sliding window HIGH events are counted over.
	HighEventWindow = 300 * time.Second
	// TerminateGracePeriod is how long a process gets to exit after
	// SIGTERM before SIGKILL escalation.
	TerminateGracePeriod = 5 * time.Second
)

// Alerter delivers advisory operator alerts. Alerts are fire-and-forget
// and never part of the correctness contract.
type Alerter interface {
	Alert(daeID, message string)
}

// LogAlerter writes alerts to a standard logger.
type LogAlerter struct {
	Logger *log.Logger
}

func (a LogAlerter) Alert(daeID, message string) {
	logger := a.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("killswitch: ALERT dae=%s %s", daeID, message)
}

// PIDResolver looks up the OS pid for a worker, 0 when unknown.
type PIDResolver func(daeID string) int

// TriggerHook runs after every trigger, outside the killswitch mutex.
// The daemon uses it to set DETACHED, disable the worker, and emit the
// killswitch events.
type TriggerHook func(report models.KillswitchReport)

// Killswitch is the threshold policy engine.
type Killswitch struct {
	mu          sync.Mutex
	proc        ProcessController
	alerter     Alerter
	logger      *log.Logger
	now         func() time.Time
	resolvePID  PIDResolver
	onTrigger   TriggerHook
	highWindows map[string][]time.Time
	stopSignals map[string]chan struct{}
	reports     []models.KillswitchReport
}

// New constructs a killswitch. A nil controller falls back to the
// OS-signal implementation; a nil alerter logs.
func New(proc ProcessController, alerter Alerter, logger *log.Logger) *Killswitch {
	if logger == nil {
		logger = log.Default()
	}
	if proc == nil {
		proc = OSProcessController{}
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &Killswitch{
		proc:        proc,
		alerter:     alerter,
		logger:      logger,
		now:         time.Now,
		highWindows: make(map[string][]time.Time),
		stopSignals: make(map[string]chan struct{}),
	}
}

// WithPIDResolver wires the pid lookup used when a trigger needs to
// terminate a process.
func (k *Killswitch) WithPIDResolver(resolve PIDResolver) *Killswitch {
	k.resolvePID = resolve
	return k
}

// WithTriggerHook wires the post-trigger callback.
func (k *Killswitch) WithTriggerHook(hook TriggerHook) *Killswitch {
	k.onTrigger = hook
	return k
}

// OnEvent makes the killswitch a registry listener. Only
// SECURITY_VIOLATION events are evaluated; everything else is ignored.
func (k *Killswitch) OnEvent(ev models.DAEEvent) {
	k.EvaluateSecurityEvent(ev)
}

// EvaluateSecurityEvent applies threshold policy to one event.
//
// CRITICAL severity triggers immediately. HIGH severity is counted in a
// per-worker sliding window: the window is pruned to HighEventWindow,
// the new timestamp appended, and a detach fires once the window holds
// HighEventThreshold entries, clearing the window. WARNING and INFO are
// logged only. Returns the report when a detach fired, nil otherwise.
func (k *Killswitch) EvaluateSecurityEvent(ev models.DAEEvent) *models.KillswitchReport {
	if k == nil || ev.EventType != models.EventSecurityViolation {
		return nil
	}
	severity := severityFromPayload(ev.Payload)
	reason := stringFromPayload(ev.Payload, "reason")

	switch severity {
	case models.SeverityCritical:
		report := k.Trigger(ev.DAEID, reason, severity, []string{ev.EventID})
		return &report
	case models.SeverityHigh:
		triggered, count := k.recordHighEvent(ev.DAEID, ev.Timestamp)
		if triggered {
			report := k.Trigger(ev.DAEID, reason, severity, []string{ev.EventID})
			return &report
		}
		go k.alerter.Alert(ev.DAEID, severityAlertMessage(count))
		return nil
	default:
		k.logger.Printf("killswitch: dae=%s severity=%s logged only: %s", ev.DAEID, severity, reason)
		return nil
	}
}

// recordHighEvent prunes the window, appends the timestamp, and reports
// whether the threshold was crossed, clearing the window if so.
func (k *Killswitch) recordHighEvent(daeID string, ts time.Time) (bool, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-HighEventWindow)
	window := k.highWindows[daeID]
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, ts)
	if len(pruned) >= HighEventThreshold {
		delete(k.highWindows, daeID)
		return true, len(pruned)
	}
	k.highWindows[daeID] = pruned
	return false, len(pruned)
}

// Trigger is the low-level detach primitive, callable directly or through
// policy evaluation. A report is produced unconditionally, even when
// process termination fails.
func (k *Killswitch) Trigger(daeID, reason string, severity models.SecuritySeverity, eventIDs []string) models.KillswitchReport {
	report := models.NewKillswitchReport(daeID, reason, severity, eventIDs)

	pid := 0
	if k.resolvePID != nil {
		pid = k.resolvePID(daeID)
	}
	if pid > 0 {
		report.PIDTerminated = pid
		if err := k.proc.Terminate(pid, TerminateGracePeriod); err != nil {
			k.logger.Printf("killswitch: dae=%s pid=%d termination failed: %v", daeID, pid, err)
		} else {
			report.PIDKillSuccess = true
		}
	}

	k.mu.Lock()
	if ch, ok := k.stopSignals[daeID]; ok {
		close(ch)
		delete(k.stopSignals, daeID)
	}
	k.reports = append(k.reports, report)
	k.mu.Unlock()

	k.logger.Printf("killswitch: detach dae=%s severity=%s reason=%q pid=%d kill_success=%t",
		daeID, severity, reason, report.PIDTerminated, report.PIDKillSuccess)
	if k.onTrigger != nil {
		k.onTrigger(report)
	}
	return report
}

// RegisterStopSignal returns a channel that is closed when the worker is
// detached, so cooperative workers can shut themselves down.
func (k *Killswitch) RegisterStopSignal(daeID string) <-chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ch, ok := k.stopSignals[daeID]; ok {
		return ch
	}
	ch := make(chan struct{})
	k.stopSignals[daeID] = ch
	return ch
}

// Reports returns a snapshot of all reports produced so far.
func (k *Killswitch) Reports() []models.KillswitchReport {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]models.KillswitchReport, len(k.reports))
	copy(out, k.reports)
	return out
}

func severityFromPayload(payload map[string]any) models.SecuritySeverity {
	switch models.SecuritySeverity(stringFromPayload(payload, "severity")) {
	case models.SeverityCritical:
		return models.SeverityCritical
	case models.SeverityHigh:
		return models.SeverityHigh
	case models.SeverityWarning:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

func stringFromPayload(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func severityAlertMessage(count int) string {
	return fmt.Sprintf("HIGH severity event %d/%d inside window", count, HighEventThreshold)
}
