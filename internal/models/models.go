// Package models provides data structures and constants for daefleet.
//
// This package contains the core domain models used throughout daefleet:
//   - DAERegistration: Identity and lifecycle metadata for one supervised worker
//   - DAEEvent: An immutable fact flowing through the event store
//   - KillswitchReport: The audit record of a forced detach
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DAEState represents the current state of a supervised worker in its lifecycle.
//
// The state machine enforces valid transitions:
//
//	REGISTERED → STARTING → RUNNING ⇄ DEGRADED → STOPPING → STOPPED
//
// Any state can transition to DETACHED (killswitch) or CRASHED at any time.
// DETACHED is terminal until an operator re-enables the worker, which moves
// it back to REGISTERED. DEGRADED is entered automatically when a RUNNING
// worker misses heartbeats for more than twice its interval and is healed
// back to RUNNING on the next heartbeat.
type DAEState string

const (
	// StateRegistered is the initial state after a worker registers.
	StateRegistered DAEState = "REGISTERED"
	// StateStarting indicates the worker is initializing.
	StateStarting DAEState = "STARTING"
	// StateRunning indicates the worker is active and heartbeating.
	StateRunning DAEState = "RUNNING"
	// StateDegraded indicates heartbeats have gone stale.
	StateDegraded DAEState = "DEGRADED"
	// StateStopping indicates the worker is shutting down.
	StateStopping DAEState = "STOPPING"
	// StateStopped indicates a clean shutdown.
	StateStopped DAEState = "STOPPED"
	// StateDetached indicates the killswitch forcibly removed the worker.
	StateDetached DAEState = "DETACHED"
	// StateCrashed indicates the worker died unexpectedly.
	StateCrashed DAEState = "CRASHED"
)

// DAEEventType identifies the kind of fact an event records.
type DAEEventType string

const (
	EventRegistered        DAEEventType = "DAE_REGISTERED"
	EventStateChanged      DAEEventType = "DAE_STATE_CHANGED"
	EventHeartbeat         DAEEventType = "DAE_HEARTBEAT"
	EventMessageIn         DAEEventType = "MESSAGE_IN"
	EventMessageOut        DAEEventType = "MESSAGE_OUT"
	EventActionPerformed   DAEEventType = "ACTION_PERFORMED"
	EventSecurityViolation DAEEventType = "SECURITY_VIOLATION"
	EventKillswitchTrigger DAEEventType = "KILLSWITCH_TRIGGERED"
	EventDetached          DAEEventType = "DAE_DETACHED"
	EventDaemonHeartbeat   DAEEventType = "DAEMON_HEARTBEAT"
	EventUnregistered      DAEEventType = "DAE_UNREGISTERED"
)

// SecuritySeverity grades a SECURITY_VIOLATION event.
type SecuritySeverity string

const (
	SeverityInfo     SecuritySeverity = "INFO"
	SeverityWarning  SecuritySeverity = "WARNING"
	SeverityHigh     SecuritySeverity = "HIGH"
	SeverityCritical SecuritySeverity = "CRITICAL"
)

// DaemonActorID is the default actor recorded on events the daemon emits itself.
const DaemonActorID = "daefleetd"

// DAERegistration holds identity and lifecycle metadata for one worker.
//
// Registrations are owned exclusively by the registry: created on Register,
// mutated only through registry methods, and removed only by an explicit
// Unregister.
//
// Fields:
//   - DAEID: Unique worker identifier
//   - Name: Human-readable worker name
//   - Domain: Free-form grouping tag (e.g. "browser", "simulation")
//   - ModulePath: Optional source path of the worker binary/module
//   - Enabled: Centralized on/off switch
//   - State: Current lifecycle state
//   - PID: OS process id, 0 when unknown
//   - HeartbeatInterval: Expected heartbeat cadence
//   - LastHeartbeat: Zero until the first heartbeat arrives
//   - Metadata: Free-form key/value annotations
type DAERegistration struct {
	DAEID             string            `json:"dae_id"`
	Name              string            `json:"dae_name"`
	Domain            string            `json:"domain"`
	ModulePath        string            `json:"module_path,omitempty"`
	Enabled           bool              `json:"enabled"`
	State             DAEState          `json:"state"`
	PID               int               `json:"pid,omitempty"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	RegisteredAt      time.Time         `json:"registered_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// DAEEvent is one immutable fact in the supervision event stream.
//
// EventID, SequenceID, and DedupeKey identify the event: EventID is a
// deterministic hash of (type, dae_id, payload, timestamp); SequenceID is
// assigned by the event store at write time and is strictly increasing;
// DedupeKey defaults to EventID and is the key duplicate writes are
// rejected on.
type DAEEvent struct {
	EventID    string         `json:"event_id"`
	SequenceID int64          `json:"sequence_id"`
	DedupeKey  string         `json:"dedupe_key"`
	EventType  DAEEventType   `json:"event_type"`
	DAEID      string         `json:"dae_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent constructs an event with its deterministic identity fields.
//
// Two events with identical type, dae_id, payload, and timestamp produce
// the same EventID. Callers relying on idempotent replay reuse timestamps
// to hit the dedupe path; callers that want distinct events use distinct
// timestamps.
func NewEvent(eventType DAEEventType, daeID string, payload map[string]any, actorID string, ts time.Time) DAEEvent {
	if actorID == "" {
		actorID = DaemonActorID
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := DAEEvent{
		EventType: eventType,
		DAEID:     daeID,
		ActorID:   actorID,
		Payload:   payload,
		Timestamp: ts.UTC(),
	}
	ev.EventID = computeEventID(ev)
	ev.DedupeKey = ev.EventID
	return ev
}

// computeEventID derives the deterministic 16-hex-char event id.
//
// The payload is hashed through its canonical JSON encoding; encoding/json
// emits map keys in sorted order, so identical payloads hash identically.
func computeEventID(ev DAEEvent) string {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}
	payloadSum := sha256.Sum256(payloadJSON)
	payloadHash := hex.EncodeToString(payloadSum[:])[:8]
	material := fmt.Sprintf("%s:%s:%s:%d", ev.EventType, ev.DAEID, payloadHash, ev.Timestamp.UTC().UnixNano())
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:16]
}

// KillswitchReport is the audit record of one forced detach.
//
// Reports are created only by the killswitch and are immutable once
// created. A report is produced even when process termination fails.
type KillswitchReport struct {
	ReportID           string           `json:"report_id"`
	DAEID              string           `json:"dae_id"`
	Reason             string           `json:"reason"`
	Severity           SecuritySeverity `json:"severity"`
	TriggeringEventIDs []string         `json:"triggering_event_ids,omitempty"`
	PIDTerminated      int              `json:"pid_terminated,omitempty"`
	PIDKillSuccess     bool             `json:"pid_kill_success"`
	Timestamp          time.Time        `json:"timestamp"`
}

// NewKillswitchReport builds a report with a fresh id and timestamp.
func NewKillswitchReport(daeID, reason string, severity SecuritySeverity, eventIDs []string) KillswitchReport {
	return KillswitchReport{
		ReportID:           uuid.NewString(),
		DAEID:              daeID,
		Reason:             reason,
		Severity:           severity,
		TriggeringEventIDs: append([]string(nil), eventIDs...),
		Timestamp:          time.Now().UTC(),
	}
}

// Clone returns a deep copy so registry snapshots never alias internal state.
func (r DAERegistration) Clone() DAERegistration {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
