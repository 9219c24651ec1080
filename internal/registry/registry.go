// Package registry tracks the fleet of supervised workers.
//
// The registry owns every DAERegistration: state transitions, heartbeat
// bookkeeping, and enable/disable toggles all go through it. Every change
// is emitted as a DAEEvent, written to the event store, and then delivered
// synchronously to subscribed listeners in subscription order. The
// registry mutex is released before listeners run, so a listener may call
// back into the registry without deadlocking.
package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/models"
)

// StaleHeartbeatFactor is the multiple of a worker's heartbeat interval
// after which a missing heartbeat marks it DEGRADED.
const StaleHeartbeatFactor = 2

// DefaultHeartbeatInterval applies to registrations that do not set one.
const DefaultHeartbeatInterval = 60 * time.Second

// Listener receives every event the registry emits, synchronously and in
// emission order. Listener code must not block.
type Listener interface {
	OnEvent(ev models.DAEEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev models.DAEEvent)

func (f ListenerFunc) OnEvent(ev models.DAEEvent) { f(ev) }

// Registry is the in-memory directory of worker registrations.
type Registry struct {
	mu        sync.Mutex
	regs      map[string]*models.DAERegistration
	listeners []Listener
	store     *eventstore.Store
	logger    *log.Logger
	now       func() time.Time
}

// New constructs a registry backed by the given event store.
func New(store *eventstore.Store, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		regs:   make(map[string]*models.DAERegistration),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe appends a listener. Subscriptions are expected to happen at
// wiring time, before events start flowing.
func (r *Registry) Subscribe(l Listener) {
	if r == nil || l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register stores a new registration and emits DAE_REGISTERED.
// Returns false without side effects if the dae_id is already known.
func (r *Registry) Register(reg models.DAERegistration) bool {
	if r == nil || reg.DAEID == "" {
		return false
	}
	r.mu.Lock()
	if _, exists := r.regs[reg.DAEID]; exists {
		r.mu.Unlock()
		return false
	}
	stored := reg.Clone()
	stored.Enabled = true
	stored.State = models.StateRegistered
	if stored.HeartbeatInterval <= 0 {
		stored.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = r.now().UTC()
	}
	r.regs[reg.DAEID] = &stored
	ev := models.NewEvent(models.EventRegistered, reg.DAEID, map[string]any{
		"dae_name": stored.Name,
		"domain":   stored.Domain,
		"pid":      stored.PID,
	}, "", r.now())
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.emit(listeners, ev)
	return true
}

// Unregister removes a registration and emits DAE_UNREGISTERED.
func (r *Registry) Unregister(daeID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	if _, exists := r.regs[daeID]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.regs, daeID)
	ev := models.NewEvent(models.EventUnregistered, daeID, nil, "", r.now())
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.emit(listeners, ev)
	return true
}

// Get returns a snapshot of one registration.
func (r *Registry) Get(daeID string) (models.DAERegistration, bool) {
	if r == nil {
		return models.DAERegistration{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[daeID]
	if !ok {
		return models.DAERegistration{}, false
	}
	return reg.Clone(), true
}

// List returns snapshots of every registration, ordered by dae_id.
func (r *Registry) List() []models.DAERegistration {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]models.DAERegistration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.Clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DAEID < out[j].DAEID })
	return out
}

// SetState mutates a worker's state and always emits DAE_STATE_CHANGED,
// even when the new state equals the old one. The registry does not
// deduplicate transitions; dedup, if any, happens at the event store.
func (r *Registry) SetState(daeID string, newState models.DAEState, reason string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	reg, ok := r.regs[daeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	oldState := reg.State
	reg.State = newState
	ev := models.NewEvent(models.EventStateChanged, daeID, map[string]any{
		"old_state": string(oldState),
		"new_state": string(newState),
		"reason":    reason,
	}, "", r.now())
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.emit(listeners, ev)
	return true
}

// Enable turns a worker back on. A DETACHED worker moves to REGISTERED;
// this is the only path out of DETACHED.
func (r *Registry) Enable(daeID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	reg, ok := r.regs[daeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	reg.Enabled = true
	var events []models.DAEEvent
	if reg.State == models.StateDetached {
		old := reg.State
		reg.State = models.StateRegistered
		events = append(events, models.NewEvent(models.EventStateChanged, daeID, map[string]any{
			"old_state": string(old),
			"new_state": string(models.StateRegistered),
			"reason":    "operator re-enable",
		}, "", r.now()))
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	for _, ev := range events {
		r.emit(listeners, ev)
	}
	return true
}

// Disable turns a worker off without changing its state.
func (r *Registry) Disable(daeID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[daeID]
	if !ok {
		return false
	}
	reg.Enabled = false
	return true
}

// ReportHeartbeat records a liveness signal. A DEGRADED worker heals back
// to RUNNING. Always emits DAE_HEARTBEAT.
func (r *Registry) ReportHeartbeat(daeID string, health map[string]any) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	reg, ok := r.regs[daeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	now := r.now().UTC()
	reg.LastHeartbeat = now
	var events []models.DAEEvent
	if reg.State == models.StateDegraded {
		reg.State = models.StateRunning
		events = append(events, models.NewEvent(models.EventStateChanged, daeID, map[string]any{
			"old_state": string(models.StateDegraded),
			"new_state": string(models.StateRunning),
			"reason":    "heartbeat resumed",
		}, "", now))
	}
	payload := map[string]any{}
	for k, v := range health {
		payload[k] = v
	}
	events = append(events, models.NewEvent(models.EventHeartbeat, daeID, payload, daeID, now))
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	for _, ev := range events {
		r.emit(listeners, ev)
	}
	return true
}

// CheckStaleHeartbeats transitions RUNNING workers whose last heartbeat is
// older than StaleHeartbeatFactor times their interval to DEGRADED and
// returns their ids. Workers that have never heartbeated are exempt so a
// worker is not marked DEGRADED before its heartbeat loop starts.
func (r *Registry) CheckStaleHeartbeats() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	now := r.now().UTC()
	var stale []string
	var events []models.DAEEvent
	for _, reg := range r.regs {
		if reg.State != models.StateRunning || reg.LastHeartbeat.IsZero() {
			continue
		}
		elapsed := now.Sub(reg.LastHeartbeat)
		if elapsed <= time.Duration(StaleHeartbeatFactor)*reg.HeartbeatInterval {
			continue
		}
		reg.State = models.StateDegraded
		stale = append(stale, reg.DAEID)
		events = append(events, models.NewEvent(models.EventStateChanged, reg.DAEID, map[string]any{
			"old_state":   string(models.StateRunning),
			"new_state":   string(models.StateDegraded),
			"reason":      "heartbeat stale",
			"elapsed_sec": elapsed.Seconds(),
		}, "", now))
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	sort.Strings(stale)
	for _, ev := range events {
		r.emit(listeners, ev)
	}
	return stale
}

// ReportEvent is the generic pass-through for adapter-reported
// observations. Unknown dae_ids are rejected: unregistered workers cannot
// report events.
func (r *Registry) ReportEvent(daeID string, eventType models.DAEEventType, payload map[string]any) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	if _, ok := r.regs[daeID]; !ok {
		r.mu.Unlock()
		return false
	}
	ev := models.NewEvent(eventType, daeID, payload, daeID, r.now())
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.emit(listeners, ev)
	return true
}

// snapshotListeners must be called with the registry mutex held.
func (r *Registry) snapshotListeners() []Listener {
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// emit writes the event to the store and then notifies listeners, in that
// order, with the registry mutex released. A failed store write is an
// operational fault, not a crash: it is logged and delivery continues.
func (r *Registry) emit(listeners []Listener, ev models.DAEEvent) {
	if r.store != nil {
		if ok, msg := r.store.Write(context.Background(), &ev); !ok {
			r.logger.Printf("registry: store write failed for %s/%s: %s", ev.EventType, ev.DAEID, msg)
		}
	}
	for _, l := range listeners {
		l.OnEvent(ev)
	}
}
