package testing

import (
	"sync"
	"time"

	"github.com/daefleet/daefleet/internal/models"
)

// MockProcessController records termination requests instead of sending
// signals.
type MockProcessController struct {
	mu           sync.Mutex
	Terminated   []int
	TerminateErr error
}

func (m *MockProcessController) Terminate(pid int, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TerminateErr != nil {
		return m.TerminateErr
	}
	m.Terminated = append(m.Terminated, pid)
	return nil
}

// TerminatedPIDs returns a snapshot of recorded terminations.
func (m *MockProcessController) TerminatedPIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.Terminated))
	copy(out, m.Terminated)
	return out
}

// MockAlerter captures operator alerts for assertions.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (m *MockAlerter) Alert(daeID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, daeID+": "+message)
}

// Alerts returns a snapshot of captured alerts.
func (m *MockAlerter) Alerts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// MockSupervisor is an in-memory Supervisor for adapter tests.
type MockSupervisor struct {
	mu            sync.Mutex
	RefuseNew     bool
	Registrations map[string]models.DAERegistration
	Heartbeats    map[string]int
	Events        []models.DAEEvent
	States        map[string]models.DAEState
	stopSignals   map[string]chan struct{}
}

// NewMockSupervisor creates an empty mock supervisor.
func NewMockSupervisor() *MockSupervisor {
	return &MockSupervisor{
		Registrations: make(map[string]models.DAERegistration),
		Heartbeats:    make(map[string]int),
		States:        make(map[string]models.DAEState),
		stopSignals:   make(map[string]chan struct{}),
	}
}

func (m *MockSupervisor) RegisterDAE(reg models.DAERegistration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefuseNew {
		return false
	}
	if _, exists := m.Registrations[reg.DAEID]; exists {
		return false
	}
	m.Registrations[reg.DAEID] = reg
	m.States[reg.DAEID] = models.StateRegistered
	return true
}

func (m *MockSupervisor) ReportHeartbeat(daeID string, health map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Registrations[daeID]; !exists {
		return false
	}
	m.Heartbeats[daeID]++
	return true
}

func (m *MockSupervisor) ReportEvent(daeID string, eventType models.DAEEventType, payload map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Registrations[daeID]; !exists {
		return false
	}
	m.Events = append(m.Events, models.NewEvent(eventType, daeID, payload, daeID, time.Now()))
	return true
}

func (m *MockSupervisor) SetState(daeID string, state models.DAEState, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Registrations[daeID]; !exists {
		return false
	}
	m.States[daeID] = state
	return true
}

func (m *MockSupervisor) StopSignal(daeID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.stopSignals[daeID]; ok {
		return ch
	}
	ch := make(chan struct{})
	m.stopSignals[daeID] = ch
	return ch
}

// HeartbeatCount returns how many heartbeats a worker has reported.
func (m *MockSupervisor) HeartbeatCount(daeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Heartbeats[daeID]
}

// RecordedEvents returns a snapshot of reported events.
func (m *MockSupervisor) RecordedEvents() []models.DAEEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DAEEvent, len(m.Events))
	copy(out, m.Events)
	return out
}
