// ABOUTME: Package testing provides shared test utilities and helper functions for daefleet.
//
// This package contains test helpers and factory functions that promote
// consistent testing patterns across the codebase. It is designed to work
// with github.com/stretchr/testify.
package testing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daefleet/daefleet/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestDAEID  = "worker-test-1"
	TestDomain = "simulation"
)

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// RegistrationOpts holds optional parameters for creating test registrations.
type RegistrationOpts struct {
	DAEID             string
	Name              string
	Domain            string
	PID               int
	HeartbeatInterval time.Duration
	State             models.DAEState
	Metadata          map[string]string
}

// NewTestRegistration creates a registration with sensible defaults,
// applying optional overrides.
func NewTestRegistration(opts RegistrationOpts) models.DAERegistration {
	if opts.DAEID == "" {
		opts.DAEID = TestDAEID
	}
	if opts.Name == "" {
		opts.Name = "Test Worker"
	}
	if opts.Domain == "" {
		opts.Domain = TestDomain
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.State == "" {
		opts.State = models.StateRegistered
	}
	return models.DAERegistration{
		DAEID:             opts.DAEID,
		Name:              opts.Name,
		Domain:            opts.Domain,
		PID:               opts.PID,
		HeartbeatInterval: opts.HeartbeatInterval,
		State:             opts.State,
		Metadata:          opts.Metadata,
	}
}

// EventOpts holds optional parameters for creating test events.
type EventOpts struct {
	EventType models.DAEEventType
	DAEID     string
	Payload   map[string]any
	ActorID   string
	Timestamp time.Time
}

// NewTestEvent creates an event with deterministic identity fields.
func NewTestEvent(opts EventOpts) models.DAEEvent {
	if opts.EventType == "" {
		opts.EventType = models.EventActionPerformed
	}
	if opts.DAEID == "" {
		opts.DAEID = TestDAEID
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = FixedTime
	}
	return models.NewEvent(opts.EventType, opts.DAEID, opts.Payload, opts.ActorID, opts.Timestamp)
}
