package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestNewEventDeterministicID(t *testing.T) {
	payload := map[string]any{"reason": "token probe", "severity": "HIGH"}

	t.Run("identical inputs produce identical ids", func(t *testing.T) {
		a := NewEvent(EventSecurityViolation, "bot-x", payload, "", fixedTime)
		b := NewEvent(EventSecurityViolation, "bot-x", payload, "", fixedTime)
		assert.Equal(t, a.EventID, b.EventID)
		assert.Len(t, a.EventID, 16)
	})

	t.Run("changing any field changes the id", func(t *testing.T) {
		base := NewEvent(EventSecurityViolation, "bot-x", payload, "", fixedTime)

		byType := NewEvent(EventActionPerformed, "bot-x", payload, "", fixedTime)
		assert.NotEqual(t, base.EventID, byType.EventID)

		byDAE := NewEvent(EventSecurityViolation, "bot-y", payload, "", fixedTime)
		assert.NotEqual(t, base.EventID, byDAE.EventID)

		byPayload := NewEvent(EventSecurityViolation, "bot-x", map[string]any{"reason": "other"}, "", fixedTime)
		assert.NotEqual(t, base.EventID, byPayload.EventID)

		byTime := NewEvent(EventSecurityViolation, "bot-x", payload, "", fixedTime.Add(time.Nanosecond))
		assert.NotEqual(t, base.EventID, byTime.EventID)
	})

	t.Run("actor does not affect identity", func(t *testing.T) {
		a := NewEvent(EventSecurityViolation, "bot-x", payload, "operator", fixedTime)
		b := NewEvent(EventSecurityViolation, "bot-x", payload, "bot-x", fixedTime)
		assert.Equal(t, a.EventID, b.EventID)
	})

	t.Run("payload key order is canonicalized", func(t *testing.T) {
		a := NewEvent(EventSecurityViolation, "bot-x", map[string]any{"a": "1", "b": "2"}, "", fixedTime)
		b := NewEvent(EventSecurityViolation, "bot-x", map[string]any{"b": "2", "a": "1"}, "", fixedTime)
		assert.Equal(t, a.EventID, b.EventID)
	})
}

func TestNewEventDefaults(t *testing.T) {
	ev := NewEvent(EventHeartbeat, "worker-a", nil, "", fixedTime)
	assert.Equal(t, DaemonActorID, ev.ActorID)
	assert.Equal(t, ev.EventID, ev.DedupeKey)
	assert.True(t, ev.Timestamp.Equal(fixedTime))
	assert.Zero(t, ev.SequenceID, "sequence id is assigned by the store")
}

func TestNewKillswitchReport(t *testing.T) {
	ids := []string{"aaaa", "bbbb"}
	report := NewKillswitchReport("bot-x", "threshold crossed", SeverityHigh, ids)
	require.NotEmpty(t, report.ReportID)
	assert.Equal(t, "bot-x", report.DAEID)
	assert.Equal(t, SeverityHigh, report.Severity)
	assert.Equal(t, ids, report.TriggeringEventIDs)
	assert.False(t, report.PIDKillSuccess)
	assert.False(t, report.Timestamp.IsZero())

	// The report owns its event id slice.
	ids[0] = "mutated"
	assert.Equal(t, "aaaa", report.TriggeringEventIDs[0])
}

func TestRegistrationClone(t *testing.T) {
	reg := DAERegistration{
		DAEID:    "worker-a",
		Metadata: map[string]string{"team": "sims"},
	}
	clone := reg.Clone()
	clone.Metadata["team"] = "other"
	assert.Equal(t, "sims", reg.Metadata["team"])
}
