package registry

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/models"
	daetesting "github.com/daefleet/daefleet/internal/testing"
)

func newTestRegistry(t *testing.T) (*Registry, *eventstore.Store) {
	t.Helper()
	store, err := eventstore.Open(t.TempDir(), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, log.New(io.Discard, "", 0)), store
}

// capture collects every event a registry emits.
type capture struct {
	events []models.DAEEvent
}

func (c *capture) OnEvent(ev models.DAEEvent) { c.events = append(c.events, ev) }

func TestRegister(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec := &capture{}
	r.Subscribe(rec)

	reg := daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a", PID: 4242})

	t.Run("first registration succeeds", func(t *testing.T) {
		assert.True(t, r.Register(reg))
		got, ok := r.Get("worker-a")
		require.True(t, ok)
		assert.Equal(t, models.StateRegistered, got.State)
		assert.True(t, got.Enabled)
		assert.Equal(t, 4242, got.PID)
		require.Len(t, rec.events, 1)
		assert.Equal(t, models.EventRegistered, rec.events[0].EventType)
	})

	t.Run("duplicate id is refused", func(t *testing.T) {
		assert.False(t, r.Register(reg))
		assert.Len(t, rec.events, 1, "no event for a refused registration")
	})

	t.Run("empty id is refused", func(t *testing.T) {
		assert.False(t, r.Register(models.DAERegistration{}))
	})
}

func TestUnregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))
	assert.True(t, r.Unregister("worker-a"))
	_, ok := r.Get("worker-a")
	assert.False(t, ok)
	assert.False(t, r.Unregister("worker-a"))
}

func TestSetState(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec := &capture{}
	r.Subscribe(rec)
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))

	t.Run("unknown id", func(t *testing.T) {
		assert.False(t, r.SetState("nope", models.StateRunning, "x"))
	})

	t.Run("transition emits old and new", func(t *testing.T) {
		require.True(t, r.SetState("worker-a", models.StateRunning, "started"))
		last := rec.events[len(rec.events)-1]
		assert.Equal(t, models.EventStateChanged, last.EventType)
		assert.Equal(t, string(models.StateRegistered), last.Payload["old_state"])
		assert.Equal(t, string(models.StateRunning), last.Payload["new_state"])
		assert.Equal(t, "started", last.Payload["reason"])
	})

	t.Run("same-state transition still emits", func(t *testing.T) {
		before := len(rec.events)
		require.True(t, r.SetState("worker-a", models.StateRunning, "again"))
		assert.Len(t, rec.events, before+1)
	})
}

func TestEnableDisable(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))

	t.Run("disable flips the flag only", func(t *testing.T) {
		require.True(t, r.Disable("worker-a"))
		got, _ := r.Get("worker-a")
		assert.False(t, got.Enabled)
		assert.Equal(t, models.StateRegistered, got.State)
	})

	t.Run("enable restores a detached worker to registered", func(t *testing.T) {
		require.True(t, r.SetState("worker-a", models.StateDetached, "killswitch"))
		require.True(t, r.Enable("worker-a"))
		got, _ := r.Get("worker-a")
		assert.True(t, got.Enabled)
		assert.Equal(t, models.StateRegistered, got.State)
	})

	t.Run("unknown ids are soft failures", func(t *testing.T) {
		assert.False(t, r.Enable("nope"))
		assert.False(t, r.Disable("nope"))
	})
}

func TestReportHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t)
	rec := &capture{}
	r.Subscribe(rec)
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))

	t.Run("updates last heartbeat and emits", func(t *testing.T) {
		require.True(t, r.ReportHeartbeat("worker-a", map[string]any{"queue_depth": 3}))
		got, _ := r.Get("worker-a")
		assert.False(t, got.LastHeartbeat.IsZero())
		last := rec.events[len(rec.events)-1]
		assert.Equal(t, models.EventHeartbeat, last.EventType)
	})

	t.Run("heals degraded back to running", func(t *testing.T) {
		require.True(t, r.SetState("worker-a", models.StateDegraded, "stale"))
		require.True(t, r.ReportHeartbeat("worker-a", nil))
		got, _ := r.Get("worker-a")
		assert.Equal(t, models.StateRunning, got.State)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.False(t, r.ReportHeartbeat("nope", nil))
	})
}

func TestCheckStaleHeartbeats(t *testing.T) {
	r, _ := newTestRegistry(t)
	current := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	reg := daetesting.NewTestRegistration(daetesting.RegistrationOpts{
		DAEID:             "worker-a",
		HeartbeatInterval: 10 * time.Second,
	})
	require.True(t, r.Register(reg))
	require.True(t, r.SetState("worker-a", models.StateRunning, "started"))

	t.Run("never-beaten workers are exempt", func(t *testing.T) {
		assert.Empty(t, r.CheckStaleHeartbeats())
	})

	require.True(t, r.ReportHeartbeat("worker-a", nil))

	t.Run("fresh heartbeat is not stale", func(t *testing.T) {
		current = current.Add(15 * time.Second)
		assert.Empty(t, r.CheckStaleHeartbeats())
	})

	t.Run("stale heartbeat degrades exactly once", func(t *testing.T) {
		current = current.Add(10 * time.Second) // 25s since heartbeat, > 2×10s
		stale := r.CheckStaleHeartbeats()
		assert.Equal(t, []string{"worker-a"}, stale)
		got, _ := r.Get("worker-a")
		assert.Equal(t, models.StateDegraded, got.State)

		// Already DEGRADED workers are not reported again.
		assert.Empty(t, r.CheckStaleHeartbeats())
	})

	t.Run("heartbeat heals and resets staleness", func(t *testing.T) {
		require.True(t, r.ReportHeartbeat("worker-a", nil))
		got, _ := r.Get("worker-a")
		assert.Equal(t, models.StateRunning, got.State)
		assert.Empty(t, r.CheckStaleHeartbeats())
	})
}

func TestReportEvent(t *testing.T) {
	r, store := newTestRegistry(t)
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))

	t.Run("unknown workers cannot report", func(t *testing.T) {
		assert.False(t, r.ReportEvent("nope", models.EventMessageIn, nil))
	})

	t.Run("events reach the store", func(t *testing.T) {
		require.True(t, r.ReportEvent("worker-a", models.EventMessageIn, map[string]any{"source": "api"}))
		events, err := store.Query(context.Background(), eventstore.QueryOptions{EventType: models.EventMessageIn})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "worker-a", events[0].ActorID)
	})
}

func TestListenerOrderingAndReentrancy(t *testing.T) {
	r, _ := newTestRegistry(t)

	var order []string
	r.Subscribe(ListenerFunc(func(ev models.DAEEvent) {
		order = append(order, "first:"+string(ev.EventType))
	}))
	// A listener may call back into the registry: the lock is released
	// before delivery.
	r.Subscribe(ListenerFunc(func(ev models.DAEEvent) {
		order = append(order, "second:"+string(ev.EventType))
		if ev.EventType == models.EventRegistered {
			_, _ = r.Get(ev.DAEID)
		}
	}))

	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))
	require.Equal(t, []string{"first:DAE_REGISTERED", "second:DAE_REGISTERED"}, order)
}

func TestListReturnsSnapshots(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{
		DAEID:    "worker-a",
		Metadata: map[string]string{"team": "sims"},
	})))
	require.True(t, r.Register(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-b"})))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "worker-a", list[0].DAEID)

	// Mutating the snapshot must not leak back into the registry.
	list[0].Metadata["team"] = "other"
	got, _ := r.Get("worker-a")
	assert.Equal(t, "sims", got.Metadata["team"])
}
