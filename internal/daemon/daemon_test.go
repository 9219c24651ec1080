package daemon

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daefleet/daefleet/internal/config"
	"github.com/daefleet/daefleet/internal/eventstore"
	"github.com/daefleet/daefleet/internal/models"
	daetesting "github.com/daefleet/daefleet/internal/testing"
)

func newTestDaemon(t *testing.T) (*Daemon, *daetesting.MockProcessController) {
	t.Helper()
	store, err := eventstore.Open(t.TempDir(), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.HealthInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Second
	proc := &daetesting.MockProcessController{}
	d := New(cfg, store, Options{
		ProcessController: proc,
		Alerter:           &daetesting.MockAlerter{},
		Logger:            log.New(io.Discard, "", 0),
	})
	return d, proc
}

func TestSupervisorLifecycle(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()

	reg := daetesting.NewTestRegistration(daetesting.RegistrationOpts{
		DAEID: "worker-a",
		PID:   4242,
	})
	reg.HeartbeatInterval = 0 // daemon applies its configured default

	require.True(t, d.RegisterDAE(reg))
	assert.False(t, d.RegisterDAE(reg), "duplicate id refused")

	got, ok := d.Registry().Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, got.HeartbeatInterval)

	require.True(t, d.SetState("worker-a", models.StateRunning, "worker started"))
	require.True(t, d.ReportHeartbeat("worker-a", map[string]any{"queue_depth": 0}))

	dash, err := d.GetDashboard(ctx)
	require.NoError(t, err)
	require.Len(t, dash.Workers, 1)
	assert.Equal(t, "worker-a", dash.Workers[0].DAEID)
	assert.Equal(t, string(models.StateRunning), dash.Workers[0].State)
	assert.True(t, dash.Workers[0].Enabled)
	assert.Greater(t, dash.Stats.TotalEvents, int64(0))

	require.True(t, d.UnregisterDAE("worker-a"))
	dash, err = d.GetDashboard(ctx)
	require.NoError(t, err)
	assert.Empty(t, dash.Workers)
}

func TestKillswitchDetachFlow(t *testing.T) {
	d, proc := newTestDaemon(t)
	ctx := context.Background()

	require.True(t, d.RegisterDAE(daetesting.NewTestRegistration(daetesting.RegistrationOpts{
		DAEID: "worker-a",
		PID:   4242,
	})))
	require.True(t, d.SetState("worker-a", models.StateRunning, "worker started"))
	stop := d.StopSignal("worker-a")

	// Three HIGH severity violations inside the window force a detach.
	for i, reason := range []string{"first", "second", "third"} {
		require.True(t, d.ReportEvent("worker-a", models.EventSecurityViolation, map[string]any{
			"severity": string(models.SeverityHigh),
			"reason":   reason,
		}), "violation %d", i+1)
	}

	got, ok := d.Registry().Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, models.StateDetached, got.State)
	assert.False(t, got.Enabled)
	assert.Equal(t, []int{4242}, proc.TerminatedPIDs())
	select {
	case <-stop:
	default:
		t.Fatal("stop signal not closed on detach")
	}

	t.Run("audit trail is written", func(t *testing.T) {
		triggers, err := d.Events(ctx, eventstore.QueryOptions{EventType: models.EventKillswitchTrigger})
		require.NoError(t, err)
		require.Len(t, triggers, 1)
		assert.Equal(t, "worker-a", triggers[0].DAEID)
		assert.Equal(t, string(models.SeverityHigh), triggers[0].Payload["severity"])

		detaches, err := d.Events(ctx, eventstore.QueryOptions{EventType: models.EventDetached})
		require.NoError(t, err)
		assert.Len(t, detaches, 1)
	})

	t.Run("dashboard reflects the detach", func(t *testing.T) {
		dash, err := d.GetDashboard(ctx)
		require.NoError(t, err)
		require.Len(t, dash.Workers, 1)
		assert.Equal(t, string(models.StateDetached), dash.Workers[0].State)
		assert.False(t, dash.Workers[0].Enabled)
		require.Len(t, dash.Reports, 1)
		assert.True(t, dash.Reports[0].PIDKillSuccess)
	})

	t.Run("operator re-enable returns to registered", func(t *testing.T) {
		require.True(t, d.EnableDAE("worker-a"))
		got, ok := d.Registry().Get("worker-a")
		require.True(t, ok)
		assert.Equal(t, models.StateRegistered, got.State)
		assert.True(t, got.Enabled)
	})
}

func TestCriticalViolationDetachesImmediately(t *testing.T) {
	d, proc := newTestDaemon(t)

	require.True(t, d.RegisterDAE(daetesting.NewTestRegistration(daetesting.RegistrationOpts{
		DAEID: "worker-a",
		PID:   7001,
	})))
	require.True(t, d.ReportEvent("worker-a", models.EventSecurityViolation, map[string]any{
		"severity": string(models.SeverityCritical),
		"reason":   "credential exfiltration",
	}))

	got, _ := d.Registry().Get("worker-a")
	assert.Equal(t, models.StateDetached, got.State)
	assert.Equal(t, []int{7001}, proc.TerminatedPIDs())
}

func TestHealthLoop(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()

	d.Start()
	d.Start() // second Start is a no-op

	require.Eventually(t, func() bool {
		events, err := d.Events(ctx, eventstore.QueryOptions{EventType: models.EventDaemonHeartbeat})
		return err == nil && len(events) > 0
	}, 2*time.Second, 20*time.Millisecond, "health loop never emitted a daemon heartbeat")

	d.Stop()
	d.Stop() // idempotent

	events, err := d.Events(ctx, eventstore.QueryOptions{EventType: models.EventDaemonHeartbeat})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.DaemonActorID, events[0].DAEID)
	assert.EqualValues(t, 0, events[0].Payload["registered_count"])
}

func TestStaleHeartbeatDegrade(t *testing.T) {
	d, _ := newTestDaemon(t)

	require.True(t, d.RegisterDAE(daetesting.NewTestRegistration(daetesting.RegistrationOpts{
		DAEID:             "worker-a",
		HeartbeatInterval: time.Millisecond,
	})))
	require.True(t, d.SetState("worker-a", models.StateRunning, "worker started"))
	require.True(t, d.ReportHeartbeat("worker-a", nil))

	// Let more than twice the interval elapse, then run one tick.
	time.Sleep(10 * time.Millisecond)
	d.healthTick(context.Background())

	got, _ := d.Registry().Get("worker-a")
	assert.Equal(t, models.StateDegraded, got.State)
}

func TestRunParityCheck(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.True(t, d.RegisterDAE(daetesting.NewTestRegistration(daetesting.RegistrationOpts{DAEID: "worker-a"})))

	ok, msg := d.RunParityCheck(context.Background())
	assert.True(t, ok)
	assert.Contains(t, msg, "parity ok")
}

func TestGetDashboardEmptyFleet(t *testing.T) {
	d, _ := newTestDaemon(t)
	dash, err := d.GetDashboard(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dash.Workers)
	assert.Empty(t, dash.Reports)
	assert.False(t, dash.GeneratedAt.IsZero())
}
