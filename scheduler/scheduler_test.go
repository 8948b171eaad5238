package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/monitor"
)

type fakeDeliveries struct {
	mu          sync.Mutex
	retryLimits []int
	retryN      int
	retryErr    error
	hungN       int
	hungErr     error
	cleanN      int
}

func (f *fakeDeliveries) EnqueueDueRetries(ctx context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryLimits = append(f.retryLimits, limit)
	return f.retryN, f.retryErr
}

func (f *fakeDeliveries) SweepHung(ctx context.Context) (int, error) {
	return f.hungN, f.hungErr
}

func (f *fakeDeliveries) Cleanup(ctx context.Context) (int, error) {
	return f.cleanN, nil
}

type fakeRecovery struct {
	mu      sync.Mutex
	checks  int
	passes  int
	reports int
}

func (f *fakeRecovery) RunChecks(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return nil
}

func (f *fakeRecovery) ReconciliationPass(ctx context.Context) (*monitor.PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	return &monitor.PassResult{}, nil
}

func (f *fakeRecovery) WeeklyReport(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	return nil
}

type fakeAlerts struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeAlerts) SendCriticalErrorAlert(err error, details map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func testConfig() core.SchedulerConfig {
	return core.SchedulerConfig{
		RetrySweepCron:   "* * * * *",
		HangSweepCron:    "*/10 * * * *",
		CleanupCron:      "0 2 * * *",
		WeeklyReportCron: "0 0 * * 0",
	}
}

func newTestScheduler(deliveries *fakeDeliveries, recovery *fakeRecovery, alerts *fakeAlerts) *Scheduler {
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return New(deliveries, recovery, alerts, nil, clock, nil, testConfig(), time.Hour, 25)
}

func TestRunRecordsJobStatus(t *testing.T) {
	s := newTestScheduler(&fakeDeliveries{}, &fakeRecovery{}, &fakeAlerts{})
	j := s.register("probe")

	s.run(context.Background(), j, func(ctx context.Context) error { return nil })
	status := s.Status()["probe"]
	assert.Equal(t, int64(1), status.RunCount)
	assert.Equal(t, "ok", status.LastResult)
	assert.Empty(t, status.LastError)
	require.NotNil(t, status.LastRunAt)

	s.run(context.Background(), j, func(ctx context.Context) error {
		return errors.New("store unavailable")
	})
	status = s.Status()["probe"]
	assert.Equal(t, int64(2), status.RunCount)
	assert.Equal(t, "error", status.LastResult)
	assert.Equal(t, "store unavailable", status.LastError)
}

func TestRunSkipsWhenInFlight(t *testing.T) {
	s := newTestScheduler(&fakeDeliveries{}, &fakeRecovery{}, &fakeAlerts{})
	j := s.register("probe")
	j.running.Store(true)

	ran := false
	s.run(context.Background(), j, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran)

	status := s.Status()["probe"]
	assert.Equal(t, int64(0), status.RunCount)
	assert.Equal(t, int64(1), status.SkipCount)
	assert.Nil(t, status.LastRunAt)
}

func TestRunRecoversFromPanic(t *testing.T) {
	alerts := &fakeAlerts{}
	s := newTestScheduler(&fakeDeliveries{}, &fakeRecovery{}, alerts)
	j := s.register("probe")

	s.run(context.Background(), j, func(ctx context.Context) error {
		panic("nil deref")
	})

	status := s.Status()["probe"]
	assert.Equal(t, "error", status.LastResult)
	assert.Contains(t, status.LastError, "panic in job probe")

	require.Len(t, alerts.errs, 1)
	assert.Contains(t, alerts.errs[0].Error(), "nil deref")

	// The guard resets, so the next occurrence still runs.
	s.run(context.Background(), j, func(ctx context.Context) error { return nil })
	assert.Equal(t, "ok", s.Status()["probe"].LastResult)
}

func TestRetrySweepUsesConfiguredBatch(t *testing.T) {
	deliveries := &fakeDeliveries{retryN: 3}
	s := newTestScheduler(deliveries, &fakeRecovery{}, &fakeAlerts{})

	require.NoError(t, s.retrySweep(context.Background()))
	require.Len(t, deliveries.retryLimits, 1)
	assert.Equal(t, 25, deliveries.retryLimits[0])
}

func TestHangSweepRunsReconciliation(t *testing.T) {
	recovery := &fakeRecovery{}
	s := newTestScheduler(&fakeDeliveries{hungN: 2}, recovery, &fakeAlerts{})

	require.NoError(t, s.hangSweep(context.Background()))
	assert.Equal(t, 1, recovery.passes)
}

func TestHangSweepErrorShortCircuits(t *testing.T) {
	recovery := &fakeRecovery{}
	deliveries := &fakeDeliveries{hungErr: errors.New("store unavailable")}
	s := newTestScheduler(deliveries, recovery, &fakeAlerts{})

	err := s.hangSweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, recovery.passes)
}

func TestStartRejectsInvalidCron(t *testing.T) {
	s := newTestScheduler(&fakeDeliveries{}, &fakeRecovery{}, &fakeAlerts{})
	s.cfg.RetrySweepCron = "not a cron spec"

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry_sweep")
	s.Stop()
}

func TestStartAndStop(t *testing.T) {
	s := newTestScheduler(&fakeDeliveries{}, &fakeRecovery{}, &fakeAlerts{})

	require.NoError(t, s.Start(context.Background()))
	status := s.Status()
	for _, name := range []string{"retry_sweep", "hang_sweep", "cleanup", "weekly_report", "monitor_tick"} {
		_, ok := status[name]
		assert.True(t, ok, "job %s not registered", name)
	}
	s.Stop()
}
