// Package scheduler runs the periodic maintenance jobs on cron expressions
// and a fixed-interval monitor tick. Every job carries a panic guard and an
// in-flight guard so a slow run is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/metrics"
	"github.com/exquy/txrecover/monitor"
)

// DeliveryMaintainer is the slice of the webhook engine the scheduler drives.
type DeliveryMaintainer interface {
	EnqueueDueRetries(ctx context.Context, limit int) (int, error)
	SweepHung(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int, error)
}

// RecoveryRunner is the slice of the monitor the scheduler drives.
type RecoveryRunner interface {
	RunChecks(ctx context.Context) error
	ReconciliationPass(ctx context.Context) (*monitor.PassResult, error)
	WeeklyReport(ctx context.Context) error
}

// Alerter receives critical failures from job runs.
type Alerter interface {
	SendCriticalErrorAlert(err error, details map[string]interface{})
}

// JobStatus is the last observed run of one job, exposed to the admin API.
type JobStatus struct {
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	RunCount   int64      `json:"runCount"`
	SkipCount  int64      `json:"skipCount"`
	LastResult string     `json:"lastResult,omitempty"`
}

type job struct {
	name    string
	running atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns the cron runner and the monitor ticker.
type Scheduler struct {
	deliveries DeliveryMaintainer
	recovery   RecoveryRunner
	alerts     Alerter
	metrics    *metrics.Metrics
	clock      core.Clock
	logger     core.Logger
	cfg        core.SchedulerConfig
	tick       time.Duration
	retryBatch int

	cron   *cron.Cron
	jobs   map[string]*job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	deliveries DeliveryMaintainer,
	recovery RecoveryRunner,
	alerts Alerter,
	m *metrics.Metrics,
	clock core.Clock,
	logger core.Logger,
	cfg core.SchedulerConfig,
	monitorTick time.Duration,
	retryBatch int,
) *Scheduler {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if monitorTick <= 0 {
		monitorTick = time.Minute
	}
	if retryBatch <= 0 {
		retryBatch = 100
	}
	return &Scheduler{
		deliveries: deliveries,
		recovery:   recovery,
		alerts:     alerts,
		metrics:    m,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		tick:       monitorTick,
		retryBatch: retryBatch,
		cron:       cron.New(),
		jobs:       make(map[string]*job),
	}
}

// Start registers the jobs and launches the cron runner and monitor ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	schedule := func(name, spec string, fn func(context.Context) error) error {
		j := s.register(name)
		_, err := s.cron.AddFunc(spec, func() {
			s.run(ctx, j, fn)
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
		return nil
	}

	if err := schedule("retry_sweep", s.cfg.RetrySweepCron, s.retrySweep); err != nil {
		return err
	}
	if err := schedule("hang_sweep", s.cfg.HangSweepCron, s.hangSweep); err != nil {
		return err
	}
	if err := schedule("cleanup", s.cfg.CleanupCron, s.cleanup); err != nil {
		return err
	}
	if err := schedule("weekly_report", s.cfg.WeeklyReportCron, s.recovery.WeeklyReport); err != nil {
		return err
	}

	monitorJob := s.register("monitor_tick")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, monitorJob, s.recovery.RunChecks)
			}
		}
	}()

	s.cron.Start()
	s.logger.Info("Scheduler started", map[string]interface{}{
		"retry_sweep":   s.cfg.RetrySweepCron,
		"hang_sweep":    s.cfg.HangSweepCron,
		"cleanup":       s.cfg.CleanupCron,
		"weekly_report": s.cfg.WeeklyReportCron,
		"monitor_tick":  s.tick.String(),
	})
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
}

// Status reports every job's last run for the admin API.
func (s *Scheduler) Status() map[string]JobStatus {
	out := make(map[string]JobStatus, len(s.jobs))
	for name, j := range s.jobs {
		j.mu.Lock()
		out[name] = j.status
		j.mu.Unlock()
	}
	return out
}

func (s *Scheduler) register(name string) *job {
	j := &job{name: name}
	s.jobs[name] = j
	return j
}

// run executes one job occurrence. A panic is reported as a critical alert
// and the scheduler keeps going.
func (s *Scheduler) run(ctx context.Context, j *job, fn func(context.Context) error) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.status.SkipCount++
		j.mu.Unlock()
		s.logger.Warn("Scheduled job skipped, previous run still in progress", map[string]interface{}{
			"job": j.name,
		})
		return
	}
	defer j.running.Store(false)

	start := s.clock.Now()
	var runErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("panic in job %s: %v", j.name, p)
				s.logger.Error("Scheduled job panicked", map[string]interface{}{
					"job":   j.name,
					"panic": p,
				})
				if s.alerts != nil {
					s.alerts.SendCriticalErrorAlert(runErr, map[string]interface{}{
						"job": j.name,
					})
				}
			}
		}()
		runErr = fn(ctx)
	}()
	elapsed := s.clock.Now().Sub(start)
	s.metrics.ObserveSweep(j.name, elapsed.Seconds())

	now := s.clock.Now()
	j.mu.Lock()
	j.status.LastRunAt = &now
	j.status.RunCount++
	if runErr != nil {
		j.status.LastError = runErr.Error()
		j.status.LastResult = "error"
	} else {
		j.status.LastError = ""
		j.status.LastResult = "ok"
	}
	j.mu.Unlock()

	if runErr != nil {
		s.logger.Error("Scheduled job failed", map[string]interface{}{
			"job":      j.name,
			"duration": elapsed.String(),
			"error":    runErr,
		})
	}
}

func (s *Scheduler) retrySweep(ctx context.Context) error {
	n, err := s.deliveries.EnqueueDueRetries(ctx, s.retryBatch)
	if n > 0 {
		s.logger.Info("Retry sweep dispatched deliveries", map[string]interface{}{
			"count": n,
		})
	}
	return err
}

func (s *Scheduler) hangSweep(ctx context.Context) error {
	n, err := s.deliveries.SweepHung(ctx)
	if n > 0 {
		s.logger.Info("Hang sweep resolved deliveries", map[string]interface{}{
			"count": n,
		})
	}
	if err != nil {
		return err
	}
	// Problematic transactions reconcile on the same cadence.
	_, err = s.recovery.ReconciliationPass(ctx)
	return err
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	n, err := s.deliveries.Cleanup(ctx)
	if n > 0 {
		s.logger.Info("Cleanup archived deliveries", map[string]interface{}{
			"count": n,
		})
	}
	return err
}
