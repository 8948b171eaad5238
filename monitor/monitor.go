// Package monitor hosts the background recovery loops: timing out stalled
// work, reconciling problematic rows, scheduling automatic retries, and
// scanning for anomalies that need an operator.
package monitor

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/metrics"
	"github.com/exquy/txrecover/transaction"
)

// Alerter is the slice of the alert dispatcher the monitor needs.
type Alerter interface {
	SendTransactionAlert(txn *core.Transaction, anomalies []string, history []*core.TransactionHistory)
	SendSystemHealthAlert(systemMetrics map[string]interface{}, anomalyStats map[string]int)
	SendCriticalErrorAlert(err error, details map[string]interface{})
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Processed                  int `json:"processed"`
	Reconciled                 int `json:"reconciled"`
	ManualInterventionRequired int `json:"manual_intervention_required"`
}

// Monitor drives the periodic recovery checks. Each check carries its own
// in-flight guard so an overlapping tick skips work still running instead
// of stacking up.
type Monitor struct {
	service  *transaction.Service
	state    *transaction.StateManager
	detector *Detector
	store    core.Store
	bus      core.Publisher
	alerts   Alerter
	metrics  *metrics.Metrics
	ids      *core.IDGenerator
	clock    core.Clock
	logger   core.Logger
	cfg      core.TransactionConfig
	anomaly  core.AnomalyConfig
	topic    string

	checkRunning     atomic.Bool
	reconcileRunning atomic.Bool
}

func New(
	service *transaction.Service,
	state *transaction.StateManager,
	detector *Detector,
	store core.Store,
	bus core.Publisher,
	alerts Alerter,
	m *metrics.Metrics,
	ids *core.IDGenerator,
	clock core.Clock,
	logger core.Logger,
	cfg core.TransactionConfig,
	anomaly core.AnomalyConfig,
	topic string,
) *Monitor {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Monitor{
		service:  service,
		state:    state,
		detector: detector,
		store:    store,
		bus:      bus,
		alerts:   alerts,
		metrics:  m,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		anomaly:  anomaly,
		topic:    topic,
	}
}

// RunChecks executes one monitor tick: time out stalled Pending rows,
// resolve stalled Processing rows, retry eligible transient rows, and scan
// for anomalies. Returns immediately if the previous tick is still running.
func (m *Monitor) RunChecks(ctx context.Context) error {
	if !m.checkRunning.CompareAndSwap(false, true) {
		m.logger.Debug("Monitor tick skipped, previous run still in progress", nil)
		return nil
	}
	defer m.checkRunning.Store(false)

	start := m.clock.Now()
	var firstErr error
	record := func(name string, err error) {
		if err != nil {
			m.logger.Error("Monitor check failed", map[string]interface{}{
				"check": name,
				"error": err,
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	_, err := m.SweepPending(ctx)
	record("sweep_pending", err)
	_, err = m.SweepProcessing(ctx)
	record("sweep_processing", err)
	_, err = m.AutoRetry(ctx)
	record("auto_retry", err)
	_, err = m.ScanAnomalies(ctx)
	record("scan_anomalies", err)

	m.metrics.ObserveSweep("monitor_tick", m.clock.Now().Sub(start).Seconds())
	return firstErr
}

// SweepPending moves Pending rows older than the pending timeout to Timeout.
func (m *Monitor) SweepPending(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.cfg.PendingTimeout)
	stalled, err := m.store.Transactions().FindStalled(ctx, core.StatusPending, cutoff)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, txn := range stalled {
		if _, err := m.service.UpdateStatus(ctx, txn.ID, core.StatusTimeout,
			"Transaction timed out in PENDING state", transaction.ActorMonitor); err != nil {
			m.logger.Error("Failed to time out stalled transaction", map[string]interface{}{
				"transaction_id": txn.ID.String(),
				"error":          err,
			})
			continue
		}
		m.metrics.IncTransactionsTimedOut()
		moved++
	}
	if moved > 0 {
		m.logger.Info("Pending sweep timed out transactions", map[string]interface{}{
			"count": moved,
		})
	}
	return moved, nil
}

// SweepProcessing resolves Processing rows idle past the processing timeout.
// The actual state is determined from the row and its history; rows with no
// outcome evidence go to Timeout.
func (m *Monitor) SweepProcessing(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.cfg.ProcessingTimeout)
	stalled, err := m.store.Transactions().FindStalled(ctx, core.StatusProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, txn := range stalled {
		history, err := m.store.History().ListByTransaction(ctx, txn.ID)
		if err != nil {
			m.logger.Error("Failed to load history for stalled transaction", map[string]interface{}{
				"transaction_id": txn.ID.String(),
				"error":          err,
			})
			continue
		}
		determined := m.state.DetermineActualState(txn, history)
		if determined == txn.Status {
			continue
		}
		if _, err := m.service.UpdateStatus(ctx, txn.ID, determined,
			"Transaction timed out in PROCESSING state", transaction.ActorMonitor); err != nil {
			m.logger.Error("Failed to resolve stalled transaction", map[string]interface{}{
				"transaction_id": txn.ID.String(),
				"determined":     string(determined),
				"error":          err,
			})
			continue
		}
		if determined == core.StatusTimeout {
			m.metrics.IncTransactionsTimedOut()
		}
		moved++
	}
	return moved, nil
}

// AutoRetry re-dispatches Timeout rows that are still inside the retry
// window, plus Pending rows already past the pending timeout, as long as
// each is below the automatic retry budget.
func (m *Monitor) AutoRetry(ctx context.Context) (int, error) {
	rows, err := m.store.Transactions().FindByStatus(ctx, core.StatusTimeout)
	if err != nil {
		return 0, err
	}
	stalePending, err := m.store.Transactions().FindStalled(ctx, core.StatusPending,
		m.clock.Now().Add(-m.cfg.PendingTimeout))
	if err != nil {
		return 0, err
	}
	rows = append(rows, stalePending...)
	retried := 0
	for _, txn := range rows {
		if !m.state.ShouldRetry(txn) {
			continue
		}
		if txn.AttemptCount >= m.cfg.MaxAutoRetries {
			continue
		}
		if _, err := m.service.Retry(ctx, txn.ID); err != nil {
			m.logger.Error("Automatic retry failed", map[string]interface{}{
				"transaction_id": txn.ID.String(),
				"error":          err,
			})
			continue
		}
		retried++
	}
	if retried > 0 {
		m.logger.Info("Automatic retries dispatched", map[string]interface{}{
			"count": retried,
		})
	}
	return retried, nil
}

// ScanAnomalies runs the detectors, records metrics, and alerts. Each
// transaction that trips at least the alert threshold gets an individual
// alert; a system health alert is raised when the scan as a whole finds
// more anomalies than the threshold.
func (m *Monitor) ScanAnomalies(ctx context.Context) ([]*Report, error) {
	reports, err := m.detector.Scan(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, r := range reports {
		total += len(r.Anomalies)
		m.metrics.IncAnomaliesDetected()
		if m.alerts != nil && len(r.Anomalies) >= m.anomaly.AlertThreshold {
			m.alerts.SendTransactionAlert(r.Transaction, r.Anomalies, r.History)
		}
	}
	if m.alerts != nil && total > m.anomaly.AlertThreshold {
		sys, err := m.SystemMetrics(ctx)
		if err != nil {
			m.logger.Warn("System metrics unavailable for health alert", map[string]interface{}{
				"error": err,
			})
			sys = map[string]interface{}{}
		}
		m.alerts.SendSystemHealthAlert(sys, Statistics(reports))
	}
	return reports, nil
}

// ReconciliationPass reconciles every unreconciled problematic transaction.
// Rows still problematic afterwards are counted as needing manual
// intervention. Start and end of the pass are announced on the bus.
func (m *Monitor) ReconciliationPass(ctx context.Context) (*PassResult, error) {
	if !m.reconcileRunning.CompareAndSwap(false, true) {
		m.logger.Warn("Reconciliation pass skipped, previous pass still in progress", nil)
		return &PassResult{}, nil
	}
	defer m.reconcileRunning.Store(false)

	start := m.clock.Now()
	m.publishSystemEvent(ctx, core.EventSystemReconciliationStart, core.JSONMap{
		"started_at": start.Format(time.RFC3339),
	})

	rows, err := m.store.Transactions().FindUnreconciled(ctx)
	if err != nil {
		return nil, err
	}

	result := &PassResult{}
	for _, txn := range rows {
		result.Processed++
		res, err := m.service.Reconcile(ctx, txn.ID)
		if err != nil {
			m.logger.Error("Reconciliation failed for transaction", map[string]interface{}{
				"transaction_id": txn.ID.String(),
				"error":          err,
			})
			result.ManualInterventionRequired++
			continue
		}
		if res.Changed {
			result.Reconciled++
			m.metrics.IncReconciliations()
		}
		if res.Transaction.Status.IsProblematic() {
			result.ManualInterventionRequired++
		}
	}

	m.publishSystemEvent(ctx, core.EventSystemReconciliationEnd, core.JSONMap{
		"started_at":                   start.Format(time.RFC3339),
		"finished_at":                  m.clock.Now().Format(time.RFC3339),
		"processed":                    result.Processed,
		"reconciled":                   result.Reconciled,
		"manual_intervention_required": result.ManualInterventionRequired,
	})
	m.metrics.ObserveSweep("reconciliation_pass", m.clock.Now().Sub(start).Seconds())

	m.logger.Info("Reconciliation pass finished", map[string]interface{}{
		"processed":           result.Processed,
		"reconciled":          result.Reconciled,
		"manual_intervention": result.ManualInterventionRequired,
	})
	return result, nil
}

// SystemMetrics snapshots transaction and delivery counts plus derived
// rates. Rates are percentages rounded to two decimals.
func (m *Monitor) SystemMetrics(ctx context.Context) (map[string]interface{}, error) {
	txnCounts, err := m.store.Transactions().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	deliveryCounts, err := m.store.Deliveries().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	var total, completed, failed, problematic int64
	byStatus := make(map[string]int64, len(txnCounts))
	for status, n := range txnCounts {
		byStatus[string(status)] = n
		total += n
		switch {
		case status == core.StatusCompleted:
			completed += n
		case status == core.StatusFailed || status == core.StatusPermanentlyFailed:
			failed += n
		case status.IsProblematic():
			problematic += n
		}
	}
	deliveriesByStatus := make(map[string]int64, len(deliveryCounts))
	for status, n := range deliveryCounts {
		deliveriesByStatus[string(status)] = n
	}

	return map[string]interface{}{
		"transactions_total":     total,
		"transactions_by_status": byStatus,
		"completion_rate":        rate(completed, total),
		"failure_rate":           rate(failed, total),
		"problematic_count":      problematic,
		"deliveries_by_status":   deliveriesByStatus,
		"collected_at":           m.clock.Now().Format(time.RFC3339),
	}, nil
}

// WeeklyReport aggregates the last week of delivery failures and the
// current system snapshot into a single operator alert.
func (m *Monitor) WeeklyReport(ctx context.Context) error {
	since := m.clock.Now().Add(-7 * 24 * time.Hour)
	failed, err := m.store.Deliveries().FindFailedSince(ctx, since)
	if err != nil {
		return err
	}

	byEvent := make(map[string]int)
	bySubscription := make(map[string]int)
	for _, d := range failed {
		byEvent["failed_event:"+string(d.EventType)]++
		if d.WebhookID != nil {
			bySubscription[d.WebhookID.String()]++
		}
	}

	sys, err := m.SystemMetrics(ctx)
	if err != nil {
		return err
	}
	sys["delivery_failures_last_week"] = len(failed)
	sys["failing_subscriptions"] = len(bySubscription)

	if m.alerts != nil {
		m.alerts.SendSystemHealthAlert(sys, byEvent)
	}
	m.logger.Info("Weekly delivery report generated", map[string]interface{}{
		"failed_deliveries":     len(failed),
		"failing_subscriptions": len(bySubscription),
	})
	return nil
}

func (m *Monitor) publishSystemEvent(ctx context.Context, eventType core.EventType, payload core.JSONMap) {
	if m.bus == nil {
		return
	}
	msg := &core.EventMessage{
		EventID:   m.newID(),
		EventType: eventType,
		Timestamp: m.clock.Now(),
		Payload:   payload,
	}
	if err := m.bus.Publish(ctx, m.topic, msg); err != nil {
		m.logger.Warn("Failed to publish system event", map[string]interface{}{
			"event_type": string(eventType),
			"error":      err,
		})
	}
}

func (m *Monitor) newID() uuid.UUID {
	if m.ids != nil {
		return m.ids.NewID()
	}
	return uuid.New()
}

func rate(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}
