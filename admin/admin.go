// Package admin is the operator facade. It bundles the queries and manual
// interventions the administrative API exposes, without adding semantics of
// its own.
package admin

import (
	"context"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/monitor"
	"github.com/exquy/txrecover/scheduler"
	"github.com/exquy/txrecover/transaction"
	"github.com/exquy/txrecover/webhook"
)

// Service wires the operator-facing operations together.
type Service struct {
	transactions *transaction.Service
	engine       *webhook.Engine
	monitor      *monitor.Monitor
	detector     *monitor.Detector
	scheduler    *scheduler.Scheduler
	store        core.Store
	logger       core.Logger
}

func NewService(
	transactions *transaction.Service,
	engine *webhook.Engine,
	mon *monitor.Monitor,
	detector *monitor.Detector,
	sched *scheduler.Scheduler,
	store core.Store,
	logger core.Logger,
) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Service{
		transactions: transactions,
		engine:       engine,
		monitor:      mon,
		detector:     detector,
		scheduler:    sched,
		store:        store,
		logger:       logger,
	}
}

// Transaction returns one transaction with its full audit trail.
func (s *Service) Transaction(ctx context.Context, id uuid.UUID) (*core.Transaction, []*core.TransactionHistory, error) {
	txn, err := s.transactions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.transactions.History(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return txn, history, nil
}

// SearchTransactions lists transactions matching the query.
func (s *Service) SearchTransactions(ctx context.Context, q core.TransactionQuery) ([]*core.Transaction, error) {
	return s.store.Transactions().Search(ctx, q)
}

// Resolve forces a transaction into the given status with an operator note.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, target core.TransactionStatus, notes, adminUser string) (*core.Transaction, error) {
	s.logger.Info("Manual resolution requested", map[string]interface{}{
		"transaction_id": id.String(),
		"target_status":  string(target),
		"admin_user":     adminUser,
	})
	return s.transactions.ManuallyHandle(ctx, id, target, notes, adminUser)
}

// RunMonitor triggers one monitor tick outside the schedule.
func (s *Service) RunMonitor(ctx context.Context) error {
	return s.monitor.RunChecks(ctx)
}

// RunReconciliation triggers one reconciliation pass outside the schedule.
func (s *Service) RunReconciliation(ctx context.Context) (*monitor.PassResult, error) {
	return s.monitor.ReconciliationPass(ctx)
}

// DeliveriesByTransaction lists the delivery rows produced for a transaction.
func (s *Service) DeliveriesByTransaction(ctx context.Context, id uuid.UUID) ([]*core.WebhookDelivery, error) {
	return s.store.Deliveries().FindByTransaction(ctx, id)
}

// DeliveriesBySubscription lists recent delivery rows for a subscription.
func (s *Service) DeliveriesBySubscription(ctx context.Context, id uuid.UUID, limit int) ([]*core.WebhookDelivery, error) {
	return s.store.Deliveries().FindBySubscription(ctx, id, limit)
}

// RetryDelivery schedules a non-terminal delivery for an immediate attempt.
func (s *Service) RetryDelivery(ctx context.Context, id uuid.UUID) (*core.WebhookDelivery, error) {
	return s.engine.ManualRetry(ctx, id)
}

// SystemMetrics snapshots transaction and delivery statistics.
func (s *Service) SystemMetrics(ctx context.Context) (map[string]interface{}, error) {
	sys, err := s.monitor.SystemMetrics(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.engine.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	sys["delivery_statistics"] = stats
	return sys, nil
}

// Anomalies runs the detectors and returns the reports plus per-detector
// counts.
func (s *Service) Anomalies(ctx context.Context) ([]*monitor.Report, map[string]int, error) {
	reports, err := s.detector.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}
	return reports, monitor.Statistics(reports), nil
}

// SchedulerStatus reports the last run of every scheduled job.
func (s *Service) SchedulerStatus() map[string]scheduler.JobStatus {
	if s.scheduler == nil {
		return map[string]scheduler.JobStatus{}
	}
	return s.scheduler.Status()
}
