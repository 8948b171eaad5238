package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/exquy/txrecover/core"
)

// Anomaly detector names. These appear in alerts and in the admin API, so
// they are stable identifiers rather than free-form text.
const (
	AnomalyLongPending           = "long_pending"
	AnomalyLongProcessing        = "long_processing"
	AnomalyExcessiveRetries      = "excessive_retries"
	AnomalyExcessiveStateChanges = "excessive_state_changes"
	AnomalyOscillatingStates     = "oscillating_states"
	AnomalyMissingOutcomeData    = "missing_outcome_data"
	AnomalyUnreconciled          = "unreconciled_problematic"
)

// Report is the anomaly-scan result for one transaction.
type Report struct {
	Transaction *core.Transaction          `json:"transaction"`
	History     []*core.TransactionHistory `json:"-"`
	Anomalies   []string                   `json:"anomalies"`
}

// Detector inspects non-terminal and problematic transactions for patterns
// that suggest the row needs operator attention. Each check is independent;
// a transaction may trip several at once.
type Detector struct {
	store  core.Store
	clock  core.Clock
	logger core.Logger
	cfg    core.AnomalyConfig
}

func NewDetector(store core.Store, clock core.Clock, logger core.Logger, cfg core.AnomalyConfig) *Detector {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Detector{store: store, clock: clock, logger: logger, cfg: cfg}
}

// Inspect runs every detector against a single transaction.
func (d *Detector) Inspect(txn *core.Transaction, history []*core.TransactionHistory) []string {
	now := d.clock.Now()
	var hits []string

	if txn.Status == core.StatusPending && now.Sub(txn.CreatedAt) > d.cfg.PendingThreshold {
		hits = append(hits, AnomalyLongPending)
	}
	if txn.Status == core.StatusProcessing && now.Sub(txn.IdleSince()) > d.cfg.ProcessingThreshold {
		hits = append(hits, AnomalyLongProcessing)
	}
	if txn.AttemptCount >= d.cfg.RetryThreshold {
		hits = append(hits, AnomalyExcessiveRetries)
	}
	if len(history) >= d.cfg.StateChangeThreshold {
		hits = append(hits, AnomalyExcessiveStateChanges)
	}
	if d.oscillates(history) {
		hits = append(hits, AnomalyOscillatingStates)
	}
	if d.missingOutcomeData(txn) {
		hits = append(hits, AnomalyMissingOutcomeData)
	}
	if txn.Status.IsProblematic() && !txn.IsReconciled {
		hits = append(hits, AnomalyUnreconciled)
	}
	return hits
}

// oscillates reports whether any (from, to) pair repeats more often than
// the configured threshold, which indicates the row is flapping between
// two states rather than making progress.
func (d *Detector) oscillates(history []*core.TransactionHistory) bool {
	type edge struct {
		from core.TransactionStatus
		to   core.TransactionStatus
	}
	counts := make(map[edge]int)
	for _, h := range history {
		e := edge{from: h.PreviousStatus, to: h.NewStatus}
		counts[e]++
		if counts[e] > d.cfg.OscillationThreshold {
			return true
		}
	}
	return false
}

// missingOutcomeData flags terminal rows whose outcome payload was never
// recorded: a Completed row without a response, or a Failed row without
// error details.
func (d *Detector) missingOutcomeData(txn *core.Transaction) bool {
	switch txn.Status {
	case core.StatusCompleted:
		return len(txn.Response) == 0
	case core.StatusFailed, core.StatusPermanentlyFailed:
		return len(txn.ErrorDetails) == 0
	default:
		return false
	}
}

// Scan inspects every candidate transaction and returns the reports that
// tripped at least one detector, most severe first. Severity orders by
// detector count, then by most recently updated.
func (d *Detector) Scan(ctx context.Context) ([]*Report, error) {
	candidates, err := d.store.Transactions().FindNonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	problematic, err := d.store.Transactions().FindUnreconciled(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(candidates))
	for _, t := range candidates {
		seen[t.ID.String()] = true
	}
	for _, t := range problematic {
		if !seen[t.ID.String()] {
			seen[t.ID.String()] = true
			candidates = append(candidates, t)
		}
	}

	// Recently terminal rows are kept in scope so the missing-outcome-data
	// check can see them.
	since := d.clock.Now().Add(-24 * time.Hour)
	for _, status := range []core.TransactionStatus{core.StatusCompleted, core.StatusFailed} {
		recent, err := d.store.Transactions().Search(ctx, core.TransactionQuery{
			Status:       status,
			CreatedAfter: &since,
			Limit:        500,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range recent {
			if !seen[t.ID.String()] {
				seen[t.ID.String()] = true
				candidates = append(candidates, t)
			}
		}
	}

	var reports []*Report
	for _, txn := range candidates {
		history, err := d.store.History().ListByTransaction(ctx, txn.ID)
		if err != nil {
			d.logger.Warn("Anomaly scan skipping transaction, history unavailable", map[string]interface{}{
				"transaction_id": txn.ID.String(),
				"error":          err,
			})
			continue
		}
		if hits := d.Inspect(txn, history); len(hits) > 0 {
			reports = append(reports, &Report{Transaction: txn, History: history, Anomalies: hits})
		}
	}

	sort.SliceStable(reports, func(i, j int) bool {
		if len(reports[i].Anomalies) != len(reports[j].Anomalies) {
			return len(reports[i].Anomalies) > len(reports[j].Anomalies)
		}
		return reports[i].Transaction.UpdatedAt.After(reports[j].Transaction.UpdatedAt)
	})
	return reports, nil
}

// Statistics aggregates a scan into per-detector counts.
func Statistics(reports []*Report) map[string]int {
	stats := make(map[string]int)
	for _, r := range reports {
		for _, a := range r.Anomalies {
			stats[a]++
		}
	}
	return stats
}
