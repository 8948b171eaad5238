package transaction

import (
	"strings"
	"time"

	"github.com/exquy/txrecover/core"
)

// EvidenceMatcher decides whether free-text reason/context from history
// carries evidence of a particular outcome. The default matches on
// substrings; operators can swap it for a stricter rule.
type EvidenceMatcher func(text string, outcome core.TransactionStatus) bool

// DefaultEvidenceMatcher matches "complet" for Completed and "fail"/"error"
// for Failed, case-insensitive, mirroring the reason strings written by the
// service itself.
func DefaultEvidenceMatcher(text string, outcome core.TransactionStatus) bool {
	lower := strings.ToLower(text)
	switch outcome {
	case core.StatusCompleted:
		return strings.Contains(lower, "complet")
	case core.StatusFailed:
		return strings.Contains(lower, "fail") || strings.Contains(lower, "error")
	}
	return false
}

// legalTransitions is the automatic state machine. Manual overrides bypass it.
var legalTransitions = map[core.TransactionStatus][]core.TransactionStatus{
	core.StatusPending: {
		core.StatusProcessing, core.StatusCompleted, core.StatusFailed,
		core.StatusTimeout, core.StatusInconsistent,
	},
	core.StatusProcessing: {
		core.StatusCompleted, core.StatusFailed,
		core.StatusTimeout, core.StatusInconsistent,
	},
	core.StatusTimeout: {
		core.StatusPending, core.StatusCompleted, core.StatusFailed,
		core.StatusInconsistent, core.StatusPermanentlyFailed,
	},
	core.StatusInconsistent: {
		core.StatusPending, core.StatusCompleted, core.StatusFailed,
		core.StatusPermanentlyFailed,
	},
	// Terminal states have no outbound transitions.
	core.StatusCompleted:         {},
	core.StatusFailed:            {},
	core.StatusPermanentlyFailed: {},
}

// StateManager owns the transaction state machine: legal transitions,
// timeout rules, the reconciliation heuristic, and retry eligibility.
type StateManager struct {
	cfg      core.TransactionConfig
	clock    core.Clock
	logger   core.Logger
	Evidence EvidenceMatcher
}

// NewStateManager builds a state manager with the default evidence rule.
func NewStateManager(cfg core.TransactionConfig, clock core.Clock, logger core.Logger) *StateManager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &StateManager{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		Evidence: DefaultEvidenceMatcher,
	}
}

// CanTransition reports whether from → to is a legal automatic transition.
func (m *StateManager) CanTransition(from, to core.TransactionStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTimedOut applies the dwell rules: Pending measured from creation,
// Processing from the later of last attempt and creation.
func (m *StateManager) IsTimedOut(txn *core.Transaction) bool {
	now := m.clock.Now()
	switch txn.Status {
	case core.StatusPending:
		return now.Sub(txn.CreatedAt) > m.cfg.PendingTimeout
	case core.StatusProcessing:
		return now.Sub(txn.IdleSince()) > m.cfg.ProcessingTimeout
	}
	return false
}

// DetermineActualState reconciles the likely real outcome of a transaction
// from its row and history, in priority order.
func (m *StateManager) DetermineActualState(txn *core.Transaction, history []*core.TransactionHistory) core.TransactionStatus {
	if txn.Status.IsTerminal() {
		return txn.Status
	}
	if m.IsTimedOut(txn) {
		return core.StatusTimeout
	}
	if m.hasEvidence(history, core.StatusCompleted) {
		return core.StatusCompleted
	}
	if m.hasEvidence(history, core.StatusFailed) {
		return core.StatusFailed
	}
	if txn.Status == core.StatusInconsistent {
		return m.analyzeInconsistent(txn, history)
	}
	return txn.Status
}

// hasEvidence scans history for an entry whose recorded status or free-text
// reason/context indicates the outcome.
func (m *StateManager) hasEvidence(history []*core.TransactionHistory, outcome core.TransactionStatus) bool {
	for _, h := range history {
		if h.NewStatus == outcome {
			return true
		}
		if m.Evidence(h.Reason, outcome) || m.Evidence(h.Context, outcome) {
			return true
		}
	}
	return false
}

// analyzeInconsistent resolves an Inconsistent transaction from partial
// evidence on the row itself.
func (m *StateManager) analyzeInconsistent(txn *core.Transaction, history []*core.TransactionHistory) core.TransactionStatus {
	if len(txn.Response) > 0 {
		return core.StatusCompleted
	}
	if len(txn.ErrorDetails) > 0 {
		return core.StatusFailed
	}
	if txn.AttemptCount >= m.cfg.MaxAttempts {
		return core.StatusFailed
	}
	age := txn.Age(m.clock.Now())
	if age < time.Minute {
		return core.StatusPending
	}
	if age > 30*time.Minute {
		return core.StatusInconsistent
	}
	// Fall back to the last status observed before the inconsistency.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].NewStatus != core.StatusInconsistent {
			return history[i].NewStatus
		}
	}
	return core.StatusInconsistent
}

// ShouldRetry reports whether another automatic attempt is allowed.
func (m *StateManager) ShouldRetry(txn *core.Transaction) bool {
	if txn.Status.IsTerminal() {
		return false
	}
	if txn.AttemptCount >= m.cfg.MaxAttempts {
		return false
	}
	switch txn.Status {
	case core.StatusPending:
		return true
	case core.StatusProcessing:
		return m.IsTimedOut(txn)
	case core.StatusTimeout:
		return txn.Age(m.clock.Now()) < m.cfg.TimeoutRetryWindow
	case core.StatusInconsistent:
		// Inconsistent rows go through reconciliation, never blind retry.
		return false
	}
	return false
}
