package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
)

// Actor tags recorded in transaction history.
const (
	ActorSystem         = "SYSTEM"
	ActorRecovery       = "SYSTEM_RECOVERY"
	ActorReconciliation = "SYSTEM_RECONCILIATION"
	ActorMonitor        = "SYSTEM_MONITOR"
)

// ProcessRequest is a client submission. The ID is chosen by the caller and
// doubles as the idempotency key.
type ProcessRequest struct {
	ID            uuid.UUID    `json:"id"`
	OriginSystem  string       `json:"originSystem"`
	Payload       core.JSONMap `json:"payload"`
	WebhookURL    string       `json:"webhookUrl,omitempty"`
	WebhookSecret string       `json:"webhookSecret,omitempty"`
	Retry         bool         `json:"retry,omitempty"`
}

// Validate rejects malformed submissions before they touch the store.
func (r *ProcessRequest) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("transaction id is required: %w", core.ErrValidation)
	}
	if r.OriginSystem == "" {
		return fmt.Errorf("origin system is required: %w", core.ErrValidation)
	}
	return nil
}

// ProcessResult reports what Process did with a submission.
type ProcessResult struct {
	Transaction *core.Transaction
	// Created is true when a new row was inserted.
	Created bool
}

// ReconcileResult reports the outcome of one reconciliation.
type ReconcileResult struct {
	Transaction *core.Transaction
	Changed     bool
	From        core.TransactionStatus
	To          core.TransactionStatus
}

// Service drives the transaction lifecycle. Every mutating operation runs
// entity update, history insert, and event enqueue inside one store
// transaction; events reach the bus through the outbox relay.
type Service struct {
	store    core.Store
	state    *StateManager
	resolver *IdempotencyResolver
	ids      *core.IDGenerator
	clock    core.Clock
	logger   core.Logger
	cfg      core.TransactionConfig
	topic    string
}

// NewService wires a transaction service.
func NewService(store core.Store, state *StateManager, resolver *IdempotencyResolver,
	ids *core.IDGenerator, clock core.Clock, logger core.Logger,
	cfg core.TransactionConfig, topic string) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Service{
		store:    store,
		state:    state,
		resolver: resolver,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		topic:    topic,
	}
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*core.Transaction, error) {
	return s.store.Transactions().Get(ctx, id)
}

// History returns the transaction's audit trail in transition order.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*core.TransactionHistory, error) {
	if _, err := s.store.Transactions().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History().ListByTransaction(ctx, id)
}

// Process handles a submission. A fresh id creates a Pending row; a known
// id branches on the row's status: terminal rows return as-is, transient
// rows go through idempotency resolution (or Retry when flagged), and
// problematic rows are recovered.
func (s *Service) Process(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.Transactions().Get(ctx, req.ID)
	if err != nil {
		if errors.Is(err, core.ErrTransactionNotFound) {
			txn, cerr := s.create(ctx, req)
			if cerr != nil {
				return nil, cerr
			}
			return &ProcessResult{Transaction: txn, Created: true}, nil
		}
		return nil, err
	}

	switch {
	case existing.Status.IsTerminal():
		return &ProcessResult{Transaction: existing}, nil

	case existing.Status.IsProblematic():
		txn, rerr := s.Recover(ctx, req.ID)
		if rerr != nil {
			return nil, rerr
		}
		return &ProcessResult{Transaction: txn}, nil

	default: // Pending or Processing
		if req.Retry {
			txn, rerr := s.Retry(ctx, req.ID)
			if rerr != nil {
				return nil, rerr
			}
			return &ProcessResult{Transaction: txn}, nil
		}
		switch s.resolver.Classify(existing, req.OriginSystem, req.Payload) {
		case OutcomeConflict:
			return nil, &core.ServiceError{
				Op:      "transaction.Process",
				Kind:    core.KindConflict,
				ID:      existing.ID.String(),
				Message: fmt.Sprintf("identifier already used by a %s transaction with a different payload", existing.Status),
				Err:     core.ErrIdempotencyConflict,
			}
		default:
			return &ProcessResult{Transaction: existing}, nil
		}
	}
}

func (s *Service) create(ctx context.Context, req *ProcessRequest) (*core.Transaction, error) {
	now := s.clock.Now()
	txn := &core.Transaction{
		ID:            req.ID,
		OriginSystem:  req.OriginSystem,
		Status:        core.StatusPending,
		Payload:       req.Payload.Copy(),
		AttemptCount:  1,
		LastAttemptAt: &now,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Insert(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID: txn.ID,
			NewStatus:     core.StatusPending,
			ChangedAt:     now,
			Reason:        "Transaction created",
			ChangedBy:     ActorSystem,
			AttemptNumber: 1,
			IsAutomatic:   true,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionCreated, txn, "", nil, false)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction created", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"origin_system":  txn.OriginSystem,
	})
	return txn, nil
}

// Retry records another attempt. Exhausted transactions fail instead.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*core.Transaction, error) {
	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		return nil, &core.ServiceError{
			Op:   "transaction.Retry",
			Kind: core.KindValidation,
			ID:   id.String(),
			Err:  core.ErrTerminalState,
		}
	}
	if txn.AttemptCount >= s.cfg.MaxAttempts {
		return s.Fail(ctx, id, core.JSONMap{
			"reason":   "max_retries",
			"attempts": txn.AttemptCount,
		}, "Maximum retry attempts reached", ActorSystem)
	}

	now := s.clock.Now()
	txn.RecordAttempt(now)
	err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID:  txn.ID,
			PreviousStatus: txn.Status,
			NewStatus:      txn.Status,
			ChangedAt:      now,
			Reason:         "Retry attempt",
			ChangedBy:      ActorSystem,
			Context:        "SYSTEM_RETRY",
			AttemptNumber:  txn.AttemptCount,
			IsAutomatic:    true,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionRetry, txn, txn.Status, nil, false)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction retry recorded", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"attempt":        txn.AttemptCount,
	})
	return txn, nil
}

// Recover resets a problematic transaction to Pending for another pass.
func (s *Service) Recover(ctx context.Context, id uuid.UUID) (*core.Transaction, error) {
	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.Status.IsProblematic() {
		return txn, nil
	}

	now := s.clock.Now()
	previous := txn.Status
	txn.Status = core.StatusPending
	txn.RecordAttempt(now)

	err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID:  txn.ID,
			PreviousStatus: previous,
			NewStatus:      core.StatusPending,
			ChangedAt:      now,
			Reason:         "Recovery attempt from problematic state",
			ChangedBy:      ActorRecovery,
			AttemptNumber:  txn.AttemptCount,
			IsAutomatic:    true,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionRecovery, txn, previous, nil, true)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction recovered", map[string]interface{}{
		"transaction_id":  txn.ID.String(),
		"previous_status": string(previous),
	})
	return txn, nil
}

// UpdateStatus applies a legal automatic transition. Unchanged statuses are
// a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus core.TransactionStatus, reason, actor string) (*core.Transaction, error) {
	return s.updateStatus(ctx, id, newStatus, reason, actor, true, false)
}

func (s *Service) updateStatus(ctx context.Context, id uuid.UUID, newStatus core.TransactionStatus, reason, actor string, automatic, bypassCheck bool) (*core.Transaction, error) {
	if !newStatus.IsValid() {
		return nil, fmt.Errorf("unknown status %q: %w", newStatus, core.ErrValidation)
	}

	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status == newStatus {
		return txn, nil
	}
	if !bypassCheck && !s.state.CanTransition(txn.Status, newStatus) {
		return nil, &core.ServiceError{
			Op:      "transaction.UpdateStatus",
			Kind:    core.KindValidation,
			ID:      id.String(),
			Message: fmt.Sprintf("transition %s -> %s is not allowed", txn.Status, newStatus),
			Err:     core.ErrInvalidTransition,
		}
	}

	now := s.clock.Now()
	previous := txn.Status
	txn.Status = newStatus
	if newStatus.IsTerminal() && txn.CompletionAt == nil {
		txn.CompletionAt = &now
	}

	err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID:  txn.ID,
			PreviousStatus: previous,
			NewStatus:      newStatus,
			ChangedAt:      now,
			Reason:         reason,
			ChangedBy:      actor,
			AttemptNumber:  txn.AttemptCount,
			IsAutomatic:    automatic,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionStatusChanged, txn, previous, nil, newStatus.IsProblematic())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction status changed", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"from":           string(previous),
		"to":             string(newStatus),
		"reason":         reason,
		"changed_by":     actor,
	})
	return txn, nil
}

// Complete records the response payload and transitions to Completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, response core.JSONMap, actor string) (*core.Transaction, error) {
	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status == core.StatusCompleted {
		return txn, nil
	}
	if txn.Status.IsTerminal() {
		return nil, &core.ServiceError{
			Op:   "transaction.Complete",
			Kind: core.KindValidation,
			ID:   id.String(),
			Err:  core.ErrTerminalState,
		}
	}

	if !s.state.CanTransition(txn.Status, core.StatusCompleted) {
		return nil, &core.ServiceError{
			Op:      "transaction.Complete",
			Kind:    core.KindValidation,
			ID:      id.String(),
			Message: fmt.Sprintf("transition %s -> %s is not allowed", txn.Status, core.StatusCompleted),
			Err:     core.ErrInvalidTransition,
		}
	}
	if actor == "" {
		actor = ActorSystem
	}

	now := s.clock.Now()
	previous := txn.Status
	txn.Response = response.Copy()
	txn.CompletionAt = &now
	txn.Status = core.StatusCompleted

	err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID:  txn.ID,
			PreviousStatus: previous,
			NewStatus:      core.StatusCompleted,
			ChangedAt:      now,
			Reason:         "Transaction processed successfully",
			ChangedBy:      actor,
			AttemptNumber:  txn.AttemptCount,
			IsAutomatic:    true,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionStatusChanged, txn, previous, nil, false)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction completed", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"attempt":        txn.AttemptCount,
	})
	return txn, nil
}

// Fail records error details and transitions to Failed.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, errorDetails core.JSONMap, reason, actor string) (*core.Transaction, error) {
	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status == core.StatusFailed {
		return txn, nil
	}
	if txn.Status.IsTerminal() {
		return nil, &core.ServiceError{
			Op:   "transaction.Fail",
			Kind: core.KindValidation,
			ID:   id.String(),
			Err:  core.ErrTerminalState,
		}
	}

	if !s.state.CanTransition(txn.Status, core.StatusFailed) {
		return nil, &core.ServiceError{
			Op:      "transaction.Fail",
			Kind:    core.KindValidation,
			ID:      id.String(),
			Message: fmt.Sprintf("transition %s -> %s is not allowed", txn.Status, core.StatusFailed),
			Err:     core.ErrInvalidTransition,
		}
	}
	if actor == "" {
		actor = ActorSystem
	}
	if reason == "" {
		reason = "Transaction failed"
	}

	now := s.clock.Now()
	previous := txn.Status
	txn.ErrorDetails = errorDetails.Copy()
	txn.CompletionAt = &now
	txn.Status = core.StatusFailed

	err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID:  txn.ID,
			PreviousStatus: previous,
			NewStatus:      core.StatusFailed,
			ChangedAt:      now,
			Reason:         reason,
			ChangedBy:      actor,
			AttemptNumber:  txn.AttemptCount,
			IsAutomatic:    true,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionStatusChanged, txn, previous, nil, false)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("Transaction failed", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"reason":         reason,
		"attempt":        txn.AttemptCount,
	})
	return txn, nil
}

// Reconcile asks the state manager for the likely actual status and applies
// it when it differs from the recorded one. The reconciled flag is set
// either way so sweeps do not revisit the row.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (*ReconcileResult, error) {
	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History().ListByTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	determined := s.state.DetermineActualState(txn, history)
	result := &ReconcileResult{Transaction: txn, From: txn.Status, To: determined}
	if determined != txn.Status {
		updated, uerr := s.updateStatus(ctx, id, determined, "Automatic reconciliation", ActorReconciliation, true, false)
		if uerr != nil {
			return nil, uerr
		}
		txn = updated
		result.Transaction = updated
		result.Changed = true
	}

	if !txn.IsReconciled {
		txn.IsReconciled = true
		now := s.clock.Now()
		err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
			if err := uow.Transactions().Update(ctx, txn); err != nil {
				return err
			}
			return s.enqueueEvent(ctx, uow, core.EventTransactionReconciled, txn, result.From, core.JSONMap{
				"reconciled_at": now,
				"changed":       result.Changed,
			}, false)
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("Transaction reconciled", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"from":           string(result.From),
		"to":             string(result.To),
		"changed":        result.Changed,
	})
	return result, nil
}

// ManuallyHandle lets an operator force a transaction into a target status.
// The transition check is bypassed; the override is fully auditable through
// the non-automatic history entry.
func (s *Service) ManuallyHandle(ctx context.Context, id uuid.UUID, target core.TransactionStatus, notes, adminUser string) (*core.Transaction, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("unknown status %q: %w", target, core.ErrValidation)
	}
	if adminUser == "" {
		return nil, fmt.Errorf("admin user is required: %w", core.ErrValidation)
	}

	txn, err := s.store.Transactions().Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	previous := txn.Status
	txn.Status = target
	txn.Notes = notes
	if target.IsTerminal() && txn.CompletionAt == nil {
		txn.CompletionAt = &now
	}

	err = s.store.WithinTx(ctx, func(uow core.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, txn); err != nil {
			return err
		}
		if err := uow.History().Append(ctx, &core.TransactionHistory{
			TransactionID:  txn.ID,
			PreviousStatus: previous,
			NewStatus:      target,
			ChangedAt:      now,
			Reason:         "Manual resolution by administrator",
			ChangedBy:      adminUser,
			Context:        notes,
			AttemptNumber:  txn.AttemptCount,
			IsAutomatic:    false,
		}); err != nil {
			return err
		}
		return s.enqueueEvent(ctx, uow, core.EventTransactionManualResolution, txn, previous, core.JSONMap{
			"notes":      notes,
			"admin_user": adminUser,
		}, true)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction manually resolved", map[string]interface{}{
		"transaction_id": txn.ID.String(),
		"from":           string(previous),
		"to":             string(target),
		"admin_user":     adminUser,
	})
	return txn, nil
}

// enqueueEvent records an event in the outbox inside the current unit of
// work. The relay publishes it to the bus after commit.
func (s *Service) enqueueEvent(ctx context.Context, uow core.UnitOfWork, eventType core.EventType, txn *core.Transaction, previous core.TransactionStatus, payload core.JSONMap, highPriority bool) error {
	txnID := txn.ID
	msg := &core.EventMessage{
		EventID:        s.ids.NewID(),
		EventType:      eventType,
		TransactionID:  &txnID,
		OriginSystem:   txn.OriginSystem,
		CurrentStatus:  txn.Status,
		PreviousStatus: previous,
		Timestamp:      s.clock.Now(),
		Payload:        payload,
		HighPriority:   highPriority,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return uow.Outbox().Enqueue(ctx, &core.OutboxEntry{
		Topic:        s.topic,
		PartitionKey: msg.PartitionKey(),
		Message:      data,
		CreatedAt:    s.clock.Now(),
	})
}
