package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/internal/workpool"
	"github.com/exquy/txrecover/metrics"
)

// DeliveryStatistics summarizes the delivery table for operators.
type DeliveryStatistics struct {
	Total       int64                         `json:"total"`
	ByStatus    map[core.DeliveryStatus]int64 `json:"byStatus"`
	SuccessRate float64                       `json:"successRate"`
}

// Engine fans transaction events out to matching subscribers and drives
// each delivery's attempt stream: sign, POST, record, retry or dead-letter.
type Engine struct {
	store    core.Store
	registry *Registry
	security *SecurityService
	client   *Client
	bus      core.Publisher
	ids      *core.IDGenerator
	clock    core.Clock
	logger   core.Logger
	metrics  *metrics.Metrics
	cfg      core.WebhookConfig
	topic    string

	pool *workpool.Pool

	// jitter is swappable so retry-delay tests are deterministic.
	jitter func() float64
}

// NewEngine wires the delivery engine. The pool bounds concurrent attempts;
// a rejected attempt is persisted back to RetryScheduled and, as a last
// resort, runs on the caller's goroutine so work is never dropped.
func NewEngine(store core.Store, registry *Registry, security *SecurityService, client *Client,
	bus core.Publisher, ids *core.IDGenerator, clock core.Clock, logger core.Logger,
	m *metrics.Metrics, cfg core.WebhookConfig, topic string, poolWorkers, poolQueue int) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	e := &Engine{
		store:    store,
		registry: registry,
		security: security,
		client:   client,
		bus:      bus,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		topic:    topic,
		jitter:   rand.Float64,
	}
	e.pool = workpool.New("webhook", poolWorkers, poolQueue, nil)
	return e
}

// Close drains the attempt pool.
func (e *Engine) Close() {
	e.pool.Close()
}

// FanOut expands one transaction state change into deliveries: the
// transaction's inline webhook target first, then every matching active
// subscription, skipping a subscription that duplicates the inline URL.
func (e *Engine) FanOut(ctx context.Context, msg *core.EventMessage) error {
	if msg.TransactionID == nil {
		return nil
	}
	txn, err := e.store.Transactions().Get(ctx, *msg.TransactionID)
	if err != nil {
		return err
	}

	// Status-changed events are announced to subscribers under the
	// status-specific event type.
	eventType := msg.EventType
	if eventType == core.EventTransactionStatusChanged {
		eventType = core.EventTypeForStatus(msg.CurrentStatus)
	}

	seenURLs := map[string]bool{}
	var targets []*core.WebhookSubscription

	if txn.HasWebhook() {
		// An inline URL that matches a registered subscription reuses its
		// configuration; otherwise a transient inline target is synthesized.
		if sub, ferr := e.store.Subscriptions().FindByURL(ctx, txn.WebhookURL); ferr == nil {
			targets = append(targets, sub)
		} else if errors.Is(ferr, core.ErrSubscriptionNotFound) {
			targets = append(targets, e.inlineTarget(txn))
		} else {
			return ferr
		}
		seenURLs[txn.WebhookURL] = true
	}

	subs, err := e.registry.Resolve(ctx, eventType, txn.OriginSystem)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if seenURLs[sub.CallbackURL] {
			continue
		}
		seenURLs[sub.CallbackURL] = true
		targets = append(targets, sub)
	}

	for _, target := range targets {
		if err := e.createDelivery(ctx, txn, target, eventType, msg); err != nil {
			return err
		}
	}
	return nil
}

// inlineTarget synthesizes a one-shot subscription for a transaction's own
// webhook URL. It is never persisted; the delivery row carries no webhook id.
func (e *Engine) inlineTarget(txn *core.Transaction) *core.WebhookSubscription {
	return &core.WebhookSubscription{
		OriginSystem:  txn.OriginSystem,
		CallbackURL:   txn.WebhookURL,
		SecurityToken: txn.WebhookSecret,
		IsActive:      true,
		MaxRetries:    e.cfg.MaxRetries,
	}
}

// createDelivery persists the delivery row and enqueues its dispatch event
// keyed by subscription so attempts per subscriber stay ordered.
func (e *Engine) createDelivery(ctx context.Context, txn *core.Transaction, target *core.WebhookSubscription, eventType core.EventType, src *core.EventMessage) error {
	now := e.clock.Now()
	deliveryID := e.ids.NewID()
	payload := e.buildPayload(txn, eventType, now)

	delivery := &core.WebhookDelivery{
		ID:             deliveryID,
		EventType:      eventType,
		DeliveryStatus: core.DeliveryPending,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	txnID := txn.ID
	delivery.TransactionID = &txnID
	if target.ID != uuid.Nil {
		subID := target.ID
		delivery.WebhookID = &subID
	}

	inserted, err := e.store.Deliveries().Insert(ctx, delivery)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	event := &core.EventMessage{
		EventID:       deliveryID,
		EventType:     eventType,
		TransactionID: &txnID,
		OriginSystem:  txn.OriginSystem,
		CurrentStatus: txn.Status,
		Timestamp:     now,
		HighPriority:  src.HighPriority,
		WebhookID:     delivery.WebhookID,
	}
	if err := e.bus.Publish(ctx, e.topic, event); err != nil {
		// The row stays Pending; the hang/retry sweeps will not see it, so
		// surface the error and let the producer's redelivery retry fan-out.
		return err
	}
	return nil
}

// buildPayload renders the subscriber-facing body. The transaction snapshot
// is filtered by status: only Completed carries the response, only Failed
// carries error details.
func (e *Engine) buildPayload(txn *core.Transaction, eventType core.EventType, now time.Time) core.JSONMap {
	snapshot := core.JSONMap{
		"created_at":    txn.CreatedAt,
		"updated_at":    txn.UpdatedAt,
		"attempt_count": txn.AttemptCount,
	}
	if txn.CompletionAt != nil {
		snapshot["completed_at"] = *txn.CompletionAt
	}
	if txn.Status == core.StatusCompleted && len(txn.Response) > 0 {
		snapshot["response"] = txn.Response
	}
	if (txn.Status == core.StatusFailed || txn.Status == core.StatusPermanentlyFailed) && len(txn.ErrorDetails) > 0 {
		snapshot["error_details"] = txn.ErrorDetails
	}
	return core.JSONMap{
		"event_type":      string(eventType),
		"transaction_id":  txn.ID.String(),
		"origin_system":   txn.OriginSystem,
		"status":          string(txn.Status),
		"timestamp":       now,
		"transaction":     snapshot,
		"additional_data": core.JSONMap{},
	}
}

// HandleDeliveryEvent is the webhook-events consumer. The event id is the
// delivery's primary key, so redelivered events find the row and skip work
// already done. The attempt itself runs on the bounded pool; the handler
// waits for completion so the bus only acknowledges processed work.
func (e *Engine) HandleDeliveryEvent(ctx context.Context, msg *core.EventMessage) error {
	e.metrics.CountConsumed(e.topic)
	delivery, err := e.store.Deliveries().Get(ctx, msg.EventID)
	if err != nil {
		if errors.Is(err, core.ErrDeliveryNotFound) {
			// Fan-out persisted the row before publishing; a missing row
			// means it was archived. Nothing to do.
			e.logger.Warn("Delivery event without row, skipping", map[string]interface{}{
				"delivery_id": msg.EventID.String(),
			})
			return nil
		}
		return err
	}
	if delivery.DeliveryStatus != core.DeliveryPending {
		// Redelivered event for work already picked up.
		return nil
	}

	done := make(chan error, 1)
	attempt := func() { done <- e.Attempt(ctx, delivery) }
	if !e.pool.TrySubmit(attempt) {
		// Saturated pool: park the row for the retry sweep so the consumer
		// is not blocked for the attempt duration. Inline execution only
		// when the row cannot be persisted.
		now := e.clock.Now()
		delivery.ScheduleRetry(now)
		delivery.UpdatedAt = now
		if uerr := e.store.Deliveries().Update(ctx, delivery); uerr == nil {
			e.logger.Warn("Webhook pool saturated, delivery rescheduled", map[string]interface{}{
				"delivery_id": delivery.ID.String(),
			})
			return nil
		}
		e.logger.Warn("Webhook pool saturated, running attempt inline", map[string]interface{}{
			"delivery_id": delivery.ID.String(),
		})
		attempt()
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt runs one delivery attempt end to end.
func (e *Engine) Attempt(ctx context.Context, delivery *core.WebhookDelivery) error {
	target, err := e.resolveTarget(ctx, delivery)
	if err != nil {
		return err
	}
	if target == nil || !target.IsActive {
		e.logger.Info("Skipping delivery to inactive subscription", map[string]interface{}{
			"delivery_id": delivery.ID.String(),
		})
		delivery.DeliveryStatus = core.DeliveryCanceled
		delivery.UpdatedAt = e.clock.Now()
		return e.store.Deliveries().Update(ctx, delivery)
	}

	now := e.clock.Now()
	delivery.BeginAttempt(now)
	delivery.UpdatedAt = now
	if err := e.store.Deliveries().Update(ctx, delivery); err != nil {
		return err
	}
	e.metrics.IncDeliveriesAttempted()

	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		return fmt.Errorf("marshal delivery payload %s: %w", delivery.ID, err)
	}

	headers := map[string]string{
		HeaderSignature:  e.security.Sign(body, target.SecurityToken),
		HeaderDeliveryID: delivery.ID.String(),
		HeaderEventType:  string(delivery.EventType),
		HeaderTimestamp:  e.security.ReplayHeader(now),
	}
	if delivery.WebhookID != nil {
		headers[HeaderWebhookID] = delivery.WebhookID.String()
	}

	result, err := e.client.Post(ctx, target.CallbackURL, body, headers)
	if err != nil {
		return e.handleFailure(ctx, delivery, target, core.JSONMap{
			"message": err.Error(),
			"type":    "transport",
		})
	}
	if result.Success() {
		return e.handleSuccess(ctx, delivery, target, result)
	}
	delivery.RecordResponse(core.DeliveryFailed, result.StatusCode, result.Body)
	return e.handleFailure(ctx, delivery, target, core.JSONMap{
		"message": fmt.Sprintf("subscriber returned status %d", result.StatusCode),
		"type":    "http_status",
		"status":  result.StatusCode,
	})
}

func (e *Engine) handleSuccess(ctx context.Context, delivery *core.WebhookDelivery, target *core.WebhookSubscription, result *Result) error {
	now := e.clock.Now()
	delivery.RecordResponse(core.DeliveryDelivered, result.StatusCode, result.Body)
	delivery.UpdatedAt = now
	if err := e.store.Deliveries().Update(ctx, delivery); err != nil {
		return err
	}
	e.metrics.IncDeliveriesDelivered()

	if target.ID != uuid.Nil {
		target.RecordSuccess(now)
		target.UpdatedAt = now
		if err := e.store.Subscriptions().Update(ctx, target); err != nil {
			e.logger.Warn("Could not bump subscription success counters", map[string]interface{}{
				"subscription_id": target.ID.String(),
				"error":           err,
			})
		}
	}
	e.logger.Info("Webhook delivered", map[string]interface{}{
		"delivery_id": delivery.ID.String(),
		"status_code": result.StatusCode,
		"attempt":     delivery.AttemptCount,
	})
	return nil
}

// handleFailure applies the failure policy: exhausted deliveries dead-letter
// as PermanentlyFailed, everything else gets a jittered backoff retry.
func (e *Engine) handleFailure(ctx context.Context, delivery *core.WebhookDelivery, target *core.WebhookSubscription, details core.JSONMap) error {
	now := e.clock.Now()
	maxRetries := target.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	delivery.RecordError(core.DeliveryFailed, details)
	e.metrics.IncDeliveriesFailed()

	if delivery.AttemptCount >= maxRetries {
		delivery.DeliveryStatus = core.DeliveryPermanentlyFailed
		delivery.NextRetryAt = nil
		e.metrics.IncDeliveriesDeadLetter()
		e.logger.Error("Webhook delivery permanently failed", map[string]interface{}{
			"delivery_id": delivery.ID.String(),
			"attempts":    delivery.AttemptCount,
		})
	} else {
		delivery.ScheduleRetry(now.Add(e.RetryDelay(delivery.AttemptCount)))
		e.logger.Warn("Webhook delivery failed, retry scheduled", map[string]interface{}{
			"delivery_id":   delivery.ID.String(),
			"attempt":       delivery.AttemptCount,
			"next_retry_at": delivery.NextRetryAt,
		})
	}
	delivery.UpdatedAt = now
	if err := e.store.Deliveries().Update(ctx, delivery); err != nil {
		return err
	}

	if target.ID != uuid.Nil {
		target.RecordFailure(now)
		target.UpdatedAt = now
		if err := e.store.Subscriptions().Update(ctx, target); err != nil {
			e.logger.Warn("Could not bump subscription failure counters", map[string]interface{}{
				"subscription_id": target.ID.String(),
				"error":           err,
			})
		}
	}
	return nil
}

// RetryDelay computes the backoff before the next attempt:
// min(cap, 2^(attempt-1) * base) stretched by up to 25% jitter, rounded to
// whole seconds.
func (e *Engine) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := e.cfg.BaseRetryDelay.Seconds()
	capped := math.Min(e.cfg.MaxRetryDelay.Seconds(), math.Pow(2, float64(attempt-1))*base)
	jittered := capped * (1 + e.jitter()*0.25)
	return time.Duration(math.Round(jittered)) * time.Second
}

// resolveTarget loads the subscription for a delivery, or synthesizes the
// inline target for deliveries without one.
func (e *Engine) resolveTarget(ctx context.Context, delivery *core.WebhookDelivery) (*core.WebhookSubscription, error) {
	if delivery.WebhookID != nil {
		return e.store.Subscriptions().Get(ctx, *delivery.WebhookID)
	}
	if delivery.TransactionID == nil {
		return nil, nil
	}
	txn, err := e.store.Transactions().Get(ctx, *delivery.TransactionID)
	if err != nil {
		return nil, err
	}
	if !txn.HasWebhook() {
		return nil, nil
	}
	return e.inlineTarget(txn), nil
}

// EnqueueDueRetries claims deliveries whose retry time has arrived and puts
// their dispatch events back on the bus. Returns how many were enqueued.
func (e *Engine) EnqueueDueRetries(ctx context.Context, limit int) (int, error) {
	due, err := e.store.Deliveries().ClaimDueRetries(ctx, e.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, delivery := range due {
		event := &core.EventMessage{
			EventID:       delivery.ID,
			EventType:     delivery.EventType,
			TransactionID: delivery.TransactionID,
			Timestamp:     e.clock.Now(),
			WebhookID:     delivery.WebhookID,
			AttemptCount:  delivery.AttemptCount,
		}
		if err := e.bus.Publish(ctx, e.topic, event); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// SweepHung forces deliveries stuck in Processing past the hang timeout
// through the failure policy.
func (e *Engine) SweepHung(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-e.cfg.HangTimeout)
	hung, err := e.store.Deliveries().FindHung(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, delivery := range hung {
		target, terr := e.resolveTarget(ctx, delivery)
		if terr != nil || target == nil {
			target = &core.WebhookSubscription{MaxRetries: e.cfg.MaxRetries}
		}
		if err := e.handleFailure(ctx, delivery, target, core.JSONMap{
			"message": fmt.Sprintf("processing timeout after %s", e.cfg.HangTimeout),
			"type":    "processing_timeout",
		}); err != nil {
			return 0, err
		}
	}
	return len(hung), nil
}

// Cleanup archives terminal deliveries older than the configured max age.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-e.cfg.CleanupMaxAge)
	return e.store.Deliveries().ArchiveTerminalOlderThan(ctx, cutoff, e.cfg.CleanupBatchLimit)
}

// Acknowledge records a subscriber's acknowledgement callback.
func (e *Engine) Acknowledge(ctx context.Context, eventID uuid.UUID, status string) (*core.WebhookDelivery, error) {
	delivery, err := e.store.Deliveries().Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	delivery.MarkAcknowledged(status, now)
	delivery.UpdatedAt = now
	if err := e.store.Deliveries().Update(ctx, delivery); err != nil {
		return nil, err
	}
	return delivery, nil
}

// ManualRetry schedules an immediate retry for a non-terminal delivery.
func (e *Engine) ManualRetry(ctx context.Context, deliveryID uuid.UUID) (*core.WebhookDelivery, error) {
	delivery, err := e.store.Deliveries().Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.IsTerminal() {
		return nil, &core.ServiceError{
			Op:   "webhook.ManualRetry",
			Kind: core.KindValidation,
			ID:   deliveryID.String(),
			Err:  core.ErrDeliveryTerminal,
		}
	}
	now := e.clock.Now()
	delivery.ScheduleRetry(now)
	delivery.UpdatedAt = now
	if err := e.store.Deliveries().Update(ctx, delivery); err != nil {
		return nil, err
	}
	return delivery, nil
}

// SendTest posts a synchronous test event through the normal delivery path.
func (e *Engine) SendTest(ctx context.Context, subscriptionID uuid.UUID) (*core.WebhookDelivery, error) {
	sub, err := e.store.Subscriptions().Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	delivery := &core.WebhookDelivery{
		ID:             e.ids.NewID(),
		EventType:      core.EventTest,
		DeliveryStatus: core.DeliveryPending,
		Payload: core.JSONMap{
			"event":     "test",
			"timestamp": now,
			"webhookId": sub.ID.String(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	subID := sub.ID
	delivery.WebhookID = &subID
	if _, err := e.store.Deliveries().Insert(ctx, delivery); err != nil {
		return nil, err
	}
	if err := e.Attempt(ctx, delivery); err != nil {
		return nil, err
	}
	return delivery, nil
}

// Statistics summarizes the delivery table.
func (e *Engine) Statistics(ctx context.Context) (*DeliveryStatistics, error) {
	counts, err := e.store.Deliveries().CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &DeliveryStatistics{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	if stats.Total > 0 {
		rate := float64(counts[core.DeliveryDelivered]) / float64(stats.Total) * 100
		stats.SuccessRate = math.Round(rate*100) / 100
	}
	return stats, nil
}
