package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/internal/workpool"
	"github.com/exquy/txrecover/store"
)

// captureBus records published events instead of touching Redis.
type captureBus struct {
	mu     sync.Mutex
	events []*core.EventMessage
	topics []string
}

func (b *captureBus) Publish(ctx context.Context, topic string, msg *core.EventMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, msg)
	return nil
}

func (b *captureBus) published() []*core.EventMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*core.EventMessage(nil), b.events...)
}

type engineFixture struct {
	engine *Engine
	store  *store.Memory
	bus    *captureBus
	clock  *core.ManualClock
	ids    *core.IDGenerator
}

func testWebhookConfig() core.WebhookConfig {
	return core.WebhookConfig{
		MaxRetries:          3,
		BaseRetryDelay:      60 * time.Second,
		MaxRetryDelay:       time.Hour,
		ConnectTimeout:      time.Second,
		ReadTimeout:         2 * time.Second,
		AcquireTimeout:      time.Second,
		MaxTotalConns:       10,
		MaxConnsPerHost:     5,
		IdleConnTimeout:     time.Minute,
		KeepAlive:           30 * time.Second,
		SignatureAlgorithm:  "HmacSHA256",
		HangTimeout:         30 * time.Minute,
		CleanupMaxAge:       24 * time.Hour,
		CleanupBatchLimit:   100,
		ResponseBodyExcerpt: 4000,
	}
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	ids := core.NewIDGenerator(clock)
	security := testSecurity(t)
	cfg := testWebhookConfig()
	registry := NewRegistry(mem.Subscriptions(), security, ids, clock, nil, cfg.MaxRetries)
	client := NewClient(cfg, nil)
	bus := &captureBus{}
	engine := NewEngine(mem, registry, security, client, bus, ids, clock, nil,
		nil, cfg, "webhook-events", 2, 8)
	engine.jitter = func() float64 { return 0 }
	t.Cleanup(engine.Close)
	return &engineFixture{engine: engine, store: mem, bus: bus, clock: clock, ids: ids}
}

func (f *engineFixture) insertTransaction(t *testing.T, status core.TransactionStatus, webhookURL string) *core.Transaction {
	t.Helper()
	now := f.clock.Now()
	txn := &core.Transaction{
		ID:           uuid.New(),
		OriginSystem: "payments-api",
		Status:       status,
		Payload:      core.JSONMap{"amount": 100.50},
		AttemptCount: 1,
		WebhookURL:   webhookURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if status == core.StatusCompleted {
		txn.Response = core.JSONMap{"reference": "TX-42"}
		txn.CompletionAt = &now
	}
	if status == core.StatusFailed {
		txn.ErrorDetails = core.JSONMap{"message": "declined"}
		txn.CompletionAt = &now
	}
	require.NoError(t, f.store.Transactions().Insert(context.Background(), txn))
	return txn
}

func (f *engineFixture) insertSubscription(t *testing.T, url string, events ...core.EventType) *core.WebhookSubscription {
	t.Helper()
	now := f.clock.Now()
	sub := &core.WebhookSubscription{
		ID:            f.ids.NewID(),
		OriginSystem:  "payments-api",
		CallbackURL:   url,
		Events:        events,
		SecurityToken: "stored-signing-key",
		IsActive:      true,
		MaxRetries:    3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.store.Subscriptions().Insert(context.Background(), sub))
	return sub
}

func statusChangedEvent(txn *core.Transaction) *core.EventMessage {
	id := txn.ID
	return &core.EventMessage{
		EventID:       uuid.New(),
		EventType:     core.EventTransactionStatusChanged,
		TransactionID: &id,
		OriginSystem:  txn.OriginSystem,
		CurrentStatus: txn.Status,
	}
}

func TestFanOutCreatesDeliveriesPerTarget(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	txn := f.insertTransaction(t, core.StatusCompleted, "https://inline.example.com/hook")
	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)

	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))

	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.Equal(t, core.EventTransactionCompleted, d.EventType)
		assert.Equal(t, core.DeliveryPending, d.DeliveryStatus)
		assert.Equal(t, "COMPLETED", d.Payload["status"])
	}

	// One dispatch event per delivery, keyed by the delivery id.
	events := f.bus.published()
	require.Len(t, events, 2)
	seen := map[uuid.UUID]bool{}
	for _, e := range events {
		seen[e.EventID] = true
	}
	for _, d := range deliveries {
		assert.True(t, seen[d.ID])
	}
}

func TestFanOutDeduplicatesInlineURL(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	sub := f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, sub.CallbackURL)

	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))

	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	// The inline URL matched a registered subscription and reuses it.
	require.NotNil(t, deliveries[0].WebhookID)
	assert.Equal(t, sub.ID, *deliveries[0].WebhookID)
}

func TestFanOutPayloadFiltersByStatus(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.insertSubscription(t, "https://hooks.example.com/payments",
		core.EventTransactionCompleted, core.EventTransactionFailed)

	completed := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(completed)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, completed.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	snapshot := deliveries[0].Payload["transaction"].(core.JSONMap)
	assert.Contains(t, snapshot, "response")
	assert.NotContains(t, snapshot, "error_details")

	failed := f.insertTransaction(t, core.StatusFailed, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(failed)))
	deliveries, err = f.store.Deliveries().FindByTransaction(ctx, failed.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	snapshot = deliveries[0].Payload["transaction"].(core.JSONMap)
	assert.Contains(t, snapshot, "error_details")
	assert.NotContains(t, snapshot, "response")
}

func TestAttemptDeliversSignedPayload(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	security := testSecurity(t)

	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := f.insertSubscription(t, server.URL, core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))

	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, f.engine.Attempt(ctx, deliveries[0]))

	stored, err := f.store.Deliveries().Get(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryDelivered, stored.DeliveryStatus)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.ResponseCode)
	assert.Equal(t, http.StatusOK, *stored.ResponseCode)
	assert.Nil(t, stored.NextRetryAt)

	// The signature verifies against the subscription's signing key.
	sig := gotHeaders.Get(HeaderSignature)
	require.NotEmpty(t, sig)
	assert.True(t, security.VerifySignature(gotBody, sig, sub.SecurityToken))
	assert.Equal(t, stored.ID.String(), gotHeaders.Get(HeaderDeliveryID))
	assert.Equal(t, sub.ID.String(), gotHeaders.Get(HeaderWebhookID))
	assert.Equal(t, string(core.EventTransactionCompleted), gotHeaders.Get(HeaderEventType))
	_, _, err = ParseReplayHeader(gotHeaders.Get(HeaderTimestamp))
	assert.NoError(t, err)

	updatedSub, err := f.store.Subscriptions().Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updatedSub.SuccessCount)
}

func TestFailedDeliveryRetriesThenSucceeds(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := f.insertSubscription(t, server.URL, core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	require.NoError(t, f.engine.Attempt(ctx, delivery))
	stored, err := f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryRetryScheduled, stored.DeliveryStatus)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), *stored.NextRetryAt)

	// Before the due time nothing is claimed.
	n, err := f.engine.EnqueueDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(61 * time.Second)
	n, err = f.engine.EnqueueDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := f.bus.published()
	redispatch := events[len(events)-1]
	assert.Equal(t, delivery.ID, redispatch.EventID)

	require.NoError(t, f.engine.HandleDeliveryEvent(ctx, redispatch))
	stored, err = f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryDelivered, stored.DeliveryStatus)
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Nil(t, stored.NextRetryAt)

	updatedSub, err := f.store.Subscriptions().Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updatedSub.FailureCount)
	assert.Equal(t, int64(1), updatedSub.SuccessCount)
}

func TestDeliveryExhaustsRetries(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := f.insertSubscription(t, server.URL, core.EventTransactionCompleted)
	sub.MaxRetries = 2
	require.NoError(t, f.store.Subscriptions().Update(ctx, sub))

	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	require.NoError(t, f.engine.Attempt(ctx, delivery))
	stored, err := f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, core.DeliveryRetryScheduled, stored.DeliveryStatus)

	f.clock.Advance(2 * time.Minute)
	_, err = f.engine.EnqueueDueRetries(ctx, 10)
	require.NoError(t, err)
	stored, err = f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.Attempt(ctx, stored))

	stored, err = f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryPermanentlyFailed, stored.DeliveryStatus)
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Nil(t, stored.NextRetryAt)

	updatedSub, err := f.store.Subscriptions().Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updatedSub.FailureCount)
}

func TestAttemptTransportFailureSchedulesRetry(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	f.insertSubscription(t, url, core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Attempt(ctx, deliveries[0]))
	stored, err := f.store.Deliveries().Get(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryRetryScheduled, stored.DeliveryStatus)
	assert.Equal(t, "transport", stored.ErrorDetails["type"])
}

func TestAttemptSkipsInactiveSubscription(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	sub := f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)

	sub.IsActive = false
	require.NoError(t, f.store.Subscriptions().Update(ctx, sub))

	require.NoError(t, f.engine.Attempt(ctx, deliveries[0]))
	stored, err := f.store.Deliveries().Get(ctx, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryCanceled, stored.DeliveryStatus)
	assert.Zero(t, stored.AttemptCount)
}

func TestHandleDeliveryEventSkipsDoneWork(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Unknown delivery ids acknowledge without work.
	require.NoError(t, f.engine.HandleDeliveryEvent(ctx, &core.EventMessage{EventID: uuid.New()}))

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	delivery.DeliveryStatus = core.DeliveryDelivered
	require.NoError(t, f.store.Deliveries().Update(ctx, delivery))
	require.NoError(t, f.engine.HandleDeliveryEvent(ctx, &core.EventMessage{EventID: delivery.ID}))
	stored, err := f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.AttemptCount)
}

func TestHandleDeliveryEventParksWorkWhenPoolSaturated(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Swap in a pool with one busy worker and no queue.
	f.engine.pool.Close()
	f.engine.pool = workpool.New("webhook", 1, 0, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	f.engine.pool.Submit(func() {
		close(started)
		<-block
	})
	<-started

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	require.NoError(t, f.engine.HandleDeliveryEvent(ctx, &core.EventMessage{EventID: delivery.ID}))
	close(block)

	// No attempt ran; the row is parked for the next retry sweep.
	stored, err := f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryRetryScheduled, stored.DeliveryStatus)
	assert.Zero(t, stored.AttemptCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, f.clock.Now(), *stored.NextRetryAt)

	// The parked row is already due and gets claimed.
	n, err := f.engine.EnqueueDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryDelayBackoff(t *testing.T) {
	f := newEngineFixture(t)

	assert.Equal(t, 60*time.Second, f.engine.RetryDelay(0))
	assert.Equal(t, 60*time.Second, f.engine.RetryDelay(1))
	assert.Equal(t, 120*time.Second, f.engine.RetryDelay(2))
	assert.Equal(t, 480*time.Second, f.engine.RetryDelay(4))
	// Capped at the configured maximum.
	assert.Equal(t, time.Hour, f.engine.RetryDelay(7))
	assert.Equal(t, time.Hour, f.engine.RetryDelay(20))

	// Full jitter stretches the delay by 25%.
	f.engine.jitter = func() float64 { return 1 }
	assert.Equal(t, 75*time.Second, f.engine.RetryDelay(1))
}

func TestAcknowledge(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)

	acked, err := f.engine.Acknowledge(ctx, deliveries[0].ID, "RECEIVED")
	require.NoError(t, err)
	assert.True(t, acked.IsAcknowledged)
	assert.Equal(t, "RECEIVED", acked.AckStatus)
	require.NotNil(t, acked.AcknowledgedAt)

	_, err = f.engine.Acknowledge(ctx, uuid.New(), "RECEIVED")
	assert.ErrorIs(t, err, core.ErrDeliveryNotFound)
}

func TestManualRetry(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	retried, err := f.engine.ManualRetry(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryRetryScheduled, retried.DeliveryStatus)
	require.NotNil(t, retried.NextRetryAt)
	assert.Equal(t, f.clock.Now(), *retried.NextRetryAt)

	delivery.DeliveryStatus = core.DeliveryDelivered
	require.NoError(t, f.store.Deliveries().Update(ctx, delivery))
	_, err = f.engine.ManualRetry(ctx, delivery.ID)
	assert.ErrorIs(t, err, core.ErrDeliveryTerminal)
}

func TestSweepHung(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	attemptAt := f.clock.Now()
	delivery.BeginAttempt(attemptAt)
	require.NoError(t, f.store.Deliveries().Update(ctx, delivery))

	// Inside the hang window nothing is swept.
	f.clock.Advance(10 * time.Minute)
	n, err := f.engine.SweepHung(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Minute)
	n, err = f.engine.SweepHung(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryRetryScheduled, stored.DeliveryStatus)
	assert.Equal(t, "processing_timeout", stored.ErrorDetails["type"])
}

func TestCleanupArchivesTerminalDeliveries(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	txn := f.insertTransaction(t, core.StatusCompleted, "")
	require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	deliveries, err := f.store.Deliveries().FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	delivery := deliveries[0]

	delivery.DeliveryStatus = core.DeliveryDelivered
	require.NoError(t, f.store.Deliveries().Update(ctx, delivery))

	// Too fresh to archive.
	n, err := f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Deliveries().Get(ctx, delivery.ID)
	assert.ErrorIs(t, err, core.ErrDeliveryNotFound)
}

func TestSendTest(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := f.insertSubscription(t, server.URL, core.EventTest)
	delivery, err := f.engine.SendTest(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EventTest, delivery.EventType)

	stored, err := f.store.Deliveries().Get(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryDelivered, stored.DeliveryStatus)
}

func TestStatistics(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.insertSubscription(t, "https://hooks.example.com/payments", core.EventTransactionCompleted)
	for i := 0; i < 4; i++ {
		txn := f.insertTransaction(t, core.StatusCompleted, "")
		require.NoError(t, f.engine.FanOut(ctx, statusChangedEvent(txn)))
	}
	counts, err := f.store.Deliveries().CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), counts[core.DeliveryPending])

	// Mark one delivered so the success rate is 25%.
	txns, err := f.store.Transactions().FindByStatus(ctx, core.StatusCompleted)
	require.NoError(t, err)
	target, err := f.store.Deliveries().FindByTransaction(ctx, txns[0].ID)
	require.NoError(t, err)
	target[0].DeliveryStatus = core.DeliveryDelivered
	require.NoError(t, f.store.Deliveries().Update(ctx, target[0]))

	stats, err := f.engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, 25.0, stats.SuccessRate)
	assert.Equal(t, int64(3), stats.ByStatus[core.DeliveryPending])
}
