package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exquy/txrecover/core"
)

func createdEvent(id uuid.UUID) *core.EventMessage {
	return &core.EventMessage{
		EventType:     core.EventTransactionCreated,
		TransactionID: &id,
	}
}

func TestConsumerDrivesTransactionToCompletion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.service.Process(ctx, basicRequest(id))
	require.NoError(t, err)

	consumer := NewConsumer(f.service, nil, nil)
	require.NoError(t, consumer.Handle(ctx, createdEvent(id)))

	txn, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, txn.Status)
	assert.Equal(t, "success", txn.Response["status"])
	assert.Equal(t, "TX-"+id.String()[:8], txn.Response["reference"])

	history, err := f.service.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, core.StatusProcessing, history[1].NewStatus)
	assert.Equal(t, "Processing started", history[1].Reason)
	assert.Equal(t, core.StatusCompleted, history[2].NewStatus)
}

func TestConsumerFailsTransactionOnProcessorError(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.service.Process(ctx, basicRequest(id))
	require.NoError(t, err)

	boom := errors.New("downstream rejected the operation")
	consumer := NewConsumer(f.service, ProcessorFunc(func(ctx context.Context, txn *core.Transaction) (core.JSONMap, error) {
		return nil, boom
	}), nil)
	require.NoError(t, consumer.Handle(ctx, createdEvent(id)))

	txn, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, txn.Status)
	assert.Equal(t, boom.Error(), txn.ErrorDetails["message"])
}

func TestConsumerIgnoresNonDrivingEvents(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.service.Process(ctx, basicRequest(id))
	require.NoError(t, err)

	consumer := NewConsumer(f.service, nil, nil)
	require.NoError(t, consumer.Handle(ctx, &core.EventMessage{
		EventType:     core.EventTransactionStatusChanged,
		TransactionID: &id,
	}))

	txn, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, txn.Status)
}

func TestConsumerSkipsRedeliveredEvents(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.service.Process(ctx, basicRequest(id))
	require.NoError(t, err)

	calls := 0
	consumer := NewConsumer(f.service, ProcessorFunc(func(ctx context.Context, txn *core.Transaction) (core.JSONMap, error) {
		calls++
		return core.JSONMap{"status": "success"}, nil
	}), nil)

	require.NoError(t, consumer.Handle(ctx, createdEvent(id)))
	require.NoError(t, consumer.Handle(ctx, createdEvent(id)))
	assert.Equal(t, 1, calls)

	// Unknown transactions are treated as already handled.
	unknown := uuid.New()
	require.NoError(t, consumer.Handle(ctx, createdEvent(unknown)))
	require.NoError(t, consumer.Handle(ctx, &core.EventMessage{EventType: core.EventTransactionCreated}))
}

func TestDefaultProcessorResponseShape(t *testing.T) {
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	p := DefaultProcessor(clock)
	id := uuid.New()

	resp, err := p.Process(context.Background(), &core.Transaction{ID: id})
	require.NoError(t, err)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, clock.Now(), resp["processed_at"])
	assert.Equal(t, "TX-"+id.String()[:8], resp["reference"])
}
