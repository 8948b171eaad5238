package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/store"
)

type rawCapture struct {
	keys     []string
	messages [][]byte
	failOn   int
}

func (p *rawCapture) PublishRaw(ctx context.Context, topic, key string, data []byte) error {
	if p.failOn > 0 && len(p.messages)+1 == p.failOn {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.messages = append(p.messages, data)
	return nil
}

func enqueueEntries(t *testing.T, outbox core.OutboxStore, clock core.Clock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, outbox.Enqueue(context.Background(), &core.OutboxEntry{
			Topic:        "transaction-events",
			PartitionKey: "txn-1",
			Message:      []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt:    clock.Now(),
		}))
	}
}

func TestDrainPublishesInInsertionOrder(t *testing.T) {
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	outbox := store.NewMemory().Outbox()
	publisher := &rawCapture{}
	relay := NewRelay(outbox, publisher, clock, nil, 0)

	enqueueEntries(t, outbox, clock, 3)
	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, publisher.messages, 3)
	for i, msg := range publisher.messages {
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg))
	}

	// Published entries are marked and never drained twice.
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, publisher.messages, 3)
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	outbox := store.NewMemory().Outbox()
	publisher := &rawCapture{failOn: 2}
	relay := NewRelay(outbox, publisher, clock, nil, 0)

	enqueueEntries(t, outbox, clock, 3)
	n, err := relay.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	// The failed entry and everything after it stay queued in order.
	publisher.failOn = 0
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, publisher.messages, 3)
	assert.Equal(t, `{"seq":1}`, string(publisher.messages[1]))
}

func TestRelayPrunesPublishedEntries(t *testing.T) {
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	outbox := mem.Outbox()
	publisher := &rawCapture{}
	relay := NewRelay(outbox, publisher, clock, nil, 0)

	enqueueEntries(t, outbox, clock, 2)
	_, err := relay.Drain(context.Background())
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	relay.prune(context.Background())

	entries, err := outbox.FetchUnpublished(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	removed, err := outbox.DeletePublishedBefore(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
