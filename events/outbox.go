package events

import (
	"context"
	"time"

	"github.com/exquy/txrecover/core"
)

// RawPublisher is the send side the relay needs: pre-serialized bytes keyed
// for partitioning.
type RawPublisher interface {
	PublishRaw(ctx context.Context, topic, key string, data []byte) error
}

// Relay drains the event outbox onto the bus. Services enqueue events in
// the same database transaction as the state change that produced them;
// the relay publishes committed entries in insertion order and marks them
// published. A crash between publish and mark causes redelivery, which
// consumers tolerate.
type Relay struct {
	outbox    core.OutboxStore
	publisher RawPublisher
	clock     core.Clock
	logger    core.Logger

	interval  time.Duration
	batchSize int
	retention time.Duration
}

// NewRelay builds an outbox relay polling at the given interval.
func NewRelay(outbox core.OutboxStore, publisher RawPublisher, clock core.Clock, logger core.Logger, interval time.Duration) *Relay {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
		retention: 24 * time.Hour,
	}
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			r.prune(ctx)
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Outbox drain failed", map[string]interface{}{
					"error": err,
				})
			}
		}
	}
}

// Drain publishes one batch of unpublished entries and reports how many
// went out. Publication stops at the first failure so ordering per subject
// is preserved.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	entries, err := r.outbox.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, entry := range entries {
		if err := r.publisher.PublishRaw(ctx, entry.Topic, entry.PartitionKey, entry.Message); err != nil {
			return published, err
		}
		if err := r.outbox.MarkPublished(ctx, entry.ID, r.clock.Now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (r *Relay) prune(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.retention)
	n, err := r.outbox.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("Outbox prune failed", map[string]interface{}{"error": err})
		return
	}
	if n > 0 {
		r.logger.Debug("Outbox pruned", map[string]interface{}{"removed": n})
	}
}
