package store

import (
	"context"
	"time"

	"github.com/exquy/txrecover/core"
)

type pgOutbox struct {
	q querier
}

func (r *pgOutbox) Enqueue(ctx context.Context, entry *core.OutboxEntry) error {
	const query = `
		INSERT INTO event_outbox (topic, partition_key, message, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := r.q.GetContext(ctx, &entry.ID, query,
		entry.Topic, entry.PartitionKey, entry.Message, entry.CreatedAt); err != nil {
		return storeErr("store.outbox.enqueue", err)
	}
	return nil
}

func (r *pgOutbox) FetchUnpublished(ctx context.Context, limit int) ([]*core.OutboxEntry, error) {
	const query = `
		SELECT id, topic, partition_key, message, created_at, published_at
		FROM event_outbox
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT $1`
	var rows []*core.OutboxEntry
	if err := r.q.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, storeErr("store.outbox.fetch_unpublished", err)
	}
	return rows, nil
}

func (r *pgOutbox) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE event_outbox SET published_at = $2 WHERE id = $1`
	if _, err := r.q.ExecContext(ctx, query, id, at); err != nil {
		return storeErr("store.outbox.mark_published", err)
	}
	return nil
}

func (r *pgOutbox) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM event_outbox WHERE published_at IS NOT NULL AND published_at < $1`
	res, err := r.q.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, storeErr("store.outbox.prune", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("store.outbox.prune", err)
	}
	return int(affected), nil
}
