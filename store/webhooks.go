package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exquy/txrecover/core"
)

const subscriptionColumns = `id, origin_system, callback_url, events, security_token,
	is_active, max_retries, description, contact_email, created_at, updated_at,
	last_success_at, last_failure_at, success_count, failure_count, version`

// subscriptionRow maps the webhooks table; the events set is stored as a
// text array.
type subscriptionRow struct {
	core.WebhookSubscription
	EventsRaw pq.StringArray `db:"events"`
}

func (row *subscriptionRow) toModel() *core.WebhookSubscription {
	sub := row.WebhookSubscription
	sub.Events = make([]core.EventType, 0, len(row.EventsRaw))
	for _, e := range row.EventsRaw {
		sub.Events = append(sub.Events, core.EventType(e))
	}
	return &sub
}

func eventsArray(events []core.EventType) pq.StringArray {
	out := make(pq.StringArray, 0, len(events))
	for _, e := range events {
		out = append(out, string(e))
	}
	return out
}

type pgSubscriptions struct {
	q querier
}

func (r *pgSubscriptions) Insert(ctx context.Context, sub *core.WebhookSubscription) error {
	const query = `
		INSERT INTO webhooks (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := r.q.ExecContext(ctx, query,
		sub.ID, sub.OriginSystem, sub.CallbackURL, eventsArray(sub.Events),
		sub.SecurityToken, sub.IsActive, sub.MaxRetries, sub.Description,
		sub.ContactEmail, sub.CreatedAt, sub.UpdatedAt, sub.LastSuccessAt,
		sub.LastFailureAt, sub.SuccessCount, sub.FailureCount, sub.Version)
	if err != nil {
		if isUnique(err) {
			return &core.ServiceError{
				Op:   "store.subscriptions.insert",
				Kind: core.KindConflict,
				ID:   sub.ID.String(),
				Err:  core.ErrDuplicateSubscription,
			}
		}
		return storeErr("store.subscriptions.insert", err)
	}
	return nil
}

func (r *pgSubscriptions) Get(ctx context.Context, id uuid.UUID) (*core.WebhookSubscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM webhooks WHERE id = $1`
	var row subscriptionRow
	if err := r.q.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.ServiceError{
				Op:   "store.subscriptions.get",
				Kind: core.KindNotFound,
				ID:   id.String(),
				Err:  core.ErrSubscriptionNotFound,
			}
		}
		return nil, storeErr("store.subscriptions.get", err)
	}
	return row.toModel(), nil
}

func (r *pgSubscriptions) Update(ctx context.Context, sub *core.WebhookSubscription) error {
	const query = `
		UPDATE webhooks SET
			callback_url = $2,
			events = $3,
			security_token = $4,
			is_active = $5,
			max_retries = $6,
			description = $7,
			contact_email = $8,
			updated_at = $9,
			last_success_at = $10,
			last_failure_at = $11,
			success_count = $12,
			failure_count = $13,
			version = version + 1
		WHERE id = $1 AND version = $14`
	res, err := r.q.ExecContext(ctx, query,
		sub.ID, sub.CallbackURL, eventsArray(sub.Events), sub.SecurityToken,
		sub.IsActive, sub.MaxRetries, sub.Description, sub.ContactEmail,
		sub.UpdatedAt, sub.LastSuccessAt, sub.LastFailureAt,
		sub.SuccessCount, sub.FailureCount, sub.Version)
	if err != nil {
		if isUnique(err) {
			return &core.ServiceError{
				Op:   "store.subscriptions.update",
				Kind: core.KindConflict,
				ID:   sub.ID.String(),
				Err:  core.ErrDuplicateSubscription,
			}
		}
		return storeErr("store.subscriptions.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("store.subscriptions.update", err)
	}
	if affected == 0 {
		return &core.ServiceError{
			Op:   "store.subscriptions.update",
			Kind: core.KindNotFound,
			ID:   sub.ID.String(),
			Err:  core.ErrSubscriptionNotFound,
		}
	}
	sub.Version++
	return nil
}

func (r *pgSubscriptions) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return storeErr("store.subscriptions.delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("store.subscriptions.delete", err)
	}
	if affected == 0 {
		return &core.ServiceError{
			Op:   "store.subscriptions.delete",
			Kind: core.KindNotFound,
			ID:   id.String(),
			Err:  core.ErrSubscriptionNotFound,
		}
	}
	return nil
}

func (r *pgSubscriptions) List(ctx context.Context) ([]*core.WebhookSubscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM webhooks ORDER BY created_at ASC`
	return r.selectRows(ctx, query)
}

func (r *pgSubscriptions) FindByOrigin(ctx context.Context, origin string) ([]*core.WebhookSubscription, error) {
	const query = `SELECT ` + subscriptionColumns + `
		FROM webhooks WHERE origin_system = $1 ORDER BY created_at ASC`
	return r.selectRows(ctx, query, origin)
}

func (r *pgSubscriptions) FindActiveByEvent(ctx context.Context, eventType core.EventType, origin string) ([]*core.WebhookSubscription, error) {
	const query = `SELECT ` + subscriptionColumns + `
		FROM webhooks
		WHERE is_active AND origin_system = $1 AND $2 = ANY(events)
		ORDER BY created_at ASC`
	return r.selectRows(ctx, query, origin, string(eventType))
}

func (r *pgSubscriptions) FindByURL(ctx context.Context, callbackURL string) (*core.WebhookSubscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM webhooks WHERE callback_url = $1 LIMIT 1`
	var row subscriptionRow
	if err := r.q.GetContext(ctx, &row, query, callbackURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.ServiceError{
				Op:   "store.subscriptions.find_by_url",
				Kind: core.KindNotFound,
				Err:  core.ErrSubscriptionNotFound,
			}
		}
		return nil, storeErr("store.subscriptions.find_by_url", err)
	}
	return row.toModel(), nil
}

func (r *pgSubscriptions) selectRows(ctx context.Context, query string, args ...interface{}) ([]*core.WebhookSubscription, error) {
	var rows []subscriptionRow
	if err := r.q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("store.subscriptions.select", err)
	}
	subs := make([]*core.WebhookSubscription, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].toModel())
	}
	return subs, nil
}

const deliveryColumns = `id, webhook_id, transaction_id, event_type, delivery_status,
	payload, attempt_count, last_attempt_at, response_code, response_body,
	error_details, created_at, updated_at, is_acknowledged, acknowledged_at,
	acknowledgment_status, next_retry_at`

type pgDeliveries struct {
	q querier
}

// Insert is idempotent on the primary key so redelivered events never
// produce a second row.
func (r *pgDeliveries) Insert(ctx context.Context, d *core.WebhookDelivery) (bool, error) {
	const query = `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES (:id, :webhook_id, :transaction_id, :event_type, :delivery_status,
			:payload, :attempt_count, :last_attempt_at, :response_code,
			:response_body, :error_details, :created_at, :updated_at,
			:is_acknowledged, :acknowledged_at, :acknowledgment_status,
			:next_retry_at)
		ON CONFLICT (id) DO NOTHING`
	res, err := sqlx.NamedExecContext(ctx, r.q, query, d)
	if err != nil {
		return false, storeErr("store.deliveries.insert", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("store.deliveries.insert", err)
	}
	return affected > 0, nil
}

func (r *pgDeliveries) Get(ctx context.Context, id uuid.UUID) (*core.WebhookDelivery, error) {
	const query = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	var d core.WebhookDelivery
	if err := r.q.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.ServiceError{
				Op:   "store.deliveries.get",
				Kind: core.KindNotFound,
				ID:   id.String(),
				Err:  core.ErrDeliveryNotFound,
			}
		}
		return nil, storeErr("store.deliveries.get", err)
	}
	return &d, nil
}

func (r *pgDeliveries) Update(ctx context.Context, d *core.WebhookDelivery) error {
	const query = `
		UPDATE webhook_deliveries SET
			delivery_status = :delivery_status,
			payload = :payload,
			attempt_count = :attempt_count,
			last_attempt_at = :last_attempt_at,
			response_code = :response_code,
			response_body = :response_body,
			error_details = :error_details,
			updated_at = :updated_at,
			is_acknowledged = :is_acknowledged,
			acknowledged_at = :acknowledged_at,
			acknowledgment_status = :acknowledgment_status,
			next_retry_at = :next_retry_at
		WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, r.q, query, d)
	if err != nil {
		return storeErr("store.deliveries.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("store.deliveries.update", err)
	}
	if affected == 0 {
		return &core.ServiceError{
			Op:   "store.deliveries.update",
			Kind: core.KindNotFound,
			ID:   d.ID.String(),
			Err:  core.ErrDeliveryNotFound,
		}
	}
	return nil
}

// ClaimDueRetries flips due RetryScheduled rows to Pending in one statement.
// SKIP LOCKED keeps concurrent sweeps from claiming the same rows.
func (r *pgDeliveries) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*core.WebhookDelivery, error) {
	query := `
		WITH due AS (
			SELECT id FROM webhook_deliveries
			WHERE delivery_status = 'RETRY_SCHEDULED' AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_deliveries d
		SET delivery_status = 'PENDING', next_retry_at = NULL, updated_at = $1
		FROM due
		WHERE d.id = due.id
		RETURNING ` + prefixed("d", deliveryColumns)
	var rows []*core.WebhookDelivery
	if err := r.q.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, storeErr("store.deliveries.claim_due_retries", err)
	}
	return rows, nil
}

func (r *pgDeliveries) FindHung(ctx context.Context, cutoff time.Time) ([]*core.WebhookDelivery, error) {
	const query = `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE delivery_status = 'PROCESSING'
		  AND COALESCE(last_attempt_at, created_at) < $1
		ORDER BY last_attempt_at ASC`
	var rows []*core.WebhookDelivery
	if err := r.q.SelectContext(ctx, &rows, query, cutoff); err != nil {
		return nil, storeErr("store.deliveries.find_hung", err)
	}
	return rows, nil
}

func (r *pgDeliveries) FindByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*core.WebhookDelivery, error) {
	const query = `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries WHERE transaction_id = $1 ORDER BY created_at DESC`
	var rows []*core.WebhookDelivery
	if err := r.q.SelectContext(ctx, &rows, query, transactionID); err != nil {
		return nil, storeErr("store.deliveries.find_by_transaction", err)
	}
	return rows, nil
}

func (r *pgDeliveries) FindBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*core.WebhookDelivery, error) {
	const query = `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2`
	if limit <= 0 {
		limit = 100
	}
	var rows []*core.WebhookDelivery
	if err := r.q.SelectContext(ctx, &rows, query, subscriptionID, limit); err != nil {
		return nil, storeErr("store.deliveries.find_by_subscription", err)
	}
	return rows, nil
}

func (r *pgDeliveries) FindFailedSince(ctx context.Context, since time.Time) ([]*core.WebhookDelivery, error) {
	const query = `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE delivery_status IN ('FAILED', 'PERMANENTLY_FAILED', 'RETRY_SCHEDULED')
		  AND updated_at >= $1
		ORDER BY updated_at DESC`
	var rows []*core.WebhookDelivery
	if err := r.q.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, storeErr("store.deliveries.find_failed_since", err)
	}
	return rows, nil
}

// ArchiveTerminalOlderThan moves terminal rows into the archive table and
// deletes them from the live table in one statement.
func (r *pgDeliveries) ArchiveTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const query = `
		WITH moved AS (
			DELETE FROM webhook_deliveries
			WHERE id IN (
				SELECT id FROM webhook_deliveries
				WHERE delivery_status IN ('DELIVERED', 'PERMANENTLY_FAILED', 'CANCELED')
				  AND updated_at < $1
				ORDER BY updated_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		)
		INSERT INTO webhook_deliveries_archive SELECT * FROM moved`
	res, err := r.q.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, storeErr("store.deliveries.archive", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("store.deliveries.archive", err)
	}
	return int(affected), nil
}

func (r *pgDeliveries) CountByStatus(ctx context.Context) (map[core.DeliveryStatus]int64, error) {
	const query = `SELECT delivery_status, COUNT(*) AS n FROM webhook_deliveries GROUP BY delivery_status`
	var rows []struct {
		Status core.DeliveryStatus `db:"delivery_status"`
		N      int64               `db:"n"`
	}
	if err := r.q.SelectContext(ctx, &rows, query); err != nil {
		return nil, storeErr("store.deliveries.count_by_status", err)
	}
	counts := make(map[core.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

// prefixed qualifies every column in a comma-separated list with an alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
