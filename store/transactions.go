package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/exquy/txrecover/core"
)

const transactionColumns = `id, origin_system, status, payload, response, error_details,
	attempt_count, last_attempt_at, completion_at, webhook_url, webhook_security_token,
	created_at, updated_at, is_reconciled, notes, version`

type pgTransactions struct {
	q querier
}

func (r *pgTransactions) Insert(ctx context.Context, txn *core.Transaction) error {
	const query = `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (:id, :origin_system, :status, :payload, :response, :error_details,
			:attempt_count, :last_attempt_at, :completion_at, :webhook_url,
			:webhook_security_token, :created_at, :updated_at, :is_reconciled,
			:notes, :version)`
	if _, err := sqlx.NamedExecContext(ctx, r.q, query, txn); err != nil {
		if isUnique(err) {
			return &core.ServiceError{
				Op:   "store.transactions.insert",
				Kind: core.KindConflict,
				ID:   txn.ID.String(),
				Err:  core.ErrIdempotencyConflict,
			}
		}
		return storeErr("store.transactions.insert", err)
	}
	return nil
}

func (r *pgTransactions) Get(ctx context.Context, id uuid.UUID) (*core.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	var txn core.Transaction
	if err := r.q.GetContext(ctx, &txn, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.ServiceError{
				Op:   "store.transactions.get",
				Kind: core.KindNotFound,
				ID:   id.String(),
				Err:  core.ErrTransactionNotFound,
			}
		}
		return nil, storeErr("store.transactions.get", err)
	}
	return &txn, nil
}

// Update persists the row guarded by the optimistic-lock version. A stale
// version surfaces as a conflict so the caller can reload and retry.
func (r *pgTransactions) Update(ctx context.Context, txn *core.Transaction) error {
	const query = `
		UPDATE transactions SET
			origin_system = :origin_system,
			status = :status,
			payload = :payload,
			response = :response,
			error_details = :error_details,
			attempt_count = :attempt_count,
			last_attempt_at = :last_attempt_at,
			completion_at = :completion_at,
			webhook_url = :webhook_url,
			webhook_security_token = :webhook_security_token,
			updated_at = :updated_at,
			is_reconciled = :is_reconciled,
			notes = :notes,
			version = version + 1
		WHERE id = :id AND version = :version`
	res, err := sqlx.NamedExecContext(ctx, r.q, query, txn)
	if err != nil {
		return storeErr("store.transactions.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("store.transactions.update", err)
	}
	if affected == 0 {
		return &core.ServiceError{
			Op:      "store.transactions.update",
			Kind:    core.KindConflict,
			ID:      txn.ID.String(),
			Message: "row version changed concurrently",
			Err:     core.ErrInvalidTransition,
		}
	}
	txn.Version++
	return nil
}

func (r *pgTransactions) FindByStatus(ctx context.Context, status core.TransactionStatus) ([]*core.Transaction, error) {
	const query = `SELECT ` + transactionColumns + `
		FROM transactions WHERE status = $1 ORDER BY updated_at ASC`
	var rows []*core.Transaction
	if err := r.q.SelectContext(ctx, &rows, query, status); err != nil {
		return nil, storeErr("store.transactions.find_by_status", err)
	}
	return rows, nil
}

func (r *pgTransactions) FindStalled(ctx context.Context, status core.TransactionStatus, cutoff time.Time) ([]*core.Transaction, error) {
	// Pending rows measure dwell from creation; everything else from the
	// later of creation and last attempt.
	const query = `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1
		  AND CASE WHEN status = 'PENDING'
		       THEN created_at
		       ELSE GREATEST(created_at, COALESCE(last_attempt_at, created_at))
		      END < $2
		ORDER BY created_at ASC`
	var rows []*core.Transaction
	if err := r.q.SelectContext(ctx, &rows, query, status, cutoff); err != nil {
		return nil, storeErr("store.transactions.find_stalled", err)
	}
	return rows, nil
}

func (r *pgTransactions) FindNonTerminal(ctx context.Context) ([]*core.Transaction, error) {
	const query = `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'PERMANENTLY_FAILED')
		ORDER BY updated_at ASC`
	var rows []*core.Transaction
	if err := r.q.SelectContext(ctx, &rows, query); err != nil {
		return nil, storeErr("store.transactions.find_non_terminal", err)
	}
	return rows, nil
}

func (r *pgTransactions) FindUnreconciled(ctx context.Context) ([]*core.Transaction, error) {
	const query = `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status IN ('TIMEOUT', 'INCONSISTENT') AND NOT is_reconciled
		ORDER BY updated_at ASC`
	var rows []*core.Transaction
	if err := r.q.SelectContext(ctx, &rows, query); err != nil {
		return nil, storeErr("store.transactions.find_unreconciled", err)
	}
	return rows, nil
}

func (r *pgTransactions) Search(ctx context.Context, q core.TransactionQuery) ([]*core.Transaction, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`)
	if q.Status != "" {
		args = append(args, q.Status)
		sb.WriteString(` AND status = $` + strconv.Itoa(len(args)))
	}
	if q.OriginSystem != "" {
		args = append(args, q.OriginSystem)
		sb.WriteString(` AND origin_system = $` + strconv.Itoa(len(args)))
	}
	if q.CreatedAfter != nil {
		args = append(args, *q.CreatedAfter)
		sb.WriteString(` AND created_at >= $` + strconv.Itoa(len(args)))
	}
	if q.CreatedBefore != nil {
		args = append(args, *q.CreatedBefore)
		sb.WriteString(` AND created_at < $` + strconv.Itoa(len(args)))
	}
	sb.WriteString(` ORDER BY created_at DESC`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}
	var rows []*core.Transaction
	if err := r.q.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, storeErr("store.transactions.search", err)
	}
	return rows, nil
}

func (r *pgTransactions) CountByStatus(ctx context.Context) (map[core.TransactionStatus]int64, error) {
	const query = `SELECT status, COUNT(*) AS n FROM transactions GROUP BY status`
	var rows []struct {
		Status core.TransactionStatus `db:"status"`
		N      int64                  `db:"n"`
	}
	if err := r.q.SelectContext(ctx, &rows, query); err != nil {
		return nil, storeErr("store.transactions.count_by_status", err)
	}
	counts := make(map[core.TransactionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

type pgHistory struct {
	q querier
}

func (r *pgHistory) Append(ctx context.Context, entry *core.TransactionHistory) error {
	const query = `
		INSERT INTO transaction_history
			(transaction_id, previous_status, new_status, changed_at, reason,
			 changed_by, context, attempt_number, is_automatic)
		VALUES (:transaction_id, :previous_status, :new_status, :changed_at,
			:reason, :changed_by, :context, :attempt_number, :is_automatic)
		RETURNING id`
	rows, err := sqlx.NamedQueryContext(ctx, r.q, query, entry)
	if err != nil {
		return storeErr("store.history.append", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&entry.ID); err != nil {
			return storeErr("store.history.append", err)
		}
	}
	return rows.Err()
}

func (r *pgHistory) ListByTransaction(ctx context.Context, id uuid.UUID) ([]*core.TransactionHistory, error) {
	const query = `
		SELECT id, transaction_id, previous_status, new_status, changed_at,
		       reason, changed_by, context, attempt_number, is_automatic
		FROM transaction_history
		WHERE transaction_id = $1
		ORDER BY changed_at ASC, id ASC`
	var rows []*core.TransactionHistory
	if err := r.q.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, storeErr("store.history.list", err)
	}
	return rows, nil
}

func (r *pgHistory) CountByTransaction(ctx context.Context, id uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM transaction_history WHERE transaction_id = $1`
	var n int
	if err := r.q.GetContext(ctx, &n, query, id); err != nil {
		return 0, storeErr("store.history.count", err)
	}
	return n, nil
}
