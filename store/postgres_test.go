package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exquy/txrecover/core"
)

func setupPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	clock := core.NewManualClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return NewPostgres(sqlxDB, clock, nil), mock
}

func TestPostgresGetNotFound(t *testing.T) {
	pg, mock := setupPostgres(t)
	id := uuid.New()

	mock.ExpectQuery("FROM transactions WHERE id =").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := pg.Transactions().Get(context.Background(), id)
	assert.ErrorIs(t, err, core.ErrTransactionNotFound)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertUniqueViolation(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505"})

	txn := &core.Transaction{ID: uuid.New(), OriginSystem: "payments-api", Status: core.StatusPending}
	err := pg.Transactions().Insert(context.Background(), txn)
	assert.ErrorIs(t, err, core.ErrIdempotencyConflict)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateVersionConflict(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectExec("UPDATE transactions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	txn := &core.Transaction{ID: uuid.New(), OriginSystem: "payments-api", Status: core.StatusPending, Version: 3}
	err := pg.Transactions().Update(context.Background(), txn)
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	// The in-memory version only moves on a successful update.
	assert.Equal(t, int64(3), txn.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateBumpsVersion(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectExec("UPDATE transactions SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	txn := &core.Transaction{ID: uuid.New(), OriginSystem: "payments-api", Status: core.StatusPending, Version: 3}
	require.NoError(t, pg.Transactions().Update(context.Background(), txn))
	assert.Equal(t, int64(4), txn.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransientErrorsAreWrapped(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectQuery("FROM transactions WHERE id =").
		WillReturnError(sql.ErrConnDone)

	_, err := pg.Transactions().Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithinTxCommitAndRollback(t *testing.T) {
	pg, mock := setupPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.WithinTx(ctx, func(uow core.UnitOfWork) error {
		return uow.Transactions().Insert(ctx, &core.Transaction{ID: uuid.New(), Status: core.StatusPending})
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = pg.WithinTx(ctx, func(uow core.UnitOfWork) error {
		return uow.Transactions().Insert(ctx, &core.Transaction{ID: uuid.New(), Status: core.StatusPending})
	})
	assert.ErrorIs(t, err, core.ErrIdempotencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeliveryInsertIdempotent(t *testing.T) {
	pg, mock := setupPostgres(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := pg.Deliveries().Insert(ctx, &core.WebhookDelivery{ID: uuid.New(), DeliveryStatus: core.DeliveryPending})
	require.NoError(t, err)
	assert.True(t, inserted)

	// ON CONFLICT DO NOTHING reports zero affected rows for a duplicate.
	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = pg.Deliveries().Insert(ctx, &core.WebhookDelivery{ID: uuid.New(), DeliveryStatus: core.DeliveryPending})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountByStatus(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
			AddRow("PENDING", 4).
			AddRow("COMPLETED", 10))

	counts, err := pg.Transactions().CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[core.StatusPending])
	assert.Equal(t, int64(10), counts[core.StatusCompleted])
	assert.NoError(t, mock.ExpectationsWereMet())
}
