// Package store provides the persistence layer: a Postgres implementation
// used in production and an in-memory implementation used by tests and
// local runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exquy/txrecover/core"
)

// pq error code for unique constraint violations.
const uniqueViolation = "23505"

// querier is the subset of sqlx.DB and sqlx.Tx the repositories use.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Postgres is the production Store backed by a Postgres connection pool.
type Postgres struct {
	db     *sqlx.DB
	clock  core.Clock
	logger core.Logger

	transactions  *pgTransactions
	history       *pgHistory
	subscriptions *pgSubscriptions
	deliveries    *pgDeliveries
	outbox        *pgOutbox
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, cfg core.DatabaseConfig, clock core.Clock, logger core.Logger) (*Postgres, error) {
	if cfg.URL == "" {
		return nil, &core.ServiceError{
			Op:      "store.open",
			Kind:    core.KindFatal,
			Message: "database url is not configured",
			Err:     core.ErrMissingConfiguration,
		}
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, &core.ServiceError{
			Op:      "store.open",
			Kind:    core.KindTransient,
			Message: "failed to connect to database",
			Err:     fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err),
		}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return NewPostgres(db, clock, logger), nil
}

// NewPostgres wraps an existing connection pool. Used by tests with sqlmock.
func NewPostgres(db *sqlx.DB, clock core.Clock, logger core.Logger) *Postgres {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Postgres{
		db:            db,
		clock:         clock,
		logger:        logger,
		transactions:  &pgTransactions{q: db},
		history:       &pgHistory{q: db},
		subscriptions: &pgSubscriptions{q: db},
		deliveries:    &pgDeliveries{q: db},
		outbox:        &pgOutbox{q: db},
	}
}

func (s *Postgres) Transactions() core.TransactionStore   { return s.transactions }
func (s *Postgres) History() core.HistoryStore            { return s.history }
func (s *Postgres) Subscriptions() core.SubscriptionStore { return s.subscriptions }
func (s *Postgres) Deliveries() core.DeliveryStore        { return s.deliveries }
func (s *Postgres) Outbox() core.OutboxStore              { return s.outbox }

// Ping verifies database connectivity for health checks.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// pgUnitOfWork binds the repositories to one open transaction.
type pgUnitOfWork struct {
	tx    *sqlx.Tx
	clock core.Clock
}

func (u *pgUnitOfWork) Transactions() core.TransactionStore { return &pgTransactions{q: u.tx} }
func (u *pgUnitOfWork) History() core.HistoryStore          { return &pgHistory{q: u.tx} }
func (u *pgUnitOfWork) Outbox() core.OutboxStore            { return &pgOutbox{q: u.tx} }

// WithinTx runs fn in one database transaction, committing on nil error.
func (s *Postgres) WithinTx(ctx context.Context, fn func(uow core.UnitOfWork) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("store.begin_tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&pgUnitOfWork{tx: tx, clock: s.clock}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Transaction rollback failed", map[string]interface{}{
				"error": rbErr,
			})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("store.commit", err)
	}
	return nil
}

// storeErr wraps a driver error as a transient store failure.
func storeErr(op string, err error) error {
	return &core.ServiceError{
		Op:      op,
		Kind:    core.KindTransient,
		Message: "database operation failed",
		Err:     fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err),
	}
}

// isUnique reports whether err is a Postgres unique constraint violation.
func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
