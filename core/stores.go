package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransactionQuery narrows a transaction search. Zero values mean "any".
type TransactionQuery struct {
	Status        TransactionStatus
	OriginSystem  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// TransactionStore owns the transactions table.
type TransactionStore interface {
	Insert(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// Update persists the row and bumps the optimistic-lock version.
	Update(ctx context.Context, txn *Transaction) error
	FindByStatus(ctx context.Context, status TransactionStatus) ([]*Transaction, error)
	// FindStalled returns rows in the given status whose reference instant
	// (created-at for Pending, the later of last-attempt-at and created-at
	// otherwise) is before cutoff.
	FindStalled(ctx context.Context, status TransactionStatus, cutoff time.Time) ([]*Transaction, error)
	FindNonTerminal(ctx context.Context) ([]*Transaction, error)
	// FindUnreconciled returns Timeout/Inconsistent rows not yet reconciled.
	FindUnreconciled(ctx context.Context) ([]*Transaction, error)
	Search(ctx context.Context, q TransactionQuery) ([]*Transaction, error)
	CountByStatus(ctx context.Context) (map[TransactionStatus]int64, error)
}

// HistoryStore owns the append-only transaction_history table.
type HistoryStore interface {
	Append(ctx context.Context, entry *TransactionHistory) error
	// ListByTransaction returns entries ordered by changed-at ascending.
	ListByTransaction(ctx context.Context, id uuid.UUID) ([]*TransactionHistory, error)
	CountByTransaction(ctx context.Context, id uuid.UUID) (int, error)
}

// SubscriptionStore owns the webhooks table. Insert maps a unique violation
// on (origin_system, callback_url) to ErrDuplicateSubscription.
type SubscriptionStore interface {
	Insert(ctx context.Context, sub *WebhookSubscription) error
	Get(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error)
	Update(ctx context.Context, sub *WebhookSubscription) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*WebhookSubscription, error)
	FindByOrigin(ctx context.Context, origin string) ([]*WebhookSubscription, error)
	// FindActiveByEvent returns active subscriptions whose event set contains
	// eventType and whose origin system matches origin.
	FindActiveByEvent(ctx context.Context, eventType EventType, origin string) ([]*WebhookSubscription, error)
	FindByURL(ctx context.Context, callbackURL string) (*WebhookSubscription, error)
}

// DeliveryStore owns the webhook_deliveries table.
type DeliveryStore interface {
	// Insert is idempotent on the delivery id: it reports false without
	// error when a row with the same id already exists.
	Insert(ctx context.Context, d *WebhookDelivery) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error)
	Update(ctx context.Context, d *WebhookDelivery) error
	// ClaimDueRetries atomically claims up to limit RetryScheduled rows with
	// next-retry-at at or before now, moving them to Pending so concurrent
	// sweeps never double-dispatch.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)
	// FindHung returns Processing rows whose last attempt is before cutoff.
	FindHung(ctx context.Context, cutoff time.Time) ([]*WebhookDelivery, error)
	FindByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*WebhookDelivery, error)
	FindBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*WebhookDelivery, error)
	// FindFailedSince returns deliveries that failed attempts after since,
	// for the weekly failure report.
	FindFailedSince(ctx context.Context, since time.Time) ([]*WebhookDelivery, error)
	// ArchiveTerminalOlderThan moves up to limit terminal rows older than
	// cutoff into the archive table and reports how many moved.
	ArchiveTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
	CountByStatus(ctx context.Context) (map[DeliveryStatus]int64, error)
}

// OutboxStore owns the event_outbox table used for transactional event
// publication.
type OutboxStore interface {
	Enqueue(ctx context.Context, entry *OutboxEntry) error
	// FetchUnpublished returns entries in insertion order.
	FetchUnpublished(ctx context.Context, limit int) ([]*OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	// DeletePublishedBefore prunes relayed entries older than cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// UnitOfWork exposes the repositories participating in one database
// transaction. Everything written through it commits or rolls back together.
type UnitOfWork interface {
	Transactions() TransactionStore
	History() HistoryStore
	Outbox() OutboxStore
}

// Store is the top-level persistence port handed to services.
type Store interface {
	Transactions() TransactionStore
	History() HistoryStore
	Subscriptions() SubscriptionStore
	Deliveries() DeliveryStore
	Outbox() OutboxStore
	// WithinTx runs fn inside one database transaction. A non-nil error
	// rolls everything back.
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error
	Close() error
}

// Publisher is the send side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *EventMessage) error
}
