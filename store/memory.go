package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and local runs
// and mirrors the Postgres behavior, including idempotent delivery inserts
// and snapshot rollback inside WithinTx.
type Memory struct {
	mu sync.Mutex

	transactions  map[uuid.UUID]*core.Transaction
	history       []*core.TransactionHistory
	subscriptions map[uuid.UUID]*core.WebhookSubscription
	deliveries    map[uuid.UUID]*core.WebhookDelivery
	archive       []*core.WebhookDelivery
	outbox        []*core.OutboxEntry

	nextHistoryID int64
	nextOutboxID  int64
}

func NewMemory() *Memory {
	return &Memory{
		transactions:  make(map[uuid.UUID]*core.Transaction),
		subscriptions: make(map[uuid.UUID]*core.WebhookSubscription),
		deliveries:    make(map[uuid.UUID]*core.WebhookDelivery),
	}
}

func (m *Memory) Transactions() core.TransactionStore   { return &memTransactions{m: m, locking: true} }
func (m *Memory) History() core.HistoryStore            { return &memHistory{m: m, locking: true} }
func (m *Memory) Subscriptions() core.SubscriptionStore { return &memSubscriptions{m: m} }
func (m *Memory) Deliveries() core.DeliveryStore        { return &memDeliveries{m: m} }
func (m *Memory) Outbox() core.OutboxStore              { return &memOutbox{m: m, locking: true} }

func (m *Memory) Close() error { return nil }

// WithinTx holds the store lock for the whole callback and restores a
// snapshot when fn fails, approximating database transaction semantics.
func (m *Memory) WithinTx(ctx context.Context, fn func(uow core.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapTxns := make(map[uuid.UUID]*core.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		snapTxns[k] = cloneTransaction(v)
	}
	snapHistory := append([]*core.TransactionHistory(nil), m.history...)
	snapOutbox := append([]*core.OutboxEntry(nil), m.outbox...)
	snapHistoryID, snapOutboxID := m.nextHistoryID, m.nextOutboxID

	uow := &memUnitOfWork{m: m}
	if err := fn(uow); err != nil {
		m.transactions = snapTxns
		m.history = snapHistory
		m.outbox = snapOutbox
		m.nextHistoryID, m.nextOutboxID = snapHistoryID, snapOutboxID
		return err
	}
	return nil
}

type memUnitOfWork struct {
	m *Memory
}

func (u *memUnitOfWork) Transactions() core.TransactionStore { return &memTransactions{m: u.m} }
func (u *memUnitOfWork) History() core.HistoryStore          { return &memHistory{m: u.m} }
func (u *memUnitOfWork) Outbox() core.OutboxStore            { return &memOutbox{m: u.m} }

func cloneTransaction(t *core.Transaction) *core.Transaction {
	c := *t
	c.Payload = t.Payload.Copy()
	c.Response = t.Response.Copy()
	c.ErrorDetails = t.ErrorDetails.Copy()
	return &c
}

func cloneSubscription(s *core.WebhookSubscription) *core.WebhookSubscription {
	c := *s
	c.Events = append([]core.EventType(nil), s.Events...)
	return &c
}

func cloneDelivery(d *core.WebhookDelivery) *core.WebhookDelivery {
	c := *d
	c.Payload = d.Payload.Copy()
	c.ErrorDetails = d.ErrorDetails.Copy()
	return &c
}

// memTransactions locks the store for top-level use; inside WithinTx the
// lock is already held and locking is off.
type memTransactions struct {
	m       *Memory
	locking bool
}

func (r *memTransactions) lock() func() {
	if !r.locking {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

func (r *memTransactions) Insert(ctx context.Context, txn *core.Transaction) error {
	defer r.lock()()
	if _, ok := r.m.transactions[txn.ID]; ok {
		return &core.ServiceError{
			Op:   "store.transactions.insert",
			Kind: core.KindConflict,
			ID:   txn.ID.String(),
			Err:  core.ErrIdempotencyConflict,
		}
	}
	r.m.transactions[txn.ID] = cloneTransaction(txn)
	return nil
}

func (r *memTransactions) Get(ctx context.Context, id uuid.UUID) (*core.Transaction, error) {
	defer r.lock()()
	txn, ok := r.m.transactions[id]
	if !ok {
		return nil, &core.ServiceError{
			Op:   "store.transactions.get",
			Kind: core.KindNotFound,
			ID:   id.String(),
			Err:  core.ErrTransactionNotFound,
		}
	}
	return cloneTransaction(txn), nil
}

func (r *memTransactions) Update(ctx context.Context, txn *core.Transaction) error {
	defer r.lock()()
	current, ok := r.m.transactions[txn.ID]
	if !ok {
		return &core.ServiceError{
			Op:   "store.transactions.update",
			Kind: core.KindNotFound,
			ID:   txn.ID.String(),
			Err:  core.ErrTransactionNotFound,
		}
	}
	if current.Version != txn.Version {
		return &core.ServiceError{
			Op:      "store.transactions.update",
			Kind:    core.KindConflict,
			ID:      txn.ID.String(),
			Message: "row version changed concurrently",
			Err:     core.ErrInvalidTransition,
		}
	}
	txn.Version++
	r.m.transactions[txn.ID] = cloneTransaction(txn)
	return nil
}

func (r *memTransactions) FindByStatus(ctx context.Context, status core.TransactionStatus) ([]*core.Transaction, error) {
	defer r.lock()()
	return r.filter(func(t *core.Transaction) bool { return t.Status == status }), nil
}

func (r *memTransactions) FindStalled(ctx context.Context, status core.TransactionStatus, cutoff time.Time) ([]*core.Transaction, error) {
	defer r.lock()()
	return r.filter(func(t *core.Transaction) bool {
		if t.Status != status {
			return false
		}
		ref := t.CreatedAt
		if status != core.StatusPending {
			ref = t.IdleSince()
		}
		return ref.Before(cutoff)
	}), nil
}

func (r *memTransactions) FindNonTerminal(ctx context.Context) ([]*core.Transaction, error) {
	defer r.lock()()
	return r.filter(func(t *core.Transaction) bool { return !t.Status.IsTerminal() }), nil
}

func (r *memTransactions) FindUnreconciled(ctx context.Context) ([]*core.Transaction, error) {
	defer r.lock()()
	return r.filter(func(t *core.Transaction) bool {
		return t.Status.IsProblematic() && !t.IsReconciled
	}), nil
}

func (r *memTransactions) Search(ctx context.Context, q core.TransactionQuery) ([]*core.Transaction, error) {
	defer r.lock()()
	rows := r.filter(func(t *core.Transaction) bool {
		if q.Status != "" && t.Status != q.Status {
			return false
		}
		if q.OriginSystem != "" && t.OriginSystem != q.OriginSystem {
			return false
		}
		if q.CreatedAfter != nil && t.CreatedAt.Before(*q.CreatedAfter) {
			return false
		}
		if q.CreatedBefore != nil && !t.CreatedAt.Before(*q.CreatedBefore) {
			return false
		}
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (r *memTransactions) CountByStatus(ctx context.Context) (map[core.TransactionStatus]int64, error) {
	defer r.lock()()
	counts := make(map[core.TransactionStatus]int64)
	for _, t := range r.m.transactions {
		counts[t.Status]++
	}
	return counts, nil
}

func (r *memTransactions) filter(keep func(*core.Transaction) bool) []*core.Transaction {
	var rows []*core.Transaction
	for _, t := range r.m.transactions {
		if keep(t) {
			rows = append(rows, cloneTransaction(t))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })
	return rows
}

type memHistory struct {
	m       *Memory
	locking bool
}

func (r *memHistory) lock() func() {
	if !r.locking {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

func (r *memHistory) Append(ctx context.Context, entry *core.TransactionHistory) error {
	defer r.lock()()
	r.m.nextHistoryID++
	entry.ID = r.m.nextHistoryID
	copied := *entry
	r.m.history = append(r.m.history, &copied)
	return nil
}

func (r *memHistory) ListByTransaction(ctx context.Context, id uuid.UUID) ([]*core.TransactionHistory, error) {
	defer r.lock()()
	var rows []*core.TransactionHistory
	for _, h := range r.m.history {
		if h.TransactionID == id {
			copied := *h
			rows = append(rows, &copied)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ChangedAt.Equal(rows[j].ChangedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].ChangedAt.Before(rows[j].ChangedAt)
	})
	return rows, nil
}

func (r *memHistory) CountByTransaction(ctx context.Context, id uuid.UUID) (int, error) {
	defer r.lock()()
	n := 0
	for _, h := range r.m.history {
		if h.TransactionID == id {
			n++
		}
	}
	return n, nil
}

type memSubscriptions struct {
	m *Memory
}

func (r *memSubscriptions) Insert(ctx context.Context, sub *core.WebhookSubscription) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.subscriptions {
		if existing.OriginSystem == sub.OriginSystem && existing.CallbackURL == sub.CallbackURL {
			return &core.ServiceError{
				Op:   "store.subscriptions.insert",
				Kind: core.KindConflict,
				ID:   sub.ID.String(),
				Err:  core.ErrDuplicateSubscription,
			}
		}
	}
	r.m.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

func (r *memSubscriptions) Get(ctx context.Context, id uuid.UUID) (*core.WebhookSubscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	sub, ok := r.m.subscriptions[id]
	if !ok {
		return nil, &core.ServiceError{
			Op:   "store.subscriptions.get",
			Kind: core.KindNotFound,
			ID:   id.String(),
			Err:  core.ErrSubscriptionNotFound,
		}
	}
	return cloneSubscription(sub), nil
}

func (r *memSubscriptions) Update(ctx context.Context, sub *core.WebhookSubscription) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	current, ok := r.m.subscriptions[sub.ID]
	if !ok {
		return &core.ServiceError{
			Op:   "store.subscriptions.update",
			Kind: core.KindNotFound,
			ID:   sub.ID.String(),
			Err:  core.ErrSubscriptionNotFound,
		}
	}
	for _, other := range r.m.subscriptions {
		if other.ID != sub.ID && other.OriginSystem == sub.OriginSystem && other.CallbackURL == sub.CallbackURL {
			return &core.ServiceError{
				Op:   "store.subscriptions.update",
				Kind: core.KindConflict,
				ID:   sub.ID.String(),
				Err:  core.ErrDuplicateSubscription,
			}
		}
	}
	if current.Version != sub.Version {
		return &core.ServiceError{
			Op:      "store.subscriptions.update",
			Kind:    core.KindConflict,
			ID:      sub.ID.String(),
			Message: "row version changed concurrently",
			Err:     core.ErrDuplicateSubscription,
		}
	}
	sub.Version++
	r.m.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

func (r *memSubscriptions) Delete(ctx context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.subscriptions[id]; !ok {
		return &core.ServiceError{
			Op:   "store.subscriptions.delete",
			Kind: core.KindNotFound,
			ID:   id.String(),
			Err:  core.ErrSubscriptionNotFound,
		}
	}
	delete(r.m.subscriptions, id)
	return nil
}

func (r *memSubscriptions) List(ctx context.Context) ([]*core.WebhookSubscription, error) {
	return r.find(func(*core.WebhookSubscription) bool { return true }), nil
}

func (r *memSubscriptions) FindByOrigin(ctx context.Context, origin string) ([]*core.WebhookSubscription, error) {
	return r.find(func(s *core.WebhookSubscription) bool { return s.OriginSystem == origin }), nil
}

func (r *memSubscriptions) FindActiveByEvent(ctx context.Context, eventType core.EventType, origin string) ([]*core.WebhookSubscription, error) {
	return r.find(func(s *core.WebhookSubscription) bool {
		return s.IsActive && s.OriginSystem == origin && s.IsSubscribedTo(eventType)
	}), nil
}

func (r *memSubscriptions) FindByURL(ctx context.Context, callbackURL string) (*core.WebhookSubscription, error) {
	matches := r.find(func(s *core.WebhookSubscription) bool {
		return strings.EqualFold(s.CallbackURL, callbackURL)
	})
	if len(matches) == 0 {
		return nil, &core.ServiceError{
			Op:   "store.subscriptions.find_by_url",
			Kind: core.KindNotFound,
			Err:  core.ErrSubscriptionNotFound,
		}
	}
	return matches[0], nil
}

func (r *memSubscriptions) find(keep func(*core.WebhookSubscription) bool) []*core.WebhookSubscription {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var subs []*core.WebhookSubscription
	for _, s := range r.m.subscriptions {
		if keep(s) {
			subs = append(subs, cloneSubscription(s))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs
}

type memDeliveries struct {
	m *Memory
}

func (r *memDeliveries) Insert(ctx context.Context, d *core.WebhookDelivery) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.deliveries[d.ID]; ok {
		return false, nil
	}
	r.m.deliveries[d.ID] = cloneDelivery(d)
	return true, nil
}

func (r *memDeliveries) Get(ctx context.Context, id uuid.UUID) (*core.WebhookDelivery, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.deliveries[id]
	if !ok {
		return nil, &core.ServiceError{
			Op:   "store.deliveries.get",
			Kind: core.KindNotFound,
			ID:   id.String(),
			Err:  core.ErrDeliveryNotFound,
		}
	}
	return cloneDelivery(d), nil
}

func (r *memDeliveries) Update(ctx context.Context, d *core.WebhookDelivery) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.deliveries[d.ID]; !ok {
		return &core.ServiceError{
			Op:   "store.deliveries.update",
			Kind: core.KindNotFound,
			ID:   d.ID.String(),
			Err:  core.ErrDeliveryNotFound,
		}
	}
	r.m.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (r *memDeliveries) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*core.WebhookDelivery, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var due []*core.WebhookDelivery
	for _, d := range r.m.deliveries {
		if d.DeliveryStatus == core.DeliveryRetryScheduled &&
			d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*core.WebhookDelivery, 0, len(due))
	for _, d := range due {
		d.DeliveryStatus = core.DeliveryPending
		d.NextRetryAt = nil
		d.UpdatedAt = now
		claimed = append(claimed, cloneDelivery(d))
	}
	return claimed, nil
}

func (r *memDeliveries) FindHung(ctx context.Context, cutoff time.Time) ([]*core.WebhookDelivery, error) {
	return r.find(func(d *core.WebhookDelivery) bool {
		if d.DeliveryStatus != core.DeliveryProcessing {
			return false
		}
		ref := d.CreatedAt
		if d.LastAttemptAt != nil {
			ref = *d.LastAttemptAt
		}
		return ref.Before(cutoff)
	}), nil
}

func (r *memDeliveries) FindByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*core.WebhookDelivery, error) {
	return r.find(func(d *core.WebhookDelivery) bool {
		return d.TransactionID != nil && *d.TransactionID == transactionID
	}), nil
}

func (r *memDeliveries) FindBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*core.WebhookDelivery, error) {
	rows := r.find(func(d *core.WebhookDelivery) bool {
		return d.WebhookID != nil && *d.WebhookID == subscriptionID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *memDeliveries) FindFailedSince(ctx context.Context, since time.Time) ([]*core.WebhookDelivery, error) {
	return r.find(func(d *core.WebhookDelivery) bool {
		switch d.DeliveryStatus {
		case core.DeliveryFailed, core.DeliveryPermanentlyFailed, core.DeliveryRetryScheduled:
			return !d.UpdatedAt.Before(since)
		default:
			return false
		}
	}), nil
}

func (r *memDeliveries) ArchiveTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	moved := 0
	for id, d := range r.m.deliveries {
		if limit > 0 && moved >= limit {
			break
		}
		if d.DeliveryStatus.IsTerminal() && d.UpdatedAt.Before(cutoff) {
			r.m.archive = append(r.m.archive, d)
			delete(r.m.deliveries, id)
			moved++
		}
	}
	return moved, nil
}

func (r *memDeliveries) CountByStatus(ctx context.Context) (map[core.DeliveryStatus]int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	counts := make(map[core.DeliveryStatus]int64)
	for _, d := range r.m.deliveries {
		counts[d.DeliveryStatus]++
	}
	return counts, nil
}

func (r *memDeliveries) find(keep func(*core.WebhookDelivery) bool) []*core.WebhookDelivery {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var rows []*core.WebhookDelivery
	for _, d := range r.m.deliveries {
		if keep(d) {
			rows = append(rows, cloneDelivery(d))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return rows
}

type memOutbox struct {
	m       *Memory
	locking bool
}

func (r *memOutbox) lock() func() {
	if !r.locking {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

func (r *memOutbox) Enqueue(ctx context.Context, entry *core.OutboxEntry) error {
	defer r.lock()()
	r.m.nextOutboxID++
	entry.ID = r.m.nextOutboxID
	copied := *entry
	copied.Message = append([]byte(nil), entry.Message...)
	r.m.outbox = append(r.m.outbox, &copied)
	return nil
}

func (r *memOutbox) FetchUnpublished(ctx context.Context, limit int) ([]*core.OutboxEntry, error) {
	defer r.lock()()
	var rows []*core.OutboxEntry
	for _, e := range r.m.outbox {
		if e.PublishedAt == nil {
			copied := *e
			rows = append(rows, &copied)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
	}
	return rows, nil
}

func (r *memOutbox) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	defer r.lock()()
	for _, e := range r.m.outbox {
		if e.ID == id {
			e.PublishedAt = &at
			return nil
		}
	}
	return nil
}

func (r *memOutbox) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	defer r.lock()()
	kept := r.m.outbox[:0]
	removed := 0
	for _, e := range r.m.outbox {
		if e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.m.outbox = kept
	return removed, nil
}
