package core

// TransactionStatus represents the lifecycle state of a tracked transaction
type TransactionStatus string

const (
	// StatusPending indicates the transaction is waiting to be processed
	StatusPending TransactionStatus = "PENDING"

	// StatusProcessing indicates the transaction is currently being processed
	StatusProcessing TransactionStatus = "PROCESSING"

	// StatusCompleted indicates the transaction finished successfully
	StatusCompleted TransactionStatus = "COMPLETED"

	// StatusFailed indicates the transaction failed
	StatusFailed TransactionStatus = "FAILED"

	// StatusTimeout indicates processing exceeded its time budget
	StatusTimeout TransactionStatus = "TIMEOUT"

	// StatusInconsistent indicates the outcome is ambiguous and needs reconciliation
	StatusInconsistent TransactionStatus = "INCONSISTENT"

	// StatusPermanentlyFailed indicates the transaction failed after exhausting retries
	StatusPermanentlyFailed TransactionStatus = "PERMANENTLY_FAILED"
)

// TransactionStatuses lists every valid transaction status.
var TransactionStatuses = []TransactionStatus{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
	StatusTimeout, StatusInconsistent, StatusPermanentlyFailed,
}

// IsTerminal reports whether no automatic transition leaves this status.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPermanentlyFailed
}

// IsTransient reports whether the status is expected to change shortly.
func (s TransactionStatus) IsTransient() bool {
	return s == StatusPending || s == StatusProcessing
}

// IsProblematic reports whether the status requires reconciliation.
func (s TransactionStatus) IsProblematic() bool {
	return s == StatusTimeout || s == StatusInconsistent
}

// IsValid reports whether s is one of the known statuses.
func (s TransactionStatus) IsValid() bool {
	for _, known := range TransactionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// DeliveryStatus represents the state of a single webhook delivery
type DeliveryStatus string

const (
	// DeliveryPending indicates the delivery has been created but not attempted
	DeliveryPending DeliveryStatus = "PENDING"

	// DeliveryProcessing indicates an attempt is in flight
	DeliveryProcessing DeliveryStatus = "PROCESSING"

	// DeliveryDelivered indicates the subscriber returned a 2xx response
	DeliveryDelivered DeliveryStatus = "DELIVERED"

	// DeliveryFailed indicates the last attempt failed and a retry may follow
	DeliveryFailed DeliveryStatus = "FAILED"

	// DeliveryRetryScheduled indicates a retry is waiting for its due time
	DeliveryRetryScheduled DeliveryStatus = "RETRY_SCHEDULED"

	// DeliveryPermanentlyFailed indicates retries were exhausted
	DeliveryPermanentlyFailed DeliveryStatus = "PERMANENTLY_FAILED"

	// DeliveryCanceled indicates an operator canceled the delivery
	DeliveryCanceled DeliveryStatus = "CANCELED"
)

// IsTerminal reports whether the delivery will not be attempted again.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryPermanentlyFailed || s == DeliveryCanceled
}

// CanRetry reports whether the failure policy may schedule another attempt.
func (s DeliveryStatus) CanRetry() bool {
	return s == DeliveryFailed || s == DeliveryRetryScheduled
}

// EventType identifies a notification event on the bus and in subscriptions
type EventType string

const (
	EventTransactionCreated          EventType = "TransactionCreated"
	EventTransactionStatusChanged    EventType = "TransactionStatusChanged"
	EventTransactionCompleted        EventType = "TransactionCompleted"
	EventTransactionFailed           EventType = "TransactionFailed"
	EventTransactionTimeout          EventType = "TransactionTimeout"
	EventTransactionRetry            EventType = "TransactionRetry"
	EventTransactionManualResolution EventType = "TransactionManualResolution"
	EventTransactionReconciled       EventType = "TransactionReconciled"
	EventTransactionInconsistent     EventType = "TransactionInconsistent"
	EventSystemAlert                 EventType = "SystemAlert"
	EventSystemReconciliationStart   EventType = "SystemReconciliationStart"
	EventSystemReconciliationEnd     EventType = "SystemReconciliationComplete"
	EventTest                        EventType = "Test"

	// EventTransactionRecovery is an internal bus event; it is not part of
	// the subscribable enumeration and never reaches webhook targets.
	EventTransactionRecovery EventType = "TransactionRecovery"
)

// SubscribableEventTypes is the closed enumeration a subscription may register for.
var SubscribableEventTypes = []EventType{
	EventTransactionCreated, EventTransactionStatusChanged, EventTransactionCompleted,
	EventTransactionFailed, EventTransactionTimeout, EventTransactionRetry,
	EventTransactionManualResolution, EventTransactionReconciled,
	EventTransactionInconsistent, EventSystemAlert, EventSystemReconciliationStart,
	EventSystemReconciliationEnd, EventTest,
}

// IsSubscribable reports whether a subscription may register for t.
func (t EventType) IsSubscribable() bool {
	for _, known := range SubscribableEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventTypeForStatus maps a transaction status to the event type that
// announces it to subscribers.
func EventTypeForStatus(s TransactionStatus) EventType {
	switch s {
	case StatusCompleted:
		return EventTransactionCompleted
	case StatusFailed, StatusPermanentlyFailed:
		return EventTransactionFailed
	case StatusTimeout:
		return EventTransactionTimeout
	case StatusInconsistent:
		return EventTransactionInconsistent
	default:
		return EventTransactionStatusChanged
	}
}
