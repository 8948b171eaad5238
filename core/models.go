package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONMap is a JSON object column. It round-trips through database drivers
// as a JSONB value and through the API as a plain object.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONB columns.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Copy returns a shallow copy so callers can mutate without aliasing.
func (m JSONMap) Copy() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Transaction is a tracked asynchronous operation. The ID is chosen by the
// caller and doubles as the idempotency key.
type Transaction struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	OriginSystem  string            `json:"originSystem" db:"origin_system"`
	Status        TransactionStatus `json:"status" db:"status"`
	Payload       JSONMap           `json:"payload" db:"payload"`
	Response      JSONMap           `json:"response,omitempty" db:"response"`
	ErrorDetails  JSONMap           `json:"errorDetails,omitempty" db:"error_details"`
	AttemptCount  int               `json:"attemptCount" db:"attempt_count"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	CompletionAt  *time.Time        `json:"completionAt,omitempty" db:"completion_at"`
	WebhookURL    string            `json:"webhookUrl,omitempty" db:"webhook_url"`
	WebhookSecret string            `json:"-" db:"webhook_security_token"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time         `json:"updatedAt" db:"updated_at"`
	IsReconciled  bool              `json:"isReconciled" db:"is_reconciled"`
	Notes         string            `json:"notes,omitempty" db:"notes"`
	Version       int64             `json:"-" db:"version"`
}

// HasWebhook reports whether the transaction carries an inline callback URL.
func (t *Transaction) HasWebhook() bool {
	return t.WebhookURL != ""
}

// RecordAttempt increments the attempt counter and stamps the attempt time.
func (t *Transaction) RecordAttempt(now time.Time) {
	t.AttemptCount++
	t.LastAttemptAt = &now
}

// Age returns the time elapsed since creation.
func (t *Transaction) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// IdleSince returns the reference instant for processing-dwell checks:
// the later of last attempt and creation.
func (t *Transaction) IdleSince() time.Time {
	if t.LastAttemptAt != nil && t.LastAttemptAt.After(t.CreatedAt) {
		return *t.LastAttemptAt
	}
	return t.CreatedAt
}

// TransactionHistory is one append-only state transition record.
type TransactionHistory struct {
	ID             int64             `json:"id" db:"id"`
	TransactionID  uuid.UUID         `json:"transactionId" db:"transaction_id"`
	PreviousStatus TransactionStatus `json:"previousStatus,omitempty" db:"previous_status"`
	NewStatus      TransactionStatus `json:"newStatus" db:"new_status"`
	ChangedAt      time.Time         `json:"changedAt" db:"changed_at"`
	Reason         string            `json:"reason,omitempty" db:"reason"`
	ChangedBy      string            `json:"changedBy" db:"changed_by"`
	Context        string            `json:"context,omitempty" db:"context"`
	AttemptNumber  int               `json:"attemptNumber" db:"attempt_number"`
	IsAutomatic    bool              `json:"isAutomatic" db:"is_automatic"`
}

// WebhookSubscription is a registered HTTPS endpoint with an event filter.
type WebhookSubscription struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	OriginSystem  string      `json:"originSystem" db:"origin_system"`
	CallbackURL   string      `json:"callbackUrl" db:"callback_url"`
	Events        []EventType `json:"events" db:"-"`
	SecurityToken string      `json:"-" db:"security_token"`
	IsActive      bool        `json:"isActive" db:"is_active"`
	MaxRetries    int         `json:"maxRetries" db:"max_retries"`
	Description   string      `json:"description,omitempty" db:"description"`
	ContactEmail  string      `json:"contactEmail,omitempty" db:"contact_email"`
	CreatedAt     time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time   `json:"updatedAt" db:"updated_at"`
	LastSuccessAt *time.Time  `json:"lastSuccessAt,omitempty" db:"last_success_at"`
	LastFailureAt *time.Time  `json:"lastFailureAt,omitempty" db:"last_failure_at"`
	SuccessCount  int64       `json:"successCount" db:"success_count"`
	FailureCount  int64       `json:"failureCount" db:"failure_count"`
	Version       int64       `json:"-" db:"version"`
}

// IsSubscribedTo reports whether the subscription's event set contains t.
func (s *WebhookSubscription) IsSubscribedTo(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// RecordSuccess bumps the success counters after a delivered attempt.
func (s *WebhookSubscription) RecordSuccess(now time.Time) {
	s.SuccessCount++
	s.LastSuccessAt = &now
}

// RecordFailure bumps the failure counters after a failed attempt.
func (s *WebhookSubscription) RecordFailure(now time.Time) {
	s.FailureCount++
	s.LastFailureAt = &now
}

// WebhookDelivery is the attempt-stream for one event to one target.
// Its ID equals the event-id that produced it, which makes consumer-side
// inserts idempotent.
type WebhookDelivery struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	WebhookID      *uuid.UUID     `json:"webhookId,omitempty" db:"webhook_id"`
	TransactionID  *uuid.UUID     `json:"transactionId,omitempty" db:"transaction_id"`
	EventType      EventType      `json:"eventType" db:"event_type"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus" db:"delivery_status"`
	Payload        JSONMap        `json:"payload" db:"payload"`
	AttemptCount   int            `json:"attemptCount" db:"attempt_count"`
	LastAttemptAt  *time.Time     `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	ResponseCode   *int           `json:"responseCode,omitempty" db:"response_code"`
	ResponseBody   string         `json:"responseBody,omitempty" db:"response_body"`
	ErrorDetails   JSONMap        `json:"errorDetails,omitempty" db:"error_details"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
	IsAcknowledged bool           `json:"isAcknowledged" db:"is_acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty" db:"acknowledged_at"`
	AckStatus      string         `json:"acknowledgmentStatus,omitempty" db:"acknowledgment_status"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty" db:"next_retry_at"`
}

// BeginAttempt transitions to Processing and counts the attempt. The
// attempt counter moves only here, so it always equals the number of
// Processing transitions observed in the audit trail.
func (d *WebhookDelivery) BeginAttempt(now time.Time) {
	d.AttemptCount++
	d.LastAttemptAt = &now
	d.DeliveryStatus = DeliveryProcessing
}

// RecordResponse stores the outcome of an attempt that produced an HTTP response.
func (d *WebhookDelivery) RecordResponse(status DeliveryStatus, responseCode int, responseBody string) {
	d.DeliveryStatus = status
	d.ResponseCode = &responseCode
	d.ResponseBody = responseBody
	if status == DeliveryDelivered {
		d.NextRetryAt = nil
	}
}

// RecordError stores the outcome of an attempt that failed before or during transport.
func (d *WebhookDelivery) RecordError(status DeliveryStatus, details JSONMap) {
	d.DeliveryStatus = status
	d.ErrorDetails = details
}

// ScheduleRetry marks the delivery for another attempt at nextRetryAt.
func (d *WebhookDelivery) ScheduleRetry(nextRetryAt time.Time) {
	d.NextRetryAt = &nextRetryAt
	d.DeliveryStatus = DeliveryRetryScheduled
}

// MarkAcknowledged records the subscriber's acknowledgement callback.
func (d *WebhookDelivery) MarkAcknowledged(status string, now time.Time) {
	d.IsAcknowledged = true
	d.AcknowledgedAt = &now
	d.AckStatus = status
}

// IsTerminal reports whether the delivery will not be attempted again.
func (d *WebhookDelivery) IsTerminal() bool {
	return d.DeliveryStatus.IsTerminal()
}

// IsEligibleForRetry reports whether the failure policy may schedule another attempt.
func (d *WebhookDelivery) IsEligibleForRetry(maxRetries int) bool {
	return !d.IsTerminal() &&
		d.AttemptCount < maxRetries &&
		d.DeliveryStatus != DeliveryRetryScheduled
}

// EventMessage is the in-flight bus record. It is never persisted as an
// entity; the outbox stores its serialized form until publication.
type EventMessage struct {
	EventID        uuid.UUID         `json:"eventId"`
	EventType      EventType         `json:"eventType"`
	TransactionID  *uuid.UUID        `json:"transactionId,omitempty"`
	OriginSystem   string            `json:"originSystem,omitempty"`
	CurrentStatus  TransactionStatus `json:"currentStatus,omitempty"`
	PreviousStatus TransactionStatus `json:"previousStatus,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Payload        JSONMap           `json:"payload,omitempty"`
	HighPriority   bool              `json:"highPriority,omitempty"`
	WebhookID      *uuid.UUID        `json:"webhookId,omitempty"`
	AttemptCount   int               `json:"attemptCount,omitempty"`
}

// PartitionKey returns the subject identity used for partition assignment:
// subscription-id for delivery events, transaction-id otherwise.
func (m *EventMessage) PartitionKey() string {
	if m.WebhookID != nil {
		return m.WebhookID.String()
	}
	if m.TransactionID != nil {
		return m.TransactionID.String()
	}
	return m.EventID.String()
}

// OutboxEntry is a pending event publication recorded in the same database
// transaction as the state change that produced it.
type OutboxEntry struct {
	ID           int64      `json:"id" db:"id"`
	Topic        string     `json:"topic" db:"topic"`
	PartitionKey string     `json:"partitionKey" db:"partition_key"`
	Message      []byte     `json:"-" db:"message"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty" db:"published_at"`
}
