// Package alert delivers operator notifications. Dispatch is asynchronous
// and never blocks the caller; channel failures are logged, not propagated.
package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/metrics"
)

// Channel is a pluggable alert transport.
type Channel interface {
	Send(subject, message string) error
	Name() string
}

// message is one queued notification.
type message struct {
	subject string
	body    string
}

// Dispatcher queues alerts onto a worker goroutine and fans them out to
// every configured channel. A full queue drops the alert with a log line
// rather than blocking the caller.
type Dispatcher struct {
	channels []Channel
	logger   core.Logger
	clock    core.Clock
	metrics  *metrics.Metrics

	queue    chan message
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher starts the alert worker. With no channels configured the
// log channel is used so alerts are never silently lost.
func NewDispatcher(channels []Channel, logger core.Logger, clock core.Clock, m *metrics.Metrics, queueSize int) *Dispatcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if len(channels) == 0 {
		channels = []Channel{NewLogChannel(logger)}
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	d := &Dispatcher{
		channels: channels,
		logger:   logger,
		clock:    clock,
		metrics:  m,
		queue:    make(chan message, queueSize),
		done:     make(chan struct{}),
	}
	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for msg := range d.queue {
		for _, ch := range d.channels {
			if err := ch.Send(msg.subject, msg.body); err != nil {
				d.logger.Error("Alert channel failed", map[string]interface{}{
					"channel": ch.Name(),
					"subject": msg.subject,
					"error":   err,
				})
			}
		}
		d.metrics.IncAlertsDispatched()
	}
}

// Close drains queued alerts and stops the worker.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) enqueue(subject, body string) {
	select {
	case d.queue <- message{subject: subject, body: body}:
	default:
		d.logger.Warn("Alert queue full, dropping alert", map[string]interface{}{
			"subject": subject,
		})
	}
}

// SendAlert dispatches a free-form operator alert.
func (d *Dispatcher) SendAlert(subject, body string) {
	d.enqueue(subject, body)
}

// SendTransactionAlert describes a single problematic transaction.
func (d *Dispatcher) SendTransactionAlert(txn *core.Transaction, anomalies []string, history []*core.TransactionHistory) {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction %s requires attention.\n\n", txn.ID)
	fmt.Fprintf(&b, "Status:        %s\n", txn.Status)
	fmt.Fprintf(&b, "Origin system: %s\n", txn.OriginSystem)
	fmt.Fprintf(&b, "Created:       %s\n", txn.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Updated:       %s\n", txn.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Attempts:      %d\n", txn.AttemptCount)
	if len(anomalies) > 0 {
		fmt.Fprintf(&b, "\nAnomalies:\n")
		for _, a := range anomalies {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}
	if len(history) > 0 {
		fmt.Fprintf(&b, "\nRecent history:\n")
		start := len(history) - 5
		if start < 0 {
			start = 0
		}
		for _, h := range history[start:] {
			fmt.Fprintf(&b, "  %s  %s -> %s  (%s)\n",
				h.ChangedAt.Format(time.RFC3339), h.PreviousStatus, h.NewStatus, h.Reason)
		}
	}
	d.enqueue(fmt.Sprintf("Transaction alert: %s [%s]", txn.ID, txn.Status), b.String())
}

// SendSystemHealthAlert summarizes system metrics and anomaly statistics.
func (d *Dispatcher) SendSystemHealthAlert(systemMetrics map[string]interface{}, anomalyStats map[string]int) {
	var b strings.Builder
	fmt.Fprintf(&b, "System health report at %s\n\n", d.clock.Now().Format(time.RFC3339))
	for k, v := range systemMetrics {
		fmt.Fprintf(&b, "%-30s %v\n", k, v)
	}
	if len(anomalyStats) > 0 {
		fmt.Fprintf(&b, "\nAnomalies by detector:\n")
		for k, v := range anomalyStats {
			fmt.Fprintf(&b, "  %-28s %d\n", k, v)
		}
	}
	d.enqueue("System health alert", b.String())
}

// SendCriticalErrorAlert reports an unclassified failure in a background task.
func (d *Dispatcher) SendCriticalErrorAlert(err error, details map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "Critical error: %v\n", err)
	for k, v := range details {
		fmt.Fprintf(&b, "%-20s %v\n", k, v)
	}
	d.enqueue("CRITICAL: background task failure", b.String())
}

// LogChannel writes alerts to the service log at WARN.
type LogChannel struct {
	logger core.Logger
}

func NewLogChannel(logger core.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(subject, body string) error {
	c.logger.Warn("SYSTEM ALERT", map[string]interface{}{
		"subject": subject,
		"body":    body,
	})
	return nil
}
