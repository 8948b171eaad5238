package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/exquy/txrecover/core"
)

// Processor executes the business operation behind a transaction. The
// default implementation stands in for the downstream system; deployments
// plug in their own.
type Processor interface {
	Process(ctx context.Context, txn *core.Transaction) (core.JSONMap, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, txn *core.Transaction) (core.JSONMap, error)

func (f ProcessorFunc) Process(ctx context.Context, txn *core.Transaction) (core.JSONMap, error) {
	return f(ctx, txn)
}

// DefaultProcessor acknowledges the operation with a synthetic reference.
func DefaultProcessor(clock core.Clock) Processor {
	return ProcessorFunc(func(ctx context.Context, txn *core.Transaction) (core.JSONMap, error) {
		return core.JSONMap{
			"status":       "success",
			"processed_at": clock.Now(),
			"reference":    "TX-" + txn.ID.String()[:8],
		}, nil
	})
}

// Consumer processes transaction events from the bus: newly created and
// retried transactions are picked up, marked Processing, run through the
// Processor, and completed or failed with the outcome.
type Consumer struct {
	service   *Service
	processor Processor
	logger    core.Logger
}

// NewConsumer wires the transaction event worker.
func NewConsumer(service *Service, processor Processor, logger core.Logger) *Consumer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if processor == nil {
		processor = DefaultProcessor(service.clock)
	}
	return &Consumer{service: service, processor: processor, logger: logger}
}

// Handle is the bus handler for the transaction-events topic.
func (c *Consumer) Handle(ctx context.Context, msg *core.EventMessage) error {
	switch msg.EventType {
	case core.EventTransactionCreated, core.EventTransactionRetry, core.EventTransactionRecovery:
		return c.drive(ctx, msg)
	default:
		// Status-change notifications do not need driving.
		return nil
	}
}

func (c *Consumer) drive(ctx context.Context, msg *core.EventMessage) error {
	if msg.TransactionID == nil {
		return nil
	}
	txn, err := c.service.Get(ctx, *msg.TransactionID)
	if err != nil {
		if errors.Is(err, core.ErrTransactionNotFound) {
			// Redelivery for a row that was archived; nothing to do.
			return nil
		}
		return err
	}
	if txn.Status != core.StatusPending {
		// Redelivered or already driven by another worker.
		return nil
	}

	if _, err := c.service.UpdateStatus(ctx, txn.ID, core.StatusProcessing, "Processing started", ActorSystem); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			// Lost the race with another worker.
			return nil
		}
		return err
	}

	response, perr := c.processor.Process(ctx, txn)
	if perr != nil {
		c.logger.Warn("Transaction processing failed", map[string]interface{}{
			"transaction_id": txn.ID.String(),
			"error":          perr,
		})
		_, ferr := c.service.Fail(ctx, txn.ID, core.JSONMap{
			"message": perr.Error(),
			"type":    fmt.Sprintf("%T", perr),
		}, "Processing failed", ActorSystem)
		return ferr
	}

	_, cerr := c.service.Complete(ctx, txn.ID, response, ActorSystem)
	return cerr
}
