// Package events implements the partitioned at-least-once event bus on
// Redis Streams. Each topic is split into a fixed number of streams acting
// as partitions; messages hash onto a partition by subject key, so one
// subject is always consumed in order. Consumer groups acknowledge only
// after the handler returns, and stale pending entries are reclaimed, which
// yields at-least-once processing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/exquy/txrecover/core"
)

// messageField is the stream entry field carrying the serialized event.
const messageField = "message"

// keyField carries the partition key alongside the payload for debugging.
const keyField = "key"

// Handler processes one event. Returning nil acknowledges the message;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg *core.EventMessage) error

// Bus is the Redis Streams transport between producers and consumers.
type Bus struct {
	client *redis.Client
	cfg    core.RedisConfig
	logger core.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewBus wraps an existing Redis client.
func NewBus(client *redis.Client, cfg core.RedisConfig, logger core.Logger) *Bus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bus{client: client, cfg: cfg, logger: logger}
}

// Connect dials Redis from the configured URL and verifies the connection.
func Connect(ctx context.Context, cfg core.RedisConfig, logger core.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrMissingConfiguration)
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", core.ErrInvalidConfiguration)
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	client := redis.NewClient(opt)

	// Ping with retry so a service restart does not race the broker.
	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		pingErr = client.Ping(pingCtx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", core.ErrBusUnavailable)
	}
	return NewBus(client, cfg, logger), nil
}

// Partition returns the stream index a key hashes onto.
func (b *Bus) Partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.cfg.Partitions))
}

// StreamName returns the Redis key for one partition of a topic.
func (b *Bus) StreamName(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

// Ping verifies connectivity for health checks.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish serializes the message and appends it to the partition its key
// hashes onto, retrying transient failures with a fixed backoff.
func (b *Bus) Publish(ctx context.Context, topic string, msg *core.EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", msg.EventID, err)
	}
	return b.PublishRaw(ctx, topic, msg.PartitionKey(), data)
}

// PublishRaw appends pre-serialized bytes; the outbox relay uses it so the
// stored form is exactly what reaches the bus.
func (b *Bus) PublishRaw(ctx context.Context, topic, key string, data []byte) error {
	stream := b.StreamName(topic, b.Partition(key))

	var lastErr error
	for attempt := 1; attempt <= b.cfg.PublishRetries; attempt++ {
		lastErr = b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{keyField: key, messageField: data},
		}).Err()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("Event publish failed, retrying", map[string]interface{}{
			"stream":  stream,
			"attempt": attempt,
			"error":   lastErr,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PublishRetryDelay):
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %v: %w",
		stream, b.cfg.PublishRetries, lastErr, core.ErrBusUnavailable)
}

// Subscribe attaches a consumer group to every partition of the topic and
// processes entries until ctx is canceled. Messages are acknowledged only
// after the handler returns nil; failed or abandoned entries are reclaimed
// once their idle time passes the configured minimum.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	consumer := consumerName(group)
	for p := 0; p < b.cfg.Partitions; p++ {
		stream := b.StreamName(topic, p)
		if err := b.ensureGroup(ctx, stream, group); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	for p := 0; p < b.cfg.Partitions; p++ {
		stream := b.StreamName(topic, p)
		b.wg.Add(1)
		go func(stream string) {
			defer b.wg.Done()
			b.consumeLoop(runCtx, stream, group, consumer, handler)
		}(stream)
	}
	return nil
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %v: %w", group, stream, err, core.ErrBusUnavailable)
	}
	return nil
}

func (b *Bus) consumeLoop(ctx context.Context, stream, group, consumer string, handler Handler) {
	claimTicker := time.NewTicker(b.cfg.ClaimMinIdle)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-claimTicker.C:
			b.reclaimStale(ctx, stream, group, consumer, handler)
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Error("Event read failed", map[string]interface{}{
				"stream": stream,
				"group":  group,
				"error":  err,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				b.handleEntry(ctx, stream, group, entry, handler)
			}
		}
	}
}

// reclaimStale takes over pending entries abandoned by dead consumers.
func (b *Bus) reclaimStale(ctx context.Context, stream, group, consumer string, handler Handler) {
	entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    50,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			b.logger.Warn("Stale entry reclaim failed", map[string]interface{}{
				"stream": stream,
				"error":  err,
			})
		}
		return
	}
	for _, entry := range entries {
		b.handleEntry(ctx, stream, group, entry, handler)
	}
}

func (b *Bus) handleEntry(ctx context.Context, stream, group string, entry redis.XMessage, handler Handler) {
	raw, ok := entry.Values[messageField].(string)
	if !ok {
		// Malformed entry; acknowledge so it does not wedge the partition.
		b.logger.Error("Dropping malformed stream entry", map[string]interface{}{
			"stream":   stream,
			"entry_id": entry.ID,
		})
		b.ack(ctx, stream, group, entry.ID)
		return
	}

	var msg core.EventMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		b.logger.Error("Dropping undecodable event", map[string]interface{}{
			"stream":   stream,
			"entry_id": entry.ID,
			"error":    err,
		})
		b.ack(ctx, stream, group, entry.ID)
		return
	}

	if err := handler(ctx, &msg); err != nil {
		// No ack: the entry stays pending and is redelivered via reclaim.
		b.logger.Error("Event handler failed", map[string]interface{}{
			"stream":     stream,
			"group":      group,
			"event_id":   msg.EventID.String(),
			"event_type": string(msg.EventType),
			"error":      err,
		})
		return
	}
	b.ack(ctx, stream, group, entry.ID)
}

func (b *Bus) ack(ctx context.Context, stream, group, entryID string) {
	if err := b.client.XAck(ctx, stream, group, entryID).Err(); err != nil && ctx.Err() == nil {
		b.logger.Warn("Event ack failed", map[string]interface{}{
			"stream":   stream,
			"entry_id": entryID,
			"error":    err,
		})
	}
}

// Close stops all consumers and releases the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.client.Close()
}

func consumerName(group string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "txrecover"
	}
	return fmt.Sprintf("%s-%s-%s", group, host, uuid.New().String()[:8])
}
