package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler processes one stream entry's payload.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// ConsumerConfig holds consumer configuration. Zero durations and counts
// take defaults.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	Block                time.Duration
	BatchSize            int64
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int64
}

// Consumer reads a consumer group over Redis Streams. Entries are acked only
// after the handler succeeds. Entries left pending past PendingIdleTime are
// reclaimed, and after MaxRetries deliveries they move to "dlq:<stream>".
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	log    zerolog.Logger
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PendingCheckInterval <= 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdleTime <= 0 {
		cfg.PendingIdleTime = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "stream_consumer").Str("group", cfg.Group).Logger(),
	}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("consumer", c.cfg.Consumer).
		Strs("streams", c.cfg.Streams).
		Msg("starting consumer")

	for _, stream := range c.cfg.Streams {
		if err := c.EnsureGroup(ctx, stream); err != nil {
			c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
		}
	}

	go c.reclaimLoop(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.read(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, s.Stream, msg)
			}
		}
	}
}

// EnsureGroup creates the consumer group and stream when missing.
func (c *Consumer) EnsureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (c *Consumer) read(ctx context.Context) ([]redis.XStream, error) {
	if len(c.cfg.Streams) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	args := make([]string, 0, len(c.cfg.Streams)*2)
	args = append(args, c.cfg.Streams...)
	for range c.cfg.Streams {
		args = append(args, ">")
	}

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
}

// handle runs the handler and acks on success. Failures stay pending for reclaim.
func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) bool {
	if err := c.process(ctx, stream, msg); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error processing message")
		return false
	}
	if err := c.client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error acknowledging message")
		return false
	}
	return true
}

func (c *Consumer) process(ctx context.Context, stream string, msg redis.XMessage) error {
	raw, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("invalid message format: missing data field")
	}
	data, ok := raw.(string)
	if !ok {
		return fmt.Errorf("invalid message format: data is not a string")
	}
	return c.cfg.Handler.Handle(ctx, stream, []byte(data))
}

// =============================================================================
// Pending reclaim / DLQ
// =============================================================================

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.cfg.Streams {
				c.ReclaimPending(ctx, stream)
			}
		}
	}
}

// ReclaimPending retries idle pending entries of stream and dead-letters
// those delivered MaxRetries times.
func (c *Consumer) ReclaimPending(ctx context.Context, stream string) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending messages")
		}
		return
	}

	for _, p := range pending {
		if p.Idle < c.cfg.PendingIdleTime {
			continue
		}
		if p.RetryCount >= c.cfg.MaxRetries {
			c.log.Warn().Str("stream", stream).Str("id", p.ID).Int64("deliveries", p.RetryCount).
				Msg("message exceeded max retries, moving to DLQ")
			if err := c.DeadLetter(ctx, stream, p.ID); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving message to DLQ")
				continue
			}
			c.client.XAck(ctx, stream, c.cfg.Group, p.ID)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.PendingIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
			continue
		}
		for _, msg := range claimed {
			if c.handle(ctx, stream, msg) {
				c.log.Info().Str("stream", stream).Str("id", msg.ID).Msg("reprocessed pending message")
			}
		}
	}
}

// DeadLetterStream names the DLQ for stream.
func DeadLetterStream(stream string) string {
	return "dlq:" + stream
}

// DeadLetter copies an entry to the stream's DLQ with failure metadata.
func (c *Consumer) DeadLetter(ctx context.Context, stream, id string) error {
	entries, err := c.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("message %s not found in stream %s", id, stream)
	}

	values := map[string]interface{}{
		"original_stream": stream,
		"original_id":     id,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.cfg.Consumer,
		"group":           c.cfg.Group,
	}
	for k, v := range entries[0].Values {
		values["original_"+k] = v
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
