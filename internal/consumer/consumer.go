// Package consumer implements the batching drainer (C in spec §2): it
// pulls entries from the write log, coalesces them into bulk inserts
// against the document store under an IOPS throttle, opportunistically
// claims orphaned work from dead peers, and handles poison pills without
// blocking the head of the line (spec §4.3).
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/document"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
)

// maxDeliveriesBeforePoison bounds how many times a malformed entry may
// be redelivered before it is acknowledged without commit (spec §4.3
// step 4's poison-pill policy, §7).
const maxDeliveriesBeforePoison = 5

// bufferedEntry pairs a pulled stream entry with the delivery count it
// had at pull time, for poison-pill accounting, and the number of times
// this batch's insert has been attempted against the store, for the
// store-retry bound (spec §7).
type bufferedEntry struct {
	entry         broker.Entry
	deliveryCount int64
	storeAttempts int
}

// Consumer drains config.StreamName under config.ConsumerGroup as a
// single named consumer (spec §4.3). One Consumer is one dedicated
// worker per process, never one goroutine per entry (spec §9).
type Consumer struct {
	broker broker.Broker
	store  store.DocumentStore
	logger *slog.Logger

	settings config.Settings
	limiter  *rate.Limiter

	mu        sync.Mutex
	buffer    []bufferedEntry
	lastFlush time.Time
}

// New constructs a Consumer. It does not connect or start pulling;
// callers invoke Run.
func New(settings config.Settings, b broker.Broker, d store.DocumentStore, logger *slog.Logger) *Consumer {
	return &Consumer{
		broker:    b,
		store:     d,
		logger:    logger,
		settings:  settings,
		limiter:   rate.NewLimiter(rate.Every(75*time.Millisecond), 1),
		lastFlush: time.Now(),
	}
}

// Run ensures the consumer group exists, waits out a randomized startup
// jitter to avoid a thundering herd on rolling restarts (spec §4.3
// "Startup"), then loops pull/claim/decide/flush/ack/throttle until ctx
// is cancelled. On cancellation it performs one best-effort final flush
// before returning (spec §4.3 "Shutdown").
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID); err != nil {
		return err
	}

	jitter := time.Duration(1000+rand.Intn(4000)) * time.Millisecond
	c.logger.Info("Applying startup jitter", "duration", jitter)
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutdown signal received, flushing buffer")
			c.flushAndAck(context.Background())
			return nil
		default:
		}

		if err := c.iterate(ctx); err != nil {
			c.logger.Error("Consumer iteration failed, backing off", "error", err)
			select {
			case <-time.After(c.settings.RetryDelay):
			case <-ctx.Done():
				c.flushAndAck(context.Background())
				return nil
			}
		}
	}
}

// iterate runs one pass of the state machine described in spec §4.3.
func (c *Consumer) iterate(ctx context.Context) error {
	if err := c.pull(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()
	if bufLen*2 < c.settings.BatchSize {
		if err := c.claimOrphans(ctx); err != nil {
			c.logger.Warn("Claim pass failed, continuing", "error", err)
		}
	}

	if c.shouldFlush() {
		if err := c.flushAndAck(ctx); err != nil {
			return err
		}
		c.limiter.Wait(ctx)
	}

	return nil
}

// pull reads up to BatchSize entries with a 1-2s blocking window and
// appends them to the in-memory buffer, capped at 2x BatchSize (spec
// §5's buffer-bound invariant).
func (c *Consumer) pull(ctx context.Context) error {
	c.mu.Lock()
	room := 2*c.settings.BatchSize - len(c.buffer)
	c.mu.Unlock()
	if room <= 0 {
		return nil
	}

	count := int64(c.settings.BatchSize)
	if int64(room) < count {
		count = int64(room)
	}

	entries, err := c.broker.ReadGroup(ctx, config.ConsumerGroup, c.settings.ConsumerName, config.StreamName, count, c.settings.FlushInterval)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, e := range entries {
		c.buffer = append(c.buffer, bufferedEntry{entry: e, deliveryCount: 1})
	}
	c.mu.Unlock()
	return nil
}

// claimOrphans reclaims PEL entries idle beyond config.ClaimIdleThreshold,
// skipping entries already owned by this consumer, and bounds the number
// of entries claimed to whatever room remains under the 2xBatchSize
// buffer cap (spec §4.3 step 2, spec §5's buffer-bound invariant).
func (c *Consumer) claimOrphans(ctx context.Context) error {
	c.mu.Lock()
	room := 2*c.settings.BatchSize - len(c.buffer)
	c.mu.Unlock()
	if room <= 0 {
		return nil
	}

	pending, err := c.broker.PendingRange(ctx, config.StreamName, config.ConsumerGroup, int64(c.settings.BatchSize))
	if err != nil {
		return err
	}

	var ids []string
	deliveryByID := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Consumer == c.settings.ConsumerName {
			continue
		}
		if p.Idle < config.ClaimIdleThreshold {
			continue
		}
		ids = append(ids, p.ID)
		deliveryByID[p.ID] = p.DeliveryCount
		if len(ids) >= room {
			break
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := c.broker.Claim(ctx, config.StreamName, config.ConsumerGroup, c.settings.ConsumerName, config.ClaimIdleThreshold, ids)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, e := range claimed {
		c.buffer = append(c.buffer, bufferedEntry{entry: e, deliveryCount: deliveryByID[e.ID] + 1})
	}
	c.mu.Unlock()

	if len(claimed) > 0 {
		c.logger.Info("Claimed orphaned entries", "count", len(claimed))
	}
	return nil
}

// shouldFlush implements spec §4.3 step 3's decision: flush iff the
// buffer is at least BatchSize, or it is non-empty and FlushInterval has
// elapsed since the last flush.
func (c *Consumer) shouldFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 {
		return false
	}
	if len(c.buffer) >= c.settings.BatchSize {
		return true
	}
	return time.Since(c.lastFlush) >= c.settings.FlushInterval
}

// flushAndAck parses the buffer, bulk-inserts valid documents, and
// acknowledges poison entries plus every committed document's id. On
// bulk failure it returns an error so the caller backs off before the
// next attempt (spec §7: "backs off, retries"); an entry whose store
// insert has failed more than MaxRetries times is dropped from this consumer's
// buffer without acknowledgement, leaving it in PEL for a peer to claim
// (spec §7: "after a bounded number of retries on the same batch, logs
// and continues").
func (c *Consumer) flushAndAck(ctx context.Context) error {
	c.mu.Lock()
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var docs []document.Document
	var docIDs []string
	var poisonIDs []string
	var retry []bufferedEntry

	for _, be := range batch {
		doc, err := document.ParseEntry(be.entry.Payload)
		if err != nil {
			if be.deliveryCount >= maxDeliveriesBeforePoison {
				poisonIDs = append(poisonIDs, be.entry.ID)
				c.logger.Warn("Acknowledging poison entry without commit", "id", be.entry.ID, "deliveries", be.deliveryCount)
			} else {
				retry = append(retry, bufferedEntry{entry: be.entry, deliveryCount: be.deliveryCount + 1})
			}
			continue
		}
		docs = append(docs, doc)
		docIDs = append(docIDs, be.entry.ID)
	}
	c.requeue(retry)

	ackIDs := poisonIDs
	var flushErr error

	if len(docs) > 0 {
		result, err := c.store.InsertMany(ctx, docs)
		if err != nil || result.InsertedCount == 0 {
			if err != nil {
				c.logger.Error("Bulk insert failed", "error", err, "count", len(docs))
				flushErr = fmt.Errorf("consumer: bulk insert: %w", err)
			} else {
				c.logger.Error("Bulk insert committed zero documents", "attempted", len(docs))
				flushErr = fmt.Errorf("consumer: bulk insert committed zero documents")
			}
			c.retryOrDrop(docIDs, batch)
			return flushErr
		}
		for _, werr := range result.Errors {
			c.logger.Warn("Per-document insert error, not retried (unordered insert)", "error", werr)
		}
		ackIDs = append(ackIDs, docIDs...)
	}

	if len(ackIDs) == 0 {
		return nil
	}
	if _, err := c.broker.Ack(ctx, config.StreamName, config.ConsumerGroup, ackIDs...); err != nil {
		c.logger.Error("Ack failed", "error", err, "count", len(ackIDs))
		return fmt.Errorf("consumer: ack: %w", err)
	}
	c.lastFlush = time.Now()
	return nil
}

// requeue puts entries that are staying in PEL (awaiting retry or
// further deliveries) back at the front of the buffer.
func (c *Consumer) requeue(entries []bufferedEntry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(entries, c.buffer...)
}

// retryOrDrop restores the buffered entries whose id appears in ids
// after a failed store insert, bumping each one's store-attempt count.
// An entry that has now failed more than MaxRetries times is dropped
// from the buffer instead of requeued: it stays unacknowledged in the
// broker's PEL, available for another consumer to claim later (claimOrphans
// never claims this consumer's own entries), and this consumer stops
// hammering the store on its behalf.
func (c *Consumer) retryOrDrop(ids []string, original []bufferedEntry) {
	if len(ids) == 0 {
		return
	}
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	var retained []bufferedEntry
	for _, be := range original {
		if !idSet[be.entry.ID] {
			continue
		}
		be.storeAttempts++
		if be.storeAttempts > c.settings.MaxRetries {
			c.logger.Error("Dropping entry after exceeding max store retries, left pending for claim",
				"id", be.entry.ID, "attempts", be.storeAttempts)
			continue
		}
		retained = append(retained, be)
	}
	c.requeue(retained)
}
