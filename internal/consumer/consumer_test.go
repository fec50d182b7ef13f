package consumer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/document"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() config.Settings {
	return config.Settings{
		BatchSize:     1000,
		FlushInterval: 50 * time.Millisecond,
		RetryDelay:    10 * time.Millisecond,
		MaxRetries:    3,
		ConsumerName:  "consumer-test",
	}
}

func appendDoc(t *testing.T, b *broker.Fake, index int, payload string) string {
	t.Helper()
	d := document.New(index, payload)
	raw, err := d.MarshalEntry()
	if err != nil {
		t.Fatalf("MarshalEntry: %v", err)
	}
	id, err := b.Append(context.Background(), config.StreamName, raw, config.StreamMaxLen)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

func TestExactlyBatchSizeEntriesProduceOneInsert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.NewFake()
	d := store.NewFake()
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	for i := 0; i < 1000; i++ {
		appendDoc(t, b, i, "payload")
	}

	settings := testSettings()
	c := New(settings, b, d, testLogger())

	if err := c.pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !c.shouldFlush() {
		t.Fatalf("expected shouldFlush true at exactly BatchSize entries")
	}
	c.flushAndAck(ctx)
	cancel()

	if len(d.Docs()) != 1000 {
		t.Fatalf("inserted %d documents, want 1000", len(d.Docs()))
	}

	pending, _ := b.PendingRange(context.Background(), config.StreamName, config.ConsumerGroup, 2000)
	if len(pending) != 0 {
		t.Fatalf("pending after ack = %d, want 0", len(pending))
	}
}

func TestClaimFromDeadPeerRecoversOrphan(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	d := store.NewFake()
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	id := appendDoc(t, b, 0, "payload")
	// Simulate a dead peer: it read the entry but never acked.
	b.ReadGroup(ctx, config.ConsumerGroup, "dead-peer", config.StreamName, 10, 0)

	settings := testSettings()
	settings.ConsumerName = "consumer-survivor"
	c := New(settings, b, d, testLogger())

	// Entries are only eligible for claim once idle beyond the
	// threshold; pass minIdle=0 directly to simulate that elapsed time.
	claimed, err := b.Claim(ctx, config.StreamName, config.ConsumerGroup, settings.ConsumerName, 0, []string{id})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Claim returned %d entries, want 1", len(claimed))
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, bufferedEntry{entry: claimed[0], deliveryCount: 2})
	c.mu.Unlock()

	c.flushAndAck(ctx)

	if len(d.Docs()) != 1 {
		t.Fatalf("inserted %d documents, want 1", len(d.Docs()))
	}
	pending, _ := b.PendingRange(ctx, config.StreamName, config.ConsumerGroup, 10)
	if len(pending) != 0 {
		t.Fatalf("pending after claim+flush = %d, want 0", len(pending))
	}
}

func TestPoisonEntryAckedWithoutCommitPastThreshold(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	d := store.NewFake()
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	id, err := b.Append(ctx, config.StreamName, "not json", config.StreamMaxLen)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	b.ReadGroup(ctx, config.ConsumerGroup, "consumer-test", config.StreamName, 10, 0)

	settings := testSettings()
	c := New(settings, b, d, testLogger())
	c.mu.Lock()
	c.buffer = append(c.buffer, bufferedEntry{entry: broker.Entry{ID: id, Payload: "not json"}, deliveryCount: maxDeliveriesBeforePoison})
	c.mu.Unlock()

	c.flushAndAck(ctx)

	if len(d.Docs()) != 0 {
		t.Fatalf("expected no documents committed for a poison entry, got %d", len(d.Docs()))
	}
	pending, _ := b.PendingRange(ctx, config.StreamName, config.ConsumerGroup, 10)
	if len(pending) != 0 {
		t.Fatalf("expected poison entry acked out of PEL, got %d still pending", len(pending))
	}
}

func TestMalformedEntryBelowThresholdStaysForRetry(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	d := store.NewFake()
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	id, _ := b.Append(ctx, config.StreamName, "not json", config.StreamMaxLen)
	b.ReadGroup(ctx, config.ConsumerGroup, "consumer-test", config.StreamName, 10, 0)

	settings := testSettings()
	c := New(settings, b, d, testLogger())
	c.mu.Lock()
	c.buffer = append(c.buffer, bufferedEntry{entry: broker.Entry{ID: id, Payload: "not json"}, deliveryCount: 1})
	c.mu.Unlock()

	c.flushAndAck(ctx)

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()
	if bufLen != 1 {
		t.Fatalf("expected malformed entry requeued for retry, buffer len = %d", bufLen)
	}
}

func TestBufferNeverExceedsTwiceBatchSize(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	d := store.NewFake()
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	settings := testSettings()
	settings.BatchSize = 10
	c := New(settings, b, d, testLogger())

	for i := 0; i < 50; i++ {
		appendDoc(t, b, i, "payload")
	}

	for i := 0; i < 5; i++ {
		if err := c.pull(ctx); err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
	}

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()
	if bufLen > 2*settings.BatchSize {
		t.Fatalf("buffer grew to %d, want <= %d", bufLen, 2*settings.BatchSize)
	}
}

func TestZeroInsertLeavesEntriesPendingForRetry(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	d := store.NewFake()
	d.FailNextInsert = true
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	id := appendDoc(t, b, 0, "payload")
	b.ReadGroup(ctx, config.ConsumerGroup, "consumer-test", config.StreamName, 10, 0)

	settings := testSettings()
	c := New(settings, b, d, testLogger())
	raw := mustMarshal(t, document.New(0, "payload"))
	c.mu.Lock()
	c.buffer = append(c.buffer, bufferedEntry{entry: broker.Entry{ID: id, Payload: raw}, deliveryCount: 1})
	c.mu.Unlock()

	c.flushAndAck(ctx)

	pending, _ := b.PendingRange(ctx, config.StreamName, config.ConsumerGroup, 10)
	if len(pending) != 1 {
		t.Fatalf("expected entry to remain pending after failed insert, pending = %d", len(pending))
	}
}

func TestStoreRetryDropsEntryAfterMaxRetriesButLeavesItPending(t *testing.T) {
	ctx := context.Background()
	b := broker.NewFake()
	d := store.NewFake()
	d.Unreachable = true
	b.GroupCreate(ctx, config.StreamName, config.ConsumerGroup, config.GroupStartID)

	id := appendDoc(t, b, 0, "payload")
	b.ReadGroup(ctx, config.ConsumerGroup, "consumer-test", config.StreamName, 10, 0)

	settings := testSettings()
	settings.MaxRetries = 2
	c := New(settings, b, d, testLogger())
	raw := mustMarshal(t, document.New(0, "payload"))
	c.mu.Lock()
	c.buffer = append(c.buffer, bufferedEntry{entry: broker.Entry{ID: id, Payload: raw}, deliveryCount: 1})
	c.mu.Unlock()

	for i := 0; i < settings.MaxRetries+1; i++ {
		if err := c.flushAndAck(ctx); err == nil {
			t.Fatalf("attempt %d: expected error from flushAndAck while store unreachable", i)
		}
	}

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()
	if bufLen != 0 {
		t.Fatalf("expected entry dropped from buffer after exceeding MaxRetries, buffer len = %d", bufLen)
	}

	pending, _ := b.PendingRange(ctx, config.StreamName, config.ConsumerGroup, 10)
	if len(pending) != 1 {
		t.Fatalf("expected entry to remain pending in broker PEL for a peer to claim, pending = %d", len(pending))
	}
}

func mustMarshal(t *testing.T, d document.Document) string {
	t.Helper()
	raw, err := d.MarshalEntry()
	if err != nil {
		t.Fatalf("MarshalEntry: %v", err)
	}
	return raw
}
