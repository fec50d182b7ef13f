// Package broker defines the write-log broker contract consumed by the
// ingress service and the batching consumer (spec §4.2). It is treated as
// an external collaborator: this package owns only the contract and a
// Redis Streams implementation of it, never the broker's own storage.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrUnreachable is returned when the broker cannot be reached within its
// configured deadline. Ingress handlers map this to 503; the consumer
// backs off and retries.
var ErrUnreachable = errors.New("broker: unreachable")

// Entry is the ordered pair (id, payload) described in spec §3. id is a
// broker-assigned, time-ordered identifier; payload is the opaque byte
// sequence carried in the entry's "data" field.
type Entry struct {
	ID      string
	Payload string
}

// PendingEntry is a PEL record: (id, consumer, idle, delivery_count),
// used to decide whether an entry should be claimed from its current
// owner (spec §3, Consumer group).
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Broker is the contract spec §4.2 requires of the write-log broker plus
// its key-value facet. Every method may block up to its caller-supplied
// deadline and must return ErrUnreachable (wrapped) on connect/read
// timeout so callers can distinguish "broker down" from "no data yet".
type Broker interface {
	// Append adds payload to stream, trimming approximately to maxLen,
	// and returns the broker-assigned id.
	Append(ctx context.Context, stream, payload string, maxLen int64) (string, error)

	// ReadGroup returns up to count undelivered entries for consumer in
	// group, blocking up to block if none are available. Returned
	// entries are placed in the group's PEL under consumer.
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Entry, error)

	// PendingRange enumerates PEL entries for stream/group, for claim
	// decisions.
	PendingRange(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)

	// Claim transfers PEL ownership of ids idle at least minIdle to
	// newConsumer, returning the claimed entries.
	Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]Entry, error)

	// Ack removes ids from the group's PEL. Returns the number acked.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// GroupCreate idempotently creates group on stream starting at
	// startID, creating the stream if it doesn't exist. An
	// already-exists condition is not an error.
	GroupCreate(ctx context.Context, stream, group, startID string) error

	// Len returns the current length of stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Get returns the value stored at k, and ok=false on a cache miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// SetEx stores value at key with the given TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Keys returns all keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Del removes the given keys, returning the number removed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Ping verifies reachability for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
