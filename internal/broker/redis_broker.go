package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on Redis Streams plus Redis's plain
// key-value commands for the cache facet, grounded on the pack's Redis
// Streams consumer-group implementations (XReadGroup/XPendingExt/XClaim).
type RedisBroker struct {
	client *redis.Client
}

// Options configures the underlying Redis client.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisBroker constructs a RedisBroker from opts. It does not ping;
// callers probe reachability via Ping (used for /readyz).
func NewRedisBroker(opts Options) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	return &RedisBroker{client: client}
}

func wrapUnreachable(err error) error {
	if err == nil {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if strings.Contains(err.Error(), "connect") || strings.Contains(err.Error(), "refused") {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func (b *RedisBroker) Append(ctx context.Context, stream, payload string, maxLen int64) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: append: %w", wrapUnreachable(err))
	}
	return id, nil
}

func (b *RedisBroker) ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Entry, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: read group: %w", wrapUnreachable(err))
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			data, _ := msg.Values["data"].(string)
			entries = append(entries, Entry{ID: msg.ID, Payload: data})
		}
	}
	return entries, nil
}

func (b *RedisBroker) PendingRange(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: pending range: %w", wrapUnreachable(err))
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (b *RedisBroker) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: claim: %w", wrapUnreachable(err))
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		data, _ := m.Values["data"].(string)
		out = append(out, Entry{ID: m.ID, Payload: data})
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := b.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: ack: %w", wrapUnreachable(err))
	}
	return n, nil
}

func (b *RedisBroker) GroupCreate(ctx context.Context, stream, group, startID string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil {
		// BUSYGROUP means the group already exists — idempotent per spec §4.3 Startup.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("broker: group create: %w", wrapUnreachable(err))
	}
	return nil
}

func (b *RedisBroker) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len: %w", wrapUnreachable(err))
	}
	return n, nil
}

func (b *RedisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("broker: get: %w", wrapUnreachable(err))
	}
	return v, true, nil
}

func (b *RedisBroker) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("broker: setex: %w", wrapUnreachable(err))
	}
	return nil
}

func (b *RedisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: keys: %w", wrapUnreachable(err))
	}
	return keys, nil
}

func (b *RedisBroker) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := b.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: del: %w", wrapUnreachable(err))
	}
	return n, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", wrapUnreachable(err))
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
