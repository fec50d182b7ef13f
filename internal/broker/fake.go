package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Broker used by ingress and consumer tests. It
// implements just enough of Redis Streams semantics (monotone ids,
// exclusive PEL ownership, approximate trim) to exercise the contract in
// spec §4.2 without a live Redis.
type Fake struct {
	mu          sync.Mutex
	seq         int64
	entries     map[string][]fakeEntry             // stream -> ordered entries (undelivered and delivered)
	pel         map[string]map[string]*fakePending // stream -> id -> pending record
	delivered   map[string]map[string]bool         // stream -> id -> ever delivered to the group
	groups      map[string]map[string]bool         // stream -> group -> exists
	kv          map[string]fakeValue
	Unreachable bool
}

type fakeEntry struct {
	id      string
	payload string
}

type fakePending struct {
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

type fakeValue struct {
	value   string
	expires time.Time
}

// NewFake constructs an empty Fake broker.
func NewFake() *Fake {
	return &Fake{
		entries:   make(map[string][]fakeEntry),
		pel:       make(map[string]map[string]*fakePending),
		delivered: make(map[string]map[string]bool),
		groups:    make(map[string]map[string]bool),
		kv:        make(map[string]fakeValue),
	}
}

func (f *Fake) checkReachable() error {
	if f.Unreachable {
		return fmt.Errorf("%w: fake broker set unreachable", ErrUnreachable)
	}
	return nil
}

func (f *Fake) Append(_ context.Context, stream, payload string, maxLen int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	f.entries[stream] = append(f.entries[stream], fakeEntry{id: id, payload: payload})
	if maxLen > 0 && int64(len(f.entries[stream])) > maxLen {
		overflow := int64(len(f.entries[stream])) - maxLen
		f.entries[stream] = f.entries[stream][overflow:]
	}
	return id, nil
}

func (f *Fake) ReadGroup(_ context.Context, group, consumer, stream string, count int64, _ time.Duration) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return nil, err
	}

	if f.pel[stream] == nil {
		f.pel[stream] = make(map[string]*fakePending)
	}
	if f.delivered[stream] == nil {
		f.delivered[stream] = make(map[string]bool)
	}
	delivered := f.delivered[stream]

	var out []Entry
	for _, e := range f.entries[stream] {
		if delivered[e.id] {
			continue // already delivered to someone in this group
		}
		delivered[e.id] = true
		f.pel[stream][e.id] = &fakePending{consumer: consumer, deliveredAt: time.Now(), deliveryCount: 1}
		out = append(out, Entry{ID: e.id, Payload: e.payload})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *Fake) PendingRange(_ context.Context, stream, _ string, count int64) ([]PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return nil, err
	}

	var ids []string
	for id := range f.pel[stream] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []PendingEntry
	for _, id := range ids {
		p := f.pel[stream][id]
		out = append(out, PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          time.Since(p.deliveredAt),
			DeliveryCount: p.deliveryCount,
		})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *Fake) Claim(_ context.Context, stream, _ string, newConsumer string, minIdle time.Duration, ids []string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return nil, err
	}

	byID := make(map[string]string, len(f.entries[stream]))
	for _, e := range f.entries[stream] {
		byID[e.id] = e.payload
	}

	var out []Entry
	for _, id := range ids {
		p, ok := f.pel[stream][id]
		if !ok || time.Since(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = newConsumer
		p.deliveredAt = time.Now()
		p.deliveryCount++
		out = append(out, Entry{ID: id, Payload: byID[id]})
	}
	return out, nil
}

func (f *Fake) Ack(_ context.Context, stream, _ string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		if _, ok := f.pel[stream][id]; ok {
			delete(f.pel[stream], id)
			n++
		}
	}
	return n, nil
}

func (f *Fake) GroupCreate(_ context.Context, stream, group, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return err
	}
	if f.groups[stream] == nil {
		f.groups[stream] = make(map[string]bool)
	}
	if f.entries[stream] == nil {
		f.entries[stream] = []fakeEntry{}
	}
	f.groups[stream][group] = true // idempotent: re-creating is a no-op
	return nil
}

func (f *Fake) Len(_ context.Context, stream string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return 0, err
	}
	return int64(len(f.entries[stream])), nil
}

func (f *Fake) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return "", false, err
	}
	v, ok := f.kv[key]
	if !ok {
		return "", false, nil
	}
	if !v.expires.IsZero() && time.Now().After(v.expires) {
		delete(f.kv, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (f *Fake) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return err
	}
	f.kv[key] = fakeValue{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (f *Fake) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return nil, err
	}
	var out []string
	for k := range f.kv {
		if fakeGlobMatch(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *Fake) Del(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.kv[k]; ok {
			delete(f.kv, k)
			n++
		}
	}
	return n, nil
}

func (f *Fake) Ping(context.Context) error {
	return f.checkReachable()
}

func (f *Fake) Close() error { return nil }

// fakeGlobMatch supports the one shape this system needs: a "prefix*" glob.
func fakeGlobMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix
	}
	return pattern == s
}
