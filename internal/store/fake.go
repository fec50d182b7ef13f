package store

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/basakil/writeshed/internal/document"
)

// Fake is an in-memory DocumentStore used by ingress and consumer tests.
type Fake struct {
	mu          sync.Mutex
	docs        []document.Document
	Unreachable bool
	// FailNextInsert, when set, makes the next InsertMany call return a
	// transient error instead of inserting (used to exercise the
	// consumer's no-ack-on-zero-inserts path).
	FailNextInsert bool
}

// NewFake constructs an empty Fake store.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) checkReachable() error {
	if f.Unreachable {
		return fmt.Errorf("%w: fake store set unreachable", ErrUnreachable)
	}
	return nil
}

func (f *Fake) InsertMany(_ context.Context, docs []document.Document) (BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return BulkResult{}, err
	}
	if f.FailNextInsert {
		f.FailNextInsert = false
		return BulkResult{}, fmt.Errorf("store: insert many: transient failure")
	}
	for _, d := range docs {
		if d.ID == nil {
			id := primitive.NewObjectID()
			d.ID = &id
		}
		f.docs = append(f.docs, d)
	}
	return BulkResult{InsertedCount: len(docs)}, nil
}

func (f *Fake) FindOneByType(_ context.Context, docType string) (document.Document, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return document.Document{}, false, err
	}
	for _, d := range f.docs {
		if d.Type == docType {
			return d, true, nil
		}
	}
	return document.Document{}, false, nil
}

func (f *Fake) CountDocuments(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkReachable(); err != nil {
		return 0, err
	}
	return int64(len(f.docs)), nil
}

func (f *Fake) Ping(context.Context) error {
	return f.checkReachable()
}

func (f *Fake) Close(context.Context) error { return nil }

// Docs returns a copy of the inserted documents, for test assertions.
func (f *Fake) Docs() []document.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]document.Document, len(f.docs))
	copy(out, f.docs)
	return out
}
