// Package store defines the document-store contract consumed by the
// ingress service and the batching consumer, and a MongoDB implementation
// of it. D (the document store) is treated as an external collaborator:
// this package owns only the contract, never Mongo's own internals.
package store

import (
	"context"
	"errors"

	"github.com/basakil/writeshed/internal/document"
)

// ErrUnreachable is returned when the store cannot be reached within its
// configured deadline.
var ErrUnreachable = errors.New("store: unreachable")

// BulkResult reports the outcome of an unordered bulk insert. A partial
// failure (InsertedCount < len(docs)) is still a success for
// acknowledgement purposes (spec §4.3 step 5, §7).
type BulkResult struct {
	InsertedCount int
	Errors        []error
}

// DocumentStore is the contract spec §4.2/§6 requires of the document
// store.
type DocumentStore interface {
	// InsertMany performs an unordered bulk insert of docs. Per-document
	// failures are reported in BulkResult.Errors without failing the
	// whole call.
	InsertMany(ctx context.Context, docs []document.Document) (BulkResult, error)

	// FindOneByType returns one document of the given type, or
	// ok=false if none exists.
	FindOneByType(ctx context.Context, docType string) (document.Document, bool, error)

	// CountDocuments returns the total document count.
	CountDocuments(ctx context.Context) (int64, error)

	// Ping verifies reachability for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close(ctx context.Context) error
}
