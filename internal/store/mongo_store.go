package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/basakil/writeshed/internal/document"
)

// MongoStore is a DocumentStore backed by database assessmentdb,
// collection records (spec §6 document-store schema).
type MongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
}

// MongoOptions configures the underlying Mongo client.
type MongoOptions struct {
	URI            string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// NewMongoStore connects lazily: Connect does not block on server
// selection, matching the teacher's "don't let a slow store kill the
// process at startup" stance (original_source/app-python/main.py).
func NewMongoStore(opts MongoOptions) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(opts.MaxPoolSize).
		SetServerSelectionTimeout(opts.ConnectTimeout)

	client, err := mongo.Connect(context.Background(), clientOpts)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	col := client.Database("assessmentdb").Collection("records")
	return &MongoStore{client: client, col: col}, nil
}

func wrapUnreachable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

// InsertMany performs an unordered bulk insert (spec §4.3's "unordered
// bulk insert" policy): per-document errors are collected from the
// driver's mongo.BulkWriteException without failing the whole call.
func (s *MongoStore) InsertMany(ctx context.Context, docs []document.Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	items := make([]interface{}, len(docs))
	for i, d := range docs {
		items[i] = d
	}

	res, err := s.col.InsertMany(ctx, items, options.InsertMany().SetOrdered(false))
	inserted := 0
	if res != nil {
		inserted = len(res.InsertedIDs)
	}

	if err == nil {
		return BulkResult{InsertedCount: inserted}, nil
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		errs := make([]error, 0, len(bwe.WriteErrors))
		for _, we := range bwe.WriteErrors {
			errs = append(errs, fmt.Errorf("store: document %d: %s", we.Index, we.Message))
		}
		// Partial success: some documents landed, the rest are logged,
		// not retried, per the unordered-insert policy (spec §7).
		return BulkResult{InsertedCount: inserted, Errors: errs}, nil
	}

	return BulkResult{}, fmt.Errorf("store: insert many: %w", wrapUnreachable(err))
}

func (s *MongoStore) FindOneByType(ctx context.Context, docType string) (document.Document, bool, error) {
	var d document.Document
	err := s.col.FindOne(ctx, bson.D{{Key: "type", Value: docType}}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return document.Document{}, false, nil
		}
		return document.Document{}, false, fmt.Errorf("store: find one: %w", wrapUnreachable(err))
	}
	return d, true, nil
}

func (s *MongoStore) CountDocuments(ctx context.Context) (int64, error) {
	n, err := s.col.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", wrapUnreachable(err))
	}
	return n, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("store: ping: %w", wrapUnreachable(err))
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
