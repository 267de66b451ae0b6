package bqstore

import "context"

// DataBatchInserter is a generic interface for inserting a batch of rows into
// a warehouse table. It abstracts the destination so the ingestion worker can
// be tested against an in-memory implementation.
type DataBatchInserter[T any] interface {
	// InsertBatch inserts a slice of rows. A returned error means the whole
	// batch should be counted as failed; partial retry is the caller's choice.
	InsertBatch(ctx context.Context, items []*T) error
	// Close releases any resources held by the inserter.
	Close() error
}
