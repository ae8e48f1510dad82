// Package db defines the public key-value API (spec §4.7, §6): the
// engine's write path, read path, iteration, snapshots, and maintenance
// operations, implemented by internal/store.
package db

import (
	"context"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/config"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/snapshot"
	"lsmkv/pkg/types"
)

// ReadOptions is an alias of config.ReadOptions for callers that only
// import pkg/db.
type ReadOptions = config.ReadOptions

// WriteOptions is an alias of config.WriteOptions for callers that only
// import pkg/db.
type WriteOptions = config.WriteOptions

// DB is the public key-value API.
type DB interface {
	Get(ctx context.Context, key types.Key, opts ReadOptions) (types.Value, error)
	Put(ctx context.Context, key types.Key, value types.Value, opts WriteOptions) error
	Delete(ctx context.Context, key types.Key, opts WriteOptions) error
	Write(ctx context.Context, wb *batch.Batch, opts WriteOptions) error

	// Iteration
	NewIterator(ctx context.Context, opts ReadOptions) (iterator.Iterator, error)
	NewSnapshot(ctx context.Context) (snapshot.Snapshot, error)

	// Maintenance
	CompactRange(ctx context.Context, start, end types.Key) error
	Flush(ctx context.Context) error

	// Property queries (debug): num-files-at-level<N>, stats, sstables,
	// approximate-memory-usage.
	Property(name string) (string, bool)

	Close() error
}
