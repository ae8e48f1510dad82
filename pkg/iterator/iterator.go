// Package iterator defines the user-facing, database-level iterator
// contract: positioning and traversal over a sorted sequence of key-value
// pairs, with no internal-key/sequence detail leaking through.
package iterator

import "lsmkv/pkg/types"

// Iterator iterates over a sorted sequence of key-value pairs.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Last moves to the largest key.
	Last()
	// Next advances to the next key.
	Next()
	// Prev moves to the previous key.
	Prev()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Error returns the first error encountered, if any.
	Error() error
	// Close releases every reference the iterator took on construction.
	Close() error
}
