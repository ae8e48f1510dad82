// Package types holds the small value types shared across the public API
// surface, kept separate so pkg/db, pkg/batch, pkg/iterator and
// pkg/snapshot don't need to import each other just to agree on a key type.
package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SequenceNumber is the 56-bit monotonically increasing logical timestamp
// spec §3 assigns to every committed write.
type SequenceNumber = uint64
