// Package snapshot defines the public Snapshot handle: an immutable
// sequence number bounding compaction's freedom to discard older versions
// (spec §3) for as long as the handle is held.
package snapshot

import (
	"sync"

	"lsmkv/pkg/types"
)

// Snapshot provides a consistent view of the database at a given sequence.
type Snapshot interface {
	// Sequence returns the read sequence number.
	Sequence() types.SequenceNumber
	// Close releases the snapshot.
	Close() error
}

// handle is the concrete Snapshot returned to callers; release is invoked
// exactly once, under the engine's own list-management lock.
type handle struct {
	seq     types.SequenceNumber
	once    sync.Once
	release func()
}

// New wraps seq in a Snapshot whose Close calls release exactly once.
func New(seq types.SequenceNumber, release func()) Snapshot {
	return &handle{seq: seq, release: release}
}

func (h *handle) Sequence() types.SequenceNumber { return h.seq }

func (h *handle) Close() error {
	h.once.Do(h.release)
	return nil
}
