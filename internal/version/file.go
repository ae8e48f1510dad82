package version

import "sync/atomic"

// FileMetadata describes one on-disk SSTable (spec §3): its identity,
// size, user-key-ordered key range (encoded as internal keys), and the
// two counters that drive its lifecycle — a reference count shared by
// every version that lists it, and a seek budget that drives
// read-triggered compaction.
type FileMetadata struct {
	Number   uint64
	FileSize uint64
	Smallest []byte // internal key
	Largest  []byte // internal key

	refs       atomic.Int32
	seekBudget atomic.Int32
	// compactionScheduled is set once this file has been flagged as a
	// seek-compaction candidate, so it is only flagged once (spec
	// invariant 5).
	compactionScheduled atomic.Bool
}

// NewFileMetadata builds a FileMetadata with its seek budget initialized
// per spec invariant 5: max(100, file_size / 16KiB).
func NewFileMetadata(number, fileSize uint64, smallest, largest []byte) *FileMetadata {
	budget := int32(fileSize / (16 << 10))
	if budget < 100 {
		budget = 100
	}
	f := &FileMetadata{
		Number:   number,
		FileSize: fileSize,
		Smallest: smallest,
		Largest:  largest,
	}
	f.seekBudget.Store(budget)
	return f
}

// Ref increments the reference count; called whenever a new version adds
// this file to one of its levels.
func (f *FileMetadata) Ref() { f.refs.Add(1) }

// Unref decrements the reference count and reports whether it reached
// zero, at which point the caller should schedule the file for deletion
// (subject to pending_outputs protection).
func (f *FileMetadata) Unref() bool {
	return f.refs.Add(-1) == 0
}

// RecordSeek decrements the seek budget and reports whether this call
// drove it to (or past) zero for the first time — the signal used to
// flag the file as a seek-compaction candidate exactly once.
func (f *FileMetadata) RecordSeek() bool {
	remaining := f.seekBudget.Add(-1)
	if remaining > 0 {
		return false
	}
	return f.compactionScheduled.CompareAndSwap(false, true)
}
