package memtable

import "sync/atomic"

// arena is a bump allocator backing every entry stored in a Memtable. The
// spec calls for "storage allocated from a bump arena owned by the table"
// whose growth is unbounded and whose ApproximateMemoryUsage is just the
// bytes it holds; a slice of byte-slice chunks is the natural shape for a
// garbage-collected runtime, since the arena exists here to account memory
// and to give every entry a stable backing allocation, not to dodge the GC.
type arena struct {
	used   atomic.Uint64
	chunks [][]byte
}

func newArena() *arena {
	return &arena{}
}

// allocate returns a fresh zeroed chunk of size bytes, counted toward the
// memtable's memory usage; the caller copies key and value into it.
func (a *arena) allocate(size int) []byte {
	buf := make([]byte, size)
	a.chunks = append(a.chunks, buf)
	a.used.Add(uint64(size))
	return buf
}

func (a *arena) approximateMemoryUsage() uint64 {
	return a.used.Load()
}
