// Package memtable implements the in-memory ordered multiset of
// internal-key -> value entries described in spec §4.1: entries are grouped
// by user-key in a concurrent skip list, each group holding the versions of
// that user-key newest-sequence-first, all backed by a bump arena and
// shared between the writer and any number of readers via a reference
// count.
package memtable

import (
	"errors"
	"sync/atomic"

	"lsmkv/internal/keys"

	"github.com/zhangyunhao116/skipmap"
)

var ErrTooLargeEntry = errors.New("memtable: entry exceeds write-buffer size")

// version is one arena-backed (sequence, kind, value) write for a user-key.
type version struct {
	seq   uint64
	kind  keys.Kind
	value []byte
}

// keyEntry groups every version written for one user-key. versions is
// published with an atomic pointer swap on every Add so that readers
// following a skip-list link observe either the old, fully-initialized
// slice or the new one — never a partially built one — without taking a
// lock, matching spec §4.1's release/acquire requirement.
type keyEntry struct {
	userKey  []byte
	versions atomic.Pointer[[]version]
}

type skipSet = skipmap.FuncMap[[]byte, *keyEntry]

// Memtable is a ref-counted, arena-backed ordered map of internal-key ->
// value. Add is safe only when called from the single writer; Get and
// iteration are safe for any number of concurrent callers holding a
// reference.
type Memtable struct {
	cmp  keys.InternalComparator
	set  *skipSet
	ar   *arena
	refs atomic.Int32
	cnt  atomic.Int64
}

// New creates an empty memtable whose user-keys are ordered by the user
// half of cmp.
func New(cmp keys.InternalComparator) *Memtable {
	mt := &Memtable{cmp: cmp, ar: newArena()}
	mt.set = skipmap.NewFunc[[]byte, *keyEntry](func(a, b []byte) bool {
		return cmp.User.Compare(a, b) < 0
	})
	mt.refs.Store(1)
	return mt
}

// Add copies value into the arena and links (seq, kind) onto userKey's
// version list. Add never fails at the engine level; arena growth is
// unbounded within the table.
func (mt *Memtable) Add(seq uint64, kind keys.Kind, userKey, value []byte) {
	buf := mt.ar.allocate(len(userKey) + len(value))
	n := copy(buf, userKey)
	copy(buf[n:], value)
	arenaKey, arenaValue := buf[:n], buf[n:]

	e, loaded := mt.set.LoadOrStore(arenaKey, &keyEntry{userKey: arenaKey})
	if loaded {
		// Another version of an existing key; reuse its stored user-key so
		// the skip list doesn't accumulate duplicate arena copies of it.
		arenaValue = mt.ar.allocate(len(value))
		copy(arenaValue, value)
	}

	for {
		old := e.versions.Load()
		var newList []version
		if old != nil {
			newList = make([]version, 0, len(*old)+1)
			newList = append(newList, *old...)
		}
		newList = append(newList, version{seq: seq, kind: kind, value: arenaValue})
		// Keep the per-key list sorted newest-sequence-first so it already
		// matches the descending-sequence half of the internal-key order.
		for i := len(newList) - 1; i > 0 && newList[i-1].seq < newList[i].seq; i-- {
			newList[i-1], newList[i] = newList[i], newList[i-1]
		}
		if e.versions.CompareAndSwap(old, &newList) {
			break
		}
	}
	mt.cnt.Add(1)
}

// LookupResult reports how Get resolved a lookup.
type LookupResult int

const (
	// NotInTable means no entry for this user-key was found in this table;
	// the caller should continue probing the next layer (older memtable,
	// or the on-disk version).
	NotInTable LookupResult = iota
	Found
	Deleted
)

// Get returns the value visible at sequence seq for userKey: Found with the
// value for a live write, Deleted for a tombstone, or NotInTable if this
// table holds nothing for userKey at all.
func (mt *Memtable) Get(userKey []byte, seq uint64) ([]byte, LookupResult) {
	e, ok := mt.set.Load(userKey)
	if !ok {
		return nil, NotInTable
	}
	list := e.versions.Load()
	if list == nil {
		return nil, NotInTable
	}
	for _, v := range *list {
		if v.seq <= seq {
			if v.kind == keys.KindDeletion {
				return nil, Deleted
			}
			return v.value, Found
		}
	}
	return nil, NotInTable
}

// ApproximateMemoryUsage returns the total bytes held by the arena.
func (mt *Memtable) ApproximateMemoryUsage() uint64 {
	return mt.ar.approximateMemoryUsage()
}

// Count returns the number of entries added (including tombstones and
// superseded versions of the same user-key).
func (mt *Memtable) Count() int64 {
	return mt.cnt.Load()
}

// Ref increments the reference count. Callers must already hold a reference
// (e.g. the one returned by New, or one taken while the engine mutex was
// held) before calling Ref again.
func (mt *Memtable) Ref() {
	mt.refs.Add(1)
}

// Unref decrements the reference count; the table is released for GC once
// it reaches zero. Safe to call without any lock held.
func (mt *Memtable) Unref() {
	if mt.refs.Add(-1) == 0 {
		mt.set = nil
		mt.ar = nil
	}
}

// NewIterator returns a forward/backward iterator over this table's
// internal keys. It takes a reference on mt for the iterator's lifetime,
// released by Iterator.Close.
func (mt *Memtable) NewIterator() *Iterator {
	mt.Ref()
	return newIterator(mt)
}
