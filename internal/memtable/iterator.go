package memtable

import "lsmkv/internal/keys"

// flatEntry is one internal-key/value pair exposed by Iterator: a user-key
// paired with one of its versions.
type flatEntry struct {
	ik    []byte
	value []byte
}

// Iterator walks a Memtable's entries in internal-key order: ascending
// user-key, then descending sequence within a user-key. It snapshots the
// table's contents on construction (by reading each keyEntry's current
// versions pointer once), which is consistent with the memtable being
// effectively append-only for the writer's own generation: later Adds by
// the writer for keys already seen simply won't be reflected, exactly as
// a snapshot iterator should behave.
type Iterator struct {
	mt      *Memtable
	entries []flatEntry
	pos     int
}

func newIterator(mt *Memtable) *Iterator {
	it := &Iterator{mt: mt}
	mt.set.Range(func(userKey []byte, e *keyEntry) bool {
		list := e.versions.Load()
		if list == nil {
			return true
		}
		for _, v := range *list {
			it.entries = append(it.entries, flatEntry{
				ik:    keys.Encode(userKey, v.seq, v.kind),
				value: v.value,
			})
		}
		return true
	})
	it.pos = -1
	return it
}

func (it *Iterator) First() {
	if len(it.entries) == 0 {
		it.pos = -1
		return
	}
	it.pos = 0
}

func (it *Iterator) Last() {
	it.pos = len(it.entries) - 1
}

// Seek positions at the first internal key >= target.
func (it *Iterator) Seek(target []byte) {
	cmp := it.mt.cmp
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp.Compare(it.entries[mid].ik, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(it.entries) {
		it.pos = len(it.entries)
		return
	}
	it.pos = lo
}

func (it *Iterator) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *Iterator) Prev() {
	it.pos--
}

func (it *Iterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *Iterator) Key() []byte {
	return it.entries[it.pos].ik
}

func (it *Iterator) Value() []byte {
	return it.entries[it.pos].value
}

func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	it.mt.Unref()
	return nil
}
