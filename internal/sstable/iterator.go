package sstable

import "lsmkv/internal/keys"

// blockIterator walks the entries of one decoded block, using the
// restart-point array to binary-search on Seek rather than scanning from
// the start every time.
type blockIterator struct {
	b      *block
	cmp    keys.Comparator
	offset int
	entry  blockEntry
	valid  bool
	err    error
}

func newBlockIterator(b *block, cmp keys.Comparator) *blockIterator {
	return &blockIterator{b: b, cmp: cmp}
}

func (it *blockIterator) First() {
	it.offset = 0
	it.step()
}

func (it *blockIterator) step() {
	if it.offset >= len(it.b.data) {
		it.valid = false
		return
	}
	entry, next, err := decodeEntryAt(it.b.data, it.offset)
	if err != nil {
		it.valid = false
		it.err = err
		return
	}
	it.entry = entry
	it.offset = next
	it.valid = true
}

func (it *blockIterator) Next() { it.step() }

func (it *blockIterator) Valid() bool    { return it.valid }
func (it *blockIterator) Key() []byte    { return it.entry.key }
func (it *blockIterator) Value() []byte  { return it.entry.value }
func (it *blockIterator) Error() error   { return it.err }

// Seek positions the iterator at the first entry with key >= target,
// binary-searching the restart points first to bound the linear scan
// that follows.
func (it *blockIterator) Seek(target []byte) {
	lo, hi := 0, len(it.b.restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		entry, _, err := decodeEntryAt(it.b.data, int(it.b.restarts[mid]))
		if err != nil {
			it.valid = false
			it.err = err
			return
		}
		if it.cmp.Compare(entry.key, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it.offset = int(it.b.restarts[lo])
	for it.step(); it.valid; it.step() {
		if it.cmp.Compare(it.entry.key, target) >= 0 {
			return
		}
	}
}

// Iterator walks a table's full contents in increasing internal-key
// order via a two-level scheme: the index block locates a data block,
// which is then scanned directly.
type Iterator struct {
	reader   *Reader
	indexIt  *blockIterator
	dataIt   *blockIterator
	err      error
}

func (it *Iterator) First() {
	it.indexIt = newBlockIterator(it.reader.index, it.reader.cmp)
	it.indexIt.First()
	it.loadDataBlockAndSeekFirst()
}

func (it *Iterator) Seek(target []byte) {
	it.indexIt = newBlockIterator(it.reader.index, it.reader.cmp)
	it.indexIt.Seek(target)
	if !it.indexIt.Valid() {
		it.dataIt = nil
		return
	}
	if !it.loadDataBlock() {
		return
	}
	it.dataIt.Seek(target)
	for !it.dataIt.Valid() {
		it.indexIt.Next()
		if !it.indexIt.Valid() {
			it.dataIt = nil
			return
		}
		if !it.loadDataBlock() {
			return
		}
		it.dataIt.First()
	}
}

func (it *Iterator) loadDataBlock() bool {
	handle, _, err := decodeBlockHandle(it.indexIt.Value())
	if err != nil {
		it.err = err
		it.dataIt = nil
		return false
	}
	b, err := it.reader.readDataBlock(handle)
	if err != nil {
		it.err = err
		it.dataIt = nil
		return false
	}
	it.dataIt = newBlockIterator(b, it.reader.cmp)
	return true
}

func (it *Iterator) loadDataBlockAndSeekFirst() {
	for it.indexIt.Valid() {
		if !it.loadDataBlock() {
			return
		}
		it.dataIt.First()
		if it.dataIt.Valid() {
			return
		}
		it.indexIt.Next()
	}
	it.dataIt = nil
}

func (it *Iterator) Next() {
	if it.dataIt == nil {
		return
	}
	it.dataIt.Next()
	for !it.dataIt.Valid() {
		it.indexIt.Next()
		if !it.indexIt.Valid() {
			it.dataIt = nil
			return
		}
		if !it.loadDataBlock() {
			return
		}
		it.dataIt.First()
	}
}

func (it *Iterator) Valid() bool {
	return it.dataIt != nil && it.dataIt.Valid()
}

func (it *Iterator) Key() []byte {
	return it.dataIt.Key()
}

func (it *Iterator) Value() []byte {
	return it.dataIt.Value()
}

func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.dataIt != nil {
		return it.dataIt.Error()
	}
	return nil
}

func (it *Iterator) Close() error { return nil }
