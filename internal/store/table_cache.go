package store

import (
	"container/list"
	"fmt"
	"path/filepath"
	"sync"

	"lsmkv/internal/keys"
	"lsmkv/internal/sstable"
	"lsmkv/pkg/config"
)

// tableCache bounds the number of simultaneously open table readers (spec
// §6's max_open_files), evicting the least recently used reader when full.
// It satisfies compaction.TableOpener directly.
//
// Every reader it hands out through Open is borrowed, not owned: the
// caller must pair it with exactly one Release once it's done, whether
// that's a single Get lookup or a dbIterator held open across many
// Next calls. A borrowed entry is pinned against LRU eviction for as
// long as its ref count is above zero, so a reader a live iterator is
// mid-scan through is never closed out from under it.
type tableCache struct {
	dir        string
	opts       config.Options
	cmp        keys.InternalComparator
	blockCache *sstable.BlockCache

	mu      sync.Mutex
	ll      *list.List
	items   map[uint64]*list.Element
	// retired holds entries Evict forced out of the cache while still
	// borrowed; they're closed once their last Release drops the ref
	// count to zero instead of right away.
	retired  map[uint64]*tableCacheEntry
	capacity int
}

type tableCacheEntry struct {
	number uint64
	reader *sstable.Reader
	refs   int
}

func newTableCache(dir string, opts config.Options, blockCache *sstable.BlockCache, cmp keys.InternalComparator) *tableCache {
	capacity := opts.MaxOpenFiles - 10 // reserve a few handles for the WAL/manifest/LOCK
	if capacity < 1 {
		capacity = 1
	}
	return &tableCache{
		dir:        dir,
		opts:       opts,
		cmp:        cmp,
		blockCache: blockCache,
		ll:         list.New(),
		items:      make(map[uint64]*list.Element),
		retired:    make(map[uint64]*tableCacheEntry),
		capacity:   capacity,
	}
}

// Open returns a reader for fileNumber, opening and caching it if it
// isn't already resident, and pins it against eviction until a matching
// Release call. Every successful Open must be paired with exactly one
// Release.
func (tc *tableCache) Open(fileNumber uint64) (*sstable.Reader, error) {
	tc.mu.Lock()
	if el, ok := tc.items[fileNumber]; ok {
		tc.ll.MoveToFront(el)
		entry := el.Value.(*tableCacheEntry)
		entry.refs++
		r := entry.reader
		tc.mu.Unlock()
		return r, nil
	}
	tc.mu.Unlock()

	path := filepath.Join(tc.dir, tableFileName(fileNumber))
	r, err := sstable.OpenReader(path, fileNumber, sstable.ReaderOptions{
		Cache:           tc.blockCache,
		Comparator:      tc.cmp.User,
		VerifyChecksums: tc.opts.ParanoidChecks,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open table %d: %w", fileNumber, err)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if el, ok := tc.items[fileNumber]; ok {
		// Another goroutine opened the same file first; keep theirs.
		tc.ll.MoveToFront(el)
		entry := el.Value.(*tableCacheEntry)
		entry.refs++
		_ = r.Close()
		return entry.reader, nil
	}
	el := tc.ll.PushFront(&tableCacheEntry{number: fileNumber, reader: r, refs: 1})
	tc.items[fileNumber] = el
	tc.evictLocked()
	return r, nil
}

// Release returns one borrowed reference obtained from Open. Once the
// last reference on an entry Evict retired drops, its reader is closed.
func (tc *tableCache) Release(fileNumber uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if el, ok := tc.items[fileNumber]; ok {
		el.Value.(*tableCacheEntry).refs--
		return
	}
	entry, ok := tc.retired[fileNumber]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(tc.retired, fileNumber)
		_ = entry.reader.Close()
	}
}

// evictLocked drops least-recently-used entries until the cache is back
// at capacity. It skips any entry still borrowed (refs > 0): forcing
// that reader closed would pull it out from under whatever Get lookup
// or dbIterator still holds it, so a pinned entry rides over capacity
// until its borrower releases it.
func (tc *tableCache) evictLocked() {
	for tc.ll.Len() > tc.capacity {
		var victim *list.Element
		for e := tc.ll.Back(); e != nil; e = e.Prev() {
			if e.Value.(*tableCacheEntry).refs == 0 {
				victim = e
				break
			}
		}
		if victim == nil {
			return
		}
		entry := victim.Value.(*tableCacheEntry)
		tc.ll.Remove(victim)
		delete(tc.items, entry.number)
		_ = entry.reader.Close()
	}
}

// Evict drops fileNumber from the cache; called once a file is no
// longer live so its descriptor is released promptly instead of
// waiting for LRU pressure. If a borrower still holds it, the entry is
// retired instead of closed outright: Release closes it once the last
// borrower lets go.
func (tc *tableCache) Evict(fileNumber uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	el, ok := tc.items[fileNumber]
	if !ok {
		return
	}
	delete(tc.items, fileNumber)
	tc.ll.Remove(el)
	entry := el.Value.(*tableCacheEntry)
	if entry.refs > 0 {
		tc.retired[fileNumber] = entry
		return
	}
	_ = entry.reader.Close()
}

// CloseAll closes every cached and retired reader; called from
// Store.Close, by which point no borrower can still be running.
func (tc *tableCache) CloseAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, el := range tc.items {
		_ = el.Value.(*tableCacheEntry).reader.Close()
	}
	for _, entry := range tc.retired {
		_ = entry.reader.Close()
	}
	tc.items = make(map[uint64]*list.Element)
	tc.retired = make(map[uint64]*tableCacheEntry)
	tc.ll = list.New()
}
