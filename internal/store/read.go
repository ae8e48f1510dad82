package store

import (
	"context"
	"fmt"

	"github.com/zhangyunhao116/fastrand"

	"lsmkv/internal/keys"
	"lsmkv/internal/memtable"
	"lsmkv/internal/sstable"
	"lsmkv/internal/version"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/snapshot"
	"lsmkv/pkg/types"
)

// Get resolves key at the read sequence named by opts.Snapshot, or at the
// database's current last sequence if none was given.
func (s *Store) Get(ctx context.Context, key types.Key, opts config.ReadOptions) (types.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.backgroundErr(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	seq := s.lastSeq
	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}
	mem := s.activeMem
	mem.Ref()
	var imm *memtable.Memtable
	if s.immutableMem != nil {
		imm = s.immutableMem
		imm.Ref()
	}
	v := s.versions.Current()
	s.mu.Unlock()

	defer mem.Unref()
	if imm != nil {
		defer imm.Unref()
	}
	defer s.versions.ReleaseVersion(v)

	if value, result := mem.Get(key, seq); result != memtable.NotInTable {
		return s.resolveMemtableResult(key, value, result)
	}
	if imm != nil {
		if value, result := imm.Get(key, seq); result != memtable.NotInTable {
			return s.resolveMemtableResult(key, value, result)
		}
	}

	opener := func(f *version.FileMetadata) (*sstable.Reader, func(), error) {
		r, oerr := s.tables.Open(f.Number)
		if oerr != nil {
			return nil, nil, oerr
		}
		return r, func() { s.tables.Release(f.Number) }, nil
	}
	value, found, deleted, stats, err := v.Get(key, seq, opener)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.IOError, "read table during lookup", err)
	}

	if s.shouldSampleRead(len(key) + len(value)) {
		if v.UpdateStats(stats) {
			s.mu.Lock()
			s.maybeScheduleCompactionLocked()
			s.mu.Unlock()
		}
	}

	if !found || deleted {
		return nil, dberrors.ErrNotFound
	}
	return value, nil
}

func (s *Store) resolveMemtableResult(key types.Key, value []byte, result memtable.LookupResult) (types.Value, error) {
	if result == memtable.Deleted {
		return nil, dberrors.ErrNotFound
	}
	return value, nil
}

// shouldSampleRead charges n bytes against the jittered read-sampling
// countdown and reports whether it just crossed zero, meaning this read
// should count toward its file's seek-compaction budget. The countdown
// is reseeded with a random offset around 1MiB each time it fires, so
// many concurrent readers don't all trip file compaction in lockstep.
func (s *Store) shouldSampleRead(n int) bool {
	remaining := s.readSampleRemaining.Add(-int64(n))
	if remaining > 0 {
		return false
	}
	s.readSampleRemaining.Store(nextReadSampleBytes())
	return true
}

func nextReadSampleBytes() int64 {
	const base = 1 << 20
	return int64(base + fastrand.Intn(base))
}

// NewSnapshot pins the database's current last sequence number: reads
// against it observe exactly the writes committed before this call.
func (s *Store) NewSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	s.mu.Lock()
	seq := s.lastSeq
	el := s.snapshots.PushBack(seq)
	s.mu.Unlock()

	return snapshot.New(types.SequenceNumber(seq), func() {
		s.mu.Lock()
		s.snapshots.Remove(el)
		s.mu.Unlock()
	}), nil
}

// smallestSnapshotLocked returns the oldest sequence number any held
// snapshot still needs visible, or the current last sequence if none are
// held — compaction's drop-rule boundary (spec §4.6). Caller holds s.mu.
func (s *Store) smallestSnapshotLocked() uint64 {
	if el := s.snapshots.Front(); el != nil {
		return el.Value.(uint64)
	}
	return s.lastSeq
}

// source is the minimal forward-iteration contract both memtable.Iterator
// and sstable.Iterator satisfy, enough to drive the database-level merge.
type source interface {
	First()
	Seek(target []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
}

// dbIterator merges the active memtable, the immutable memtable (if any)
// and every live table file into one ascending user-key stream at a fixed
// read sequence, collapsing internal-key versions down to each user-key's
// single visible value and hiding tombstones entirely. Its underlying
// sources are forward-only, so Last and Prev degrade to a full forward
// rescan rather than true backward iteration.
type dbIterator struct {
	store *Store
	seq   uint64
	cmp   keys.InternalComparator

	sources      []source
	closers      []func() error
	tableNumbers []uint64

	lastUser []byte
	haveLast bool

	key, value []byte
	valid      bool
	err        error

	v   *version.Version
	mem *memtable.Iterator
	imm *memtable.Iterator
}

// NewIterator returns an iterator over every visible key at the read
// sequence named by opts.Snapshot, or the current last sequence if none
// was given.
func (s *Store) NewIterator(ctx context.Context, opts config.ReadOptions) (iterator.Iterator, error) {
	s.mu.Lock()
	seq := s.lastSeq
	if opts.Snapshot != nil {
		seq = opts.Snapshot.Sequence()
	}
	memSrc := s.activeMem
	immSrc := s.immutableMem
	v := s.versions.Current()
	s.mu.Unlock()

	it := &dbIterator{store: s, seq: seq, cmp: s.cmp, v: v}
	it.mem = memSrc.NewIterator()
	it.sources = append(it.sources, it.mem)
	it.closers = append(it.closers, it.mem.Close)
	if immSrc != nil {
		it.imm = immSrc.NewIterator()
		it.sources = append(it.sources, it.imm)
		it.closers = append(it.closers, it.imm.Close)
	}

	for level := 0; level < version.NumLevels; level++ {
		for _, f := range v.Files(level) {
			r, err := s.tables.Open(f.Number)
			if err != nil {
				it.Close()
				return nil, fmt.Errorf("store: open table %d for iteration: %w", f.Number, err)
			}
			it.tableNumbers = append(it.tableNumbers, f.Number)
			tIt := r.NewIterator()
			it.sources = append(it.sources, tIt)
		}
	}

	return it, nil
}

func (it *dbIterator) resetSources() {
	for _, s := range it.sources {
		s.First()
	}
	it.lastUser = it.lastUser[:0]
	it.haveLast = false
}

func (it *dbIterator) pickSmallest() int {
	best := -1
	for i, s := range it.sources {
		if !s.Valid() {
			if err := s.Error(); err != nil {
				it.err = err
			}
			continue
		}
		if best == -1 || it.cmp.Compare(s.Key(), it.sources[best].Key()) < 0 {
			best = i
		}
	}
	return best
}

// advance runs the merge forward from the sources' current positions
// until it lands on the next visible (non-tombstone, in-sequence,
// not-yet-emitted-user-key) entry, or exhausts every source.
func (it *dbIterator) advance() {
	for {
		idx := it.pickSmallest()
		if idx == -1 {
			it.valid = false
			return
		}
		ik := it.sources[idx].Key()
		userKey, seq, kind, derr := keys.Decode(ik)
		if derr != nil {
			it.err = derr
			it.valid = false
			return
		}
		if seq > it.seq {
			it.sources[idx].Next()
			continue
		}
		if it.haveLast && it.cmp.User.Compare(userKey, it.lastUser) == 0 {
			it.sources[idx].Next()
			continue
		}

		userKeyCopy := append([]byte(nil), userKey...)
		value := append([]byte(nil), it.sources[idx].Value()...)
		it.lastUser = userKeyCopy
		it.haveLast = true
		it.sources[idx].Next()

		if kind == keys.KindDeletion {
			continue
		}
		it.key = userKeyCopy
		it.value = value
		it.valid = true
		return
	}
}

func (it *dbIterator) First() {
	it.resetSources()
	it.advance()
}

func (it *dbIterator) Seek(target []byte) {
	sentinel := keys.SeekKey(target)
	for _, s := range it.sources {
		s.Seek(sentinel)
	}
	it.lastUser = it.lastUser[:0]
	it.haveLast = false
	it.advance()
}

func (it *dbIterator) Next() {
	it.advance()
}

// Last rescans forward from the beginning, since every underlying source
// is forward-only.
func (it *dbIterator) Last() {
	it.First()
	if !it.valid {
		return
	}
	var k, v []byte
	for it.valid {
		k = append(k[:0], it.key...)
		v = append(v[:0], it.value...)
		it.advance()
	}
	it.key, it.value, it.valid = k, v, true
}

// Prev rescans forward from the beginning to find the entry immediately
// before the current one, since every underlying source is forward-only.
func (it *dbIterator) Prev() {
	if !it.valid {
		it.Last()
		return
	}
	target := append([]byte(nil), it.key...)
	it.resetSources()
	it.advance()

	var prevKey, prevValue []byte
	havePrev := false
	for it.valid && it.cmp.User.Compare(it.key, target) < 0 {
		prevKey = append(prevKey[:0], it.key...)
		prevValue = append(prevValue[:0], it.value...)
		havePrev = true
		it.advance()
	}
	if !havePrev {
		it.valid = false
		return
	}
	it.key, it.value, it.valid = prevKey, prevValue, true
}

func (it *dbIterator) Valid() bool   { return it.valid }
func (it *dbIterator) Key() []byte   { return it.key }
func (it *dbIterator) Value() []byte { return it.value }
func (it *dbIterator) Error() error  { return it.err }

func (it *dbIterator) Close() error {
	for _, c := range it.closers {
		_ = c()
	}
	for _, number := range it.tableNumbers {
		it.store.tables.Release(number)
	}
	it.store.versions.ReleaseVersion(it.v)
	return nil
}
