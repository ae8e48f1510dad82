package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"lsmkv/internal/compaction"
	"lsmkv/internal/keys"
	"lsmkv/internal/memtable"
	"lsmkv/internal/sstable"
	"lsmkv/internal/version"
	"lsmkv/pkg/config"
	"lsmkv/pkg/types"
)

// maybeScheduleCompactionLocked schedules the single background task if
// nothing is already scheduled, the store isn't shutting down, no
// background error is set, and there is actually work to do (an
// immutable memtable waiting to flush, a pending manual compaction, or an
// automatic compaction candidate). Caller holds s.mu. This is the one
// guard site: shutdown and the background error are each checked exactly
// once here, never re-checked redundantly inside the task itself.
func (s *Store) maybeScheduleCompactionLocked() {
	if s.bgScheduled || s.shuttingDown.Load() || s.backgroundErr() != nil {
		return
	}
	if s.immutableMem == nil && s.manual == nil {
		v := s.versions.Current()
		_, needs := v.NeedsCompaction()
		s.versions.ReleaseVersion(v)
		if !needs {
			return
		}
	}
	s.bgScheduled = true
	select {
	case s.bgCh <- struct{}{}:
	default:
	}
}

// runBackgroundJob is the Listener handler backing the single-slot
// background scheduler: it always returns nil so the listener's
// panic-on-error path is never triggered, capturing any real failure as
// a persistent background error instead.
func (s *Store) runBackgroundJob(_ struct{}) error {
	s.mu.Lock()
	s.backgroundCompactionStep()
	s.bgScheduled = false
	s.maybeScheduleCompactionLocked()
	s.bgCond.Broadcast()
	s.mu.Unlock()
	return nil
}

// backgroundCompactionStep performs exactly one unit of background work:
// flush the immutable memtable if one is waiting, else run the pending
// manual compaction, else try an automatic one. Caller holds s.mu and
// gets it back on return.
func (s *Store) backgroundCompactionStep() {
	if s.immutableMem != nil {
		if err := s.flushImmutableLocked(); err != nil {
			s.recordBackgroundError(err)
		}
		return
	}
	if s.manual != nil {
		s.runManualCompactionLocked()
		return
	}
	s.runAutoCompactionLocked()
}

// flushImmutableLocked builds an SSTable from the immutable memtable's
// full key range, picks its destination level, and installs it via a
// version edit. Caller holds s.mu; it is dropped for the I/O-heavy build
// and reacquired before installing the result.
func (s *Store) flushImmutableLocked() error {
	mem := s.immutableMem
	base := s.versions.Current()
	s.mu.Unlock()

	fileNumber := s.versions.NewFileNumber()
	s.versions.PendingOutputs.Add(fileNumber)
	path := filepath.Join(s.dir, tableFileName(fileNumber))

	smallest, largest, fileSize, buildErr := buildTableFromMemtable(path, mem, s.opts)
	if buildErr != nil {
		s.versions.PendingOutputs.Remove(fileNumber)
		_ = os.Remove(path)
		s.versions.ReleaseVersion(base)
		s.mu.Lock()
		return fmt.Errorf("store: flush memtable: %w", buildErr)
	}

	level := base.PickLevelForMemTableOutput(keys.UserKey(smallest), keys.UserKey(largest))
	s.versions.ReleaseVersion(base)

	edit := &version.Edit{}
	edit.AddFile(level, version.NewFileMetadata(fileNumber, fileSize, smallest, largest))

	s.mu.Lock()
	if err := s.versions.LogAndApply(edit); err != nil {
		s.versions.PendingOutputs.Remove(fileNumber)
		return fmt.Errorf("store: install flushed table: %w", err)
	}
	s.versions.PendingOutputs.Remove(fileNumber)
	s.immutableMem = nil
	mem.Unref()
	s.sweepObsoleteLocked()
	return nil
}

func buildTableFromMemtable(path string, mem *memtable.Memtable, opts config.Options) (smallest, largest []byte, fileSize uint64, err error) {
	it := mem.NewIterator()
	defer it.Close()

	filter := sstableFilter(opts)
	builder, err := sstable.NewBuilder(path, sstableCompression(opts), opts.BlockSize, filter)
	if err != nil {
		return nil, nil, 0, err
	}
	for it.First(); it.Valid(); it.Next() {
		if err := builder.Add(it.Key(), it.Value()); err != nil {
			builder.Abandon(path)
			return nil, nil, 0, err
		}
	}
	return builder.Finish()
}

// runManualCompactionLocked advances the single in-flight manual range
// compaction by one step: pick inputs starting at the manual begin key
// (or, on later steps, past the previous step's end) at the manual
// compaction's current level, run them, and either continue with a new
// begin key at the same level, drop to the next level down and restart
// the walk from the original begin key, or signal completion once the
// deepest compactable level has been walked.
func (s *Store) runManualCompactionLocked() {
	m := s.manual
	v := s.versions.Current()
	c := s.planner.PickRange(v, m.level, m.begin, m.end)
	if c == nil {
		s.versions.ReleaseVersion(v)
		if s.advanceManualToNextLevelLocked(m) {
			return
		}
		s.manual = nil
		close(m.done)
		return
	}

	if err := s.runCompactionLocked(c, v); err != nil {
		s.recordBackgroundError(err)
		s.manual = nil
		close(m.done)
		return
	}

	if c.ManualEnd != nil {
		m.begin = append([]byte{}, c.ManualEnd...)
		return
	}
	if s.advanceManualToNextLevelLocked(m) {
		return
	}
	s.manual = nil
	close(m.done)
}

// advanceManualToNextLevelLocked drops m to level+1 and restarts its
// walk from the originally requested begin key, the level-by-level
// range-compaction walk spec §4.7 describes. Reports whether a deeper
// compactable level exists to advance into.
func (s *Store) advanceManualToNextLevelLocked(m *manualCompaction) bool {
	if m.level+1 >= version.NumLevels-1 {
		return false
	}
	m.level++
	m.begin = m.rangeStart
	return true
}

// runAutoCompactionLocked picks and runs one automatically triggered
// compaction, if the current version names a candidate.
func (s *Store) runAutoCompactionLocked() {
	v := s.versions.Current()
	c := s.planner.PickAuto(v)
	if c == nil {
		s.versions.ReleaseVersion(v)
		return
	}
	if err := s.runCompactionLocked(c, v); err != nil {
		s.recordBackgroundError(err)
	}
}

// runCompactionLocked executes c (trivially moving a single file when
// possible) and installs the resulting version edit. v is the Ref'd
// version c was planned against; runCompactionLocked releases it.
// Caller holds s.mu; dropped for the compaction's I/O and reacquired
// before installing.
func (s *Store) runCompactionLocked(c *compaction.Compaction, v *version.Version) error {
	if c.CompactionPointer != nil {
		s.pointers.Set(c.Level, c.CompactionPointer)
	}

	if c.IsTrivialMove() {
		f := c.Inputs[0][0]
		edit := &version.Edit{}
		edit.DeleteFile(c.Level, f.Number)
		edit.AddFile(c.Level+1, f)
		s.versions.ReleaseVersion(v)
		if err := s.versions.LogAndApply(edit); err != nil {
			return fmt.Errorf("store: trivial move: %w", err)
		}
		s.sweepObsoleteLocked()
		return nil
	}

	smallestSnapshot := s.smallestSnapshotLocked()
	opts := compaction.Options{
		Dir:              s.dir,
		Comparator:       s.cmp,
		Opener:           s.tables,
		AllocFileNumber:  s.versions.NewFileNumber,
		Compression:      sstableCompression(s.opts),
		BlockSize:        s.opts.BlockSize,
		FilterBitsPerKey: s.opts.FilterBitsPerKey,
		PendingOutputs:   s.versions.PendingOutputs,
		SmallestSnapshot: smallestSnapshot,
		BaseVersion:      v,
		Preempt: func() {
			s.mu.Lock()
			if s.immutableMem != nil {
				_ = s.flushImmutableLocked()
			}
			s.mu.Unlock()
		},
	}
	s.mu.Unlock()

	result, runErr := compaction.Run(c, opts)

	s.mu.Lock()
	s.versions.ReleaseVersion(v)
	if runErr != nil {
		compaction.RemoveOutputFiles(s.dir, result)
		return fmt.Errorf("store: run compaction: %w", runErr)
	}

	edit := &version.Edit{}
	for _, f := range c.Inputs[0] {
		edit.DeleteFile(c.Level, f.Number)
	}
	for _, f := range c.Inputs[1] {
		edit.DeleteFile(c.Level+1, f.Number)
	}
	edit.NewFiles = append(edit.NewFiles, result.Outputs...)
	if c.CompactionPointer != nil {
		edit.AddCompactPointer(c.Level, c.CompactionPointer)
	}

	if err := s.versions.LogAndApply(edit); err != nil {
		compaction.RemoveOutputFiles(s.dir, result)
		return fmt.Errorf("store: install compaction result: %w", err)
	}
	s.sweepObsoleteLocked()
	return nil
}

// sweepObsoleteLocked deletes every file the version set has flagged as
// obsolete since the last sweep, and evicts it from the table cache so
// its descriptor is released. Caller holds s.mu.
func (s *Store) sweepObsoleteLocked() {
	for _, f := range s.versions.DrainObsoleteFiles() {
		s.tables.Evict(f.Number)
		_ = os.Remove(filepath.Join(s.dir, tableFileName(f.Number)))
	}
}

// CompactRange requests a manual compaction over [start, end] starting at
// level 0 and blocks until it completes. runManualCompactionLocked walks
// the levels one at a time; PickRange picks inputs within a single level,
// covering every file of that level when start and end are both nil.
func (s *Store) CompactRange(ctx context.Context, start, end types.Key) error {
	s.mu.Lock()
	for s.manual != nil {
		s.bgCond.Wait()
	}
	if err := s.backgroundErr(); err != nil {
		s.mu.Unlock()
		return err
	}
	m := &manualCompaction{level: 0, begin: start, end: end, rangeStart: start, done: make(chan struct{})}
	s.manual = m
	s.maybeScheduleCompactionLocked()
	s.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.backgroundErr()
}

// Flush forces the active memtable to become immutable and waits for the
// background task to flush it.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.activeMem.Count() == 0 && s.immutableMem == nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.makeRoomForWrite(true); err != nil {
		s.mu.Unlock()
		return err
	}
	for s.immutableMem != nil {
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return ctx.Err()
		default:
		}
		s.bgCond.Wait()
	}
	err := s.backgroundErr()
	s.mu.Unlock()
	return err
}

// sstableCompression maps the engine's on-open compression choice to the
// sstable package's block-level codec identifier.
func sstableCompression(opts config.Options) sstable.Compression {
	if opts.Compression == config.CompressionSnappy {
		return sstable.CompressionSnappy
	}
	return sstable.CompressionNone
}

// sstableFilter builds the bloom-filter policy for opts, or nil if
// filters are disabled (FilterBitsPerKey <= 0).
func sstableFilter(opts config.Options) *sstable.BloomFilter {
	if opts.FilterBitsPerKey <= 0 {
		return nil
	}
	return sstable.NewBloomFilter(opts.FilterBitsPerKey)
}
