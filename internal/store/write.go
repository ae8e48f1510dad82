package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"lsmkv/internal/memtable"
	"lsmkv/internal/version"
	"lsmkv/internal/walog"
	"lsmkv/pkg/batch"
	"lsmkv/pkg/config"
	"lsmkv/pkg/types"
)

// writer is one queued commit request (spec §4.7). It sits in s.writers
// until either it becomes the group leader or another writer's commit
// absorbs it into a group, at which point done is set and err holds the
// shared outcome.
type writer struct {
	batch *batch.Batch
	sync  bool
	done  bool
	err   error
}

const (
	// maxBatchGroupBytes is the hard cap on a committed group's total size.
	maxBatchGroupBytes = 1 << 20
	// smallLeaderExtraBudget is how much additional room a small leader
	// batch is allowed to absorb beyond its own size.
	smallLeaderExtraBudget = 128 << 10
)

// Put writes key=value.
func (s *Store) Put(ctx context.Context, key, value types.Value, opts config.WriteOptions) error {
	b := batch.New()
	b.Put(key, value)
	return s.Write(ctx, b, opts)
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key types.Key, opts config.WriteOptions) error {
	b := batch.New()
	b.Delete(key)
	return s.Write(ctx, b, opts)
}

// Write commits wb atomically: every operation in wb becomes visible to
// readers at once, at a single assigned sequence range.
func (s *Store) Write(ctx context.Context, wb *batch.Batch, opts config.WriteOptions) error {
	if wb.Count() == 0 {
		return nil
	}
	w := &writer{batch: wb, sync: opts.Sync}

	s.mu.Lock()
	s.writers = append(s.writers, w)
	for !w.done && s.writers[0] != w {
		s.writerCond.Wait()
	}
	if w.done {
		s.mu.Unlock()
		return w.err
	}

	// w is now the group leader.
	if err := s.makeRoomForWrite(false); err != nil {
		w.err = err
		w.done = true
		s.popWriter(1)
		s.mu.Unlock()
		return err
	}

	group, n := s.buildGroupLocked(w)
	seqBase := s.lastSeq + 1
	group.SetSequence(seqBase)

	mem := s.activeMem
	mem.Ref()
	wal := s.wal
	s.mu.Unlock()

	// group's durability requirement is exactly w.sync: buildGroupLocked
	// never absorbs a sync writer into a non-sync leader's commit, so no
	// absorbed writer can ask for more durability than the leader itself.
	applyErr := wal.AddRecordSync(group.Bytes(), w.sync)
	if applyErr == nil {
		applyErr = applyBatchToMemtable(mem, group, seqBase)
	}
	mem.Unref()

	s.mu.Lock()
	if applyErr != nil {
		s.recordBackgroundError(applyErr)
	} else {
		s.lastSeq = seqBase + uint64(group.Count()) - 1
	}
	for i := 0; i < n; i++ {
		s.writers[i].err = applyErr
		s.writers[i].done = true
	}
	s.popWriter(n)
	s.writerCond.Broadcast()
	s.mu.Unlock()

	return applyErr
}

// popWriter removes the first n entries from the writer queue. Caller
// holds s.mu.
func (s *Store) popWriter(n int) {
	s.writers = append([]*writer(nil), s.writers[n:]...)
}

// buildGroupLocked assembles a committed batch out of w and as many
// immediately-following queued writers as fit within the group's size
// budget, per spec §4.7: a small leader batch may absorb up to 128KiB
// beyond its own size; a non-sync leader never absorbs a sync writer's
// batch into its own (unsynced or synced, depending on the leader)
// commit. Caller holds s.mu; returns the merged batch and how many
// writers (including w) it consumed.
func (s *Store) buildGroupLocked(w *writer) (*batch.Batch, int) {
	group := batch.New()
	group.Append(w.batch)

	maxSize := maxBatchGroupBytes
	if firstSize := w.batch.ApproximateSize(); firstSize <= smallLeaderExtraBudget {
		maxSize = firstSize + smallLeaderExtraBudget
	}

	n := 1
	size := w.batch.ApproximateSize()
	for n < len(s.writers) {
		next := s.writers[n]
		if next.sync && !w.sync {
			// A non-sync leader must not make a sync writer wait for a
			// durability guarantee the leader itself isn't providing.
			break
		}
		size += next.batch.ApproximateSize()
		if size > maxSize {
			break
		}
		group.Append(next.batch)
		n++
	}
	return group, n
}

// makeRoomForWrite ensures the active memtable has room for another
// write, rotating the log and memtable (and scheduling a compaction) if
// not. Caller holds s.mu throughout; it is dropped and reacquired only
// while sleeping out an L0 slowdown or waiting on the background
// condition.
func (s *Store) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		if err := s.backgroundErr(); err != nil {
			return err
		}
		if allowDelay && s.versions.NumFilesAtLevel(0) >= version.L0SlowdownWritesTrigger {
			s.mu.Unlock()
			time.Sleep(time.Millisecond)
			s.mu.Lock()
			allowDelay = false
			continue
		}
		if !force && s.activeMem.ApproximateMemoryUsage() <= uint64(s.opts.WriteBufferSize) {
			break
		}
		if s.immutableMem != nil {
			s.bgCond.Wait()
			continue
		}
		if s.versions.NumFilesAtLevel(0) >= version.L0StopWritesTrigger {
			s.bgCond.Wait()
			continue
		}

		newLogNumber := s.versions.NewFileNumber()
		newWal, err := walog.Create(filepath.Join(s.dir, logFileName(newLogNumber)))
		if err != nil {
			s.versions.ReuseFileNumber(newLogNumber)
			return fmt.Errorf("store: rotate log: %w", err)
		}
		newWal.Start(context.Background())

		oldWal := s.wal
		s.prevLogNumber = s.logNumber
		s.wal = newWal
		s.logNumber = newLogNumber
		s.immutableMem = s.activeMem
		s.activeMem = memtable.New(s.cmp)
		force = false

		s.maybeScheduleCompactionLocked()

		// The old WAL is superseded the moment its memtable becomes
		// immutable: every record it holds is about to be durable in a new
		// on-disk table once the background flush runs, so its file handle
		// can be released immediately. The log file itself stays on disk:
		// sweepObsoleteLocked removes only table files, never logs.
		_ = oldWal.Close()
	}
	return nil
}

// applyBatchToMemtable applies every operation in b to mem, assigning
// sequential sequence numbers starting at seqBase.
func applyBatchToMemtable(mem *memtable.Memtable, b *batch.Batch, seqBase uint64) error {
	seq := seqBase
	return b.Iterate(func(op batch.Op) error {
		mem.Add(seq, op.Kind, op.Key, op.Value)
		seq++
		return nil
	})
}

// applyBatchRecord decodes a raw WAL record as a batch and applies it to
// mem using the sequence base stamped in the record itself (used only
// during recovery, where each record already carries its committed base
// sequence). It returns the highest sequence number the record used.
func applyBatchRecord(mem *memtable.Memtable, rec []byte) (uint64, error) {
	b := batch.Contents(rec)
	seqBase := b.Sequence()
	count := b.Count()
	if count == 0 {
		return seqBase, nil
	}
	if err := applyBatchToMemtable(mem, b, seqBase); err != nil {
		return 0, fmt.Errorf("store: apply batch record: %w", err)
	}
	return seqBase + uint64(count) - 1, nil
}
