package version

import (
	"sort"
	"sync/atomic"

	"lsmkv/internal/keys"
	"lsmkv/internal/sstable"
)

// Version is an immutable snapshot of the level-to-files mapping (spec
// §3). Versions form a doubly linked list via prev/next so the version
// set can walk all live versions when sweeping file references; mutation
// only ever happens to a not-yet-published version being built from an
// edit.
type Version struct {
	cmp   keys.InternalComparator
	files [NumLevels][]*FileMetadata

	refs atomic.Int32

	prev, next *Version

	compactionLevel int
	compactionScore float64

	seekCompactionFile  *FileMetadata
	seekCompactionLevel int
}

func newVersion(cmp keys.InternalComparator) *Version {
	v := &Version{cmp: cmp, compactionLevel: -1, seekCompactionLevel: -1}
	v.refs.Store(0)
	return v
}

func (v *Version) Ref() { v.refs.Add(1) }

// Unref reports whether the refcount reached zero, at which point the
// caller should unref every file the version lists and unlink it.
func (v *Version) Unref() bool { return v.refs.Add(-1) == 0 }

// Files returns level's file list (levels >=1: disjoint, sorted by
// smallest key; level 0: unordered, possibly overlapping).
func (v *Version) Files(level int) []*FileMetadata { return v.files[level] }

// LookupStats names the first file consulted during Get that did not
// resolve the key, feeding read-triggered compaction.
type LookupStats struct {
	File  *FileMetadata
	Level int
}

// Get performs the leveled lookup spec §4.4 describes: level 0 newest
// file first among overlapping files, then levels >=1 via binary search,
// at most one file probed per level. opener borrows a reader for the
// duration of a single file probe; release is always called exactly
// once before tryFile returns, pairing every borrow from the caller's
// table cache with its release regardless of how the probe resolves.
func (v *Version) Get(userKey []byte, seq uint64, opener func(*FileMetadata) (r *sstable.Reader, release func(), err error)) (value []byte, found bool, deleted bool, stats LookupStats, err error) {
	stats.Level = -1

	tryFile := func(f *FileMetadata, level int) (bool, error) {
		r, release, oerr := opener(f)
		if oerr != nil {
			return false, oerr
		}
		defer release()
		if !r.MayContain(userKey) {
			return false, nil
		}
		it := r.NewIterator()
		ik := keys.Encode(userKey, seq, keys.KindValue)
		it.Seek(ik)
		if it.Error() != nil {
			return false, it.Error()
		}
		if !it.Valid() {
			return false, nil
		}
		gotUser, _, gotKind, derr := keys.Decode(it.Key())
		if derr != nil {
			return false, derr
		}
		if v.cmp.CompareUserKey(gotUser, userKey) != 0 {
			return false, nil
		}
		if gotKind == keys.KindDeletion {
			deleted = true
			found = true
			return true, nil
		}
		value = append([]byte{}, it.Value()...)
		found = true
		return true, nil
	}

	// Level 0: examine files overlapping userKey, newest (highest file
	// number) first.
	l0 := append([]*FileMetadata{}, v.files[0]...)
	sort.Slice(l0, func(i, j int) bool { return l0[i].Number > l0[j].Number })
	for _, f := range l0 {
		if !fileMayContainUserKey(v.cmp, f, userKey) {
			continue
		}
		resolved, ferr := tryFile(f, 0)
		if ferr != nil {
			return nil, false, false, stats, ferr
		}
		if resolved {
			return value, found, deleted, stats, nil
		}
		if stats.Level == -1 {
			stats.File, stats.Level = f, 0
		}
	}

	for level := 1; level < NumLevels; level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		idx := sort.Search(len(files), func(i int) bool {
			return v.cmp.Compare(files[i].Largest, keys.Encode(userKey, seq, keys.KindValue)) >= 0
		})
		if idx >= len(files) {
			continue
		}
		f := files[idx]
		if !fileMayContainUserKey(v.cmp, f, userKey) {
			continue
		}
		resolved, ferr := tryFile(f, level)
		if ferr != nil {
			return nil, false, false, stats, ferr
		}
		if resolved {
			return value, found, deleted, stats, nil
		}
		if stats.Level == -1 {
			stats.File, stats.Level = f, level
		}
	}

	return nil, false, false, stats, nil
}

func fileMayContainUserKey(cmp keys.InternalComparator, f *FileMetadata, userKey []byte) bool {
	smallestUser := keys.UserKey(f.Smallest)
	largestUser := keys.UserKey(f.Largest)
	return cmp.CompareUserKey(userKey, smallestUser) >= 0 && cmp.CompareUserKey(userKey, largestUser) <= 0
}

// UpdateStats charges one seek against stats.File, reporting whether
// this is the call that drove it to zero (the caller should schedule
// compaction for stats.Level).
func (v *Version) UpdateStats(stats LookupStats) bool {
	if stats.File == nil {
		return false
	}
	triggered := stats.File.RecordSeek()
	if triggered {
		v.seekCompactionFile = stats.File
		v.seekCompactionLevel = stats.Level
	}
	return triggered
}

// SeekCompaction returns the file/level flagged by UpdateStats, if any.
func (v *Version) SeekCompaction() (*FileMetadata, int) {
	return v.seekCompactionFile, v.seekCompactionLevel
}

// OverlapInLevel reports whether any file in level overlaps
// [smallestUser, largestUser].
func (v *Version) OverlapInLevel(level int, smallestUser, largestUser []byte) bool {
	files := v.files[level]
	if level == 0 {
		for _, f := range files {
			if keys.BytewiseComparator.Compare(keys.UserKey(f.Smallest), largestUser) <= 0 &&
				keys.BytewiseComparator.Compare(keys.UserKey(f.Largest), smallestUser) >= 0 {
				return true
			}
		}
		return false
	}
	idx := sort.Search(len(files), func(i int) bool {
		return keys.BytewiseComparator.Compare(keys.UserKey(files[i].Largest), smallestUser) >= 0
	})
	if idx >= len(files) {
		return false
	}
	return keys.BytewiseComparator.Compare(keys.UserKey(files[idx].Smallest), largestUser) <= 0
}

// PickLevelForMemTableOutput chooses the destination level for a
// just-flushed memtable's output file: start at 0, advance while the
// next level has no overlap and the grandparent overlap stays bounded.
func (v *Version) PickLevelForMemTableOutput(smallestUser, largestUser []byte) int {
	level := 0
	if v.OverlapInLevel(0, smallestUser, largestUser) {
		return level
	}
	const maxMemCompactLevel = 2
	for level < maxMemCompactLevel {
		if v.OverlapInLevel(level+1, smallestUser, largestUser) {
			break
		}
		if level+2 < NumLevels {
			overlap := v.GetOverlappingInputs(level+2, smallestUser, largestUser)
			if totalFileSize(overlap) > MaxGrandparentOverlapBytes() {
				break
			}
		}
		level++
	}
	return level
}

// GetOverlappingInputs collects every file in level whose user-key range
// overlaps [beginUser, endUser]. For level 0, if the collected set
// extends the range, it restarts with the extended range until fixed
// point.
func (v *Version) GetOverlappingInputs(level int, beginUser, endUser []byte) []*FileMetadata {
	var result []*FileMetadata
	ucmp := keys.BytewiseComparator
	for {
		result = result[:0]
		extended := false
		lo, hi := append([]byte{}, beginUser...), append([]byte{}, endUser...)
		for _, f := range v.files[level] {
			fSmall, fLarge := keys.UserKey(f.Smallest), keys.UserKey(f.Largest)
			if ucmp.Compare(fLarge, lo) < 0 || ucmp.Compare(fSmall, hi) > 0 {
				continue
			}
			result = append(result, f)
			if level == 0 {
				if ucmp.Compare(fSmall, lo) < 0 {
					lo = append([]byte{}, fSmall...)
					extended = true
				}
				if ucmp.Compare(fLarge, hi) > 0 {
					hi = append([]byte{}, fLarge...)
					extended = true
				}
			}
		}
		if level != 0 || !extended {
			return result
		}
		beginUser, endUser = lo, hi
	}
}

func totalFileSize(files []*FileMetadata) uint64 {
	var total uint64
	for _, f := range files {
		total += f.FileSize
	}
	return total
}

// computeCompactionScore fills in the version's cached next-compaction
// hint per spec §4.5's size-trigger rule.
func (v *Version) computeCompactionScore() {
	bestLevel := -1
	bestScore := 0.0
	for level := 0; level < NumLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.files[0])) / float64(L0CompactionTrigger)
		} else {
			score = float64(totalFileSize(v.files[level])) / MaxBytesForLevel(level)
		}
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

// NeedsCompaction reports whether either trigger (size or seek) names a
// candidate level.
func (v *Version) NeedsCompaction() (level int, ok bool) {
	if v.compactionScore >= 1 && v.compactionLevel >= 0 {
		return v.compactionLevel, true
	}
	if v.seekCompactionFile != nil {
		return v.seekCompactionLevel, true
	}
	return 0, false
}

// NumFilesAtLevel reports the number of files at level, for the debug
// property query.
func (v *Version) NumFilesAtLevel(level int) int {
	if level < 0 || level >= NumLevels {
		return 0
	}
	return len(v.files[level])
}
