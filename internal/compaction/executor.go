package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zhangyunhao116/skipset"

	"lsmkv/internal/keys"
	"lsmkv/internal/sstable"
	"lsmkv/internal/version"
)

// TableOpener resolves a file number to an openable table reader, backed
// by the store's shared table cache. Every reader returned by Open is
// borrowed from the cache, pinned against its LRU eviction, and must be
// returned with exactly one matching Release call.
type TableOpener interface {
	Open(fileNumber uint64) (*sstable.Reader, error)
	Release(fileNumber uint64)
}

// source is a minimal forward iterator over internal-key/value pairs,
// satisfied by sstable.Iterator.
type source interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next()
	Error() error
}

// mergingIterator does a straightforward k-way merge over a fixed set of
// sources, picking the smallest current key by the internal-key
// comparator at each step. Level >=1 sources are already disjoint and
// sorted so this degenerates to a simple concatenation there; level 0
// may have genuinely overlapping sources, which is what motivates doing
// a real merge rather than a concatenation.
type mergingIterator struct {
	cmp     keys.InternalComparator
	sources []source
	current int
}

func newMergingIterator(cmp keys.InternalComparator, sources []source) *mergingIterator {
	return &mergingIterator{cmp: cmp, sources: sources, current: -1}
}

func (m *mergingIterator) findSmallest() {
	m.current = -1
	for i, s := range m.sources {
		if !s.Valid() {
			continue
		}
		if m.current == -1 || m.cmp.Compare(s.Key(), m.sources[m.current].Key()) < 0 {
			m.current = i
		}
	}
}

func (m *mergingIterator) First() {
	m.findSmallest()
}

func (m *mergingIterator) Valid() bool { return m.current != -1 }
func (m *mergingIterator) Key() []byte  { return m.sources[m.current].Key() }
func (m *mergingIterator) Value() []byte { return m.sources[m.current].Value() }
func (m *mergingIterator) Next() {
	m.sources[m.current].Next()
	m.findSmallest()
}
func (m *mergingIterator) Error() error {
	for _, s := range m.sources {
		if err := s.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Result is what Run produces: the output files to add (the finalize
// caller still needs to wrap these plus the input deletions into a
// version.Edit) and any files that were opened and written but should
// be discarded due to a mid-compaction failure.
type Result struct {
	Outputs []version.FileAddition
}

// Options bundles everything Run needs beyond the Compaction itself.
type Options struct {
	Dir              string
	Comparator       keys.InternalComparator
	Opener           TableOpener
	AllocFileNumber  func() uint64
	Compression      sstable.Compression
	BlockSize        int
	FilterBitsPerKey int
	PendingOutputs   *skipset.Uint64Set
	SmallestSnapshot uint64
	// BaseVersion is consulted for IsBaseLevelForKey against every level
	// deeper than Level+1.
	BaseVersion *version.Version
	// Preempt is invoked periodically during the merge; the store wires
	// this to flush a pending immutable memtable if one is waiting,
	// per spec's mid-compaction preemption rule.
	Preempt func()
}

// Run executes one compaction: merges Inputs[0] and Inputs[1] through
// the drop rules, splitting output files on the grandparent-overlap
// budget, and returns the set of newly written files. On any I/O error,
// partially written outputs are left registered in PendingOutputs (the
// caller is responsible for scheduling their eventual deletion) and the
// error is returned; the inputs are untouched either way since Run never
// mutates the version itself.
func Run(c *Compaction, opts Options) (*Result, error) {
	var sources []source
	openNumbers := make([]uint64, 0, len(c.Inputs[0])+len(c.Inputs[1]))
	closeAll := func() {
		for _, number := range openNumbers {
			opts.Opener.Release(number)
		}
	}

	addInputs := func(files []*version.FileMetadata) error {
		for _, f := range files {
			r, err := opts.Opener.Open(f.Number)
			if err != nil {
				return fmt.Errorf("compaction: open input file %d: %w", f.Number, err)
			}
			openNumbers = append(openNumbers, f.Number)
			it := r.NewIterator()
			it.First()
			sources = append(sources, it)
		}
		return nil
	}
	if err := addInputs(c.Inputs[0]); err != nil {
		closeAll()
		return nil, err
	}
	if err := addInputs(c.Inputs[1]); err != nil {
		closeAll()
		return nil, err
	}
	defer closeAll()

	merge := newMergingIterator(opts.Comparator, sources)
	merge.First()

	result := &Result{}
	var builder *sstable.Builder
	var curPath string
	var curNumber uint64
	grandparentIdx := 0
	var grandparentBytes uint64

	finishOutput := func() error {
		if builder == nil {
			return nil
		}
		s, l, size, err := builder.Finish()
		if err != nil {
			return fmt.Errorf("compaction: finish output file %d: %w", curNumber, err)
		}
		result.Outputs = append(result.Outputs, version.FileAddition{
			Level: c.Level + 1, Number: curNumber, FileSize: size, Smallest: s, Largest: l,
		})
		builder = nil
		return nil
	}

	startOutput := func() error {
		curNumber = opts.AllocFileNumber()
		opts.PendingOutputs.Add(curNumber)
		curPath = filepath.Join(opts.Dir, fmt.Sprintf("%06d.ldb", curNumber))
		filter := sstable.NewBloomFilter(opts.FilterBitsPerKey)
		if opts.FilterBitsPerKey <= 0 {
			filter = nil
		}
		var err error
		builder, err = sstable.NewBuilder(curPath, opts.Compression, opts.BlockSize, filter)
		return err
	}

	shouldStopBefore := func(ik []byte) bool {
		if len(c.Grandparents) == 0 {
			return false
		}
		advanced := false
		for grandparentIdx < len(c.Grandparents) &&
			opts.Comparator.Compare(c.Grandparents[grandparentIdx].Largest, ik) <= 0 {
			grandparentBytes += c.Grandparents[grandparentIdx].FileSize
			grandparentIdx++
			advanced = true
		}
		if advanced && grandparentBytes > version.MaxGrandparentOverlapBytes() {
			grandparentBytes = 0
			return true
		}
		return false
	}

	var currentUserKey []byte
	var hasCurrentUserKey bool
	lastSequenceForKey := keys.MaxSequenceNumber

	stepCount := 0
	for merge.Valid() {
		stepCount++
		if opts.Preempt != nil && stepCount%256 == 0 {
			opts.Preempt()
		}

		ik := append([]byte{}, merge.Key()...)
		value := append([]byte{}, merge.Value()...)

		userKey, seq, kind, derr := keys.Decode(ik)
		drop := false
		if derr != nil {
			hasCurrentUserKey = false
			lastSequenceForKey = keys.MaxSequenceNumber
		} else {
			if !hasCurrentUserKey || opts.Comparator.User.Compare(userKey, currentUserKey) != 0 {
				currentUserKey = append(currentUserKey[:0], userKey...)
				hasCurrentUserKey = true
				lastSequenceForKey = keys.MaxSequenceNumber
			}

			if lastSequenceForKey <= opts.SmallestSnapshot {
				drop = true // Drop rule A
			} else if kind == keys.KindDeletion && seq <= opts.SmallestSnapshot &&
				isBaseLevelForKey(opts.BaseVersion, c.Level, userKey, opts.Comparator) {
				drop = true // Drop rule B
			}
			lastSequenceForKey = seq
		}

		if !drop {
			if builder != nil && shouldStopBefore(ik) {
				if err := finishOutput(); err != nil {
					return result, err
				}
			}
			if builder == nil {
				if err := startOutput(); err != nil {
					return result, err
				}
			}
			if err := builder.Add(ik, value); err != nil {
				return result, fmt.Errorf("compaction: add entry to output %d: %w", curNumber, err)
			}

			if builder.FileSize() >= version.MaxFileSizeForLevel(c.Level+1) {
				if err := finishOutput(); err != nil {
					return result, err
				}
			}
		}

		merge.Next()
	}
	if err := merge.Error(); err != nil {
		return result, fmt.Errorf("compaction: merge iterator: %w", err)
	}
	if err := finishOutput(); err != nil {
		return result, err
	}

	return result, nil
}

// isBaseLevelForKey reports whether no file at any level deeper than
// level+1 covers userKey, searching each such level by binary search
// over its sorted, disjoint file list.
func isBaseLevelForKey(v *version.Version, level int, userKey []byte, cmp keys.InternalComparator) bool {
	if v == nil {
		return true
	}
	for l := level + 2; l < version.NumLevels; l++ {
		files := v.Files(l)
		idx := sort.Search(len(files), func(i int) bool {
			return cmp.User.Compare(keys.UserKey(files[i].Largest), userKey) >= 0
		})
		if idx < len(files) && cmp.User.Compare(keys.UserKey(files[idx].Smallest), userKey) <= 0 {
			return false
		}
	}
	return true
}

// RemoveOutputFiles deletes any output files a failed Run wrote, used
// by the caller's failure path; successful outputs are instead handed
// to LogAndApply and left on disk.
func RemoveOutputFiles(dir string, result *Result) {
	for _, f := range result.Outputs {
		_ = os.Remove(filepath.Join(dir, fmt.Sprintf("%06d.ldb", f.Number)))
	}
}
