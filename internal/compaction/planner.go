// Package compaction implements the planner (pick level/files) and
// executor (merge-iterate, emit new files, apply version edit) spec
// §4.5-4.6 describe.
package compaction

import (
	"lsmkv/internal/keys"
	"lsmkv/internal/version"
)

// Compaction describes one planned compaction: the level it reads from,
// its two input file sets (level L and L+1), the grandparent files used
// for output-splitting, and whether it degenerates to a trivial move.
type Compaction struct {
	Level int

	Inputs        [2][]*version.FileMetadata // [0]=level L, [1]=level L+1
	Grandparents  []*version.FileMetadata

	// CompactionPointer is the largest input key, persisted by the
	// resulting version edit as the new compaction point for Level.
	CompactionPointer []byte

	ManualEnd []byte // set for manual range compactions
}

// IsTrivialMove reports whether the compaction can skip reading/writing
// contents entirely: exactly one level-L input, zero level-L+1 inputs,
// and bounded grandparent overlap.
func (c *Compaction) IsTrivialMove() bool {
	if len(c.Inputs[0]) != 1 || len(c.Inputs[1]) != 0 {
		return false
	}
	return totalSize(c.Grandparents) <= version.MaxGrandparentOverlapBytes()
}

func totalSize(files []*version.FileMetadata) uint64 {
	var total uint64
	for _, f := range files {
		total += f.FileSize
	}
	return total
}

// Pointers tracks, per level, the largest internal key a previous
// compaction has consumed — the picker's starting point for the next
// round so compaction sweeps the level round-robin instead of always
// starting from the smallest key.
type Pointers struct {
	points [version.NumLevels][]byte
}

func (p *Pointers) Get(level int) []byte   { return p.points[level] }
func (p *Pointers) Set(level int, key []byte) { p.points[level] = key }

// Planner picks the level and input files for the next automatic or
// manual compaction.
type Planner struct {
	cmp      keys.InternalComparator
	pointers *Pointers
}

func NewPlanner(cmp keys.InternalComparator, pointers *Pointers) *Planner {
	return &Planner{cmp: cmp, pointers: pointers}
}

// PickAuto picks a compaction for v's highest-scoring or seek-flagged
// level, per spec §4.5's two triggers in priority order: size first,
// then seek.
func (p *Planner) PickAuto(v *version.Version) *Compaction {
	level, ok := v.NeedsCompaction()
	if !ok {
		return nil
	}
	return p.pickForLevel(v, level, nil, nil)
}

// PickRange picks a compaction for an explicit [begin, end] manual range
// at level, used by the DB runtime's range-compaction walk. With begin and
// end both nil, the range spans every file at level.
func (p *Planner) PickRange(v *version.Version, level int, begin, end []byte) *Compaction {
	if files := v.Files(level); begin == nil && end == nil && len(files) > 0 {
		begin, end = boundUserKeyRange(files)
	}
	return p.pickForLevel(v, level, begin, end)
}

func (p *Planner) pickForLevel(v *version.Version, level int, manualBegin, manualEnd []byte) *Compaction {
	if level >= version.NumLevels-1 {
		return nil
	}
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}

	var levelInputs []*version.FileMetadata
	if manualBegin != nil || manualEnd != nil {
		levelInputs = v.GetOverlappingInputs(level, manualBegin, manualEnd)
		if len(levelInputs) == 0 {
			return nil
		}
	} else {
		levelInputs = p.pickStartingFiles(v, level, files)
	}

	if level == 0 {
		levelInputs = p.extendLevel0(v, levelInputs)
	}

	smallestUser, largestUser := boundUserKeyRange(levelInputs)
	levelInputs = p.expandWithBoundary(files, levelInputs, smallestUser, largestUser)
	smallestUser, largestUser = boundUserKeyRange(levelInputs)

	nextFiles := v.Files(level + 1)
	nextInputs := v.GetOverlappingInputs(level+1, smallestUser, largestUser)
	nextInputs = p.expandWithBoundary(nextFiles, nextInputs, smallestUser, largestUser)

	// Attempt to grow the level-L input set further using the combined
	// range, but only accept it if L+1's input set doesn't change and
	// the total size stays under the expansion cap.
	if level != 0 {
		combinedSmall, combinedLarge := mergeUserKeyRange(smallestUser, largestUser, nextInputs)
		grown := v.GetOverlappingInputs(level, combinedSmall, combinedLarge)
		grown = p.expandWithBoundary(files, grown, combinedSmall, combinedLarge)
		if len(grown) > len(levelInputs) && totalSize(grown)+totalSize(nextInputs) < version.ExpandedCompactionByteSizeLimit() {
			growSmall, growLarge := boundUserKeyRange(grown)
			regrownNext := v.GetOverlappingInputs(level+1, growSmall, growLarge)
			if len(regrownNext) == len(nextInputs) {
				levelInputs = grown
				smallestUser, largestUser = growSmall, growLarge
			}
		}
	}

	var grandparents []*version.FileMetadata
	if level+2 < version.NumLevels {
		gpSmall, gpLarge := mergeUserKeyRange(smallestUser, largestUser, nextInputs)
		grandparents = v.GetOverlappingInputs(level+2, gpSmall, gpLarge)
	}

	c := &Compaction{Level: level, Grandparents: grandparents, ManualEnd: manualEnd}
	c.Inputs[0] = levelInputs
	c.Inputs[1] = nextInputs
	c.CompactionPointer = largestInternalKey(levelInputs, p.cmp)
	if manualEnd != nil {
		c.ManualEnd = manualEnd
	}
	return c
}

// pickStartingFiles picks the first file whose largest key is strictly
// greater than level's stored compaction point, wrapping to the first
// file if none qualify.
func (p *Planner) pickStartingFiles(v *version.Version, level int, files []*version.FileMetadata) []*version.FileMetadata {
	point := p.pointers.Get(level)
	if point == nil {
		return []*version.FileMetadata{files[0]}
	}
	for _, f := range files {
		if p.cmp.Compare(f.Largest, point) > 0 {
			return []*version.FileMetadata{f}
		}
	}
	return []*version.FileMetadata{files[0]}
}

// extendLevel0 repeatedly adds overlapping level-0 files until the
// input set stops growing, since level-0 files may overlap arbitrarily.
func (p *Planner) extendLevel0(v *version.Version, inputs []*version.FileMetadata) []*version.FileMetadata {
	smallestUser, largestUser := boundUserKeyRange(inputs)
	return v.GetOverlappingInputs(0, smallestUser, largestUser)
}

// expandWithBoundary applies the boundary-expansion rule: while a file
// in level not yet included shares a user-key with the currently-largest
// included key but sits strictly after it in internal-key order,
// include it too, so a level never splits one user-key's versions
// across two files of the same level's read-merge step.
func (p *Planner) expandWithBoundary(levelFiles, inputs []*version.FileMetadata, _, _ []byte) []*version.FileMetadata {
	included := make(map[uint64]bool, len(inputs))
	for _, f := range inputs {
		included[f.Number] = true
	}
	changed := true
	for changed {
		changed = false
		largest := largestInternalKey(inputs, p.cmp)
		if largest == nil {
			break
		}
		largestUser := keys.UserKey(largest)
		for _, f := range levelFiles {
			if included[f.Number] {
				continue
			}
			if keys.UserKey(f.Smallest) != nil &&
				p.cmp.User.Compare(keys.UserKey(f.Smallest), largestUser) == 0 &&
				p.cmp.Compare(f.Smallest, largest) > 0 {
				inputs = append(inputs, f)
				included[f.Number] = true
				changed = true
			}
		}
	}
	return inputs
}

func largestInternalKey(files []*version.FileMetadata, cmp keys.InternalComparator) []byte {
	var largest []byte
	for _, f := range files {
		if largest == nil || cmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return largest
}

func boundUserKeyRange(files []*version.FileMetadata) (smallest, largest []byte) {
	ucmp := keys.BytewiseComparator
	for _, f := range files {
		s, l := keys.UserKey(f.Smallest), keys.UserKey(f.Largest)
		if smallest == nil || ucmp.Compare(s, smallest) < 0 {
			smallest = s
		}
		if largest == nil || ucmp.Compare(l, largest) > 0 {
			largest = l
		}
	}
	return
}

func mergeUserKeyRange(smallest, largest []byte, files []*version.FileMetadata) ([]byte, []byte) {
	fSmall, fLarge := boundUserKeyRange(files)
	ucmp := keys.BytewiseComparator
	if fSmall != nil && ucmp.Compare(fSmall, smallest) < 0 {
		smallest = fSmall
	}
	if fLarge != nil && ucmp.Compare(fLarge, largest) > 0 {
		largest = fLarge
	}
	return smallest, largest
}
