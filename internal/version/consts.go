// Package version implements the per-SSTable file metadata, the
// immutable per-version level-to-files snapshot, version edits, and the
// version set that threads them through the manifest log (spec §4.4).
package version

const (
	// NumLevels bounds how deep the leveled structure goes.
	NumLevels = 7

	// L0CompactionTrigger is the level-0 file count that drives level-0's
	// compaction score to 1.0.
	L0CompactionTrigger = 4
	// L0SlowdownWritesTrigger throttles writers with a 1ms sleep once
	// level-0 holds this many files.
	L0SlowdownWritesTrigger = 8
	// L0StopWritesTrigger blocks writers entirely once level-0 holds this
	// many files.
	L0StopWritesTrigger = 12

	// TargetFileSize bounds one compaction output file and, scaled by
	// MaxGrandparentOverlapFactor, the grandparent-overlap budget.
	TargetFileSize = 2 << 20

	// MaxGrandparentOverlapFactor times TargetFileSize is the byte budget
	// a compaction's outputs may overlap at level L+2 before splitting.
	MaxGrandparentOverlapFactor = 10

	// ExpandedCompactionByteSizeFactor times TargetFileSize caps how far
	// input-picking may grow the level-L input set.
	ExpandedCompactionByteSizeFactor = 25

	// L1BudgetBytes is the byte budget for level 1; each deeper level's
	// budget is 10x the previous.
	L1BudgetBytes = 10 << 20
)

// MaxBytesForLevel returns the compaction score denominator for level,
// growing 10x per level starting at L1BudgetBytes for level 1. Level 0 is
// scored by file count, not bytes, so it is not handled here.
func MaxBytesForLevel(level int) float64 {
	result := float64(L1BudgetBytes)
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// MaxFileSizeForLevel returns the output-file cap for compactions writing
// into level; flat across all levels in this design (spec does not
// specify level-dependent file sizes).
func MaxFileSizeForLevel(int) uint64 {
	return TargetFileSize
}

// MaxGrandparentOverlapBytes is the budget ShouldStopBefore enforces.
func MaxGrandparentOverlapBytes() uint64 {
	return MaxGrandparentOverlapFactor * TargetFileSize
}

// ExpandedCompactionByteSizeLimit caps how large input-picking may grow
// the level-L input set while trying to avoid shrinking L+1's inputs.
func ExpandedCompactionByteSizeLimit() uint64 {
	return ExpandedCompactionByteSizeFactor * TargetFileSize
}
