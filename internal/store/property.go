package store

import (
	"fmt"
	"strconv"
	"strings"

	"lsmkv/internal/version"
)

// Property answers the handful of introspection queries spec §7 names:
// per-level file counts, aggregate stats, the live SSTable list, and the
// memtables' approximate memory footprint. It returns false for anything
// else, mirroring leveldb's "unknown property" convention.
func (s *Store) Property(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, "num-files-at-level"):
		levelStr := strings.TrimPrefix(name, "num-files-at-level")
		level, err := strconv.Atoi(levelStr)
		if err != nil || level < 0 || level >= version.NumLevels {
			return "", false
		}
		return strconv.Itoa(s.versions.NumFilesAtLevel(level)), true

	case name == "stats":
		return s.propertyStats(), true

	case name == "sstables":
		return s.propertySSTables(), true

	case name == "approximate-memory-usage":
		s.mu.Lock()
		usage := s.activeMem.ApproximateMemoryUsage()
		if s.immutableMem != nil {
			usage += s.immutableMem.ApproximateMemoryUsage()
		}
		s.mu.Unlock()
		return strconv.FormatUint(usage, 10), true

	default:
		return "", false
	}
}

func (s *Store) propertyStats() string {
	var b strings.Builder
	b.WriteString("Level  Files  Size(bytes)\n")
	v := s.versions.Current()
	for level := 0; level < version.NumLevels; level++ {
		files := v.Files(level)
		if len(files) == 0 {
			continue
		}
		var size uint64
		for _, f := range files {
			size += f.FileSize
		}
		fmt.Fprintf(&b, "%5d  %5d  %11d\n", level, len(files), size)
	}
	s.versions.ReleaseVersion(v)

	if mc, ok := s.metrics.(*memCollector); ok {
		b.WriteString(mc.dump())
	}
	return b.String()
}

func (s *Store) propertySSTables() string {
	var b strings.Builder
	v := s.versions.Current()
	for level := 0; level < version.NumLevels; level++ {
		for _, f := range v.Files(level) {
			fmt.Fprintf(&b, "level %d: file %06d.ldb, size %d, [%q .. %q]\n",
				level, f.Number, f.FileSize, f.Smallest, f.Largest)
		}
	}
	s.versions.ReleaseVersion(v)
	return b.String()
}
