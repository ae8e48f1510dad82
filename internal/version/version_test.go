package version

import (
	"testing"

	"lsmkv/internal/keys"
)

func internalCmp() keys.InternalComparator {
	return keys.NewInternalComparator(keys.BytewiseComparator)
}

func TestEditEncodeDecodeRoundTrip(t *testing.T) {
	e := &Edit{}
	e.SetComparatorName("lsmkv.BytewiseComparator")
	e.SetLogNumber(3)
	e.SetNextFileNumber(10)
	e.SetLastSequence(42)
	e.AddCompactPointer(1, []byte("pointer"))
	e.DeleteFile(0, 5)
	e.AddFile(1, NewFileMetadata(6, 1024, []byte("a"), []byte("z")))

	data := e.Encode()
	got, err := DecodeEdit(data)
	if err != nil {
		t.Fatalf("DecodeEdit failed: %v", err)
	}

	if !got.HasComparator || got.Comparator != "lsmkv.BytewiseComparator" {
		t.Fatalf("comparator not round-tripped: %+v", got)
	}
	if !got.HasLogNumber || got.LogNumber != 3 {
		t.Fatalf("log number not round-tripped: %+v", got)
	}
	if !got.HasLastSequence || got.LastSequence != 42 {
		t.Fatalf("last sequence not round-tripped: %+v", got)
	}
	if len(got.CompactPointers) != 1 || string(got.CompactPointers[0].Key) != "pointer" {
		t.Fatalf("compact pointer not round-tripped: %+v", got.CompactPointers)
	}
	if len(got.DeletedFiles) != 1 || got.DeletedFiles[0].Number != 5 {
		t.Fatalf("deleted file not round-tripped: %+v", got.DeletedFiles)
	}
	if len(got.NewFiles) != 1 || got.NewFiles[0].Number != 6 || got.NewFiles[0].FileSize != 1024 {
		t.Fatalf("new file not round-tripped: %+v", got.NewFiles)
	}
}

func TestBuilderAppliesAdditionsAndDeletions(t *testing.T) {
	cmp := internalCmp()

	e1 := &Edit{}
	e1.AddFile(1, NewFileMetadata(1, 100, []byte("a"), []byte("m")))
	e1.AddFile(1, NewFileMetadata(2, 100, []byte("n"), []byte("z")))

	b := newBuilder(cmp, nil)
	b.apply(e1)
	v1 := b.build()

	if got := v1.NumFilesAtLevel(1); got != 2 {
		t.Fatalf("expected 2 files at level 1, got %d", got)
	}

	e2 := &Edit{}
	e2.DeleteFile(1, 1)
	e2.AddFile(1, NewFileMetadata(3, 200, []byte("a"), []byte("c")))

	b2 := newBuilder(cmp, v1)
	b2.apply(e2)
	v2 := b2.build()

	if got := v2.NumFilesAtLevel(1); got != 2 {
		t.Fatalf("expected 2 files at level 1 after delete+add, got %d", got)
	}
	var numbers []uint64
	for _, f := range v2.Files(1) {
		numbers = append(numbers, f.Number)
	}
	for _, n := range numbers {
		if n == 1 {
			t.Fatalf("expected file 1 to be deleted from the built version, still present: %v", numbers)
		}
	}
}

func TestFileMetadataSeekBudgetTriggersOnce(t *testing.T) {
	f := NewFileMetadata(1, 0, []byte("a"), []byte("z"))
	// Budget floors at 100 for small files.
	var triggered int
	for i := 0; i < 200; i++ {
		if f.RecordSeek() {
			triggered++
		}
	}
	if triggered != 1 {
		t.Fatalf("expected RecordSeek to fire exactly once, fired %d times", triggered)
	}
}

func TestFileMetadataRefUnref(t *testing.T) {
	f := NewFileMetadata(1, 0, []byte("a"), []byte("z"))
	f.Ref()
	if f.Unref() {
		t.Fatal("expected Unref to report false with an outstanding reference")
	}
	if !f.Unref() {
		t.Fatal("expected Unref to report true once the last reference drops")
	}
}

func TestSetLogAndApplyAndRecover(t *testing.T) {
	dir := t.TempDir()
	cmp := internalCmp()

	s := Open(dir, cmp)
	saveManifest, err := s.Recover()
	if err != nil && !IsNoManifest(err) {
		t.Fatalf("Recover on fresh dir failed: %v", err)
	}
	if !saveManifest {
		t.Fatal("expected a fresh directory to report saveManifest=true")
	}

	edit := &Edit{}
	edit.SetComparatorName(cmp.Name())
	edit.AddFile(0, NewFileMetadata(s.NewFileNumber(), 512, []byte("a"), []byte("m")))
	if err := s.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}

	v := s.Current()
	defer s.ReleaseVersion(v)
	if got := v.NumFilesAtLevel(0); got != 1 {
		t.Fatalf("expected 1 file at level 0 after LogAndApply, got %d", got)
	}

	// Reopen and recover from the manifest just written.
	s2 := Open(dir, cmp)
	if _, err := s2.Recover(); err != nil {
		t.Fatalf("Recover after write failed: %v", err)
	}
	v2 := s2.Current()
	defer s2.ReleaseVersion(v2)
	if got := v2.NumFilesAtLevel(0); got != 1 {
		t.Fatalf("expected 1 file at level 0 after recovery, got %d", got)
	}
}

func TestReuseFileNumberOnlyRollsBackImmediatePredecessor(t *testing.T) {
	dir := t.TempDir()
	cmp := internalCmp()

	// Reusing a number that is not immediately behind the allocator's
	// next value must be a no-op.
	s := Open(dir, cmp)
	first := s.NewFileNumber()  // 0, nextFileNumber now 1
	_ = s.NewFileNumber()       // 1, nextFileNumber now 2
	s.ReuseFileNumber(first)    // first+1 == 1 != nextFileNumber(2): no-op
	if got := s.NewFileNumber(); got != 2 {
		t.Fatalf("expected stale ReuseFileNumber call to be a no-op, got next number %d want 2", got)
	}

	// Reusing the immediate predecessor rolls the allocator back by one.
	s2 := Open(dir, cmp)
	a := s2.NewFileNumber() // 0, nextFileNumber now 1
	s2.ReuseFileNumber(a)   // a+1 == 1 == nextFileNumber: rolls back to a
	if got := s2.NewFileNumber(); got != a {
		t.Fatalf("expected ReuseFileNumber to roll the allocator back to %d, got %d", a, got)
	}
}
