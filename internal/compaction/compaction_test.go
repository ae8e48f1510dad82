package compaction

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zhangyunhao116/skipset"

	"lsmkv/internal/keys"
	"lsmkv/internal/sstable"
	"lsmkv/internal/version"
)

// fakeOpener opens table files directly from a directory by number,
// without any block cache, enough to drive Run in isolation. It tracks
// each outstanding reader so Release can close it, mirroring the real
// table cache's Open/Release pairing.
type fakeOpener struct {
	dir string
	cmp keys.InternalComparator

	mu      sync.Mutex
	readers map[uint64]*sstable.Reader
}

func (o *fakeOpener) Open(fileNumber uint64) (*sstable.Reader, error) {
	path := filepath.Join(o.dir, tableFileName(fileNumber))
	r, err := sstable.OpenReader(path, fileNumber, sstable.ReaderOptions{Comparator: o.cmp})
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.readers == nil {
		o.readers = make(map[uint64]*sstable.Reader)
	}
	o.readers[fileNumber] = r
	o.mu.Unlock()
	return r, nil
}

func (o *fakeOpener) Release(fileNumber uint64) {
	o.mu.Lock()
	r, ok := o.readers[fileNumber]
	delete(o.readers, fileNumber)
	o.mu.Unlock()
	if ok {
		_ = r.Close()
	}
}

func tableFileName(number uint64) string {
	return fmt.Sprintf("%06d.ldb", number)
}

func buildTable(t *testing.T, dir string, number uint64, entries []entry) *version.FileMetadata {
	t.Helper()
	path := filepath.Join(dir, tableFileName(number))
	b, err := sstable.NewBuilder(path, sstable.CompressionNone, 4096, nil)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	for _, e := range entries {
		ik := keys.Encode([]byte(e.userKey), e.seq, e.kind)
		if err := b.Add(ik, []byte(e.value)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	smallest, largest, size, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return version.NewFileMetadata(number, size, smallest, largest)
}

type entry struct {
	userKey string
	seq     uint64
	kind    keys.Kind
	value   string
}

func TestRunMergesInputsKeepingVersionsAboveSmallestSnapshot(t *testing.T) {
	dir := t.TempDir()
	cmp := keys.NewInternalComparator(keys.BytewiseComparator)

	// Input 0 (level L): the newer version of "a", and "c".
	f0 := buildTable(t, dir, 1, []entry{
		{"a", 2, keys.KindValue, "a-new"},
		{"c", 1, keys.KindValue, "c-val"},
	})
	// Input 1 (level L+1): older version of "a", and "b".
	f1 := buildTable(t, dir, 2, []entry{
		{"a", 1, keys.KindValue, "a-old"},
		{"b", 1, keys.KindValue, "b-val"},
	})

	c := &Compaction{
		Level:  0,
		Inputs: [2][]*version.FileMetadata{{f0}, {f1}},
	}

	var nextNumber atomic.Uint64
	nextNumber.Store(10)

	result, err := Run(c, Options{
		Dir:              dir,
		Comparator:       cmp,
		Opener:           &fakeOpener{dir: dir, cmp: cmp},
		AllocFileNumber:  func() uint64 { return nextNumber.Add(1) },
		Compression:      sstable.CompressionNone,
		BlockSize:        4096,
		FilterBitsPerKey: 0,
		PendingOutputs:   skipset.NewUint64(),
		SmallestSnapshot: 0,
		BaseVersion:      nil,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Outputs) != 1 {
		t.Fatalf("expected a single output file, got %d", len(result.Outputs))
	}

	r, err := sstable.OpenReader(filepath.Join(dir, tableFileName(result.Outputs[0].Number)), result.Outputs[0].Number, sstable.ReaderOptions{Comparator: cmp})
	if err != nil {
		t.Fatalf("OpenReader on output failed: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	it.First()

	var got []struct {
		key string
		seq uint64
	}
	for it.Valid() {
		userKey, seq, _, derr := keys.Decode(it.Key())
		if derr != nil {
			t.Fatalf("Decode failed: %v", derr)
		}
		got = append(got, struct {
			key string
			seq uint64
		}{string(userKey), seq})
		it.Next()
	}

	// With SmallestSnapshot=0, drop rule A fires on any sequence <= 0,
	// which never happens here (sequences start at 1), so every version
	// of every key should survive the merge, interleaved in internal-key
	// order: a@2, a@1, b@1, c@1.
	want := []string{"a", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].key != w {
			t.Fatalf("entry %d: expected key %q, got %q", i, w, got[i].key)
		}
	}
	if got[0].seq != 2 || got[1].seq != 1 {
		t.Fatalf("expected 'a' versions in descending sequence order, got %+v", got[:2])
	}
}

func TestIsTrivialMoveDetectsSingleInputNoOverlap(t *testing.T) {
	f := version.NewFileMetadata(1, 100, []byte("a"), []byte("z"))
	c := &Compaction{Inputs: [2][]*version.FileMetadata{{f}, nil}}
	if !c.IsTrivialMove() {
		t.Fatal("expected a single level-L input with no level-L+1 overlap to be a trivial move")
	}
}

func TestIsTrivialMoveRejectsMultipleInputs(t *testing.T) {
	f1 := version.NewFileMetadata(1, 100, []byte("a"), []byte("m"))
	f2 := version.NewFileMetadata(2, 100, []byte("n"), []byte("z"))
	c := &Compaction{Inputs: [2][]*version.FileMetadata{{f1, f2}, nil}}
	if c.IsTrivialMove() {
		t.Fatal("expected multiple level-L inputs to rule out a trivial move")
	}
}
