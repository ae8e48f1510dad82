package store

import (
	"context"
	"testing"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	opts := config.Options{
		CreateIfMissing: true,
		WriteBufferSize: 64 * 1024, // floor value; small so flushes are reachable in tests
	}
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, []byte("k"), []byte("v1"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, err := s.Get(ctx, []byte("k"), config.ReadOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v1" {
		t.Fatalf("expected 'v1', got %q", value)
	}

	if err := s.Delete(ctx, []byte("k"), config.WriteOptions{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, err = s.Get(ctx, []byte("k"), config.ReadOptions{})
	if err != dberrors.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestGetNonExistentKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), []byte("missing"), config.ReadOptions{})
	if err != dberrors.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOverwriteReturnsLatestValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, []byte("k"), []byte("v1"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, []byte("k"), []byte("v2"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, err := s.Get(ctx, []byte("k"), config.ReadOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v2" {
		t.Fatalf("expected 'v2', got %q", value)
	}
}

func TestSnapshotIsolatesReadsFromLaterWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, []byte("k"), []byte("before"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	snap, err := s.NewSnapshot(ctx)
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	if err := s.Put(ctx, []byte("k"), []byte("after"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := s.Get(ctx, []byte("k"), config.ReadOptions{Snapshot: snap})
	if err != nil {
		t.Fatalf("Get with snapshot failed: %v", err)
	}
	if string(value) != "before" {
		t.Fatalf("expected snapshot read to see 'before', got %q", value)
	}

	value, err = s.Get(ctx, []byte("k"), config.ReadOptions{})
	if err != nil {
		t.Fatalf("Get without snapshot failed: %v", err)
	}
	if string(value) != "after" {
		t.Fatalf("expected unsnapshotted read to see 'after', got %q", value)
	}
	snap.Close()
}

func TestIteratorWalksAllVisibleKeysInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, kv := range []struct{ k, v string }{
		{"b", "2"}, {"a", "1"}, {"c", "3"},
	} {
		if err := s.Put(ctx, []byte(kv.k), []byte(kv.v), config.WriteOptions{}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := s.Delete(ctx, []byte("b"), config.WriteOptions{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	it, err := s.NewIterator(ctx, config.ReadOptions{})
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	want := []string{"a=1", "c=3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFlushPersistsMemtableToTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, []byte("k"), []byte("v"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	value, err := s.Get(ctx, []byte("k"), config.ReadOptions{})
	if err != nil {
		t.Fatalf("Get after flush failed: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("expected 'v' after flush, got %q", value)
	}

	// With no overlapping files anywhere, PickLevelForMemTableOutput places
	// the flushed table at level 2, the deepest level a flush may target.
	stats, ok := s.Property("num-files-at-level2")
	if !ok {
		t.Fatal("expected num-files-at-level2 property to be recognized")
	}
	if stats == "0" {
		t.Fatalf("expected at least one level-2 file after flush, got %q", stats)
	}
}

func TestCompactRangeMergesFlushedFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, []byte("a"), []byte("1"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := s.Put(ctx, []byte("a"), []byte("2"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := s.CompactRange(ctx, nil, nil); err != nil {
		t.Fatalf("CompactRange failed: %v", err)
	}

	value, err := s.Get(ctx, []byte("a"), config.ReadOptions{})
	if err != nil {
		t.Fatalf("Get after compaction failed: %v", err)
	}
	if string(value) != "2" {
		t.Fatalf("expected latest value '2' to survive compaction, got %q", value)
	}
}

func TestRecoveryReplaysUncommittedLog(t *testing.T) {
	dir := t.TempDir()
	opts := config.Options{CreateIfMissing: true}

	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, []byte("k"), []byte("v"), config.WriteOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	value, err := s2.Get(ctx, []byte("k"), config.ReadOptions{})
	if err != nil {
		t.Fatalf("Get after recovery failed: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("expected 'v' to survive recovery, got %q", value)
	}
}
