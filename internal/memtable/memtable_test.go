package memtable

import (
	"testing"

	"lsmkv/internal/keys"
)

func newTestTable() *Memtable {
	return New(keys.NewInternalComparator(keys.BytewiseComparator))
}

func TestAddGetFindsLatestVisibleVersion(t *testing.T) {
	mt := newTestTable()
	mt.Add(1, keys.KindValue, []byte("k"), []byte("v1"))
	mt.Add(2, keys.KindValue, []byte("k"), []byte("v2"))

	value, result := mt.Get([]byte("k"), 2)
	if result != Found {
		t.Fatalf("expected Found, got %v", result)
	}
	if string(value) != "v2" {
		t.Fatalf("expected 'v2', got %q", value)
	}
}

func TestGetRespectsReadSequence(t *testing.T) {
	mt := newTestTable()
	mt.Add(1, keys.KindValue, []byte("k"), []byte("v1"))
	mt.Add(5, keys.KindValue, []byte("k"), []byte("v5"))

	value, result := mt.Get([]byte("k"), 3)
	if result != Found {
		t.Fatalf("expected Found, got %v", result)
	}
	if string(value) != "v1" {
		t.Fatalf("expected the version visible at seq 3 ('v1'), got %q", value)
	}
}

func TestGetSeesDeletionAsTombstone(t *testing.T) {
	mt := newTestTable()
	mt.Add(1, keys.KindValue, []byte("k"), []byte("v1"))
	mt.Add(2, keys.KindDeletion, []byte("k"), nil)

	_, result := mt.Get([]byte("k"), 2)
	if result != Deleted {
		t.Fatalf("expected Deleted, got %v", result)
	}
}

func TestGetUnknownKeyNotInTable(t *testing.T) {
	mt := newTestTable()
	_, result := mt.Get([]byte("missing"), 100)
	if result != NotInTable {
		t.Fatalf("expected NotInTable, got %v", result)
	}
}

func TestIteratorOrdersByUserKeyThenDescendingSequence(t *testing.T) {
	mt := newTestTable()
	mt.Add(1, keys.KindValue, []byte("a"), []byte("a1"))
	mt.Add(1, keys.KindValue, []byte("b"), []byte("b1"))
	mt.Add(2, keys.KindValue, []byte("a"), []byte("a2"))

	it := mt.NewIterator()
	defer it.Close()

	it.First()
	if !it.Valid() {
		t.Fatal("expected iterator to be valid at First")
	}
	userKey, seq, _, err := keys.Decode(it.Key())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(userKey) != "a" || seq != 2 {
		t.Fatalf("expected first entry to be (a, seq=2), got (%s, %d)", userKey, seq)
	}

	it.Next()
	userKey, seq, _, _ = keys.Decode(it.Key())
	if string(userKey) != "a" || seq != 1 {
		t.Fatalf("expected second entry to be (a, seq=1), got (%s, %d)", userKey, seq)
	}

	it.Next()
	userKey, _, _, _ = keys.Decode(it.Key())
	if string(userKey) != "b" {
		t.Fatalf("expected third entry to be 'b', got %s", userKey)
	}

	it.Next()
	if it.Valid() {
		t.Fatal("expected iterator to be exhausted")
	}
}

func TestIteratorSeek(t *testing.T) {
	mt := newTestTable()
	mt.Add(1, keys.KindValue, []byte("a"), []byte("a1"))
	mt.Add(1, keys.KindValue, []byte("c"), []byte("c1"))

	it := mt.NewIterator()
	defer it.Close()

	it.Seek(keys.SeekKey([]byte("b")))
	if !it.Valid() {
		t.Fatal("expected iterator to land on 'c'")
	}
	userKey, _, _, _ := keys.Decode(it.Key())
	if string(userKey) != "c" {
		t.Fatalf("expected seek to land on 'c', got %s", userKey)
	}
}

func TestRefUnrefReleasesTable(t *testing.T) {
	mt := newTestTable()
	mt.Ref()
	mt.Unref()
	if mt.set == nil {
		t.Fatal("table should still be alive after balanced ref/unref pair")
	}
	mt.Unref()
	if mt.set != nil {
		t.Fatal("expected table to be released once refcount reaches zero")
	}
}
