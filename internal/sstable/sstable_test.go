package sstable

import (
	"path/filepath"
	"testing"

	"lsmkv/internal/keys"
)

func buildTestTable(t *testing.T, path string, entries map[string]string, filter *BloomFilter) {
	t.Helper()
	b, err := NewBuilder(path, CompressionSnappy, 64, filter)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	cmp := keys.NewInternalComparator(keys.BytewiseComparator)

	userKeys := make([]string, 0, len(entries))
	for k := range entries {
		userKeys = append(userKeys, k)
	}
	// Simple insertion sort since the test sets are tiny and Add requires
	// strictly increasing internal-key order.
	for i := 1; i < len(userKeys); i++ {
		for j := i; j > 0 && cmp.User.Compare([]byte(userKeys[j]), []byte(userKeys[j-1])) < 0; j-- {
			userKeys[j], userKeys[j-1] = userKeys[j-1], userKeys[j]
		}
	}

	for _, uk := range userKeys {
		ik := keys.Encode([]byte(uk), 1, keys.KindValue)
		if err := b.Add(ik, []byte(entries[uk])); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if _, _, _, err := b.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
}

func TestBuildAndIterateTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.ldb")
	entries := map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark red",
	}
	buildTestTable(t, path, entries, nil)

	cmp := keys.NewInternalComparator(keys.BytewiseComparator)
	r, err := OpenReader(path, 1, ReaderOptions{Comparator: cmp})
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	it.First()

	var gotKeys []string
	for it.Valid() {
		userKey, _, _, err := keys.Decode(it.Key())
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		gotKeys = append(gotKeys, string(userKey))
		if entries[string(userKey)] != string(it.Value()) {
			t.Fatalf("value mismatch for %q: got %q", userKey, it.Value())
		}
		it.Next()
	}
	want := []string{"apple", "banana", "cherry"}
	if len(gotKeys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(gotKeys), gotKeys)
	}
	for i := range want {
		if gotKeys[i] != want[i] {
			t.Fatalf("expected key %d to be %q, got %q", i, want[i], gotKeys[i])
		}
	}
}

func TestReaderSeek(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.ldb")
	entries := map[string]string{
		"a": "1",
		"c": "3",
		"e": "5",
	}
	buildTestTable(t, path, entries, nil)

	cmp := keys.NewInternalComparator(keys.BytewiseComparator)
	r, err := OpenReader(path, 1, ReaderOptions{Comparator: cmp})
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	it.Seek(keys.SeekKey([]byte("b")))
	if !it.Valid() {
		t.Fatal("expected seek to land on 'c'")
	}
	userKey, _, _, _ := keys.Decode(it.Key())
	if string(userKey) != "c" {
		t.Fatalf("expected 'c', got %q", userKey)
	}
}

func TestBloomFilterMayContain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.ldb")
	entries := map[string]string{
		"present1": "x",
		"present2": "y",
	}
	buildTestTable(t, path, entries, NewBloomFilter(10))

	cmp := keys.NewInternalComparator(keys.BytewiseComparator)
	r, err := OpenReader(path, 1, ReaderOptions{Comparator: cmp})
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer r.Close()

	if !r.MayContain([]byte("present1")) {
		t.Fatal("expected MayContain to return true for a key actually in the table")
	}
	if !r.MayContain([]byte("present2")) {
		t.Fatal("expected MayContain to return true for a key actually in the table")
	}
}

func TestBloomFilterCreateFilterDoesNotMutateKeys(t *testing.T) {
	f := NewBloomFilter(10)
	key := []byte("untouched")
	original := append([]byte(nil), key...)

	_ = f.CreateFilter([][]byte{key})

	for i := range key {
		if key[i] != original[i] {
			t.Fatalf("CreateFilter mutated caller's key buffer: got %v, want %v", key, original)
		}
	}
}
