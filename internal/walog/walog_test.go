package walog

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	records := [][]byte{
		[]byte("first record"),
		[]byte("second, a little longer record"),
		{},
	}
	for _, r := range records {
		if err := w.AddRecord(r); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	for i, want := range records {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d: expected %q, got %q", i, want, got)
		}
	}
	if _, err := r.ReadRecord(); err != io.EOF {
		t.Fatalf("expected io.EOF after last record, got %v", err)
	}
}

func TestWriteReadRecordLargerThanBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	big := bytes.Repeat([]byte("x"), blockSize*3+17)
	if err := w.AddRecord(big); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("expected fragmented record to reassemble correctly, lengths got=%d want=%d", len(got), len(big))
	}
}

func TestReaderReportsChecksumCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.AddRecord([]byte("hello")); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if err := w.AddRecord([]byte("world")); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// Flip a bit inside the first record's payload to corrupt its checksum.
	data[headerSize] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var dropped int
	var reason error
	r, err := Open(path, func(n int, err error) {
		dropped += n
		reason = err
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("expected ReadRecord to recover and return the next record, got error: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("expected recovery to yield 'world', got %q", got)
	}
	if dropped == 0 || reason == nil {
		t.Fatal("expected the reporter to be invoked for the corrupted record")
	}
}
