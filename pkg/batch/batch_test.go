package batch

import (
	"testing"

	"lsmkv/internal/keys"
)

func TestIteratePreservesAppendOrder(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	b.Put([]byte("c"), []byte("3"))

	var ops []Op
	if err := b.Iterate(func(op Op) error {
		ops = append(ops, op)
		return nil
	}); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}

	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	if ops[0].Kind != keys.KindValue || string(ops[0].Key) != "a" || string(ops[0].Value) != "1" {
		t.Fatalf("unexpected op 0: %+v", ops[0])
	}
	if ops[1].Kind != keys.KindDeletion || string(ops[1].Key) != "b" {
		t.Fatalf("unexpected op 1: %+v", ops[1])
	}
	if ops[2].Kind != keys.KindValue || string(ops[2].Key) != "c" || string(ops[2].Value) != "3" {
		t.Fatalf("unexpected op 2: %+v", ops[2])
	}
}

func TestAppendMergesCountsAndPayloads(t *testing.T) {
	a := New()
	a.Put([]byte("x"), []byte("1"))
	b := New()
	b.Put([]byte("y"), []byte("2"))
	b.Delete([]byte("z"))

	a.Append(b)
	if a.Count() != 3 {
		t.Fatalf("expected merged count of 3, got %d", a.Count())
	}

	var keys []string
	_ = a.Iterate(func(op Op) error {
		keys = append(keys, string(op.Key))
		return nil
	})
	want := []string{"x", "y", "z"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("expected key order %v, got %v", want, keys)
		}
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	b := New()
	b.SetSequence(7)
	if b.Sequence() != 7 {
		t.Fatalf("expected sequence 7, got %d", b.Sequence())
	}
}

func TestContentsRoundTripsThroughBytes(t *testing.T) {
	b := New()
	b.SetSequence(5)
	b.Put([]byte("k"), []byte("v"))

	restored := Contents(b.Bytes())
	if restored.Sequence() != 5 {
		t.Fatalf("expected sequence 5, got %d", restored.Sequence())
	}
	if restored.Count() != 1 {
		t.Fatalf("expected count 1, got %d", restored.Count())
	}
}
