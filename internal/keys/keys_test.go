package keys

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ik := Encode([]byte("hello"), 42, KindValue)
	user, seq, kind, err := Decode(ik)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(user) != "hello" {
		t.Fatalf("expected user key 'hello', got %q", user)
	}
	if seq != 42 {
		t.Fatalf("expected seq 42, got %d", seq)
	}
	if kind != KindValue {
		t.Fatalf("expected KindValue, got %v", kind)
	}
}

func TestDecodeTooShort(t *testing.T) {
	_, _, _, err := Decode([]byte("short"))
	if err == nil {
		t.Fatal("expected error decoding too-short internal key")
	}
}

func TestInternalComparatorOrdersByDescendingSequence(t *testing.T) {
	cmp := NewInternalComparator(BytewiseComparator)

	newer := Encode([]byte("k"), 5, KindValue)
	older := Encode([]byte("k"), 3, KindValue)

	if cmp.Compare(newer, older) >= 0 {
		t.Fatalf("expected newer sequence to sort before older for the same user key")
	}
	if cmp.Compare(older, newer) <= 0 {
		t.Fatalf("expected older sequence to sort after newer for the same user key")
	}
}

func TestInternalComparatorOrdersByUserKeyFirst(t *testing.T) {
	cmp := NewInternalComparator(BytewiseComparator)

	a := Encode([]byte("a"), 1, KindValue)
	b := Encode([]byte("b"), 100, KindValue)

	if cmp.Compare(a, b) >= 0 {
		t.Fatalf("expected 'a' to sort before 'b' regardless of sequence")
	}
}

func TestSeekKeySortsBeforeAnyRealKeyWithSameUserKey(t *testing.T) {
	cmp := NewInternalComparator(BytewiseComparator)

	seek := SeekKey([]byte("k"))
	real := Encode([]byte("k"), 1, KindValue)

	if cmp.Compare(seek, real) >= 0 {
		t.Fatalf("expected seek sentinel to sort before a real key sharing its user key")
	}
}

func TestUserKeyStripsTag(t *testing.T) {
	ik := Encode([]byte("abc"), 7, KindDeletion)
	if got := string(UserKey(ik)); got != "abc" {
		t.Fatalf("expected UserKey to return 'abc', got %q", got)
	}
}

func TestPackUnpackTag(t *testing.T) {
	tag := PackTag(12345, KindDeletion)
	seq, kind := UnpackTag(tag)
	if seq != 12345 {
		t.Fatalf("expected seq 12345, got %d", seq)
	}
	if kind != KindDeletion {
		t.Fatalf("expected KindDeletion, got %v", kind)
	}
}
