// Package batch implements the write-batch described in spec §4.3: a
// serialized group of put/delete operations carrying a sequence base and an
// operation count, encoded so it can be copied byte-for-byte into the WAL
// and replayed into a memtable without re-parsing individual fields.
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lsmkv/internal/keys"
	"lsmkv/pkg/types"
)

const (
	headerSeqOffset   = 0
	headerCountOffset = 8
	headerSize        = 12 // 8-byte sequence + 4-byte count

	tagValue    = 1
	tagDeletion = 0
)

var ErrCorruptBatch = errors.New("batch: corrupt record")

// Batch is a mutable, appendable write batch. New returns an empty batch
// with its header reserved, matching spec §4.3's invariant that the header
// exists even when the batch is empty; the zero value is also usable and
// reserves its header on the first mutation.
type Batch struct {
	buf []byte
}

// New returns an empty batch.
func New() *Batch {
	b := &Batch{buf: make([]byte, headerSize)}
	return b
}

func (b *Batch) ensureHeader() {
	if len(b.buf) < headerSize {
		b.buf = append(b.buf, make([]byte, headerSize-len(b.buf))...)
	}
}

// Put appends a Value(key, value) record and increments the operation
// count.
func (b *Batch) Put(key types.Key, value types.Value) {
	b.ensureHeader()
	b.buf = append(b.buf, tagValue)
	b.buf = appendLengthPrefixed(b.buf, key)
	b.buf = appendLengthPrefixed(b.buf, value)
	b.setCount(b.Count() + 1)
}

// Delete appends a Deletion(key) record and increments the operation count.
func (b *Batch) Delete(key types.Key) {
	b.ensureHeader()
	b.buf = append(b.buf, tagDeletion)
	b.buf = appendLengthPrefixed(b.buf, key)
	b.setCount(b.Count() + 1)
}

// Clear resets the batch to empty, keeping the reserved header.
func (b *Batch) Clear() {
	b.buf = make([]byte, headerSize)
}

// Count returns the number of records appended so far.
func (b *Batch) Count() uint32 {
	if len(b.buf) < headerSize {
		return 0
	}
	return binary.LittleEndian.Uint32(b.buf[headerCountOffset:])
}

func (b *Batch) setCount(n uint32) {
	b.ensureHeader()
	binary.LittleEndian.PutUint32(b.buf[headerCountOffset:], n)
}

// Sequence returns the batch's base sequence number, as set by SetSequence.
func (b *Batch) Sequence() types.SequenceNumber {
	if len(b.buf) < headerSize {
		return 0
	}
	return binary.LittleEndian.Uint64(b.buf[headerSeqOffset:])
}

// SetSequence stamps the batch's base sequence number; the writer that
// commits this batch assigns seq to the first record and seq+i to the i-th.
func (b *Batch) SetSequence(seq types.SequenceNumber) {
	b.ensureHeader()
	binary.LittleEndian.PutUint64(b.buf[headerSeqOffset:], seq)
}

// ApproximateSize returns the encoded size of the batch in bytes.
func (b *Batch) ApproximateSize() int {
	return len(b.buf)
}

// Bytes returns the raw encoded batch, the same form appended to the WAL.
func (b *Batch) Bytes() []byte {
	return b.buf
}

// Contents sets the batch's encoded form directly, used when replaying a
// WAL record back into a Batch.
func Contents(encoded []byte) *Batch {
	return &Batch{buf: encoded}
}

// Append concatenates other onto b: counts are summed, other's payload is
// copied after b's, and relative record order is preserved. b's count is
// updated (its sequence is left as is); other is left unmodified. This is how the
// DB runtime's leader groups several queued writers into one committed
// batch (spec §4.7).
func (b *Batch) Append(other *Batch) {
	b.ensureHeader()
	b.buf = append(b.buf, other.payload()...)
	b.setCount(b.Count() + other.Count())
}

func (b *Batch) payload() []byte {
	if len(b.buf) <= headerSize {
		return nil
	}
	return b.buf[headerSize:]
}

// Op is one decoded record: either a Put (Value != nil, possibly empty and
// non-nil) or a Delete (Value == nil).
type Op struct {
	Kind  keys.Kind
	Key   []byte
	Value []byte
}

// Visitor is called once per record in commit order by Iterate.
type Visitor func(op Op) error

// Iterate applies visit to every record in the batch, in append order.
func (b *Batch) Iterate(visit Visitor) error {
	data := b.payload()
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]

		key, rest, err := readLengthPrefixed(data)
		if err != nil {
			return fmt.Errorf("%w: reading key: %v", ErrCorruptBatch, err)
		}
		data = rest

		switch tag {
		case tagValue:
			value, rest, err := readLengthPrefixed(data)
			if err != nil {
				return fmt.Errorf("%w: reading value: %v", ErrCorruptBatch, err)
			}
			data = rest
			if err := visit(Op{Kind: keys.KindValue, Key: key, Value: value}); err != nil {
				return err
			}
		case tagDeletion:
			if err := visit(Op{Kind: keys.KindDeletion, Key: key}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown tag %d", ErrCorruptBatch, tag)
		}
	}
	return nil
}

func appendLengthPrefixed(dst []byte, s []byte) []byte {
	var lenBuf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	dst = append(dst, lenBuf[:n]...)
	return append(dst, s...)
}

func readLengthPrefixed(data []byte) (value, rest []byte, err error) {
	n, cnt := binary.Uvarint(data)
	if cnt <= 0 {
		return nil, nil, errors.New("bad varint length prefix")
	}
	data = data[cnt:]
	if uint64(len(data)) < n {
		return nil, nil, errors.New("truncated record")
	}
	return data[:n], data[n:], nil
}
