package sstable

import (
	"encoding/binary"
	"fmt"
)

// blockBuilder assembles internal-key/value entries into one data block,
// recording a restart point (a byte offset into the block where a binary
// search can resume) every restartInterval entries so Seek need not scan
// the whole block linearly.
type blockBuilder struct {
	buf            []byte
	restarts       []uint32
	counter        int
	restartInterval int
}

const defaultRestartInterval = 16

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval <= 0 {
		restartInterval = defaultRestartInterval
	}
	return &blockBuilder{restarts: []uint32{0}, restartInterval: restartInterval}
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:0]
	b.restarts = append(b.restarts, 0)
	b.counter = 0
}

func (b *blockBuilder) empty() bool { return len(b.buf) == 0 }

func (b *blockBuilder) estimatedSize() int {
	return len(b.buf) + len(b.restarts)*4 + 4
}

// add appends one internal-key/value entry. Keys must be added in
// increasing order; no shared-prefix compression is applied, trading a
// little on-disk density for a simpler, easier-to-audit block format.
func (b *blockBuilder) add(key, value []byte) {
	if b.counter >= b.restartInterval {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(key)))
	b.buf = append(b.buf, tmp[:n]...)
	b.buf = append(b.buf, key...)
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	b.buf = append(b.buf, tmp[:n]...)
	b.buf = append(b.buf, value...)
	b.counter++
}

// finish returns the complete block contents: entries followed by the
// restart-point array and its count.
func (b *blockBuilder) finish() []byte {
	out := append([]byte{}, b.buf...)
	for _, r := range b.restarts {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], r)
		out = append(out, tmp[:]...)
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	out = append(out, tmp[:]...)
	return out
}

// block is a decoded, read-only view over one block's raw contents.
type block struct {
	data     []byte
	restarts []uint32
}

func parseBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("sstable: block too small: %d bytes", len(data))
	}
	numRestarts := binary.LittleEndian.Uint32(data[len(data)-4:])
	restartsSize := int(numRestarts) * 4
	trailerSize := restartsSize + 4
	if trailerSize > len(data) {
		return nil, fmt.Errorf("sstable: corrupt block trailer")
	}
	entriesEnd := len(data) - trailerSize
	restarts := make([]uint32, numRestarts)
	for i := 0; i < int(numRestarts); i++ {
		off := entriesEnd + i*4
		restarts[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}
	return &block{data: data[:entriesEnd], restarts: restarts}, nil
}

type blockEntry struct {
	key   []byte
	value []byte
}

// decodeEntryAt parses a single key/value entry starting at offset off,
// returning the entry and the offset immediately following it.
func decodeEntryAt(data []byte, off int) (blockEntry, int, error) {
	keyLen, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return blockEntry{}, 0, fmt.Errorf("sstable: corrupt key length")
	}
	off += n
	if off+int(keyLen) > len(data) {
		return blockEntry{}, 0, fmt.Errorf("sstable: corrupt key")
	}
	key := data[off : off+int(keyLen)]
	off += int(keyLen)

	valLen, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return blockEntry{}, 0, fmt.Errorf("sstable: corrupt value length")
	}
	off += n
	if off+int(valLen) > len(data) {
		return blockEntry{}, 0, fmt.Errorf("sstable: corrupt value")
	}
	value := data[off : off+int(valLen)]
	off += int(valLen)
	return blockEntry{key: key, value: value}, off, nil
}
