package sstable

import (
	"encoding/binary"
	"fmt"
)

// Compression identifies the per-block codec, persisted as a one-byte
// trailer after each block's (possibly compressed) contents.
type Compression byte

const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
)

// blockHandle locates a block within the file: its offset and the length
// of its (possibly compressed) contents, not counting the trailer.
type blockHandle struct {
	offset uint64
	length uint64
}

func (h blockHandle) encode() []byte {
	buf := make([]byte, 2*binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, h.offset)
	n += binary.PutUvarint(buf[n:], h.length)
	return buf[:n]
}

func decodeBlockHandle(data []byte) (blockHandle, int, error) {
	offset, n1 := binary.Uvarint(data)
	if n1 <= 0 {
		return blockHandle{}, 0, fmt.Errorf("sstable: corrupt block handle offset")
	}
	length, n2 := binary.Uvarint(data[n1:])
	if n2 <= 0 {
		return blockHandle{}, 0, fmt.Errorf("sstable: corrupt block handle length")
	}
	return blockHandle{offset: offset, length: length}, n1 + n2, nil
}

// blockTrailerSize is the compression-type byte plus the unmasked CRC32C
// of the payload and type byte.
const blockTrailerSize = 5

// footerSize is fixed: two block handles, padded, plus an 8-byte magic.
const footerSize = 48

const tableMagic uint64 = 0xdb4775248b80fb57

// footer is written as the last footerSize bytes of every table file.
type footer struct {
	metaIndexHandle blockHandle
	indexHandle     blockHandle
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	mi := f.metaIndexHandle.encode()
	idx := f.indexHandle.encode()
	copy(buf, mi)
	copy(buf[len(mi):], idx)
	binary.LittleEndian.PutUint64(buf[footerSize-8:], tableMagic)
	return buf
}

func decodeFooter(data []byte) (footer, error) {
	if len(data) != footerSize {
		return footer{}, fmt.Errorf("sstable: bad footer size %d", len(data))
	}
	magic := binary.LittleEndian.Uint64(data[footerSize-8:])
	if magic != tableMagic {
		return footer{}, fmt.Errorf("sstable: bad magic number, not a table file")
	}
	mi, n, err := decodeBlockHandle(data)
	if err != nil {
		return footer{}, err
	}
	idx, _, err := decodeBlockHandle(data[n:])
	if err != nil {
		return footer{}, err
	}
	return footer{metaIndexHandle: mi, indexHandle: idx}, nil
}
