package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/golang/snappy"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Builder assembles a sequence of increasing internal keys into one
// sorted table file: data blocks, an index block keyed by each data
// block's largest key, and an optional bloom filter meta-block, closed
// with a footer naming both block locations.
type Builder struct {
	file   *os.File
	writer *bufio.Writer
	offset uint64

	compression Compression
	blockSize   int
	filter      *BloomFilter

	dataBlock  *blockBuilder
	indexBlock *blockBuilder

	filterKeys    [][]byte
	pendingHandle blockHandle
	havePending   bool
	lastKey       []byte

	smallestKey []byte
	largestKey  []byte
	numEntries  int
}

// NewBuilder creates a table builder writing to path.
func NewBuilder(path string, compression Compression, blockSize int, filter *BloomFilter) (*Builder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("sstable: create: %w", err)
	}
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &Builder{
		file:        f,
		writer:      bufio.NewWriterSize(f, 64*1024),
		compression: compression,
		blockSize:   blockSize,
		filter:      filter,
		dataBlock:   newBlockBuilder(defaultRestartInterval),
		indexBlock:  newBlockBuilder(defaultRestartInterval),
	}, nil
}

// Add appends one internal-key/value pair. Keys must be strictly
// increasing in internal-key order.
func (b *Builder) Add(internalKey, value []byte) error {
	if b.havePending {
		if err := b.flushPendingIndexEntry(internalKey); err != nil {
			return err
		}
	}

	if b.smallestKey == nil {
		b.smallestKey = append([]byte{}, internalKey...)
	}
	b.largestKey = append(b.largestKey[:0], internalKey...)
	b.numEntries++

	b.dataBlock.add(internalKey, value)
	if b.filter != nil {
		userKey := append([]byte{}, internalKey[:len(internalKey)-8]...)
		b.filterKeys = append(b.filterKeys, userKey)
	}
	b.lastKey = append(b.lastKey[:0], internalKey...)

	if b.dataBlock.estimatedSize() >= b.blockSize {
		return b.finishDataBlock()
	}
	return nil
}

// flushPendingIndexEntry writes the index entry for the just-finished
// data block now that we know the first key of the next block, letting
// us use the shortest separator between them (here: simply the previous
// block's last key, trading a few bytes of index size for simplicity).
func (b *Builder) flushPendingIndexEntry(_ []byte) error {
	b.indexBlock.add(b.lastKey, b.pendingHandle.encode())
	b.havePending = false
	return nil
}

func (b *Builder) finishDataBlock() error {
	handle, err := b.writeBlock(b.dataBlock.finish())
	if err != nil {
		return err
	}
	b.pendingHandle = handle
	b.havePending = true
	b.dataBlock.reset()
	return nil
}

// writeBlock compresses (if configured), frames, and appends raw to
// compressed bytes, returning the handle locating the payload.
func (b *Builder) writeBlock(raw []byte) (blockHandle, error) {
	payload := raw
	compression := b.compression
	if compression == CompressionSnappy {
		payload = snappy.Encode(nil, raw)
	}

	handle := blockHandle{offset: b.offset, length: uint64(len(payload))}
	if _, err := b.writer.Write(payload); err != nil {
		return blockHandle{}, err
	}

	var trailer [blockTrailerSize]byte
	trailer[0] = byte(compression)
	crc := crc32.New(crcTable)
	crc.Write(payload)
	crc.Write(trailer[:1])
	binary.LittleEndian.PutUint32(trailer[1:], crc.Sum32())
	if _, err := b.writer.Write(trailer[:]); err != nil {
		return blockHandle{}, err
	}

	b.offset += uint64(len(payload)) + blockTrailerSize
	return handle, nil
}

// Finish flushes any pending data block, writes the filter meta-block,
// the index block, and the footer, then closes the file.
func (b *Builder) Finish() (smallest, largest []byte, fileSize uint64, err error) {
	if !b.dataBlock.empty() {
		if err = b.finishDataBlock(); err != nil {
			return nil, nil, 0, err
		}
	}
	if b.havePending {
		b.indexBlock.add(b.lastKey, b.pendingHandle.encode())
		b.havePending = false
	}

	var metaIndexHandle blockHandle
	if b.filter != nil && len(b.filterKeys) > 0 {
		filterBlock := b.filter.CreateFilter(b.filterKeys)
		filterHandle, werr := b.writeBlock(filterBlock)
		if werr != nil {
			return nil, nil, 0, werr
		}
		meta := newBlockBuilder(defaultRestartInterval)
		meta.add([]byte("filter.lsmkv.BloomFilter"), filterHandle.encode())
		metaIndexHandle, err = b.writeBlock(meta.finish())
		if err != nil {
			return nil, nil, 0, err
		}
	}

	indexHandle, err := b.writeBlock(b.indexBlock.finish())
	if err != nil {
		return nil, nil, 0, err
	}

	f := footer{metaIndexHandle: metaIndexHandle, indexHandle: indexHandle}
	if _, err = b.writer.Write(f.encode()); err != nil {
		return nil, nil, 0, err
	}
	b.offset += footerSize

	if err = b.writer.Flush(); err != nil {
		return nil, nil, 0, err
	}
	if err = b.file.Sync(); err != nil {
		return nil, nil, 0, err
	}
	if err = b.file.Close(); err != nil {
		return nil, nil, 0, err
	}

	return b.smallestKey, b.largestKey, b.offset, nil
}

// Abandon closes and removes a partially written table, used when a
// compaction or flush fails partway through.
func (b *Builder) Abandon(path string) {
	_ = b.writer.Flush()
	_ = b.file.Close()
	_ = os.Remove(path)
}

// NumEntries reports how many key/value pairs have been added so far.
func (b *Builder) NumEntries() int { return b.numEntries }

// FileSize reports the number of bytes written to the file so far,
// including block trailers but not the not-yet-written footer.
func (b *Builder) FileSize() uint64 { return b.offset }
