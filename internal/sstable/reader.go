package sstable

import (
	"fmt"
	"hash/crc32"
	"os"
	"sync/atomic"

	"github.com/golang/snappy"

	"lsmkv/internal/keys"
)

// Reader opens one immutable table file for point lookups and range
// iteration. Readers are safe for concurrent use; file-number identifies
// the table in the shared block cache.
type Reader struct {
	file       *os.File
	fileNumber uint64
	cache      *BlockCache
	cmp        keys.Comparator
	verify     bool

	index        *block
	filterOffset int64
	filterLength int64
	haveFilter   bool
	filter       []byte

	seeks atomic.Int32
}

// ReaderOptions configures how a table is opened.
type ReaderOptions struct {
	Cache           *BlockCache
	Comparator      keys.Comparator
	VerifyChecksums bool
}

// OpenReader opens path, parses its footer and index block, and loads
// the filter block if present.
func OpenReader(path string, fileNumber uint64, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() < footerSize {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: file too small to contain a footer")
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, info.Size()-footerSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r := &Reader{
		file:       f,
		fileNumber: fileNumber,
		cache:      opts.Cache,
		cmp:        opts.Comparator,
		verify:     opts.VerifyChecksums,
	}
	if r.cmp == nil {
		r.cmp = keys.BytewiseComparator
	}

	indexBlock, err := r.readBlockUncached(ft.indexHandle)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	r.index = indexBlock

	if ft.metaIndexHandle.length > 0 {
		metaBlock, err := r.readBlockUncached(ft.metaIndexHandle)
		if err == nil {
			it := newBlockIterator(metaBlock, r.cmp)
			it.First()
			for it.Valid() {
				if string(it.Key()) == "filter.lsmkv.BloomFilter" {
					handle, _, herr := decodeBlockHandle(it.Value())
					if herr == nil {
						filterBlock, ferr := r.readRawBlock(handle)
						if ferr == nil {
							r.filter = filterBlock
							r.haveFilter = true
						}
					}
				}
				it.Next()
			}
		}
	}

	return r, nil
}

func (r *Reader) Close() error { return r.file.Close() }

// FileNumber returns the table's file number, used as the block-cache
// namespace.
func (r *Reader) FileNumber() uint64 { return r.fileNumber }

// readRawBlock reads a block (verifying its checksum when VerifyChecksums
// is set) but does not parse restart
// points; used for the filter block, which is not a restart-indexed
// key/value block.
func (r *Reader) readRawBlock(h blockHandle) ([]byte, error) {
	buf := make([]byte, h.length+blockTrailerSize)
	if _, err := r.file.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, err
	}
	payload := buf[:h.length]
	trailer := buf[h.length:]
	if r.verify {
		crc := crc32.New(crcTable)
		crc.Write(payload)
		crc.Write(trailer[:1])
		got := crc.Sum32()
		want := uint32(trailer[1]) | uint32(trailer[2])<<8 | uint32(trailer[3])<<16 | uint32(trailer[4])<<24
		if got != want {
			return nil, fmt.Errorf("sstable: checksum mismatch at offset %d", h.offset)
		}
	}
	if Compression(trailer[0]) == CompressionSnappy {
		return snappy.Decode(nil, payload)
	}
	return payload, nil
}

func (r *Reader) readBlockUncached(h blockHandle) (*block, error) {
	raw, err := r.readRawBlock(h)
	if err != nil {
		return nil, err
	}
	return parseBlock(raw)
}

func (r *Reader) readDataBlock(h blockHandle) (*block, error) {
	if r.cache != nil {
		if b, ok := r.cache.get(r.fileNumber, h.offset); ok {
			return b, nil
		}
	}
	b, err := r.readBlockUncached(h)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.put(r.fileNumber, h.offset, b)
	}
	return b, nil
}

// MayContain reports whether userKey might be present, consulting the
// bloom filter when one was built for this table.
func (r *Reader) MayContain(userKey []byte) bool {
	if !r.haveFilter {
		return true
	}
	return KeyMayMatch(r.filter, userKey)
}

// RecordSeek decrements the table's seek counter by one and returns its
// new value; the counter starts at zero. The read-triggered compaction
// budget itself lives on version.FileMetadata.
func (r *Reader) RecordSeek() int32 { return r.seeks.Add(-1) }

// NewIterator returns an iterator over every internal key in the table,
// in increasing order.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{reader: r}
}
