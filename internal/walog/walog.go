// Package walog implements the record-oriented write-ahead log the store
// package depends on for durability and crash recovery: append-record,
// sync-file, and sequential record-read-with-reporter (spec §6).
//
// Records are framed into 32 KiB blocks with CRC-checked headers, the way
// a leveldb-style log does: a record that doesn't fit in the remainder of
// a block is split across First/Middle/Last physical records, and a
// record that fits in one physical record is tagged Full. Readers skip a
// physical record whose checksum does not match, drop the rest of a block
// whose record length runs past it, and report the number of bytes dropped
// through a corruption-reporter callback.
package walog

import (
	"bufio"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"lsmkv/pkg/listener"
)

const (
	blockSize = 32 * 1024
	// header: 4-byte CRC, 2-byte length, 1-byte type.
	headerSize = 7
)

type recordType byte

const (
	fullType   recordType = 1
	firstType  recordType = 2
	middleType recordType = 3
	lastType   recordType = 4
)

var table = crc32.MakeTable(crc32.Castagnoli)

// Writer appends records to a log file. Writes are funneled through a
// single-slot background listener so callers can pipeline the syscalls
// for the next batch with the fsync of the previous one, the way the
// engine's writer-queue leader does for memtable inserts.
type Writer struct {
	*listener.Listener[writeJob]

	mu            sync.Mutex
	file          *os.File
	writer        *bufio.Writer
	blockOffset   int
	path          string
	inputCh       chan writeJob
	pendingErrors chan error
}

type writeJob struct {
	data []byte
	sync bool
	done chan error
}

// Create opens (creating if necessary) the log file at path for appending.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("walog: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("walog: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("walog: stat: %w", err)
	}
	w := &Writer{
		file:        f,
		writer:      bufio.NewWriterSize(f, blockSize),
		blockOffset: int(info.Size() % blockSize),
		path:        path,
		inputCh:     make(chan writeJob, 4),
	}
	w.Listener = listener.New(w.inputCh, w.runJob, w.stop)
	w.Listener.Start(context.Background())
	return w, nil
}

// Start is a no-op: Create has already started the writer's listener, and
// a second start would leave a consumer goroutine that Close never stops.
func (w *Writer) Start(context.Context) {}

// AddRecord appends a single logical record and always syncs before
// returning, for callers (the manifest log) that need every record
// durable regardless of any caller-level Sync option.
func (w *Writer) AddRecord(data []byte) error {
	return w.AddRecordSync(data, true)
}

// AddRecordSync appends a single logical record (a serialized write
// batch), splitting it across physical block records as needed, and
// fsyncs before returning only if sync is true (spec §4.7 step 4:
// "appends the combined batch's bytes to the log; optionally syncs").
func (w *Writer) AddRecordSync(data []byte, sync bool) error {
	job := writeJob{data: data, sync: sync, done: make(chan error, 1)}
	w.inputCh <- job
	return <-job.done
}

func (w *Writer) runJob(job writeJob) error {
	err := w.addRecordSync(job.data, job.sync)
	job.done <- err
	return err
}

func (w *Writer) addRecordSync(data []byte, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	begin := true
	for {
		leftover := blockSize - w.blockOffset
		if leftover < headerSize {
			if leftover > 0 {
				if _, err := w.writer.Write(make([]byte, leftover)); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := blockSize - w.blockOffset - headerSize
		fragment := len(data)
		end := false
		if fragment > avail {
			fragment = avail
		} else {
			end = true
		}

		var typ recordType
		switch {
		case begin && end:
			typ = fullType
		case begin:
			typ = firstType
		case end:
			typ = lastType
		default:
			typ = middleType
		}

		if err := w.emitPhysicalRecord(typ, data[:fragment]); err != nil {
			return err
		}
		data = data[fragment:]
		begin = false
		if end {
			break
		}
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("walog: flush: %w", err)
	}
	if !sync {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("walog: sync: %w", err)
	}
	return nil
}

func (w *Writer) emitPhysicalRecord(typ recordType, payload []byte) error {
	var header [headerSize]byte
	full := crc32.New(table)
	full.Write([]byte{byte(typ)})
	full.Write(payload)
	crc := full.Sum32()

	header[0] = byte(crc)
	header[1] = byte(crc >> 8)
	header[2] = byte(crc >> 16)
	header[3] = byte(crc >> 24)
	header[4] = byte(len(payload))
	header[5] = byte(len(payload) >> 8)
	header[6] = byte(typ)

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	w.blockOffset += headerSize + len(payload)
	return nil
}

func (w *Writer) stop() {
	close(w.inputCh)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Reporter is invoked by Reader when it skips corrupted bytes: a physical
// record with a bad checksum, or the rest of a block after a bad length.
type Reporter func(bytesDropped int, reason error)

// Reader sequentially reads logical records from a log file, reassembling
// fragmented records and resynchronizing after corruption.
type Reader struct {
	file     *os.File
	reporter Reporter
	buf      [blockSize]byte
	bufLen   int
	bufPos   int
	eof      bool
	// lastOffset tracks the file offset of the start of buf, for
	// corruption-byte accounting.
	lastOffset int64
}

// Open opens path for sequential record reading starting at byte offset 0.
func Open(path string, reporter Reporter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("walog: open for read: %w", err)
	}
	if reporter == nil {
		reporter = func(int, error) {}
	}
	return &Reader{file: f, reporter: reporter}, nil
}

func (r *Reader) Close() error { return r.file.Close() }

// ReadRecord returns the next logical record, or io.EOF when the log is
// exhausted.
func (r *Reader) ReadRecord() ([]byte, error) {
	var record []byte
	inFragment := false

	for {
		header, payload, typ, err := r.readPhysicalRecord()
		if err == io.EOF {
			if inFragment {
				r.reporter(len(record), fmt.Errorf("walog: truncated record at EOF"))
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		_ = header

		switch typ {
		case fullType:
			if inFragment {
				r.reporter(len(record), fmt.Errorf("walog: partial record dropped before full record"))
			}
			return payload, nil
		case firstType:
			if inFragment {
				r.reporter(len(record), fmt.Errorf("walog: partial record dropped before first record"))
			}
			record = append([]byte{}, payload...)
			inFragment = true
		case middleType:
			if !inFragment {
				r.reporter(len(payload), fmt.Errorf("walog: middle record with no predecessor"))
				continue
			}
			record = append(record, payload...)
		case lastType:
			if !inFragment {
				r.reporter(len(payload), fmt.Errorf("walog: last record with no predecessor"))
				continue
			}
			record = append(record, payload...)
			return record, nil
		default:
			r.reporter(len(payload), fmt.Errorf("walog: unknown record type %d", typ))
		}
	}
}

// readPhysicalRecord reads one header+payload, refilling the block buffer
// as needed and resynchronizing past corrupted headers.
func (r *Reader) readPhysicalRecord() (header [headerSize]byte, payload []byte, typ recordType, err error) {
	for {
		if r.bufPos+headerSize > r.bufLen {
			if err := r.fillBuffer(); err != nil {
				return header, nil, 0, err
			}
			if r.bufLen == 0 {
				return header, nil, 0, io.EOF
			}
			continue
		}
		copy(header[:], r.buf[r.bufPos:r.bufPos+headerSize])
		length := int(header[4]) | int(header[5])<<8
		recType := recordType(header[6])
		wantCRC := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24

		if r.bufPos+headerSize+length > r.bufLen {
			dropped := r.bufLen - r.bufPos
			r.reporter(dropped, fmt.Errorf("walog: record length exceeds remaining block"))
			r.bufPos = r.bufLen
			continue
		}

		body := r.buf[r.bufPos+headerSize : r.bufPos+headerSize+length]
		full := crc32.New(table)
		full.Write([]byte{byte(recType)})
		full.Write(body)
		gotCRC := full.Sum32()

		r.bufPos += headerSize + length

		if gotCRC != wantCRC {
			r.reporter(headerSize+length, fmt.Errorf("walog: checksum mismatch"))
			continue
		}

		out := make([]byte, length)
		copy(out, body)
		return header, out, recType, nil
	}
}

func (r *Reader) fillBuffer() error {
	if r.eof {
		r.bufLen = 0
		return nil
	}
	n, err := io.ReadFull(r.file, r.buf[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("walog: read block: %w", err)
	}
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		r.eof = true
	}
	r.bufLen = n
	r.bufPos = 0
	return nil
}
