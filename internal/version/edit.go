package version

import (
	"encoding/binary"
	"fmt"
)

// tag identifies which field a manifest record entry carries.
type tag uint32

const (
	tagComparator     tag = 1
	tagLogNumber      tag = 2
	tagNextFileNumber tag = 3
	tagLastSequence   tag = 4
	tagCompactPointer tag = 5
	tagDeletedFile    tag = 6
	tagNewFile        tag = 7
	tagPrevLogNumber  tag = 9
)

// FileAddition is a (level, file-metadata) pair for Edit.NewFiles.
type FileAddition struct {
	Level    int
	Number   uint64
	FileSize uint64
	Smallest []byte
	Largest  []byte
}

// FileDeletion is a (level, file-number) pair for Edit.DeletedFiles.
type FileDeletion struct {
	Level  int
	Number uint64
}

// CompactPointer records the largest key a level has compacted through.
type CompactPointer struct {
	Level int
	Key   []byte
}

// Edit is the delta between two consecutive versions (spec §3): at most
// one value per scalar field, plus lists of file additions/deletions and
// compaction pointers. Serialized record-by-record into the manifest log.
type Edit struct {
	HasComparator bool
	Comparator    string

	HasLogNumber bool
	LogNumber    uint64

	HasPrevLogNumber bool
	PrevLogNumber    uint64

	HasNextFileNumber bool
	NextFileNumber    uint64

	HasLastSequence bool
	LastSequence    uint64

	CompactPointers []CompactPointer
	DeletedFiles    []FileDeletion
	NewFiles        []FileAddition
}

func (e *Edit) SetComparatorName(name string) { e.HasComparator, e.Comparator = true, name }
func (e *Edit) SetLogNumber(n uint64)          { e.HasLogNumber, e.LogNumber = true, n }
func (e *Edit) SetPrevLogNumber(n uint64)      { e.HasPrevLogNumber, e.PrevLogNumber = true, n }
func (e *Edit) SetNextFileNumber(n uint64)     { e.HasNextFileNumber, e.NextFileNumber = true, n }
func (e *Edit) SetLastSequence(n uint64)       { e.HasLastSequence, e.LastSequence = true, n }

func (e *Edit) AddCompactPointer(level int, key []byte) {
	e.CompactPointers = append(e.CompactPointers, CompactPointer{Level: level, Key: key})
}

func (e *Edit) DeleteFile(level int, number uint64) {
	e.DeletedFiles = append(e.DeletedFiles, FileDeletion{Level: level, Number: number})
}

func (e *Edit) AddFile(level int, f *FileMetadata) {
	e.NewFiles = append(e.NewFiles, FileAddition{
		Level: level, Number: f.Number, FileSize: f.FileSize,
		Smallest: f.Smallest, Largest: f.Largest,
	})
}

// Encode serializes the edit into the manifest record form spec §6
// describes: a sequence of tagged fields.
func (e *Edit) Encode() []byte {
	var buf []byte
	putUvarint := func(v uint64) {
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(tmp[:], v)
		buf = append(buf, tmp[:n]...)
	}
	putBytes := func(b []byte) {
		putUvarint(uint64(len(b)))
		buf = append(buf, b...)
	}

	if e.HasComparator {
		putUvarint(uint64(tagComparator))
		putBytes([]byte(e.Comparator))
	}
	if e.HasLogNumber {
		putUvarint(uint64(tagLogNumber))
		putUvarint(e.LogNumber)
	}
	if e.HasPrevLogNumber {
		putUvarint(uint64(tagPrevLogNumber))
		putUvarint(e.PrevLogNumber)
	}
	if e.HasNextFileNumber {
		putUvarint(uint64(tagNextFileNumber))
		putUvarint(e.NextFileNumber)
	}
	if e.HasLastSequence {
		putUvarint(uint64(tagLastSequence))
		putUvarint(e.LastSequence)
	}
	for _, cp := range e.CompactPointers {
		putUvarint(uint64(tagCompactPointer))
		putUvarint(uint64(cp.Level))
		putBytes(cp.Key)
	}
	for _, df := range e.DeletedFiles {
		putUvarint(uint64(tagDeletedFile))
		putUvarint(uint64(df.Level))
		putUvarint(df.Number)
	}
	for _, nf := range e.NewFiles {
		putUvarint(uint64(tagNewFile))
		putUvarint(uint64(nf.Level))
		putUvarint(nf.Number)
		putUvarint(nf.FileSize)
		putBytes(nf.Smallest)
		putBytes(nf.Largest)
	}
	return buf
}

// DecodeEdit parses a manifest record back into an Edit.
func DecodeEdit(data []byte) (*Edit, error) {
	e := &Edit{}
	getUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return 0, fmt.Errorf("version: corrupt varint in manifest record")
		}
		data = data[n:]
		return v, nil
	}
	getBytes := func() ([]byte, error) {
		n, err := getUvarint()
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) < n {
			return nil, fmt.Errorf("version: corrupt length-prefixed field in manifest record")
		}
		b := data[:n]
		data = data[n:]
		return append([]byte{}, b...), nil
	}

	for len(data) > 0 {
		t, err := getUvarint()
		if err != nil {
			return nil, err
		}
		switch tag(t) {
		case tagComparator:
			b, err := getBytes()
			if err != nil {
				return nil, err
			}
			e.SetComparatorName(string(b))
		case tagLogNumber:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.SetLogNumber(v)
		case tagPrevLogNumber:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.SetPrevLogNumber(v)
		case tagNextFileNumber:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.SetNextFileNumber(v)
		case tagLastSequence:
			v, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.SetLastSequence(v)
		case tagCompactPointer:
			level, err := getUvarint()
			if err != nil {
				return nil, err
			}
			key, err := getBytes()
			if err != nil {
				return nil, err
			}
			e.AddCompactPointer(int(level), key)
		case tagDeletedFile:
			level, err := getUvarint()
			if err != nil {
				return nil, err
			}
			number, err := getUvarint()
			if err != nil {
				return nil, err
			}
			e.DeleteFile(int(level), number)
		case tagNewFile:
			level, err := getUvarint()
			if err != nil {
				return nil, err
			}
			number, err := getUvarint()
			if err != nil {
				return nil, err
			}
			size, err := getUvarint()
			if err != nil {
				return nil, err
			}
			smallest, err := getBytes()
			if err != nil {
				return nil, err
			}
			largest, err := getBytes()
			if err != nil {
				return nil, err
			}
			e.NewFiles = append(e.NewFiles, FileAddition{
				Level: int(level), Number: number, FileSize: size,
				Smallest: smallest, Largest: largest,
			})
		default:
			return nil, fmt.Errorf("version: unknown manifest record tag %d", t)
		}
	}
	return e, nil
}
