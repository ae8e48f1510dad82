package version

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhangyunhao116/skipset"

	"lsmkv/internal/keys"
	"lsmkv/internal/walog"
)

// Set is the write side of the version protocol (spec §4.4): it owns the
// manifest log, the file-number allocator, and the doubly linked list of
// live versions, and is the only writer of the manifest file.
type Set struct {
	dir string
	cmp keys.InternalComparator

	mu sync.Mutex // guards everything below; caller already holds the store's own mutex for LogAndApply, this one only serializes manifest I/O internals

	nextFileNumber uint64
	lastSequence   uint64
	logNumber      uint64
	prevLogNumber  uint64
	manifestNumber uint64

	manifestWriter *walog.Writer

	current *Version
	oldest  *Version // head of the live-version list (newest is `current`)

	comparatorName string

	PendingOutputs *skipset.Uint64Set

	// obsoleteFiles accumulates files that dropped to zero references when
	// a version was superseded or released; DrainObsoleteFiles hands them
	// to the store's retention sweep for physical deletion.
	obsoleteFiles []*FileMetadata
}

// Open creates a Set rooted at dir. Recover must be called separately to
// populate it from an existing database; for a fresh one, the first
// LogAndApply creates the manifest.
func Open(dir string, cmp keys.InternalComparator) *Set {
	return &Set{
		dir:            dir,
		cmp:            cmp,
		comparatorName: cmp.Name(),
		PendingOutputs: skipset.NewUint64(),
	}
}

// Current returns the live version, already Ref'd for the caller.
func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ref()
	return s.current
}

// NewFileNumber returns the next monotonic file number.
func (s *Set) NewFileNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextFileNumber
	s.nextFileNumber++
	return n
}

// ReuseFileNumber rolls the allocator back by one, but only when n is
// exactly the number that would be handed out next minus one — the
// corrected predicate from spec §9 (the source's `=` typo is not
// reproduced here).
func (s *Set) ReuseFileNumber(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextFileNumber == n+1 {
		s.nextFileNumber = n
	}
}

func (s *Set) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

func (s *Set) SetLastSequence(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSequence {
		s.lastSequence = seq
	}
}

func (s *Set) LogNumber() uint64     { return s.logNumber }
func (s *Set) PrevLogNumber() uint64 { return s.prevLogNumber }

// ManifestFileName returns the name of the currently active manifest.
func (s *Set) ManifestFileName() string {
	return fmt.Sprintf("MANIFEST-%06d", s.manifestNumber)
}

// LogAndApply installs a new version built from edit atop the current
// one: it fills in the edit's implicit fields, computes the resulting
// version, appends the edit to the manifest (syncing), and on success
// swaps in the new version. The caller must hold the store's own mutex
// for the whole call except is expected to have arranged, per spec
// §4.4, that the manifest append+sync itself can run unlocked by any
// higher-level caller that chooses to drop its own mutex around this
// call.
func (s *Set) LogAndApply(edit *Edit) error {
	s.mu.Lock()
	if edit.HasLogNumber {
		if edit.LogNumber < s.logNumber || edit.LogNumber >= s.nextFileNumber {
			s.mu.Unlock()
			return fmt.Errorf("version: invalid log number in edit")
		}
	}
	if !edit.HasPrevLogNumber {
		edit.SetPrevLogNumber(s.prevLogNumber)
	}
	edit.SetNextFileNumber(s.nextFileNumber)
	edit.SetLastSequence(s.lastSequence)

	b := newBuilder(s.cmp, s.current)
	b.apply(edit)
	newVer := b.build()

	if s.manifestWriter == nil {
		s.mu.Unlock()
		if err := s.createManifest(edit); err != nil {
			return err
		}
		s.mu.Lock()
	}

	writer := s.manifestWriter
	s.mu.Unlock()

	data := edit.Encode()
	if err := writer.AddRecord(data); err != nil {
		newVer.files = [NumLevels][]*FileMetadata{}
		return fmt.Errorf("version: append manifest record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.installVersion(newVer)
	if edit.HasLogNumber {
		s.prevLogNumber = s.logNumber
		s.logNumber = edit.LogNumber
	}
	return nil
}

// installVersion makes v the current version, dropping the previous
// current's "is current" reference; if that reference was the last one,
// its files are unreffed and queued in obsoleteFiles. Caller holds s.mu.
func (s *Set) installVersion(v *Version) {
	v.Ref()
	v.prev = s.current
	old := s.current
	if old != nil {
		old.next = v
	} else {
		s.oldest = v
	}
	s.current = v
	if old != nil && old.Unref() {
		s.obsoleteFiles = append(s.obsoleteFiles, s.collectFileUnrefsLocked(old)...)
		s.unlinkVersionLocked(old)
	}
}

// collectFileUnrefsLocked unrefs every file v lists and returns those that
// dropped to zero. Safe to call with or without s.mu, since FileMetadata's
// refcount is atomic; named "Locked" because every caller happens to hold
// s.mu already.
func (s *Set) collectFileUnrefsLocked(v *Version) []*FileMetadata {
	var obsolete []*FileMetadata
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			if f.Unref() {
				obsolete = append(obsolete, f)
			}
		}
	}
	return obsolete
}

// unlinkVersionLocked removes v from the live-version list. Caller holds s.mu.
func (s *Set) unlinkVersionLocked(v *Version) {
	if v.prev != nil {
		v.prev.next = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	}
	if s.oldest == v {
		s.oldest = v.next
	}
}

// DrainObsoleteFiles returns and clears the set of files that have dropped
// to zero references since the last drain.
func (s *Set) DrainObsoleteFiles() []*FileMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.obsoleteFiles
	s.obsoleteFiles = nil
	return out
}

// createManifest writes a fresh manifest file containing a full snapshot
// edit (the comparator name plus, if any, the current version's file
// set) before appending the first real edit, then performs the CURRENT
// swap.
func (s *Set) createManifest(firstEdit *Edit) error {
	s.mu.Lock()
	s.manifestNumber = s.nextFileNumber
	s.nextFileNumber++
	path := filepath.Join(s.dir, fmt.Sprintf("MANIFEST-%06d", s.manifestNumber))
	s.mu.Unlock()

	w, err := walog.Create(path)
	if err != nil {
		return fmt.Errorf("version: create manifest: %w", err)
	}
	w.Start(context.Background())

	snapshot := &Edit{}
	snapshot.SetComparatorName(s.comparatorName)
	if s.current != nil {
		for level := 0; level < NumLevels; level++ {
			for _, f := range s.current.files[level] {
				snapshot.AddFile(level, f)
			}
		}
	}
	if err := w.AddRecord(snapshot.Encode()); err != nil {
		_ = w.Close()
		_ = os.Remove(path)
		return fmt.Errorf("version: write manifest snapshot: %w", err)
	}

	if err := s.setCurrentFile(s.manifestNumber); err != nil {
		_ = w.Close()
		_ = os.Remove(path)
		return err
	}

	s.mu.Lock()
	s.manifestWriter = w
	s.mu.Unlock()
	return nil
}

// setCurrentFile performs the CURRENT-swap protocol spec §6 describes:
// write the manifest name into a temp file, sync, rename over CURRENT.
func (s *Set) setCurrentFile(manifestNumber uint64) error {
	tmpPath := filepath.Join(s.dir, fmt.Sprintf("%06d.dbtmp", manifestNumber))
	contents := fmt.Sprintf("MANIFEST-%06d\n", manifestNumber)
	if err := os.WriteFile(tmpPath, []byte(contents), 0600); err != nil {
		return fmt.Errorf("version: write CURRENT temp: %w", err)
	}
	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0600)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, "CURRENT")); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("version: rename CURRENT: %w", err)
	}
	return nil
}

// Recover reads CURRENT, replays every edit in the named manifest into a
// builder, and installs the resulting version. saveManifest reports
// whether the manifest is not in reusable shape. When it is reusable,
// Recover reopens it for appending and keeps it as s.manifestWriter, so
// the next LogAndApply appends to it instead of rolling a fresh manifest
// (spec §4.4's manifest-compatibility fast path); when saveManifest is
// true, s.manifestWriter stays nil and LogAndApply creates a new one.
func (s *Set) Recover() (saveManifest bool, err error) {
	currentPath := filepath.Join(s.dir, "CURRENT")
	raw, err := os.ReadFile(currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, errNoManifest
		}
		return true, fmt.Errorf("version: read CURRENT: %w", err)
	}
	name := string(raw)
	for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
		name = name[:len(name)-1]
	}
	if name == "" {
		return true, fmt.Errorf("version: empty CURRENT file")
	}

	var manifestNumber uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%d", &manifestNumber); err != nil {
		return true, fmt.Errorf("version: malformed CURRENT contents %q", name)
	}

	path := filepath.Join(s.dir, name)
	info, statErr := os.Stat(path)
	reusable := statErr == nil && info.Size() < TargetFileSize

	reader, err := walog.Open(path, func(n int, reason error) {})
	if err != nil {
		return true, fmt.Errorf("version: open manifest: %w", err)
	}

	b := newBuilder(s.cmp, nil)
	var nextFile, lastSeq, logNum, prevLogNum uint64

	for {
		rec, rerr := reader.ReadRecord()
		if rerr != nil {
			break
		}
		edit, derr := DecodeEdit(rec)
		if derr != nil {
			reader.Close()
			return true, fmt.Errorf("version: corrupt manifest record: %w", derr)
		}
		if edit.HasComparator && edit.Comparator != s.comparatorName {
			reader.Close()
			return true, fmt.Errorf("version: comparator mismatch: manifest has %q, opened with %q", edit.Comparator, s.comparatorName)
		}
		b.apply(edit)
		if edit.HasNextFileNumber {
			nextFile = edit.NextFileNumber
		}
		if edit.HasLastSequence {
			lastSeq = edit.LastSequence
		}
		if edit.HasLogNumber {
			logNum = edit.LogNumber
		}
		if edit.HasPrevLogNumber {
			prevLogNum = edit.PrevLogNumber
		}
	}
	reader.Close()

	newVer := b.build()

	s.mu.Lock()
	s.manifestNumber = manifestNumber
	s.nextFileNumber = nextFile
	if s.nextFileNumber <= manifestNumber {
		s.nextFileNumber = manifestNumber + 1
	}
	s.lastSequence = lastSeq
	s.logNumber = logNum
	s.prevLogNumber = prevLogNum
	s.installVersion(newVer)
	s.mu.Unlock()

	if reusable {
		if w, werr := walog.Create(path); werr == nil {
			w.Start(context.Background())
			s.mu.Lock()
			s.manifestWriter = w
			s.mu.Unlock()
		} else {
			reusable = false
		}
	}

	return !reusable, nil
}

var errNoManifest = fmt.Errorf("version: no CURRENT file, fresh database")

// IsNoManifest reports whether err is the sentinel Recover returns for a
// freshly initialized (never-opened) database directory.
func IsNoManifest(err error) bool { return err == errNoManifest }

// ReleaseVersion drops the caller's reference to v. If that was the last
// reference, every file v lists is unreffed in turn and v is unlinked from
// the live-version list; files that drop to zero references themselves are
// returned and also queued in obsoleteFiles for DrainObsoleteFiles (they
// are guaranteed to no longer appear in any live version's file list,
// pending outputs aside).
func (s *Set) ReleaseVersion(v *Version) []*FileMetadata {
	if v == nil || !v.Unref() {
		return nil
	}
	obsolete := s.collectFileUnrefsLocked(v)
	s.mu.Lock()
	s.unlinkVersionLocked(v)
	s.obsoleteFiles = append(s.obsoleteFiles, obsolete...)
	s.mu.Unlock()
	return obsolete
}

// AddLiveFiles unions the file numbers referenced by every live version
// in the linked list plus the pending-outputs set, used by the retention
// sweep to decide which numbered files survive.
func (s *Set) AddLiveFiles(out map[uint64]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := s.oldest; v != nil; v = v.next {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				out[f.Number] = true
			}
		}
	}
	s.PendingOutputs.Range(func(n uint64) bool {
		out[n] = true
		return true
	})
}

// NumFilesAtLevel reports the current version's file count at level.
func (s *Set) NumFilesAtLevel(level int) int {
	s.mu.Lock()
	v := s.current
	s.mu.Unlock()
	if v == nil {
		return 0
	}
	return v.NumFilesAtLevel(level)
}
