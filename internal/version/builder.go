package version

import (
	"sort"

	"lsmkv/internal/keys"
)

// builder accumulates one or more edits atop a base version and produces
// the resulting Version; used both by LogAndApply (one edit) and Recover
// (replaying every edit in the manifest).
type builder struct {
	cmp     keys.InternalComparator
	base    *Version
	deleted [NumLevels]map[uint64]bool
	added   [NumLevels]map[uint64]*FileMetadata
}

func newBuilder(cmp keys.InternalComparator, base *Version) *builder {
	b := &builder{cmp: cmp, base: base}
	for l := 0; l < NumLevels; l++ {
		b.deleted[l] = make(map[uint64]bool)
		b.added[l] = make(map[uint64]*FileMetadata)
	}
	return b
}

func (b *builder) apply(e *Edit) {
	for _, df := range e.DeletedFiles {
		b.deleted[df.Level][df.Number] = true
		delete(b.added[df.Level], df.Number)
	}
	for _, nf := range e.NewFiles {
		f := NewFileMetadata(nf.Number, nf.FileSize, nf.Smallest, nf.Largest)
		b.added[nf.Level][nf.Number] = f
		delete(b.deleted[nf.Level], nf.Number)
	}
}

func (b *builder) build() *Version {
	v := newVersion(b.cmp)
	for level := 0; level < NumLevels; level++ {
		var files []*FileMetadata
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if !b.deleted[level][f.Number] && b.added[level][f.Number] == nil {
					f.Ref()
					files = append(files, f)
				}
			}
		}
		for _, f := range b.added[level] {
			f.Ref()
			files = append(files, f)
		}
		if level > 0 {
			sort.Slice(files, func(i, j int) bool {
				return b.cmp.Compare(files[i].Smallest, files[j].Smallest) < 0
			})
		} else {
			sort.Slice(files, func(i, j int) bool { return files[i].Number < files[j].Number })
		}
		v.files[level] = files
	}
	v.computeCompactionScore()
	return v
}
