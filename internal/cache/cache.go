// Package cache reads and writes the offset manifest: a small, versioned
// side file that lets a known OBF file be reopened without rescanning its
// top-level index headers.
package cache

import (
	"bytes"
	"reflect"
	"sync"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/obferrors"
	"github.com/obfcore/obf/internal/varint"
)

// DefaultVersion is the manifest format version this reader/writer supports
// when a caller has no override. Bumped on any structural change to the
// messages below; a manifest whose version field doesn't match is discarded
// wholesale rather than partially trusted.
const DefaultVersion = 2

// Field numbers, this module's own numbering (see mapindex's doc comment).
const (
	fManifestVersion     = 1
	fManifestDateCreated = 2
	fManifestFiles       = 3

	fFileName          = 1
	fFileSize          = 2
	fFileDateCreated   = 3
	fFileMapPart       = 4
	fFileRoutingPart   = 5
	fFileHHPart        = 6
	fFileTransportPart = 7

	fPartName   = 1
	fPartOffset = 2
	fPartLength = 3
	fPartLeft   = 4
	fPartRight  = 5
	fPartTop    = 6
	fPartBottom = 7

	fRoutingPartSubregion = 8

	fSubOffset      = 1
	fSubLength      = 2
	fSubLeft        = 3
	fSubRight       = 4
	fSubTop         = 5
	fSubBottom      = 6
	fSubShiftToData = 7

	fHHPartOffset = 1
	fHHPartLength = 2
	fHHPartLeft   = 3
	fHHPartRight  = 4
	fHHPartTop    = 5
	fHHPartBottom = 6
)

// IndexPart is one top-level index's cached location: enough to seek
// straight to it and read its header without rescanning the container.
type IndexPart struct {
	Name   string
	Offset int64
	Length int64
	Bbox   coord.Box
}

// SubregionPart caches one routing R-tree leaf's location, bbox, and
// shiftToData (0 when the subregion carries no leaf data of its own).
type SubregionPart struct {
	Offset      int64
	Length      int64
	Bbox        coord.Box
	ShiftToData int64
}

// RoutingPart is a routing index's IndexPart plus its cached subregions.
type RoutingPart struct {
	IndexPart
	Subregions []SubregionPart
}

// HHPart caches only an HH index's offset, length, and top point-box bounds;
// child boxes are always re-read from the file on demand (Invariant 2: the
// HH per-point in-memory child-block list is built lazily, never cached).
type HHPart struct {
	Offset int64
	Length int64
	TopBox coord.Box
}

// FileEntry is one known OBF file's cached offsets.
type FileEntry struct {
	Name        string
	Size        int64
	DateCreated int64

	MapParts       []IndexPart
	RoutingParts   []RoutingPart
	TransportParts []IndexPart
	HHParts        []HHPart
}

// Manifest is the full cache: one entry per known file, keyed by name. It
// tracks a dirty flag the way the original's cacheHasChanged does, so a
// caller that reopens an unchanged file set never rewrites the manifest.
type Manifest struct {
	DateCreated int64

	mu      sync.Mutex
	entries map[string]*FileEntry
	dirty   bool
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{entries: make(map[string]*FileEntry)}
}

// Lookup returns the cached entry for name if its cached size matches size.
// A miss (absent, or size mismatch) returns CacheStale: never fatal, the
// caller falls back to a full scan and then calls Put to refresh the entry.
func (m *Manifest) Lookup(name string, size int64) (*FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || e.Size != size {
		return nil, obferrors.New(obferrors.CacheStale, "no fresh cache entry for "+name)
	}
	return e, nil
}

// Put inserts or replaces name's entry, marking the manifest dirty only if
// the entry is new or its content actually differs from what was cached.
func (m *Manifest) Put(e *FileEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.Name]; ok && reflect.DeepEqual(existing, e) {
		return
	}
	m.entries[e.Name] = e
	m.dirty = true
}

// HasChanged reports whether any Put since the last ClearDirty actually
// changed the manifest's content.
func (m *Manifest) HasChanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// ClearDirty resets the dirty flag, normally called right after a successful
// write to disk.
func (m *Manifest) ClearDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = false
}

// Entries returns every known file entry. Callers must not mutate the
// returned entries in place; use Put to update one.
func (m *Manifest) Entries() []*FileEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FileEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Encode serializes the manifest to its wire form, stamping it with version
// (pass DefaultVersion unless overriding for a test fixture).
func Encode(m *Manifest, version int64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := varint.NewWriter()
	w.WriteTag(fManifestVersion, varint.WireVarint)
	w.WriteVarint(uint64(version))
	w.WriteTag(fManifestDateCreated, varint.WireVarint)
	w.WriteVarint(uint64(m.DateCreated))
	for _, e := range m.entries {
		w.WriteMessage(fManifestFiles, func(w *varint.Writer) { writeFileEntry(w, e) })
	}
	return w.Bytes()
}

func writeIndexPart(w *varint.Writer, p IndexPart) {
	w.WriteTag(fPartName, varint.WireLengthDelimited)
	w.WriteString(p.Name)
	w.WriteTag(fPartOffset, varint.WireVarint)
	w.WriteVarint(uint64(p.Offset))
	w.WriteTag(fPartLength, varint.WireVarint)
	w.WriteVarint(uint64(p.Length))
	w.WriteTag(fPartLeft, varint.WireVarint)
	w.WriteZigZag32(p.Bbox.Left)
	w.WriteTag(fPartRight, varint.WireVarint)
	w.WriteZigZag32(p.Bbox.Right)
	w.WriteTag(fPartTop, varint.WireVarint)
	w.WriteZigZag32(p.Bbox.Top)
	w.WriteTag(fPartBottom, varint.WireVarint)
	w.WriteZigZag32(p.Bbox.Bottom)
}

func writeFileEntry(w *varint.Writer, e *FileEntry) {
	w.WriteTag(fFileName, varint.WireLengthDelimited)
	w.WriteString(e.Name)
	w.WriteTag(fFileSize, varint.WireVarint)
	w.WriteVarint(uint64(e.Size))
	w.WriteTag(fFileDateCreated, varint.WireVarint)
	w.WriteVarint(uint64(e.DateCreated))
	for _, p := range e.MapParts {
		w.WriteMessage(fFileMapPart, func(w *varint.Writer) { writeIndexPart(w, p) })
	}
	for _, p := range e.TransportParts {
		w.WriteMessage(fFileTransportPart, func(w *varint.Writer) { writeIndexPart(w, p) })
	}
	for _, rp := range e.RoutingParts {
		w.WriteMessage(fFileRoutingPart, func(w *varint.Writer) {
			writeIndexPart(w, rp.IndexPart)
			for _, s := range rp.Subregions {
				w.WriteMessage(fRoutingPartSubregion, func(w *varint.Writer) {
					w.WriteTag(fSubOffset, varint.WireVarint)
					w.WriteVarint(uint64(s.Offset))
					w.WriteTag(fSubLength, varint.WireVarint)
					w.WriteVarint(uint64(s.Length))
					w.WriteTag(fSubLeft, varint.WireVarint)
					w.WriteZigZag32(s.Bbox.Left)
					w.WriteTag(fSubRight, varint.WireVarint)
					w.WriteZigZag32(s.Bbox.Right)
					w.WriteTag(fSubTop, varint.WireVarint)
					w.WriteZigZag32(s.Bbox.Top)
					w.WriteTag(fSubBottom, varint.WireVarint)
					w.WriteZigZag32(s.Bbox.Bottom)
					w.WriteTag(fSubShiftToData, varint.WireVarint)
					w.WriteVarint(uint64(s.ShiftToData))
				})
			}
		})
	}
	for _, hp := range e.HHParts {
		w.WriteMessage(fFileHHPart, func(w *varint.Writer) {
			w.WriteTag(fHHPartOffset, varint.WireVarint)
			w.WriteVarint(uint64(hp.Offset))
			w.WriteTag(fHHPartLength, varint.WireVarint)
			w.WriteVarint(uint64(hp.Length))
			w.WriteTag(fHHPartLeft, varint.WireVarint)
			w.WriteZigZag32(hp.TopBox.Left)
			w.WriteTag(fHHPartRight, varint.WireVarint)
			w.WriteZigZag32(hp.TopBox.Right)
			w.WriteTag(fHHPartTop, varint.WireVarint)
			w.WriteZigZag32(hp.TopBox.Top)
			w.WriteTag(fHHPartBottom, varint.WireVarint)
			w.WriteZigZag32(hp.TopBox.Bottom)
		})
	}
}

// Decode parses a manifest previously produced by Encode, requiring its
// stamped version to equal wantVersion (pass DefaultVersion unless
// overriding for a test fixture). A version mismatch is UnsupportedVersion:
// the caller discards the manifest and rebuilds from a full scan, matching
// "cache version is bumped on any structural change; readers that see a
// mismatched version discard the manifest".
func Decode(data []byte, wantVersion int64) (*Manifest, error) {
	r := varint.NewReader(bytes.NewReader(data), 0)
	r.PushLimit(int64(len(data)))
	m := NewManifest()
	var version uint64
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fManifestVersion:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			version = v
		case fManifestDateCreated:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			m.DateCreated = int64(v)
		case fManifestFiles:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			e, err := readFileEntry(r)
			if err != nil {
				return nil, err
			}
			r.PopLimit(0)
			m.entries[e.Name] = e
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	r.PopLimit(0)
	if int64(version) != wantVersion {
		return nil, obferrors.New(obferrors.UnsupportedVersion, "cache manifest version mismatch")
	}
	return m, nil
}

func readIndexPart(r *varint.Reader) (IndexPart, error) {
	var p IndexPart
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return p, err
		}
		if field == 0 {
			return p, nil
		}
		switch field {
		case fPartName:
			s, err := r.ReadString()
			if err != nil {
				return p, err
			}
			p.Name = s
		case fPartOffset:
			v, err := r.ReadVarint()
			if err != nil {
				return p, err
			}
			p.Offset = int64(v)
		case fPartLength:
			v, err := r.ReadVarint()
			if err != nil {
				return p, err
			}
			p.Length = int64(v)
		case fPartLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return p, err
			}
			p.Bbox.Left = v
		case fPartRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return p, err
			}
			p.Bbox.Right = v
		case fPartTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return p, err
			}
			p.Bbox.Top = v
		case fPartBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return p, err
			}
			p.Bbox.Bottom = v
		default:
			if err := r.SkipField(wt); err != nil {
				return p, err
			}
		}
	}
}

func readFileEntry(r *varint.Reader) (*FileEntry, error) {
	e := &FileEntry{}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			return e, nil
		}
		switch field {
		case fFileName:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			e.Name = s
		case fFileSize:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			e.Size = int64(v)
		case fFileDateCreated:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			e.DateCreated = int64(v)
		case fFileMapPart, fFileTransportPart:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			p, err := readIndexPart(r)
			if err != nil {
				return nil, err
			}
			r.PopLimit(0)
			if field == fFileMapPart {
				e.MapParts = append(e.MapParts, p)
			} else {
				e.TransportParts = append(e.TransportParts, p)
			}
		case fFileRoutingPart:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			rp, err := readRoutingPart(r)
			if err != nil {
				return nil, err
			}
			r.PopLimit(0)
			e.RoutingParts = append(e.RoutingParts, rp)
		case fFileHHPart:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			hp, err := readHHPart(r)
			if err != nil {
				return nil, err
			}
			r.PopLimit(0)
			e.HHParts = append(e.HHParts, hp)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
}

func readRoutingPart(r *varint.Reader) (RoutingPart, error) {
	var rp RoutingPart
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return rp, err
		}
		if field == 0 {
			return rp, nil
		}
		switch field {
		case fPartName:
			s, err := r.ReadString()
			if err != nil {
				return rp, err
			}
			rp.Name = s
		case fPartOffset:
			v, err := r.ReadVarint()
			if err != nil {
				return rp, err
			}
			rp.Offset = int64(v)
		case fPartLength:
			v, err := r.ReadVarint()
			if err != nil {
				return rp, err
			}
			rp.Length = int64(v)
		case fPartLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return rp, err
			}
			rp.Bbox.Left = v
		case fPartRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return rp, err
			}
			rp.Bbox.Right = v
		case fPartTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return rp, err
			}
			rp.Bbox.Top = v
		case fPartBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return rp, err
			}
			rp.Bbox.Bottom = v
		case fRoutingPartSubregion:
			n, err := r.ReadVarint()
			if err != nil {
				return rp, err
			}
			r.PushLimit(int64(n))
			s, err := readSubregionPart(r)
			if err != nil {
				return rp, err
			}
			r.PopLimit(0)
			rp.Subregions = append(rp.Subregions, s)
		default:
			if err := r.SkipField(wt); err != nil {
				return rp, err
			}
		}
	}
}

func readSubregionPart(r *varint.Reader) (SubregionPart, error) {
	var s SubregionPart
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return s, err
		}
		if field == 0 {
			return s, nil
		}
		switch field {
		case fSubOffset:
			v, err := r.ReadVarint()
			if err != nil {
				return s, err
			}
			s.Offset = int64(v)
		case fSubLength:
			v, err := r.ReadVarint()
			if err != nil {
				return s, err
			}
			s.Length = int64(v)
		case fSubLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return s, err
			}
			s.Bbox.Left = v
		case fSubRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return s, err
			}
			s.Bbox.Right = v
		case fSubTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return s, err
			}
			s.Bbox.Top = v
		case fSubBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return s, err
			}
			s.Bbox.Bottom = v
		case fSubShiftToData:
			v, err := r.ReadVarint()
			if err != nil {
				return s, err
			}
			s.ShiftToData = int64(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return s, err
			}
		}
	}
}

func readHHPart(r *varint.Reader) (HHPart, error) {
	var hp HHPart
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return hp, err
		}
		if field == 0 {
			return hp, nil
		}
		switch field {
		case fHHPartOffset:
			v, err := r.ReadVarint()
			if err != nil {
				return hp, err
			}
			hp.Offset = int64(v)
		case fHHPartLength:
			v, err := r.ReadVarint()
			if err != nil {
				return hp, err
			}
			hp.Length = int64(v)
		case fHHPartLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return hp, err
			}
			hp.TopBox.Left = v
		case fHHPartRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return hp, err
			}
			hp.TopBox.Right = v
		case fHHPartTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return hp, err
			}
			hp.TopBox.Top = v
		case fHHPartBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return hp, err
			}
			hp.TopBox.Bottom = v
		default:
			if err := r.SkipField(wt); err != nil {
				return hp, err
			}
		}
	}
}
