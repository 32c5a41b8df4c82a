// Package obffile opens one OBF container: a memory-mapped top-level
// message holding a version, a creation timestamp, and one or more
// length-delimited indexes, closed by a version trailer used as a
// corruption check.
package obffile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"

	"github.com/obfcore/obf/internal/cache"
	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/hhrouting"
	"github.com/obfcore/obf/internal/mapindex"
	"github.com/obfcore/obf/internal/obferrors"
	"github.com/obfcore/obf/internal/rtree"
	"github.com/obfcore/obf/internal/routingindex"
	"github.com/obfcore/obf/internal/transport"
	"github.com/obfcore/obf/internal/varint"
)

// Field numbers for the top-level container message, this module's own
// numbering (no real .proto source is available, see mapindex's doc comment).
const (
	fVersion         = 1
	fDateCreated     = 2
	fMapIndex        = 3
	fRoutingIndex    = 4
	fTransportIndex  = 5
	fHHRoutingIndex  = 6
	fVersionConfirm  = 100
)

// DefaultMapVersion is the single integer version this reader supports when
// a caller has no override; any other value on open (header or trailer) is
// UnsupportedVersion. A caller building against an older fixture file (test
// builds) may pass a different wantVersion to Open.
const DefaultMapVersion = 3

// Flags describe the classification of one open file, derived once at open
// time from its path and the names of the map indexes it carries (the
// original never stores these as on-disk bits; they're recomputed from the
// path/name conventions every time a file is opened).
type Flags struct {
	IsBasemap  bool // any MapIndex name contains "basemap"
	IsRoadOnly bool // path contains ".road"
	IsLive     bool // path contains "live/": an incremental overlay file
	External   bool // path contains "osmand_ext"
}

// File is one opened, memory-mapped OBF container. Cursors onto it are
// constructed fresh per query (varint.NewReader(f, offset)); File itself
// holds no shared read position, so concurrent queries never contend on one.
type File struct {
	Path        string
	Version     int64
	DateCreated int64
	Flags       Flags

	MapIndexes       []*mapindex.MapIndex
	RoutingIndexes   []*routingindex.RoutingIndex
	TransportIndexes []*transport.Index
	HHIndexes        []*hhrouting.Index

	// HHPoints is populated by the registry, not by Open itself: one
	// indexId->point lookup map per entry of HHIndexes, built by
	// hhrouting.InitHHPoints once this file's position in the open-file
	// registry (its mapId) is known.
	HHPoints []map[int64]*hhrouting.NetworkDBPoint

	f    *os.File
	data mmap.MMap
}

// ReadAt implements io.ReaderAt over the mapped bytes, so every package's
// ReadXIndex/ReadBlock helpers can address this File directly.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(f.data) {
		return 0, obferrors.New(obferrors.CorruptStream, "read past end of mapped file")
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, obferrors.New(obferrors.CorruptStream, "short read at end of mapped file")
	}
	return n, nil
}

// Open memory-maps path and decodes its top-level container: the version
// header, every nested index's header (bodies stay unread, expanded lazily
// by each package's own ExpandXTree/ReadBlock), and the version trailer. A
// version mismatch, including EOF before the trailer is ever seen (the
// original initializes its trailer check variable to -2 specifically so an
// absent trailer never coincidentally matches a real version), is reported
// as UnsupportedVersion and the file is not returned. routingOnly skips
// decoding map and transport indexes entirely, for callers that only need
// routing/HH data and want to avoid paying for rendering-index headers.
// manifest may be nil; when given, a fresh entry (matching name-suffix and
// size, Invariant 6) replaces a routing index's detailed subregion tree with
// one built from the cached subregion list. The on-disk index headers,
// subregion headers included, are still read first.
func Open(path string, useLive, routingOnly bool, wantVersion int64, manifest *cache.Manifest) (*File, error) {
	if wantVersion == 0 {
		wantVersion = DefaultMapVersion
	}
	osf, err := os.Open(path)
	if err != nil {
		return nil, obferrors.Wrap(obferrors.CorruptStream, "open file", err)
	}
	data, err := mmap.Map(osf, mmap.RDONLY, 0)
	if err != nil {
		osf.Close()
		return nil, obferrors.Wrap(obferrors.CorruptStream, "mmap file", err)
	}

	file := &File{
		Path: path,
		f:    osf,
		data: data,
		Flags: Flags{
			IsRoadOnly: strings.Contains(path, ".road"),
			IsLive:     strings.Contains(path, "live/"),
			External:   strings.Contains(path, "osmand_ext"),
		},
	}

	var cached *cache.FileEntry
	if manifest != nil {
		if e, err := manifest.Lookup(filepath.Base(path), int64(len(data))); err == nil {
			cached = e
		}
	}

	if err := file.readContainer(useLive, routingOnly, wantVersion, cached); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func (f *File) readContainer(useLive, routingOnly bool, wantVersion int64, cached *cache.FileEntry) error {
	r := varint.NewReader(f, 0)
	versionConfirm := int64(-2)
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return obferrors.Wrap(obferrors.UnsupportedVersion, "read container header", err)
		}
		if field == 0 {
			break
		}
		switch field {
		case fVersion:
			v, err := r.ReadVarint()
			if err != nil {
				return err
			}
			f.Version = int64(v)
		case fDateCreated:
			v, err := r.ReadVarint()
			if err != nil {
				return err
			}
			f.DateCreated = int64(v)
		case fMapIndex:
			if routingOnly {
				if err := r.SkipField(wt); err != nil {
					return err
				}
				continue
			}
			idx, start, n, err := readFixed32Index(r, mapindex.ReadMapIndex)
			if err != nil {
				return err
			}
			idx.Offset, idx.Length = start, n
			if strings.Contains(strings.ToLower(idx.Name), "basemap") {
				f.Flags.IsBasemap = true
			}
			f.MapIndexes = append(f.MapIndexes, idx)
		case fRoutingIndex:
			if f.Flags.IsLive && !useLive {
				if err := r.SkipField(wt); err != nil {
					return err
				}
				continue
			}
			var cachedPart *cache.RoutingPart
			if cached != nil && len(f.RoutingIndexes) < len(cached.RoutingParts) {
				cachedPart = &cached.RoutingParts[len(f.RoutingIndexes)]
			}
			idx, start, n, err := readFixed32Index(r, routingindex.ReadRoutingIndex)
			if err != nil {
				return err
			}
			idx.Offset, idx.Length = start, n
			if cachedPart != nil {
				hydrateRoutingSubregionsFromCache(idx, cachedPart)
			}
			f.RoutingIndexes = append(f.RoutingIndexes, idx)
		case fTransportIndex:
			if routingOnly {
				if err := r.SkipField(wt); err != nil {
					return err
				}
				continue
			}
			idx, start, n, err := readFixed32Index(r, transport.ReadIndex)
			if err != nil {
				return err
			}
			idx.Offset, idx.Length = start, n
			f.TransportIndexes = append(f.TransportIndexes, idx)
		case fHHRoutingIndex:
			if f.Flags.IsLive {
				if err := r.SkipField(wt); err != nil {
					return err
				}
				continue
			}
			idx, start, n, err := readFixed32Index(r, hhrouting.ReadIndex)
			if err != nil {
				return err
			}
			idx.Offset, idx.Length = start, n
			f.HHIndexes = append(f.HHIndexes, idx)
		case fVersionConfirm:
			v, err := r.ReadVarint()
			if err != nil {
				return err
			}
			versionConfirm = int64(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return err
			}
		}
	}
	if f.Version != versionConfirm {
		return obferrors.New(obferrors.UnsupportedVersion, "version trailer does not confirm header version")
	}
	if f.Version != wantVersion {
		return obferrors.New(obferrors.UnsupportedVersion, "unsupported map version")
	}
	return nil
}

// readFixed32Index reads the WireFixed32LengthDelimited framing around a
// nested index message (the length-delimited encoding that stays seekable
// without scanning the whole body), hands the bounded reader to decode, then
// seeks past the index's full body so the outer loop resumes after it.
// Returns the decoded value along with its own start offset and byte
// length, so callers can stamp an index's Offset/Length for later cache use
// without re-deriving them.
func readFixed32Index[T any](r *varint.Reader, decode func(*varint.Reader) (T, error)) (T, int64, int64, error) {
	var zero T
	n, err := r.ReadFixed32BigEndian()
	if err != nil {
		return zero, 0, 0, err
	}
	start := r.Pos()
	r.PushLimit(int64(n))
	v, err := decode(r)
	if err != nil {
		return zero, 0, 0, err
	}
	r.PopLimit(0)
	r.Seek(start + int64(n))
	return v, start, int64(n), nil
}

// hydrateRoutingSubregionsFromCache replaces a freshly-decoded routing
// index's Subregions/BaseSubregions -- already populated by the normal
// recursive readSubregionHeader descent above -- with a single synthetic
// root per tree built directly from the cached leaf list. This is the one
// real "skip re-reading index bodies on a fresh cache hit" saving the format
// affords: every cached SubregionPart already carries the leaf's offset,
// length, bbox and shiftToData, so a later query can go straight to
// routingindex.ReadBlock without walking any subregion header bytes at all.
// Map/transport/HH indexes have no equivalent: their trees must still be
// walked live to reach anything queryable (Invariant 2), so only routing
// gets this treatment, matching the cache manifest format's own per-
// subregion detail.
func hydrateRoutingSubregionsFromCache(idx *routingindex.RoutingIndex, part *cache.RoutingPart) {
	if len(part.Subregions) == 0 {
		return
	}
	root := &rtree.Node{Box: part.Bbox}
	for _, s := range part.Subregions {
		root.Children = append(root.Children, &rtree.Node{
			Box:         s.Bbox,
			FilePointer: s.Offset,
			Length:      s.Length,
			DataOffset:  s.ShiftToData,
			HasData:     s.ShiftToData != 0,
		})
	}
	idx.Subregions = []*rtree.Node{root}
}

// CacheEntry builds a cache.FileEntry from exactly what has been read (and,
// for routing subregions, expanded in memory) for f so far: every top-level
// index's own offset/length/bbox, plus every routing subregion node
// currently resident in memory -- the top-level node from Open, or deeper
// ones too if a caller's query has since driven ExpandSubregionTree over
// them. Called after a query, not at Open, so the entry reflects as much of
// the tree as that query actually touched.
func (f *File) CacheEntry(name string) *cache.FileEntry {
	e := &cache.FileEntry{Name: name, Size: int64(len(f.data)), DateCreated: f.DateCreated}
	for _, idx := range f.MapIndexes {
		var bbox coord.Box
		for _, root := range idx.Roots {
			bbox.Expand(root.Box)
		}
		e.MapParts = append(e.MapParts, cache.IndexPart{Name: idx.Name, Offset: idx.Offset, Length: idx.Length, Bbox: bbox})
	}
	for _, idx := range f.TransportIndexes {
		e.TransportParts = append(e.TransportParts, cache.IndexPart{Name: idx.Name, Offset: idx.Offset, Length: idx.Length, Bbox: idx.Bounds})
	}
	for _, idx := range f.RoutingIndexes {
		rp := cache.RoutingPart{IndexPart: cache.IndexPart{Name: idx.Name, Offset: idx.Offset, Length: idx.Length}}
		for _, root := range idx.Subregions {
			rp.Bbox.Expand(root.Box)
			flattenSubregions(root, &rp.Subregions)
		}
		for _, root := range idx.BaseSubregions {
			rp.Bbox.Expand(root.Box)
			flattenSubregions(root, &rp.Subregions)
		}
		e.RoutingParts = append(e.RoutingParts, rp)
	}
	for _, idx := range f.HHIndexes {
		hp := cache.HHPart{Offset: idx.Offset, Length: idx.Length}
		if idx.Top != nil {
			hp.TopBox = idx.Top.Box
		}
		e.HHParts = append(e.HHParts, hp)
	}
	return e
}

// flattenSubregions walks every rtree.Node currently resident under root
// (no I/O: lazily-expanded children not yet visited by a query are simply
// absent) and appends one cache.SubregionPart per node.
func flattenSubregions(n *rtree.Node, out *[]cache.SubregionPart) {
	*out = append(*out, cache.SubregionPart{
		Offset:      n.FilePointer,
		Length:      n.Length,
		Bbox:        n.Box,
		ShiftToData: n.DataOffset,
	})
	for _, c := range n.Children {
		flattenSubregions(c, out)
	}
}

// Close unmaps and closes the underlying file.
func (f *File) Close() error {
	var err error
	if f.data != nil {
		err = f.data.Unmap()
	}
	if f.f != nil {
		if cerr := f.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
