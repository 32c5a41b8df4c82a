// Package hhrouting reads the hierarchical-routing (HH) network: a point
// arena addressed by typed index rather than pointer, a box tree of
// PointBox nodes bounding those points, and a demand-loaded tree of
// HHRouteBlockSegments carrying the adjacency lists that connect them.
package hhrouting

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/obferrors"
	"github.com/obfcore/obf/internal/varint"
)

// Field numbers, this module's own numbering (see mapindex's doc comment for
// why: internal consistency only, no claim of wire compatibility).
const (
	fIndexEdition       = 1
	fIndexProfile       = 2
	fIndexProfileParams = 3
	fIndexPointBoxes    = 4
	fIndexPointSegments = 5
	fIndexTagValues     = 6

	fBoxBottom = 1
	fBoxTop    = 2
	fBoxRight  = 3
	fBoxLeft   = 4
	fBoxBoxes  = 5
	fBoxPoints = 6

	fPointTagValueIDs     = 1
	fPointRoadID          = 2
	fPointRoadStartEndIdx = 3
	fPointClusterID       = 4
	fPointPartialInd      = 5
	fPointDualPointID     = 6
	fPointDualClusterID   = 7

	fSegIDRangeLength = 1
	fSegIDRangeStart  = 2
	fSegProfileID     = 3
	fSegInnerBlocks   = 4
	fSegPointSegments = 5

	fPointSegSegmentsIn  = 1
	fPointSegSegmentsOut = 2
)

// TagValue is one (tag, value) pair from an HH index's own encoding table,
// parsed from "tag=value" string-table entries rather than separate tag and
// value fields on disk.
type TagValue struct{ Tag, Value string }

// PointID is an arena index into Index.Points, used everywhere a pointer
// would otherwise create a reference cycle (notably Dual, which is always
// symmetric: Points[Points[id].Dual].Dual == id).
type PointID int32

// NetworkDBPoint is one point in the hierarchical network: the place a
// detailed road segment was cut to build the coarser HH graph.
type NetworkDBPoint struct {
	ID          PointID
	RoadID      int64
	Start, End  int16
	ClusterID   int32
	Incomplete  bool
	TagValues   []TagValue
	Dual        PointID // self (ID) until resolved; see ResolveDualPoints
	DualClusterID int32

	// MapID is the point's owning file's position in the open-file registry
	// at load time; Index is the 64-bit id, unique across every open file,
	// that InitHHPoints derives from (MapID, ID) and keys its returned
	// lookup map by.
	MapID int32
	Index int64

	X, Y       int32 // from the enclosing PointBox at first-point rounding
	EndX, EndY int32 // propagated from Dual once resolved

	mu  sync.Mutex
	in  []*Segment
	out []*Segment
}

// Segment is a directed HH graph edge with a precomputed travel time.
type Segment struct {
	Start, End PointID
	Seconds    float64
}

// Conn returns the incoming or outgoing connection set for p.
func (p *NetworkDBPoint) Conn(out bool) []*Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	if out {
		return p.out
	}
	return p.in
}

func (p *NetworkDBPoint) setConn(out bool, segs []*Segment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if out {
		p.out = segs
	} else {
		p.in = segs
	}
}

// PointBox is one node of the box tree bounding NetworkDBPoints; leaves (or
// interior nodes both) may directly own points as well as child boxes.
type PointBox struct {
	Box         coord.Box
	FilePointer int64
	Length      int64
	Children    []*PointBox
	Points      []PointID
}

// Index is one HH routing index inside an OBF file.
type Index struct {
	Edition       uint64
	Profile       string
	ProfileParams []string
	TagValues     []TagValue
	Top           *PointBox

	// Offset/Length locate this index's own body within its file, set by
	// obffile.Open; used to build a cache.HHPart.
	Offset int64
	Length int64

	mu       sync.Mutex
	Points   []*NetworkDBPoint
	byRoadID map[int64][]PointID

	topSegments []*HHRouteBlockSegments
}

// TopSegments returns the top-level segment block headers read with the
// index. Their bodies are not yet loaded; pass one to LoadSegmentsForPoint
// to demand-load the adjacency data for a specific point.
func (idx *Index) TopSegments() []*HHRouteBlockSegments {
	return idx.topSegments
}

// ReadIndex decodes an HH routing index header: edition, profile metadata,
// and the full point box tree (every point is materialized eagerly, since
// the box tree itself is the only thing a cache manifest can cheaply persist
// and children must always be re-read live per the format's delta-closure
// requirement).
func ReadIndex(r *varint.Reader) (*Index, error) {
	idx := &Index{byRoadID: make(map[int64][]PointID)}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fIndexEdition:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			idx.Edition = v
		case fIndexProfile:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			idx.Profile = s
		case fIndexProfileParams:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			idx.ProfileParams = append(idx.ProfileParams, s)
		case fIndexTagValues:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			for {
				f2, wt2, err := r.ReadTag()
				if err != nil {
					return nil, err
				}
				if f2 == 0 {
					break
				}
				if f2 == 1 {
					s, err := r.ReadString()
					if err != nil {
						return nil, err
					}
					if i := strings.IndexByte(s, '='); i >= 0 {
						idx.TagValues = append(idx.TagValues, TagValue{Tag: s[:i], Value: s[i+1:]})
					}
				} else if err := r.SkipField(wt2); err != nil {
					return nil, err
				}
			}
			r.PopLimit(0)
		case fIndexPointBoxes:
			box, err := readPointBox(r, nil, idx)
			if err != nil {
				return nil, err
			}
			idx.Top = box
		case fIndexPointSegments:
			// Each occurrence is one top-level HHRouteBlockSegments header;
			// its body (inner blocks / point segments) is demand-loaded
			// later via LoadSegmentsForPoint, not eagerly here.
			b, err := readRegionSegmentHeader(r)
			if err != nil {
				return nil, err
			}
			idx.topSegments = append(idx.topSegments, b)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	idx.ResolveDualPoints()
	return idx, nil
}

// readPointBox decodes one HHRoutePointsBox message. Each edge field is
// stored on disk as a delta relative to the *same* edge on the parent box,
// added independently as that field is read (rather than accumulated into a
// single Delta struct first), so a box's four edges are available to any
// Boxes/Points fields that follow them in the same message -- matching the
// original reader's field-by-field resolution instead of this module's usual
// whole-box Delta/Absolute pattern.
func readPointBox(r *varint.Reader, parent *PointBox, idx *Index) (*PointBox, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	fp := r.Pos()
	r.PushLimit(int64(n))
	box := &PointBox{FilePointer: fp, Length: int64(n)}
	var parentBox coord.Box
	if parent != nil {
		parentBox = parent.Box
	}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fBoxBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Box.Bottom = v + parentBox.Bottom
		case fBoxTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Box.Top = v + parentBox.Top
		case fBoxRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Box.Right = v + parentBox.Right
		case fBoxLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Box.Left = v + parentBox.Left
		case fBoxBoxes:
			child, err := readPointBox(r, box, idx)
			if err != nil {
				return nil, err
			}
			box.Children = append(box.Children, child)
		case fBoxPoints:
			pid, err := readPoint(r, idx, box.Box.Left, box.Box.Top)
			if err != nil {
				return nil, err
			}
			box.Points = append(box.Points, pid)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	r.PopLimit(0)
	return box, nil
}

// readPoint decodes one HHRouteNetworkPoint. parentLeft/parentTop seed the
// point's rounded-down coordinate the way the original first-point
// convention does for polyline decoding elsewhere in the format.
func readPoint(r *varint.Reader, idx *Index, parentLeft, parentTop int32) (PointID, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return 0, err
	}
	r.PushLimit(int64(n))
	idx.mu.Lock()
	pid := PointID(len(idx.Points))
	pnt := &NetworkDBPoint{ID: pid, Dual: pid, X: parentLeft, Y: parentTop}
	idx.Points = append(idx.Points, pnt)
	idx.mu.Unlock()

	var dualRaw int32 = -1
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return 0, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fPointTagValueIDs:
			n2, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			r.PushLimit(int64(n2))
			for r.Remaining() > 0 {
				v, err := r.ReadVarint()
				if err != nil {
					return 0, err
				}
				if int(v) < len(idx.TagValues) {
					pnt.TagValues = append(pnt.TagValues, idx.TagValues[v])
				}
			}
			r.PopLimit(0)
		case fPointRoadID:
			v, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			pnt.RoadID = int64(v)
		case fPointRoadStartEndIdx:
			v, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			start := int16(int32(v) >> 1)
			var end int16
			if v%2 == 1 {
				end = start + 1
			} else {
				end = start - 1
			}
			pnt.Start, pnt.End = start, end
		case fPointClusterID:
			v, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			pnt.ClusterID = int32(v)
		case fPointPartialInd:
			v, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			pnt.Incomplete = int32(v) > 0
		case fPointDualPointID:
			v, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			dualRaw = int32(v)
		case fPointDualClusterID:
			v, err := r.ReadVarint()
			if err != nil {
				return 0, err
			}
			pnt.DualClusterID = int32(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return 0, err
			}
		}
	}
	r.PopLimit(0)
	idx.mu.Lock()
	idx.byRoadID[pnt.RoadID] = append(idx.byRoadID[pnt.RoadID], pid)
	idx.mu.Unlock()
	if dualRaw >= 0 {
		pnt.Dual = PointID(dualRaw)
	}
	return pid, nil
}

// ResolveDualPoints enforces the dual-point invariant symmetrically: every
// point's partner must point back, and each pair's end coordinate is
// propagated from the other side so both carry (X,Y) and (EndX,EndY).
// A dual id outside the arena becomes a self-loop, and a dual that doesn't
// point back is rewired to do so; neither is treated as fatal or logged.
func (idx *Index) ResolveDualPoints() {
	for _, p := range idx.Points {
		if int(p.Dual) < 0 || int(p.Dual) >= len(idx.Points) {
			p.Dual = p.ID
			continue
		}
		dual := idx.Points[p.Dual]
		if dual.Dual != p.ID {
			// Not reciprocal on disk; still wire it, matching the original's
			// tolerant treatment of point-segment size mismatches elsewhere.
			dual.Dual = p.ID
		}
		p.EndX, p.EndY = dual.X, dual.Y
		dual.EndX, dual.EndY = p.X, p.Y
	}
}

// InitHHPoints assigns mapId and a process-wide global index to every point
// already materialized in idx (ReadIndex reads the whole point tree eagerly,
// so there is nothing further to load here), and returns the indexId->point
// lookup map that higher layers use to resolve references spanning multiple
// open files. ra and ctx are accepted for signature parity with the wider
// HH routing context this loader hands points off to (cluster/neighbor
// derivation, cross-file incomplete-point resolution); the loader itself
// consults neither.
func InitHHPoints(ra io.ReaderAt, idx *Index, ctx any, mapId int32) map[int64]*NetworkDBPoint {
	_ = ra
	_ = ctx
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[int64]*NetworkDBPoint, len(idx.Points))
	for _, p := range idx.Points {
		p.MapID = mapId
		p.Index = int64(mapId)<<32 | int64(uint32(p.ID))
		out[p.Index] = p
	}
	return out
}

// PointsByRoad returns every point id cut from roadID.
func (idx *Index) PointsByRoad(roadID int64) []PointID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.byRoadID[roadID]
}

// ExpandPointBoxTree always returns a CacheStale error: PointBox children are
// never rebuilt from a cache manifest (which keeps only the top box), so the
// tree is only available as ReadIndex populates it from the live file.
func ExpandPointBoxTree(_ *varint.Reader, _ *PointBox) error {
	return obferrors.New(obferrors.CacheStale, "HH point-box children must be re-read live, not hydrated from a cache manifest")
}

// Collect visits every point in boxes intersecting bbox.
func (idx *Index) Collect(bbox coord.Box, visit func(*NetworkDBPoint) error) error {
	if idx.Top == nil {
		return nil
	}
	return collectBox(idx, idx.Top, bbox, visit)
}

func collectBox(idx *Index, box *PointBox, bbox coord.Box, visit func(*NetworkDBPoint) error) error {
	if !box.Box.Intersects(bbox) {
		return nil
	}
	for _, pid := range box.Points {
		if int(pid) < 0 || int(pid) >= len(idx.Points) {
			continue
		}
		if err := visit(idx.Points[pid]); err != nil {
			return err
		}
	}
	for _, c := range box.Children {
		if err := collectBox(idx, c, bbox, visit); err != nil {
			return err
		}
	}
	return nil
}

// HHRouteBlockSegments is one node of the demand-loaded segment tree: a
// range of point file-ids ([idRangeStart, idRangeStart+idRangeLength)) whose
// adjacency data either lives directly in this block or in one of its
// lazily-loaded sublist children.
type HHRouteBlockSegments struct {
	FilePointer   int64
	Length        int64
	IDRangeStart  int32
	IDRangeLength int32
	ProfileID     int32

	mu      sync.Mutex
	sublist []*HHRouteBlockSegments
}

// CheckID reports whether searchInd falls in this block's id range,
// [start, start+length) -- an exclusive upper bound, resolving the Open
// Question about the original's boundary semantics the same way integer
// range checks are written throughout this reader.
func (b *HHRouteBlockSegments) CheckID(searchInd int32) bool {
	return searchInd >= b.IDRangeStart && searchInd < b.IDRangeStart+b.IDRangeLength
}

// readRegionSegmentHeader reads one HHRouteBlockSegments header without
// descending into its inner blocks or point segments, mirroring the
// original's "read header, skip body, come back on demand" shape.
func readRegionSegmentHeader(r *varint.Reader) (*HHRouteBlockSegments, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	fp := r.Pos()
	r.PushLimit(int64(n))
	b := &HHRouteBlockSegments{FilePointer: fp, Length: int64(n)}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fSegIDRangeLength:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			b.IDRangeLength = int32(v)
		case fSegIDRangeStart:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			b.IDRangeStart = int32(v)
		case fSegProfileID:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			b.ProfileID = int32(v)
		case fSegInnerBlocks, fSegPointSegments:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	r.PopLimit(0)
	r.Seek(fp + int64(n))
	return b, nil
}

// LoadSegmentsForPoint demand-loads the adjacency lists for the point whose
// file-scoped index (within this block's id range) is searchInd, recursing
// into cached sublist children as needed and wiring the result onto idx's
// point arena in place. Returns the number of connections loaded.
func LoadSegmentsForPoint(ra io.ReaderAt, idx *Index, block *HHRouteBlockSegments, searchInd int32) (int, error) {
	block.mu.Lock()
	sublist := block.sublist
	block.mu.Unlock()
	if len(sublist) > 0 {
		for _, s := range sublist {
			if s.CheckID(searchInd) {
				return LoadSegmentsForPoint(ra, idx, s, searchInd)
			}
		}
		return 0, nil
	}

	r := varint.NewReader(ra, block.FilePointer)
	r.PushLimit(block.Length)
	loaded := 0
	ind := int32(0)
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return 0, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fSegIDRangeLength, fSegIDRangeStart, fSegProfileID:
			if err := r.SkipField(wt); err != nil {
				return 0, err
			}
		case fSegInnerBlocks:
			if !block.CheckID(searchInd) {
				if err := r.SkipField(wt); err != nil {
					return 0, err
				}
				continue
			}
			child, err := readRegionSegmentHeader(r)
			if err != nil {
				return 0, err
			}
			n, err := LoadSegmentsForPoint(ra, idx, child, searchInd)
			if err != nil {
				return 0, err
			}
			loaded += n
			block.mu.Lock()
			block.sublist = append(block.sublist, child)
			block.mu.Unlock()
		case fSegPointSegments:
			if !block.CheckID(searchInd) {
				if err := r.SkipField(wt); err != nil {
					return 0, err
				}
				continue
			}
			pntFileID := ind + block.IDRangeStart
			ind++
			segIn, segOut, err := readPointSegments(r)
			if err != nil {
				return 0, err
			}
			if int(pntFileID) >= 0 && int(pntFileID) < len(idx.Points) {
				point := idx.Points[pntFileID]
				inConns, err := resolveSegments(idx, segIn, point, false)
				if err != nil {
					return 0, err
				}
				outConns, err := resolveSegments(idx, segOut, point, true)
				if err != nil {
					return 0, err
				}
				point.setConn(false, inConns)
				point.setConn(true, outConns)
				loaded += len(inConns) + len(outConns)
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return 0, err
			}
		}
	}
	return loaded, nil
}

func readPointSegments(r *varint.Reader) (segIn, segOut []int32, err error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, nil, err
	}
	r.PushLimit(int64(n))
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fPointSegSegmentsIn:
			segIn, err = readDistanceArray(r)
			if err != nil {
				return nil, nil, err
			}
		case fPointSegSegmentsOut:
			segOut, err = readDistanceArray(r)
			if err != nil {
				return nil, nil, err
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, nil, err
			}
		}
	}
	r.PopLimit(0)
	return segIn, segOut, nil
}

func readDistanceArray(r *varint.Reader) ([]int32, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	var out []int32
	for r.Remaining() > 0 {
		v, err := r.ReadVarint()
		if err != nil {
			return nil, err
		}
		out = append(out, int32(v))
	}
	r.PopLimit(0)
	return out, nil
}

// resolveSegments turns a parallel distance-deciseconds array into Segment
// structs against pnt's candidate neighbor list: a 0 entry means no edge at
// that position, matching the fixed-width encoding the format uses instead
// of a sparse list. The neighbor list itself is every other point sharing
// pnt's cluster, in ascending PointID order -- the file only stores the
// distance array, not the neighbor identities, on the assumption that both
// sides of a connection were built from the same clustering pass and so
// agree on ordering. A distances array shorter than the neighbor list
// (SizeMismatch) yields an empty connection set; one longer than it has its
// excess entries dropped. Neither case is fatal or logged.
func resolveSegments(idx *Index, distances []int32, pnt *NetworkDBPoint, out bool) ([]*Segment, error) {
	if len(distances) == 0 || pnt.Incomplete {
		return nil, nil
	}
	neighbors := clusterNeighbors(idx, pnt)
	if len(distances) < len(neighbors) {
		return nil, nil
	}
	var segs []*Segment
	for i, d := range distances {
		if d <= 0 || i >= len(neighbors) {
			continue
		}
		seconds := float64(d) / 10.0
		target := neighbors[i]
		var seg *Segment
		if out {
			seg = &Segment{Start: pnt.ID, End: target, Seconds: seconds}
		} else {
			seg = &Segment{Start: target, End: pnt.ID, Seconds: seconds}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// clusterNeighbors returns every point sharing pnt's ClusterID other than
// pnt itself, sorted by PointID for a stable, reproducible ordering.
func clusterNeighbors(idx *Index, pnt *NetworkDBPoint) []PointID {
	var out []PointID
	for _, p := range idx.Points {
		if p.ID != pnt.ID && p.ClusterID == pnt.ClusterID {
			out = append(out, p.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
