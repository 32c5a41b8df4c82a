// Package transport reads a TransportIndex: its stop R-tree (base-id-shifted
// leaves, lazily resolved names), routes with polyline geometry and
// schedules, and the incomplete-routes side table used to stitch routes that
// cross a region boundary.
package transport

import (
	"io"
	"strconv"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/stringtable"
	"github.com/obfcore/obf/internal/varint"
)

// Field numbers, this module's own numbering (see mapindex's doc comment).
const (
	fIndexRoutes           = 1
	fIndexName             = 2
	fIndexStops            = 3
	fIndexStringTable      = 4
	fIndexIncompleteRoutes = 5

	fTreeBottom  = 1
	fTreeLeft    = 2
	fTreeRight   = 3
	fTreeTop     = 4
	fTreeLeafs   = 5
	fTreeSubtree = 6
	fTreeBaseID  = 7

	fStopDx                 = 1
	fStopDy                 = 2
	fStopRoutes             = 3
	fStopDeletedRoutesIDs   = 4
	fStopRoutesIDs          = 5
	fStopNameEn             = 6
	fStopName               = 7
	fStopAdditionalNamePairs = 8
	fStopID                 = 9
	fStopExits              = 10

	fExitRef = 1
	fExitDx  = 2
	fExitDy  = 3

	fRouteDistance     = 1
	fRouteID           = 2
	fRouteRef          = 3
	fRouteType         = 4
	fRouteNameEn       = 5
	fRouteName         = 6
	fRouteOperator     = 7
	fRouteColor        = 8
	fRouteGeometry     = 9
	fRouteScheduleTrip = 10
	fRouteDirectStops  = 11

	fScheduleTripIntervals    = 1
	fScheduleAvgStopIntervals = 2
	fScheduleAvgWaitIntervals = 3

	fIncompleteID         = 1
	fIncompleteRouteRef   = 2
	fIncompleteOperator   = 3
	fIncompleteRef        = 4
	fIncompleteType       = 5
	fIncompleteMissingStops = 6
)

// Point is a decoded stop or route-geometry vertex in 31-bit tile coordinates.
type Point struct{ X, Y int32 }

// StopExit is a pedestrian exit attached to a stop (e.g. a subway entrance).
type StopExit struct {
	Ref stringtable.Ref
	X, Y int32
}

// Stop is one transport stop. Names start Unresolved and are fixed up
// against the index-level string table by ResolveStopNames.
type Stop struct {
	ID    int64
	X, Y  int32
	Name  stringtable.Ref
	NameEn stringtable.Ref
	Names map[stringtable.Ref]stringtable.Ref

	Exits []StopExit

	// ReferencesToRoutes holds each route's *absolute* file offset, recovered
	// from the on-disk stopOffset-relative delta the way the original reader
	// does (routes field stores stopOffset - routeFilePointer).
	ReferencesToRoutes []int64
	DeletedRoutesIDs   []int64
	RoutesIDs          []int64

	FileOffset int64
}

// Schedule carries a route's timetable as three parallel interval arrays.
type Schedule struct {
	TripIntervals     []uint32
	AvgStopIntervals  []uint32
	AvgWaitIntervals  []uint32
}

// Way is one contiguous stretch of a route's geometry; a zero-delta pair on
// disk starts a new Way, handled in readRouteGeometry.
type Way struct {
	Points []Point
}

// Route is one transport line: its shape, schedule, and the ordered stops it
// serves in the forward direction.
type Route struct {
	ID           int64
	Distance     uint32
	Ref          string
	Type         stringtable.Ref
	Name         stringtable.Ref
	NameEn       stringtable.Ref
	Operator     stringtable.Ref
	Color        stringtable.Ref
	Geometry     []Way
	Schedule     *Schedule
	ForwardStops []*Stop
	FileOffset   int64
}

// IncompleteRoute is a side-table entry for a route whose full body lives in
// a different region than the one that referenced it.
type IncompleteRoute struct {
	ID           int64
	RouteOffset  int64
	Operator     string
	Ref          string
	Type         string
	MissingStops int32
}

// Index is one transport index inside an OBF file. Its stop tree is not
// materialized: ReadStopsTree walks it straight from disk per query, the way
// the stop tree's "leafs and subtrees may both appear on one node" encoding
// is naturally read. (The map index, by contrast, caches its expanded tree
// nodes through internal/rtree.)
type Index struct {
	Name             string
	Bounds           coord.Box
	IncompleteRoutes []IncompleteRoute

	// Offset/Length locate this index's own body within its file, set by
	// obffile.Open; used to build a cache.IndexPart.
	Offset int64
	Length int64

	stringTableOffset int64
	stringTableLength int64
	strings           *stringtable.Table

	stopsFilePointer int64
	stopsLength      int64

	routesOffset int64
}

// RoutesOffset returns the file position of the index's routes section, the
// starting point for a full-index scan of every Route it carries (a stop's
// ReferencesToRoutes entries are the normal, targeted lookup path).
func (idx *Index) RoutesOffset() int64 { return idx.routesOffset }

// ReadIndex decodes a TransportIndex header: name, stop-tree bounds (read
// eagerly, since they gate every later search), the string table's
// location, and the incomplete-routes side table. The stop tree body and the
// string table are not read here: ReadStopsTree and ResolveStringTable do that
// lazily, matching the original's "string table resolved on first use" policy.
func ReadIndex(r *varint.Reader) (*Index, error) {
	idx := &Index{}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fIndexName:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			idx.Name = s
		case fIndexStops:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			fp := r.Pos()
			r.PushLimit(int64(n))
			bounds, err := readTreeBounds(r)
			if err != nil {
				return nil, err
			}
			idx.Bounds = bounds
			r.PopLimit(0)
			r.Seek(fp)
			idx.stopsFilePointer = fp
			idx.stopsLength = int64(n)
			if err := r.Skip(int64(n)); err != nil {
				return nil, err
			}
		case fIndexStringTable:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			idx.stringTableOffset = r.Pos()
			idx.stringTableLength = int64(n)
			if err := r.Skip(int64(n)); err != nil {
				return nil, err
			}
		case fIndexIncompleteRoutes:
			ir, err := readIncompleteRoute(r)
			if err != nil {
				return nil, err
			}
			idx.IncompleteRoutes = append(idx.IncompleteRoutes, ir)
		case fIndexRoutes:
			idx.routesOffset = r.Pos()
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return idx, nil
}

// readTreeBounds reads only the four box fields of a TransportStopsTree
// message, for the top-level bounds pass; leafs/subtrees are left unread
// (caller seeks back and reads the body lazily).
func readTreeBounds(r *varint.Reader) (coord.Box, error) {
	var b coord.Box
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return b, err
		}
		if field == 0 {
			return b, nil
		}
		switch field {
		case fTreeBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return b, err
			}
			b.Bottom = v
		case fTreeLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return b, err
			}
			b.Left = v
		case fTreeRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return b, err
			}
			b.Right = v
		case fTreeTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return b, err
			}
			b.Top = v
		default:
			if err := r.SkipField(wt); err != nil {
				return b, err
			}
		}
	}
}

func readIncompleteRoute(r *varint.Reader) (IncompleteRoute, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return IncompleteRoute{}, err
	}
	r.PushLimit(int64(n))
	var ir IncompleteRoute
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return IncompleteRoute{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fIncompleteID:
			v, err := r.ReadZigZag64()
			if err != nil {
				return IncompleteRoute{}, err
			}
			ir.ID = v
		case fIncompleteRouteRef:
			v, err := r.ReadVarint()
			if err != nil {
				return IncompleteRoute{}, err
			}
			ir.RouteOffset = int64(v)
		case fIncompleteOperator:
			s, err := r.ReadString()
			if err != nil {
				return IncompleteRoute{}, err
			}
			ir.Operator = s
		case fIncompleteRef:
			s, err := r.ReadString()
			if err != nil {
				return IncompleteRoute{}, err
			}
			ir.Ref = s
		case fIncompleteType:
			s, err := r.ReadString()
			if err != nil {
				return IncompleteRoute{}, err
			}
			ir.Type = s
		case fIncompleteMissingStops:
			v, err := r.ReadVarint()
			if err != nil {
				return IncompleteRoute{}, err
			}
			ir.MissingStops = int32(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return IncompleteRoute{}, err
			}
		}
	}
	r.PopLimit(0)
	return ir, nil
}

// ReadStopsTree descends the stop tree rooted at idx's stops section,
// visiting every stop whose box intersects bbox and applying each subtree's
// baseId delta to the stops collected under it, exactly as the original's
// "fix up ids retroactively once baseId is known" pass does.
func ReadStopsTree(ra io.ReaderAt, idx *Index, bbox coord.Box, cancelled func() bool, visit func(*Stop) error) error {
	r := varint.NewReader(ra, idx.stopsFilePointer)
	r.PushLimit(idx.stopsLength)
	_, err := readStopsSubtree(r, coord.Box{}, bbox, cancelled, visit)
	return err
}

func readStopsSubtree(r *varint.Reader, parent coord.Box, bbox coord.Box, cancelled func() bool, visit func(*Stop) error) ([]*Stop, error) {
	var box coord.Box
	var collected []*Stop
	var haveBox bool
	for {
		if cancelled != nil && cancelled() {
			return collected, nil
		}
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			return collected, nil
		}
		switch field {
		case fTreeBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Bottom = v + parent.Bottom
			haveBox = true
		case fTreeLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Left = v + parent.Left
			haveBox = true
		case fTreeRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Right = v + parent.Right
			haveBox = true
		case fTreeTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			box.Top = v + parent.Top
			haveBox = true
		case fTreeLeafs:
			stopOffset := r.Pos()
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			if haveBox && !box.Intersects(bbox) {
				r.PopLimit(0)
				if err := r.Skip(int64(n)); err != nil {
					return nil, err
				}
				break
			}
			stop, ok, err := readStop(r, stopOffset, box.Left, box.Top, bbox)
			r.PopLimit(0)
			if err != nil {
				return nil, err
			}
			if ok {
				collected = append(collected, stop)
				if err := visit(stop); err != nil {
					return nil, err
				}
			}
		case fTreeSubtree:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			if !haveBox || box.Intersects(bbox) {
				fp := r.Pos()
				r.PushLimit(int64(n))
				sub, err := readStopsSubtree(r, box, bbox, cancelled, visit)
				if err != nil {
					return nil, err
				}
				r.PopLimit(0)
				r.Seek(fp + int64(n))
				collected = append(collected, sub...)
			} else {
				if err := r.Skip(int64(n)); err != nil {
					return nil, err
				}
			}
		case fTreeBaseID:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			for _, s := range collected {
				s.ID += int64(v)
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
}

func readStop(r *varint.Reader, stopOffset int64, pleft, ptop int32, bbox coord.Box) (*Stop, bool, error) {
	stop := &Stop{FileOffset: stopOffset}
	var x, y int32
	haveXY := false
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, false, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fStopDx:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, false, err
			}
			x = v + pleft
			haveXY = true
		case fStopDy:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, false, err
			}
			y = v + ptop
			if !bbox.Contains(x, y) {
				return nil, false, r.Skip(r.Remaining())
			}
		case fStopRoutes:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, false, err
			}
			stop.ReferencesToRoutes = append(stop.ReferencesToRoutes, stopOffset-int64(v))
		case fStopDeletedRoutesIDs:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, false, err
			}
			stop.DeletedRoutesIDs = append(stop.DeletedRoutesIDs, int64(v))
		case fStopRoutesIDs:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, false, err
			}
			stop.RoutesIDs = append(stop.RoutesIDs, int64(v))
		case fStopNameEn:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, false, err
			}
			stop.NameEn = stringtable.Unresolved(v)
		case fStopName:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, false, err
			}
			stop.Name = stringtable.Unresolved(v)
		case fStopAdditionalNamePairs:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, false, err
			}
			r.PushLimit(int64(n))
			if stop.Names == nil {
				stop.Names = make(map[stringtable.Ref]stringtable.Ref)
			}
			for r.Remaining() > 0 {
				l, err := r.ReadVarint()
				if err != nil {
					return nil, false, err
				}
				k, err := r.ReadVarint()
				if err != nil {
					return nil, false, err
				}
				stop.Names[stringtable.Unresolved(int32(l))] = stringtable.Unresolved(int32(k))
			}
			r.PopLimit(0)
		case fStopID:
			v, err := r.ReadZigZag64()
			if err != nil {
				return nil, false, err
			}
			stop.ID = v
		case fStopExits:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, false, err
			}
			r.PushLimit(int64(n))
			exit, err := readStopExit(r, pleft, ptop)
			if err != nil {
				return nil, false, err
			}
			r.PopLimit(0)
			stop.Exits = append(stop.Exits, exit)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, false, err
			}
		}
	}
	if !haveXY {
		return nil, false, nil
	}
	stop.X, stop.Y = x, y
	return stop, true, nil
}

func readStopExit(r *varint.Reader, pleft, ptop int32) (StopExit, error) {
	var e StopExit
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return e, err
		}
		if field == 0 {
			return e, nil
		}
		switch field {
		case fExitRef:
			v, err := r.ReadZigZag32()
			if err != nil {
				return e, err
			}
			e.Ref = stringtable.Unresolved(v)
		case fExitDx:
			v, err := r.ReadZigZag32()
			if err != nil {
				return e, err
			}
			e.X = v + pleft
		case fExitDy:
			v, err := r.ReadZigZag32()
			if err != nil {
				return e, err
			}
			e.Y = v + ptop
		default:
			if err := r.SkipField(wt); err != nil {
				return e, err
			}
		}
	}
}

// ResolveStringTable reads the index-level string table on first use and
// caches it on idx.
func ResolveStringTable(ra io.ReaderAt, idx *Index) (*stringtable.Table, error) {
	if idx.strings != nil {
		return idx.strings, nil
	}
	r := varint.NewReader(ra, idx.stringTableOffset)
	r.PushLimit(idx.stringTableLength)
	t, err := stringtable.ReadTable(r)
	if err != nil {
		return nil, err
	}
	idx.strings = t
	return t, nil
}

// ResolveStopNames fixes up a stop's Name/NameEn/Names/Exit.Ref fields
// against t. The original stores each of these as a string-table id encoded
// as a decimal string, then looks it up a second time by parsing that
// decimal back into an integer (atoi(name.c_str())) -- a double indirection
// this reader avoids entirely since stringtable.Ref already carries the raw
// numeric id.
func ResolveStopNames(s *Stop, t *stringtable.Table) {
	resolveRef(&s.Name, t)
	resolveRef(&s.NameEn, t)
	for i := range s.Exits {
		resolveRef(&s.Exits[i].Ref, t)
	}
	if len(s.Names) > 0 {
		resolved := make(map[stringtable.Ref]stringtable.Ref, len(s.Names))
		for k, v := range s.Names {
			resolveRef(&k, t)
			resolveRef(&v, t)
			resolved[k] = v
		}
		s.Names = resolved
	}
}

func resolveRef(r *stringtable.Ref, t *stringtable.Table) {
	if r.IsResolved() {
		return
	}
	if s, ok := r.String(t); ok {
		*r = stringtable.Resolved(s)
	}
}

// ResolveRouteStrings mirrors ResolveStopNames for a Route's string fields.
func ResolveRouteStrings(rt *Route, t *stringtable.Table) {
	resolveRef(&rt.Name, t)
	resolveRef(&rt.NameEn, t)
	resolveRef(&rt.Operator, t)
	resolveRef(&rt.Color, t)
	resolveRef(&rt.Type, t)
}

// ReadRoute decodes one TransportRoute at filePointer. When onlyDescription
// is set, every DirectStops field is skipped, so ForwardStops stays empty
// while the route's other fields are still decoded; this is the original's
// "metadata-only" fast path used for route listing.
func ReadRoute(ra io.ReaderAt, filePointer int64, onlyDescription bool) (*Route, error) {
	r := varint.NewReader(ra, filePointer)
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	rt := &Route{FileOffset: filePointer}
	var rid int64
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fRouteDistance:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			rt.Distance = uint32(v)
		case fRouteID:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			rt.ID = int64(v)
		case fRouteRef:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			rt.Ref = s
		case fRouteType:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			rt.Type = stringtable.Unresolved(v)
		case fRouteNameEn:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			rt.NameEn = stringtable.Unresolved(v)
		case fRouteName:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			rt.Name = stringtable.Unresolved(v)
		case fRouteOperator:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			rt.Operator = stringtable.Unresolved(v)
		case fRouteColor:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			rt.Color = stringtable.Unresolved(v)
		case fRouteGeometry:
			ways, err := readRouteGeometry(r)
			if err != nil {
				return nil, err
			}
			rt.Geometry = ways
		case fRouteScheduleTrip:
			sched, err := readSchedule(r)
			if err != nil {
				return nil, err
			}
			rt.Schedule = sched
		case fRouteDirectStops:
			if onlyDescription {
				if err := r.SkipField(wt); err != nil {
					return nil, err
				}
				continue
			}
			stop, id, err := readRouteStop(r, rid)
			if err != nil {
				return nil, err
			}
			rt.ForwardStops = append(rt.ForwardStops, stop)
			rid = id
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	r.PopLimit(0)
	return rt, nil
}

// readRouteGeometry decodes the packed polyline: a (0,0) delta pair ends the
// current way and starts a new one, matching the original's sentinel-based
// way-splitting instead of an explicit way-count prefix.
func readRouteGeometry(r *varint.Reader) ([]Way, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	var ways []Way
	cur := Way{}
	var px, py int32
	for r.Remaining() > 0 {
		dx, err := r.ReadZigZag32()
		if err != nil {
			return nil, err
		}
		dy, err := r.ReadZigZag32()
		if err != nil {
			return nil, err
		}
		if dx == 0 && dy == 0 {
			if len(cur.Points) > 0 {
				ways = append(ways, cur)
			}
			cur = Way{}
			continue
		}
		px += dx
		py += dy
		cur.Points = append(cur.Points, Point{X: px, Y: py})
	}
	if len(cur.Points) > 0 {
		ways = append(ways, cur)
	}
	r.PopLimit(0)
	return ways, nil
}

func readSchedule(r *varint.Reader) (*Schedule, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	s := &Schedule{}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fScheduleTripIntervals:
			vals, err := readUintArray(r)
			if err != nil {
				return nil, err
			}
			s.TripIntervals = vals
		case fScheduleAvgStopIntervals:
			vals, err := readUintArray(r)
			if err != nil {
				return nil, err
			}
			s.AvgStopIntervals = vals
		case fScheduleAvgWaitIntervals:
			vals, err := readUintArray(r)
			if err != nil {
				return nil, err
			}
			s.AvgWaitIntervals = vals
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	r.PopLimit(0)
	return s, nil
}

func readUintArray(r *varint.Reader) ([]uint32, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	var out []uint32
	for r.Remaining() > 0 {
		v, err := r.ReadVarint()
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(v))
	}
	r.PopLimit(0)
	return out, nil
}

// readRouteStop decodes a direct-stop reference, whose id is delta-encoded
// against the previous stop in the same route (prevID, the "rid" threaded
// through the caller's loop).
func readRouteStop(r *varint.Reader, prevID int64) (*Stop, int64, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, 0, err
	}
	r.PushLimit(int64(n))
	stop := &Stop{}
	var idDelta int64
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, 0, err
		}
		if field == 0 {
			break
		}
		switch field {
		case 1:
			v, err := r.ReadZigZag64()
			if err != nil {
				return nil, 0, err
			}
			idDelta = v
		case 2:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, 0, err
			}
			stop.X = v
		case 3:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, 0, err
			}
			stop.Y = v
		case 4:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, 0, err
			}
			stop.Name = stringtable.Unresolved(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, 0, err
			}
		}
	}
	r.PopLimit(0)
	stop.ID = prevID + idDelta
	return stop, stop.ID, nil
}

// SearchTransportIndex walks idx's stop tree for every stop intersecting
// bbox and resolves each stop's names against the index-level string table
// before returning, the aggregate entry point a caller drives instead of
// reaching for ReadStopsTree/ResolveStopNames directly.
func SearchTransportIndex(ra io.ReaderAt, idx *Index, bbox coord.Box, cancelled func() bool) ([]*Stop, error) {
	strs, err := ResolveStringTable(ra, idx)
	if err != nil {
		return nil, err
	}
	var stops []*Stop
	err = ReadStopsTree(ra, idx, bbox, cancelled, func(s *Stop) error {
		ResolveStopNames(s, strs)
		stops = append(stops, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stops, nil
}

// LoadTransportRoutes materializes one Route per file offset in offsets,
// resolving each against idx's string table, keyed by the offset it was
// read from -- the batch form stops gathered by SearchTransportIndex use to
// turn their ReferencesToRoutes into actual Route values.
func LoadTransportRoutes(ra io.ReaderAt, idx *Index, offsets []int64) (map[int64]*Route, error) {
	strs, err := ResolveStringTable(ra, idx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*Route, len(offsets))
	for _, off := range offsets {
		rt, err := ReadRoute(ra, off, false)
		if err != nil {
			return nil, err
		}
		ResolveRouteStrings(rt, strs)
		out[off] = rt
	}
	return out, nil
}

// IDToString formats a string-table id the same decimal way the original's
// double-indirection does when additional name pairs carry their key/value
// as stringified ids rather than raw varints -- used only by callers that
// must reproduce that convention for diagnostic logging.
func IDToString(id int32) string {
	return strconv.Itoa(int(id))
}
