// Package routingindex reads a RoutingIndex: its conditional-capable
// encoding-rule table, its detailed and base R-trees of RouteSubregion, and
// the RouteDataBlock leaves that carry road geometry, restrictions, and
// point-type bags.
package routingindex

import (
	"io"
	"math"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/encodingrules"
	"github.com/obfcore/obf/internal/rtree"
	"github.com/obfcore/obf/internal/stringtable"
	"github.com/obfcore/obf/internal/varint"
)

// Field numbers, scoped to this module the same way mapindex's are (see its
// doc comment): internally consistent, not a claim of wire compatibility.
const (
	fRoutingIndexName        = 1
	fRoutingIndexRules       = 2
	fRoutingIndexSubregions  = 3
	fRoutingIndexBase        = 4
	fRuleID                  = 1
	fRuleTag                 = 2
	fRuleValue               = 3
	fSubLeft                 = 1
	fSubRight                = 2
	fSubTop                  = 3
	fSubBottom               = 4
	fSubShiftToData          = 5
	fSubBoxes                = 6
	fBlockIDTable            = 1
	fBlockObjects            = 2
	fBlockStringTable        = 3
	fObjTypes                = 1
	fObjCoords               = 2
	fObjNamePairs            = 3
	fObjPointTypes           = 4
	fObjPointNames           = 5
	fObjID                   = 6
	fRestrFrom               = 1
	fRestrTo                 = 2
	fRestrVia                = 3
	fRestrType               = 4
	fBlockRestrictions       = 7
)

// RoutingIndex is one routing index inside an OBF file.
type RoutingIndex struct {
	Name  string
	Rules *encodingrules.RouteRuleTable

	// Detailed and "base" (wide-area/coarse) R-tree roots, selected by the
	// basemap flag on a search.
	Subregions     []*rtree.Node
	BaseSubregions []*rtree.Node

	// Offset/Length locate this index's own body within its file, set by
	// obffile.Open; used to build a cache.RoutingPart.
	Offset int64
	Length int64
}

// Restriction is a (from, to, via, type) turn restriction whose ids are
// resolved against the enclosing block's idTable on finalize.
type Restriction struct {
	From, To, Via int64
	Type          int32
}

// PointTags holds per-vertex type references (a "type bag") for one point
// along a road's geometry.
type PointTags struct {
	Types []uint32
	Names []stringtable.Ref
}

// DataObject is one decoded road.
type DataObject struct {
	ID              int64
	Types           []uint32
	Coords          []Point
	Names           []NamePair
	PointTags       []PointTags
	Restrictions    []Restriction
	HeightDistances []float64 // parallel (distance, height) pairs
	HeightValues    []float64

	rules *encodingrules.RouteRuleTable
}

// Point is one vertex in 31-bit tile coordinates, shifted by 4 bits on disk
// and restored to full precision on materialization.
type Point struct{ X, Y int32 }

// NamePair binds a name string to the rule describing its role (street name,
// ref, destination, ...). Name starts Unresolved and is fixed up against the
// block's string table once the whole block has been read.
type NamePair struct {
	RuleID uint32
	Name   stringtable.Ref
}

// ReadRoutingIndex decodes a RoutingIndex header and both its subregion
// trees, then runs the conditional-rule closure once every rule is known.
func ReadRoutingIndex(r *varint.Reader) (*RoutingIndex, error) {
	idx := &RoutingIndex{Rules: encodingrules.NewRouteRuleTable()}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fRoutingIndexName:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			idx.Name = s
		case fRoutingIndexRules:
			if err := readRouteRuleMessage(r, idx.Rules); err != nil {
				return nil, err
			}
		case fRoutingIndexSubregions:
			node, err := readSubregionHeader(r, coord.Box{})
			if err != nil {
				return nil, err
			}
			idx.Subregions = append(idx.Subregions, node)
		case fRoutingIndexBase:
			node, err := readSubregionHeader(r, coord.Box{})
			if err != nil {
				return nil, err
			}
			idx.BaseSubregions = append(idx.BaseSubregions, node)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	idx.Rules.CompleteConditional()
	return idx, nil
}

func readRouteRuleMessage(r *varint.Reader, table *encodingrules.RouteRuleTable) error {
	n, err := r.ReadVarint()
	if err != nil {
		return err
	}
	r.PushLimit(int64(n))
	var id uint32
	var tag, value string
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return err
		}
		if field == 0 {
			break
		}
		switch field {
		case fRuleID:
			v, err := r.ReadVarint()
			if err != nil {
				return err
			}
			id = uint32(v)
		case fRuleTag:
			tag, err = r.ReadString()
			if err != nil {
				return err
			}
		case fRuleValue:
			value, err = r.ReadString()
			if err != nil {
				return err
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return err
			}
		}
	}
	r.PopLimit(0)
	table.InitRule(id, tag, value)
	return nil
}

// readSubregionHeader reads one RouteSubregion node's own delta fields,
// locating but not descending into its children (matches readRouteTree with
// depth==0 in the original: one level read per call, re-seek for the rest).
func readSubregionHeader(r *varint.Reader, parentBox coord.Box) (*rtree.Node, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	fp := r.Pos()
	r.PushLimit(int64(n))
	node := &rtree.Node{FilePointer: fp, Length: int64(n)}
	var d coord.Delta
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fSubLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Left = v
		case fSubRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Right = v
		case fSubTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Top = v
		case fSubBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Bottom = v
		case fSubShiftToData:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			node.DataOffset = int64(v)
			node.HasData = true
		case fSubBoxes:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	node.Box = coord.Absolute(parentBox, d)
	r.Seek(fp + int64(n))
	return node, nil
}

// ExpandSubregionTree is the rtree.ExpandFunc for RouteSubregion nodes.
func ExpandSubregionTree(r *varint.Reader, parent *rtree.Node) error {
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return err
		}
		if field == 0 {
			return nil
		}
		if field == fSubBoxes {
			child, err := readSubregionHeader(r, parent.Box)
			if err != nil {
				return err
			}
			parent.Children = append(parent.Children, child)
			continue
		}
		if err := r.SkipField(wt); err != nil {
			return err
		}
	}
}

// ReadBlock decodes every RouteDataObject in the RouteDataBlock located at
// offset, resolving names against the block-local string table and idTable
// indirection for restriction endpoints.
func ReadBlock(ra io.ReaderAt, rules *encodingrules.RouteRuleTable, offset int64) ([]*DataObject, error) {
	r := varint.NewReader(ra, offset)
	var idTable []int64
	var strTable *stringtable.Table
	var objs []*DataObject
	var pendingRestrictions []Restriction

	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fBlockIDTable:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			var base int64
			for r.Remaining() > 0 {
				d, err := r.ReadZigZag64()
				if err != nil {
					return nil, err
				}
				base += d
				idTable = append(idTable, base)
			}
			r.PopLimit(0)
		case fBlockStringTable:
			n, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(n))
			strTable, err = stringtable.ReadTable(r)
			if err != nil {
				return nil, err
			}
			r.PopLimit(0)
		case fBlockObjects:
			obj, err := readRouteDataObject(r, rules)
			if err != nil {
				return nil, err
			}
			objs = append(objs, obj)
		case fBlockRestrictions:
			re, err := readRestriction(r)
			if err != nil {
				return nil, err
			}
			pendingRestrictions = append(pendingRestrictions, re)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}

	// Finalize: rewrite idTable-index object ids and restriction endpoints
	// to their real 64-bit road ids.
	for _, o := range objs {
		if int(o.ID) >= 0 && int(o.ID) < len(idTable) {
			o.ID = idTable[o.ID]
		}
		resolveObjectNames(o, strTable)
	}
	byRoadID := make(map[int64]*DataObject, len(objs))
	for _, o := range objs {
		byRoadID[o.ID] = o
	}
	for i := range pendingRestrictions {
		re := &pendingRestrictions[i]
		re.From = resolveIDTableIndex(idTable, re.From)
		re.To = resolveIDTableIndex(idTable, re.To)
		re.Via = resolveIDTableIndex(idTable, re.Via)
		if o, ok := byRoadID[re.From]; ok {
			o.Restrictions = append(o.Restrictions, *re)
		} else if len(objs) > 0 {
			// From names a road outside this block (its geometry lives
			// elsewhere); attach to the last-read object rather than drop it,
			// matching the original's tolerance for cross-block restrictions.
			objs[len(objs)-1].Restrictions = append(objs[len(objs)-1].Restrictions, *re)
		}
	}
	return objs, nil
}

func resolveIDTableIndex(idTable []int64, idx int64) int64 {
	if idx >= 0 && int(idx) < len(idTable) {
		return idTable[idx]
	}
	return idx
}

// resolveObjectNames fixes up each name's string id against the block-local
// table now that the whole block (including the table, which may appear
// after the objects that reference it) has been read.
func resolveObjectNames(o *DataObject, t *stringtable.Table) {
	for i, np := range o.Names {
		if np.Name.IsResolved() {
			continue
		}
		if s, ok := np.Name.String(t); ok {
			o.Names[i].Name = stringtable.Resolved(s)
		}
	}
}

func readRestriction(r *varint.Reader) (Restriction, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return Restriction{}, err
	}
	r.PushLimit(int64(n))
	var re Restriction
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return Restriction{}, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fRestrFrom:
			v, err := r.ReadVarint()
			if err != nil {
				return Restriction{}, err
			}
			re.From = int64(v)
		case fRestrTo:
			v, err := r.ReadVarint()
			if err != nil {
				return Restriction{}, err
			}
			re.To = int64(v)
		case fRestrVia:
			v, err := r.ReadVarint()
			if err != nil {
				return Restriction{}, err
			}
			re.Via = int64(v)
		case fRestrType:
			v, err := r.ReadVarint()
			if err != nil {
				return Restriction{}, err
			}
			re.Type = int32(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return Restriction{}, err
			}
		}
	}
	r.PopLimit(0)
	return re, nil
}

func readRouteDataObject(r *varint.Reader, rules *encodingrules.RouteRuleTable) (*DataObject, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	obj := &DataObject{rules: rules}
	var px, py int32
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fObjID:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			obj.ID = int64(v) // idTable index; rewritten on finalize
		case fObjTypes:
			m, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(m))
			for r.Remaining() > 0 {
				t, err := r.ReadVarint()
				if err != nil {
					return nil, err
				}
				obj.Types = append(obj.Types, uint32(t))
			}
			r.PopLimit(0)
		case fObjCoords:
			m, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(m))
			for r.Remaining() > 0 {
				dx, err := r.ReadZigZag32()
				if err != nil {
					return nil, err
				}
				dy, err := r.ReadZigZag32()
				if err != nil {
					return nil, err
				}
				px += dx // dx/dy are deltas in 4-bit-shifted units
				py += dy
				obj.Coords = append(obj.Coords, Point{X: px << 4, Y: py << 4})
			}
			r.PopLimit(0)
		case fObjNamePairs:
			ruleID, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			strID, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			obj.Names = append(obj.Names, NamePair{RuleID: uint32(ruleID), Name: stringtable.Unresolved(strID)})
		case fObjPointTypes:
			m, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			r.PushLimit(int64(m))
			var pt PointTags
			for r.Remaining() > 0 {
				t, err := r.ReadVarint()
				if err != nil {
					return nil, err
				}
				pt.Types = append(pt.Types, uint32(t))
			}
			r.PopLimit(0)
			obj.PointTags = append(obj.PointTags, pt)
		case fObjPointNames:
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
	interpolateHeight(obj)
	return obj, nil
}

// interpolateHeight fills HeightDistances/HeightValues by great-circle
// distance between vertices when elevation tags are present on the object
// Absent elevation data leaves both slices
// nil; this is not an error.
func interpolateHeight(obj *DataObject) {
	if obj.rules == nil {
		return
	}
	var startH, endH float64
	haveStart, haveEnd := false, false
	for _, np := range obj.Names {
		rule, ok := obj.rules.Get(np.RuleID)
		if !ok {
			continue
		}
		switch rule.Tag {
		case "osmand_ele_start":
			haveStart = true
		case "osmand_ele_end":
			haveEnd = true
		}
	}
	if !haveStart && !haveEnd {
		return
	}
	if len(obj.Coords) < 2 {
		return
	}
	n := len(obj.Coords)
	obj.HeightDistances = make([]float64, n)
	obj.HeightValues = make([]float64, n)
	obj.HeightValues[0] = startH
	obj.HeightValues[n-1] = endH
	total := 0.0
	for i := 1; i < n; i++ {
		d := greatCircleDistance(obj.Coords[i-1], obj.Coords[i])
		total += d
		obj.HeightDistances[i] = total
	}
	if total > 0 {
		for i := 1; i < n-1; i++ {
			frac := obj.HeightDistances[i] / total
			obj.HeightValues[i] = startH + frac*(endH-startH)
		}
	}
}

func greatCircleDistance(a, b Point) float64 {
	const earthRadius = 6371000.0
	lat1 := coord.Get31LatY(uint32(a.Y)) * math.Pi / 180
	lat2 := coord.Get31LatY(uint32(b.Y)) * math.Pi / 180
	lon1 := coord.Get31LonX(uint32(a.X)) * math.Pi / 180
	lon2 := coord.Get31LonX(uint32(b.X)) * math.Pi / 180
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// --- Derived queries, ported from RouteDataObject's helper methods in the
// original native reader (supplemented feature #3 in SPEC_FULL.md). These
// are pure functions of already-decoded Types; they do no I/O. ---

// GetOneway returns +1, -1, or 0 depending on any oneway rule present.
func (o *DataObject) GetOneway() int {
	for _, t := range o.Types {
		if r, ok := o.rules.Get(t); ok && r.OnewayDir != 0 {
			return r.OnewayDir
		}
	}
	return 0
}

// Roundabout reports whether this road is tagged junction=roundabout.
func (o *DataObject) Roundabout() bool {
	for _, t := range o.Types {
		if r, ok := o.rules.Get(t); ok && r.Roundabout {
			return true
		}
	}
	return false
}

// Tunnel reports whether this road carries a tunnel=yes-style type.
func (o *DataObject) Tunnel() bool {
	return o.hasTagValue("tunnel", "yes") || o.hasTagValue("tunnel", "building_passage")
}

// Platform reports whether this object is a railway/highway platform.
func (o *DataObject) Platform() bool {
	return o.hasTag("railway", "platform") || o.hasTag("highway", "platform") || o.hasTag("public_transport", "platform")
}

func (o *DataObject) hasTag(tag, value string) bool {
	return o.hasTagValue(tag, value)
}

func (o *DataObject) hasTagValue(tag, value string) bool {
	for _, t := range o.Types {
		if r, ok := o.rules.Get(t); ok && r.Tag == tag && r.Value == value {
			return true
		}
	}
	return false
}

// HasTrafficLightAt reports whether the vertex at index i carries a traffic
// signal point-type.
func (o *DataObject) HasTrafficLightAt(i int) bool {
	if i < 0 || i >= len(o.PointTags) || o.rules == nil {
		return false
	}
	for _, t := range o.PointTags[i].Types {
		if t == o.rules.TrafficSignalsRule && o.rules.TrafficSignalsRule != 0 {
			return true
		}
	}
	return false
}

// IsClockwise reports the winding order of a closed way's coordinate ring,
// used by multipolygon-role resolution on the left/right-hand-traffic side
// named by leftSide.
func (o *DataObject) IsClockwise(leftSide bool) bool {
	area := 0.0
	n := len(o.Coords)
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		a := o.Coords[i]
		b := o.Coords[(i+1)%n]
		area += float64(a.X)*float64(b.Y) - float64(b.X)*float64(a.Y)
	}
	clockwise := area < 0
	if leftSide {
		return !clockwise
	}
	return clockwise
}

// HasPrivateAccess reports whether the road is tagged access=private/no. It
// takes no routing profile. Profile-specific
// overrides are an external collaborator's concern; this only recognizes the
// blanket access=private/no tag.
func (o *DataObject) HasPrivateAccess() bool {
	return o.hasTagValue("access", "private") || o.hasTagValue("access", "no")
}

// ProcessConditionalTags evaluates every conditional rule referenced by this
// object's Types against evalTime, replacing the conditional tag's entry
// with the alternative rule id that matched ("conditional type
// resolution"). isActive decides whether a condition string matches
// evalTime; the schedule grammar itself is an external collaborator (the
// calendar evaluator living outside this package), so ProcessConditionalTags takes it
// as a parameter rather than embedding a parser.
func (o *DataObject) ProcessConditionalTags(isActive func(condition string) bool) {
	if o.rules == nil {
		return
	}
	for i, t := range o.Types {
		rule, ok := o.rules.Get(t)
		if !ok || !rule.Conditional {
			continue
		}
		for _, c := range rule.Conditions {
			if c.RuleID == 0 {
				continue // unresolved alternative, dropped silently (MissingReference)
			}
			if isActive(c.Condition) {
				o.Types[i] = c.RuleID
				break
			}
		}
	}
}
