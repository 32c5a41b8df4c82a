// Package mapindex reads the map-rendering index: its encoding-rule table,
// its R-tree of MapRoot/MapTreeBounds levels, and the MapDataBlock leaves
// that carry polygons/lines/points.
package mapindex

import (
	"io"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/encodingrules"
	"github.com/obfcore/obf/internal/rtree"
	"github.com/obfcore/obf/internal/stringtable"
	"github.com/obfcore/obf/internal/varint"
)

// Field numbers for the messages this package decodes. The format is
// proprietary and undocumented outside OsmAnd's own .proto; these are this
// module's own consistent numbering (mirrored by the test fixture builders),
// not a claim of exact on-the-wire compatibility with any particular OBF
// build.
const (
	fMapIndexName           = 1
	fMapIndexRules          = 2
	fMapIndexRoots          = 3
	fMapRootMinZoom         = 1
	fMapRootMaxZoom         = 2
	fMapRootLeft            = 3
	fMapRootRight           = 4
	fMapRootTop             = 5
	fMapRootBottom          = 6
	fMapRootBox             = 7 // nested MapTreeBounds roots
	fRuleID                 = 1
	fRuleTag                = 2
	fRuleValue              = 3
	fRuleType               = 4
	fTreeLeft               = 1
	fTreeRight              = 2
	fTreeTop                = 3
	fTreeBottom             = 4
	fTreeShiftToData        = 5
	fTreeOcean              = 6
	fTreeBoxes              = 7
	fBlockBaseID            = 1
	fBlockObjects           = 2
	fBlockStringTable       = 3
	fObjectID               = 1
	fObjectCoords           = 2
	fObjectInnerRing        = 3
	fObjectTypes            = 4
	fObjectAdditionalTypes  = 5
	fObjectNamePairs        = 6
	fObjectLabelX           = 7
	fObjectLabelY           = 8
)

// MapRule re-exports the shared rule type for callers that only import this
// package.
type MapRule = encodingrules.MapRule

// MapRoot is one zoom level of a MapIndex's R-tree.
type MapRoot struct {
	MinZoom, MaxZoom int
	Box              coord.Box
	Trees            []*rtree.Node // MapTreeBounds roots for this level
}

// MapIndex is one map-rendering index inside an OBF file.
type MapIndex struct {
	Name  string
	Rules *encodingrules.MapRuleTable
	Roots []*MapRoot

	// Offset/Length locate this index's own FIXED32_LENGTH_DELIMITED body
	// within its file, set by obffile.Open once the index is read; used to
	// build a cache.IndexPart without re-deriving the position later.
	Offset int64
	Length int64
}

// NamePair binds a stored name to the encoding rule describing its role
// (e.g. rule "name"=<stringtable id>). Name starts Unresolved and is fixed up
// against the block's string table by resolveNames.
type NamePair struct {
	RuleID uint32
	Name   stringtable.Ref
}

// DataObject is one decoded map feature: a polygon, line, or point.
type DataObject struct {
	ID              int64
	Coords          []Point
	InnerRings      [][]Point
	Types           []uint32
	AdditionalTypes []uint32
	Names           []NamePair
	HasLabel        bool
	LabelX, LabelY  int32
}

// Point is one vertex in 31-bit tile coordinates.
type Point struct{ X, Y int32 }

// Publisher collects materialized objects and owns duplicate-suppression
// policy: it observes each object's 64-bit id and decides whether to keep
// it. At zoom >= 15 duplicates are always rejected by convention; below that
// the publisher may keep objects whose first and last points differ (tile
// seam handling).
type Publisher interface {
	Publish(obj *DataObject) (keep bool)
}

// ReadMapIndex decodes a MapIndex header starting at the reader's current
// position and limit.
func ReadMapIndex(r *varint.Reader) (*MapIndex, error) {
	idx := &MapIndex{Rules: encodingrules.NewMapRuleTable()}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			return idx, nil
		}
		switch field {
		case fMapIndexName:
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			idx.Name = s
		case fMapIndexRules:
			if err := readMapRuleMessage(r, idx.Rules); err != nil {
				return nil, err
			}
		case fMapIndexRoots:
			root, err := readMapRoot(r)
			if err != nil {
				return nil, err
			}
			idx.Roots = append(idx.Roots, root)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
}

func readMapRuleMessage(r *varint.Reader, table *encodingrules.MapRuleTable) error {
	n, err := r.ReadVarint()
	if err != nil {
		return err
	}
	r.PushLimit(int64(n))
	var id uint32
	var tag, value string
	var typ encodingrules.MapRuleType
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
		case fRuleType:
			v, err := r.ReadVarint()
			if err != nil {
				return err
			}
			typ = encodingrules.MapRuleType(v)
		default:
			if err := r.SkipField(wt); err != nil {
				return err
			}
		}
	}
	r.PopLimit(0)
	table.InitRule(id, tag, value, typ)
	return nil
}

func readMapRoot(r *varint.Reader) (*MapRoot, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	root := &MapRoot{}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fMapRootMinZoom:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			root.MinZoom = int(v)
		case fMapRootMaxZoom:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			root.MaxZoom = int(v)
		case fMapRootLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			root.Box.Left = v
		case fMapRootRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			root.Box.Right = v
		case fMapRootTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			root.Box.Top = v
		case fMapRootBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			root.Box.Bottom = v
		case fMapRootBox:
			tree, err := readMapTreeHeader(r, root.Box)
			if err != nil {
				return nil, err
			}
			root.Trees = append(root.Trees, tree)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return root, nil
}

// readMapTreeHeader reads one MapTreeBounds node's own delta fields relative
// to parentBox, locating (but not descending into) its children.
func readMapTreeHeader(r *varint.Reader, parentBox coord.Box) (*rtree.Node, error) {
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
		case fTreeLeft:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Left = v
		case fTreeRight:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Right = v
		case fTreeTop:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Top = v
		case fTreeBottom:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			d.Bottom = v
		case fTreeShiftToData:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			node.DataOffset = int64(v)
			node.HasData = true
		case fTreeOcean:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			node.Ocean = v != 0
			node.HasOcean = true
		case fTreeBoxes:
			// Nested children are skipped on the header pass; they're read
			// lazily by ExpandMapTree when the query actually descends here.
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
	// Seek past this node's own body; its children will be re-read from
	// FilePointer/Length on demand.
	r.Seek(fp + int64(n))
	return node, nil
}

// ExpandMapTree is the rtree.ExpandFunc for MapTreeBounds nodes: reads the
// nested "boxes" children of one already-located node.
func ExpandMapTree(r *varint.Reader, parent *rtree.Node) error {
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return err
		}
		if field == 0 {
			return nil
		}
		if field == fTreeBoxes {
			child, err := readMapTreeHeader(r, parent.Box)
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

// ReadBlock decodes a MapDataBlock at its DataOffset, clipping each object
// against bbox and publishing survivors through pub.
func ReadBlock(ra io.ReaderAt, rules *encodingrules.MapRuleTable, offset int64, bbox coord.Box, pub Publisher, cancelled func() bool) error {
	r := varint.NewReader(ra, offset)
	var baseID int64
	var strTable *stringtable.Table
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return err
		}
		if field == 0 {
			return nil
		}
		switch field {
		case fBlockBaseID:
			v, err := r.ReadZigZag64()
			if err != nil {
				return err
			}
			baseID = v
		case fBlockStringTable:
			n, err := r.ReadVarint()
			if err != nil {
				return err
			}
			r.PushLimit(int64(n))
			strTable, err = stringtable.ReadTable(r)
			if err != nil {
				return err
			}
			r.PopLimit(0)
		case fBlockObjects:
			if cancelled != nil && cancelled() {
				if err := r.SkipField(wt); err != nil {
					return err
				}
				continue
			}
			obj, err := readDataObject(r, baseID, bbox)
			if err != nil {
				return err
			}
			if obj != nil {
				resolveNames(obj, strTable)
				pub.Publish(obj)
			}
		default:
			if err := r.SkipField(wt); err != nil {
				return err
			}
		}
	}
}

func resolveNames(obj *DataObject, t *stringtable.Table) {
	for i := range obj.Names {
		if s, ok := obj.Names[i].Name.String(t); ok {
			obj.Names[i].Name = stringtable.Resolved(s)
		}
	}
}

// readDataObject decodes one object and clips it against bbox. Returns nil
// (and no error) if the object's mbr and every vertex fall outside bbox.
// Every field of the object is decoded before membership is decided; an
// object outside bbox is not cut short once its mbr is known.
func readDataObject(r *varint.Reader, baseID int64, bbox coord.Box) (*DataObject, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	obj := &DataObject{}
	var mbr coord.Box
	mbrSet := false
	var px, py int32
	firstSet := false
	intersects := false
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			break
		}
		switch field {
		case fObjectID:
			v, err := r.ReadZigZag64()
			if err != nil {
				return nil, err
			}
			obj.ID = baseID + v
		case fObjectCoords:
			pts, err := readCoordSequence(r, &px, &py, &firstSet, &mbr, &mbrSet)
			if err != nil {
				return nil, err
			}
			obj.Coords = pts
		case fObjectInnerRing:
			var ipx, ipy int32
			var iFirst bool
			pts, err := readCoordSequence(r, &ipx, &ipy, &iFirst, &mbr, &mbrSet)
			if err != nil {
				return nil, err
			}
			obj.InnerRings = append(obj.InnerRings, pts)
		case fObjectTypes:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			n2 := int64(v)
			r.PushLimit(n2)
			for r.Remaining() > 0 {
				t, err := r.ReadVarint()
				if err != nil {
					return nil, err
				}
				obj.Types = append(obj.Types, uint32(t))
			}
			r.PopLimit(0)
		case fObjectAdditionalTypes:
			v, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			n2 := int64(v)
			r.PushLimit(n2)
			for r.Remaining() > 0 {
				t, err := r.ReadVarint()
				if err != nil {
					return nil, err
				}
				obj.AdditionalTypes = append(obj.AdditionalTypes, uint32(t))
			}
			r.PopLimit(0)
		case fObjectNamePairs:
			ruleID, err := r.ReadVarint()
			if err != nil {
				return nil, err
			}
			strID, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			obj.Names = append(obj.Names, NamePair{RuleID: uint32(ruleID), Name: stringtable.Unresolved(strID)})
		case fObjectLabelX:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			obj.LabelX = v
			obj.HasLabel = true
		case fObjectLabelY:
			v, err := r.ReadZigZag32()
			if err != nil {
				return nil, err
			}
			obj.LabelY = v
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
	r.PopLimit(0)

	if mbrSet && mbr.Intersects(bbox) {
		intersects = true
	}
	if !intersects {
		for _, p := range obj.Coords {
			if bbox.Contains(p.X, p.Y) {
				intersects = true
				break
			}
		}
	}
	if !intersects {
		return nil, nil
	}
	return obj, nil
}

// readCoordSequence reads a delta-encoded point sequence: the first point is
// relative to (*px, *py) (initialized by the caller to the parent box's
// rounded-down left/top), every subsequent point relative to the previous
// one. mbr is expanded in place as points are read.
func readCoordSequence(r *varint.Reader, px, py *int32, firstSet *bool, mbr *coord.Box, mbrSet *bool) ([]Point, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	r.PushLimit(int64(n))
	var pts []Point
	for r.Remaining() > 0 {
		dx, err := r.ReadZigZag32()
		if err != nil {
			return nil, err
		}
		dy, err := r.ReadZigZag32()
		if err != nil {
			return nil, err
		}
		*px += dx
		*py += dy
		*firstSet = true
		pts = append(pts, Point{X: *px, Y: *py})
		if !*mbrSet {
			*mbr = coord.Box{Left: *px, Right: *px, Top: *py, Bottom: *py}
			*mbrSet = true
		} else {
			mbr.ExpandPoint(*px, *py)
		}
	}
	r.PopLimit(0)
	return pts, nil
}
