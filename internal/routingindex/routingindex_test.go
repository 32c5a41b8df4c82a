package routingindex

import (
	"bytes"
	"testing"

	"github.com/obfcore/obf/internal/encodingrules"
	"github.com/obfcore/obf/internal/varint"
)

// newTestRuleTableWithConditional builds a rule table with a base access
// rule, the "no" value it resolves to under a weekday-morning condition, and
// the conditional rule itself, then runs the closure pass.
func newTestRuleTableWithConditional(t *testing.T) *encodingrules.RouteRuleTable {
	t.Helper()
	rules := encodingrules.NewRouteRuleTable()
	rules.InitRule(1, "access", "yes")
	rules.InitRule(2, "access", "no")
	rules.InitRule(3, "access:conditional", "no @ (Mo-Fr 07:00-09:00)")
	rules.CompleteConditional()
	return rules
}

// buildRouteDataBlock assembles a minimal RouteDataBlock: an idTable of two
// road ids, two objects named by idTable index, and two restrictions -- one
// naming a road present in this block, one naming a road that isn't -- to
// exercise ReadBlock's restriction-to-object assignment.
func buildRouteDataBlock() []byte {
	w := varint.NewWriter()

	w.WriteMessage(fBlockIDTable, func(c *varint.Writer) {
		c.WriteZigZag64(100) // base 0 + 100 = 100
		c.WriteZigZag64(100) // base 100 + 100 = 200
	})
	w.WriteMessage(fBlockObjects, func(c *varint.Writer) {
		c.WriteTag(fObjID, varint.WireVarint)
		c.WriteVarint(0) // idTable[0] == 100
	})
	w.WriteMessage(fBlockObjects, func(c *varint.Writer) {
		c.WriteTag(fObjID, varint.WireVarint)
		c.WriteVarint(1) // idTable[1] == 200
	})
	w.WriteMessage(fBlockRestrictions, func(c *varint.Writer) {
		c.WriteTag(fRestrFrom, varint.WireVarint)
		c.WriteVarint(0) // resolves to road 100, the first object
	})
	w.WriteMessage(fBlockRestrictions, func(c *varint.Writer) {
		c.WriteTag(fRestrFrom, varint.WireVarint)
		c.WriteVarint(5) // out of idTable range: no object named 5 in this block
	})

	buf := w.Bytes()
	return append(buf, 0x00) // tag-0 terminator, ReadBlock's end-of-message sentinel
}

func TestReadBlockAttachesRestrictionToNamedRoad(t *testing.T) {
	data := buildRouteDataBlock()
	ra := bytes.NewReader(data)

	objs, err := ReadBlock(ra, nil, 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}

	var obj100, obj200 *DataObject
	for _, o := range objs {
		switch o.ID {
		case 100:
			obj100 = o
		case 200:
			obj200 = o
		}
	}
	if obj100 == nil || obj200 == nil {
		t.Fatalf("expected objects with ids 100 and 200, got %+v", objs)
	}

	if len(obj100.Restrictions) != 1 {
		t.Errorf("expected the From=100 restriction to attach to road 100, got %d restriction(s) on it", len(obj100.Restrictions))
	}
	if len(obj200.Restrictions) != 1 {
		t.Errorf("expected the out-of-block restriction to fall back onto the last-read object (road 200), got %d", len(obj200.Restrictions))
	}
}

func TestProcessConditionalTagsSwapsToMatchedAlternative(t *testing.T) {
	rules := newTestRuleTableWithConditional(t)
	obj := &DataObject{Types: []uint32{3}, rules: rules} // 3 == access:conditional rule id

	obj.ProcessConditionalTags(func(condition string) bool {
		return condition == "Mo-Fr 07:00-09:00"
	})

	if obj.Types[0] != 2 {
		t.Errorf("expected matched conditional to rewrite Types[0] to rule 2 (access=no), got %d", obj.Types[0])
	}
}

func TestProcessConditionalTagsLeavesUnmatchedAlone(t *testing.T) {
	rules := newTestRuleTableWithConditional(t)
	obj := &DataObject{Types: []uint32{3}, rules: rules}

	obj.ProcessConditionalTags(func(condition string) bool { return false })

	if obj.Types[0] != 3 {
		t.Errorf("expected no active condition to leave Types[0] unchanged, got %d", obj.Types[0])
	}
}
