package encodingrules

import (
	"strings"
	"sync"
)

// RouteCondition is one alternative of a conditional rule: a schedule
// expression paired with the (tag, value) it resolves to, and the id of the
// non-conditional rule that (tag, value) pair names once completeConditional
// has run.
type RouteCondition struct {
	Condition string // e.g. "Mo-Fr 07:00-09:00"
	Value     string // the value this alternative resolves to for the rule's tag
	RuleID    uint32 // resolved by CompleteConditional; 0 until then
}

// RouteRule is one (tag, value, id) entry in a RoutingIndex's encoding table,
// with flags derived on insertion the way the original reader computes them
// inline rather than in a later pass.
type RouteRule struct {
	ID          uint32
	Tag         string
	Value       string
	OnewayDir   int // +1, -1 or 0 (not a oneway rule)
	Roundabout  bool
	Conditional bool
	Conditions  []RouteCondition
}

// NonConditionalTag returns the tag a conditional rule's alternatives resolve
// against: the part of Tag before ":conditional".
func (r RouteRule) NonConditionalTag() string {
	return strings.TrimSuffix(r.Tag, ":conditional")
}

// RouteRuleTable interns (tag, value) pairs for one RoutingIndex. Within one
// table, (tag, value) pairs are unique; conditional rules
// refer to others in the same table by id once CompleteConditional runs.
type RouteRuleTable struct {
	mu     sync.RWMutex
	rules  []RouteRule // index 0 unused
	byPair map[tagValue]uint32

	// Well-known slots, cached at insertion time the way the original reader
	// short-circuits repeated lookups for frequently-consulted tags.
	NameRule                       uint32
	RefRule                        uint32
	DestinationRule                uint32
	DestinationRefRule             uint32
	TrafficSignalsRule             uint32
	StopMinorRule                  uint32
	StopSignRule                   uint32
	GiveWaySignRule                uint32
	DirectionForwardRule           uint32
	DirectionBackwardRule          uint32
	DirectionSignalsForwardRule    uint32
	DirectionSignalsBackwardRule   uint32
	MaxHeightForwardRule           uint32
	MaxHeightBackwardRule          uint32
}

func NewRouteRuleTable() *RouteRuleTable {
	return &RouteRuleTable{rules: make([]RouteRule, 1)}
}

// InitRule inserts a rule at id, deriving oneway/roundabout/conditional flags
// and caching well-known slots, exactly as RoutingIndex::initRouteEncodingRule
// does on insert rather than as an afterthought pass.
func (t *RouteRuleTable) InitRule(id uint32, tag, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uint32(len(t.rules)) <= id {
		t.rules = append(t.rules, RouteRule{})
	}

	rule := RouteRule{ID: id, Tag: tag, Value: value}
	if tag == "oneway" {
		switch value {
		case "yes", "true", "1":
			rule.OnewayDir = 1
		case "-1", "reverse":
			rule.OnewayDir = -1
		}
	}
	if tag == "junction" && value == "roundabout" {
		rule.Roundabout = true
	}
	if strings.HasSuffix(tag, ":conditional") || isScheduleExpression(value) {
		rule.Conditional = true
		rule.Conditions = parseConditions(value)
	}
	t.rules[id] = rule
	t.byPair = nil

	switch {
	case tag == "name":
		t.NameRule = id
	case tag == "ref":
		t.RefRule = id
	case tag == "destination" || tag == "destination:forward" || tag == "destination:backward" ||
		strings.HasPrefix(tag, "destination:lang:"):
		t.DestinationRule = id
	case tag == "destination:ref" || tag == "destination:ref:forward" || tag == "destination:ref:backward":
		t.DestinationRefRule = id
	case tag == "highway" && value == "traffic_signals":
		t.TrafficSignalsRule = id
	case tag == "stop" && value == "minor":
		t.StopMinorRule = id
	case tag == "highway" && value == "stop":
		t.StopSignRule = id
	case tag == "highway" && value == "give_way":
		t.GiveWaySignRule = id
	case tag == "traffic_signals:direction" && value == "forward":
		t.DirectionSignalsForwardRule = id
	case tag == "traffic_signals:direction" && value == "backward":
		t.DirectionSignalsBackwardRule = id
	case tag == "direction" && value == "forward":
		t.DirectionForwardRule = id
	case tag == "direction" && value == "backward":
		t.DirectionBackwardRule = id
	case tag == "maxheight:forward" && value != "":
		t.MaxHeightForwardRule = id
	case tag == "maxheight:backward" && value != "":
		t.MaxHeightBackwardRule = id
	}
}

// isScheduleExpression recognizes OSM opening_hours-style condition syntax
// well enough to flag a rule as conditional without a full grammar: presence
// of day ranges or time ranges.
func isScheduleExpression(value string) bool {
	dayTokens := []string{"Mo", "Tu", "We", "Th", "Fr", "Sa", "Su"}
	for _, d := range dayTokens {
		if strings.Contains(value, d) {
			return true
		}
	}
	return strings.Contains(value, ":") && strings.Contains(value, "-")
}

// parseConditions splits a value like "no @ (Mo-Fr 07:00-09:00)" into its
// alternatives. Each alternative binds the enclosing rule's resolved value
// under a schedule condition.
func parseConditions(value string) []RouteCondition {
	parts := strings.SplitN(value, "@", 2)
	if len(parts) != 2 {
		return nil
	}
	resolved := strings.TrimSpace(parts[0])
	cond := strings.TrimSpace(parts[1])
	cond = strings.TrimPrefix(cond, "(")
	cond = strings.TrimSuffix(cond, ")")
	return []RouteCondition{{Condition: cond, Value: resolved}}
}

// Get returns the rule at id, or false if out of range or unset.
func (t *RouteRuleTable) Get(id uint32) (RouteRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || id >= uint32(len(t.rules)) {
		return RouteRule{}, false
	}
	r := t.rules[id]
	if r.Tag == "" {
		return RouteRule{}, false
	}
	return r, true
}

// Lookup finds the id for (tag, value), building the secondary hash index
// lazily on first call.
func (t *RouteRuleTable) Lookup(tag, value string) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byPair == nil {
		t.byPair = make(map[tagValue]uint32, len(t.rules))
		for _, r := range t.rules[1:] {
			if r.Tag == "" {
				continue
			}
			t.byPair[tagValue{r.Tag, r.Value}] = r.ID
		}
	}
	id, ok := t.byPair[tagValue{tag, value}]
	return id, ok
}

// Len reports how many slots (including unset ones) the table holds.
func (t *RouteRuleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// All returns every populated rule, used only by CompleteConditional and
// tests; never use this for per-query hot paths.
func (t *RouteRuleTable) All() []RouteRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteRule, 0, len(t.rules))
	for _, r := range t.rules[1:] {
		if r.Tag != "" {
			out = append(out, r)
		}
	}
	return out
}

// CompleteConditional runs after all rules in the file have been read: every
// conditional rule binds the id of each of its alternatives to the rule that
// matches (nonConditionalTag, alternative.Value), a self-referential closure
// over the table. Unresolvable alternatives are left with RuleID == 0 and are
// dropped silently by callers (MissingReference policy, never fatal).
func (t *RouteRuleTable) CompleteConditional() {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Build the pair index inline so CompleteConditional doesn't depend on
	// Lookup's separate locking.
	byPair := make(map[tagValue]uint32, len(t.rules))
	for _, r := range t.rules[1:] {
		if r.Tag != "" {
			byPair[tagValue{r.Tag, r.Value}] = r.ID
		}
	}
	for i := range t.rules {
		r := &t.rules[i]
		if !r.Conditional || r.Tag == "" {
			continue
		}
		tag := r.NonConditionalTag()
		for ci := range r.Conditions {
			c := &r.Conditions[ci]
			if tag == "" || c.Value == "" {
				continue
			}
			if id, ok := byPair[tagValue{tag, c.Value}]; ok {
				c.RuleID = id
			}
		}
	}
	t.byPair = nil
}
