package encodingrules

import "testing"

func TestCompleteConditionalResolvesAlternatives(t *testing.T) {
	table := NewRouteRuleTable()
	// Base access tag and the value a conditional alternative should bind to.
	table.InitRule(1, "access", "yes")
	table.InitRule(2, "access", "no")
	table.InitRule(3, "access:conditional", "no @ (Mo-Fr 07:00-09:00)")

	table.CompleteConditional()

	rule, ok := table.Get(3)
	if !ok {
		t.Fatalf("expected rule 3 to be present")
	}
	if !rule.Conditional {
		t.Fatalf("expected rule 3 to be flagged conditional")
	}
	if len(rule.Conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(rule.Conditions))
	}
	cond := rule.Conditions[0]
	if cond.Value != "no" {
		t.Errorf("expected condition value %q, got %q", "no", cond.Value)
	}
	if cond.Condition != "Mo-Fr 07:00-09:00" {
		t.Errorf("expected condition %q, got %q", "Mo-Fr 07:00-09:00", cond.Condition)
	}
	if cond.RuleID != 2 {
		t.Errorf("expected condition to resolve to rule 2 (access=no), got %d", cond.RuleID)
	}
}

func TestCompleteConditionalLeavesUnresolvedAlternativeAtZero(t *testing.T) {
	table := NewRouteRuleTable()
	table.InitRule(1, "access", "yes")
	// No "access"="private" rule exists anywhere in the table.
	table.InitRule(2, "access:conditional", "private @ (Sa-Su)")

	table.CompleteConditional()

	rule, ok := table.Get(2)
	if !ok {
		t.Fatalf("expected rule 2 to be present")
	}
	if len(rule.Conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(rule.Conditions))
	}
	if rule.Conditions[0].RuleID != 0 {
		t.Errorf("expected unresolved condition to keep RuleID 0, got %d", rule.Conditions[0].RuleID)
	}
}

func TestCompleteConditionalNonConditionalTagStripsSuffix(t *testing.T) {
	table := NewRouteRuleTable()
	table.InitRule(1, "maxweight", "7.5")
	table.InitRule(2, "maxweight:conditional", "3.5 @ (wet)")

	table.CompleteConditional()

	rule, _ := table.Get(2)
	if got := rule.NonConditionalTag(); got != "maxweight" {
		t.Errorf("expected non-conditional tag %q, got %q", "maxweight", got)
	}
	// "3.5" never matches any interned (maxweight, value) pair in this table,
	// so the alternative stays unresolved rather than matching the wrong rule.
	if rule.Conditions[0].RuleID != 0 {
		t.Errorf("expected condition with no matching pair to stay unresolved, got %d", rule.Conditions[0].RuleID)
	}
}

func TestInitRuleDerivesOnewayDirection(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{name: "yes", value: "yes", want: 1},
		{name: "true", value: "true", want: 1},
		{name: "one", value: "1", want: 1},
		{name: "reverse", value: "reverse", want: -1},
		{name: "minus one", value: "-1", want: -1},
		{name: "no", value: "no", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewRouteRuleTable()
			table.InitRule(1, "oneway", tt.value)
			rule, ok := table.Get(1)
			if !ok {
				t.Fatalf("expected rule 1 to be present")
			}
			if rule.OnewayDir != tt.want {
				t.Errorf("InitRule(oneway=%q).OnewayDir = %d, want %d", tt.value, rule.OnewayDir, tt.want)
			}
		})
	}
}

func TestInitRuleCachesWellKnownSlots(t *testing.T) {
	table := NewRouteRuleTable()
	table.InitRule(1, "name", "Main Street")
	table.InitRule(2, "highway", "traffic_signals")
	table.InitRule(3, "junction", "roundabout")

	if table.NameRule != 1 {
		t.Errorf("expected NameRule == 1, got %d", table.NameRule)
	}
	if table.TrafficSignalsRule != 2 {
		t.Errorf("expected TrafficSignalsRule == 2, got %d", table.TrafficSignalsRule)
	}
	rule, _ := table.Get(3)
	if !rule.Roundabout {
		t.Errorf("expected junction=roundabout to set Roundabout")
	}
}

func TestRouteRuleTableLookup(t *testing.T) {
	table := NewRouteRuleTable()
	table.InitRule(1, "highway", "primary")
	table.InitRule(2, "highway", "secondary")

	id, ok := table.Lookup("highway", "secondary")
	if !ok || id != 2 {
		t.Errorf("Lookup(highway, secondary) = (%d, %v), want (2, true)", id, ok)
	}

	if _, ok := table.Lookup("highway", "nonexistent"); ok {
		t.Errorf("Lookup(highway, nonexistent) should not be found")
	}
}
