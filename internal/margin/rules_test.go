package margin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuleValidate(t *testing.T) {
	valid := Rule{Name: "Ocean default", AdjustmentType: MethodPercent, AdjustmentValue: 12, Active: true}
	require.NoError(t, valid.Validate())

	cases := map[string]Rule{
		"missing name":   {AdjustmentType: MethodPercent, AdjustmentValue: 1},
		"none method":    {Name: "x", AdjustmentType: MethodNone},
		"negative value": {Name: "x", AdjustmentType: MethodFixed, AdjustmentValue: -3},
		"bad rounding":   {Name: "x", AdjustmentType: MethodFixed, RoundingRule: "floor_5"},
		"negative floor": {Name: "x", AdjustmentType: MethodFixed, MinMargin: -10},
	}
	for name, rule := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, rule.Validate(), ErrInvalidRule)
		})
	}
}

func TestSelectRulePriorityAndScope(t *testing.T) {
	rules := []Rule{
		{ID: "1", Name: "global", AdjustmentType: MethodPercent, AdjustmentValue: 10, Priority: 1, Active: true},
		{ID: "2", Name: "ocean", AdjustmentType: MethodPercent, AdjustmentValue: 15, Priority: 5, ServiceType: "ocean", Active: true},
		{ID: "3", Name: "air", AdjustmentType: MethodFixed, AdjustmentValue: 50, Priority: 9, ServiceType: "air", Active: true},
		{ID: "4", Name: "inactive", AdjustmentType: MethodFixed, AdjustmentValue: 99, Priority: 100, Active: false},
	}

	rule, ok := SelectRule(rules, "Ocean")
	require.True(t, ok)
	require.Equal(t, "2", rule.ID)

	rule, ok = SelectRule(rules, "road")
	require.True(t, ok)
	require.Equal(t, "1", rule.ID)

	_, ok = SelectRule(rules[3:], "road")
	require.False(t, ok)
}

func TestSelectRuleTieBreak(t *testing.T) {
	rules := []Rule{
		{ID: "w", Name: "a-wildcard", AdjustmentType: MethodPercent, Priority: 3, Active: true},
		{ID: "s", Name: "z-scoped", AdjustmentType: MethodPercent, Priority: 3, ServiceType: "air", Active: true},
	}
	rule, ok := SelectRule(rules, "air")
	require.True(t, ok)
	require.Equal(t, "s", rule.ID)
}

func TestResolvePolicy(t *testing.T) {
	fallback := Policy{Enabled: true, Method: MethodPercent, Value: 15}
	require.Equal(t, fallback, ResolvePolicy(nil, "ocean", fallback))

	rules := []Rule{{Name: "air", AdjustmentType: MethodFixed, AdjustmentValue: 40, MinMargin: 25, RoundingRule: "nearest_5", ServiceType: "air", Active: true}}
	policy := ResolvePolicy(rules, "air", fallback)
	require.Equal(t, Policy{Enabled: true, Method: MethodFixed, Value: 40, MinMargin: 25, RoundingRule: "nearest_5"}, policy)
}
