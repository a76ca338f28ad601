package margin

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrInvalidRule is returned when a margin rule fails validation.
var ErrInvalidRule = errors.New("invalid margin rule")

// Rule is a stored margin adjustment scoped to a service type.
type Rule struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	AdjustmentType  Method  `json:"adjustment_type"`
	AdjustmentValue float64 `json:"adjustment_value"`
	Priority        int     `json:"priority"`
	ServiceType     string  `json:"service_type,omitempty"`
	MinMargin       float64 `json:"min_margin"`
	RoundingRule    string  `json:"rounding_rule,omitempty"`
	Active          bool    `json:"active"`
}

// Validate ensures the rule can be turned into a policy.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.AdjustmentType != MethodPercent && r.AdjustmentType != MethodFixed {
		return fmt.Errorf("%w: adjustment_type must be percent or fixed", ErrInvalidRule)
	}
	if math.IsNaN(r.AdjustmentValue) || math.IsInf(r.AdjustmentValue, 0) || r.AdjustmentValue < 0 {
		return fmt.Errorf("%w: adjustment_value must be a non-negative number", ErrInvalidRule)
	}
	if err := r.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// Policy converts the rule into an enabled margin policy.
func (r Rule) Policy() Policy {
	return Policy{
		Enabled:      true,
		Method:       r.AdjustmentType,
		Value:        r.AdjustmentValue,
		MinMargin:    r.MinMargin,
		RoundingRule: r.RoundingRule,
	}
}

// Matches reports whether the rule applies to the given service type. Rules
// without a service type apply to everything.
func (r Rule) Matches(serviceType string) bool {
	scope := strings.TrimSpace(r.ServiceType)
	if scope == "" {
		return true
	}
	return strings.EqualFold(scope, strings.TrimSpace(serviceType))
}

// SelectRule picks the active rule with the highest priority for a service type.
// Ties prefer a specific service type over a wildcard, then the lexically
// smallest name so the choice is stable.
func SelectRule(rules []Rule, serviceType string) (Rule, bool) {
	candidates := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active && r.Matches(serviceType) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Rule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		aScoped := strings.TrimSpace(a.ServiceType) != ""
		bScoped := strings.TrimSpace(b.ServiceType) != ""
		if aScoped != bScoped {
			return aScoped
		}
		return a.Name < b.Name
	})
	return candidates[0], true
}

// ResolvePolicy returns the policy of the selected rule or fallback when none applies.
func ResolvePolicy(rules []Rule, serviceType string, fallback Policy) Policy {
	if rule, ok := SelectRule(rules, serviceType); ok {
		return rule.Policy()
	}
	return fallback
}
