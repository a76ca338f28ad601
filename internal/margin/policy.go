package margin

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidPolicy is returned when a policy cannot be applied.
var ErrInvalidPolicy = errors.New("invalid margin policy")

const roundingPrefix = "nearest_"

// Method selects how sell values are derived from buy values.
type Method string

const (
	MethodPercent Method = "percent"
	MethodFixed   Method = "fixed"
	MethodNone    Method = "none"
)

// ParseMethod normalises a method name. An empty value maps to MethodNone.
func ParseMethod(value string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(value))) {
	case MethodPercent:
		return MethodPercent, true
	case MethodFixed:
		return MethodFixed, true
	case MethodNone, "":
		return MethodNone, true
	default:
		return "", false
	}
}

// Policy governs automatic sell derivation.
type Policy struct {
	Enabled      bool    `json:"enabled"`
	Method       Method  `json:"method"`
	Value        float64 `json:"value"`
	MinMargin    float64 `json:"min_margin"`
	RoundingRule string  `json:"rounding_rule,omitempty"`
}

// Active reports whether the policy derives sell values at all.
func (p Policy) Active() bool {
	return p.Enabled && (p.Method == MethodPercent || p.Method == MethodFixed)
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	if _, ok := ParseMethod(string(p.Method)); !ok {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidPolicy, p.Method)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return fmt.Errorf("%w: value must be a finite number", ErrInvalidPolicy)
	}
	if math.IsNaN(p.MinMargin) || p.MinMargin < 0 {
		return fmt.Errorf("%w: min_margin must not be negative", ErrInvalidPolicy)
	}
	if !validRoundingRule(p.RoundingRule) {
		return fmt.Errorf("%w: rounding rule %q must look like nearest_<N>", ErrInvalidPolicy, p.RoundingRule)
	}
	return nil
}

// DeriveSellRate applies the policy formula to a buy value. It reports false when
// the policy is disabled or has no method.
func DeriveSellRate(buy float64, p Policy) (float64, bool) {
	if !p.Active() {
		return 0, false
	}
	buy = finite(buy)
	switch p.Method {
	case MethodPercent:
		return finite(buy * (1 + finite(p.Value)/100)), true
	case MethodFixed:
		return finite(buy + finite(p.Value)), true
	}
	return 0, false
}

// DeriveBuyFromSell is the inverse of DeriveSellRate, used when a carrier rate
// quotes the sell price and the cost has to be backed out of it. It reports
// false when the policy derives nothing or the percent divisor is not positive.
func DeriveBuyFromSell(sell float64, p Policy) (float64, bool) {
	if !p.Active() {
		return 0, false
	}
	sell = finite(sell)
	switch p.Method {
	case MethodPercent:
		divisor := 1 + finite(p.Value)/100
		if divisor <= 0 {
			return 0, false
		}
		return finite(sell / divisor), true
	case MethodFixed:
		return finite(sell - finite(p.Value)), true
	}
	return 0, false
}

// ParseRoundingRule extracts N from a nearest_<N> rule. A missing, zero or
// malformed step reports false, which callers treat as "no rounding".
func ParseRoundingRule(rule string) (float64, bool) {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if !strings.HasPrefix(rule, roundingPrefix) {
		return 0, false
	}
	step, err := strconv.ParseFloat(strings.TrimPrefix(rule, roundingPrefix), 64)
	if err != nil || math.IsNaN(step) || math.IsInf(step, 0) || step <= 0 {
		return 0, false
	}
	return step, true
}

// RoundToStep rounds value to the nearest multiple of step. Halves round away from zero.
func RoundToStep(value, step float64) float64 {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return value
	}
	d := decimal.NewFromFloat(step)
	rounded, _ := decimal.NewFromFloat(finite(value)).Div(d).Round(0).Mul(d).Float64()
	return rounded
}

func validRoundingRule(rule string) bool {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule == "" {
		return true
	}
	if !strings.HasPrefix(rule, roundingPrefix) {
		return false
	}
	step, err := strconv.ParseFloat(strings.TrimPrefix(rule, roundingPrefix), 64)
	return err == nil && !math.IsNaN(step) && !math.IsInf(step, 0) && step >= 0
}
