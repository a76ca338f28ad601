package margin

import (
	"errors"
	"math"
	"strings"
)

var (
	// ErrLineNotFound is returned when an edit targets an index outside the charge list.
	ErrLineNotFound = errors.New("charge line not found")
	// ErrWrongSide is returned when a buy edit targets a sell line or vice versa.
	ErrWrongSide = errors.New("charge line is on the wrong side")
)

// Side identifies whether a charge is a cost (buy) or a customer price (sell).
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalises a persisted side value.
func ParseSide(value string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(value))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// ChargeLine is one priced line item on either side of a quote.
type ChargeLine struct {
	ID               string   `json:"id"`
	RowID            string   `json:"row_id"`
	Side             Side     `json:"side"`
	CategoryID       string   `json:"category_id"`
	BasisID          string   `json:"basis_id"`
	Quantity         float64  `json:"quantity"`
	Rate             float64  `json:"rate"`
	Amount           *float64 `json:"amount,omitempty"`
	AmountOverridden bool     `json:"amount_overridden"`
	Unit             string   `json:"unit"`
	CurrencyID       string   `json:"currency_id"`
	Note             string   `json:"note"`
	SortOrder        int      `json:"sort_order"`
	Derived          bool     `json:"derived"`
}

// Total returns the line amount, falling back to rate * quantity when the amount is missing.
func (l ChargeLine) Total() float64 {
	if l.Amount != nil {
		return finite(*l.Amount)
	}
	return finite(finite(l.Rate) * finite(l.Quantity))
}

// Leg is one segment of a quote option together with its charges.
type Leg struct {
	ID          string       `json:"id"`
	LegOrder    int          `json:"leg_order"`
	ServiceType string       `json:"service_type,omitempty"`
	Origin      string       `json:"origin,omitempty"`
	Destination string       `json:"destination,omitempty"`
	Provider    string       `json:"provider,omitempty"`
	Charges     []ChargeLine `json:"charges"`
}

// Patch is a partial update to the numeric fields of a charge line.
type Patch struct {
	Rate     *float64 `json:"rate,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
}

// Totals is the buy / sell / margin triple reported per leg and per option.
type Totals struct {
	Buy    float64 `json:"buy"`
	Sell   float64 `json:"sell"`
	Margin float64 `json:"margin"`
}

// Add sums two triples and recomputes the margin.
func (t Totals) Add(o Totals) Totals {
	buy := t.Buy + o.Buy
	sell := t.Sell + o.Sell
	return Totals{Buy: buy, Sell: sell, Margin: sell - buy}
}

// ApplyMarginToBuyEdit applies patch to the buy line at index and, when the policy
// is active, re-derives the paired sell line of the same row. The input slice is
// left untouched.
func ApplyMarginToBuyEdit(lines []ChargeLine, index int, patch Patch, policy Policy) ([]ChargeLine, error) {
	if index < 0 || index >= len(lines) {
		return nil, ErrLineNotFound
	}
	if lines[index].Side != SideBuy {
		return nil, ErrWrongSide
	}
	out := cloneLines(lines)
	buy := applyPatch(out[index], patch)
	out[index] = buy

	rate, ok := DeriveSellRate(buy.Rate, policy)
	if !ok {
		return out, nil
	}
	pair := pairedIndex(out, index)
	if pair < 0 {
		return out, nil
	}
	sell := out[pair]
	sell.Rate = rate
	sell.Quantity = buy.Quantity
	amount := finite(rate * sell.Quantity)
	sell.Amount = &amount
	sell.AmountOverridden = false
	sell.Derived = true
	out[pair] = sell
	return out, nil
}

// ApplySellEdit applies a direct user edit to the sell line at index. The line is
// marked as manually set and no derivation takes place.
func ApplySellEdit(lines []ChargeLine, index int, patch Patch) ([]ChargeLine, error) {
	if index < 0 || index >= len(lines) {
		return nil, ErrLineNotFound
	}
	if lines[index].Side != SideSell {
		return nil, ErrWrongSide
	}
	out := cloneLines(lines)
	sell := applyPatch(out[index], patch)
	sell.Derived = false
	out[index] = sell
	return out, nil
}

// ComputeLegTotals sums buy and sell amounts of the given lines.
func ComputeLegTotals(lines []ChargeLine) Totals {
	var buy, sell float64
	for _, line := range lines {
		switch line.Side {
		case SideBuy:
			buy += line.Total()
		case SideSell:
			sell += line.Total()
		}
	}
	return Totals{Buy: buy, Sell: sell, Margin: sell - buy}
}

// OptionTotals carries both aggregate computations for a quote option.
// Lines is the plain sum of every line; Policy is the re-derivation of the sell
// total from the buy total and is nil when no margin policy is active.
// Overrides is the absolute amount by which manually set sell lines depart from
// what the policy derives for them; the policy path discards it on save.
type OptionTotals struct {
	Lines     Totals  `json:"lines"`
	Policy    *Totals `json:"policy,omitempty"`
	Overrides float64 `json:"overrides"`
}

// Persisted returns the triple written to the option header.
func (o OptionTotals) Persisted() Totals {
	if o.Policy != nil {
		return *o.Policy
	}
	return o.Lines
}

// Divergence is the manual sell value the persisted policy total does not
// reflect. Rounding and minimum-margin adjustments are not divergence.
func (o OptionTotals) Divergence() float64 {
	if o.Policy == nil {
		return 0
	}
	return o.Overrides
}

// Diverged reports whether manual sell overrides exceed tolerance.
func (o OptionTotals) Diverged(tolerance float64) bool {
	if tolerance < 0 {
		tolerance = 0
	}
	return o.Divergence() > tolerance
}

// ComputeOptionTotals aggregates every leg plus the combined charges. When the
// policy is active the sell total is re-derived from the buy total, floored at
// the minimum margin and rounded to the configured step.
func ComputeOptionTotals(legs []Leg, combined []ChargeLine, policy Policy) OptionTotals {
	var lines Totals
	var overrides float64
	for _, leg := range legs {
		lines = lines.Add(ComputeLegTotals(leg.Charges))
		overrides += manualOverrides(leg.Charges, policy)
	}
	lines = lines.Add(ComputeLegTotals(combined))
	overrides += manualOverrides(combined, policy)

	result := OptionTotals{Lines: lines}
	sell, ok := DeriveSellRate(lines.Buy, policy)
	if !ok {
		return result
	}
	if policy.MinMargin > 0 && sell-lines.Buy < policy.MinMargin {
		sell = lines.Buy + policy.MinMargin
	}
	if step, ok := ParseRoundingRule(policy.RoundingRule); ok {
		sell = RoundToStep(sell, step)
	}
	result.Policy = &Totals{Buy: lines.Buy, Sell: sell, Margin: sell - lines.Buy}
	result.Overrides = overrides
	return result
}

// manualOverrides sums, over sell lines not derived by the policy, the distance
// between the line total and the total a buy edit would derive for it. A sell
// line without a buy partner is compared against zero. Zero sell lines hold
// nothing to discard and are skipped.
func manualOverrides(lines []ChargeLine, policy Policy) float64 {
	if !policy.Active() {
		return 0
	}
	var sum float64
	for i, line := range lines {
		if line.Side != SideSell || line.Derived {
			continue
		}
		total := line.Total()
		if total == 0 {
			continue
		}
		var expected float64
		if pair := pairedIndex(lines, i); pair >= 0 {
			buy := lines[pair]
			rate, _ := DeriveSellRate(buy.Rate, policy)
			expected = finite(rate * finite(buy.Quantity))
		}
		sum += math.Abs(total - expected)
	}
	return sum
}

// MarginPercent returns the markup of the totals relative to the buy side.
func MarginPercent(t Totals) float64 {
	if t.Buy == 0 {
		return 0
	}
	return finite(t.Margin / t.Buy * 100)
}

func applyPatch(line ChargeLine, patch Patch) ChargeLine {
	if patch.Rate != nil {
		line.Rate = finite(*patch.Rate)
	}
	if patch.Quantity != nil {
		line.Quantity = finite(*patch.Quantity)
	}
	switch {
	case patch.Amount != nil:
		amount := finite(*patch.Amount)
		line.Amount = &amount
		line.AmountOverridden = true
	case patch.Rate != nil || patch.Quantity != nil || !line.AmountOverridden:
		amount := finite(line.Rate * line.Quantity)
		line.Amount = &amount
		line.AmountOverridden = false
	}
	return line
}

func pairedIndex(lines []ChargeLine, index int) int {
	rowID := lines[index].RowID
	if rowID == "" {
		return -1
	}
	for i, line := range lines {
		if i != index && line.RowID == rowID && line.Side != lines[index].Side {
			return i
		}
	}
	return -1
}

func cloneLines(lines []ChargeLine) []ChargeLine {
	out := make([]ChargeLine, len(lines))
	copy(out, lines)
	return out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
