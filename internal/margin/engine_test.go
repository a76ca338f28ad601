package margin

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func pairedRow(rowID string, buyRate, qty float64) []ChargeLine {
	return []ChargeLine{
		{ID: rowID + "-b", RowID: rowID, Side: SideBuy, Quantity: qty, Rate: buyRate, Amount: f(buyRate * qty)},
		{ID: rowID + "-s", RowID: rowID, Side: SideSell, Quantity: qty, Rate: 0, Amount: f(0)},
	}
}

func percentPolicy(v float64) Policy {
	return Policy{Enabled: true, Method: MethodPercent, Value: v}
}

func TestBuyEditRecomputesAmount(t *testing.T) {
	lines := pairedRow("r1", 10, 1)
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(12.5), Quantity: f(4)}, Policy{})
	require.NoError(t, err)
	require.Equal(t, 50.0, *out[0].Amount)
	require.False(t, out[0].AmountOverridden)
	// sell side untouched without a policy
	require.Equal(t, 0.0, out[1].Rate)
	require.False(t, out[1].Derived)
	// input not mutated
	require.Equal(t, 10.0, lines[0].Rate)
}

func TestBuyEditPercentDerivesSell(t *testing.T) {
	lines := pairedRow("r1", 0, 2)
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(500)}, percentPolicy(15))
	require.NoError(t, err)
	require.InDelta(t, 575, out[1].Rate, 1e-9)
	require.Equal(t, 2.0, out[1].Quantity)
	require.InDelta(t, 1150, *out[1].Amount, 1e-9)
	require.True(t, out[1].Derived)

	totals := ComputeLegTotals(out)
	require.InDelta(t, 1000, totals.Buy, 1e-9)
	require.InDelta(t, 1150, totals.Sell, 1e-9)
	require.InDelta(t, 150, totals.Margin, 1e-9)
}

func TestBuyEditFixedDerivesSell(t *testing.T) {
	lines := pairedRow("r1", 0, 3)
	policy := Policy{Enabled: true, Method: MethodFixed, Value: 25}
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(100)}, policy)
	require.NoError(t, err)
	require.Equal(t, 125.0, out[1].Rate)
	require.Equal(t, 375.0, *out[1].Amount)
	require.True(t, out[1].Derived)
}

func TestBuyQuantityEditSyncsSellQuantity(t *testing.T) {
	lines := pairedRow("r1", 100, 1)
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Quantity: f(5)}, percentPolicy(10))
	require.NoError(t, err)
	require.Equal(t, 5.0, out[1].Quantity)
	require.InDelta(t, 550, *out[1].Amount, 1e-9)
}

func TestDisabledOrNoneLeavesSellUntouched(t *testing.T) {
	for name, policy := range map[string]Policy{
		"disabled": {Enabled: false, Method: MethodPercent, Value: 20},
		"none":     {Enabled: true, Method: MethodNone, Value: 20},
	} {
		t.Run(name, func(t *testing.T) {
			lines := pairedRow("r1", 0, 1)
			lines[1].Rate = 42
			out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(100)}, policy)
			require.NoError(t, err)
			require.Equal(t, 42.0, out[1].Rate)
			require.False(t, out[1].Derived)
		})
	}
}

func TestBuyEditWithoutPairedSell(t *testing.T) {
	lines := []ChargeLine{
		{ID: "b", RowID: "r1", Side: SideBuy, Quantity: 1},
		{ID: "s", RowID: "r2", Side: SideSell, Quantity: 1, Rate: 7},
	}
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(100)}, percentPolicy(10))
	require.NoError(t, err)
	require.Equal(t, 7.0, out[1].Rate)
	require.False(t, out[1].Derived)
}

func TestManualSellEditSurvivesUntilNextBuyEdit(t *testing.T) {
	policy := percentPolicy(10)
	lines := pairedRow("r1", 0, 1)
	lines = append(lines, pairedRow("r2", 0, 1)...)

	lines, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(100)}, policy)
	require.NoError(t, err)
	require.True(t, lines[1].Derived)

	lines, err = ApplySellEdit(lines, 1, Patch{Rate: f(200)})
	require.NoError(t, err)
	require.False(t, lines[1].Derived)
	require.Equal(t, 200.0, *lines[1].Amount)

	// an edit on another row leaves the manual value alone
	lines, err = ApplyMarginToBuyEdit(lines, 2, Patch{Rate: f(50)}, policy)
	require.NoError(t, err)
	require.Equal(t, 200.0, lines[1].Rate)
	require.False(t, lines[1].Derived)

	// a new edit on the paired buy line re-derives
	lines, err = ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(120)}, policy)
	require.NoError(t, err)
	require.InDelta(t, 132, lines[1].Rate, 1e-9)
	require.True(t, lines[1].Derived)
}

func TestAmountOverride(t *testing.T) {
	lines := pairedRow("r1", 10, 2)
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Amount: f(99)}, Policy{})
	require.NoError(t, err)
	require.Equal(t, 99.0, *out[0].Amount)
	require.True(t, out[0].AmountOverridden)

	out, err = ApplyMarginToBuyEdit(out, 0, Patch{Rate: f(11)}, Policy{})
	require.NoError(t, err)
	require.Equal(t, 22.0, *out[0].Amount)
	require.False(t, out[0].AmountOverridden)
}

func TestEditIndexAndSideErrors(t *testing.T) {
	lines := pairedRow("r1", 10, 1)
	_, err := ApplyMarginToBuyEdit(lines, 5, Patch{}, Policy{})
	require.ErrorIs(t, err, ErrLineNotFound)
	_, err = ApplyMarginToBuyEdit(lines, 1, Patch{}, Policy{})
	require.ErrorIs(t, err, ErrWrongSide)
	_, err = ApplySellEdit(lines, 0, Patch{})
	require.ErrorIs(t, err, ErrWrongSide)
	_, err = ApplySellEdit(lines, -1, Patch{})
	require.ErrorIs(t, err, ErrLineNotFound)
}

func TestNonFiniteInputsCoercedToZero(t *testing.T) {
	lines := pairedRow("r1", 10, 1)
	out, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(math.NaN())}, percentPolicy(10))
	require.NoError(t, err)
	require.Equal(t, 0.0, out[0].Rate)
	require.Equal(t, 0.0, *out[0].Amount)
	require.Equal(t, 0.0, out[1].Rate)
}

func TestComputeLegTotalsFallbacks(t *testing.T) {
	lines := []ChargeLine{
		{Side: SideBuy, Rate: 10, Quantity: 3},
		{Side: SideBuy},
		{Side: SideSell, Rate: 10, Quantity: 3, Amount: f(40)},
		{Side: SideSell, Rate: math.Inf(1), Quantity: 1},
	}
	totals := ComputeLegTotals(lines)
	require.Equal(t, Totals{Buy: 30, Sell: 40, Margin: 10}, totals)
}

func TestComputeLegTotalsOrderIndependent(t *testing.T) {
	lines := []ChargeLine{
		{Side: SideBuy, Amount: f(100.10)},
		{Side: SideSell, Amount: f(120.25)},
		{Side: SideBuy, Amount: f(0.3)},
		{Side: SideSell, Amount: f(7.05)},
	}
	reversed := make([]ChargeLine, len(lines))
	for i := range lines {
		reversed[len(lines)-1-i] = lines[i]
	}
	a := ComputeLegTotals(lines)
	b := ComputeLegTotals(reversed)
	require.InDelta(t, a.Buy, b.Buy, 1e-9)
	require.InDelta(t, a.Sell, b.Sell, 1e-9)
	require.InDelta(t, a.Margin, b.Margin, 1e-9)
}

func TestComputeOptionTotalsTwoLegs(t *testing.T) {
	legA := Leg{ID: "a", LegOrder: 1, Charges: []ChargeLine{
		{Side: SideBuy, Amount: f(1000)},
		{Side: SideSell, Amount: f(1150)},
	}}
	legB := Leg{ID: "b", LegOrder: 2, Charges: []ChargeLine{
		{Side: SideBuy, Amount: f(500)},
		{Side: SideSell, Amount: f(500)},
	}}
	totals := ComputeOptionTotals([]Leg{legA, legB}, nil, Policy{})
	require.Equal(t, Totals{Buy: 1500, Sell: 1650, Margin: 150}, totals.Lines)
	require.Nil(t, totals.Policy)
	require.Equal(t, totals.Lines, totals.Persisted())
	require.False(t, totals.Diverged(0.01))
}

func TestComputeOptionTotalsCombinedCharges(t *testing.T) {
	leg := Leg{ID: "a", Charges: []ChargeLine{{Side: SideBuy, Amount: f(100)}}}
	combined := []ChargeLine{{Side: SideBuy, Amount: f(50)}, {Side: SideSell, Amount: f(80)}}
	totals := ComputeOptionTotals([]Leg{leg}, combined, Policy{})
	require.Equal(t, Totals{Buy: 150, Sell: 80, Margin: -70}, totals.Lines)
}

func TestComputeOptionTotalsMinMarginFloor(t *testing.T) {
	leg := Leg{Charges: []ChargeLine{{Side: SideBuy, Amount: f(1000)}}}
	policy := Policy{Enabled: true, Method: MethodPercent, Value: 2, MinMargin: 100}
	totals := ComputeOptionTotals([]Leg{leg}, nil, policy)
	require.NotNil(t, totals.Policy)
	require.InDelta(t, 1100, totals.Policy.Sell, 1e-9)
	require.InDelta(t, 100, totals.Policy.Margin, 1e-9)
}

func TestComputeOptionTotalsRounding(t *testing.T) {
	cases := []struct {
		name  string
		fixed float64
		want  float64
	}{
		{name: "rounds down", fixed: 20, want: 1000},
		{name: "rounds up", fixed: 30, want: 1050},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			leg := Leg{Charges: []ChargeLine{{Side: SideBuy, Amount: f(1000)}}}
			policy := Policy{Enabled: true, Method: MethodFixed, Value: tc.fixed, RoundingRule: "nearest_50"}
			totals := ComputeOptionTotals([]Leg{leg}, nil, policy)
			require.InDelta(t, tc.want, totals.Policy.Sell, 1e-9)
		})
	}
}

func TestComputeOptionTotalsZeroStepSkipsRounding(t *testing.T) {
	leg := Leg{Charges: []ChargeLine{{Side: SideBuy, Amount: f(1000)}}}
	policy := Policy{Enabled: true, Method: MethodFixed, Value: 23, RoundingRule: "nearest_0"}
	totals := ComputeOptionTotals([]Leg{leg}, nil, policy)
	require.InDelta(t, 1023, totals.Policy.Sell, 1e-9)
}

func TestComputeOptionTotalsDivergesOnManualOverride(t *testing.T) {
	policy := percentPolicy(15)
	lines := pairedRow("r1", 0, 2)
	lines, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(500)}, policy)
	require.NoError(t, err)

	totals := ComputeOptionTotals([]Leg{{Charges: lines}}, nil, policy)
	require.False(t, totals.Diverged(0.01))

	lines, err = ApplySellEdit(lines, 1, Patch{Rate: f(700)})
	require.NoError(t, err)
	totals = ComputeOptionTotals([]Leg{{Charges: lines}}, nil, policy)
	require.InDelta(t, 1400, totals.Lines.Sell, 1e-9)
	require.InDelta(t, 1150, totals.Persisted().Sell, 1e-9)
	require.InDelta(t, 250, totals.Divergence(), 1e-9)
	require.True(t, totals.Diverged(0.01))
}

func TestComputeOptionTotalsDerivedLinesDoNotDiverge(t *testing.T) {
	t.Run("percent with rounding step", func(t *testing.T) {
		policy := Policy{Enabled: true, Method: MethodPercent, Value: 15, RoundingRule: "nearest_50"}
		lines, err := ApplyMarginToBuyEdit(pairedRow("r1", 0, 1), 0, Patch{Rate: f(1003)}, policy)
		require.NoError(t, err)
		require.True(t, lines[1].Derived)

		totals := ComputeOptionTotals([]Leg{{Charges: lines}}, nil, policy)
		require.InDelta(t, 1153.45, totals.Lines.Sell, 1e-9)
		require.InDelta(t, 1150, totals.Persisted().Sell, 1e-9)
		require.Zero(t, totals.Divergence())
		require.False(t, totals.Diverged(0.01))
	})

	t.Run("fixed add-on across rows", func(t *testing.T) {
		policy := Policy{Enabled: true, Method: MethodFixed, Value: 100}
		first, err := ApplyMarginToBuyEdit(pairedRow("r1", 0, 2), 0, Patch{Rate: f(500)}, policy)
		require.NoError(t, err)
		second, err := ApplyMarginToBuyEdit(pairedRow("r2", 0, 1), 0, Patch{Rate: f(300)}, policy)
		require.NoError(t, err)

		totals := ComputeOptionTotals([]Leg{{Charges: append(first, second...)}}, nil, policy)
		require.InDelta(t, 1600, totals.Lines.Sell, 1e-9)
		require.InDelta(t, 1400, totals.Persisted().Sell, 1e-9)
		require.False(t, totals.Diverged(0.01))
	})

	t.Run("untouched sell line", func(t *testing.T) {
		policy := Policy{Enabled: true, Method: MethodFixed, Value: 100}
		totals := ComputeOptionTotals([]Leg{{Charges: pairedRow("r1", 0, 1)}}, nil, policy)
		require.False(t, totals.Diverged(0.01))
	})
}

func TestComputeOptionTotalsCountsUnpairedManualSell(t *testing.T) {
	policy := percentPolicy(10)
	lines := pairedRow("r1", 0, 1)
	lines, err := ApplyMarginToBuyEdit(lines, 0, Patch{Rate: f(100)}, policy)
	require.NoError(t, err)
	combined := []ChargeLine{{ID: "c1", RowID: "c1", Side: SideSell, Quantity: 1, Rate: 40}}

	totals := ComputeOptionTotals([]Leg{{Charges: lines}}, combined, policy)
	require.InDelta(t, 40, totals.Divergence(), 1e-9)
	require.True(t, totals.Diverged(0.01))
	require.Zero(t, ComputeOptionTotals([]Leg{{Charges: lines}}, combined, Policy{}).Divergence())
}

func TestMarginPercent(t *testing.T) {
	require.Equal(t, 0.0, MarginPercent(Totals{}))
	require.InDelta(t, 15, MarginPercent(Totals{Buy: 1000, Sell: 1150, Margin: 150}), 1e-9)
}
