package composer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quote-composer/internal/margin"
)

func intPtr(v int) *int { return &v }

func TestSeedRateBacksBuyOutOfSell(t *testing.T) {
	policy := margin.Policy{Enabled: true, Method: margin.MethodPercent, Value: 15}
	ws := newTestWorkspace(policy)
	err := ws.SeedRate(Rate{
		TotalPrice: 1265,
		CurrencyID: "usd",
		Charges: []RateCharge{
			{Leg: intPtr(0), CategoryID: "freight", Unit: "1x40HC", Quantity: 2, Amount: 1150},
			{CategoryID: "docs", Amount: 115},
		},
	})
	require.NoError(t, err)

	opt := ws.Option()
	lines := opt.Legs[0].Charges
	require.Len(t, lines, 2)
	require.Equal(t, margin.SideBuy, lines[0].Side)
	require.InDelta(t, 500, lines[0].Rate, 1e-9)
	require.InDelta(t, 1000, lines[0].Total(), 1e-9)
	require.Equal(t, 2.0, lines[1].Quantity)
	require.InDelta(t, 575, lines[1].Rate, 1e-9)
	require.Equal(t, 1150.0, lines[1].Total())
	require.True(t, lines[1].Derived)
	require.Equal(t, "usd", lines[1].CurrencyID)
	require.Equal(t, lines[0].RowID, lines[1].RowID)

	require.Len(t, opt.Combined, 2)
	require.InDelta(t, 100, opt.Combined[0].Total(), 1e-9)

	summary := Summarize(opt, 0.01)
	require.InDelta(t, 1100, summary.Option.Lines.Buy, 1e-9)
	require.InDelta(t, 1265, summary.Option.Lines.Sell, 1e-9)
	require.False(t, summary.Diverged)
}

func TestSeedRateBaseFreightFallback(t *testing.T) {
	ws := newTestWorkspace(margin.Policy{Enabled: true, Method: margin.MethodFixed, Value: 300})
	require.NoError(t, ws.SeedRate(Rate{TotalPrice: 2300, CurrencyID: "usd", Charges: []RateCharge{{Amount: 0}}}))

	opt := ws.Option()
	require.Empty(t, opt.Legs[0].Charges)
	require.Len(t, opt.Combined, 2)
	require.Equal(t, "Base Freight", opt.Combined[0].Note)
	require.Equal(t, "freight", opt.Combined[0].CategoryID)
	require.Equal(t, 2000.0, opt.Combined[0].Total())
	require.Equal(t, 2300.0, opt.Combined[1].Total())
}

func TestSeedRateBalancesAgainstQuotedTotal(t *testing.T) {
	cases := []struct {
		name     string
		total    float64
		note     string
		category string
		amount   float64
	}{
		{name: "unitemized surcharge", total: 1100, note: "Ancillary Fees", category: "ancillary", amount: 100},
		{name: "bundle discount", total: 900, note: "Discount / Adjustment", category: "adjustment", amount: -100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := newTestWorkspace(margin.Policy{})
			err := ws.SeedRate(Rate{TotalPrice: tc.total, Charges: []RateCharge{
				{Leg: intPtr(0), CategoryID: "freight", Amount: 600},
				{Leg: intPtr(0), CategoryID: "thc", Amount: 400},
			}})
			require.NoError(t, err)

			lines := ws.Option().Legs[0].Charges
			require.Len(t, lines, 6)
			balance := lines[5]
			require.Equal(t, tc.note, balance.Note)
			require.Equal(t, tc.category, balance.CategoryID)
			require.Equal(t, tc.amount, balance.Total())
			// without a policy the buy side mirrors the sell side
			require.Equal(t, tc.amount, lines[4].Total())
			require.False(t, balance.Derived)
		})
	}
}

func TestSeedRateWithinToleranceAddsNoBalance(t *testing.T) {
	ws := newTestWorkspace(margin.Policy{})
	require.NoError(t, ws.SeedRate(Rate{TotalPrice: 1000.004, Charges: []RateCharge{{Leg: intPtr(0), Amount: 1000}}}))
	require.Len(t, ws.Option().Legs[0].Charges, 2)
}

func TestSeedRateRejectsUnknownLeg(t *testing.T) {
	ws := newTestWorkspace(margin.Policy{})
	err := ws.SeedRate(Rate{Charges: []RateCharge{{Leg: intPtr(3), Amount: 10}}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestServiceCreateSeedsFromRate(t *testing.T) {
	store := newMemoryStore()
	svc, _ := newTestService(store)
	policy := margin.Policy{Enabled: true, Method: margin.MethodPercent, Value: 15, RoundingRule: "nearest_50"}

	opt, summary, err := svc.Create(context.Background(), CreateInput{
		Name:        "Carrier rate",
		ServiceType: "ocean",
		Policy:      &policy,
		Legs: []LegInput{
			{ServiceType: "trucking", Origin: "Cikarang", Destination: "IDJKT"},
			{Origin: "IDJKT", Destination: "SGSIN"},
		},
		Rate: &Rate{TotalPrice: 1380, Charges: []RateCharge{
			{Leg: intPtr(0), CategoryID: "pickup", Amount: 230},
			{Leg: intPtr(1), CategoryID: "freight", Amount: 1150},
		}},
	})
	require.NoError(t, err)
	require.Len(t, opt.Legs, 2)
	require.Equal(t, "trucking", opt.Legs[0].ServiceType)
	require.Equal(t, "ocean", opt.Legs[1].ServiceType)
	require.Equal(t, 2, opt.Legs[1].LegOrder)
	require.Len(t, opt.Legs[0].Charges, 2)
	require.Len(t, opt.Legs[1].Charges, 2)

	// buy 200 + 1000 = 1200, policy sell 1380 rounds to 1400
	require.InDelta(t, 1200, opt.Totals.Buy, 1e-9)
	require.InDelta(t, 1400, opt.Totals.Sell, 1e-9)
	require.False(t, summary.Diverged)

	stored, err := store.LoadOption(context.Background(), opt.ID)
	require.NoError(t, err)
	require.Equal(t, opt.Totals, stored.Totals)

	_, _, err = svc.Create(context.Background(), CreateInput{
		Name: "Bad leg",
		Rate: &Rate{Charges: []RateCharge{{Leg: intPtr(1), Amount: 5}}},
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}
