package store

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/margin"
)

func fp(v float64) *float64 { return &v }
func sp(v string) *string    { return &v }
func ip(v int32) *int32      { return &v }

func TestChargeRowCoercion(t *testing.T) {
	row := chargeRow{
		ID:       "c1",
		RowID:    sp("r1"),
		Side:     " BUY ",
		Quantity: fp(math.NaN()),
		Rate:     nil,
		Amount:   nil,
		Note:     sp("  origin "),
	}
	line, err := row.toLine()
	require.NoError(t, err)
	require.Equal(t, margin.SideBuy, line.Side)
	require.Equal(t, 0.0, line.Quantity)
	require.Equal(t, 0.0, line.Rate)
	require.Nil(t, line.Amount)
	require.Equal(t, "origin", line.Note)

	row.Amount = fp(math.Inf(1))
	line, err = row.toLine()
	require.NoError(t, err)
	require.NotNil(t, line.Amount)
	require.Equal(t, 0.0, *line.Amount)
}

func TestChargeRowRejectsUnknownSide(t *testing.T) {
	_, err := chargeRow{ID: "c1", Side: "tax"}.toLine()
	require.ErrorIs(t, err, errUnknownSide)
}

func TestChargeRowWithoutRowIDFormsOwnRow(t *testing.T) {
	line, err := chargeRow{ID: "legacy", Side: "sell", Amount: fp(12)}.toLine()
	require.NoError(t, err)
	require.Equal(t, "legacy", line.RowID)
}

func TestOptionRowCoercion(t *testing.T) {
	opt := optionRow{
		ID:            "o1",
		Name:          "Ocean",
		MarginEnabled: true,
		MarginMethod:  sp("PERCENT"),
		MarginValue:   fp(math.NaN()),
		MinMargin:     fp(-5),
		TotalSell:     fp(1150),
	}.toOption()
	require.Equal(t, margin.MethodPercent, opt.Policy.Method)
	require.Equal(t, 0.0, opt.Policy.Value)
	require.Equal(t, 0.0, opt.Policy.MinMargin)
	require.Equal(t, 1150.0, opt.Totals.Sell)

	opt = optionRow{ID: "o2", MarginMethod: sp("markup")}.toOption()
	require.Equal(t, margin.MethodNone, opt.Policy.Method)
}

func TestAttachChargesDistributesAndRenumbers(t *testing.T) {
	legs := []margin.Leg{
		{ID: "leg-a", LegOrder: 3, Charges: []margin.ChargeLine{}},
		{ID: "leg-b", LegOrder: 7, Charges: []margin.ChargeLine{}},
	}
	rows := []chargeRow{
		{ID: "1", LegID: sp("leg-a"), Side: "buy", Amount: fp(100)},
		{ID: "2", LegID: sp("leg-b"), Side: "sell", Amount: fp(200)},
		{ID: "3", Side: "buy", Amount: fp(30)},
		{ID: "4", LegID: sp("gone"), Side: "sell", Amount: fp(40)},
		{ID: "5", LegID: sp("leg-a"), Side: "refund", SortOrder: ip(1)},
	}
	var buf bytes.Buffer
	gotLegs, combined := attachCharges(legs, rows, zerolog.New(&buf), "opt")

	require.Len(t, gotLegs[0].Charges, 1)
	require.Len(t, gotLegs[1].Charges, 1)
	require.Len(t, combined, 2)
	require.Equal(t, 1, gotLegs[0].LegOrder)
	require.Equal(t, 2, gotLegs[1].LegOrder)
	require.Contains(t, buf.String(), "skipping charge row")
}

func TestLegRowDefaults(t *testing.T) {
	leg := legRow{ID: "l1", Origin: sp(" IDJKT ")}.toLeg()
	require.Equal(t, 0, leg.LegOrder)
	require.Equal(t, "IDJKT", leg.Origin)
	require.NotNil(t, leg.Charges)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(errors.New("boom")))
}

func TestHeaderArgsIncludeMarginPercentage(t *testing.T) {
	args := headerArgs(composer.Option{
		ID:     "6f1c2f9e-8d8e-4c55-9a7b-1d2d3c4b5a69",
		Name:   "Ocean",
		Totals: margin.Totals{Buy: 1000, Sell: 1150, Margin: 150},
	})
	require.Len(t, args, 14)
	require.Equal(t, "none", args[5])
	require.InDelta(t, 15.0, args[12].(float64), 1e-9)
}

func TestAmountArgKeepsNull(t *testing.T) {
	require.Nil(t, amountArg(nil))
	require.Equal(t, 0.0, amountArg(fp(math.NaN())))
	require.Nil(t, nullable(" "))
	require.Equal(t, "leg", nullable("leg"))
}
