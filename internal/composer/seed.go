package composer

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/quote-composer/internal/margin"
)

// balanceThreshold is the smallest gap between the quoted total and the seeded
// sell lines that gets its own balancing row.
const balanceThreshold = 0.01

// RateCharge is one charge of a carrier rate. Amount is the quoted sell total.
type RateCharge struct {
	// Leg indexes the option legs; nil places the charge in the combined rows.
	Leg        *int
	CategoryID string
	BasisID    string
	CurrencyID string
	Unit       string
	Note       string
	Quantity   float64
	Amount     float64
}

// Rate is a carrier quote used to seed a new option.
type Rate struct {
	TotalPrice float64
	CurrencyID string
	Charges    []RateCharge
}

// AddPricedRow adds a row whose sell total is known and backs the buy side out
// of it with the workspace policy. Without an active policy buy equals sell.
func (w *Workspace) AddPricedRow(legID string, meta RowMeta, quantity, sellAmount float64) (string, error) {
	rowID, err := w.AddRow(legID, meta, finiteOrZero(quantity))
	if err != nil {
		return "", err
	}
	lines, _ := w.lines(legID)
	sellAmount = finiteOrZero(sellAmount)
	buyDerived := false
	for i := range *lines {
		line := &(*lines)[i]
		if line.RowID != rowID {
			continue
		}
		sellRate := sellAmount / line.Quantity
		rate, amount := sellRate, sellAmount
		if line.Side == margin.SideBuy {
			if buy, ok := margin.DeriveBuyFromSell(sellRate, w.opt.Policy); ok {
				rate, buyDerived = buy, true
			}
			amount = rate * line.Quantity
		}
		line.Rate = rate
		line.Amount = &amount
	}
	if buyDerived {
		if idx := lineIndex(*lines, rowID, margin.SideSell); idx >= 0 {
			(*lines)[idx].Derived = true
		}
	}
	return rowID, nil
}

// SeedRate turns a carrier rate into charge rows. Charges with a zero amount are
// skipped. When the charges do not add up to the quoted total a balancing row
// is added to the first leg, and a rate without charges becomes a single
// combined Base Freight row.
func (w *Workspace) SeedRate(rate Rate) error {
	var seeded float64
	rows := 0
	for i, charge := range rate.Charges {
		amount := finiteOrZero(charge.Amount)
		if amount == 0 {
			continue
		}
		legID := ""
		if charge.Leg != nil {
			idx := *charge.Leg
			if idx < 0 || idx >= len(w.opt.Legs) {
				return fmt.Errorf("%w: charge %d references leg %d", ErrInvalidInput, i, idx)
			}
			legID = w.opt.Legs[idx].ID
		}
		meta := RowMeta{
			CategoryID: charge.CategoryID,
			BasisID:    charge.BasisID,
			CurrencyID: valueOr(charge.CurrencyID, rate.CurrencyID),
			Unit:       charge.Unit,
			Note:       charge.Note,
		}
		if _, err := w.AddPricedRow(legID, meta, charge.Quantity, amount); err != nil {
			return err
		}
		seeded += amount
		rows++
	}

	total := finiteOrZero(rate.TotalPrice)
	switch {
	case rows == 0 && total > 0:
		meta := RowMeta{CategoryID: "freight", CurrencyID: rate.CurrencyID, Note: "Base Freight"}
		if _, err := w.AddPricedRow("", meta, 1, total); err != nil {
			return err
		}
	case rows > 0 && total != 0:
		gap, _ := decimal.NewFromFloat(total - seeded).Round(2).Float64()
		if math.Abs(gap) <= balanceThreshold {
			return nil
		}
		meta := RowMeta{CategoryID: "ancillary", CurrencyID: rate.CurrencyID, Note: "Ancillary Fees"}
		if gap < 0 {
			meta = RowMeta{CategoryID: "adjustment", CurrencyID: rate.CurrencyID, Note: "Discount / Adjustment"}
		}
		if _, err := w.AddPricedRow(w.opt.Legs[0].ID, meta, 1, gap); err != nil {
			return err
		}
	}
	return nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
