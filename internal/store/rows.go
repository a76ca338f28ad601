package store

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/margin"
)

// errUnknownSide marks a persisted charge whose side is neither buy nor sell.
var errUnknownSide = errors.New("store: unknown charge side")

// optionRow mirrors a quote_options row as scanned from the database.
type optionRow struct {
	ID            string
	Name          string
	ServiceType   *string
	FollowRules   bool
	MarginEnabled bool
	MarginMethod  *string
	MarginValue   *float64
	MinMargin     *float64
	RoundingRule  *string
	TotalBuy      *float64
	TotalSell     *float64
	TotalMargin   *float64
	UpdatedAt     time.Time
}

func (r optionRow) toOption() composer.Option {
	method, ok := margin.ParseMethod(str(r.MarginMethod))
	if !ok {
		method = margin.MethodNone
	}
	return composer.Option{
		ID:          r.ID,
		Name:        r.Name,
		ServiceType: str(r.ServiceType),
		FollowRules: r.FollowRules,
		Policy: margin.Policy{
			Enabled:      r.MarginEnabled,
			Method:       method,
			Value:        num(r.MarginValue),
			MinMargin:    math.Max(0, num(r.MinMargin)),
			RoundingRule: str(r.RoundingRule),
		},
		Totals: margin.Totals{
			Buy:    num(r.TotalBuy),
			Sell:   num(r.TotalSell),
			Margin: num(r.TotalMargin),
		},
		UpdatedAt: r.UpdatedAt,
	}
}

// legRow mirrors a quote_option_legs row.
type legRow struct {
	ID          string
	LegOrder    *int32
	ServiceType *string
	Origin      *string
	Destination *string
	Provider    *string
}

func (r legRow) toLeg() margin.Leg {
	order := 0
	if r.LegOrder != nil {
		order = int(*r.LegOrder)
	}
	return margin.Leg{
		ID:          r.ID,
		LegOrder:    order,
		ServiceType: str(r.ServiceType),
		Origin:      str(r.Origin),
		Destination: str(r.Destination),
		Provider:    str(r.Provider),
		Charges:     []margin.ChargeLine{},
	}
}

// chargeRow mirrors a quote_option_charges row. Numeric columns are nullable.
type chargeRow struct {
	ID               string
	LegID            *string
	RowID            *string
	Side             string
	CategoryID       *string
	BasisID          *string
	Quantity         *float64
	Rate             *float64
	Amount           *float64
	AmountOverridden bool
	Unit             *string
	CurrencyID       *string
	Note             *string
	SortOrder        *int32
	Derived          bool
}

// toLine coerces a raw row into a charge line. Missing or non-finite numbers
// become 0, a missing amount stays missing and an unknown side is rejected.
func (r chargeRow) toLine() (margin.ChargeLine, error) {
	side, ok := margin.ParseSide(r.Side)
	if !ok {
		return margin.ChargeLine{}, fmt.Errorf("%w: charge %s has side %q", errUnknownSide, r.ID, r.Side)
	}
	line := margin.ChargeLine{
		ID:               r.ID,
		RowID:            str(r.RowID),
		Side:             side,
		CategoryID:       str(r.CategoryID),
		BasisID:          str(r.BasisID),
		Quantity:         num(r.Quantity),
		Rate:             num(r.Rate),
		AmountOverridden: r.AmountOverridden,
		Unit:             str(r.Unit),
		CurrencyID:       str(r.CurrencyID),
		Note:             str(r.Note),
		Derived:          r.Derived,
	}
	if r.Amount != nil {
		amount := num(r.Amount)
		line.Amount = &amount
	}
	if r.SortOrder != nil {
		line.SortOrder = int(*r.SortOrder)
	}
	if line.RowID == "" {
		line.RowID = line.ID
	}
	return line, nil
}

func (r chargeRow) legID() string {
	return str(r.LegID)
}

func num(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

func str(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func amountArg(v *float64) any {
	if v == nil {
		return nil
	}
	return num(v)
}
