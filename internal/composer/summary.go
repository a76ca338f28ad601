package composer

import "github.com/noah-isme/quote-composer/internal/margin"

// LegSummary is the per-leg view returned to clients.
type LegSummary struct {
	LegID    string        `json:"leg_id"`
	LegOrder int           `json:"leg_order"`
	Totals   margin.Totals `json:"totals"`
	Rows     []margin.Row  `json:"rows"`
}

// ChargesSummary is the view of the option-level combined charges.
type ChargesSummary struct {
	Totals margin.Totals `json:"totals"`
	Rows   []margin.Row  `json:"rows"`
}

// Summary bundles every derived figure for an option. It is rebuilt on each read.
type Summary struct {
	Legs          []LegSummary        `json:"legs"`
	Combined      ChargesSummary      `json:"combined"`
	Option        margin.OptionTotals `json:"option"`
	Persisted     margin.Totals       `json:"persisted"`
	MarginPercent float64             `json:"margin_percent"`
	Diverged      bool                `json:"diverged"`
}

// Summarize derives per-leg and option totals plus display rows.
func Summarize(opt Option, tolerance float64) Summary {
	legs := make([]LegSummary, 0, len(opt.Legs))
	for _, leg := range opt.Legs {
		legs = append(legs, LegSummary{
			LegID:    leg.ID,
			LegOrder: leg.LegOrder,
			Totals:   margin.ComputeLegTotals(leg.Charges),
			Rows:     margin.GroupRows(leg.Charges),
		})
	}
	totals := margin.ComputeOptionTotals(opt.Legs, opt.Combined, opt.Policy)
	persisted := totals.Persisted()
	return Summary{
		Legs: legs,
		Combined: ChargesSummary{
			Totals: margin.ComputeLegTotals(opt.Combined),
			Rows:   margin.GroupRows(opt.Combined),
		},
		Option:        totals,
		Persisted:     persisted,
		MarginPercent: margin.MarginPercent(persisted),
		Diverged:      totals.Diverged(tolerance),
	}
}
