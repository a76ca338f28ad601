package quote

import (
	"strings"

	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/margin"
)

type policyPayload struct {
	Enabled      bool    `json:"enabled"`
	Method       string  `json:"method" validate:"omitempty,oneof=percent fixed none"`
	Value        float64 `json:"value"`
	MinMargin    float64 `json:"min_margin" validate:"gte=0"`
	RoundingRule string  `json:"rounding_rule"`
}

func (p policyPayload) toPolicy() margin.Policy {
	method, ok := margin.ParseMethod(p.Method)
	if !ok {
		method = margin.Method(p.Method)
	}
	return margin.Policy{
		Enabled:      p.Enabled,
		Method:       method,
		Value:        p.Value,
		MinMargin:    p.MinMargin,
		RoundingRule: strings.ToLower(strings.TrimSpace(p.RoundingRule)),
	}
}

type legPayload struct {
	ServiceType string `json:"service_type" validate:"max=64"`
	Origin      string `json:"origin" validate:"max=128"`
	Destination string `json:"destination" validate:"max=128"`
	Provider    string `json:"provider" validate:"max=128"`
}

func (p legPayload) toInput() composer.LegInput {
	return composer.LegInput{
		ServiceType: p.ServiceType,
		Origin:      p.Origin,
		Destination: p.Destination,
		Provider:    p.Provider,
	}
}

type createOptionPayload struct {
	Name        string         `json:"name" validate:"required,max=200"`
	ServiceType string         `json:"service_type" validate:"max=64"`
	FollowRules bool           `json:"follow_rules"`
	Policy      *policyPayload `json:"policy"`
	FirstLeg    *legPayload    `json:"first_leg"`
	Legs        []legPayload   `json:"legs" validate:"max=20,dive"`
	Rate        *ratePayload   `json:"rate"`
}

type rateChargePayload struct {
	Leg        *int    `json:"leg" validate:"omitempty,gte=0"`
	CategoryID string  `json:"category_id" validate:"max=64"`
	BasisID    string  `json:"basis_id" validate:"max=64"`
	CurrencyID string  `json:"currency_id" validate:"max=16"`
	Unit       string  `json:"unit" validate:"max=64"`
	Note       string  `json:"note" validate:"max=500"`
	Quantity   float64 `json:"quantity" validate:"gte=0"`
	Amount     float64 `json:"amount"`
}

type ratePayload struct {
	TotalPrice float64             `json:"total_price"`
	CurrencyID string              `json:"currency_id" validate:"max=16"`
	Charges    []rateChargePayload `json:"charges" validate:"max=200,dive"`
}

func (p ratePayload) toRate() composer.Rate {
	rate := composer.Rate{
		TotalPrice: p.TotalPrice,
		CurrencyID: p.CurrencyID,
		Charges:    make([]composer.RateCharge, 0, len(p.Charges)),
	}
	for _, c := range p.Charges {
		rate.Charges = append(rate.Charges, composer.RateCharge{
			Leg:        c.Leg,
			CategoryID: c.CategoryID,
			BasisID:    c.BasisID,
			CurrencyID: c.CurrencyID,
			Unit:       c.Unit,
			Note:       c.Note,
			Quantity:   c.Quantity,
			Amount:     c.Amount,
		})
	}
	return rate
}

func (p createOptionPayload) toInput() composer.CreateInput {
	in := composer.CreateInput{
		Name:        p.Name,
		ServiceType: p.ServiceType,
		FollowRules: p.FollowRules,
	}
	if p.Policy != nil {
		policy := p.Policy.toPolicy()
		in.Policy = &policy
	}
	if p.FirstLeg != nil {
		in.FirstLeg = p.FirstLeg.toInput()
	}
	for _, leg := range p.Legs {
		in.Legs = append(in.Legs, leg.toInput())
	}
	if p.Rate != nil {
		rate := p.Rate.toRate()
		in.Rate = &rate
	}
	return in
}

type setPolicyPayload struct {
	policyPayload
	FollowRules bool `json:"follow_rules"`
}

type metaPayload struct {
	CategoryID string `json:"category_id" validate:"max=64"`
	BasisID    string `json:"basis_id" validate:"max=64"`
	CurrencyID string `json:"currency_id" validate:"max=16"`
	Unit       string `json:"unit" validate:"max=64"`
	Note       string `json:"note" validate:"max=500"`
}

func (p metaPayload) toMeta() composer.RowMeta {
	return composer.RowMeta{
		CategoryID: p.CategoryID,
		BasisID:    p.BasisID,
		CurrencyID: p.CurrencyID,
		Unit:       p.Unit,
		Note:       p.Note,
	}
}

type addRowPayload struct {
	metaPayload
	LegID    string  `json:"leg_id"`
	Quantity float64 `json:"quantity" validate:"gte=0"`
}

type linePatchPayload struct {
	Rate     *float64 `json:"rate"`
	Quantity *float64 `json:"quantity" validate:"omitempty,gte=0"`
	Amount   *float64 `json:"amount"`
}

func (p linePatchPayload) toPatch() margin.Patch {
	return margin.Patch{Rate: p.Rate, Quantity: p.Quantity, Amount: p.Amount}
}

func (p linePatchPayload) empty() bool {
	return p.Rate == nil && p.Quantity == nil && p.Amount == nil
}

type previewLeg struct {
	ID      string              `json:"id"`
	Charges []margin.ChargeLine `json:"charges"`
}

type previewPayload struct {
	Legs     []previewLeg        `json:"legs"`
	Combined []margin.ChargeLine `json:"combined"`
	Policy   policyPayload       `json:"policy"`
}

type optionResponse struct {
	Option  composer.Option  `json:"option"`
	Summary composer.Summary `json:"summary"`
}
