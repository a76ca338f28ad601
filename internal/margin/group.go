package margin

import "sort"

// RowKey is the composite display key pairing buy and sell lines.
type RowKey struct {
	CategoryID string `json:"category_id"`
	BasisID    string `json:"basis_id"`
	CurrencyID string `json:"currency_id"`
	Unit       string `json:"unit"`
	Note       string `json:"note"`
}

// KeyOf returns the display key for a line.
func KeyOf(l ChargeLine) RowKey {
	return RowKey{
		CategoryID: l.CategoryID,
		BasisID:    l.BasisID,
		CurrencyID: l.CurrencyID,
		Unit:       l.Unit,
		Note:       l.Note,
	}
}

// Row presents one buy line and one sell line side by side.
type Row struct {
	Key    RowKey      `json:"key"`
	Buy    *ChargeLine `json:"buy,omitempty"`
	Sell   *ChargeLine `json:"sell,omitempty"`
	Margin float64     `json:"margin"`
}

// GroupRows pairs lines sharing a RowKey into display rows. Lines are visited in
// SortOrder; a second line for an already filled side opens a new row.
func GroupRows(lines []ChargeLine) []Row {
	ordered := cloneLines(lines)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SortOrder < ordered[j].SortOrder })

	rows := make([]Row, 0, len(ordered))
	for i := range ordered {
		line := ordered[i]
		if line.Side != SideBuy && line.Side != SideSell {
			continue
		}
		key := KeyOf(line)
		slot := -1
		for r := range rows {
			if rows[r].Key != key {
				continue
			}
			if (line.Side == SideBuy && rows[r].Buy == nil) || (line.Side == SideSell && rows[r].Sell == nil) {
				slot = r
				break
			}
		}
		if slot < 0 {
			rows = append(rows, Row{Key: key})
			slot = len(rows) - 1
		}
		switch line.Side {
		case SideBuy:
			rows[slot].Buy = &line
		case SideSell:
			rows[slot].Sell = &line
		}
	}
	for r := range rows {
		var buy, sell float64
		if rows[r].Buy != nil {
			buy = rows[r].Buy.Total()
		}
		if rows[r].Sell != nil {
			sell = rows[r].Sell.Total()
		}
		rows[r].Margin = sell - buy
	}
	return rows
}
