package composer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/quote-composer/internal/margin"
)

var (
	// ErrOptionNotFound indicates the requested quote option does not exist.
	ErrOptionNotFound = errors.New("quote option not found")
	// ErrLegNotFound indicates the requested leg does not belong to the option.
	ErrLegNotFound = errors.New("leg not found")
	// ErrRowNotFound indicates the requested charge row does not exist in the leg.
	ErrRowNotFound = errors.New("charge row not found")
	// ErrLastLeg is returned when removing the only remaining leg of an option.
	ErrLastLeg = errors.New("an option must keep at least one leg")
)

// Option is the in-memory state of one quote option.
type Option struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	ServiceType string              `json:"service_type,omitempty"`
	FollowRules bool                `json:"follow_rules"`
	Policy      margin.Policy       `json:"policy"`
	Legs        []margin.Leg        `json:"legs"`
	Combined    []margin.ChargeLine `json:"combined"`
	Totals      margin.Totals       `json:"totals"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// LegInput carries the descriptive fields of a leg.
type LegInput struct {
	ServiceType string
	Origin      string
	Destination string
	Provider    string
}

// RowMeta carries the classification fields shared by both sides of a row.
type RowMeta struct {
	CategoryID string
	BasisID    string
	CurrencyID string
	Unit       string
	Note       string
}

// Saver persists a workspace snapshot together with the option header totals.
type Saver interface {
	SaveOption(ctx context.Context, opt Option) error
}

// Workspace owns the legs and charges of one option between load and flush.
type Workspace struct {
	opt   Option
	dirty bool
	NewID func() string
}

// NewWorkspace wraps a loaded option. An option without legs gets its first leg.
func NewWorkspace(opt Option) *Workspace {
	w := &Workspace{opt: cloneOption(opt)}
	if len(w.opt.Legs) == 0 {
		w.AddLeg(LegInput{ServiceType: opt.ServiceType})
	}
	return w
}

// Option returns a copy of the current state.
func (w *Workspace) Option() Option {
	return cloneOption(w.opt)
}

// Dirty reports whether the workspace holds changes not yet flushed.
func (w *Workspace) Dirty() bool {
	return w.dirty
}

// Policy returns the active margin policy.
func (w *Workspace) Policy() margin.Policy {
	return w.opt.Policy
}

// AddLeg appends a leg after the existing ones.
func (w *Workspace) AddLeg(in LegInput) margin.Leg {
	leg := margin.Leg{
		ID:          w.newID(),
		LegOrder:    len(w.opt.Legs) + 1,
		ServiceType: strings.TrimSpace(in.ServiceType),
		Origin:      strings.TrimSpace(in.Origin),
		Destination: strings.TrimSpace(in.Destination),
		Provider:    strings.TrimSpace(in.Provider),
		Charges:     []margin.ChargeLine{},
	}
	w.opt.Legs = append(w.opt.Legs, leg)
	w.dirty = true
	return leg
}

// UpdateLeg replaces the descriptive fields of a leg.
func (w *Workspace) UpdateLeg(legID string, in LegInput) error {
	idx := w.legIndex(legID)
	if idx < 0 {
		return ErrLegNotFound
	}
	leg := &w.opt.Legs[idx]
	leg.ServiceType = strings.TrimSpace(in.ServiceType)
	leg.Origin = strings.TrimSpace(in.Origin)
	leg.Destination = strings.TrimSpace(in.Destination)
	leg.Provider = strings.TrimSpace(in.Provider)
	w.dirty = true
	return nil
}

// RemoveLeg deletes a leg with all of its charges and renumbers the rest.
func (w *Workspace) RemoveLeg(legID string) error {
	idx := w.legIndex(legID)
	if idx < 0 {
		return ErrLegNotFound
	}
	if len(w.opt.Legs) == 1 {
		return ErrLastLeg
	}
	w.opt.Legs = append(w.opt.Legs[:idx], w.opt.Legs[idx+1:]...)
	for i := range w.opt.Legs {
		w.opt.Legs[i].LegOrder = i + 1
	}
	w.dirty = true
	return nil
}

// AddRow creates a paired buy and sell line. An empty legID targets the
// combined charges of the option. The new row id is returned.
func (w *Workspace) AddRow(legID string, meta RowMeta, quantity float64) (string, error) {
	lines, err := w.lines(legID)
	if err != nil {
		return "", err
	}
	if quantity <= 0 {
		quantity = 1
	}
	rowID := w.newID()
	order := nextSortOrder(*lines)
	zero := 0.0
	for _, side := range []margin.Side{margin.SideBuy, margin.SideSell} {
		amount := zero
		line := margin.ChargeLine{
			ID:         w.newID(),
			RowID:      rowID,
			Side:       side,
			Quantity:   quantity,
			Amount:     &amount,
			SortOrder:  order,
			CategoryID: strings.TrimSpace(meta.CategoryID),
			BasisID:    strings.TrimSpace(meta.BasisID),
			CurrencyID: strings.TrimSpace(meta.CurrencyID),
			Unit:       strings.TrimSpace(meta.Unit),
			Note:       strings.TrimSpace(meta.Note),
		}
		*lines = append(*lines, line)
	}
	w.dirty = true
	return rowID, nil
}

// LocateRow returns the leg holding rowID. An empty leg id means the row is a
// combined charge.
func (w *Workspace) LocateRow(rowID string) (string, error) {
	for _, leg := range w.opt.Legs {
		for _, line := range leg.Charges {
			if line.RowID == rowID {
				return leg.ID, nil
			}
		}
	}
	for _, line := range w.opt.Combined {
		if line.RowID == rowID {
			return "", nil
		}
	}
	return "", ErrRowNotFound
}

// EditBuy applies a buy-side edit and lets the policy re-derive the sell side.
func (w *Workspace) EditBuy(legID, rowID string, patch margin.Patch) error {
	lines, err := w.lines(legID)
	if err != nil {
		return err
	}
	idx := lineIndex(*lines, rowID, margin.SideBuy)
	if idx < 0 {
		return ErrRowNotFound
	}
	updated, err := margin.ApplyMarginToBuyEdit(*lines, idx, patch, w.opt.Policy)
	if err != nil {
		return err
	}
	*lines = updated
	w.dirty = true
	return nil
}

// EditSell applies a manual sell-side edit.
func (w *Workspace) EditSell(legID, rowID string, patch margin.Patch) error {
	lines, err := w.lines(legID)
	if err != nil {
		return err
	}
	idx := lineIndex(*lines, rowID, margin.SideSell)
	if idx < 0 {
		return ErrRowNotFound
	}
	updated, err := margin.ApplySellEdit(*lines, idx, patch)
	if err != nil {
		return err
	}
	*lines = updated
	w.dirty = true
	return nil
}

// EditRow updates the classification fields on both sides of a row.
func (w *Workspace) EditRow(legID, rowID string, meta RowMeta) error {
	lines, err := w.lines(legID)
	if err != nil {
		return err
	}
	found := false
	for i := range *lines {
		line := &(*lines)[i]
		if line.RowID != rowID {
			continue
		}
		line.CategoryID = strings.TrimSpace(meta.CategoryID)
		line.BasisID = strings.TrimSpace(meta.BasisID)
		line.CurrencyID = strings.TrimSpace(meta.CurrencyID)
		line.Unit = strings.TrimSpace(meta.Unit)
		line.Note = strings.TrimSpace(meta.Note)
		found = true
	}
	if !found {
		return ErrRowNotFound
	}
	w.dirty = true
	return nil
}

// RemoveRow deletes both sides of a row.
func (w *Workspace) RemoveRow(legID, rowID string) error {
	lines, err := w.lines(legID)
	if err != nil {
		return err
	}
	kept := (*lines)[:0]
	removed := 0
	for _, line := range *lines {
		if line.RowID == rowID {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return ErrRowNotFound
	}
	*lines = kept
	w.dirty = true
	return nil
}

// SetPolicy replaces the margin policy. Existing lines are not re-derived; the
// policy applies from the next buy edit onwards and to the option totals.
func (w *Workspace) SetPolicy(p margin.Policy, followRules bool) error {
	if p.Method == "" {
		p.Method = margin.MethodNone
	}
	if err := p.Validate(); err != nil {
		return err
	}
	w.opt.Policy = p
	w.opt.FollowRules = followRules
	w.dirty = true
	return nil
}

// Touch marks the workspace dirty so the next flush rewrites the option header.
func (w *Workspace) Touch() {
	w.dirty = true
}

// Flush persists the workspace when dirty and returns the computed totals.
func (w *Workspace) Flush(ctx context.Context, saver Saver, now time.Time) (margin.OptionTotals, error) {
	totals := margin.ComputeOptionTotals(w.opt.Legs, w.opt.Combined, w.opt.Policy)
	if !w.dirty {
		return totals, nil
	}
	if saver == nil {
		return totals, errors.New("composer: saver not configured")
	}
	snapshot := cloneOption(w.opt)
	snapshot.Totals = totals.Persisted()
	snapshot.UpdatedAt = now
	if err := saver.SaveOption(ctx, snapshot); err != nil {
		return totals, err
	}
	w.opt.Totals = snapshot.Totals
	w.opt.UpdatedAt = now
	w.dirty = false
	return totals, nil
}

func (w *Workspace) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

func (w *Workspace) legIndex(legID string) int {
	for i, leg := range w.opt.Legs {
		if leg.ID == legID {
			return i
		}
	}
	return -1
}

func (w *Workspace) lines(legID string) (*[]margin.ChargeLine, error) {
	if strings.TrimSpace(legID) == "" {
		return &w.opt.Combined, nil
	}
	idx := w.legIndex(legID)
	if idx < 0 {
		return nil, ErrLegNotFound
	}
	return &w.opt.Legs[idx].Charges, nil
}

func lineIndex(lines []margin.ChargeLine, rowID string, side margin.Side) int {
	for i, line := range lines {
		if line.RowID == rowID && line.Side == side {
			return i
		}
	}
	return -1
}

func nextSortOrder(lines []margin.ChargeLine) int {
	max := 0
	for _, line := range lines {
		if line.SortOrder > max {
			max = line.SortOrder
		}
	}
	return max + 1
}

func cloneOption(opt Option) Option {
	out := opt
	out.Legs = make([]margin.Leg, len(opt.Legs))
	for i, leg := range opt.Legs {
		out.Legs[i] = leg
		out.Legs[i].Charges = cloneLines(leg.Charges)
	}
	out.Combined = cloneLines(opt.Combined)
	return out
}

func cloneLines(lines []margin.ChargeLine) []margin.ChargeLine {
	out := make([]margin.ChargeLine, len(lines))
	for i, line := range lines {
		out[i] = line
		if line.Amount != nil {
			amount := *line.Amount
			out[i].Amount = &amount
		}
	}
	return out
}
