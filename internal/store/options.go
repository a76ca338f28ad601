package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/margin"
)

// Options persists quote options with their legs and charges.
type Options struct {
	DB     DB
	Logger zerolog.Logger
}

// NewOptions constructs an option store backed by db.
func NewOptions(db DB, logger zerolog.Logger) *Options {
	return &Options{DB: db, Logger: logger}
}

const selectOptionSQL = `SELECT id::text, name, service_type, follow_rules, margin_enabled, margin_method,
       margin_value, min_margin, rounding_rule, total_buy, total_sell, total_margin, updated_at
FROM quote_options WHERE id = $1`

const selectLegsSQL = `SELECT id::text, leg_order, service_type, origin, destination, provider
FROM quote_option_legs WHERE option_id = $1 ORDER BY leg_order, id`

const selectChargesSQL = `SELECT id::text, leg_id::text, row_id, side, category_id, basis_id, quantity, rate, amount,
       amount_overridden, unit, currency_id, note, sort_order, derived
FROM quote_option_charges WHERE option_id = $1 ORDER BY sort_order, id`

// LoadOption reads the option header, its legs and every charge line.
// Charges with an unknown side are skipped and logged.
func (s *Options) LoadOption(ctx context.Context, id string) (composer.Option, error) {
	if s == nil || s.DB == nil {
		return composer.Option{}, ErrStoreUnavailable
	}
	if _, err := uuid.Parse(id); err != nil {
		return composer.Option{}, composer.ErrOptionNotFound
	}

	var row optionRow
	err := s.DB.QueryRow(ctx, selectOptionSQL, id).Scan(
		&row.ID, &row.Name, &row.ServiceType, &row.FollowRules, &row.MarginEnabled, &row.MarginMethod,
		&row.MarginValue, &row.MinMargin, &row.RoundingRule, &row.TotalBuy, &row.TotalSell, &row.TotalMargin, &row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return composer.Option{}, composer.ErrOptionNotFound
		}
		return composer.Option{}, fmt.Errorf("load option: %w", err)
	}
	opt := row.toOption()

	legs, err := s.loadLegs(ctx, id)
	if err != nil {
		return composer.Option{}, err
	}
	charges, err := s.loadCharges(ctx, id)
	if err != nil {
		return composer.Option{}, err
	}
	opt.Legs, opt.Combined = attachCharges(legs, charges, s.Logger, id)
	return opt, nil
}

func (s *Options) loadLegs(ctx context.Context, optionID string) ([]margin.Leg, error) {
	rows, err := s.DB.Query(ctx, selectLegsSQL, optionID)
	if err != nil {
		return nil, fmt.Errorf("load legs: %w", err)
	}
	defer rows.Close()

	legs := make([]margin.Leg, 0, 4)
	for rows.Next() {
		var r legRow
		if err := rows.Scan(&r.ID, &r.LegOrder, &r.ServiceType, &r.Origin, &r.Destination, &r.Provider); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		legs = append(legs, r.toLeg())
	}
	return legs, rows.Err()
}

func (s *Options) loadCharges(ctx context.Context, optionID string) ([]chargeRow, error) {
	rows, err := s.DB.Query(ctx, selectChargesSQL, optionID)
	if err != nil {
		return nil, fmt.Errorf("load charges: %w", err)
	}
	defer rows.Close()

	out := make([]chargeRow, 0, 16)
	for rows.Next() {
		var r chargeRow
		if err := rows.Scan(&r.ID, &r.LegID, &r.RowID, &r.Side, &r.CategoryID, &r.BasisID, &r.Quantity, &r.Rate, &r.Amount,
			&r.AmountOverridden, &r.Unit, &r.CurrencyID, &r.Note, &r.SortOrder, &r.Derived); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// attachCharges distributes charge rows onto their legs. Rows without a leg, or
// pointing at a leg that no longer exists, are option-level combined charges.
func attachCharges(legs []margin.Leg, rows []chargeRow, logger zerolog.Logger, optionID string) ([]margin.Leg, []margin.ChargeLine) {
	index := make(map[string]int, len(legs))
	for i, leg := range legs {
		index[leg.ID] = i
	}
	combined := []margin.ChargeLine{}
	for _, r := range rows {
		line, err := r.toLine()
		if err != nil {
			logger.Warn().Err(err).Str("option_id", optionID).Msg("skipping charge row")
			continue
		}
		if i, ok := index[r.legID()]; ok {
			legs[i].Charges = append(legs[i].Charges, line)
			continue
		}
		combined = append(combined, line)
	}
	for i := range legs {
		legs[i].LegOrder = i + 1
	}
	return legs, combined
}

const insertOptionSQL = `INSERT INTO quote_options (id, name, service_type, follow_rules, margin_enabled, margin_method,
    margin_value, min_margin, rounding_rule, total_buy, total_sell, total_margin, margin_percentage, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`

const updateOptionSQL = `UPDATE quote_options SET name = $2, service_type = $3, follow_rules = $4, margin_enabled = $5,
    margin_method = $6, margin_value = $7, min_margin = $8, rounding_rule = $9, total_buy = $10, total_sell = $11,
    total_margin = $12, margin_percentage = $13, updated_at = $14
WHERE id = $1`

// CreateOption inserts a new option with its legs and charges.
func (s *Options) CreateOption(ctx context.Context, opt composer.Option) error {
	if s == nil || s.DB == nil {
		return ErrStoreUnavailable
	}
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertOptionSQL, headerArgs(opt)...); err != nil {
			return fmt.Errorf("insert option: %w", err)
		}
		return writeChildren(ctx, tx, opt)
	})
}

// SaveOption rewrites the option header and replaces every leg and charge in
// one transaction.
func (s *Options) SaveOption(ctx context.Context, opt composer.Option) error {
	if s == nil || s.DB == nil {
		return ErrStoreUnavailable
	}
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateOptionSQL, headerArgs(opt)...)
		if err != nil {
			return fmt.Errorf("update option: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return composer.ErrOptionNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quote_option_charges WHERE option_id = $1`, opt.ID); err != nil {
			return fmt.Errorf("delete charges: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quote_option_legs WHERE option_id = $1`, opt.ID); err != nil {
			return fmt.Errorf("delete legs: %w", err)
		}
		return writeChildren(ctx, tx, opt)
	})
}

// FollowingOptionIDs lists options that follow margin rules, narrowed to a
// service type when one is given.
func (s *Options) FollowingOptionIDs(ctx context.Context, serviceType string) ([]string, error) {
	if s == nil || s.DB == nil {
		return nil, ErrStoreUnavailable
	}
	serviceType = strings.TrimSpace(serviceType)
	rows, err := s.DB.Query(ctx, `SELECT id::text FROM quote_options
WHERE follow_rules AND ($1 = '' OR lower(service_type) = lower($1)) ORDER BY updated_at`, serviceType)
	if err != nil {
		return nil, fmt.Errorf("list following options: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func headerArgs(opt composer.Option) []any {
	method := opt.Policy.Method
	if method == "" {
		method = margin.MethodNone
	}
	return []any{
		opt.ID, opt.Name, opt.ServiceType, opt.FollowRules, opt.Policy.Enabled, string(method),
		opt.Policy.Value, opt.Policy.MinMargin, opt.Policy.RoundingRule,
		opt.Totals.Buy, opt.Totals.Sell, opt.Totals.Margin, margin.MarginPercent(opt.Totals), opt.UpdatedAt,
	}
}

const insertLegSQL = `INSERT INTO quote_option_legs (id, option_id, leg_order, service_type, origin, destination, provider)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const insertChargeSQL = `INSERT INTO quote_option_charges (id, option_id, leg_id, row_id, side, category_id, basis_id,
    quantity, rate, amount, amount_overridden, unit, currency_id, note, sort_order, derived)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

func writeChildren(ctx context.Context, tx pgx.Tx, opt composer.Option) error {
	batch := &pgx.Batch{}
	for i, leg := range opt.Legs {
		batch.Queue(insertLegSQL, leg.ID, opt.ID, i+1, leg.ServiceType, leg.Origin, leg.Destination, leg.Provider)
	}
	for _, leg := range opt.Legs {
		queueCharges(batch, opt.ID, leg.ID, leg.Charges)
	}
	queueCharges(batch, opt.ID, "", opt.Combined)
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write legs and charges: %w", err)
	}
	return nil
}

func queueCharges(batch *pgx.Batch, optionID, legID string, lines []margin.ChargeLine) {
	for _, line := range lines {
		batch.Queue(insertChargeSQL,
			line.ID, optionID, nullable(legID), line.RowID, string(line.Side), line.CategoryID, line.BasisID,
			num(&line.Quantity), num(&line.Rate), amountArg(line.Amount), line.AmountOverridden,
			line.Unit, line.CurrencyID, line.Note, line.SortOrder, line.Derived,
		)
	}
}
