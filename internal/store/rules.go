package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/quote-composer/internal/margin"
	"github.com/noah-isme/quote-composer/internal/marginrule"
)

// Rules persists margin rules.
type Rules struct {
	DB DB
}

// NewRules constructs a rule store backed by db.
func NewRules(db DB) *Rules {
	return &Rules{DB: db}
}

const ruleColumns = `id::text, name, adjustment_type, adjustment_value, priority, service_type, min_margin, rounding_rule, active`

type ruleRow struct {
	ID              string
	Name            string
	AdjustmentType  string
	AdjustmentValue *float64
	Priority        *int32
	ServiceType     *string
	MinMargin       *float64
	RoundingRule    *string
	Active          bool
}

func (r ruleRow) toRule() margin.Rule {
	method, ok := margin.ParseMethod(r.AdjustmentType)
	if !ok {
		method = margin.MethodNone
	}
	priority := 0
	if r.Priority != nil {
		priority = int(*r.Priority)
	}
	return margin.Rule{
		ID:              r.ID,
		Name:            r.Name,
		AdjustmentType:  method,
		AdjustmentValue: num(r.AdjustmentValue),
		Priority:        priority,
		ServiceType:     str(r.ServiceType),
		MinMargin:       num(r.MinMargin),
		RoundingRule:    str(r.RoundingRule),
		Active:          r.Active,
	}
}

func scanRule(row pgx.Row) (margin.Rule, error) {
	var r ruleRow
	if err := row.Scan(&r.ID, &r.Name, &r.AdjustmentType, &r.AdjustmentValue, &r.Priority, &r.ServiceType,
		&r.MinMargin, &r.RoundingRule, &r.Active); err != nil {
		return margin.Rule{}, err
	}
	return r.toRule(), nil
}

// ListRules returns every rule ordered by priority.
func (s *Rules) ListRules(ctx context.Context) ([]margin.Rule, error) {
	if s == nil || s.DB == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.DB.Query(ctx, `SELECT `+ruleColumns+` FROM margin_rules ORDER BY priority DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list margin rules: %w", err)
	}
	defer rows.Close()

	rules := []margin.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan margin rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRule inserts a rule. A duplicate name yields marginrule.ErrDuplicateName.
func (s *Rules) CreateRule(ctx context.Context, rule margin.Rule) (margin.Rule, error) {
	if s == nil || s.DB == nil {
		return margin.Rule{}, ErrStoreUnavailable
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	row := s.DB.QueryRow(ctx, `INSERT INTO margin_rules (id, name, adjustment_type, adjustment_value, priority, service_type,
    min_margin, rounding_rule, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING `+ruleColumns,
		rule.ID, rule.Name, string(rule.AdjustmentType), rule.AdjustmentValue, rule.Priority, rule.ServiceType,
		rule.MinMargin, rule.RoundingRule, rule.Active)
	created, err := scanRule(row)
	if err != nil {
		if isUniqueViolation(err) {
			return margin.Rule{}, marginrule.ErrDuplicateName
		}
		return margin.Rule{}, fmt.Errorf("insert margin rule: %w", err)
	}
	return created, nil
}

// UpdateRule replaces a rule's fields.
func (s *Rules) UpdateRule(ctx context.Context, rule margin.Rule) (margin.Rule, error) {
	if s == nil || s.DB == nil {
		return margin.Rule{}, ErrStoreUnavailable
	}
	if _, err := uuid.Parse(rule.ID); err != nil {
		return margin.Rule{}, marginrule.ErrNotFound
	}
	row := s.DB.QueryRow(ctx, `UPDATE margin_rules SET name = $2, adjustment_type = $3, adjustment_value = $4, priority = $5,
    service_type = $6, min_margin = $7, rounding_rule = $8, active = $9, updated_at = now()
WHERE id = $1 RETURNING `+ruleColumns,
		rule.ID, rule.Name, string(rule.AdjustmentType), rule.AdjustmentValue, rule.Priority, rule.ServiceType,
		rule.MinMargin, rule.RoundingRule, rule.Active)
	updated, err := scanRule(row)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return margin.Rule{}, marginrule.ErrNotFound
		case isUniqueViolation(err):
			return margin.Rule{}, marginrule.ErrDuplicateName
		}
		return margin.Rule{}, fmt.Errorf("update margin rule: %w", err)
	}
	return updated, nil
}

// DeleteRule removes a rule and returns what was deleted.
func (s *Rules) DeleteRule(ctx context.Context, id string) (margin.Rule, error) {
	if s == nil || s.DB == nil {
		return margin.Rule{}, ErrStoreUnavailable
	}
	if _, err := uuid.Parse(id); err != nil {
		return margin.Rule{}, marginrule.ErrNotFound
	}
	deleted, err := scanRule(s.DB.QueryRow(ctx, `DELETE FROM margin_rules WHERE id = $1 RETURNING `+ruleColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return margin.Rule{}, marginrule.ErrNotFound
		}
		return margin.Rule{}, fmt.Errorf("delete margin rule: %w", err)
	}
	return deleted, nil
}
