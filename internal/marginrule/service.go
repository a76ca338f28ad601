package marginrule

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/quote-composer/internal/cache"
	"github.com/noah-isme/quote-composer/internal/margin"
	"github.com/noah-isme/quote-composer/internal/obs"
)

var (
	// ErrNotFound indicates the margin rule does not exist.
	ErrNotFound = errors.New("margin rule not found")
	// ErrDuplicateName indicates another rule already uses the name.
	ErrDuplicateName = errors.New("margin rule name already exists")
)

// Store persists margin rules.
type Store interface {
	ListRules(ctx context.Context) ([]margin.Rule, error)
	CreateRule(ctx context.Context, rule margin.Rule) (margin.Rule, error)
	UpdateRule(ctx context.Context, rule margin.Rule) (margin.Rule, error)
	DeleteRule(ctx context.Context, id string) (margin.Rule, error)
}

// Enqueuer schedules recomputation of the options affected by a rule change.
// An empty service type means every option that follows rules.
type Enqueuer interface {
	EnqueueRecomputeScope(ctx context.Context, serviceType string) error
}

// Service manages margin rules and resolves the policy they assign.
type Service struct {
	Store    Store
	Cache    *cache.JSON
	Enqueuer Enqueuer
	Fallback margin.Policy
	Logger   zerolog.Logger
}

// List returns every rule, served from cache when possible.
func (s *Service) List(ctx context.Context) ([]margin.Rule, error) {
	if s == nil || s.Store == nil {
		return nil, errors.New("margin rule service not configured")
	}
	var rules []margin.Rule
	hit, err := s.Cache.Get(ctx, cache.MarginRulesKey, &rules)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("margin rule cache read failed")
	}
	if hit {
		countCache("hit")
		return rules, nil
	}
	countCache("miss")

	rules, err = s.Store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.Set(ctx, cache.MarginRulesKey, rules); err != nil {
		s.Logger.Warn().Err(err).Msg("margin rule cache write failed")
	}
	return rules, nil
}

// Resolve returns the policy that applies to serviceType, or the fallback when no rule matches.
func (s *Service) Resolve(ctx context.Context, serviceType string) (margin.Policy, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return margin.Policy{}, err
	}
	return margin.ResolvePolicy(rules, serviceType, s.Fallback), nil
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, rule margin.Rule) (margin.Rule, error) {
	if s == nil || s.Store == nil {
		return margin.Rule{}, errors.New("margin rule service not configured")
	}
	rule = normalise(rule)
	if err := rule.Validate(); err != nil {
		return margin.Rule{}, err
	}
	created, err := s.Store.CreateRule(ctx, rule)
	if err != nil {
		return margin.Rule{}, err
	}
	s.changed(ctx, created.ServiceType, "created", created.ID)
	return created, nil
}

// Update validates and replaces an existing rule.
func (s *Service) Update(ctx context.Context, rule margin.Rule) (margin.Rule, error) {
	if s == nil || s.Store == nil {
		return margin.Rule{}, errors.New("margin rule service not configured")
	}
	rule = normalise(rule)
	if err := rule.Validate(); err != nil {
		return margin.Rule{}, err
	}
	updated, err := s.Store.UpdateRule(ctx, rule)
	if err != nil {
		return margin.Rule{}, err
	}
	// The previous scope is unknown here, so every following option is refreshed.
	s.changed(ctx, "", "updated", updated.ID)
	return updated, nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s == nil || s.Store == nil {
		return errors.New("margin rule service not configured")
	}
	deleted, err := s.Store.DeleteRule(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	s.changed(ctx, deleted.ServiceType, "deleted", deleted.ID)
	return nil
}

func (s *Service) changed(ctx context.Context, serviceType, action, id string) {
	if err := s.Cache.Delete(ctx, cache.MarginRulesKey); err != nil {
		s.Logger.Warn().Err(err).Msg("margin rule cache invalidation failed")
	}
	s.Logger.Info().Str("rule_id", id).Str("action", action).Str("service_type", serviceType).Msg("margin rule changed")
	if s.Enqueuer == nil {
		return
	}
	if err := s.Enqueuer.EnqueueRecomputeScope(ctx, serviceType); err != nil {
		s.Logger.Error().Err(err).Str("rule_id", id).Msg("enqueue option recompute")
	}
}

func normalise(rule margin.Rule) margin.Rule {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.ServiceType = strings.TrimSpace(rule.ServiceType)
	rule.RoundingRule = strings.ToLower(strings.TrimSpace(rule.RoundingRule))
	if method, ok := margin.ParseMethod(string(rule.AdjustmentType)); ok {
		rule.AdjustmentType = method
	}
	return rule
}

func countCache(result string) {
	if obs.MarginRuleCacheTotal != nil {
		obs.MarginRuleCacheTotal.WithLabelValues(result).Inc()
	}
}

// IsValidationError reports whether err came from rule validation.
func IsValidationError(err error) bool {
	return errors.Is(err, margin.ErrInvalidRule)
}
