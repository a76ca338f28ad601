package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/quote-composer/internal/margin"
	"github.com/noah-isme/quote-composer/internal/obs"
)

// ErrInvalidInput is returned when the provided payload is invalid.
var ErrInvalidInput = errors.New("invalid input")

// Store loads and persists quote options.
type Store interface {
	Saver
	LoadOption(ctx context.Context, id string) (Option, error)
	CreateOption(ctx context.Context, opt Option) error
}

// Locker serialises work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// PolicyResolver returns the margin policy that rules assign to a service type.
type PolicyResolver interface {
	Resolve(ctx context.Context, serviceType string) (margin.Policy, error)
}

// CreateInput describes a new quote option.
type CreateInput struct {
	Name        string
	ServiceType string
	FollowRules bool
	Policy      *margin.Policy
	FirstLeg    LegInput
	// Legs, when set, replaces FirstLeg with the full ordered leg list.
	Legs []LegInput
	// Rate seeds charge rows from a carrier quote.
	Rate *Rate
}

// Service coordinates load, edit and flush of quote options.
type Service struct {
	Store               Store
	Locker              Locker
	Rules               PolicyResolver
	DefaultPolicy       margin.Policy
	LockTTL             time.Duration
	DivergenceTolerance float64
	Logger              zerolog.Logger
	Now                 func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) lockTTL() time.Duration {
	if s == nil || s.LockTTL <= 0 {
		return 10 * time.Second
	}
	return s.LockTTL
}

func (s *Service) tolerance() float64 {
	if s == nil || s.DivergenceTolerance <= 0 {
		return 0.01
	}
	return s.DivergenceTolerance
}

// Create stores a new option with its legs, seeding charges from the carrier
// rate when one is given.
func (s *Service) Create(ctx context.Context, in CreateInput) (Option, Summary, error) {
	if s == nil || s.Store == nil {
		return Option{}, Summary{}, errors.New("composer service not configured")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Option{}, Summary{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	policy, err := s.initialPolicy(ctx, in)
	if err != nil {
		return Option{}, Summary{}, err
	}
	legs := append([]LegInput(nil), in.Legs...)
	if len(legs) == 0 {
		legs = []LegInput{in.FirstLeg}
	}
	for i := range legs {
		if strings.TrimSpace(legs[i].ServiceType) == "" {
			legs[i].ServiceType = in.ServiceType
		}
	}
	ws := NewWorkspace(Option{
		ID:          uuid.NewString(),
		Name:        name,
		ServiceType: strings.TrimSpace(in.ServiceType),
		FollowRules: in.FollowRules,
		Policy:      policy,
		Legs:        []margin.Leg{},
	})
	opt := ws.Option()
	if err := ws.UpdateLeg(opt.Legs[0].ID, legs[0]); err != nil {
		return Option{}, Summary{}, err
	}
	for _, leg := range legs[1:] {
		ws.AddLeg(leg)
	}
	if in.Rate != nil {
		if err := ws.SeedRate(*in.Rate); err != nil {
			return Option{}, Summary{}, err
		}
	}
	opt = ws.Option()
	opt.Totals = margin.ComputeOptionTotals(opt.Legs, opt.Combined, opt.Policy).Persisted()
	opt.UpdatedAt = s.now()
	if err := s.Store.CreateOption(ctx, opt); err != nil {
		return Option{}, Summary{}, fmt.Errorf("create option: %w", err)
	}
	s.Logger.Info().Str("option_id", opt.ID).Str("service_type", opt.ServiceType).Msg("quote option created")
	return opt, Summarize(opt, s.tolerance()), nil
}

// Get loads an option and derives its summary.
func (s *Service) Get(ctx context.Context, id string) (Option, Summary, error) {
	if s == nil || s.Store == nil {
		return Option{}, Summary{}, errors.New("composer service not configured")
	}
	opt, err := s.Store.LoadOption(ctx, id)
	if err != nil {
		return Option{}, Summary{}, err
	}
	ws := NewWorkspace(opt)
	opt = ws.Option()
	return opt, Summarize(opt, s.tolerance()), nil
}

// Mutate loads the option, applies fn to its workspace and flushes the result.
// The whole sequence runs under the option lock when a Locker is configured.
func (s *Service) Mutate(ctx context.Context, id string, fn func(*Workspace) error) (Option, Summary, error) {
	if s == nil || s.Store == nil {
		return Option{}, Summary{}, errors.New("composer service not configured")
	}
	if fn == nil {
		return Option{}, Summary{}, errors.New("composer: mutation not provided")
	}
	var result Option
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		opt, err := s.Store.LoadOption(ctx, id)
		if err != nil {
			return err
		}
		ws := NewWorkspace(opt)
		if err := fn(ws); err != nil {
			return err
		}
		if err := s.flush(ctx, ws); err != nil {
			return err
		}
		result = ws.Option()
		return nil
	})
	if err != nil {
		return Option{}, Summary{}, err
	}
	return result, Summarize(result, s.tolerance()), nil
}

// Recompute re-resolves the rule policy for options that follow rules and
// rewrites the option header totals.
func (s *Service) Recompute(ctx context.Context, id string) (Option, Summary, error) {
	return s.Mutate(ctx, id, func(ws *Workspace) error {
		opt := ws.Option()
		if opt.FollowRules && s.Rules != nil {
			policy, err := s.Rules.Resolve(ctx, opt.ServiceType)
			if err != nil {
				return fmt.Errorf("resolve policy: %w", err)
			}
			if err := ws.SetPolicy(policy, true); err != nil {
				return err
			}
		}
		ws.Touch()
		return nil
	})
}

func (s *Service) initialPolicy(ctx context.Context, in CreateInput) (margin.Policy, error) {
	switch {
	case in.Policy != nil:
		policy := *in.Policy
		if policy.Method == "" {
			policy.Method = margin.MethodNone
		}
		if err := policy.Validate(); err != nil {
			return margin.Policy{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return policy, nil
	case in.FollowRules && s.Rules != nil:
		policy, err := s.Rules.Resolve(ctx, in.ServiceType)
		if err != nil {
			return margin.Policy{}, fmt.Errorf("resolve policy: %w", err)
		}
		return policy, nil
	default:
		return s.DefaultPolicy, nil
	}
}

func (s *Service) flush(ctx context.Context, ws *Workspace) error {
	dirty := ws.Dirty()
	totals, err := ws.Flush(ctx, s.Store, s.now())
	if !dirty {
		return nil
	}
	opt := ws.Option()
	if err != nil {
		if obs.QuoteFlushTotal != nil {
			obs.QuoteFlushTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("flush option: %w", err)
	}
	if obs.QuoteFlushTotal != nil {
		obs.QuoteFlushTotal.WithLabelValues("ok").Inc()
	}
	if totals.Diverged(s.tolerance()) {
		if obs.QuoteMarginDivergenceTotal != nil {
			obs.QuoteMarginDivergenceTotal.Inc()
		}
		s.Logger.Warn().
			Str("option_id", opt.ID).
			Float64("line_sell", totals.Lines.Sell).
			Float64("persisted_sell", totals.Persisted().Sell).
			Float64("divergence", totals.Divergence()).
			Msg("manual sell overrides differ from policy totals")
	}
	return nil
}

func (s *Service) withLock(ctx context.Context, id string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	return s.Locker.WithLock(ctx, LockKey(id), s.lockTTL(), fn)
}

// LockKey returns the lock key guarding an option.
func LockKey(optionID string) string {
	return "lock:quote-option:" + optionID
}
