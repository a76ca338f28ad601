package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/obs"
)

// Recomputer re-derives and flushes one option.
type Recomputer interface {
	Recompute(ctx context.Context, id string) (composer.Option, composer.Summary, error)
}

// OptionLister finds options that follow margin rules.
type OptionLister interface {
	FollowingOptionIDs(ctx context.Context, serviceType string) ([]string, error)
}

// RecomputeEnqueuer schedules single-option recomputes.
type RecomputeEnqueuer interface {
	EnqueueRecompute(ctx context.Context, optionID string) error
}

// Handlers processes recompute tasks on the worker.
type Handlers struct {
	Options  Recomputer
	Lister   OptionLister
	Enqueuer RecomputeEnqueuer
	Logger   zerolog.Logger
}

// Register mounts every handler on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeOptionRecompute, h.HandleRecompute)
	mux.HandleFunc(TypeRecomputeScope, h.HandleRecomputeScope)
}

// HandleRecompute recomputes one option. Malformed payloads and missing options
// are not retried.
func (h *Handlers) HandleRecompute(ctx context.Context, t *asynq.Task) error {
	var payload RecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || strings.TrimSpace(payload.OptionID) == "" {
		countRecompute("invalid")
		return fmt.Errorf("decode %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	if h.Options == nil {
		return errors.New("tasks: recomputer not configured")
	}
	ctx, span := obs.StartSpan(ctx, "task "+TypeOptionRecompute)
	defer span.End()

	opt, summary, err := h.Options.Recompute(ctx, payload.OptionID)
	switch {
	case errors.Is(err, composer.ErrOptionNotFound):
		countRecompute("not_found")
		h.Logger.Warn().Str("option_id", payload.OptionID).Msg("recompute skipped, option not found")
		return fmt.Errorf("option %s: %w", payload.OptionID, asynq.SkipRetry)
	case err != nil:
		countRecompute("error")
		span.RecordError(err)
		return fmt.Errorf("recompute option %s: %w", payload.OptionID, err)
	}
	countRecompute("ok")
	h.Logger.Info().
		Str("option_id", opt.ID).
		Float64("total_sell", summary.Persisted.Sell).
		Bool("diverged", summary.Diverged).
		Msg("option recomputed")
	return nil
}

// HandleRecomputeScope enqueues a recompute for each option following rules in scope.
func (h *Handlers) HandleRecomputeScope(ctx context.Context, t *asynq.Task) error {
	var payload ScopePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	if h.Lister == nil || h.Enqueuer == nil {
		return errors.New("tasks: scope handler not configured")
	}
	ids, err := h.Lister.FollowingOptionIDs(ctx, payload.ServiceType)
	if err != nil {
		return fmt.Errorf("list options: %w", err)
	}
	var failed int
	for _, id := range ids {
		if err := h.Enqueuer.EnqueueRecompute(ctx, id); err != nil {
			failed++
			h.Logger.Error().Err(err).Str("option_id", id).Msg("enqueue option recompute")
		}
	}
	h.Logger.Info().Str("service_type", payload.ServiceType).Int("options", len(ids)).Int("failed", failed).Msg("recompute fan-out")
	if failed > 0 {
		return fmt.Errorf("enqueue recompute: %d of %d failed", failed, len(ids))
	}
	return nil
}

func countRecompute(result string) {
	if obs.OptionRecomputeTotal != nil {
		obs.OptionRecomputeTotal.WithLabelValues(result).Inc()
	}
}
