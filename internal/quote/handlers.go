package quote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/quote-composer/internal/common"
	"github.com/noah-isme/quote-composer/internal/composer"
	"github.com/noah-isme/quote-composer/internal/lock"
	"github.com/noah-isme/quote-composer/internal/margin"
	"github.com/noah-isme/quote-composer/internal/obs"
)

// OptionService is the composer surface used by the handlers.
type OptionService interface {
	Create(ctx context.Context, in composer.CreateInput) (composer.Option, composer.Summary, error)
	Get(ctx context.Context, id string) (composer.Option, composer.Summary, error)
	Mutate(ctx context.Context, id string, fn func(*composer.Workspace) error) (composer.Option, composer.Summary, error)
}

// RecomputeEnqueuer schedules a background recompute.
type RecomputeEnqueuer interface {
	EnqueueRecompute(ctx context.Context, optionID string) error
}

// Handler exposes quote option endpoints.
type Handler struct {
	Options   OptionService
	Enqueuer  RecomputeEnqueuer
	Tolerance float64
	Logger    zerolog.Logger
	// CreateMiddleware wraps only the create route, e.g. idempotency enforcement.
	CreateMiddleware []func(http.Handler) http.Handler
}

// Routes mounts the option handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.With(h.CreateMiddleware...).Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/policy", h.SetPolicy)
		r.Post("/recompute", h.Recompute)
		r.Post("/legs", h.AddLeg)
		r.Put("/legs/{legID}", h.UpdateLeg)
		r.Delete("/legs/{legID}", h.RemoveLeg)
		r.Post("/rows", h.AddRow)
		r.Patch("/rows/{rowID}/buy", h.EditBuy)
		r.Patch("/rows/{rowID}/sell", h.EditSell)
		r.Patch("/rows/{rowID}/meta", h.EditMeta)
		r.Delete("/rows/{rowID}", h.RemoveRow)
	})
}

// Create handles POST /api/v1/options.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var payload createOptionPayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	opt, summary, err := h.Options.Create(r.Context(), payload.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, optionResponse{Option: opt, Summary: summary})
}

// Get handles GET /api/v1/options/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	opt, summary, err := h.Options.Get(r.Context(), optionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, optionResponse{Option: opt, Summary: summary})
}

// SetPolicy handles PUT /api/v1/options/{id}/policy.
func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var payload setPolicyPayload
	if !h.decode(w, r, &payload) {
		return
	}
	h.mutate(w, r, http.StatusOK, func(ws *composer.Workspace) error {
		return ws.SetPolicy(payload.toPolicy(), payload.FollowRules)
	})
}

// AddLeg handles POST /api/v1/options/{id}/legs.
func (h *Handler) AddLeg(w http.ResponseWriter, r *http.Request) {
	var payload legPayload
	if !h.decode(w, r, &payload) {
		return
	}
	h.mutate(w, r, http.StatusCreated, func(ws *composer.Workspace) error {
		ws.AddLeg(payload.toInput())
		return nil
	})
}

// UpdateLeg handles PUT /api/v1/options/{id}/legs/{legID}.
func (h *Handler) UpdateLeg(w http.ResponseWriter, r *http.Request) {
	var payload legPayload
	if !h.decode(w, r, &payload) {
		return
	}
	legID := chi.URLParam(r, "legID")
	h.mutate(w, r, http.StatusOK, func(ws *composer.Workspace) error {
		return ws.UpdateLeg(legID, payload.toInput())
	})
}

// RemoveLeg handles DELETE /api/v1/options/{id}/legs/{legID}.
func (h *Handler) RemoveLeg(w http.ResponseWriter, r *http.Request) {
	legID := chi.URLParam(r, "legID")
	h.mutate(w, r, http.StatusOK, func(ws *composer.Workspace) error {
		return ws.RemoveLeg(legID)
	})
}

// AddRow handles POST /api/v1/options/{id}/rows. Without leg_id the row is a combined charge.
func (h *Handler) AddRow(w http.ResponseWriter, r *http.Request) {
	var payload addRowPayload
	if !h.decode(w, r, &payload) {
		return
	}
	h.mutate(w, r, http.StatusCreated, func(ws *composer.Workspace) error {
		_, err := ws.AddRow(strings.TrimSpace(payload.LegID), payload.toMeta(), payload.Quantity)
		return err
	})
}

// EditBuy handles PATCH /api/v1/options/{id}/rows/{rowID}/buy.
func (h *Handler) EditBuy(w http.ResponseWriter, r *http.Request) {
	h.editLine(w, r, (*composer.Workspace).EditBuy)
}

// EditSell handles PATCH /api/v1/options/{id}/rows/{rowID}/sell.
func (h *Handler) EditSell(w http.ResponseWriter, r *http.Request) {
	h.editLine(w, r, (*composer.Workspace).EditSell)
}

func (h *Handler) editLine(w http.ResponseWriter, r *http.Request, edit func(*composer.Workspace, string, string, margin.Patch) error) {
	var payload linePatchPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.empty() {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "one of rate, quantity or amount is required", nil)
		return
	}
	rowID := chi.URLParam(r, "rowID")
	h.mutate(w, r, http.StatusOK, func(ws *composer.Workspace) error {
		legID, err := ws.LocateRow(rowID)
		if err != nil {
			return err
		}
		return edit(ws, legID, rowID, payload.toPatch())
	})
}

// EditMeta handles PATCH /api/v1/options/{id}/rows/{rowID}/meta.
func (h *Handler) EditMeta(w http.ResponseWriter, r *http.Request) {
	var payload metaPayload
	if !h.decode(w, r, &payload) {
		return
	}
	rowID := chi.URLParam(r, "rowID")
	h.mutate(w, r, http.StatusOK, func(ws *composer.Workspace) error {
		legID, err := ws.LocateRow(rowID)
		if err != nil {
			return err
		}
		return ws.EditRow(legID, rowID, payload.toMeta())
	})
}

// RemoveRow handles DELETE /api/v1/options/{id}/rows/{rowID}.
func (h *Handler) RemoveRow(w http.ResponseWriter, r *http.Request) {
	rowID := chi.URLParam(r, "rowID")
	h.mutate(w, r, http.StatusOK, func(ws *composer.Workspace) error {
		legID, err := ws.LocateRow(rowID)
		if err != nil {
			return err
		}
		return ws.RemoveRow(legID, rowID)
	})
}

// Recompute handles POST /api/v1/options/{id}/recompute by enqueueing a task.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if h.Enqueuer == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "task queue not configured", nil)
		return
	}
	id := optionID(r)
	if _, _, err := h.Options.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Enqueuer.EnqueueRecompute(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusAccepted, map[string]any{"option_id": id, "status": "queued"})
}

// Preview handles POST /api/v1/margin/preview. Nothing is persisted.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var payload previewPayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	policy := payload.Policy.toPolicy()
	if err := policy.Validate(); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_POLICY", err.Error(), nil)
		return
	}
	opt := composer.Option{Policy: policy, Combined: payload.Combined}
	for i, leg := range payload.Legs {
		opt.Legs = append(opt.Legs, margin.Leg{ID: leg.ID, LegOrder: i + 1, Charges: leg.Charges})
	}
	summary := composer.Summarize(opt, h.Tolerance)
	if obs.MarginPreviewLatency != nil {
		obs.MarginPreviewLatency.Observe(obs.DurationMillis(time.Since(start)))
	}
	common.Data(w, http.StatusOK, summary)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, status int, fn func(*composer.Workspace) error) {
	if !h.ready(w) {
		return
	}
	opt, summary, err := h.Options.Mutate(r.Context(), optionID(r), fn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, status, optionResponse{Option: opt, Summary: summary})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := common.DecodeJSON(r, dst); err != nil {
		common.WriteError(w, err)
		return false
	}
	return true
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h.Options == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "quote service not configured", nil)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, composer.ErrOptionNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", composer.ErrOptionNotFound.Error(), nil)
	case errors.Is(err, composer.ErrLegNotFound), errors.Is(err, composer.ErrRowNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, composer.ErrLastLeg):
		common.JSONError(w, http.StatusConflict, "LAST_LEG", err.Error(), nil)
	case errors.Is(err, lock.ErrBusy):
		common.JSONError(w, http.StatusConflict, "OPTION_BUSY", "option is being edited, retry shortly", nil)
	case errors.Is(err, composer.ErrInvalidInput), errors.Is(err, margin.ErrInvalidPolicy):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, margin.ErrWrongSide), errors.Is(err, margin.ErrLineNotFound):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case common.IsAppError(err):
		common.WriteError(w, err)
	default:
		logger := obs.LoggerFromContext(r.Context(), h.Logger)
		logger.Error().Err(err).Str("option_id", optionID(r)).Msg("quote request failed")
		common.WriteError(w, err)
	}
}

func optionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
