package marginrule

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/quote-composer/internal/common"
	"github.com/noah-isme/quote-composer/internal/margin"
)

// Handler exposes margin rule management endpoints.
type Handler struct {
	Svc *Service
}

type rulePayload struct {
	Name            string   `json:"name" validate:"required,max=120"`
	AdjustmentType  string   `json:"adjustment_type" validate:"required,oneof=percent fixed"`
	AdjustmentValue *float64 `json:"adjustment_value" validate:"required,gte=0"`
	Priority        int      `json:"priority"`
	ServiceType     string   `json:"service_type" validate:"max=64"`
	MinMargin       float64  `json:"min_margin" validate:"gte=0"`
	RoundingRule    string   `json:"rounding_rule"`
	Active          *bool    `json:"active"`
}

func (p rulePayload) toRule(id string) margin.Rule {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	value := 0.0
	if p.AdjustmentValue != nil {
		value = *p.AdjustmentValue
	}
	return margin.Rule{
		ID:              id,
		Name:            p.Name,
		AdjustmentType:  margin.Method(strings.ToLower(strings.TrimSpace(p.AdjustmentType))),
		AdjustmentValue: value,
		Priority:        p.Priority,
		ServiceType:     p.ServiceType,
		MinMargin:       p.MinMargin,
		RoundingRule:    p.RoundingRule,
		Active:          active,
	}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/resolve", h.Resolve)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
}

// List handles GET /api/v1/margin-rules.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "margin rule service not configured", nil)
		return
	}
	rules, err := h.Svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []margin.Rule{}
	}
	common.Data(w, http.StatusOK, rules)
}

// Create handles POST /api/v1/margin-rules.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "margin rule service not configured", nil)
		return
	}
	var payload rulePayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	rule, err := h.Svc.Create(r.Context(), payload.toRule(""))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, rule)
}

// Update handles PUT /api/v1/margin-rules/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "margin rule service not configured", nil)
		return
	}
	var payload rulePayload
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	rule, err := h.Svc.Update(r.Context(), payload.toRule(strings.TrimSpace(chi.URLParam(r, "id"))))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, rule)
}

// Delete handles DELETE /api/v1/margin-rules/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "margin rule service not configured", nil)
		return
	}
	if err := h.Svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	common.NoContent(w)
}

// Resolve handles GET /api/v1/margin-rules/resolve?service_type=.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "margin rule service not configured", nil)
		return
	}
	serviceType := strings.TrimSpace(r.URL.Query().Get("service_type"))
	policy, err := h.Svc.Resolve(r.Context(), serviceType)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"service_type": serviceType, "policy": policy})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err):
		common.JSONError(w, http.StatusBadRequest, "INVALID_RULE", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", ErrNotFound.Error(), nil)
	case errors.Is(err, ErrDuplicateName):
		common.JSONError(w, http.StatusConflict, "CONFLICT", ErrDuplicateName.Error(), nil)
	default:
		common.WriteError(w, err)
	}
}
