package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/override"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

type OverrideHandler struct {
	workflow *override.Workflow
	resolver *access.Resolver
	clock    clock.Clock
	log      logger.Logger
}

func NewOverrideHandler(workflow *override.Workflow, resolver *access.Resolver, clk clock.Clock, log logger.Logger) *OverrideHandler {
	return &OverrideHandler{workflow: workflow, resolver: resolver, clock: clk, log: log}
}

type overrideRequest struct {
	Type          models.OverrideType `json:"override_type"`
	Level         int                 `json:"override_permission_level"`
	DepartmentID  string              `json:"department_id"`
	ValidFrom     *time.Time          `json:"valid_from"`
	ValidUntil    *time.Time          `json:"valid_until"`
	DurationHours int                 `json:"duration_hours"`
	Reason        string              `json:"reason"`
	TriggerQuery  string              `json:"trigger_query"`
	TriggerFileID string              `json:"trigger_file_id"`
}

func (h *OverrideHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in := override.RequestInput{
		Type:          req.Type,
		Level:         req.Level,
		DepartmentID:  req.DepartmentID,
		Duration:      time.Duration(req.DurationHours) * time.Hour,
		Reason:        req.Reason,
		TriggerQuery:  req.TriggerQuery,
		TriggerFileID: req.TriggerFileID,
	}
	if req.ValidFrom != nil {
		in.ValidFrom = req.ValidFrom.UTC()
	}
	if req.ValidUntil != nil {
		in.ValidUntil = req.ValidUntil.UTC()
	}
	created, err := h.workflow.RequestOverride(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *OverrideHandler) Mine(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.workflow.Mine(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(reqs))
}

func (h *OverrideHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.workflow.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// List is the admin review queue, filtered by ?status= and ?user_id=.
func (h *OverrideHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reqs, err := h.workflow.List(r.Context(), principal(r), models.OverrideRequestFilter{
		Status: models.OverrideStatus(q.Get("status")),
		UserID: q.Get("user_id"),
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(reqs))
}

type decisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (h *OverrideHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	decided, err := h.workflow.Approve(r.Context(), principal(r), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

func (h *OverrideHandler) Deny(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	decided, err := h.workflow.Deny(r.Context(), principal(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// Clearance reports the caller's effective level, optionally for one
// department via ?department_id=.
func (h *OverrideHandler) Clearance(w http.ResponseWriter, r *http.Request) {
	c, err := h.resolver.Resolve(r.Context(), principal(r).UserID, r.URL.Query().Get("department_id"), h.clock.Now())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func orEmpty(reqs []models.OverrideRequest) []models.OverrideRequest {
	if reqs == nil {
		return []models.OverrideRequest{}
	}
	return reqs
}
