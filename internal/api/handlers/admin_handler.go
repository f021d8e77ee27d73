package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/services"
)

// AdminHandler manages roles and department membership.
type AdminHandler struct {
	users *services.UserService
	log   logger.Logger
}

func NewAdminHandler(users *services.UserService, log logger.Logger) *AdminHandler {
	return &AdminHandler{users: users, log: log}
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	user, err := h.users.AssignRole(r.Context(), principal(r), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type departmentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *AdminHandler) CreateDepartment(w http.ResponseWriter, r *http.Request) {
	var req departmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	dept, err := h.users.CreateDepartment(r.Context(), principal(r), req.ID, req.Name)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, dept)
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

func (h *AdminHandler) AddDepartmentMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	user, err := h.users.AddDepartmentMember(r.Context(), principal(r), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
