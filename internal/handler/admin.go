package handler

import (
	"net/http"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"go.uber.org/zap"
)

// AdminHandler serves user administration. All routes require admin.
type AdminHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewAdminHandler(s store.Store, logger *zap.SugaredLogger) *AdminHandler {
	return &AdminHandler{store: s, logger: logger}
}

// ListUsers handles GET /api/v1/users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, false)
}

// ListAdmins handles GET /api/v1/admins.
func (h *AdminHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, true)
}

func (h *AdminHandler) listUsers(w http.ResponseWriter, r *http.Request, adminOnly bool) {
	users, err := h.store.ListUsers(r.Context(), adminOnly)
	if err != nil {
		h.logger.Errorf("list users: %v", err)
		Fail(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]*model.User, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	OK(w, map[string]any{"users": out})
}

// Promote handles POST /api/v1/admins: {"email": ...}.
func (h *AdminHandler) Promote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SetUserAdmin(r.Context(), req.Email, true); err != nil {
		Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	OK(w, nil)
}

// Demote handles DELETE /api/v1/admins/{email}. Admins cannot demote
// themselves, so a deployment always keeps at least one admin.
func (h *AdminHandler) Demote(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	email := r.PathValue("email")

	if email == p.Email {
		Fail(w, http.StatusBadRequest, "cannot demote yourself")
		return
	}
	if err := h.store.SetUserAdmin(r.Context(), email, false); err != nil {
		Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	OK(w, nil)
}
