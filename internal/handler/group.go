package handler

import (
	"errors"
	"net/http"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"go.uber.org/zap"
)

// GroupHandler serves group management under /api/v1/groups.
type GroupHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewGroupHandler(s store.Store, logger *zap.SugaredLogger) *GroupHandler {
	return &GroupHandler{store: s, logger: logger}
}

// Create handles POST /api/v1/user/groups: {"id": ..., "name": ...}. The
// creator becomes the group's first admin member.
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())

	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := model.ValidateGroupID(req.ID); msg != "" {
		Fail(w, http.StatusBadRequest, msg)
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	g := &model.Group{
		ID:      req.ID,
		Name:    req.Name,
		Creator: p.Email,
		Members: map[string]model.GroupRole{p.Email: model.GroupRoleAdmin},
	}
	if err := h.store.CreateGroup(r.Context(), g); err != nil {
		if errors.Is(err, store.ErrConflict) {
			Fail(w, http.StatusBadRequest, "group id already exists")
			return
		}
		h.logger.Errorf("create group %s: %v", req.ID, err)
		Fail(w, http.StatusInternalServerError, "create failed")
		return
	}
	OK(w, map[string]any{"group": g})
}

// List handles GET /api/v1/groups: admins see every group, everyone else
// their own memberships.
func (h *GroupHandler) List(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())

	var groups []model.Group
	var err error
	if p.Admin {
		groups, err = h.store.ListGroups(r.Context())
	} else {
		groups, err = h.store.ListGroupsByMember(r.Context(), p.Email)
	}
	if err != nil {
		h.logger.Errorf("list groups: %v", err)
		Fail(w, http.StatusInternalServerError, "list failed")
		return
	}
	OK(w, map[string]any{"groups": groups})
}

// Members handles GET /api/v1/groups/{id}/users. Visible to members and
// admins only.
func (h *GroupHandler) Members(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	id := r.PathValue("id")

	g, err := h.store.GetGroup(r.Context(), id)
	if err != nil {
		h.logger.Errorf("get group %s: %v", id, err)
		Fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if g == nil {
		Fail(w, http.StatusNotFound, "group not found")
		return
	}
	if _, member := g.Members[p.Email]; !member && !p.Admin {
		Fail(w, http.StatusForbidden, "not a group member")
		return
	}

	members, err := h.store.ListGroupMembers(r.Context(), id)
	if err != nil {
		h.logger.Errorf("list group members %s: %v", id, err)
		Fail(w, http.StatusInternalServerError, "list failed")
		return
	}
	OK(w, map[string]any{"members": members})
}
