package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/devlease/fleet/internal/coordinator"
	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"go.uber.org/zap"
)

// Leaser is the coordinator surface the lease endpoints call.
type Leaser interface {
	Acquire(ctx context.Context, p *model.Principal, udid string, idleTimeout time.Duration) error
	Release(ctx context.Context, p *model.Principal, udid string) error
	Activate(ctx context.Context, p *model.Principal, udid string) error
}

// LeaseHandler serves the caller's lease lifecycle under /api/v1/user/devices.
type LeaseHandler struct {
	store  store.Store
	leaser Leaser
	logger *zap.SugaredLogger
}

func NewLeaseHandler(s store.Store, leaser Leaser, logger *zap.SugaredLogger) *LeaseHandler {
	return &LeaseHandler{store: s, leaser: leaser, logger: logger}
}

// failLease maps coordinator errors to API responses: unknown or invisible
// devices are a client mistake, refused transitions are forbidden.
func (h *LeaseHandler) failLease(w http.ResponseWriter, err error) {
	var leaseErr *coordinator.LeaseError
	switch {
	case errors.Is(err, coordinator.ErrDeviceNotFound):
		Fail(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &leaseErr):
		Fail(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Errorf("lease operation: %v", err)
		Fail(w, http.StatusInternalServerError, "internal error")
	}
}

// List handles GET /api/v1/user/devices: the caller's active leases.
func (h *LeaseHandler) List(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())

	devices, total, err := h.store.ListDevices(r.Context(), store.DeviceQuery{
		UserID:    p.Email,
		UsingOnly: true,
	})
	if err != nil {
		h.logger.Errorf("list leases for %s: %v", p.Email, err)
		Fail(w, http.StatusInternalServerError, "list failed")
		return
	}

	out := make([]*model.Device, 0, len(devices))
	for i := range devices {
		out = append(out, devices[i].WithoutSources())
	}
	OK(w, map[string]any{"devices": out, "count": total})
}

// Acquire handles POST /api/v1/user/devices:
// {"udid": ..., "idleTimeout": secs, "email": ...}. Admins may supply email
// to lease on behalf of another user.
func (h *LeaseHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())

	var req struct {
		UDID        string  `json:"udid"`
		IdleTimeout float64 `json:"idleTimeout"`
		Email       string  `json:"email"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UDID == "" {
		Fail(w, http.StatusBadRequest, "udid is required")
		return
	}
	if req.Email != "" && req.Email != p.Email {
		if !p.Admin {
			Fail(w, http.StatusForbidden, "only admins may lease on behalf of another user")
			return
		}
		p = &model.Principal{Email: req.Email, Username: req.Email, Admin: true}
	}

	idleTimeout := time.Duration(req.IdleTimeout * float64(time.Second))
	if err := h.leaser.Acquire(r.Context(), p, req.UDID, idleTimeout); err != nil {
		h.failLease(w, err)
		return
	}
	OK(w, map[string]any{"description": "device is acquired"})
}

// Get handles GET /api/v1/user/devices/{udid}: the leased device with its
// connection endpoint. Only the lease holder (or an admin) may look.
func (h *LeaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	udid := r.PathValue("udid")

	d, err := h.store.GetDevice(r.Context(), udid)
	if err != nil {
		h.logger.Errorf("get lease %s: %v", udid, err)
		Fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if d == nil || !p.Visible(d) {
		Fail(w, http.StatusBadRequest, "device not found")
		return
	}
	if !p.Admin && !d.LeasedBy(p.Email) {
		Fail(w, http.StatusForbidden, "device is not leased by you")
		return
	}

	extra := map[string]any{"device": d}
	if src := d.BestSource(); src != nil {
		extra["remoteConnectAddress"] = src.RemoteConnectAddress
		extra["deviceAddress"] = src.DeviceAddress
	}
	OK(w, extra)
}

// Release handles DELETE /api/v1/user/devices/{udid}.
func (h *LeaseHandler) Release(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	udid := r.PathValue("udid")

	if err := h.leaser.Release(r.Context(), p, udid); err != nil {
		h.failLease(w, err)
		return
	}
	OK(w, map[string]any{"description": "device is released"})
}

// Activate handles GET /api/v1/user/devices/{udid}/active, resetting the
// lease's idle clock. Safe to call at arbitrary frequency.
func (h *LeaseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	udid := r.PathValue("udid")

	if err := h.leaser.Activate(r.Context(), p, udid); err != nil {
		h.failLease(w, err)
		return
	}
	OK(w, nil)
}
