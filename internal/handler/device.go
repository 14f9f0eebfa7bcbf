package handler

import (
	"net/http"
	"strconv"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"go.uber.org/zap"
)

// DeviceHandler serves the read side of the device inventory.
type DeviceHandler struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func NewDeviceHandler(s store.Store, logger *zap.SugaredLogger) *DeviceHandler {
	return &DeviceHandler{store: s, logger: logger}
}

// List handles GET /api/v1/devices. Filters: platform, usable, present,
// using. Non-admins only see devices their owner field permits.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	query := r.URL.Query()

	q := store.DeviceQuery{
		Viewer:   p.Viewer(),
		Platform: query.Get("platform"),
	}
	if query.Get("usable") == "true" {
		q.UsableOnly = true
	}
	if v := query.Get("present"); v != "" {
		present, err := strconv.ParseBool(v)
		if err != nil {
			Fail(w, http.StatusBadRequest, "invalid present filter")
			return
		}
		q.Present = &present
	}
	if query.Get("using") == "true" {
		q.UsingOnly = true
	}

	devices, total, err := h.store.ListDevices(r.Context(), q)
	if err != nil {
		h.logger.Errorf("list devices: %v", err)
		Fail(w, http.StatusInternalServerError, "list failed")
		return
	}

	out := make([]*model.Device, 0, len(devices))
	for i := range devices {
		out = append(out, devices[i].WithoutSources())
	}
	OK(w, map[string]any{"devices": out, "count": total})
}

// Get handles GET /api/v1/devices/{udid}. Invisible devices look
// nonexistent. The sources map never leaves the inventory surface; the
// lease endpoint exposes the connection endpoint to authorized callers.
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	udid := r.PathValue("udid")

	d, err := h.store.GetDevice(r.Context(), udid)
	if err != nil {
		h.logger.Errorf("get device %s: %v", udid, err)
		Fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if d == nil || !p.Visible(d) {
		Fail(w, http.StatusNotFound, "device not found")
		return
	}
	OK(w, map[string]any{"device": d.WithoutSources()})
}

// GetProperties handles GET /api/v1/devices/{udid}/properties.
func (h *DeviceHandler) GetProperties(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	udid := r.PathValue("udid")

	d, err := h.store.GetDevice(r.Context(), udid)
	if err != nil {
		h.logger.Errorf("get device %s: %v", udid, err)
		Fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if d == nil || !p.Visible(d) {
		Fail(w, http.StatusNotFound, "device not found")
		return
	}
	OK(w, map[string]any{"properties": d.Properties})
}

// PutProperties handles PUT /api/v1/devices/{udid}/properties (admin).
// Keys are merged into the existing property map.
func (h *DeviceHandler) PutProperties(w http.ResponseWriter, r *http.Request) {
	udid := r.PathValue("udid")

	var props map[string]any
	if err := DecodeJSON(r, &props); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.UpdateDeviceProperties(r.Context(), udid, props); err != nil {
		h.logger.Errorf("update properties %s: %v", udid, err)
		Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	OK(w, nil)
}

// PutDepartment handles PUT /api/v1/devices/{udid}/department (admin).
func (h *DeviceHandler) PutDepartment(w http.ResponseWriter, r *http.Request) {
	udid := r.PathValue("udid")

	var req struct {
		Department string `json:"department"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SetDeviceDepartment(r.Context(), udid, req.Department); err != nil {
		h.logger.Errorf("set department %s: %v", udid, err)
		Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	OK(w, nil)
}
