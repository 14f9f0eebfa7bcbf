package handler

import (
	"net/http"

	"github.com/devlease/fleet/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuthHandler serves login, logout and the self endpoint.
type AuthHandler struct {
	store        store.Store
	cookieSecret string
	logger       *zap.SugaredLogger
}

func NewAuthHandler(s store.Store, cookieSecret string, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{store: s, cookieSecret: cookieSecret, logger: logger}
}

// Login handles POST /login. A missing email gets an anonymous one derived
// from the username. First login mints an API token and a secret key; the
// first user of a fresh deployment becomes admin.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		Fail(w, http.StatusBadRequest, "username is required")
		return
	}
	if req.Email == "" {
		req.Email = req.Username + "@anonymous.com"
	}

	token := "T:" + uuid.NewString()
	secretKey := "S:" + uuid.NewString()
	u, err := h.store.UpsertLogin(r.Context(), req.Email, req.Username, token, secretKey)
	if err != nil {
		h.logger.Errorf("login %s: %v", req.Email, err)
		Fail(w, http.StatusInternalServerError, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "user_id",
		Value:    signUserCookie(h.cookieSecret, u.Email),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	OK(w, map[string]any{"user": u})
}

// Logout handles GET /logout by expiring the session cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "user_id",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	OK(w, nil)
}

// Self handles GET /api/v1/user: the caller's own record, credentials
// included, plus group memberships.
func (h *AuthHandler) Self(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())

	u, err := h.store.GetUser(r.Context(), p.Email)
	if err != nil {
		h.logger.Errorf("self %s: %v", p.Email, err)
		Fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if u == nil {
		Fail(w, http.StatusUnauthorized, "unknown user")
		return
	}
	OK(w, map[string]any{"user": u, "groups": p.Groups})
}
