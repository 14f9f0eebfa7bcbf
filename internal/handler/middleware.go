package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/devlease/fleet/internal/model"
	"github.com/devlease/fleet/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// tokenLookups collapses concurrent lookups of the same API token into one
// store query; CI runners tend to fire many requests with the same token at
// once.
var tokenLookups singleflight.Group

// Context keys
// Uses an unexported struct type as context key to guarantee uniqueness
// across packages — no risk of collision with int-based keys.

type principalKeyType struct{}

var principalKey = principalKeyType{}

// PrincipalFromContext returns the authenticated caller, or nil for an
// anonymous request.
func PrincipalFromContext(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalKey).(*model.Principal)
	return p
}

// Identity resolves the caller from either an API token or the signed
// session cookie:
//   - "Authorization: Bearer <token>" → API token lookup, 401 on mismatch
//   - "user_id" cookie with a valid HMAC signature → session user
//   - neither → anonymous, request continues without a principal
func Identity(s store.Store, cookieSecret string, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var email string

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token := strings.TrimPrefix(auth, "Bearer ")
				v, err, _ := tokenLookups.Do(token, func() (any, error) {
					return s.GetUserByToken(r.Context(), token)
				})
				u, _ := v.(*model.User)
				if err != nil {
					logger.Errorf("auth: token lookup: %v", err)
					Fail(w, http.StatusInternalServerError, "auth check failed")
					return
				}
				if u == nil {
					Fail(w, http.StatusUnauthorized, "invalid token")
					return
				}
				email = u.Email
			} else if c, err := r.Cookie("user_id"); err == nil {
				// An invalid or tampered cookie degrades to anonymous.
				email = verifyUserCookie(cookieSecret, c.Value)
			}

			if email == "" {
				next.ServeHTTP(w, r)
				return
			}

			u, err := s.GetUser(r.Context(), email)
			if err != nil {
				logger.Errorf("auth: user lookup: %v", err)
				Fail(w, http.StatusInternalServerError, "auth check failed")
				return
			}
			if u == nil {
				next.ServeHTTP(w, r)
				return
			}
			groups, err := s.GroupsOf(r.Context(), u.Email)
			if err != nil {
				logger.Errorf("auth: groups lookup: %v", err)
				Fail(w, http.StatusInternalServerError, "auth check failed")
				return
			}

			p := &model.Principal{
				Email:    u.Email,
				Username: u.Username,
				Admin:    u.Admin,
				Groups:   groups,
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFromContext(r.Context()) == nil {
			Fail(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects everyone but admins.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			Fail(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !p.Admin {
			Fail(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Session cookie
// The cookie value is base64(email) + "." + hex(hmac-sha256(email)).
// Rotating the secret invalidates all outstanding cookies.

func signUserCookie(secret, email string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(email))
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + hex.EncodeToString(mac.Sum(nil))
}

// verifyUserCookie returns the email for a validly signed cookie, or "".
func verifyUserCookie(secret, value string) string {
	encoded, sig, found := strings.Cut(value, ".")
	if !found {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	email := string(raw)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(email))
	if !hmac.Equal([]byte(sig), []byte(hex.EncodeToString(mac.Sum(nil)))) {
		return ""
	}
	return email
}

// Global Middleware
// CORS wraps a handler with permissive CORS headers.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "43200")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recovery catches panics and returns a 500 response.
func Recovery(logger *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorf("panic recovered: %v\n%s", err, debug.Stack())
				Fail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Helpers
// Wrap applies a chain of middleware wrappers to a handler.
func Wrap(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WrapFunc is like Wrap but accepts an http.HandlerFunc.
func WrapFunc(fn http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
	return Wrap(fn, mws...)
}
