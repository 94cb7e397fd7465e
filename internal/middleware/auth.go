// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the authenticated identity.
	IdentityKey ContextKey = "identity"
)

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// IdentitySync records an authenticated identity in the user directory.
type IdentitySync interface {
	Sync(ctx context.Context, id auth.Identity) error
}

// Auth creates JWT authentication middleware. When users is non-nil every
// identity is synced before the request proceeds.
func Auth(authn Authenticator, users IdentitySync) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, err)
				return
			}

			id, err := authn.Authenticate(token)
			if err != nil {
				writeError(w, err)
				return
			}

			if users != nil {
				if err := users.Sync(r.Context(), id); err != nil {
					writeError(w, err)
					return
				}
			}

			reportUser(r.Context(), id.UserID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity gets the identity from context.
func GetIdentity(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(auth.Identity)
	return id, ok
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

// RequireRole creates middleware that requires a specific role.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r.Context())
			if !ok || id.Role != role {
				writeError(w, apperr.Forbidden("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSONError(w, apperr.HTTPStatus(kind), kind.String(), apperr.Message(err))
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
