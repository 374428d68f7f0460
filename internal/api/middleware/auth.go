package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/identity"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// CredentialCookie is the cookie carrying the client's credential.
const CredentialCookie = "jwt"

// AuthMiddleware re-verifies the caller's credential on every request.
type AuthMiddleware struct {
	verifier identity.Verifier
	logger   zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(verifier identity.Verifier, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, logger: logger}
}

// RequireAuth rejects requests without a verifiable credential and stores the
// resolved identity in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := credentialFromRequest(r)
		if credential == "" {
			jsonError(w, http.StatusUnauthorized, "missing credential")
			return
		}

		name, err := m.verifier.Verify(r.Context(), credential)
		if err != nil {
			if errors.Is(err, identity.ErrUnavailable) {
				m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("identity verifier unavailable")
			}
			jsonError(w, http.StatusUnauthorized, "invalid credential")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), name)))
	})
}

// credentialFromRequest reads the jwt cookie, then a bearer token.
func credentialFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(CredentialCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetIdentityFromContext retrieves the authenticated identity from the request context.
func GetIdentityFromContext(ctx context.Context) string {
	name, _ := ctx.Value(IdentityContextKey).(string)
	return name
}

// WithIdentity returns a context carrying name as the authenticated identity.
func WithIdentity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, IdentityContextKey, name)
}
