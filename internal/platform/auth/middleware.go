package auth

import (
	"net/http"

	"github.com/maplecart/api/internal/platform/httpx"
)

// RequireAuth verifies the bearer token and stores the identity on the
// request context. Requests without a valid token receive 401.
func RequireAuth(authenticator *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "missing bearer token", http.StatusUnauthorized))
				return
			}
			identity, err := authenticator.Verify(token)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "invalid bearer token", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireAdmin rejects requests whose identity is not an admin. It must run
// after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "missing bearer token", http.StatusUnauthorized))
			return
		}
		if !identity.Admin {
			httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}
