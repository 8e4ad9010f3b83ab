// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Accepts Authorization bearer headers, or a token query parameter for WebSocket clients

package auth

import (
	"net/http"
	"strings"
)

// extractToken pulls the credential from the Authorization header, falling
// back to the "token" query parameter. Browser WebSocket clients cannot set
// headers on the upgrade request, so the query form is accepted there.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing credentials"
}

// Middleware validates the request's token and attaches the Identity to the
// request context. When role is non-empty the identity must carry it.
func Middleware(verifier TokenVerifier, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if role != "" && id.Role != role {
				http.Error(w, `{"error":"wrong role for endpoint"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
