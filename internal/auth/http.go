// ABOUTME: HTTP middleware for JWT authentication on API and stream endpoints
// ABOUTME: Extracts the token from the Authorization header or the token query parameter

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequestToken returns the bearer token of r. Browsers cannot set headers
// on a WebSocket handshake, so the token query parameter is accepted when
// no Authorization header is present.
func RequestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// Authenticate verifies the token on r and returns the caller's bare JID.
func Authenticate(r *http.Request, verifier TokenVerifier) (string, string) {
	token, errMsg := RequestToken(r)
	if errMsg != "" {
		return "", errMsg
	}
	bare, err := verifier.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return "", "token expired"
		}
		return "", "invalid token"
	}
	return bare, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that validates the JWT and
// adds an AuthContext to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bare, errMsg := Authenticate(r, verifier)
			if errMsg != "" {
				WriteError(w, http.StatusUnauthorized, errMsg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{JID: bare})))
		})
	}
}

// WriteError writes a JSON {"error": msg} body with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
