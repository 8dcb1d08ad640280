// ABOUTME: HTTP middleware that resolves the calling user for every API request
// ABOUTME: Static single-user mode or JWT from the Authorization header or ?token= query param

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultUserID is the identity used when authentication is disabled
const DefaultUserID = "default_user"

// Resolver determines which user a request acts for.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// StaticResolver maps every request to one user.
type StaticResolver struct {
	UserID string
}

// Resolve returns the configured user, or DefaultUserID.
func (s StaticResolver) Resolve(r *http.Request) (string, error) {
	if s.UserID == "" {
		return DefaultUserID, nil
	}
	return s.UserID, nil
}

// JWTResolver identifies the user from a signed token.
type JWTResolver struct {
	verifier TokenVerifier
}

// NewJWTResolver creates a resolver backed by verifier.
func NewJWTResolver(verifier TokenVerifier) *JWTResolver {
	return &JWTResolver{verifier: verifier}
}

// Resolve reads the token from "Authorization: Bearer" or, for EventSource
// clients that cannot set headers, the token query parameter.
func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	token, err := extractToken(r)
	if err != nil {
		return "", err
	}
	return j.verifier.Verify(token)
}

func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", errors.New("invalid authorization header format")
		}
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token, nil
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Middleware attaches the resolved user to the request context. A missing
// token is answered with 401 and a rejected one with 403.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolver.Resolve(r)
			if err != nil {
				if errors.Is(err, ErrMissingToken) {
					writeAuthError(w, http.StatusUnauthorized, "Access Denied: No Token Provided")
					return
				}
				writeAuthError(w, http.StatusForbidden, "Invalid Token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
