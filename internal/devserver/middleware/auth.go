// Package middleware holds the HTTP middleware of the development server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mark-chris/plansync/internal/devserver/auth"
)

type contextKey int

const (
	userKey contextKey = iota
	claimsKey
)

// UserGetter is a function that retrieves a user by ID
type UserGetter func(userID string) (*auth.User, error)

// Authenticate resolves the bearer token of r to an active user. The returned
// message is suitable for a 401 response.
func Authenticate(r *http.Request, authService *auth.AuthService, userGetter UserGetter) (*auth.User, *auth.Claims, string) {
	token, ok := BearerToken(r)
	if !ok {
		return nil, nil, "Missing or invalid authorization header"
	}

	claims, err := authService.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, "Invalid or expired token"
	}

	user, err := userGetter(claims.UserID)
	if err != nil || user == nil || !user.IsActive {
		return nil, nil, "User not found or inactive"
	}
	return user, claims, ""
}

// RequireAuth is middleware that validates JWT tokens and attaches the user
// and claims to the request context.
func RequireAuth(authService *auth.AuthService, userGetter UserGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, claims, msg := Authenticate(r, authService, userGetter)
			if user == nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteDetail(w, http.StatusUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user, claims)))
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

// WithUser returns ctx carrying user and claims.
func WithUser(ctx context.Context, user *auth.User, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, userKey, user)
	return context.WithValue(ctx, claimsKey, claims)
}

// UserFromContext returns the authenticated user.
func UserFromContext(ctx context.Context) (*auth.User, bool) {
	u, ok := ctx.Value(userKey).(*auth.User)
	return u, ok
}

// ClaimsFromContext returns the claims of the request's token.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteDetail writes an error body of the form {"detail": msg}.
func WriteDetail(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"detail": msg})
}
