// ABOUTME: Request context helpers for carrying the resolved user through handlers
// ABOUTME: Provides WithUser/UserFromContext for propagating identity via context

package auth

import (
	"context"
)

// userContextKey is the key type for storing the user ID in context.Context.
type userContextKey struct{}

// WithUser returns a new context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext returns the user ID attached by the middleware, or "" if none.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}

// MustUserFromContext returns the user ID, panicking if the middleware did not run.
func MustUserFromContext(ctx context.Context) string {
	userID := UserFromContext(ctx)
	if userID == "" {
		panic("auth: user not found in context")
	}
	return userID
}
