package auth

import (
	"context"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// SetClaims adds verified claims to the context
func SetClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFrom retrieves verified claims from the context
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}
