package hitch

import (
	"context"

	"github.com/goliatone/go-router"
)

var userCtxKey = &contextKey{"user"}
var claimsCtxKey = &contextKey{"claims"}

type contextKey struct {
	name string
}

// LocalsClaimsKey is the router locals key holding verified token claims.
const LocalsClaimsKey = "hitch.claims"

// WithContext sets the UserInfo in the given context
func WithContext(r context.Context, user *UserInfo) context.Context {
	return context.WithValue(r, userCtxKey, user)
}

// FromContext finds the user from the context.
func FromContext(ctx context.Context) (*UserInfo, bool) {
	raw, ok := ctx.Value(userCtxKey).(*UserInfo)
	return raw, ok
}

// WithClaimsContext sets the token claims in the given context
func WithClaimsContext(r context.Context, claims *TokenClaims) context.Context {
	return context.WithValue(r, claimsCtxKey, claims)
}

// GetClaims extracts the token claims from the standard context
func GetClaims(ctx context.Context) (*TokenClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*TokenClaims)
	return raw, ok && raw != nil
}

// GetRouterClaims extracts the claims stored by TokenCookieMiddleware
// from the router context. An empty key reads LocalsClaimsKey.
func GetRouterClaims(ctx router.Context, key string) (*TokenClaims, bool) {
	if key == "" {
		key = LocalsClaimsKey
	}
	raw, ok := ctx.Locals(key).(*TokenClaims)
	return raw, ok && raw != nil
}
