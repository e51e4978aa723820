package hitch

import (
	"context"
	"strings"
)

// DefaultDomain is the fixed email domain the identity provider uses to
// turn usernames into account emails.
const DefaultDomain = "lunchhitch.firebaseapp.com"

// TokenGetter fetches a bearer token, minting a new one when forceRefresh
// is set.
type TokenGetter func(ctx context.Context, forceRefresh bool) (string, error)

// AuthIdentity is an account as seen by the identity provider.
type AuthIdentity struct {
	ProviderUserID string
	Email          string
	DisplayName    string

	tokens TokenGetter
}

// NewAuthIdentity creates an identity snapshot. tokens may be nil for
// identities that cannot mint tokens.
func NewAuthIdentity(providerUserID, email, displayName string, tokens TokenGetter) *AuthIdentity {
	return &AuthIdentity{
		ProviderUserID: providerUserID,
		Email:          email,
		DisplayName:    displayName,
		tokens:         tokens,
	}
}

// Token returns a bearer token for the identity.
func (a *AuthIdentity) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if a == nil || a.tokens == nil {
		return "", ErrNoIdentity
	}
	return a.tokens(ctx, forceRefresh)
}

// SameAccount reports whether both identities belong to the same account.
func (a *AuthIdentity) SameAccount(other *AuthIdentity) bool {
	if a == nil || other == nil {
		return false
	}
	return a.ProviderUserID == other.ProviderUserID && a.Email == other.Email
}

// EmailForUsername maps a username to the provider account email.
func EmailForUsername(username, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	return strings.TrimSpace(username) + "@" + domain
}

// DeriveUsername extracts the username from an identity email of the
// form <username>@<domain>. The domain match is case insensitive.
func DeriveUsername(email, domain string) (string, error) {
	if domain == "" {
		domain = DefaultDomain
	}

	suffix := "@" + strings.ToLower(domain)
	trimmed := strings.TrimSpace(email)
	if len(trimmed) <= len(suffix) || !strings.HasSuffix(strings.ToLower(trimmed), suffix) {
		return "", NewMalformedIdentityEmailError(email, domain)
	}

	username := trimmed[:len(trimmed)-len(suffix)]
	if strings.ContainsAny(username, "@ \t") {
		return "", NewMalformedIdentityEmailError(email, domain)
	}

	return username, nil
}
