package hitch_test

import (
	"context"
	"testing"

	hitch "github.com/goliatone/go-hitch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		domain  string
		want    string
		wantErr bool
	}{
		{name: "default domain", email: "bob@" + hitch.DefaultDomain, want: "bob"},
		{name: "custom domain", email: "alice@example.com", domain: "example.com", want: "alice"},
		{name: "domain is case insensitive", email: "alice@Example.COM", domain: "example.com", want: "alice"},
		{name: "username keeps its case", email: "Alice@example.com", domain: "example.com", want: "Alice"},
		{name: "surrounding space", email: "  bob@example.com ", domain: "example.com", want: "bob"},
		{name: "other domain", email: "bob@other.com", domain: "example.com", wantErr: true},
		{name: "empty username", email: "@example.com", domain: "example.com", wantErr: true},
		{name: "empty email", email: "", domain: "example.com", wantErr: true},
		{name: "nested at", email: "a@b@example.com", domain: "example.com", wantErr: true},
		{name: "suffix without at", email: "bobexample.com", domain: "example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hitch.DeriveUsername(tt.email, tt.domain)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, hitch.IsMalformedIdentityEmail(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmailForUsernameRoundTrip(t *testing.T) {
	email := hitch.EmailForUsername("bob", "")
	assert.Equal(t, "bob@"+hitch.DefaultDomain, email)

	username, err := hitch.DeriveUsername(email, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", username)
}

func TestAuthIdentitySameAccount(t *testing.T) {
	a := hitch.NewAuthIdentity("uid-1", "bob@example.com", "Bob", nil)
	b := hitch.NewAuthIdentity("uid-1", "bob@example.com", "Bobby", nil)
	c := hitch.NewAuthIdentity("uid-2", "bob@example.com", "Bob", nil)

	assert.True(t, a.SameAccount(b))
	assert.False(t, a.SameAccount(c))
	assert.False(t, a.SameAccount(nil))

	var none *hitch.AuthIdentity
	assert.False(t, none.SameAccount(a))
}

func TestAuthIdentityToken(t *testing.T) {
	var forced bool
	identity := hitch.NewAuthIdentity("uid-1", "bob@example.com", "Bob", func(ctx context.Context, force bool) (string, error) {
		forced = force
		return "token-bob", nil
	})

	token, err := identity.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "token-bob", token)
	assert.True(t, forced)

	_, err = hitch.NewAuthIdentity("uid-2", "x@example.com", "", nil).Token(context.Background(), false)
	assert.ErrorIs(t, err, hitch.ErrNoIdentity)
}
