package hitch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Logger is the logging contract used across the package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// IdentityProvider wraps the external authentication service.
type IdentityProvider interface {
	SignIn(ctx context.Context, username, password string) (*AuthIdentity, error)
	SignUp(ctx context.Context, username, password, displayName string) (*AuthIdentity, error)
	SignOut(ctx context.Context) error

	// OnIdentityChanged registers fn for sign-in/sign-out events. fn is
	// called with nil when the identity is cleared. The returned func
	// releases the subscription.
	OnIdentityChanged(fn func(*AuthIdentity)) func()
	// OnTokenChanged registers fn for every token change, including
	// refreshes of the same account.
	OnTokenChanged(fn func(*AuthIdentity)) func()

	CurrentIdentity() *AuthIdentity
	CurrentToken(ctx context.Context, forceRefresh bool) (string, error)

	Reauthenticate(ctx context.Context, password string) error
	UpdatePassword(ctx context.Context, newPassword string) error
	UpdateDisplayName(ctx context.Context, displayName string) error
	SendPasswordReset(ctx context.Context, email string) error
}

// ProfileStore holds UserInfo rows keyed by username.
// Find methods return nil, nil when no row matches.
type ProfileStore interface {
	FindByUsername(ctx context.Context, username string) (*UserInfo, error)
	FindByEmail(ctx context.Context, email string) (*UserInfo, error)
	Create(ctx context.Context, username, email string) (*UserInfo, error)
	UpdateEmail(ctx context.Context, username, email string) (*UserInfo, error)
}

// TokenSidecar stores the latest bearer token where server side
// requests can read it. An empty token means logged out.
type TokenSidecar interface {
	SetToken(ctx context.Context, token string) error
}

// TokenSidecarFunc adapts a function to TokenSidecar.
type TokenSidecarFunc func(ctx context.Context, token string) error

// SetToken implements TokenSidecar.
func (f TokenSidecarFunc) SetToken(ctx context.Context, token string) error {
	if f == nil {
		return nil
	}
	return f(ctx, token)
}

// Config holds session options
type Config interface {
	GetDomain() string
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	GetTokenExpiration() time.Duration
	GetRefreshInterval() time.Duration
	GetLookupTimeout() time.Duration
	GetCookieName() string
	GetCookiePath() string
	GetJWKSURL() string
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a slog.Logger. A nil logger uses slog.Default.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l}
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func defLogger(name string) Logger {
	return slogLogger{l: slog.Default().With("component", fmt.Sprintf("hitch.%s", name))}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger discards everything.
func NoopLogger() Logger {
	return noopLogger{}
}
