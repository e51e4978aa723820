package hitch

import (
	"context"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

// JWKSVerifier verifies tokens signed by a remote identity provider,
// using the key set published at a JWKS URL.
type JWKSVerifier struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience []string
	now      func() time.Time
}

// JWKSOption customizes a JWKSVerifier.
type JWKSOption func(*jwksConfig)

type jwksConfig struct {
	options  keyfunc.Options
	issuer   string
	audience []string
	now      func() time.Time
}

// WithJWKSIssuer requires the iss claim to match.
func WithJWKSIssuer(issuer string) JWKSOption {
	return func(c *jwksConfig) {
		c.issuer = issuer
	}
}

// WithJWKSAudience requires the aud claim to contain one of audience.
func WithJWKSAudience(audience ...string) JWKSOption {
	return func(c *jwksConfig) {
		c.audience = append(c.audience, audience...)
	}
}

// WithJWKSRefreshInterval sets how often the key set is refetched.
func WithJWKSRefreshInterval(interval time.Duration) JWKSOption {
	return func(c *jwksConfig) {
		c.options.RefreshInterval = interval
	}
}

// WithJWKSClock injects a clock used for claim validation.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *jwksConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSVerifier fetches the key set at url and keeps it refreshed in
// the background until Close is called.
func NewJWKSVerifier(url string, logger Logger, opts ...JWKSOption) (*JWKSVerifier, error) {
	if logger == nil {
		logger = defLogger("jwks")
	}

	cfg := &jwksConfig{
		options: keyfunc.Options{
			RefreshErrorHandler: func(err error) {
				logger.Warn("failed to do a background refresh of JWT set", "url", url, "error", err)
			},
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  time.Minute * 5,
			RefreshTimeout:    time.Second * 10,
			RefreshUnknownKID: true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	jwks, err := keyfunc.Get(url, cfg.options)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to fetch JWK set").
			WithMetadata(map[string]any{"url": url})
	}

	return newJWKSVerifier(jwks, cfg), nil
}

// NewGivenKeysVerifier verifies tokens against a fixed set of keys,
// indexed by kid.
func NewGivenKeysVerifier(keys map[string]keyfunc.GivenKey, opts ...JWKSOption) *JWKSVerifier {
	cfg := &jwksConfig{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return newJWKSVerifier(keyfunc.NewGiven(keys), cfg)
}

func newJWKSVerifier(jwks *keyfunc.JWKS, cfg *jwksConfig) *JWKSVerifier {
	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   cfg.issuer,
		audience: cfg.audience,
		now:      cfg.now,
	}
}

// Verify satisfies the TokenVerifier interface.
func (v *JWKSVerifier) Verify(tokenString string) (*TokenClaims, error) {
	parserOptions := []jwt.ParserOption{jwt.WithTimeFunc(v.now)}
	if v.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(v.issuer))
	}
	if len(v.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(v.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, v.jwks.Keyfunc, parserOptions...)
	return claimsFromParse(token, err)
}

// Close stops the background key set refresh.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

// MultiVerifier tries verifiers in order until one succeeds. Malformed
// token errors move on to the next verifier; any other error is final.
type MultiVerifier struct {
	verifiers []TokenVerifier
}

// NewMultiVerifier filters nil verifiers and returns a composite verifier.
func NewMultiVerifier(verifiers ...TokenVerifier) *MultiVerifier {
	filtered := make([]TokenVerifier, 0, len(verifiers))
	for _, v := range verifiers {
		if v != nil {
			filtered = append(filtered, v)
		}
	}
	return &MultiVerifier{verifiers: filtered}
}

// Verify satisfies the TokenVerifier interface.
func (m *MultiVerifier) Verify(tokenString string) (*TokenClaims, error) {
	var lastErr error
	for _, v := range m.verifiers {
		claims, err := v.Verify(tokenString)
		if err == nil {
			return claims, nil
		}
		if hasTextCode(err, TextCodeTokenMalformed) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTokenMalformed
}

// AccountVersionVerifier wraps the verifier of locally minted tokens and
// rejects tokens whose ver claim is behind the account's token version,
// e.g. tokens minted before a password change. Tokens of deleted
// accounts are rejected as well.
type AccountVersionVerifier struct {
	inner    TokenVerifier
	accounts repository.Repository[*Account]
	timeout  time.Duration
	logger   Logger
}

// AccountVersionOption customizes an AccountVersionVerifier.
type AccountVersionOption func(*AccountVersionVerifier)

// WithAccountLookupTimeout bounds the account lookup of each verification.
func WithAccountLookupTimeout(d time.Duration) AccountVersionOption {
	return func(v *AccountVersionVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithAccountVersionLogger overrides the logger.
func WithAccountVersionLogger(logger Logger) AccountVersionOption {
	return func(v *AccountVersionVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewAccountVersionVerifier checks tokens accepted by inner against accounts.
func NewAccountVersionVerifier(inner TokenVerifier, accounts repository.Repository[*Account], opts ...AccountVersionOption) *AccountVersionVerifier {
	v := &AccountVersionVerifier{
		inner:    inner,
		accounts: accounts,
		timeout:  5 * time.Second,
		logger:   defLogger("token_version"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify satisfies the TokenVerifier interface.
func (v *AccountVersionVerifier) Verify(tokenString string) (*TokenClaims, error) {
	claims, err := v.inner.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	account, err := v.accounts.GetByID(ctx, claims.Subject())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrTokenRevoked
		}
		v.logger.Error("token account lookup failed", "subject", claims.Subject(), "error", err)
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "token account lookup failed").
			WithCode(goerrors.CodeInternal)
	}

	if account.TokenVersion != claims.TokenVersion {
		v.logger.Debug("rejecting token with stale version",
			"subject", claims.Subject(),
			"token_version", claims.TokenVersion,
			"account_version", account.TokenVersion,
		)
		return nil, ErrTokenRevoked
	}

	return claims, nil
}
