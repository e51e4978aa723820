package hitch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// DefaultCookieName is the cookie carrying the bearer token.
	DefaultCookieName = "token"
	// DefaultCookiePath scopes the token cookie to the whole site.
	DefaultCookiePath = "/"
)

// MemorySidecar keeps the latest token in memory.
type MemorySidecar struct {
	mu    sync.RWMutex
	token string
}

var _ TokenSidecar = (*MemorySidecar)(nil)

// NewMemorySidecar returns an empty sidecar.
func NewMemorySidecar() *MemorySidecar {
	return &MemorySidecar{}
}

// SetToken implements TokenSidecar.
func (m *MemorySidecar) SetToken(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

// Token returns the last token written, "" when logged out.
func (m *MemorySidecar) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// CookieJarSidecar writes the token as a cookie into a jar so HTTP
// clients sharing the jar send it with every request to the site.
type CookieJarSidecar struct {
	jar  http.CookieJar
	site *url.URL
	name string
	path string
}

var _ TokenSidecar = (*CookieJarSidecar)(nil)

// CookieSidecarOption customizes the cookie written by the sidecar.
type CookieSidecarOption func(*CookieJarSidecar)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) CookieSidecarOption {
	return func(c *CookieJarSidecar) {
		if name != "" {
			c.name = name
		}
	}
}

// WithCookiePath overrides DefaultCookiePath.
func WithCookiePath(path string) CookieSidecarOption {
	return func(c *CookieJarSidecar) {
		if path != "" {
			c.path = path
		}
	}
}

// NewCookieJarSidecar writes cookies for siteURL into jar.
func NewCookieJarSidecar(jar http.CookieJar, siteURL string, opts ...CookieSidecarOption) (*CookieJarSidecar, error) {
	if jar == nil {
		return nil, goerrors.New("cookie jar is required", goerrors.CategoryBadInput).
			WithTextCode(TextCodeInvalidInput)
	}

	site, err := url.Parse(siteURL)
	if err != nil || site.Host == "" {
		return nil, goerrors.New("invalid site url", goerrors.CategoryBadInput).
			WithTextCode(TextCodeInvalidInput).
			WithMetadata(map[string]any{"url": siteURL})
	}

	c := &CookieJarSidecar{
		jar:  jar,
		site: site,
		name: DefaultCookieName,
		path: DefaultCookiePath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// SetToken implements TokenSidecar. An empty token expires the cookie.
func (c *CookieJarSidecar) SetToken(_ context.Context, token string) error {
	cookie := &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     c.path,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if token == "" {
		cookie.MaxAge = -1
	}
	c.jar.SetCookies(c.site, []*http.Cookie{cookie})
	return nil
}

// Token returns the token cookie currently held by the jar.
func (c *CookieJarSidecar) Token() string {
	for _, cookie := range c.jar.Cookies(c.site) {
		if cookie.Name == c.name {
			return cookie.Value
		}
	}
	return ""
}

// MultiSidecar writes to every sidecar and joins their errors.
type MultiSidecar []TokenSidecar

// SetToken implements TokenSidecar.
func (m MultiSidecar) SetToken(ctx context.Context, token string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SetToken(ctx, token); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return goerrors.Wrap(errors.Join(errs...), goerrors.CategoryOperation, "token sidecar write failed")
}
