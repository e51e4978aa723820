package hitch_test

import (
	"context"
	"sync"
	"time"

	hitch "github.com/goliatone/go-hitch"
	"github.com/stretchr/testify/mock"
)

// MockProfileStore implements hitch.ProfileStore
type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) FindByUsername(ctx context.Context, username string) (*hitch.UserInfo, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hitch.UserInfo), args.Error(1)
}

func (m *MockProfileStore) FindByEmail(ctx context.Context, email string) (*hitch.UserInfo, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hitch.UserInfo), args.Error(1)
}

func (m *MockProfileStore) Create(ctx context.Context, username, email string) (*hitch.UserInfo, error) {
	args := m.Called(ctx, username, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hitch.UserInfo), args.Error(1)
}

func (m *MockProfileStore) UpdateEmail(ctx context.Context, username, email string) (*hitch.UserInfo, error) {
	args := m.Called(ctx, username, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hitch.UserInfo), args.Error(1)
}

// MockIdentityProvider implements hitch.IdentityProvider for command tests
type MockIdentityProvider struct {
	mock.Mock
}

func (m *MockIdentityProvider) SignIn(ctx context.Context, username, password string) (*hitch.AuthIdentity, error) {
	args := m.Called(ctx, username, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hitch.AuthIdentity), args.Error(1)
}

func (m *MockIdentityProvider) SignUp(ctx context.Context, username, password, displayName string) (*hitch.AuthIdentity, error) {
	args := m.Called(ctx, username, password, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*hitch.AuthIdentity), args.Error(1)
}

func (m *MockIdentityProvider) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockIdentityProvider) OnIdentityChanged(fn func(*hitch.AuthIdentity)) func() {
	m.Called(fn)
	return func() {}
}

func (m *MockIdentityProvider) OnTokenChanged(fn func(*hitch.AuthIdentity)) func() {
	m.Called(fn)
	return func() {}
}

func (m *MockIdentityProvider) CurrentIdentity() *hitch.AuthIdentity {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*hitch.AuthIdentity)
}

func (m *MockIdentityProvider) CurrentToken(ctx context.Context, forceRefresh bool) (string, error) {
	args := m.Called(ctx, forceRefresh)
	return args.String(0), args.Error(1)
}

func (m *MockIdentityProvider) Reauthenticate(ctx context.Context, password string) error {
	args := m.Called(ctx, password)
	return args.Error(0)
}

func (m *MockIdentityProvider) UpdatePassword(ctx context.Context, newPassword string) error {
	args := m.Called(ctx, newPassword)
	return args.Error(0)
}

func (m *MockIdentityProvider) UpdateDisplayName(ctx context.Context, displayName string) error {
	args := m.Called(ctx, displayName)
	return args.Error(0)
}

func (m *MockIdentityProvider) SendPasswordReset(ctx context.Context, email string) error {
	args := m.Called(ctx, email)
	return args.Error(0)
}

// fakeProvider is an IdentityProvider whose events are driven by the test.
type fakeProvider struct {
	mu          sync.Mutex
	identity    *hitch.AuthIdentity
	identityFns map[int]func(*hitch.AuthIdentity)
	tokenFns    map[int]func(*hitch.AuthIdentity)
	next        int
	refresh     func(ctx context.Context, force bool) (string, error)
	forced      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		identityFns: map[int]func(*hitch.AuthIdentity){},
		tokenFns:    map[int]func(*hitch.AuthIdentity){},
	}
}

func (p *fakeProvider) EmitIdentity(identity *hitch.AuthIdentity) {
	p.mu.Lock()
	p.identity = identity
	fns := make([]func(*hitch.AuthIdentity), 0, len(p.identityFns))
	for _, fn := range p.identityFns {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(identity)
	}
}

func (p *fakeProvider) EmitToken(identity *hitch.AuthIdentity) {
	p.mu.Lock()
	fns := make([]func(*hitch.AuthIdentity), 0, len(p.tokenFns))
	for _, fn := range p.tokenFns {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(identity)
	}
}

func (p *fakeProvider) Listeners() (identity, token int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identityFns), len(p.tokenFns)
}

func (p *fakeProvider) ForcedRefreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}

func (p *fakeProvider) SetRefresh(fn func(ctx context.Context, force bool) (string, error)) {
	p.mu.Lock()
	p.refresh = fn
	p.mu.Unlock()
}

func (p *fakeProvider) SignIn(ctx context.Context, username, password string) (*hitch.AuthIdentity, error) {
	identity := identityFor(username)
	p.EmitIdentity(identity)
	p.EmitToken(identity)
	return identity, nil
}

func (p *fakeProvider) SignUp(ctx context.Context, username, password, displayName string) (*hitch.AuthIdentity, error) {
	return p.SignIn(ctx, username, password)
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.EmitIdentity(nil)
	p.EmitToken(nil)
	return nil
}

func (p *fakeProvider) OnIdentityChanged(fn func(*hitch.AuthIdentity)) func() {
	return p.subscribe(p.identityFns, fn)
}

func (p *fakeProvider) OnTokenChanged(fn func(*hitch.AuthIdentity)) func() {
	return p.subscribe(p.tokenFns, fn)
}

func (p *fakeProvider) subscribe(set map[int]func(*hitch.AuthIdentity), fn func(*hitch.AuthIdentity)) func() {
	p.mu.Lock()
	p.next++
	id := p.next
	set[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(set, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) CurrentIdentity() *hitch.AuthIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

func (p *fakeProvider) CurrentToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	if forceRefresh {
		p.forced++
	}
	refresh := p.refresh
	identity := p.identity
	p.mu.Unlock()

	if refresh != nil {
		return refresh(ctx, forceRefresh)
	}
	if identity == nil {
		return "", hitch.ErrNoIdentity
	}
	return "token-" + identity.ProviderUserID, nil
}

func (p *fakeProvider) Reauthenticate(ctx context.Context, password string) error { return nil }

func (p *fakeProvider) UpdatePassword(ctx context.Context, newPassword string) error { return nil }

func (p *fakeProvider) UpdateDisplayName(ctx context.Context, displayName string) error { return nil }

func (p *fakeProvider) SendPasswordReset(ctx context.Context, email string) error { return nil }

// manualTicker is a hitch.Ticker driven by the test.
type manualTicker struct {
	mu       sync.Mutex
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ticks: make(chan time.Time)}
}

func (m *manualTicker) Ticker(d time.Duration) (<-chan time.Time, func()) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	return m.ticks, func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
	}
}

func (m *manualTicker) Tick() {
	m.ticks <- time.Now()
}

func (m *manualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// recorder collects published sessions.
type recorder struct {
	mu       sync.Mutex
	sessions []hitch.Session
}

func (r *recorder) Record(s hitch.Session) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

func (r *recorder) Statuses() []hitch.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hitch.SessionStatus, len(r.sessions))
	for i, s := range r.sessions {
		out[i] = s.Status
	}
	return out
}

func (r *recorder) Last() hitch.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return hitch.Session{}
	}
	return r.sessions[len(r.sessions)-1]
}

// activityRecorder is an ActivitySink collecting events.
type activityRecorder struct {
	mu     sync.Mutex
	events []hitch.ActivityEvent
}

func (a *activityRecorder) Record(_ context.Context, event hitch.ActivityEvent) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *activityRecorder) OfType(t hitch.ActivityEventType) []hitch.ActivityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []hitch.ActivityEvent
	for _, e := range a.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func identityFor(username string) *hitch.AuthIdentity {
	return hitch.NewAuthIdentity(
		"uid-"+username,
		hitch.EmailForUsername(username, hitch.DefaultDomain),
		username,
		func(ctx context.Context, forceRefresh bool) (string, error) {
			return "token-" + username, nil
		},
	)
}

func profileFor(username, email string) *hitch.UserInfo {
	return &hitch.UserInfo{Username: username, Email: email}
}
