package hitch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	hitch "github.com/goliatone/go-hitch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type reconcilerFixture struct {
	provider   *fakeProvider
	profiles   *MockProfileStore
	reconciler *hitch.Reconciler
	recorded   *recorder
	activity   *activityRecorder
	ticker     *manualTicker
}

func newReconcilerFixture(t *testing.T, opts ...hitch.ReconcilerOption) *reconcilerFixture {
	t.Helper()

	f := &reconcilerFixture{
		provider: newFakeProvider(),
		profiles: &MockProfileStore{},
		recorded: &recorder{},
		activity: &activityRecorder{},
		ticker:   newManualTicker(),
	}

	base := []hitch.ReconcilerOption{
		hitch.WithReconcilerLogger(hitch.NoopLogger()),
		hitch.WithReconcilerActivitySink(f.activity),
		hitch.WithTicker(f.ticker.Ticker),
	}
	f.reconciler = hitch.NewReconciler(f.provider, f.profiles, append(base, opts...)...)
	f.reconciler.Sessions().Subscribe(f.recorded.Record)

	require.NoError(t, f.reconciler.Start(context.Background()))
	t.Cleanup(func() { _ = f.reconciler.Close() })

	return f
}

// waitFor polls the recorder so every earlier delivery has been recorded
// when it returns.
func (f *reconcilerFixture) waitFor(t *testing.T, match func(hitch.Session) bool) hitch.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return match(f.recorded.Last())
	}, waitFor, 2*time.Millisecond, "session never matched")
	return f.recorded.Last()
}

func settled(s hitch.Session) bool {
	return s.IsAuthenticated() || s.IsErrored()
}

func TestReconciler_InitialStateIsUnauthenticated(t *testing.T) {
	r := hitch.NewReconciler(newFakeProvider(), &MockProfileStore{})
	assert.True(t, r.Current().IsUnauthenticated())
}

func TestReconciler_IdentityWithProfileAuthenticates(t *testing.T) {
	f := newReconcilerFixture(t)
	bob := profileFor("bob", "bob@example.com")
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(bob, nil)

	identity := identityFor("bob")
	f.provider.EmitIdentity(identity)

	s := f.waitFor(t, settled)
	require.True(t, s.IsAuthenticated(), s.String())
	assert.Equal(t, "bob", s.User.Username)
	assert.Equal(t, "bob@example.com", s.User.Email)
	assert.Same(t, identity, s.Identity)
	assert.Equal(t, []hitch.SessionStatus{hitch.StatusLoading, hitch.StatusAuthenticated}, f.recorded.Statuses())
}

func TestReconciler_DisplayNameComesFromIdentity(t *testing.T) {
	f := newReconcilerFixture(t)
	stored := profileFor("bob", "bob@example.com")
	stored.DisplayName = "Stored Bob"
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(stored, nil)
	f.profiles.On("FindByUsername", mock.Anything, "carol").Return(&hitch.UserInfo{
		Username:    "carol",
		Email:       "carol@example.com",
		DisplayName: "Carol",
	}, nil)

	f.provider.EmitIdentity(hitch.NewAuthIdentity("uid-bob", hitch.EmailForUsername("bob", hitch.DefaultDomain), "Bob", nil))
	s := f.waitFor(t, settled)
	require.True(t, s.IsAuthenticated(), s.String())
	assert.Equal(t, "Bob", s.User.DisplayName)
	assert.Equal(t, "Stored Bob", stored.DisplayName, "store record must not be mutated")

	f.provider.EmitIdentity(hitch.NewAuthIdentity("uid-carol", hitch.EmailForUsername("carol", hitch.DefaultDomain), "", nil))
	s = f.waitFor(t, func(s hitch.Session) bool { return s.IsAuthenticated() && s.Username() == "carol" })
	assert.Equal(t, "Carol", s.User.DisplayName)
}

func TestReconciler_IdentityWithoutProfileErrors(t *testing.T) {
	f := newReconcilerFixture(t)
	f.profiles.On("FindByUsername", mock.Anything, "carol").Return(nil, nil)

	f.provider.EmitIdentity(identityFor("carol"))

	s := f.waitFor(t, settled)
	require.True(t, s.IsErrored())
	assert.True(t, hitch.IsProfileNotFound(s.Err))
	assert.Equal(t, []hitch.SessionStatus{hitch.StatusLoading, hitch.StatusErrored}, f.recorded.Statuses())
}

func TestReconciler_MalformedEmailErrorsWithoutLookup(t *testing.T) {
	f := newReconcilerFixture(t)

	f.provider.EmitIdentity(hitch.NewAuthIdentity("uid-x", "x@gmail.com", "x", nil))

	s := f.waitFor(t, settled)
	require.True(t, s.IsErrored())
	assert.True(t, hitch.IsMalformedIdentityEmail(s.Err))
	f.profiles.AssertNotCalled(t, "FindByUsername", mock.Anything, mock.Anything)
}

func TestReconciler_StoreFailureErrors(t *testing.T) {
	f := newReconcilerFixture(t)
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(nil, errors.New("connection refused"))

	f.provider.EmitIdentity(identityFor("bob"))

	s := f.waitFor(t, settled)
	require.True(t, s.IsErrored())
	assert.True(t, hitch.IsStoreError(s.Err))
	assert.Contains(t, s.Err.Error(), "connection refused")
}

func TestReconciler_LookupTimeoutIsStoreError(t *testing.T) {
	f := newReconcilerFixture(t, hitch.WithLookupTimeout(20*time.Millisecond))
	f.profiles.On("FindByUsername", mock.Anything, "bob").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	f.provider.EmitIdentity(identityFor("bob"))

	s := f.waitFor(t, settled)
	require.True(t, s.IsErrored())
	assert.True(t, hitch.IsStoreError(s.Err))
}

func TestReconciler_ClearedWhileAuthenticatedIsImmediate(t *testing.T) {
	f := newReconcilerFixture(t)
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)

	f.provider.EmitIdentity(identityFor("bob"))
	f.waitFor(t, hitch.Session.IsAuthenticated)

	f.provider.EmitIdentity(nil)

	assert.True(t, f.reconciler.Current().IsUnauthenticated())
	f.waitFor(t, hitch.Session.IsUnauthenticated)
	assert.Equal(t, []hitch.SessionStatus{
		hitch.StatusLoading,
		hitch.StatusAuthenticated,
		hitch.StatusUnauthenticated,
	}, f.recorded.Statuses())
}

func TestReconciler_ClearedDuringLookupDiscardsResult(t *testing.T) {
	f := newReconcilerFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.profiles.On("FindByUsername", mock.Anything, "bob").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(profileFor("bob", "bob@example.com"), nil)

	f.provider.EmitIdentity(identityFor("bob"))
	<-started
	f.provider.EmitIdentity(nil)
	close(release)

	// the stale lookup must never publish
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.reconciler.Current().IsUnauthenticated())
	assert.Equal(t, []hitch.SessionStatus{hitch.StatusLoading, hitch.StatusUnauthenticated}, f.recorded.Statuses())
}

func TestReconciler_LastIdentityWins(t *testing.T) {
	f := newReconcilerFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.profiles.On("FindByUsername", mock.Anything, "alice").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(profileFor("alice", "alice@example.com"), nil)
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)

	f.provider.EmitIdentity(identityFor("alice"))
	<-started
	f.provider.EmitIdentity(identityFor("bob"))

	s := f.waitFor(t, hitch.Session.IsAuthenticated)
	assert.Equal(t, "bob", s.User.Username)

	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, "bob", f.reconciler.Current().Username())
	assert.Equal(t, []hitch.SessionStatus{
		hitch.StatusLoading,
		hitch.StatusLoading,
		hitch.StatusAuthenticated,
	}, f.recorded.Statuses())
}

func TestReconciler_SameAccountRevalidatesWithoutLoading(t *testing.T) {
	f := newReconcilerFixture(t)
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil).Once()
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@new.example.com"), nil).Once()

	identity := identityFor("bob")
	f.provider.EmitIdentity(identity)
	f.waitFor(t, hitch.Session.IsAuthenticated)

	f.provider.EmitIdentity(identityFor("bob"))
	assert.True(t, f.reconciler.Current().IsAuthenticated())

	s := f.waitFor(t, func(s hitch.Session) bool {
		return s.IsAuthenticated() && s.User.Email == "bob@new.example.com"
	})
	assert.Equal(t, "bob", s.Username())
	assert.Equal(t, []hitch.SessionStatus{
		hitch.StatusLoading,
		hitch.StatusAuthenticated,
		hitch.StatusAuthenticated,
	}, f.recorded.Statuses())
}

func TestReconciler_EmailFallbackStrategy(t *testing.T) {
	t.Run("matching username authenticates", func(t *testing.T) {
		f := newReconcilerFixture(t, hitch.WithLookupStrategy(hitch.LookupByUsernameThenEmail))
		email := hitch.EmailForUsername("bob", hitch.DefaultDomain)
		f.profiles.On("FindByUsername", mock.Anything, "bob").Return(nil, nil)
		f.profiles.On("FindByEmail", mock.Anything, email).Return(profileFor("bob", email), nil)

		f.provider.EmitIdentity(identityFor("bob"))

		s := f.waitFor(t, settled)
		require.True(t, s.IsAuthenticated())
		assert.Equal(t, "bob", s.Username())
	})

	t.Run("different username is a desync", func(t *testing.T) {
		f := newReconcilerFixture(t, hitch.WithLookupStrategy(hitch.LookupByUsernameThenEmail))
		email := hitch.EmailForUsername("bob", hitch.DefaultDomain)
		f.profiles.On("FindByUsername", mock.Anything, "bob").Return(nil, nil)
		f.profiles.On("FindByEmail", mock.Anything, email).Return(profileFor("robert", email), nil)

		f.provider.EmitIdentity(identityFor("bob"))

		s := f.waitFor(t, settled)
		require.True(t, s.IsErrored())
		assert.True(t, hitch.IsProfileNotFound(s.Err))
		require.True(t, hitch.IsProfileDesync(s.Err))

		var richErr *goerrors.Error
		require.True(t, goerrors.As(s.Err, &richErr))
		assert.Equal(t, "robert", richErr.Metadata["profile_username"])
	})

	t.Run("no row under either key is plain not found", func(t *testing.T) {
		f := newReconcilerFixture(t, hitch.WithLookupStrategy(hitch.LookupByUsernameThenEmail))
		email := hitch.EmailForUsername("bob", hitch.DefaultDomain)
		f.profiles.On("FindByUsername", mock.Anything, "bob").Return(nil, nil)
		f.profiles.On("FindByEmail", mock.Anything, email).Return(nil, nil)

		f.provider.EmitIdentity(identityFor("bob"))

		s := f.waitFor(t, settled)
		require.True(t, s.IsErrored())
		assert.True(t, hitch.IsProfileNotFound(s.Err))
		assert.False(t, hitch.IsProfileDesync(s.Err))
	})

	t.Run("default strategy never reads email", func(t *testing.T) {
		f := newReconcilerFixture(t)
		f.profiles.On("FindByUsername", mock.Anything, "bob").Return(nil, nil)

		f.provider.EmitIdentity(identityFor("bob"))

		s := f.waitFor(t, settled)
		require.True(t, s.IsErrored())
		f.profiles.AssertNotCalled(t, "FindByEmail", mock.Anything, mock.Anything)
	})
}

func TestReconciler_TokenChangesReachSidecar(t *testing.T) {
	sidecar := hitch.NewMemorySidecar()
	f := newReconcilerFixture(t, hitch.WithTokenSidecar(sidecar))

	f.provider.EmitToken(identityFor("bob"))
	assert.Equal(t, "token-bob", sidecar.Token())

	f.provider.EmitToken(nil)
	assert.Equal(t, "", sidecar.Token())
}

func TestReconciler_SidecarFailureIsRecorded(t *testing.T) {
	f := newReconcilerFixture(t, hitch.WithTokenSidecar(hitch.TokenSidecarFunc(func(context.Context, string) error {
		return errors.New("disk full")
	})))

	f.provider.EmitToken(identityFor("bob"))

	events := f.activity.OfType(hitch.ActivityEventSidecarFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "disk full", events[0].Metadata["error"])
	assert.True(t, f.reconciler.Current().IsUnauthenticated())
}

func TestReconciler_BackgroundRefresh(t *testing.T) {
	f := newReconcilerFixture(t, hitch.WithRefreshInterval(time.Minute))
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)

	// no identity, no refresh
	f.ticker.Tick()
	assert.Equal(t, 0, f.provider.ForcedRefreshes())

	f.provider.EmitIdentity(identityFor("bob"))
	f.waitFor(t, hitch.Session.IsAuthenticated)

	f.ticker.Tick()
	assert.Eventually(t, func() bool { return f.provider.ForcedRefreshes() == 1 }, waitFor, 5*time.Millisecond)
}

func TestReconciler_RefreshFailureLeavesSession(t *testing.T) {
	f := newReconcilerFixture(t, hitch.WithRefreshInterval(time.Minute))
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)
	f.provider.SetRefresh(func(context.Context, bool) (string, error) {
		return "", hitch.NewProviderError(hitch.ProviderErrNetwork, "offline", nil)
	})

	f.provider.EmitIdentity(identityFor("bob"))
	f.waitFor(t, hitch.Session.IsAuthenticated)
	before := f.recorded.Statuses()

	f.ticker.Tick()
	assert.Eventually(t, func() bool {
		return len(f.activity.OfType(hitch.ActivityEventTokenRefreshFailed)) == 1
	}, waitFor, 5*time.Millisecond)

	assert.True(t, f.reconciler.Current().IsAuthenticated())
	assert.Equal(t, before, f.recorded.Statuses())

	event := f.activity.OfType(hitch.ActivityEventTokenRefreshFailed)[0]
	assert.Equal(t, "bob", event.Username)
}

func TestReconciler_CloseReleasesSubscriptions(t *testing.T) {
	f := newReconcilerFixture(t, hitch.WithRefreshInterval(time.Minute))

	identities, tokens := f.provider.Listeners()
	assert.Equal(t, 1, identities)
	assert.Equal(t, 1, tokens)

	require.NoError(t, f.reconciler.Close())
	require.NoError(t, f.reconciler.Close())

	identities, tokens = f.provider.Listeners()
	assert.Equal(t, 0, identities)
	assert.Equal(t, 0, tokens)
	assert.True(t, f.ticker.Stopped())

	assert.ErrorIs(t, f.reconciler.Start(context.Background()), hitch.ErrReconcilerClosed)
}

func TestReconciler_ContextCancelCloses(t *testing.T) {
	provider := newFakeProvider()
	r := hitch.NewReconciler(provider, &MockProfileStore{}, hitch.WithRefreshInterval(0))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		identities, tokens := provider.Listeners()
		return identities == 0 && tokens == 0
	}, waitFor, 5*time.Millisecond)
}

func TestReconciler_SubscriberMaySignOutInsideCallback(t *testing.T) {
	f := newReconcilerFixture(t)
	f.profiles.On("FindByUsername", mock.Anything, "carol").Return(nil, nil)

	f.reconciler.Sessions().Subscribe(func(s hitch.Session) {
		if s.IsErrored() {
			_ = f.provider.SignOut(context.Background())
		}
	})

	f.provider.EmitIdentity(identityFor("carol"))

	f.waitFor(t, func(s hitch.Session) bool {
		return s.IsUnauthenticated() && len(f.recorded.Statuses()) == 3
	})
	assert.Equal(t, []hitch.SessionStatus{
		hitch.StatusLoading,
		hitch.StatusErrored,
		hitch.StatusUnauthenticated,
	}, f.recorded.Statuses())
}

func TestReconciler_RecordsTransitions(t *testing.T) {
	f := newReconcilerFixture(t)
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)

	f.provider.EmitIdentity(identityFor("bob"))
	f.waitFor(t, hitch.Session.IsAuthenticated)

	events := f.activity.OfType(hitch.ActivityEventSessionTransition)
	require.Len(t, events, 2)
	assert.Equal(t, hitch.StatusUnauthenticated, events[0].FromStatus)
	assert.Equal(t, hitch.StatusLoading, events[0].ToStatus)
	assert.Equal(t, hitch.StatusLoading, events[1].FromStatus)
	assert.Equal(t, hitch.StatusAuthenticated, events[1].ToStatus)
	assert.Equal(t, "bob", events[1].Username)
}

func TestReconciler_FromConfig(t *testing.T) {
	cfg := testConfig{domain: "example.test", refresh: time.Minute, lookup: time.Second}
	provider := newFakeProvider()
	profiles := &MockProfileStore{}
	profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)

	r := hitch.NewReconcilerFromConfig(provider, profiles, cfg,
		hitch.WithTicker(newManualTicker().Ticker),
		hitch.WithReconcilerLogger(hitch.NoopLogger()),
	)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	provider.EmitIdentity(hitch.NewAuthIdentity("uid-bob", "bob@example.test", "Bob", nil))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := r.Sessions().Wait(ctx, settled)
	require.NoError(t, err)
	assert.True(t, s.IsAuthenticated())
}

type testConfig struct {
	domain  string
	key     string
	refresh time.Duration
	lookup  time.Duration
}

func (c testConfig) GetDomain() string                 { return c.domain }
func (c testConfig) GetSigningKey() string             { return c.key }
func (c testConfig) GetIssuer() string                 { return "hitch-test" }
func (c testConfig) GetAudience() []string             { return []string{"hitch"} }
func (c testConfig) GetTokenExpiration() time.Duration { return time.Hour }
func (c testConfig) GetRefreshInterval() time.Duration { return c.refresh }
func (c testConfig) GetLookupTimeout() time.Duration   { return c.lookup }
func (c testConfig) GetCookieName() string             { return "token" }
func (c testConfig) GetCookiePath() string             { return "/" }
func (c testConfig) GetJWKSURL() string                { return "" }

func TestReconciler_SlowActivitySinkDoesNotHoldTheLock(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := hitch.ActivitySinkFunc(func(ctx context.Context, event hitch.ActivityEvent) error {
		if event.EventType == hitch.ActivityEventSessionTransition {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	})

	sidecar := hitch.NewMemorySidecar()
	f := newReconcilerFixture(t, hitch.WithReconcilerActivitySink(sink), hitch.WithTokenSidecar(sidecar))
	f.profiles.On("FindByUsername", mock.Anything, "bob").Return(profileFor("bob", "bob@example.com"), nil)
	defer close(release)

	go f.provider.EmitIdentity(identityFor("bob"))
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("activity sink never called")
	}
	assert.True(t, f.recorded.Last().IsLoading())

	done := make(chan struct{})
	go func() {
		f.provider.EmitToken(identityFor("bob"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("token event blocked behind the activity sink")
	}
	assert.Equal(t, "token-bob", sidecar.Token())
}
