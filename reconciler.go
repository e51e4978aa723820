package hitch

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultRefreshInterval is how often the reconciler forces a token refresh.
	DefaultRefreshInterval = 10 * time.Minute
	// DefaultLookupTimeout bounds a single profile lookup.
	DefaultLookupTimeout = 10 * time.Second
)

// LookupStrategy selects how an identity is matched to a profile row.
type LookupStrategy int

const (
	// LookupByUsername matches on the username derived from the identity email.
	LookupByUsername LookupStrategy = iota
	// LookupByUsernameThenEmail falls back to the full identity email when
	// no row matches the username. The username stays authoritative, so an
	// email match under another username is reported as a desync. With
	// BunProfileStore the fallback only fires for rows whose username was
	// renamed out of band; it exists for stores where the two keys can drift.
	LookupByUsernameThenEmail
)

// Ticker delivers refresh ticks until stop is called.
type Ticker func(d time.Duration) (ticks <-chan time.Time, stop func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ReconcilerOption customizes reconciler construction.
type ReconcilerOption func(*Reconciler)

// WithDomain sets the fixed identity email domain.
func WithDomain(domain string) ReconcilerOption {
	return func(r *Reconciler) {
		if domain != "" {
			r.domain = domain
		}
	}
}

// WithTokenSidecar sets where the latest bearer token is written.
func WithTokenSidecar(sidecar TokenSidecar) ReconcilerOption {
	return func(r *Reconciler) {
		if sidecar != nil {
			r.sidecar = sidecar
		}
	}
}

// WithRefreshInterval overrides the background token refresh interval.
// A non positive interval disables the refresh.
func WithRefreshInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.refreshInterval = d
	}
}

// WithLookupTimeout overrides the profile lookup timeout.
func WithLookupTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// WithLookupStrategy selects how identities are matched to profiles.
func WithLookupStrategy(strategy LookupStrategy) ReconcilerOption {
	return func(r *Reconciler) {
		r.strategy = strategy
	}
}

// WithTicker injects the ticker used for background refresh (useful for tests).
func WithTicker(t Ticker) ReconcilerOption {
	return func(r *Reconciler) {
		if t != nil {
			r.ticker = t
		}
	}
}

// WithReconcilerLogger overrides the logger.
func WithReconcilerLogger(logger Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReconcilerActivitySink sets the sink used for transitions and refresh failures.
func WithReconcilerActivitySink(sink ActivitySink) ReconcilerOption {
	return func(r *Reconciler) {
		r.activitySink = normalizeActivitySink(sink)
	}
}

// WithSessionContext publishes into an existing context.
func WithSessionContext(c *SessionContext) ReconcilerOption {
	return func(r *Reconciler) {
		if c != nil {
			r.sessions = c
		}
	}
}

// Reconciler derives the Session from identity provider events and the
// profile store. It is the only writer of its SessionContext.
type Reconciler struct {
	provider        IdentityProvider
	profiles        ProfileStore
	sessions        *SessionContext
	sidecar         TokenSidecar
	domain          string
	refreshInterval time.Duration
	lookupTimeout   time.Duration
	strategy        LookupStrategy
	ticker          Ticker
	logger          Logger
	activitySink    ActivitySink
	transitions     dispatcher[ActivityEvent]

	mu         sync.Mutex
	state      Session
	generation uint64
	started    bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	releases   []func()
	wg         sync.WaitGroup
}

// NewReconciler returns a reconciler in the unauthenticated state. Call
// Start to subscribe to the provider.
func NewReconciler(provider IdentityProvider, profiles ProfileStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		provider:        provider,
		profiles:        profiles,
		sessions:        NewSessionContext(),
		sidecar:         TokenSidecarFunc(nil),
		domain:          DefaultDomain,
		refreshInterval: DefaultRefreshInterval,
		lookupTimeout:   DefaultLookupTimeout,
		strategy:        LookupByUsername,
		ticker:          realTicker,
		logger:          defLogger("reconciler"),
		activitySink:    noopActivitySink{},
		state:           Unauthenticated(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.transitions.subscribe(func(event ActivityEvent) {
		recordActivity(context.Background(), r.activitySink, r.logger, event)
	})

	return r
}

// NewReconcilerFromConfig wires a reconciler from a Config.
func NewReconcilerFromConfig(provider IdentityProvider, profiles ProfileStore, cfg Config, opts ...ReconcilerOption) *Reconciler {
	base := []ReconcilerOption{
		WithDomain(cfg.GetDomain()),
		WithRefreshInterval(cfg.GetRefreshInterval()),
		WithLookupTimeout(cfg.GetLookupTimeout()),
	}
	return NewReconciler(provider, profiles, append(base, opts...)...)
}

// Sessions returns the read side of the reconciler.
func (r *Reconciler) Sessions() *SessionContext {
	return r.sessions
}

// Current is a shortcut for Sessions().Current().
func (r *Reconciler) Current() Session {
	return r.sessions.Current()
}

// Start subscribes to the provider and arms the background refresh. The
// reconciler runs until ctx is done or Close is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReconcilerClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	releaseIdentity := r.provider.OnIdentityChanged(r.handleIdentity)
	releaseToken := r.provider.OnTokenChanged(r.handleToken)

	r.mu.Lock()
	r.releases = append(r.releases, releaseIdentity, releaseToken)
	r.mu.Unlock()

	if r.refreshInterval > 0 {
		ticks, stop := r.ticker(r.refreshInterval)
		r.mu.Lock()
		r.releases = append(r.releases, stop)
		r.mu.Unlock()

		r.wg.Add(1)
		go r.refreshLoop(r.ctx, ticks)
	}

	go func(done <-chan struct{}) {
		<-done
		r.Close()
	}(r.ctx.Done())

	return nil
}

// Close releases the provider subscriptions, stops the refresh ticker and
// cancels in-flight lookups. Lookups that still complete afterwards are
// discarded. It is safe to call more than once.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.generation++
	releases := r.releases
	r.releases = nil
	cancel := r.cancel
	r.mu.Unlock()

	for _, release := range releases {
		if release != nil {
			release()
		}
	}

	if cancel != nil {
		cancel()
	}

	r.wg.Wait()
	return nil
}

func (r *Reconciler) handleIdentity(identity *AuthIdentity) {
	if identity == nil {
		r.clearIdentity()
		return
	}
	r.observeIdentity(identity)
}

func (r *Reconciler) clearIdentity() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.generation++
	r.transitionLocked(EventIdentityCleared, Unauthenticated())
	r.mu.Unlock()

	r.flush()
}

func (r *Reconciler) observeIdentity(identity *AuthIdentity) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.generation++
	gen := r.generation
	revalidate := r.state.IsAuthenticated() && r.state.Identity.SameAccount(identity)

	if !revalidate {
		r.transitionLocked(EventIdentityObserved, Loading())
	}
	ctx := r.ctx
	r.mu.Unlock()

	r.flush()

	go r.lookup(ctx, gen, identity)
}

func (r *Reconciler) lookup(parent context.Context, gen uint64, identity *AuthIdentity) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, r.lookupTimeout)
	defer cancel()

	result := r.resolve(ctx, identity)

	r.mu.Lock()
	if r.closed || gen != r.generation {
		r.mu.Unlock()
		r.logger.Debug("discarding stale profile lookup", "generation", gen, "email", identity.Email)
		return
	}
	r.transitionLocked(EventLookupResolved, result)
	r.mu.Unlock()

	r.flush()
}

func (r *Reconciler) resolve(ctx context.Context, identity *AuthIdentity) Session {
	username, err := DeriveUsername(identity.Email, r.domain)
	if err != nil {
		return Errored(err)
	}

	user, err := r.profiles.FindByUsername(ctx, username)
	if err != nil {
		return Errored(storeError(ctx, err, "find by username"))
	}

	if user == nil && r.strategy == LookupByUsernameThenEmail {
		user, err = r.profiles.FindByEmail(ctx, identity.Email)
		if err != nil {
			return Errored(storeError(ctx, err, "find by email"))
		}
		if user != nil && user.Username != username {
			r.logger.Warn("profile email matches a different username",
				"username", username,
				"profile_username", user.Username,
			)
			return Errored(NewProfileDesyncError(username, identity.Email, user.Username))
		}
	}

	if user == nil {
		return Errored(NewProfileNotFoundError(username))
	}

	// the provider owns the display name; the stored one is a fallback
	user = user.Clone()
	if identity.DisplayName != "" {
		user.DisplayName = identity.DisplayName
	}

	return Authenticated(user, identity)
}

func storeError(ctx context.Context, err error, operation string) error {
	if IsStoreError(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return NewStoreError(ctxErr, operation)
	}
	return NewStoreError(err, operation)
}

// transitionLocked moves the state and queues the new session and its
// activity record. r.mu must be held; call flush after unlocking.
func (r *Reconciler) transitionLocked(event SessionEvent, next Session) {
	from := r.state.Status
	if !CanTransition(event, from, next.Status) {
		r.logger.Error("illegal session transition",
			"event", event,
			"from", from,
			"to", next.Status,
		)
	}

	r.state = next
	r.sessions.enqueue(next)

	meta := map[string]any{"event": string(event)}
	if next.Err != nil {
		meta["error"] = next.Err.Error()
	}
	r.transitions.enqueue(ActivityEvent{
		EventType:  ActivityEventSessionTransition,
		Username:   next.Username(),
		FromStatus: from,
		ToStatus:   next.Status,
		Metadata:   meta,
	})
}

// flush delivers queued sessions, then their activity records.
func (r *Reconciler) flush() {
	r.sessions.drain()
	r.transitions.drain()
}

func (r *Reconciler) handleToken(identity *AuthIdentity) {
	ctx := r.context()

	token := ""
	if identity != nil {
		var err error
		token, err = identity.Token(ctx, false)
		if err != nil {
			r.logger.Warn("unable to read token for sidecar", "error", err)
			token = ""
		}
	}

	if err := r.sidecar.SetToken(ctx, token); err != nil {
		r.logger.Error("token sidecar write failed", "error", err)
		recordActivity(ctx, r.activitySink, r.logger, ActivityEvent{
			EventType: ActivityEventSidecarFailed,
			Metadata:  map[string]any{"error": err.Error()},
		})
	}
}

func (r *Reconciler) refreshLoop(ctx context.Context, ticks <-chan time.Time) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			r.refreshToken(ctx)
		}
	}
}

// refreshToken forces a new token while an identity exists. Failures are
// logged and recorded only; the session is left untouched.
func (r *Reconciler) refreshToken(ctx context.Context) {
	if r.provider.CurrentIdentity() == nil {
		return
	}

	if _, err := r.provider.CurrentToken(ctx, true); err != nil {
		refreshErr := NewTokenRefreshError(err)
		r.logger.Warn("background token refresh failed, retrying next tick", "error", refreshErr)
		recordActivity(ctx, r.activitySink, r.logger, ActivityEvent{
			EventType: ActivityEventTokenRefreshFailed,
			Username:  r.Current().Username(),
			Metadata:  map[string]any{"error": refreshErr.Error()},
		})
	}
}

func (r *Reconciler) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}
