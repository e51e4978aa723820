package hitch

import (
	"context"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	// MinPasswordLength is the shortest password the local provider accepts.
	MinPasswordLength = 6
	// DefaultRecentLoginWindow is how long a sign in or reauthentication
	// allows sensitive account changes.
	DefaultRecentLoginWindow = 5 * time.Minute
	// tokenRefreshSkew re-mints cached tokens shortly before they expire.
	tokenRefreshSkew = time.Minute
)

// PasswordResetNotifier delivers password reset requests, e.g. by email.
type PasswordResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, reset *PasswordReset) error
}

// PasswordResetNotifierFunc adapts a function to PasswordResetNotifier.
type PasswordResetNotifierFunc func(ctx context.Context, reset *PasswordReset) error

// NotifyPasswordReset implements PasswordResetNotifier.
func (f PasswordResetNotifierFunc) NotifyPasswordReset(ctx context.Context, reset *PasswordReset) error {
	if f == nil {
		return nil
	}
	return f(ctx, reset)
}

// LocalIdentityProvider is an IdentityProvider backed by the accounts
// table. It holds one signed in account at a time, the way a browser tab
// holds one provider session.
type LocalIdentityProvider struct {
	repo         RepositoryManager
	tokens       *TokenService
	domain       string
	hashCost     int
	recentLogin  time.Duration
	notifier     PasswordResetNotifier
	logger       Logger
	activitySink ActivitySink
	now          func() time.Time

	mu           sync.Mutex
	current      *Account
	token        string
	tokenExpires time.Time
	reauthAt     time.Time

	identityEvents dispatcher[*AuthIdentity]
	tokenEvents    dispatcher[*AuthIdentity]
}

var _ IdentityProvider = (*LocalIdentityProvider)(nil)

// LocalProviderOption customizes the local provider.
type LocalProviderOption func(*LocalIdentityProvider)

// WithProviderDomain sets the fixed email domain for usernames.
func WithProviderDomain(domain string) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		if domain != "" {
			p.domain = domain
		}
	}
}

// WithPasswordHashCost sets the bcrypt cost for new passwords.
func WithPasswordHashCost(cost int) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		p.hashCost = cost
	}
}

// WithRecentLoginWindow sets how long a sign in allows password changes.
func WithRecentLoginWindow(d time.Duration) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		if d > 0 {
			p.recentLogin = d
		}
	}
}

// WithPasswordResetNotifier sets who delivers reset requests.
func WithPasswordResetNotifier(n PasswordResetNotifier) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		p.notifier = n
	}
}

// WithProviderLogger overrides the logger.
func WithProviderLogger(logger Logger) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProviderActivitySink records sign in, sign out and password events.
func WithProviderActivitySink(sink ActivitySink) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		p.activitySink = normalizeActivitySink(sink)
	}
}

// WithProviderClock injects a clock (useful for tests).
func WithProviderClock(now func() time.Time) LocalProviderOption {
	return func(p *LocalIdentityProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewLocalIdentityProvider returns a signed out provider.
func NewLocalIdentityProvider(repo RepositoryManager, tokens *TokenService, opts ...LocalProviderOption) *LocalIdentityProvider {
	p := &LocalIdentityProvider{
		repo:         repo,
		tokens:       tokens,
		domain:       DefaultDomain,
		hashCost:     DefaultPasswordHashCost,
		recentLogin:  DefaultRecentLoginWindow,
		logger:       defLogger("local_provider"),
		activitySink: noopActivitySink{},
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Domain returns the email domain used for usernames.
func (p *LocalIdentityProvider) Domain() string {
	return p.domain
}

// SignIn authenticates username with password and makes it the current identity.
func (p *LocalIdentityProvider) SignIn(ctx context.Context, username, password string) (*AuthIdentity, error) {
	email := EmailForUsername(username, p.domain)

	account, err := p.accountByEmail(ctx, email)
	if err != nil {
		p.recordFailure(ctx, username, err)
		return nil, err
	}

	if err := ComparePasswordAndHash(password, account.PasswordHash); err != nil {
		err = NewProviderError(ProviderErrWrongPassword, "wrong password", nil)
		p.recordFailure(ctx, username, err)
		return nil, err
	}

	now := p.now()
	account.SignedInAt = &now
	if updated, err := p.repo.Accounts().Update(ctx, account, repository.UpdateByID(account.ID.String())); err != nil {
		p.logger.Warn("failed to track sign in", "email", email, "error", err)
	} else if updated != nil {
		account = updated
	}

	identity, err := p.establish(account)
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, p.activitySink, p.logger, ActivityEvent{
		EventType: ActivityEventSignIn,
		Username:  strings.TrimSpace(username),
	})

	return identity, nil
}

// SignUp creates an account and signs it in.
func (p *LocalIdentityProvider) SignUp(ctx context.Context, username, password, displayName string) (*AuthIdentity, error) {
	if len(password) < MinPasswordLength {
		return nil, NewProviderError(ProviderErrWeakPassword, "password should be at least 6 characters", nil)
	}

	email := EmailForUsername(username, p.domain)
	if _, err := DeriveUsername(email, p.domain); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid username").
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}

	if _, err := p.repo.Accounts().GetByIdentifier(ctx, email); err == nil {
		return nil, NewProviderError(ProviderErrEmailAlreadyExists, "email already in use", nil)
	} else if !repository.IsRecordNotFound(err) {
		return nil, NewProviderError(ProviderErrNetwork, "account lookup failed", err)
	}

	hash, err := HashPasswordWithCost(password, p.hashCost)
	if err != nil {
		return nil, err
	}

	account := &Account{
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
	}
	if id, err := hashid.NewUUID(email); err == nil {
		account.ID = id
	} else {
		account.ID = uuid.New()
	}

	now := p.now()
	account.SignedInAt = &now

	account, err = p.repo.Accounts().Create(ctx, account)
	if err != nil {
		return nil, NewProviderError(ProviderErrEmailAlreadyExists, "could not create account", err)
	}

	identity, err := p.establish(account)
	if err != nil {
		return nil, err
	}

	recordActivity(ctx, p.activitySink, p.logger, ActivityEvent{
		EventType: ActivityEventSignUp,
		Username:  strings.TrimSpace(username),
	})

	return identity, nil
}

// SignOut clears the current identity. Signing out while signed out is a no-op
// that still notifies listeners.
func (p *LocalIdentityProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	var username string
	if p.current != nil {
		username, _ = DeriveUsername(p.current.Email, p.domain)
	}
	p.current = nil
	p.token = ""
	p.tokenExpires = time.Time{}
	p.reauthAt = time.Time{}
	p.identityEvents.enqueue(nil)
	p.tokenEvents.enqueue(nil)
	p.mu.Unlock()

	p.flush()

	recordActivity(ctx, p.activitySink, p.logger, ActivityEvent{
		EventType: ActivityEventSignOut,
		Username:  username,
	})
	return nil
}

// OnIdentityChanged registers fn and immediately replays the current
// identity to it.
func (p *LocalIdentityProvider) OnIdentityChanged(fn func(*AuthIdentity)) func() {
	return p.subscribe(&p.identityEvents, fn)
}

// OnTokenChanged registers fn and immediately replays the current
// identity to it.
func (p *LocalIdentityProvider) OnTokenChanged(fn func(*AuthIdentity)) func() {
	return p.subscribe(&p.tokenEvents, fn)
}

func (p *LocalIdentityProvider) subscribe(events *dispatcher[*AuthIdentity], fn func(*AuthIdentity)) func() {
	if fn == nil {
		return func() {}
	}

	p.mu.Lock()
	id, unsubscribe := events.subscribe(fn)
	events.enqueueFor(id, p.identityLocked())
	p.mu.Unlock()

	events.drain()
	return unsubscribe
}

// Listeners returns the number of identity and token listeners.
func (p *LocalIdentityProvider) Listeners() (identity, token int) {
	return p.identityEvents.size(), p.tokenEvents.size()
}

// CurrentIdentity returns a snapshot of the signed in identity, or nil.
func (p *LocalIdentityProvider) CurrentIdentity() *AuthIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identityLocked()
}

// CurrentToken returns the bearer token of the current identity. Cached
// tokens are reused until they near expiry unless forceRefresh is set.
// Minting a token reloads the account, so deleted accounts fail to refresh.
func (p *LocalIdentityProvider) CurrentToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return "", ErrNoIdentity
	}
	if !forceRefresh && p.token != "" && p.now().Before(p.tokenExpires.Add(-tokenRefreshSkew)) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	accountID := p.current.ID
	p.mu.Unlock()

	account, err := p.repo.Accounts().GetByID(ctx, accountID.String())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return "", NewProviderError(ProviderErrUserNotFound, "account no longer exists", err)
		}
		return "", NewProviderError(ProviderErrNetwork, "account lookup failed", err)
	}

	token, expires, err := p.tokens.Mint(account)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.current == nil || p.current.ID != accountID {
		p.mu.Unlock()
		return "", ErrNoIdentity
	}
	p.current = account
	p.token = token
	p.tokenExpires = expires
	p.tokenEvents.enqueue(p.identityLocked())
	p.mu.Unlock()

	p.tokenEvents.drain()
	return token, nil
}

// Reauthenticate confirms the current identity's password, opening the
// recent login window for sensitive changes.
func (p *LocalIdentityProvider) Reauthenticate(ctx context.Context, password string) error {
	account, err := p.reloadCurrent(ctx)
	if err != nil {
		return err
	}

	if err := ComparePasswordAndHash(password, account.PasswordHash); err != nil {
		return NewProviderError(ProviderErrWrongPassword, "wrong password", nil)
	}

	p.mu.Lock()
	if p.current != nil && p.current.ID == account.ID {
		p.reauthAt = p.now()
	}
	p.mu.Unlock()
	return nil
}

// UpdatePassword sets a new password for the current identity. It
// requires a recent sign in or reauthentication.
func (p *LocalIdentityProvider) UpdatePassword(ctx context.Context, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return NewProviderError(ProviderErrWeakPassword, "password should be at least 6 characters", nil)
	}

	p.mu.Lock()
	recent := p.current != nil && p.now().Sub(p.reauthAt) <= p.recentLogin
	p.mu.Unlock()
	if !recent {
		return NewProviderError(ProviderErrRequiresRecentLogin, "this operation requires a recent login", nil)
	}

	account, err := p.reloadCurrent(ctx)
	if err != nil {
		return err
	}

	hash, err := HashPasswordWithCost(newPassword, p.hashCost)
	if err != nil {
		return err
	}
	account.PasswordHash = hash
	account.TokenVersion++

	err = p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := p.repo.Accounts().UpdateTx(ctx, tx, account, repository.UpdateByID(account.ID.String())); err != nil {
			return err
		}
		return p.closeResetsTx(ctx, tx, account.ID)
	})
	if err != nil {
		return NewProviderError(ProviderErrNetwork, "failed to update password", err)
	}

	username, _ := DeriveUsername(account.Email, p.domain)
	recordActivity(ctx, p.activitySink, p.logger, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		Username:  username,
	})

	// tokens minted before the bump fail AccountVersionVerifier
	_, err = p.CurrentToken(ctx, true)
	return err
}

// closeResetsTx marks the account's pending reset requests as changed.
func (p *LocalIdentityProvider) closeResetsTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) error {
	resets := p.repo.PasswordResets()
	pending, _, err := resets.ListTx(ctx, tx,
		repository.SelectBy("account_id", "=", accountID.String()),
		repository.SelectBy("status", "=", ResetRequestedStatus),
	)
	if err != nil {
		return err
	}

	for _, reset := range pending {
		if _, err := resets.UpdateTx(ctx, tx, MarkPasswordAsReseted(reset.ID), repository.UpdateColumns("status", "reseted_at")); err != nil {
			return err
		}
	}

	if len(pending) > 0 {
		p.logger.Debug("closed password resets", "account_id", accountID, "count", len(pending))
	}
	return nil
}

// UpdateDisplayName changes the display name of the current identity.
func (p *LocalIdentityProvider) UpdateDisplayName(ctx context.Context, displayName string) error {
	account, err := p.reloadCurrent(ctx)
	if err != nil {
		return err
	}

	account.DisplayName = strings.TrimSpace(displayName)
	updated, err := p.repo.Accounts().Update(ctx, account, repository.UpdateByID(account.ID.String()))
	if err != nil {
		return NewProviderError(ProviderErrNetwork, "failed to update display name", err)
	}
	if updated == nil {
		updated = account
	}

	p.mu.Lock()
	if p.current != nil && p.current.ID == updated.ID {
		p.current = updated
	}
	p.mu.Unlock()
	return nil
}

// SendPasswordReset records a reset request for the account with the
// given email and hands it to the notifier.
func (p *LocalIdentityProvider) SendPasswordReset(ctx context.Context, email string) error {
	account, err := p.accountByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return err
	}

	reset := &PasswordReset{
		ID:        uuid.New(),
		AccountID: account.ID,
		Email:     account.Email,
		Status:    ResetRequestedStatus,
	}

	reset, err = p.repo.PasswordResets().Create(ctx, reset)
	if err != nil {
		return NewProviderError(ProviderErrNetwork, "failed to record password reset", err)
	}

	if p.notifier != nil {
		if err := p.notifier.NotifyPasswordReset(ctx, reset); err != nil {
			return NewProviderError(ProviderErrNetwork, "failed to deliver password reset", err)
		}
	}

	username, _ := DeriveUsername(account.Email, p.domain)
	recordActivity(ctx, p.activitySink, p.logger, ActivityEvent{
		EventType: ActivityEventPasswordReset,
		Username:  username,
		Metadata:  map[string]any{"reset_id": reset.ID.String()},
	})
	return nil
}

func (p *LocalIdentityProvider) accountByEmail(ctx context.Context, email string) (*Account, error) {
	account, err := p.repo.Accounts().GetByIdentifier(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, NewProviderError(ProviderErrUserNotFound, "no account for email", err)
		}
		return nil, NewProviderError(ProviderErrNetwork, "account lookup failed", err)
	}
	return account, nil
}

func (p *LocalIdentityProvider) reloadCurrent(ctx context.Context) (*Account, error) {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return nil, ErrNoIdentity
	}
	id := p.current.ID
	p.mu.Unlock()

	account, err := p.repo.Accounts().GetByID(ctx, id.String())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, NewProviderError(ProviderErrUserNotFound, "account no longer exists", err)
		}
		return nil, NewProviderError(ProviderErrNetwork, "account lookup failed", err)
	}
	return account, nil
}

// establish makes account the current identity with a fresh token and
// notifies both listener sets.
func (p *LocalIdentityProvider) establish(account *Account) (*AuthIdentity, error) {
	token, expires, err := p.tokens.Mint(account)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = account
	p.token = token
	p.tokenExpires = expires
	p.reauthAt = p.now()
	identity := p.identityLocked()
	p.identityEvents.enqueue(identity)
	p.tokenEvents.enqueue(identity)
	p.mu.Unlock()

	p.flush()
	return identity, nil
}

func (p *LocalIdentityProvider) flush() {
	p.identityEvents.drain()
	p.tokenEvents.drain()
}

// identityLocked snapshots the current account. p.mu must be held.
func (p *LocalIdentityProvider) identityLocked() *AuthIdentity {
	if p.current == nil {
		return nil
	}
	accountID := p.current.ID
	return NewAuthIdentity(
		accountID.String(),
		p.current.Email,
		p.current.DisplayName,
		func(ctx context.Context, forceRefresh bool) (string, error) {
			if current := p.CurrentIdentity(); current == nil || current.ProviderUserID != accountID.String() {
				return "", ErrNoIdentity
			}
			return p.CurrentToken(ctx, forceRefresh)
		},
	)
}

func (p *LocalIdentityProvider) recordFailure(ctx context.Context, username string, err error) {
	recordActivity(ctx, p.activitySink, p.logger, ActivityEvent{
		EventType: ActivityEventSignInFailure,
		Username:  strings.TrimSpace(username),
		Metadata: map[string]any{
			"kind": string(ProviderErrorKindOf(err)),
		},
	})
}
