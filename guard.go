package hitch

import (
	"net/url"

	goerrors "github.com/goliatone/go-errors"
)

// DefaultLoginPath is where unauthenticated sessions are sent when the
// policy does not say otherwise.
const DefaultLoginPath = "/auth/login"

// DecisionKind tags a guard Decision.
type DecisionKind string

const (
	DecisionRender        DecisionKind = "render"
	DecisionRedirect      DecisionKind = "redirect"
	DecisionRenderLoading DecisionKind = "render-loading"
	DecisionRenderError   DecisionKind = "render-error"
)

// Decision is what a guarded route should present.
type Decision struct {
	Kind    DecisionKind
	Content any
	Target  string
}

// Render presents content.
func Render(content any) Decision {
	return Decision{Kind: DecisionRender, Content: content}
}

// Redirect sends the user to target.
func Redirect(target string) Decision {
	return Decision{Kind: DecisionRedirect, Target: target}
}

// RenderLoading presents the loading screen.
func RenderLoading() Decision {
	return Decision{Kind: DecisionRenderLoading}
}

// RenderError presents the session error. Content holds err.
func RenderError(err error) Decision {
	return Decision{Kind: DecisionRenderError, Content: err}
}

// Outcome says what to do for one session state. Exactly one of Content,
// RenderFunc, RedirectTo or ShowLoading should be set.
type Outcome struct {
	Content     any
	RenderFunc  func(Session) any
	RedirectTo  string
	ShowLoading bool
}

// ShowContent renders static content.
func ShowContent(content any) *Outcome {
	return &Outcome{Content: content}
}

// ShowFunc renders content built from the session, e.g. the signed in user.
func ShowFunc(fn func(Session) any) *Outcome {
	return &Outcome{RenderFunc: fn}
}

// RedirectOutcome redirects to target.
func RedirectOutcome(target string) *Outcome {
	return &Outcome{RedirectTo: target}
}

// LoadingOutcome shows the loading screen.
func LoadingOutcome() *Outcome {
	return &Outcome{ShowLoading: true}
}

func (o *Outcome) decide(s Session) Decision {
	switch {
	case o.RedirectTo != "":
		return Redirect(o.RedirectTo)
	case o.RenderFunc != nil:
		return Render(o.RenderFunc(s))
	case o.ShowLoading:
		return RenderLoading()
	default:
		return Render(o.Content)
	}
}

// Policy declares the outcome for every session state. Errored has no
// default: a broken account must never be handled as a logged out one.
type Policy struct {
	// Path is the guarded route, used for the login callback.
	Path string
	// LoginPath overrides DefaultLoginPath.
	LoginPath string

	Authenticated   *Outcome
	Unauthenticated *Outcome
	Loading         *Outcome
	Errored         *Outcome
}

// ErrErroredPolicyMissing is returned for policies that do not handle
// the errored state.
var ErrErroredPolicyMissing = goerrors.New("guard policy must handle the errored session state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeErroredPolicyMissing).
	WithCode(goerrors.CodeBadRequest)

// Validate checks the policy is complete.
func (p Policy) Validate() error {
	if p.Errored == nil {
		return ErrErroredPolicyMissing
	}
	if p.Authenticated == nil {
		return goerrors.New("guard policy must handle the authenticated session state", goerrors.CategoryBadInput).
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}
	return nil
}

// Guard decides what a route presents for a session.
type Guard struct {
	policy Policy
}

// NewGuard validates policy and returns a guard for it.
func NewGuard(policy Policy) (*Guard, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Guard{policy: policy}, nil
}

// Decide is a pure function of the session and the guard policy.
func (g *Guard) Decide(s Session) Decision {
	return Decide(s, g.policy)
}

// Decide applies policy to s. Policies should be validated first;
// an errored session under a policy without an Errored outcome renders
// the session error, never the logged out remedy.
func Decide(s Session, p Policy) Decision {
	switch s.Status {
	case StatusAuthenticated:
		if p.Authenticated == nil {
			return Render(nil)
		}
		return p.Authenticated.decide(s)
	case StatusLoading:
		if p.Loading == nil {
			return RenderLoading()
		}
		return p.Loading.decide(s)
	case StatusErrored:
		if p.Errored == nil {
			return RenderError(s.Err)
		}
		return p.Errored.decide(s)
	default:
		if p.Unauthenticated == nil {
			return Redirect(p.loginTarget())
		}
		return p.Unauthenticated.decide(s)
	}
}

func (p Policy) loginTarget() string {
	login := p.LoginPath
	if login == "" {
		login = DefaultLoginPath
	}
	path := p.Path
	if path == "" {
		path = "/"
	}
	return login + "?callback=" + url.QueryEscape(path)
}
