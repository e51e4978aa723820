package hitch

import (
	"fmt"
)

// SessionStatus tags the Session variant
type SessionStatus string

const (
	StatusUnauthenticated SessionStatus = "unauthenticated"
	StatusLoading         SessionStatus = "loading"
	StatusAuthenticated   SessionStatus = "authenticated"
	StatusErrored         SessionStatus = "errored"
)

// Session is the UI facing view of who the current user is. Only the
// fields of the active variant are set: User and Identity for
// authenticated, Err for errored.
type Session struct {
	Status   SessionStatus
	User     *UserInfo
	Identity *AuthIdentity
	Err      error
}

// Unauthenticated returns the session with no identity present.
func Unauthenticated() Session {
	return Session{Status: StatusUnauthenticated}
}

// Loading returns the session while the profile lookup is in flight.
func Loading() Session {
	return Session{Status: StatusLoading}
}

// Authenticated returns the session for a resolved identity and profile.
func Authenticated(user *UserInfo, identity *AuthIdentity) Session {
	return Session{
		Status:   StatusAuthenticated,
		User:     user.Clone(),
		Identity: identity,
	}
}

// Errored returns the session for an identity that could not be reconciled.
func Errored(err error) Session {
	return Session{Status: StatusErrored, Err: err}
}

func (s Session) IsAuthenticated() bool   { return s.Status == StatusAuthenticated }
func (s Session) IsLoading() bool         { return s.Status == StatusLoading }
func (s Session) IsUnauthenticated() bool { return s.Status == StatusUnauthenticated }
func (s Session) IsErrored() bool         { return s.Status == StatusErrored }

// Username returns the authenticated username or an empty string.
func (s Session) Username() string {
	if s.Status != StatusAuthenticated || s.User == nil {
		return ""
	}
	return s.User.Username
}

func (s Session) String() string {
	switch s.Status {
	case StatusAuthenticated:
		return fmt.Sprintf("status=%s user=%s", s.Status, s.Username())
	case StatusErrored:
		return fmt.Sprintf("status=%s err=%v", s.Status, s.Err)
	default:
		return fmt.Sprintf("status=%s", s.Status)
	}
}

// SessionEvent names what moved the reconciler between states.
type SessionEvent string

const (
	EventIdentityObserved SessionEvent = "identity-observed"
	EventIdentityCleared  SessionEvent = "identity-cleared"
	EventLookupResolved   SessionEvent = "lookup-resolved"
)

// sessionTransitions is the transition graph. identity-observed and
// identity-cleared are accepted from every state; lookup results only
// move a loading (or silently revalidating authenticated) session.
var sessionTransitions = map[SessionEvent]map[SessionStatus]map[SessionStatus]struct{}{
	EventIdentityCleared: {
		StatusUnauthenticated: {StatusUnauthenticated: {}},
		StatusLoading:         {StatusUnauthenticated: {}},
		StatusAuthenticated:   {StatusUnauthenticated: {}},
		StatusErrored:         {StatusUnauthenticated: {}},
	},
	EventIdentityObserved: {
		StatusUnauthenticated: {StatusLoading: {}},
		StatusLoading:         {StatusLoading: {}},
		StatusAuthenticated:   {StatusLoading: {}, StatusAuthenticated: {}},
		StatusErrored:         {StatusLoading: {}},
	},
	EventLookupResolved: {
		StatusLoading:       {StatusAuthenticated: {}, StatusErrored: {}},
		StatusAuthenticated: {StatusAuthenticated: {}, StatusErrored: {}},
	},
}

// CanTransition reports whether event may move a session from one status to another.
func CanTransition(event SessionEvent, from, to SessionStatus) bool {
	byFrom, ok := sessionTransitions[event]
	if !ok {
		return false
	}
	allowed, ok := byFrom[from]
	if !ok {
		return false
	}
	_, exists := allowed[to]
	return exists
}
