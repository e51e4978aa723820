package hitch

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeMalformedIdentityEmail = "MALFORMED_IDENTITY_EMAIL"
	TextCodeProfileNotFound        = "PROFILE_NOT_FOUND"
	TextCodeProfileDesync          = "PROFILE_DESYNC"
	TextCodeStoreError             = "PROFILE_STORE_ERROR"
	TextCodeTokenRefreshFailed     = "TOKEN_REFRESH_FAILED"
	TextCodeErroredPolicyMissing   = "GUARD_ERRORED_POLICY_MISSING"
	TextCodeTokenExpired           = "TOKEN_EXPIRED"
	TextCodeTokenMalformed         = "TOKEN_MALFORMED"
	TextCodeInvalidInput           = "INVALID_INPUT"
	TextCodeTokenRevoked           = "TOKEN_REVOKED"
)

// ErrTokenExpired is returned by verifiers for expired bearer tokens.
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenRevoked is returned for tokens minted before the account's
// token version changed, or for accounts that no longer exist.
var ErrTokenRevoked = goerrors.New("token has been revoked", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenRevoked).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenMalformed is returned by verifiers for unparsable or forged tokens.
var ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoIdentity is returned when an operation needs a signed in identity.
var ErrNoIdentity = goerrors.New("no identity signed in", goerrors.CategoryAuth).
	WithTextCode("NO_IDENTITY").
	WithCode(goerrors.CodeUnauthorized)

// ErrNoEmptyString is returned for empty passwords.
var ErrNoEmptyString = goerrors.New("value must not be empty", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidInput).
	WithCode(goerrors.CodeBadRequest)

// NewMalformedIdentityEmailError reports an identity email that does not
// end in the configured domain.
func NewMalformedIdentityEmailError(email, domain string) error {
	return goerrors.New("malformed identity email", goerrors.CategoryValidation).
		WithTextCode(TextCodeMalformedIdentityEmail).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{
			"email":  email,
			"domain": domain,
		})
}

// NewProfileNotFoundError reports an authenticated identity without a profile row.
func NewProfileNotFoundError(username string) error {
	return goerrors.New("no profile for authenticated identity", goerrors.CategoryNotFound).
		WithTextCode(TextCodeProfileNotFound).
		WithCode(goerrors.CodeNotFound).
		WithMetadata(map[string]any{
			"username": username,
		})
}

// NewProfileDesyncError reports a profile row that carries the identity
// email under another username. It is a ProfileNotFound error as well.
func NewProfileDesyncError(username, email, profileUsername string) error {
	return goerrors.New("profile email belongs to a different username", goerrors.CategoryNotFound).
		WithTextCode(TextCodeProfileDesync).
		WithCode(goerrors.CodeNotFound).
		WithMetadata(map[string]any{
			"username":         username,
			"email":            email,
			"profile_username": profileUsername,
		})
}

// NewStoreError wraps an infrastructure failure of the profile store.
func NewStoreError(err error, operation string) *goerrors.Error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, "profile store "+operation+" failed").
		WithTextCode(TextCodeStoreError).
		WithCode(goerrors.CodeInternal)
}

// NewTokenRefreshError wraps a failed background token refresh.
func NewTokenRefreshError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation, "background token refresh failed").
		WithTextCode(TextCodeTokenRefreshFailed)
}

// IsMalformedIdentityEmail reports whether err is a malformed identity email error.
func IsMalformedIdentityEmail(err error) bool {
	return hasTextCode(err, TextCodeMalformedIdentityEmail)
}

// IsProfileNotFound reports whether err is a missing profile error.
func IsProfileNotFound(err error) bool {
	return hasTextCode(err, TextCodeProfileNotFound) || IsProfileDesync(err)
}

// IsProfileDesync reports whether the profile matched by email has another username.
func IsProfileDesync(err error) bool {
	return hasTextCode(err, TextCodeProfileDesync)
}

// IsStoreError reports whether err is a profile store failure.
func IsStoreError(err error) bool {
	return hasTextCode(err, TextCodeStoreError)
}

// IsTokenRefreshError reports whether err is a background refresh failure.
func IsTokenRefreshError(err error) bool {
	return hasTextCode(err, TextCodeTokenRefreshFailed)
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if hasTextCode(err, TextCodeTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// ErrReconcilerClosed is returned when starting a reconciler after Close.
var ErrReconcilerClosed = goerrors.New("reconciler is closed", goerrors.CategoryOperation).
	WithTextCode("RECONCILER_CLOSED")
