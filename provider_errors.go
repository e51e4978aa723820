package hitch

import (
	goerrors "github.com/goliatone/go-errors"
)

// ProviderErrorKind is the closed set of identity provider failures
// surfaced to callers. Provider specific codes are mapped once, at the
// provider boundary.
type ProviderErrorKind string

const (
	ProviderErrUnknown             ProviderErrorKind = "unknown"
	ProviderErrWrongPassword       ProviderErrorKind = "wrong-password"
	ProviderErrUserNotFound        ProviderErrorKind = "user-not-found"
	ProviderErrEmailAlreadyExists  ProviderErrorKind = "email-already-exists"
	ProviderErrWeakPassword        ProviderErrorKind = "weak-password"
	ProviderErrRequiresRecentLogin ProviderErrorKind = "requires-recent-login"
	ProviderErrNetwork             ProviderErrorKind = "network"
)

var providerKindByTextCode = map[string]ProviderErrorKind{}

func init() {
	for _, kind := range []ProviderErrorKind{
		ProviderErrUnknown,
		ProviderErrWrongPassword,
		ProviderErrUserNotFound,
		ProviderErrEmailAlreadyExists,
		ProviderErrWeakPassword,
		ProviderErrRequiresRecentLogin,
		ProviderErrNetwork,
	} {
		providerKindByTextCode[kind.TextCode()] = kind
	}
}

// TextCode returns the rich error text code for the kind.
func (k ProviderErrorKind) TextCode() string {
	switch k {
	case ProviderErrWrongPassword:
		return "PROVIDER_WRONG_PASSWORD"
	case ProviderErrUserNotFound:
		return "PROVIDER_USER_NOT_FOUND"
	case ProviderErrEmailAlreadyExists:
		return "PROVIDER_EMAIL_ALREADY_EXISTS"
	case ProviderErrWeakPassword:
		return "PROVIDER_WEAK_PASSWORD"
	case ProviderErrRequiresRecentLogin:
		return "PROVIDER_REQUIRES_RECENT_LOGIN"
	case ProviderErrNetwork:
		return "PROVIDER_NETWORK"
	default:
		return "PROVIDER_UNKNOWN"
	}
}

func (k ProviderErrorKind) category() goerrors.Category {
	switch k {
	case ProviderErrWrongPassword, ProviderErrRequiresRecentLogin:
		return goerrors.CategoryAuth
	case ProviderErrUserNotFound:
		return goerrors.CategoryNotFound
	case ProviderErrEmailAlreadyExists:
		return goerrors.CategoryConflict
	case ProviderErrWeakPassword:
		return goerrors.CategoryValidation
	default:
		return goerrors.CategoryInternal
	}
}

func (k ProviderErrorKind) code() int {
	switch k {
	case ProviderErrWrongPassword, ProviderErrRequiresRecentLogin:
		return goerrors.CodeUnauthorized
	case ProviderErrUserNotFound:
		return goerrors.CodeNotFound
	case ProviderErrEmailAlreadyExists:
		return goerrors.CodeConflict
	case ProviderErrWeakPassword:
		return goerrors.CodeBadRequest
	default:
		return goerrors.CodeInternal
	}
}

// NewProviderError builds a rich error for kind. cause may be nil.
func NewProviderError(kind ProviderErrorKind, message string, cause error) error {
	if cause != nil {
		return goerrors.Wrap(cause, kind.category(), message).
			WithTextCode(kind.TextCode()).
			WithCode(kind.code())
	}
	return goerrors.New(message, kind.category()).
		WithTextCode(kind.TextCode()).
		WithCode(kind.code())
}

// ProviderErrorKindOf classifies err. Errors that did not come from an
// identity provider report ProviderErrUnknown.
func ProviderErrorKindOf(err error) ProviderErrorKind {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if kind, ok := providerKindByTextCode[richErr.TextCode]; ok {
			return kind
		}
	}
	return ProviderErrUnknown
}

// IsProviderError reports whether err carries the given kind.
func IsProviderError(err error, kind ProviderErrorKind) bool {
	return err != nil && ProviderErrorKindOf(err) == kind
}
