package hitch

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

// RequestPasswordResetMessage asks for a reset email for a contact email.
type RequestPasswordResetMessage struct {
	Email string `json:"email"`
}

func (e RequestPasswordResetMessage) Type() string { return "user.password_reset.request" }

// Validate checks the request form.
func (e RequestPasswordResetMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.Email),
	)
}

// RequestPasswordResetHandler sends a reset only when a profile owns the
// contact email. Unknown emails succeed silently so the response does not
// reveal which emails have accounts.
type RequestPasswordResetHandler struct {
	provider IdentityProvider
	profiles ProfileStore
	domain   string
	logger   Logger
}

// NewRequestPasswordResetHandler returns a reset request handler.
func NewRequestPasswordResetHandler(provider IdentityProvider, profiles ProfileStore, domain string, logger Logger) *RequestPasswordResetHandler {
	if domain == "" {
		domain = DefaultDomain
	}
	if logger == nil {
		logger = defLogger("password_reset")
	}
	return &RequestPasswordResetHandler{provider: provider, profiles: profiles, domain: domain, logger: logger}
}

func (h *RequestPasswordResetHandler) Execute(ctx context.Context, event RequestPasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset request",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RequestPasswordResetHandler) execute(ctx context.Context, event RequestPasswordResetMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password reset request").
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	user, err := h.profiles.FindByEmail(ctx, strings.TrimSpace(event.Email))
	if err != nil {
		return err
	}
	if user == nil {
		h.logger.Debug("password reset for unknown email", "email", event.Email)
		return nil
	}

	err = h.provider.SendPasswordReset(ctx, EmailForUsername(user.Username, h.domain))
	if IsProviderError(err, ProviderErrUserNotFound) {
		h.logger.Warn("profile without provider account", "username", user.Username)
		return nil
	}
	return err
}

// ChangePasswordMessage changes the password of the signed in user.
type ChangePasswordMessage struct {
	OldPass    string `json:"oldPass"`
	NewPass    string `json:"newPass"`
	RepeatPass string `json:"repeatPass"`
}

func (e ChangePasswordMessage) Type() string { return "user.password_change" }

// Validate checks the change password form.
func (e ChangePasswordMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.OldPass, validation.Required),
		validation.Field(&e.NewPass, validation.Required, validation.Length(MinPasswordLength, 100)),
		validation.Field(
			&e.RepeatPass,
			validation.Required,
			validation.By(ValidateStringEquals(e.NewPass)),
		),
	)
}

// ChangePasswordHandler reauthenticates with the old password and sets
// the new one.
type ChangePasswordHandler struct {
	provider IdentityProvider
}

// NewChangePasswordHandler returns a change password handler.
func NewChangePasswordHandler(provider IdentityProvider) *ChangePasswordHandler {
	return &ChangePasswordHandler{provider: provider}
}

func (h *ChangePasswordHandler) Execute(ctx context.Context, event ChangePasswordMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password change",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *ChangePasswordHandler) execute(ctx context.Context, event ChangePasswordMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password change request").
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	if h.provider.CurrentIdentity() == nil {
		return ErrNoIdentity
	}

	if err := h.provider.Reauthenticate(ctx, event.OldPass); err != nil {
		return err
	}

	return h.provider.UpdatePassword(ctx, event.NewPass)
}
