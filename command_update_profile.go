package hitch

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

// UpdateProfileMessage changes the display name and contact email of the
// signed in user. Empty fields are left as they are.
type UpdateProfileMessage struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (e UpdateProfileMessage) Type() string { return "user.profile_update" }

// Validate checks the profile form.
func (e UpdateProfileMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.DisplayName, validation.Length(1, 200)),
		validation.Field(&e.Email, is.Email),
	)
}

// UpdateProfileHandler writes display name changes to the provider and
// email changes to the profile store.
type UpdateProfileHandler struct {
	provider IdentityProvider
	profiles ProfileStore
	domain   string
}

// NewUpdateProfileHandler returns a profile update handler.
func NewUpdateProfileHandler(provider IdentityProvider, profiles ProfileStore, domain string) *UpdateProfileHandler {
	if domain == "" {
		domain = DefaultDomain
	}
	return &UpdateProfileHandler{provider: provider, profiles: profiles, domain: domain}
}

func (h *UpdateProfileHandler) Execute(ctx context.Context, event UpdateProfileMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during profile update",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *UpdateProfileHandler) execute(ctx context.Context, event UpdateProfileMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid profile update").
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}

	identity := h.provider.CurrentIdentity()
	if identity == nil {
		return ErrNoIdentity
	}

	username, err := DeriveUsername(identity.Email, h.domain)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	if name := strings.TrimSpace(event.DisplayName); name != "" {
		if err := h.provider.UpdateDisplayName(ctx, name); err != nil {
			return err
		}
	}

	if email := strings.TrimSpace(event.Email); email != "" {
		if _, err := h.profiles.UpdateEmail(ctx, username, email); err != nil {
			return err
		}
	}

	return nil
}
