package hitch

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SignUpMessage registers a new user.
type SignUpMessage struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	RepeatPass  string `json:"repeatPass"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	OnResponse  func(user *UserInfo)
}

func (e SignUpMessage) Type() string { return "user.signup" }

// Validate checks the sign up form.
func (e SignUpMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Username, validation.Required, validation.Length(1, 64), validation.Match(usernamePattern)),
		validation.Field(&e.DisplayName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 200), is.Email),
		validation.Field(&e.Password, validation.Required, validation.Length(MinPasswordLength, 100)),
		validation.Field(
			&e.RepeatPass,
			validation.Required,
			validation.By(ValidateStringEquals(e.Password)),
		),
	)
}

// SignUpHandler creates the provider account, then the profile row, then
// signs out so the user logs in explicitly.
type SignUpHandler struct {
	provider IdentityProvider
	profiles ProfileStore
	logger   Logger
}

// NewSignUpHandler returns a sign up handler.
func NewSignUpHandler(provider IdentityProvider, profiles ProfileStore, logger Logger) *SignUpHandler {
	if logger == nil {
		logger = defLogger("signup")
	}
	return &SignUpHandler{provider: provider, profiles: profiles, logger: logger}
}

func (h *SignUpHandler) Execute(ctx context.Context, event SignUpMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during sign up",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *SignUpHandler) execute(ctx context.Context, event SignUpMessage) error {
	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid sign up request").
			WithTextCode(TextCodeInvalidInput).
			WithCode(goerrors.CodeBadRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	username := strings.TrimSpace(event.Username)

	if _, err := h.provider.SignUp(ctx, username, event.Password, event.DisplayName); err != nil {
		return err
	}

	user, err := h.profiles.Create(ctx, username, strings.TrimSpace(event.Email))
	if err != nil {
		h.logger.Error("account created without profile", "username", username, "error", err)
		if signOutErr := h.provider.SignOut(ctx); signOutErr != nil {
			h.logger.Warn("sign out after failed sign up", "error", signOutErr)
		}
		return err
	}

	if err := h.provider.SignOut(ctx); err != nil {
		return err
	}

	if event.OnResponse != nil {
		event.OnResponse(user)
	}
	return nil
}

// ValidateStringEquals checks a field matches str.
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}
