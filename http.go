package hitch

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

// MsgMustBeLoggedIn is the error value for requests without a valid token.
const MsgMustBeLoggedIn = "Must be logged in"

// APIResult is the envelope returned by every API route.
type APIResult struct {
	Result string `json:"result"`
	Value  any    `json:"value"`
}

// Success wraps value in a success envelope.
func Success(value any) APIResult {
	return APIResult{Result: resultSuccess, Value: value}
}

// Failure wraps value in an error envelope.
func Failure(value any) APIResult {
	return APIResult{Result: resultError, Value: value}
}

// IsSuccess reports whether the envelope carries a result.
func (r APIResult) IsSuccess() bool {
	return r.Result == resultSuccess
}

// TokenCookieMiddleware verifies the bearer token cookie and stores its
// claims in the request locals and user context. Requests without a
// valid token pass through unauthenticated.
func TokenCookieMiddleware(verifier TokenVerifier, cookieName string, logger Logger) router.MiddlewareFunc {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if logger == nil {
		logger = defLogger("http")
	}

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			token := strings.TrimSpace(ctx.Cookies(cookieName))
			if token == "" || verifier == nil {
				return next(ctx)
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("ignoring invalid token cookie", "path", ctx.Path(), "error", err)
				return next(ctx)
			}

			ctx.Locals(LocalsClaimsKey, claims)
			ctx.SetContext(WithClaimsContext(ctx.Context(), claims))
			return next(ctx)
		}
	}
}

// APIServer serves the profile API on top of a ProfileStore.
type APIServer struct {
	srv        router.Server[*fiber.App]
	profiles   ProfileStore
	verifier   TokenVerifier
	domain     string
	cookieName string
	logger     Logger
	accessLog  bool
}

// APIServerOption customizes the server.
type APIServerOption func(*APIServer)

// WithAPIDomain sets the identity email domain.
func WithAPIDomain(domain string) APIServerOption {
	return func(s *APIServer) {
		if domain != "" {
			s.domain = domain
		}
	}
}

// WithAPICookieName sets the token cookie name.
func WithAPICookieName(name string) APIServerOption {
	return func(s *APIServer) {
		if name != "" {
			s.cookieName = name
		}
	}
}

// WithAPILogger overrides the logger.
func WithAPILogger(logger Logger) APIServerOption {
	return func(s *APIServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAccessLog enables fiber's request logger.
func WithAccessLog(enabled bool) APIServerOption {
	return func(s *APIServer) {
		s.accessLog = enabled
	}
}

// NewAPIServer builds the router on a fiber app and registers the routes.
func NewAPIServer(profiles ProfileStore, verifier TokenVerifier, opts ...APIServerOption) *APIServer {
	s := &APIServer{
		profiles:   profiles,
		verifier:   verifier,
		domain:     DefaultDomain,
		cookieName: DefaultCookieName,
		logger:     defLogger("http"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.srv = router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
		app := fiber.New(fiber.Config{
			AppName:               "hitch",
			DisableStartupMessage: true,
			ErrorHandler:          s.fiberErrorHandler,
		})
		app.Use(recover.New())
		if s.accessLog {
			app.Use(logger.New())
		}
		return app
	})

	s.RegisterRoutes(s.srv.Router().Group("/api"))
	return s
}

// RegisterRoutes mounts the profile routes on r. Every method is routed so
// unsupported ones get the API envelope instead of a bare 405.
func (s *APIServer) RegisterRoutes(r router.Router[*fiber.App]) {
	mw := []router.MiddlewareFunc{
		s.ErrorResponder(),
		TokenCookieMiddleware(s.verifier, s.cookieName, s.logger),
	}

	anyMethod(r, "/userinfo", s.handleUserInfo, mw...)
	anyMethod(r, "/userinfo/create", s.handleCreateUserInfo, mw...)
}

func anyMethod(r router.Router[*fiber.App], path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.Get(path, handler, mw...)
	r.Post(path, handler, mw...)
	r.Put(path, handler, mw...)
	r.Patch(path, handler, mw...)
	r.Delete(path, handler, mw...)
}

// Router exposes the router, e.g. to mount more routes behind
// TokenCookieMiddleware.
func (s *APIServer) Router() router.Router[*fiber.App] {
	return s.srv.Router()
}

// App exposes the underlying fiber app.
func (s *APIServer) App() *fiber.App {
	return s.srv.WrappedRouter()
}

// Listen serves on addr until Shutdown.
func (s *APIServer) Listen(addr string) error {
	s.logger.Info("api server listening", "addr", addr)
	return s.srv.Serve(addr)
}

// Shutdown stops the server, waiting for requests until ctx is done.
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *APIServer) handleUserInfo(ctx router.Context) error {
	if ctx.Method() != http.MethodGet {
		return unsupportedMethod(ctx)
	}

	username, ok := s.caller(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, Failure(MsgMustBeLoggedIn))
	}

	user, err := s.profiles.FindByUsername(ctx.Context(), username)
	if err != nil {
		return err
	}
	if user == nil {
		return NewProfileNotFoundError(username)
	}

	return ctx.JSON(http.StatusOK, Success(user))
}

type createUserInfoPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *APIServer) handleCreateUserInfo(ctx router.Context) error {
	username, ok := s.caller(ctx)
	if !ok {
		return ctx.JSON(http.StatusUnauthorized, Failure(MsgMustBeLoggedIn))
	}

	if ctx.Method() != http.MethodPost {
		return unsupportedMethod(ctx)
	}

	payload := createUserInfoPayload{}
	if err := ctx.Bind(&payload); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid request body").
			WithCode(goerrors.CodeBadRequest)
	}

	if payload.Username != "" && payload.Username != username {
		return ctx.JSON(http.StatusForbidden, Failure("Cannot create a profile for another user"))
	}

	user, err := s.profiles.Create(ctx.Context(), username, payload.Email)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, Success(user))
}

// caller returns the username of the verified token, if any.
func (s *APIServer) caller(ctx router.Context) (string, bool) {
	claims, ok := GetRouterClaims(ctx, "")
	if !ok {
		return "", false
	}
	username, err := claims.Username(s.domain)
	if err != nil {
		s.logger.Warn("token email outside the identity domain", "email", claims.Email)
		return "", false
	}
	return username, true
}

func unsupportedMethod(ctx router.Context) error {
	return ctx.JSON(http.StatusMethodNotAllowed, Failure("Unsupported HTTP method: '"+ctx.Method()+"'"))
}

// ErrorResponder renders handler errors as API envelopes, using the
// go-errors code as status.
func (s *APIServer) ErrorResponder() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			err := next(ctx)
			if err == nil {
				return nil
			}

			var richErr *goerrors.Error
			if !goerrors.As(err, &richErr) {
				richErr = goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected server error occurred").
					WithCode(goerrors.CodeInternal)
			}

			status := richErr.Code
			if status == 0 {
				status = http.StatusInternalServerError
			}

			s.logger.Error(
				"api error",
				"path", ctx.Path(),
				"error", richErr.Message,
				"text_code", richErr.TextCode,
				"category", richErr.Category,
				"details", print.MaybePrettyJSON(richErr.Metadata),
			)

			return ctx.JSON(status, Failure(richErr.Message))
		}
	}
}

// fiberErrorHandler covers what never reaches a route, e.g. unknown paths.
func (s *APIServer) fiberErrorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if goerrors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(Failure(fiberErr.Message))
	}
	s.logger.Error("unhandled api error", "path", c.Path(), "error", err)
	return c.Status(http.StatusInternalServerError).JSON(Failure("An unexpected server error occurred"))
}
