// hitch runs the Lunch Hitch session layer: a profile API server and
// account tooling on top of the local identity provider.
//
// Usage:
//
//	hitch serve
//	hitch signup --username bob --password secret1 --display-name Bob --email bob@example.com
//	hitch whoami --username bob --password secret1
//	hitch reset-password --email bob@example.com
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goliatone/go-print"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	hitch "github.com/goliatone/go-hitch"
	"github.com/goliatone/go-hitch/activitymap"
	"github.com/goliatone/go-hitch/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	command, rest := args[0], args[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		return runServe(ctx, rest)
	case "signup":
		return runSignUp(ctx, rest)
	case "whoami":
		return runWhoAmI(ctx, rest)
	case "reset-password":
		return runResetPassword(ctx, rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: hitch <command> [flags]

commands:
  serve           run the profile API server
  signup          create an account and its profile
  whoami          sign in and print the reconciled session
  reset-password  request a password reset for a contact email`)
}

// app holds the wiring shared by every command.
type app struct {
	cfg      *config.Config
	logger   hitch.Logger
	repo     hitch.RepositoryManager
	tokens   *hitch.TokenService
	provider *hitch.LocalIdentityProvider
	activity hitch.ActivitySink
	close    func()
}

func commonFlags(name string) (*pflag.FlagSet, *string) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	envFile := flags.String("env-file", ".env", "path to an optional env file")
	return flags, envFile
}

func newApp(ctx context.Context, envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	base := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(base)
	logger := hitch.NewSlogLogger(base)

	if cfg.SigningKey == "" {
		return nil, errors.New("config: HITCH_SIGNING_KEY must be set")
	}

	db, err := hitch.OpenSQLite(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	repo := hitch.NewRepositoryManager(db)
	repo.MustValidate()
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	activity := activitymap.LogSink(logger)
	tokens := hitch.NewTokenServiceFromConfig(cfg, hitch.WithTokenLogger(logger))
	provider := hitch.NewLocalIdentityProvider(repo, tokens,
		hitch.WithProviderDomain(cfg.GetDomain()),
		hitch.WithPasswordHashCost(cfg.BcryptCost),
		hitch.WithProviderLogger(logger),
		hitch.WithProviderActivitySink(activity),
		hitch.WithPasswordResetNotifier(hitch.PasswordResetNotifierFunc(printResetNotification)),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		tokens:   tokens,
		provider: provider,
		activity: activity,
		close:    func() { _ = db.Close() },
	}, nil
}

func runServe(ctx context.Context, args []string) error {
	flags, envFile := commonFlags("serve")
	addr := flags.String("addr", "", "listen address (defaults to HITCH_HTTP_ADDR)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, *envFile)
	if err != nil {
		return err
	}
	defer a.close()

	verifiers := []hitch.TokenVerifier{
		hitch.NewAccountVersionVerifier(a.tokens, a.repo.Accounts(), hitch.WithAccountVersionLogger(a.logger)),
	}
	if url := a.cfg.GetJWKSURL(); url != "" {
		jwks, err := hitch.NewJWKSVerifier(url, a.logger,
			hitch.WithJWKSIssuer(a.cfg.GetIssuer()),
			hitch.WithJWKSAudience(a.cfg.GetAudience()...),
		)
		if err != nil {
			return err
		}
		defer jwks.Close()
		verifiers = append(verifiers, jwks)
	}

	server := hitch.NewAPIServer(a.repo.Profiles(), hitch.NewMultiVerifier(verifiers...),
		hitch.WithAPIDomain(a.cfg.GetDomain()),
		hitch.WithAPICookieName(a.cfg.GetCookieName()),
		hitch.WithAPILogger(a.logger),
		hitch.WithAccessLog(true),
	)

	listen := *addr
	if listen == "" {
		listen = a.cfg.HTTPAddr
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.Listen(listen)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func runSignUp(ctx context.Context, args []string) error {
	flags, envFile := commonFlags("signup")
	msg := hitch.SignUpMessage{}
	flags.StringVar(&msg.Username, "username", "", "username")
	flags.StringVar(&msg.Password, "password", "", "password")
	flags.StringVar(&msg.DisplayName, "display-name", "", "name displayed to other users")
	flags.StringVar(&msg.Email, "email", "", "contact email")
	if err := flags.Parse(args); err != nil {
		return err
	}
	msg.RepeatPass = msg.Password

	a, err := newApp(ctx, *envFile)
	if err != nil {
		return err
	}
	defer a.close()

	msg.OnResponse = func(user *hitch.UserInfo) {
		fmt.Println(print.MaybeHighlightJSON(user))
	}

	handler := hitch.NewSignUpHandler(a.provider, a.repo.Profiles(), a.logger)
	return handler.Execute(ctx, msg)
}

func runWhoAmI(ctx context.Context, args []string) error {
	flags, envFile := commonFlags("whoami")
	username := flags.String("username", "", "username")
	password := flags.String("password", "", "password")
	timeout := flags.Duration("timeout", 10*time.Second, "how long to wait for the session")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, *envFile)
	if err != nil {
		return err
	}
	defer a.close()

	strategy, err := a.cfg.Strategy()
	if err != nil {
		return err
	}

	sidecar, closeSidecar := newSidecar(a.cfg, *username)
	defer closeSidecar()

	reconciler := hitch.NewReconcilerFromConfig(a.provider, a.repo.Profiles(), a.cfg,
		hitch.WithLookupStrategy(strategy),
		hitch.WithTokenSidecar(sidecar),
		hitch.WithReconcilerLogger(a.logger),
		hitch.WithReconcilerActivitySink(a.activity),
	)
	if err := reconciler.Start(ctx); err != nil {
		return err
	}
	defer reconciler.Close()

	if _, err := a.provider.SignIn(ctx, *username, *password); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	session, err := reconciler.Sessions().Wait(waitCtx, func(s hitch.Session) bool {
		return s.IsAuthenticated() || s.IsErrored()
	})
	if err != nil {
		return err
	}

	out := map[string]any{"status": session.Status}
	if session.User != nil {
		out["user"] = session.User
	}
	if session.Err != nil {
		out["error"] = session.Err.Error()
	}
	fmt.Println(print.MaybeHighlightJSON(out))

	return a.provider.SignOut(ctx)
}

func runResetPassword(ctx context.Context, args []string) error {
	flags, envFile := commonFlags("reset-password")
	email := flags.String("email", "", "contact email")
	if err := flags.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, *envFile)
	if err != nil {
		return err
	}
	defer a.close()

	handler := hitch.NewRequestPasswordResetHandler(a.provider, a.repo.Profiles(), a.cfg.GetDomain(), a.logger)
	if err := handler.Execute(ctx, hitch.RequestPasswordResetMessage{Email: *email}); err != nil {
		return err
	}

	fmt.Println("A reset email has been sent to the provided email if there is an account associated with it")
	return nil
}

func newSidecar(cfg *config.Config, sessionKey string) (hitch.TokenSidecar, func()) {
	memory := hitch.NewMemorySidecar()
	if cfg.RedisAddr == "" {
		return memory, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	sidecar := hitch.NewRedisSidecar(client, sessionKey, hitch.WithRedisTTL(cfg.GetTokenExpiration()))
	return hitch.MultiSidecar{memory, sidecar}, func() { _ = client.Close() }
}

func printResetNotification(_ context.Context, reset *hitch.PasswordReset) error {
	fmt.Println("====== SENDING PASSWORD RESET =======")
	fmt.Printf("to: %s\n", reset.Email)
	fmt.Printf("link: /auth/reset/%s\n", reset.ID.String())
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
