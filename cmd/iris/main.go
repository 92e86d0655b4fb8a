// Command iris is the operator CLI for IRIS plan and usage accounting.
//
// Usage:
//
//	iris plan set -user U -plan pro
//	iris usage show -user U
//	iris usage use -user U -feature mockInterviews
//	iris addon buy -user U -feature aiEnhance -qty 2
//	iris students list -teacher T -search asha -export roster.csv.zst
//	iris relay replay -user U
//	iris serve-ops
//
// Configuration is read from the environment (or a .env file). Relay flags
// and sign-in attempts live in Redis when REDIS_URL is set and in process
// memory otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"

	"iris/internal/auth"
	"iris/internal/config"
	"iris/internal/db"
	"iris/internal/events"
	"iris/internal/identity"
	"iris/internal/relay"
	"iris/internal/telemetry"
	"iris/internal/types"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			fmt.Fprintf(os.Stderr, "error: %s (%s)\n", appErr.Message, appErr.Code)
		} else {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		}
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr)
		return nil
	}
	cmd, rest, ok := lookup(args)
	if !ok {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg, cmd.name, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = types.WithActor(ctx, types.Actor{ID: os.Getenv("USER"), Source: "cli"})

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	deps.Out = stdout

	logger.Debug("running command", "command", cmd.name, "version", cfg.Build.Version)
	if err := cmd.run(newApp(deps), ctx, rest); err != nil && !errors.Is(err, flag.ErrHelp) {
		return err
	}
	return nil
}

// newLogger returns a JSON logger for serve-ops and a text logger for
// interactive commands, both at the configured level.
func newLogger(cfg *config.Config, command string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if command == "serve-ops" || !cfg.IsLocal() {
		return slog.New(slog.NewJSONHandler(w, opts)).With("service", "iris", "environment", cfg.Environment)
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildDeps connects the stores and clients named by cfg. The returned
// cleanup closes them in reverse order.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (appDeps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return appDeps{}, cleanup, fmt.Errorf("connecting to database: %w", err)
	}
	closers = append(closers, pool.Close)

	var flags relay.FlagStore = relay.NewMemoryFlagStore()
	var attempts auth.AttemptStore = auth.NewMemoryAttemptStore(types.RealClock{})
	probes := []telemetry.HealthProbe{telemetry.DatabaseProbe(pool)}

	if redisURL := cfg.Redis.URL.Unmask(); redisURL != "" {
		client, err := relay.NewRedisClient(ctx, redisURL)
		if err != nil {
			cleanup()
			return appDeps{}, func() {}, err
		}
		closers = append(closers, func() { _ = client.Close() })

		store := relay.NewRedisFlagStore(client, cfg.Redis.KeyPrefix+":relay", cfg.Redis.FlagTTL)
		flags = store
		attempts = auth.NewRedisAttemptStore(client, cfg.Redis.KeyPrefix+":signin-failures")
		probes = append(probes, telemetry.ProbeFunc{ProbeName: "redis", Fn: store.Ping})
	} else {
		logger.Warn("REDIS_URL not set; relay flags are kept in process memory")
	}

	publisher, recorder, err := buildAWS(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return appDeps{}, func() {}, err
	}

	return appDeps{
		Logger:    logger,
		Profiles:  db.NewProfileRepository(pool),
		Addons:    db.NewAddonRepository(pool, db.NewTxManager(pool)),
		Students:  db.NewStudentRepository(pool),
		Flags:     flags,
		Identity:  buildIdentity(cfg, logger),
		Guard:     auth.NewSignInGuard(attempts, auth.DefaultGuardConfig(), logger),
		Events:    publisher,
		Metrics:   recorder,
		Dashboard: cfg.Dashboard,
		Ops: telemetry.NewOpsServer(telemetry.OpsConfig{
			Addr:   cfg.Ops.Addr,
			Probes: probes,
			Logger: logger,
		}),
		Migrate: func(ctx context.Context) error { return db.Migrate(ctx, pool) },
	}, cleanup, nil
}

// buildIdentity returns the identity client, or nil when no API key is
// configured.
func buildIdentity(cfg *config.Config, logger *slog.Logger) identity.Provider {
	if !cfg.Identity.APIKey.IsSet() {
		logger.Warn("IDENTITY_API_KEY not set; account commands are unavailable")
		return nil
	}
	return identity.NewClient(identity.Config{
		APIKey:     cfg.Identity.APIKey.Unmask(),
		BaseURL:    cfg.Identity.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Identity.Timeout},
		UserAgent:  "iris-cli/" + cfg.Build.Version,
		Logger:     logger,
	})
}

// buildAWS returns the account event publisher and metrics recorder. AWS
// configuration is only loaded when SQS or CloudWatch is in use.
func buildAWS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Publisher, telemetry.Recorder, error) {
	var publisher events.Publisher = events.NopPublisher{}
	var recorder telemetry.Recorder = telemetry.Nop{}

	if cfg.Metrics.Backend == "prometheus" {
		recorder = telemetry.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	}
	if cfg.AWS.AccountEventsQueueURL == "" && cfg.Metrics.Backend != "cloudwatch" {
		return publisher, recorder, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}

	adapter := types.NewSlogAdapter(logger)
	if cfg.AWS.AccountEventsQueueURL != "" {
		publisher = events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.AccountEventsQueueURL, adapter)
	}
	if cfg.Metrics.Backend == "cloudwatch" {
		recorder = telemetry.NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Metrics.Namespace, adapter)
	}
	return publisher, recorder, nil
}
