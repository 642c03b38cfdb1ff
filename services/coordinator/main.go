package coordinator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/observability/logging"
	telemetry "arcesc/observability/otel"
)

// Main initialises and runs the coordinator daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/coordinator/config.yaml", "path to coordinator configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ARCESC_ENV"))
	logger := logging.Setup("coordinatord", env, logging.WithFile(logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("coordinatord", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	self, err := crypto.ParseAddress(cfg.Identity)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(stopCtx, cfg.Ledger.Timeout.Duration)
	client, err := ledger.Dial(dialCtx, ledger.ClientConfig{
		BaseURL: cfg.Ledger.Endpoint,
		Token:   cfg.Ledger.Token,
		Timeout: cfg.Ledger.Timeout.Duration,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}

	journal, err := OpenJournal(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	coordinator, err := New(client, self, journal,
		WithLogger(logger),
		WithPollInterval(cfg.PollInterval.Duration),
		WithFinalityTimeout(cfg.FinalityTimeout.Duration),
		WithMaxConcurrent(cfg.MaxConcurrent),
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff.Duration,
			MaxBackoff:     cfg.Retry.MaxBackoff.Duration,
		}),
		WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		WithSubscriptions(*cfg.Subscribe),
	)
	if err != nil {
		return err
	}
	if cfg.PauseOnStart {
		coordinator.Pause()
	}

	auth, err := NewAuthenticator(cfg.Admin, logger)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", auth.Middleware(NewAdminServer(coordinator)))
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(mux, "coordinatord.admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(stopCtx)
	g.Go(func() error {
		logger.Info("coordinator started",
			slog.String("identity", crypto.FormatAddress(self)),
			slog.String("chain_id", client.ChainID()),
			slog.String("listen", cfg.ListenAddress))
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("coordinator stopped")
	return nil
}
