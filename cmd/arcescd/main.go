package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"arcesc/config"
	"arcesc/ledger"
	"arcesc/observability/logging"
	telemetry "arcesc/observability/otel"
	"arcesc/rpc"
	"arcesc/storage"
)

const envName = "ARCESC_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "arcescd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		env = cfg.Logging.Env
	}
	logger := logging.Setup("arcescd", env, loggingOptions(cfg.Logging)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	node, err := openNode(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           node.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("arcescd listening", slog.String("addr", cfg.ListenAddress), slog.String("chain_id", node.ledger.ChainID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("arcescd stopped")
	return nil
}

type node struct {
	db      storage.Database
	ledger  *ledger.Local
	store   *rpc.SQLiteStore
	handler http.Handler
}

func (n *node) Close() {
	if n.store != nil {
		n.store.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
}

// openNode opens the ledger store, seeds genesis and assembles the API.
func openNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{}
	var dbPath string
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare data dir: %w", err)
		}
		dbPath = filepath.Join(cfg.DataDir, "ledger")
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db

	ledgerCfg, err := cfg.LedgerConfig(logger)
	if err != nil {
		n.Close()
		return nil, err
	}
	local, err := ledger.NewLocal(db, ledgerCfg)
	if err != nil {
		n.Close()
		return nil, err
	}
	if err := local.ApplyGenesis(cfg.Genesis); err != nil {
		n.Close()
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	n.ledger = local

	secret, err := cfg.AuthSecret()
	if err != nil {
		n.Close()
		return nil, err
	}
	auth, err := rpc.NewAuthenticator(rpc.AuthConfig{
		HMACSecret: secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		RoleClaim:  cfg.Auth.RoleClaim,
		ClockSkew:  cfg.ClockSkew(),
	}, logger)
	if err != nil {
		n.Close()
		return nil, err
	}
	if cfg.Store.IdempotencyDB != "" {
		store, err := rpc.NewSQLiteStore(cfg.Store.IdempotencyDB)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("open idempotency store: %w", err)
		}
		n.store = store
	}
	server, err := rpc.NewServer(rpc.Config{
		Backend:       local,
		Authenticator: auth,
		RateLimiter: rpc.NewRateLimiter(rpc.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Store:  n.store,
		Logger: logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.handler = server.Handler()
	return n, nil
}

func loggingOptions(cfg config.LoggingConfig) []logging.Option {
	opts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Level))}
	if cfg.File != "" {
		opts = append(opts, logging.WithFile(logging.FileOptions{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}))
	}
	return opts
}

func telemetryConfig(cfg *config.Config, env string) telemetry.Config {
	out := telemetry.ConfigFromEnv("arcescd", env)
	if cfg.Telemetry.Endpoint != "" {
		out.Endpoint = cfg.Telemetry.Endpoint
		out.Insecure = cfg.Telemetry.Insecure
		if len(cfg.Telemetry.Headers) > 0 {
			out.Headers = cfg.Telemetry.Headers
		}
	}
	return out
}
