package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"forechain/config"
	"forechain/core/events"
	"forechain/core/state"
	"forechain/gateway/middleware"
	"forechain/native/escrow"
	"forechain/observability"
	"forechain/observability/logging"
	telemetry "forechain/observability/otel"
	"forechain/rpc"
	"forechain/storage"
	"forechain/storage/journal"
)

const (
	serviceName    = "forechaind"
	eventHistory   = 1024
	shutdownBudget = 5 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (TOML or YAML)")
	adminFlag := flag.String("administrator", "", "Administrator address (overrides the config file)")
	listenFlag := flag.String("listen", "", "Listen address (overrides the config file)")
	allowMigrateFlag := flag.Bool("allow-migrate", false, "Allow starting with a mismatched state schema (manual migrations only)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if v := strings.TrimSpace(*adminFlag); v != "" {
		cfg.Administrator = v
	}
	if v := strings.TrimSpace(*listenFlag); v != "" {
		cfg.ListenAddress = v
	}

	logger := logging.Setup(serviceName, cfg.Observability.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *allowMigrateFlag, logger); err != nil {
		logger.Error("forechaind exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, allowMigrate bool, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	admin := cfg.AdministratorAddress()
	if admin == (common.Address{}) {
		return errors.New("administrator address required; set Administrator in the config or pass -administrator")
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Observability.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Metrics:     cfg.Observability.MetricsEnabled && cfg.Observability.OTLPEndpoint != "",
		Traces:      cfg.Observability.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := state.EnsureStateVersion(manager, allowMigrate); err != nil {
		return err
	}

	feed := events.NewFeed(eventHistory)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetAdministrator(admin)
	engine.SetLogger(logger)
	engine.SetEmitter(events.MultiEmitter{feed, observability.Events()})
	if cfg.Observability.MetricsEnabled {
		engine.SetObserver(observability.EscrowMetrics())
	}
	treasury, err := engine.Bootstrap(cfg.InitialFeeBps)
	if err != nil {
		return fmt.Errorf("bootstrap escrow: %w", err)
	}
	if cfg.Observability.MetricsEnabled {
		observability.EscrowMetrics().RecordCustody(treasury.Held, treasury.AccruedFees, treasury.FeeBasisPoints)
	}
	if err := engine.CheckConservation(); err != nil {
		return fmt.Errorf("custody check: %w", err)
	}

	var j *journal.Journal
	if dsn := strings.TrimSpace(cfg.Journal.DSN); dsn != "" {
		j, err = journal.Open(dsn)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
	}

	serverCfg, err := serverConfig(cfg)
	if err != nil {
		return err
	}
	server, err := rpc.NewServer(engine, j, feed, serverCfg, logger)
	if err != nil {
		return err
	}

	logger.Info("escrow engine ready",
		slog.String("administrator", admin.Hex()),
		slog.Uint64("fee_bps", treasury.FeeBasisPoints),
		slog.String("storage", cfg.Storage),
		slog.Bool("journal", j != nil),
		slog.Bool("auth", serverCfg.Auth.Enabled))
	return server.Start(ctx, cfg.ListenAddress)
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemDB(), nil
	case config.StorageLevelDB:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare data directory: %w", err)
		}
		db, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func serverConfig(cfg *config.Config) (rpc.ServerConfig, error) {
	out := rpc.ServerConfig{
		ServiceName: serviceName,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Metrics:     cfg.Observability.MetricsEnabled,
		LogRequests: !cfg.Observability.IsProduction(),
	}
	if cfg.Auth.Enabled {
		secret, err := cfg.Auth.HMACSecret()
		if err != nil {
			return rpc.ServerConfig{}, err
		}
		out.Auth = middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		}
	}
	return out, nil
}
