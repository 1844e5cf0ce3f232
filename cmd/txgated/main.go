// Command txgated is the policy-gated execution daemon: it compiles declared
// action plans, simulates and policy-gates every node, and broadcasts prepared
// artifacts idempotently under an auditable trace.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clearsign-labs/txgate/pkg/api"
	"github.com/clearsign-labs/txgate/pkg/config"
	"github.com/clearsign-labs/txgate/pkg/driver"
	"github.com/clearsign-labs/txgate/pkg/engine"
	"github.com/clearsign-labs/txgate/pkg/failover"
	"github.com/clearsign-labs/txgate/pkg/observability"
	"github.com/clearsign-labs/txgate/pkg/policy"
	"github.com/clearsign-labs/txgate/pkg/trace"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("txgated: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "txgated",
		ServiceVersion: version,
		Environment:    cfg.Network,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	policyCfg, err := loadPolicy(cfg, logger)
	if err != nil {
		return err
	}
	policyEngine := policy.New(*policyCfg, policy.WithLogger(logger))

	traces, err := trace.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	executed, err := openExecutedStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer executed.Close()

	var history failover.BroadcastHistory
	if cfg.RedisAddr != "" {
		history = failover.NewRedisHistory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "txgate:broadcasts")
		logger.Info("broadcast history backed by redis", "addr", cfg.RedisAddr)
	} else {
		history, err = failover.NewFileHistory(filepath.Join(cfg.DataDir, "policy_broadcast_history.json"))
		if err != nil {
			return err
		}
	}

	registry := driver.NewRegistry()
	if cfg.DevMode {
		registry.Register("loopback", &driver.Loopback{})
		logger.Warn("dev mode: loopback driver registered, broadcasts are simulated")
	}
	if len(registry.Adapters()) == 0 {
		logger.Warn("no drivers registered; compile and execute will reject every adapter")
	}

	eng, err := engine.New(engine.Config{
		Chain:       cfg.Chain,
		Network:     cfg.Network,
		Drivers:     registry,
		Policy:      policyEngine,
		Prepared:    engine.NewMemoryPreparedStore(),
		Executed:    executed,
		Traces:      traces,
		History:     history,
		ArtifactTTL: cfg.ArtifactTTL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	go eng.RunSweeper(ctx, cfg.SweepInterval)

	server := api.NewServer(api.ServerConfig{
		Engine:            eng,
		Drivers:           registry,
		Chain:             cfg.Chain,
		Network:           cfg.Network,
		Logger:            logger,
		RequestsPerSecond: cfg.RPS,
		Burst:             cfg.Burst,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("txgated listening",
			"port", cfg.Port, "chain", cfg.Chain, "network", cfg.Network,
			"executedBackend", string(cfg.ExecutedBackend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("txgated shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadPolicy reads the YAML profile, or falls back to a restrictive default:
// devnet-style networks open, mainnet closed until explicitly configured.
func loadPolicy(cfg *config.Config, logger *slog.Logger) (*policy.Config, error) {
	if cfg.PolicyFile != "" {
		p, err := policy.LoadConfig(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		logger.Info("policy profile loaded", "path", cfg.PolicyFile, "rules", len(p.Rules))
		return p, nil
	}
	logger.Warn("no POLICY_FILE set; using default profile (mainnet disabled)")
	return &policy.Config{
		Networks: map[string]policy.NetworkGate{
			"devnet": {Enabled: true, RequireSimulation: true},
		},
		Limits: policy.Limits{RequireConfirmation: policy.ConfirmLarge},
	}, nil
}

func openExecutedStore(ctx context.Context, cfg *config.Config) (engine.ExecutedStore, error) {
	switch cfg.ExecutedBackend {
	case config.BackendFile, "":
		return engine.NewFileExecutedStore(filepath.Join(cfg.DataDir, "executed.json"))
	case config.BackendSQLite:
		return engine.NewSQLiteExecutedStore(filepath.Join(cfg.DataDir, "executed.db"))
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("EXECUTED_BACKEND=postgres requires DATABASE_URL")
		}
		return engine.NewPostgresExecutedStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown executed backend %q", cfg.ExecutedBackend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
