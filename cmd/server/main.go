package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/org/secretapproval/internal/api"
	"github.com/org/secretapproval/internal/approval"
	"github.com/org/secretapproval/internal/audit"
	"github.com/org/secretapproval/internal/auth"
	"github.com/org/secretapproval/internal/storage"
	"github.com/org/secretapproval/internal/storage/memory"
	"github.com/org/secretapproval/internal/telemetry"
)

var version = "dev"

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("APPROVALS_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := loadConfig(cfgFile, os.Getenv)
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config) error {
	shutdownTracing, err := telemetry.Init("secretapproval", version, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("flushing traces")
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cacheTTL, err := cfg.tokenCacheTTL()
	if err != nil {
		return err
	}
	tokens := auth.NewTokenService(store, cfg.TokenCacheSize, cacheTTL)
	if _, err := tokens.EnsureRootToken(ctx, cfg.RootToken); err != nil {
		return err
	}

	auditor := audit.NewLogger(store)
	opts := []approval.Option{
		approval.WithNotifier(auditor),
		approval.WithAutoMerge(cfg.AutoMerge),
		approval.WithRetries(cfg.VoteRetries),
	}
	if cfg.Quorum > 0 {
		opts = append(opts, approval.WithQuorum(approval.Threshold(cfg.Quorum)))
	}
	engine := approval.New(store, store, opts...)

	srv := api.NewServer(store, engine, tokens, auditor, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Version:        version,
	})

	interval, err := time.ParseDuration(cfg.GaugeInterval)
	if err != nil || interval <= 0 {
		interval = 30 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			srv.RefreshGauges(gctx)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("storage", cfg.Storage).
		Bool("auto_merge", cfg.AutoMerge).
		Msg("server started")
	return g.Wait()
}

func openStore(ctx context.Context, cfg config) (storage.Backend, error) {
	if strings.EqualFold(cfg.Storage, storageMemory) {
		log.Warn().Msg("using in-memory storage; all state is lost on exit")
		return memory.New(), nil
	}

	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, err
	}
	ver, err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Uint("schema_version", ver).Msg("migrations applied")
	return store, nil
}
