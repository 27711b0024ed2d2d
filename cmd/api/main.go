package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agora/api/internal/app"
	"agora/api/internal/config"
	"agora/api/internal/logging"
	"agora/api/internal/metrics"
	"agora/api/internal/realtime"
	"agora/api/internal/search"
	"agora/api/internal/session"
	"agora/api/internal/store"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const memoryURL = "memory://"

var ErrNeedsPostgres = errors.New("command requires a postgres DATABASE_URL")

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cmd := &cli.Command{
		Name:  "agora-api",
		Usage: "Debate engagement API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML file applied on top of the environment",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before reading the environment",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "Manage database migrations",
				Commands: []*cli.Command{
					{
						Name:   "up",
						Usage:  "Apply pending migrations",
						Action: migrateUp,
					},
					{
						Name:   "down",
						Usage:  "Roll back the latest migration",
						Action: migrateDown,
					},
					{
						Name:   "status",
						Usage:  "List pending migrations",
						Action: migrateStatus,
					},
				},
			},
			{
				Name:   "audit",
				Usage:  "Compare stored debate tallies with the votes behind them",
				Action: audit,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return cmd.Run(ctx, os.Args)
}

func setup(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(cmd.String("env-file")); err != nil {
		return config.Config{}, nil, err
	}
	cfg := config.Load()
	if path := strings.TrimSpace(cmd.String("config")); path != "" {
		var err error
		if cfg, err = cfg.Overlay(path); err != nil {
			return config.Config{}, nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var (
		dataStore app.DataStore
		fallback  search.Searcher
		loader    search.Loader
	)
	if strings.HasPrefix(cfg.DatabaseURL, memoryURL) {
		logger.Warn("Using in-memory storage; data is lost on restart")
		memory := store.NewMemoryStore()
		dataStore = memory
		fallback = search.NewScan(memory)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		dataStore = store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		fallback = pgfts
		loader = pgfts
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, logger)

	opts := app.Options{
		Search:  searchService,
		Metrics: metrics.New(),
		Logger:  logger,
	}

	var bus realtime.Bus = realtime.NewLocalBus()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("Using Redis for sessions and the change feed")
		sessions, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer sessions.Close()
		opts.Sessions = sessions

		redisBus, err := realtime.NewRedisBus(ctx, cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			return fmt.Errorf("redis change feed failed: %w", err)
		}
		bus = redisBus
	}
	defer bus.Close()
	opts.Bus = bus

	hub := realtime.NewHub(logger)
	if err := bus.StartForwarder(ctx, hub.Broadcast); err != nil {
		return fmt.Errorf("start change feed: %w", err)
	}

	service := app.New(cfg, dataStore, opts)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("Bootstrap failed, will retry on next restart", zap.Error(err))
	}
	if loader != nil {
		go searchService.Reindex(ctx, loader)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, hub, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Agora API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	return nil
}

func openDatabase(ctx context.Context, cmd *cli.Command) (*sql.DB, config.Config, *zap.Logger, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, cfg, nil, err
	}
	if strings.HasPrefix(cfg.DatabaseURL, memoryURL) {
		return nil, cfg, logger, ErrNeedsPostgres
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, cfg, logger, fmt.Errorf("database connection failed: %w", err)
	}
	return db, cfg, logger, nil
}

func migrateUp(ctx context.Context, cmd *cli.Command) error {
	db, cfg, logger, err := openDatabase(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		logger.Info("No new migrations to run (database is up to date)")
		return nil
	}
	logger.Info("Successfully migrated", zap.Int("applied", applied))
	return nil
}

func migrateDown(ctx context.Context, cmd *cli.Command) error {
	db, cfg, logger, err := openDatabase(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := store.RollbackLatest(ctx, db, cfg.MigrationsDir, logger)
	if err != nil {
		return err
	}
	if version == "" {
		logger.Info("No migrations to roll back")
		return nil
	}
	logger.Info("Successfully rolled back", zap.String("version", version))
	return nil
}

func migrateStatus(ctx context.Context, cmd *cli.Command) error {
	db, cfg, logger, err := openDatabase(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	logger.Info("Migration status",
		zap.Int("pending_count", len(pending)),
		zap.Strings("pending", pending),
	)
	return nil
}

func audit(ctx context.Context, cmd *cli.Command) error {
	db, _, logger, err := openDatabase(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	drifts, err := store.NewPostgresStore(db).AuditTallies(ctx)
	if err != nil {
		return err
	}
	for _, drift := range drifts {
		logger.Warn("Tally drift",
			zap.String("debate_id", drift.DebateID),
			zap.Int("stored_a", drift.Stored.A),
			zap.Int("stored_b", drift.Stored.B),
			zap.Int("counted_a", drift.Counted.A),
			zap.Int("counted_b", drift.Counted.B),
		)
	}
	if len(drifts) > 0 {
		return fmt.Errorf("%d debates have drifted tallies", len(drifts))
	}
	logger.Info("All debate tallies match their votes")
	return nil
}
