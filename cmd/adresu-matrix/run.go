package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lessucettes/adresu-matrix/internal/action"
	"github.com/lessucettes/adresu-matrix/internal/clock"
	"github.com/lessucettes/adresu-matrix/internal/config"
	"github.com/lessucettes/adresu-matrix/internal/engine"
	"github.com/lessucettes/adresu-matrix/internal/matrix"
	"github.com/lessucettes/adresu-matrix/internal/membership"
	"github.com/lessucettes/adresu-matrix/internal/policylist"
	"github.com/lessucettes/adresu-matrix/internal/protection"
	"github.com/lessucettes/adresu-matrix/internal/store"
)

const adminAccount = "admin"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the homeserver and moderate protected rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), configPath, useDefaults, dryRun)
		},
	}
	cmd.Flags().BoolVar(&useDefaults, "use-defaults", false, "Run with internal defaults if the config file is missing.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log what would be done without writing to the homeserver.")
	return cmd
}

// app owns everything runApp starts. close releases it in reverse order.
type app struct {
	client   *matrix.Client
	db       *store.BadgerStore
	executor *action.Executor
	lists    *policylist.Manager
	members  *membership.Index
	pipeline *protection.Pipeline
	engine   *engine.Engine
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("Shutdown step failed", "error", err)
		}
	}
}

func newLedger(cfg *config.Config, db *store.BadgerStore) (action.Ledger, func() error, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBadger:
		return db.Ledger(cfg.Ledger.TTL), nil, nil
	case config.LedgerRedis:
		l, err := action.NewRedisLedgerFromURL(cfg.Ledger.RedisURL, cfg.Ledger.RedisPrefix, cfg.Ledger.TTL)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return action.NewMemoryLedger(cfg.Ledger.Size, cfg.Ledger.TTL), nil, nil
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	hs := cfg.Homeserver
	if hs.URL == "" || hs.UserID == "" || hs.AccessToken == "" {
		return nil, errors.New("homeserver.url, homeserver.user_id and homeserver.access_token are required")
	}
	a := &app{}
	opts := matrix.ClientOptions{RetryMax: hs.RetryMax, Timeout: hs.Timeout, Logger: slog.Default()}
	a.client = matrix.NewClient(hs.URL, hs.UserID, hs.AccessToken, opts)

	db, err := store.NewBadgerStore(&cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	ledger, closeLedger, err := newLedger(cfg, db)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize action ledger: %w", err)
	}
	if closeLedger != nil {
		a.closers = append(a.closers, closeLedger)
	}

	exCfg := action.Config{
		BaseDelay:        cfg.Executor.BaseDelay,
		MaxDelay:         cfg.Executor.MaxDelay,
		MaxAttempts:      cfg.Executor.MaxAttempts,
		MaxRetryDuration: cfg.Executor.MaxRetryDuration,
		MutedPowerLevel:  cfg.Executor.MutedPowerLevel,
		DryRun:           cfg.Engine.DryRun,
	}
	if hs.AdminAccessToken != "" {
		exCfg.AdminAccount = adminAccount
	}
	guard := action.NewStaticGuard(append([]string{hs.UserID}, cfg.Engine.ManagementMembers...)...)
	a.executor = action.NewExecutor(a.client, exCfg,
		action.WithLedger(ledger),
		action.WithGuard(guard),
	)
	a.closers = append(a.closers, a.executor.Close)
	if hs.AdminAccessToken != "" {
		a.executor.AddAccount(adminAccount, matrix.NewClient(hs.URL, hs.UserID, hs.AdminAccessToken, opts))
	}

	a.lists = policylist.NewManager(a.client, db)
	a.members = membership.NewIndex(cfg.Membership.Retention, clock.Real())

	a.pipeline = protection.NewPipeline(cfg, a.executor)
	a.closers = append(a.closers, a.pipeline.Close)
	if err := protection.RegisterBuiltins(a.pipeline, protection.Deps{
		Lists:       a.lists,
		Members:     a.members,
		LocalServer: matrix.ServerName(hs.UserID),
	}); err != nil {
		a.close()
		return nil, err
	}

	a.engine = engine.New(engine.Deps{
		Homeserver: a.client,
		Lists:      a.lists,
		Members:    a.members,
		Pipeline:   a.pipeline,
		Sink:       a.executor,
		Store:      db,
		BotUserID:  hs.UserID,
		Guard:      guard,
	})
	a.closers = append(a.closers, func() error { a.engine.Close(); return nil })
	if err := a.engine.ApplyConfig(cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to apply protection settings: %w", err)
	}
	return a, nil
}

func serveMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("Serving metrics", "listen", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func runApp(parent context.Context, configPath string, useDefaults, dryRun bool) error {
	cfg, defaultsUsed, err := config.Load(configPath, useDefaults)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if dryRun {
		cfg.Engine.DryRun = true
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level.ToSlogLevel()}))
	slog.SetDefault(logger)
	if cfg.Engine.DryRun {
		slog.Warn("Running in DRY-RUN mode, no writes reach the homeserver.")
	}
	slog.Info("Moderation bot starting up", "version", version, "config_path", configPath, "using_defaults", defaultsUsed)

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.engine.Start(ctx, cfg); err != nil {
		slog.Error("Engine started with errors", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx, cfg.Membership.CleanupInterval) })

	loop := matrix.NewSyncLoop(a.client, func(ctx context.Context, roomID string, evt *matrix.Event, observedAt time.Time) {
		a.engine.HandleTimelineEvent(ctx, roomID, evt, observedAt)
	}, nil)
	loop.SetTimeout(cfg.Homeserver.SyncTimeout)
	g.Go(func() error { return loop.Run(ctx) })

	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Listen) })
	}

	watcher, err := config.NewWatcher(configPath, 0, func(newCfg *config.Config) {
		if dryRun {
			newCfg.Engine.DryRun = true
		}
		if err := a.engine.ApplyConfig(newCfg); err != nil {
			slog.Error("Configuration reloaded with errors", "error", err)
			return
		}
		slog.Info("Configuration reloaded", "path", configPath)
	})
	if err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	} else {
		watcher.OnError = func(err error) {
			slog.Error("Failed to reload configuration, keeping the old one", "error", err)
		}
		g.Go(func() error { watcher.Run(ctx); return nil })
	}

	err = g.Wait()
	slog.Info("Shutting down gracefully...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
