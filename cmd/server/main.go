package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjannette/bitcoin-trend/internal/api"
	"github.com/kjannette/bitcoin-trend/internal/bootstrap"
	"github.com/kjannette/bitcoin-trend/internal/config"
	"github.com/kjannette/bitcoin-trend/internal/db"
	"github.com/kjannette/bitcoin-trend/internal/external"
	"github.com/kjannette/bitcoin-trend/internal/httputil"
	"github.com/kjannette/bitcoin-trend/internal/logging"
	"github.com/kjannette/bitcoin-trend/internal/metrics"
	"github.com/kjannette/bitcoin-trend/internal/notifications"
	"github.com/kjannette/bitcoin-trend/internal/repository"
	"github.com/kjannette/bitcoin-trend/internal/resample"
	"github.com/kjannette/bitcoin-trend/internal/scheduler"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:           "bitcoin-trend",
		Short:         "Serves resampled bitcoin price history and keeps it updated hourly",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
	config.RegisterFlags(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bitcoin-trend: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, DevMode: cfg.LogDevMode})
	if err != nil {
		return err
	}
	defer log.Sync()

	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	cfg.Print(log)
	metrics.Register()

	if err := os.Chdir(cfg.WorkingDir); err != nil {
		return fmt.Errorf("chdir %s: %w", cfg.WorkingDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.Connect(ctx, cfg.DSN(), db.PoolOptions{
		MaxConns:       int32(cfg.DBMaxConns),
		MinConns:       int32(cfg.DBMinConns),
		ConnectTimeout: cfg.DBConnectTimeout,
	}, log)
	if err != nil {
		log.Error("database connection failed", zap.Error(err))
		return err
	}
	defer func() {
		pool.Close()
		log.Info("database pool closed")
	}()
	if err := db.TestConnection(ctx, pool, log); err != nil {
		return err
	}

	store := repository.NewPriceRepo(pool, log)
	notify := notifications.NewSender(cfg.WebhookURL, cfg.ServiceName, log)

	loader := bootstrap.NewLoader(store, bootstrap.Config{
		Path:      cfg.HistoryFile,
		BatchSize: cfg.BootstrapBatchSize,
	}, log)
	loader.SetNotifier(notify)
	if _, err := loader.EnsureInitialized(ctx); err != nil {
		log.Error("store initialization failed", zap.Error(err))
		return err
	}

	ticker := external.NewBitstampClient(cfg.UpstreamURL, cfg.UpstreamTimeout, httputil.RetryConfig{
		MaxAttempts: cfg.UpstreamAttempts,
		BaseDelay:   httputil.DefaultRetry.BaseDelay,
		MaxDelay:    httputil.DefaultRetry.MaxDelay,
	})
	updater := scheduler.NewUpdater(store, ticker, scheduler.UpdaterConfig{
		Interval: cfg.UpdateInterval,
		MinAge:   cfg.FreshnessWindow,
	}, log)
	updater.SetNotifier(notify)

	srv := api.NewServer(resample.New(store, cfg.FallbackPriceCents, log), store, updater, api.Options{
		Addr:       cfg.ListenAddr,
		APIKey:     cfg.APIKey,
		CORSOrigin: cfg.CORSAllowOrigin,
		StaticDir:  cfg.StaticDir,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		// A stopped updater leaves the stored history servable.
		if err := updater.Run(gctx); err != nil {
			log.Error("updater stopped", zap.Error(err))
		}
		return nil
	})

	log.Info("all services started", zap.String("version", version))
	notify.Send(fmt.Sprintf("Started v%s on %s", version, cfg.ListenAddr))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server failed", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
