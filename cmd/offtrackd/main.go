package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cesargomez89/offtrack/internal/cache"
	"github.com/cesargomez89/offtrack/internal/config"
	"github.com/cesargomez89/offtrack/internal/connectivity"
	"github.com/cesargomez89/offtrack/internal/downloads"
	httpapp "github.com/cesargomez89/offtrack/internal/http"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/metrics"
	"github.com/cesargomez89/offtrack/internal/offline"
	"github.com/cesargomez89/offtrack/internal/storage"
	"github.com/cesargomez89/offtrack/internal/store"
	"github.com/cesargomez89/offtrack/internal/transport"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Default().Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	if err := cfg.Validate(); err != nil {
		appLogger.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, appLogger *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.EnsureDir(cfg.DataDir); err != nil {
		return err
	}

	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	client := transport.NewClient(transport.Options{
		HeaderTimeout: cfg.HTTPTimeout,
		RetryBase:     cfg.RetryBase,
	})

	dm := downloads.NewManager(db, client, downloads.Options{
		Dir:          cfg.DownloadsDir(),
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
		StallTimeout: cfg.StallTimeout,
		RetryBase:    cfg.RetryBase,
		AutoRetry:    cfg.AutoRetry,
		WriteTags:    cfg.WriteTags,
		Logger:       appLogger,
	})
	if err := dm.Start(ctx); err != nil {
		return err
	}
	defer dm.Stop()

	cm, err := cache.Open(client, dm, cache.Options{
		Dir:       cfg.CacheDir(),
		IndexPath: cfg.CacheIndexPath(),
		LimitMB:   cfg.CacheLimitMB,
		Scope:     cfg.CacheScope,
		Logger:    appLogger,
	})
	if err != nil {
		return err
	}
	defer cm.Close()

	probeClient := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	mon := connectivity.NewMonitor(connectivity.HTTPProbe(probeClient, cfg.HealthURL()), connectivity.Options{
		Interval:         cfg.ProbeInterval,
		FailureThreshold: cfg.FailureThreshold,
		Logger:           appLogger,
	})
	mon.Start(ctx)
	defer mon.Stop()

	svc := offline.NewService(mon, dm, cm, store.NewSettingsRepo(db), appLogger)
	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	defer svc.Close()

	h := httpapp.NewHandler(dm, cm, svc, mon, reg, appLogger)
	go h.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("Server listening", "addr", srv.Addr, "server_url", cfg.ServerURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLogger.Info("Server exiting")
	return nil
}
