package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/servicemarket/api"
	"github.com/garnizeh/servicemarket/db"
	"github.com/garnizeh/servicemarket/internal/config"
	idb "github.com/garnizeh/servicemarket/internal/db"
	"github.com/garnizeh/servicemarket/internal/jobs"
	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/internal/realtime"
	"github.com/garnizeh/servicemarket/internal/repository/sqlite"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	api.SetLogger(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting servicemarket", slog.String("version", version), slog.String("build_time", buildTime))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open database connection
	conn, err := idb.New(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Error("error closing DB", slog.Any("err", err))
		}
	}()
	if err := idb.Migrate(ctx, conn, db.Migrations); err != nil {
		return err
	}

	repo := sqlite.New(conn, logger)

	// Realtime: the local hub, plus the broker relay when configured
	hub := realtime.NewHub(cfg.Realtime.BufferSize, logger)
	defer hub.Close()

	var pusher notify.Pusher = hub
	if cfg.Realtime.AMQPURL != "" {
		relay, err := realtime.DialRelay(ctx, realtime.RelayConfig{
			URL:           cfg.Realtime.AMQPURL,
			Exchange:      cfg.Realtime.Exchange,
			RetryAttempts: cfg.Realtime.DialRetries,
			Delay:         cfg.Realtime.DialRetryDelay,
		}, hub, logger)
		if err != nil {
			return err
		}
		defer relay.Close()
		pusher = realtime.Fanout{hub, relay}
		logger.Info("realtime relay connected", slog.String("exchange", cfg.Realtime.Exchange))
	}

	dispatcher := notify.NewDispatcher(repo, pusher, notify.NewSchemas(), logger)

	pool := jobs.NewWorkerPool(repo, map[string]jobs.Handler{
		notify.JobDispatch: dispatcher.HandleJob,
	}, logger, cfg.Jobs.Workers)
	pool.SetPollInterval(cfg.Jobs.PollInterval)
	pool.SetRetention(cfg.Jobs.Retention)
	pool.Start(ctx)
	defer pool.Stop()

	handler := api.SetupRoutes(cfg, version, buildTime, api.Services{
		Users:         repo,
		Requests:      market.NewRequests(repo, repo, logger),
		Offers:        market.NewOffers(repo, repo, logger),
		Conversations: market.NewConversations(repo, repo, repo, logger),
		Dispatcher:    dispatcher,
		Hub:           hub,
		Ping: func(ctx context.Context) error {
			return conn.GetConn().PingContext(ctx)
		},
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server exited")
	return nil
}
