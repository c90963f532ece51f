package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vyvo/buildfarm/pkg/api"
	"github.com/vyvo/buildfarm/pkg/config"
	"github.com/vyvo/buildfarm/pkg/dispatch"
	"github.com/vyvo/buildfarm/pkg/logtail"
	"github.com/vyvo/buildfarm/pkg/scanner"
	"github.com/vyvo/buildfarm/pkg/store"
	"github.com/vyvo/buildfarm/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.LoadDispatcher()
	if err != nil {
		slog.Error("dispatcher config load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "buildfarm-dispatcher", version)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown", "error", err)
		}
	}()

	var (
		st     store.Store
		events api.EventSource
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := store.NewPostgresStore(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				logger.Error("postgres close", "error", err)
			}
		}()
		st, events = pg, pg
	} else {
		logger.Info("no database_url configured, using in-memory store")
		mem := store.NewMemStore()
		st, events = mem, mem
	}

	var (
		tailSink   dispatch.LogTailSink
		tailSource api.TailSource
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		tails, err := logtail.New(cfg.RedisURL)
		if err != nil {
			logger.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		defer tails.Close()
		tailSink, tailSource = tails, tails
	}

	pool := dispatch.NewPool(cfg.DownloadConnections)
	defer pool.Shutdown()

	behaviours := dispatch.NewBehaviourRegistry()
	behaviours.Register(dispatch.NewBinaryPackageBehaviour(st, cfg.UploadDir, logger))

	interactor := dispatch.NewInteractor(st, behaviours, tailSink, logger)

	newClient := func(v dispatch.Vitals) dispatch.WorkerAPI {
		timeout := cfg.SocketTimeout
		if v.Virtualized {
			timeout = cfg.VirtualizedSocketTimeout
		}
		return dispatch.NewClient(v.URL, v.VMHost, cfg.VMResumeCommand, timeout, pool, logger)
	}

	manager := scanner.NewManager(
		st, interactor, newClient, cfg.ScanInterval, cfg.NewWorkerInterval, logger)
	managerDone := make(chan error, 1)
	go func() { managerDone <- manager.Run(ctx) }()

	apiServer := api.NewServer(st, events, tailSource, cfg.APIKey, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	go func() {
		logger.Info("dispatcher listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := <-managerDone; err != nil {
		logger.Error("scan manager stopped with error", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})
	return slog.New(handler)
}
