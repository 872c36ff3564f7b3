package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/caption-relay/internal/config"
	"github.com/sjawhar/caption-relay/internal/logging"
	"github.com/sjawhar/caption-relay/internal/relay"
	"github.com/sjawhar/caption-relay/internal/server"
	"github.com/sjawhar/caption-relay/internal/storage"
	"github.com/sjawhar/caption-relay/internal/stt"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "caption-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, warnings, err := config.Load(envOrDefault(config.EnvPrefix+"CONFIG", "config.yaml"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range warnings {
		logger.Warn("config: " + w)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	defer func() { _ = store.Close() }()

	provider := newProvider(cfg, logger)

	hub := server.NewHub(store, logger)
	monitor := server.NewMonitor(hub, cfg.ParsedHealthInterval(), logger)
	manager := relay.NewManager(provider, hub, relay.Options{
		FinishTimeout: cfg.ParsedFinishTimeout(),
		Logger:        logger,
	})
	monitor.Watch(manager)

	srv := server.New(hub, server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		Audio:          manager.Hook(),
		Sessions:       manager.Active,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(monitorCtx)
		return nil
	})

	g.Go(func() error {
		logger.Info("caption-relay listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("store", cfg.Store),
			zap.String("stt_provider", cfg.STTProvider),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("caption-relay shutting down")

		cancelMonitor()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ParsedFinishTimeout()+shutdownGrace)
		defer cancel()

		// Stop accepting first; upgraded sockets are hijacked and outlive it.
		shutdownErr := httpServer.Shutdown(shutdownCtx)

		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay sessions did not finish in time", zap.Error(err))
		}
		hub.Close()

		if shutdownErr != nil {
			return fmt.Errorf("http shutdown: %w", shutdownErr)
		}
		return nil
	})

	return g.Wait()
}

func openStore(cfg config.Config) (storage.Log, error) {
	if cfg.Store == config.StoreSQLite {
		dsn := cfg.SQLiteDSN
		if dsn == "" {
			dsn = storage.MemoryDSN
		}
		return storage.NewSQLiteLog(dsn)
	}
	return storage.NewMemoryLog(), nil
}

func newProvider(cfg config.Config, logger *zap.Logger) stt.Provider {
	named := logger.Named("stt")
	if cfg.STTProvider == config.ProviderOpenAI {
		return stt.NewWhisper(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Language, cfg.ParsedOpenAIChunk(), named)
	}
	stt.InitDeepgram()
	return stt.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.Language, named)
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
