package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/app"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/config"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/logging"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/report"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
)

func main() {
	exitCode := 0
	// Registered first so it runs after every other deferred cleanup.
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	schemas, err := schema.Default()
	if err != nil {
		logger.Fatal("table schemas failed to load", zap.Error(err))
	}

	client := registry.NewClient(cfg.RegistryURL, cfg.RegistryTimeout, registry.WithServiceToken(cfg.ServiceToken))
	if strings.TrimSpace(cfg.ServiceToken) == "" {
		logger.Warn("NODP_SERVICE_TOKEN not set, the registry will refuse uploads made through this API")
	}

	var cache window.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for the window cache")
		redisCache, err := window.NewRedisCache(cfg.RedisURL, cfg.WindowCacheTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisCache.Close()
		cache = redisCache
	} else {
		logger.Info("using memory for the window cache")
		cache = window.NewMemoryCache()
	}

	gate := window.NewGate(client, cache, logger)
	watcher := window.NewWatcher(gate, cfg.WindowPollInterval, logger)
	if err := watcher.Start(); err != nil {
		logger.Fatal("window watcher failed to start", zap.Error(err))
	}
	defer watcher.Stop()

	reports := report.NewService(report.ChromeRenderer{Timeout: cfg.ReportTimeout})
	service := app.New(cfg, client, watcher, reports, schemas, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.MaxUploadBytes, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.RegistryTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("NODP API listening", zap.String("addr", cfg.Addr), zap.String("registry", cfg.RegistryURL))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if err := serveUntilSignal(server, sigCh); err != nil {
		logger.Error("server failed", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// serveUntilSignal serves srv until a signal arrives or serving fails. It
// returns the serve error, if any; shutting srv down is left to the caller.
func serveUntilSignal(srv *http.Server, signals <-chan os.Signal) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	select {
	case <-signals:
		return nil
	case err := <-serveErr:
		return err
	}
}
