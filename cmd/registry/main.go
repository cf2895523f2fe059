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

	nodpdb "github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/db"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/authpw"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/blob"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/config"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/logging"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry/server"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/store"
)

type blobStore interface {
	Put(ctx context.Context, object blob.Object) error
	Get(ctx context.Context, key string) (blob.Object, error)
	Ping(ctx context.Context) error
}

func main() {
	exitCode := 0
	// Registered first so it runs after every other deferred cleanup.
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{MaxOpenConns: cfg.DBMaxOpenConns})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	migrations, err := store.MigrationsFS(nodpdb.Migrations, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations not found", zap.Error(err))
	}
	applied, err := store.ApplyMigrations(ctx, db, migrations)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	schemas, err := schema.Default()
	if err != nil {
		logger.Fatal("table schemas failed to load", zap.Error(err))
	}

	var blobs blobStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("minio connection failed", zap.Error(err))
		}
		logger.Info("storing attachments in minio", zap.String("bucket", cfg.MinioBucket))
		blobs = minioStore
	} else {
		logger.Warn("MINIO_ENDPOINT not set, attachments are kept in memory")
		blobs = blob.NewMemoryStore()
	}

	dataStore := store.NewPostgresStore(db)
	passwords := authpw.NewService(dataStore)
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := passwords.SetPassword(ctx, cfg.AdminUsername, cfg.AdminPassword, store.RoleAdmin); err != nil {
			logger.Fatal("admin bootstrap failed", zap.Error(err))
		}
		logger.Info("admin account ready", zap.String("username", cfg.AdminUsername))
	}

	service := server.NewService(dataStore, blobs, passwords, schemas, logger)
	httpServer := server.NewHTTPServer(service, server.Tokens{Admin: cfg.AdminToken, Service: cfg.ServiceToken}, logger)
	if strings.TrimSpace(cfg.AdminToken) == "" {
		logger.Info("NODP_ADMIN_TOKEN not set, admin routes accept admin Basic credentials only")
	}
	srv := &http.Server{
		Addr:              cfg.RegistryAddr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("NODP registry listening", zap.String("addr", cfg.RegistryAddr))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if err := serveUntilSignal(srv, sigCh); err != nil {
		logger.Error("server failed", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
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
