package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tiss/tiss/internal/config"
	"github.com/tiss/tiss/internal/domain/batch"
	"github.com/tiss/tiss/internal/domain/glosa"
	"github.com/tiss/tiss/internal/domain/guide"
	"github.com/tiss/tiss/internal/domain/returns"
	"github.com/tiss/tiss/internal/domain/risk"
	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/auth"
	"github.com/tiss/tiss/internal/platform/blobstore"
	"github.com/tiss/tiss/internal/platform/db"
	"github.com/tiss/tiss/internal/platform/events"
	"github.com/tiss/tiss/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tiss-server",
		Short: "TISS claims lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the TISS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Blob storage for batch snapshots and uploaded return files.
	var store blobstore.BlobStore
	if cfg.BlobDir != "" {
		fileStore, err := blobstore.NewFileBlobStore(cfg.BlobDir)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.BlobDir).Msg("failed to open blob store")
		}
		store = fileStore
	} else {
		logger.Warn().Msg("BLOB_DIR not set, using in-memory blob store")
		store = blobstore.NewInMemoryBlobStore()
	}

	// Event publishers. Logs always receive events; a webhook is optional.
	pubs := events.Fanout{&events.LogPublisher{Logger: logger}}
	if cfg.EventWebhookURL != "" {
		pubs = append(pubs, events.NewWebhookPublisher(cfg.EventWebhookURL, cfg.EventWebhookSecret, logger))
		logger.Info().Str("url", cfg.EventWebhookURL).Msg("webhook event publisher enabled")
	}
	var pub events.Publisher = pubs

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware([]byte(cfg.JWTSigningKey)))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")

	// Repositories
	guideRepo := guide.NewRepoPG(pool)
	batchRepo := batch.NewRepoPG(pool)
	returnRepo := returns.NewRepoPG(pool)
	glosaRepo := glosa.NewRepoPG(pool)

	// Services
	guideSvc := guide.NewService(guideRepo, logger)
	batchSvc := batch.NewService(batchRepo, guideRepo, store, pub, logger, cfg.DenialAlertThreshold,
		func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		})
	returnSvc := returns.NewService(returnRepo, store)
	glosaSvc := glosa.NewService(glosaRepo)

	// Handlers
	guide.NewHandler(guideSvc).RegisterRoutes(apiV1)
	batch.NewHandler(batchSvc).RegisterRoutes(apiV1)
	returns.NewHandler(returnSvc).RegisterRoutes(apiV1)
	glosa.NewHandler(glosaSvc).RegisterRoutes(apiV1)
	risk.NewHandler().RegisterRoutes(apiV1)

	// Return ingestion worker
	worker := returns.NewWorker(returnRepo, guideSvc, batchSvc, glosaSvc, store, pub, logger, returns.WorkerConfig{
		MaxRetries:   cfg.ReturnMaxRetries,
		BaseBackoff:  cfg.ReturnRetryBaseBackoff,
		MaxBackoff:   cfg.ReturnRetryMaxBackoff,
		PollInterval: cfg.WorkerPollInterval,
	})
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go worker.Run(workerCtx)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
