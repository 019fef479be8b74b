package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"progression-engine/config"
	"progression-engine/handlers"
	"progression-engine/middleware"
	"progression-engine/models"
	"progression-engine/services"
	"progression-engine/utils"
	"progression-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		fatal(logger, "failed to connect to database", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		fatal(logger, "failed to migrate database", err)
	}

	hub := services.NewEventHub(logger)
	hub.AttachListener(ctx, cfg.DatabaseURL)

	engine, err := services.NewEngine(services.Deps{
		DB:       db,
		Config:   cfg,
		Notifier: services.NewPgNotifier(db, logger),
		Logger:   logger,
		Clock:    services.SystemClock,
	})
	if err != nil {
		fatal(logger, "failed to build engine", err)
	}
	if err := engine.Badges.SeedCatalog(ctx); err != nil {
		fatal(logger, "failed to seed badge catalog", err)
	}
	if _, err := engine.Events.EnsureCurrentEvents(ctx); err != nil {
		logger.Warn("could not create current events", "error", err)
	}

	var store utils.ObjectStore
	if cfg.R2.Bucket != "" {
		r2, err := utils.NewR2Store(ctx, utils.R2Options{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			AccessKeySecret: cfg.R2.AccessKeySecret,
			Bucket:          cfg.R2.Bucket,
			Endpoint:        cfg.R2.Endpoint,
		})
		if err != nil {
			fatal(logger, "failed to initialize R2 client", err)
		}
		store = r2
	} else {
		logger.Warn("R2_BUCKET_NAME not set, period archives disabled")
	}
	archive := services.NewArchiveService(engine.Deps, store)

	runner := workers.NewJobRunner(db, logger)
	scheduler := workers.NewScheduler(engine, archive, runner, logger)
	if err := scheduler.Start(ctx); err != nil {
		fatal(logger, "failed to start scheduler", err)
	}

	if cfg.SocialServiceURL != "" {
		workers.NewTribeSyncWorker(db, engine.Tribes, logger, cfg.SocialServiceURL, cfg.ServiceToken, cfg.SyncInterval).Start(ctx)
	} else {
		logger.Warn("SOCIAL_SERVICE_URL not set, tribe membership sync disabled")
	}
	if cfg.PaymentsServiceURL != "" {
		client := workers.NewPaymentSyncClient(cfg.PaymentsServiceURL, cfg.ServiceToken)
		go workers.PollPurchases(ctx, client, engine.Wallet, logger, cfg.SyncInterval)
	} else {
		logger.Warn("PAYMENTS_SERVICE_URL not set, purchase polling disabled")
	}

	var authClient *services.AuthServiceClient
	if cfg.AuthServiceURL != "" {
		authClient = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.ServiceToken)
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	})

	// Only gateway requests are allowed, except the SSE stream which validates its own token.
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken, logger, handlers.StreamPath))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		logger.Warn("ALLOWED_ORIGINS not set, using default: http://localhost:3000")
		origins = []string{"http://localhost:3000"}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupRoutes(app, handlers.RouteDeps{
		Engine:     engine,
		Hub:        hub,
		AuthClient: authClient,
		Scheduler:  scheduler,
		Jobs:       runner,
		Logger:     logger,
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("server error", "error", err)
			stop()
		}
	}()
	logger.Info("server running", "port", cfg.Port, "timezone", cfg.AppTimezone, "origins", origins)

	<-ctx.Done()
	logger.Info("shutting down server...")
	if err := scheduler.Stop(); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
