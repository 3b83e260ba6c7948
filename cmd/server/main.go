package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/epubpress/courier/internal/client"
	"github.com/epubpress/courier/internal/config"
	"github.com/epubpress/courier/internal/download"
	"github.com/epubpress/courier/internal/handler"
	"github.com/epubpress/courier/internal/metrics"
	"github.com/epubpress/courier/internal/middleware"
	"github.com/epubpress/courier/internal/notify"
	"github.com/epubpress/courier/internal/service"
	"github.com/epubpress/courier/internal/store"
	"github.com/epubpress/courier/internal/timer"
	ws "github.com/epubpress/courier/internal/websocket"
	"github.com/epubpress/courier/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := newLogger(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Fatal("redis not available", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	validate := validator.New()

	timers, err := newTimers(cfg, redisClient, zlog)
	if err != nil {
		zlog.Fatal("failed to create timers", zap.Error(err))
	}

	downloader, err := newDownloader(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to create downloader", zap.Error(err))
	}

	// Notification sinks
	hub := ws.NewHub(nil, validate, zlog)
	go hub.Run(ctx)

	notifiers := notify.Multi{hub}
	var natsNotifier *notify.NATSNotifier
	if cfg.NATS.URL != "" {
		natsNotifier, err = notify.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.Subject, zlog)
		if err != nil {
			zlog.Fatal("failed to connect to nats", zap.Error(err))
		}
		notifiers = append(notifiers, natsNotifier)
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	registry := prom.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewPrometheusRecorder(registry)
	}

	orchestrator := service.NewOrchestrator(service.Dependencies{
		Store:      store.NewRedisStore(redisClient, cfg.State.Key),
		Client:     client.NewEpubPressClient(&cfg.EpubPress, zlog),
		Timers:     timers,
		Notifier:   notifiers,
		Downloader: downloader,
		Metrics:    recorder,
		Config:     cfg.Orchestration,
		Logger:     zlog,
	})
	hub.SetSubmitter(orchestrator)

	if err := timers.Start(ctx); err != nil {
		zlog.Fatal("failed to start timers", zap.Error(err))
	}
	if err := orchestrator.Resume(ctx); err != nil {
		zlog.Error("failed to resume orchestration", zap.Error(err))
	}

	// Initialize handlers
	bookHandler := handler.NewBookHandler(orchestrator, validate, zlog)
	stateHandler := handler.NewStateHandler(orchestrator)
	settingsHandler := handler.NewSettingsHandler(orchestrator, validate)
	healthHandler := handler.NewHealthHandler(orchestrator, handler.Services{
		Timers:   cfg.Timers.Backend,
		Delivery: cfg.Delivery.Sink,
		NATS:     natsNotifier != nil,
		Metrics:  cfg.Metrics.Enabled,
	})

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient, zlog)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // books carry inline HTML
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", healthHandler.Get)
	if cfg.Metrics.Enabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())
	api.Post("/books", rateLimiter.PublishLimit(cfg.RateLimit.PublishPerHour), bookHandler.Publish)
	api.Get("/state", stateHandler.Get)
	api.Get("/settings", settingsHandler.Get)
	api.Put("/settings", settingsHandler.Put)

	// WebSocket route
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", authMiddleware.Authenticate(), websocket.New(hub.HandleConnection))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	zlog.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
	if err := app.Listen(addr); err != nil {
		zlog.Error("server error", zap.Error(err))
	}

	// Timers first so nothing new fires while in-flight publishes finish
	if err := timers.Stop(); err != nil {
		zlog.Error("failed to stop timers", zap.Error(err))
	}
	orchestrator.Wait()
	if natsNotifier != nil {
		if err := natsNotifier.Close(); err != nil {
			zlog.Error("failed to drain nats", zap.Error(err))
		}
	}
	cancel()
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func newTimers(cfg *config.Config, redisClient *redis.Client, zlog *zap.Logger) (timer.Service, error) {
	if cfg.Timers.Backend == config.TimersRedis {
		opt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		return timer.NewDurable(redisClient, opt, cfg.Timers.Queue, zlog), nil
	}
	return timer.NewLocal(zlog)
}

func newDownloader(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (download.Downloader, error) {
	httpClient := &http.Client{Timeout: cfg.EpubPress.HTTPTimeout}
	if cfg.Delivery.Sink == config.SinkS3 {
		s3Client, err := download.NewS3Client(ctx, &cfg.S3)
		if err != nil {
			return nil, err
		}
		return download.NewBucketDownloader(s3Client, &cfg.S3, httpClient, zlog), nil
	}
	return download.NewLocalDownloader(cfg.Delivery.Dir, httpClient, zlog), nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
