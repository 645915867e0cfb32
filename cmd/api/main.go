package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/anjiri1684/amora_chat/configs"
	"github.com/anjiri1684/amora_chat/database"
	"github.com/anjiri1684/amora_chat/handlers"
	"github.com/anjiri1684/amora_chat/jobs"
	"github.com/anjiri1684/amora_chat/metrics"
	"github.com/anjiri1684/amora_chat/middleware"
	"github.com/anjiri1684/amora_chat/notifications"
	"github.com/anjiri1684/amora_chat/presence"
	"github.com/anjiri1684/amora_chat/routes"
	"github.com/anjiri1684/amora_chat/services"
	"github.com/anjiri1684/amora_chat/storage"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/anjiri1684/amora_chat/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logr, err := utils.NewLogger(cfg.LogDev)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logr.Sync()
	metrics.Init()

	ctx := context.Background()
	st, closeStore := openStore(ctx, cfg.Database, logr)
	defer closeStore()

	purger, cld := openPurger(ctx, cfg.Storage, logr)

	var pub notifications.Publisher = notifications.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub = notifications.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logr.Infow("publishing notifications to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer pub.Close()

	var limiter middleware.Limiter = middleware.NewLocalLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		perWindow := int(cfg.RateLimit.RPS * cfg.RateLimit.Window.Seconds())
		if perWindow < cfg.RateLimit.Burst {
			perWindow = cfg.RateLimit.Burst
		}
		limiter = middleware.NewRedisLimiter(rdb, "ratelimit:messages", perWindow, cfg.RateLimit.Window)
	}

	hub := websocket.NewHub(logr)
	registry := presence.NewRegistry(st, hub, presence.Options{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Presence.HeartbeatTimeout,
		MaxBatch:          cfg.Presence.MaxBatch,
	}, logr)
	defer registry.Close()

	messageSvc := services.NewMessageService(st, hub, purger, pub, logr)
	conversationSvc := services.NewConversationService(st, hub, messageSvc, purger, logr)
	callSvc := services.NewCallService(st, hub, pub, logr)

	c := cron.New()
	if _, err := jobs.SchedulePurge(c, cfg.PurgeSchedule, messageSvc, logr); err != nil {
		logr.Fatalw("schedule purge job", "spec", cfg.PurgeSchedule, "error", err)
	}
	c.Start()
	defer c.Stop()
	logr.Infow("cron job for message purge scheduled", "spec", cfg.PurgeSchedule)

	app := fiber.New(fiber.Config{
		AppName:       cfg.App.Name,
		CaseSensitive: true,
		StrictRouting: true,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := utils.StatusFor(err)
			if code >= fiber.StatusInternalServerError {
				logr.Errorw("request failed", "path", c.Path(), "method", c.Method(), "error", err)
			}
			return utils.Fail(c, err)
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.App.AllowOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Length, Authorization",
		MaxAge:        86400,
	}))
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	routes.Setup(app, routes.Handlers{
		Conversations: handlers.NewConversationHandler(conversationSvc),
		Messages:      handlers.NewMessageHandler(messageSvc),
		Calls:         handlers.NewCallHandler(callSvc),
		Presence:      handlers.NewPresenceHandler(registry),
		Uploads:       handlers.NewUploadHandler(cld, logr),
		WS:            handlers.NewWSHandler(hub, registry, st, cfg.JWTSecret, cfg.WS, logr),
		Auth:          middleware.Protected(cfg.JWTSecret),
		RateLimit:     middleware.RateLimit(limiter, logr),
	})

	errs := make(chan error, 1)
	go func() {
		logr.Infow("server is running", "addr", cfg.App.Addr(), "env", cfg.App.Env)
		errs <- app.Listen(cfg.App.Addr())
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		logr.Errorw("server failed", "error", err)
	case s := <-sig:
		logr.Infow("signal received", "signal", s.String())
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logr.Warnw("fiber shutdown", "error", err)
	}
	logr.Info("shutting down")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logr *zap.SugaredLogger) (store.Store, func()) {
	if cfg.Driver == "mongo" {
		client, db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logr.Fatalw("connect mongo", "error", err)
		}
		st, err := store.NewMongoStore(ctx, db)
		if err != nil {
			logr.Fatalw("prepare mongo indexes", "error", err)
		}
		logr.Infow("connected to mongo", "db", cfg.MongoDB)
		return st, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
	}

	db, err := database.Connect(cfg.Driver, cfg.URL)
	if err != nil {
		logr.Fatalw("connect database", "driver", cfg.Driver, "error", err)
	}
	if err := database.Migrate(db); err != nil {
		logr.Fatalw("migrate database", "error", err)
	}
	logr.Infow("database connected and migrated", "driver", cfg.Driver)
	return store.NewGormStore(db), func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// openPurger also returns the Cloudinary client when that is the provider so
// upload signatures can be issued.
func openPurger(ctx context.Context, cfg config.StorageConfig, logr *zap.SugaredLogger) (storage.Purger, *storage.CloudinaryStore) {
	switch cfg.Provider {
	case "cloudinary":
		cld, err := storage.NewCloudinaryStore(cfg.CloudinaryURL)
		if err != nil {
			logr.Fatalw("init cloudinary", "error", err)
		}
		return cld, cld
	case "s3":
		s3, err := storage.NewS3Store(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			logr.Fatalw("init s3", "error", err)
		}
		return s3, nil
	default:
		logr.Warn("no attachment storage configured; purged attachments stay in storage")
		return storage.NopPurger{}, nil
	}
}
