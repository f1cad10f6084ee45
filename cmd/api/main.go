package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/rally-go-api/internal/config"
	"github.com/noah-isme/rally-go-api/internal/database"
	"github.com/noah-isme/rally-go-api/internal/events"
	"github.com/noah-isme/rally-go-api/internal/gateway"
	"github.com/noah-isme/rally-go-api/internal/handler"
	"github.com/noah-isme/rally-go-api/internal/middleware"
	"github.com/noah-isme/rally-go-api/internal/repository"
	"github.com/noah-isme/rally-go-api/internal/router"
	"github.com/noah-isme/rally-go-api/internal/service"
	"github.com/noah-isme/rally-go-api/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	probes := []handler.HealthProbe{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		probes = append(probes, handler.HealthProbe{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	} else {
		logger.Warn().Msg("redis disabled; presence and fan-out stay local to this node")
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	fileStorage, err := newFileStorage(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to configure attachment storage")
	}

	audit := events.NewSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer func() {
		if err := audit.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to flush audit sink")
		}
	}()

	validate := validator.New(validator.WithRequiredStructEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := gateway.NewHub(logger, gateway.FanoutOptions{
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.ChannelBase,
	})
	hub.Start(ctx)

	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	uploadRepo := repository.NewUploadRepository(db)

	conversationService := service.NewConversationService(conversationRepo, hub, validate, logger)
	messageService := service.NewMessageService(messageRepo, conversationRepo, hub, validate, logger, service.MessageServiceOptions{
		Redis:       redisClient,
		ChannelBase: cfg.ChannelBase,
		Audit:       audit,
		PageSize:    cfg.HistoryPageSize,
	})
	presenceService := service.NewPresenceService(redisClient, cfg.ChannelBase, cfg.PresenceTTL, hub, logger)
	notificationService := service.NewNotificationService(notificationRepo, hub, redisClient, cfg.ChannelBase, natsConn, validate, logger)
	attachmentService := service.NewAttachmentService(fileStorage, uploadRepo, cfg.UploadMaxSizeMB, logger)

	notificationService.Start(ctx)
	go conversationService.RunArchiver(ctx, cfg.ArchiveInterval)

	gw := gateway.New(hub, gateway.Services{
		Conversations: conversationService,
		Messages:      messageService,
		Presence:      presenceService,
		Notifications: notificationService,
	}, validate, gateway.Options{
		EventsPerSecond: cfg.WSEventsPerSecond,
		Burst:           cfg.WSEventBurst,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(conversationService, messageService, validate, logger),
		MessageHandler:      handler.NewMessageHandler(messageService, validate, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationService, logger, cfg.SSEKeepAlive),
		UploadHandler:       handler.NewUploadHandler(attachmentService, logger),
		PresenceHandler:     handler.NewPresenceHandler(presenceService, logger),
		SystemHandler:       handler.NewSystemHandler(gw, validate, logger),
		WebsocketHandler:    handler.NewWebsocketHandler(gw, logger),
		HealthProbes:        probes,
		Sessions:            hub.SessionCount,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, gw, cfg.ShutdownGrace, logger)
}

func newFileStorage(ctx context.Context, cfg config.Config, logger zerolog.Logger) (service.FileStorage, error) {
	if cfg.StorageDriver == "s3" {
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PublicURL: cfg.S3PublicURL,
			Prefix:    "attachments",
		}, logger)
	}
	return storage.NewCloudinary(storage.CloudinaryConfig{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
}

// waitForShutdown announces the restart to websocket sessions before the HTTP server stops, so
// clients start reconnecting against another node while this one drains.
func waitForShutdown(app *fiber.App, gw *gateway.Gateway, grace time.Duration, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := gw.Shutdown(ctx, "server restarting"); err != nil {
		logger.Warn().Err(err).Msg("websocket sessions did not drain in time")
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
