package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/internal/service"
	cloud "github.com/noah-isme/gema-chat/pkg/cloudinary"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "gema-chat").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Close()
	}

	runCtx, stopRelays := context.WithCancel(context.Background())
	defer stopRelays()

	var relayOpts []fanout.Option
	if relay := fanout.NewRedisRelay(redisClient, fmt.Sprintf("%s:chat:fanout", cfg.ChannelBase)); relay != nil {
		relayOpts = append(relayOpts, fanout.WithRelay(relay))
	}
	if relay := fanout.NewNATSRelay(natsConn, fmt.Sprintf("%s.chat.fanout", cfg.ChannelBase)); relay != nil {
		relayOpts = append(relayOpts, fanout.WithRelay(relay))
	}
	hub := fanout.NewHub(logger, relayOpts...)
	hub.Start(runCtx)

	validate := validator.New(validator.WithRequiredStructEnabled())

	dir := directory.NewCachedDirectory(
		directory.NewGormDirectory(db),
		redisClient,
		fmt.Sprintf("%s:chat:directory", cfg.ChannelBase),
		cfg.DirectoryCacheTTL,
		logger,
	)

	chatRepo := repository.NewChatRepository(db)
	roomRepo := repository.NewRoomRepository(db)
	membershipRepo := repository.NewMembershipRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	notificationService := service.NewNotificationService(notificationRepo, hub, validate, logger)
	roomService := service.NewRoomService(roomRepo, membershipRepo, dir, notificationService, hub, validate, logger)
	messageService := service.NewMessageService(chatRepo, membershipRepo, roomService, dir, notificationService, hub, redisClient, validate, logger, service.MessageServiceOptions{
		CachePrefix:    fmt.Sprintf("%s:chat", cfg.ChannelBase),
		LastMessageTTL: cfg.Chat.LastMessageTTL,
		NotifyWorkers:  cfg.Chat.NotifyWorkers,
		NotifyQueue:    cfg.Chat.NotifyQueue,
		BroadcastEdits: cfg.Chat.BroadcastEdits,
	})
	presenceService := service.NewPresenceService(roomService, roomRepo, membershipRepo, chatRepo, messageService, logger)

	var attachmentService service.AttachmentService
	if cfg.CloudinaryEnabled() {
		store, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		attachmentService = service.NewAttachmentService(store, roomService, messageService, cfg.UploadMaxMB, logger)
	} else {
		logger.Warn().Msg("cloudinary not configured, attachment uploads disabled")
	}

	decoder, err := service.NewFrameDecoder()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile frame schema")
	}

	gateway := service.NewGateway(hub, dir, roomService, messageService, presenceService, notificationService, decoder, logger, service.GatewayOptions{
		SendBuffer: cfg.Chat.SendBuffer,
		KeepAlive:  cfg.Chat.KeepAlive,
		FrameRate:  cfg.Chat.FrameRate,
		FrameBurst: cfg.Chat.FrameBurst,
	})

	chatHandler := handler.NewChatHandler(gateway, roomService, messageService, presenceService, attachmentService, logger)
	notificationHandler := handler.NewNotificationHandler(notificationService, gateway, validate, logger, cfg.Chat.KeepAlive)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:         chatHandler,
		NotificationHandler: notificationHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		DB:                  db,
		NodeID:              hub.NodeID(),
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("node_id", hub.NodeID()).Msg("chat server listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, logger, func() {
		stopRelays()
		messageService.Close()
	})
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops accepting
// requests before running drain.
func waitForShutdown(app *fiber.App, logger zerolog.Logger, drain func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if drain != nil {
		drain()
	}

	logger.Info().Msg("server stopped")
}
