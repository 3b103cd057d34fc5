// Package server contains HTTP and WebSocket handlers for the chat API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	_ "officechat/docs" // swagger docs
	"officechat/internal/bootstrap"
	"officechat/internal/config"
	"officechat/internal/featureflags"
	"officechat/internal/middleware"
	"officechat/internal/models"
	"officechat/internal/notifications"
	"officechat/internal/observability"
	"officechat/internal/repository"
	"officechat/internal/service"
	"officechat/internal/storage"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	userRepo       repository.UserRepository
	chatRepo       repository.ChatRepository
	chatHub        *notifications.ChatHub
	notifier       *notifications.Notifier
	attachments    *storage.Attachments
	featureFlags   *featureflags.Manager
	limiter        *middleware.RateLimiter
	chatService    *service.ChatService
	wsLog          *observability.WSLogger
}

// Option customizes a Server built by NewServerWithDeps.
type Option func(*Server)

// WithNotifier sets the Kafka publisher for message_created events.
func WithNotifier(n *notifications.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithAttachments enables presigned attachment uploads.
func WithAttachments(a *storage.Attachments) Option {
	return func(s *Server) { s.attachments = a }
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, redisClient, err := bootstrap.InitRuntime(context.Background(), cfg, bootstrap.Options{
		SeedDemoData: cfg.SeedDemoData,
	})
	if err != nil {
		return nil, err
	}

	opts := []Option{WithNotifier(notifications.NewNotifier(cfg.KafkaBrokerList(), cfg.KafkaTopic))}

	attachments, err := storage.New(storage.Config{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PresignTTL:    time.Duration(cfg.MinioPresignTTLMin) * time.Minute,
		PublicBaseURL: cfg.MinioPublicBaseURL,
	})
	switch {
	case err == nil:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if bucketErr := attachments.EnsureBucket(ctx); bucketErr != nil {
			middleware.Logger.Warn("attachment bucket check failed", slog.String("error", bucketErr.Error()))
		}
		cancel()
		opts = append(opts, WithAttachments(attachments))
	case errors.Is(err, storage.ErrNotConfigured):
		middleware.Logger.Info("attachment storage disabled")
	default:
		return nil, err
	}

	return NewServerWithDeps(cfg, db, redisClient, opts...)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Tests pass an in-memory database and an optional miniredis client.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, opts ...Option) (*Server, error) {
	flags := featureflags.NewManager(cfg.FeatureFlags)

	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("officechat-api"),
		userRepo:       repository.NewUserRepository(db),
		chatRepo:       repository.NewChatRepository(db),
		featureFlags:   flags,
		limiter:        middleware.NewRateLimiter(redisClient, cfg.Env),
	}
	for _, opt := range opts {
		opt(server)
	}

	server.chatHub = notifications.NewChatHub(notifications.NewPresence(notifications.PresenceOptions{
		Legacy:       flags.On(featureflags.LegacyPresence),
		OfflineGrace: time.Duration(cfg.PresenceOfflineGraceSeconds) * time.Second,
	}))

	svcOpts := []service.Option{service.WithFlags(flags)}
	if server.notifier.Enabled() {
		svcOpts = append(svcOpts, service.WithEvents(server.notifier))
	}
	server.chatService = service.NewChatService(server.chatRepo, server.userRepo, server.chatHub, svcOpts...)
	server.wsLog = observability.NewWSLogger(server.chatHub.Name(), func() *slog.Logger { return middleware.Logger })

	return server, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before anything that can short-circuit so error responses
	// still carry the headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || s.config.Env == "test"
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	app.Get("/swagger/*", swagger.HandlerDefault)

	api := app.Group("/api", s.AuthRequired())

	// Browsers cannot set headers on a WebSocket handshake, so they trade
	// their bearer token for a single-use ticket first.
	api.Post("/ws-ticket", s.limiter.Handler("ws_ticket", 30, time.Minute, middleware.FailOpen), s.IssueWSTicket)
	api.Get("/users/online", s.GetOnlineUsers)

	chats := api.Group("/chats")
	chats.Get("/", s.ListChats)
	chats.Post("/", s.CreateChat)
	chats.Post("/direct", s.CreateDirectChat)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	chats.Get("/:id/messages", s.ListMessages)
	chats.Post("/:id/messages", s.limiter.Handler("send_chat", 30, time.Minute, middleware.FailOpen), s.SendMessage)
	chats.Post("/:id/read", s.MarkRead)
	chats.Post("/:id/admins", s.PromoteAdmin)
	chats.Post("/:id/members", s.AddMembers)
	chats.Delete("/:id/members/:memberId", s.RemoveMember)
	chats.Post("/:id/leave", s.LeaveChat)
	chats.Post("/:id/attachments", s.limiter.Handler("attachments", 20, time.Minute, middleware.FailOpen), s.PresignAttachment)
	chats.Get("/:id", s.GetChat)

	ws := app.Group("/ws", s.AuthRequired(), requireUpgrade)
	ws.Get("/chat", s.WebSocketChatHandler())
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck pings the database and, when configured, Redis.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	// Redis only backs rate limits, tickets and the user cache; without it
	// the chat still works.
	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// App builds the Fiber app with middleware and routes.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName: "Office Chat API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				return c.Status(fiberErr.Code).JSON(models.ErrorResponse{Error: fiberErr.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// Start serves HTTP until the app is shut down.
func (s *Server) Start() error {
	app := s.App()
	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if s.chatHub != nil {
		if err := s.chatHub.Shutdown(ctx); err != nil {
			middleware.Logger.Error("error shutting down chat hub", slog.String("error", err.Error()))
		}
	}

	if err := s.notifier.Close(); err != nil {
		middleware.Logger.Error("error closing notifier", slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
