package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/api"
	"github.com/atendo-io/atendo/internal/automation"
	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/config"
	"github.com/atendo-io/atendo/internal/db"
	"github.com/atendo-io/atendo/internal/ingest"
	"github.com/atendo-io/atendo/internal/integrations"
	"github.com/atendo-io/atendo/internal/middleware"
	"github.com/atendo-io/atendo/internal/observ"
	"github.com/atendo-io/atendo/internal/repository/postgres"
	"github.com/atendo-io/atendo/internal/scoring"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Startup has no parent deadline — Background() is right here. Once
	// serving, every request carries its own context.
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	// ---------------------------------------------------------------
	// Repositories. Every store shares the one pool (it's goroutine-safe).
	// ---------------------------------------------------------------
	pool := database.Pool()
	ingestionStore := postgres.NewIngestionStore(pool)
	assignmentStore := postgres.NewAssignmentStore(pool)
	integrationStore := postgres.NewIntegrationStore(pool)
	notificationStore := postgres.NewNotificationStore(pool)
	contactStore := postgres.NewContactStore(pool)
	userStore := postgres.NewUserStore(pool)

	// ---------------------------------------------------------------
	// Credential resolver, with a Redis read-through cache when Redis is
	// reachable. The resolver works without it (direct store reads), so a
	// bad REDIS_URL degrades rather than failing startup.
	// ---------------------------------------------------------------
	var cache *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
		cache = redis.NewClient(opts)
		if err := cache.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, integration cache disabled", zap.Error(err))
			cache = nil
		}
	} else {
		logger.Warn("invalid REDIS_URL, integration cache disabled", zap.Error(err))
	}

	resolver, err := integrations.NewResolver(integrationStore, cache, cfg.CredentialKey, logger)
	if err != nil {
		return fmt.Errorf("create credential resolver: %w", err)
	}

	// ---------------------------------------------------------------
	// Fan-out collaborators. Both the scoring broker and the automation
	// engine are optional per environment.
	// ---------------------------------------------------------------
	var scorer scoring.Publisher
	if cfg.AMQPURL != "" {
		scorer, err = scoring.New(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect to scoring broker: %w", err)
		}
		defer scorer.Close()
	} else {
		scorer = scoring.NewFallback(logger)
	}

	var dispatcher automation.Dispatcher
	if cfg.AutomationURL != "" {
		dispatcher = automation.NewHTTPDispatcher(cfg.AutomationURL)
	} else {
		dispatcher = automation.NewNoop(logger)
	}

	// ---------------------------------------------------------------
	// Channel providers. Adding a channel = one constructor here.
	// ---------------------------------------------------------------
	registry := channels.NewRegistry(
		channels.NewWhatsAppProvider(),
		channels.NewWebchatProvider(),
	)

	gateway := ingest.NewGateway(registry, resolver, ingestionStore,
		assignmentStore, notificationStore, dispatcher, scorer, logger)

	// ---------------------------------------------------------------
	// HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	webhookHandler := api.NewWebhookHandler(gateway, logger)
	authHandler := api.NewAuthHandler(userStore, cfg.JWTSecret, logger)
	conversationHandler := api.NewConversationHandler(ingestionStore,
		contactStore, assignmentStore, registry, resolver, logger)

	// Webhook route is public by construction: providers authenticate with
	// their own signature schemes, verified per-payload in the gateway.
	srv.POST("/:channel/webhook", webhookHandler.Receive)

	// Health is public so the load balancer can reach it.
	srv.GET("/v1/health", func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv.POST("/v1/auth/login", authHandler.Login)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	v1.POST("/conversations/:id/assign", conversationHandler.Assign)
	v1.POST("/conversations/:id/messages", conversationHandler.SendMessage)

	logger.Info("starting atendo ingest service",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	return srv.Run(":" + cfg.Port)
}
