package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"storefront-chat/internal/config"
	"storefront-chat/internal/db"
	"storefront-chat/internal/handlers"
	"storefront-chat/internal/logging"
	"storefront-chat/internal/middleware"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/rabbitmq"
	"storefront-chat/internal/repositories"
	"storefront-chat/internal/telemetry"
	"storefront-chat/internal/ws"
)

const auditRoutingKey = "audit_events.chat"

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	var (
		store    repositories.SessionStore
		database *sqlx.DB
	)
	if cfg.DBDSN != "" {
		database, err = db.Connect(cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to db")
		}
		store = repositories.NewSessionRepo(database)
		log.Info().Msg("chat store: postgres")
	} else {
		store = repositories.NewMemoryStore()
		log.Warn().Msg("chat store: in-memory, history is lost on restart")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.OTEL.ServiceName, cfg.Environment)

	if cfg.AdminToken == "" {
		log.Warn().Int("min_len", cfg.AdminTokenMinLen).Msg("ADMIN_TOKEN not set, any bearer token of min_len is accepted")
	}
	validate := middleware.StaticTokenValidator(cfg.AdminToken, cfg.AdminTokenMinLen)

	registry := ws.NewRegistry()
	protocol := ws.NewProtocolHandler(store, registry, ws.NewPendingIdentities(), ws.Options{
		MaxMessageLen: cfg.Chat.MaxMessageLen,
		StoreTimeout:  cfg.Chat.StoreTimeout,
	})
	chatWS := ws.NewChatWebSocketHandler(protocol, cfg.Chat, validate, cfg.CORSAllowedOrigins)
	adminHandler := handlers.NewAdminHandler(store, protocol, audit)

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/chat", chatWS.Handle)

	admin := router.Group("/admin", middleware.AdminAuth(validate))
	admin.GET("/chat/sessions", adminHandler.ListSessions)
	admin.GET("/chat/sessions/:session_id", adminHandler.GetSession)
	admin.POST("/chat/sessions/:session_id/read", adminHandler.MarkRead)
	admin.POST("/chat/sessions/:session_id/close", adminHandler.CloseSession)
	handlers.RegisterDebugRoutes(admin, audit, cfg.DebugRoutes)

	sweeper := ws.NewIdleSweeper(store, protocol, cfg.Chat.IdleTimeout, cfg.Chat.IdleSweepInterval)
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Str("version", version).Msg("storefront chat listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	registry.CloseAll()
	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("close publisher")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown tracing")
	}
	if database != nil {
		_ = database.Close()
	}
	log.Info().Msg("stopped")
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	cc.AllowAllOrigins = len(allowed) == 0
	for _, origin := range allowed {
		if origin == "*" {
			cc.AllowAllOrigins = true
		}
	}
	if !cc.AllowAllOrigins {
		cc.AllowOrigins = allowed
	}
	return cors.New(cc)
}
