package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"pairchat/internal/auth"
	"pairchat/internal/clock"
	"pairchat/internal/config"
	"pairchat/internal/db"
	"pairchat/internal/delivery"
	"pairchat/internal/grpcserver"
	"pairchat/internal/handlers"
	"pairchat/internal/middleware"
	"pairchat/internal/observability"
	"pairchat/internal/presence"
	"pairchat/internal/rabbitmq"
	"pairchat/internal/registry"
	"pairchat/internal/repositories"
	"pairchat/internal/telemetry"
	"pairchat/internal/typing"
	"pairchat/internal/ws"
)

const (
	serviceName     = "pairchat"
	auditRoutingKey = "audit_events.realtime"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := logger.WithFields(logrus.Fields{"service": serviceName, "env": cfg.Environment})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.Environment, cfg.OTLPEndpoint, log)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to db")
	}
	defer database.Close()

	directory := auth.NewDirectory(cfg.Accounts)
	if err := db.SeedUsers(ctx, database, directory.Usernames()); err != nil {
		log.WithError(err).Fatal("failed to seed accounts")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.WithFields(logrus.Fields{
		"mode":   rabbitmq.PublisherMode(publisher),
		"reason": rabbitmq.PublisherNoopReason(publisher),
	}).Info("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, serviceName, cfg.Environment, log)

	policy := repositories.RetryPolicy{Attempts: cfg.StoreRetryAttempts, Initial: cfg.StoreRetryInitial}
	users := repositories.NewUserRepo(database)
	messages := repositories.NewRetryingMessageRepo(repositories.NewMessageRepo(database), policy, log)

	var presenceStore repositories.PresenceRepository = users
	if cfg.PresenceStore == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis not reachable yet, presence writes will retry")
		}
		presenceStore = repositories.NewRedisPresenceRepo(rdb)
	}
	presenceStore = repositories.NewRetryingPresenceRepo(presenceStore, policy, log)

	clk := clock.Real()
	reg := registry.New()
	hub := ws.NewHub(log)
	tracker := presence.NewTracker(reg, hub, presenceStore, clk, log)
	engine := delivery.NewEngine(messages, users, reg, hub, clk, log)
	relay := typing.NewRelay(reg, hub)
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	socket := ws.NewHandler(hub, tracker, engine, relay, tokens, log)
	authHandler := handlers.NewAuthHandler(directory, tokens, audit)
	userHandler := handlers.NewUserHandler(users, presenceStore, tracker, audit)
	messageHandler := handlers.NewMessageHandler(engine, audit)

	if cfg.Environment != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, tracker, cfg.DebugRoutes)

	router.POST("/api/login", authHandler.Login)
	router.GET("/api/socket", socket.Handle)

	api := router.Group("/api", middleware.AuthMiddleware(tokens))
	api.GET("/users", userHandler.ListUsers)
	api.GET("/users/:username/status", userHandler.GetStatus)
	api.PUT("/users/:username/status", userHandler.UpdateStatus)
	api.GET("/messages", messageHandler.ListMessages)
	api.POST("/messages", messageHandler.PostMessage)
	api.GET("/messages/unread", messageHandler.UnreadCount)
	api.PUT("/messages/mark-all-read", messageHandler.MarkAllRead)
	api.PUT("/messages/:id/read", messageHandler.MarkRead)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Port).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	grpcSrv := grpcserver.New(log)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen for grpc")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.WithError(err).Error("grpc server stopped")
		}
	}()
	grpcSrv.SetServing(true)

	<-ctx.Done()
	log.Info("shutting down")

	grpcSrv.SetServing(false)
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	grpcSrv.Stop()
	tracker.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("trace flush failed")
	}
}
