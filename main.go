package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/grpcserver"
	"roomchat/internal/handlers"
	"roomchat/internal/identity"
	"roomchat/internal/logger"
	"roomchat/internal/middleware"
	"roomchat/internal/observability"
	"roomchat/internal/rabbitmq"
	"roomchat/internal/repositories"
	"roomchat/internal/telemetry"
	"roomchat/internal/ws"
)

const auditRoutingKey = "audit.chat"

type app struct {
	cfg      *config.Config
	resolver *identity.Resolver
	chat     *handlers.ChatHandler
	users    *handlers.UserHandler
	rooms    *handlers.RoomHandler
	auth     *handlers.AuthHandler
	bus      *ws.ChatWebSocketHandler
	audit    *telemetry.AuditEmitter
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.LogLevel, cfg.IsDevelopment())
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	database, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	userRepo := repositories.NewUserRepo(database)
	roomRepo := repositories.NewRoomRepo(database)
	chatRepo := repositories.NewChatRepo(database, cfg.ChatCreateRetries)
	messageRepo := repositories.NewMessageRepo(database)
	revocationRepo := repositories.NewRevocationRepo(database)

	resolver := identity.NewResolver(userRepo, revocationRepo, cfg.JWTSecret)
	identity.StartPurger(ctx, revocationRepo, cfg.RevocationPurgePeriod)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Str("reason", rabbitmq.PublisherNoopReason(publisher)).Msg("event publisher ready")
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.ServiceName, cfg.Environment)

	a := &app{
		cfg:      cfg,
		resolver: resolver,
		chat:     handlers.NewChatHandler(chatRepo, messageRepo, userRepo, roomRepo, audit),
		users:    handlers.NewUserHandler(resolver),
		rooms:    handlers.NewRoomHandler(roomRepo),
		auth:     handlers.NewAuthHandler(resolver, cfg.TokenTTL),
		bus:      ws.NewChatWebSocketHandler(ws.NewHub(), chatRepo, originChecker(cfg.AllowedOrigins)),
		audit:    audit,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcserver.New(cfg.ServiceName)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen for grpc")
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()
	health.SetServing(true)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	health.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	health.Stop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown failed")
	}
}

func (a *app) router() *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(a.cfg.ServiceName),
		handlers.RequestID(),
		observability.HTTPMetricsMiddleware(),
		logger.GinLogger(),
		cors.New(corsConfig(a.cfg.AllowedOrigins)),
	)

	router.GET("/health", handlers.Health)
	router.GET("/metrics", observability.MetricsHandler())

	authMiddleware := middleware.AuthMiddleware(a.resolver, false)
	limit := rateLimiter(a.cfg.SendRateLimit, a.cfg.SendRateWindow)

	chat := router.Group("/chat", authMiddleware)
	chat.POST("/start", limit, a.chat.StartChat)
	chat.POST("/send", limit, a.chat.SendMessage)
	chat.GET("/messages/:chatId", a.chat.GetChatMessages)
	chat.GET("/user/:userId", a.chat.ListUserChats)

	router.GET("/user/by-email", authMiddleware, a.users.GetByEmail)
	router.GET("/room/:id", authMiddleware, a.rooms.GetRoom)
	router.POST("/auth/logout", authMiddleware, a.auth.Logout)

	router.GET("/ws", middleware.AuthMiddleware(a.resolver, true), a.bus.Handle)

	handlers.RegisterDebugRoutes(router, a.auth, a.audit, a.cfg.Debug)
	return router
}

// rateLimiter throttles per authenticated user, falling back to the client IP.
func rateLimiter(limit uint, window time.Duration) gin.HandlerFunc {
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  window,
		Limit: limit,
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			c.Header("Retry-After", time.Until(info.ResetTime).Round(time.Second).String())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "too many requests"})
		},
		KeyFunc: func(c *gin.Context) string {
			if id := c.GetString(middleware.UserIDKey); id != "" {
				return id
			}
			return c.ClientIP()
		},
	})
}

func allowsAll(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "X-Device-Id"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if allowsAll(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// originChecker restricts websocket upgrades to the configured origins. Nil means any.
func originChecker(origins []string) func(*http.Request) bool {
	if allowsAll(origins) {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
