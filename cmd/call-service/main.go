package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	callHandler "huddle-backend/internal/handler/http/call"
	pushHandler "huddle-backend/internal/handler/http/push"
	wsHandler "huddle-backend/internal/handler/ws"
	"huddle-backend/internal/media/pion"
	"huddle-backend/internal/middleware"
	"huddle-backend/internal/repository/cockroach"
	"huddle-backend/internal/repository/memory"
	redisRepo "huddle-backend/internal/repository/redis"
	callService "huddle-backend/internal/service/call"
	mediaService "huddle-backend/internal/service/media"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/constants"
	"huddle-backend/pkg/jwt"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
	"huddle-backend/pkg/push"
	"huddle-backend/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Service:  cfg.Server.ServiceName,
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productionMode := cfg.Server.Environment == "production"
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 1. CockroachDB, or in-memory stores in limited mode
	var (
		calls         callService.CallRepository
		conversations callService.ConversationRepository
		users         callService.UserDirectory
	)
	pool, err := connectCockroach(ctx, cfg.Database)
	if err != nil {
		if productionMode {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		logger.Warn("Running in limited mode with in-memory call storage", zap.Error(err))
		dir := memory.NewDirectory()
		calls, conversations, users = memory.NewCallRepository(), dir, dir
	} else {
		defer pool.Close()
		callRepo := cockroach.NewCallRepository(pool)
		if err := callRepo.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate calls schema", zap.Error(err))
		}
		calls = callRepo
		conversations = cockroach.NewConversationRepository(pool)
		users = cockroach.NewUserRepository(pool)
		logger.Info("Connected to CockroachDB", zap.String("host", cfg.Database.Host))
	}

	profiles := callService.NewCachedDirectory(users, 5*time.Minute, 10000)
	stopProfileCleanup := profiles.StartCleanup(time.Minute)
	defer stopProfileCleanup()

	// 2. Redis with degraded mode support
	redisDB := database.NewRedisDB(cfg.Redis, appMetrics.GetRegistry())
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable, starting degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)

	// 3. Push notifications for users without a signaling connection
	if productionMode && cfg.Push.Provider == "mock" {
		logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
	}
	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		if productionMode {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		logger.Warn("Falling back to mock push provider", zap.Error(err))
		pushProvider = &push.MockProvider{}
	}
	pushBreaker := resilience.NewCircuitBreaker("push_"+pushProvider.Name(), 5, 30*time.Second, appMetrics.GetRegistry())
	pushSvc := push.NewService(push.Guard(pushProvider, pushBreaker), redisRepo.NewPushTokenRepository(redisDB), appMetrics)

	// 4. Media engine and room manager
	engine := pion.NewEngine(pion.Config{
		UDPPortMin:    uint16(cfg.Media.UDPPortMin),
		UDPPortMax:    uint16(cfg.Media.UDPPortMax),
		AnnouncedIPs:  cfg.Media.AnnouncedIPs,
		ICEServers:    cfg.Media.ICEServers,
		GatherTimeout: cfg.Media.ICEGatherTimeout,
	})
	defer engine.Close()

	workers, err := mediaService.NewWorkerPool(ctx, engine, cfg.Media.WorkerPoolSize, cfg.Media.RoomsPerWorker, appMetrics)
	if err != nil {
		logger.Fatal("Failed to start media workers", zap.Error(err))
	}

	hub := wsHandler.NewHub(redisDB, presenceRepo, appMetrics)
	rooms := mediaService.NewManager(engine, workers, hub, appMetrics)

	// 5. Call state machine
	callSvc := callService.NewService(callService.Dependencies{
		Calls:         calls,
		Conversations: conversations,
		Users:         profiles,
		Notifier:      hub,
		Rooms:         rooms,
		Pusher:        pushSvc,
		Presence:      presenceRepo,
		Metrics:       appMetrics,
	})
	rooms.SetRoomLostHook(func(ctx context.Context, conversationID uuid.UUID, reason string) {
		if _, err := callSvc.EndActiveCall(ctx, conversationID, reason); err != nil {
			logger.Error("Failed to end call after losing its media room",
				logger.ConversationID(conversationID),
				zap.Error(err))
		}
	})

	go rooms.Run(ctx)
	go hub.Run(ctx)
	go callService.NewSweeper(callSvc, cfg.Call.RingTimeout, cfg.Call.EmptyGrace, cfg.Call.SweepInterval).Run(ctx)

	// 6. HTTP and signaling routes
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)
	gateway := wsHandler.NewGateway(hub, callSvc, rooms, wsHandler.Options{
		MaxConnections: cfg.WebSocket.MaxConnections,
		PingInterval:   cfg.WebSocket.PingInterval,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, appMetrics)

	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if redisDB.IsDegraded() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB)))
	{
		initiateLimit := middleware.NewRateLimiter(middleware.NewRedisCounter(redisDB), "call_initiate", 10, time.Minute)
		callHandler.NewHandler(callSvc).RegisterRoutes(v1, initiateLimit.Middleware())
		pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)
		v1.GET("/calls/ws", gateway.ServeWS)
	}

	// 7. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling", "/v1/calls/ws"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	rooms.Close(shutdownCtx)
}

// connectCockroach retries with exponential backoff before giving up
func connectCockroach(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	const maxRetries = 5
	delay := time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err := database.NewCockroachPool(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		logger.Warn("CockroachDB connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}
