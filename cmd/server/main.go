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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/protrack-sync/internal/api/delivery"
	"github.com/langchou/protrack-sync/internal/api/handlers"
	"github.com/langchou/protrack-sync/internal/api/protrack"
	"github.com/langchou/protrack-sync/internal/config"
	"github.com/langchou/protrack-sync/internal/models"
	"github.com/langchou/protrack-sync/internal/repository"
	"github.com/langchou/protrack-sync/internal/service"
	"github.com/langchou/protrack-sync/internal/store"
	"github.com/langchou/protrack-sync/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting protrack-sync", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库（活动日志）
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	activityRepo := repository.NewActivityRepository(db)

	// 状态存储：优先 Redis，未配置时退化为进程内存储
	var stateStore store.StateStore
	if cfg.RedisURL != "" {
		redisClient, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close()
		stateStore = store.NewRedisStateStore(redisClient)
		logger.Info("Using redis state store")
	} else {
		stateStore = store.NewMemoryStateStore()
		logger.Warn("REDIS_URL not set, state will not survive restarts")
	}

	// ProTrack API 客户端 + 令牌缓存
	protrackClient := protrack.NewClient(cfg.ProTrackBaseURL, logger)
	tokenCache := store.NewTokenCache(stateStore, cfg.IntegrationID, func(ctx context.Context) (string, error) {
		result := protrackClient.Authorize(ctx, models.Credential{
			Account:  cfg.ProTrackAccount,
			Password: cfg.ProTrackPassword,
		})
		switch result.Status {
		case protrack.AuthAuthenticated:
			return result.Token, nil
		case protrack.AuthInvalidCredentials:
			return "", fmt.Errorf("bad credentials: %s: %w", result.Message, protrack.ErrUnauthorized)
		default:
			return "", fmt.Errorf("authorization transport failure: %w", result.Err)
		}
	}, logger)
	protrackClient.SetTokenSource(tokenCache)

	checkpoints := store.NewCheckpointStore(stateStore, cfg.IntegrationID)

	// 下游投递
	var sink service.Sink
	if cfg.DeliveryBaseURL != "" {
		sink = delivery.NewClient(cfg.DeliveryBaseURL, cfg.DeliveryAPIKey, logger)
	} else {
		logger.Warn("DELIVERY_BASE_URL not set, observations will be discarded")
		sink = discardSink{}
	}
	forwarder := service.NewBatchForwarder(sink, cfg.BatchSize, logger)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 创建同步服务
	syncService := service.NewSyncService(
		cfg,
		logger,
		protrackClient,
		checkpoints,
		forwarder,
		activityRepo,
		wsHub,
	)

	// WebSocket 初始数据：设备列表 + 同步状态
	wsHub.SetInitDataProvider(func() *ws.InitData {
		listCtx, listCancel := context.WithTimeout(ctx, 30*time.Second)
		defer listCancel()

		devices, err := syncService.ListDevices(listCtx)
		if err != nil {
			logger.Error("Failed to load devices for ws init", zap.Error(err))
		}
		return &ws.InitData{
			Devices: devices,
			States:  syncService.GetAllStates(),
		}
	})

	// 启动定时同步（凭证配置齐全时）
	if cfg.ProTrackAccount != "" && cfg.ProTrackPassword != "" {
		if err := syncService.Start(ctx); err != nil {
			logger.Error("Failed to start sync service", zap.Error(err))
		}
	} else {
		logger.Warn("ProTrack credentials not configured, manual actions only")
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, syncService, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止服务
	syncService.Stop()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// discardSink 未配置下游时的空实现
type discardSink struct{}

func (discardSink) SendObservations(ctx context.Context, observations []models.Observation) error {
	return nil
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
