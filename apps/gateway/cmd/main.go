package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"chatgate/apps/gateway/consumer"
	"chatgate/apps/gateway/handler"
	"chatgate/apps/gateway/service"
	"chatgate/pkg/auth"
	"chatgate/pkg/bridge"
	"chatgate/pkg/config"
	"chatgate/pkg/kafka"
	"chatgate/pkg/logger"
	"chatgate/pkg/middleware"
	"chatgate/pkg/presence"
	redisclient "chatgate/pkg/redis"
	"chatgate/pkg/server"
	"chatgate/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Logger.Level); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	appLogger := logger.GetLogger()
	kratosLogger := logger.NewKratosLogger(appLogger)

	ctx := context.Background()
	instanceID := uuid.NewString()

	// 链路追踪
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(&telemetry.Config{
			ServiceName:    cfg.App.Name,
			ServiceVersion: cfg.App.Version,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			appLogger.Fatal(ctx, "Failed to init telemetry", logger.F("error", err.Error()))
		}
	}

	// Redis：启动时不可达直接拒绝启动，孤立实例无法保证跨实例投递
	redisClient := redisclient.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := redisClient.Ping(ctx); err != nil {
		appLogger.Fatal(ctx, "Redis unreachable at startup", logger.F("error", err.Error()))
	}

	// 广播桥
	broadcastBridge := bridge.New(redisClient, appLogger, instanceID, bridge.Options{
		PublishRetries: cfg.Gateway.Bridge.PublishRetries,
		RetryBackoff:   cfg.Gateway.Bridge.RetryBackoff(),
		PingInterval:   cfg.Gateway.Bridge.PingIntervalDuration(),
	})

	// 在线计数与租约清理
	counter := presence.NewCounter(redisClient, cfg.Gateway.Presence.LeaseTTLDuration())

	// Kafka（可选）：投递缺口上报
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to init kafka producer", logger.F("error", err.Error()))
		}
	}

	svc := service.NewService(appLogger, broadcastBridge, counter, producer, cfg.Kafka.GapTopic, instanceID)
	broadcastBridge.OnEvent(svc.HandleBridgeEvent)

	if err := broadcastBridge.Start(ctx); err != nil {
		appLogger.Fatal(ctx, "Broadcast bridge failed to start", logger.F("error", err.Error()))
	}

	reconciler := presence.NewReconciler(redisClient, counter, appLogger, instanceID,
		cfg.Gateway.Presence.ReconcileIntervalDuration(), func(ctx context.Context, identity string) {
			svc.PublishPresenceOffline(ctx, identity)
		})
	reconciler.Start(ctx)

	// Kafka（可选）：已落库消息的扇出入口
	var ingest *consumer.IngestConsumer
	if cfg.Kafka.Enabled {
		ingest, err = consumer.NewIngestConsumer(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  []string{cfg.Kafka.IngestTopic},
		}, svc, appLogger)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to init ingest consumer", logger.F("error", err.Error()))
		}
		if err := ingest.Start(ctx); err != nil {
			appLogger.Fatal(ctx, "Failed to start ingest consumer", logger.F("error", err.Error()))
		}
	}

	// HTTP与WebSocket
	engine := server.NewGinEngine()
	engine.Use(middleware.Recovery(appLogger))
	engine.Use(middleware.NewLoggingMiddleware(kratosLogger).GinLogging())
	if tp != nil {
		engine.Use(tp.GinMiddleware())
	}

	verifier := auth.NewJWTVerifier(&auth.JWTConfig{Secret: cfg.App.JWTSecret})
	wsHandler := handler.NewWSHandler(svc, verifier, cfg.Gateway.Heartbeat.TimeoutDuration(), appLogger)

	wsServer := server.NewWebSocketServerWrapper(engine, kratosLogger)
	wsServer.RegisterHandler("/ws", wsHandler.Authenticate, wsHandler)

	httpHandler := handler.NewHTTPHandler(svc, appLogger)
	httpHandler.RegisterRoutes(engine)

	httpServer := server.NewHTTPServerWrapper(cfg, engine, kratosLogger)

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			appLogger.Fatal(ctx, "HTTP server failed", logger.F("error", err.Error()))
		}
	}()

	appLogger.Info(ctx, "Gateway started",
		logger.F("instance_id", instanceID),
		logger.F("addr", cfg.Server.Addr))

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info(ctx, "Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		appLogger.Error(ctx, "HTTP server shutdown failed", logger.F("error", err.Error()))
	}

	reconciler.Stop()
	if ingest != nil {
		_ = ingest.Close()
	}
	if producer != nil {
		_ = producer.Close()
	}
	broadcastBridge.Stop()
	_ = redisClient.Close()
	if tp != nil {
		_ = tp.Shutdown(shutdownCtx)
	}

	appLogger.Info(ctx, "Gateway stopped")
}
