package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/chat"
	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/embeddings"
	"github.com/vatsalvatsyayan/pocketllm/src/handlers"
	"github.com/vatsalvatsyayan/pocketllm/src/inference"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/metrics"
	"github.com/vatsalvatsyayan/pocketllm/src/middleware"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
	"github.com/vatsalvatsyayan/pocketllm/src/pipeline"
	"github.com/vatsalvatsyayan/pocketllm/src/queue"
	"github.com/vatsalvatsyayan/pocketllm/src/store"
	"github.com/vatsalvatsyayan/pocketllm/src/tasks"
	"github.com/vatsalvatsyayan/pocketllm/src/utils"
)

const serviceName = "model-management"

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Info("no .env file found, using system environment variables")
	}

	cacheStore := cache.Connect(&cfg.Redis, logger)
	defer cacheStore.Close()

	messageStore := store.Open(cfg.Database.Path, logger)
	defer messageStore.Close()

	counter := utils.NewTokenCounter(cfg.Context.Encoding, logger)
	if counter.Preload() {
		logger.Info("token encoding loaded", "encoding", cfg.Context.Encoding)
	}

	embedder, err := embeddings.New(&cfg.Embedding)
	if err != nil {
		logger.Error("failed to initialize embeddings", "error", err)
		os.Exit(1)
	}

	cacheManager := cache.NewManager(
		cache.NewExactCache(cacheStore, cfg.Cache.L1TTL()),
		cache.NewSemanticCache(cacheStore, embedder, cfg.Cache.L2TTL(), cfg.Cache.SimilarityThreshold),
		logger,
	)
	sessions := chat.NewSessionStore(cacheStore, messageStore, cfg.Cache.SessionTTL(), cfg.Context.MaxHistoryMessages, logger)

	llmClient, err := inference.NewLLMClient(&cfg.Model)
	if err != nil {
		logger.Error("failed to initialize model client", "error", err)
		os.Exit(1)
	}
	orchestrator := inference.NewOrchestrator(llmClient, counter, &cfg.Model, logger)
	logger.Info("model client ready", "provider", cfg.Model.Provider, "model", cfg.Model.Name, "server_url", cfg.Model.ServerURL)

	collector := metrics.NewCollector()
	supervisor := tasks.NewSupervisor(logger)
	supervisor.OnError(func(*tasks.TaskError) { collector.RecordTaskFailure() })

	p := pipeline.New(
		sessions,
		chat.NewContextBuilder(counter),
		cacheManager,
		orchestrator,
		pipeline.NewResponseHandler(cacheManager, sessions, supervisor),
		collector,
		cfg.Context,
		logger,
	)

	admission := queue.NewAdmissionQueue(cacheStore, cfg.Queue.MaxSize, logger)
	processor := queue.NewProcessor(admission, func(ctx context.Context, item models.QueueItem) error {
		_, err := p.Complete(ctx, &item.Request)
		return err
	}, supervisor, cfg.Queue.Poll(), logger)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	processor.Start(rootCtx)

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(logger, cfg.Debug))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	inferenceHandler := handlers.NewInferenceHandler(p, orchestrator, admission, logger)
	wsHandler := handlers.NewWebSocketHandler(p, orchestrator, cfg.Server.AllowedOrigins, logger)
	healthHandler := handlers.NewHealthHandler(serviceName, cfg.Model.Name, collector, admission).
		AddCheck("redis", cacheStore).
		AddCheck("database", messageStore).
		AddCheck("model_server", orchestrator).
		WithTasks(supervisor)

	r.GET("/health", healthHandler.HealthCheck)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/inference/chat", inferenceHandler.HandleChat)
		v1.POST("/inference/chat/stream", inferenceHandler.HandleChatStream)
		v1.POST("/inference/queue", inferenceHandler.HandleEnqueue)
		v1.GET("/inference/queue", inferenceHandler.HandleQueueLength)
		v1.DELETE("/inference/queue/:session_id", inferenceHandler.HandleDequeue)
		v1.GET("/ws", wsHandler.HandleWebSocket)
		v1.GET("/metrics", healthHandler.Metrics)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("model management service running", "port", cfg.Server.Port, "queue_capacity", cfg.Queue.MaxSize)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	processor.Stop()
	if err := supervisor.Shutdown(ctx); err != nil {
		logger.Warn("background tasks did not finish", "error", err)
	}

	logger.Info("server exited")
}
