package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/activities"
	cfg "github.com/arbor-research/arbor/internal/config"
	"github.com/arbor-research/arbor/internal/db"
	"github.com/arbor-research/arbor/internal/generation"
	"github.com/arbor-research/arbor/internal/health"
	"github.com/arbor-research/arbor/internal/httpapi"
	"github.com/arbor-research/arbor/internal/server"
	"github.com/arbor-research/arbor/internal/session"
	"github.com/arbor-research/arbor/internal/streaming"
	"github.com/arbor-research/arbor/internal/structuring"
	"github.com/arbor-research/arbor/internal/temporal"
	"github.com/arbor-research/arbor/internal/tracing"
	"github.com/arbor-research/arbor/internal/workflows"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	arborCfg, err := cfg.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      arborCfg.Tracing.Enabled,
		ServiceName:  arborCfg.Tracing.ServiceName,
		OTLPEndpoint: arborCfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health endpoints come up first so probes answer while the rest of
	// the service is still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)

	if arborCfg.Streaming.RingSize > 0 {
		streaming.Configure(arborCfg.Streaming.RingSize)
	}
	httpapi.NewStreamingHandler(streaming.Get(), logger).RegisterRoutes(adminMux)

	healthPort := getEnvOrDefaultInt("HEALTH_PORT", arborCfg.Service.HealthPort)
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(healthPort),
		Handler:      adminMux,
		ReadTimeout:  arborCfg.Service.ReadTimeout,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", healthPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	// Database
	dbClient, err := db.NewClient(&db.Config{
		Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:     getEnvOrDefault("POSTGRES_USER", "arbor"),
		Password: getEnvOrDefault("POSTGRES_PASSWORD", "arbor"),
		Database: getEnvOrDefault("POSTGRES_DB", "arbor"),
		SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()
	if err := dbClient.Migrate(ctx); err != nil {
		logger.Fatal("Failed to apply database schema", zap.Error(err))
	}
	_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.Wrapper(), logger))

	// Progress cache. Redis loss is survivable; research keeps running.
	var sessionManager *session.Manager
	var mirror *streaming.RedisMirror
	redisAddr := getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	sessionManager, err = session.NewManager(redisAddr, arborCfg.Session.ProgressTTL, logger)
	if err != nil {
		logger.Warn("Session manager unavailable, progress cache disabled", zap.Error(err))
		sessionManager = nil
	} else {
		defer sessionManager.Close()
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(sessionManager.Wrapper(), logger))
		mirror = streaming.NewRedisMirror(sessionManager.Wrapper(), logger)
	}

	// Collaborator adapters
	generationClient := generation.NewClient(generation.Config{
		BaseURL:        getEnvOrDefault("GENERATION_URL", arborCfg.Generation.BaseURL),
		RequestTimeout: arborCfg.Generation.RequestTimeout,
		RateLimitRPS:   arborCfg.Generation.RateLimitRPS,
		RateLimitBurst: arborCfg.Generation.RateLimitBurst,
	}, logger)
	structuringClient := structuring.NewClient(structuring.Config{
		BaseURL:        getEnvOrDefault("STRUCTURING_URL", arborCfg.Structuring.BaseURL),
		RequestTimeout: arborCfg.Structuring.RequestTimeout,
	}, logger)
	_ = hm.RegisterChecker(health.NewHTTPServiceHealthChecker(
		"generation", getEnvOrDefault("GENERATION_URL", arborCfg.Generation.BaseURL), false))
	_ = hm.RegisterChecker(health.NewHTTPServiceHealthChecker(
		"structuring", getEnvOrDefault("STRUCTURING_URL", arborCfg.Structuring.BaseURL), false))

	// Configuration hot reload
	var arborCfgMgr *cfg.ArborConfigManager
	configDir := getEnvOrDefault("CONFIG_DIR", "./config")
	if configMgr, err := cfg.NewConfigManager(configDir, logger); err != nil {
		logger.Warn("Config manager init failed, hot reload disabled", zap.Error(err))
	} else if err := configMgr.Start(ctx); err != nil {
		logger.Warn("Config manager start failed, hot reload disabled", zap.Error(err))
	} else {
		arborCfgMgr = cfg.NewArborConfigManager(configMgr, logger)
		if err := arborCfgMgr.Initialize(); err != nil {
			logger.Warn("Typed config init failed", zap.Error(err))
		}
	}

	// Metrics
	metricsPort := cfg.MetricsPort(2112)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := ":" + strconv.Itoa(metricsPort)
		logger.Info("Metrics server listening", zap.Int("port", metricsPort))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Temporal: TCP pre-check then dial with retry. The worker and the REST
	// API both wait on this.
	temporalHost := getEnvOrDefault("TEMPORAL_HOST", arborCfg.Temporal.HostPort)
	for i := 1; i <= 60; i++ {
		c, err := net.DialTimeout("tcp", temporalHost, 2*time.Second)
		if err == nil {
			_ = c.Close()
			break
		}
		logger.Warn("Waiting for Temporal TCP endpoint",
			zap.String("host", temporalHost), zap.Int("attempt", i))
		time.Sleep(1 * time.Second)
	}
	var temporalClient client.Client
	for attempt := 1; ; attempt++ {
		temporalClient, err = client.Dial(client.Options{
			HostPort:  temporalHost,
			Namespace: arborCfg.Temporal.Namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err == nil {
			break
		}
		delay := time.Duration(attempt)
		if delay > 15 {
			delay = 15
		}
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", temporalHost),
			zap.Duration("sleep", delay*time.Second),
			zap.Error(err))
		time.Sleep(delay * time.Second)
	}
	defer temporalClient.Close()
	_ = hm.RegisterChecker(health.NewTemporalHealthChecker(temporalClient))

	// Worker
	acts := activities.NewActivities(
		dbClient, sessionManager, generationClient, structuringClient,
		arborCfgMgr, mirror, logger,
	)
	taskQueue := getEnvOrDefault("TASK_QUEUE", arborCfg.Temporal.TaskQueue)
	wk := worker.New(temporalClient, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     arborCfg.Temporal.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: arborCfg.Temporal.MaxConcurrentWorkflows,
	})
	wk.RegisterWorkflow(workflows.NodeWorkflow)
	wk.RegisterWorkflow(workflows.AggregationWorkflow)
	wk.RegisterWorkflow(workflows.RetryWorkflow)
	wk.RegisterWorkflow(workflows.RegenerateWorkflow)
	wk.RegisterActivity(acts)
	go func() {
		logger.Info("Temporal worker started", zap.String("queue", taskQueue))
		if err := wk.Run(worker.InterruptCh()); err != nil {
			logger.Error("Temporal worker exited with error", zap.Error(err))
		}
	}()

	// REST API
	svc := server.NewResearchService(dbClient, temporalClient, sessionManager, taskQueue, logger)
	apiMux := http.NewServeMux()
	httpapi.NewResearchHandler(svc, logger).RegisterRoutes(apiMux)
	httpapi.NewStreamingHandler(streaming.Get(), logger).RegisterRoutes(apiMux)
	apiPort := getEnvOrDefaultInt("API_PORT", arborCfg.Service.Port)
	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(apiPort),
		Handler:      apiMux,
		ReadTimeout:  arborCfg.Service.ReadTimeout,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", apiPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop intake, stop the worker, then close the DB
	// client so the queued event log drains.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), arborCfg.Service.GracefulTimeout)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	wk.Stop()
	hm.Stop()
	cancel()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
