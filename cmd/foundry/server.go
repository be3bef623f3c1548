package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cerina/foundry/api/handlers"
	"github.com/cerina/foundry/config"
	"github.com/cerina/foundry/internal/metrics"
	"github.com/cerina/foundry/llm"
	"github.com/cerina/foundry/llm/retry"
	"github.com/cerina/foundry/protocol"
	"github.com/cerina/foundry/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 Foundry 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB

	store  *protocol.Store
	driver *workflow.Driver

	httpServer    *http.Server
	metricsServer *http.Server

	// Handlers
	healthHandler   *handlers.HealthHandler
	protocolHandler *handlers.ProtocolHandler
	streamHandler   *handlers.StreamHandler

	metricsCollector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 指标收集器
	s.metricsCollector = metrics.NewCollector("foundry", s.logger)

	// 2. 工作流栈（存储 → Provider → 重试 → Agent → Driver）
	if err := s.initWorkflow(); err != nil {
		return fmt.Errorf("failed to init workflow: %w", err)
	}

	// 3. Handlers
	s.initHandlers()

	// 4. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 6. 恢复进程重启时被打断的工作流
	resumed, err := s.driver.ResumeInterrupted(context.Background())
	if err != nil {
		s.logger.Error("Failed to resume interrupted workflows", zap.Error(err))
	} else if resumed > 0 {
		s.logger.Info("Resumed interrupted workflows", zap.Int("count", resumed))
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initWorkflow 组装完整的工作流栈
func (s *Server) initWorkflow() error {
	s.store = protocol.NewStore(s.db, s.logger)

	if s.cfg.LLM.APIKey == "" {
		// 缺 Key 不阻止启动：首次补全调用会以配置错误失败并拒绝协议
		s.logger.Warn("LLM API key not configured, drafting will fail until it is set")
	}
	provider := llm.NewClient(llm.Config{
		ProviderName: s.cfg.LLM.Provider,
		APIKey:       s.cfg.LLM.APIKey,
		BaseURL:      s.cfg.LLM.BaseURL,
		Model:        s.cfg.LLM.Model,
		Temperature:  float32(s.cfg.LLM.Temperature),
		MaxTokens:    s.cfg.LLM.MaxTokens,
		Timeout:      s.cfg.LLM.Timeout,
	}, s.logger)

	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = s.cfg.LLM.MaxRetries
	retryer := retry.NewBackoffRetryer(policy, s.logger)

	var advisor llm.Provider
	if s.cfg.Workflow.AdvisoryRouting {
		advisor = provider
	}

	router := workflow.NewRouter(s.store, advisor, s.cfg.Workflow, s.logger)
	drafter := workflow.NewDrafter(s.store, provider, retryer, s.cfg.Workflow, s.logger)
	safety := workflow.NewSafetyReviewer(s.store, provider, retryer, s.logger)
	tone := workflow.NewToneReviewer(s.store, provider, retryer, s.logger)
	s.driver = workflow.NewDriver(s.store, router, drafter, safety, tone, s.cfg.Workflow, s.metricsCollector, s.logger)

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", func(ctx context.Context) error {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}))

	s.protocolHandler = handlers.NewProtocolHandler(s.store, s.driver, s.logger)
	s.streamHandler = handlers.NewStreamHandler(s.store, s.cfg.Workflow, s.logger)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 协议生命周期
	mux.HandleFunc("POST /api/v1/protocols", s.protocolHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/protocols", s.protocolHandler.HandleList)
	mux.HandleFunc("GET /api/v1/protocols/{id}", s.protocolHandler.HandleGet)

	// 人工审批闸口
	mux.HandleFunc("POST /api/v1/protocols/{id}/approve", s.protocolHandler.HandleApprove)
	mux.HandleFunc("POST /api/v1/protocols/{id}/reject", s.protocolHandler.HandleReject)
	mux.HandleFunc("POST /api/v1/protocols/{id}/halt", s.protocolHandler.HandleHalt)
	mux.HandleFunc("POST /api/v1/protocols/{id}/resume", s.protocolHandler.HandleResume)

	// 观测端点
	mux.HandleFunc("GET /api/v1/protocols/{id}/thoughts", s.protocolHandler.HandleThoughts)
	mux.HandleFunc("GET /api/v1/protocols/{id}/versions", s.protocolHandler.HandleVersions)
	mux.HandleFunc("GET /api/v1/protocols/{id}/stream", s.streamHandler.HandleStream)

	// 中间件链
	skipAuthPaths := []string{"/health", "/ready", "/version"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKey, skipAuthPaths, s.logger),
	)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:        handler,
		ReadTimeout:    s.cfg.Server.ReadTimeout,
		WriteTimeout:   s.cfg.Server.WriteTimeout,
		IdleTimeout:    2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.ReadTimeout,
	}

	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	go s.reportDBStats()

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// reportDBStats 周期性上报连接池指标
func (s *Server) reportDBStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		sqlDB, err := s.db.DB()
		if err != nil {
			return
		}
		stats := sqlDB.Stats()
		s.metricsCollector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。
// 顺序：先停收新请求，再停工作流 goroutine，协议状态落库后由下次启动恢复。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.driver != nil {
		s.driver.Close()
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
