package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/api"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/cache"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/config"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/embedding"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/ingest"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/internal/httpserver"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/internal/metrics"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/llm"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/query"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/rag"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
)

// configAgents resolves every agent to the options configured for this
// deployment. Per-agent overrides live behind rag.AgentResolver, so a
// multi-tenant control plane can swap this out.
type configAgents struct {
	opts config.AgentOptions
}

func (a configAgents) Resolve(_ context.Context, _ string) (config.AgentOptions, error) {
	return a.opts, nil
}

// Server wires the full pipeline behind the two HTTP listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store *store.GormStore
	redis *redis.Client

	httpManager    *httpserver.Manager
	metricsManager *httpserver.Manager
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start opens storage, builds the pipeline, and brings up both listeners.
func (s *Server) Start() error {
	st, err := s.openStore()
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	s.store = st

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector("ragd", registry, s.logger)

	embedRouter := s.buildEmbeddingRouter(st)
	chatRouter := s.buildChatRouter(st)
	respCache := s.buildCache()

	engine := query.NewEngine(st, embedRouter, s.logger)

	pipeline := ingest.NewPipeline(st, embedRouter, ingest.Config{
		EmbeddingModel:    s.cfg.Embedding.Model,
		PreferredProvider: s.cfg.Embedding.DefaultProvider,
		Concurrency:       s.cfg.Embedding.Concurrency,
	}, s.logger).WithMetrics(collector)
	if respCache != nil {
		pipeline = pipeline.WithCache(respCache)
	}

	orch := rag.NewOrchestrator(engine, chatRouter, configAgents{opts: s.cfg.Agent}, rag.Config{
		EmbeddingModel:    s.cfg.Embedding.Model,
		EmbeddingProvider: s.cfg.Embedding.DefaultProvider,
	}, s.logger).WithMetrics(collector)
	if respCache != nil {
		orch = orch.WithCache(respCache)
	}

	if err := s.startHTTPServer(orch, pipeline, st, collector); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}
	if err := s.startMetricsServer(registry); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort))
	return nil
}

func (s *Server) openStore() (*store.GormStore, error) {
	switch s.cfg.Database.Driver {
	case "sqlite":
		return store.OpenSQLite(s.cfg.Database.DSN(), s.logger)
	case "postgres":
		return store.OpenPostgres(s.cfg.Database.DSN(), s.logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", s.cfg.Database.Driver)
	}
}

func (s *Server) buildEmbeddingRouter(st *store.GormStore) *embedding.Router {
	router := embedding.NewRouter(embedding.RouterConfig{
		DefaultProvider:   s.cfg.Embedding.DefaultProvider,
		LongTextProvider:  s.cfg.Embedding.LongTextProvider,
		LongTextThreshold: s.cfg.Embedding.LongTextThreshold,
		BatchSize:         s.cfg.Embedding.BatchSize,
		Concurrency:       s.cfg.Embedding.Concurrency,
		RequestsPerSecond: s.cfg.Embedding.RequestsPerSecond,
	}, st, s.logger)

	if p := s.cfg.Embedding.OpenAI; p.Enabled {
		router.Register(embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Model: p.Model, Timeout: p.Timeout,
		}))
		s.logger.Info("embedding provider registered", zap.String("provider", "openai"))
	}
	if p := s.cfg.Embedding.Cohere; p.Enabled {
		router.Register(embedding.NewCohereProvider(embedding.CohereConfig{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Model: p.Model, Timeout: p.Timeout,
		}))
		s.logger.Info("embedding provider registered", zap.String("provider", "cohere"))
	}
	return router
}

func (s *Server) buildChatRouter(st *store.GormStore) *llm.Router {
	router := llm.NewRouter(llm.RouterConfig{
		DefaultProvider: s.cfg.LLM.DefaultProvider,
		Timeout:         s.cfg.LLM.Timeout,
		MaxRetries:      s.cfg.LLM.MaxRetries,
	}, st, s.logger)

	if p := s.cfg.LLM.OpenAI; p.Enabled {
		router.Register(llm.NewOpenAIProvider(llm.OpenAIConfig{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Model: p.Model, Timeout: p.Timeout,
		}, s.logger))
		s.logger.Info("chat provider registered", zap.String("provider", "openai"))
	}
	if p := s.cfg.LLM.Anthropic; p.Enabled {
		router.Register(llm.NewAnthropicProvider(llm.AnthropicConfig{
			BaseURL: p.BaseURL, APIKey: p.APIKey, Model: p.Model, Timeout: p.Timeout,
		}, s.logger))
		s.logger.Info("chat provider registered", zap.String("provider", "anthropic"))
	}
	return router
}

func (s *Server) buildCache() *cache.ResponseCache {
	if !s.cfg.Agent.CachingEnabled {
		return nil
	}
	if s.cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
	}
	return cache.NewResponseCache(cache.Config{
		LocalMaxSize: s.cfg.Cache.LocalMaxSize,
		LocalTTL:     s.cfg.Cache.LocalTTL,
		RedisTTL:     s.cfg.Cache.RedisTTL,
		EnableRedis:  s.cfg.Redis.Enabled,
	}, s.redis, s.logger)
}

func (s *Server) startHTTPServer(orch *rag.Orchestrator, pipeline *ingest.Pipeline, st *store.GormStore, collector *metrics.Collector) error {
	chatHandler := api.NewChatHandler(orch, s.logger)
	sourcesHandler := api.NewSourcesHandler(pipeline, st, s.logger)
	healthHandler := api.NewHealthHandler(s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("/version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.HandleFunc("/v1/chat", chatHandler.HandleChat)
	mux.HandleFunc("/v1/chat/stream", chatHandler.HandleChatStream)
	mux.HandleFunc("/v1/sources", sourcesHandler.HandleIngest)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		Metrics(collector),
	)

	s.httpManager = httpserver.NewManager(handler, httpserver.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer(registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.metricsManager = httpserver.NewManager(mux, httpserver.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks until a signal arrives, then tears everything
// down in dependency order.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown closes the listeners, then storage.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
