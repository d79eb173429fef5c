package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// UsageRecorder receives one usage record per successful embedding call.
type UsageRecorder interface {
	AppendUsage(ctx context.Context, rec *store.UsageRecord) error
}

// RouterConfig tunes batching, pacing, and retry for the embedding router.
type RouterConfig struct {
	DefaultProvider string `yaml:"default_provider" json:"default_provider"`

	// LongTextProvider takes calls whose longest input reaches
	// LongTextThreshold characters, when registered. Providers differ in
	// per-input token ceilings, so long documents can route to the one
	// with the larger window.
	LongTextProvider  string        `yaml:"long_text_provider" json:"long_text_provider"`
	LongTextThreshold int           `yaml:"long_text_threshold" json:"long_text_threshold"`
	BatchSize         int           `yaml:"batch_size" json:"batch_size"`
	Concurrency       int           `yaml:"concurrency" json:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultRouterConfig returns the router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		LongTextThreshold: 8000,
		BatchSize:         100,
		Concurrency:       4,
		RequestsPerSecond: 10,
		MaxRetries:        2,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
	}
}

func normalizeRouterConfig(cfg RouterConfig) RouterConfig {
	def := DefaultRouterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LongTextThreshold <= 0 {
		cfg.LongTextThreshold = def.LongTextThreshold
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return cfg
}

// Router fans document batches out to a selected embedding provider.
// Batches run in parallel under a shared rate limit; any failed batch
// fails the whole call so the caller never stores a partial vector set.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider

	cfg     RouterConfig
	usage   UsageRecorder
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRouter creates an embedding router. usage may be nil when no
// accounting is wanted.
func NewRouter(cfg RouterConfig, usage UsageRecorder, logger *zap.Logger) *Router {
	cfg = normalizeRouterConfig(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers: make(map[string]Provider),
		cfg:       cfg,
		usage:     usage,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:    logger.With(zap.String("component", "embedding_router")),
	}
}

// Register adds a provider to the router. The first registered provider
// becomes the default unless the config names one.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.cfg.DefaultProvider == "" {
		r.cfg.DefaultProvider = p.Name()
	}
}

// Select resolves the provider for a call: an explicit preference wins,
// then the long-text provider when the longest input reaches the
// threshold, then the default.
func (r *Router) Select(preferred string, textLen int) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		if p, ok := r.providers[preferred]; ok {
			return p, nil
		}
		r.logger.Warn("preferred embedding provider not registered, using default",
			zap.String("preferred", preferred),
			zap.String("default", r.cfg.DefaultProvider))
	}
	if r.cfg.LongTextProvider != "" && textLen >= r.cfg.LongTextThreshold {
		if p, ok := r.providers[r.cfg.LongTextProvider]; ok {
			return p, nil
		}
	}
	if p, ok := r.providers[r.cfg.DefaultProvider]; ok {
		return p, nil
	}
	return nil, types.NewError(types.ErrProviderUnavailable, "no embedding provider registered")
}

// EmbedQuery embeds a single query string.
func (r *Router) EmbedQuery(ctx context.Context, agentID, preferred, query string) ([]float32, error) {
	p, err := r.Select(preferred, len(query))
	if err != nil {
		return nil, err
	}
	resp, err := r.embedWithRetry(ctx, p, &Request{
		Input:     []string{query},
		InputType: InputTypeQuery,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "no embeddings returned").WithProvider(p.Name())
	}
	r.recordUsage(ctx, agentID, p.Name(), resp)
	return resp.Vectors[0].Values, nil
}

// EmbedDocuments embeds every text, preserving input order. Texts are
// split into fixed-size batches that run concurrently; one failed batch
// fails the call.
func (r *Router) EmbedDocuments(ctx context.Context, agentID, preferred string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	longest := 0
	for _, t := range texts {
		if len(t) > longest {
			longest = len(t)
		}
	}
	p, err := r.Select(preferred, longest)
	if err != nil {
		return nil, err
	}

	batchSize := r.cfg.BatchSize
	if max := p.MaxBatchSize(); max > 0 && batchSize > max {
		batchSize = max
	}

	vectors := make([][]float32, len(texts))
	var (
		usageMu sync.Mutex
		total   Usage
		model   string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		offset, batch := start, texts[start:end]

		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			resp, err := r.embedWithRetry(gctx, p, &Request{
				Input:     batch,
				InputType: InputTypeDocument,
			})
			if err != nil {
				return fmt.Errorf("embed batch at offset %d: %w", offset, err)
			}
			if len(resp.Vectors) != len(batch) {
				return types.NewError(types.ErrUpstreamError,
					fmt.Sprintf("provider returned %d vectors for %d inputs", len(resp.Vectors), len(batch))).
					WithProvider(p.Name())
			}
			for _, v := range resp.Vectors {
				vectors[offset+v.Index] = v.Values
			}
			usageMu.Lock()
			total.PromptTokens += resp.Usage.PromptTokens
			total.TotalTokens += resp.Usage.TotalTokens
			total.Cost += resp.Usage.Cost
			model = resp.Model
			usageMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.recordUsage(ctx, agentID, p.Name(), &Response{Model: model, Usage: total})
	return vectors, nil
}

func (r *Router) embedWithRetry(ctx context.Context, p Provider, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Debug("retrying embed",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := p.Embed(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return nil, err
		}
		r.logger.Warn("embed failed, will retry",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("embed failed after %d retries: %w", r.cfg.MaxRetries, lastErr)
}

func (r *Router) calculateDelay(attempt int) time.Duration {
	delay := float64(r.cfg.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func (r *Router) recordUsage(ctx context.Context, agentID, provider string, resp *Response) {
	if r.usage == nil {
		return
	}
	err := r.usage.AppendUsage(ctx, &store.UsageRecord{
		AgentID:      agentID,
		Provider:     provider,
		Model:        resp.Model,
		Kind:         store.UsageEmbedding,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: 0,
		Cost:         resp.Usage.Cost,
	})
	if err != nil {
		r.logger.Warn("failed to record embedding usage", zap.Error(err))
	}
}
