package llm

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// UsageRecorder receives one usage record per completed chat call.
type UsageRecorder interface {
	AppendUsage(ctx context.Context, rec *store.UsageRecord) error
}

// RouterConfig tunes provider selection, timeouts, and retry.
type RouterConfig struct {
	DefaultProvider string        `yaml:"default_provider" json:"default_provider"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultRouterConfig returns the router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Timeout:      90 * time.Second,
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

func normalizeRouterConfig(cfg RouterConfig) RouterConfig {
	def := DefaultRouterConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return cfg
}

// Router selects a chat provider per call and wraps it with timeout,
// retry, and usage accounting.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider

	cfg    RouterConfig
	usage  UsageRecorder
	logger *zap.Logger
}

// NewRouter creates a chat router. usage may be nil when no accounting is
// wanted.
func NewRouter(cfg RouterConfig, usage UsageRecorder, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers: make(map[string]Provider),
		cfg:       normalizeRouterConfig(cfg),
		usage:     usage,
		logger:    logger.With(zap.String("component", "llm_router")),
	}
}

// Register adds a provider. The first registered provider becomes the
// default unless the config names one.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.cfg.DefaultProvider == "" {
		r.cfg.DefaultProvider = p.Name()
	}
}

// Select resolves the provider for a call. A preferred provider that is
// unknown or cannot serve chat falls back to the default with a logged
// warning.
func (r *Router) Select(preferred string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		if p, ok := r.providers[preferred]; ok && p.SupportsChat() {
			return p, nil
		}
		r.logger.Warn("preferred chat provider unavailable, using default",
			zap.String("preferred", preferred),
			zap.String("default", r.cfg.DefaultProvider))
	}

	p, ok := r.providers[r.cfg.DefaultProvider]
	if !ok {
		return nil, types.NewError(types.ErrProviderUnavailable, "no chat provider registered")
	}
	if !p.SupportsChat() {
		return nil, types.NewError(types.ErrProviderUnavailable,
			fmt.Sprintf("default provider %q cannot serve chat", p.Name())).WithProvider(p.Name())
	}
	return p, nil
}

// Completion performs a synchronous chat call with timeout and bounded
// retry on retryable errors.
func (r *Router) Completion(ctx context.Context, agentID, preferred string, req *ChatRequest) (*ChatResponse, error) {
	p, err := r.Select(preferred)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Debug("retrying completion",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := p.Completion(ctx, req)
		if err == nil {
			r.recordUsage(ctx, agentID, p.Name(), resp.Model, resp.Usage)
			return resp, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return nil, err
		}
		r.logger.Warn("completion failed, will retry",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("completion failed after %d retries: %w", r.cfg.MaxRetries, lastErr)
}

// Stream performs a streaming chat call. The returned channel always
// delivers exactly one completion event, even when ctx is canceled
// mid-stream; a canceled stream reports partial usage.
func (r *Router) Stream(ctx context.Context, agentID, preferred string, req *ChatRequest) (<-chan StreamChunk, error) {
	p, err := r.Select(preferred)
	if err != nil {
		return nil, err
	}

	upstream, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	model := req.Model
	provider := p.Name()
	return relayStream(ctx, upstream, model, func(u ChatUsage, reason string) {
		// Usage recording must survive the canceled request context.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		r.recordUsage(recordCtx, agentID, provider, model, u)
	}), nil
}

func (r *Router) calculateDelay(attempt int) time.Duration {
	delay := float64(r.cfg.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func (r *Router) recordUsage(ctx context.Context, agentID, provider, model string, usage ChatUsage) {
	if r.usage == nil {
		return
	}
	err := r.usage.AppendUsage(ctx, &store.UsageRecord{
		AgentID:      agentID,
		Provider:     provider,
		Model:        model,
		Kind:         store.UsageChat,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Cost:         usage.Cost,
	})
	if err != nil {
		r.logger.Warn("failed to record chat usage", zap.Error(err))
	}
}
