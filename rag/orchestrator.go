package rag

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/cache"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/config"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/internal/metrics"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/llm"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/query"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// Stage is one step of the chat state machine.
type Stage string

const (
	StageValidating     Stage = "validating"
	StageRetrieving     Stage = "retrieving"
	StageGenerating     Stage = "generating"
	StagePostProcessing Stage = "post_processing"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// fallbackAnswer is returned to the user when generation fails; the
// underlying cause travels separately as a structured error.
const fallbackAnswer = "I ran into a problem answering this. Please try again in a moment."

// ChatRequest is one user turn addressed to an agent.
type ChatRequest struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
}

// StageTiming is the wall-clock duration of one completed stage.
type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Result is the assembled answer for one chat turn.
type Result struct {
	Answer    string           `json:"answer"`
	Citations []cache.Citation `json:"citations,omitempty"`
	Usage     llm.ChatUsage    `json:"usage"`
	Provider  string           `json:"provider,omitempty"`
	Model     string           `json:"model,omitempty"`
	CacheHit  bool             `json:"cache_hit"`
	Stage     Stage            `json:"stage"`
	Timings   []StageTiming    `json:"timings,omitempty"`
}

// Event is one element of a streamed chat turn. Exactly one event carries
// Final; it is always the last event on the channel.
type Event struct {
	Delta string       `json:"delta,omitempty"`
	Final *Result      `json:"final,omitempty"`
	Err   *types.Error `json:"error,omitempty"`
}

// Retriever assembles ranked context for a query.
type Retriever interface {
	Search(ctx context.Context, req *query.Request) (*query.ContextBundle, error)
}

// Generator is the chat-completion surface of the LLM router.
type Generator interface {
	Completion(ctx context.Context, agentID, preferred string, req *llm.ChatRequest) (*llm.ChatResponse, error)
	Stream(ctx context.Context, agentID, preferred string, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// AnswerCache stores assembled answers keyed by request fingerprint.
type AnswerCache interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	Set(ctx context.Context, key string, entry *cache.Entry)
}

// AgentResolver maps an agent id to its options. Unknown agents return an
// error, which surfaces as a validation failure.
type AgentResolver interface {
	Resolve(ctx context.Context, agentID string) (config.AgentOptions, error)
}

// StaticAgents is a fixed in-memory AgentResolver.
type StaticAgents map[string]config.AgentOptions

// Resolve implements AgentResolver.
func (s StaticAgents) Resolve(_ context.Context, agentID string) (config.AgentOptions, error) {
	opts, ok := s[agentID]
	if !ok {
		return config.AgentOptions{}, types.NewError(types.ErrNotFound, "unknown agent").WithHTTPStatus(404)
	}
	return opts, nil
}

// Config carries the orchestrator's retrieval defaults.
type Config struct {
	// EmbeddingModel keys which stored vectors queries are matched against.
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model"`
	// EmbeddingProvider routes query embedding; empty uses the default.
	EmbeddingProvider string `yaml:"embedding_provider" json:"embedding_provider"`
}

// Orchestrator drives one chat turn through validation, retrieval,
// generation, and post-processing.
type Orchestrator struct {
	retriever Retriever
	generator Generator
	agents    AgentResolver
	cache     AnswerCache
	metrics   *metrics.Collector
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator wires the chat pipeline. Cache and metrics are optional.
func NewOrchestrator(retriever Retriever, generator Generator, agents AgentResolver, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		agents:    agents,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "rag")),
		now:       time.Now,
	}
}

// WithCache wires the answer cache.
func (o *Orchestrator) WithCache(c AnswerCache) *Orchestrator {
	o.cache = c
	return o
}

// WithMetrics wires stage and cache counters.
func (o *Orchestrator) WithMetrics(m *metrics.Collector) *Orchestrator {
	o.metrics = m
	return o
}

// turn is the mutable state threaded through one chat's stages.
type turn struct {
	req      ChatRequest
	opts     config.AgentOptions
	cacheKey string
	bundle   *query.ContextBundle
	result   *Result
}

// Chat runs one non-streaming turn. On generation failure the returned
// Result still carries a user-safe answer alongside the error.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("chat panic", zap.Any("panic", r), zap.String("agent_id", req.AgentID))
			res = &Result{Answer: fallbackAnswer, Stage: StageFailed}
			err = types.NewError(types.ErrInternalError, "chat pipeline panic").WithHTTPStatus(500)
		}
	}()

	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if t.result != nil { // cache hit
		return t.result, nil
	}

	start := o.now()
	resp, err := o.generator.Completion(ctx, req.AgentID, t.opts.PreferredProvider, o.buildChatRequest(t))
	o.finishStage(t, StageGenerating, start)
	if err != nil {
		o.logger.Warn("generation failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		t.result.Answer = fallbackAnswer
		t.result.Stage = StageFailed
		return t.result, err
	}

	start = o.now()
	o.assemble(ctx, t, resp.Content, resp.Usage, resp.Provider, resp.Model)
	o.finishStage(t, StagePostProcessing, start)
	t.result.Stage = StageDone
	return t.result, nil
}

// ChatStream runs one streaming turn. Validation, cache consult, and
// retrieval happen before the channel is returned; generation streams.
// The channel always ends with exactly one Final event, even on failure
// or cancellation.
func (o *Orchestrator) ChatStream(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	if t.result != nil { // cache hit replays as one delta plus final
		out <- Event{Delta: t.result.Answer}
		out <- Event{Final: t.result}
		close(out)
		return out, nil
	}

	start := o.now()
	upstream, err := o.generator.Stream(ctx, req.AgentID, t.opts.PreferredProvider, o.buildChatRequest(t))
	if err != nil {
		o.finishStage(t, StageGenerating, start)
		o.logger.Warn("stream start failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		return nil, err
	}

	go o.relay(ctx, t, upstream, out, start)
	return out, nil
}

// relay forwards deltas and turns the upstream final chunk into the
// stream's Final event.
func (o *Orchestrator) relay(ctx context.Context, t *turn, upstream <-chan llm.StreamChunk, out chan<- Event, genStart time.Time) {
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("stream panic", zap.Any("panic", r))
			t.result.Answer = fallbackAnswer
			t.result.Stage = StageFailed
			out <- Event{
				Err:   types.NewError(types.ErrInternalError, "chat pipeline panic").WithHTTPStatus(500),
				Final: t.result,
			}
		}
	}()

	var answer strings.Builder
	for chunk := range upstream {
		if chunk.Err != nil {
			o.finishStage(t, StageGenerating, genStart)
			t.result.Answer = fallbackAnswer
			t.result.Stage = StageFailed
			out <- Event{Err: chunk.Err, Final: t.result}
			return
		}
		if chunk.Delta != "" {
			answer.WriteString(chunk.Delta)
			out <- Event{Delta: chunk.Delta}
		}
		if chunk.FinishReason == "" {
			continue
		}

		o.finishStage(t, StageGenerating, genStart)
		var usage llm.ChatUsage
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		start := o.now()
		canceled := chunk.FinishReason == "canceled"
		if canceled {
			// Partial answers never enter the cache.
			t.result.Answer = strings.TrimSpace(answer.String())
			t.result.Usage = usage
			t.result.Provider = chunk.Provider
			t.result.Model = chunk.Model
			t.result.Citations = o.citations(t)
			t.result.Stage = StageFailed
		} else {
			o.assemble(ctx, t, answer.String(), usage, chunk.Provider, chunk.Model)
			t.result.Stage = StageDone
		}
		o.finishStage(t, StagePostProcessing, start)
		out <- Event{Final: t.result}
		return
	}

	// Upstream closed without a finish chunk.
	o.finishStage(t, StageGenerating, genStart)
	o.assemble(ctx, t, answer.String(), llm.ChatUsage{}, "", "")
	t.result.Stage = StageDone
	out <- Event{Final: t.result}
}

// prepare runs the validating, cache-consult, and retrieving stages.
// A non-nil turn.result signals a cache hit.
func (o *Orchestrator) prepare(ctx context.Context, req ChatRequest) (*turn, error) {
	t := &turn{req: req}
	start := o.now()

	verr := &types.ValidationError{}
	req.Query = strings.Join(strings.Fields(req.Query), " ")
	t.req = req
	if req.Query == "" {
		verr.Add("query must not be empty")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		verr.Add("agent_id is required")
	} else {
		opts, err := o.agents.Resolve(ctx, req.AgentID)
		if err != nil {
			verr.Add("unknown agent %q", req.AgentID)
		} else {
			t.opts = opts
		}
	}
	o.recordStage(StageValidating, o.now().Sub(start))
	if err := verr.Err(); err != nil {
		return nil, err
	}

	timings := []StageTiming{{Stage: StageValidating, Duration: o.now().Sub(start)}}

	if t.opts.CachingEnabled && o.cache != nil {
		t.cacheKey = cache.Fingerprint(req.AgentID, req.Query, cache.FingerprintOptions{
			Provider:      t.opts.PreferredProvider,
			Model:         t.opts.PreferredModel,
			Temperature:   t.opts.Temperature,
			MaxTokens:     t.opts.MaxTokens,
			ContextWindow: t.opts.ContextWindow,
		})
		if entry, ok := o.cache.Get(ctx, t.cacheKey); ok {
			if o.metrics != nil {
				o.metrics.RecordCacheHit("response")
			}
			t.result = &Result{
				Answer:    entry.Answer,
				Citations: entry.Citations,
				Usage:     entry.Usage,
				CacheHit:  true,
				Stage:     StageDone,
				Timings:   timings,
			}
			return t, nil
		}
		if o.metrics != nil {
			o.metrics.RecordCacheMiss("response")
		}
	}

	t.result = &Result{Timings: timings}

	start = o.now()
	if t.opts.RAGEnabled {
		bundle, err := o.retriever.Search(ctx, &query.Request{
			AgentID:           req.AgentID,
			Query:             req.Query,
			MaxResults:        t.opts.ContextWindow,
			MinSimilarity:     t.opts.MinRelevanceScore,
			TokenBudget:       t.opts.TokenBudget,
			Weights:           t.opts.SearchWeights,
			EmbeddingModel:    o.cfg.EmbeddingModel,
			PreferredProvider: o.cfg.EmbeddingProvider,
		})
		if err != nil {
			// Retrieval trouble degrades to an ungrounded answer.
			o.logger.Warn("retrieval degraded", zap.String("agent_id", req.AgentID), zap.Error(err))
		} else {
			t.bundle = bundle
		}
	}
	o.finishStage(t, StageRetrieving, start)
	return t, nil
}

// buildChatRequest assembles the provider request from the agent options
// and retrieved context.
func (o *Orchestrator) buildChatRequest(t *turn) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: t.opts.PreferredModel,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: buildSystemPrompt(t.bundle)},
			{Role: llm.RoleUser, Content: t.req.Query},
		},
		MaxTokens:   t.opts.MaxTokens,
		Temperature: t.opts.Temperature,
	}
}

// assemble fills the final result and writes it through to the cache.
func (o *Orchestrator) assemble(ctx context.Context, t *turn, answer string, usage llm.ChatUsage, provider, model string) {
	t.result.Answer = strings.TrimSpace(answer)
	t.result.Usage = usage
	t.result.Provider = provider
	t.result.Model = model
	t.result.Citations = o.citations(t)

	if t.cacheKey != "" && o.cache != nil {
		o.cache.Set(ctx, t.cacheKey, &cache.Entry{
			AgentID:   t.req.AgentID,
			Answer:    t.result.Answer,
			Citations: t.result.Citations,
			Usage:     usage,
		})
	}
}

// citations maps retrieval attributions to user-facing citations, capped
// at the agent's source limit.
func (o *Orchestrator) citations(t *turn) []cache.Citation {
	if t.bundle == nil || len(t.bundle.Attributions) == 0 {
		return nil
	}
	limit := t.opts.MaxSources
	if limit <= 0 || limit > len(t.bundle.Attributions) {
		limit = len(t.bundle.Attributions)
	}
	cites := make([]cache.Citation, 0, limit)
	for _, attr := range t.bundle.Attributions[:limit] {
		cites = append(cites, cache.Citation{
			SourceID:   attr.SourceID,
			Title:      attr.Title,
			SourceType: attr.SourceType,
		})
	}
	return cites
}

func (o *Orchestrator) finishStage(t *turn, stage Stage, start time.Time) {
	d := o.now().Sub(start)
	t.result.Timings = append(t.result.Timings, StageTiming{Stage: stage, Duration: d})
	o.recordStage(stage, d)
}

func (o *Orchestrator) recordStage(stage Stage, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordChatStage(string(stage), d)
	}
}
