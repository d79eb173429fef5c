package rag

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/cache"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/config"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/llm"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/query"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

type fakeRetriever struct {
	bundle  *query.ContextBundle
	err     error
	calls   int
	lastReq *query.Request
}

func (f *fakeRetriever) Search(_ context.Context, req *query.Request) (*query.ContextBundle, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

type fakeGenerator struct {
	content string
	err     error
	chunks  []llm.StreamChunk
	panics  bool

	calls   int
	lastReq *llm.ChatRequest
}

func (f *fakeGenerator) Completion(_ context.Context, _, _ string, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	f.lastReq = req
	if f.panics {
		panic("generator exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		ID:       "resp-1",
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Content:  f.content,
		Usage:    llm.ChatUsage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
	}, nil
}

func (f *fakeGenerator) Stream(ctx context.Context, _, _ string, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan llm.StreamChunk, len(f.chunks))
	go func() {
		defer close(out)
		for _, ch := range f.chunks {
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*cache.Entry)}
}

func (m *memCache) Get(_ context.Context, key string) (*cache.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

func (m *memCache) Set(_ context.Context, key string, entry *cache.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
}

func testBundle() *query.ContextBundle {
	return &query.ContextBundle{
		Query: "refund window",
		Results: []query.ScoredResult{
			{
				Chunk:  store.Chunk{ID: "c2", Index: 1, Content: "Refunds are issued within thirty days."},
				Source: store.Source{ID: "s1", Title: "Refund Policy", Type: store.SourceTypeText},
			},
			{
				Chunk:  store.Chunk{ID: "c1", Index: 0, Content: "Our policy covers all purchases."},
				Source: store.Source{ID: "s1", Title: "Refund Policy", Type: store.SourceTypeText},
			},
			{
				Chunk:  store.Chunk{ID: "c3", Index: 0, Content: "Contact support for exceptions."},
				Source: store.Source{ID: "s2", Title: "Support FAQ", Type: store.SourceTypeWebsite},
			},
		},
		Attributions: []query.Attribution{
			{SourceID: "s1", Title: "Refund Policy", SourceType: "text", ChunkCount: 2},
			{SourceID: "s2", Title: "Support FAQ", SourceType: "website", ChunkCount: 1},
		},
		TotalTokens: 30,
	}
}

func testAgents() StaticAgents {
	opts := config.DefaultAgentOptions()
	opts.PreferredModel = "gpt-4o-mini"
	return StaticAgents{"agent-1": opts}
}

func newTestOrchestrator(r Retriever, g Generator) *Orchestrator {
	return NewOrchestrator(r, g, testAgents(), Config{EmbeddingModel: "test-model"}, zap.NewNop())
}

func TestChatHappyPath(t *testing.T) {
	retr := &fakeRetriever{bundle: testBundle()}
	gen := &fakeGenerator{content: "Refunds take thirty days."}
	o := newTestOrchestrator(retr, gen)

	res, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "  refund   window "})
	require.NoError(t, err)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, "Refunds take thirty days.", res.Answer)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 52, res.Usage.TotalTokens)
	assert.False(t, res.CacheHit)

	require.Len(t, res.Citations, 2)
	assert.Equal(t, "s1", res.Citations[0].SourceID)
	assert.Equal(t, "Refund Policy", res.Citations[0].Title)

	stages := make([]Stage, len(res.Timings))
	for i, st := range res.Timings {
		stages[i] = st.Stage
	}
	assert.Equal(t, []Stage{StageValidating, StageRetrieving, StageGenerating, StagePostProcessing}, stages)

	// Whitespace collapses before retrieval and prompting.
	assert.Equal(t, "refund window", retr.lastReq.Query)
	assert.Equal(t, "test-model", retr.lastReq.EmbeddingModel)

	require.Len(t, gen.lastReq.Messages, 2)
	system := gen.lastReq.Messages[0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "Refund Policy")
	assert.Contains(t, system.Content, "thirty days")
	assert.Equal(t, "refund window", gen.lastReq.Messages[1].Content)
}

func TestChatValidationListsEveryViolation(t *testing.T) {
	o := newTestOrchestrator(&fakeRetriever{}, &fakeGenerator{})

	_, err := o.Chat(context.Background(), ChatRequest{AgentID: "", Query: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query must not be empty")
	assert.Contains(t, err.Error(), "agent_id is required")

	_, err = o.Chat(context.Background(), ChatRequest{AgentID: "nobody", Query: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown agent "nobody"`)
}

func TestChatRetrievalDegradesToEmptyContext(t *testing.T) {
	retr := &fakeRetriever{err: types.NewError(types.ErrRetrievalDegraded, "vector search down")}
	gen := &fakeGenerator{content: "I do not have enough information."}
	o := newTestOrchestrator(retr, gen)

	res, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)
	assert.Equal(t, StageDone, res.Stage)
	assert.Empty(t, res.Citations)
	assert.Contains(t, gen.lastReq.Messages[0].Content, "No relevant context")
}

func TestChatRAGDisabledSkipsRetrieval(t *testing.T) {
	retr := &fakeRetriever{bundle: testBundle()}
	gen := &fakeGenerator{content: "hello"}
	opts := config.DefaultAgentOptions()
	opts.RAGEnabled = false
	o := NewOrchestrator(retr, gen, StaticAgents{"agent-1": opts}, Config{}, zap.NewNop())

	res, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "hi there"})
	require.NoError(t, err)
	assert.Zero(t, retr.calls)
	assert.Empty(t, res.Citations)
}

func TestChatCacheHitShortCircuits(t *testing.T) {
	retr := &fakeRetriever{bundle: testBundle()}
	gen := &fakeGenerator{content: "Refunds take thirty days."}
	o := newTestOrchestrator(retr, gen).WithCache(newMemCache())

	first, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund  window"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, StageDone, second.Stage)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Citations, second.Citations)
	assert.Equal(t, 1, retr.calls)
	assert.Equal(t, 1, gen.calls)
}

func TestChatCachingDisabled(t *testing.T) {
	retr := &fakeRetriever{bundle: testBundle()}
	gen := &fakeGenerator{content: "answer"}
	opts := config.DefaultAgentOptions()
	opts.CachingEnabled = false
	o := NewOrchestrator(retr, gen, StaticAgents{"agent-1": opts}, Config{}, zap.NewNop()).WithCache(newMemCache())

	for i := 0; i < 2; i++ {
		res, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
		require.NoError(t, err)
		assert.False(t, res.CacheHit)
	}
	assert.Equal(t, 2, gen.calls)
}

func TestChatGenerationFailureReturnsFallback(t *testing.T) {
	gen := &fakeGenerator{err: types.NewError(types.ErrUpstreamError, "provider down").WithRetryable(true)}
	o := newTestOrchestrator(&fakeRetriever{bundle: testBundle()}, gen)

	res, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
	require.NotNil(t, res)
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, fallbackAnswer, res.Answer)
}

func TestChatPanicRecovery(t *testing.T) {
	gen := &fakeGenerator{panics: true}
	o := newTestOrchestrator(&fakeRetriever{bundle: testBundle()}, gen)

	res, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInternalError, types.GetErrorCode(err))
	require.NotNil(t, res)
	assert.Equal(t, StageFailed, res.Stage)
	assert.Equal(t, fallbackAnswer, res.Answer)
}

func TestChatStreamDeliversDeltasThenFinal(t *testing.T) {
	gen := &fakeGenerator{chunks: []llm.StreamChunk{
		{Provider: "openai", Model: "gpt-4o-mini", Delta: "Refunds take "},
		{Provider: "openai", Model: "gpt-4o-mini", Delta: "thirty days."},
		{Provider: "openai", Model: "gpt-4o-mini", FinishReason: "stop",
			Usage: &llm.ChatUsage{PromptTokens: 40, CompletionTokens: 8, TotalTokens: 48}},
	}}
	o := newTestOrchestrator(&fakeRetriever{bundle: testBundle()}, gen)

	events, err := o.ChatStream(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)

	var deltas strings.Builder
	var finals []*Result
	for ev := range events {
		if ev.Final != nil {
			finals = append(finals, ev.Final)
			continue
		}
		deltas.WriteString(ev.Delta)
	}
	require.Len(t, finals, 1)
	final := finals[0]
	assert.Equal(t, StageDone, final.Stage)
	assert.Equal(t, "Refunds take thirty days.", final.Answer)
	assert.Equal(t, "Refunds take thirty days.", deltas.String())
	assert.Equal(t, 48, final.Usage.TotalTokens)
	require.Len(t, final.Citations, 2)
}

func TestChatStreamCacheHitReplaysAnswer(t *testing.T) {
	gen := &fakeGenerator{content: "Cached answer."}
	o := newTestOrchestrator(&fakeRetriever{bundle: testBundle()}, gen).WithCache(newMemCache())

	_, err := o.Chat(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)

	events, err := o.ChatStream(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "Cached answer.", got[0].Delta)
	require.NotNil(t, got[1].Final)
	assert.True(t, got[1].Final.CacheHit)
}

func TestChatStreamUpstreamErrorEndsWithFailedFinal(t *testing.T) {
	gen := &fakeGenerator{chunks: []llm.StreamChunk{
		{Delta: "partial "},
		{Err: types.NewError(types.ErrUpstreamError, "connection reset")},
	}}
	o := newTestOrchestrator(&fakeRetriever{bundle: testBundle()}, gen)

	events, err := o.ChatStream(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)

	var last Event
	count := 0
	for ev := range events {
		last = ev
		count++
	}
	require.GreaterOrEqual(t, count, 2)
	require.NotNil(t, last.Final)
	require.NotNil(t, last.Err)
	assert.Equal(t, StageFailed, last.Final.Stage)
	assert.Equal(t, fallbackAnswer, last.Final.Answer)
}

func TestChatStreamCanceledFinishSkipsCache(t *testing.T) {
	mc := newMemCache()
	gen := &fakeGenerator{chunks: []llm.StreamChunk{
		{Delta: "partial answer"},
		{FinishReason: "canceled", Usage: &llm.ChatUsage{CompletionTokens: 2}},
	}}
	o := newTestOrchestrator(&fakeRetriever{bundle: testBundle()}, gen).WithCache(mc)

	events, err := o.ChatStream(context.Background(), ChatRequest{AgentID: "agent-1", Query: "refund window"})
	require.NoError(t, err)

	var final *Result
	deadline := time.After(time.Second)
	for final == nil {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "channel closed without a final event")
			if ev.Final != nil {
				final = ev.Final
			}
		case <-deadline:
			t.Fatal("timed out waiting for final event")
		}
	}
	assert.Equal(t, StageFailed, final.Stage)
	assert.Equal(t, "partial answer", final.Answer)
	assert.Empty(t, mc.entries)
}

func TestBuildSystemPrompt(t *testing.T) {
	assert.Equal(t, promptNoContext, buildSystemPrompt(nil))
	assert.Equal(t, promptNoContext, buildSystemPrompt(&query.ContextBundle{}))

	prompt := buildSystemPrompt(testBundle())
	assert.Contains(t, prompt, "[1] Refund Policy")
	assert.Contains(t, prompt, "[2] Support FAQ")
	// Chunks within a source read in their original order.
	policy := strings.Index(prompt, "Our policy covers")
	refunds := strings.Index(prompt, "Refunds are issued")
	require.GreaterOrEqual(t, policy, 0)
	require.GreaterOrEqual(t, refunds, 0)
	assert.Less(t, policy, refunds)
}
