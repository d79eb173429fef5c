package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
)

type fakeSearcher struct {
	results []store.ScoredChunk
	filter  store.SearchFilter
	err     error
}

func (f *fakeSearcher) SimilaritySearch(_ context.Context, _ string, _ []float32, filter store.SearchFilter) ([]store.ScoredChunk, error) {
	f.filter = filter
	return f.results, f.err
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _, _, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func candidate(sourceID, content string, similarity float64, tokens int, age time.Duration) store.ScoredChunk {
	return store.ScoredChunk{
		Chunk: store.Chunk{
			SourceID:   sourceID,
			Content:    content,
			TokenCount: tokens,
		},
		Source: store.Source{
			ID:        sourceID,
			Title:     "Source " + sourceID,
			Type:      store.SourceTypeWebsite,
			UpdatedAt: time.Now().Add(-age),
		},
		Similarity: similarity,
	}
}

func newTestEngine(s *fakeSearcher) *Engine {
	return NewEngine(s, &fakeEmbedder{}, zap.NewNop())
}

func TestSearchWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultSearchWeights().Validate())
	assert.NoError(t, SearchWeights{Semantic: 0.65, Keyword: 0.2, Recency: 0.1, Diversity: 0.1}.Validate())

	// Every violation is listed, not just the first.
	err := SearchWeights{Semantic: -0.5, Keyword: -0.2, Recency: 0.1, Diversity: 0.1}.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "semantic")
	assert.Contains(t, msg, "keyword")
	assert.Contains(t, msg, "sum to 1.0")

	err = SearchWeights{Semantic: 0.9, Keyword: 0.9}.Validate()
	require.Error(t, err)
}

func TestSearchRejectsBadInput(t *testing.T) {
	e := newTestEngine(&fakeSearcher{})
	ctx := context.Background()

	_, err := e.Search(ctx, &Request{AgentID: "a", Query: "   ", Weights: DefaultSearchWeights()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")

	_, err = e.Search(ctx, &Request{Query: "q", Weights: DefaultSearchWeights()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent")

	_, err = e.Search(ctx, &Request{AgentID: "a", Query: "q", Weights: SearchWeights{Semantic: 2}})
	require.Error(t, err)
}

func TestSearchEmptyCandidates(t *testing.T) {
	e := newTestEngine(&fakeSearcher{})
	bundle, err := e.Search(context.Background(), &Request{
		AgentID: "a", Query: "anything", Weights: DefaultSearchWeights(),
	})
	require.NoError(t, err)
	assert.Empty(t, bundle.Results)
	assert.Empty(t, bundle.Attributions)
	assert.Zero(t, bundle.TotalTokens)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := &fakeSearcher{results: []store.ScoredChunk{
		candidate("s1", "refund policy details", 0.95, 50, time.Hour),
		candidate("s2", "unrelated shipping info", 0.60, 50, time.Hour),
		candidate("s3", "partially relevant refunds", 0.80, 50, time.Hour),
	}}
	e := newTestEngine(s)

	bundle, err := e.Search(context.Background(), &Request{
		AgentID: "a", Query: "refund policy", MaxResults: 3,
		Weights: SearchWeights{Semantic: 1},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Results, 3)
	assert.Equal(t, "s1", bundle.Results[0].Source.ID)
	assert.Equal(t, "s3", bundle.Results[1].Source.ID)
	assert.Equal(t, "s2", bundle.Results[2].Source.ID)
	assert.InDelta(t, 0.95, bundle.Results[0].Final, 1e-9)
}

func TestSearchDiversityPrefersUnseenSources(t *testing.T) {
	// Two near-identical chunks from s1 and a slightly weaker one from s2.
	s := &fakeSearcher{results: []store.ScoredChunk{
		candidate("s1", "alpha", 0.90, 10, time.Hour),
		candidate("s1", "beta", 0.89, 10, time.Hour),
		candidate("s2", "gamma", 0.80, 10, time.Hour),
	}}
	e := newTestEngine(s)

	bundle, err := e.Search(context.Background(), &Request{
		AgentID: "a", Query: "query", MaxResults: 2,
		Weights: SearchWeights{Semantic: 0.5, Diversity: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, bundle.Results, 2)
	assert.Equal(t, "s1", bundle.Results[0].Source.ID)
	// Round two: s1's second chunk scores 0.5*0.89 + 0.5*0.5 = 0.695,
	// while s2's fresh source scores 0.5*0.80 + 0.5*1.0 = 0.90.
	assert.Equal(t, "s2", bundle.Results[1].Source.ID)
	assert.Len(t, bundle.Attributions, 2)
}

func TestSearchTokenBudget(t *testing.T) {
	s := &fakeSearcher{results: []store.ScoredChunk{
		candidate("s1", "a", 0.9, 400, time.Hour),
		candidate("s2", "b", 0.8, 400, time.Hour),
		candidate("s3", "c", 0.7, 400, time.Hour),
	}}
	e := newTestEngine(s)

	bundle, err := e.Search(context.Background(), &Request{
		AgentID: "a", Query: "query", MaxResults: 3, TokenBudget: 900,
		Weights: SearchWeights{Semantic: 1},
	})
	require.NoError(t, err)
	assert.Len(t, bundle.Results, 2)
	assert.Equal(t, 800, bundle.TotalTokens)
	assert.LessOrEqual(t, bundle.TotalTokens, 900)
}

func TestSearchFilterDerivation(t *testing.T) {
	s := &fakeSearcher{}
	e := newTestEngine(s)

	_, err := e.Search(context.Background(), &Request{
		AgentID: "a", Query: "q", MaxResults: 5, MinSimilarity: 0.4,
		SourceTypes:    []store.SourceType{"website"},
		EmbeddingModel: "m",
		Weights:        DefaultSearchWeights(),
	})
	require.NoError(t, err)
	assert.Equal(t, "m", s.filter.Model)
	assert.Equal(t, []store.SourceType{"website"}, s.filter.SourceTypes)
	assert.Equal(t, 0.4, s.filter.MinSimilarity)
	assert.Equal(t, 20, s.filter.Limit)
}

func TestKeywordScore(t *testing.T) {
	terms := queryTerms("What is the refund policy?")
	assert.Equal(t, 1.0, keywordScore(terms, "Our refund policy is the simplest, what you see is what you get."))
	assert.Equal(t, 0.0, keywordScore(terms, "shipping takes five days"))
}

func TestRecencyScore(t *testing.T) {
	now := time.Now()
	assert.InDelta(t, 1.0, recencyScore(now, now), 1e-9)
	assert.InDelta(t, 0.5, recencyScore(now, now.Add(-30*24*time.Hour)), 1e-3)
	assert.Equal(t, 1.0, recencyScore(now, time.Time{}))
}

func TestSortByChunkIndex(t *testing.T) {
	results := []ScoredResult{
		{Source: store.Source{ID: "b"}, Chunk: store.Chunk{Index: 1}},
		{Source: store.Source{ID: "a"}, Chunk: store.Chunk{Index: 2}},
		{Source: store.Source{ID: "a"}, Chunk: store.Chunk{Index: 0}},
	}
	SortByChunkIndex(results)
	assert.Equal(t, "a", results[0].Source.ID)
	assert.Equal(t, 0, results[0].Chunk.Index)
	assert.Equal(t, 2, results[1].Chunk.Index)
	assert.Equal(t, "b", results[2].Source.ID)
}

func TestSearchBudgetProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		var results []store.ScoredChunk
		for i := 0; i < n; i++ {
			results = append(results, candidate(
				strings.Repeat("s", i%5+1),
				"content words here",
				rapid.Float64Range(0.1, 1).Draw(t, "sim"),
				rapid.IntRange(1, 500).Draw(t, "tokens"),
				time.Duration(rapid.IntRange(0, 1000).Draw(t, "age"))*time.Hour,
			))
		}
		budget := rapid.IntRange(1, 2000).Draw(t, "budget")

		e := newTestEngine(&fakeSearcher{results: results})
		bundle, err := e.Search(context.Background(), &Request{
			AgentID: "a", Query: "content", MaxResults: 10, TokenBudget: budget,
			Weights: DefaultSearchWeights(),
		})
		require.NoError(t, err)

		total := 0
		for _, r := range bundle.Results {
			total += r.Chunk.TokenCount
		}
		assert.LessOrEqual(t, total, budget)
		assert.Equal(t, total, bundle.TotalTokens)
	})
}
