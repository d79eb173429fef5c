// Package query turns a user question into a ranked, token-bounded
// context bundle drawn from an agent's ingested sources.
package query

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// weightTolerance bounds how far the four search weights may drift from
// summing to 1.0 before the configuration is rejected outright.
const weightTolerance = 0.1

// SearchWeights blends the four ranking signals. The weights must sum to
// 1.0 within tolerance; out-of-range configurations are rejected, never
// silently renormalized.
type SearchWeights struct {
	Semantic  float64 `yaml:"semantic" json:"semantic"`
	Keyword   float64 `yaml:"keyword" json:"keyword"`
	Recency   float64 `yaml:"recency" json:"recency"`
	Diversity float64 `yaml:"diversity" json:"diversity"`
}

// DefaultSearchWeights returns the standard blend.
func DefaultSearchWeights() SearchWeights {
	return SearchWeights{Semantic: 0.6, Keyword: 0.2, Recency: 0.1, Diversity: 0.1}
}

// Validate reports every violated constraint.
func (w SearchWeights) Validate() error {
	var verr types.ValidationError
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"semantic", w.Semantic},
		{"keyword", w.Keyword},
		{"recency", w.Recency},
		{"diversity", w.Diversity},
	} {
		if f.value < 0 {
			verr.Add("search weight %s must not be negative, got %v", f.name, f.value)
		}
	}
	sum := w.Semantic + w.Keyword + w.Recency + w.Diversity
	if math.Abs(sum-1.0) > weightTolerance {
		verr.Add("search weights must sum to 1.0 (±%v), got %v", weightTolerance, sum)
	}
	return verr.Err()
}

// Request is one retrieval call.
type Request struct {
	AgentID           string
	Query             string
	MaxResults        int
	MinSimilarity     float64
	SourceTypes       []store.SourceType
	TokenBudget       int
	Weights           SearchWeights
	EmbeddingModel    string
	PreferredProvider string
}

// ScoredResult is one selected chunk with its per-signal scores.
type ScoredResult struct {
	Chunk  store.Chunk  `json:"chunk"`
	Source store.Source `json:"source"`

	Semantic  float64 `json:"semantic"`
	Keyword   float64 `json:"keyword"`
	Recency   float64 `json:"recency"`
	Diversity float64 `json:"diversity"`
	Final     float64 `json:"final"`
}

// Attribution summarizes one source's contribution to a bundle.
type Attribution struct {
	SourceID   string `json:"source_id"`
	Title      string `json:"title"`
	SourceType string `json:"source_type"`
	ChunkCount int    `json:"chunk_count"`
}

// ContextBundle is the assembled retrieval context for one query.
type ContextBundle struct {
	Query          string         `json:"query"`
	Results        []ScoredResult `json:"results"`
	Attributions   []Attribution  `json:"attributions"`
	TotalTokens    int            `json:"total_tokens"`
	AvgRelevance   float64        `json:"avg_relevance"`
	DiversityScore float64        `json:"diversity_score"`
}

// Searcher is the vector search surface the engine needs from storage.
type Searcher interface {
	SimilaritySearch(ctx context.Context, agentID string, query []float32, filter store.SearchFilter) ([]store.ScoredChunk, error)
}

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, agentID, preferred, query string) ([]float32, error)
}

// Engine ranks an agent's chunks against a query.
type Engine struct {
	searcher Searcher
	embedder QueryEmbedder
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a query engine.
func NewEngine(searcher Searcher, embedder QueryEmbedder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		searcher: searcher,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "query_engine")),
		now:      time.Now,
	}
}

// candidateMultiple controls how many raw candidates are fetched per
// requested result, leaving headroom for reranking and budget pruning.
const candidateMultiple = 4

// Search retrieves, ranks, and prunes context for the query. An empty
// candidate set yields an empty bundle, not an error.
func (e *Engine) Search(ctx context.Context, req *Request) (*ContextBundle, error) {
	normalized := normalizeQuery(req.Query)
	if normalized == "" {
		var verr types.ValidationError
		verr.Add("query must not be empty")
		return nil, verr.Err()
	}
	if req.AgentID == "" {
		var verr types.ValidationError
		verr.Add("agent id must not be empty")
		return nil, verr.Err()
	}
	if err := req.Weights.Validate(); err != nil {
		return nil, err
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	vector, err := e.embedder.EmbedQuery(ctx, req.AgentID, req.PreferredProvider, normalized)
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalDegraded, "query embedding failed").WithCause(err)
	}

	candidates, err := e.searcher.SimilaritySearch(ctx, req.AgentID, vector, store.SearchFilter{
		Model:         req.EmbeddingModel,
		SourceTypes:   req.SourceTypes,
		MinSimilarity: req.MinSimilarity,
		Limit:         maxResults * candidateMultiple,
	})
	if err != nil {
		return nil, types.NewError(types.ErrRetrievalDegraded, "vector search failed").WithCause(err)
	}

	bundle := &ContextBundle{Query: normalized}
	if len(candidates) == 0 {
		return bundle, nil
	}

	selected := e.rank(normalized, candidates, req.Weights, maxResults)
	selected = pruneToBudget(selected, req.TokenBudget)

	bundle.Results = selected
	bundle.Attributions = attributions(selected)
	for _, r := range selected {
		bundle.TotalTokens += r.Chunk.TokenCount
		bundle.AvgRelevance += r.Final
	}
	if len(selected) > 0 {
		bundle.AvgRelevance /= float64(len(selected))
		bundle.DiversityScore = float64(len(bundle.Attributions)) / float64(len(selected))
	}
	return bundle, nil
}

// rank selects up to maxResults candidates greedily. The diversity signal
// is recomputed each round against the sources already chosen, so a
// strong chunk from an unseen source can beat a slightly stronger chunk
// from an exhausted one.
func (e *Engine) rank(query string, candidates []store.ScoredChunk, w SearchWeights, maxResults int) []ScoredResult {
	terms := queryTerms(query)
	now := e.now()

	type scored struct {
		candidate store.ScoredChunk
		semantic  float64
		keyword   float64
		recency   float64
	}
	pool := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		pool = append(pool, scored{
			candidate: c,
			semantic:  c.Similarity,
			keyword:   keywordScore(terms, c.Chunk.Content),
			recency:   recencyScore(now, c.Source.UpdatedAt),
		})
	}

	var results []ScoredResult
	perSource := make(map[string]int)

	for len(results) < maxResults && len(pool) > 0 {
		bestIdx := -1
		var best ScoredResult
		for i, s := range pool {
			div := diversityScore(perSource[s.candidate.Source.ID])
			final := w.Semantic*s.semantic + w.Keyword*s.keyword + w.Recency*s.recency + w.Diversity*div
			if bestIdx == -1 || final > best.Final {
				bestIdx = i
				best = ScoredResult{
					Chunk:     s.candidate.Chunk,
					Source:    s.candidate.Source,
					Semantic:  s.semantic,
					Keyword:   s.keyword,
					Recency:   s.recency,
					Diversity: div,
					Final:     final,
				}
			}
		}
		results = append(results, best)
		perSource[best.Source.ID]++
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}
	return results
}

// pruneToBudget keeps the highest-ranked prefix whose token counts fit
// the budget. A budget of zero means unbounded.
func pruneToBudget(results []ScoredResult, budget int) []ScoredResult {
	if budget <= 0 {
		return results
	}
	total := 0
	for i, r := range results {
		if total+r.Chunk.TokenCount > budget {
			return results[:i]
		}
		total += r.Chunk.TokenCount
	}
	return results
}

func attributions(results []ScoredResult) []Attribution {
	index := make(map[string]int)
	var attrs []Attribution
	for _, r := range results {
		if i, ok := index[r.Source.ID]; ok {
			attrs[i].ChunkCount++
			continue
		}
		index[r.Source.ID] = len(attrs)
		attrs = append(attrs, Attribution{
			SourceID:   r.Source.ID,
			Title:      r.Source.Title,
			SourceType: string(r.Source.Type),
			ChunkCount: 1,
		})
	}
	return attrs
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) >= 3 {
			terms[w] = struct{}{}
		}
	}
	return terms
}

// keywordScore is the fraction of query terms present in the chunk.
func keywordScore(terms map[string]struct{}, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// recencyScore decays with source age on a 30-day half-life curve.
func recencyScore(now, updatedAt time.Time) float64 {
	if updatedAt.IsZero() || updatedAt.After(now) {
		return 1
	}
	ageDays := now.Sub(updatedAt).Hours() / 24
	return math.Pow(0.5, ageDays/30)
}

// diversityScore penalizes sources that already contributed chunks.
func diversityScore(alreadySelected int) float64 {
	return 1 / float64(alreadySelected+1)
}

// SortByChunkIndex orders results for prompt assembly: grouped by source,
// chunks in document order.
func SortByChunkIndex(results []ScoredResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Source.ID != results[j].Source.ID {
			return results[i].Source.ID < results[j].Source.ID
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
}
