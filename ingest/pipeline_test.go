package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/chunker"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
	fail  error
	delay time.Duration
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, _, _ string, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.texts += len(texts)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		return nil, f.fail
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = []float32{float32(len(t)), 1, 0}
	}
	return vectors, nil
}

type fakeInvalidator struct {
	mu     sync.Mutex
	agents []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agentID)
}

func newTestPipeline(t *testing.T, emb Embedder) (*Pipeline, *store.GormStore) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		EmbeddingModel: "test-model",
		ChunkOptions:   chunker.Options{TargetSize: 60, MaxSize: 100, MinSize: 5, OverlapSize: 0, DynamicSizing: false},
	}
	return NewPipeline(st, emb, cfg, zap.NewNop()), st
}

// articleText yields enough distinct sentences to produce several chunks.
func articleText(sentences int) string {
	var sb strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&sb, "Section %d explains how the billing exporter aggregates invoice line items for tenant %d. ", i, i*7)
	}
	return sb.String()
}

func TestIngestSourceText(t *testing.T) {
	emb := &fakeEmbedder{}
	p, st := newTestPipeline(t, emb)

	res, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-1",
		Type:    store.SourceTypeText,
		Title:   "Billing exporter",
		Content: articleText(60),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Source)

	src, err := st.GetSource(context.Background(), res.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TrainingCompleted, src.TrainingStatus)
	assert.NotEmpty(t, src.CleanedContent)
	assert.NotEmpty(t, src.CompressedContent)
	assert.Greater(t, src.OriginalSize, 0)
	assert.NotEmpty(t, src.CompressionMethod)
	assert.NotEmpty(t, src.Keywords)

	chunks, err := st.ChunksBySource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.False(t, ch.IsDuplicate)
		assert.NotEmpty(t, ch.ContentHash)
	}
	assert.Equal(t, len(chunks), res.ChunksCreated)
	assert.Zero(t, res.DuplicateChunks)
	assert.Equal(t, len(chunks), emb.texts)

	phases := make([]string, len(res.Phases))
	for i, ph := range res.Phases {
		phases[i] = ph.Phase
	}
	assert.Equal(t, []string{PhaseExtract, PhaseCompress, PhaseChunk, PhaseDedup, PhaseEmbed, PhaseStore}, phases)
}

func TestIngestSourceWebsite(t *testing.T) {
	emb := &fakeEmbedder{}
	p, st := newTestPipeline(t, emb)

	html := `<html><head><title>Refund Policy</title></head><body>
		<nav>Home About Contact</nav>
		<main><p>Refunds are issued within thirty days of purchase when the item is returned unused.</p></main>
		<footer>copyright</footer></body></html>`
	res, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-1",
		Type:    store.SourceTypeWebsite,
		URL:     "https://example.com/refunds",
		Content: html,
	})
	require.NoError(t, err)

	src, err := st.GetSource(context.Background(), res.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, "Refund Policy", src.Title)
	assert.NotEmpty(t, src.ExtractionMethod)
	assert.NotContains(t, src.CleanedContent, "<p>")
	assert.NotContains(t, src.CleanedContent, "Home About Contact")

	// Small informational pages still yield a retrievable chunk.
	chunks, err := st.ChunksBySource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "thirty days")
}

func TestIngestIdempotent(t *testing.T) {
	emb := &fakeEmbedder{}
	p, st := newTestPipeline(t, emb)
	content := articleText(60)

	first, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-1", Type: store.SourceTypeText, Title: "v1", Content: content,
	})
	require.NoError(t, err)
	require.Zero(t, first.DuplicateChunks)
	callsAfterFirst := emb.calls

	second, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-1", Type: store.SourceTypeText, Title: "v2", Content: content,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ChunksCreated, second.ChunksCreated)
	assert.Equal(t, second.ChunksCreated, second.DuplicateChunks)
	assert.Equal(t, callsAfterFirst, emb.calls, "duplicate run must not embed")

	firstChunks, err := st.ChunksBySource(context.Background(), first.Source.ID)
	require.NoError(t, err)
	canonical := make(map[string]string, len(firstChunks))
	for _, ch := range firstChunks {
		canonical[ch.ContentHash] = ch.ID
	}
	secondChunks, err := st.ChunksBySource(context.Background(), second.Source.ID)
	require.NoError(t, err)
	for _, ch := range secondChunks {
		assert.True(t, ch.IsDuplicate)
		require.NotNil(t, ch.DuplicateOfID)
		assert.Equal(t, canonical[ch.ContentHash], *ch.DuplicateOfID)
	}
}

func TestIngestConcurrentIdenticalSources(t *testing.T) {
	emb := &fakeEmbedder{delay: 150 * time.Millisecond}
	p, st := newTestPipeline(t, emb)
	content := articleText(60)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.IngestSource(context.Background(), Input{
				AgentID: "agent-race",
				Type:    store.SourceTypeText,
				Title:   fmt.Sprintf("copy-%d", i),
				Content: content,
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Exactly one run embeds and owns the canonical chunks; the other is
	// demoted to duplicates in full.
	assert.Equal(t, 1, emb.calls)
	created := results[0].ChunksCreated
	assert.Equal(t, created, results[1].ChunksCreated)
	assert.Equal(t, created, results[0].DuplicateChunks+results[1].DuplicateChunks)

	canonical := 0
	for _, res := range results {
		chunks, err := st.ChunksBySource(context.Background(), res.Source.ID)
		require.NoError(t, err)
		for _, ch := range chunks {
			if ch.IsDuplicate {
				require.NotNil(t, ch.DuplicateOfID)
			} else {
				canonical++
			}
		}
	}
	assert.Equal(t, created, canonical)
}

func TestAggregateKeywords(t *testing.T) {
	chunks := []chunker.Chunk{
		{Keywords: []string{"invoice", "billing", "export"}},
		{Keywords: []string{"billing", "tenant"}},
		{Keywords: []string{"billing", "invoice", "ledger"}},
	}

	got := aggregateKeywords(chunks, 3)
	assert.Equal(t, "billing,invoice,export", got)

	all := strings.Split(aggregateKeywords(chunks, 10), ",")
	assert.Len(t, all, 5)
	assert.Equal(t, "billing", all[0])
}

func TestIngestDifferentAgentsDoNotShareHashes(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _ := newTestPipeline(t, emb)
	content := articleText(40)

	a, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-a", Type: store.SourceTypeText, Content: content,
	})
	require.NoError(t, err)
	b, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-b", Type: store.SourceTypeText, Content: content,
	})
	require.NoError(t, err)
	assert.Zero(t, a.DuplicateChunks)
	assert.Zero(t, b.DuplicateChunks)
}

func TestIngestEmbedFailurePreservesEarlierPhases(t *testing.T) {
	emb := &fakeEmbedder{fail: types.NewError(types.ErrUpstreamError, "provider down")}
	p, st := newTestPipeline(t, emb)

	res, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-1", Type: store.SourceTypeText, Title: "doomed", Content: articleText(60),
	})
	require.Error(t, err)

	var terr *types.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, types.ErrIngestionPhase, terr.Code)
	assert.Equal(t, PhaseEmbed, terr.Phase)

	src, gerr := st.GetSource(context.Background(), res.Source.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.TrainingFailed, src.TrainingStatus)
	assert.NotEmpty(t, src.CleanedContent)
	assert.NotEmpty(t, src.CompressedContent)

	chunks, gerr := st.ChunksBySource(context.Background(), src.ID)
	require.NoError(t, gerr)
	assert.Empty(t, chunks)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEmbedder{})

	_, err := p.IngestSource(context.Background(), Input{Type: "carrier-pigeon"})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "agent_id is required")
	assert.Contains(t, msg, "content is required")
	assert.Contains(t, msg, "carrier-pigeon")
}

func TestIngestInvalidatesCache(t *testing.T) {
	inv := &fakeInvalidator{}
	p, _ := newTestPipeline(t, &fakeEmbedder{})
	p.WithCache(inv)

	_, err := p.IngestSource(context.Background(), Input{
		AgentID: "agent-1", Type: store.SourceTypeText, Content: articleText(40),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, inv.agents)
}

func TestIngestBatch(t *testing.T) {
	emb := &fakeEmbedder{}
	p, st := newTestPipeline(t, emb)

	job := &store.TrainingJob{ID: uuid.NewString(), AgentID: "agent-1", Status: store.JobPending}
	require.NoError(t, st.CreateTrainingJob(context.Background(), job))

	inputs := []Input{
		{AgentID: "agent-1", Type: store.SourceTypeText, Title: "one", Content: articleText(40)},
		{AgentID: "agent-1", Type: store.SourceTypeText, Title: "two", Content: articleText(40) + " Closing remarks differ here."},
		{AgentID: "agent-1", Type: store.SourceTypeText, Title: "empty"},
	}
	batch, err := p.IngestBatch(context.Background(), job.ID, inputs)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Failed)
	assert.Len(t, batch.Results, 2)

	final, err := st.GetTrainingJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, final.Status)
	assert.Equal(t, 3, final.ProcessedSources)
	assert.Greater(t, final.TotalChunks, 0)
	assert.Equal(t, final.TotalChunks, final.ProcessedChunks)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.EndedAt)
}

func TestIngestBatchAllFailed(t *testing.T) {
	p, st := newTestPipeline(t, &fakeEmbedder{})

	job := &store.TrainingJob{ID: uuid.NewString(), AgentID: "agent-1", Status: store.JobPending}
	require.NoError(t, st.CreateTrainingJob(context.Background(), job))

	_, err := p.IngestBatch(context.Background(), job.ID, []Input{
		{AgentID: "agent-1", Type: store.SourceTypeText},
		{AgentID: "", Type: store.SourceTypeText, Content: "x"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrIngestionPhase, types.GetErrorCode(err))

	final, gerr := st.GetTrainingJob(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.JobFailed, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestIngestBatchRequiresJob(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEmbedder{})

	_, err := p.IngestBatch(context.Background(), "", []Input{{AgentID: "a", Type: store.SourceTypeText, Content: "x"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = p.IngestBatch(context.Background(), uuid.NewString(), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}
