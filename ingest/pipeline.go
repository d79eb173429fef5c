package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/chunker"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/compression"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/dedup"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/extract"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/internal/metrics"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/tokenizer"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// Phase names recorded on timings and on ingestion errors.
const (
	PhaseExtract  = "extract"
	PhaseCompress = "compress"
	PhaseChunk    = "chunk"
	PhaseDedup    = "dedup"
	PhaseEmbed    = "embed"
	PhaseStore    = "store"
)

// Embedder turns document texts into vectors, preserving input order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, agentID, preferred string, texts []string) ([][]float32, error)
}

// Invalidator drops cached answers for an agent after its corpus changes.
type Invalidator interface {
	Invalidate(ctx context.Context, agentID string)
}

// Input is one document handed to the pipeline.
type Input struct {
	AgentID string           `json:"agent_id"`
	Type    store.SourceType `json:"type"`
	Title   string           `json:"title,omitempty"`
	URL     string           `json:"url,omitempty"`
	Content string           `json:"content"`

	// ParentID links crawled child pages to their root source.
	ParentID *string `json:"parent_id,omitempty"`
}

// PhaseTiming is the wall-clock duration of one completed phase.
type PhaseTiming struct {
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// Result summarizes one source's run.
type Result struct {
	Source          *store.Source `json:"source"`
	ChunksCreated   int           `json:"chunks_created"`
	DuplicateChunks int           `json:"duplicate_chunks"`
	Phases          []PhaseTiming `json:"phases"`
}

// BatchResult summarizes a multi-source run.
type BatchResult struct {
	Job     *store.TrainingJob `json:"job"`
	Results []*Result          `json:"results"`
	Failed  int                `json:"failed"`
}

// Config controls pipeline behavior.
type Config struct {
	// EmbeddingModel names the model chunks are embedded with; it keys
	// the per-(chunk, model) embedding rows.
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model"`
	// PreferredProvider routes embedding calls; empty uses the default.
	PreferredProvider string `yaml:"preferred_provider" json:"preferred_provider"`
	// Concurrency bounds how many sources of a batch run at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// ChunkOptions sizes the chunks; zero values fall back to defaults.
	ChunkOptions chunker.Options `yaml:"chunk_options" json:"chunk_options"`
}

func normalizeConfig(cfg Config) Config {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return cfg
}

// Pipeline runs documents through extraction, archival compression,
// chunking, deduplication, and embedding into the store.
type Pipeline struct {
	store     store.Store
	embedder  Embedder
	extractor *extract.Extractor
	engine    *compression.Engine
	dedup     *dedup.Deduplicator
	chunker   *chunker.Chunker
	cache     Invalidator
	metrics   *metrics.Collector
	cfg       Config
	logger    *zap.Logger
}

// NewPipeline creates an ingestion pipeline over the given store and
// embedder.
func NewPipeline(st store.Store, embedder Embedder, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = normalizeConfig(cfg)
	return &Pipeline{
		store:     st,
		embedder:  embedder,
		extractor: extract.NewExtractor(logger),
		engine:    compression.NewEngine(logger),
		dedup:     dedup.NewDeduplicator(st, logger),
		chunker:   chunker.NewChunker(tokenizer.GetTokenizerOrEstimator(cfg.EmbeddingModel), logger),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "ingest")),
	}
}

// WithCache wires answer-cache invalidation after successful runs.
func (p *Pipeline) WithCache(inv Invalidator) *Pipeline {
	p.cache = inv
	return p
}

// WithMetrics wires ingestion counters and phase histograms.
func (p *Pipeline) WithMetrics(m *metrics.Collector) *Pipeline {
	p.metrics = m
	return p
}

// IngestSource runs one document through every phase. The source row is
// persisted as soon as extraction and compression finish, so a later
// phase failure leaves the completed phases' data in place with the
// source marked failed.
func (p *Pipeline) IngestSource(ctx context.Context, in Input) (*Result, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	src := &store.Source{
		ID:             uuid.NewString(),
		AgentID:        in.AgentID,
		Type:           in.Type,
		Title:          in.Title,
		URL:            in.URL,
		RawContent:     in.Content,
		ParentID:       in.ParentID,
		TrainingStatus: store.TrainingInProgress,
		IsActive:       true,
	}
	res := &Result{Source: src}

	mode, err := p.runPrepare(res, in, src)
	if err != nil {
		p.recordOutcome(src, "failed")
		return res, err
	}

	if err := p.store.CreateSource(ctx, src); err != nil {
		p.recordOutcome(src, "failed")
		return res, phaseErr(PhaseStore, "persisting source", err)
	}

	if err := p.runChunked(ctx, res, src, mode); err != nil {
		src.TrainingStatus = store.TrainingFailed
		if uerr := p.store.UpdateSource(ctx, src); uerr != nil {
			p.logger.Warn("marking source failed", zap.String("source_id", src.ID), zap.Error(uerr))
		}
		p.recordOutcome(src, "failed")
		return res, err
	}

	src.TrainingStatus = store.TrainingCompleted
	if err := p.store.UpdateSource(ctx, src); err != nil {
		p.recordOutcome(src, "failed")
		return res, phaseErr(PhaseStore, "finalizing source", err)
	}

	if p.cache != nil {
		p.cache.Invalidate(ctx, src.AgentID)
	}
	p.recordOutcome(src, "completed")
	p.logger.Info("source ingested",
		zap.String("source_id", src.ID),
		zap.String("agent_id", src.AgentID),
		zap.Int("chunks", res.ChunksCreated),
		zap.Int("duplicates", res.DuplicateChunks))
	return res, nil
}

// runPrepare covers the phases that only touch the source row: content
// extraction and archival compression.
func (p *Pipeline) runPrepare(res *Result, in Input, src *store.Source) (compression.ProcessingMode, error) {
	start := time.Now()
	cleaned := p.extractContent(in, src)
	if strings.TrimSpace(cleaned) == "" {
		return "", phaseErr(PhaseExtract, "no textual content after extraction", nil)
	}
	src.CleanedContent = cleaned
	p.finishPhase(res, PhaseExtract, start)

	start = time.Now()
	analysis := compression.Analyze(cleaned)
	mode := compression.SelectMode(analysis, len(in.Content))
	cres := p.engine.Compress([]byte(in.Content))
	src.CompressedContent = cres.Data
	src.OriginalSize = cres.OriginalSize
	src.CompressedSize = cres.CompressedSize
	src.CompressionRatio = cres.Ratio
	src.CompressionMethod = string(cres.Method)
	p.finishPhase(res, PhaseCompress, start)

	p.logger.Debug("source analyzed",
		zap.String("content_type", string(analysis.ContentType)),
		zap.String("mode", string(mode)),
		zap.Float64("compression_ratio", cres.Ratio))
	return mode, nil
}

// runChunked covers chunking, dedup, embedding, and chunk persistence.
func (p *Pipeline) runChunked(ctx context.Context, res *Result, src *store.Source, mode compression.ProcessingMode) error {
	start := time.Now()
	chunks := p.makeChunks(src.CleanedContent, mode)
	if len(chunks) == 0 {
		return phaseErr(PhaseChunk, "no chunks above quality floor", nil)
	}
	src.Keywords = aggregateKeywords(chunks, 10)
	p.finishPhase(res, PhaseChunk, start)

	start = time.Now()
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	// The admission stays held until the chunks are persisted, so a
	// concurrent identical batch for the same agent sees these canonicals
	// at its hash lookup instead of racing past it.
	adm, err := p.dedup.Admit(ctx, src.AgentID, texts)
	if err != nil {
		return phaseErr(PhaseDedup, "resolving duplicate chunks", err)
	}
	defer adm.Release()
	decisions := adm.Decisions
	p.finishPhase(res, PhaseDedup, start)

	records := buildChunkRecords(src, chunks, decisions)
	fresh := make([]int, 0, len(records)) // batch ordinals needing embeddings
	for i, rec := range records {
		if !rec.IsDuplicate {
			fresh = append(fresh, i)
		}
	}
	res.ChunksCreated = len(records)
	res.DuplicateChunks = len(records) - len(fresh)

	var vectors [][]float32
	if len(fresh) > 0 {
		start = time.Now()
		freshTexts := make([]string, len(fresh))
		for i, ord := range fresh {
			freshTexts[i] = records[ord].Content
		}
		vectors, err = p.embedder.EmbedDocuments(ctx, src.AgentID, p.cfg.PreferredProvider, freshTexts)
		if err != nil {
			return phaseErr(PhaseEmbed, "embedding chunks", err)
		}
		if len(vectors) != len(fresh) {
			return phaseErr(PhaseEmbed,
				fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(fresh)), nil)
		}
		p.finishPhase(res, PhaseEmbed, start)
	}

	start = time.Now()
	if err := p.store.CreateChunks(ctx, records); err != nil {
		return phaseErr(PhaseStore, "persisting chunks", err)
	}
	for i, ord := range fresh {
		emb := &store.Embedding{
			ChunkID: records[ord].ID,
			AgentID: src.AgentID,
			Model:   p.cfg.EmbeddingModel,
			Vector:  store.EncodeVector(vectors[i]),
		}
		if err := p.store.UpsertEmbedding(ctx, emb); err != nil {
			return phaseErr(PhaseStore, "persisting embeddings", err)
		}
	}
	p.finishPhase(res, PhaseStore, start)

	if p.metrics != nil {
		p.metrics.RecordChunks(string(src.Type), len(fresh), res.DuplicateChunks)
	}
	return nil
}

// IngestBatch runs a set of sources concurrently under one training job,
// updating the job's counters as sources finish. Individual source
// failures do not abort the rest of the batch; the job fails only when
// every source fails.
func (p *Pipeline) IngestBatch(ctx context.Context, jobID string, inputs []Input) (*BatchResult, error) {
	if jobID == "" {
		return nil, types.NewError(types.ErrValidation, "training job id is required").WithHTTPStatus(400)
	}
	if len(inputs) == 0 {
		return nil, types.NewError(types.ErrValidation, "at least one source is required").WithHTTPStatus(400)
	}

	job, err := p.store.GetTrainingJob(ctx, jobID)
	if err != nil {
		return nil, phaseErr(PhaseStore, "loading training job", err)
	}
	now := time.Now()
	job.Status = store.JobInProgress
	job.TotalSources = len(inputs)
	job.StartedAt = &now
	if err := p.store.UpdateTrainingJob(ctx, job); err != nil {
		return nil, phaseErr(PhaseStore, "starting training job", err)
	}

	var (
		mu      sync.Mutex
		results = make([]*Result, 0, len(inputs))
		failed  int
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, in := range inputs {
		g.Go(func() error {
			res, err := p.IngestSource(gctx, in)

			mu.Lock()
			defer mu.Unlock()
			job.ProcessedSources++
			if err != nil {
				failed++
				lastErr = err
				p.logger.Warn("source failed",
					zap.String("agent_id", in.AgentID),
					zap.String("title", in.Title),
					zap.Error(err))
			} else {
				results = append(results, res)
				job.TotalChunks += res.ChunksCreated
				job.ProcessedChunks += res.ChunksCreated
			}
			if uerr := p.store.UpdateTrainingJob(gctx, job); uerr != nil {
				p.logger.Warn("updating training job", zap.String("job_id", job.ID), zap.Error(uerr))
			}
			// Source failures are tallied, not propagated, so the
			// group keeps draining the batch.
			return nil
		})
	}
	_ = g.Wait()

	ended := time.Now()
	job.EndedAt = &ended
	if failed == len(inputs) {
		job.Status = store.JobFailed
		if lastErr != nil {
			job.Error = lastErr.Error()
		}
	} else {
		job.Status = store.JobCompleted
	}
	if err := p.store.UpdateTrainingJob(ctx, job); err != nil {
		return nil, phaseErr(PhaseStore, "finalizing training job", err)
	}

	batch := &BatchResult{Job: job, Results: results, Failed: failed}
	if job.Status == store.JobFailed {
		return batch, types.NewError(types.ErrIngestionPhase, "every source in the batch failed").
			WithCause(lastErr).WithHTTPStatus(500)
	}
	return batch, nil
}

// extractContent normalizes the raw input into retrievable text and fills
// the extraction metadata on the source.
func (p *Pipeline) extractContent(in Input, src *store.Source) string {
	if in.Type == store.SourceTypeWebsite {
		ext := p.extractor.Extract(in.Content, in.URL)
		if src.Title == "" {
			src.Title = ext.Title
		}
		src.Summary = ext.Excerpt
		src.ExtractionMethod = string(ext.Method)
		return ext.Content
	}
	src.ExtractionMethod = "plain"
	return strings.TrimSpace(in.Content)
}

// makeChunks applies the processing mode: summary-sized sources keep a
// relaxed minimum so a single small chunk survives the quality floor.
func (p *Pipeline) makeChunks(text string, mode compression.ProcessingMode) []chunker.Chunk {
	text = dedup.DedupSentences(text)
	opts := p.cfg.ChunkOptions
	if mode == compression.ModeSummary {
		opts = chunker.DefaultOptions()
		opts.MinSize = 1
		opts.OverlapSize = 0
	}
	return p.chunker.CreateChunks(text, opts)
}

// aggregateKeywords merges per-chunk keywords into the source-level set,
// ranked by how many chunks carry them, capped at limit and comma-joined
// to match the stored format.
func aggregateKeywords(chunks []chunker.Chunk, limit int) string {
	counts := make(map[string]int)
	for _, ch := range chunks {
		for _, kw := range ch.Keywords {
			counts[kw]++
		}
	}
	ranked := make([]string, 0, len(counts))
	for kw := range counts {
		ranked = append(ranked, kw)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return strings.Join(ranked, ",")
}

// buildChunkRecords maps chunker output and dedup decisions onto store
// rows. Within-batch duplicates point at the first occurrence's fresh id;
// cross-batch duplicates point at the stored canonical chunk.
func buildChunkRecords(src *store.Source, chunks []chunker.Chunk, decisions []dedup.Decision) []store.Chunk {
	records := make([]store.Chunk, len(chunks))
	for i, ch := range chunks {
		rec := store.Chunk{
			ID:           uuid.NewString(),
			SourceID:     src.ID,
			AgentID:      src.AgentID,
			Index:        ch.Index,
			Content:      ch.Content,
			TokenCount:   ch.TokenCount,
			ContentType:  string(ch.ContentType),
			Complexity:   string(ch.Complexity),
			QualityScore: ch.QualityScore,
			Keywords:     strings.Join(ch.Keywords, ","),
			ContentHash:  decisions[i].Hash,
		}
		if decisions[i].Duplicate {
			rec.IsDuplicate = true
			canonical := decisions[i].CanonicalID
			if canonical == "" {
				canonical = records[decisions[i].CanonicalIndex].ID
			}
			rec.DuplicateOfID = &canonical
		}
		records[i] = rec
	}
	return records
}

func validateInput(in Input) error {
	verr := &types.ValidationError{}
	if strings.TrimSpace(in.AgentID) == "" {
		verr.Add("agent_id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		verr.Add("content is required")
	}
	switch in.Type {
	case store.SourceTypeText, store.SourceTypeFile, store.SourceTypeWebsite, store.SourceTypeQA:
	default:
		verr.Add("unknown source type %q", in.Type)
	}
	return verr.Err()
}

func phaseErr(phase, message string, cause error) error {
	e := types.NewError(types.ErrIngestionPhase, message).WithPhase(phase).WithHTTPStatus(500)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

func (p *Pipeline) finishPhase(res *Result, phase string, start time.Time) {
	d := time.Since(start)
	res.Phases = append(res.Phases, PhaseTiming{Phase: phase, Duration: d})
	if p.metrics != nil {
		p.metrics.RecordIngestPhase(phase, d)
	}
}

func (p *Pipeline) recordOutcome(src *store.Source, status string) {
	if p.metrics != nil {
		p.metrics.RecordSourceIngested(string(src.Type), status)
	}
}
