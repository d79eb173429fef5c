package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition indicates a training job status change that would
// move backwards or resurrect a terminal job.
var ErrInvalidTransition = errors.New("invalid training job transition")

// SearchFilter scopes a similarity search.
type SearchFilter struct {
	// Model restricts matches to embeddings generated by this model.
	Model string
	// SourceTypes restricts matches to the given source types; empty
	// means all types.
	SourceTypes []SourceType
	// MinSimilarity drops candidates below this cosine similarity.
	MinSimilarity float64
	// Limit caps the number of returned candidates.
	Limit int
}

// ScoredChunk is one similarity-search candidate with its attribution.
type ScoredChunk struct {
	Chunk      Chunk   `json:"chunk"`
	Source     Source  `json:"source"`
	Similarity float64 `json:"similarity"`
}

// Store is the persistence boundary required by the pipeline.
type Store interface {
	CreateSource(ctx context.Context, src *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	UpdateSource(ctx context.Context, src *Source) error
	DeactivateSource(ctx context.Context, id string) error
	DeleteSource(ctx context.Context, id string) error
	ListSources(ctx context.Context, agentID string) ([]Source, error)

	CreateChunks(ctx context.Context, chunks []Chunk) error
	ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error)
	CanonicalByHash(ctx context.Context, agentID string, hashes []string) (map[string]string, error)

	UpsertEmbedding(ctx context.Context, emb *Embedding) error
	SimilaritySearch(ctx context.Context, agentID string, query []float32, filter SearchFilter) ([]ScoredChunk, error)

	AppendUsage(ctx context.Context, rec *UsageRecord) error

	CreateTrainingJob(ctx context.Context, job *TrainingJob) error
	GetTrainingJob(ctx context.Context, id string) (*TrainingJob, error)
	UpdateTrainingJob(ctx context.Context, job *TrainingJob) error

	Close() error
}

// GormStore is the GORM-backed reference implementation.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// OpenSQLite opens (or creates) a SQLite-backed store. ":memory:" gives an
// in-memory database for tests.
func OpenSQLite(path string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One connection keeps ":memory:" databases coherent across the pool
	// and serializes concurrent writers.
	if sqlDB, derr := db.DB(); derr == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return newGormStore(db, logger)
}

// OpenPostgres opens a PostgreSQL-backed store.
func OpenPostgres(dsn string, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return newGormStore(db, logger)
}

func newGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(
		&Source{},
		&Chunk{},
		&Embedding{},
		&UsageRecord{},
		&TrainingJob{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// ====== sources ======

func (s *GormStore) CreateSource(ctx context.Context, src *Source) error {
	return s.db.WithContext(ctx).Create(src).Error
}

func (s *GormStore) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.db.WithContext(ctx).First(&src, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *GormStore) UpdateSource(ctx context.Context, src *Source) error {
	return s.db.WithContext(ctx).Save(src).Error
}

// DeactivateSource soft-deletes a source: it disappears from retrieval but
// stays in the store until explicitly purged.
func (s *GormStore) DeactivateSource(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Source{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSource hard-deletes a source, cascading to child sources, chunks
// and their embeddings. Usage records are deliberately untouched.
func (s *GormStore) DeleteSource(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var children []Source
		if err := tx.Select("id").Find(&children, "parent_id = ?", id).Error; err != nil {
			return err
		}
		ids := []string{id}
		for _, c := range children {
			ids = append(ids, c.ID)
		}

		var chunkIDs []string
		if err := tx.Model(&Chunk{}).Where("source_id IN ?", ids).
			Pluck("id", &chunkIDs).Error; err != nil {
			return err
		}
		if len(chunkIDs) > 0 {
			if err := tx.Delete(&Embedding{}, "chunk_id IN ?", chunkIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&Chunk{}, "source_id IN ?", ids).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Source{}, "id IN ?", ids).Error
	})
}

func (s *GormStore) ListSources(ctx context.Context, agentID string) ([]Source, error) {
	var sources []Source
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND is_active = ?", agentID, true).
		Order("created_at").
		Find(&sources).Error
	return sources, err
}

// ====== chunks ======

func (s *GormStore) CreateChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(chunks, 100).Error
}

func (s *GormStore) ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("chunk_index").
		Find(&chunks).Error
	return chunks, err
}

// CanonicalByHash returns, for each hash that already has a canonical
// (non-duplicate) chunk for the agent, that chunk's id. Satisfies
// dedup.HashIndex.
func (s *GormStore) CanonicalByHash(ctx context.Context, agentID string, hashes []string) (map[string]string, error) {
	if len(hashes) == 0 {
		return map[string]string{}, nil
	}
	var rows []Chunk
	err := s.db.WithContext(ctx).
		Select("id", "content_hash").
		Where("agent_id = ? AND is_duplicate = ? AND content_hash IN ?", agentID, false, hashes).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		if _, ok := out[row.ContentHash]; !ok {
			out[row.ContentHash] = row.ID
		}
	}
	return out, nil
}

// ====== embeddings ======

// UpsertEmbedding writes the embedding for (chunk, model), replacing any
// previous vector. Retried ingestion therefore never creates duplicates.
func (s *GormStore) UpsertEmbedding(ctx context.Context, emb *Embedding) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Embedding{}, "chunk_id = ? AND model = ?",
			emb.ChunkID, emb.Model).Error; err != nil {
			return err
		}
		return tx.Create(emb).Error
	})
}

// SimilaritySearch scans the agent's embeddings for the given model and
// ranks them by cosine similarity. The reference implementation computes
// similarity in process; a pgvector-capable store can push this down.
func (s *GormStore) SimilaritySearch(ctx context.Context, agentID string, query []float32, filter SearchFilter) ([]ScoredChunk, error) {
	var embeddings []Embedding
	q := s.db.WithContext(ctx).
		Where("agent_id = ? AND model = ?", agentID, filter.Model)
	if err := q.Find(&embeddings).Error; err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return []ScoredChunk{}, nil
	}

	chunkIDs := make([]string, 0, len(embeddings))
	for _, e := range embeddings {
		chunkIDs = append(chunkIDs, e.ChunkID)
	}

	var chunks []Chunk
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND is_duplicate = ?", chunkIDs, false).
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	chunkByID := make(map[string]Chunk, len(chunks))
	sourceIDs := make(map[string]struct{})
	for _, c := range chunks {
		chunkByID[c.ID] = c
		sourceIDs[c.SourceID] = struct{}{}
	}

	ids := make([]string, 0, len(sourceIDs))
	for id := range sourceIDs {
		ids = append(ids, id)
	}
	var sources []Source
	if len(ids) > 0 {
		sq := s.db.WithContext(ctx).Where("id IN ? AND is_active = ?", ids, true)
		if len(filter.SourceTypes) > 0 {
			sq = sq.Where("type IN ?", filter.SourceTypes)
		}
		if err := sq.Find(&sources).Error; err != nil {
			return nil, err
		}
	}
	sourceByID := make(map[string]Source, len(sources))
	for _, src := range sources {
		sourceByID[src.ID] = src
	}

	results := make([]ScoredChunk, 0, len(embeddings))
	for _, e := range embeddings {
		chunk, ok := chunkByID[e.ChunkID]
		if !ok {
			continue
		}
		source, ok := sourceByID[chunk.SourceID]
		if !ok {
			continue // inactive or filtered-out source
		}
		vec, err := DecodeVector(e.Vector)
		if err != nil {
			s.logger.Warn("corrupt embedding vector skipped",
				zap.String("chunk_id", e.ChunkID),
				zap.Error(err))
			continue
		}
		sim := CosineSimilarity(query, vec)
		if sim < filter.MinSimilarity {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk:      chunk,
			Source:     source,
			Similarity: sim,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// ====== usage ======

func (s *GormStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// ====== training jobs ======

func (s *GormStore) CreateTrainingJob(ctx context.Context, job *TrainingJob) error {
	if job.Status == "" {
		job.Status = JobPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) GetTrainingJob(ctx context.Context, id string) (*TrainingJob, error) {
	var job TrainingJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateTrainingJob persists job progress. Status may only move forward
// (pending -> in_progress -> completed|failed); a terminal job is never
// resurrected.
func (s *GormStore) UpdateTrainingJob(ctx context.Context, job *TrainingJob) error {
	current, err := s.GetTrainingJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if jobRank[job.Status] < jobRank[current.Status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, job.Status)
	}
	if jobRank[current.Status] == 2 && job.Status != current.Status {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current.Status)
	}
	return s.db.WithContext(ctx).Save(job).Error
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
