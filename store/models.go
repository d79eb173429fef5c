package store

import (
	"time"
)

// SourceType is the ingestion origin of a source.
type SourceType string

const (
	SourceTypeText    SourceType = "text"
	SourceTypeFile    SourceType = "file"
	SourceTypeWebsite SourceType = "website"
	SourceTypeQA      SourceType = "qa"
)

// TrainingStatus tracks a source through the ingestion phases.
type TrainingStatus string

const (
	TrainingPending    TrainingStatus = "pending"
	TrainingInProgress TrainingStatus = "in_progress"
	TrainingCompleted  TrainingStatus = "completed"
	TrainingFailed     TrainingStatus = "failed"
)

// Source is one document owned by an agent.
type Source struct {
	ID      string     `gorm:"primaryKey;size:36" json:"id"`
	AgentID string     `gorm:"size:36;not null;index" json:"agent_id"`
	Type    SourceType `gorm:"size:16;not null" json:"type"`
	Title   string     `gorm:"size:512" json:"title"`
	URL     string     `gorm:"size:2048" json:"url,omitempty"`

	RawContent     string `gorm:"type:text" json:"-"`
	CleanedContent string `gorm:"type:text" json:"-"`
	Summary        string `gorm:"type:text" json:"summary,omitempty"`
	Keywords       string `gorm:"type:text" json:"keywords,omitempty"` // comma-separated

	// Compression metadata for the archived raw content.
	CompressedContent []byte  `json:"-"`
	OriginalSize      int     `json:"original_size"`
	CompressedSize    int     `json:"compressed_size"`
	CompressionRatio  float64 `json:"compression_ratio"`
	CompressionMethod string  `gorm:"size:32" json:"compression_method"`

	ExtractionMethod string         `gorm:"size:32" json:"extraction_method"`
	CrawlStatus      string         `gorm:"size:16" json:"crawl_status,omitempty"`
	TrainingStatus   TrainingStatus `gorm:"size:16;not null;default:pending;index" json:"training_status"`

	// ParentID links child pages of a multi-page crawl to their root source.
	ParentID *string `gorm:"size:36;index" json:"parent_id,omitempty"`

	// IsActive is the soft-delete flag; deactivated sources are excluded
	// from retrieval but kept until explicitly purged.
	IsActive bool `gorm:"not null;default:true;index" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is an ordered, token-bounded slice of a source's cleaned content.
type Chunk struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	SourceID string `gorm:"size:36;not null;index:idx_chunk_source_idx,unique" json:"source_id"`
	AgentID  string `gorm:"size:36;not null;index" json:"agent_id"`
	Index    int    `gorm:"column:chunk_index;not null;index:idx_chunk_source_idx,unique" json:"index"`

	Content    string `gorm:"type:text;not null" json:"content"`
	TokenCount int    `gorm:"not null" json:"token_count"`

	ContentType  string  `gorm:"size:16" json:"content_type"`
	Complexity   string  `gorm:"size:16" json:"complexity"`
	QualityScore float64 `json:"quality_score"`
	Keywords     string  `gorm:"type:text" json:"keywords,omitempty"` // comma-separated

	ContentHash string `gorm:"size:64;not null;index" json:"content_hash"`

	// Duplicates are retained with a back-reference, never deleted; a
	// duplicate chunk never gets embeddings.
	IsDuplicate   bool    `gorm:"not null;default:false;index" json:"is_duplicate"`
	DuplicateOfID *string `gorm:"size:36" json:"duplicate_of_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Embedding is a vector tied 1:1 to a non-duplicate chunk, at most one per
// (chunk, model).
type Embedding struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	ChunkID string `gorm:"size:36;not null;index:idx_embedding_chunk_model,unique" json:"chunk_id"`
	AgentID string `gorm:"size:36;not null;index" json:"agent_id"`
	Model   string `gorm:"size:64;not null;index:idx_embedding_chunk_model,unique" json:"model"`

	// Vector is the float32 slice in little-endian binary form.
	Vector []byte `gorm:"not null" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// UsageKind distinguishes chat from embedding calls.
type UsageKind string

const (
	UsageChat      UsageKind = "chat"
	UsageEmbedding UsageKind = "embedding"
)

// UsageRecord is one append-only row per LLM or embedding call. Usage
// history survives source deletion for billing.
type UsageRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AgentID      string    `gorm:"size:36;index" json:"agent_id"`
	Provider     string    `gorm:"size:32;not null" json:"provider"`
	Model        string    `gorm:"size:64;not null" json:"model"`
	Kind         UsageKind `gorm:"size:16;not null" json:"kind"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// JobStatus is a TrainingJob's lifecycle state. Transitions are monotonic:
// pending -> in_progress -> completed|failed, never resurrected.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// jobRank orders statuses for the monotonic transition check.
var jobRank = map[JobStatus]int{
	JobPending:    0,
	JobInProgress: 1,
	JobCompleted:  2,
	JobFailed:     2,
}

// TrainingJob tracks a long-running ingestion run over a source set.
type TrainingJob struct {
	ID      string    `gorm:"primaryKey;size:36" json:"id"`
	AgentID string    `gorm:"size:36;not null;index" json:"agent_id"`
	Status  JobStatus `gorm:"size:16;not null;default:pending" json:"status"`

	TotalSources     int `json:"total_sources"`
	ProcessedSources int `json:"processed_sources"`
	TotalChunks      int `json:"total_chunks"`
	ProcessedChunks  int `json:"processed_chunks"`

	Error string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
