package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/ingest"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// Ingestor is the pipeline surface the sources endpoint needs.
type Ingestor interface {
	IngestBatch(ctx context.Context, jobID string, inputs []ingest.Input) (*ingest.BatchResult, error)
}

// JobCreator opens training jobs ahead of a batch run.
type JobCreator interface {
	CreateTrainingJob(ctx context.Context, job *store.TrainingJob) error
}

// IngestRequest is the POST /v1/sources body. The top-level agent id
// fills any source that omits its own.
type IngestRequest struct {
	AgentID string         `json:"agent_id"`
	Sources []ingest.Input `json:"sources"`
}

// IngestResponse summarizes a finished batch.
type IngestResponse struct {
	Job       *store.TrainingJob `json:"job"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Results   []*ingest.Result   `json:"results"`
}

// SourcesHandler serves the ingestion endpoint.
type SourcesHandler struct {
	pipeline Ingestor
	jobs     JobCreator
	logger   *zap.Logger
}

// NewSourcesHandler creates the ingestion endpoint handler.
func NewSourcesHandler(pipeline Ingestor, jobs JobCreator, logger *zap.Logger) *SourcesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourcesHandler{
		pipeline: pipeline,
		jobs:     jobs,
		logger:   logger.With(zap.String("component", "sources_handler")),
	}
}

// HandleIngest answers POST /v1/sources: it opens a training job and runs
// every submitted source through the pipeline.
func (h *SourcesHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	var req IngestRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	verr := &types.ValidationError{}
	if strings.TrimSpace(req.AgentID) == "" {
		verr.Add("agent_id is required")
	}
	if len(req.Sources) == 0 {
		verr.Add("at least one source is required")
	}
	if err := verr.Err(); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	for i := range req.Sources {
		if req.Sources[i].AgentID == "" {
			req.Sources[i].AgentID = req.AgentID
		}
	}

	job := &store.TrainingJob{ID: uuid.NewString(), AgentID: req.AgentID, Status: store.JobPending}
	if err := h.jobs.CreateTrainingJob(r.Context(), job); err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "creating training job").WithCause(err), h.logger)
		return
	}

	batch, err := h.pipeline.IngestBatch(r.Context(), job.ID, req.Sources)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteSuccess(w, IngestResponse{
		Job:       batch.Job,
		Succeeded: len(batch.Results),
		Failed:    batch.Failed,
		Results:   batch.Results,
	})
}
