package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/ingest"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/store"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

type fakeIngestor struct {
	batch *ingest.BatchResult
	err   error

	lastJobID  string
	lastInputs []ingest.Input
}

func (f *fakeIngestor) IngestBatch(_ context.Context, jobID string, inputs []ingest.Input) (*ingest.BatchResult, error) {
	f.lastJobID = jobID
	f.lastInputs = inputs
	if f.err != nil {
		return nil, f.err
	}
	if f.batch != nil {
		return f.batch, nil
	}
	return &ingest.BatchResult{
		Job:     &store.TrainingJob{ID: jobID, Status: store.JobCompleted},
		Results: []*ingest.Result{{ChunksCreated: 3}},
	}, nil
}

type fakeJobCreator struct {
	created []*store.TrainingJob
	err     error
}

func (f *fakeJobCreator) CreateTrainingJob(_ context.Context, job *store.TrainingJob) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, job)
	return nil
}

func TestHandleIngest(t *testing.T) {
	ing := &fakeIngestor{}
	jobs := &fakeJobCreator{}
	h := NewSourcesHandler(ing, jobs, zap.NewNop())

	body := `{"agent_id":"agent-1","sources":[{"type":"text","title":"doc","content":"hello world"}]}`
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, httptest.NewRequest(http.MethodPost, "/v1/sources", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, jobs.created, 1)
	assert.Equal(t, "agent-1", jobs.created[0].AgentID)
	assert.Equal(t, jobs.created[0].ID, ing.lastJobID)

	// The top-level agent id propagates to sources that omit their own.
	require.Len(t, ing.lastInputs, 1)
	assert.Equal(t, "agent-1", ing.lastInputs[0].AgentID)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleIngestValidation(t *testing.T) {
	h := NewSourcesHandler(&fakeIngestor{}, &fakeJobCreator{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleIngest(rec, httptest.NewRequest(http.MethodPost, "/v1/sources", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Len(t, resp.Error.Violations, 2)
}

func TestHandleIngestBatchFailure(t *testing.T) {
	ing := &fakeIngestor{err: types.NewError(types.ErrIngestionPhase, "every source in the batch failed").WithPhase("embed").WithHTTPStatus(500)}
	h := NewSourcesHandler(ing, &fakeJobCreator{}, zap.NewNop())

	body := `{"agent_id":"agent-1","sources":[{"type":"text","content":"x"}]}`
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, httptest.NewRequest(http.MethodPost, "/v1/sources", strings.NewReader(body)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrIngestionPhase), resp.Error.Code)
	assert.Equal(t, "embed", resp.Error.Phase)
}

func TestHandleIngestJobCreationFailure(t *testing.T) {
	h := NewSourcesHandler(&fakeIngestor{}, &fakeJobCreator{err: errors.New("db down")}, zap.NewNop())

	body := `{"agent_id":"agent-1","sources":[{"type":"text","content":"x"}]}`
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, httptest.NewRequest(http.MethodPost, "/v1/sources", strings.NewReader(body)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
