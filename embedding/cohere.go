package embedding

import (
	"context"
	"encoding/json"
	"time"
)

// CohereConfig configures the Cohere embedding provider.
type CohereConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Model   string        `yaml:"model" json:"model"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// CohereProvider implements embedding over Cohere's API.
type CohereProvider struct {
	*BaseProvider
	cfg CohereConfig
}

// NewCohereProvider creates a new Cohere embedding provider.
func NewCohereProvider(cfg CohereConfig) *CohereProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cohere.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "embed-v3.5"
	}

	return &CohereProvider{
		BaseProvider: NewBaseProvider(BaseConfig{
			Name:       "cohere-embedding",
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: 1024,
			MaxBatch:   96,
			Timeout:    cfg.Timeout,
		}),
		cfg: cfg,
	}
}

var _ Provider = (*CohereProvider)(nil)

type cohereEmbedRequest struct {
	Texts          []string `json:"texts"`
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	Truncate       string   `json:"truncate,omitempty"`
	EmbeddingTypes []string `json:"embedding_types,omitempty"`
}

type cohereEmbedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
	Meta struct {
		BilledUnits struct {
			InputTokens int `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// cohereInputType maps the request input class onto Cohere's wire values.
func cohereInputType(t InputType) string {
	if t == InputTypeQuery {
		return "search_query"
	}
	return "search_document"
}

// Embed generates vectors using Cohere.
func (p *CohereProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	model := ChooseModel(req.Model, p.cfg.Model, "embed-v3.5")

	body := cohereEmbedRequest{
		Texts:          req.Input,
		Model:          model,
		InputType:      cohereInputType(req.InputType),
		EmbeddingTypes: []string{"float"},
	}
	if req.Truncate {
		body.Truncate = "END"
	}

	respBody, err := p.DoRequest(ctx, "POST", "/v2/embed", body, map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}

	var cResp cohereEmbedResponse
	if err := json.Unmarshal(respBody, &cResp); err != nil {
		return nil, err
	}

	vectors := make([]Vector, len(cResp.Embeddings.Float))
	for i, emb := range cResp.Embeddings.Float {
		vectors[i] = Vector{Index: i, Values: emb}
	}

	return &Response{
		ID:       cResp.ID,
		Provider: p.Name(),
		Model:    model,
		Vectors:  vectors,
		Usage: Usage{
			PromptTokens: cResp.Meta.BilledUnits.InputTokens,
			TotalTokens:  cResp.Meta.BilledUnits.InputTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}
