package embedding

import (
	"context"
	"time"
)

// InputType tells the provider what the text will be used for so it can
// pick the matching optimization.
type InputType string

const (
	InputTypeQuery    InputType = "query"
	InputTypeDocument InputType = "document"
)

// Request describes a batch of texts to embed.
type Request struct {
	Input      []string  `json:"input"`
	Model      string    `json:"model,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
	InputType  InputType `json:"input_type,omitempty"`
	Truncate   bool      `json:"truncate,omitempty"`
}

// Response carries the vectors for one Request, in input order.
type Response struct {
	ID         string    `json:"id,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Vectors    []Vector  `json:"vectors"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Vector is a single embedding result.
type Vector struct {
	Index  int       `json:"index"`
	Values []float32 `json:"values"`
}

// Usage is the token accounting for one embedding call.
type Usage struct {
	PromptTokens int     `json:"prompt_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// Provider is a single embedding backend.
type Provider interface {
	// Embed generates vectors for the given inputs. The result preserves
	// input order.
	Embed(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the default output dimensionality.
	Dimensions() int

	// MaxBatchSize returns the largest input slice a single call accepts.
	MaxBatchSize() int
}
