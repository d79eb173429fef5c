package config

import (
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/query"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// AgentOptions is the per-agent behavior surface. Every field can be
// overridden per agent; Validate reports all violated constraints at
// once.
type AgentOptions struct {
	RAGEnabled        bool                `yaml:"rag_enabled" env:"RAG_ENABLED" json:"rag_enabled"`
	MaxSources        int                 `yaml:"max_sources" env:"MAX_SOURCES" json:"max_sources"`
	MinRelevanceScore float64             `yaml:"min_relevance_score" env:"MIN_RELEVANCE_SCORE" json:"min_relevance_score"`
	ContextWindow     int                 `yaml:"context_window" env:"CONTEXT_WINDOW" json:"context_window"`
	TokenBudget       int                 `yaml:"token_budget" env:"TOKEN_BUDGET" json:"token_budget"`
	CachingEnabled    bool                `yaml:"caching_enabled" env:"CACHING_ENABLED" json:"caching_enabled"`
	StreamingEnabled  bool                `yaml:"streaming_enabled" env:"STREAMING_ENABLED" json:"streaming_enabled"`
	PreferredProvider string              `yaml:"preferred_provider" env:"PREFERRED_PROVIDER" json:"preferred_provider"`
	PreferredModel    string              `yaml:"preferred_model" env:"PREFERRED_MODEL" json:"preferred_model"`
	Temperature       float32             `yaml:"temperature" env:"TEMPERATURE" json:"temperature"`
	MaxTokens         int                 `yaml:"max_tokens" env:"MAX_TOKENS" json:"max_tokens"`
	SearchWeights     query.SearchWeights `yaml:"search_weights" json:"search_weights"`
}

// DefaultAgentOptions returns the standard per-agent behavior.
func DefaultAgentOptions() AgentOptions {
	return AgentOptions{
		RAGEnabled:        true,
		MaxSources:        5,
		MinRelevanceScore: 0.3,
		ContextWindow:     10,
		TokenBudget:       3000,
		CachingEnabled:    true,
		StreamingEnabled:  true,
		Temperature:       0.7,
		MaxTokens:         1000,
		SearchWeights:     query.DefaultSearchWeights(),
	}
}

// Validate reports every violated constraint in a single error.
func (o AgentOptions) Validate() error {
	var verr types.ValidationError

	if o.MaxSources < 1 || o.MaxSources > 20 {
		verr.Add("max_sources must be between 1 and 20, got %d", o.MaxSources)
	}
	if o.MinRelevanceScore < 0 || o.MinRelevanceScore > 1 {
		verr.Add("min_relevance_score must be between 0 and 1, got %v", o.MinRelevanceScore)
	}
	if o.ContextWindow < 1 {
		verr.Add("context_window must be at least 1, got %d", o.ContextWindow)
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		verr.Add("temperature must be between 0 and 2, got %v", o.Temperature)
	}
	if o.MaxTokens < 1 || o.MaxTokens > 4000 {
		verr.Add("max_tokens must be between 1 and 4000, got %d", o.MaxTokens)
	}
	if err := o.SearchWeights.Validate(); err != nil {
		verr.Add("%s", err.Error())
	}

	return verr.Err()
}
