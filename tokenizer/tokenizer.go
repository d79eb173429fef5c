package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count for the given text.
	CountTokens(text string) (int, error)

	// MaxTokens returns the model's maximum context length.
	MaxTokens() int

	// Name returns the tokenizer name.
	Name() string
}

// registry maps model names to tokenizers. Lookup falls back to prefix
// matching so versioned model names resolve to their family tokenizer.
type registry struct {
	mu     sync.RWMutex
	byName map[string]Tokenizer
}

var defaultRegistry = &registry{byName: make(map[string]Tokenizer)}

func (r *registry) register(model string, t Tokenizer) {
	r.mu.Lock()
	r.byName[model] = t
	r.mu.Unlock()
}

func (r *registry) lookup(model string) (Tokenizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.byName[model]; ok {
		return t, true
	}
	for prefix, t := range r.byName {
		if strings.HasPrefix(model, prefix) {
			return t, true
		}
	}
	return nil, false
}

// RegisterTokenizer registers a tokenizer for the given model name.
func RegisterTokenizer(model string, t Tokenizer) {
	defaultRegistry.register(model, t)
}

// GetTokenizer returns the tokenizer registered for the given model.
// It also tries prefix matching (e.g. "gpt-4o" matches "gpt-4o-mini").
func GetTokenizer(model string) (Tokenizer, error) {
	if t, ok := defaultRegistry.lookup(model); ok {
		return t, nil
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator returns the registered tokenizer for the model,
// falling back to the generic estimator when none is registered.
func GetTokenizerOrEstimator(model string) Tokenizer {
	if t, ok := defaultRegistry.lookup(model); ok {
		return t
	}
	return NewEstimator(model, 0)
}
