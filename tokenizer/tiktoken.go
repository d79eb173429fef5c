package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingInfo pairs a tiktoken encoding name with a context size.
type encodingInfo struct {
	encoding  string
	maxTokens int
}

var encodingsByModel = map[string]encodingInfo{
	"gpt-4o":                 {"o200k_base", 128000},
	"gpt-4o-mini":            {"o200k_base", 128000},
	"gpt-4-turbo":            {"cl100k_base", 128000},
	"gpt-4":                  {"cl100k_base", 8192},
	"gpt-3.5-turbo":          {"cl100k_base", 16385},
	"text-embedding-3-large": {"cl100k_base", 8191},
	"text-embedding-3-small": {"cl100k_base", 8191},
}

var fallbackEncoding = encodingInfo{"cl100k_base", 8192}

// TiktokenTokenizer wraps tiktoken for OpenAI-family models. Encoding data
// loads lazily on first count since it may hit the network.
type TiktokenTokenizer struct {
	model string
	info  encodingInfo

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenTokenizer creates a tiktoken-backed tokenizer for the given
// model. Unknown models get the cl100k_base fallback.
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	return &TiktokenTokenizer{model: model, info: resolveEncoding(model)}, nil
}

func resolveEncoding(model string) encodingInfo {
	if info, ok := encodingsByModel[model]; ok {
		return info
	}
	for prefix, info := range encodingsByModel {
		if strings.HasPrefix(model, prefix) {
			return info
		}
	}
	return fallbackEncoding
}

func (t *TiktokenTokenizer) load() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.info.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.info.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.load(); err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) MaxTokens() int {
	return t.info.maxTokens
}

func (t *TiktokenTokenizer) Name() string {
	return "tiktoken:" + t.info.encoding
}
