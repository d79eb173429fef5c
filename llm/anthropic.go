package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicConfig configures the Anthropic chat provider.
type AnthropicConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Model   string        `yaml:"model" json:"model"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// AnthropicProvider implements chat over the Anthropic Messages API.
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic chat provider.
func NewAnthropicProvider(cfg AnthropicConfig, logger *zap.Logger) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "anthropic_provider")),
	}
}

var _ Provider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Name() string       { return "anthropic" }
func (p *AnthropicProvider) SupportsChat() bool { return true }

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	TopP        float32            `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicStreamEvent covers the SSE event payloads the Messages API
// emits: message_start, content_block_delta, message_delta, message_stop.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) buildBody(req *ChatRequest, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	// System prompts travel in a dedicated field, not the message list.
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if body.System != "" {
				body.System += "\n"
			}
			body.System += m.Content
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return body
}

func (p *AnthropicProvider) do(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, upstreamError(err, p.Name())
	}
	return resp, nil
}

// Completion performs a synchronous chat request.
func (p *AnthropicProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.do(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), p.Name())
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, upstreamError(err, p.Name())
	}

	var content strings.Builder
	for _, block := range aResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:           aResp.ID,
		Provider:     p.Name(),
		Model:        aResp.Model,
		Content:      content.String(),
		FinishReason: aResp.StopReason,
		Usage: ChatUsage{
			PromptTokens:     aResp.Usage.InputTokens,
			CompletionTokens: aResp.Usage.OutputTokens,
			TotalTokens:      aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream performs a streaming chat request via SSE.
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.do(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), p.Name())
	}
	return p.streamSSE(ctx, resp.Body), nil
}

func (p *AnthropicProvider) streamSSE(ctx context.Context, body io.ReadCloser) <-chan StreamChunk {
	ch := make(chan StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)

		var (
			id           string
			model        string
			promptTokens int
			outputTokens int
		)

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case ch <- StreamChunk{Err: upstreamError(err, p.Name())}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				select {
				case <-ctx.Done():
				case ch <- StreamChunk{Err: upstreamError(err, p.Name())}:
				}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					id = event.Message.ID
					model = event.Message.Model
					promptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case ch <- StreamChunk{ID: id, Provider: p.Name(), Model: model, Delta: event.Delta.Text}:
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
				if event.Delta != nil && event.Delta.StopReason != "" {
					final := StreamChunk{
						ID:           id,
						Provider:     p.Name(),
						Model:        model,
						FinishReason: event.Delta.StopReason,
						Usage: &ChatUsage{
							PromptTokens:     promptTokens,
							CompletionTokens: outputTokens,
							TotalTokens:      promptTokens + outputTokens,
						},
					}
					select {
					case <-ctx.Done():
						return
					case ch <- final:
					}
				}
			case "message_stop":
				return
			case "error":
				if event.Error != nil {
					select {
					case <-ctx.Done():
					case ch <- StreamChunk{Err: upstreamError(fmt.Errorf("%s: %s", event.Error.Type, event.Error.Message), p.Name())}:
					}
				}
				return
			}
		}
	}()
	return ch
}
