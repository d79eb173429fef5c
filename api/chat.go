package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/rag"
	"github.com/dabbishpuppy/react.chatastic.ai-sub002/types"
)

// Chatter is the orchestrator surface the chat endpoints need.
type Chatter interface {
	Chat(ctx context.Context, req rag.ChatRequest) (*rag.Result, error)
	ChatStream(ctx context.Context, req rag.ChatRequest) (<-chan rag.Event, error)
}

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	chat   Chatter
	logger *zap.Logger
}

// NewChatHandler creates the chat endpoint handler.
func NewChatHandler(chat Chatter, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{chat: chat, logger: logger.With(zap.String("component", "chat_handler"))}
}

// HandleChat answers POST /v1/chat with the full assembled result.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	var req rag.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.chat.Chat(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// HandleChatStream answers GET /v1/chat/stream?agent_id=&query= with SSE.
// Each event's data is one rag.Event; the stream ends with [DONE].
func (h *ChatHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}

	req := rag.ChatRequest{
		AgentID: r.URL.Query().Get("agent_id"),
		Query:   r.URL.Query().Get("query"),
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	events, err := h.chat.ChatStream(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for ev := range events {
		payload, merr := json.Marshal(ev)
		if merr != nil {
			h.logger.Error("marshaling stream event", zap.Error(merr))
			return
		}
		if _, werr := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); werr != nil {
			return
		}
		flusher.Flush()
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}
