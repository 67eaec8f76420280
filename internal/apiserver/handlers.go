package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/internal/agent"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	messages := make([]agent.CompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = agent.CompletionMessage{Role: m.Role, Content: m.Content}
	}

	requestID := "chatcmpl-" + uuid.NewString()

	if req.Stream {
		s.handleStream(w, r.Context(), model, messages, requestID)
		return
	}
	s.handleNonStream(w, r.Context(), model, messages, requestID)
}

func (s *Server) handleNonStream(w http.ResponseWriter, ctx context.Context, model string, messages []agent.CompletionMessage, requestID string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	text, _, _, err := s.loop.Run(ctx, model, messages, "")
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := chatCompletionResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode chat completion response failed", "error", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, ctx context.Context, model string, messages []agent.CompletionMessage, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	events := s.finalizer.Run(ctx, model, messages, "", requestID)
	for event := range events {
		chunk := translateEvent(requestID, model, created, event)
		if chunk == nil {
			continue
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Error("marshal chat completion chunk failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// translateEvent maps one FinalizeEvent onto the chat-completion-chunk wire
// shape of spec.md §6. A nil return means the event carries nothing worth
// putting on the wire (there are none today, but a future finalizer event
// type should fail closed rather than panic).
func translateEvent(requestID, model string, created int64, event *agent.FinalizeEvent) *chatCompletionChunk {
	base := &chatCompletionChunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chatChunkChoice{{Index: 0}},
	}

	switch event.Type {
	case agent.FinalizeToken:
		base.Choices[0].Delta = chatDelta{Content: event.Content}
	case agent.FinalizeThinkingStart:
		base.Choices[0].Delta = chatDelta{Type: "thinking_start", Count: event.Count}
	case agent.FinalizeToolStart:
		base.Choices[0].Delta = chatDelta{Type: "tool_start", Tool: event.Tool, ToolCall: event.ToolCall, Input: event.Input}
	case agent.FinalizeToolEnd:
		base.Choices[0].Delta = chatDelta{Type: "tool_end", Tool: event.Tool, ToolCall: event.ToolCall, Output: event.Output, IsError: event.IsError}
	case agent.FinalizeError:
		base.Choices[0].Delta = chatDelta{Type: "error", Error: event.Error}
		reason := "error"
		base.Choices[0].FinishReason = &reason
	case agent.FinalizeDone:
		reason := "stop"
		base.Choices[0].FinishReason = &reason
		if event.Metrics != nil {
			base.Usage = &chatCompletionUsage{CompletionTokens: event.Metrics.TokenCount, TotalTokens: event.Metrics.TokenCount}
		}
	default:
		return nil
	}
	return base
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ok"
	statusCode := http.StatusOK
	response := map[string]any{}
	if s.scheduler != nil {
		offline := s.scheduler.Offline()
		if offline {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		response["offline"] = offline
		response["providers"] = s.scheduler.Snapshots()
	}
	response["status"] = status
	response["uptime_seconds"] = int(time.Since(s.startTime).Seconds())

	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Debug("healthz write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Message: message, Type: "invalid_request_error"}})
}
