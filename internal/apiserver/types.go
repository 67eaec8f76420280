package apiserver

// chatMessage is one inbound conversation turn, matching the OpenAI
// chat-completion request shape (spec.md §6).
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the inbound payload accepted by
// POST /v1/chat/completions: messages, optional model, optional stream,
// optional tools (accepted for wire compatibility; the tool catalog
// actually exposed to the model is this process's own registry, not
// whatever the caller sends).
type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []any         `json:"tools,omitempty"`
}

// chatCompletionResponse is the non-streaming OpenAI-compatible response
// shape.
type chatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []chatChoice       `json:"choices"`
	Usage   chatCompletionUsage `json:"usage"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      chatMessage  `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatCompletionChunk is one SSE `data:` payload of a streamed response
// (spec.md §6). Auxiliary finalizer events (tool_start/tool_end/
// thinking_start/error) are carried inside delta rather than as a
// separate top-level shape, so every line on the wire is a valid
// chat-completion chunk.
type chatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   *chatCompletionUsage `json:"usage,omitempty"`
}

type chatChunkChoice struct {
	Index        int         `json:"index"`
	Delta        chatDelta   `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// chatDelta carries either plain token content or, when Type is set, one
// of the auxiliary finalizer events.
type chatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Type, when non-empty, marks this delta as an auxiliary event rather
	// than token content: "tool_start", "tool_end", "thinking_start", or
	// "error".
	Type     string `json:"type,omitempty"`
	Tool     string `json:"tool,omitempty"`
	ToolCall string `json:"tool_call_id,omitempty"`
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	Error    string `json:"error,omitempty"`
	Count    int    `json:"count,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
