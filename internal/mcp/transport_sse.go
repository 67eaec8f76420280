package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SSETransport implements the server-sent-events JSON-RPC driver of
// spec.md §4.2: the same request body as the HTTP driver, but the response
// is consumed as an event stream until a payload carries the matching id.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SSETransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "sse"),
		client:   &http.Client{Timeout: timeout},
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect marks the transport ready; SSE is request-scoped so there is no
// persistent connection to establish up front.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for SSE transport")
	}
	t.connected.Store(true)
	t.logger.Info("SSE transport ready", "url", t.config.URL)
	return nil
}

// Close marks the transport disconnected.
func (t *SSETransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

const (
	sseRetryAttempts  = 3
	sseRetryBaseDelay = 100 * time.Millisecond
)

// Call POSTs the RPC body with Accept: text/event-stream and reads events
// until one carries the matching id.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	body, _ := json.Marshal(req)

	var lastErr error
	for attempt := 0; attempt < sseRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := sseRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		result, terminal, err := t.doCall(ctx, body, id)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if terminal {
			return nil, err
		}
	}
	return nil, lastErr
}

func (t *SSETransport) doCall(ctx context.Context, body []byte, wantID string) (json.RawMessage, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, true, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("sse request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, true, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var rpcResp JSONRPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue // interleaved non-matching event; keep reading.
		}
		idStr := fmt.Sprintf("%v", rpcResp.ID)
		if rpcResp.ID == nil || idStr != wantID {
			continue
		}
		if rpcResp.Error != nil {
			return nil, true, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, false, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("sse stream: %w", err)
	}
	return nil, false, fmt.Errorf("sse stream ended without matching id %s", wantID)
}

// Notify sends a fire-and-forget notification over the same POST shape.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, _ := json.Marshal(notif)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sse request: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Events returns the notification channel. SSE providers in this core are
// request-scoped, so this channel is typically idle.
func (t *SSETransport) Events() <-chan *JSONRPCNotification { return t.events }

// Requests returns the server-initiated-request channel.
func (t *SSETransport) Requests() <-chan *JSONRPCRequest { return t.requests }

// Respond answers a server-initiated request.
func (t *SSETransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	body, _ := json.Marshal(resp)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	respHTTP, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sse request: %w", err)
	}
	respHTTP.Body.Close()
	return nil
}

// Connected reports whether the transport is usable.
func (t *SSETransport) Connected() bool { return t.connected.Load() }
