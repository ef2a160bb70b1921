// Package navigator – llm.go implements the model client for chat
// completions with tool calling. Speaks the OpenAI-compatible wire format,
// which covers OpenAI, OpenRouter, Groq, Ollama, LM Studio, vLLM, and any
// other compatible endpoint.
//
// The Client interface is what the agent depends on; OpenAIClient is the
// production implementation. Cancellation is cooperative: a CancelToken in
// SendOptions is polled between streamed chunks, and a cancelled call
// returns the partial content with Interrupted=true rather than an error,
// so the caller can persist what was generated. The client is stateless per
// call and safe to call again after a cancelled call.
package navigator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// StreamCallback is called for each text chunk during streaming.
type StreamCallback func(chunk string)

// ToolDefinition is an OpenAI-compatible tool definition.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SendOptions carries the per-call knobs for Client.Send.
type SendOptions struct {
	// Tools are the function definitions offered to the model.
	Tools []ToolDefinition

	// OnChunk, when set, enables streaming; it receives text deltas.
	OnChunk StreamCallback

	// Cancel, when set, is polled between chunks. A cancelled call returns
	// the partial response with Interrupted=true and a nil error.
	Cancel *CancelToken

	// Model overrides the client's default model when non-empty.
	Model string
}

// Usage holds token counts reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the parsed result of one completion call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Interrupted  bool
	Usage        Usage
}

// Client is the model-facing boundary the agent depends on.
type Client interface {
	Send(ctx context.Context, messages []Message, opts SendOptions) (*Response, error)
}

// ─── OpenAI-compatible implementation ───

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	provider   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg *Config, logger *slog.Logger) *OpenAIClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.API.Provider != "" {
		provider = cfg.API.Provider
	}

	return &OpenAIClient{
		baseURL:  baseURL,
		provider: provider,
		apiKey:   cfg.API.APIKey,
		model:    cfg.Model,
		httpClient: &http.Client{
			// No global timeout here — each call carries its own context
			// deadline. A client-level timeout would race with streaming
			// responses that legitimately run for minutes.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	case strings.Contains(baseURL, "localhost:1234"),
		strings.Contains(baseURL, "lmstudio"):
		return "lmstudio"
	case strings.Contains(baseURL, "localhost:8000"),
		strings.Contains(baseURL, "vllm"):
		return "vllm"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// Provider returns the detected or configured provider name.
func (c *OpenAIClient) Provider() string {
	return c.provider
}

// ─── Wire types ───

// chatMessage is one message in the OpenAI chat format.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []chatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// chatResponse is the non-streaming response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// streamToolCall is a partial tool call from a streaming delta; id, name,
// and arguments arrive across chunks keyed by Index.
type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

// streamResponse is one SSE chunk.
type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// toWireMessages converts conversation messages to the wire format.
func toWireMessages(msgs []Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}

// ─── Error classification ───

// apiError captures an HTTP-level provider failure.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// IsContextOverflow reports whether the error indicates the request
// exceeded the model's context window. Drives compaction retries.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "too many tokens")
}

// truncate shortens a string for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ─── Send ───

// Send performs one chat completion, streaming when opts.OnChunk is set.
func (c *OpenAIClient) Send(ctx context.Context, messages []Message, opts SendOptions) (*Response, error) {
	if c.apiKey == "" && c.provider != "ollama" && c.provider != "lmstudio" && c.provider != "vllm" {
		return nil, fmt.Errorf("API key not configured (run: tandem setup)")
	}

	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	if opts.OnChunk != nil {
		return c.sendStream(ctx, model, messages, opts)
	}
	return c.sendOnce(ctx, model, messages, opts)
}

// sendOnce performs a single non-streaming request.
func (c *OpenAIClient) sendOnce(ctx context.Context, model string, messages []Message, opts SendOptions) (*Response, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: toWireMessages(messages),
		Tools:    opts.Tools,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", model,
		"messages", len(reqBody.Messages),
		"tools", len(reqBody.Tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"model", model,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return nil, &apiError{statusCode: resp.StatusCode, body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &apiError{statusCode: resp.StatusCode, body: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	choice := parsed.Choices[0]
	c.logger.Debug("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
	)

	return &Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// sendStream performs a streaming request, forwarding text deltas to
// opts.OnChunk and accumulating tool calls silently. When opts.Cancel fires
// mid-stream the partial content is returned with Interrupted=true.
func (c *OpenAIClient) sendStream(ctx context.Context, model string, messages []Message, opts SendOptions) (*Response, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: toWireMessages(messages),
		Tools:    opts.Tools,
		Stream:   true,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Error("API error",
			"model", model,
			"status", resp.StatusCode,
			"body", truncate(string(body), 500),
		)
		return nil, &apiError{statusCode: resp.StatusCode, body: string(body)}
	}

	var content strings.Builder
	toolCallsAccum := make(map[int]*ToolCall)
	toolArgsAccum := make(map[int]*strings.Builder)
	finishReason := ""
	interrupted := false
	var usage Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		// Cooperative cancellation between chunks; the provider connection
		// is dropped on return via the deferred body close.
		if opts.Cancel.Cancelled() {
			interrupted = true
			break
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			opts.OnChunk(choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := toolCallsAccum[tc.Index]
			if !ok {
				acc = &ToolCall{Type: "function"}
				toolCallsAccum[tc.Index] = acc
				toolArgsAccum[tc.Index] = &strings.Builder{}
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolArgsAccum[tc.Index].WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil && !interrupted {
		// A cancelled context surfaces as a read error mid-stream; report it
		// as an interruption so partial output is not lost.
		if ctx.Err() != nil || opts.Cancel.Cancelled() {
			interrupted = true
		} else {
			return nil, fmt.Errorf("reading stream: %w", err)
		}
	}

	// Assemble tool calls in index order. A cancelled stream may hold
	// half-built calls; they are dropped — an interrupted turn never
	// dispatches tools.
	var toolCalls []ToolCall
	if !interrupted {
		indices := make([]int, 0, len(toolCallsAccum))
		for i := range toolCallsAccum {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := toolCallsAccum[i]
			tc.Function.Arguments = toolArgsAccum[i].String()
			if tc.Function.Arguments == "" {
				tc.Function.Arguments = "{}"
			}
			if tc.ID != "" || tc.Function.Name != "" {
				toolCalls = append(toolCalls, *tc)
			}
		}
	}

	c.logger.Debug("chat completion stream done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"content_len", content.Len(),
		"tool_calls", len(toolCalls),
		"interrupted", interrupted,
		"finish_reason", finishReason,
	)

	return &Response{
		Content:      strings.TrimSpace(content.String()),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Interrupted:  interrupted,
		Usage:        usage,
	}, nil
}
