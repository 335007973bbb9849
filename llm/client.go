// Package llm is the model-client layer: a provider-neutral Client
// interface plus OpenAI-compatible, Anthropic, Ollama and HTTP-proxy
// implementations.
package llm

import (
	"context"
	"strings"
)

// Client talks to one model provider. The engine only streams; Call is
// kept for one-shot uses such as history compaction.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)

	// Stream sends the response as chunks and closes ch when it returns,
	// whether or not it failed.
	Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error
}

// Request is one model call. Tools stays empty for the task engine,
// which asks for tool calls in plain text instead.
type Request struct {
	Model        string       `json:"model"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Messages     []Message    `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  *float64     `json:"temperature,omitempty"`
}

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallInfo `json:"tool_calls,omitempty"`
}

// ToolCall is a structured tool call, either returned by the provider or
// replayed on an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
	// RawArgs keeps provider arguments that were not a JSON object.
	RawArgs string `json:"raw_arguments,omitempty"`
}

// ToolCallInfo is a tool call attached to an outgoing assistant message.
type ToolCallInfo = ToolCall

// ToolCallResult is a tool call parsed from a provider response.
type ToolCallResult = ToolCall

// ToolSchema advertises a tool to providers with native tool calling.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamChunk carries a text delta, a finished tool call, or the end of
// the stream. Error reports a failure seen mid-stream.
type StreamChunk struct {
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Error    error     `json:"-"`
}

// send delivers a chunk unless ctx is done.
func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Collect drains a Stream call into a Response.
func Collect(ctx context.Context, c Client, req Request) (*Response, error) {
	ch := make(chan StreamChunk, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Stream(ctx, req, ch) }()

	var sb strings.Builder
	resp := &Response{}
	for chunk := range ch {
		sb.WriteString(chunk.Delta)
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
	}
	resp.Content = sb.String()
	if err := <-errCh; err != nil {
		return nil, err
	}
	return resp, nil
}
