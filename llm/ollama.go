package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaClient talks to a local Ollama server through its native API.
type OllamaClient struct {
	api   *api.Client
	model string
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
// An empty baseURL selects OLLAMA_HOST or the default local server.
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	if baseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		return &OllamaClient{api: c, model: model}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	return &OllamaClient{
		api:   api.NewClient(u, &http.Client{Timeout: 5 * time.Minute}),
		model: model,
	}, nil
}

func (c *OllamaClient) chatRequest(req Request, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	return &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  opts,
	}
}

// Call makes a non-streaming chat request. Tool schemas are not sent;
// tool use with Ollama goes through the in-band JSON protocol.
func (c *OllamaClient) Call(ctx context.Context, req Request) (*Response, error) {
	var out Response
	err := c.api.Chat(ctx, c.chatRequest(req, false), func(r api.ChatResponse) error {
		out.Content += r.Message.Content
		return nil
	})
	if err != nil {
		return nil, wrapOllamaError(err)
	}
	return &out, nil
}

// Stream makes a streaming chat request.
func (c *OllamaClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	err := c.api.Chat(ctx, c.chatRequest(req, true), func(r api.ChatResponse) error {
		if r.Message.Content != "" && !send(ctx, ch, StreamChunk{Delta: r.Message.Content}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return wrapOllamaError(err)
	}
	send(ctx, ch, StreamChunk{Done: true})
	return nil
}

func wrapOllamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		body := se.ErrorMessage
		if body == "" {
			body = se.Status
		}
		return &APIError{Provider: "Ollama", StatusCode: se.StatusCode, Body: body}
	}
	return err
}
