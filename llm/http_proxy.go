package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProxyClient forwards LLM calls to the host chat platform, which owns
// the model credentials. The host exposes /llm/{model}/call returning a
// Response and /llm/{model}/stream returning SSE-framed StreamChunks.
type HTTPProxyClient struct {
	callbackURL string
	modelName   string
	client      *http.Client
}

// NewHTTPProxyClient creates a proxy client for the given callback URL
// (e.g. "http://127.0.0.1:9100").
func NewHTTPProxyClient(callbackURL, modelName string) *HTTPProxyClient {
	return &HTTPProxyClient{
		callbackURL: strings.TrimRight(callbackURL, "/"),
		modelName:   modelName,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPProxyClient) endpoint(op string) string {
	return fmt.Sprintf("%s/llm/%s/%s", c.callbackURL, url.PathEscape(c.modelName), op)
}

func (c *HTTPProxyClient) post(ctx context.Context, op string, req Request) (*http.Response, error) {
	if req.Model == "" {
		req.Model = c.modelName
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(op), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Provider: "proxy LLM", StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

// Call makes a synchronous LLM call through the host.
func (c *HTTPProxyClient) Call(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.post(ctx, "call", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse proxy response: %w", err)
	}
	return &result, nil
}

// Stream makes a streaming LLM call through the host.
func (c *HTTPProxyClient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	defer close(ch)

	resp, err := c.post(ctx, "stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if !send(ctx, ch, chunk) {
			return ctx.Err()
		}
		if chunk.Done {
			break
		}
	}
	return scanner.Err()
}
