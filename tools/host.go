package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/langbot-app/LangTARS/agent"
)

// HTTPTool forwards execution to a host process over HTTP. The host
// answers POST {callback}/tools/{name} with {"result": ..., "error": ...}.
type HTTPTool struct {
	ToolName    string
	ToolDesc    string
	ToolParams  map[string]any
	CallbackURL string
	Client      *http.Client
}

// NewHTTPTool creates an HTTP-backed tool.
func NewHTTPTool(name, desc string, params map[string]any, callbackURL string) *HTTPTool {
	return &HTTPTool{
		ToolName:    name,
		ToolDesc:    desc,
		ToolParams:  params,
		CallbackURL: strings.TrimRight(callbackURL, "/"),
		Client:      &http.Client{Timeout: 120 * time.Second},
	}
}

func (t *HTTPTool) Name() string               { return t.ToolName }
func (t *HTTPTool) Description() string        { return t.ToolDesc }
func (t *HTTPTool) Parameters() map[string]any { return t.ToolParams }

func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (agent.ToolResult, error) {
	payload, err := json.Marshal(map[string]any{"name": t.ToolName, "args": args})
	if err != nil {
		return agent.ToolResult{}, fmt.Errorf("http_tool: marshal args: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", t.CallbackURL, t.ToolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return agent.ToolResult{}, fmt.Errorf("http_tool: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return agent.ToolResult{}, fmt.Errorf("http_tool: call %s: %w", t.ToolName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agent.ToolResult{}, fmt.Errorf("http_tool: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return agent.ToolResult{}, fmt.Errorf("http_tool: %s returned %d: %s", t.ToolName, resp.StatusCode, string(body))
	}

	var result struct {
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return agent.ToolResult{}, fmt.Errorf("http_tool: parse response: %w", err)
	}
	if result.Error != "" {
		return agent.Errorf("%s", result.Error), nil
	}
	if m, ok := result.Result.(map[string]any); ok {
		if _, has := m["success"]; has {
			return agent.ResultFromMap(m), nil
		}
	}
	return agent.OK(map[string]any{"output": result.Result}), nil
}

// HostSource discovers the tools a host process exposes at
// GET {callback}/tools.
type HostSource struct {
	CallbackURL string
	Client      *http.Client
}

// NewHostSource creates a source for a host callback URL.
func NewHostSource(callbackURL string) *HostSource {
	return &HostSource{
		CallbackURL: strings.TrimRight(callbackURL, "/"),
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HostSource) Name() string { return "host " + s.CallbackURL }

// HostToolSpec is one tool advertised by a host.
type HostToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *HostSource) List(ctx context.Context) ([]agent.Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.CallbackURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list host tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list host tools: status %d", resp.StatusCode)
	}

	var specs []HostToolSpec
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return nil, fmt.Errorf("decode host tools: %w", err)
	}
	out := make([]agent.Tool, 0, len(specs))
	for _, sp := range specs {
		if sp.Name == "" {
			continue
		}
		out = append(out, NewHTTPTool(sp.Name, sp.Description, sp.Parameters, s.CallbackURL))
	}
	return out, nil
}
