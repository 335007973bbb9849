package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/langbot-app/LangTARS/agent"
)

// MCPServer configures one MCP server. Exactly one of Command and URL is
// set: Command starts a stdio server, URL speaks streamable HTTP.
type MCPServer struct {
	Name    string            `yaml:"name" json:"name"`
	Command []string          `yaml:"command" json:"command,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	URL     string            `yaml:"url" json:"url,omitempty"`
}

// MCPSource exposes the tools of an MCP server. The session is opened on
// the first List and reused for every call.
type MCPSource struct {
	cfg MCPServer
	// transport overrides the one derived from cfg.
	transport mcp.Transport

	mu      sync.Mutex
	session *mcp.ClientSession
}

// NewMCPSource creates a source for cfg.
func NewMCPSource(cfg MCPServer) *MCPSource {
	return &MCPSource{cfg: cfg}
}

// NewMCPSourceWithTransport creates a source over an existing transport.
func NewMCPSourceWithTransport(name string, t mcp.Transport) *MCPSource {
	return &MCPSource{cfg: MCPServer{Name: name}, transport: t}
}

func (s *MCPSource) Name() string { return "mcp " + s.cfg.Name }

func (s *MCPSource) connect(ctx context.Context) (*mcp.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session, nil
	}

	t := s.transport
	switch {
	case t != nil:
	case len(s.cfg.Command) > 0:
		cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range s.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		t = &mcp.CommandTransport{Command: cmd}
	case s.cfg.URL != "":
		t = &mcp.StreamableClientTransport{Endpoint: s.cfg.URL, HTTPClient: http.DefaultClient}
	default:
		return nil, errors.New("mcp server needs a command or a url")
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "langtars", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %s: %w", s.cfg.Name, err)
	}
	s.session = session
	return session, nil
}

func (s *MCPSource) List(ctx context.Context) ([]agent.Tool, error) {
	session, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	out := make([]agent.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, &mcpTool{
			session: session,
			name:    t.Name,
			desc:    t.Description,
			params:  schemaMap(t.InputSchema),
		})
	}
	return out, nil
}

// Close ends the session, stopping a stdio server.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// schemaMap normalizes whatever schema representation the SDK hands back
// into a plain map.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

type mcpTool struct {
	session *mcp.ClientSession
	name    string
	desc    string
	params  map[string]any
}

func (t *mcpTool) Name() string               { return t.name }
func (t *mcpTool) Description() string        { return t.desc }
func (t *mcpTool) Parameters() map[string]any { return t.params }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (agent.ToolResult, error) {
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.name, Arguments: args})
	if err != nil {
		return agent.ToolResult{}, err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(text.Text)
		}
	}
	if res.IsError {
		return agent.Errorf("%s", sb.String()), nil
	}
	return agent.OK(map[string]any{"output": sb.String()}), nil
}
