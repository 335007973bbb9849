package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/skills"
)

type fakeRunner struct {
	calls []backend.Cmd
	out   backend.Output
}

func (f *fakeRunner) Run(_ context.Context, c backend.Cmd) (backend.Output, error) {
	f.calls = append(f.calls, c)
	return f.out, nil
}

func newTestHost(t *testing.T, opts ...backend.Option) *backend.Host {
	t.Helper()
	cfg := backend.DefaultConfig()
	cfg.Workspace = t.TempDir()
	return backend.New(cfg, opts...)
}

func echoTool(name string) *agent.FuncTool {
	return &agent.FuncTool{
		ToolName:   name,
		ToolDesc:   "Echo the input",
		ToolParams: schema(req("text", "string", "Text to echo"), opt("upper", "boolean", "Uppercase it")),
		Fn: func(_ context.Context, args map[string]any) (agent.ToolResult, error) {
			return agent.OK(map[string]any{"output": argString(args, "text", "")}), nil
		},
	}
}

func TestBuiltinOrder(t *testing.T) {
	r := New(Options{Host: newTestHost(t)})
	want := []string{
		"shell", "list_processes", "kill_process", "open_app", "close_app", "list_apps",
		"get_system_info", "applescript", "read_file", "write_file", "list_directory",
		"search_files", "fetch_url",
		"browser_navigate", "browser_click", "browser_type", "browser_screenshot",
		"browser_get_content", "browser_wait", "browser_scroll", "browser_execute_script",
		"browser_new_tab", "browser_close_tab", "browser_get_url", "browser_reload",
		"browser_press", "browser_select", "browser_get_attribute",
	}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, info := range r.List() {
		if info.Source != SourceBuiltin {
			t.Fatalf("expected builtin source for %s, got %s", info.Name, info.Source)
		}
	}
}

func TestDescribe(t *testing.T) {
	r := New(Options{})
	r.Register(echoTool("echo"), SourceDynamic)
	r.Register(&agent.FuncTool{ToolName: "noop", ToolDesc: "Does nothing", ToolParams: schema()}, SourceDynamic)

	want := "- echo: Echo the input\n" +
		"  - text: Text to echo (required)\n" +
		"  - upper: Uppercase it\n" +
		"- noop: Does nothing"
	if got := r.Describe(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	t.Run("schema without order hint is sorted", func(t *testing.T) {
		r := New(Options{})
		r.Register(&agent.FuncTool{
			ToolName: "x",
			ToolDesc: "X",
			ToolParams: map[string]any{
				"properties": map[string]any{
					"b": map[string]any{"description": "B"},
					"a": map[string]any{"description": "A"},
				},
				"required": []any{"b"},
			},
		}, SourceDynamic)
		want := "- x: X\n  - a: A\n  - b: B (required)"
		if got := r.Describe(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestFingerprint(t *testing.T) {
	r := New(Options{})
	r.Register(echoTool("echo"), SourceDynamic)
	before := r.Fingerprint()
	if len(before) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", before)
	}
	if r.Fingerprint() != before {
		t.Fatal("expected a stable fingerprint")
	}
	r.Register(echoTool("echo2"), SourceDynamic)
	if r.Fingerprint() == before {
		t.Fatal("expected the fingerprint to change")
	}
}

func TestRegisterPolicy(t *testing.T) {
	h := newTestHost(t)

	t.Run("first registration wins", func(t *testing.T) {
		r := New(Options{})
		if !r.Register(echoTool("echo"), SourceDynamic) {
			t.Fatal("expected first registration to succeed")
		}
		if r.Register(echoTool("echo"), SourceDynamic) {
			t.Fatal("expected duplicate to be rejected")
		}
		if r.Register(&agent.FuncTool{}, SourceDynamic) {
			t.Fatal("expected unnamed tool to be rejected")
		}
	})

	t.Run("skill cannot override by default", func(t *testing.T) {
		r := New(Options{Host: h})
		if r.Register(echoTool("shell"), SourceSkill) {
			t.Fatal("expected override to be rejected")
		}
	})

	t.Run("skill override allowed", func(t *testing.T) {
		r := New(Options{Host: h, AllowSkillOverride: true})
		if !r.Register(echoTool("shell"), SourceSkill) {
			t.Fatal("expected override to succeed")
		}
		if r.Names()[0] != "shell" {
			t.Fatalf("expected override to keep position, got %v", r.Names())
		}
		if r.List()[0].Source != SourceSkill {
			t.Fatalf("expected skill source, got %s", r.List()[0].Source)
		}
		if r.Register(echoTool("read_file"), SourceDynamic) {
			t.Fatal("expected dynamic tools never to override")
		}
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t)
	r := New(Options{Host: h})
	r.Register(echoTool("echo"), SourceDynamic)
	r.Register(&agent.FuncTool{ToolName: "fails", Fn: func(context.Context, map[string]any) (agent.ToolResult, error) {
		return agent.ToolResult{}, errors.New("boom")
	}}, SourceDynamic)
	r.Register(&agent.FuncTool{ToolName: "panics", Fn: func(context.Context, map[string]any) (agent.ToolResult, error) {
		panic("kaboom")
	}}, SourceDynamic)

	tests := []struct {
		name    string
		call    agent.ToolCall
		success bool
		errText string
	}{
		{"structured args", agent.ToolCall{Name: "echo", Args: map[string]any{"text": "hi"}}, true, ""},
		{"stringified args", agent.ToolCall{Name: "echo", RawArgs: `{"text":"hi"}`}, true, ""},
		{"malformed args", agent.ToolCall{Name: "echo", RawArgs: `{"text":`}, false, `Invalid arguments: {"text":`},
		{"handler error", agent.ToolCall{Name: "fails"}, false, "Error executing tool fails: boom"},
		{"handler panic", agent.ToolCall{Name: "panics"}, false, "Error executing tool panics: kaboom"},
		{"unknown", agent.ToolCall{Name: "teleport"}, false, "Unknown tool: teleport"},
		{"fallback primitive", agent.ToolCall{Name: "browser_cleanup"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Dispatch(ctx, tt.call)
			if res.Success != tt.success {
				t.Fatalf("expected success=%v, got %v", tt.success, res)
			}
			if res.Error != tt.errText {
				t.Fatalf("expected %q, got %q", tt.errText, res.Error)
			}
		})
	}

	t.Run("echo payload", func(t *testing.T) {
		res := r.Dispatch(ctx, agent.ToolCall{Name: "echo", RawArgs: `{"text":"hi"}`})
		if res.Payload["output"] != "hi" {
			t.Fatalf("expected %q, got %v", "hi", res.Payload["output"])
		}
	})

	t.Run("builtin files", func(t *testing.T) {
		res := r.Dispatch(ctx, agent.ToolCall{Name: "write_file", Args: map[string]any{"path": "notes.txt", "content": "hello"}})
		if !res.Success {
			t.Fatalf("expected success, got %v", res)
		}
		res = r.Dispatch(ctx, agent.ToolCall{Name: "read_file", Args: map[string]any{"path": "notes.txt"}})
		if res.Payload["content"] != "hello" {
			t.Fatalf("expected %q, got %v", "hello", res.Payload["content"])
		}
	})

	t.Run("builtin coerces string numbers", func(t *testing.T) {
		runner := &fakeRunner{out: backend.Output{Stdout: "Finder, Safari, Mail, Notes, Music\n"}}
		r := New(Options{Host: newTestHost(t, backend.WithRunner(runner))})
		res := r.Dispatch(ctx, agent.ToolCall{Name: "list_apps", Args: map[string]any{"limit": "3"}})
		if res.Payload["count"] != 3 {
			t.Fatalf("expected 3 apps, got %v", res.Payload["count"])
		}
	})

	t.Run("safari fallback runs osascript", func(t *testing.T) {
		runner := &fakeRunner{}
		r := New(Options{Host: newTestHost(t, backend.WithRunner(runner))})
		res := r.Dispatch(ctx, agent.ToolCall{Name: "safari_navigate", Args: map[string]any{"url": "example.com"}})
		if !res.Success {
			t.Fatalf("expected success, got %v", res)
		}
		if len(runner.calls) != 1 || runner.calls[0].Name != "osascript" {
			t.Fatalf("expected one osascript call, got %v", runner.calls)
		}
	})
}

func TestArgs(t *testing.T) {
	args := map[string]any{"n": 4.0, "s": "12", "f": "2.5", "b": "true", "bad": "x", "z": 0.0}
	if got := argInt(args, "n", 0); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := argInt(args, "s", 0); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := argInt(args, "f", 0); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := argInt(args, "bad", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
	if !argBool(args, "b", false) {
		t.Fatal("expected true")
	}
	if argBool(args, "z", true) {
		t.Fatal("expected 0 to be false")
	}
	if got := argString(args, "n", ""); got != "4" {
		t.Fatalf("expected %q, got %q", "4", got)
	}
	if got := argString(args, "missing", "d"); got != "d" {
		t.Fatalf("expected %q, got %q", "d", got)
	}
}

func TestHostSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tools":
			json.NewEncoder(w).Encode([]HostToolSpec{
				{Name: "weather", Description: "Get the weather", Parameters: map[string]any{"type": "object"}},
				{Name: ""},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/tools/weather":
			var body struct {
				Name string         `json:"name"`
				Args map[string]any `json:"args"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.Args["city"] == "nowhere" {
				json.NewEncoder(w).Encode(map[string]any{"error": "unknown city"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"result": "sunny in " + body.Args["city"].(string)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	r := New(Options{})
	if n := r.LoadDynamic(ctx, NewHostSource(srv.URL)); n != 1 {
		t.Fatalf("expected 1 tool, got %d", n)
	}

	res := r.Dispatch(ctx, agent.ToolCall{Name: "weather", Args: map[string]any{"city": "Oslo"}})
	if !res.Success || res.Payload["output"] != "sunny in Oslo" {
		t.Fatalf("unexpected result %v", res)
	}
	res = r.Dispatch(ctx, agent.ToolCall{Name: "weather", Args: map[string]any{"city": "nowhere"}})
	if res.Success || res.Error != "unknown city" {
		t.Fatalf("unexpected result %v", res)
	}

	t.Run("unreachable host is skipped", func(t *testing.T) {
		r := New(Options{})
		if n := r.LoadDynamic(ctx, NewHostSource("http://127.0.0.1:1")); n != 0 {
			t.Fatalf("expected 0 tools, got %d", n)
		}
	})
}

type echoInput struct {
	Text string `json:"text"`
}

func TestMCPSource(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "shout", Description: "Shout the text"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: strings.ToUpper(in.Text)}}}, nil, nil
		})

	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	src := NewMCPSourceWithTransport("test", clientT)
	defer src.Close()

	r := New(Options{})
	if n := r.LoadDynamic(ctx, src); n != 1 {
		t.Fatalf("expected 1 tool, got %d", n)
	}
	tool, ok := r.Get("shout")
	if !ok {
		t.Fatal("expected shout to be registered")
	}
	if tool.Description() != "Shout the text" {
		t.Fatalf("expected %q, got %q", "Shout the text", tool.Description())
	}
	if _, ok := tool.Parameters()["properties"]; !ok {
		t.Fatalf("expected an input schema, got %v", tool.Parameters())
	}

	res := r.Dispatch(ctx, agent.ToolCall{Name: "shout", Args: map[string]any{"text": "hello"}})
	if !res.Success || res.Payload["output"] != "HELLO" {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestMCPSourceNeedsTarget(t *testing.T) {
	src := NewMCPSource(MCPServer{Name: "empty"})
	if _, err := src.List(context.Background()); err == nil {
		t.Fatal("expected an error without command or url")
	}
}

func writeSkill(t *testing.T, dir, name, manifest string) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSkillTool(t *testing.T) {
	ctx := context.Background()

	t.Run("schema and execution", func(t *testing.T) {
		s := &skills.Skill{
			Name:        "weather-report",
			Version:     "1.2.0",
			Description: "Weather",
			Parameters: map[string]any{
				"city":  map[string]any{"type": "string", "description": "City", "required": true},
				"units": map[string]any{"enum": []any{"c", "f"}},
				"note":  "free text",
			},
			Adds: []string{"src/weather.ts"},
		}
		tool := SkillTool(s)
		if tool.Name() != "weather_report" {
			t.Fatalf("expected %q, got %q", "weather_report", tool.Name())
		}
		props := tool.Parameters()["properties"].(map[string]any)
		if props["units"].(map[string]any)["type"] != "string" {
			t.Fatalf("expected default string type, got %v", props["units"])
		}
		if props["note"].(map[string]any)["description"] != "free text" {
			t.Fatalf("expected scalar description, got %v", props["note"])
		}
		req := tool.Parameters()["required"].([]string)
		if len(req) != 1 || req[0] != "city" {
			t.Fatalf("expected [city], got %v", req)
		}
		res, err := tool.Execute(ctx, nil)
		if err != nil || !res.Success || res.Payload["version"] != "1.2.0" {
			t.Fatalf("unexpected result %v %v", res, err)
		}
	})

	t.Run("no implementation files", func(t *testing.T) {
		tool := SkillTool(&skills.Skill{Name: "docs"})
		if tool.Description() != "Skill: docs" {
			t.Fatalf("expected %q, got %q", "Skill: docs", tool.Description())
		}
		res, _ := tool.Execute(ctx, nil)
		want := "Skill 'docs' has no implementation files. This is a code transformation skill that cannot be executed directly."
		if res.Success || res.Error != want {
			t.Fatalf("expected %q, got %v", want, res)
		}
	})
}

func TestSkillInstaller(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSkill(t, dir, "weather", "skill: weather-now\ndescription: Current weather lookup\nadds: [a.ts]\n")

	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"skills": []any{}})
	}))
	defer hub.Close()

	loader := skills.NewLoader(skills.Config{Dir: dir, HubURL: hub.URL})
	if err := loader.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	r := New(Options{})
	inst := NewSkillInstaller(r, loader)

	name, err := inst.InstallSkill(ctx, "weather")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if name != "weather_now" {
		t.Fatalf("expected %q, got %q", "weather_now", name)
	}
	if _, ok := r.Get("weather_now"); !ok {
		t.Fatal("expected the skill tool to be registered")
	}

	if _, err := inst.InstallSkill(ctx, "teleport"); err == nil {
		t.Fatal("expected an error for an unknown capability")
	}
	hints := inst.SuggestSkills(ctx, "lookup")
	if len(hints) != 1 || hints[0].Name != "weather-now" {
		t.Fatalf("unexpected hints %v", hints)
	}

	if n := New(Options{}).LoadSkills(loader); n != 1 {
		t.Fatalf("expected 1 skill tool, got %d", n)
	}
}
