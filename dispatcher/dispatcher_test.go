package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/isolate"
	"github.com/langbot-app/LangTARS/llm"
	"github.com/langbot-app/LangTARS/tools"
)

type fakeSettings struct {
	allowed []string
	saved   int
	saveErr error
}

func (f *fakeSettings) Summary() string { return "enable_shell: true" }

func (f *fakeSettings) Save() (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.saved++
	return "/tmp/config.yaml", nil
}

func (f *fakeSettings) UserAllowed(id string) bool {
	if len(f.allowed) == 0 {
		return true
	}
	for _, u := range f.allowed {
		if u == id {
			return true
		}
	}
	return false
}

type doneLLM struct{}

func (doneLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return llm.Collect(ctx, doneLLM{}, req)
}

func (doneLLM) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	ch <- llm.StreamChunk{Delta: "DONE: all set"}
	ch <- llm.StreamChunk{Done: true}
	return nil
}

type blockingLLM struct{ started chan struct{} }

func (b *blockingLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return llm.Collect(ctx, b, req)
}

func (b *blockingLLM) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestDispatcher(t *testing.T, client llm.Client, settings Settings) (*Dispatcher, string) {
	t.Helper()
	cfg := backend.DefaultConfig()
	cfg.Workspace = t.TempDir()
	host := backend.New(cfg)

	var bg *agent.Background
	if client != nil {
		engine := agent.NewEngine(agent.Config{MaxIterations: 3}, client, tools.New(tools.Options{Host: host}), agent.NewExecutionContext(nil, nil))
		bg = agent.NewBackground(engine, nil)
	}
	return New(Options{Host: host, Background: bg, Settings: settings}), cfg.Workspace
}

func TestResolveAliases(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)
	cases := map[string]string{
		"status":    "info",
		"sh":        "shell",
		"exec":      "shell",
		"processes": "ps",
		"dir":       "ls",
		"view":      "cat",
		"launch":    "open",
		"quit":      "close",
		"top":       "apps",
		"pause":     "stop",
		"log":       "logs",
		"cfg":       "config",
		"find":      "search",
		"save":      "write",
		"plan":      "auto",
		"RUN":       "auto",
	}
	for alias, want := range cases {
		got, ok := d.Resolve(alias)
		if !ok || got != want {
			t.Fatalf("expected %q for %q, got %q (%v)", want, alias, got, ok)
		}
	}
	if _, ok := d.Resolve("teleport"); ok {
		t.Fatal("expected teleport to be unknown")
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("ignores other messages", func(t *testing.T) {
		d, _ := newTestDispatcher(t, nil, nil)
		for _, text := range []string{"hello", "!tarsx info", ""} {
			if _, ok := d.Handle(ctx, Message{Text: text}); ok {
				t.Fatalf("expected %q to be ignored", text)
			}
		}
	})

	t.Run("bare prefix shows help", func(t *testing.T) {
		d, _ := newTestDispatcher(t, nil, nil)
		reply, ok := d.Handle(ctx, Message{Text: "!tars"})
		if !ok || !strings.HasPrefix(reply, "**LangTARS commands:**") {
			t.Fatalf("expected help, got %q", reply)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		d, _ := newTestDispatcher(t, nil, nil)
		reply, _ := d.Handle(ctx, Message{Text: "!tars teleport home"})
		if !strings.HasPrefix(reply, "Unknown command: teleport") {
			t.Fatalf("expected unknown command reply, got %q", reply)
		}
	})

	t.Run("allowed users", func(t *testing.T) {
		d, _ := newTestDispatcher(t, nil, &fakeSettings{allowed: []string{"alice"}})
		reply, ok := d.Handle(ctx, Message{UserID: "mallory", Text: "!tars info"})
		if !ok || !strings.Contains(reply, "not allowed") {
			t.Fatalf("expected refusal, got %q", reply)
		}
		reply, _ = d.Handle(ctx, Message{UserID: "alice", Text: "!TARS config"})
		if reply != "enable_shell: true" {
			t.Fatalf("expected %q, got %q", "enable_shell: true", reply)
		}
	})
}

func TestFileCommands(t *testing.T) {
	ctx := context.Background()
	d, ws := newTestDispatcher(t, nil, nil)

	reply := d.Execute(ctx, "write", "notes.txt hello world", nil)
	if !strings.HasPrefix(reply, "✓ File written:") {
		t.Fatalf("expected write confirmation, got %q", reply)
	}
	data, err := os.ReadFile(filepath.Join(ws, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", data)
	}

	if reply := d.Execute(ctx, "cat", "notes.txt", nil); reply != "```\nhello world\n```" {
		t.Fatalf("unexpected cat reply %q", reply)
	}

	if err := os.Mkdir(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	reply = d.Execute(ctx, "ls", "", nil)
	for _, want := range []string{"📁 sub", "📄 notes.txt (11 bytes)", "Total: 2 items"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("expected %q in %q", want, reply)
		}
	}

	reply = d.Execute(ctx, "search", "notes", nil)
	if !strings.Contains(reply, "notes.txt") {
		t.Fatalf("expected search hit, got %q", reply)
	}

	if reply := d.Execute(ctx, "cat", "", nil); !strings.HasPrefix(reply, "Usage:") {
		t.Fatalf("expected usage, got %q", reply)
	}
	if reply := d.Execute(ctx, "write", "only-path", nil); !strings.HasPrefix(reply, "Usage:") {
		t.Fatalf("expected usage, got %q", reply)
	}
}

func TestCatTruncates(t *testing.T) {
	d, ws := newTestDispatcher(t, nil, nil)
	if err := os.WriteFile(filepath.Join(ws, "big.txt"), []byte(strings.Repeat("x", 2500)), 0o644); err != nil {
		t.Fatal(err)
	}
	reply := d.Execute(context.Background(), "cat", "big.txt", nil)
	if !strings.Contains(reply, "truncated, 2500 total chars") {
		t.Fatalf("expected truncation note, got %q", reply[len(reply)-60:])
	}
}

func TestShellCommand(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, nil)
	reply := d.Execute(context.Background(), "sh", "echo hi", nil)
	if reply != "✓ Command executed successfully\n\n```\nhi\n```" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestConfigCommand(t *testing.T) {
	ctx := context.Background()
	s := &fakeSettings{}
	d, _ := newTestDispatcher(t, nil, s)

	if reply := d.Execute(ctx, "config", "save", nil); reply != "Saved to /tmp/config.yaml" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if s.saved != 1 {
		t.Fatalf("expected 1 save, got %d", s.saved)
	}
	s.saveErr = errors.New("read-only")
	if reply := d.Execute(ctx, "cfg", "save", nil); reply != "✗ Failed: read-only" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestLogsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "langtars.log")
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line "+string(rune('a'+i%26)))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := New(Options{LogFile: path})

	reply := d.Execute(context.Background(), "logs", "3", nil)
	want := "```\n" + strings.Join(lines[27:], "\n") + "\n```"
	if reply != want {
		t.Fatalf("expected %q, got %q", want, reply)
	}

	missing := New(Options{LogFile: filepath.Join(t.TempDir(), "none.log")})
	if reply := missing.Execute(context.Background(), "logs", "", nil); reply != "No logs yet." {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestAutoNotifiesResult(t *testing.T) {
	d, _ := newTestDispatcher(t, doneLLM{}, nil)
	notified := make(chan string, 1)

	reply := d.Execute(context.Background(), "auto", "tidy the desktop", func(s string) { notified <- s })
	if !strings.HasPrefix(reply, "Task started (") {
		t.Fatalf("expected start reply, got %q", reply)
	}

	select {
	case got := <-notified:
		if got != "✓ all set" {
			t.Fatalf("expected %q, got %q", "✓ all set", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no notification")
	}
}

func TestAutoAndStop(t *testing.T) {
	ctx := context.Background()
	client := &blockingLLM{started: make(chan struct{}, 1)}
	d, _ := newTestDispatcher(t, client, nil)
	notified := make(chan string, 1)

	if reply := d.Execute(ctx, "stop", "", nil); reply != "No task is running." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if reply := d.Execute(ctx, "auto", "", nil); !strings.HasPrefix(reply, "Usage:") {
		t.Fatalf("expected usage, got %q", reply)
	}

	d.Execute(ctx, "auto", "wait forever", func(s string) { notified <- s })
	select {
	case <-client.started:
	case <-time.After(10 * time.Second):
		t.Fatal("model was never called")
	}

	if reply := d.Execute(ctx, "run", "second task", nil); !strings.HasPrefix(reply, "A task is already running.") {
		t.Fatalf("expected busy reply, got %q", reply)
	}
	if reply := d.Execute(ctx, "pause", "", nil); !strings.HasPrefix(reply, "Stopping task ") {
		t.Fatalf("expected stop reply, got %q", reply)
	}

	select {
	case got := <-notified:
		if got != "Task stopped." {
			t.Fatalf("expected %q, got %q", "Task stopped.", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no notification")
	}
}

// newSharedDispatcher wires a background runner and a worker supervisor
// onto one execution context, the way the server does.
func newSharedDispatcher(t *testing.T, client llm.Client) (*Dispatcher, *isolate.Supervisor) {
	t.Helper()
	cfg := backend.DefaultConfig()
	cfg.Workspace = t.TempDir()
	host := backend.New(cfg)

	exec := agent.NewExecutionContext(nil, nil)
	engine := agent.NewEngine(agent.Config{MaxIterations: 3}, client, tools.New(tools.Options{Host: host}), exec)
	runner := &isolate.Runner{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30", "worker"}, Grace: 200 * time.Millisecond}
	sup := isolate.NewSupervisor(runner, nil, nil, nil, isolate.WithExecution(exec))
	t.Cleanup(func() {
		if id, ok := sup.Stop(); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sup.Wait(ctx, id)
		}
	})
	return New(Options{Host: host, Background: agent.NewBackground(engine, nil), Isolated: sup}), sup
}

func TestWorkerAndEngineShareTaskSlot(t *testing.T) {
	ctx := context.Background()

	t.Run("worker first", func(t *testing.T) {
		d, sup := newSharedDispatcher(t, doneLLM{})
		id, err := sup.Start(isolate.Args{Description: "sleep"})
		if err != nil {
			t.Fatal(err)
		}
		if reply := d.Execute(ctx, "auto", "tidy the desktop", nil); !strings.HasPrefix(reply, "A task is already running.") {
			t.Fatalf("expected busy reply, got %q", reply)
		}
		if reply := d.Execute(ctx, "stop", "", nil); reply != "Stopping task "+id+"..." {
			t.Fatalf("expected %q, got %q", "Stopping task "+id+"...", reply)
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if !sup.Wait(wctx, id) {
			t.Fatal("worker never exited")
		}

		notified := make(chan string, 1)
		if reply := d.Execute(ctx, "auto", "tidy the desktop", func(s string) { notified <- s }); !strings.HasPrefix(reply, "Task started (") {
			t.Fatalf("expected start reply once the worker exited, got %q", reply)
		}
		select {
		case got := <-notified:
			if got != "✓ all set" {
				t.Fatalf("expected %q, got %q", "✓ all set", got)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("no notification")
		}
	})

	t.Run("engine first", func(t *testing.T) {
		client := &blockingLLM{started: make(chan struct{}, 1)}
		d, sup := newSharedDispatcher(t, client)
		notified := make(chan string, 1)
		d.Execute(ctx, "auto", "wait forever", func(s string) { notified <- s })
		select {
		case <-client.started:
		case <-time.After(10 * time.Second):
			t.Fatal("model was never called")
		}

		if _, err := sup.Start(isolate.Args{Description: "sleep"}); !errors.Is(err, agent.ErrTaskRunning) {
			t.Fatalf("expected ErrTaskRunning, got %v", err)
		}
		if _, _, running := sup.Current(); running {
			t.Fatal("expected no worker")
		}
		if reply := d.Execute(ctx, "stop", "", nil); !strings.HasPrefix(reply, "Stopping task ") {
			t.Fatalf("expected stop reply, got %q", reply)
		}
		select {
		case got := <-notified:
			if got != "Task stopped." {
				t.Fatalf("expected %q, got %q", "Task stopped.", got)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("no notification")
		}
	})
}

func TestTaskReply(t *testing.T) {
	cases := []struct {
		res  agent.Result
		want string
	}{
		{agent.Result{Status: agent.StatusDone, Text: "Cleaned up"}, "✓ Cleaned up"},
		{agent.Result{Status: agent.StatusDone}, "✓ Task completed."},
		{agent.Result{Status: agent.StatusStopped, Text: "whatever"}, "Task stopped."},
		{agent.Result{Status: agent.StatusIncomplete, Text: "Reached 5 iterations"}, "Reached 5 iterations"},
	}
	for _, c := range cases {
		if got := TaskReply(c.res); got != c.want {
			t.Fatalf("expected %q, got %q", c.want, got)
		}
	}
}
