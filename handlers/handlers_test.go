package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/isolate"
	"github.com/langbot-app/LangTARS/llm"
	"github.com/langbot-app/LangTARS/skills"
	"github.com/langbot-app/LangTARS/store"
	"github.com/langbot-app/LangTARS/tools"
	"github.com/langbot-app/LangTARS/tracing"
)

// doneLLM finishes every task on the first call.
type doneLLM struct{}

func (doneLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return llm.Collect(ctx, doneLLM{}, req)
}

func (doneLLM) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	defer close(ch)
	ch <- llm.StreamChunk{Delta: "DONE: finished"}
	ch <- llm.StreamChunk{Done: true}
	return nil
}

// blockingLLM never answers; the call ends when the task is stopped.
type blockingLLM struct {
	started chan struct{}
}

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

func newTestDeps(t *testing.T, client llm.Client) *Deps {
	t.Helper()
	mem := store.NewMemory(time.Hour)
	t.Cleanup(func() { mem.Close() })
	traces := tracing.NewStore(10)
	reg := tools.New(tools.Options{})

	engine := agent.NewEngine(agent.Config{MaxIterations: 3}, client, reg, agent.NewExecutionContext(nil, nil),
		agent.WithHooks(tracing.NewTracingHook()),
		agent.WithRecorder(store.Recorder(mem)),
		agent.WithRecorder(traces),
	)
	return &Deps{
		Background: agent.NewBackground(engine, nil, agent.WithTaskContext(traces.Attach)),
		Registry:   reg,
		Store:      mem,
		Traces:     traces,
	}
}

func newMux(deps *Deps) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func startTask(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/tasks", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	decode(t, w, &resp)
	if resp.TaskID == "" {
		t.Fatal("expected a task id")
	}
	return resp.TaskID
}

func waitTask(t *testing.T, deps *Deps, id string) *agent.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, ok := deps.Background.Wait(ctx, id)
	if !ok {
		t.Fatalf("task %s did not finish", id)
	}
	return res
}

func TestStartAndStopTask(t *testing.T) {
	client := &blockingLLM{started: make(chan struct{}, 1)}
	deps := newTestDeps(t, client)
	mux := newMux(deps)

	id := startTask(t, mux, `{"task":"list files in /tmp"}`)
	<-client.started

	if w := do(t, mux, http.MethodPost, "/tasks", `{"task":"another"}`); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w := do(t, mux, http.MethodGet, "/tasks/current", "")
	var cur struct {
		Running bool       `json:"running"`
		Task    agent.Task `json:"task"`
	}
	decode(t, w, &cur)
	if !cur.Running || cur.Task.ID != id {
		t.Fatalf("expected task %s running, got %+v", id, cur)
	}

	w = do(t, mux, http.MethodGet, "/tasks/"+id, "")
	var running store.TaskRecord
	decode(t, w, &running)
	if running.Status != agent.StatusRunning || running.Description != "list files in /tmp" {
		t.Fatalf("expected a running record, got %+v", running)
	}

	if w := do(t, mux, http.MethodPost, "/tasks/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := waitTask(t, deps, id); res.Status != agent.StatusStopped {
		t.Fatalf("expected %q, got %q", agent.StatusStopped, res.Status)
	}

	w = do(t, mux, http.MethodGet, "/tasks/"+id, "")
	var rec store.TaskRecord
	decode(t, w, &rec)
	if rec.Status != agent.StatusStopped {
		t.Fatalf("expected a stopped record, got %+v", rec)
	}

	if w := do(t, mux, http.MethodPost, "/tasks/stop", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nothing running, got %d", w.Code)
	}
}

func TestIsolatedTaskHoldsSlot(t *testing.T) {
	exec := agent.NewExecutionContext(nil, nil)
	deps := newTestDeps(t, doneLLM{})
	deps.Background = agent.NewBackground(agent.NewEngine(agent.Config{MaxIterations: 3}, doneLLM{}, deps.Registry, exec), nil)
	runner := &isolate.Runner{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30", "worker"}, Grace: 200 * time.Millisecond}
	deps.Isolated = isolate.NewSupervisor(runner, nil, nil, nil, isolate.WithExecution(exec))
	mux := newMux(deps)

	id := startTask(t, mux, `{"task":"sleep","isolated":true}`)
	if w := do(t, mux, http.MethodPost, "/tasks", `{"task":"in process"}`); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while the worker runs, got %d: %s", w.Code, w.Body.String())
	}
	if task, running := deps.Background.Current(); !running || task.ID != id {
		t.Fatalf("expected the worker task %s in the engine slot, got %+v", id, task)
	}

	w := do(t, mux, http.MethodPost, "/tasks/stop", "")
	var stopped struct {
		TaskID string `json:"task_id"`
	}
	decode(t, w, &stopped)
	if stopped.TaskID != id {
		t.Fatalf("expected %q, got %q", id, stopped.TaskID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !deps.Isolated.Wait(ctx, id) {
		t.Fatal("worker never exited")
	}

	next := startTask(t, mux, `{"task":"in process"}`)
	if res := waitTask(t, deps, next); res.Status != agent.StatusDone {
		t.Fatalf("expected %q, got %q", agent.StatusDone, res.Status)
	}
}

func TestStartTaskValidation(t *testing.T) {
	mux := newMux(newTestDeps(t, doneLLM{}))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty task", `{"task":"  "}`, http.StatusBadRequest},
		{"isolation not configured", `{"task":"x","isolated":true}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, mux, http.MethodPost, "/tasks", tt.body); w.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}

	if w := do(t, mux, http.MethodDelete, "/tasks", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if w := do(t, mux, http.MethodGet, "/tasks/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(t, mux, http.MethodGet, "/tasks?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestFinishedTask(t *testing.T) {
	deps := newTestDeps(t, doneLLM{})
	bus := NewEventBus()
	deps.EventBus = bus
	sub := bus.Subscribe()
	mux := newMux(deps)

	id := startTask(t, mux, `{"task":"say hi"}`)
	res := waitTask(t, deps, id)
	if res.Status != agent.StatusDone || res.Text != "finished" {
		t.Fatalf("expected done/finished, got %+v", res)
	}

	var names []string
	timeout := time.After(5 * time.Second)
	for len(names) < 2 {
		select {
		case ev := <-sub:
			names = append(names, ev.Name)
		case <-timeout:
			t.Fatalf("expected start and finish events, got %v", names)
		}
	}
	if names[0] != EventTaskStarted || names[1] != EventTaskFinished {
		t.Fatalf("expected %v, got %v", []string{EventTaskStarted, EventTaskFinished}, names)
	}

	t.Run("list", func(t *testing.T) {
		w := do(t, mux, http.MethodGet, "/tasks?limit=5", "")
		var recs []store.TaskRecord
		decode(t, w, &recs)
		if len(recs) != 1 || recs[0].ID != id || recs[0].Result != "finished" {
			t.Fatalf("unexpected records %+v", recs)
		}
	})

	t.Run("trace", func(t *testing.T) {
		w := do(t, mux, http.MethodGet, "/tasks/"+id+"/trace", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var tr struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
			Spans  []struct {
				Name string `json:"name"`
			} `json:"spans"`
		}
		decode(t, w, &tr)
		if tr.TaskID != id || tr.Status != agent.StatusDone {
			t.Fatalf("unexpected trace %+v", tr)
		}
		found := false
		for _, s := range tr.Spans {
			if s.Name == "llm.call" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected an llm.call span, got %+v", tr.Spans)
		}
		if w := do(t, mux, http.MethodGet, "/tasks/nope/trace", ""); w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})

	t.Run("stream replays", func(t *testing.T) {
		w := do(t, mux, http.MethodGet, "/tasks/"+id+"/stream", "")
		body := w.Body.String()
		if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Fatalf("expected %q, got %q", "text/event-stream", ct)
		}
		for _, want := range []string{"event: task_start", "event: done", `"finished"`} {
			if !strings.Contains(body, want) {
				t.Fatalf("expected %q in stream, got %s", want, body)
			}
		}
	})

	t.Run("stream from store", func(t *testing.T) {
		deps.Store.Save(context.Background(), store.TaskRecord{ID: "old", Status: agent.StatusDone, Result: "archived"})
		w := do(t, mux, http.MethodGet, "/tasks/old/stream", "")
		if !strings.Contains(w.Body.String(), "event: done") || !strings.Contains(w.Body.String(), "archived") {
			t.Fatalf("expected a single done event, got %s", w.Body.String())
		}
		if w := do(t, mux, http.MethodGet, "/tasks/missing/stream", ""); w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})
}

func TestWebSocket(t *testing.T) {
	deps := newTestDeps(t, doneLLM{})
	srv := httptest.NewServer(newMux(deps))
	defer srv.Close()

	id, _, err := deps.Background.Start(agent.Request{Description: "say hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitTask(t, deps, id)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var last agent.StreamEvent
	for {
		var ev agent.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected a normal close, got %v", err)
			}
			break
		}
		if ev.TaskID != id {
			t.Fatalf("expected task %s, got %s", id, ev.TaskID)
		}
		last = ev
	}
	if last.Event != agent.EventDone {
		t.Fatalf("expected the last event to be %q, got %q", agent.EventDone, last.Event)
	}

	resp, err := http.Get(srv.URL + "/tasks/nope/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTools(t *testing.T) {
	deps := newTestDeps(t, doneLLM{})
	mux := newMux(deps)

	w := do(t, mux, http.MethodGet, "/tools", "")
	etag := w.Header().Get("ETag")
	if w.Code != http.StatusOK || etag == "" {
		t.Fatalf("expected 200 with an ETag, got %d %q", w.Code, etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}

	body := `{"name":"weather","description":"Weather lookup","callback_url":"http://127.0.0.1:1"}`
	if w := do(t, mux, http.MethodPost, "/tools/register", body); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, mux, http.MethodPost, "/tools/register", body); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate, got %d", w.Code)
	}
	if w := do(t, mux, http.MethodPost, "/tools/register", `{"name":"x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = do(t, mux, http.MethodGet, "/tools", "")
	if w.Header().Get("ETag") == etag {
		t.Fatal("expected the ETag to change after a registration")
	}
	var listing struct {
		Tools []tools.Info `json:"tools"`
	}
	decode(t, w, &listing)
	if len(listing.Tools) != 1 || listing.Tools[0].Name != "weather" || listing.Tools[0].Source != tools.SourceDynamic {
		t.Fatalf("unexpected tools %+v", listing.Tools)
	}
}

func TestSkills(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "weather")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "skill: weather\ndescription: Weather lookup\nadds: [a.ts]\n"
	if err := os.WriteFile(filepath.Join(skillDir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	hub := httptest.NewServer(http.NotFoundHandler())
	defer hub.Close()
	loader := skills.NewLoader(skills.Config{Dir: dir, HubURL: hub.URL, GitHubURL: hub.URL})
	if err := loader.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	deps := newTestDeps(t, doneLLM{})
	deps.Skills = loader
	deps.Installer = tools.NewSkillInstaller(deps.Registry, loader)
	mux := newMux(deps)

	var all []skills.Skill
	decode(t, do(t, mux, http.MethodGet, "/skills", ""), &all)
	if len(all) != 1 || all[0].Name != "weather" {
		t.Fatalf("unexpected skills %+v", all)
	}

	var found []skills.Skill
	decode(t, do(t, mux, http.MethodGet, "/skills/search?q=lookup", ""), &found)
	if len(found) != 1 {
		t.Fatalf("expected 1 match, got %+v", found)
	}
	if w := do(t, mux, http.MethodGet, "/skills/search", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w := do(t, mux, http.MethodPost, "/skills/install", `{"name":"teleport"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var res skills.InstallResult
	decode(t, w, &res)
	if res.Success || res.Error != "Failed to install skill: teleport" {
		t.Fatalf("unexpected result %+v", res)
	}
	if w := do(t, mux, http.MethodPost, "/skills/install", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	bus.Unsubscribe(b)

	bus.Broadcast(EventToolsChanged, map[string]string{"tool": "x"})
	select {
	case ev := <-a:
		if ev.Name != EventToolsChanged {
			t.Fatalf("expected %q, got %q", EventToolsChanged, ev.Name)
		}
	default:
		t.Fatal("expected the subscriber to receive the event")
	}
	select {
	case ev := <-b:
		t.Fatalf("expected no event after unsubscribe, got %+v", ev)
	default:
	}

	// A full subscriber drops events instead of blocking.
	for i := 0; i < 32; i++ {
		bus.Broadcast(EventTaskStarted, nil)
	}
	if len(a) != cap(a) {
		t.Fatalf("expected a full buffer, got %d of %d", len(a), cap(a))
	}
}

func TestEventsEndpoint(t *testing.T) {
	deps := newTestDeps(t, doneLLM{})
	deps.EventBus = NewEventBus()
	srv := httptest.NewServer(newMux(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The subscription is registered once the handler runs; keep
	// broadcasting until the client sees it.
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 512)
		var acc bytes.Buffer
		for {
			n, err := resp.Body.Read(buf)
			acc.Write(buf[:n])
			if strings.Contains(acc.String(), "event: skills_changed") {
				got <- acc.String()
				return
			}
			if err != nil {
				return
			}
		}
	}()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case body := <-got:
			if !strings.Contains(body, `"skill":"weather"`) {
				t.Fatalf("expected the event data, got %s", body)
			}
			return
		case <-tick.C:
			deps.EventBus.Broadcast(EventSkillsChanged, map[string]string{"skill": "weather"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
