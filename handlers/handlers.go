// Package handlers is the HTTP control API: starting, stopping and
// watching tasks, and managing tools and skills.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/isolate"
	"github.com/langbot-app/LangTARS/skills"
	"github.com/langbot-app/LangTARS/store"
	"github.com/langbot-app/LangTARS/tools"
	"github.com/langbot-app/LangTARS/tracing"
)

const defaultListLimit = 20

// Deps holds shared dependencies injected into handlers.
type Deps struct {
	Background *agent.Background
	// Isolated runs tasks in a worker process. Nil disables isolation.
	Isolated *isolate.Supervisor
	// IsolatedDefault applies when a request does not say.
	IsolatedDefault bool
	// ConfigPath is handed to isolated workers.
	ConfigPath string

	Registry  *tools.Registry
	Skills    *skills.Loader
	Installer *tools.SkillInstaller
	Store     store.Store
	Traces    *tracing.Store
	EventBus  *EventBus

	// ResolveUser extracts the username from the request context.
	// Set by the server to bridge the auth middleware's context key.
	ResolveUser func(r *http.Request) string
	Logger      *slog.Logger
}

// RegisterRoutes registers the task, tool, skill and event routes.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	if deps.EventBus == nil {
		deps.EventBus = NewEventBus()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	h := &handler{deps: deps}

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.listTasks(w, r)
		case http.MethodPost:
			h.startTask(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")

		switch path {
		case "current":
			h.currentTask(w, r)
			return
		case "stop":
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h.stopTask(w, r)
			return
		}

		// /tasks/{id}/...
		parts := strings.SplitN(path, "/", 2)
		taskID := parts[0]
		sub := ""
		if len(parts) > 1 {
			sub = parts[1]
		}

		switch sub {
		case "":
			h.getTask(w, r, taskID)
		case "trace":
			h.getTrace(w, r, taskID)
		case "stream":
			h.streamTask(w, r, taskID)
		case "ws":
			h.websocketTask(w, r, taskID)
		case "cancel":
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			h.cancelTask(w, r, taskID)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/tools", h.listTools)
	mux.HandleFunc("/tools/register", h.registerTool)
	mux.HandleFunc("/skills", h.listSkills)
	mux.HandleFunc("/skills/search", h.searchSkills)
	mux.HandleFunc("/skills/install", h.installSkill)
	mux.HandleFunc("/events", h.events)
}

type handler struct {
	deps *Deps
}

func (h *handler) username(r *http.Request) string {
	if h.deps.ResolveUser != nil {
		return h.deps.ResolveUser(r)
	}
	return "local"
}

// --- Tasks ---

type taskRequest struct {
	Task          string `json:"task"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Model         string `json:"model,omitempty"`
	Isolated      *bool  `json:"isolated,omitempty"`
}

func (h *handler) startTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeJSONError(w, http.StatusBadRequest, agent.ErrEmptyTask.Error())
		return
	}

	isolated := h.deps.IsolatedDefault
	if req.Isolated != nil {
		isolated = *req.Isolated
	}
	if isolated && h.deps.Isolated == nil {
		writeJSONError(w, http.StatusBadRequest, "isolated execution is not configured")
		return
	}

	var (
		taskID string
		err    error
	)
	if isolated {
		taskID, err = h.deps.Isolated.Start(isolate.Args{
			Description:   req.Task,
			MaxIterations: req.MaxIterations,
			Model:         req.Model,
			ConfigPath:    h.deps.ConfigPath,
		})
	} else {
		taskID, err = h.startBackground(agent.Request{
			Description:   req.Task,
			MaxIterations: req.MaxIterations,
			Model:         req.Model,
		})
	}
	switch {
	case errors.Is(err, agent.ErrTaskRunning):
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, agent.ErrEmptyTask):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.deps.Logger.Info("task accepted", "task_id", taskID, "user", h.username(r), "isolated", isolated)
	if isolated {
		h.deps.EventBus.Broadcast(EventTaskStarted, map[string]any{"task_id": taskID, "isolated": true})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "isolated": isolated})
}

func (h *handler) startBackground(req agent.Request) (string, error) {
	id, events, err := h.deps.Background.Start(req)
	if err != nil {
		return "", err
	}
	h.deps.EventBus.Broadcast(EventTaskStarted, map[string]any{"task_id": id, "isolated": false})
	go func() {
		for range events {
		}
		res, ok := h.deps.Background.Wait(context.Background(), id)
		if !ok {
			return
		}
		h.deps.EventBus.Broadcast(EventTaskFinished, res)
	}()
	return id, nil
}

// stopRunning stops whichever path holds the task slot. The worker is
// asked first because its task also occupies the engine's slot.
func (h *handler) stopRunning() (string, bool) {
	if h.deps.Isolated != nil {
		if id, ok := h.deps.Isolated.Stop(); ok {
			return id, true
		}
	}
	return h.deps.Background.Stop()
}

func (h *handler) currentTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Isolated != nil {
		if args, started, ok := h.deps.Isolated.Current(); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"running":  true,
				"isolated": true,
				"task": agent.Task{
					ID:            args.TaskID,
					Description:   args.Description,
					MaxIterations: args.MaxIterations,
					Model:         args.Model,
					Status:        agent.StatusRunning,
					StartedAt:     started,
				},
			})
			return
		}
	}

	task, running := h.deps.Background.Current()
	resp := map[string]any{"running": running, "isolated": false}
	if task.ID != "" {
		resp["task"] = task
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) stopTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.stopRunning()
	if !ok {
		writeJSONError(w, http.StatusConflict, "no task is running")
		return
	}
	h.deps.Logger.Info("task stop requested", "task_id", id, "user", h.username(r))
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "stopped": true})
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if !h.deps.Background.Cancel(taskID) {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "cancelled": true})
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := h.deps.Store.List(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []store.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := h.deps.Store.Get(r.Context(), taskID)
	if err == nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Not recorded yet: ask the executors.
	if res, finished, ok := h.deps.Background.Lookup(taskID); ok {
		rec := store.TaskRecord{ID: taskID, Status: agent.StatusRunning}
		if task, _ := h.deps.Background.Current(); task.ID == taskID {
			rec.Description = task.Description
			rec.Model = task.Model
			rec.Iterations = task.Iteration
			rec.LLMCalls = task.LLMCalls
			rec.StartedAt = task.StartedAt
		}
		if finished {
			rec.Status = res.Status
			rec.Result = res.Text
			rec.Iterations = res.Iterations
			rec.LLMCalls = res.LLMCalls
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if h.deps.Isolated != nil {
		if args, started, ok := h.deps.Isolated.Current(); ok && args.TaskID == taskID {
			writeJSON(w, http.StatusOK, store.TaskRecord{
				ID:          args.TaskID,
				Description: args.Description,
				Model:       args.Model,
				Status:      agent.StatusRunning,
				StartedAt:   started,
			})
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "task not found")
}

func (h *handler) getTrace(w http.ResponseWriter, r *http.Request, taskID string) {
	if h.deps.Traces == nil {
		writeJSONError(w, http.StatusNotFound, "tracing is disabled")
		return
	}
	t := h.deps.Traces.Get(taskID)
	if t == nil {
		writeJSONError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

// taskEvents returns the live event stream of a task from whichever
// executor runs it. Isolated progress lines become progress events and
// the stream ends with a done event.
func (h *handler) taskEvents(ctx context.Context, taskID string) (<-chan agent.StreamEvent, bool) {
	if ch, ok := h.deps.Background.Subscribe(taskID); ok {
		return ch, true
	}
	if h.deps.Isolated == nil {
		return nil, false
	}
	lines, ok := h.deps.Isolated.Subscribe(taskID)
	if !ok {
		return nil, false
	}

	out := make(chan agent.StreamEvent, 16)
	go func() {
		defer close(out)
		send := func(ev agent.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for line := range lines {
			if !send(agent.StreamEvent{Event: agent.EventProgress, TaskID: taskID, Data: line}) {
				return
			}
		}
		send(agent.StreamEvent{Event: agent.EventDone, TaskID: taskID})
	}()
	return out, true
}

// --- Tools ---

func (h *handler) listTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	etag := `"` + h.deps.Registry.Fingerprint() + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.deps.Registry.List()})
}

type registerToolRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	CallbackURL string         `json:"callback_url"`
}

func (h *handler) registerTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" || req.CallbackURL == "" {
		writeJSONError(w, http.StatusBadRequest, "name and callback_url are required")
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	t := tools.NewHTTPTool(req.Name, req.Description, req.Parameters, req.CallbackURL)
	if !h.deps.Registry.Register(t, tools.SourceDynamic) {
		writeJSONError(w, http.StatusConflict, "tool already registered: "+req.Name)
		return
	}
	h.deps.EventBus.Broadcast(EventToolsChanged, map[string]string{"tool": req.Name})
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "fingerprint": h.deps.Registry.Fingerprint()})
}

// --- Skills ---

func (h *handler) listSkills(w http.ResponseWriter, r *http.Request) {
	if h.deps.Skills == nil {
		writeJSON(w, http.StatusOK, []*skills.Skill{})
		return
	}
	all := h.deps.Skills.All()
	if all == nil {
		all = []*skills.Skill{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handler) searchSkills(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSONError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	if h.deps.Skills == nil {
		writeJSON(w, http.StatusOK, []*skills.Skill{})
		return
	}
	found := h.deps.Skills.Search(r.Context(), q)
	if found == nil {
		found = []*skills.Skill{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *handler) installSkill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Installer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "skills are disabled")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	res, tool := h.deps.Installer.Install(r.Context(), req.Name)
	if !res.Success {
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	h.deps.EventBus.Broadcast(EventSkillsChanged, map[string]string{"skill": res.Skill, "tool": tool})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"skill":   res.Skill,
		"tool":    tool,
		"message": res.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
