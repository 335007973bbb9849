package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/langbot-app/LangTARS/llm"
)

const (
	// DefaultMaxIterations bounds a task when neither the request nor the
	// config sets a budget.
	DefaultMaxIterations = 5
	// DefaultRateLimit is the minimum gap between model calls.
	DefaultRateLimit = 3 * time.Second
	// MaxInvalidResponses aborts a task after this many consecutive
	// responses that are neither a tool call nor a directive.
	MaxInvalidResponses = 3
)

// Config tunes the engine.
type Config struct {
	MaxIterations int
	// RateLimit is the minimum gap between model calls. Zero disables it.
	RateLimit    time.Duration
	Model        string
	SystemPrompt string
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Text       string `json:"text"`
	Iterations int    `json:"iterations"`
	LLMCalls   int    `json:"llm_calls"`
}

// Recorder persists finished tasks.
type Recorder interface {
	RecordTask(ctx context.Context, task Task, res Result) error
}

// Engine runs the ReAct loop: it asks the model for the next step,
// dispatches tool calls and folds results back into the history until
// the model reports completion, the budget runs out or the task is
// stopped.
type Engine struct {
	cfg       Config
	llm       llm.Client
	tools     Dispatcher
	exec      *ExecutionContext
	skills    SkillInstaller
	hooks     []Hook
	recorders []Recorder
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHooks installs middleware. The first hook is the outermost.
func WithHooks(hooks ...Hook) EngineOption {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

// WithSkillInstaller enables automatic installs for NEED_SKILL.
func WithSkillInstaller(s SkillInstaller) EngineOption {
	return func(e *Engine) { e.skills = s }
}

// WithRecorder persists each finished task. Recorders run in order.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorders = append(e.recorders, r) }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. exec may be shared with a stop handler.
func NewEngine(cfg Config, client llm.Client, tools Dispatcher, exec *ExecutionContext, opts ...EngineOption) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt
	}
	e := &Engine{cfg: cfg, llm: client, tools: tools, exec: exec}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.exec == nil {
		e.exec = NewExecutionContext(nil, e.logger)
	}
	return e
}

// Exec returns the engine's execution context.
func (e *Engine) Exec() *ExecutionContext { return e.exec }

// Tools returns the engine's tool dispatcher.
func (e *Engine) Tools() Dispatcher { return e.tools }

// Run executes a task synchronously. An error is returned only when the
// task could not start; every other outcome is a Result.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, func(StreamEvent) {})
}

// RunStream executes a task and sends events to ch, closing it when the
// task ends. The caller must read ch until it is closed.
func (e *Engine) RunStream(ctx context.Context, req Request, ch chan<- StreamEvent) (*Result, error) {
	defer close(ch)
	res, err := e.run(ctx, req, func(ev StreamEvent) { ch <- ev })
	if err != nil {
		ch <- StreamEvent{Event: EventError, Data: map[string]string{"error": err.Error()}}
	}
	return res, err
}

// taskRun is the state of one task.
type taskRun struct {
	e          *Engine
	ctx        context.Context
	task       Task
	model      string
	maxIter    int
	history    Messages
	lastResult string
	invalid    int
	emit       func(StreamEvent)
	logger     *slog.Logger
}

func (e *Engine) run(parent context.Context, req Request, emit func(StreamEvent)) (*Result, error) {
	r, err := e.begin(parent, req, emit)
	if err != nil {
		return nil, err
	}
	res := r.complete(parent)
	return &res, nil
}

// Go starts a task on a new goroutine once it has been accepted. emit is
// called from that goroutine and must not block. The channel yields the
// result when the task ends.
func (e *Engine) Go(ctx context.Context, req Request, emit func(StreamEvent)) (Task, <-chan Result, error) {
	r, err := e.begin(ctx, req, emit)
	if err != nil {
		return Task{}, nil, err
	}
	out := make(chan Result, 1)
	go func() { out <- r.complete(ctx) }()
	return r.task, out, nil
}

func (e *Engine) begin(parent context.Context, req Request, emit func(StreamEvent)) (*taskRun, error) {
	ctx, task, err := e.exec.Begin(parent, req)
	if err != nil {
		return nil, err
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = e.cfg.MaxIterations
	}
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	e.exec.update(func(t *Task) {
		t.MaxIterations = maxIter
		t.Model = model
	})
	task.MaxIterations, task.Model = maxIter, model

	r := &taskRun{
		e:       e,
		ctx:     ctx,
		task:    task,
		model:   model,
		maxIter: maxIter,
		history: Messages{System(e.cfg.SystemPrompt), Human(task.Description)},
		emit: func(ev StreamEvent) {
			ev.TaskID = task.ID
			emit(ev)
		},
		logger: e.logger.With("task_id", task.ID),
	}
	r.logger.Info("task started", "task", truncate(task.Description, 80), "max_iterations", maxIter)
	r.emit(StreamEvent{Event: EventTaskStart, Data: task})
	return r, nil
}

// complete runs the loop and releases the execution context.
func (r *taskRun) complete(parent context.Context) Result {
	e := r.e
	res := r.loop()

	e.exec.Finish(res.Status)
	snap, _ := e.exec.Current()
	res.TaskID = snap.ID
	res.Iterations = snap.Iteration
	res.LLMCalls = snap.LLMCalls
	r.logger.Info("task finished", "status", res.Status, "iterations", res.Iterations, "llm_calls", res.LLMCalls)

	for _, rec := range e.recorders {
		if err := rec.RecordTask(context.WithoutCancel(parent), snap, res); err != nil {
			r.logger.Warn("record task", "error", err)
		}
	}
	r.emit(StreamEvent{Event: EventDone, Data: res})
	return res
}

func (r *taskRun) loop() Result {
	e := r.e
	for _, hook := range e.hooks {
		s := StartSpan(r.ctx, "hook.before_task/"+hook.Name())
		err := hook.BeforeTask(r.ctx, &r.task)
		if err != nil {
			s.Set("error", err.Error())
		}
		s.End()
		if err != nil {
			return Result{Status: StatusError, Text: errorText(fmt.Errorf("hook %s: %w", hook.Name(), err))}
		}
	}

	for iter := 1; iter <= r.maxIter; iter++ {
		r.e.exec.update(func(t *Task) { t.Iteration = iter })

		if r.stopped() {
			return Result{Status: StatusStopped, Text: stoppedText(r.lastResult)}
		}
		r.emit(StreamEvent{Event: EventIteration, Iteration: iter})

		if err := e.exec.WaitRateLimit(r.ctx, e.cfg.RateLimit); err != nil || r.stopped() {
			return Result{Status: StatusStopped, Text: stoppedText(r.lastResult)}
		}

		resp, err := r.callModel(iter)
		e.exec.update(func(t *Task) { t.LLMCalls++ })
		if err != nil {
			if r.ctx.Err() != nil {
				return Result{Status: StatusStopped, Text: stoppedText(r.lastResult)}
			}
			r.logger.Error("model call failed", "iteration", iter, "error", err)
			if llm.IsRateLimit(err) {
				return Result{Status: StatusError, Text: rateLimitText(err)}
			}
			return Result{Status: StatusError, Text: errorText(err)}
		}

		if len(resp.ToolCalls) > 0 {
			calls := make([]ToolCall, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				calls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args, RawArgs: tc.RawArgs}
				if calls[i].ID == "" {
					calls[i].ID = fmt.Sprintf("call_%d_%d", iter, i)
				}
			}
			r.history = r.history.Add(AI(resp.Content, calls...))
			for _, call := range calls {
				if res, done := r.runTool(iter, call); done {
					return res
				}
			}
			r.resetInvalid()
			continue
		}

		d := ParseDirective(resp.Content)
		switch d.Kind {
		case DirectiveDone:
			return Result{Status: StatusDone, Text: d.Text}

		case DirectiveWorking:
			r.history = r.history.Add(AI(resp.Content), Human(continueMessage(d.Text)))
			r.resetInvalid()
			r.emit(StreamEvent{Event: EventProgress, Iteration: iter, Data: d.Text})

		case DirectiveNeedSkill:
			if res, done := r.needSkill(iter, resp.Content, d.Text); done {
				return res
			}
			r.resetInvalid()

		case DirectiveToolCall:
			call := d.Call
			call.ID = fmt.Sprintf("call_%d", iter)
			r.history = r.history.Add(AI(resp.Content, call))
			if res, done := r.runTool(iter, call); done {
				return res
			}
			r.resetInvalid()

		case DirectiveEmpty:
			r.logger.Warn("empty model response", "iteration", iter)
			r.history = r.history.Add(Human(invalidNudge))

		default:
			r.invalid++
			n := r.invalid
			e.exec.update(func(t *Task) { t.InvalidResponses = n })
			r.logger.Warn("unrecognized model response", "iteration", iter, "count", n, "kind", d.Kind.String())
			if n >= MaxInvalidResponses {
				return Result{Status: StatusAborted, Text: abortText(n, resp.Content)}
			}
			r.history = r.history.Add(AI(resp.Content), Human(invalidNudge))
		}
	}

	return Result{Status: StatusIncomplete, Text: maxIterationsText(r.maxIter, r.lastResult)}
}

func (r *taskRun) stopped() bool {
	return r.ctx.Err() != nil || r.e.exec.Stopped(r.ctx)
}

func (r *taskRun) resetInvalid() {
	r.invalid = 0
	r.e.exec.update(func(t *Task) { t.InvalidResponses = 0 })
}

// runTool dispatches one call and folds the result into the history. It
// reports done when the task was stopped around the dispatch.
func (r *taskRun) runTool(iter int, call ToolCall) (Result, bool) {
	if r.stopped() {
		return Result{Status: StatusStopped, Text: stoppedText(r.lastResult)}, true
	}

	r.logger.Info("tool call", "iteration", iter, "tool", call.Name)
	r.emit(StreamEvent{Event: EventToolStart, Iteration: iter, Name: call.Name, Data: map[string]any{"input": call.Args}})

	result := r.toolChain()(r.ctx, call)
	r.lastResult = result.String()

	r.emit(StreamEvent{Event: EventToolEnd, Iteration: iter, Name: call.Name, Data: result})

	if r.stopped() {
		return Result{Status: StatusStopped, Text: stoppedAfterToolText(r.lastResult)}, true
	}
	r.history = r.history.Add(ToolMsg(call.ID, call.Name, toolResultMessage(r.lastResult)))
	return Result{}, false
}

// needSkill tries to install a skill for the capability the model asked
// for. On failure the task ends with a suggestion for the user.
func (r *taskRun) needSkill(iter int, content, need string) (Result, bool) {
	e := r.e
	if e.skills == nil {
		return Result{Status: StatusSkillMissing, Text: SkillSuggestion(need, nil)}, true
	}

	r.logger.Info("model requested a skill", "need", need)
	tool, err := e.skills.InstallSkill(r.ctx, need)
	if err == nil {
		r.history = r.history.Add(AI(content), Human(skillInstalledMessage(tool, need)))
		r.emit(StreamEvent{Event: EventProgress, Iteration: iter, Data: "Installed skill " + tool})
		return Result{}, false
	}
	r.logger.Warn("skill install failed", "need", need, "error", err)
	return Result{Status: StatusSkillMissing, Text: SkillSuggestion(need, e.skills.SuggestSkills(r.ctx, need))}, true
}

// callModel sends the history plus the transient reminder through the
// hook chain and streams deltas as events.
func (r *taskRun) callModel(iter int) (*llm.Response, error) {
	e := r.e
	msgs := make([]Message, len(r.history), len(r.history)+1)
	copy(msgs, r.history)
	msgs = append(msgs, Human(Reminder(r.task.Description, e.tools.Describe())))

	for _, hook := range e.hooks {
		var err error
		msgs, err = hook.ModifyRequest(r.ctx, msgs)
		if err != nil {
			return nil, fmt.Errorf("hook %s ModifyRequest: %w", hook.Name(), err)
		}
	}
	if err := Messages(msgs).Validate(); err != nil {
		e.logger.Debug("malformed history", "task_id", r.task.ID, "error", err)
	}
	RecordEvent(r.ctx, "llm.input", map[string]any{
		"iteration":     iter,
		"message_count": len(msgs),
		"last_message":  truncate(msgs[len(msgs)-1].Content, 500),
	})

	base := func(ctx context.Context, msgs []Message) (*llm.Response, error) {
		return r.stream(ctx, iter, msgs)
	}
	fn := base
	for i := len(e.hooks) - 1; i >= 0; i-- {
		hook, next := e.hooks[i], fn
		fn = func(ctx context.Context, msgs []Message) (*llm.Response, error) {
			return hook.WrapModelCall(ctx, msgs, next)
		}
	}

	r.emit(StreamEvent{Event: EventModelStart, Iteration: iter, Name: r.model})
	resp, err := fn(context.WithValue(r.ctx, modelCallKey{}, r), msgs)
	if err != nil {
		return nil, err
	}
	r.emit(StreamEvent{Event: EventModelEnd, Iteration: iter, Name: r.model})
	return resp, nil
}

type modelCallKey struct{}

// ReserveModelCall lets a hook that calls the model itself, such as a
// history summarizer, take its turn like the loop does: it waits out the
// rate limit and counts the call against the task. Outside a model call
// it returns nil at once.
func ReserveModelCall(ctx context.Context) error {
	r, ok := ctx.Value(modelCallKey{}).(*taskRun)
	if !ok {
		return nil
	}
	if err := r.e.exec.WaitRateLimit(ctx, r.e.cfg.RateLimit); err != nil {
		return err
	}
	r.e.exec.update(func(t *Task) { t.LLMCalls++ })
	return nil
}

func (r *taskRun) stream(ctx context.Context, iter int, msgs []Message) (*llm.Response, error) {
	req := llm.Request{
		Model:     r.model,
		Messages:  convertMessages(msgs),
		MaxTokens: 4096,
	}

	chunkCh := make(chan llm.StreamChunk, 64)
	var (
		streamErr error
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamErr = r.e.llm.Stream(ctx, req, chunkCh)
	}()

	resp := &llm.Response{}
	var chunkErr error
	for chunk := range chunkCh {
		if chunk.Error != nil && chunkErr == nil {
			chunkErr = chunk.Error
		}
		if chunk.Delta != "" {
			resp.Content += chunk.Delta
			r.emit(StreamEvent{Event: EventModelDelta, Iteration: iter, Name: r.model, Data: chunk.Delta})
		}
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
	}
	wg.Wait()
	if streamErr != nil {
		return nil, streamErr
	}
	if chunkErr != nil {
		return nil, chunkErr
	}
	return resp, nil
}

func (r *taskRun) toolChain() ToolCallFunc {
	fn := ToolCallFunc(r.e.tools.Dispatch)
	for i := len(r.e.hooks) - 1; i >= 0; i-- {
		hook, next := r.e.hooks[i], fn
		fn = func(ctx context.Context, call ToolCall) ToolResult {
			return hook.WrapToolCall(ctx, call, next)
		}
	}
	return fn
}

func convertMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, llm.ToolCallInfo{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Args,
			})
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
