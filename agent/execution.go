package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langbot-app/LangTARS/stop"
)

var (
	// ErrTaskRunning is returned when a task is started while another is running.
	ErrTaskRunning = errors.New("a task is already running")
	// ErrEmptyTask is returned for a blank task description.
	ErrEmptyTask = errors.New("task description is empty")
)

// Task statuses.
const (
	StatusRunning      = "running"
	StatusDone         = "done"
	StatusStopped      = "stopped"
	StatusIncomplete   = "incomplete"
	StatusAborted      = "aborted"
	StatusError        = "error"
	StatusSkillMissing = "skill_missing"
)

// Request starts a task.
type Request struct {
	Description   string `json:"task"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Model         string `json:"model,omitempty"`
	// TaskID is normally generated. The isolated worker passes the id
	// chosen by its parent.
	TaskID string `json:"task_id,omitempty"`
}

// Task is a snapshot of the running (or last) task.
type Task struct {
	ID               string    `json:"id"`
	Description      string    `json:"description"`
	MaxIterations    int       `json:"max_iterations"`
	Model            string    `json:"model,omitempty"`
	Status           string    `json:"status"`
	Stopped          bool      `json:"stopped"`
	Iteration        int       `json:"iteration"`
	LLMCalls         int       `json:"llm_calls"`
	InvalidResponses int       `json:"invalid_responses"`
	StartedAt        time.Time `json:"started_at"`
}

// ExecutionContext owns the single running task of a process: its
// counters, its stop latch and the cancel function of its context.
type ExecutionContext struct {
	mu       sync.Mutex
	signal   stop.Signal
	logger   *slog.Logger
	task     Task
	running  bool
	cancel   context.CancelFunc
	lastCall time.Time

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// ExecutionOption configures an ExecutionContext.
type ExecutionOption func(*ExecutionContext)

// WithClock replaces the wall clock used for rate limiting.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) ExecutionOption {
	return func(ec *ExecutionContext) {
		ec.now = now
		ec.after = after
	}
}

// NewExecutionContext creates a context. signal may be nil when no
// cross-process stop channel is wanted.
func NewExecutionContext(signal stop.Signal, logger *slog.Logger, opts ...ExecutionOption) *ExecutionContext {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ec := &ExecutionContext{
		signal: signal,
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}
	for _, o := range opts {
		o(ec)
	}
	return ec
}

// Begin resets the context and installs a new task. The returned
// context is cancelled by Stop and by Finish.
func (ec *ExecutionContext) Begin(ctx context.Context, req Request) (context.Context, Task, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, Task{}, ErrEmptyTask
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.running {
		return nil, Task{}, ErrTaskRunning
	}
	ec.resetLocked(ctx)

	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	ec.task = Task{
		ID:            id,
		Description:   desc,
		MaxIterations: req.MaxIterations,
		Model:         req.Model,
		Status:        StatusRunning,
		StartedAt:     ec.now(),
	}
	ec.running = true

	taskCtx, cancel := context.WithCancel(ctx)
	ec.cancel = cancel
	return taskCtx, ec.task, nil
}

// Reset clears the task, its counters and the stop latch, and clears
// the cross-process signal. It does not touch a running task's context.
func (ec *ExecutionContext) Reset() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.running {
		return
	}
	ec.resetLocked(context.Background())
}

func (ec *ExecutionContext) resetLocked(ctx context.Context) {
	ec.task = Task{}
	if ec.signal != nil {
		if err := ec.signal.Clear(ctx); err != nil {
			ec.logger.Warn("clear stop signal", "error", err)
		}
	}
}

// Finish records the terminal status and releases the task.
func (ec *ExecutionContext) Finish(status string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.running {
		return
	}
	ec.task.Status = status
	ec.running = false
	if ec.cancel != nil {
		ec.cancel()
		ec.cancel = nil
	}
}

// Stop latches the stop flag, raises the cross-process signal and
// cancels the task context. It reports false when nothing is running.
func (ec *ExecutionContext) Stop() (string, bool) {
	ec.mu.Lock()
	if !ec.running {
		ec.mu.Unlock()
		return "", false
	}
	ec.task.Stopped = true
	id := ec.task.ID
	cancel := ec.cancel
	ec.mu.Unlock()

	if ec.signal != nil {
		if err := ec.signal.Raise(context.Background(), id); err != nil {
			ec.logger.Warn("raise stop signal", "task_id", id, "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	ec.logger.Info("task stop requested", "task_id", id)
	return id, true
}

// Stopped reports whether the task must stop: the local latch is set or
// the cross-process signal is raised. The latter latches too.
func (ec *ExecutionContext) Stopped(ctx context.Context) bool {
	ec.mu.Lock()
	if ec.task.Stopped {
		ec.mu.Unlock()
		return true
	}
	ec.mu.Unlock()

	if ec.signal == nil || !ec.signal.Raised(ctx) {
		return false
	}

	ec.mu.Lock()
	ec.task.Stopped = true
	ec.mu.Unlock()
	return true
}

// Current returns a snapshot of the task and whether it is running.
func (ec *ExecutionContext) Current() (Task, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.task, ec.running
}

// WaitRateLimit blocks until at least min has passed since the previous
// model call, then records the current time as the new call time. The
// gap is enforced across tasks.
func (ec *ExecutionContext) WaitRateLimit(ctx context.Context, min time.Duration) error {
	ec.mu.Lock()
	wait := time.Duration(0)
	if !ec.lastCall.IsZero() {
		wait = ec.lastCall.Add(min).Sub(ec.now())
	}
	ec.mu.Unlock()

	if wait > 0 {
		ec.logger.Debug("rate limit wait", "wait", wait)
		select {
		case <-ec.after(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ec.mu.Lock()
	ec.lastCall = ec.now()
	ec.mu.Unlock()
	return nil
}

func (ec *ExecutionContext) update(fn func(t *Task)) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	fn(&ec.task)
}
