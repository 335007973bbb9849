package isolate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/stop"
)

// Worker exit codes. A worker maps its task status onto these so the
// parent can record the outcome without parsing stdout.
const (
	ExitDone         = 0
	ExitError        = 1
	ExitStopped      = 2
	ExitIncomplete   = 3
	ExitAborted      = 4
	ExitSkillMissing = 5
)

var exitCodes = map[string]int{
	agent.StatusDone:         ExitDone,
	agent.StatusError:        ExitError,
	agent.StatusStopped:      ExitStopped,
	agent.StatusIncomplete:   ExitIncomplete,
	agent.StatusAborted:      ExitAborted,
	agent.StatusSkillMissing: ExitSkillMissing,
}

// ExitCode is the worker exit code for a task status.
func ExitCode(status string) int {
	if code, ok := exitCodes[status]; ok {
		return code
	}
	return ExitError
}

// StatusFromExit reverses ExitCode. Unknown codes, including signal
// exits, are errors.
func StatusFromExit(code int) string {
	for status, c := range exitCodes {
		if c == code {
			return status
		}
	}
	return agent.StatusError
}

// Outcome is what the parent knows about a finished worker.
type Outcome struct {
	Args     Args
	Status   string
	ExitCode int
	// Last is the final progress line as printed.
	Last string
	// Text is the task's answer when the worker printed one, otherwise
	// Last without its task prefix.
	Text       string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Supervisor keeps at most one worker running, fans its progress lines
// out to subscribers and reports the outcome when it exits.
type Supervisor struct {
	runner *Runner
	signal stop.Signal
	exec   *agent.ExecutionContext
	logger *slog.Logger
	onExit func(Outcome)

	mu   sync.Mutex
	cur  *supervised
	runs map[string]*supervised
	ids  []string
}

type supervised struct {
	args    Args
	proc    *Process
	cancel  context.CancelFunc
	started time.Time

	done chan struct{}

	mu      sync.Mutex
	stopped bool
	lines   []string
	subs    []chan string
	closed  bool
	outcome Outcome
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithExecution makes workers take the task slot of ec, the execution
// context of the in-process engine. A worker is then refused while the
// engine runs a task, the engine is refused while a worker runs, and
// the engine's Current reports the worker's task.
func WithExecution(ec *agent.ExecutionContext) SupervisorOption {
	return func(s *Supervisor) { s.exec = ec }
}

// NewSupervisor wraps a runner. signal may be nil; when set, Stop raises
// it before terminating the worker so a cooperative worker stops at its
// next check. onExit may be nil.
func NewSupervisor(r *Runner, signal stop.Signal, logger *slog.Logger, onExit func(Outcome), opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Supervisor{
		runner: r,
		signal: signal,
		logger: logger,
		onExit: onExit,
		runs:   make(map[string]*supervised),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns a worker for args and returns its task id.
func (s *Supervisor) Start(args Args) (string, error) {
	if strings.TrimSpace(args.Description) == "" {
		return "", agent.ErrEmptyTask
	}
	if args.TaskID == "" {
		args.TaskID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return "", agent.ErrTaskRunning
	}
	if s.exec != nil {
		_, _, err := s.exec.Begin(context.Background(), agent.Request{
			TaskID:        args.TaskID,
			Description:   args.Description,
			MaxIterations: args.MaxIterations,
			Model:         args.Model,
		})
		if err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := s.runner.Start(ctx, args)
	if err != nil {
		cancel()
		if s.exec != nil {
			s.exec.Finish(agent.StatusError)
		}
		return "", err
	}
	run := &supervised{args: args, proc: proc, cancel: cancel, started: time.Now(), done: make(chan struct{})}
	s.cur = run
	s.runs[args.TaskID] = run
	s.ids = append(s.ids, args.TaskID)
	for len(s.ids) > keepRuns {
		delete(s.runs, s.ids[0])
		s.ids = s.ids[1:]
	}

	go s.watch(run)
	return args.TaskID, nil
}

const keepRuns = 16

func (s *Supervisor) watch(run *supervised) {
	for line := range run.proc.Progress() {
		run.publish(line)
	}
	code, err := run.proc.Wait()
	run.cancel()
	if err != nil {
		s.logger.Warn("worker wait", "task_id", run.args.TaskID, "error", err)
	}

	run.mu.Lock()
	out := Outcome{
		Args:       run.args,
		Status:     StatusFromExit(code),
		ExitCode:   code,
		StartedAt:  run.started,
		FinishedAt: time.Now(),
	}
	if run.stopped {
		out.Status = agent.StatusStopped
	}
	if n := len(run.lines); n > 0 {
		out.Last = run.lines[n-1]
	}
	if text, ok := ResultText(run.args.TaskID, run.lines); ok {
		out.Text = text
	} else {
		out.Text = strings.TrimPrefix(out.Last, "["+run.args.TaskID+"] ")
	}
	run.outcome = out
	run.closed = true
	for _, ch := range run.subs {
		close(ch)
	}
	run.subs = nil
	run.mu.Unlock()

	s.mu.Lock()
	if s.cur == run {
		s.cur = nil
	}
	if s.exec != nil {
		s.exec.Finish(out.Status)
	}
	s.mu.Unlock()
	close(run.done)

	s.logger.Info("isolated task ended", "task_id", run.args.TaskID, "status", out.Status, "exit_code", code)
	if s.onExit != nil {
		s.onExit(out)
	}
}

// Stop terminates the running worker. It returns at once; escalation
// to SIGKILL happens in the background.
func (s *Supervisor) Stop() (string, bool) {
	s.mu.Lock()
	run := s.cur
	s.mu.Unlock()
	if run == nil {
		return "", false
	}

	run.mu.Lock()
	run.stopped = true
	run.mu.Unlock()

	id := run.args.TaskID
	if s.exec != nil {
		s.exec.Stop()
	} else if s.signal != nil {
		if err := s.signal.Raise(context.Background(), id); err != nil {
			s.logger.Warn("raise stop signal", "task_id", id, "error", err)
		}
	}
	go func() {
		if err := run.proc.Stop(); err != nil {
			s.logger.Error("stop worker", "task_id", id, "error", err)
		}
	}()
	return id, true
}

// Current returns the running worker's arguments.
func (s *Supervisor) Current() (Args, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Args{}, time.Time{}, false
	}
	return s.cur.args, s.cur.started, true
}

// Subscribe attaches to a worker's progress lines, replaying the ones
// already seen. The channel is closed when the worker exits.
func (s *Supervisor) Subscribe(taskID string) (<-chan string, bool) {
	s.mu.Lock()
	run, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	ch := make(chan string, len(run.lines)+progressBuffer)
	for _, line := range run.lines {
		ch <- line
	}
	if run.closed {
		close(ch)
	} else {
		run.subs = append(run.subs, ch)
	}
	return ch, true
}

// Wait blocks until the worker for taskID has exited and its outcome is
// known.
func (s *Supervisor) Wait(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	run, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-run.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Outcome returns the outcome of a worker that has exited.
func (s *Supervisor) Outcome(taskID string) (Outcome, bool) {
	s.mu.Lock()
	run, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return Outcome{}, false
	}
	select {
	case <-run.done:
		return run.outcome, true
	default:
		return Outcome{}, false
	}
}

func (r *supervised) publish(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == progressBuffer {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:progressBuffer-1]
	}
	r.lines = append(r.lines, line)
	for _, ch := range r.subs {
		select {
		case ch <- line:
		default:
		}
	}
}
