package isolate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	DefaultGrace   = 3 * time.Second
	reapMargin     = time.Second
	progressBuffer = 256
)

// ErrNotRunning is returned when stopping a process that was never started.
var ErrNotRunning = errors.New("worker process not running")

// Runner starts worker processes.
type Runner struct {
	// Path is the worker binary.
	Path string
	// Args are placed before the token.
	Args []string
	// Env, when set, replaces the inherited environment.
	Env []string
	// Grace is how long Stop waits after SIGTERM before SIGKILL.
	Grace  time.Duration
	Logger *slog.Logger
}

// Process is a running worker.
type Process struct {
	TaskID string

	cmd      *exec.Cmd
	grace    time.Duration
	logger   *slog.Logger
	progress chan string
	done     chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start spawns the worker for args. Cancelling ctx terminates the
// worker the same way Stop does.
func (r *Runner) Start(ctx context.Context, args Args) (*Process, error) {
	if r.Path == "" {
		return nil, errors.New("worker path is empty")
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("task_id", args.TaskID)

	argv := append(append([]string{}, r.Args...), EncodeArgs(args))
	cmd := exec.CommandContext(ctx, r.Path, argv...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grace
	if r.Env != nil {
		cmd.Env = r.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker started", "pid", cmd.Process.Pid)

	p := &Process{
		TaskID:   args.TaskID,
		cmd:      cmd,
		grace:    grace,
		logger:   logger,
		progress: make(chan string, progressBuffer),
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.stdoutLoop(stdout)
	}()
	go func() {
		defer wg.Done()
		p.stderrLoop(stderr)
	}()
	go func() {
		wg.Wait()
		p.reap()
	}()
	return p, nil
}

// Progress delivers the worker's stdout lines. It is closed when stdout
// closes. Lines are dropped when the consumer falls behind.
func (p *Process) Progress() <-chan string { return p.progress }

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the worker's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

func (p *Process) stdoutLoop(r io.Reader) {
	defer close(p.progress)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		select {
		case p.progress <- line:
		default:
			p.logger.Debug("progress line dropped", "line", line)
		}
	}
}

func (p *Process) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if p.logWorkerLine(line) {
			continue
		}
		p.logger.Warn("worker stderr", "message", line)
	}
}

// logWorkerLine re-logs a JSON log line from the worker at its level.
func (p *Process) logWorkerLine(line string) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return false
	}
	levelRaw, _ := payload["level"].(string)
	message, _ := payload["msg"].(string)
	if message == "" {
		message, _ = payload["message"].(string)
	}
	if levelRaw == "" || message == "" {
		return false
	}
	attrs := make([]any, 0, len(payload)*2)
	for key, value := range payload {
		switch key {
		case "level", "msg", "message", "time", "task_id":
			continue
		}
		attrs = append(attrs, key, value)
	}
	attrs = append(attrs, "worker", true)
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "debug":
		p.logger.Debug(message, attrs...)
	case "info":
		p.logger.Info(message, attrs...)
	case "error":
		p.logger.Error(message, attrs...)
	default:
		p.logger.Warn(message, attrs...)
	}
	return true
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		err = nil
	default:
		code = -1
	}
	p.mu.Lock()
	p.exitCode, p.waitErr = code, err
	p.mu.Unlock()
	p.logger.Info("worker exited", "exit_code", code)
	close(p.done)
}

// Stop sends SIGTERM, then SIGKILL if the worker is still alive after
// the grace period. A worker that already exited counts as stopped.
func (p *Process) Stop() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return ErrNotRunning
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("worker sigterm", "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	p.logger.Warn("worker ignored sigterm, killing", "grace", p.grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(reapMargin):
		return errors.New("worker did not exit after SIGKILL")
	}
}

// Wait blocks until the worker exits and returns its exit code. A worker
// killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}
