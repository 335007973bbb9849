// Package backend implements the local-machine capabilities the agent can
// invoke: shell execution, files, processes, applications, system info,
// URL fetching and browser control.
//
// Every capability returns a Result: a flat map carrying a "success" key
// plus either payload keys or an "error" string. Capabilities never return
// Go errors; failures are reported inside the Result so they can be fed
// back to the model unchanged.
package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Result is the uniform outcome of a capability call.
type Result map[string]any

// OK reports whether the result carries success=true.
func (r Result) OK() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Error returns the error string, if any.
func (r Result) Error() string {
	s, _ := r["error"].(string)
	return s
}

// Fail builds a failed Result with extra payload keys merged in.
func Fail(msg string, extra ...Result) Result {
	r := Result{"success": false, "error": msg}
	for _, e := range extra {
		for k, v := range e {
			r[k] = v
		}
	}
	return r
}

// Config holds the capability host settings.
type Config struct {
	Workspace        string
	CommandWhitelist []string

	EnableShell       bool
	EnableProcess     bool
	EnableFile        bool
	EnableApp         bool
	EnableAppleScript bool
	EnableBrowser     bool

	ShellTimeout   time.Duration
	MaxOutputBytes int
	FetchTimeout   time.Duration
	FetchLimit     int
	BrowserTimeout time.Duration
}

// DefaultConfig returns a Config with every capability enabled and the
// workspace at ~/.langtars.
func DefaultConfig() Config {
	return Config{
		Workspace:         "~/.langtars",
		EnableShell:       true,
		EnableProcess:     true,
		EnableFile:        true,
		EnableApp:         true,
		EnableAppleScript: true,
		EnableBrowser:     true,
	}
}

// Cmd describes an external command to run.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
}

// Output is what a Runner captured from a command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Cmd) (Output, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	// Grandchildren holding the output pipes must not outlive a timeout.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, err
	}
	return out, nil
}

// Host is the capability implementation bound to one workspace.
type Host struct {
	cfg    Config
	runner Runner
	http   *http.Client
	logger *slog.Logger

	Safari *AppController
	Chrome *AppController
	Web    *Browser
}

// Option configures a Host.
type Option func(*Host)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(h *Host) { h.runner = r }
}

// WithHTTPClient replaces the client used by fetch_url.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Host) { h.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// New creates a Host. The workspace directory is created if missing.
func New(cfg Config, opts ...Option) *Host {
	if cfg.Workspace == "" {
		cfg.Workspace = "~/.langtars"
	}
	cfg.Workspace = expandHome(cfg.Workspace)
	if abs, err := filepath.Abs(cfg.Workspace); err == nil {
		cfg.Workspace = abs
	}
	if cfg.ShellTimeout == 0 {
		cfg.ShellTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100_000
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.FetchLimit == 0 {
		cfg.FetchLimit = 10_000
	}
	if cfg.BrowserTimeout == 0 {
		cfg.BrowserTimeout = 30 * time.Second
	}

	os.MkdirAll(cfg.Workspace, 0o755)

	h := &Host{
		cfg:    cfg,
		runner: ExecRunner{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(h)
	}
	if h.http == nil {
		h.http = &http.Client{Timeout: cfg.FetchTimeout}
	}
	h.Safari = &AppController{host: h, app: "Safari", dialect: safariDialect}
	h.Chrome = &AppController{host: h, app: "Google Chrome", dialect: chromeDialect}
	h.Web = &Browser{host: h}
	return h
}

// Config returns the effective configuration.
func (h *Host) Config() Config { return h.cfg }

// Workspace returns the absolute workspace root.
func (h *Host) Workspace() string { return h.cfg.Workspace }

// run executes a helper command inside the workspace. Helper commands
// bypass the shell whitelist; they are fixed programs with argv
// arguments, never user-provided shell text.
func (h *Host) run(ctx context.Context, name string, args ...string) (Output, error) {
	return h.runner.Run(ctx, Cmd{Name: name, Args: args, Dir: h.cfg.Workspace})
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
