package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// ShellRequest describes one shell invocation.
type ShellRequest struct {
	Command string
	Timeout time.Duration
	// WorkingDir must be inside the workspace; otherwise the workspace
	// root is used.
	WorkingDir string
	// TTY runs the command under a pseudo-terminal. Stdout and stderr
	// are merged into stdout.
	TTY bool
}

// Shell runs a command through sh -c inside the workspace.
//
// The result carries stdout, stderr, returncode and error keys.
// Commands are rejected when shell access is disabled, when the first
// word is not whitelisted, or when a dangerous pattern matches.
func (h *Host) Shell(ctx context.Context, req ShellRequest) Result {
	empty := Result{"stdout": "", "stderr": "", "returncode": -1}
	if !h.cfg.EnableShell {
		return Fail("Shell disabled", empty)
	}
	if req.Command == "" {
		return Fail("Command must be a non-empty string.", empty)
	}
	if !h.CommandAllowed(req.Command) {
		return Fail("Command not in whitelist", empty)
	}
	if p, bad := DangerousPattern(req.Command); bad {
		return Fail("Blocked: Dangerous pattern: "+p, empty)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.cfg.ShellTimeout
	}
	dir := h.cfg.Workspace
	if req.WorkingDir != "" {
		if wd, err := h.ResolvePath(req.WorkingDir); err == nil {
			dir = wd
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.logger.Debug("shell", "command", req.Command, "dir", dir, "tty", req.TTY)

	var (
		out Output
		err error
	)
	if req.TTY {
		out, err = runPTY(ctx, req.Command, dir)
	} else {
		out, err = h.runner.Run(ctx, Cmd{Name: "sh", Args: []string{"-c", req.Command}, Dir: dir})
	}
	return h.buildShellResult(ctx, out, err, timeout)
}

// buildShellResult shapes captured output into a Result, truncating each
// stream at MaxOutputBytes.
func (h *Host) buildShellResult(ctx context.Context, out Output, err error, timeout time.Duration) Result {
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Fail(fmt.Sprintf("Timeout after %gs", timeout.Seconds()),
				Result{"stdout": "", "stderr": "", "returncode": -1})
		}
		return Fail(err.Error(), Result{"stdout": "", "stderr": "", "returncode": -1})
	}

	stdout, truncOut := truncate(out.Stdout, h.cfg.MaxOutputBytes)
	stderr, truncErr := truncate(out.Stderr, h.cfg.MaxOutputBytes)
	r := Result{
		"success":    out.ExitCode == 0,
		"stdout":     stdout,
		"stderr":     stderr,
		"returncode": out.ExitCode,
		"error":      "",
	}
	if truncOut || truncErr {
		r["truncated"] = true
	}
	return r
}

func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max] + fmt.Sprintf("\n\n... Output truncated at %d bytes.", max), true
}

func runPTY(ctx context.Context, command, dir string) (Output, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	f, err := pty.Start(cmd)
	if err != nil {
		return Output{}, fmt.Errorf("start pty: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	// Reading a pty after the child exits returns EIO on Linux.
	io.Copy(&buf, f)

	out := Output{Stdout: buf.String()}
	if err := cmd.Wait(); err != nil {
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
