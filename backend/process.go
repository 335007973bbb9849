package backend

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Process is one row of `ps aux`.
type Process struct {
	User    string `json:"user"`
	PID     string `json:"pid"`
	CPU     string `json:"cpu"`
	Mem     string `json:"mem"`
	Command string `json:"command"`
}

// ListProcesses returns up to limit processes, optionally filtered by a
// regular expression matched against the whole ps line.
func (h *Host) ListProcesses(ctx context.Context, filter string, limit int) Result {
	if !h.cfg.EnableProcess {
		return Fail("Disabled", Result{"processes": []Process{}})
	}
	if limit <= 0 {
		limit = 20
	}

	var re *regexp.Regexp
	if filter != "" {
		var err error
		if re, err = regexp.Compile(filter); err != nil {
			return Fail("invalid filter: "+err.Error(), Result{"processes": []Process{}})
		}
	}

	out, err := h.run(ctx, "ps", "aux")
	if err != nil {
		return Fail(err.Error(), Result{"processes": []Process{}})
	}
	if out.ExitCode != 0 {
		return Fail(strings.TrimSpace(out.Stderr), Result{"processes": []Process{}})
	}

	procs := parsePS(out.Stdout, re, limit)
	return Result{"success": true, "processes": procs, "count": len(procs)}
}

func parsePS(text string, re *regexp.Regexp, limit int) []Process {
	procs := []Process{}
	for i, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if i == 0 && strings.HasPrefix(strings.TrimSpace(line), "USER") {
			continue
		}
		if re != nil && !re.MatchString(line) {
			continue
		}
		parts := splitN(line, 11)
		if len(parts) < 11 {
			continue
		}
		procs = append(procs, Process{
			User:    parts[0],
			PID:     parts[1],
			CPU:     parts[2],
			Mem:     parts[3],
			Command: parts[10],
		})
		if len(procs) >= limit {
			break
		}
	}
	return procs
}

// splitN splits on runs of whitespace into at most n fields; the last
// field keeps its inner spacing.
func splitN(s string, n int) []string {
	var parts []string
	s = strings.TrimSpace(s)
	for len(parts) < n-1 && s != "" {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			break
		}
		parts = append(parts, s[:i])
		s = strings.TrimLeft(s[i:], " \t")
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// KillProcess signals a process by PID or by name. force sends SIGKILL
// instead of SIGTERM.
func (h *Host) KillProcess(ctx context.Context, target string, force bool) Result {
	if !h.cfg.EnableProcess {
		return Fail("Disabled")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Fail("No target")
	}
	sig := "-TERM"
	if force {
		sig = "-KILL"
	}

	var out Output
	var err error
	if _, convErr := strconv.Atoi(target); convErr == nil {
		out, err = h.run(ctx, "kill", sig, target)
	} else {
		out, err = h.run(ctx, "pkill", sig, target)
	}
	return actionResult(out, err, "Killed "+target)
}

// actionResult converts a helper command outcome into the
// {success, message} shape used by process and app actions.
func actionResult(out Output, err error, okMsg string) Result {
	if err != nil {
		return Result{"success": false, "message": err.Error(), "error": err.Error()}
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = "exit status " + strconv.Itoa(out.ExitCode)
		}
		return Result{"success": false, "message": msg, "error": msg}
	}
	return Result{"success": true, "message": okMsg}
}
