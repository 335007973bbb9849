package backend

import (
	"context"
	"os"
	"strconv"
	"strings"
)

var urlPrefixes = []string{"http://", "https://", "mailto:", "tel:"}

// IsURL reports whether target should be opened as a URL rather than an
// application name.
func IsURL(target string) bool {
	for _, p := range urlPrefixes {
		if strings.HasPrefix(target, p) {
			return true
		}
	}
	return false
}

// OpenApp opens a URL or launches an application by name.
func (h *Host) OpenApp(ctx context.Context, target string) Result {
	if !h.cfg.EnableApp {
		return Fail("Disabled")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Fail("No target")
	}
	var (
		out Output
		err error
	)
	if IsURL(target) {
		out, err = h.run(ctx, "open", target)
	} else {
		out, err = h.run(ctx, "open", "-a", target)
	}
	return actionResult(out, err, "Opened "+target)
}

// CloseApp terminates an application by name.
func (h *Host) CloseApp(ctx context.Context, name string, force bool) Result {
	if !h.cfg.EnableApp {
		return Fail("Disabled")
	}
	if strings.TrimSpace(name) == "" {
		return Fail("No target")
	}
	sig := "-TERM"
	if force {
		sig = "-9"
	}
	out, err := h.run(ctx, "pkill", sig, name)
	return actionResult(out, err, "Closed "+name)
}

// ListApps returns the names of running applications reported by
// System Events.
func (h *Host) ListApps(ctx context.Context, limit int) Result {
	if !h.cfg.EnableApp {
		return Fail("Disabled", Result{"apps": []string{}})
	}
	if limit <= 0 {
		limit = 20
	}
	out, err := h.run(ctx, "osascript", "-e", `tell app "System Events" to get name of every process`)
	if err != nil {
		return Fail(err.Error(), Result{"apps": []string{}})
	}
	if out.ExitCode != 0 {
		return Fail(strings.TrimSpace(out.Stderr), Result{"apps": []string{}})
	}

	apps := []string{}
	for _, a := range strings.Split(out.Stdout, ",") {
		if a = strings.TrimSpace(a); a != "" {
			apps = append(apps, a)
		}
		if len(apps) >= limit {
			break
		}
	}
	return Result{"success": true, "apps": apps, "count": len(apps)}
}

// AppleScript writes script to a temporary .scpt file and runs it with
// osascript.
func (h *Host) AppleScript(ctx context.Context, script string) Result {
	if !h.cfg.EnableAppleScript {
		return Fail("Disabled")
	}
	if strings.TrimSpace(script) == "" {
		return Fail("No script")
	}

	f, err := os.CreateTemp("", "langtars-*.scpt")
	if err != nil {
		return Fail(err.Error())
	}
	defer os.Remove(f.Name())
	_, err = f.WriteString(script)
	f.Close()
	if err != nil {
		return Fail(err.Error())
	}

	out, err := h.run(ctx, "osascript", f.Name())
	if err != nil {
		return Fail(err.Error())
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = "osascript exited with status " + strconv.Itoa(out.ExitCode)
		}
		return Fail(msg, Result{"stdout": out.Stdout})
	}
	return Result{
		"success":    true,
		"stdout":     strings.TrimRight(out.Stdout, "\n"),
		"stderr":     out.Stderr,
		"returncode": out.ExitCode,
	}
}
