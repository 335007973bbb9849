package backend

import (
	"context"
	"os"
	"runtime"
	"strings"
)

// SystemInfo reports platform, version, architecture, hostname and uptime.
func (h *Host) SystemInfo(ctx context.Context) Result {
	info := map[string]any{
		"platform":     runtime.GOOS,
		"architecture": runtime.GOARCH,
		"cpus":         runtime.NumCPU(),
		"go_version":   runtime.Version(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if out, err := h.run(ctx, "uname", "-rv"); err == nil && out.ExitCode == 0 {
		info["platform_version"] = strings.TrimSpace(out.Stdout)
	}
	if out, err := h.run(ctx, "uptime"); err == nil && out.ExitCode == 0 {
		info["uptime"] = strings.TrimSpace(out.Stdout)
	}
	return Result{"success": true, "info": info}
}
