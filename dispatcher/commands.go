package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/isolate"
)

const (
	maxCatChars     = 2000
	maxListed       = 15
	maxSearchListed = 20
	defaultLogLines = 20
	maxLogLines     = 200
)

func (d *Dispatcher) table() []*command {
	return []*command{
		{name: "info", aliases: []string{"system", "status"}, usage: "info", help: "Show system information", run: d.info},
		{name: "shell", aliases: []string{"sh", "exec"}, usage: "shell <command>", help: "Execute a shell command", run: d.shell},
		{name: "ps", aliases: []string{"processes", "process"}, usage: "ps [filter] [limit]", help: "List running processes", run: d.ps},
		{name: "ls", aliases: []string{"dir", "list"}, usage: "ls [path] [-a]", help: "List directory contents", run: d.ls},
		{name: "cat", aliases: []string{"read", "view"}, usage: "cat <path>", help: "Read file content", run: d.cat},
		{name: "kill", usage: "kill <name|PID> [-f]", help: "Kill a process by name or PID", run: d.kill},
		{name: "open", aliases: []string{"launch", "start"}, usage: "open <app|url>", help: "Open an application or URL", run: d.open},
		{name: "close", aliases: []string{"quit"}, usage: "close <app> [-f]", help: "Close an application", run: d.close},
		{name: "apps", aliases: []string{"top"}, usage: "apps", help: "Show running applications", run: d.apps},
		{name: "stop", aliases: []string{"pause"}, usage: "stop", help: "Stop the running task", run: d.stop},
		{name: "logs", aliases: []string{"log"}, usage: "logs [lines]", help: "Show recent log lines", run: d.logs},
		{name: "config", aliases: []string{"cfg"}, usage: "config [save]", help: "Show or save the configuration", run: d.config},
		{name: "search", aliases: []string{"find"}, usage: "search <pattern> [path]", help: "Search for files", run: d.search},
		{name: "write", aliases: []string{"save", "create"}, usage: "write <path> <content>", help: "Write content to a file", run: d.write},
		{name: "auto", aliases: []string{"plan", "run"}, usage: "auto <task>", help: "Run a task autonomously in the background", run: d.auto},
		{name: "help", aliases: []string{"h", "?"}, usage: "help", help: "Show this help", run: func(context.Context, call) string { return d.help() }},
	}
}

func failed(r backend.Result) string {
	msg := r.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	return "✗ Failed: " + msg
}

func (d *Dispatcher) info(ctx context.Context, _ call) string {
	r := d.opts.Host.SystemInfo(ctx)
	if !r.OK() {
		return failed(r)
	}
	info, _ := r["info"].(map[string]any)
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{"**System Information:**\n"}
	for _, k := range keys {
		if _, nested := info[k].(map[string]any); nested {
			continue
		}
		lines = append(lines, fmt.Sprintf("• **%s**: %v", k, info[k]))
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) shell(ctx context.Context, c call) string {
	if c.rest == "" {
		return "Usage: " + d.opts.Prefix + " shell <command>"
	}
	r := d.opts.Host.Shell(ctx, backend.ShellRequest{Command: c.rest})
	if !r.OK() {
		if msg := r.Error(); msg != "" {
			return "✗ Command failed: " + msg
		}
		stderr, _ := r["stderr"].(string)
		return fmt.Sprintf("✗ Command failed (exit %v)\n\n```\n%s\n```", r["returncode"], strings.TrimSpace(stderr))
	}
	out, _ := r["stdout"].(string)
	if strings.TrimSpace(out) == "" {
		out, _ = r["stderr"].(string)
	}
	return fmt.Sprintf("✓ Command executed successfully\n\n```\n%s\n```", strings.TrimRight(out, "\n"))
}

func (d *Dispatcher) ps(ctx context.Context, c call) string {
	pos, _ := flags(c.args)
	filter, limit := "", 20
	if len(pos) > 0 {
		filter = pos[0]
	}
	if len(pos) > 1 {
		if n, err := strconv.Atoi(pos[1]); err == nil {
			limit = n
		}
	}
	r := d.opts.Host.ListProcesses(ctx, filter, limit)
	if !r.OK() {
		return "Failed to list processes: " + r.Error()
	}
	procs, _ := r["processes"].([]backend.Process)
	if len(procs) == 0 {
		return "No processes found."
	}

	lines := []string{"**Processes:**\n", fmt.Sprintf("%-8s %-8s %-8s %s", "PID", "CPU%", "MEM%", "COMMAND"), strings.Repeat("-", 60)}
	for i, p := range procs {
		if i == maxListed {
			lines = append(lines, fmt.Sprintf("... and %d more", len(procs)-maxListed))
			break
		}
		lines = append(lines, fmt.Sprintf("%-8s %-8s %-8s %s", p.PID, p.CPU, p.Mem, truncate(p.Command, 30)))
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) ls(ctx context.Context, c call) string {
	pos, set := flags(c.args)
	path := "."
	if len(pos) > 0 {
		path = pos[0]
	}
	r := d.opts.Host.ListDirectory(ctx, path, set["a"] || set["all"])
	if !r.OK() {
		return failed(r)
	}
	shown, _ := r["path"].(string)
	items, _ := r["items"].([]map[string]any)
	if len(items) == 0 {
		return "Directory is empty: " + shown
	}

	lines := []string{fmt.Sprintf("**Contents of `%s`**\n", shown)}
	for _, it := range items {
		icon := "📄"
		if it["type"] == "directory" {
			icon = "📁"
		}
		size := ""
		if n, ok := it["size"].(int64); ok && n > 0 {
			size = fmt.Sprintf(" (%d bytes)", n)
		}
		lines = append(lines, fmt.Sprintf("%s %v%s", icon, it["name"], size))
	}
	lines = append(lines, fmt.Sprintf("\nTotal: %v items", r["count"]))
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) cat(ctx context.Context, c call) string {
	if len(c.args) == 0 {
		return "Usage: " + d.opts.Prefix + " cat <path>"
	}
	r := d.opts.Host.ReadFile(ctx, c.args[0])
	if !r.OK() {
		return failed(r)
	}
	if bin, _ := r["is_binary"].(bool); bin {
		return fmt.Sprintf("✓ Binary file: %v (%v bytes)", r["path"], r["size"])
	}
	content, _ := r["content"].(string)
	if n := len([]rune(content)); n > maxCatChars {
		return fmt.Sprintf("```\n%s\n```\n\n... (truncated, %d total chars)", string([]rune(content)[:maxCatChars]), n)
	}
	return "```\n" + content + "\n```"
}

func (d *Dispatcher) kill(ctx context.Context, c call) string {
	pos, set := flags(c.args)
	if len(pos) == 0 {
		return "Usage: " + d.opts.Prefix + " kill <name|PID> [-f]"
	}
	r := d.opts.Host.KillProcess(ctx, pos[0], set["f"] || set["force"])
	if !r.OK() {
		return failed(r)
	}
	return fmt.Sprintf("✓ %v", r["message"])
}

func (d *Dispatcher) open(ctx context.Context, c call) string {
	if c.rest == "" {
		return "Usage: " + d.opts.Prefix + " open <app|url>"
	}
	r := d.opts.Host.OpenApp(ctx, c.rest)
	if !r.OK() {
		return failed(r)
	}
	return fmt.Sprintf("✓ %v", r["message"])
}

func (d *Dispatcher) close(ctx context.Context, c call) string {
	pos, set := flags(c.args)
	if len(pos) == 0 {
		return "Usage: " + d.opts.Prefix + " close <app> [-f]"
	}
	r := d.opts.Host.CloseApp(ctx, strings.Join(pos, " "), set["f"] || set["force"])
	if !r.OK() {
		return failed(r)
	}
	return fmt.Sprintf("✓ %v", r["message"])
}

func (d *Dispatcher) apps(ctx context.Context, _ call) string {
	r := d.opts.Host.ListApps(ctx, 0)
	if !r.OK() {
		return failed(r)
	}
	apps, _ := r["apps"].([]string)
	if len(apps) == 0 {
		return "No applications running."
	}
	lines := []string{"**Running Applications:**\n"}
	for _, a := range apps {
		lines = append(lines, "• "+a)
	}
	lines = append(lines, fmt.Sprintf("\nTotal: %d apps", len(apps)))
	return strings.Join(lines, "\n")
}

// stop asks the worker first: a worker task also holds the engine's
// task slot, and only the supervisor can terminate its process.
func (d *Dispatcher) stop(_ context.Context, _ call) string {
	if d.opts.Isolated != nil {
		if id, ok := d.opts.Isolated.Stop(); ok {
			return fmt.Sprintf("Stopping task %s...", id)
		}
	}
	if d.opts.Background != nil {
		if id, ok := d.opts.Background.Stop(); ok {
			return fmt.Sprintf("Stopping task %s...", id)
		}
	}
	return "No task is running."
}

func (d *Dispatcher) logs(_ context.Context, c call) string {
	if d.opts.LogFile == "" {
		return "✗ No log file configured."
	}
	n := defaultLogLines
	if len(c.args) > 0 {
		if v, err := strconv.Atoi(c.args[0]); err == nil && v > 0 {
			n = v
		}
	}
	if n > maxLogLines {
		n = maxLogLines
	}
	lines, err := tail(d.opts.LogFile, n)
	if errors.Is(err, os.ErrNotExist) {
		return "No logs yet."
	}
	if err != nil {
		return "✗ Failed: " + err.Error()
	}
	if len(lines) == 0 {
		return "No logs yet."
	}
	return "```\n" + strings.Join(lines, "\n") + "\n```"
}

// tail returns the last n lines of a file.
func tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	return ring, scanner.Err()
}

func (d *Dispatcher) config(_ context.Context, c call) string {
	if d.opts.Settings == nil {
		return "✗ No configuration loaded."
	}
	if len(c.args) > 0 && strings.EqualFold(c.args[0], "save") {
		where, err := d.opts.Settings.Save()
		if err != nil {
			return "✗ Failed: " + err.Error()
		}
		return "Saved to " + where
	}
	return d.opts.Settings.Summary()
}

func (d *Dispatcher) search(ctx context.Context, c call) string {
	if len(c.args) == 0 {
		return "Usage: " + d.opts.Prefix + " search <pattern> [path]"
	}
	pattern, path := c.args[0], "."
	if len(c.args) > 1 {
		path = c.args[1]
	}
	r := d.opts.Host.SearchFiles(ctx, pattern, path)
	if !r.OK() {
		return failed(r)
	}
	files, _ := r["files"].([]string)
	if len(files) == 0 {
		return fmt.Sprintf("No files found matching '%s' in %s", pattern, path)
	}
	lines := []string{fmt.Sprintf("**Search Results for '%s':**\n", pattern)}
	for i, f := range files {
		if i == maxSearchListed {
			lines = append(lines, fmt.Sprintf("... and %d more", len(files)-maxSearchListed))
			break
		}
		lines = append(lines, "• "+f)
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) write(ctx context.Context, c call) string {
	path, content, _ := strings.Cut(c.rest, " ")
	content = strings.TrimSpace(content)
	if path == "" || content == "" {
		return "Usage: " + d.opts.Prefix + " write <path> <content>"
	}
	r := d.opts.Host.WriteFile(ctx, path, content)
	if !r.OK() {
		return failed(r)
	}
	return fmt.Sprintf("✓ File written: %v", r["path"])
}

func (d *Dispatcher) auto(_ context.Context, c call) string {
	if c.rest == "" {
		return "Usage: " + d.opts.Prefix + " auto <task>"
	}
	if d.opts.IsolatedDefault && d.opts.Isolated != nil {
		return d.autoIsolated(c)
	}
	if d.opts.Background == nil {
		return "✗ Autonomous tasks are not available."
	}

	id, events, err := d.opts.Background.Start(agent.Request{Description: c.rest})
	if errors.Is(err, agent.ErrTaskRunning) {
		return "A task is already running. Use `" + d.opts.Prefix + " stop` to stop it first."
	}
	if err != nil {
		return "✗ Failed: " + err.Error()
	}
	go func() {
		for range events {
		}
		var res agent.Result
		if r, ok := d.opts.Background.Wait(context.Background(), id); ok {
			res = *r
		}
		c.notify(TaskReply(res))
	}()
	return fmt.Sprintf("Task started (%s). Use `%s stop` to stop it.", id, d.opts.Prefix)
}

func (d *Dispatcher) autoIsolated(c call) string {
	id, err := d.opts.Isolated.Start(isolate.Args{Description: c.rest})
	if errors.Is(err, agent.ErrTaskRunning) {
		return "A task is already running. Use `" + d.opts.Prefix + " stop` to stop it first."
	}
	if err != nil {
		return "✗ Failed: " + err.Error()
	}
	lines, ok := d.opts.Isolated.Subscribe(id)
	if ok {
		go func() {
			for range lines {
			}
			if !d.opts.Isolated.Wait(context.Background(), id) {
				return
			}
			o, _ := d.opts.Isolated.Outcome(id)
			c.notify(TaskReply(agent.Result{Status: o.Status, Text: o.Text}))
		}()
	}
	return fmt.Sprintf("Task started (%s) in a worker process. Use `%s stop` to stop it.", id, d.opts.Prefix)
}

// TaskReply renders a finished task for chat.
func TaskReply(res agent.Result) string {
	switch res.Status {
	case agent.StatusDone:
		if res.Text == "" {
			return "✓ Task completed."
		}
		return "✓ " + res.Text
	case agent.StatusStopped:
		return "Task stopped."
	case "":
		return "Task ended."
	default:
		return res.Text
	}
}
