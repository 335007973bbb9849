package isolate

import (
	"fmt"
	"io"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
)

const (
	completedLine = "Task completed."
	resultLabel   = "Result: "
)

// StartLine is the first line a worker prints.
func StartLine(a Args) string {
	desc := []rune(a.Description)
	if len(desc) > 50 {
		desc = desc[:50]
	}
	return fmt.Sprintf("[%s] Starting planner task: %s...", a.TaskID, string(desc))
}

// Render turns an engine event into a progress line. A completed task
// renders as its answer followed by the completion line. Events that
// carry nothing for the user render to false.
func Render(ev agent.StreamEvent) (string, bool) {
	prefix := "[" + ev.TaskID + "] "
	switch ev.Event {
	case agent.EventIteration:
		return fmt.Sprintf("%siteration %d", prefix, ev.Iteration), true
	case agent.EventToolStart:
		return prefix + "tool " + ev.Name, true
	case agent.EventProgress:
		if s, ok := ev.Data.(string); ok && s != "" {
			return prefix + s, true
		}
	case agent.EventError:
		if m, ok := ev.Data.(map[string]string); ok {
			return prefix + "Error: " + m["error"], true
		}
		return fmt.Sprintf("%sError: %v", prefix, ev.Data), true
	case agent.EventDone:
		res, ok := ev.Data.(agent.Result)
		if !ok {
			return prefix + completedLine, true
		}
		switch res.Status {
		case agent.StatusDone:
			if res.Text == "" {
				return prefix + completedLine, true
			}
			return prefix + resultLabel + res.Text + "\n" + prefix + completedLine, true
		case agent.StatusError:
			return prefix + "Error: " + res.Text, true
		default:
			return prefix + res.Text, true
		}
	}
	return "", false
}

// Printer writes rendered events to w, one per line. It is the emit
// callback of a worker.
func Printer(w io.Writer) func(agent.StreamEvent) {
	return func(ev agent.StreamEvent) {
		if line, ok := Render(ev); ok {
			fmt.Fprintln(w, line)
		}
	}
}

// ResultText recovers the answer of a completed task from its progress
// lines: the "Result:" line and any continuation lines up to the
// completion line. It reports false when the lines end any other way.
func ResultText(taskID string, lines []string) (string, bool) {
	prefix := "[" + taskID + "] "
	end := len(lines) - 1
	if end < 0 || lines[end] != prefix+completedLine {
		return "", false
	}
	for i := end - 1; i >= 0; i-- {
		if first, ok := strings.CutPrefix(lines[i], prefix+resultLabel); ok {
			return strings.Join(append([]string{first}, lines[i+1:end]...), "\n"), true
		}
	}
	return "", true
}
