// Package hooks holds engine middleware that is not tied to a single
// subsystem.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/llm"
)

const (
	// DefaultContextWindow is the token budget assumed for local models.
	DefaultContextWindow = 32_000
	compactThreshold     = 0.85
	keepRecent           = 6
	maxQuoted            = 2000
	summaryMaxTokens     = 1000
)

// CompactionHook keeps long tasks inside the model's context window.
// When the estimated size of a request passes 85% of the window, the
// middle of the conversation is replaced by a model-written summary. The
// system prompt, the task and the most recent messages are always sent
// verbatim.
type CompactionHook struct {
	agent.BaseHook
	client        llm.Client
	contextWindow int
	logger        *slog.Logger
}

// NewCompactionHook creates the hook. A zero window uses
// DefaultContextWindow.
func NewCompactionHook(client llm.Client, contextWindow int, logger *slog.Logger) *CompactionHook {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CompactionHook{client: client, contextWindow: contextWindow, logger: logger}
}

func (h *CompactionHook) Name() string { return "compaction" }

func (h *CompactionHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	total := EstimateTokens(msgs)
	if total <= int(float64(h.contextWindow)*compactThreshold) {
		return next(ctx, msgs)
	}

	head := leadingContext(msgs)
	if len(msgs)-head <= keepRecent {
		return next(ctx, msgs)
	}
	middle := msgs[head : len(msgs)-keepRecent]

	if err := agent.ReserveModelCall(ctx); err != nil {
		return nil, err
	}
	resp, err := h.client.Call(ctx, llm.Request{
		Messages:  []llm.Message{{Role: agent.RoleUser, Content: summaryPrompt(middle)}},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		// Send the full request; the provider may still accept it.
		h.logger.Warn("context compaction failed", "tokens", total, "error", err)
		return next(ctx, msgs)
	}
	h.logger.Info("context compacted", "tokens", total, "summarized", len(middle))

	out := make([]agent.Message, 0, head+1+keepRecent)
	out = append(out, msgs[:head]...)
	out = append(out, agent.System("[Summary of earlier steps]\n"+strings.TrimSpace(resp.Content)))
	out = append(out, msgs[len(msgs)-keepRecent:]...)
	return next(ctx, out)
}

// leadingContext counts the system messages and the first user message,
// which states the task.
func leadingContext(msgs []agent.Message) int {
	i := 0
	for i < len(msgs) && msgs[i].Role == agent.RoleSystem {
		i++
	}
	if i < len(msgs) && msgs[i].Role == agent.RoleUser {
		i++
	}
	return i
}

func summaryPrompt(msgs []agent.Message) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following steps of a task concisely. ")
	sb.WriteString("Keep the tools called, file paths, results and anything still left to do.\n\n")
	for _, m := range msgs {
		content := m.Content
		if len(content) > maxQuoted {
			content = content[:maxQuoted] + "... [truncated]"
		}
		label := m.Role
		if m.Name != "" {
			label += " " + m.Name
		}
		fmt.Fprintf(&sb, "[%s] %s\n\n", label, content)
	}
	return sb.String()
}

// EstimateTokens is a rough token count: four bytes per token.
func EstimateTokens(msgs []agent.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}
