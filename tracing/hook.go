package tracing

import (
	"context"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/llm"
)

const previewLimit = 500

// TracingHook records an "llm.call" span around every model call and a
// "tool.call" span around every tool dispatch of a traced task.
type TracingHook struct {
	agent.BaseHook
}

func NewTracingHook() *TracingHook {
	return &TracingHook{}
}

func (h *TracingHook) Name() string { return "tracing" }

// BeforeTask copies the task header into the trace.
func (h *TracingHook) BeforeTask(ctx context.Context, task *agent.Task) error {
	t := FromContext(ctx)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.Description = task.Description
	t.Model = task.Model
	t.mu.Unlock()
	return nil
}

func (h *TracingHook) WrapModelCall(ctx context.Context, msgs []agent.Message, next agent.ModelCallWrapFunc) (*llm.Response, error) {
	s := agent.StartSpan(ctx, "llm.call").Set("message_count", len(msgs))
	defer s.End()

	resp, err := next(ctx, msgs)
	if err != nil {
		s.Set("error", err.Error())
		s.Set("rate_limited", llm.IsRateLimit(err))
		return resp, err
	}
	directive := agent.ParseDirective(resp.Content)
	s.Set("directive", directive.Kind.String())
	s.Set("content", preview(resp.Content))
	if len(resp.ToolCalls) > 0 {
		names := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			names[i] = tc.Name
		}
		s.Set("tool_calls", names)
	}
	return resp, nil
}

func (h *TracingHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) agent.ToolResult {
	s := agent.StartSpan(ctx, "tool.call").
		Set("tool_name", call.Name).
		Set("tool_call_id", call.ID).
		Set("tool_args", call.Args)
	defer s.End()

	result := next(ctx, call)
	out := result.String()
	s.Set("success", result.Success)
	s.Set("output", preview(out))
	if result.Error != "" {
		s.Set("tool_error", result.Error)
	}
	return result
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return string(r[:previewLimit]) + "...(truncated)"
}
