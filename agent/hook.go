package agent

import (
	"context"

	"github.com/langbot-app/LangTARS/llm"
)

// ModelCallWrapFunc is the "next" function in the model call chain.
type ModelCallWrapFunc func(ctx context.Context, msgs []Message) (*llm.Response, error)

// ToolCallFunc is the "next" function in the tool call chain.
type ToolCallFunc func(ctx context.Context, call ToolCall) ToolResult

// Hook is engine middleware. Wrap hooks are applied onion-style: the
// first hook in the list is the outermost.
type Hook interface {
	Name() string

	// BeforeTask is called once after the task is installed and before
	// the first model call.
	BeforeTask(ctx context.Context, task *Task) error

	// ModifyRequest may rewrite the messages sent on one model call.
	// Changes are not persisted to the task history.
	ModifyRequest(ctx context.Context, msgs []Message) ([]Message, error)

	// WrapModelCall wraps each model call.
	WrapModelCall(ctx context.Context, msgs []Message, next ModelCallWrapFunc) (*llm.Response, error)

	// WrapToolCall wraps each tool dispatch.
	WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) ToolResult
}

// BaseHook provides pass-through defaults. Embed it to override only
// what you need.
type BaseHook struct{}

func (BaseHook) Name() string { return "base" }

func (BaseHook) BeforeTask(ctx context.Context, task *Task) error { return nil }

func (BaseHook) ModifyRequest(ctx context.Context, msgs []Message) ([]Message, error) {
	return msgs, nil
}

func (BaseHook) WrapModelCall(ctx context.Context, msgs []Message, next ModelCallWrapFunc) (*llm.Response, error) {
	return next(ctx, msgs)
}

func (BaseHook) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) ToolResult {
	return next(ctx, call)
}
