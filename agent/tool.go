package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a named capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	// Execute runs the tool. A returned error is reported to the model
	// as "Error executing tool <name>: <err>".
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// ToolResult is the outcome of one tool invocation. It serializes flat,
// the same shape capability results have:
//
//	{"success": true, "stdout": "...", "returncode": 0}
type ToolResult struct {
	Success bool
	Payload map[string]any
	Error   string
}

// OK builds a successful result.
func OK(payload map[string]any) ToolResult {
	return ToolResult{Success: true, Payload: payload}
}

// Errorf builds a failed result.
func Errorf(format string, args ...any) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, args...)}
}

// ResultFromMap lifts a capability result map into a ToolResult.
func ResultFromMap(m map[string]any) ToolResult {
	r := ToolResult{Payload: map[string]any{}}
	for k, v := range m {
		switch k {
		case "success":
			r.Success, _ = v.(bool)
		case "error":
			if v != nil {
				r.Error = fmt.Sprint(v)
			}
		default:
			r.Payload[k] = v
		}
	}
	return r
}

// MarshalJSON flattens the payload next to success and error.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = ResultFromMap(m)
	return nil
}

// String returns the JSON form that is folded into the history.
func (r ToolResult) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}

// FuncTool wraps a plain function as a Tool.
type FuncTool struct {
	ToolName   string
	ToolDesc   string
	ToolParams map[string]any
	Fn         func(ctx context.Context, args map[string]any) (ToolResult, error)
}

func (f *FuncTool) Name() string               { return f.ToolName }
func (f *FuncTool) Description() string        { return f.ToolDesc }
func (f *FuncTool) Parameters() map[string]any { return f.ToolParams }
func (f *FuncTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	return f.Fn(ctx, args)
}

// Dispatcher resolves and executes tool calls for the engine. Dispatch
// never returns an error; failures are carried in the result.
type Dispatcher interface {
	Describe() string
	Dispatch(ctx context.Context, call ToolCall) ToolResult
}

// SkillHint is a skill that might satisfy a missing capability.
type SkillHint struct {
	Name        string
	Description string
}

// SkillInstaller acquires a missing capability on demand.
type SkillInstaller interface {
	// InstallSkill finds and installs a skill for need and returns the
	// name of the tool it registered.
	InstallSkill(ctx context.Context, need string) (string, error)
	// SuggestSkills returns skills related to need, for the user.
	SuggestSkills(ctx context.Context, need string) []SkillHint
}
