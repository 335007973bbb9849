package agent

// Event names emitted by RunStream.
const (
	EventTaskStart  = "task_start"
	EventIteration  = "iteration"
	EventModelStart = "model_start"
	EventModelDelta = "model_delta"
	EventModelEnd   = "model_end"
	EventToolStart  = "tool_start"
	EventToolEnd    = "tool_end"
	EventProgress   = "progress"
	EventDone       = "done"
	EventError      = "error"
)

// StreamEvent is sent from the engine to streaming consumers (SSE,
// WebSocket, the isolated worker's stdout).
type StreamEvent struct {
	Event     string `json:"event"`
	TaskID    string `json:"task_id,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Name      string `json:"name,omitempty"` // tool name or model name
	Data      any    `json:"data,omitempty"`
}
