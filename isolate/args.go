// Package isolate runs a task in a child process so it can be killed
// without taking the host down. The parent passes the task as a single
// base64 token argument; the child reports progress on stdout, one line
// per event, and logs JSON to stderr.
package isolate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Args is what the worker needs to run one task.
type Args struct {
	TaskID        string `json:"task_id"`
	Description   string `json:"task"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Model         string `json:"model,omitempty"`
	ConfigPath    string `json:"config_path,omitempty"`
}

// EncodeArgs renders args as a command-line safe token.
func EncodeArgs(a Args) string {
	data, _ := json.Marshal(a)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeArgs reverses EncodeArgs.
func DecodeArgs(token string) (Args, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Args{}, fmt.Errorf("decode worker token: %w", err)
	}
	var a Args
	if err := json.Unmarshal(data, &a); err != nil {
		return Args{}, fmt.Errorf("parse worker token: %w", err)
	}
	if a.Description == "" {
		return Args{}, fmt.Errorf("worker token has no task")
	}
	return a, nil
}
