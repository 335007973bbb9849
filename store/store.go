// Package store keeps the history of finished tasks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/langbot-app/LangTARS/agent"
)

// ErrNotFound is returned by Get for unknown task ids.
var ErrNotFound = errors.New("task not found")

// TaskRecord is one finished (or running) task.
type TaskRecord struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Description string    `gorm:"type:text" json:"description"`
	Model       string    `gorm:"size:128" json:"model,omitempty"`
	Status      string    `gorm:"size:32;index" json:"status"`
	Result      string    `gorm:"type:text" json:"result"`
	Iterations  int       `json:"iterations"`
	LLMCalls    int       `json:"llm_calls"`
	StartedAt   time.Time `gorm:"index" json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store persists task records.
type Store interface {
	Save(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, id string) (TaskRecord, error)
	// List returns the most recent records first.
	List(ctx context.Context, limit int) ([]TaskRecord, error)
	Close() error
}

// FromTask builds a record from an engine task snapshot and its result.
func FromTask(task agent.Task, res agent.Result, finished time.Time) TaskRecord {
	return TaskRecord{
		ID:          task.ID,
		Description: task.Description,
		Model:       task.Model,
		Status:      res.Status,
		Result:      res.Text,
		Iterations:  res.Iterations,
		LLMCalls:    res.LLMCalls,
		StartedAt:   task.StartedAt,
		FinishedAt:  finished,
	}
}

// Recorder adapts a Store to agent.Recorder.
func Recorder(s Store) agent.Recorder {
	return recorder{s}
}

type recorder struct{ s Store }

func (r recorder) RecordTask(ctx context.Context, task agent.Task, res agent.Result) error {
	return r.s.Save(ctx, FromTask(task, res, time.Now()))
}
