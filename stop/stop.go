// Package stop implements the cross-process stop signal that lets a
// task running in one process be interrupted from another.
//
// A Signal is polled by the execution engine between steps. Raising it
// records a marker of the form "stopped:<task_id>"; any marker is honored
// regardless of which task id it names.
package stop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// DefaultPath is the well-known location of the stop marker file.
const DefaultPath = "/tmp/langtars_stop"

// MarkerPrefix prefixes the task id written into a stop marker.
const MarkerPrefix = "stopped:"

// Signal is a stop flag observable across process boundaries.
type Signal interface {
	Raise(ctx context.Context, taskID string) error
	Raised(ctx context.Context) bool
	Clear(ctx context.Context) error
}

// Marker returns the marker contents for taskID.
func Marker(taskID string) string {
	return MarkerPrefix + taskID
}

// ParseMarker extracts the task id from marker contents.
func ParseMarker(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, MarkerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, MarkerPrefix), true
}

// FileSignal is a Signal backed by the existence of a file.
type FileSignal struct {
	Path string
	// FailClosed treats an unreadable marker (any stat error other than
	// not-exist) as a raised signal.
	FailClosed bool
	Logger     *slog.Logger
}

// NewFileSignal returns a FileSignal at path, or DefaultPath when empty.
func NewFileSignal(path string, logger *slog.Logger) *FileSignal {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileSignal{Path: path, Logger: logger}
}

func (s *FileSignal) Raise(_ context.Context, taskID string) error {
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write stop marker: %w", err)
	}
	if _, err := f.WriteString(Marker(taskID)); err != nil {
		f.Close()
		return fmt.Errorf("write stop marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync stop marker: %w", err)
	}
	return f.Close()
}

func (s *FileSignal) Raised(_ context.Context) bool {
	_, err := os.Stat(s.Path)
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	s.logger().Warn("stop marker unreadable", "path", s.Path, "error", err, "fail_closed", s.FailClosed)
	return s.FailClosed
}

// Read returns the task id recorded in the marker, if any.
func (s *FileSignal) Read() (string, bool) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", false
	}
	return ParseMarker(string(data))
}

func (s *FileSignal) Clear(_ context.Context) error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear stop marker: %w", err)
	}
	return nil
}

func (s *FileSignal) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Multi fans a stop out over several signals.
type Multi []Signal

func (m Multi) Raise(ctx context.Context, taskID string) error {
	var errs []error
	for _, s := range m {
		if err := s.Raise(ctx, taskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Raised(ctx context.Context) bool {
	for _, s := range m {
		if s.Raised(ctx) {
			return true
		}
	}
	return false
}

func (m Multi) Clear(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
