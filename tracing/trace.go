package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/langbot-app/LangTARS/agent"
)

// Span represents a single timed operation within a trace.
type Span struct {
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace collects the spans of one task. Implements agent.TraceRecorder.
type Trace struct {
	mu          sync.Mutex
	TaskID      string    `json:"task_id"`
	Description string    `json:"description,omitempty"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitempty"`
	DurationMs  float64   `json:"duration_ms"`
	Spans       []Span    `json:"spans"`
	Error       string    `json:"error,omitempty"`
}

var _ agent.TraceRecorder = (*Trace)(nil)

// NewTrace creates a trace for a task.
func NewTrace(taskID string) *Trace {
	return &Trace{
		TaskID:    taskID,
		StartTime: time.Now(),
		Spans:     []Span{},
	}
}

// SpanRecorder is returned by StartSpan. Implements agent.SpanHandle.
type SpanRecorder struct {
	trace *Trace
	span  Span
}

var _ agent.SpanHandle = (*SpanRecorder)(nil)

func (t *Trace) StartSpan(name string) agent.SpanHandle {
	return &SpanRecorder{
		trace: t,
		span:  Span{Name: name, StartTime: time.Now(), Metadata: map[string]any{}},
	}
}

func (t *Trace) RecordEvent(name string, metadata map[string]any) {
	now := time.Now()
	t.addSpan(Span{Name: name, StartTime: now, EndTime: now, Metadata: metadata})
}

func (sr *SpanRecorder) Set(key string, value any) agent.SpanHandle {
	sr.span.Metadata[key] = value
	return sr
}

func (sr *SpanRecorder) End() {
	sr.span.EndTime = time.Now()
	sr.span.DurationMs = float64(sr.span.EndTime.Sub(sr.span.StartTime)) / float64(time.Millisecond)
	sr.trace.addSpan(sr.span)
}

func (t *Trace) addSpan(s Span) {
	t.mu.Lock()
	t.Spans = append(t.Spans, s)
	t.mu.Unlock()
}

// Finish closes the trace with the task's terminal status.
func (t *Trace) Finish(status, errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EndTime = time.Now()
	t.DurationMs = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	t.Status = status
	t.Error = errText
}

// Snapshot returns a copy that is safe to serialize while the task is
// still adding spans.
func (t *Trace) Snapshot() *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Trace{
		TaskID:      t.TaskID,
		Description: t.Description,
		Model:       t.Model,
		Status:      t.Status,
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
		DurationMs:  t.DurationMs,
		Spans:       append([]Span(nil), t.Spans...),
		Error:       t.Error,
	}
}

// Store holds recent traces in memory with bounded capacity.
type Store struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string
	max    int
}

var _ agent.Recorder = (*Store)(nil)

// NewStore creates a store that retains up to maxSize traces.
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Store{
		traces: make(map[string]*Trace),
		order:  make([]string, 0, maxSize),
		max:    maxSize,
	}
}

// Put stores a trace, evicting the oldest if at capacity.
func (s *Store) Put(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.traces[t.TaskID]; !ok {
		if len(s.order) >= s.max {
			oldest := s.order[0]
			delete(s.traces, oldest)
			s.order = s.order[1:]
		}
		s.order = append(s.order, t.TaskID)
	}
	s.traces[t.TaskID] = t
}

// Get returns a trace by task id, or nil if not found.
func (s *Store) Get(taskID string) *Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traces[taskID]
}

// List returns the most recent traces, newest first, up to limit.
func (s *Store) List(limit int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]*Trace, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.traces[s.order[n-1-i]]
	}
	return result
}

// Attach creates a trace for taskID, stores it and puts it in ctx. It
// fits agent.WithTaskContext.
func (s *Store) Attach(ctx context.Context, taskID string) context.Context {
	t := NewTrace(taskID)
	s.Put(t)
	return WithTrace(ctx, t)
}

// RecordTask finishes the task's trace.
func (s *Store) RecordTask(ctx context.Context, task agent.Task, res agent.Result) error {
	t := s.Get(task.ID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.Description = task.Description
	t.Model = task.Model
	t.mu.Unlock()
	errText := ""
	if res.Status == agent.StatusError {
		errText = res.Text
	}
	t.Finish(res.Status, errText)
	return nil
}

// WithTrace stores the trace in context via agent.WithTraceRecorder.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return agent.WithTraceRecorder(ctx, t)
}

// FromContext extracts the concrete *Trace from context.
func FromContext(ctx context.Context) *Trace {
	tr := agent.TraceFromContext(ctx)
	if tr == nil {
		return nil
	}
	t, _ := tr.(*Trace)
	return t
}
