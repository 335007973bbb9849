package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	subscriberBuffer = 128
	replayLimit      = 512
	keepFinished     = 32
)

// Background runs tasks off the caller's goroutine so chat front-ends and
// HTTP handlers can reply immediately. Events fan out to subscribers
// without ever blocking the engine: a subscriber that falls behind loses
// events, except the done event, which displaces the oldest buffered one.
// The replay kept for late subscribers is a ring of the latest events
// without model deltas, so it always ends with done once the task ends.
type Background struct {
	engine   *Engine
	logger   *slog.Logger
	decorate func(ctx context.Context, taskID string) context.Context

	mu    sync.Mutex
	runs  map[string]*bgRun
	order []string
}

type bgRun struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	replay []StreamEvent
	subs   []chan StreamEvent
	closed bool
}

// BackgroundOption configures a Background.
type BackgroundOption func(*Background)

// WithTaskContext decorates each task's context, e.g. to attach a trace
// recorder keyed by task id.
func WithTaskContext(fn func(ctx context.Context, taskID string) context.Context) BackgroundOption {
	return func(b *Background) { b.decorate = fn }
}

// NewBackground wraps an engine.
func NewBackground(engine *Engine, logger *slog.Logger, opts ...BackgroundOption) *Background {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Background{
		engine: engine,
		logger: logger,
		runs:   make(map[string]*bgRun),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start accepts a task and returns at once. The returned channel carries
// the task's events and is closed after the done event.
func (b *Background) Start(req Request) (string, <-chan StreamEvent, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	if b.decorate != nil {
		ctx = b.decorate(ctx, req.TaskID)
	}

	run := &bgRun{cancel: cancel, done: make(chan struct{})}
	sub := make(chan StreamEvent, subscriberBuffer)
	run.subs = append(run.subs, sub)

	task, resCh, err := b.engine.Go(ctx, req, run.publish)
	if err != nil {
		cancel()
		return "", nil, err
	}

	b.mu.Lock()
	b.runs[task.ID] = run
	b.order = append(b.order, task.ID)
	b.evictLocked()
	b.mu.Unlock()

	go func() {
		res := <-resCh
		run.finish(res)
		cancel()
		b.logger.Debug("background task ended", "task_id", task.ID, "status", res.Status)
	}()
	return task.ID, sub, nil
}

// Subscribe attaches to a task's events. Events already emitted are
// replayed first. The channel is closed when the task ends.
func (b *Background) Subscribe(taskID string) (<-chan StreamEvent, bool) {
	b.mu.Lock()
	run, ok := b.runs[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	ch := make(chan StreamEvent, len(run.replay)+subscriberBuffer)
	for _, ev := range run.replay {
		ch <- ev
	}
	if run.closed {
		close(ch)
	} else {
		run.subs = append(run.subs, ch)
	}
	return ch, true
}

// Stop asks the running task to stop at its next check.
func (b *Background) Stop() (string, bool) {
	return b.engine.Exec().Stop()
}

// Cancel cancels a task's context. The engine treats it as a stop.
func (b *Background) Cancel(taskID string) bool {
	b.mu.Lock()
	run, ok := b.runs[taskID]
	b.mu.Unlock()
	if ok {
		run.cancel()
	}
	return ok
}

// Wait blocks until the task ends and returns its result. It reports
// false for unknown ids or when ctx ends first.
func (b *Background) Wait(ctx context.Context, taskID string) (*Result, bool) {
	b.mu.Lock()
	run, ok := b.runs[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-run.done:
		res := run.result
		return &res, true
	case <-ctx.Done():
		return nil, false
	}
}

// Lookup returns the result of a finished task without blocking.
func (b *Background) Lookup(taskID string) (res *Result, finished, ok bool) {
	b.mu.Lock()
	run, ok := b.runs[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, false, false
	}
	select {
	case <-run.done:
		r := run.result
		return &r, true, true
	default:
		return nil, false, true
	}
}

// Current returns the engine's task snapshot.
func (b *Background) Current() (Task, bool) {
	return b.engine.Exec().Current()
}

func (b *Background) evictLocked() {
	for len(b.order) > keepFinished {
		id := b.order[0]
		run := b.runs[id]
		select {
		case <-run.done:
		default:
			return
		}
		delete(b.runs, id)
		b.order = b.order[1:]
	}
}

func (r *bgRun) publish(ev StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if ev.Event != EventModelDelta {
		if len(r.replay) == replayLimit {
			copy(r.replay, r.replay[1:])
			r.replay = r.replay[:replayLimit-1]
		}
		r.replay = append(r.replay, ev)
	}
	for _, ch := range r.subs {
		if ev.Event == EventDone {
			deliver(ch, ev)
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// deliver sends ev, discarding the oldest buffered events until it fits.
// Only publish sends on ch, so the loop ends.
func deliver(ch chan StreamEvent, ev StreamEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (r *bgRun) finish(res Result) {
	r.mu.Lock()
	r.result = res
	r.closed = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.mu.Unlock()
	close(r.done)
}
