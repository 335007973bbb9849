package handlers

import (
	"sync"
	"time"
)

// Event names broadcast on the bus.
const (
	EventTaskStarted   = "task_started"
	EventTaskFinished  = "task_finished"
	EventToolsChanged  = "tools_changed"
	EventSkillsChanged = "skills_changed"
)

const busBuffer = 16

// Event is one bus message.
type Event struct {
	Name string    `json:"event"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// EventBus fans task and registry changes out to /events listeners. A
// listener whose buffer is full misses events rather than stalling the
// publisher.
type EventBus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[<-chan Event]chan Event)}
}

func (eb *EventBus) Subscribe() <-chan Event {
	ch := make(chan Event, busBuffer)
	eb.mu.Lock()
	eb.subs[ch] = ch
	eb.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch. The channel is left open.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	delete(eb.subs, ch)
	eb.mu.Unlock()
}

func (eb *EventBus) Broadcast(name string, data any) {
	ev := Event{Name: name, At: time.Now(), Data: data}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
