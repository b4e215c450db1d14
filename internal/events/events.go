package events

import (
	"sync"
	"time"
)

// EventType tags every emitted event
type EventType string

const (
	StepStart          EventType = "step_start"
	StepComplete       EventType = "step_complete"
	WorkflowComplete   EventType = "workflow_complete"
	WorkflowFailed     EventType = "workflow_failed"
	WaitingForInput    EventType = "waiting_for_input"
	ExecutionCancelled EventType = "execution_cancelled"
	StatusUpdate       EventType = "status_update"
)

// Event is one entry of the tagged-union event stream. Context carries a
// read-only snapshot of the execution state; listeners never get the live one.
type Event struct {
	Type        EventType   `json:"type"`
	ExecutionID string      `json:"execution_id"`
	StepID      string      `json:"step_id,omitempty"`
	Context     interface{} `json:"context,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// FailureMessage returns the text a user should see for a failure event:
// the translated message when the payload carries one, else the raw error
func FailureMessage(ev Event) string {
	if payload, ok := ev.Payload.(map[string]interface{}); ok {
		if msg, _ := payload["message"].(string); msg != "" {
			return msg
		}
	}
	return ev.Error
}

// Handler receives events in emission order
type Handler func(Event)

// Emitter dispatches events synchronously to subscribers, preserving order
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	order    []int
}

func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a handler for all subsequent events and returns a
// function that detaches it
func (e *Emitter) Subscribe(h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.order = append(e.order, id)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
		for i, existing := range e.order {
			if existing == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers the event to every subscriber in registration order.
// Dispatch is synchronous so listeners observe events in emission order.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.order))
	for _, id := range e.order {
		if h, ok := e.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
