package state

import (
	"fmt"
	"sync"

	"github.com/skein-dev/skein/internal/events"
	"github.com/skein-dev/skein/internal/workflow"
)

// Manager tracks live executors and which of them is waiting for human
// input, so reply channels (CLI, Telegram, Discord, RPC) can route a
// response to the right execution.
type Manager struct {
	mu        sync.RWMutex
	executors map[string]*workflow.Executor
	waiting   []string // Execution ids awaiting input, oldest first
}

func NewManager() *Manager {
	return &Manager{
		executors: make(map[string]*workflow.Executor),
	}
}

// Register adds a live executor under its execution id
func (m *Manager) Register(id string, ex *workflow.Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[id] = ex
}

// Get returns the executor for an execution id
func (m *Manager) Get(id string) (*workflow.Executor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executors[id]
	return ex, ok
}

// Remove drops a finished executor
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executors, id)
	m.clearWaitingLocked(id)
}

// List returns the ids of all registered executors
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.executors))
	for id := range m.executors {
		ids = append(ids, id)
	}
	return ids
}

// HandleEvent is subscribed to the workflow event stream. Dropping
// executors on terminal events keeps a long-lived server from accumulating
// finished runs.
func (m *Manager) HandleEvent(ev events.Event) {
	switch ev.Type {
	case events.WorkflowComplete, events.WorkflowFailed, events.ExecutionCancelled:
		m.Remove(ev.ExecutionID)
	}
}

// MarkWaiting records that an execution paused for input
func (m *Manager) MarkWaiting(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.waiting {
		if existing == id {
			return
		}
	}
	m.waiting = append(m.waiting, id)
}

// ClearWaiting removes an execution from the waiting list
func (m *Manager) ClearWaiting(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearWaitingLocked(id)
}

func (m *Manager) clearWaitingLocked(id string) {
	for i, existing := range m.waiting {
		if existing == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// ResolveWaiting returns the executor a free-form reply should go to:
// the oldest execution still waiting for input
func (m *Manager) ResolveWaiting() (*workflow.Executor, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.waiting) > 0 {
		id := m.waiting[0]
		m.waiting = m.waiting[1:]
		if ex, ok := m.executors[id]; ok {
			return ex, id, nil
		}
	}
	return nil, "", fmt.Errorf("no execution is waiting for input")
}
