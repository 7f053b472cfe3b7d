package health

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Monitor tracks the state of multiple sources in a thread-safe manner.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records a state transition for a named source.
func (m *Monitor) Update(name string, state State, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[name] = Status{
		Source:    name,
		State:     state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Get retrieves the status for a named source.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Snapshot returns a copy of all current statuses.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.statuses)
}

// Running returns the source → running mapping served over the control
// socket.
func (m *Monitor) Running() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]bool, len(m.statuses))
	for name, status := range m.statuses {
		result[name] = status.Running()
	}
	return result
}

// Remove drops a source from monitoring.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Sources returns the monitored source names, sorted.
func (m *Monitor) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.statuses))
}

// Count returns the number of monitored sources.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
