// Package workerpool tracks the workers connected to an orchestrator
// instance and relays the Worker API between them and the scheduler.
package workerpool

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectedWorker represents a worker connection
type ConnectedWorker struct {
	ID            string
	MaxJobs       int
	Slots         int
	Conn          *websocket.Conn
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	subtasks      map[string]struct{} // subtasks handed to this worker
	mu            sync.Mutex
	writeMu       sync.Mutex // protects Conn writes
}

// UpdateSlots updates available slots (thread-safe)
func (w *ConnectedWorker) UpdateSlots(slots int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Slots = slots
}

// TakeSlot claims one slot; false when none is free
func (w *ConnectedWorker) TakeSlot() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Slots <= 0 {
		return false
	}
	w.Slots--
	return true
}

// ReturnSlot gives back a slot taken for an assignment that was not sent
func (w *ConnectedWorker) ReturnSlot() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Slots < w.MaxJobs {
		w.Slots++
	}
}

// GetLastHeartbeat returns the last heartbeat time (thread-safe)
func (w *ConnectedWorker) GetLastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.LastHeartbeat
}

// SetLastHeartbeat sets the last heartbeat time (thread-safe)
func (w *ConnectedWorker) SetLastHeartbeat(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastHeartbeat = t
}

// Track records a subtask handed to the worker
func (w *ConnectedWorker) Track(subtaskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subtasks == nil {
		w.subtasks = make(map[string]struct{})
	}
	w.subtasks[subtaskID] = struct{}{}
}

// Untrack forgets a subtask once its outcome is in
func (w *ConnectedWorker) Untrack(subtaskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subtasks, subtaskID)
}

// Holds reports whether the subtask was handed to this worker
func (w *ConnectedWorker) Holds(subtaskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.subtasks[subtaskID]
	return ok
}

// Status is a snapshot of a connected worker
type Status struct {
	ID            string    `json:"id"`
	MaxJobs       int       `json:"max_jobs"`
	Slots         int       `json:"slots"`
	Subtasks      []string  `json:"subtasks"`
	ConnectedAt   time.Time `json:"connected_since"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// GetStatus returns a snapshot of worker status fields (thread-safe)
func (w *ConnectedWorker) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := make([]string, 0, len(w.subtasks))
	for id := range w.subtasks {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	return Status{
		ID:            w.ID,
		MaxJobs:       w.MaxJobs,
		Slots:         w.Slots,
		Subtasks:      subs,
		ConnectedAt:   w.ConnectedAt,
		LastHeartbeat: w.LastHeartbeat,
	}
}

// WriteMessage sends a message to the worker connection (thread-safe)
func (w *ConnectedWorker) WriteMessage(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.Conn.WriteMessage(messageType, data)
}

// Registry tracks connected workers
type Registry struct {
	workers map[string]*ConnectedWorker
	mu      sync.RWMutex
}

// NewRegistry creates a new worker registry
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*ConnectedWorker),
	}
}

// Register adds a worker to the registry
func (r *Registry) Register(w *ConnectedWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.ConnectedAt = time.Now()
	w.LastHeartbeat = time.Now()
	r.workers[w.ID] = w
}

// Unregister removes a worker from the registry
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Get returns a worker by ID
func (r *Registry) Get(id string) *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// Count returns the number of connected workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// FindReady returns a worker with available slots, preferring workers with more slots
func (r *Registry) FindReady() *ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ConnectedWorker
	var bestSlots int
	for _, w := range r.workers {
		w.mu.Lock()
		slots := w.Slots
		w.mu.Unlock()

		if slots > bestSlots || (slots == bestSlots && slots > 0 && best != nil && w.ID < best.ID) {
			best = w
			bestSlots = slots
		}
	}
	return best
}

// All returns all connected workers ordered by ID
func (r *Registry) All() []*ConnectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ConnectedWorker, 0, len(r.workers))
	for _, w := range r.workers {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// TotalSlots returns sum of all available slots
func (r *Registry) TotalSlots() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, w := range r.workers {
		w.mu.Lock()
		total += w.Slots
		w.mu.Unlock()
	}
	return total
}
