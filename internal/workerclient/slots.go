package workerclient

import "sync"

// Slots bounds how many subtasks a worker process executes at once.
// It is shared by every orchestrator connection of a MultiClient.
type Slots struct {
	capacity int
	free     int
	mu       sync.Mutex
	onChange func(free int)
}

// NewSlots creates a slot pool with the given capacity
func NewSlots(capacity int) *Slots {
	return &Slots{capacity: capacity, free: capacity}
}

// OnChange registers a callback invoked outside the lock whenever free changes
func (s *Slots) OnChange(fn func(free int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// TryAcquire claims a slot; false when the pool is exhausted
func (s *Slots) TryAcquire() bool {
	s.mu.Lock()
	if s.free <= 0 {
		s.mu.Unlock()
		return false
	}
	s.free--
	fn, free := s.onChange, s.free
	s.mu.Unlock()

	if fn != nil {
		fn(free)
	}
	return true
}

// Release returns a slot
func (s *Slots) Release() {
	s.mu.Lock()
	if s.free < s.capacity {
		s.free++
	}
	fn, free := s.onChange, s.free
	s.mu.Unlock()

	if fn != nil {
		fn(free)
	}
}

// Free returns the number of unclaimed slots
func (s *Slots) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free
}

// Capacity returns the pool size
func (s *Slots) Capacity() int {
	return s.capacity
}
