// Package admission bounds in-flight work by task count and estimated bytes.
package admission

import (
	"context"
	"sync"
)

// State is a point-in-time snapshot of a Scheduler.
type State struct {
	BytesInFlight    int64 `json:"bytes_in_flight"`
	ActiveTasks      int   `json:"active_tasks"`
	QueuedTasks      int   `json:"queued_tasks"`
	MaxConcurrent    int   `json:"max_concurrent"`
	MaxBytesInFlight int64 `json:"max_bytes_in_flight"`
}

type waiter struct {
	est      int64
	ready    chan struct{}
	admitted bool
}

// Scheduler admits callers in strict FIFO order. A caller is admitted when no
// task is active, or when both a concurrency slot and enough byte budget are
// free. The first rule lets a single item larger than the whole budget run.
type Scheduler struct {
	maxConcurrent    int
	maxBytesInFlight int64

	mu       sync.Mutex
	active   int
	inFlight int64
	queue    []*waiter
	idle     []chan struct{}
}

// New creates a scheduler. Non-positive limits are raised to 1.
func New(maxConcurrent int, maxBytesInFlight int64) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxBytesInFlight < 1 {
		maxBytesInFlight = 1
	}
	return &Scheduler{maxConcurrent: maxConcurrent, maxBytesInFlight: maxBytesInFlight}
}

// Acquire blocks until the caller is admitted or ctx is done. Every nil
// return must be paired with exactly one Release of the same estimate.
func (s *Scheduler) Acquire(ctx context.Context, estimatedBytes int64) error {
	if estimatedBytes < 0 {
		estimatedBytes = 0
	}
	s.mu.Lock()
	if len(s.queue) == 0 && s.canAdmit(estimatedBytes) {
		s.admit(estimatedBytes)
		s.mu.Unlock()
		return nil
	}
	w := &waiter{est: estimatedBytes, ready: make(chan struct{})}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.admitted {
		// admitted while we were giving up; the caller still owns the slot
		return nil
	}
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.promote()
	s.notifyIdle()
	return ctx.Err()
}

// Release returns a slot taken by Acquire and admits as many queued callers
// from the head of the queue as now fit.
func (s *Scheduler) Release(estimatedBytes int64) {
	if estimatedBytes < 0 {
		estimatedBytes = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	s.inFlight -= estimatedBytes
	if s.inFlight < 0 || s.active == 0 {
		s.inFlight = 0
	}
	s.promote()
	s.notifyIdle()
}

// Drain blocks until no task is active and none is queued.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 && len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idle = append(s.idle, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the current counters.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		BytesInFlight:    s.inFlight,
		ActiveTasks:      s.active,
		QueuedTasks:      len(s.queue),
		MaxConcurrent:    s.maxConcurrent,
		MaxBytesInFlight: s.maxBytesInFlight,
	}
}

func (s *Scheduler) canAdmit(est int64) bool {
	if s.active == 0 {
		return true
	}
	return s.active < s.maxConcurrent && s.inFlight+est <= s.maxBytesInFlight
}

func (s *Scheduler) admit(est int64) {
	s.active++
	s.inFlight += est
}

// promote must be called with mu held.
func (s *Scheduler) promote() {
	for len(s.queue) > 0 && s.canAdmit(s.queue[0].est) {
		w := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.admit(w.est)
		w.admitted = true
		close(w.ready)
	}
}

func (s *Scheduler) notifyIdle() {
	if s.active != 0 || len(s.queue) != 0 {
		return
	}
	for _, ch := range s.idle {
		close(ch)
	}
	s.idle = nil
}
