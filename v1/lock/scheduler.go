package lock

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs periodic tasks. One Scheduler can serve the watchdogs of
// many locks.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	next   uint64
	tasks  map[uint64]task
	closed bool
}

// NewScheduler returns a Scheduler driven by c. A nil clock uses wall time.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c, tasks: make(map[uint64]task)}
}

type task struct {
	done    chan struct{}
	stopped chan struct{}
}

// Every runs fn every d until the returned cancel func is called or the
// Scheduler is closed. Ticks are skipped while a previous fn is running.
// cancel blocks until a running fn has returned, and fn never starts after
// cancel returns. fn must not call cancel.
func (s *Scheduler) Every(d time.Duration, fn func()) (cancel func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.next
	s.next++
	s.tasks[id] = task{done: done, stopped: stopped}
	s.mu.Unlock()

	ticker := s.clock.Ticker(d)
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// both cases can be ready; cancellation wins
				select {
				case <-done:
					return
				default:
				}
				fn()
			case <-done:
				return
			}
		}
	}()

	return func() {
		s.mu.Lock()
		if t, ok := s.tasks[id]; ok {
			delete(s.tasks, id)
			close(t.done)
		}
		s.mu.Unlock()
		<-stopped
	}
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for running ones to return. Later calls
// to Every are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	var pending []chan struct{}
	for id, t := range s.tasks {
		delete(s.tasks, id)
		close(t.done)
		pending = append(pending, t.stopped)
	}
	s.mu.Unlock()
	for _, ch := range pending {
		<-ch
	}
}
