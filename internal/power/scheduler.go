package power

import (
	"sync"
	"time"
)

var afterFunc = time.AfterFunc

// Scheduler holds at most one pending Transition. The first request wins;
// later requests are refused until the mode ends.
type Scheduler struct {
	mu      sync.Mutex
	ch      chan Transition
	timer   *time.Timer
	pending bool
	next    Transition
	due     time.Time
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{ch: make(chan Transition, 1)}
}

// Schedule fires t after delay. It reports false if a transition is already
// pending or the scheduler was stopped.
func (s *Scheduler) Schedule(delay time.Duration, t Transition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending || s.stopped {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	s.pending = true
	s.next = t
	s.due = time.Now().Add(delay)
	s.timer = afterFunc(delay, func() {
		// Buffered and fired once.
		s.ch <- t
	})
	return true
}

// Pending returns the scheduled transition and when it fires.
func (s *Scheduler) Pending() (Transition, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.due, s.pending
}

func (s *Scheduler) C() <-chan Transition { return s.ch }

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
