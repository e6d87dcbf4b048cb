package session

import (
	"sort"
	"sync"
	"time"
)

// Task is a scheduled callback that can be cancelled.
type Task interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped it.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// SystemScheduler schedules on the wall clock.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// ManualScheduler is a virtual clock. Callbacks run synchronously inside
// Advance, in due-time order.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

// NewManualScheduler starts a virtual clock at a fixed instant.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

type manualTask struct {
	s       *ManualScheduler
	due     time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTask{s: s, due: s.now.Add(d), seq: s.seq, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Now returns the virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d, running every callback that falls
// due, including ones scheduled by callbacks along the way.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.fired = true
		s.now = next.due
		s.mu.Unlock()

		next.f()
	}
}

// Pending counts callbacks that are scheduled and not stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTask {
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.tasks = live
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].due.Equal(s.tasks[j].due) {
			return s.tasks[i].seq < s.tasks[j].seq
		}
		return s.tasks[i].due.Before(s.tasks[j].due)
	})
	if len(s.tasks) > 0 && !s.tasks[0].due.After(target) {
		return s.tasks[0]
	}
	return nil
}
