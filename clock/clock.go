/*
Package clock abstracts wall-clock time and delayed tasks so that round timers
and sync retries can be driven by hand in tests.
*/
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler runs f once after d. The returned func cancels it.
type Scheduler interface {
	Clock
	AfterFunc(d time.Duration, f func()) (cancel func())
}

// Real is backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type task struct {
	id   uint64
	at   time.Time
	fn   func()
	dead bool
}

// Manual only moves when Advance is called. Tasks that become due run on the
// caller's goroutine in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	tasks  []*task
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &task{id: m.nextID, at: m.now.Add(d), fn: f}
	m.tasks = append(m.tasks, t)
	return func() {
		m.mu.Lock()
		t.dead = true
		m.mu.Unlock()
	}
}

// Pending is the number of tasks not yet run or cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.dead {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and runs every task due by then.
// Tasks scheduled by a running task are run too if they fall in the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		sort.Slice(m.tasks, func(i, j int) bool {
			if m.tasks[i].at.Equal(m.tasks[j].at) {
				return m.tasks[i].id < m.tasks[j].id
			}
			return m.tasks[i].at.Before(m.tasks[j].at)
		})
		var next *task
		for i, t := range m.tasks {
			if t.dead {
				continue
			}
			if t.at.After(target) {
				break
			}
			next = t
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			break
		}
		if next == nil {
			m.now = target
			m.tasks = compact(m.tasks)
			m.mu.Unlock()
			return
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.fn()
	}
}

func compact(tasks []*task) []*task {
	out := tasks[:0]
	for _, t := range tasks {
		if !t.dead {
			out = append(out, t)
		}
	}
	return out
}
