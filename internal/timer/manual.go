// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package timer

import (
	"sort"
	"sync"
	"time"
)

type manualTask struct {
	h   *Handle
	due time.Duration
}

// Manual is a virtual-clock Engine. Time starts at zero and only moves when
// Advance is called. Due callbacks run synchronously on the goroutine that
// calls Advance, in due-time order; tasks due at the same instant run in the
// order they were scheduled. Panics in callbacks propagate to the caller.
type Manual struct {
	mu       sync.Mutex
	now      time.Duration
	seq      uint64
	queue    []manualTask // sorted by due, then seq
	shutdown bool

	advanceMu sync.Mutex // serializes Advance
}

// NewManual creates a virtual-clock engine at time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Schedule arms fn to run when virtual time reaches Now()+delay.
func (m *Manual) Schedule(fn func(), delay time.Duration) (*Handle, error) {
	if err := validate(fn, delay); err != nil {
		return nil, &ScheduleError{Op: "schedule", Delay: delay, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, &ScheduleError{Op: "schedule", Delay: delay, Err: ErrShutdown}
	}

	m.seq++
	h := newHandle(m.seq, fn, delay)
	task := manualTask{h: h, due: m.now + delay}

	i := sort.Search(len(m.queue), func(i int) bool {
		return m.queue[i].due > task.due
	})
	m.queue = append(m.queue, manualTask{})
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = task
	return h, nil
}

// Cancel removes a pending task.
func (m *Manual) Cancel(h *Handle) bool {
	if h == nil || !h.cancel() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(h)
	return true
}

func (m *Manual) remove(h *Handle) {
	for i, t := range m.queue {
		if t.h == h {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// Advance moves virtual time forward by d, running every callback that falls
// due, including callbacks scheduled by other callbacks inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.advanceMu.Lock()
	defer m.advanceMu.Unlock()

	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.queue[0].due > target {
			m.now = target
			m.mu.Unlock()
			return
		}
		task := m.queue[0]
		m.queue = m.queue[1:]
		m.now = task.due
		m.mu.Unlock()

		if task.h.begin() {
			task.h.fn()
			task.h.finish()
		}
	}
}

// Now returns the elapsed virtual time.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of armed tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Shutdown cancels all pending tasks and refuses new ones.
func (m *Manual) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return
	}
	m.shutdown = true
	for _, t := range m.queue {
		t.h.cancel()
	}
	m.queue = nil
}

// IsShutdown reports whether Shutdown was called.
func (m *Manual) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}
