// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package timer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrShutdown is returned when scheduling on an engine that was shut down.
	ErrShutdown = errors.New("timer engine is shut down")

	// ErrInvalidTask is returned for a nil callback or a negative delay.
	ErrInvalidTask = errors.New("invalid timer task")
)

// ScheduleError wraps a scheduling failure with the operation that failed.
type ScheduleError struct {
	Op    string // e.g. "schedule"
	Delay time.Duration
	Err   error
}

// Error returns the error message.
func (e *ScheduleError) Error() string {
	return fmt.Sprintf("timer %s (delay %v): %v", e.Op, e.Delay, e.Err)
}

// Unwrap returns the underlying error.
func (e *ScheduleError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine schedules one-shot deferred callbacks.
type Engine interface {
	// Schedule arranges for fn to run once after delay.
	Schedule(fn func(), delay time.Duration) (*Handle, error)

	// Cancel prevents a pending callback from running. It reports whether
	// the callback was pending; it returns false once the callback started.
	Cancel(h *Handle) bool

	// Shutdown cancels all pending callbacks and refuses new ones.
	Shutdown()

	// IsShutdown reports whether Shutdown was called.
	IsShutdown() bool
}

// =============================================================================
// HANDLE
// =============================================================================

// State is the lifecycle state of a scheduled callback.
type State int32

const (
	// StatePending means the callback is armed and has not started.
	StatePending State = iota
	// StateRunning means the callback is executing.
	StateRunning
	// StateFired means the callback ran to completion.
	StateFired
	// StateCanceled means the callback was canceled before it started.
	StateCanceled
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateFired:
		return "FIRED"
	case StateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Handle identifies a scheduled callback. The zero value is not usable;
// handles are created by an Engine.
type Handle struct {
	id    uint64
	delay time.Duration
	fn    func()
	state atomic.Int32

	// stop disarms the underlying wall-clock timer (Pool only).
	stop func() bool
}

func newHandle(id uint64, fn func(), delay time.Duration) *Handle {
	h := &Handle{id: id, fn: fn, delay: delay}
	h.state.Store(int32(StatePending))
	return h
}

// ID returns the engine-unique task identifier.
func (h *Handle) ID() uint64 { return h.id }

// Delay returns the delay the callback was scheduled with.
func (h *Handle) Delay() time.Duration { return h.delay }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done reports whether the callback fired or was canceled.
func (h *Handle) Done() bool {
	s := h.State()
	return s == StateFired || s == StateCanceled
}

// cancel moves Pending to Canceled.
func (h *Handle) cancel() bool {
	return h.state.CompareAndSwap(int32(StatePending), int32(StateCanceled))
}

// begin moves Pending to Running. A false result means the task was
// canceled (or already claimed) and must not run.
func (h *Handle) begin() bool {
	return h.state.CompareAndSwap(int32(StatePending), int32(StateRunning))
}

func (h *Handle) finish() {
	h.state.Store(int32(StateFired))
}

func validate(fn func(), delay time.Duration) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidTask)
	}
	if delay < 0 {
		return fmt.Errorf("%w: negative delay %v", ErrInvalidTask, delay)
	}
	return nil
}
