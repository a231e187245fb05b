// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch provides the application delivery context for timeout
// notifications.
//
// A Loop owns one goroutine that runs posted functions one at a time in
// FIFO order. Timer callbacks post to it instead of calling the application
// directly, so the application never sees concurrent notifications and a
// slow application never stalls the timer workers.
package dispatch

import (
	"errors"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/jeranaias/sessiontimer/internal/logging"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("dispatch loop is closed")

// Loop is a single-consumer delivery queue. Post never blocks; the queue is
// unbounded so notifications are never dropped.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}

	log *logging.Logger
}

// NewLoop starts a delivery loop.
func NewLoop(logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.NopLogger()
	}
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logger.WithComponent("dispatch"),
	}
	go l.run()
	return l
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync blocks until every function posted before the call has run.
// It returns ErrClosed if the loop is closed. Calling Sync from the loop
// goroutine deadlocks.
func (l *Loop) Sync() error {
	barrier := make(chan struct{})
	if err := l.Post(func() { close(barrier) }); err != nil {
		return err
	}
	<-barrier
	return nil
}

// Stop stops accepting work without waiting. Functions already queued still
// run. Safe to call from the loop goroutine and more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting work, runs what is already queued, and waits for the
// loop goroutine to exit. Must not be called from the loop goroutine.
func (l *Loop) Close() {
	l.Stop()
	<-l.done
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.call(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) call(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		l.log.Error("delivery panicked", "panic", r.String())
	}
}
