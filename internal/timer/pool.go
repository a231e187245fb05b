// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package timer

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/jeranaias/sessiontimer/internal/logging"
)

// DefaultWorkers is the number of callbacks a Pool runs concurrently.
const DefaultWorkers = 15

// PoolConfig configures a Pool engine.
type PoolConfig struct {
	// Workers bounds concurrently running callbacks (default: 15).
	Workers int

	// Logger receives panic reports from callbacks (default: discard).
	Logger *logging.Logger
}

// Pool is a wall-clock Engine. Each task is armed with time.AfterFunc and,
// once due, runs on one of a bounded number of workers.
// It is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	tasks    map[uint64]*Handle
	nextID   uint64
	shutdown bool

	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	log *logging.Logger
}

// NewPool creates a Pool engine.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tasks:  make(map[uint64]*Handle),
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:    ctx,
		cancel: cancel,
		log:    cfg.Logger.WithComponent("timer"),
	}
}

// Schedule arms fn to run once after delay.
func (p *Pool) Schedule(fn func(), delay time.Duration) (*Handle, error) {
	if err := validate(fn, delay); err != nil {
		return nil, &ScheduleError{Op: "schedule", Delay: delay, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, &ScheduleError{Op: "schedule", Delay: delay, Err: ErrShutdown}
	}

	p.nextID++
	h := newHandle(p.nextID, fn, delay)
	p.tasks[h.id] = h
	t := time.AfterFunc(delay, func() { p.fire(h) })
	h.stop = t.Stop
	return h, nil
}

// fire runs on the time.AfterFunc goroutine. Waiting for a worker slot
// blocks only this goroutine, never the caller of Schedule.
func (p *Pool) fire(h *Handle) {
	p.mu.Lock()
	delete(p.tasks, h.id)
	if p.shutdown {
		p.mu.Unlock()
		h.cancel()
		return
	}
	p.running.Add(1)
	p.mu.Unlock()
	defer p.running.Done()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		h.cancel()
		return
	}
	defer p.sem.Release(1)

	if p.ctx.Err() != nil || !h.begin() {
		h.cancel()
		return
	}

	var pc panics.Catcher
	pc.Try(h.fn)
	h.finish()

	if r := pc.Recovered(); r != nil {
		p.log.Error("timer callback panicked",
			"task_id", h.id,
			"delay", h.delay.String(),
			"panic", r.String(),
		)
	}
}

// Cancel disarms a pending task. It returns false if the task already
// started, already ran, or was canceled before.
func (p *Pool) Cancel(h *Handle) bool {
	if h == nil || !h.cancel() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h.stop != nil {
		h.stop()
	}
	delete(p.tasks, h.id)
	return true
}

// Shutdown cancels every pending task and refuses new ones. It does not wait
// for running callbacks, so it may be called from inside a callback.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	for id, h := range p.tasks {
		if h.cancel() && h.stop != nil {
			h.stop()
		}
		delete(p.tasks, id)
	}
	p.mu.Unlock()

	p.cancel()
}

// IsShutdown reports whether Shutdown was called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Pending returns the number of armed tasks that have not fired yet.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Drain shuts the pool down and waits until running callbacks return or
// ctx is done. Must not be called from inside a callback.
func (p *Pool) Drain(ctx context.Context) error {
	p.Shutdown()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
