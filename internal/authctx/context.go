// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package authctx ties an authenticated session to its timeout scheduler.
//
// A Context is the session the scheduler watches. It owns the scheduler and
// its timer engine, records lifecycle events to the audit trail, and stops
// the timers when the session lifetime ends. A Factory keeps live contexts
// under opaque identifiers so several authentication flows can run at once.
package authctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/sessiontimer/internal/audit"
	"github.com/jeranaias/sessiontimer/internal/dispatch"
	"github.com/jeranaias/sessiontimer/internal/logging"
	"github.com/jeranaias/sessiontimer/internal/timeout"
	"github.com/jeranaias/sessiontimer/internal/timer"
)

// =============================================================================
// STATE
// =============================================================================

// State is the user-facing state of a session.
type State int

const (
	// StateActive means the session is valid and not about to go idle.
	StateActive State = iota
	// StateWarning means the advance notification fired and the idle window
	// is closing.
	StateWarning
	// StateExpired means the session was invalidated.
	StateExpired
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWarning:
		return "WARNING"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// RequiresReauth returns true if re-authentication is required.
func (s State) RequiresReauth() bool {
	return s == StateExpired
}

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Context.
type Option func(*options)

type options struct {
	newEngine func() timer.Engine
	loop      *dispatch.Loop
	logger    *logging.Logger
	recorder  audit.Recorder
	limit     rate.Limit
	burst     int
	unit      time.Duration
	workers   int
}

// WithEngine sets the constructor for the context's timer engine. Every
// context gets its own engine because stopping the scheduler shuts it down.
func WithEngine(newEngine func() timer.Engine) Option {
	return func(o *options) { o.newEngine = newEngine }
}

// WithWorkers bounds the default engine's concurrent callbacks.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLoop delivers notifications on a shared loop. The context does not
// close a loop it was given.
func WithLoop(l *dispatch.Loop) Option {
	return func(o *options) { o.loop = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithActivityLimit caps how often activity resets the idle clock.
// rate.Inf disables coalescing.
func WithActivityLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.limit = limit
		o.burst = burst
	}
}

// WithUnit sets the wall-clock length of one configured second.
func WithUnit(d time.Duration) Option {
	return func(o *options) { o.unit = d }
}

func buildOptions(opts []Option) options {
	o := options{
		limit: rate.Limit(1),
		burst: 1,
		unit:  time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.recorder == nil {
		o.recorder = audit.Nop()
	}
	if o.burst < 1 {
		o.burst = 1
	}
	if o.newEngine == nil {
		workers, logger := o.workers, o.logger
		o.newEngine = func() timer.Engine {
			return timer.NewPool(timer.PoolConfig{Workers: workers, Logger: logger})
		}
	}
	return o
}

// =============================================================================
// CONTEXT
// =============================================================================

// Context is one authenticated session and its timers.
type Context struct {
	id  string
	cfg timeout.Config

	mu           sync.Mutex
	valid        bool
	idleExpired  bool
	loginTime    time.Time
	lastActivity time.Time
	lastReset    bool
	loggedOut    bool

	sched    *timeout.Scheduler
	loop     *dispatch.Loop
	ownsLoop bool
	limiter  *rate.Limiter
	recorder audit.Recorder
	appSink  timeout.Sink
	log      *logging.Logger
}

// New creates a valid session and starts its timers. sink receives timeout
// notifications on the delivery loop and may be nil.
func New(cfg timeout.Config, sink timeout.Sink, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	now := time.Now()
	c := &Context{
		id:           uuid.NewString(),
		cfg:          cfg,
		valid:        true,
		loginTime:    now,
		lastActivity: now,
		lastReset:    true,
		limiter:      rate.NewLimiter(o.limit, o.burst),
		recorder:     o.recorder,
		appSink:      sink,
	}
	c.log = o.logger.WithSession(c.id)

	c.loop = o.loop
	if c.loop == nil {
		c.loop = dispatch.NewLoop(c.log)
		c.ownsLoop = true
	}

	engine := o.newEngine()
	sched, err := timeout.New(c, timeout.SinkFunc(c.onTimeout), engine, c.loop,
		timeout.WithLogger(c.log), timeout.WithUnit(o.unit))
	if err != nil {
		engine.Shutdown()
		c.closeLoop()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	c.sched = sched

	if err := sched.Start(); err != nil {
		sched.Stop()
		c.closeLoop()
		return nil, err
	}

	c.record(audit.Entry{Type: audit.EventStarted, Success: true,
		Detail: fmt.Sprintf("idle=%ds session=%ds advance=%d%% provider=%s",
			cfg.IdleTimeoutSeconds, cfg.SessionTimeoutSeconds, cfg.AdvanceNotificationPercent, cfg.AuthProvider)})
	c.log.Info("session started", "provider", cfg.AuthProvider.String())
	return c, nil
}

// ID returns the session identifier.
func (c *Context) ID() string { return c.id }

// Config returns the timeout configuration.
func (c *Context) Config() timeout.Config { return c.cfg }

// Timers returns the scheduler state.
func (c *Context) Timers() timeout.Status { return c.sched.Status() }

// Valid reports whether the session is still authenticated.
func (c *Context) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// IdleExpired reports whether the idle window elapsed.
func (c *Context) IdleExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleExpired
}

// LoginTime returns when the session was created.
func (c *Context) LoginTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginTime
}

// LastActivity returns the time of the last Touch.
func (c *Context) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// State summarizes validity and timer state.
func (c *Context) State() State {
	if !c.Valid() {
		return StateExpired
	}
	st := c.sched.Status()
	if st.Advance == timeout.SlotFired && st.Idle == timeout.SlotArmed {
		return StateWarning
	}
	return StateActive
}

// Touch records activity and restarts the idle clock. Activity above the
// configured rate is coalesced: the previous reset result is returned and
// the timers are left alone.
func (c *Context) Touch() bool {
	c.mu.Lock()
	c.lastActivity = time.Now()
	if !c.limiter.Allow() {
		ok := c.lastReset
		c.mu.Unlock()
		c.log.Debug("activity coalesced")
		return ok
	}
	c.mu.Unlock()

	ok := c.sched.Reset()

	c.mu.Lock()
	c.lastReset = ok
	c.mu.Unlock()

	entry := audit.Entry{Type: audit.EventReset, Success: ok}
	if !ok {
		entry.Detail = "idle timers not running"
	}
	c.record(entry)
	return ok
}

// Logout stops the timers and invalidates the session. Safe to call more
// than once. Must not be called from a Sink.
func (c *Context) Logout() {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return
	}
	c.loggedOut = true
	c.valid = false
	c.mu.Unlock()

	c.sched.Stop()
	c.closeLoop()

	c.record(audit.Entry{Type: audit.EventLogout, Success: true})
	c.log.Info("session logged out")
}

func (c *Context) closeLoop() {
	if c.ownsLoop {
		c.loop.Close()
	}
}

// =============================================================================
// timeout.Session
// =============================================================================

// IdleTimeoutSeconds implements timeout.Session.
func (c *Context) IdleTimeoutSeconds() uint { return c.cfg.IdleTimeoutSeconds }

// SessionTimeoutSeconds implements timeout.Session.
func (c *Context) SessionTimeoutSeconds() uint { return c.cfg.SessionTimeoutSeconds }

// AdvanceNotificationPercent implements timeout.Session.
func (c *Context) AdvanceNotificationPercent() uint { return c.cfg.AdvanceNotificationPercent }

// AuthProvider implements timeout.Session.
func (c *Context) AuthProvider() timeout.Provider { return c.cfg.AuthProvider }

// SetValid implements timeout.Session.
func (c *Context) SetValid(valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = valid
}

// MarkIdleExpired implements timeout.Session.
func (c *Context) MarkIdleExpired(expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleExpired = expired
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// onTimeout runs on the delivery loop after any invalidation. The end of the
// session lifetime is terminal, so the timers are stopped before the
// application hears about it.
func (c *Context) onTimeout(kind timeout.Kind, secondsRemaining uint) {
	invalidated := !c.Valid()
	c.record(audit.Entry{
		Type:             audit.EventTimeout,
		Kind:             kind.String(),
		SecondsRemaining: secondsRemaining,
		Invalidate:       invalidated,
		Success:          true,
	})

	if kind == timeout.KindSession {
		c.sched.Stop()
	}

	c.log.Info("session timeout", "kind", kind.String(), "seconds_remaining", secondsRemaining)
	if c.appSink != nil {
		c.appSink.OnTimeout(kind, secondsRemaining)
	}
}

func (c *Context) record(e audit.Entry) {
	e.SessionID = c.id
	if err := c.recorder.Record(context.Background(), e); err != nil {
		c.log.Warn("failed to record audit event", "event", string(e.Type), "error", err)
	}
}
