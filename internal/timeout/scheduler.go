// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package timeout

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/sessiontimer/internal/logging"
	"github.com/jeranaias/sessiontimer/internal/timer"
)

// slot is one logical timer. gen changes every time the slot is armed so a
// callback can tell whether it still owns the slot.
type slot struct {
	name   string
	state  SlotState
	handle *timer.Handle
	gen    uint64
}

func (sl *slot) owns(gen uint64) bool {
	return sl.state == SlotArmed && sl.gen == gen
}

// Scheduler tracks the idle and absolute session clocks of one session.
//
// All slot and lifecycle fields are guarded by mu. Callbacks into the Session
// are made without holding mu; notifications are posted to the Deliverer.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	session Session
	sink    Sink
	engine  timer.Engine
	deliver Deliverer
	unit    time.Duration
	log     *logging.Logger

	advance slot
	idle    slot
	expiry  slot
	started bool
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithUnit sets the wall-clock length of one configured second. Only
// simulations and demos change it.
func WithUnit(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.unit = d
		}
	}
}

// New creates a scheduler for session. The scheduler takes ownership of
// engine and shuts it down on Stop. A nil sink is allowed; invalidation still
// happens.
func New(session Session, sink Sink, engine timer.Engine, deliver Deliverer, opts ...Option) (*Scheduler, error) {
	if session == nil || engine == nil || deliver == nil {
		return nil, fmt.Errorf("%w: session, engine and deliverer are required", ErrMissingDependency)
	}

	cfg := ConfigFrom(session)
	if cfg.AdvanceNotificationPercent > 100 {
		return nil, fmt.Errorf("%w: advance notification percent %d exceeds 100", ErrInvalidConfig, cfg.AdvanceNotificationPercent)
	}

	s := &Scheduler{
		cfg:     cfg,
		session: session,
		sink:    sink,
		engine:  engine,
		deliver: deliver,
		unit:    time.Second,
		log:     logging.NopLogger(),
		advance: slot{name: "advance_notification"},
		idle:    slot{name: "idle_expiry"},
		expiry:  slot{name: "session_expiry"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("timeout")

	if limit := maxSecondsFor(s.unit); cfg.SessionTimeoutSeconds > limit || cfg.IdleTimeoutSeconds > limit {
		return nil, fmt.Errorf("%w: timeouts above %d units of %v overflow", ErrInvalidConfig, limit, s.unit)
	}

	if cfg.IdleTimeoutSeconds >= cfg.SessionTimeoutSeconds {
		s.log.Warn("idle timeout is not shorter than session timeout",
			"idle_secs", cfg.IdleTimeoutSeconds,
			"session_secs", cfg.SessionTimeoutSeconds,
		)
	}
	return s, nil
}

// Config returns the configuration snapshot.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start arms the advance notification and session expiry timers.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.armLocked(&s.advance, s.onAdvance, s.cfg.AdvanceDelaySeconds()); err != nil {
		return fmt.Errorf("start advance notification timer: %w", err)
	}
	if err := s.armLocked(&s.expiry, s.onSessionExpiry, s.cfg.SessionTimeoutSeconds); err != nil {
		s.cancelLocked(&s.advance)
		return fmt.Errorf("start session timer: %w", err)
	}
	s.started = true

	s.log.Info("timers started",
		"idle_secs", s.cfg.IdleTimeoutSeconds,
		"session_secs", s.cfg.SessionTimeoutSeconds,
		"advance_percent", s.cfg.AdvanceNotificationPercent,
		"provider", s.cfg.AuthProvider.String(),
	)
	return nil
}

// Reset restarts the idle clock after activity. The session clock is never
// extended. It returns false without changing anything when the scheduler
// is stopped or both idle timers are already done; otherwise it cancels the
// live idle timers, rearms the advance notification and reports whether at
// least one cancellation took effect.
func (s *Scheduler) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.started || s.engine.IsShutdown() ||
		(s.advance.state != SlotArmed && s.idle.state != SlotArmed) {
		s.log.Error("could not reset the timers",
			"stopped", s.stopped,
			"started", s.started,
			"engine_shutdown", s.engine.IsShutdown(),
			"advance", s.advance.state.String(),
			"idle", s.idle.state.String(),
		)
		return false
	}

	advanceCanceled := s.cancelLocked(&s.advance)
	idleCanceled := s.cancelLocked(&s.idle)
	ok := advanceCanceled || idleCanceled

	if err := s.armLocked(&s.advance, s.onAdvance, s.cfg.AdvanceDelaySeconds()); err != nil {
		s.log.Error("failed to rearm advance notification", "error", err)
		return false
	}

	s.log.Debug("idle timer reset", "reset_status", ok)
	return ok
}

// Stop cancels every live timer and shuts the engine down. Later calls are
// no-ops; the scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelLocked(&s.idle)
	s.cancelLocked(&s.advance)
	s.cancelLocked(&s.expiry)
	s.idle.handle, s.advance.handle, s.expiry.handle = nil, nil, nil
	s.stopped = true
	s.mu.Unlock()

	s.engine.Shutdown()
	s.log.Debug("timers stopped")
}

// Status returns a snapshot of the three timers.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Advance: s.advance.state,
		Idle:    s.idle.state,
		Session: s.expiry.state,
		Started: s.started,
		Stopped: s.stopped,
	}
}

// =============================================================================
// CALLBACKS
// =============================================================================

// onAdvance warns the application and arms the rest of the idle window.
func (s *Scheduler) onAdvance(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.advance.owns(gen) {
		s.log.Debug("stale advance notification ignored")
		return
	}
	s.advance.state = SlotFired

	remaining := s.cfg.WarningRemainingSeconds()
	s.log.Debug("idle time expires soon", "expires_in_secs", remaining)
	s.emit(Event{Kind: KindIdle, SecondsRemaining: remaining})

	if err := s.armLocked(&s.idle, s.onIdleExpiry, s.cfg.IdleExpiryDelaySeconds()); err != nil {
		s.log.Error("failed to arm idle expiry", "error", err)
	}
}

// onIdleExpiry ends the session for inactivity. For federated sessions the
// session clock is canceled and the application is told both clocks expired.
func (s *Scheduler) onIdleExpiry(gen uint64) {
	s.mu.Lock()
	if s.stopped || !s.idle.owns(gen) {
		s.mu.Unlock()
		s.log.Debug("stale idle expiry ignored")
		return
	}
	s.idle.state = SlotFired

	federated := s.cfg.AuthProvider == ProviderFederated
	if federated {
		canceled := s.cancelLocked(&s.expiry)
		s.log.Debug("session timer stopped on idle expiry", "canceled", canceled)
	}
	s.mu.Unlock()

	s.log.Info("idle time expired")
	s.session.MarkIdleExpired(true)

	events := []Event{{Kind: KindIdle, InvalidateSession: true}}
	if federated {
		// Already invalidated by the idle event.
		events = append(events, Event{Kind: KindSession})
	}
	s.emit(events...)
}

// onSessionExpiry ends the session at the end of its absolute lifetime.
func (s *Scheduler) onSessionExpiry(gen uint64) {
	s.mu.Lock()
	if s.stopped || !s.expiry.owns(gen) {
		s.mu.Unlock()
		s.log.Debug("stale session expiry ignored")
		return
	}
	s.expiry.state = SlotFired
	s.cancelLocked(&s.idle)
	s.cancelLocked(&s.advance)
	s.mu.Unlock()

	s.log.Info("session time expired")
	s.emit(Event{Kind: KindSession, InvalidateSession: true})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Scheduler) armLocked(sl *slot, cb func(gen uint64), secs uint) error {
	if secs > maxSecondsFor(s.unit) {
		return fmt.Errorf("%w: delay of %d units of %v overflows", ErrInvalidConfig, secs, s.unit)
	}
	sl.gen++
	gen := sl.gen

	h, err := s.engine.Schedule(func() { cb(gen) }, time.Duration(secs)*s.unit)
	if err != nil {
		return err
	}
	sl.state = SlotArmed
	sl.handle = h
	return nil
}

// cancelLocked marks an armed slot canceled and reports whether the engine
// stopped the callback in time. A callback that already started will find
// it no longer owns the slot.
func (s *Scheduler) cancelLocked(sl *slot) bool {
	if sl.state != SlotArmed {
		return false
	}
	ok := s.engine.Cancel(sl.handle)
	sl.state = SlotCanceled
	if !ok {
		s.log.Debug("timer callback already started; cancel had no effect", "timer", sl.name)
	}
	return ok
}

// emit posts events to the delivery context as one unit so they reach the
// sink back to back, in order.
func (s *Scheduler) emit(events ...Event) {
	err := s.deliver.Post(func() {
		for _, ev := range events {
			if ev.InvalidateSession {
				s.session.SetValid(false)
			}
			if s.sink != nil {
				s.sink.OnTimeout(ev.Kind, ev.SecondsRemaining)
			}
		}
	})
	if err != nil {
		s.log.Warn("timeout notification dropped", "error", err, "events", len(events))
	}
}
