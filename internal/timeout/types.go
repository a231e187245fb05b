// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package timeout

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStopped is returned when starting a scheduler that was stopped.
	ErrStopped = errors.New("timeout scheduler is stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("timeout scheduler already started")

	// ErrInvalidConfig is returned for configurations the scheduler cannot arm.
	ErrInvalidConfig = errors.New("invalid timeout configuration")

	// ErrMissingDependency is returned when New is given a nil collaborator.
	ErrMissingDependency = errors.New("missing scheduler dependency")
)

// =============================================================================
// KINDS AND PROVIDERS
// =============================================================================

// Kind identifies which clock expired.
type Kind int

const (
	// KindIdle is the inactivity clock.
	KindIdle Kind = iota
	// KindSession is the absolute session lifetime clock.
	KindSession
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "IDLE_TIMEOUT"
	case KindSession:
		return "SESSION_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Provider is the authentication mode of the session.
type Provider int

const (
	// ProviderStandard keeps idle and session expiry independent.
	ProviderStandard Provider = iota
	// ProviderFederated couples them: both clear the same session cookies,
	// so idle expiry also ends the session clock.
	ProviderFederated
)

// String returns a string representation of the Provider.
func (p Provider) String() string {
	switch p {
	case ProviderStandard:
		return "standard"
	case ProviderFederated:
		return "federated"
	default:
		return "unknown"
	}
}

// ParseProvider converts "standard" or "federated" (any case) to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return ProviderStandard, nil
	case "federated", "fed":
		return ProviderFederated, nil
	default:
		return ProviderStandard, fmt.Errorf("unknown auth provider %q (want standard or federated)", s)
	}
}

// =============================================================================
// EVENTS AND COLLABORATORS
// =============================================================================

// Event is one timeout notification.
type Event struct {
	Kind             Kind
	SecondsRemaining uint
	// InvalidateSession is set when delivering the event must also mark the
	// session invalid. Invalidation happens before the sink is called.
	InvalidateSession bool
}

// Session is the authenticated session the scheduler watches. The scheduler
// holds a non-owning reference.
type Session interface {
	IdleTimeoutSeconds() uint
	SessionTimeoutSeconds() uint
	AdvanceNotificationPercent() uint
	AuthProvider() Provider

	// SetValid(false) invalidates the session's authentication state.
	SetValid(valid bool)

	// MarkIdleExpired records that the idle window elapsed.
	MarkIdleExpired(expired bool)
}

// Sink receives timeout notifications on the delivery context.
type Sink interface {
	OnTimeout(kind Kind, secondsRemaining uint)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(kind Kind, secondsRemaining uint)

// OnTimeout calls f.
func (f SinkFunc) OnTimeout(kind Kind, secondsRemaining uint) { f(kind, secondsRemaining) }

// Deliverer runs functions on the application delivery context, one at a
// time. *dispatch.Loop implements it.
type Deliverer interface {
	Post(fn func()) error
}

// =============================================================================
// CONFIG
// =============================================================================

// MaxTimeoutSeconds is the longest timeout a time.Duration can hold at the
// default one-second unit (about 292 years).
const MaxTimeoutSeconds = uint(math.MaxInt64 / int64(time.Second))

// maxSecondsFor returns the longest timeout representable at unit.
func maxSecondsFor(unit time.Duration) uint {
	if unit <= 0 {
		unit = time.Second
	}
	return uint(math.MaxInt64 / int64(unit))
}

// Config is the immutable timeout configuration of one session.
type Config struct {
	IdleTimeoutSeconds         uint
	SessionTimeoutSeconds      uint
	AdvanceNotificationPercent uint
	AuthProvider               Provider
}

// ConfigFrom snapshots the configuration exposed by a session.
func ConfigFrom(s Session) Config {
	return Config{
		IdleTimeoutSeconds:         s.IdleTimeoutSeconds(),
		SessionTimeoutSeconds:      s.SessionTimeoutSeconds(),
		AdvanceNotificationPercent: s.AdvanceNotificationPercent(),
		AuthProvider:               s.AuthProvider(),
	}
}

// AdvanceDelaySeconds is when the advance notification fires after the idle
// clock is (re)started: round(idle * (1 - pct/100)).
func (c Config) AdvanceDelaySeconds() uint {
	return uint(math.Round(float64(c.IdleTimeoutSeconds) * (1.0 - float64(c.AdvanceNotificationPercent)/100)))
}

// IdleExpiryDelaySeconds is the rest of the idle window after the advance
// notification: round(idle * pct/100).
func (c Config) IdleExpiryDelaySeconds() uint {
	return uint(math.Round(float64(c.IdleTimeoutSeconds) * float64(c.AdvanceNotificationPercent) / 100))
}

// WarningRemainingSeconds is the time reported with the advance
// notification. It uses integer division, so it can be one second lower
// than IdleExpiryDelaySeconds (e.g. idle=7, pct=50 reports 3, expires after 4).
func (c Config) WarningRemainingSeconds() uint {
	return c.IdleTimeoutSeconds * c.AdvanceNotificationPercent / 100
}

// Validate checks the configuration strictly. The scheduler itself only
// rejects percentages above 100; an idle timeout that is not shorter than
// the session timeout is logged, not refused.
func (c Config) Validate() error {
	if c.AdvanceNotificationPercent > 100 {
		return fmt.Errorf("%w: advance notification percent %d exceeds 100", ErrInvalidConfig, c.AdvanceNotificationPercent)
	}
	if c.IdleTimeoutSeconds >= c.SessionTimeoutSeconds {
		return fmt.Errorf("%w: idle timeout %ds must be shorter than session timeout %ds",
			ErrInvalidConfig, c.IdleTimeoutSeconds, c.SessionTimeoutSeconds)
	}
	if c.SessionTimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("%w: session timeout %ds exceeds %ds",
			ErrInvalidConfig, c.SessionTimeoutSeconds, MaxTimeoutSeconds)
	}
	if c.AuthProvider != ProviderStandard && c.AuthProvider != ProviderFederated {
		return fmt.Errorf("%w: unknown auth provider %d", ErrInvalidConfig, c.AuthProvider)
	}
	return nil
}

// =============================================================================
// SLOT STATE
// =============================================================================

// SlotState is the state of one of the scheduler's three timers.
type SlotState int

const (
	// SlotIdle means the timer was never armed.
	SlotIdle SlotState = iota
	// SlotArmed means a callback is pending.
	SlotArmed
	// SlotFired means the callback ran.
	SlotFired
	// SlotCanceled means the callback was canceled by reset, stop or a
	// cross-timer rule.
	SlotCanceled
)

// String returns a string representation of the SlotState.
func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "IDLE"
	case SlotArmed:
		return "ARMED"
	case SlotFired:
		return "FIRED"
	case SlotCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Advance SlotState
	Idle    SlotState
	Session SlotState
	Started bool
	Stopped bool
}
