// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package timeout

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sessiontimer/internal/dispatch"
	"github.com/jeranaias/sessiontimer/internal/logging"
	"github.com/jeranaias/sessiontimer/internal/timer"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// recorder collects what happens on the delivery context, in order.
type recorder struct {
	mu          sync.Mutex
	delivered   []string
	idleExpired []bool
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, s)
}

// take returns and clears the delivered log.
func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.delivered
	r.delivered = nil
	return out
}

func (r *recorder) idleMarks() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.idleExpired...)
}

func (r *recorder) sink() Sink {
	return SinkFunc(func(kind Kind, secs uint) {
		r.add(fmt.Sprintf("%s:%d", kind, secs))
	})
}

type fakeSession struct {
	cfg Config
	rec *recorder
}

func (s *fakeSession) IdleTimeoutSeconds() uint         { return s.cfg.IdleTimeoutSeconds }
func (s *fakeSession) SessionTimeoutSeconds() uint      { return s.cfg.SessionTimeoutSeconds }
func (s *fakeSession) AdvanceNotificationPercent() uint { return s.cfg.AdvanceNotificationPercent }
func (s *fakeSession) AuthProvider() Provider           { return s.cfg.AuthProvider }

func (s *fakeSession) SetValid(valid bool) {
	s.rec.add(fmt.Sprintf("valid=%t", valid))
}

func (s *fakeSession) MarkIdleExpired(expired bool) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.idleExpired = append(s.rec.idleExpired, expired)
}

type harness struct {
	t      *testing.T
	engine *timer.Manual
	loop   *dispatch.Loop
	sched  *Scheduler
	rec    *recorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	rec := &recorder{}
	engine := timer.NewManual()
	loop := dispatch.NewLoop(nil)
	t.Cleanup(loop.Close)

	sched, err := New(&fakeSession{cfg: cfg, rec: rec}, rec.sink(), engine, loop, opts...)
	require.NoError(t, err)

	return &harness{t: t, engine: engine, loop: loop, sched: sched, rec: rec}
}

// advanceTo moves virtual time to sec seconds after start and waits for the
// resulting notifications to be delivered.
func (h *harness) advanceTo(sec int) {
	h.t.Helper()
	target := time.Duration(sec) * time.Second
	require.GreaterOrEqual(h.t, target, h.engine.Now(), "cannot go back in time")
	h.engine.Advance(target - h.engine.Now())
	require.NoError(h.t, h.loop.Sync())
}

func standard(idle, session, pct uint) Config {
	return Config{IdleTimeoutSeconds: idle, SessionTimeoutSeconds: session, AdvanceNotificationPercent: pct}
}

func federated(idle, session, pct uint) Config {
	cfg := standard(idle, session, pct)
	cfg.AuthProvider = ProviderFederated
	return cfg
}

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNew_Validation(t *testing.T) {
	engine := timer.NewManual()
	loop := dispatch.NewLoop(nil)
	defer loop.Close()
	rec := &recorder{}

	_, err := New(nil, rec.sink(), engine, loop)
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(&fakeSession{cfg: standard(100, 1000, 20), rec: rec}, rec.sink(), nil, loop)
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(&fakeSession{cfg: standard(100, 1000, 20), rec: rec}, rec.sink(), engine, nil)
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(&fakeSession{cfg: standard(100, 1000, 101), rec: rec}, rec.sink(), engine, loop)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RejectsTimeoutsThatOverflow(t *testing.T) {
	engine := timer.NewManual()
	loop := dispatch.NewLoop(nil)
	defer loop.Close()
	rec := &recorder{}

	// 18446744074s * 1s wraps to roughly 0.29s.
	_, err := New(&fakeSession{cfg: standard(100, 18446744074, 20), rec: rec}, rec.sink(), engine, loop)
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Fits at one second per unit but not at one hour per unit.
	cfg := standard(100, 3_000_000, 20)
	require.NoError(t, cfg.Validate())
	_, err = New(&fakeSession{cfg: cfg, rec: rec}, rec.sink(), engine, loop, WithUnit(time.Hour))
	require.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, 0, engine.Pending())
	assert.Empty(t, rec.take())
}

func TestScheduler_LongestSessionDoesNotExpireEarly(t *testing.T) {
	h := newHarness(t, standard(100, MaxTimeoutSeconds, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(1)
	assert.Empty(t, h.rec.take())
	assert.Equal(t, SlotArmed, h.sched.Status().Session)
}

func TestNew_IdleNotShorterThanSessionIsWarned(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger(&buf, logging.LevelDebug)

	h := newHarness(t, standard(100, 100, 20), WithLogger(logger))
	require.NotNil(t, h.sched)
	assert.Contains(t, buf.String(), "idle timeout is not shorter than session timeout")
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))

	require.NoError(t, h.sched.Start())
	require.ErrorIs(t, h.sched.Start(), ErrAlreadyStarted)
	assert.Equal(t, 2, h.engine.Pending())
}

func TestStart_AfterStop(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))

	h.sched.Stop()
	require.ErrorIs(t, h.sched.Start(), ErrStopped)
}

// =============================================================================
// FIRING TESTS
// =============================================================================

func TestScheduler_StandardLifecycle(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(79)
	assert.Empty(t, h.rec.take())

	h.advanceTo(80)
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, h.rec.take())

	h.advanceTo(99)
	assert.Empty(t, h.rec.take())

	h.advanceTo(100)
	assert.Equal(t, []string{"valid=false", "IDLE_TIMEOUT:0"}, h.rec.take())
	assert.Equal(t, []bool{true}, h.rec.idleMarks())

	st := h.sched.Status()
	assert.Equal(t, SlotFired, st.Advance)
	assert.Equal(t, SlotFired, st.Idle)
	assert.Equal(t, SlotArmed, st.Session, "standard idle expiry must not touch the session clock")

	h.advanceTo(999)
	assert.Empty(t, h.rec.take())

	h.advanceTo(1000)
	assert.Equal(t, []string{"valid=false", "SESSION_TIMEOUT:0"}, h.rec.take())
	assert.Equal(t, SlotFired, h.sched.Status().Session)
	assert.Equal(t, 0, h.engine.Pending())
}

func TestScheduler_FederatedIdleEndsSession(t *testing.T) {
	h := newHarness(t, federated(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(80)
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, h.rec.take())

	h.advanceTo(100)
	assert.Equal(t, []string{"valid=false", "IDLE_TIMEOUT:0", "SESSION_TIMEOUT:0"}, h.rec.take())
	assert.Equal(t, []bool{true}, h.rec.idleMarks())
	assert.Equal(t, SlotCanceled, h.sched.Status().Session)
	assert.Equal(t, 0, h.engine.Pending())

	h.advanceTo(5000)
	assert.Empty(t, h.rec.take(), "session expiry must never fire after federated idle expiry")
}

func TestScheduler_SessionExpiryCancelsIdleTimers(t *testing.T) {
	h := newHarness(t, standard(100, 150, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(80)
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, h.rec.take())

	h.advanceTo(90)
	require.True(t, h.sched.Reset())

	h.advanceTo(150)
	assert.Equal(t, []string{"valid=false", "SESSION_TIMEOUT:0"}, h.rec.take())

	st := h.sched.Status()
	assert.Equal(t, SlotCanceled, st.Advance)
	assert.Equal(t, SlotCanceled, st.Idle)
	assert.Equal(t, SlotFired, st.Session)

	h.advanceTo(1000)
	assert.Empty(t, h.rec.take())
	assert.Empty(t, h.rec.idleMarks())
}

func TestScheduler_SessionExpiryBeforeAdvance(t *testing.T) {
	h := newHarness(t, standard(100, 50, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(50)
	assert.Equal(t, []string{"valid=false", "SESSION_TIMEOUT:0"}, h.rec.take())

	h.advanceTo(500)
	assert.Empty(t, h.rec.take())
}

func TestScheduler_ZeroPercentFiresBothAtIdleTimeout(t *testing.T) {
	h := newHarness(t, standard(10, 100, 0))
	require.NoError(t, h.sched.Start())

	h.advanceTo(9)
	assert.Empty(t, h.rec.take())

	h.advanceTo(10)
	assert.Equal(t, []string{"IDLE_TIMEOUT:0", "valid=false", "IDLE_TIMEOUT:0"}, h.rec.take())
}

// The advance delay is rounded while the reported remaining time is
// truncated, so the warning can understate the time left by one second.
func TestScheduler_RoundingQuirk(t *testing.T) {
	h := newHarness(t, standard(7, 100, 50))
	require.NoError(t, h.sched.Start())

	h.advanceTo(3)
	assert.Empty(t, h.rec.take())

	h.advanceTo(4)
	assert.Equal(t, []string{"IDLE_TIMEOUT:3"}, h.rec.take())

	h.advanceTo(7)
	assert.Empty(t, h.rec.take(), "idle expiry runs 4s after the warning, not 3s")

	h.advanceTo(8)
	assert.Equal(t, []string{"valid=false", "IDLE_TIMEOUT:0"}, h.rec.take())
}

func TestScheduler_NilSinkStillInvalidates(t *testing.T) {
	rec := &recorder{}
	engine := timer.NewManual()
	loop := dispatch.NewLoop(nil)
	defer loop.Close()

	sched, err := New(&fakeSession{cfg: standard(10, 100, 20), rec: rec}, nil, engine, loop)
	require.NoError(t, err)
	require.NoError(t, sched.Start())

	engine.Advance(10 * time.Second)
	require.NoError(t, loop.Sync())
	assert.Equal(t, []string{"valid=false"}, rec.take())
}

func TestScheduler_ClosedDelivererDropsWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger(&buf, logging.LevelDebug)

	h := newHarness(t, standard(10, 100, 20), WithLogger(logger))
	require.NoError(t, h.sched.Start())

	h.loop.Close()
	h.engine.Advance(8 * time.Second)

	assert.Empty(t, h.rec.take())
	assert.Contains(t, buf.String(), "timeout notification dropped")
}

// =============================================================================
// RESET TESTS
// =============================================================================

func TestReset_BeforeAdvanceReschedules(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(50)
	require.True(t, h.sched.Reset())

	h.advanceTo(129)
	assert.Empty(t, h.rec.take(), "the original advance notification must not fire")

	h.advanceTo(130)
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, h.rec.take())

	h.advanceTo(150)
	assert.Equal(t, []string{"valid=false", "IDLE_TIMEOUT:0"}, h.rec.take())
}

func TestReset_DuringIdleWindow(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(80)
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, h.rec.take())

	h.advanceTo(90)
	require.True(t, h.sched.Reset(), "canceling the idle expiry counts as success")

	h.advanceTo(169)
	assert.Empty(t, h.rec.take())
	assert.Empty(t, h.rec.idleMarks())

	h.advanceTo(170)
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, h.rec.take())
}

func TestReset_NeverExtendsSession(t *testing.T) {
	h := newHarness(t, standard(100, 200, 20))
	require.NoError(t, h.sched.Start())

	for sec := 10; sec < 200; sec += 10 {
		h.advanceTo(sec)
		require.True(t, h.sched.Reset())
	}
	assert.Empty(t, h.rec.take())

	h.advanceTo(200)
	assert.Equal(t, []string{"valid=false", "SESSION_TIMEOUT:0"}, h.rec.take())
}

func TestReset_AfterIdleExpiryFails(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.advanceTo(100)
	h.rec.take()
	before := h.sched.Status()

	assert.False(t, h.sched.Reset())
	assert.Equal(t, before, h.sched.Status())
	assert.Equal(t, 1, h.engine.Pending(), "only the session timer is left")

	h.advanceTo(999)
	assert.Empty(t, h.rec.take())
}

func TestReset_AfterStopFails(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.sched.Stop()
	before := h.sched.Status()

	assert.False(t, h.sched.Reset())
	assert.Equal(t, before, h.sched.Status())
	assert.Equal(t, 0, h.engine.Pending())

	h.advanceTo(2000)
	assert.Empty(t, h.rec.take())
}

func TestReset_BeforeStartFails(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))

	assert.False(t, h.sched.Reset())
	assert.Equal(t, 0, h.engine.Pending())
}

func TestReset_EngineShutDownElsewhere(t *testing.T) {
	h := newHarness(t, standard(100, 1000, 20))
	require.NoError(t, h.sched.Start())

	h.engine.Shutdown()
	assert.False(t, h.sched.Reset())
}

// =============================================================================
// STOP TESTS
// =============================================================================

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, federated(100, 1000, 20))
	require.NoError(t, h.sched.Start())
	h.advanceTo(80)
	h.rec.take()

	h.sched.Stop()
	assert.NotPanics(t, h.sched.Stop)

	st := h.sched.Status()
	assert.True(t, st.Stopped)
	assert.Equal(t, SlotCanceled, st.Idle)
	assert.Equal(t, SlotCanceled, st.Session)
	assert.True(t, h.engine.IsShutdown())

	h.advanceTo(5000)
	assert.Empty(t, h.rec.take())
	assert.Empty(t, h.rec.idleMarks())
}

func TestStop_FromSink(t *testing.T) {
	rec := &recorder{}
	engine := timer.NewManual()
	loop := dispatch.NewLoop(nil)
	defer loop.Close()

	var sched *Scheduler
	sink := SinkFunc(func(kind Kind, secs uint) {
		rec.add(fmt.Sprintf("%s:%d", kind, secs))
		if kind == KindSession {
			sched.Stop()
		}
	})

	var err error
	sched, err = New(&fakeSession{cfg: standard(100, 150, 20), rec: rec}, sink, engine, loop)
	require.NoError(t, err)
	require.NoError(t, sched.Start())

	engine.Advance(150 * time.Second)
	require.NoError(t, loop.Sync())

	assert.Equal(t, []string{"IDLE_TIMEOUT:20", "valid=false", "IDLE_TIMEOUT:0", "valid=false", "SESSION_TIMEOUT:0"}, rec.take())
	assert.True(t, sched.Status().Stopped)
	assert.True(t, engine.IsShutdown())
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestScheduler_PoolConcurrentResets(t *testing.T) {
	if testing.Short() {
		t.Skip("uses wall-clock timers")
	}

	rec := &recorder{}
	loop := dispatch.NewLoop(nil)
	defer loop.Close()

	var inFlight, overlaps atomic.Int32
	sink := SinkFunc(func(kind Kind, secs uint) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		rec.add(fmt.Sprintf("%s:%d", kind, secs))
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	})

	pool := timer.NewPool(timer.PoolConfig{Workers: 4})
	sched, err := New(&fakeSession{cfg: standard(40, 300, 50), rec: rec}, sink, pool, loop,
		WithUnit(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, sched.Start())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 30; j++ {
				sched.Reset()
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		n := len(rec.delivered)
		return n > 0 && rec.delivered[n-1] == "SESSION_TIMEOUT:0"
	}, 5*time.Second, 5*time.Millisecond)

	sched.Stop()
	require.NoError(t, pool.Drain(t.Context()))
	assert.Zero(t, overlaps.Load(), "sink must never run concurrently")
	assert.Contains(t, rec.take(), "valid=false")
}

// =============================================================================
// IN-FLIGHT CANCELLATION TESTS
// =============================================================================

// lateEngine records every scheduled callback and never manages to cancel
// one, as if each callback had already started when Cancel was called. Tests
// run the captured callbacks by hand.
type lateEngine struct {
	mu       sync.Mutex
	tasks    []lateTask
	shutdown bool
}

type lateTask struct {
	fn    func()
	delay time.Duration
}

func (e *lateEngine) Schedule(fn func(), delay time.Duration) (*timer.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil, timer.ErrShutdown
	}
	e.tasks = append(e.tasks, lateTask{fn: fn, delay: delay})
	return &timer.Handle{}, nil
}

func (e *lateEngine) Cancel(*timer.Handle) bool { return false }

func (e *lateEngine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
}

func (e *lateEngine) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

func (e *lateEngine) task(i int) lateTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[i]
}

func (e *lateEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func newLateHarness(t *testing.T, cfg Config) (*Scheduler, *lateEngine, *dispatch.Loop, *recorder) {
	t.Helper()

	rec := &recorder{}
	engine := &lateEngine{}
	loop := dispatch.NewLoop(nil)
	t.Cleanup(loop.Close)

	sched, err := New(&fakeSession{cfg: cfg, rec: rec}, rec.sink(), engine, loop)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	require.Equal(t, 2, engine.count())
	return sched, engine, loop, rec
}

func TestReset_RacingAdvanceNotification(t *testing.T) {
	sched, engine, loop, rec := newLateHarness(t, standard(100, 1000, 20))
	staleAdvance := engine.task(0)

	// The advance callback is already running, so nothing was canceled.
	assert.False(t, sched.Reset())
	require.Equal(t, 3, engine.count())
	fresh := engine.task(2)
	assert.Equal(t, 80*time.Second, fresh.delay)

	staleAdvance.fn()
	require.NoError(t, loop.Sync())
	assert.Empty(t, rec.take(), "callback from the replaced arm must not notify")
	assert.Equal(t, SlotArmed, sched.Status().Advance)

	fresh.fn()
	require.NoError(t, loop.Sync())
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, rec.take())
	require.Equal(t, 4, engine.count())
	assert.Equal(t, 20*time.Second, engine.task(3).delay)
	assert.Equal(t, SlotArmed, sched.Status().Idle)
}

func TestReset_RacingIdleExpiry(t *testing.T) {
	sched, engine, loop, rec := newLateHarness(t, federated(100, 1000, 20))

	engine.task(0).fn()
	require.NoError(t, loop.Sync())
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, rec.take())
	staleIdle := engine.task(2)

	assert.False(t, sched.Reset())
	fresh := engine.task(3)

	staleIdle.fn()
	require.NoError(t, loop.Sync())
	assert.Empty(t, rec.take())
	assert.Empty(t, rec.idleMarks())
	assert.Equal(t, SlotArmed, sched.Status().Session, "federated session clock must survive")

	fresh.fn()
	require.NoError(t, loop.Sync())
	assert.Equal(t, []string{"IDLE_TIMEOUT:20"}, rec.take())
}

func TestStop_RacingSessionExpiry(t *testing.T) {
	sched, engine, loop, rec := newLateHarness(t, standard(100, 1000, 20))
	staleAdvance, staleExpiry := engine.task(0), engine.task(1)

	sched.Stop()
	assert.True(t, engine.IsShutdown())

	staleExpiry.fn()
	staleAdvance.fn()
	require.NoError(t, loop.Sync())
	assert.Empty(t, rec.take())
	assert.False(t, sched.Reset())
	assert.Equal(t, 2, engine.count())
}
