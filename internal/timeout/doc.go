// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package timeout schedules the idle and absolute expiry of an authenticated
// session.
//
// A Scheduler owns three timers for one session:
//
//   - advance notification: fires after round(idle * (1 - pct/100)) seconds
//     and warns the application that the idle window is about to close.
//   - idle expiry: armed by the advance notification, fires after the rest
//     of the idle window and invalidates the session.
//   - session expiry: armed at start, fires after the absolute session
//     lifetime and invalidates the session. Activity never extends it.
//
// Reset restarts the idle clock. For federated sessions idle expiry also
// ends the session clock and the application is told about both.
//
// Notifications are posted to a Deliverer (normally a *dispatch.Loop) so the
// Sink is never called concurrently and never runs on a timer worker.
// Session invalidation runs on the same context, right before the Sink.
//
// Usage:
//
//	loop := dispatch.NewLoop(logger)
//	sched, err := timeout.New(session, sink, timer.NewPool(timer.PoolConfig{}), loop,
//		timeout.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := sched.Start(); err != nil {
//		return err
//	}
//	defer sched.Stop()
//
//	// on each API call
//	sched.Reset()
package timeout
