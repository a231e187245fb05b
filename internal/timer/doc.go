// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package timer provides the deferred task engine used by the session
// timeout scheduler.
//
// An Engine schedules a callback to run once after a delay, cancels pending
// callbacks, and shuts down. Two engines are provided:
//
//   - Pool: wall-clock engine. Tasks are armed with time.AfterFunc and run on
//     a bounded set of workers so a burst of expirations cannot spawn an
//     unbounded number of concurrent callbacks.
//   - Manual: virtual-clock engine. Time only moves when Advance is called and
//     due callbacks run synchronously on the caller, which makes timeout
//     behavior reproducible in tests and simulations.
//
// # Handles
//
// Schedule returns a *Handle. A handle moves from Pending to Running to Fired,
// or from Pending to Canceled. Cancel only succeeds while the handle is
// Pending; a callback that already started is never suppressed.
//
// # Usage
//
//	engine := timer.NewPool(timer.PoolConfig{Workers: 15})
//	h, err := engine.Schedule(func() { fmt.Println("fired") }, 2*time.Second)
//	if err != nil {
//	    return err
//	}
//	engine.Cancel(h)
//	engine.Shutdown()
package timer
