// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, time.AfterFunc, or time.NewTicker directly. In
// production, Real() provides the standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when
// Advance is called.
//
// The lifecycle core depends on this heavily: the operation registry
// schedules every cascade deadline through its Clock, so tests can
// drive the full parallel-gathering → TURN-fallback → relay-forced →
// overall-timeout sequence in microseconds and assert exactly which
// callbacks fired.
//
// # FakeClock Synchronization
//
// When a goroutine registers a timer or ticker on a FakeClock, use
// WaitForTimers to block until the expected number of waiters exist
// before calling Advance. This eliminates the race between timer
// registration and time advancement that plagues tests using
// time.Sleep for synchronization.
package clock
