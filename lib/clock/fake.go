// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called. Timers and tickers register pending
// waiters that fire when the clock advances past their deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{
		current: initial,
		waiters: make(map[uint64]*fakeWaiter),
	}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for testing. Time advances only
// when Advance is called.
//
// AfterFunc callbacks run synchronously during Advance in deadline
// order. Do not call Advance from within an AfterFunc callback — that
// would deadlock.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	nextID     uint64
	waiters    map[uint64]*fakeWaiter
	registered *sync.Cond
}

type fakeWaiter struct {
	id       uint64
	deadline time.Time

	// channel receives the fire time for After and Ticker waiters.
	// Nil for AfterFunc waiters.
	channel chan time.Time

	// callback runs synchronously during Advance for AfterFunc
	// waiters. Nil otherwise.
	callback func()

	// interval is non-zero for ticker waiters; after firing the
	// waiter is rescheduled at deadline + interval.
	interval time.Duration
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives after duration d elapses on
// the fake clock. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addWaiterLocked(&fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// AfterFunc schedules f to run when the clock advances past d. If
// d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.addWaiterLocked(waiter)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, live := c.waiters[waiter.id]; !live {
			return false
		}
		delete(c.waiters, waiter.id)
		return true
	}}
}

// NewTicker returns a Ticker firing every d on the fake clock. Panics
// if d <= 0, matching time.NewTicker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.addWaiterLocked(waiter)

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.waiters, waiter.id)
		},
	}
}

// Advance moves the fake clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. Tickers fire
// once per elapsed interval. AfterFunc callbacks run synchronously on
// the calling goroutine, outside the clock lock.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		waiter := c.earliestDueLocked(target)
		if waiter == nil {
			break
		}

		// Time reaches the waiter's deadline before it fires, so a
		// callback that reads Now observes a consistent value.
		if waiter.deadline.After(c.current) {
			c.current = waiter.deadline
		}

		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			select {
			case waiter.channel <- c.current:
			default: // consumer behind, drop the tick
			}
			continue
		}

		delete(c.waiters, waiter.id)
		if waiter.callback != nil {
			callback := waiter.callback
			c.mu.Unlock()
			callback()
			c.mu.Lock()
			continue
		}
		waiter.channel <- c.current
	}

	c.current = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are registered. Use
// this to synchronize with goroutines that register timers before
// calling Advance, eliminating sleep-based test races.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.registered.Wait()
	}
}

// PendingTimers returns the number of currently registered waiters.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addWaiterLocked(waiter *fakeWaiter) {
	c.nextID++
	waiter.id = c.nextID
	c.waiters[waiter.id] = waiter
	c.registered.Broadcast()
}

// earliestDueLocked returns the waiter with the earliest deadline at
// or before target, breaking ties by registration order so repeated
// runs are deterministic.
func (c *FakeClock) earliestDueLocked(target time.Time) *fakeWaiter {
	due := make([]*fakeWaiter, 0, len(c.waiters))
	for _, waiter := range c.waiters {
		if !waiter.deadline.After(target) {
			due = append(due, waiter)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}
