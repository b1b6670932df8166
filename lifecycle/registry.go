// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerlift/peerlift/lib/clock"
)

// OperationKind identifies what a registered operation is, for
// diagnostics and per-kind statistics.
type OperationKind int

const (
	// KindTimer is a one-shot deadline.
	KindTimer OperationKind = iota
	// KindPeriodic is a repeating task.
	KindPeriodic
	// KindAbortHandle is a cancellable context handed to external
	// work (a signaling wait, a credential fetch).
	KindAbortHandle
	// KindProbe is an in-flight awaitable that cannot be forcibly
	// cancelled, only untracked.
	KindProbe
)

func (k OperationKind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindPeriodic:
		return "periodic"
	case KindAbortHandle:
		return "abort-handle"
	case KindProbe:
		return "probe"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OperationID is an opaque handle into the registry's arena. The zero
// value is never a live operation. Call sites hold only ids (or thin
// handles wrapping them), never the underlying timer objects, so mass
// cancellation is a single pass over the arena.
type OperationID uint64

// operation is one arena entry. cancel is invoked at most once, under
// the registry lock, by Unregister, KillAll, or recovery sweeps.
type operation struct {
	id          OperationID
	kind        OperationKind
	description string
	createdAt   time.Time
	cancel      func() error
}

// Stats is a snapshot of registry occupancy for observability.
type Stats struct {
	LiveTimers       int
	LivePeriodics    int
	LiveAbortHandles int
	LiveProbes       int
	Killed           bool
}

// Total returns the number of live operations of all kinds.
func (s Stats) Total() int {
	return s.LiveTimers + s.LivePeriodics + s.LiveAbortHandles + s.LiveProbes
}

// KillReport summarizes a mass-cancellation pass.
type KillReport struct {
	// Cancelled counts operations cancelled cleanly.
	Cancelled int
	// Errors lists per-operation cancellation failures. Cancellation
	// continues past failures; failed entries remain tracked so a
	// recovery sweep can retry them.
	Errors []string
	// AlreadyKilled is true when KillAll found the registry already
	// killed and did nothing.
	AlreadyKilled bool
}

// Registry tracks every outstanding cancellable operation created
// during pre-connection setup. All mutation goes through its mutex;
// registration is refused once the gate is connected or the registry
// is killed — this is the enforcement point, not an advisory check.
type Registry struct {
	gate   *Gate
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	killed    bool
	nextID    OperationID
	timers    map[OperationID]*operation
	periodics map[OperationID]*operation
	aborts    map[OperationID]*operation
	probes    map[OperationID]*operation
}

func newRegistry(gate *Gate, clk clock.Clock, logger *slog.Logger) *Registry {
	registry := &Registry{
		gate:   gate,
		clock:  clk,
		logger: logger,
	}
	registry.initContainers()
	return registry
}

func (r *Registry) initContainers() {
	r.timers = make(map[OperationID]*operation)
	r.periodics = make(map[OperationID]*operation)
	r.aborts = make(map[OperationID]*operation)
	r.probes = make(map[OperationID]*operation)
}

// admitLocked reports whether a new registration is allowed. Checked
// under the registry lock so a gate flip racing a registration is
// ordered: either the registration lands before the kill (and the kill
// cancels it) or it observes killed and is refused.
func (r *Registry) admitLocked() bool {
	return !r.killed && !r.gate.Connected()
}

// RegisterTimer schedules callback to run once after delay. Returns
// the operation id and true, or zero and false if the registry refused
// the registration (gate connected or registry killed).
//
// The callback re-checks the gate at fire time: a timer that was
// already queued when the gate flipped runs no user logic. Panics in
// the callback are recovered and logged, never propagated into the
// scheduler.
func (r *Registry) RegisterTimer(delay time.Duration, callback func(), description string) (OperationID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.admitLocked() {
		return 0, false
	}

	entry := r.newOperationLocked(KindTimer, description)
	timer := r.clock.AfterFunc(delay, func() {
		r.fireTimer(entry.id, callback)
	})
	entry.cancel = func() error {
		timer.Stop()
		return nil
	}
	r.timers[entry.id] = entry
	return entry.id, true
}

// fireTimer runs a timer callback if the operation is still live and
// the gate has not flipped since registration.
func (r *Registry) fireTimer(id OperationID, callback func()) {
	r.mu.Lock()
	entry, live := r.timers[id]
	if !live || r.killed || r.gate.Connected() {
		r.mu.Unlock()
		return
	}
	// Natural firing: the operation is consumed.
	delete(r.timers, id)
	description := entry.description
	r.mu.Unlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("timer callback panicked",
				"operation", description,
				"panic", recovered,
			)
		}
	}()
	callback()
}

// RegisterPeriodic runs callback every interval until the operation is
// unregistered or the registry is killed. Returns zero and false if
// registration was refused.
//
// Each tick re-checks the gate before running the callback.
func (r *Registry) RegisterPeriodic(interval time.Duration, callback func(), description string) (OperationID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.admitLocked() {
		return 0, false
	}

	entry := r.newOperationLocked(KindPeriodic, description)
	ticker := r.clock.NewTicker(interval)
	stop := make(chan struct{})
	var stopOnce sync.Once

	entry.cancel = func() error {
		ticker.Stop()
		stopOnce.Do(func() { close(stop) })
		return nil
	}
	r.periodics[entry.id] = entry

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.firePeriodic(entry.id, callback)
			}
		}
	}()
	return entry.id, true
}

// firePeriodic runs one periodic tick if the operation is still live
// and the gate has not flipped.
func (r *Registry) firePeriodic(id OperationID, callback func()) {
	r.mu.Lock()
	_, live := r.periodics[id]
	if !live || r.killed || r.gate.Connected() {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("periodic callback panicked", "panic", recovered)
		}
	}()
	callback()
}

// AbortHandle is a cancellable context tracked by the registry. Hand
// its Context to external work (a signaling wait, a credential fetch);
// mass cancellation aborts the context.
type AbortHandle struct {
	id       OperationID
	registry *Registry
	ctx      context.Context
	cancel   context.CancelFunc
}

// ID returns the handle's registry id.
func (h *AbortHandle) ID() OperationID { return h.id }

// Context returns the context cancelled by Abort or mass cancellation.
func (h *AbortHandle) Context() context.Context { return h.ctx }

// Done returns the context's done channel.
func (h *AbortHandle) Done() <-chan struct{} { return h.ctx.Done() }

// Aborted reports whether the handle has been cancelled.
func (h *AbortHandle) Aborted() bool { return h.ctx.Err() != nil }

// Abort cancels the handle and removes it from the registry.
func (h *AbortHandle) Abort() {
	h.cancel()
	h.registry.unregister(KindAbortHandle, h.id)
}

// RegisterAbortHandle creates and tracks an AbortHandle. Returns nil
// and false if registration was refused.
func (r *Registry) RegisterAbortHandle(description string) (*AbortHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.admitLocked() {
		return nil, false
	}

	entry := r.newOperationLocked(KindAbortHandle, description)
	ctx, cancel := context.WithCancel(context.Background())
	handle := &AbortHandle{
		id:       entry.id,
		registry: r,
		ctx:      ctx,
		cancel:   cancel,
	}
	entry.cancel = func() error {
		cancel()
		return nil
	}
	r.aborts[entry.id] = entry
	return handle, true
}

// RegisterProbe starts run in its own goroutine and tracks it until it
// completes. The returned channel (capacity 1) receives run's result.
// Probes cannot be forcibly cancelled: mass cancellation only drops
// tracking, and the result is still delivered on the channel. Returns
// nil and false if registration was refused.
func (r *Registry) RegisterProbe(run func() error, description string) (<-chan error, bool) {
	r.mu.Lock()
	if !r.admitLocked() {
		r.mu.Unlock()
		return nil, false
	}

	entry := r.newOperationLocked(KindProbe, description)
	entry.cancel = func() error { return nil } // untrack only
	r.probes[entry.id] = entry
	r.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				r.logger.Error("probe panicked",
					"operation", description,
					"panic", recovered,
				)
				result <- fmt.Errorf("probe %q panicked: %v", description, recovered)
			}
		}()
		err := run()
		r.unregister(KindProbe, entry.id)
		result <- err
	}()
	return result, true
}

// UnregisterTimer cancels and removes a timer. Returns false if the id
// is not live.
func (r *Registry) UnregisterTimer(id OperationID) bool {
	return r.unregister(KindTimer, id)
}

// UnregisterPeriodic stops and removes a periodic task.
func (r *Registry) UnregisterPeriodic(id OperationID) bool {
	return r.unregister(KindPeriodic, id)
}

func (r *Registry) unregister(kind OperationKind, id OperationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.bucketLocked(kind)
	entry, live := bucket[id]
	if !live {
		return false
	}
	delete(bucket, id)
	if err := safeCancel(entry); err != nil {
		// Individual unregister failures are logged but not fatal;
		// KillAll and the recovery sweeps own systematic repair.
		r.logger.Warn("operation cancel failed",
			"kind", kind.String(),
			"operation", entry.description,
			"error", err,
		)
	}
	return true
}

// KillAll cancels every tracked operation and marks the registry
// killed so subsequent registrations are refused until Reset.
//
// Idempotent: a second caller observes AlreadyKilled and no work.
// Cancellation continues past individual failures — a cancel that
// errors or panics is recorded in the report and its entry remains
// tracked so a recovery sweep can retry it. KillAll itself never
// panics.
func (r *Registry) KillAll() KillReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.killed {
		return KillReport{AlreadyKilled: true}
	}
	r.killed = true
	return r.sweepLocked(false)
}

// sweepLocked cancels every tracked operation. When force is true,
// entries are dropped even if their cancel fails (Tier 2 semantics);
// otherwise failed entries stay tracked for retry.
func (r *Registry) sweepLocked(force bool) KillReport {
	var report KillReport
	for _, kind := range []OperationKind{KindTimer, KindPeriodic, KindAbortHandle, KindProbe} {
		bucket := r.bucketLocked(kind)
		for id, entry := range bucket {
			err := safeCancel(entry)
			if err == nil || force {
				delete(bucket, id)
			}
			if err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s %q: %v", kind, entry.description, err))
				continue
			}
			report.Cancelled++
		}
	}
	return report
}

// Reset clears the killed marker after a permanent connection failure
// so a fresh attempt can register new operations. Any leftover entries
// from a partial kill are dropped.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(true)
	r.killed = false
}

// Stats returns a snapshot of live operation counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		LiveTimers:       len(r.timers),
		LivePeriodics:    len(r.periodics),
		LiveAbortHandles: len(r.aborts),
		LiveProbes:       len(r.probes),
		Killed:           r.killed,
	}
}

// Killed reports whether the registry has been mass-cancelled.
func (r *Registry) Killed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

// Describe lists live operations for diagnostics, oldest first order
// not guaranteed.
func (r *Registry) Describe() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var listing []string
	for _, kind := range []OperationKind{KindTimer, KindPeriodic, KindAbortHandle, KindProbe} {
		for _, entry := range r.bucketLocked(kind) {
			listing = append(listing, fmt.Sprintf("%s %q (registered %s)",
				kind, entry.description, entry.createdAt.Format(time.RFC3339)))
		}
	}
	return listing
}

func (r *Registry) newOperationLocked(kind OperationKind, description string) *operation {
	r.nextID++
	return &operation{
		id:          r.nextID,
		kind:        kind,
		description: description,
		createdAt:   r.clock.Now(),
	}
}

func (r *Registry) bucketLocked(kind OperationKind) map[OperationID]*operation {
	switch kind {
	case KindTimer:
		return r.timers
	case KindPeriodic:
		return r.periodics
	case KindAbortHandle:
		return r.aborts
	default:
		return r.probes
	}
}

// safeCancel invokes an operation's cancel, converting panics to
// errors so mass cancellation never unwinds the caller.
func safeCancel(entry *operation) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("cancel panicked: %v", recovered)
		}
	}()
	return entry.cancel()
}
