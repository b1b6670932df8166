// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerlift/peerlift/lib/clock"
)

// tier1RetryDelay is the fixed pause before the gentle retry sweep.
const tier1RetryDelay = 50 * time.Millisecond

// Report summarizes one recovery invocation. No tier panics or
// returns an error directly; Tier 3 failure is recorded as a
// CriticalFault inside the report.
type Report struct {
	// Tier is the escalation tier that ran (1, 2, or 3).
	Tier int
	// Success means the registry was restored to a clean state with
	// no swallowed errors.
	Success bool
	// Actions describes what the tier did, for diagnostics.
	Actions []string
	// Errors lists failures the tier observed (or swallowed).
	Errors []string
	// Fault is set when Tier 3 itself failed and the lifecycle
	// degraded to "assume connected, stop managing".
	Fault *CriticalFault
}

// Escalator repairs registry and gate state when normal cleanup fails,
// in three increasingly destructive tiers selected by a rolling
// failure counter:
//
//	Tier 1 (gentle): retry the normal cancellation sweep once after a
//	short fixed delay.
//	Tier 2 (aggressive): force-clear every registry bucket, swallowing
//	per-item cancellation errors.
//	Tier 3 (emergency): rebuild the registry containers from scratch
//	and force the gate to the safe terminal state (connected, killed).
//
// The counter resets only on a fully successful cleanup — a Tier 2
// pass that swallowed errors does not count, so persistent breakage
// keeps escalating instead of oscillating.
type Escalator struct {
	gate     *Gate
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
}

// NewEscalator wires the escalator to an attempt's gate and registry.
func NewEscalator(gate *Gate, registry *Registry, clk clock.Clock, logger *slog.Logger) *Escalator {
	return &Escalator{
		gate:     gate,
		registry: registry,
		clock:    clk,
		logger:   logger,
	}
}

// RecordSuccess resets the rolling failure counter after a fully
// successful cleanup.
func (e *Escalator) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
}

// ConsecutiveFailures returns the current rolling failure count.
func (e *Escalator) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailures
}

// HandleCleanupFailure records one cleanup failure and runs the
// recovery tier selected by the rolling counter: the first failure
// runs Tier 1, the second Tier 2, the third and beyond Tier 3.
// Synchronous; never panics.
func (e *Escalator) HandleCleanupFailure() Report {
	e.mu.Lock()
	e.consecutiveFailures++
	tier := e.consecutiveFailures
	if tier > 3 {
		tier = 3
	}
	e.mu.Unlock()

	var report Report
	switch tier {
	case 1:
		report = e.tier1()
	case 2:
		report = e.tier2()
	default:
		report = e.tier3()
	}

	if report.Success {
		e.RecordSuccess()
	}
	e.logger.Warn("cleanup recovery ran",
		"tier", report.Tier,
		"success", report.Success,
		"actions", report.Actions,
		"errors", report.Errors,
	)
	return report
}

// tier1 waits briefly and retries the normal cancellation sweep over
// whatever entries the failed KillAll left behind.
func (e *Escalator) tier1() Report {
	report := Report{Tier: 1}

	<-e.clock.After(tier1RetryDelay)
	report.Actions = append(report.Actions, "retried cancellation sweep")

	sweep := e.registry.retrySweep(false)
	report.Errors = sweep.Errors
	report.Success = len(sweep.Errors) == 0 && e.registry.Stats().Total() == 0
	return report
}

// tier2 force-clears every registry bucket without checking individual
// cancellation results. Errors are swallowed into the report, so Tier 2
// never counts as a fully successful cleanup.
func (e *Escalator) tier2() Report {
	report := Report{Tier: 2}

	sweep := e.registry.retrySweep(true)
	report.Actions = append(report.Actions, "force-cleared registry buckets")
	report.Errors = sweep.Errors
	return report
}

// tier3 discards the registry's containers and forces the gate
// terminal. An unrecoverable registry is safer treated as "connection
// owns everything now" than left ambiguous.
func (e *Escalator) tier3() Report {
	report := Report{Tier: 3}

	defer func() {
		if recovered := recover(); recovered != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("tier 3 repair panicked: %v", recovered))
			report.Fault = &CriticalFault{Errors: report.Errors}
			report.Success = false
		}
	}()

	e.registry.rebuild()
	report.Actions = append(report.Actions, "rebuilt registry containers")

	e.gate.forceTerminal()
	report.Actions = append(report.Actions, "forced gate to terminal state")

	report.Success = true
	return report
}

// DetectCorruption validates the registry's structural invariants
// independent of the failure counters. On corruption it runs the
// Tier 3 repair proactively and reports what it found.
func (e *Escalator) DetectCorruption() (bool, Report) {
	problems := e.registry.checkInvariants(e.gate)
	if len(problems) == 0 {
		return false, Report{Success: true}
	}

	e.logger.Error("registry corruption detected", "problems", problems)
	report := e.tier3()
	report.Errors = append(problems, report.Errors...)
	return true, report
}

// retrySweep re-runs cancellation over entries a failed KillAll left
// tracked. Unlike KillAll it ignores the killed marker: it exists
// precisely to finish a kill that already started.
func (r *Registry) retrySweep(force bool) KillReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = true
	return r.sweepLocked(force)
}

// rebuild discards and reconstructs the registry's containers.
// Tracked operations are abandoned without cancellation — Tier 3 only.
func (r *Registry) rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initContainers()
	r.killed = true
}

// checkInvariants validates container structure and gate/registry
// consistency, returning a description of each violation.
func (r *Registry) checkInvariants(gate *Gate) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var problems []string
	buckets := map[string]map[OperationID]*operation{
		"timers":        r.timers,
		"periodics":     r.periodics,
		"abort handles": r.aborts,
		"probes":        r.probes,
	}
	live := 0
	for name, bucket := range buckets {
		if bucket == nil {
			problems = append(problems, fmt.Sprintf("%s container is nil", name))
			continue
		}
		live += len(bucket)
		for id, entry := range bucket {
			if entry == nil || entry.cancel == nil {
				problems = append(problems, fmt.Sprintf("%s entry %d has no cancel", name, id))
				continue
			}
			if id > r.nextID {
				problems = append(problems, fmt.Sprintf("%s entry %d exceeds arena bound %d", name, id, r.nextID))
			}
		}
	}

	// connected == true must imply zero live entries.
	if gate.Connected() && live > 0 {
		problems = append(problems, fmt.Sprintf("gate connected with %d live operations", live))
	}
	return problems
}
