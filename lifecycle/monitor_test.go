// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerlift/peerlift/lib/clock"
	"github.com/peerlift/peerlift/lib/testutil"
	"github.com/peerlift/peerlift/netclass"
)

func newTestMonitor(t *testing.T) (*Monitor, *Gate, *Registry, *clock.FakeClock) {
	t.Helper()
	gate, registry, fake := newTestPair(t)
	monitor := NewMonitor(gate, registry, nil, nil, fake, testLogger())
	return monitor, gate, registry, fake
}

func TestMonitorStableFlipsGateOnce(t *testing.T) {
	monitor, gate, registry, _ := newTestMonitor(t)

	fired := false
	registry.RegisterTimer(time.Minute, func() { fired = true }, "deadline")

	monitor.Process(Event{Source: TransportSource, State: "connected"})
	if !gate.Connected() {
		t.Fatal("stable verdict did not flip the gate")
	}
	testutil.RequireReceive(t, monitor.Stable(), time.Second, "stable signal")
	if registry.Stats().Total() != 0 {
		t.Error("stable verdict did not mass-cancel the registry")
	}
	if fired {
		t.Error("cancelled timer fired")
	}

	// Duplicate connected notifications are absorbed.
	monitor.Process(Event{Source: NegotiationSource, State: "connected"})
	monitor.Process(Event{Source: TransportSource, State: "completed"})
	select {
	case <-monitor.Stable():
		t.Error("duplicate stable signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorTransientAbsorbed(t *testing.T) {
	monitor, gate, _, _ := newTestMonitor(t)

	monitor.Process(Event{Source: TransportSource, State: "disconnected"})
	if gate.Connected() {
		t.Error("transient verdict flipped the gate")
	}
	select {
	case <-monitor.Failures():
		t.Error("transient verdict surfaced a failure")
	case <-time.After(50 * time.Millisecond):
	}

	// The disruption self-heals: a later connected wins.
	monitor.Process(Event{Source: TransportSource, State: "connected"})
	if !gate.Connected() {
		t.Error("recovery from transient did not flip the gate")
	}
}

func TestMonitorPermanentDominatesConnected(t *testing.T) {
	monitor, gate, _, _ := newTestMonitor(t)

	monitor.Process(Event{Source: NegotiationSource, State: "connected"})
	if !gate.Connected() {
		t.Fatal("setup: gate should be connected")
	}

	// Transport failure dominates the still-connected negotiation
	// layer: the gate resets for one fresh attempt.
	monitor.Process(Event{Source: TransportSource, State: "failed"})
	if gate.Connected() {
		t.Error("permanent verdict left the gate connected")
	}
	failure := testutil.RequireReceive(t, monitor.Failures(), time.Second, "permanent failure")
	if failure.TransportState != "failed" {
		t.Errorf("failure = %+v", failure)
	}
}

func TestMonitorDuplicatePermanentCountsOnce(t *testing.T) {
	monitor, _, _, _ := newTestMonitor(t)

	// Both layers fail in one attempt: transport "failed" then
	// negotiation "failed". That is one permanent failure, not two.
	monitor.Process(Event{Source: TransportSource, State: "failed"})
	monitor.Process(Event{Source: NegotiationSource, State: "failed"})

	testutil.RequireReceive(t, monitor.Failures(), time.Second, "first failure")
	select {
	case <-monitor.Dead():
		t.Error("duplicate permanent within one attempt killed the lifecycle")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorSecondAttemptFailureIsFinal(t *testing.T) {
	monitor, gate, registry, _ := newTestMonitor(t)

	monitor.Process(Event{Source: TransportSource, State: "failed"})
	testutil.RequireReceive(t, monitor.Failures(), time.Second, "first failure")

	// The receiver starts its single fresh attempt.
	monitor.BeginAttempt()
	if _, ok := registry.RegisterTimer(time.Minute, func() {}, "fresh"); !ok {
		t.Fatal("fresh attempt could not register operations")
	}

	monitor.Process(Event{Source: NegotiationSource, State: "failed"})
	testutil.RequireClosed(t, monitor.Dead(), time.Second, "dead channel")
	if gate.Connected() {
		t.Error("gate connected after final failure")
	}

	// No third attempt: further permanents are ignored.
	monitor.BeginAttempt()
	monitor.Process(Event{Source: TransportSource, State: "closed"})
	select {
	case <-monitor.Failures():
		t.Error("failure surfaced after the attempt budget was spent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorLateEventsFromDeadAttemptIgnored(t *testing.T) {
	monitor, gate, _, _ := newTestMonitor(t)

	monitor.Process(Event{Source: TransportSource, State: "failed"})
	testutil.RequireReceive(t, monitor.Failures(), time.Second, "failure")

	// Before BeginAttempt, stragglers from the torn-down peer
	// connection must not flip the gate or consume the budget.
	monitor.Process(Event{Source: TransportSource, State: "connected"})
	if gate.Connected() {
		t.Error("late connected from a dead attempt flipped the gate")
	}
	monitor.Process(Event{Source: TransportSource, State: "closed"})
	select {
	case <-monitor.Dead():
		t.Error("late permanent from a dead attempt spent the budget")
	case <-time.After(50 * time.Millisecond):
	}

	// The fresh attempt still works normally.
	monitor.BeginAttempt()
	monitor.Process(Event{Source: TransportSource, State: "connected"})
	if !gate.Connected() {
		t.Error("fresh attempt could not connect")
	}
}

func TestMonitorDisarmsCascadeOnStable(t *testing.T) {
	gate, registry, fake := newTestPair(t)
	observer := &recordingObserver{}
	cascade := NewCascade(registry, observer, testLogger())
	monitor := NewMonitor(gate, registry, cascade, nil, fake, testLogger())

	if err := cascade.Arm(netclass.Wifi); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	monitor.Process(Event{Source: TransportSource, State: "connected"})

	if cascade.Phase() != CascadeDisarmed {
		t.Errorf("cascade phase = %s, want disarmed", cascade.Phase())
	}
	fake.Advance(time.Minute)
	if events := observer.snapshot(); len(events) != 0 {
		t.Errorf("cascade stages fired after stable: %v", events)
	}
}

func TestMonitorDisarmsCascadeOnPermanent(t *testing.T) {
	gate, registry, fake := newTestPair(t)
	observer := &recordingObserver{}
	cascade := NewCascade(registry, observer, testLogger())
	monitor := NewMonitor(gate, registry, cascade, nil, fake, testLogger())

	if err := cascade.Arm(netclass.Wifi); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	// A permanent failure before any deadline fires: the failed
	// attempt's cascade must not stay armed, or the fresh attempt
	// can never arm its own.
	monitor.Process(Event{Source: NegotiationSource, State: "failed"})
	testutil.RequireReceive(t, monitor.Failures(), time.Second, "permanent failure")

	if cascade.Phase() != CascadeDisarmed {
		t.Fatalf("cascade phase = %s, want disarmed", cascade.Phase())
	}
	if err := cascade.Reset(); err != nil {
		t.Fatalf("Reset after permanent failure: %v", err)
	}

	monitor.BeginAttempt()
	if err := cascade.Arm(netclass.Wifi); err != nil {
		t.Fatalf("fresh attempt could not arm the cascade: %v", err)
	}
	fake.Advance(5 * time.Second)
	want := []string{"parallel", "fallback", "relay-force", "timeout"}
	events := observer.snapshot()
	if len(events) != len(want) {
		t.Errorf("fresh cascade events = %v, want %v", events, want)
	}
}

func TestMonitorTransientWhileConnectedAbsorbed(t *testing.T) {
	monitor, gate, _, _ := newTestMonitor(t)

	monitor.Process(Event{Source: TransportSource, State: "connected"})
	if !gate.Connected() {
		t.Fatal("setup: gate should be connected")
	}
	testutil.RequireReceive(t, monitor.Stable(), time.Second, "stable signal")

	// A transport blip on an established connection: the gate stays
	// flipped and nothing is surfaced.
	monitor.Process(Event{Source: TransportSource, State: "disconnected"})
	if !gate.Connected() {
		t.Error("transient blip reset an established gate")
	}
	select {
	case <-monitor.Failures():
		t.Error("transient blip surfaced a failure")
	case <-monitor.Dead():
		t.Error("transient blip killed the lifecycle")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorEscalatesCleanupFailure(t *testing.T) {
	gate, registry, fake := newTestPair(t)
	escalator := NewEscalator(gate, registry, fake, testLogger())
	monitor := NewMonitor(gate, registry, nil, escalator, fake, testLogger())

	id, _ := registry.RegisterTimer(time.Minute, func() {}, "stuck")
	breakCancel(t, registry, KindTimer, id, func() error {
		return errors.New("cancel refused")
	})

	// The stable transition's failed mass-cancel runs Tier 1, which
	// blocks on the fake clock's retry delay.
	pending := fake.PendingTimers()
	done := make(chan struct{})
	go func() {
		monitor.Process(Event{Source: TransportSource, State: "connected"})
		close(done)
	}()
	fake.WaitForTimers(pending + 1)
	fake.Advance(tier1RetryDelay)
	testutil.RequireClosed(t, done, time.Second, "stable processing")

	if !gate.Connected() {
		t.Error("gate did not flip despite cleanup failure")
	}
	if escalator.ConsecutiveFailures() != 1 {
		t.Errorf("counter = %d, want 1 recorded cleanup failure", escalator.ConsecutiveFailures())
	}
}

func TestMonitorRunConsumesReports(t *testing.T) {
	monitor, gate, _, _ := newTestMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	monitor.ReportTransportState("checking")
	monitor.ReportNegotiationState("connected")

	testutil.RequireReceive(t, monitor.Stable(), time.Second, "stable signal")
	if !gate.Connected() {
		t.Error("gate not connected")
	}
}

func TestMonitorRecordsAttemptSteps(t *testing.T) {
	monitor, _, _, fake := newTestMonitor(t)
	attempt := NewAttemptLog(fake, netclass.Wifi)
	monitor.SetAttemptLog(attempt)

	monitor.Process(Event{Source: TransportSource, State: "connected"})

	steps := attempt.Steps()
	if len(steps) != 1 || steps[0].Name != "connection established" || !steps[0].Success {
		t.Errorf("steps = %+v", steps)
	}
}
