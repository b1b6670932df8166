// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/peerlift/peerlift/lib/testutil"
)

// breakCancel replaces a live operation's cancel with one that fails,
// to exercise the partial-kill and recovery paths.
func breakCancel(t *testing.T, registry *Registry, kind OperationKind, id OperationID, cancel func() error) {
	t.Helper()
	registry.mu.Lock()
	defer registry.mu.Unlock()
	entry, ok := registry.bucketLocked(kind)[id]
	if !ok {
		t.Fatalf("operation %d not live in %s bucket", id, kind)
	}
	entry.cancel = cancel
}

func TestRegistryTimerFiresOnce(t *testing.T) {
	_, registry, fake := newTestPair(t)

	fired := 0
	id, ok := registry.RegisterTimer(time.Second, func() { fired++ }, "deadline")
	if !ok {
		t.Fatal("registration refused")
	}
	if registry.Stats().LiveTimers != 1 {
		t.Fatal("timer not tracked")
	}

	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("timer fired %d times, want 1", fired)
	}
	if registry.Stats().LiveTimers != 0 {
		t.Error("naturally fired timer still tracked")
	}
	if registry.UnregisterTimer(id) {
		t.Error("unregister succeeded on a consumed timer")
	}
}

func TestRegistryUnregisterTimerStopsCallback(t *testing.T) {
	_, registry, fake := newTestPair(t)

	fired := false
	id, _ := registry.RegisterTimer(time.Second, func() { fired = true }, "deadline")
	if !registry.UnregisterTimer(id) {
		t.Fatal("unregister failed on a live timer")
	}

	fake.Advance(2 * time.Second)
	if fired {
		t.Error("unregistered timer fired")
	}
}

func TestRegistryTimerSkipsCallbackAfterConnect(t *testing.T) {
	gate, registry, fake := newTestPair(t)

	fired := false
	registry.RegisterTimer(time.Second, func() { fired = true }, "deadline")

	// Flip the gate without going through KillAll's timer.Stop, to
	// exercise the fire-time re-check: force the entry to survive.
	registry.mu.Lock()
	for _, entry := range registry.timers {
		entry.cancel = func() error { return nil }
	}
	registry.mu.Unlock()
	gate.connect()

	fake.Advance(2 * time.Second)
	if fired {
		t.Error("timer callback ran after the gate flipped")
	}
}

func TestRegistryPeriodicTicksUntilUnregistered(t *testing.T) {
	_, registry, fake := newTestPair(t)

	ticks := make(chan struct{}, 8)
	id, ok := registry.RegisterPeriodic(time.Second, func() { ticks <- struct{}{} }, "sweep")
	if !ok {
		t.Fatal("registration refused")
	}

	fake.Advance(time.Second)
	testutil.RequireReceive(t, ticks, time.Second, "first tick")
	fake.Advance(time.Second)
	testutil.RequireReceive(t, ticks, time.Second, "second tick")

	if !registry.UnregisterPeriodic(id) {
		t.Fatal("unregister failed on a live periodic")
	}
	fake.Advance(3 * time.Second)
	select {
	case <-ticks:
		t.Error("periodic ticked after unregister")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryAbortHandle(t *testing.T) {
	_, registry, _ := newTestPair(t)

	handle, ok := registry.RegisterAbortHandle("signaling wait")
	if !ok {
		t.Fatal("registration refused")
	}
	if handle.Aborted() {
		t.Error("fresh handle reports aborted")
	}

	handle.Abort()
	if !handle.Aborted() {
		t.Error("handle not aborted after Abort")
	}
	testutil.RequireClosed(t, handle.Done(), time.Second, "handle context done")
	if registry.Stats().LiveAbortHandles != 0 {
		t.Error("aborted handle still tracked")
	}
}

func TestRegistryProbeDeliversResult(t *testing.T) {
	_, registry, _ := newTestPair(t)

	probeErr := errors.New("publish rejected")
	result, ok := registry.RegisterProbe(func() error { return probeErr }, "publish offer")
	if !ok {
		t.Fatal("registration refused")
	}

	got := testutil.RequireReceive(t, result, time.Second, "probe result")
	if !errors.Is(got, probeErr) {
		t.Errorf("probe result = %v, want %v", got, probeErr)
	}
	if registry.Stats().LiveProbes != 0 {
		t.Error("completed probe still tracked")
	}
}

func TestRegistryProbeSurvivesKill(t *testing.T) {
	_, registry, _ := newTestPair(t)

	release := make(chan struct{})
	result, _ := registry.RegisterProbe(func() error {
		<-release
		return nil
	}, "slow probe")

	report := registry.KillAll()
	if report.Cancelled != 1 {
		t.Errorf("kill cancelled %d, want 1 (the probe untracked)", report.Cancelled)
	}

	// The probe cannot be forced dead; its result still arrives.
	close(release)
	if err := testutil.RequireReceive(t, result, time.Second, "probe result after kill"); err != nil {
		t.Errorf("probe result = %v, want nil", err)
	}
}

func TestRegistryProbePanicBecomesError(t *testing.T) {
	_, registry, _ := newTestPair(t)

	result, _ := registry.RegisterProbe(func() error {
		panic("boom")
	}, "fragile probe")

	err := testutil.RequireReceive(t, result, time.Second, "probe result")
	if err == nil {
		t.Fatal("panicking probe delivered nil")
	}
}

func TestRegistryKillAllIdempotent(t *testing.T) {
	_, registry, _ := newTestPair(t)
	registry.RegisterTimer(time.Second, func() {}, "deadline")

	first := registry.KillAll()
	if first.AlreadyKilled || first.Cancelled != 1 {
		t.Fatalf("first kill: %+v", first)
	}
	second := registry.KillAll()
	if !second.AlreadyKilled || second.Cancelled != 0 {
		t.Fatalf("second kill: %+v", second)
	}
	if !registry.Killed() {
		t.Error("registry not marked killed")
	}
	if _, ok := registry.RegisterTimer(time.Second, func() {}, "late"); ok {
		t.Error("killed registry admitted a registration")
	}
}

func TestRegistryKillAllContinuesPastFailures(t *testing.T) {
	_, registry, _ := newTestPair(t)

	badID, _ := registry.RegisterTimer(time.Second, func() {}, "bad")
	registry.RegisterTimer(time.Second, func() {}, "good")
	registry.RegisterAbortHandle("handle")
	breakCancel(t, registry, KindTimer, badID, func() error {
		return errors.New("cancel refused")
	})

	report := registry.KillAll()
	if report.Cancelled != 2 {
		t.Errorf("cancelled %d, want 2", report.Cancelled)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors: %v, want exactly one", report.Errors)
	}
	// The failed entry stays tracked for a recovery sweep.
	if registry.Stats().LiveTimers != 1 {
		t.Errorf("live timers = %d, want the failed entry retained", registry.Stats().LiveTimers)
	}
}

func TestRegistryKillAllRecoversCancelPanic(t *testing.T) {
	_, registry, _ := newTestPair(t)

	id, _ := registry.RegisterTimer(time.Second, func() {}, "explosive")
	breakCancel(t, registry, KindTimer, id, func() error {
		panic("cancel exploded")
	})

	report := registry.KillAll()
	if len(report.Errors) != 1 {
		t.Fatalf("errors: %v, want the recovered panic", report.Errors)
	}
}

func TestRegistryResetClearsPartialKill(t *testing.T) {
	_, registry, _ := newTestPair(t)

	id, _ := registry.RegisterTimer(time.Second, func() {}, "bad")
	breakCancel(t, registry, KindTimer, id, func() error {
		return errors.New("cancel refused")
	})
	registry.KillAll()

	registry.Reset()
	if registry.Killed() {
		t.Error("registry still killed after reset")
	}
	if total := registry.Stats().Total(); total != 0 {
		t.Errorf("%d live operations after reset, want 0", total)
	}
	if _, ok := registry.RegisterTimer(time.Second, func() {}, "fresh"); !ok {
		t.Error("reset registry refused a registration")
	}
}

func TestRegistryDescribe(t *testing.T) {
	_, registry, _ := newTestPair(t)

	registry.RegisterTimer(time.Second, func() {}, "overall deadline")
	registry.RegisterAbortHandle("signaling wait")

	listing := registry.Describe()
	if len(listing) != 2 {
		t.Fatalf("Describe returned %d entries, want 2", len(listing))
	}
}

func TestRegistryStatsPerKind(t *testing.T) {
	_, registry, _ := newTestPair(t)

	registry.RegisterTimer(time.Second, func() {}, "t")
	registry.RegisterPeriodic(time.Second, func() {}, "p")
	registry.RegisterAbortHandle("a")
	block := make(chan struct{})
	defer close(block)
	registry.RegisterProbe(func() error { <-block; return nil }, "probe")

	stats := registry.Stats()
	if stats.LiveTimers != 1 || stats.LivePeriodics != 1 || stats.LiveAbortHandles != 1 || stats.LiveProbes != 1 {
		t.Errorf("stats = %+v, want one of each kind", stats)
	}
	if stats.Total() != 4 {
		t.Errorf("total = %d, want 4", stats.Total())
	}
}
