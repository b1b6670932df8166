// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/peerlift/peerlift/netclass"
)

// recordingObserver collects cascade notifications in firing order.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, name)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) OnParallelGatheringComplete() { o.record("parallel") }
func (o *recordingObserver) OnTURNFallback()              { o.record("fallback") }
func (o *recordingObserver) OnTURNRelayForced()           { o.record("relay-force") }
func (o *recordingObserver) OnGatheringTimeout()          { o.record("timeout") }

func TestDefaultProfileDeadlines(t *testing.T) {
	mobile := DefaultProfile(netclass.Mobile)
	want := DeadlineProfile{
		ParallelGathering: 1500 * time.Millisecond,
		TURNFallback:      2 * time.Second,
		TURNRelayForce:    2500 * time.Millisecond,
		Overall:           4 * time.Second,
	}
	if mobile != want {
		t.Errorf("mobile profile = %+v, want %+v", mobile, want)
	}

	wifi := DefaultProfile(netclass.Wifi)
	want = DeadlineProfile{
		ParallelGathering: 2 * time.Second,
		TURNFallback:      3 * time.Second,
		TURNRelayForce:    3 * time.Second,
		Overall:           5 * time.Second,
	}
	if wifi != want {
		t.Errorf("wifi profile = %+v, want %+v", wifi, want)
	}
	if DefaultProfile(netclass.Unknown) != want {
		t.Error("unknown class should share the wifi profile")
	}
	if DefaultProfile(netclass.Class("satellite")) != want {
		t.Error("custom class should share the wifi profile")
	}
}

func TestDeadlineProfileValidate(t *testing.T) {
	valid := DeadlineProfile{
		ParallelGathering: time.Second,
		TURNFallback:      2 * time.Second,
		TURNRelayForce:    2 * time.Second,
		Overall:           3 * time.Second,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid profile rejected: %v", err)
	}

	cases := []struct {
		name    string
		profile DeadlineProfile
	}{
		{"zero parallel", DeadlineProfile{0, time.Second, time.Second, 2 * time.Second}},
		{"fallback not after parallel", DeadlineProfile{time.Second, time.Second, time.Second, 2 * time.Second}},
		{"relay-force before fallback", DeadlineProfile{time.Second, 3 * time.Second, 2 * time.Second, 4 * time.Second}},
		{"overall not after relay-force", DeadlineProfile{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.profile.Validate(); err == nil {
				t.Errorf("profile %+v accepted", tc.profile)
			}
		})
	}
}

func TestCascadeFiresStagesInOrder(t *testing.T) {
	_, registry, fake := newTestPair(t)
	observer := &recordingObserver{}
	cascade := NewCascade(registry, observer, testLogger())

	if err := cascade.Arm(netclass.Mobile); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if cascade.Phase() != CascadeArmed {
		t.Fatalf("phase = %s, want armed", cascade.Phase())
	}
	if registry.Stats().LiveTimers != 4 {
		t.Fatalf("live timers = %d, want 4", registry.Stats().LiveTimers)
	}

	fake.Advance(4 * time.Second)

	want := []string{"parallel", "fallback", "relay-force", "timeout"}
	got := observer.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if cascade.Phase() != CascadeExhausted {
		t.Errorf("phase = %s, want exhausted", cascade.Phase())
	}
	if registry.Stats().LiveTimers != 0 {
		t.Errorf("live timers = %d after exhaustion, want 0", registry.Stats().LiveTimers)
	}
}

func TestCascadeDisarmSilencesAllStages(t *testing.T) {
	_, registry, fake := newTestPair(t)
	observer := &recordingObserver{}
	cascade := NewCascade(registry, observer, testLogger())

	if err := cascade.Arm(netclass.Wifi); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	cascade.Disarm()

	if cascade.Phase() != CascadeDisarmed {
		t.Errorf("phase = %s, want disarmed", cascade.Phase())
	}
	if registry.Stats().LiveTimers != 0 {
		t.Errorf("live timers = %d after disarm, want 0", registry.Stats().LiveTimers)
	}

	fake.Advance(10 * time.Second)
	if events := observer.snapshot(); len(events) != 0 {
		t.Errorf("stages fired after disarm: %v", events)
	}
}

func TestCascadeArmOnlyFromIdle(t *testing.T) {
	_, registry, _ := newTestPair(t)
	cascade := NewCascade(registry, &recordingObserver{}, testLogger())

	if err := cascade.Arm(netclass.Wifi); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := cascade.Arm(netclass.Wifi); err == nil {
		t.Error("re-arming an armed cascade succeeded")
	}

	cascade.Disarm()
	if err := cascade.Arm(netclass.Wifi); err == nil {
		t.Error("arming from disarmed succeeded without Reset")
	}
	if err := cascade.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := cascade.Arm(netclass.Wifi); err != nil {
		t.Errorf("arming after Reset failed: %v", err)
	}
}

func TestCascadeResetRejectedWhileArmed(t *testing.T) {
	_, registry, _ := newTestPair(t)
	cascade := NewCascade(registry, &recordingObserver{}, testLogger())

	cascade.Arm(netclass.Wifi)
	if err := cascade.Reset(); err == nil {
		t.Error("Reset succeeded on an armed cascade")
	}
}

func TestCascadeArmRefusedWhenGateConnected(t *testing.T) {
	gate, registry, _ := newTestPair(t)
	cascade := NewCascade(registry, &recordingObserver{}, testLogger())
	gate.connect()

	if err := cascade.Arm(netclass.Mobile); err == nil {
		t.Fatal("Arm succeeded through a connected gate")
	}
	if cascade.Phase() != CascadeIdle {
		t.Errorf("phase = %s after refused arm, want idle", cascade.Phase())
	}
}

func TestCascadeSetProfile(t *testing.T) {
	_, registry, fake := newTestPair(t)
	observer := &recordingObserver{}
	cascade := NewCascade(registry, observer, testLogger())

	custom := DeadlineProfile{
		ParallelGathering: 100 * time.Millisecond,
		TURNFallback:      200 * time.Millisecond,
		TURNRelayForce:    200 * time.Millisecond,
		Overall:           300 * time.Millisecond,
	}
	if err := cascade.SetProfile(netclass.Wifi, custom); err != nil {
		t.Fatalf("SetProfile failed: %v", err)
	}
	if cascade.Profile(netclass.Wifi) != custom {
		t.Error("override not returned by Profile")
	}

	bad := custom
	bad.Overall = custom.TURNRelayForce
	if err := cascade.SetProfile(netclass.Wifi, bad); err == nil {
		t.Error("invalid profile accepted")
	}

	cascade.Arm(netclass.Wifi)
	fake.Advance(300 * time.Millisecond)
	if events := observer.snapshot(); len(events) != 4 {
		t.Errorf("custom deadlines fired %d stages in 300ms, want 4: %v", len(events), events)
	}
}

func TestCascadeDeadlinesDeterministic(t *testing.T) {
	// Two arms of the same class produce identical schedules: no
	// jitter, no backoff.
	for attempt := 0; attempt < 2; attempt++ {
		_, registry, fake := newTestPair(t)
		observer := &recordingObserver{}
		cascade := NewCascade(registry, observer, testLogger())
		cascade.Arm(netclass.Mobile)

		fake.Advance(1499 * time.Millisecond)
		if events := observer.snapshot(); len(events) != 0 {
			t.Fatalf("attempt %d: stage fired before its deadline: %v", attempt, events)
		}
		fake.Advance(time.Millisecond)
		if events := observer.snapshot(); len(events) != 1 || events[0] != "parallel" {
			t.Fatalf("attempt %d: events at 1500ms = %v", attempt, events)
		}
	}
}
