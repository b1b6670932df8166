// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerlift/peerlift/netclass"
)

// CascadePhase is the cascade's position in its linear state machine:
// Idle → Armed → {Disarmed | Exhausted}. There is no branching and no
// re-arming without an explicit Reset.
type CascadePhase int

const (
	// CascadeIdle means no deadlines are scheduled.
	CascadeIdle CascadePhase = iota
	// CascadeArmed means the four staged deadlines are registered.
	CascadeArmed
	// CascadeDisarmed means Disarm cancelled the deadlines before the
	// overall deadline fired (normally because the connection
	// established).
	CascadeDisarmed
	// CascadeExhausted means the overall gathering deadline fired.
	CascadeExhausted
)

func (p CascadePhase) String() string {
	switch p {
	case CascadeIdle:
		return "idle"
	case CascadeArmed:
		return "armed"
	case CascadeDisarmed:
		return "disarmed"
	case CascadeExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// CascadeObserver receives the staged deadline notifications. Each
// callback is a pure notification: the cascade never inspects
// negotiation state itself — escalation decisions (forcing a
// relay-only refresh, abandoning the attempt) belong to the session
// layer driven by the Monitor.
type CascadeObserver interface {
	// OnParallelGatheringComplete fires when the window for gathering
	// all candidate kinds in parallel closes.
	OnParallelGatheringComplete()
	// OnTURNFallback fires when the attempt should start preferring
	// relay candidates.
	OnTURNFallback()
	// OnTURNRelayForced fires when the attempt should restrict itself
	// to relay-only transport.
	OnTURNRelayForced()
	// OnGatheringTimeout fires when the overall gathering budget is
	// spent. The cascade disarms itself before delivering this.
	OnGatheringTimeout()
}

// DeadlineProfile holds the four staged deadlines for one network
// class, measured from Arm. Values are deterministic wall-clock
// durations, identical across attempts of the same class: no jitter
// and no backoff, so connection-time measurements stay comparable and
// restart loops cannot creep back in.
type DeadlineProfile struct {
	// ParallelGathering closes the all-paths gathering window.
	ParallelGathering time.Duration
	// TURNFallback starts preferring relay candidates.
	TURNFallback time.Duration
	// TURNRelayForce restricts to relay-only transport.
	TURNRelayForce time.Duration
	// Overall is the total gathering budget.
	Overall time.Duration
}

// Validate enforces the staging order:
// ParallelGathering < TURNFallback <= TURNRelayForce < Overall.
func (p DeadlineProfile) Validate() error {
	if p.ParallelGathering <= 0 {
		return fmt.Errorf("parallel gathering deadline must be positive, got %s", p.ParallelGathering)
	}
	if p.TURNFallback <= p.ParallelGathering {
		return fmt.Errorf("TURN fallback deadline %s must exceed parallel gathering deadline %s",
			p.TURNFallback, p.ParallelGathering)
	}
	if p.TURNRelayForce < p.TURNFallback {
		return fmt.Errorf("TURN relay-force deadline %s must not precede TURN fallback deadline %s",
			p.TURNRelayForce, p.TURNFallback)
	}
	if p.Overall <= p.TURNRelayForce {
		return fmt.Errorf("overall deadline %s must exceed TURN relay-force deadline %s",
			p.Overall, p.TURNRelayForce)
	}
	return nil
}

// DefaultProfile returns the built-in deadline profile for a network
// class. Mobile networks get the tightest deadlines; wifi, unknown,
// and custom classes share the looser defaults.
func DefaultProfile(class netclass.Class) DeadlineProfile {
	if class == netclass.Mobile {
		return DeadlineProfile{
			ParallelGathering: 1500 * time.Millisecond,
			TURNFallback:      2 * time.Second,
			TURNRelayForce:    2500 * time.Millisecond,
			Overall:           4 * time.Second,
		}
	}
	return DeadlineProfile{
		ParallelGathering: 2 * time.Second,
		TURNFallback:      3 * time.Second,
		TURNRelayForce:    3 * time.Second,
		Overall:           5 * time.Second,
	}
}

// Cascade schedules the staged ICE-gathering deadlines through the
// Registry and disarms them all on success. It owns no negotiation
// logic of its own.
type Cascade struct {
	registry *Registry
	observer CascadeObserver
	logger   *slog.Logger

	mu        sync.Mutex
	phase     CascadePhase
	class     netclass.Class
	deadlines []OperationID
	overrides map[netclass.Class]DeadlineProfile
}

// NewCascade creates a cascade registering its deadlines in registry
// and notifying observer.
func NewCascade(registry *Registry, observer CascadeObserver, logger *slog.Logger) *Cascade {
	return &Cascade{
		registry:  registry,
		observer:  observer,
		logger:    logger,
		overrides: make(map[netclass.Class]DeadlineProfile),
	}
}

// SetProfile overrides the deadline profile for a class. Rejects
// profiles that violate the staging order.
func (c *Cascade) SetProfile(class netclass.Class, profile DeadlineProfile) error {
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("deadline profile for class %q: %w", class, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[class] = profile
	return nil
}

// Profile returns the effective deadline profile for a class.
func (c *Cascade) Profile(class netclass.Class) DeadlineProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profileLocked(class)
}

func (c *Cascade) profileLocked(class netclass.Class) DeadlineProfile {
	if profile, ok := c.overrides[class]; ok {
		return profile
	}
	return DefaultProfile(class)
}

// Arm registers the four staged deadlines for the given network class.
// Only valid from Idle. Registration refusal (gate already connected
// or registry killed) fails the whole arm: a partially armed cascade
// is rolled back.
func (c *Cascade) Arm(class netclass.Class) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != CascadeIdle {
		return fmt.Errorf("cannot arm cascade from phase %s", c.phase)
	}
	profile := c.profileLocked(class)

	stages := []struct {
		name     string
		delay    time.Duration
		callback func()
	}{
		{"parallel gathering deadline", profile.ParallelGathering, c.fireParallelGathering},
		{"TURN fallback deadline", profile.TURNFallback, c.fireTURNFallback},
		{"TURN relay-force deadline", profile.TURNRelayForce, c.fireTURNRelayForce},
		{"overall gathering deadline", profile.Overall, c.fireOverall},
	}

	var registered []OperationID
	for _, stage := range stages {
		id, ok := c.registry.RegisterTimer(stage.delay, stage.callback, stage.name)
		if !ok {
			for _, cancelID := range registered {
				c.registry.UnregisterTimer(cancelID)
			}
			return fmt.Errorf("arming cascade for class %q: %w", class, ErrRegistryKilled)
		}
		registered = append(registered, id)
	}

	c.phase = CascadeArmed
	c.class = class
	c.deadlines = registered
	c.logger.Info("timeout cascade armed",
		"class", class.String(),
		"parallelGathering", profile.ParallelGathering,
		"turnFallback", profile.TURNFallback,
		"turnRelayForce", profile.TURNRelayForce,
		"overall", profile.Overall,
	)
	return nil
}

// Disarm cancels all staged deadlines. Called on connection success
// (once the gate flips, remaining deadlines are inert anyway — this
// releases them promptly) or by the cascade itself when the overall
// deadline fires. No-op outside the Armed phase.
func (c *Cascade) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked(CascadeDisarmed)
}

func (c *Cascade) disarmLocked(next CascadePhase) {
	if c.phase != CascadeArmed {
		return
	}
	for _, id := range c.deadlines {
		c.registry.UnregisterTimer(id)
	}
	c.deadlines = nil
	c.phase = next
	c.logger.Info("timeout cascade disarmed", "phase", next.String())
}

// Reset returns the cascade to Idle so a fresh attempt can arm it.
// Only valid from Disarmed or Exhausted.
func (c *Cascade) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == CascadeArmed {
		return fmt.Errorf("cannot reset an armed cascade")
	}
	c.phase = CascadeIdle
	c.deadlines = nil
	return nil
}

// Phase returns the cascade's current phase.
func (c *Cascade) Phase() CascadePhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// armed reports whether a deadline callback should still be honored.
// Timer callbacks already re-check the gate inside the registry; this
// additionally drops callbacks that outlive a Disarm racing their
// firing.
func (c *Cascade) armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == CascadeArmed
}

func (c *Cascade) fireParallelGathering() {
	if !c.armed() {
		return
	}
	c.observer.OnParallelGatheringComplete()
}

func (c *Cascade) fireTURNFallback() {
	if !c.armed() {
		return
	}
	c.observer.OnTURNFallback()
}

func (c *Cascade) fireTURNRelayForce() {
	if !c.armed() {
		return
	}
	c.observer.OnTURNRelayForced()
}

func (c *Cascade) fireOverall() {
	c.mu.Lock()
	if c.phase != CascadeArmed {
		c.mu.Unlock()
		return
	}
	c.disarmLocked(CascadeExhausted)
	c.mu.Unlock()

	c.observer.OnGatheringTimeout()
}
