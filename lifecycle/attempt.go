// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerlift/peerlift/lib/clock"
	"github.com/peerlift/peerlift/netclass"
)

// Step is one audited phase of a connection attempt.
type Step struct {
	Name      string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Err       string
}

// AttemptLog is the process-consistency audit trail for one connection
// attempt: an ordered, append-only sequence of steps. Once the attempt
// completes the log is sealed and further appends are dropped.
type AttemptLog struct {
	id        uuid.UUID
	class     netclass.Class
	clock     clock.Clock
	startedAt time.Time

	mu     sync.Mutex
	steps  []Step
	sealed bool
}

// NewAttemptLog starts an audit trail for an attempt on the given
// network class.
func NewAttemptLog(clk clock.Clock, class netclass.Class) *AttemptLog {
	return &AttemptLog{
		id:        uuid.New(),
		class:     class,
		clock:     clk,
		startedAt: clk.Now(),
	}
}

// ID returns the attempt identifier.
func (a *AttemptLog) ID() uuid.UUID { return a.id }

// Class returns the network class the attempt ran on.
func (a *AttemptLog) Class() netclass.Class { return a.class }

// StartedAt returns when the attempt began.
func (a *AttemptLog) StartedAt() time.Time { return a.startedAt }

// Append records a completed step. Appends after Seal are dropped —
// the log is immutable once the attempt completes.
func (a *AttemptLog) Append(step Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return
	}
	a.steps = append(a.steps, step)
}

// Begin opens a step and returns a closer that records it with its
// outcome. The closer is safe to call exactly once.
//
//	done := attempt.Begin("ICE gathering")
//	...
//	done(err == nil, err)
func (a *AttemptLog) Begin(name string) func(success bool, err error) {
	startedAt := a.clock.Now()
	return func(success bool, err error) {
		a.Append(Step{
			Name:      name,
			StartedAt: startedAt,
			EndedAt:   a.clock.Now(),
			Success:   success,
			Err:       errString(err),
		})
	}
}

// Seal marks the attempt complete. Idempotent.
func (a *AttemptLog) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}

// Sealed reports whether the log is closed to appends.
func (a *AttemptLog) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}

// Steps returns a copy of the recorded steps in order.
func (a *AttemptLog) Steps() []Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := make([]Step, len(a.steps))
	copy(snapshot, a.steps)
	return snapshot
}
