// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/peerlift/peerlift/lib/clock"
)

// EventSource identifies which layer reported a state change.
type EventSource int

const (
	// TransportSource is the transport/ICE connection layer.
	TransportSource EventSource = iota
	// NegotiationSource is the negotiation (peer connection) layer.
	NegotiationSource
)

func (s EventSource) String() string {
	switch s {
	case TransportSource:
		return "transport"
	case NegotiationSource:
		return "negotiation"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Event is one state-change notification from the negotiation engine.
// Modeling notifications as an enum-tagged stream (instead of
// callbacks capturing mutable state) is what lets every observation
// re-check the gate at processing time rather than registration time.
type Event struct {
	Source EventSource
	State  string
}

// Monitor consumes transport and negotiation state changes, classifies
// each combined observation, and is the only component that flips the
// Gate or triggers recovery.
//
// The Monitor tolerates duplicate and out-of-order notifications: a
// Stable verdict flips the gate exactly once per attempt, and repeated
// Permanent verdicts beyond the first do not grant additional fresh
// attempts.
type Monitor struct {
	gate      *Gate
	registry  *Registry
	cascade   *Cascade
	escalator *Escalator
	clock     clock.Clock
	logger    *slog.Logger

	events   chan Event
	failures chan *PermanentFailure
	stable   chan struct{}
	dead     chan struct{}

	mu               sync.Mutex
	transportState   string
	negotiationState string
	stableHandled    bool
	attemptLive      bool
	permanentCount   int
	attempt          *AttemptLog
}

// NewMonitor wires a Monitor to the attempt's gate and registry. The
// cascade may be nil (no staged deadlines to release on success); the
// escalator may be nil (cleanup failures are then only logged).
func NewMonitor(gate *Gate, registry *Registry, cascade *Cascade, escalator *Escalator, clk clock.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		gate:        gate,
		registry:    registry,
		cascade:     cascade,
		escalator:   escalator,
		clock:       clk,
		logger:      logger,
		events:      make(chan Event, 16),
		failures:    make(chan *PermanentFailure, 1),
		stable:      make(chan struct{}, 1),
		dead:        make(chan struct{}),
		attemptLive: true,
	}
}

// SetAttemptLog attaches the audit log for the current attempt.
func (m *Monitor) SetAttemptLog(attempt *AttemptLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = attempt
}

// BeginAttempt marks the start of a connection attempt. Late
// notifications from a previous attempt's peer connection are ignored
// between a permanent failure and the next BeginAttempt, which is how
// the monitor stays re-entrant-safe against duplicate and out-of-order
// state events.
func (m *Monitor) BeginAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptLive = true
	m.stableHandled = false
	m.transportState = ""
	m.negotiationState = ""
}

// Events returns the channel the negotiation engine feeds.
func (m *Monitor) Events() chan<- Event { return m.events }

// Failures delivers at most one PermanentFailure per attempt; the
// receiver may start exactly one fresh attempt in response.
func (m *Monitor) Failures() <-chan *PermanentFailure { return m.failures }

// Stable signals each time the gate flips to connected. Capacity 1; a
// receiver that misses the signal can fall back to polling the gate.
func (m *Monitor) Stable() <-chan struct{} { return m.stable }

// Dead is closed when a second permanent failure exhausts the single
// fresh attempt the first one granted.
func (m *Monitor) Dead() <-chan struct{} { return m.dead }

// Run consumes events until ctx is cancelled. Classification and
// cleanup errors are absorbed here — nothing propagates out of the
// event loop.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.events:
			m.Process(event)
		}
	}
}

// ReportTransportState feeds a transport-layer state change. Safe to
// call from negotiation engine callbacks; never blocks the caller
// beyond the buffered channel.
func (m *Monitor) ReportTransportState(state string) {
	m.deliver(Event{Source: TransportSource, State: state})
}

// ReportNegotiationState feeds a negotiation-layer state change.
func (m *Monitor) ReportNegotiationState(state string) {
	m.deliver(Event{Source: NegotiationSource, State: state})
}

func (m *Monitor) deliver(event Event) {
	select {
	case m.events <- event:
	default:
		// The event loop is beyond full. Process inline rather than
		// drop: Process is safe from any goroutine.
		m.Process(event)
	}
}

// Process classifies one observation and acts on the verdict. Exported
// for callers that drive the monitor synchronously (tests, inline
// delivery); Run uses it for every received event.
func (m *Monitor) Process(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Source {
	case TransportSource:
		m.transportState = event.State
	case NegotiationSource:
		m.negotiationState = event.State
	}

	verdict := Classify(m.transportState, m.negotiationState)
	m.logger.Debug("state observation classified",
		"source", event.Source.String(),
		"state", event.State,
		"transport", m.transportState,
		"negotiation", m.negotiationState,
		"verdict", verdict.String(),
	)

	switch verdict {
	case VerdictStable:
		m.handleStableLocked()
	case VerdictPermanent:
		m.handlePermanentLocked()
	case VerdictTransient:
		// Fully absorbed: no gate change, no recovery, no surfaced
		// error. A later Stable or Permanent verdict decides.
		m.logger.Info("transient network disruption absorbed",
			"transport", m.transportState,
			"negotiation", m.negotiationState,
		)
	}
}

func (m *Monitor) handleStableLocked() {
	if m.stableHandled || !m.attemptLive {
		return
	}
	m.stableHandled = true

	report, flipped := m.gate.connect()
	if !flipped {
		// Gate already terminal (Tier 3 recovery force-set it).
		return
	}

	if m.cascade != nil {
		m.cascade.Disarm()
	}
	m.recordStepLocked("connection established", true, nil)

	select {
	case m.stable <- struct{}{}:
	default:
	}

	if len(report.Errors) > 0 {
		m.logger.Error("mass cancellation reported failures",
			"errors", report.Errors,
		)
		if m.escalator != nil {
			m.escalator.HandleCleanupFailure()
		}
		return
	}
	if m.escalator != nil {
		m.escalator.RecordSuccess()
	}
}

func (m *Monitor) handlePermanentLocked() {
	if !m.attemptLive {
		// Late notification from an attempt already classified dead.
		m.logger.Debug("ignoring permanent state from completed attempt",
			"transport", m.transportState,
			"negotiation", m.negotiationState,
		)
		return
	}
	m.attemptLive = false

	// The attempt is dead; its staged deadlines are too. Without this
	// the cascade stays Armed and a fresh attempt cannot arm it.
	if m.cascade != nil {
		m.cascade.Disarm()
	}

	failure := &PermanentFailure{
		TransportState:   m.transportState,
		NegotiationState: m.negotiationState,
		At:               m.clock.Now(),
	}
	m.recordStepLocked("connection attempt", false, failure)

	m.permanentCount++
	if m.permanentCount > 1 {
		// The single fresh attempt has already been granted.
		m.logger.Warn("repeated permanent failure, no further attempts",
			"transport", m.transportState,
			"negotiation", m.negotiationState,
			"failures", m.permanentCount,
		)
		if m.permanentCount == 2 {
			close(m.dead)
		}
		return
	}

	// Reset the gate and registry so a fresh attempt can register new
	// cascade timers, then surface the recoverable event.
	m.gate.reset()
	m.transportState = ""
	m.negotiationState = ""

	m.logger.Warn("permanent connection failure, one fresh attempt permitted",
		"transport", failure.TransportState,
		"negotiation", failure.NegotiationState,
	)

	select {
	case m.failures <- failure:
	default:
		// Receiver has an unconsumed failure already; do not queue
		// more attempts than the budget allows.
	}
}

func (m *Monitor) recordStepLocked(name string, success bool, err error) {
	if m.attempt == nil {
		return
	}
	now := m.clock.Now()
	m.attempt.Append(Step{
		Name:      name,
		StartedAt: now,
		EndedAt:   now,
		Success:   success,
		Err:       errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
