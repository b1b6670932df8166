// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerlift/peerlift/lib/clock"
)

// Gate is the connection authority for one connection attempt: a
// single connected flag plus timestamps. Once set, all further
// registry mutation is forbidden and every tracked pre-connection
// operation has been cancelled.
//
// Reads (Connected, Since) are safe from any goroutine. Mutation is
// package-private: only the Monitor flips the gate, and Tier 3
// recovery may force the terminal state. Strategy and cascade code
// never mutate it.
type Gate struct {
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger

	// connected is atomic so registration paths can check it without
	// taking the registry lock first. The false→true transition
	// happens before the registry kill, so a racing registration
	// either lands before the kill (and is cancelled by it) or
	// observes the killed flag under the registry lock.
	connected atomic.Bool

	mu               sync.Mutex
	since            time.Time
	killedRegistryAt time.Time
}

// New creates a linked Gate and Registry for one connection attempt.
// The pair shares ownership of the attempt's cancellable state: the
// gate's transitions drive the registry's mass-cancellation and reset.
func New(clk clock.Clock, logger *slog.Logger) (*Gate, *Registry) {
	gate := &Gate{clock: clk, logger: logger}
	registry := newRegistry(gate, clk, logger)
	gate.registry = registry
	return gate, registry
}

// Connected reports whether the connection has been judged
// established. Callers must consult this before any mutating action;
// mutating actions other than read-only statistics queries are refused
// once it returns true.
func (g *Gate) Connected() bool { return g.connected.Load() }

// Since returns when the gate was set. The second return is false
// while the gate is open.
func (g *Gate) Since() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.since, !g.since.IsZero()
}

// KilledRegistryAt returns when the gate's transition mass-cancelled
// the registry. The second return is false if that has not happened.
func (g *Gate) KilledRegistryAt() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killedRegistryAt, !g.killedRegistryAt.IsZero()
}

// connect transitions the gate false→true and synchronously
// mass-cancels the registry before returning. Returns the kill report
// and true on the transition; returns false if the gate was already
// connected (repeated "connected" notifications are expected and
// harmless).
func (g *Gate) connect() (KillReport, bool) {
	if !g.connected.CompareAndSwap(false, true) {
		return KillReport{}, false
	}

	now := g.clock.Now()
	g.mu.Lock()
	g.since = now
	g.mu.Unlock()

	report := g.registry.KillAll()

	g.mu.Lock()
	g.killedRegistryAt = g.clock.Now()
	g.mu.Unlock()

	g.logger.Info("connection gate set",
		"cancelled", report.Cancelled,
		"cleanupErrors", len(report.Errors),
	)
	return report, true
}

// reset transitions the gate true→false after a permanent failure and
// clears the registry's killed marker so a fresh attempt may register
// new operations. Safe to call when the gate is already open (the
// attempt failed before ever connecting).
func (g *Gate) reset() {
	g.connected.Store(false)

	g.mu.Lock()
	g.since = time.Time{}
	g.killedRegistryAt = time.Time{}
	g.mu.Unlock()

	g.registry.Reset()
	g.logger.Info("connection gate reset for fresh attempt")
}

// forceTerminal sets the safe terminal state without running normal
// cancellation: connected and registry killed. Used by Tier 3 recovery
// when the registry is beyond repair — an unrecoverable registry is
// safer treated as "connection owns everything now" than left
// ambiguous.
func (g *Gate) forceTerminal() {
	g.connected.Store(true)

	now := g.clock.Now()
	g.mu.Lock()
	if g.since.IsZero() {
		g.since = now
	}
	g.killedRegistryAt = now
	g.mu.Unlock()
}
