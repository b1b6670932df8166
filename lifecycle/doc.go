// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle is the connection-establishment lifecycle
// controller: the single source of truth for whether a peer connection
// is established, and the machinery that guarantees no pre-connection
// logic (timers, periodic tasks, probes) can interfere with a
// connection once it is judged established.
//
// The package ties five pieces together around one per-attempt pair
// created by [New]:
//
//   - [Gate] is the connection authority: a single connected flag plus
//     timestamps. Flipping it to connected synchronously
//     mass-cancels the registry before the call returns, so a caller
//     that observes Connected() == true also observes zero live
//     pre-connection operations.
//   - [Registry] is an arena of cancellable operations (timers,
//     periodic tasks, abort handles, in-flight probes) keyed by opaque
//     [OperationID]. Every registration checks the gate; once the gate
//     is connected or the registry is killed, registration is refused
//     rather than advisory-checked. Timer callbacks re-check the gate
//     before running, because a callback may already be queued when
//     the gate flips.
//   - [Cascade] schedules the four staged ICE-gathering deadlines
//     (parallel gathering → TURN fallback → relay forced → overall
//     timeout) through the Registry, as a linear state machine with
//     deterministic per-class wall-clock values. No jitter, no
//     backoff: connection-time measurements stay comparable across
//     attempts, and restart loops are structurally impossible.
//   - [Monitor] consumes transport and negotiation state changes as an
//     event stream, classifies each combined observation with
//     [Classify] (Permanent dominates Stable dominates Transient),
//     and is the only component allowed to flip the Gate or trigger
//     recovery. Transient disruptions are absorbed: the system waits
//     for a later Stable or Permanent verdict instead of tearing down
//     a connection that would have self-healed.
//   - [Escalator] repairs gate and registry state when cleanup itself
//     fails, in three increasingly destructive tiers, ending at the
//     safe terminal state (connected, registry killed) when nothing
//     gentler works.
//
// Concurrency: callbacks arrive from independent sources (negotiation
// events, cascade timers, probe completions), so all Gate and Registry
// mutation is treated as concurrent. The Registry's mutex guards the
// operation containers and the killed flag; the Gate's connected flag
// is an atomic whose false→true transition happens before the
// mass-cancel acquires the registry lock, so a registration racing the
// flip either lands before the kill (and is cancelled by it) or
// observes the killed flag and is refused. Time is injected via
// lib/clock for deterministic tests.
package lifecycle
