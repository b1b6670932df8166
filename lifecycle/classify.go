// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "fmt"

// Verdict is the classification of a combined transport/negotiation
// observation.
type Verdict int

const (
	// VerdictPending means neither layer has reached a state that
	// requires action (gathering, checking, new).
	VerdictPending Verdict = iota
	// VerdictStable means the connection is usable: the gate flips
	// and pre-connection operations are cancelled.
	VerdictStable
	// VerdictTransient means a brief disruption that may self-heal.
	// No gate change, no recovery: the system waits for a later
	// Stable or Permanent verdict.
	VerdictTransient
	// VerdictPermanent means the connection is dead: failed or closed
	// at either layer. The gate resets and one fresh attempt is
	// permitted.
	VerdictPermanent
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictStable:
		return "stable"
	case VerdictTransient:
		return "transient"
	case VerdictPermanent:
		return "permanent"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Classify maps a transport-layer state and a negotiation-layer state
// (pion's lowercase state strings: "new", "checking", "connected",
// "completed", "disconnected", "failed", "closed") to a Verdict.
//
// Permanent is checked first and dominates: a transport that has
// failed or closed, or a negotiation that has failed, makes the
// connection unusable even if the other layer simultaneously reads
// connected. Stable requires either layer connected after the
// Permanent check passes. Transient requires either layer
// disconnected. Everything else is Pending.
//
// Distinguishing Transient from Permanent is the point: treating a
// brief network hiccup as connection death tears down a connection
// that would have self-healed.
func Classify(transportState, negotiationState string) Verdict {
	if transportState == "failed" || transportState == "closed" || negotiationState == "failed" {
		return VerdictPermanent
	}
	if isConnectedState(transportState) || isConnectedState(negotiationState) {
		return VerdictStable
	}
	if transportState == "disconnected" || negotiationState == "disconnected" {
		return VerdictTransient
	}
	return VerdictPending
}

// isConnectedState reports whether a layer state counts as connected.
// ICE "completed" is connected with candidate nomination finished.
func isConnectedState(state string) bool {
	return state == "connected" || state == "completed"
}
