// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// ErrRegistryKilled is returned by operations that require a live
// registry after the registry has been mass-cancelled.
var ErrRegistryKilled = errors.New("lifecycle: registry killed")

// ErrGateConnected is returned by operations refused because the
// connection authority gate is already set.
var ErrGateConnected = errors.New("lifecycle: gate connected")

// PermanentFailure reports that the transport or negotiation layer
// permanently failed. It is surfaced on Monitor.Failures as a
// recoverable event: the gate has been reset and the registry cleared,
// so exactly one fresh attempt may register new operations.
type PermanentFailure struct {
	// TransportState and NegotiationState are the layer states
	// observed at classification time.
	TransportState   string
	NegotiationState string

	// At is when the failure was classified.
	At time.Time
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("permanent connection failure (transport %q, negotiation %q)",
		e.TransportState, e.NegotiationState)
}

// CriticalFault reports that Tier 3 recovery itself failed. The
// lifecycle degrades to "assume connected, stop managing" rather than
// an ambiguous state; external intervention is required.
type CriticalFault struct {
	// Errors lists what went wrong during the final repair.
	Errors []string
}

func (e *CriticalFault) Error() string {
	return fmt.Sprintf("critical lifecycle fault, external intervention required: %v", e.Errors)
}
