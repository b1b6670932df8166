// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// SignalKind distinguishes offer and answer messages.
type SignalKind string

const (
	// SignalOffer is a complete SDP offer.
	SignalOffer SignalKind = "offer"
	// SignalAnswer is a complete SDP answer.
	SignalAnswer SignalKind = "answer"
)

// SignalMessage is one signaling message. The SDP is complete: the
// signaling model is vanilla ICE, all candidates gathered before
// publication, so establishment needs exactly one round-trip.
type SignalMessage struct {
	// SessionID correlates an answer with its offer.
	SessionID string `cbor:"session_id"`

	// PeerID identifies the other party: the offerer on received
	// offers, the answerer on received answers.
	PeerID string `cbor:"peer_id"`

	// Kind is offer or answer.
	Kind SignalKind `cbor:"kind"`

	// SDP is the complete session description with all ICE
	// candidates embedded.
	SDP string `cbor:"sdp"`
}

// Signaler abstracts the mechanism for exchanging session descriptions
// with the remote peer. The production implementation talks to an
// external signaling server over a websocket; tests use in-process
// exchange.
type Signaler interface {
	// PublishOffer publishes a complete SDP offer directed at a peer.
	PublishOffer(ctx context.Context, localID, peerID string, message SignalMessage) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer.
	PublishAnswer(ctx context.Context, offererID, localID string, message SignalMessage) error

	// PollOffers returns pending offers directed at localID that have
	// not been returned before.
	PollOffers(ctx context.Context, localID string) ([]SignalMessage, error)

	// PollAnswers returns pending answers to offers originated by
	// localID that have not been returned before.
	PollAnswers(ctx context.Context, localID string) ([]SignalMessage, error)
}
