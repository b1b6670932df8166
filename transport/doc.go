// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport orchestrates one peer-to-peer media connection
// attempt end to end: it obtains an ICE configuration from the
// strategy, drives pion/webrtc signaling, and feeds the negotiation
// engine's state changes into the lifecycle monitor, which owns every
// decision about success, transience, and failure.
//
// [Session] is one attempt to one remote peer. Establish performs
// vanilla-ICE signaling (all candidates gathered before the SDP is
// published, exactly one offer/answer round-trip), with every wait —
// gathering, publishing, answer polling — registered in the lifecycle
// registry so the connection gate can cancel all of it the instant the
// connection is judged established. The session reacts to the timeout
// cascade's relay-forcing notification by switching the class
// preference to relay-only, and to a permanent failure by running the
// single permitted fresh attempt.
//
// Signaling is abstracted behind the [Signaler] interface.
// [MemorySignaler] exchanges offers and answers in-process for tests.
// [WebSocketSignaler] is the production client: it speaks
// CBOR-encoded [SignalMessage] frames to an external signaling server
// over a websocket. The signaling server itself — the relay between
// the two browsers — is outside this repository.
//
// [Respond] answers a single inbound offer with a plain
// PeerConnection. Production remote peers are browsers; Respond
// stands in for one in tests and demo tooling.
package transport
