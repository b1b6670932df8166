// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Offers and
// answers are exchanged through internal maps; two Sessions sharing
// the same MemorySignaler can establish a PeerConnection without any
// network signaling.
type MemorySignaler struct {
	mu      sync.Mutex
	offers  map[string][]SignalMessage // key: target peer id
	answers map[string][]SignalMessage // key: offerer peer id
}

// NewMemorySignaler creates an in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:  make(map[string][]SignalMessage),
		answers: make(map[string][]SignalMessage),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, localID, peerID string, message SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.PeerID = localID
	message.Kind = SignalOffer
	s.offers[peerID] = append(s.offers[peerID], message)
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offererID, localID string, message SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.PeerID = localID
	message.Kind = SignalAnswer
	s.answers[offererID] = append(s.answers[offererID], message)
	return nil
}

// PollOffers drains pending offers for localID; each offer is
// delivered exactly once.
func (s *MemorySignaler) PollOffers(_ context.Context, localID string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.offers[localID]
	delete(s.offers, localID)
	return pending, nil
}

// PollAnswers drains pending answers for localID; each answer is
// delivered exactly once.
func (s *MemorySignaler) PollAnswers(_ context.Context, localID string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.answers[localID]
	delete(s.answers, localID)
	return pending, nil
}
