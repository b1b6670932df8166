// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
)

func TestMemorySignalerOfferDelivery(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	err := signaler.PublishOffer(ctx, "peer/alpha", "peer/beta", SignalMessage{
		SessionID: "session-1",
		SDP:       "v=0 offer",
	})
	if err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	// Offers route to the target, not the sender.
	if offers, _ := signaler.PollOffers(ctx, "peer/alpha"); len(offers) != 0 {
		t.Errorf("sender received its own offer: %+v", offers)
	}

	offers, err := signaler.PollOffers(ctx, "peer/beta")
	if err != nil {
		t.Fatalf("PollOffers failed: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	offer := offers[0]
	if offer.PeerID != "peer/alpha" || offer.Kind != SignalOffer || offer.SessionID != "session-1" {
		t.Errorf("offer = %+v", offer)
	}
}

func TestMemorySignalerDrainsOnce(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	signaler.PublishOffer(ctx, "peer/alpha", "peer/beta", SignalMessage{SessionID: "s1"})
	signaler.PublishOffer(ctx, "peer/alpha", "peer/beta", SignalMessage{SessionID: "s2"})

	first, _ := signaler.PollOffers(ctx, "peer/beta")
	if len(first) != 2 {
		t.Fatalf("first poll got %d offers, want 2", len(first))
	}
	second, _ := signaler.PollOffers(ctx, "peer/beta")
	if len(second) != 0 {
		t.Errorf("second poll redelivered %d offers", len(second))
	}
}

func TestMemorySignalerAnswerDelivery(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	signaler.PublishAnswer(ctx, "peer/alpha", "peer/beta", SignalMessage{
		SessionID: "session-1",
		SDP:       "v=0 answer",
	})

	answers, err := signaler.PollAnswers(ctx, "peer/alpha")
	if err != nil {
		t.Fatalf("PollAnswers failed: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(answers))
	}
	if answers[0].PeerID != "peer/beta" || answers[0].Kind != SignalAnswer {
		t.Errorf("answer = %+v", answers[0])
	}
}
