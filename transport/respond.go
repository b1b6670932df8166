// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// offerPollInterval is how often Respond checks for an inbound offer.
const offerPollInterval = 200 * time.Millisecond

// gatherTimeout bounds the responder's own ICE gathering.
const gatherTimeout = 15 * time.Second

// Respond waits for one inbound offer addressed to localID, answers
// it, and returns the responder's PeerConnection. In production the
// responder is the remote browser; Respond stands in for it in tests
// and local demo tooling. The caller owns the returned connection.
func Respond(ctx context.Context, signaler Signaler, localID string, config webrtc.Configuration, logger *slog.Logger) (*webrtc.PeerConnection, error) {
	offer, err := awaitOffer(ctx, signaler, localID)
	if err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating responder peer connection: %w", err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		pc.Close()
		return nil, fmt.Errorf("responder ICE gathering timed out after %s", gatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	message := SignalMessage{
		SessionID: offer.SessionID,
		SDP:       pc.LocalDescription().SDP,
	}
	if err := signaler.PublishAnswer(ctx, offer.PeerID, localID, message); err != nil {
		pc.Close()
		return nil, fmt.Errorf("publishing SDP answer: %w", err)
	}

	logger.Info("inbound offer answered", "offerer", offer.PeerID)
	return pc, nil
}

// awaitOffer polls until an offer arrives or ctx is cancelled.
func awaitOffer(ctx context.Context, signaler Signaler, localID string) (SignalMessage, error) {
	ticker := time.NewTicker(offerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return SignalMessage{}, ctx.Err()
		case <-ticker.C:
			offers, err := signaler.PollOffers(ctx, localID)
			if err != nil {
				return SignalMessage{}, fmt.Errorf("polling offers: %w", err)
			}
			if len(offers) > 0 {
				return offers[0], nil
			}
		}
	}
}
