// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlift/peerlift/iceconfig"
	"github.com/peerlift/peerlift/lib/clock"
	"github.com/peerlift/peerlift/lifecycle"
	"github.com/peerlift/peerlift/netclass"
)

// answerPollInterval is how often the session polls for an SDP answer
// after publishing its offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout bounds the wait for an SDP answer. The timeout
// cascade's overall deadline usually fires first; this is the outer
// safety valve for attempts whose cascade was disarmed externally.
const answerTimeout = 30 * time.Second

// Compile-time check: the session consumes cascade notifications.
var _ lifecycle.CascadeObserver = (*Session)(nil)

// Session is one connection attempt (plus the single permitted
// recovery attempt) to one remote peer. It owns the attempt's
// lifecycle pair — gate, registry, cascade, monitor, escalator — and
// drives pion signaling with every wait registered in the registry so
// the gate can cancel all of it at the moment of establishment.
type Session struct {
	localID  string
	peerID   string
	class    netclass.Class
	strategy *iceconfig.Strategy
	signaler Signaler
	clock    clock.Clock
	logger   *slog.Logger

	gate      *lifecycle.Gate
	registry  *lifecycle.Registry
	cascade   *lifecycle.Cascade
	monitor   *lifecycle.Monitor
	escalator *lifecycle.Escalator
	attempt   *lifecycle.AttemptLog

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	relayForced  bool
	attemptStart time.Time
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// LocalID and PeerID identify the two parties in signaling.
	LocalID string
	PeerID  string

	// Class selects the timeout profile and transport policy.
	Class netclass.Class

	// Deadlines overrides the cascade profile for Class. Nil keeps
	// the built-in defaults.
	Deadlines *lifecycle.DeadlineProfile

	// Strategy supplies ICE configurations.
	Strategy *iceconfig.Strategy

	// Signaler exchanges SDP with the remote peer.
	Signaler Signaler

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewSession builds a Session and its lifecycle machinery.
func NewSession(options SessionOptions) *Session {
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session := &Session{
		localID:  options.LocalID,
		peerID:   options.PeerID,
		class:    options.Class,
		strategy: options.Strategy,
		signaler: options.Signaler,
		clock:    clk,
		logger:   logger.With("peer", options.PeerID, "class", options.Class.String()),
	}

	session.gate, session.registry = lifecycle.New(clk, session.logger)
	session.escalator = lifecycle.NewEscalator(session.gate, session.registry, clk, session.logger)
	session.cascade = lifecycle.NewCascade(session.registry, session, session.logger)
	session.monitor = lifecycle.NewMonitor(session.gate, session.registry, session.cascade, session.escalator, clk, session.logger)
	session.attempt = lifecycle.NewAttemptLog(clk, options.Class)
	session.monitor.SetAttemptLog(session.attempt)
	if options.Deadlines != nil {
		if err := session.cascade.SetProfile(options.Class, *options.Deadlines); err != nil {
			session.logger.Warn("rejected deadline override, keeping defaults", "error", err)
		}
	}
	return session
}

// IsConnected reports whether the connection has been judged
// established. Mutating calls are refused once this returns true.
func (s *Session) IsConnected() bool { return s.gate.Connected() }

// Stats exposes registry occupancy for diagnostics.
func (s *Session) Stats() lifecycle.Stats { return s.registry.Stats() }

// Attempt returns the audit log for this session's attempts.
func (s *Session) Attempt() *lifecycle.AttemptLog { return s.attempt }

// Monitor returns the session's lifecycle monitor, the sink for
// externally sourced state notifications.
func (s *Session) Monitor() *lifecycle.Monitor { return s.monitor }

// Establish runs the connection attempt to completion: it returns nil
// once the connection is judged established, a ConfigurationError if
// no usable ICE configuration exists, or the final PermanentFailure if
// both the initial attempt and the single recovery attempt die.
func (s *Session) Establish(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.monitor.Run(ctx)

	if err := s.startAttempt(ctx); err != nil {
		s.attempt.Seal()
		return err
	}

	var lastFailure *lifecycle.PermanentFailure
	for {
		select {
		case <-s.monitor.Stable():
			elapsed := s.clock.Now().Sub(s.attemptStart)
			s.strategy.ReportOutcome(s.class, true, elapsed)
			s.attempt.Seal()
			s.logger.Info("connection established", "connectTime", elapsed)
			return nil

		case failure := <-s.monitor.Failures():
			lastFailure = failure
			s.strategy.ReportOutcome(s.class, false, 0)
			s.closePeerConnection()
			if err := s.cascade.Reset(); err != nil {
				s.logger.Warn("cascade reset failed before recovery attempt", "error", err)
			}
			s.logger.Warn("starting single recovery attempt", "failure", failure.Error())
			if err := s.startAttempt(ctx); err != nil {
				s.attempt.Seal()
				return err
			}

		case <-s.monitor.Dead():
			s.attempt.Seal()
			s.closePeerConnection()
			if lastFailure == nil {
				lastFailure = &lifecycle.PermanentFailure{At: s.clock.Now()}
			}
			return lastFailure

		case <-ctx.Done():
			s.attempt.Seal()
			s.closePeerConnection()
			return ctx.Err()
		}
	}
}

// Close tears the peer connection down. The gate state is left as-is:
// an established session stays "connected" from the lifecycle's point
// of view until its owner discards it.
func (s *Session) Close() error {
	s.attempt.Seal()
	return s.closePeerConnection()
}

// startAttempt synthesizes a config, creates the PeerConnection, arms
// the cascade, and launches signaling. Configuration errors are fatal
// and returned; signaling errors are reported to the monitor as
// negotiation failure instead, so the classifier decides what happens.
func (s *Session) startAttempt(ctx context.Context) error {
	s.monitor.BeginAttempt()
	s.attemptStart = s.clock.Now()

	configDone := s.attempt.Begin("ICE configuration")
	config, err := s.attemptConfig(ctx)
	if err != nil {
		configDone(false, err)
		var configurationError *iceconfig.ConfigurationError
		if errors.As(err, &configurationError) {
			// No relay path available under a relay-demanding policy:
			// abort immediately, no silent fallback.
			return err
		}
		return fmt.Errorf("obtaining ICE configuration: %w", err)
	}
	configDone(true, nil)

	pc, err := s.newPeerConnection(config)
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	// State notifications feed the monitor's event stream; the
	// monitor re-checks the gate when processing, never here.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.monitor.ReportTransportState(state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.monitor.ReportNegotiationState(state.String())
	})

	if err := s.cascade.Arm(s.class); err != nil {
		s.closePeerConnection()
		return fmt.Errorf("arming timeout cascade: %w", err)
	}

	go s.signalOffer(ctx, pc)
	return nil
}

// attemptConfig picks the configuration source for the attempt. After
// the cascade forced relay-only, the cache is bypassed and replaced so
// a stale all-paths config cannot win.
func (s *Session) attemptConfig(ctx context.Context) (webrtc.Configuration, error) {
	s.mu.Lock()
	relayForced := s.relayForced
	s.mu.Unlock()

	var (
		config iceconfig.Config
		err    error
	)
	if relayForced {
		config, err = s.strategy.ForceRefresh(ctx, s.class)
	} else {
		config, err = s.strategy.GetConfig(ctx, s.class)
	}
	if err != nil {
		return webrtc.Configuration{}, err
	}
	return config.WebRTC(), nil
}

// signalOffer performs the vanilla-ICE offer side: gather everything,
// publish once, poll for the answer. Every wait is registered in the
// registry, so establishment or permanent failure cancels it. Errors
// never escape this goroutine — they become negotiation-failure
// events for the classifier.
func (s *Session) signalOffer(ctx context.Context, pc *webrtc.PeerConnection) {
	signalingDone := s.attempt.Begin("SDP signaling")

	err := s.runOfferSignaling(ctx, pc)
	if err == nil {
		signalingDone(true, nil)
		return
	}
	signalingDone(false, err)

	if errors.Is(err, errSignalingAbandoned) {
		// The gate flipped or the attempt was cancelled mid-signaling;
		// nothing to report.
		s.logger.Debug("signaling abandoned", "reason", err)
		return
	}
	s.logger.Error("signaling failed", "error", err)
	s.monitor.ReportNegotiationState("failed")
}

// errSignalingAbandoned marks signaling cut short by cancellation
// rather than failure.
var errSignalingAbandoned = errors.New("signaling abandoned")

func (s *Session) runOfferSignaling(ctx context.Context, pc *webrtc.PeerConnection) error {
	// An abort handle covers the whole signaling exchange: mass
	// cancellation (gate flip or permanent-failure reset) aborts it.
	handle, ok := s.registry.RegisterAbortHandle("SDP signaling for " + s.peerID)
	if !ok {
		return errSignalingAbandoned
	}
	defer handle.Abort()

	// The negotiation needs at least one media section. The remote
	// browser replaces this with its real media; the trigger channel
	// itself carries nothing.
	if _, err := pc.CreateDataChannel("setup", nil); err != nil {
		return fmt.Errorf("creating setup data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Vanilla ICE: wait for gathering to finish before publishing.
	// The cascade's overall deadline bounds this wait by forcing a
	// permanent classification, which aborts the handle.
	select {
	case <-gatherComplete:
	case <-handle.Done():
		return errSignalingAbandoned
	case <-ctx.Done():
		return errSignalingAbandoned
	}

	sessionID := s.attempt.ID().String()
	message := SignalMessage{
		SessionID: sessionID,
		SDP:       pc.LocalDescription().SDP,
	}

	// Publishing is a network call: track it as a probe so the
	// registry knows about it, even though it cannot be cancelled.
	published, ok := s.registry.RegisterProbe(func() error {
		return s.signaler.PublishOffer(ctx, s.localID, s.peerID, message)
	}, "publish SDP offer")
	if !ok {
		return errSignalingAbandoned
	}
	select {
	case err := <-published:
		if err != nil {
			return fmt.Errorf("publishing SDP offer: %w", err)
		}
	case <-handle.Done():
		return errSignalingAbandoned
	}
	s.logger.Info("SDP offer published")

	answerSDP, err := s.waitForAnswer(ctx, handle, sessionID)
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	s.logger.Info("SDP answer applied, ICE connectivity checks running")
	return nil
}

// waitForAnswer polls the signaler until an answer for this attempt
// arrives, the abort handle fires, or the outer timeout lapses.
func (s *Session) waitForAnswer(ctx context.Context, handle *lifecycle.AbortHandle, sessionID string) (string, error) {
	deadline := s.clock.After(answerTimeout)
	ticker := s.clock.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("no SDP answer within %s", answerTimeout)
		case <-handle.Done():
			return "", errSignalingAbandoned
		case <-ctx.Done():
			return "", errSignalingAbandoned
		case <-ticker.C:
			answers, err := s.signaler.PollAnswers(ctx, s.localID)
			if err != nil {
				s.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.SessionID == sessionID {
					return answer.SDP, nil
				}
			}
		}
	}
}

// OnParallelGatheringComplete implements lifecycle.CascadeObserver.
// The all-paths gathering window closed; gathering continues, the
// remaining stages steer policy.
func (s *Session) OnParallelGatheringComplete() {
	s.logger.Info("parallel gathering window closed")
}

// OnTURNFallback implements lifecycle.CascadeObserver.
func (s *Session) OnTURNFallback() {
	s.logger.Info("preferring relay candidates")
}

// OnTURNRelayForced implements lifecycle.CascadeObserver. The class
// preference switches to relay-only so any subsequent synthesis —
// most importantly the recovery attempt's — stops offering direct
// paths that have demonstrably not worked.
func (s *Session) OnTURNRelayForced() {
	s.mu.Lock()
	if s.relayForced {
		s.mu.Unlock()
		return
	}
	s.relayForced = true
	s.mu.Unlock()

	preference := s.strategy.Preference(s.class)
	preference.TransportPolicy = webrtc.ICETransportPolicyRelay
	s.strategy.SetPreference(s.class, preference)
	s.logger.Warn("relay-only transport forced")
}

// OnGatheringTimeout implements lifecycle.CascadeObserver. The overall
// budget is spent: report the attempt dead and let the classifier run
// the permanent-failure path.
func (s *Session) OnGatheringTimeout() {
	s.logger.Warn("overall gathering deadline exhausted")
	s.monitor.ReportNegotiationState("failed")
}

func (s *Session) closePeerConnection() error {
	s.mu.Lock()
	pc := s.pc
	s.pc = nil
	s.mu.Unlock()

	if pc == nil {
		return nil
	}
	// Detach state handlers before closing: the close fires "closed"
	// events that must not reach the monitor as observations of the
	// next attempt.
	pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	if err := pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

// newPeerConnection creates a pion PeerConnection. Loopback candidates
// are enabled so same-machine sessions (tests, local demos) work where
// loopback is the only interface.
func (s *Session) newPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
