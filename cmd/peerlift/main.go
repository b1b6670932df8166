// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// peerlift establishes a peer-to-peer media connection through a
// websocket signaling server.
//
// Two modes of operation:
//
// Offer mode (default): synthesizes an ICE configuration for the
// requested network class, publishes an offer to --peer, and drives
// the connection attempt through the staged timeout cascade, with one
// relay-only recovery attempt on permanent failure.
//
// Respond mode (--respond): waits for an incoming offer, answers it,
// and exits once the answer is published.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/peerlift/peerlift/iceconfig"
	"github.com/peerlift/peerlift/lib/clock"
	"github.com/peerlift/peerlift/lib/config"
	"github.com/peerlift/peerlift/lifecycle"
	"github.com/peerlift/peerlift/netclass"
	"github.com/peerlift/peerlift/transport"
	"github.com/pion/webrtc/v4"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "peerlift: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var peerID string
	var classFlag string
	var respond bool
	var logLevel string

	flagSet := pflag.NewFlagSet("peerlift", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to peerlift.yaml (overrides PEERLIFT_CONFIG)")
	flagSet.StringVar(&peerID, "peer", "", "remote peer identifier to connect to")
	flagSet.StringVar(&classFlag, "network-class", "", "network class: mobile, wifi, or unknown (default: unknown)")
	flagSet.BoolVar(&respond, "respond", false, "answer incoming offers instead of initiating")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if !respond && peerID == "" {
		return fmt.Errorf("--peer is required (or use --respond to answer incoming offers)")
	}

	class := netclass.Parse(classFlag)
	strategy := buildStrategy(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go strategy.RunSweeper(ctx)

	signaler, err := transport.DialWebSocketSignaler(ctx, cfg.Signaling.URL, cfg.Signaling.LocalID, logger)
	if err != nil {
		return fmt.Errorf("connecting to signaling server: %w", err)
	}
	defer signaler.Close()

	if respond {
		return runResponder(ctx, cfg, strategy, signaler, class, logger)
	}
	return runOfferer(ctx, cfg, strategy, signaler, class, peerID, logger)
}

func runOfferer(ctx context.Context, cfg *config.Config, strategy *iceconfig.Strategy, signaler transport.Signaler, class netclass.Class, peerID string, logger *slog.Logger) error {
	session := transport.NewSession(transport.SessionOptions{
		LocalID:   cfg.Signaling.LocalID,
		PeerID:    peerID,
		Class:     class,
		Deadlines: deadlineOverride(cfg, class),
		Strategy:  strategy,
		Signaler:  signaler,
		Logger:    logger,
	})
	defer session.Close()

	err := session.Establish(ctx)
	for _, step := range session.Attempt().Steps() {
		attrs := []any{
			"attempt", session.Attempt().ID().String(),
			"step", step.Name,
			"duration", step.EndedAt.Sub(step.StartedAt),
			"success", step.Success,
		}
		if step.Err != "" {
			attrs = append(attrs, "error", step.Err)
		}
		logger.Info("attempt step", attrs...)
	}
	if err != nil {
		return fmt.Errorf("establishing connection to %s: %w", peerID, err)
	}
	logger.Info("connection established", "peer", peerID)

	<-ctx.Done()
	return nil
}

func runResponder(ctx context.Context, cfg *config.Config, strategy *iceconfig.Strategy, signaler transport.Signaler, class netclass.Class, logger *slog.Logger) error {
	iceConfig, err := strategy.GetConfig(ctx, class)
	if err != nil {
		return fmt.Errorf("synthesizing ICE configuration: %w", err)
	}

	pc, err := transport.Respond(ctx, signaler, cfg.Signaling.LocalID, iceConfig.WebRTC(), logger)
	if err != nil {
		return fmt.Errorf("answering offer: %w", err)
	}
	defer pc.Close()

	logger.Info("answer published, holding connection open")
	<-ctx.Done()
	return nil
}

// buildStrategy wires the config file's server inventory and per-class
// preferences into an ICE configuration strategy.
func buildStrategy(cfg *config.Config, logger *slog.Logger) *iceconfig.Strategy {
	relays := make([]iceconfig.RelayServer, 0, len(cfg.ICE.Relays))
	for _, relay := range cfg.ICE.Relays {
		relays = append(relays, iceconfig.RelayServer{ID: relay.ID, URLs: relay.URLs})
	}

	strategy := iceconfig.NewStrategy(iceconfig.Options{
		STUNURLs: cfg.ICE.STUNURLs,
		Relays:   relays,
		Issuer:   newRelayIssuer(cfg.ICE),
		Clock:    clock.Real(),
		Logger:   logger,
	})

	for name, classConfig := range cfg.Classes {
		class := netclass.Parse(name)
		preference := iceconfig.DefaultPreference(class)
		if classConfig.CandidatePoolSize > 0 {
			preference.CandidatePoolSize = classConfig.CandidatePoolSize
		}
		switch classConfig.TransportPolicy {
		case "all":
			preference.TransportPolicy = webrtc.ICETransportPolicyAll
		case "relay-only":
			preference.TransportPolicy = webrtc.ICETransportPolicyRelay
		}
		strategy.SetPreference(class, preference)
	}
	return strategy
}

// deadlineOverride maps a config-file cascade override for the class,
// if any, into a deadline profile.
func deadlineOverride(cfg *config.Config, class netclass.Class) *lifecycle.DeadlineProfile {
	classConfig, ok := cfg.Classes[class.String()]
	if !ok || classConfig.Deadlines == nil {
		return nil
	}
	d := classConfig.Deadlines
	return &lifecycle.DeadlineProfile{
		ParallelGathering: d.ParallelGathering,
		TURNFallback:      d.TURNFallback,
		TURNRelayForce:    d.TURNRelayForce,
		Overall:           d.Overall,
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(handler), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Peerlift — peer-to-peer connection establishment.

Connects to the signaling server named in the config file and either
initiates a connection to --peer (default) or answers incoming offers
(--respond). Configuration comes from the file named by --config or
the PEERLIFT_CONFIG environment variable.

Usage:
  peerlift --peer <id> [--network-class mobile|wifi|unknown]
  peerlift --respond

Flags:
%s`, flagSet.FlagUsages())
}
