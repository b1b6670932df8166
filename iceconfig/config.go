// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package iceconfig

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerlift/peerlift/netclass"
)

// Config is a synthesized ICE configuration for one network class.
type Config struct {
	// ReflexiveServers is the always-on STUN set used to discover
	// server-reflexive candidates.
	ReflexiveServers []webrtc.ICEServer

	// RelayServers is the TURN set, credentials included.
	RelayServers []webrtc.ICEServer

	// TransportPolicy restricts which candidate kinds are used.
	TransportPolicy webrtc.ICETransportPolicy

	// BundlePolicy controls media bundling in the SDP.
	BundlePolicy webrtc.BundlePolicy

	// CandidatePoolSize pre-gathers candidates before negotiation.
	CandidatePoolSize uint8
}

// maxPionCandidatePool is pion's hard limit: NewPeerConnection
// returns NotSupportedError for any pool size above 1.
const maxPionCandidatePool = 1

// WebRTC merges the config into a pion webrtc.Configuration. The
// domain pool size is clamped to pion's limit; the unclamped value
// stays on Config, where preference and cache lookups key off it.
func (c Config) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ReflexiveServers)+len(c.RelayServers))
	servers = append(servers, c.ReflexiveServers...)
	servers = append(servers, c.RelayServers...)
	pool := c.CandidatePoolSize
	if pool > maxPionCandidatePool {
		pool = maxPionCandidatePool
	}
	return webrtc.Configuration{
		ICEServers:           servers,
		ICETransportPolicy:   c.TransportPolicy,
		BundlePolicy:         c.BundlePolicy,
		ICECandidatePoolSize: pool,
	}
}

// Preference is an explicit per-class override of the synthesis
// defaults. Setting one evicts the matching cache entry so cache and
// preference never diverge.
type Preference struct {
	CandidatePoolSize uint8
	TransportPolicy   webrtc.ICETransportPolicy
	BundlePolicy      webrtc.BundlePolicy
}

// DefaultPreference returns the built-in preference for a class:
// mobile pre-gathers a small relay-only pool (carrier-grade NAT makes
// direct paths unlikely and relay setup dominates connect time), wifi
// gathers a larger pool over all paths, unknown and custom classes sit
// in between.
func DefaultPreference(class netclass.Class) Preference {
	switch class {
	case netclass.Mobile:
		return Preference{
			CandidatePoolSize: 3,
			TransportPolicy:   webrtc.ICETransportPolicyRelay,
			BundlePolicy:      webrtc.BundlePolicyBalanced,
		}
	case netclass.Wifi:
		return Preference{
			CandidatePoolSize: 5,
			TransportPolicy:   webrtc.ICETransportPolicyAll,
			BundlePolicy:      webrtc.BundlePolicyBalanced,
		}
	}
	return Preference{
		CandidatePoolSize: 4,
		TransportPolicy:   webrtc.ICETransportPolicyAll,
		BundlePolicy:      webrtc.BundlePolicyBalanced,
	}
}

// ConfigurationError reports that no usable configuration exists for a
// class — typically a relay-only policy with no relay path available.
// Fatal to the attempt; never silently downgraded.
type ConfigurationError struct {
	Class  netclass.Class
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ICE configuration for class %q: %s", e.Class, e.Reason)
}
