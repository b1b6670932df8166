// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package iceconfig

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlift/peerlift/lib/clock"
	"github.com/peerlift/peerlift/netclass"
)

// sweepInterval is how often RunSweeper evicts expired cache entries
// and credentials.
const sweepInterval = 5 * time.Minute

// Strategy synthesizes and caches per-class ICE configurations. Safe
// for concurrent use; the config and credential caches are shared
// across connection attempts.
type Strategy struct {
	stunURLs []string
	relays   []RelayServer
	issuer   CredentialIssuer
	clock    clock.Clock
	logger   *slog.Logger

	configs     *configCache
	credentials *credentialCache

	mu          sync.RWMutex
	preferences map[netclass.Class]Preference
}

// Options configures a Strategy.
type Options struct {
	// STUNURLs is the always-on reflexive server set (e.g.
	// "stun:stun.example.org:3478"). May be empty on closed networks
	// where only relay paths exist.
	STUNURLs []string

	// Relays lists the TURN servers available for relay candidates.
	Relays []RelayServer

	// Issuer obtains TURN credentials. Required when Relays is
	// non-empty.
	Issuer CredentialIssuer

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewStrategy creates a Strategy.
func NewStrategy(options Options) *Strategy {
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{
		stunURLs:    options.STUNURLs,
		relays:      options.Relays,
		issuer:      options.Issuer,
		clock:       clk,
		logger:      logger,
		configs:     newConfigCache(clk),
		credentials: newCredentialCache(clk),
		preferences: make(map[netclass.Class]Preference),
	}
}

// GetConfig returns the ICE configuration for a network class: the
// cached entry when it is fresh and healthy, otherwise a freshly
// synthesized one that is stored for subsequent calls.
func (s *Strategy) GetConfig(ctx context.Context, class netclass.Class) (Config, error) {
	if entry, ok := s.configs.lookup(class); ok {
		s.logger.Debug("ICE config cache hit",
			"class", class.String(),
			"uses", entry.uses,
		)
		return entry.config, nil
	}

	config, err := s.synthesize(ctx, class)
	if err != nil {
		return Config{}, err
	}
	s.configs.store(class, config)
	return config, nil
}

// ForceRefresh bypasses and replaces the cache unconditionally. Used
// for explicit relay-forcing, where a stale cached policy must not
// win.
func (s *Strategy) ForceRefresh(ctx context.Context, class netclass.Class) (Config, error) {
	s.configs.evict(class)
	config, err := s.synthesize(ctx, class)
	if err != nil {
		return Config{}, err
	}
	s.configs.store(class, config)
	return config, nil
}

// ReportOutcome feeds one connection attempt's result back into the
// cache. A weighted success rate below the floor (after the minimum
// sample count) evicts the class entry immediately, forcing
// resynthesis on the next GetConfig.
func (s *Strategy) ReportOutcome(class netclass.Class, success bool, connectTime time.Duration) {
	if evicted := s.configs.reportOutcome(class, success, connectTime); evicted {
		s.logger.Info("ICE config evicted for poor success rate",
			"class", class.String(),
		)
	}
}

// SetPreference installs an explicit per-class override. The matching
// cache entry is evicted first, always: the cache and the preference
// must never disagree.
func (s *Strategy) SetPreference(class netclass.Class, preference Preference) {
	s.configs.evict(class)

	s.mu.Lock()
	s.preferences[class] = preference
	s.mu.Unlock()

	s.logger.Info("network preference set",
		"class", class.String(),
		"policy", preference.TransportPolicy.String(),
		"poolSize", preference.CandidatePoolSize,
	)
}

// Preference returns the effective preference for a class.
func (s *Strategy) Preference(class netclass.Class) Preference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if preference, ok := s.preferences[class]; ok {
		return preference
	}
	return DefaultPreference(class)
}

// CachedClasses returns how many class entries are currently live.
func (s *Strategy) CachedClasses() int { return s.configs.len() }

// HasCached reports whether the class has a live cache entry.
func (s *Strategy) HasCached(class netclass.Class) bool { return s.configs.has(class) }

// RunSweeper evicts expired config entries and credentials on a fixed
// interval until ctx is cancelled.
func (s *Strategy) RunSweeper(ctx context.Context) {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			configs := s.configs.evictExpired()
			credentials := s.credentials.evictExpired()
			if configs > 0 || credentials > 0 {
				s.logger.Debug("cache sweep",
					"configsEvicted", configs,
					"credentialsEvicted", credentials,
				)
			}
		}
	}
}

// synthesize builds a fresh config for the class: the STUN set, the
// relay set with reused-or-issued credentials, and the class
// preference merged together.
func (s *Strategy) synthesize(ctx context.Context, class netclass.Class) (Config, error) {
	preference := s.Preference(class)

	config := Config{
		TransportPolicy:   preference.TransportPolicy,
		BundlePolicy:      preference.BundlePolicy,
		CandidatePoolSize: preference.CandidatePoolSize,
	}

	if len(s.stunURLs) > 0 {
		config.ReflexiveServers = []webrtc.ICEServer{{URLs: s.stunURLs}}
	}

	for _, relay := range s.relays {
		credential, ok := s.credentials.get(relay.ID)
		if !ok {
			issued, err := s.issuer.Issue(ctx, relay)
			if err != nil {
				s.logger.Warn("relay credential issuance failed",
					"relay", relay.ID,
					"error", err,
				)
				continue
			}
			s.credentials.put(issued)
			credential = issued
		}
		config.RelayServers = append(config.RelayServers, webrtc.ICEServer{
			URLs:       relay.URLs,
			Username:   credential.Username,
			Credential: credential.Password,
		})
	}

	if config.TransportPolicy == webrtc.ICETransportPolicyRelay && len(config.RelayServers) == 0 {
		return Config{}, &ConfigurationError{
			Class:  class,
			Reason: "transport policy is relay-only but no relay path is available",
		}
	}

	s.logger.Info("ICE config synthesized",
		"class", class.String(),
		"relayServers", len(config.RelayServers),
		"policy", config.TransportPolicy.String(),
		"poolSize", config.CandidatePoolSize,
	)
	return config, nil
}
