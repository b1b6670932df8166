// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/peerlift/peerlift/iceconfig"
	"github.com/peerlift/peerlift/lib/config"
)

// relayIssuer serves per-relay static credentials from the config
// file. Unlike iceconfig.StaticIssuer, which applies one credential to
// every relay, each relay entry carries its own username and password.
type relayIssuer struct {
	// credentials maps relay ID to its config entry.
	credentials map[string]config.RelayConfig
	ttl         time.Duration
	now         func() time.Time
}

func newRelayIssuer(ice config.ICEConfig) *relayIssuer {
	ttl := ice.CredentialTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	credentials := make(map[string]config.RelayConfig, len(ice.Relays))
	for _, relay := range ice.Relays {
		credentials[relay.ID] = relay
	}
	return &relayIssuer{credentials: credentials, ttl: ttl, now: time.Now}
}

func (r *relayIssuer) Issue(_ context.Context, server iceconfig.RelayServer) (iceconfig.Credential, error) {
	relay, ok := r.credentials[server.ID]
	if !ok || relay.Username == "" {
		return iceconfig.Credential{}, fmt.Errorf("no credential configured for relay %q", server.ID)
	}
	return iceconfig.Credential{
		ServerID:  server.ID,
		Username:  relay.Username,
		Password:  relay.Password,
		ExpiresAt: r.now().Add(r.ttl),
	}, nil
}
