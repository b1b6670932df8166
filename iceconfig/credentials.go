// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package iceconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peerlift/peerlift/lib/clock"
)

// RelayServer identifies one TURN server the strategy may use.
// Credentials are issued separately and cached.
type RelayServer struct {
	// ID keys the credential cache (e.g., "turn-eu-1").
	ID string
	// URLs are the server's TURN URIs.
	URLs []string
}

// Credential is a time-limited TURN credential for one relay server.
type Credential struct {
	ServerID string
	Username string
	Password string
	// ExpiresAt bounds the validity window; the cache stops reusing
	// the credential once it passes.
	ExpiresAt time.Time
}

// CredentialIssuer obtains TURN credentials. Production issuers call a
// credential endpoint; tests and static deployments use StaticIssuer.
type CredentialIssuer interface {
	Issue(ctx context.Context, server RelayServer) (Credential, error)
}

// StaticIssuer serves fixed long-lived credentials from configuration.
type StaticIssuer struct {
	// Username and Password apply to every relay server.
	Username string
	Password string
	// TTL bounds each issued credential's validity. Zero means 24h.
	TTL time.Duration

	clock clock.Clock
}

// NewStaticIssuer creates a StaticIssuer stamping expiry from clk.
func NewStaticIssuer(username, password string, ttl time.Duration, clk clock.Clock) *StaticIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StaticIssuer{Username: username, Password: password, TTL: ttl, clock: clk}
}

// Issue returns the static credential stamped with a fresh expiry.
func (s *StaticIssuer) Issue(_ context.Context, server RelayServer) (Credential, error) {
	if s.Username == "" {
		return Credential{}, fmt.Errorf("no static credential configured for relay %q", server.ID)
	}
	return Credential{
		ServerID:  server.ID,
		Username:  s.Username,
		Password:  s.Password,
		ExpiresAt: s.clock.Now().Add(s.TTL),
	}, nil
}

// credentialEntry is one cached TURN credential with reuse accounting.
type credentialEntry struct {
	credential Credential
	reuseCount int
}

// credentialCache reuses relay credentials across network-class
// switches within their validity window, avoiding a re-issue round
// trip on every class change. Safe for concurrent use.
type credentialCache struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]*credentialEntry
}

func newCredentialCache(clk clock.Clock) *credentialCache {
	return &credentialCache{
		clock:   clk,
		entries: make(map[string]*credentialEntry),
	}
}

// get returns a still-valid credential for the server and bumps its
// reuse count. Expired entries are evicted on the spot.
func (c *credentialCache) get(serverID string) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[serverID]
	if !ok {
		return Credential{}, false
	}
	if !entry.credential.ExpiresAt.After(c.clock.Now()) {
		delete(c.entries, serverID)
		return Credential{}, false
	}
	entry.reuseCount++
	return entry.credential, true
}

// put stores a freshly issued credential.
func (c *credentialCache) put(credential Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[credential.ServerID] = &credentialEntry{credential: credential}
}

// reuses returns how many times the server's credential was reused.
func (c *credentialCache) reuses(serverID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.entries[serverID]; ok {
		return entry.reuseCount
	}
	return 0
}

// evictExpired drops credentials past their validity window.
func (c *credentialCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for serverID, entry := range c.entries {
		if !entry.credential.ExpiresAt.After(now) {
			delete(c.entries, serverID)
			evicted++
		}
	}
	return evicted
}
