// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package iceconfig

import (
	"sync"
	"time"

	"github.com/peerlift/peerlift/lib/clock"
	"github.com/peerlift/peerlift/netclass"
)

const (
	// configTTL bounds how long a synthesized config may be reused.
	configTTL = 30 * time.Minute

	// rateFloor is the weighted success rate below which an entry is
	// evicted immediately instead of waiting out the TTL.
	rateFloor = 0.25

	// minSamples is how many outcome reports an entry needs before
	// the rate floor applies. A single early failure should not
	// condemn a config.
	minSamples = 3

	// outcomeWeight is the exponential weighting factor for outcome
	// reports: recent outcomes dominate the success rate and the
	// average connect time.
	outcomeWeight = 0.3
)

// cacheEntry is one per-class cached configuration with health
// accounting.
type cacheEntry struct {
	class     netclass.Class
	config    Config
	createdAt time.Time

	attempts         int
	successRate      float64
	averageConnectMs float64
	uses             int
}

// expired reports whether the entry is past the TTL.
func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > configTTL
}

// unhealthy reports whether enough outcomes have accumulated to judge
// the entry and its weighted rate sits below the floor.
func (e *cacheEntry) unhealthy() bool {
	return e.attempts >= minSamples && e.successRate < rateFloor
}

// reportOutcome folds one connection outcome into the entry's
// exponentially weighted statistics.
func (e *cacheEntry) reportOutcome(success bool, connectTime time.Duration) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if e.attempts == 0 {
		e.successRate = outcome
	} else {
		e.successRate = outcomeWeight*outcome + (1-outcomeWeight)*e.successRate
	}
	e.attempts++

	if success && connectTime > 0 {
		connectMs := float64(connectTime.Milliseconds())
		if e.averageConnectMs == 0 {
			e.averageConnectMs = connectMs
		} else {
			e.averageConnectMs = outcomeWeight*connectMs + (1-outcomeWeight)*e.averageConnectMs
		}
	}
}

// configCache holds per-class entries. Shared across attempts and
// network classes: concurrent lookups with occasional store/evict.
type configCache struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[netclass.Class]*cacheEntry
}

func newConfigCache(clk clock.Clock) *configCache {
	return &configCache{
		clock:   clk,
		entries: make(map[netclass.Class]*cacheEntry),
	}
}

// lookup returns a live entry for the class, evicting it lazily if
// expired or unhealthy. Bumps the usage counter on a hit.
func (c *configCache) lookup(class netclass.Class) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[class]
	if !ok {
		return nil, false
	}
	if entry.expired(c.clock.Now()) || entry.unhealthy() {
		delete(c.entries, class)
		return nil, false
	}
	entry.uses++
	return entry, true
}

// store replaces the class's entry with a fresh one.
func (c *configCache) store(class netclass.Class, config Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[class] = &cacheEntry{
		class:     class,
		config:    config,
		createdAt: c.clock.Now(),
	}
}

// evict removes the class's entry. Returns whether one existed.
func (c *configCache) evict(class netclass.Class) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[class]
	delete(c.entries, class)
	return ok
}

// reportOutcome updates the class's entry and evicts it if the update
// pushed it below the health floor. Reports for classes with no live
// entry are dropped.
func (c *configCache) reportOutcome(class netclass.Class, success bool, connectTime time.Duration) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[class]
	if !ok {
		return false
	}
	entry.reportOutcome(success, connectTime)
	if entry.unhealthy() {
		delete(c.entries, class)
		return true
	}
	return false
}

// len returns the number of live entries.
func (c *configCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// has reports whether the class has a live entry, without bumping use.
func (c *configCache) has(class netclass.Class) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[class]
	return ok
}

// evictExpired drops entries past the TTL. Used by the periodic sweep.
func (c *configCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for class, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, class)
			evicted++
		}
	}
	return evicted
}
