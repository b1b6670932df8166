// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package iceconfig builds ICE server configurations per network
// class, with caching and outcome-driven eviction.
//
// [Strategy.GetConfig] is the single entry point: it returns a cached
// configuration for the class when one exists, is younger than the
// TTL, and has an acceptable success rate; otherwise it synthesizes a
// fresh one by merging the always-on STUN server set, the TURN relay
// set (reusing cached relay credentials within their validity window,
// issuing new ones through a [CredentialIssuer] otherwise), and the
// class's [Preference] (explicit override or built-in default).
//
// Outcome reports feed back into the cache: an exponentially weighted
// success rate below the floor evicts the entry immediately, forcing
// resynthesis on the next request instead of waiting out the TTL.
// Setting a preference always evicts the matching entry first — the
// cache and the preference are never allowed to disagree.
//
// A relay-only transport policy with zero relay servers available is a
// [ConfigurationError]: fatal to the attempt, surfaced to the caller,
// never silently downgraded to a weaker policy.
package iceconfig
