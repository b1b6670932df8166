// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package netclass defines the coarse network classification used to
// select ICE transport policy and timeout profiles.
//
// Classification itself is an external concern: a connectivity probe,
// the browser's network information API, or operator configuration
// decides which class a client is on and passes it in. This package
// only defines the vocabulary. Custom classes (named operator
// profiles) are permitted; components that key behavior by class fall
// back to Unknown defaults for classes they have no entry for.
package netclass

import "strings"

// Class is a coarse network categorization.
type Class string

const (
	// Mobile is a cellular connection: carrier-grade NAT is likely,
	// so relay-only transport and tight deadlines apply.
	Mobile Class = "mobile"

	// Wifi is a residential or office network where direct and
	// reflexive paths usually work.
	Wifi Class = "wifi"

	// Unknown is the default when no classification is available.
	Unknown Class = "unknown"
)

// Parse normalizes a class string. Empty input maps to Unknown; any
// other value is preserved as a custom class name.
func Parse(s string) Class {
	normalized := Class(strings.ToLower(strings.TrimSpace(s)))
	if normalized == "" {
		return Unknown
	}
	return normalized
}

// IsCustom reports whether c is an operator-defined profile rather
// than one of the built-in classes.
func (c Class) IsCustom() bool {
	switch c {
	case Mobile, Wifi, Unknown:
		return false
	}
	return true
}

func (c Class) String() string { return string(c) }
