// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Peerlift
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - PEERLIFT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Peerlift.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Signaling configures the signaling server connection.
	Signaling SignalingConfig `yaml:"signaling"`

	// ICE configures STUN and TURN servers.
	ICE ICEConfig `yaml:"ice"`

	// Classes holds per-network-class overrides keyed by class name
	// (mobile, wifi, unknown, or a custom profile name).
	Classes map[string]ClassConfig `yaml:"classes,omitempty"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Signaling *SignalingConfig `yaml:"signaling,omitempty"`
	ICE       *ICEConfig       `yaml:"ice,omitempty"`
}

// SignalingConfig configures the websocket signaling client.
type SignalingConfig struct {
	// URL is the signaling server websocket endpoint
	// (e.g. "wss://signal.example.org/v1/connect").
	URL string `yaml:"url"`

	// LocalID identifies this client in signaling.
	LocalID string `yaml:"local_id"`
}

// ICEConfig configures candidate-gathering servers.
type ICEConfig struct {
	// STUNURLs is the always-on reflexive server set.
	STUNURLs []string `yaml:"stun_urls"`

	// Relays lists the TURN servers.
	Relays []RelayConfig `yaml:"relays"`

	// CredentialTTL bounds static credential validity. Default 24h.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// RelayConfig is one TURN server with static credentials. Deployments
// using an issuing endpoint leave Username/Password empty and wire
// their own issuer.
type RelayConfig struct {
	ID       string   `yaml:"id"`
	URLs     []string `yaml:"urls"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
}

// ClassConfig overrides synthesis defaults and cascade deadlines for
// one network class. Zero fields keep the built-in defaults.
type ClassConfig struct {
	// CandidatePoolSize pre-gathers candidates before negotiation.
	CandidatePoolSize uint8 `yaml:"candidate_pool_size,omitempty"`

	// TransportPolicy is "all" or "relay-only".
	TransportPolicy string `yaml:"transport_policy,omitempty"`

	// Deadlines overrides the timeout cascade for this class.
	Deadlines *DeadlineConfig `yaml:"deadlines,omitempty"`
}

// DeadlineConfig is the staged timeout cascade for one class. All four
// values must be set together and honor
// parallel_gathering < turn_fallback <= turn_relay_force < overall.
type DeadlineConfig struct {
	ParallelGathering time.Duration `yaml:"parallel_gathering"`
	TURNFallback      time.Duration `yaml:"turn_fallback"`
	TURNRelayForce    time.Duration `yaml:"turn_relay_force"`
	Overall           time.Duration `yaml:"overall"`
}

// Load loads configuration from the PEERLIFT_CONFIG environment
// variable. There are no fallbacks: if PEERLIFT_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("PEERLIFT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PEERLIFT_CONFIG environment variable not set; " +
			"set it to the path of your peerlift.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// active environment's overrides, and validates the result. The config
// file is the single source of truth; environment variables do not
// override individual values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	config := &Config{Environment: Development}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	config.applyOverrides()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// applyOverrides merges the active environment's section into the base
// config.
func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.Signaling != nil {
		c.Signaling = *overrides.Signaling
	}
	if overrides.ICE != nil {
		c.ICE = *overrides.ICE
	}
}

// Validate checks structural requirements. Per-class deadline ordering
// is validated here so a bad cascade profile fails at load time, not
// at arm time.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required")
	}
	if c.Signaling.LocalID == "" {
		return fmt.Errorf("signaling.local_id is required")
	}

	for index, relay := range c.ICE.Relays {
		if relay.ID == "" {
			return fmt.Errorf("ice.relays[%d]: id is required", index)
		}
		if len(relay.URLs) == 0 {
			return fmt.Errorf("ice.relays[%d] (%s): at least one URL is required", index, relay.ID)
		}
	}

	for name, class := range c.Classes {
		if err := class.validate(); err != nil {
			return fmt.Errorf("classes.%s: %w", name, err)
		}
	}
	return nil
}

func (c ClassConfig) validate() error {
	switch c.TransportPolicy {
	case "", "all", "relay-only":
	default:
		return fmt.Errorf("transport_policy must be \"all\" or \"relay-only\", got %q", c.TransportPolicy)
	}

	if c.Deadlines == nil {
		return nil
	}
	d := *c.Deadlines
	if d.ParallelGathering <= 0 || d.TURNFallback <= 0 || d.TURNRelayForce <= 0 || d.Overall <= 0 {
		return fmt.Errorf("deadlines must all be positive")
	}
	if !(d.ParallelGathering < d.TURNFallback && d.TURNFallback <= d.TURNRelayForce && d.TURNRelayForce < d.Overall) {
		return fmt.Errorf("deadlines must satisfy parallel_gathering < turn_fallback <= turn_relay_force < overall")
	}
	return nil
}
