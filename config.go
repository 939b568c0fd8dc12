// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/luxfi/dobj/discovery"
)

// Registry scopes accepted by Config.Scope
const (
	ScopeLocal   = "local"
	ScopeNetwork = "network"
)

// EnvLogLevel overrides Config.LogLevel
const EnvLogLevel = "DOBJ_LOG_LEVEL"

// Config is the file form of the knobs a process using dobj usually wants
// to set. Zero values mean the package defaults.
type Config struct {
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     int
	Scope            string
	RegistryDir      string
	DiscoveryHosts   []string
	WildcardPolicy   WildcardPolicy
	LeaseTTL         time.Duration
	LogLevel         string
}

// DefaultConfig returns the package defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:      DefaultCallTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxFrameSize:     DefaultMaxFrameSize,
		Scope:            ScopeLocal,
		RegistryDir:      DefaultRegistryDir(),
		WildcardPolicy:   FirstResponder,
		LeaseTTL:         discovery.DefaultLeaseTTL,
		LogLevel:         "info",
	}
}

type fileConfig struct {
	CallTimeout      string   `toml:"call_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	MaxFrameSize     int      `toml:"max_frame_size"`
	Scope            string   `toml:"scope"`
	RegistryDir      string   `toml:"registry_dir"`
	DiscoveryHosts   []string `toml:"discovery_hosts"`
	WildcardPolicy   string   `toml:"wildcard_policy"`
	LeaseTTL         string   `toml:"lease_ttl"`
	LogLevel         string   `toml:"log_level"`
}

// LoadConfig reads a TOML file over DefaultConfig. Keys left out keep their
// defaults. An empty path loads nothing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load dobj config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load dobj config: unknown key %q", undecoded[0].String())
		}

		if meta.IsDefined("call_timeout") {
			if cfg.CallTimeout, err = parseDuration("call_timeout", raw.CallTimeout); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("handshake_timeout") {
			if cfg.HandshakeTimeout, err = parseDuration("handshake_timeout", raw.HandshakeTimeout); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("max_frame_size") {
			if raw.MaxFrameSize <= 0 {
				return Config{}, fmt.Errorf("max_frame_size must be positive")
			}
			cfg.MaxFrameSize = raw.MaxFrameSize
		}
		if meta.IsDefined("scope") {
			cfg.Scope = strings.ToLower(strings.TrimSpace(raw.Scope))
		}
		if meta.IsDefined("registry_dir") {
			cfg.RegistryDir = strings.TrimSpace(raw.RegistryDir)
		}
		if meta.IsDefined("discovery_hosts") {
			cfg.DiscoveryHosts = normalizeHosts(raw.DiscoveryHosts)
		}
		if meta.IsDefined("wildcard_policy") {
			if cfg.WildcardPolicy, err = ParseWildcardPolicy(raw.WildcardPolicy); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("lease_ttl") {
			if cfg.LeaseTTL, err = parseDuration("lease_ttl", raw.LeaseTTL); err != nil {
				return Config{}, err
			}
		}
		if meta.IsDefined("log_level") {
			cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
		}
	}

	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cfg.Scope != ScopeLocal && cfg.Scope != ScopeNetwork {
		return Config{}, fmt.Errorf("scope must be %q or %q, got %q", ScopeLocal, ScopeNetwork, cfg.Scope)
	}
	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeHosts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		if v := strings.TrimSpace(h); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DialOptions turns the config into connection options
func (c Config) DialOptions() []DialOption {
	return []DialOption{
		WithTimeout(c.CallTimeout),
		WithHandshakeTimeout(c.HandshakeTimeout),
		WithMaxFrameSize(c.MaxFrameSize),
	}
}

// Registry builds the registry the config selects
func (c Config) Registry() (Registry, error) {
	switch c.Scope {
	case ScopeNetwork:
		return NewNetworkRegistry(c.DiscoveryHosts,
			WithWildcardPolicy(c.WildcardPolicy),
			WithLeaseTTL(c.LeaseTTL),
		)
	default:
		return NewLocalRegistry(c.RegistryDir)
	}
}

// ServerOptions turns the config into options for Vend
func (c Config) ServerOptions() ([]ServerOption, error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	return []ServerOption{
		WithServerRegistry(reg),
		WithConnOptions(c.DialOptions()...),
	}, nil
}
