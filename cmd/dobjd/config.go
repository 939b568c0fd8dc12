// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/luxfi/dobj/discovery"
)

type daemonConfig struct {
	Listen   string
	LeaseTTL time.Duration
	LogLevel string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Listen:   net.JoinHostPort("", strconv.Itoa(discovery.DefaultPort)),
		LeaseTTL: discovery.DefaultLeaseTTL,
		LogLevel: "info",
	}
}

type fileConfig struct {
	Listen   string `toml:"listen"`
	LeaseTTL string `toml:"lease_ttl"`
	LogLevel string `toml:"log_level"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load dobjd config: %w", err)
	}

	if meta.IsDefined("listen") {
		if listen := strings.TrimSpace(raw.Listen); listen != "" {
			cfg.Listen = listen
		}
	}
	if meta.IsDefined("lease_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.LeaseTTL))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse lease_ttl: %w", err)
		}
		cfg.LeaseTTL = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return cfg, nil
}
