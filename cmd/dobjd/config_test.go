// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/luxfi/dobj/discovery"
)

func TestLoadDaemonConfig(t *testing.T) {
	cfg, err := loadDaemonConfig("")
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	assert.Equal(t, cfg.Listen, ":7464")
	assert.Equal(t, cfg.LeaseTTL, discovery.DefaultLeaseTTL)

	path := filepath.Join(t.TempDir(), "dobjd.toml")
	body := "listen = \"127.0.0.1:9000\"\nlease_ttl = \"1m\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err = loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	assert.Equal(t, cfg.Listen, "127.0.0.1:9000")
	assert.Equal(t, cfg.LeaseTTL, time.Minute)
	assert.Equal(t, cfg.LogLevel, "info")

	if err := os.WriteFile(path, []byte("lease_ttl = \"whenever\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err = loadDaemonConfig(path)
	assert.NotEqual(t, err, nil)
}
