// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"trace", zerolog.TraceLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		assert.Equal(t, got, tt.want)
	}

	_, err := ParseLevel("loud")
	assert.NotEqual(t, err, nil)
}

func TestConfigure(t *testing.T) {
	saved := log.Logger
	defer func() { log.Logger = saved }()

	logger, err := Configure("test", "error", false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	assert.Equal(t, logger.GetLevel(), zerolog.ErrorLevel)
	assert.Equal(t, log.Logger.GetLevel(), zerolog.ErrorLevel)

	_, err = Configure("test", "loud", true)
	assert.NotEqual(t, err, nil)
}
