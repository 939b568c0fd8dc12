// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"Jack", "42", `{"x":1}`, "not json{"})
	assert.Equal(t, len(args), 4)
	assert.Equal(t, args[0], "Jack")
	assert.Equal(t, args[1], json.RawMessage("42"))
	assert.Equal(t, args[2], json.RawMessage(`{"x":1}`))
	assert.Equal(t, args[3], "not json{")
}
