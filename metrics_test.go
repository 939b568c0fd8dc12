// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInvocationMetrics(t *testing.T) {
	count := func(c prometheus.Collector) float64 { return testutil.ToFloat64(c) }
	outCall := invocations.WithLabelValues("out", "call", "ok")
	outNotify := invocations.WithLabelValues("out", "notify", "ok")
	inCall := invocations.WithLabelValues("in", "call", "ok")
	inNotify := invocations.WithLabelValues("in", "notify", "ok")

	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	// both ends of the connection live in this process
	assert.Equal(t, count(connections) >= 2, true)

	beforeOutCall, beforeInCall := count(outCall), count(inCall)
	beforeOutNotify, beforeInNotify := count(outNotify), count(inNotify)

	var number string
	if err := dir.Call(ctx, "Lookup", &number, "Jack"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := dir.Notify(ctx, "Touch"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	assert.Equal(t, count(outCall), beforeOutCall+1)
	assert.Equal(t, count(outNotify), beforeOutNotify+1)
	// the reply is written after the inbound call is recorded
	assert.Equal(t, count(inCall) >= beforeInCall+1, true)
	waitFor(t, func() bool { return count(inNotify) >= beforeInNotify+1 })

	remote := invocations.WithLabelValues("out", "call", "remote_error")
	beforeRemote := count(remote)
	err := dir.Call(ctx, "Lookup", &number, "nobody")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, count(remote), beforeRemote+1)

	assert.Equal(t, testutil.CollectAndCount(invocationDuration) >= 4, true)
	assert.Equal(t, testutil.CollectAndCount(connections), 1)
}
