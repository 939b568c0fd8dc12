// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestVendOverEachTransport(t *testing.T) {
	dir, err := os.MkdirTemp("", "dobj")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	tests := []struct {
		name string
		ep   Endpoint
	}{
		{"tcp", TCPEndpoint("127.0.0.1:0")},
		{"unix", UnixEndpoint(filepath.Join(dir, "dir.sock"))},
		{"ws", Endpoint("ws://127.0.0.1:0/dobj")},
		{"grpc", Endpoint("grpc://127.0.0.1:0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			reg := NewMemoryRegistry()
			srv, err := Vend(ctx, "Directory", newDirectory(),
				WithServerRegistry(reg),
				WithListenEndpoint(tt.ep),
				WithConnOptions(WithLoop(NewLoop())),
			)
			if err != nil {
				t.Fatalf("Vend: %v", err)
			}
			defer srv.Close()
			assert.Equal(t, srv.Endpoint().Scheme(), tt.name)

			dir, err := Lookup(ctx, "Directory", WithRegistry(reg), WithLoop(NewLoop()))
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			defer dir.Connection().Close()

			var number string
			if err := dir.Call(ctx, "Lookup", &number, "Jack"); err != nil {
				t.Fatalf("Call: %v", err)
			}
			assert.Equal(t, number, "0123456")

			var n int
			if err := dir.Call(ctx, "Callback", &n, ByRef(&Counter{v: 4})); err != nil {
				t.Fatalf("Callback: %v", err)
			}
			assert.Equal(t, n, 8)

			if err := srv.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			select {
			case <-dir.Connection().Done():
			case <-time.After(2 * time.Second):
				t.Fatal("client connection survived server close")
			}
			assert.Equal(t, errors.Is(dir.Connection().Err(), ErrConnectionClosed), true)
		})
	}
}

func TestUnixSocketInUse(t *testing.T) {
	dir := t.TempDir()
	ep := UnixEndpoint(filepath.Join(dir, "busy.sock"))

	ln, err := ListenTransport(ep)
	if err != nil {
		t.Fatalf("ListenTransport: %v", err)
	}
	defer ln.Close()

	_, err = ListenTransport(ep)
	assert.Equal(t, errors.Is(err, ErrAddressInUse), true)

	_, err = Vend(context.Background(), "busy", newDirectory(),
		WithServerRegistry(NewMemoryRegistry()),
		WithListenEndpoint(ep),
	)
	assert.Equal(t, errors.Is(err, ErrNameTaken), true)
}

func TestUnixStaleSocketReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ln, err := ListenTransport(UnixEndpoint(path))
	if err != nil {
		t.Fatalf("ListenTransport over a stale socket: %v", err)
	}
	ln.Close()
}
