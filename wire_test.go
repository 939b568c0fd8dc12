// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	b := encodeFrame(MsgRequest, 42, []byte(`{"method":"Lookup"}`))
	assert.Equal(t, len(b), frameHeaderLen+19)

	f, err := decodeFrame(b)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	assert.Equal(t, f.typ, MsgRequest)
	assert.Equal(t, f.seq, uint64(42))
	assert.Equal(t, string(f.body), `{"method":"Lookup"}`)

	_, err = decodeFrame(b[:frameHeaderLen-1])
	assert.Equal(t, errors.Is(err, errShortFrame), true)

	f, err = decodeFrame(encodeFrame(MsgGoodbye, 0, nil))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	assert.Equal(t, f.typ, MsgGoodbye)
	assert.Equal(t, len(f.body), 0)
	assert.Equal(t, MessageType(0x7f).String(), "unknown(127)")
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		ep     Endpoint
		scheme string
		host   string
		path   string
	}{
		{TCPEndpoint("127.0.0.1:7000"), "tcp", "127.0.0.1:7000", ""},
		{UnixEndpoint("/run/user/1000/dobj/Directory.sock"), "unix", "", "/run/user/1000/dobj/Directory.sock"},
		{Endpoint("ws://example.com:80/dobj"), "ws", "example.com:80", "/dobj"},
		{Endpoint("grpc://[::1]:9000"), "grpc", "[::1]:9000", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ep.String(), func(t *testing.T) {
			assert.Equal(t, tt.ep.Scheme(), tt.scheme)
			u, err := tt.ep.URL()
			if err != nil {
				t.Fatalf("URL: %v", err)
			}
			assert.Equal(t, u.Host, tt.host)
			assert.Equal(t, u.Path, tt.path)
		})
	}

	assert.Equal(t, Endpoint("no-scheme").Scheme(), "")
	_, err := Endpoint("no-scheme").URL()
	assert.Equal(t, errors.Is(err, ErrUnknownScheme), true)
}

func TestStreamTransportFraming(t *testing.T) {
	a, b := net.Pipe()
	left := newStreamTransport(a, 64)
	right := newStreamTransport(b, 64)
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgs := [][]byte{[]byte("one"), []byte("two"), encodeFrame(MsgNotify, 0, []byte("three"))}
	go func() {
		for _, m := range msgs {
			if err := left.Send(ctx, m); err != nil {
				return
			}
		}
	}()
	for _, want := range msgs {
		got, err := right.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		assert.Equal(t, got, want)
	}

	err := left.Send(ctx, make([]byte, 65))
	assert.Equal(t, errors.Is(err, ErrFrameTooLarge), true)
}

func TestStreamTransportClosed(t *testing.T) {
	a, b := net.Pipe()
	left := newStreamTransport(a, 0)
	right := newStreamTransport(b, 0)
	assert.Equal(t, left.maxFrame, DefaultMaxFrameSize)

	errc := make(chan error, 1)
	go func() {
		_, err := right.Recv(context.Background())
		errc <- err
	}()
	left.Close()

	select {
	case err := <-errc:
		assert.Equal(t, errors.Is(err, ErrConnectionClosed), true)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock")
	}
	assert.Equal(t, errors.Is(left.Send(context.Background(), []byte("x")), ErrConnectionClosed), true)
	right.Close()
}

func TestStreamTransportRejectsOversizedHeader(t *testing.T) {
	a, b := net.Pipe()
	right := newStreamTransport(b, 16)
	defer a.Close()
	defer right.Close()

	go a.Write([]byte{0, 0, 1, 0})
	_, err := right.Recv(context.Background())
	assert.Equal(t, errors.Is(err, ErrFrameTooLarge), true)
}

func TestTransportRegistry(t *testing.T) {
	assert.Equal(t, AvailableTransports(), []string{SchemeGRPC, SchemeTCP, SchemeUnix, SchemeWS})
	assert.Equal(t, HasTransport(SchemeWS), true)
	assert.Equal(t, HasTransport("quic"), false)

	_, err := DialTransport(context.Background(), Endpoint("quic://127.0.0.1:1"))
	assert.Equal(t, errors.Is(err, ErrUnknownScheme), true)
	_, err = ListenTransport(Endpoint("quic://127.0.0.1:1"))
	assert.Equal(t, errors.Is(err, ErrUnknownScheme), true)
}

func TestRawTransportOverTCP(t *testing.T) {
	ln, err := ListenTransport(TCPEndpoint("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("ListenTransport: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan Transport, 1)
	go func() {
		tr, err := ln.Accept(ctx)
		if err == nil {
			accepted <- tr
		}
	}()

	client, err := DialTransport(ctx, ln.Endpoint())
	if err != nil {
		t.Fatalf("DialTransport: %v", err)
	}
	defer client.Close()

	var server Transport
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	if err := client.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	assert.Equal(t, string(got), "ping")
}

func TestHandshakeVersionMismatch(t *testing.T) {
	ln, err := ListenTransport(TCPEndpoint("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("ListenTransport: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		tr, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer tr.Close()
		body, _ := defaultCodec.Encode(hello{Version: ProtocolVersion + 1, ID: "future"})
		tr.Send(ctx, encodeFrame(MsgHello, 0, body))
		tr.Recv(ctx)
	}()

	_, err = Connect(ctx, ln.Endpoint(), WithLoop(NewLoop()))
	assert.Equal(t, errors.Is(err, ErrVersionMismatch), true)
}
