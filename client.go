// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCallTimeout bounds a synchronous call whose context carries no
	// deadline.
	DefaultCallTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds the hello exchange of a new connection.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Invoker is the generic entry point for calling an object by method name.
// Typed stubs embed an Invoker and implement the remote interface on top of
// it; *Proxy is the remote implementation.
type Invoker interface {
	// Call makes a synchronous invocation and decodes the result into reply
	Call(ctx context.Context, method string, reply any, args ...any) error

	// Notify makes a one-way invocation (no reply is read)
	Notify(ctx context.Context, method string, args ...any) error
}

// Codec encodes/decodes message envelopes
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Transport is the bidirectional channel underneath a Connection.
// Send may be called concurrently; Recv is called by a single reader and
// unblocks with an error once the transport is closed.
type Transport interface {
	io.Closer
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Listener accepts inbound transports for a vended object.
type Listener interface {
	io.Closer
	Accept(ctx context.Context) (Transport, error)
	Endpoint() Endpoint
}

// DialOption configures connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec            Codec
	loop             *Loop
	timeout          time.Duration
	handshakeTimeout time.Duration
	registry         Registry
	logger           zerolog.Logger
	root             any
	maxFrame         int
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:            defaultCodec,
		timeout:          DefaultCallTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           log.Logger.With().Str("component", "dobj").Logger(),
		maxFrame:         DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.loop == nil {
		o.loop = DefaultLoop()
	}
	return o
}

// WithCodec sets the envelope codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithLoop attaches connections to a specific event loop
func WithLoop(l *Loop) DialOption {
	return func(o *dialOptions) { o.loop = l }
}

// WithTimeout sets the default reply timeout of synchronous calls. Zero
// leaves calls bounded only by their context.
func WithTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithHandshakeTimeout bounds the hello exchange
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.handshakeTimeout = d }
}

// WithRegistry sets the registry Lookup resolves names against
func WithRegistry(r Registry) DialOption {
	return func(o *dialOptions) { o.registry = r }
}

// WithLogger sets the connection logger
func WithLogger(l zerolog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithRoot exposes obj as the root object of an outbound connection, so the
// peer can call back without being handed a reference first.
func WithRoot(obj any) DialOption {
	return func(o *dialOptions) { o.root = obj }
}

// WithMaxFrameSize caps the size of a single frame on stream transports
func WithMaxFrameSize(n int) DialOption {
	return func(o *dialOptions) { o.maxFrame = n }
}

// ServerOption configures vended servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	endpoint  Endpoint
	advertise Endpoint
	registry  Registry
	conn      []DialOption
}

// WithListenEndpoint sets where the server listens
func WithListenEndpoint(ep Endpoint) ServerOption {
	return func(o *serverOptions) { o.endpoint = ep }
}

// WithAdvertise sets the endpoint published to the registry when it differs
// from the listen endpoint
func WithAdvertise(ep Endpoint) ServerOption {
	return func(o *serverOptions) { o.advertise = ep }
}

// WithServerRegistry sets the registry the name is vended in
func WithServerRegistry(r Registry) ServerOption {
	return func(o *serverOptions) { o.registry = r }
}

// WithConnOptions applies dial options to every accepted connection
func WithConnOptions(opts ...DialOption) ServerOption {
	return func(o *serverOptions) { o.conn = append(o.conn, opts...) }
}
