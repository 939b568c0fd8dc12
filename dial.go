// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connect dials ep and runs the handshake
func Connect(ctx context.Context, ep Endpoint, opts ...DialOption) (*Connection, error) {
	return connect(ctx, ep, newDialOptions(opts))
}

func connect(ctx context.Context, ep Endpoint, o *dialOptions) (*Connection, error) {
	e, err := lookupTransport(ep)
	if err != nil {
		return nil, err
	}
	t, err := e.dial(ctx, ep, o)
	if err != nil {
		return nil, err
	}
	return newConnection(ctx, t, o, "", ep)
}

// Lookup resolves name, connects to the server holding it and returns a
// proxy for its root object. Names resolve in the registry set with
// WithRegistry, or the local registry.
func Lookup(ctx context.Context, name string, opts ...DialOption) (*Proxy, error) {
	o := newDialOptions(opts)
	reg := o.registry
	if reg == nil {
		local, err := DefaultLocalRegistry()
		if err != nil {
			return nil, err
		}
		reg = local
	}
	ep, err := reg.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := connect(ctx, ep, o)
	if err != nil {
		return nil, fmt.Errorf("dobj: lookup %s: %w", name, err)
	}
	return c.RootProxy(), nil
}

// Server is a vended root object: a listener, the name it is registered
// under, and the connections accepted so far. Every connection exposes the
// same root instance.
type Server struct {
	name     string
	root     any
	registry Registry
	listener Listener
	endpoint Endpoint
	opts     *dialOptions
	log      zerolog.Logger

	mu       sync.Mutex
	conns    map[*Connection]struct{}
	closed   bool
	done     chan struct{}
	stopLoop context.CancelFunc
}

// Vend listens for connections, registers name and exposes root to every
// peer that connects. Registration fails with ErrNameTaken when the name is
// held in the registry's scope. The server runs its loop until Close.
func Vend(ctx context.Context, name string, root any, opts ...ServerOption) (*Server, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	so := &serverOptions{}
	for _, opt := range opts {
		opt(so)
	}
	reg := so.registry
	if reg == nil {
		local, err := DefaultLocalRegistry()
		if err != nil {
			return nil, err
		}
		reg = local
	}
	o := newDialOptions(append(so.conn, WithRoot(root)))

	if rc, ok := reg.(reclaimer); ok {
		if err := rc.reclaim(ctx, name); err != nil {
			return nil, err
		}
	}

	listenAt := so.endpoint
	if listenAt == "" {
		listenAt = listenHint(reg, name)
	}
	e, err := lookupTransport(listenAt)
	if err != nil {
		return nil, err
	}
	ln, err := e.listen(listenAt, o)
	if err != nil {
		if errors.Is(err, ErrAddressInUse) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNameTaken, name, err)
		}
		return nil, err
	}

	advertise := so.advertise
	if advertise == "" {
		advertise = advertised(ln.Endpoint())
	}
	if err := reg.Register(ctx, name, advertise); err != nil {
		ln.Close()
		return nil, err
	}

	s := &Server{
		name:     name,
		root:     root,
		registry: reg,
		listener: ln,
		endpoint: advertise,
		opts:     o,
		log:      o.logger.With().Str("name", name).Logger(),
		conns:    make(map[*Connection]struct{}),
		done:     make(chan struct{}),
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	s.stopLoop = stopLoop
	go o.loop.Run(loopCtx)
	go s.acceptLoop()
	s.log.Info().Str("endpoint", string(advertise)).Msg("vended")
	return s, nil
}

// advertised replaces an unspecified listen host with this host's name
func advertised(ep Endpoint) Endpoint {
	u, err := ep.URL()
	if err != nil || u.Host == "" {
		return ep
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return ep
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return ep
	}
	hostname, err := os.Hostname()
	if err != nil {
		return ep
	}
	u.Host = net.JoinHostPort(hostname, port)
	return Endpoint(u.String())
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	for {
		t, err := s.listener.Accept(context.Background())
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		go s.serve(t)
	}
}

func (s *Server) serve(t Transport) {
	c, err := newConnection(context.Background(), t, s.opts, s.endpoint, "")
	if err != nil {
		s.log.Debug().Err(err).Msg("handshake failed")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.OnClose(func(c *Connection, _ error) {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	})
}

// Close unregisters the name, stops accepting and closes every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := s.registry.Unregister(ctx, s.name); err != nil {
		errs = append(errs, err)
	}
	if err := s.listener.Close(); err != nil {
		errs = append(errs, err)
	}
	<-s.done
	for _, c := range conns {
		c.Close()
	}
	s.stopLoop()
	s.log.Info().Msg("withdrawn")
	return errors.Join(errs...)
}

// Name returns the vended name
func (s *Server) Name() string { return s.name }

// Endpoint returns the endpoint registered for the name
func (s *Server) Endpoint() Endpoint { return s.endpoint }

// Root returns the vended object
func (s *Server) Root() any { return s.root }

// Connections returns the live connections
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}
