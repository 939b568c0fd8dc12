// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Connection is one end of a channel between two processes. It owns at most
// one root object, the objects it exported by reference, and the proxies
// created for objects on the other side.
type Connection struct {
	id        ulid.ULID
	transport Transport
	codec     Codec
	loop      *Loop
	log       zerolog.Logger
	timeout   time.Duration
	local     Endpoint
	remote    Endpoint
	peerID    string

	nextSeq atomic.Uint64
	pending sync.Map // seq -> chan *Reply

	mu        sync.Mutex
	root      any
	hasRoot   bool
	proxies   map[ObjectID]*Proxy
	observers map[uint64]func(*Connection, error)
	nextObs   uint64
	cause     error

	exports   *exportTable
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// newConnection runs the hello exchange on t and starts the reader.
func newConnection(ctx context.Context, t Transport, o *dialOptions, local, remote Endpoint) (*Connection, error) {
	id := ulid.Make()
	c := &Connection{
		id:        id,
		transport: t,
		codec:     o.codec,
		loop:      o.loop,
		log:       o.logger.With().Str("conn", id.String()).Logger(),
		timeout:   o.timeout,
		local:     local,
		remote:    remote,
		proxies:   make(map[ObjectID]*Proxy),
		observers: make(map[uint64]func(*Connection, error)),
		exports:   newExportTable(),
		done:      make(chan struct{}),
	}
	if o.root != nil {
		c.root, c.hasRoot = o.root, true
	}

	if err := c.handshake(ctx, o.handshakeTimeout); err != nil {
		t.Close()
		return nil, err
	}

	recordConnection(1)
	c.log.Debug().Str("peer", c.peerID).Str("remote", string(c.remote)).Msg("connection established")
	go c.readLoop()
	return c, nil
}

func (c *Connection) handshake(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := c.codec.Encode(hello{Version: ProtocolVersion, ID: c.id.String(), Endpoint: c.local})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := c.transport.Send(ctx, encodeFrame(MsgHello, 0, body)); err != nil {
		return fmt.Errorf("dobj handshake: %w", err)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.transport.Recv(ctx)
		ch <- result{data, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		c.transport.Close()
		return fmt.Errorf("dobj handshake: %w", ctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("dobj handshake: %w", r.err)
	}

	f, err := decodeFrame(r.data)
	if err != nil {
		return fmt.Errorf("dobj handshake: %w", err)
	}
	if f.typ != MsgHello {
		return fmt.Errorf("dobj handshake: expected hello, got %s", f.typ)
	}
	var h hello
	if err := c.codec.Decode(f.body, &h); err != nil {
		return fmt.Errorf("dobj handshake: %w", err)
	}
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: peer speaks %d, we speak %d", ErrVersionMismatch, h.Version, ProtocolVersion)
	}
	c.peerID = h.ID
	if c.remote == "" {
		c.remote = h.Endpoint
	}
	return nil
}

func (c *Connection) readLoop() {
	for {
		data, err := c.transport.Recv(context.Background())
		if err != nil {
			c.invalidate(err)
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.typ {
		case MsgResponse:
			c.deliver(f)
		case MsgRequest, MsgNotify, MsgRelease:
			c.loop.post(event{conn: c, frame: f})
		case MsgGoodbye:
			c.invalidate(ErrConnectionClosed)
			return
		default:
			c.log.Debug().Stringer("type", f.typ).Msg("ignoring frame")
		}
	}
}

func (c *Connection) deliver(f frame) {
	ch, ok := c.pending.Load(f.seq)
	if !ok {
		// caller gave up (cancelled)
		return
	}
	rep := new(Reply)
	if err := c.codec.Decode(f.body, rep); err != nil {
		rep = &Reply{Error: &RemoteError{Code: CodeBadArgument, Message: "undecodable reply: " + err.Error()}}
	}
	select {
	case ch.(chan *Reply) <- rep:
	default:
	}
}

// handle runs on the loop.
func (c *Connection) handle(ctx context.Context, f frame) {
	if c.closed.Load() {
		return
	}
	switch f.typ {
	case MsgRequest, MsgNotify:
		c.dispatch(ctx, f)
	case MsgRelease:
		var r release
		if err := c.codec.Decode(f.body, &r); err != nil {
			c.log.Warn().Err(err).Msg("undecodable release")
			return
		}
		if r.ID != RootID {
			c.exports.release(r.ID)
		}
	}
}

// call makes a synchronous invocation of method on the peer object id.
func (c *Connection) call(ctx context.Context, id ObjectID, method string, reply any, args []any) error {
	if c.closed.Load() {
		return c.deathErr()
	}
	encArgs, err := c.encodeArgs(args)
	if err != nil {
		return err
	}

	rep, err := c.roundTrip(ctx, &Invocation{Target: id, Method: method, Args: encArgs})
	if err != nil {
		return err
	}
	if rep.Error != nil {
		return rep.Error
	}

	for i, raw := range rep.Outs {
		if i < 0 || i >= len(args) {
			continue
		}
		if a, ok := args[i].(Arg); ok && a.mode.returns() && !a.raw {
			if err := decodeInto(raw, a.v); err != nil {
				return fmt.Errorf("decode out argument %d: %w", i, err)
			}
		}
	}
	return c.decodeResult(rep.Result, reply)
}

// roundTrip sends inv and waits for its reply. A missed deadline tears the
// connection down.
func (c *Connection) roundTrip(ctx context.Context, inv *Invocation) (*Reply, error) {
	start := time.Now()
	body, err := c.codec.Encode(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	seq := c.nextSeq.Add(1)
	ch := make(chan *Reply, 1)
	c.pending.Store(seq, ch)
	defer c.pending.Delete(seq)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.transport.Send(ctx, encodeFrame(MsgRequest, seq, body)); err != nil {
		recordOutbound("call", "error", time.Since(start))
		return nil, c.sendFailed(err)
	}

	rep, err := c.loop.await(ctx, ch, c.done)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		terr := fmt.Errorf("%w: %s after %s", ErrTimeout, inv.Method, time.Since(start).Round(time.Millisecond))
		recordOutbound("call", "timeout", time.Since(start))
		c.invalidate(terr)
		return nil, terr
	case errors.Is(err, ErrConnectionClosed):
		recordOutbound("call", "closed", time.Since(start))
		return nil, c.deathErr()
	case err != nil:
		recordOutbound("call", "cancelled", time.Since(start))
		return nil, err
	}

	outcome := "ok"
	if rep.Error != nil {
		outcome = "remote_error"
	}
	recordOutbound("call", outcome, time.Since(start))
	return rep, nil
}

// notify sends a one-way invocation and returns once it is written.
func (c *Connection) notify(ctx context.Context, id ObjectID, method string, args []any) error {
	if c.closed.Load() {
		return c.deathErr()
	}
	for i, a := range args {
		if m, ok := a.(Arg); ok && m.mode.returns() {
			return fmt.Errorf("argument %d: %w", i, ErrOneWayOut)
		}
	}
	encArgs, err := c.encodeArgs(args)
	if err != nil {
		return err
	}
	body, err := c.codec.Encode(&Invocation{Target: id, Method: method, Args: encArgs})
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	start := time.Now()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.transport.Send(ctx, encodeFrame(MsgNotify, 0, body)); err != nil {
		recordOutbound("notify", "error", time.Since(start))
		return c.sendFailed(err)
	}
	recordOutbound("notify", "ok", time.Since(start))
	return nil
}

func (c *Connection) sendFailed(err error) error {
	if c.closed.Load() || errors.Is(err, ErrConnectionClosed) {
		return c.deathErr()
	}
	c.invalidate(err)
	return err
}

func (c *Connection) decodeResult(arg *Argument, reply any) error {
	if arg == nil || reply == nil {
		return nil
	}
	if arg.Mode == ModeRef && arg.Ref != nil {
		obj, err := c.decodeRef(arg.Ref)
		if err != nil {
			return err
		}
		return assignRef(reply, obj)
	}
	if err := decodeInto(arg.Value, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Connection) deathErr() error {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

// Proxy returns the proxy for the peer's object id. The same id always
// yields the same *Proxy while the connection lives.
func (c *Connection) Proxy(id ObjectID) *Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxies == nil {
		p := &Proxy{conn: c, id: id}
		p.invalid.Store(true)
		return p
	}
	if p, ok := c.proxies[id]; ok {
		return p
	}
	p := &Proxy{conn: c, id: id}
	c.proxies[id] = p
	return p
}

// RootProxy returns the proxy for the peer's root object
func (c *Connection) RootProxy() *Proxy { return c.Proxy(RootID) }

func (c *Connection) dropProxy(p *Proxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxies[p.id] == p {
		delete(c.proxies, p.id)
	}
}

// SetRoot exposes obj to the peer as this side's root object.
func (c *Connection) SetRoot(obj any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasRoot {
		return ErrRootAlreadySet
	}
	c.root, c.hasRoot = obj, true
	return nil
}

// Root returns the object this side exposes, if any
func (c *Connection) Root() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root, c.hasRoot
}

func (c *Connection) object(id ObjectID) (any, bool) {
	if id == RootID {
		return c.Root()
	}
	return c.exports.lookup(id)
}

// Ping round-trips an empty invocation
func (c *Connection) Ping(ctx context.Context) error {
	return c.call(ctx, RootID, methodPing, nil, nil)
}

// OnClose registers fn to run when the connection dies. fn runs right away
// if it is already dead. The returned func unregisters it.
func (c *Connection) OnClose(fn func(*Connection, error)) (cancel func()) {
	c.mu.Lock()
	if c.observers == nil {
		cause := c.cause
		c.mu.Unlock()
		fn(c, cause)
		return func() {}
	}
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Close says goodbye to the peer and invalidates the connection.
func (c *Connection) Close() error {
	if c.closed.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	c.transport.Send(ctx, encodeFrame(MsgGoodbye, 0, nil))
	cancel()
	c.invalidate(ErrConnectionClosed)
	return nil
}

// invalidate kills the connection: proxies first, then pending calls and
// observers, then exports and the transport.
func (c *Connection) invalidate(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrConnectionClosed
		}
		c.closed.Store(true)

		c.mu.Lock()
		c.cause = cause
		proxies := c.proxies
		c.proxies = nil
		observers := make([]func(*Connection, error), 0, len(c.observers))
		for _, fn := range c.observers {
			observers = append(observers, fn)
		}
		c.observers = nil
		c.mu.Unlock()

		for _, p := range proxies {
			p.invalid.Store(true)
		}
		close(c.done)

		for _, fn := range observers {
			fn(c, cause)
		}
		c.loop.notifyClosed(c, cause)

		c.exports.clear()
		c.mu.Lock()
		c.root = nil
		c.mu.Unlock()
		c.transport.Close()

		recordConnection(-1)
		c.log.Debug().AnErr("cause", cause).Msg("connection closed")
	})
}

// ID returns the connection's unique id
func (c *Connection) ID() string { return c.id.String() }

// PeerID returns the id the peer announced for its end
func (c *Connection) PeerID() string { return c.peerID }

// LocalEndpoint is the listener this connection was accepted on, if any
func (c *Connection) LocalEndpoint() Endpoint { return c.local }

// RemoteEndpoint is the endpoint dialed, or the peer's listener if it has one
func (c *Connection) RemoteEndpoint() Endpoint { return c.remote }

// Loop returns the loop this connection dispatches on
func (c *Connection) Loop() *Loop { return c.loop }

// Valid reports whether the connection can still carry calls
func (c *Connection) Valid() bool { return !c.closed.Load() }

// Done is closed when the connection dies
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection died, or nil while it is valid
func (c *Connection) Err() error {
	if !c.closed.Load() {
		return nil
	}
	return c.deathErr()
}

// Exports returns the number of objects currently exported by reference
func (c *Connection) Exports() int { return c.exports.len() }
