// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"fmt"
	"sync/atomic"
)

var _ Invoker = (*Proxy)(nil)

// Proxy stands in for an object on the other side of a connection. It
// never owns the object: it is just the (connection, id) pair, and it stops
// working the moment its connection dies.
type Proxy struct {
	conn     *Connection
	id       ObjectID
	invalid  atomic.Bool
	protocol atomic.Pointer[Protocol]
}

// Call invokes method synchronously and decodes its result into reply
// (which may be nil). Remote failures come back as *RemoteError. When the
// proxy has a protocol that declares method one-way, Call sends a
// notification instead and does not wait.
func (p *Proxy) Call(ctx context.Context, method string, reply any, args ...any) error {
	if err := p.check(); err != nil {
		return err
	}
	if proto := p.protocol.Load(); proto != nil {
		spec, ok := proto.Method(method)
		if !ok {
			return fmt.Errorf("%w: %s is not in %s", ErrUnknownMethod, method, proto.Name)
		}
		if spec.OneWay {
			return p.conn.notify(ctx, p.id, spec.Name, args)
		}
		method = spec.Name
	}
	return p.conn.call(ctx, p.id, method, reply, args)
}

// Notify invokes method one-way. It returns as soon as the invocation is
// written; failures raised by the remote method are never reported.
func (p *Proxy) Notify(ctx context.Context, method string, args ...any) error {
	if err := p.check(); err != nil {
		return err
	}
	if proto := p.protocol.Load(); proto != nil {
		spec, ok := proto.Method(method)
		if !ok {
			return fmt.Errorf("%w: %s is not in %s", ErrUnknownMethod, method, proto.Name)
		}
		method = spec.Name
	}
	return p.conn.notify(ctx, p.id, method, args)
}

// Methods lists the methods the remote object answers to
func (p *Proxy) Methods(ctx context.Context) ([]string, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	var names []string
	if err := p.conn.call(ctx, p.id, methodList, &names, nil); err != nil {
		return nil, err
	}
	return names, nil
}

// ConformsTo asks the remote object whether it implements every method of
// proto.
func (p *Proxy) ConformsTo(ctx context.Context, proto *Protocol) (bool, error) {
	names, err := p.Methods(ctx)
	if err != nil {
		return false, err
	}
	have := make(map[string]struct{}, len(names))
	for _, n := range names {
		have[n] = struct{}{}
	}
	for _, m := range proto.Methods() {
		if _, ok := have[m]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// SetProtocol restricts the proxy to the methods of proto and returns p.
// Proxies are shared per (connection, id), so this applies to every holder.
func (p *Proxy) SetProtocol(proto *Protocol) *Proxy {
	p.protocol.Store(proto)
	return p
}

// Protocol returns the protocol set with SetProtocol, or nil
func (p *Proxy) Protocol() *Protocol { return p.protocol.Load() }

// Release tells the peer this side is done with the object and invalidates
// the proxy. Releasing the root proxy only invalidates it locally.
func (p *Proxy) Release(ctx context.Context) error {
	if p.invalid.Swap(true) {
		return nil
	}
	p.conn.dropProxy(p)
	if p.id == RootID || !p.conn.Valid() {
		return nil
	}
	body, err := p.conn.codec.Encode(release{ID: p.id})
	if err != nil {
		return fmt.Errorf("encode release: %w", err)
	}
	ctx, cancel := p.conn.withTimeout(ctx)
	defer cancel()
	if err := p.conn.transport.Send(ctx, encodeFrame(MsgRelease, 0, body)); err != nil {
		return p.conn.sendFailed(err)
	}
	return nil
}

// ID returns the remote object id
func (p *Proxy) ID() ObjectID { return p.id }

// Connection returns the connection the proxy forwards over
func (p *Proxy) Connection() *Connection { return p.conn }

// Valid reports whether calls can still be made through p
func (p *Proxy) Valid() bool { return !p.invalid.Load() && p.conn.Valid() }

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(%s#%d)", p.conn.ID(), p.id)
}

func (p *Proxy) check() error {
	if !p.conn.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidProxy, p.conn.deathErr())
	}
	if p.invalid.Load() {
		return ErrInvalidProxy
	}
	return nil
}
