// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxFrameSize caps a single frame on stream transports
const DefaultMaxFrameSize = 64 * 1024 * 1024

// streamTransport frames messages over a byte stream:
// [4 len][frame]
type streamTransport struct {
	conn     net.Conn
	writeMu  sync.Mutex
	maxFrame int
	closed   atomic.Bool
}

func newStreamTransport(conn net.Conn, maxFrame int) *streamTransport {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &streamTransport{conn: conn, maxFrame: maxFrame}
}

func (t *streamTransport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if len(data) > t.maxFrame {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(buf); err != nil {
		if t.closed.Load() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("dobj write: %w", err)
	}
	return nil
}

func (t *streamTransport) Recv(ctx context.Context) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return nil, t.readErr(err)
	}

	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen == 0 || int64(msgLen) > int64(t.maxFrame) {
		return nil, ErrFrameTooLarge
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(t.conn, msg); err != nil {
		return nil, t.readErr(err)
	}
	return msg, nil
}

func (t *streamTransport) readErr(err error) error {
	if t.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("dobj read: %w", err)
}

func (t *streamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

type streamListener struct {
	ln       net.Listener
	ep       Endpoint
	maxFrame int
	closed   atomic.Bool
}

func (l *streamListener) Accept(ctx context.Context) (Transport, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil, ErrConnectionClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return newStreamTransport(conn, l.maxFrame), nil
	}
}

func (l *streamListener) Endpoint() Endpoint { return l.ep }

func (l *streamListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ln.Close()
}

func dialStream(ctx context.Context, ep Endpoint, o *dialOptions) (Transport, error) {
	network, addr, err := streamAddr(ep)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dobj dial %s: %w", ep, err)
	}
	return newStreamTransport(conn, o.maxFrame), nil
}

func listenStream(ep Endpoint, o *dialOptions) (Listener, error) {
	network, addr, err := streamAddr(ep)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := reclaimSocket(addr); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dobj listen %s: %w", ep, err)
	}
	bound := ep
	if network == "tcp" {
		bound = TCPEndpoint(ln.Addr().String())
	}
	return &streamListener{ln: ln, ep: bound, maxFrame: o.maxFrame}, nil
}

// reclaimSocket removes a socket file left behind by a dead process. A
// socket somebody still answers on is reported as ErrAddressInUse.
func reclaimSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if conn, err := net.DialTimeout("unix", path, 250*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func streamAddr(ep Endpoint) (network, addr string, err error) {
	u, err := ep.URL()
	if err != nil {
		return "", "", err
	}
	switch u.Scheme {
	case SchemeTCP:
		return "tcp", u.Host, nil
	case SchemeUnix:
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownScheme, ep)
	}
}

// endpointAlive reports whether something accepts connections at ep.
func endpointAlive(ctx context.Context, ep Endpoint) bool {
	u, err := ep.URL()
	if err != nil {
		return false
	}
	network, addr := "tcp", u.Host
	if u.Scheme == SchemeUnix {
		network, addr = "unix", u.Path
	}
	d := net.Dialer{Timeout: 250 * time.Millisecond}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
