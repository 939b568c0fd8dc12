// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWSPath is the upgrade path used when a ws endpoint names none
const DefaultWSPath = "/dobj"

func init() {
	registerTransport(SchemeWS, dialWS, listenWS)
}

// wsTransport carries one frame per binary websocket message
type wsTransport struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	maxFrame int
	closed   atomic.Bool
}

func newWSTransport(conn *websocket.Conn, maxFrame int) *wsTransport {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn, maxFrame: maxFrame}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if len(data) > t.maxFrame {
		return ErrFrameTooLarge
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if t.closed.Load() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("dobj ws write: %w", err)
	}
	return nil
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return nil, ErrConnectionClosed
			}
			return nil, fmt.Errorf("dobj ws read: %w", err)
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func dialWS(ctx context.Context, ep Endpoint, o *dialOptions) (Transport, error) {
	u, err := ep.URL()
	if err != nil {
		return nil, err
	}
	if u.Path == "" {
		u.Path = DefaultWSPath
	}
	d := websocket.Dialer{HandshakeTimeout: o.handshakeTimeout}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dobj dial %s: %w", ep, err)
	}
	return newWSTransport(conn, o.maxFrame), nil
}

// wsListener serves websocket upgrades on its own HTTP server and hands
// each upgraded connection to Accept.
type wsListener struct {
	srv       *http.Server
	ep        Endpoint
	maxFrame  int
	upgrader  websocket.Upgrader
	accept    chan Transport
	closed    chan struct{}
	closeOnce sync.Once
}

func listenWS(ep Endpoint, o *dialOptions) (Listener, error) {
	u, err := ep.URL()
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = DefaultWSPath
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("dobj listen %s: %w", ep, err)
	}

	l := &wsListener{
		ep:       Endpoint(SchemeWS + "://" + ln.Addr().String() + path),
		maxFrame: o.maxFrame,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: o.handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		accept: make(chan Transport),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: o.handshakeTimeout}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := newWSTransport(conn, l.maxFrame)
	select {
	case l.accept <- t:
	case <-l.closed:
		t.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accept:
		return t, nil
	case <-l.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Endpoint() Endpoint { return l.ep }

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}
