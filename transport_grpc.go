// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func init() {
	registerTransport(SchemeGRPC, dialGRPC, listenGRPC)
}

// rawFrame is a stream message holding one encoded frame
type rawFrame struct {
	data []byte
}

// frameCodec passes frames through gRPC untouched
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("dobj grpc: cannot marshal %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("dobj grpc: cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string { return "dobj-frame" }

type linkServer interface {
	frames(grpc.ServerStream) error
}

var linkDesc = grpc.ServiceDesc{
	ServiceName: "dobj.Link",
	HandlerType: (*linkServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Frames",
		Handler:       linkFramesHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

const linkFramesMethod = "/dobj.Link/Frames"

func linkFramesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkServer).frames(stream)
}

type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcTransport carries frames over one bidi stream
type grpcTransport struct {
	stream    frameStream
	sendMu    sync.Mutex
	maxFrame  int
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newGRPCTransport(stream frameStream, maxFrame int, onClose func()) *grpcTransport {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &grpcTransport{stream: stream, maxFrame: maxFrame, done: make(chan struct{}), onClose: onClose}
}

func (t *grpcTransport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if len(data) > t.maxFrame {
		return ErrFrameTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.stream.SendMsg(&rawFrame{data: data}); err != nil {
		return t.streamErr("write", err)
	}
	return nil
}

func (t *grpcTransport) Recv(ctx context.Context) ([]byte, error) {
	var f rawFrame
	if err := t.stream.RecvMsg(&f); err != nil {
		return nil, t.streamErr("read", err)
	}
	return f.data, nil
}

func (t *grpcTransport) streamErr(op string, err error) error {
	if t.closed.Load() || errors.Is(err, io.EOF) {
		return ErrConnectionClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return ErrConnectionClosed
	}
	return fmt.Errorf("dobj grpc %s: %w", op, err)
}

func (t *grpcTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

func dialGRPC(ctx context.Context, ep Endpoint, o *dialOptions) (Transport, error) {
	u, err := ep.URL()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(u.Host,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(frameCodec{}),
			grpc.MaxCallRecvMsgSize(o.maxFrame),
			grpc.MaxCallSendMsgSize(o.maxFrame),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dobj dial %s: %w", ep, err)
	}

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			conn.Close()
			return nil, fmt.Errorf("dobj dial %s: connection %s", ep, state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return nil, fmt.Errorf("dobj dial %s: %w", ep, ctx.Err())
		}
	}

	// the stream outlives the dial context
	sctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(sctx, &linkDesc.Streams[0], linkFramesMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("dobj dial %s: %w", ep, err)
	}
	return newGRPCTransport(stream, o.maxFrame, func() {
		cancel()
		conn.Close()
	}), nil
}

// grpcListener serves the Link service and hands each Frames stream to
// Accept.
type grpcListener struct {
	srv       *grpc.Server
	ep        Endpoint
	maxFrame  int
	accept    chan *grpcTransport
	closed    chan struct{}
	closeOnce sync.Once
}

func listenGRPC(ep Endpoint, o *dialOptions) (Listener, error) {
	u, err := ep.URL()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("dobj listen %s: %w", ep, err)
	}

	l := &grpcListener{
		ep:       Endpoint(SchemeGRPC + "://" + ln.Addr().String()),
		maxFrame: o.maxFrame,
		accept:   make(chan *grpcTransport),
		closed:   make(chan struct{}),
	}
	l.srv = grpc.NewServer(
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(o.maxFrame),
		grpc.MaxSendMsgSize(o.maxFrame),
	)
	l.srv.RegisterService(&linkDesc, l)
	go l.srv.Serve(ln)
	return l, nil
}

// frames runs for the lifetime of one peer's stream
func (l *grpcListener) frames(stream grpc.ServerStream) error {
	t := newGRPCTransport(stream, l.maxFrame, nil)
	select {
	case l.accept <- t:
	case <-l.closed:
		return status.Error(codes.Unavailable, "listener closed")
	case <-stream.Context().Done():
		return nil
	}
	select {
	case <-t.done:
	case <-l.closed:
	case <-stream.Context().Done():
		t.Close()
	}
	return nil
}

func (l *grpcListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accept:
		return t, nil
	case <-l.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *grpcListener) Endpoint() Endpoint { return l.ep }

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.srv.Stop()
	})
	return nil
}
