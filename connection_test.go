// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

type Directory struct {
	mu      sync.Mutex
	numbers map[string]string
	touched atomic.Int32
	kept    *Proxy
}

func newDirectory() *Directory {
	return &Directory{numbers: map[string]string{"Jack": "0123456"}}
}

func (d *Directory) Lookup(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.numbers[name]
	if !ok {
		return "", fmt.Errorf("no entry for %s", name)
	}
	return n, nil
}

func (d *Directory) Add(name, number string) {
	d.mu.Lock()
	d.numbers[name] = number
	d.mu.Unlock()
}

func (d *Directory) Touch() { d.touched.Add(1) }

func (d *Directory) Touched() int { return int(d.touched.Load()) }

func (d *Directory) Sleep(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func (d *Directory) Boom() string { panic("kaboom") }

type Point struct {
	X, Y int
}

func (d *Directory) Shift(p Point) Point {
	p.X += 100
	return p
}

func (d *Directory) Double(in *int, out *int, both *int) {
	*out = *in * 2
	*both++
	*in = 999
}

func (d *Directory) Echo(p *Proxy) *Proxy { return p }

func (d *Directory) IsSelf(v any) bool { return v == any(d) }

func (d *Directory) Keep(p *Proxy) { d.kept = p }

func (d *Directory) DropKept(ctx context.Context) error {
	return d.kept.Release(ctx)
}

// Callback calls back into cb before replying
func (d *Directory) Callback(ctx context.Context, cb *Proxy) (int, error) {
	var n int
	if err := cb.Call(ctx, "Value", &n); err != nil {
		return 0, err
	}
	return n * 2, nil
}

func (d *Directory) Keys(s *structpb.Struct) []string {
	keys := make([]string, 0, len(s.GetFields()))
	for k := range s.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *Directory) Caller(ctx context.Context) bool {
	return ConnectionFromContext(ctx) != nil
}

type Counter struct {
	v int
}

func (c *Counter) Value() int { return c.v }

type DirectoryAPI interface {
	Lookup(name string) (string, error)
	Add(name, number string)
}

// vend serves root under a fresh name in reg and returns a proxy for it
// from a client with its own loop.
func vend(t *testing.T, reg Registry, name string, root any, opts ...DialOption) (*Server, *Proxy) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Vend(ctx, name, root,
		WithServerRegistry(reg),
		WithListenEndpoint(TCPEndpoint("127.0.0.1:0")),
		WithConnOptions(WithLoop(NewLoop())),
	)
	if err != nil {
		t.Fatalf("Vend: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	p, err := Lookup(ctx, name, append([]DialOption{WithRegistry(reg), WithLoop(NewLoop())}, opts...)...)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	t.Cleanup(func() { p.Connection().Close() })
	return srv, p
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLookupAndCall(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	var number string
	if err := dir.Call(ctx, "lookup", &number, "Jack"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, number, "0123456")

	if err := dir.Call(ctx, "Add", nil, "Jill", "654321"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := dir.Call(ctx, "Lookup", &number, "Jill"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, number, "654321")
}

func TestRemoteError(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	var number string
	err := dir.Call(ctx, "Lookup", &number, "Nobody")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	assert.Equal(t, re.Code, CodeApplication)
	assert.Equal(t, re.Method, "Lookup")
	assert.Equal(t, re.Message, "no entry for Nobody")
	assert.Equal(t, dir.Valid(), true)
}

func TestUnknownMethodAndObject(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	err := dir.Call(ctx, "Fly", nil)
	assert.Equal(t, errors.Is(err, ErrUnknownMethod), true)

	err = dir.Connection().Proxy(42).Call(ctx, "Lookup", nil, "Jack")
	assert.Equal(t, errors.Is(err, ErrUnknownObject), true)

	err = dir.Call(ctx, "Lookup", nil, "Jack", "extra")
	assert.Equal(t, errors.Is(err, ErrBadArgument), true)
}

func TestPanicBecomesRemoteError(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	err := dir.Call(ctx, "Boom", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	assert.Equal(t, re.Code, CodePanic)
	assert.Equal(t, re.Message, "kaboom")

	var number string
	if err := dir.Call(ctx, "Lookup", &number, "Jack"); err != nil {
		t.Fatalf("server did not survive the panic: %v", err)
	}
}

func TestNotifyDoesNotWait(t *testing.T) {
	root := newDirectory()
	_, dir := vend(t, NewMemoryRegistry(), "Directory", root)
	ctx := testContext(t)

	start := time.Now()
	if err := dir.Notify(ctx, "Sleep", 300); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Notify blocked for %s", elapsed)
	}

	if err := dir.Notify(ctx, "Touch"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// a synchronous call queues behind both notifications
	var n int
	if err := dir.Call(ctx, "Touched", &n); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, n, 1)

	// failures of one-way methods are not reported
	assert.Equal(t, dir.Notify(ctx, "Fly"), nil)
}

func TestNotifyRejectsOutArguments(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	var out int
	err := dir.Notify(ctx, "Double", In(&out), Out(&out), InOut(&out))
	assert.Equal(t, errors.Is(err, ErrOneWayOut), true)
}

func TestTimeoutInvalidatesConnection(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory(), WithTimeout(100*time.Millisecond))

	observed := make(chan error, 1)
	dir.Connection().OnClose(func(_ *Connection, cause error) {
		observed <- cause
	})

	start := time.Now()
	err := dir.Call(context.Background(), "Sleep", nil, 500)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("timeout took %s", elapsed)
	}
	assert.Equal(t, dir.Valid(), false)
	assert.Equal(t, dir.Connection().Valid(), false)

	select {
	case cause := <-observed:
		assert.Equal(t, errors.Is(cause, ErrTimeout), true)
	case <-time.After(time.Second):
		t.Fatal("close observer not called")
	}

	err = dir.Call(context.Background(), "Lookup", nil, "Jack")
	assert.Equal(t, errors.Is(err, ErrInvalidProxy), true)
	assert.Equal(t, errors.Is(err, ErrConnectionClosed), true)
}

func TestCancelledCallKeepsConnection(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := dir.Call(ctx, "Sleep", nil, 200)
	assert.Equal(t, errors.Is(err, context.Canceled), true)
	assert.Equal(t, dir.Valid(), true)

	var number string
	if err := dir.Call(testContext(t), "Lookup", &number, "Jack"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, number, "0123456")
}

func TestByCopyLeavesCallerUntouched(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	p := Point{X: 1, Y: 2}
	var shifted Point
	if err := dir.Call(ctx, "Shift", &shifted, p); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, p, Point{X: 1, Y: 2})
	assert.Equal(t, shifted, Point{X: 101, Y: 2})

	if err := dir.Call(ctx, "Shift", &shifted, ByCopy(&p)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, p.X, 1)
}

func TestPointerModes(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	in, out, both := 3, 0, 10
	if err := dir.Call(ctx, "Double", nil, In(&in), Out(&out), InOut(&both)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, in, 3)
	assert.Equal(t, out, 6)
	assert.Equal(t, both, 11)

	err := dir.Call(ctx, "Double", nil, In(nil), Out(&out), InOut(&both))
	assert.Equal(t, errors.Is(err, ErrBadArgument), true)
}

func TestReferenceComesHome(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	cb := &Counter{v: 7}
	var got *Counter
	if err := dir.Call(ctx, "Echo", &got, ByRef(cb)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != cb {
		t.Fatalf("expected the original object back, got %p want %p", got, cb)
	}
	assert.Equal(t, dir.Connection().Exports(), 1)

	// the same object keeps its id
	if err := dir.Call(ctx, "Echo", &got, ByRef(cb)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, dir.Connection().Exports(), 1)

	// a proxy handed back to its owner arrives as the owner's object
	var self bool
	if err := dir.Call(ctx, "IsSelf", &self, dir); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, self, true)
}

func TestCallbackDuringCall(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	var n int
	if err := dir.Call(ctx, "Callback", &n, ByRef(&Counter{v: 21})); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, n, 42)
}

func TestCallbackOnSharedLoop(t *testing.T) {
	loop := NewLoop()
	reg := NewMemoryRegistry()
	ctx := testContext(t)

	srv, err := Vend(ctx, "Directory", newDirectory(),
		WithServerRegistry(reg),
		WithListenEndpoint(TCPEndpoint("127.0.0.1:0")),
		WithConnOptions(WithLoop(loop)),
	)
	if err != nil {
		t.Fatalf("Vend: %v", err)
	}
	defer srv.Close()

	dir, err := Lookup(ctx, "Directory", WithRegistry(reg), WithLoop(loop))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer dir.Connection().Close()

	var n int
	if err := dir.Call(ctx, "Callback", &n, ByRef(&Counter{v: 5})); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, n, 10)
}

type Relay struct {
	target *Proxy
}

func (r *Relay) Target() *Proxy { return r.target }

func TestProxyOfProxy(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := testContext(t)

	_, store := vend(t, reg, "Store", newDirectory())
	_, relay := vend(t, reg, "Relay", &Relay{target: store})

	var far *Proxy
	if err := relay.Call(ctx, "Target", &far); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if far.Connection() != relay.Connection() {
		t.Fatal("expected the relayed proxy on the relay connection")
	}

	var number string
	if err := far.Call(ctx, "Lookup", &number, "Jack"); err != nil {
		t.Fatalf("multi-hop Call: %v", err)
	}
	assert.Equal(t, number, "0123456")

	in, out, both := 4, 0, 1
	if err := far.Call(ctx, "Double", nil, In(&in), Out(&out), InOut(&both)); err != nil {
		t.Fatalf("multi-hop Call: %v", err)
	}
	assert.Equal(t, out, 8)
	assert.Equal(t, both, 2)

	err := far.Call(ctx, "Lookup", &number, "Nobody")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RemoteError, got %v", err)
	}
	assert.Equal(t, re.Message, "no entry for Nobody")

	store.Connection().Close()
	err = far.Call(ctx, "Lookup", &number, "Jack")
	assert.Equal(t, errors.Is(err, ErrConnectionClosed), true)
	assert.Equal(t, relay.Valid(), true)
}

func TestCloseInvalidatesBeforeObservers(t *testing.T) {
	srv, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	other := dir.Connection().Proxy(9)

	type seen struct {
		valid bool
		cause error
	}
	conn := make(chan seen, 1)
	loop := make(chan error, 1)
	dir.Connection().OnClose(func(*Connection, error) {
		conn <- seen{valid: dir.Valid() || other.Valid(), cause: dir.Connection().Err()}
	})
	cancel := dir.Connection().Loop().Observe(func(c *Connection, cause error) {
		loop <- cause
	})
	defer cancel()

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case s := <-conn:
		assert.Equal(t, s.valid, false)
		assert.Equal(t, errors.Is(s.cause, ErrConnectionClosed), true)
	case <-time.After(2 * time.Second):
		t.Fatal("connection observer not called")
	}
	select {
	case cause := <-loop:
		assert.Equal(t, errors.Is(cause, ErrConnectionClosed), true)
	case <-time.After(2 * time.Second):
		t.Fatal("loop observer not called")
	}

	// observers registered late run at once
	late := make(chan struct{})
	dir.Connection().OnClose(func(*Connection, error) { close(late) })
	select {
	case <-late:
	default:
		t.Fatal("late observer not called")
	}

	err := dir.Call(testContext(t), "Lookup", nil, "Jack")
	assert.Equal(t, errors.Is(err, ErrInvalidProxy), true)
}

func TestSetRoot(t *testing.T) {
	srv, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	_, ok := dir.Connection().Root()
	assert.Equal(t, ok, false)
	assert.Equal(t, dir.Connection().SetRoot(&Counter{v: 3}), nil)
	assert.Equal(t, errors.Is(dir.Connection().SetRoot(&Counter{}), ErrRootAlreadySet), true)

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Connections()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	conns := srv.Connections()
	if len(conns) != 1 {
		t.Fatalf("expected 1 server connection, got %d", len(conns))
	}
	assert.Equal(t, errors.Is(conns[0].SetRoot(&Counter{}), ErrRootAlreadySet), true)

	// the server can call the client's root; the client loop must run for it
	go dir.Connection().Loop().Run(ctx)
	var v int
	if err := conns[0].RootProxy().Call(ctx, "Value", &v); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, v, 3)
}

func TestProtocol(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	proto := ProtocolOf[DirectoryAPI]()
	assert.Equal(t, proto.Name, "DirectoryAPI")
	assert.Equal(t, proto.Methods(), []string{"Add", "Lookup"})
	add, _ := proto.Method("add")
	assert.Equal(t, add.OneWay, true)
	assert.Equal(t, proto.ImplementedBy(newDirectory()), true)
	assert.Equal(t, proto.ImplementedBy(&Counter{}), false)

	ok, err := dir.ConformsTo(ctx, proto)
	if err != nil {
		t.Fatalf("ConformsTo: %v", err)
	}
	assert.Equal(t, ok, true)

	ok, err = dir.ConformsTo(ctx, NewProtocol("Flyer", Method("Fly")))
	if err != nil {
		t.Fatalf("ConformsTo: %v", err)
	}
	assert.Equal(t, ok, false)

	dir.SetProtocol(proto)
	defer dir.SetProtocol(nil)
	err = dir.Call(ctx, "Touch", nil)
	assert.Equal(t, errors.Is(err, ErrUnknownMethod), true)

	// Add is one-way under the protocol: Call does not wait for a reply
	if err := dir.Call(ctx, "Add", nil, "Jill", "654321"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	var number string
	if err := dir.Call(ctx, "Lookup", &number, "Jill"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, number, "654321")
}

func TestMethodsAndPing(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	names, err := dir.Methods(ctx)
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	assert.Equal(t, sort.StringsAreSorted(names), true)
	assert.Equal(t, strings.Contains(strings.Join(names, ","), "Lookup"), true)
	assert.Equal(t, dir.Connection().Ping(ctx), nil)

	var inDispatch bool
	if err := dir.Call(ctx, "Caller", &inDispatch); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, inDispatch, true)
}

func TestProtobufByCopy(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)

	s, err := structpb.NewStruct(map[string]any{"b": 2, "a": "one"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	var keys []string
	if err := dir.Call(ctx, "Keys", &keys, s); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, keys, []string{"a", "b"})
}

func TestReleaseDropsExport(t *testing.T) {
	_, dir := vend(t, NewMemoryRegistry(), "Directory", newDirectory())
	ctx := testContext(t)
	go dir.Connection().Loop().Run(ctx)

	if err := dir.Call(ctx, "Keep", nil, ByRef(&Counter{v: 1})); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, dir.Connection().Exports(), 1)

	if err := dir.Call(ctx, "DropKept", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dir.Connection().Exports() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, dir.Connection().Exports(), 0)

	// releasing the root only invalidates locally
	assert.Equal(t, dir.Release(ctx), nil)
	assert.Equal(t, dir.Valid(), false)
	assert.Equal(t, dir.Connection().Valid(), true)
	assert.Equal(t, errors.Is(dir.Call(ctx, "Lookup", nil, "Jack"), ErrInvalidProxy), true)
}

func TestVendNameTaken(t *testing.T) {
	reg := NewMemoryRegistry()
	vend(t, reg, "Directory", newDirectory())

	_, err := Vend(testContext(t), "Directory", newDirectory(),
		WithServerRegistry(reg),
		WithListenEndpoint(TCPEndpoint("127.0.0.1:0")),
	)
	assert.Equal(t, errors.Is(err, ErrNameTaken), true)

	_, err = Vend(testContext(t), "bad/name", newDirectory(), WithServerRegistry(reg))
	assert.Equal(t, errors.Is(err, ErrInvalidName), true)

	_, err = Lookup(testContext(t), "Missing", WithRegistry(reg))
	assert.Equal(t, errors.Is(err, ErrNameNotFound), true)
}

func TestServerCloseUnregisters(t *testing.T) {
	reg := NewMemoryRegistry()
	srv, _ := vend(t, reg, "Directory", newDirectory())
	assert.Equal(t, srv.Name(), "Directory")

	ep, err := reg.Resolve(testContext(t), "Directory")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	assert.Equal(t, ep, srv.Endpoint())

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = reg.Resolve(testContext(t), "Directory")
	assert.Equal(t, errors.Is(err, ErrNameNotFound), true)
	assert.Equal(t, srv.Close(), nil)
}

func TestZeroTimeoutServesCalls(t *testing.T) {
	ctx := testContext(t)
	reg := NewMemoryRegistry()
	srv, err := Vend(ctx, "Directory", newDirectory(),
		WithServerRegistry(reg),
		WithListenEndpoint(TCPEndpoint("127.0.0.1:0")),
		WithConnOptions(WithLoop(NewLoop()), WithTimeout(0)),
	)
	if err != nil {
		t.Fatalf("Vend: %v", err)
	}
	defer srv.Close()

	dir, err := Lookup(ctx, "Directory", WithRegistry(reg), WithLoop(NewLoop()), WithTimeout(0))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer dir.Connection().Close()

	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var number string
	if err := dir.Call(callCtx, "Lookup", &number, "Jack"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	assert.Equal(t, number, "0123456")

	// no deadline at all
	if err := dir.Call(context.Background(), "Add", nil, "Jill", "0654321"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := dir.Call(context.Background(), "Lookup", &number, "Jill"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	assert.Equal(t, number, "0654321")
	assert.Equal(t, dir.Connection().Valid(), true)
}
