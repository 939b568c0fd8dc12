// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Loop serializes inbound invocations. Reader goroutines queue events; the
// goroutine holding the loop token dispatches them one at a time, so object
// methods never run concurrently with each other.
//
// A goroutine blocked in a synchronous call keeps the loop turning when it
// is itself the loop (its context came from a dispatch) or when nobody else
// holds the token, which is what makes re-entrant calls work:
//
//	A calls B.Register(ByRef(cb)), B calls cb.Ping() before replying,
//	A's waiting Register call dispatches Ping.
type Loop struct {
	mu    sync.Mutex
	queue []event

	wake     chan struct{}
	token    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	obsMu     sync.Mutex
	observers map[uint64]func(*Connection, error)
	nextObs   uint64

	log zerolog.Logger
}

type event struct {
	conn  *Connection
	frame frame
}

// NewLoop returns an idle loop
func NewLoop() *Loop {
	l := &Loop{
		wake:      make(chan struct{}, 1),
		token:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		observers: make(map[uint64]func(*Connection, error)),
		log:       log.Logger.With().Str("component", "dobj.loop").Logger(),
	}
	l.token <- struct{}{}
	return l
}

var defaultLoop = sync.OnceValue(NewLoop)

// DefaultLoop is the loop connections use unless WithLoop says otherwise
func DefaultLoop() *Loop { return defaultLoop() }

// Run dispatches inbound invocations until ctx is done or Stop is called.
// Only one Run (or waiting caller) holds the loop at a time.
func (l *Loop) Run(ctx context.Context) error {
	select {
	case <-l.stop:
		return ErrLoopStopped
	default:
	}
	select {
	case <-l.token:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrLoopStopped
	}
	defer l.release()

	for {
		l.drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

// Stop ends Run. A stopped loop cannot be run again.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Pending returns the number of queued events
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Observe registers fn to be told about every connection on this loop that
// dies, with the cause. The returned func unregisters it.
func (l *Loop) Observe(fn func(*Connection, error)) (cancel func()) {
	l.obsMu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.obsMu.Unlock()
	return func() {
		l.obsMu.Lock()
		delete(l.observers, id)
		l.obsMu.Unlock()
	}
}

func (l *Loop) notifyClosed(c *Connection, cause error) {
	l.obsMu.Lock()
	fns := make([]func(*Connection, error), 0, len(l.observers))
	for _, fn := range l.observers {
		fns = append(fns, fn)
	}
	l.obsMu.Unlock()
	for _, fn := range fns {
		fn(c, cause)
	}
}

func (l *Loop) post(ev event) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) pop() (event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return event{}, false
	}
	ev := l.queue[0]
	l.queue[0] = event{}
	l.queue = l.queue[1:]
	return ev, true
}

func (l *Loop) release() { l.token <- struct{}{} }

func (l *Loop) drain() {
	for {
		ev, ok := l.pop()
		if !ok {
			return
		}
		l.dispatch(ev)
	}
}

func (l *Loop) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Str("conn", ev.conn.ID()).Msg("dispatch panicked")
		}
	}()
	ctx := withDispatch(context.Background(), l, ev.conn)
	ev.conn.handle(ctx, ev.frame)
}

// await waits for a reply on ch, dispatching inbound events while it holds
// the loop.
func (l *Loop) await(ctx context.Context, ch <-chan *Reply, dead <-chan struct{}) (*Reply, error) {
	owned := fromLoop(ctx) == l
	acquired := false
	defer func() {
		if acquired {
			l.release()
		}
	}()

	for {
		var token, wake chan struct{}
		if owned {
			select {
			case rep := <-ch:
				return rep, nil
			default:
			}
			if ev, ok := l.pop(); ok {
				l.dispatch(ev)
				continue
			}
			wake = l.wake
		} else {
			token = l.token
		}

		select {
		case rep := <-ch:
			return rep, nil
		case <-dead:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-token:
			owned, acquired = true, true
		case <-wake:
		}
	}
}

type loopKey struct{}

type connKey struct{}

func withDispatch(ctx context.Context, l *Loop, c *Connection) context.Context {
	ctx = context.WithValue(ctx, loopKey{}, l)
	return context.WithValue(ctx, connKey{}, c)
}

func fromLoop(ctx context.Context) *Loop {
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}

// ConnectionFromContext returns the connection an invocation arrived on,
// or nil outside a dispatch.
func ConnectionFromContext(ctx context.Context) *Connection {
	c, _ := ctx.Value(connKey{}).(*Connection)
	return c
}
