// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Transport schemes
const (
	SchemeTCP  = "tcp"  // length-prefixed frames over TCP
	SchemeUnix = "unix" // length-prefixed frames over a unix socket, local scope
	SchemeWS   = "ws"   // one websocket binary message per frame
	SchemeGRPC = "grpc" // one stream message per frame over a gRPC bidi stream
)

type dialFunc func(ctx context.Context, ep Endpoint, o *dialOptions) (Transport, error)
type listenFunc func(ep Endpoint, o *dialOptions) (Listener, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportEntry{
		SchemeTCP:  {dialStream, listenStream},
		SchemeUnix: {dialStream, listenStream},
	}
)

// registerTransport registers a new transport scheme
func registerTransport(scheme string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = transportEntry{dial, listen}
}

func lookupTransport(ep Endpoint) (transportEntry, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	e, ok := transports[ep.Scheme()]
	if !ok {
		return transportEntry{}, fmt.Errorf("%w: %q", ErrUnknownScheme, ep)
	}
	return e, nil
}

// AvailableTransports returns the registered schemes in sorted order
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a scheme is available
func HasTransport(scheme string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[scheme]
	return ok
}

// DialTransport opens a raw transport to ep without the dobj handshake.
func DialTransport(ctx context.Context, ep Endpoint, opts ...DialOption) (Transport, error) {
	e, err := lookupTransport(ep)
	if err != nil {
		return nil, err
	}
	return e.dial(ctx, ep, newDialOptions(opts))
}

// ListenTransport opens a raw listener on ep.
func ListenTransport(ep Endpoint, opts ...DialOption) (Listener, error) {
	e, err := lookupTransport(ep)
	if err != nil {
		return nil, err
	}
	return e.listen(ep, newDialOptions(opts))
}
