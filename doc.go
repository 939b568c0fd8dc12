// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dobj lets one process talk to objects living in another as if
// they were local.
//
// # Vending and lookup
//
// A server vends a root object under a name; clients look the name up and
// get a *Proxy for it:
//
//	srv, err := dobj.Vend(ctx, "directory", &Directory{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//
//	dir, err := dobj.Lookup(ctx, "directory")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	var number string
//	err = dir.Call(ctx, "lookup", &number, "Jack")
//
// Names live in a Registry. LocalRegistry (the default) scopes names to the
// current user on this host, NetworkRegistry resolves them through one or
// more discovery daemons (see package discovery) and understands name@host
// and name@*. MemoryRegistry is process-local and mostly useful in tests.
//
// # Arguments
//
// Plain values travel by copy (JSON, or protojson for protobuf messages).
// *Proxy values and anything wrapped in ByRef travel by reference: the
// receiver gets a proxy that calls back into the original object, and a
// reference that comes home decodes to the original object again.
// In, Out and InOut pass pointers whose values are sent, returned or both.
//
// # Dispatch
//
// Inbound invocations are queued on a Loop and run one at a time. A
// synchronous call waiting for its reply keeps the loop turning, so a peer
// can call back into the caller before answering. Methods may take a
// leading context.Context; pass it on to nested calls so they are serviced
// from the same loop. Vend runs the server's loop; a client that expects
// callbacks outside its own calls runs its loop with Loop.Run.
//
// # Transports
//
// Endpoints are URLs. The registered schemes are:
//
//   - tcp: length-prefixed frames over TCP (default for network scope)
//   - unix: length-prefixed frames over a unix socket (default for local scope)
//   - ws: one websocket binary message per frame
//   - grpc: one stream message per frame on a bidi gRPC stream
//
// # Failure
//
// A call that gets no reply within its deadline fails with ErrTimeout and
// tears its connection down. A dead connection invalidates its proxies
// before observers registered with OnClose or Loop.Observe run, and nothing
// is retried behind the caller's back.
package dobj
