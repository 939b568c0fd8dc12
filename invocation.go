// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ObjectID names an object in the export table of the peer that owns it.
// It is stable for the lifetime of the connection.
type ObjectID uint64

// RootID is the id of a connection's root object
const RootID ObjectID = 0

// Mode is the passing mode of an argument
type Mode uint8

const (
	ModeCopy  Mode = iota // serialized inline
	ModeRef               // sent as a reference, received as a proxy
	ModeIn                // pointer, value sent but not returned
	ModeOut               // pointer, value returned but not sent
	ModeInOut             // pointer, value sent and returned
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeRef:
		return "ref"
	case ModeIn:
		return "in"
	case ModeOut:
		return "out"
	case ModeInOut:
		return "inout"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m Mode) scalar() bool  { return m == ModeIn || m == ModeOut || m == ModeInOut }
func (m Mode) sends() bool   { return m != ModeOut }
func (m Mode) returns() bool { return m == ModeOut || m == ModeInOut }

// Owner says which side of the connection exported a referenced object,
// relative to the side sending the reference.
type Owner uint8

const (
	OwnerSender   Owner = 0 // the sender's export; the receiver gets a proxy
	OwnerReceiver Owner = 1 // the receiver's own export coming back home
)

// Reference is the wire form of a by-reference value
type Reference struct {
	Owner    Owner    `json:"owner"`
	ID       ObjectID `json:"id"`
	Endpoint Endpoint `json:"endpoint,omitempty"`
}

// Argument is one encoded argument or result
type Argument struct {
	Mode  Mode            `json:"mode"`
	Value json.RawMessage `json:"value,omitempty"`
	Ref   *Reference      `json:"ref,omitempty"`
}

// Invocation is the body of a request or notify frame
type Invocation struct {
	Target ObjectID   `json:"target"`
	Method string     `json:"method"`
	Args   []Argument `json:"args,omitempty"`
}

// Reply is the body of a response frame
type Reply struct {
	Result *Argument               `json:"result,omitempty"`
	Outs   map[int]json.RawMessage `json:"outs,omitempty"`
	Error  *RemoteError            `json:"error,omitempty"`
}

// Arg is an argument with an explicit passing mode. Plain values are
// passed by copy and *Proxy values by reference.
type Arg struct {
	mode Mode
	v    any
	raw  bool
}

// ByRef passes obj by reference: the receiver gets a proxy that calls back
// into obj.
func ByRef(obj any) Arg { return Arg{mode: ModeRef, v: obj} }

// ByCopy passes v serialized, even when v is an object that would
// otherwise travel by reference.
func ByCopy(v any) Arg { return Arg{mode: ModeCopy, v: v} }

// In passes the value ptr points at; changes made by the callee are not
// returned.
func In(ptr any) Arg { return Arg{mode: ModeIn, v: ptr} }

// Out passes nothing; the callee's value is written back into ptr.
func Out(ptr any) Arg { return Arg{mode: ModeOut, v: ptr} }

// InOut passes the value ptr points at and writes the callee's value back.
func InOut(ptr any) Arg { return Arg{mode: ModeInOut, v: ptr} }

// rawArg carries an already encoded value through a forwarding hop.
func rawArg(mode Mode, raw json.RawMessage) Arg { return Arg{mode: mode, v: raw, raw: true} }

func (c *Connection) encodeArgs(args []any) ([]Argument, error) {
	out := make([]Argument, len(args))
	for i, a := range args {
		enc, err := c.encodeArg(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func (c *Connection) encodeArg(v any) (Argument, error) {
	switch a := v.(type) {
	case Arg:
		return c.encodeModal(a)
	case *Proxy:
		if a == nil {
			return Argument{Mode: ModeCopy, Value: json.RawMessage("null")}, nil
		}
		ref, err := c.encodeRef(a)
		if err != nil {
			return Argument{}, err
		}
		return Argument{Mode: ModeRef, Ref: ref}, nil
	default:
		raw, err := encodeValue(v)
		if err != nil {
			return Argument{}, err
		}
		return Argument{Mode: ModeCopy, Value: raw}, nil
	}
}

func (c *Connection) encodeModal(a Arg) (Argument, error) {
	if a.raw {
		return Argument{Mode: a.mode, Value: a.v.(json.RawMessage)}, nil
	}
	switch a.mode {
	case ModeRef:
		ref, err := c.encodeRef(a.v)
		if err != nil {
			return Argument{}, err
		}
		return Argument{Mode: ModeRef, Ref: ref}, nil
	case ModeCopy:
		raw, err := encodeValue(a.v)
		if err != nil {
			return Argument{}, err
		}
		return Argument{Mode: ModeCopy, Value: raw}, nil
	}

	pv := reflect.ValueOf(a.v)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		return Argument{}, fmt.Errorf("%w: %s argument needs a non-nil pointer, got %T", ErrBadArgument, a.mode, a.v)
	}
	if !a.mode.sends() {
		return Argument{Mode: a.mode}, nil
	}
	raw, err := encodeValue(pv.Elem().Interface())
	if err != nil {
		return Argument{}, err
	}
	return Argument{Mode: a.mode, Value: raw}, nil
}

// encodeRef turns obj into a reference valid on c. Proxies bound to c go
// home as the peer's own object; anything else is exported by c.
func (c *Connection) encodeRef(obj any) (*Reference, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: nil reference", ErrBadArgument)
	}
	if p, ok := obj.(*Proxy); ok {
		if !p.Valid() {
			return nil, ErrInvalidProxy
		}
		if p.conn == c {
			return &Reference{Owner: OwnerReceiver, ID: p.id}, nil
		}
	}
	id := c.exports.export(obj)
	return &Reference{Owner: OwnerSender, ID: id, Endpoint: c.local}, nil
}

// decodeRef resolves a reference received on c.
func (c *Connection) decodeRef(ref *Reference) (any, error) {
	switch ref.Owner {
	case OwnerReceiver:
		obj, ok := c.object(ref.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownObject, ref.ID)
		}
		return obj, nil
	case OwnerSender:
		return c.Proxy(ref.ID), nil
	default:
		return nil, fmt.Errorf("%w: reference owner %d", ErrBadArgument, ref.Owner)
	}
}

// assignRef stores a decoded reference into the caller's reply pointer.
func assignRef(reply any, obj any) error {
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: reply must be a non-nil pointer, got %T", ErrBadArgument, reply)
	}
	ov := reflect.ValueOf(obj)
	if !ov.Type().AssignableTo(rv.Elem().Type()) {
		return fmt.Errorf("%w: cannot store %T in %s", ErrBadArgument, obj, rv.Elem().Type())
	}
	rv.Elem().Set(ov)
	return nil
}
