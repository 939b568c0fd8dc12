// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Built-in methods every dispatcher answers
const (
	methodPing = "@ping"
	methodList = "@methods"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// dispatch decodes an inbound invocation, runs it against the target and
// replies (synchronous) or logs the failure (one-way).
func (c *Connection) dispatch(ctx context.Context, f frame) {
	oneWay := f.typ == MsgNotify
	kind := "call"
	if oneWay {
		kind = "notify"
	}
	start := time.Now()

	var inv Invocation
	if err := c.codec.Decode(f.body, &inv); err != nil {
		c.log.Warn().Err(err).Msg("undecodable invocation")
		recordInbound(kind, "bad_request", time.Since(start))
		if !oneWay {
			c.reply(f.seq, &Reply{Error: &RemoteError{Code: CodeBadArgument, Message: err.Error()}})
		}
		return
	}

	rep := c.invoke(ctx, &inv, oneWay)

	outcome := "ok"
	if rep.Error != nil {
		outcome = "error"
		if rep.Error.Code != CodeApplication {
			outcome = rep.Error.Code
		}
	}
	recordInbound(kind, outcome, time.Since(start))

	if oneWay {
		if rep.Error != nil {
			c.log.Warn().
				Str("method", inv.Method).
				Str("code", rep.Error.Code).
				Str("error", rep.Error.Message).
				Msg("one-way invocation failed")
		}
		return
	}
	c.reply(f.seq, rep)
}

func (c *Connection) reply(seq uint64, rep *Reply) {
	body, err := c.codec.Encode(rep)
	if err != nil {
		body, _ = c.codec.Encode(&Reply{Error: &RemoteError{Code: CodeBadArgument, Message: "encode reply: " + err.Error()}})
	}
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	if err := c.transport.Send(ctx, encodeFrame(MsgResponse, seq, body)); err != nil {
		// a partial frame leaves the stream unusable
		c.log.Debug().Err(err).Uint64("seq", seq).Msg("reply not sent")
		c.sendFailed(err)
	}
}

func (c *Connection) invoke(ctx context.Context, inv *Invocation, oneWay bool) *Reply {
	if inv.Method == methodPing {
		return &Reply{}
	}
	target, ok := c.object(inv.Target)
	if !ok {
		return errReply(inv.Method, CodeUnknownObject, fmt.Errorf("%w: %d", ErrUnknownObject, inv.Target))
	}
	if p, ok := target.(*Proxy); ok {
		return c.forward(ctx, p, inv, oneWay)
	}
	if inv.Method == methodList {
		raw, err := encodeValue(methodNames(target))
		if err != nil {
			return errReply(inv.Method, CodeBadArgument, err)
		}
		return &Reply{Result: &Argument{Mode: ModeCopy, Value: raw}}
	}
	return c.invokeMethod(ctx, target, inv)
}

func (c *Connection) invokeMethod(ctx context.Context, target any, inv *Invocation) (rep *Reply) {
	m, err := lookupMethod(reflect.ValueOf(target), inv.Method)
	if err != nil {
		return errReply(inv.Method, CodeUnknownMethod, err)
	}
	mt := m.Type()
	in, scalars, err := c.decodeArgs(ctx, mt, inv.Args)
	if err != nil {
		return errReply(inv.Method, CodeBadArgument, err)
	}

	defer func() {
		if r := recover(); r != nil {
			rep = &Reply{Error: &RemoteError{
				Method:  inv.Method,
				Code:    CodePanic,
				Type:    "panic",
				Message: fmt.Sprint(r),
			}}
		}
	}()
	result, callErr := splitResults(mt, m.Call(in))
	if callErr != nil {
		return errReply(inv.Method, CodeApplication, callErr)
	}

	rep = &Reply{}
	if len(scalars) > 0 {
		rep.Outs = make(map[int]json.RawMessage, len(scalars))
		for i, ptr := range scalars {
			raw, err := encodeValue(ptr.Elem().Interface())
			if err != nil {
				return errReply(inv.Method, CodeBadArgument, fmt.Errorf("out argument %d: %w", i, err))
			}
			rep.Outs[i] = raw
		}
	}
	if result.IsValid() {
		arg, err := c.encodeArg(result.Interface())
		if err != nil {
			return errReply(inv.Method, CodeBadArgument, fmt.Errorf("result: %w", err))
		}
		rep.Result = &arg
	}
	return rep
}

// decodeArgs builds the reflect arguments for mt. Pointers for out and
// inout arguments are returned keyed by argument index.
func (c *Connection) decodeArgs(ctx context.Context, mt reflect.Type, args []Argument) ([]reflect.Value, map[int]reflect.Value, error) {
	offset := 0
	in := make([]reflect.Value, 0, mt.NumIn())
	if mt.NumIn() > 0 && mt.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}
	if want := mt.NumIn() - offset; want != len(args) {
		return nil, nil, fmt.Errorf("%w: want %d arguments, got %d", ErrBadArgument, want, len(args))
	}

	var scalars map[int]reflect.Value
	for i, a := range args {
		pt := mt.In(i + offset)
		switch {
		case a.Mode == ModeRef:
			if a.Ref == nil {
				return nil, nil, fmt.Errorf("%w: argument %d has no reference", ErrBadArgument, i)
			}
			obj, err := c.decodeRef(a.Ref)
			if err != nil {
				return nil, nil, err
			}
			ov := reflect.ValueOf(obj)
			if !ov.Type().AssignableTo(pt) {
				return nil, nil, fmt.Errorf("%w: argument %d: cannot use %T as %s", ErrBadArgument, i, obj, pt)
			}
			in = append(in, ov)

		case a.Mode.scalar():
			if pt.Kind() != reflect.Pointer {
				return nil, nil, fmt.Errorf("%w: argument %d: %s argument needs a pointer parameter, have %s", ErrBadArgument, i, a.Mode, pt)
			}
			ptr := reflect.New(pt.Elem())
			if a.Mode.sends() {
				if err := decodeInto(a.Value, ptr.Interface()); err != nil {
					return nil, nil, fmt.Errorf("%w: argument %d: %v", ErrBadArgument, i, err)
				}
			}
			in = append(in, ptr)
			if a.Mode.returns() {
				if scalars == nil {
					scalars = make(map[int]reflect.Value)
				}
				scalars[i] = ptr
			}

		default:
			v, err := decodeValue(a.Value, pt)
			if err != nil {
				return nil, nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}
	return in, scalars, nil
}

// forward relays an invocation addressed to an exported proxy on to the
// proxy's own connection, translating references on the way through.
func (c *Connection) forward(ctx context.Context, p *Proxy, inv *Invocation, oneWay bool) *Reply {
	args := make([]any, len(inv.Args))
	for i, a := range inv.Args {
		if a.Mode != ModeRef {
			args[i] = rawArg(a.Mode, a.Value)
			continue
		}
		if a.Ref == nil {
			return errReply(inv.Method, CodeBadArgument, fmt.Errorf("%w: argument %d has no reference", ErrBadArgument, i))
		}
		obj, err := c.decodeRef(a.Ref)
		if err != nil {
			return errReply(inv.Method, CodeBadArgument, err)
		}
		args[i] = asRef(obj)
	}

	if err := p.check(); err != nil {
		return errReply(inv.Method, CodeUnreachable, err)
	}
	next := p.conn
	if oneWay {
		if err := next.notify(ctx, p.id, inv.Method, args); err != nil {
			return errReply(inv.Method, CodeUnreachable, err)
		}
		return &Reply{}
	}

	encArgs, err := next.encodeArgs(args)
	if err != nil {
		return errReply(inv.Method, CodeBadArgument, err)
	}
	rep, err := next.roundTrip(ctx, &Invocation{Target: p.id, Method: inv.Method, Args: encArgs})
	if err != nil {
		return errReply(inv.Method, CodeUnreachable, err)
	}
	if rep.Error != nil {
		return &Reply{Error: rep.Error}
	}

	out := &Reply{Outs: rep.Outs}
	if res := rep.Result; res != nil {
		if res.Mode == ModeRef && res.Ref != nil {
			obj, err := next.decodeRef(res.Ref)
			if err != nil {
				return errReply(inv.Method, CodeBadArgument, err)
			}
			arg, err := c.encodeArg(asRef(obj))
			if err != nil {
				return errReply(inv.Method, CodeBadArgument, err)
			}
			out.Result = &arg
		} else {
			out.Result = res
		}
	}
	return out
}

// asRef keeps a decoded reference travelling by reference.
func asRef(obj any) any {
	if p, ok := obj.(*Proxy); ok {
		return p
	}
	return ByRef(obj)
}

func errReply(method, code string, err error) *Reply {
	return &Reply{Error: newRemoteError(method, code, err)}
}

// lookupMethod finds a remotely callable method. Accepted shapes:
//
//	func([ctx context.Context,] args...)
//	func([ctx context.Context,] args...) error
//	func([ctx context.Context,] args...) T
//	func([ctx context.Context,] args...) (T, error)
func lookupMethod(v reflect.Value, name string) (reflect.Value, error) {
	if name == "" || strings.HasPrefix(name, "@") || !v.IsValid() {
		return reflect.Value{}, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	m := v.MethodByName(exportedName(name))
	if !m.IsValid() {
		return reflect.Value{}, fmt.Errorf("%w: %s on %s", ErrUnknownMethod, name, v.Type())
	}
	if err := checkSignature(m.Type()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %v", ErrUnknownMethod, name, err)
	}
	return m, nil
}

func checkSignature(mt reflect.Type) error {
	if mt.IsVariadic() {
		return fmt.Errorf("variadic methods cannot be invoked remotely")
	}
	switch mt.NumOut() {
	case 0, 1:
		return nil
	case 2:
		if mt.Out(1) != errorType {
			return fmt.Errorf("second result must be error, have %s", mt.Out(1))
		}
		return nil
	default:
		return fmt.Errorf("too many results (%d)", mt.NumOut())
	}
}

func splitResults(mt reflect.Type, results []reflect.Value) (reflect.Value, error) {
	switch len(results) {
	case 1:
		if mt.Out(0) == errorType {
			return reflect.Value{}, asError(results[0])
		}
		return results[0], nil
	case 2:
		return results[0], asError(results[1])
	default:
		return reflect.Value{}, nil
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// methodNames lists the remotely callable methods of obj, sorted.
func methodNames(obj any) []string {
	v := reflect.ValueOf(obj)
	t := v.Type()
	names := make([]string, 0, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		if checkSignature(v.Method(i).Type()) == nil {
			names = append(names, t.Method(i).Name)
		}
	}
	return names
}

// exportedName maps lookup to Lookup so peers can use either spelling.
func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
