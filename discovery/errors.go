// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"errors"

	"github.com/gorilla/rpc/v2/json2"
)

var (
	ErrNameTaken   = errors.New("discovery: name already registered")
	ErrNotFound    = errors.New("discovery: name not found")
	ErrBadLease    = errors.New("discovery: lease does not match")
	ErrInvalidName = errors.New("discovery: invalid name")
)

// JSON-RPC error codes, in the implementation-defined server range
const (
	CodeNameTaken   json2.ErrorCode = -32010
	CodeNotFound    json2.ErrorCode = -32011
	CodeBadLease    json2.ErrorCode = -32012
	CodeInvalidName json2.ErrorCode = -32013
)

var codes = []struct {
	code json2.ErrorCode
	err  error
}{
	{CodeNameTaken, ErrNameTaken},
	{CodeNotFound, ErrNotFound},
	{CodeBadLease, ErrBadLease},
	{CodeInvalidName, ErrInvalidName},
}

// rpcError converts a service error into its JSON-RPC form
func rpcError(err error) error {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &json2.Error{Code: c.code, Message: err.Error()}
		}
	}
	return err
}

// Error is a failure reported by a discovery daemon
type Error struct {
	Code    json2.ErrorCode
	Message string
	err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// fromRPCError maps a JSON-RPC error back onto the package sentinels
func fromRPCError(e *json2.Error) error {
	for _, c := range codes {
		if e.Code == c.code {
			return &Error{Code: e.Code, Message: e.Message, err: c.err}
		}
	}
	return &Error{Code: e.Code, Message: e.Message}
}
