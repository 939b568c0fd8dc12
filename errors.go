// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"errors"
	"fmt"
)

var (
	ErrNameTaken        = errors.New("dobj: name already registered")
	ErrNameNotFound     = errors.New("dobj: name not found")
	ErrInvalidName      = errors.New("dobj: invalid name")
	ErrTimeout          = errors.New("dobj: reply timeout")
	ErrConnectionClosed = errors.New("dobj: connection closed")
	ErrInvalidProxy     = errors.New("dobj: proxy invalidated")
	ErrRootAlreadySet   = errors.New("dobj: root object already set")
	ErrUnknownObject    = errors.New("dobj: unknown object")
	ErrUnknownMethod    = errors.New("dobj: unknown method")
	ErrBadArgument      = errors.New("dobj: bad argument")
	ErrOneWayOut        = errors.New("dobj: one-way call cannot carry out parameters")
	ErrVersionMismatch  = errors.New("dobj: protocol version mismatch")
	ErrUnknownScheme    = errors.New("dobj: unknown endpoint scheme")
	ErrFrameTooLarge    = errors.New("dobj: frame too large")
	ErrAddressInUse     = errors.New("dobj: address in use")
	ErrLoopStopped      = errors.New("dobj: loop stopped")
)

// Remote failure codes carried in RemoteError.Code.
const (
	CodeApplication   = ""
	CodePanic         = "panic"
	CodeUnknownObject = "unknown_object"
	CodeUnknownMethod = "unknown_method"
	CodeBadArgument   = "bad_argument"
	CodeUnreachable   = "unreachable"
)

// RemoteError is a failure raised by the remote method (or by the remote
// dispatcher while locating it). It travels back in the reply of a
// synchronous call and is returned from Proxy.Call as if raised locally.
type RemoteError struct {
	Method  string `json:"method,omitempty"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("dobj: remote error: %s", e.Message)
	}
	return fmt.Sprintf("dobj: remote %s: %s", e.Method, e.Message)
}

// Is lets errors.Is match dispatcher-side failures against the local
// sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeUnknownObject:
		return target == ErrUnknownObject
	case CodeUnknownMethod:
		return target == ErrUnknownMethod
	case CodeBadArgument:
		return target == ErrBadArgument
	case CodeUnreachable:
		return target == ErrConnectionClosed
	}
	return false
}

func newRemoteError(method, code string, err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{
		Method:  method,
		Code:    code,
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}
