// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProtocolVersion is exchanged in the hello frame. Peers with a different
// version refuse the connection.
const ProtocolVersion = 1

var errShortFrame = errors.New("dobj: short frame")

// MessageType identifies frame types
type MessageType uint8

const (
	MsgHello    MessageType = 0x01
	MsgRequest  MessageType = 0x02
	MsgNotify   MessageType = 0x03
	MsgResponse MessageType = 0x04
	MsgRelease  MessageType = 0x05
	MsgGoodbye  MessageType = 0x06
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgRequest:
		return "request"
	case MsgNotify:
		return "notify"
	case MsgResponse:
		return "response"
	case MsgRelease:
		return "release"
	case MsgGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// frameHeaderLen is [1 type][8 seq]
const frameHeaderLen = 9

type frame struct {
	typ  MessageType
	seq  uint64
	body []byte
}

func encodeFrame(typ MessageType, seq uint64, body []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(body))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint64(buf[1:9], seq)
	copy(buf[frameHeaderLen:], body)
	return buf
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) < frameHeaderLen {
		return frame{}, errShortFrame
	}
	return frame{
		typ:  MessageType(b[0]),
		seq:  binary.BigEndian.Uint64(b[1:9]),
		body: b[frameHeaderLen:],
	}, nil
}

// hello is the first frame each side sends.
type hello struct {
	Version  int      `json:"version"`
	ID       string   `json:"id"`
	Endpoint Endpoint `json:"endpoint,omitempty"`
}

type release struct {
	ID ObjectID `json:"id"`
}

// Endpoint is a URL naming a reachable listener, e.g. tcp://host:port,
// unix:///run/user/1000/dobj/Directory.sock, ws://host:port/dobj or
// grpc://host:port.
type Endpoint string

// TCPEndpoint returns the tcp endpoint for addr
func TCPEndpoint(addr string) Endpoint { return Endpoint("tcp://" + addr) }

// UnixEndpoint returns the unix socket endpoint for path
func UnixEndpoint(path string) Endpoint { return Endpoint("unix://" + path) }

func (e Endpoint) String() string { return string(e) }

// Scheme returns the transport scheme of e
func (e Endpoint) Scheme() string {
	s, _, ok := strings.Cut(string(e), "://")
	if !ok {
		return ""
	}
	return s
}

// URL parses e
func (e Endpoint) URL() (*url.URL, error) {
	u, err := url.Parse(string(e))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", e, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, e)
	}
	return u, nil
}
