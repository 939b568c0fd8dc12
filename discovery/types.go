// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery implements the network name service used to resolve
// vended names across hosts. A daemon serves a JSON-RPC 2.0 "Names" service
// over HTTP; registrations are leased and expire unless renewed.
package discovery

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultPort is where discovery daemons listen
	DefaultPort = 7464

	// DefaultLeaseTTL is granted when a registration asks for none
	DefaultLeaseTTL = 30 * time.Second

	// MinLeaseTTL and MaxLeaseTTL bound requested leases
	MinLeaseTTL = time.Second
	MaxLeaseTTL = 10 * time.Minute

	// ServiceName is the JSON-RPC service name
	ServiceName = "Names"

	// RPCPath is the JSON-RPC route
	RPCPath = "/rpc"

	maxNameLength = 255
)

// Entry is a registered name
type Entry struct {
	Name       string    `json:"name"`
	Endpoint   string    `json:"endpoint"`
	Registered time.Time `json:"registered"`
	Expires    time.Time `json:"expires"`

	lease string
}

type RegisterArgs struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	TTLMillis int64  `json:"ttlMillis,omitempty"`
}

type RegisterReply struct {
	Lease     string `json:"lease"`
	TTLMillis int64  `json:"ttlMillis"`
}

type RenewArgs struct {
	Name  string `json:"name"`
	Lease string `json:"lease"`
}

type RenewReply struct {
	TTLMillis int64 `json:"ttlMillis"`
}

type UnregisterArgs struct {
	Name  string `json:"name"`
	Lease string `json:"lease"`
}

type UnregisterReply struct{}

type ResolveArgs struct {
	Name string `json:"name"`
}

type ResolveReply struct {
	Endpoint string `json:"endpoint"`
}

type ListArgs struct{}

type ListReply struct {
	Entries []Entry `json:"entries"`
}

// validName applies the same rules as vended names
func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: too long", ErrInvalidName)
	case strings.ContainsAny(name, `/\@`), strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func clampTTL(ttl, def time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return def
	case ttl < MinLeaseTTL:
		return MinLeaseTTL
	case ttl > MaxLeaseTTL:
		return MaxLeaseTTL
	}
	return ttl
}
