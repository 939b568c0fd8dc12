// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MaxNameLength bounds a vended name
const MaxNameLength = 255

// Registry maps names to endpoints. A name is held by at most one server
// at a time within a registry's scope.
type Registry interface {
	// Register binds name to ep, failing with ErrNameTaken if it is held
	Register(ctx context.Context, name string, ep Endpoint) error

	// Unregister releases name
	Unregister(ctx context.Context, name string) error

	// Resolve returns the endpoint name is bound to, or ErrNameNotFound
	Resolve(ctx context.Context, name string) (Endpoint, error)
}

// Entry is one registered name
type Entry struct {
	Name     string   `json:"name"`
	Endpoint Endpoint `json:"endpoint"`
}

// Lister is implemented by registries that can enumerate their names
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// listenHinter picks where Vend listens when no endpoint is given.
type listenHinter interface {
	ListenHint(name string) Endpoint
}

func listenHint(r Registry, name string) Endpoint {
	if h, ok := r.(listenHinter); ok {
		return h.ListenHint(name)
	}
	return TCPEndpoint("127.0.0.1:0")
}

// reclaimer drops an entry left by a holder that no longer answers. Vend runs
// it before listening, since a fresh server may bind the very endpoint the
// stale entry names.
type reclaimer interface {
	reclaim(ctx context.Context, name string) error
}

// ValidateName checks that name can be vended: non-empty, bounded, no path
// separators, no host selector, no leading dot, no whitespace or control
// characters.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	case strings.ContainsAny(name, `/\@`):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidName, name)
		}
	}
	return nil
}

// MemoryRegistry is a process-scoped registry
type MemoryRegistry struct {
	mu    sync.RWMutex
	names map[string]Endpoint
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Lister   = (*MemoryRegistry)(nil)
)

// NewMemoryRegistry returns an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{names: make(map[string]Endpoint)}
}

func (r *MemoryRegistry) Register(_ context.Context, name string, ep Endpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	r.names[name] = ep
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	delete(r.names, name)
	return nil
}

func (r *MemoryRegistry) Resolve(_ context.Context, name string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.names[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	return ep, nil
}

func (r *MemoryRegistry) List(context.Context) ([]Entry, error) {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.names))
	for n, ep := range r.names {
		entries = append(entries, Entry{Name: n, Endpoint: ep})
	}
	r.mu.RUnlock()
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
