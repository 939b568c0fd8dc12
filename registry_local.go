// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

const (
	entrySuffix  = ".ep"
	socketSuffix = ".sock"

	// maxSocketPath keeps unix socket paths under sun_path limits
	maxSocketPath = 100
)

// LocalRegistry scopes names to the current user on the current host. Each
// name is a file in a private directory holding the server's endpoint; it
// never touches the network.
type LocalRegistry struct {
	dir string

	mu    sync.Mutex
	owned map[string]Endpoint
}

var (
	_ Registry     = (*LocalRegistry)(nil)
	_ Lister       = (*LocalRegistry)(nil)
	_ listenHinter = (*LocalRegistry)(nil)
	_ reclaimer    = (*LocalRegistry)(nil)
)

// NewLocalRegistry uses dir as the name directory, creating it if needed
func NewLocalRegistry(dir string) (*LocalRegistry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("dobj: registry dir: %w", err)
	}
	return &LocalRegistry{dir: dir, owned: make(map[string]Endpoint)}, nil
}

// DefaultRegistryDir is $XDG_RUNTIME_DIR/dobj, or a per-uid directory under
// the system temp dir.
func DefaultRegistryDir() string {
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, "dobj")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("dobj-%d", os.Getuid()))
}

var defaultLocalRegistry = sync.OnceValues(func() (*LocalRegistry, error) {
	return NewLocalRegistry(DefaultRegistryDir())
})

// DefaultLocalRegistry is the registry Vend and Lookup use when none is
// configured.
func DefaultLocalRegistry() (*LocalRegistry, error) { return defaultLocalRegistry() }

// Dir returns the name directory
func (r *LocalRegistry) Dir() string { return r.dir }

// Register claims name. A file left by a server that no longer answers is
// reclaimed; an entry whose endpoint answers is never displaced, even when it
// names ep itself.
func (r *LocalRegistry) Register(ctx context.Context, name string, ep Endpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := r.entryPath(name)

	for attempt := 0; attempt < 2; attempt++ {
		err := r.create(path, ep)
		if err == nil {
			r.mu.Lock()
			r.owned[name] = ep
			r.mu.Unlock()
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if err := r.reclaim(ctx, name); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrNameTaken, name)
}

// reclaim removes name's entry when its endpoint no longer answers. It
// returns ErrNameTaken while the holder is alive.
func (r *LocalRegistry) reclaim(ctx context.Context, name string) error {
	path := r.entryPath(name)
	existing, err := readEntry(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err == nil && endpointAlive(ctx, existing):
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	// an empty or unreadable entry has no live holder
	removed, err := r.removeIf(path, existing)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dobj: reclaim %s: %w", name, err)
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	return nil
}

// removeIf deletes the entry at path only while it still holds want. The
// entry is first renamed aside so a concurrent registrant's fresh entry is
// never deleted; if one was caught, it is linked back into place. An empty
// want matches an empty or unreadable entry.
func (r *LocalRegistry) removeIf(path string, want Endpoint) (bool, error) {
	aside := filepath.Join(r.dir, ".stale-"+ulid.Make().String())
	if err := os.Rename(path, aside); err != nil {
		return false, err
	}
	defer os.Remove(aside)

	got, err := readEntry(aside)
	if err != nil {
		got = ""
	}
	if got == want {
		return true, nil
	}
	if err := os.Link(aside, path); err != nil && !errors.Is(err, fs.ErrExist) {
		return false, err
	}
	return false, nil
}

// create publishes ep at path atomically: the entry is written to a
// temporary file and hard-linked into place, so readers never see a partial
// entry and an existing one is never overwritten.
func (r *LocalRegistry) create(path string, ep Endpoint) error {
	tmp, err := os.CreateTemp(r.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("dobj: registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(string(ep)); err != nil {
		tmp.Close()
		return fmt.Errorf("dobj: registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dobj: registry: %w", err)
	}
	return os.Link(tmp.Name(), path)
}

// Unregister removes name. An entry this registry created is removed only
// while it still holds the endpoint registered here, so a server whose stale
// name was reclaimed cannot delete the new holder's entry.
func (r *LocalRegistry) Unregister(_ context.Context, name string) error {
	path := r.entryPath(name)

	r.mu.Lock()
	ep, ok := r.owned[name]
	delete(r.owned, name)
	r.mu.Unlock()

	if ok {
		removed, err := r.removeIf(path, ep)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("dobj: unregister %s: %w", name, err)
		}
		if !removed {
			return fmt.Errorf("%w: %s", ErrNameNotFound, name)
		}
		return nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNameNotFound, name)
		}
		return fmt.Errorf("dobj: unregister %s: %w", name, err)
	}
	return nil
}

func (r *LocalRegistry) Resolve(_ context.Context, name string) (Endpoint, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	ep, err := readEntry(r.entryPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNameNotFound, name)
		}
		return "", err
	}
	return ep, nil
}

func (r *LocalRegistry) List(context.Context) ([]Entry, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("dobj: list: %w", err)
	}
	var entries []Entry
	for _, f := range files {
		name, ok := strings.CutSuffix(f.Name(), entrySuffix)
		if !ok || f.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ep, err := readEntry(filepath.Join(r.dir, f.Name()))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: name, Endpoint: ep})
	}
	sortEntries(entries)
	return entries, nil
}

// ListenHint puts the server's socket next to its entry
func (r *LocalRegistry) ListenHint(name string) Endpoint {
	path := filepath.Join(r.dir, name+socketSuffix)
	if len(path) > maxSocketPath {
		return TCPEndpoint("127.0.0.1:0")
	}
	return UnixEndpoint(path)
}

func (r *LocalRegistry) entryPath(name string) string {
	return filepath.Join(r.dir, name+entrySuffix)
}

func readEntry(path string) (Endpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ep := Endpoint(strings.TrimSpace(string(b)))
	if ep == "" {
		return "", fmt.Errorf("dobj: empty registry entry %s", filepath.Base(path))
	}
	return ep, nil
}
