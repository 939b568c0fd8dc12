// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/dobj/discovery"
)

// WildcardHost selects every configured discovery host
const WildcardHost = "*"

// WildcardPolicy decides what Resolve returns for name@*
type WildcardPolicy int

const (
	// FirstResponder returns the first host that knows the name
	FirstResponder WildcardPolicy = iota
	// AllResponders queries every host and returns the first in configured
	// order that knows the name
	AllResponders
)

func (p WildcardPolicy) String() string {
	switch p {
	case FirstResponder:
		return "first"
	case AllResponders:
		return "all"
	default:
		return "policy(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParseWildcardPolicy accepts "first" or "all"
func ParseWildcardPolicy(s string) (WildcardPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return FirstResponder, nil
	case "all":
		return AllResponders, nil
	default:
		return 0, fmt.Errorf("dobj: unknown wildcard policy %q", s)
	}
}

// Resolution is one host's answer for a name
type Resolution struct {
	Host     string
	Endpoint Endpoint
}

// NetworkRegistry resolves names through discovery daemons. Registrations
// go to the first configured host and are kept alive by lease renewal until
// unregistered. Names may select a host with name@host, or every host with
// name@*.
type NetworkRegistry struct {
	hosts   []string
	clients map[string]*discovery.Client
	policy  WildcardPolicy
	ttl     time.Duration
	http    *http.Client
	log     zerolog.Logger

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	name     string
	endpoint Endpoint
	token    string
	ttl      time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

var (
	_ Registry     = (*NetworkRegistry)(nil)
	_ Lister       = (*NetworkRegistry)(nil)
	_ listenHinter = (*NetworkRegistry)(nil)
)

// NetworkOption configures a NetworkRegistry
type NetworkOption func(*NetworkRegistry)

// WithWildcardPolicy sets how name@* is resolved
func WithWildcardPolicy(p WildcardPolicy) NetworkOption {
	return func(r *NetworkRegistry) { r.policy = p }
}

// WithLeaseTTL sets the lease requested on registration
func WithLeaseTTL(d time.Duration) NetworkOption {
	return func(r *NetworkRegistry) { r.ttl = d }
}

// WithHTTPClient sets the client used to talk to daemons
func WithHTTPClient(c *http.Client) NetworkOption {
	return func(r *NetworkRegistry) { r.http = c }
}

// WithNetworkLogger sets the registry logger
func WithNetworkLogger(l zerolog.Logger) NetworkOption {
	return func(r *NetworkRegistry) { r.log = l }
}

// NewNetworkRegistry uses the given discovery hosts, in priority order.
// With no hosts it uses the daemon on localhost.
func NewNetworkRegistry(hosts []string, opts ...NetworkOption) (*NetworkRegistry, error) {
	if len(hosts) == 0 {
		hosts = []string{net.JoinHostPort("localhost", strconv.Itoa(discovery.DefaultPort))}
	}
	r := &NetworkRegistry{
		hosts:   hosts,
		clients: make(map[string]*discovery.Client, len(hosts)),
		ttl:     discovery.DefaultLeaseTTL,
		log:     log.Logger.With().Str("component", "dobj.registry").Logger(),
		leases:  make(map[string]*lease),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, h := range hosts {
		c, err := discovery.NewClient(h, r.http)
		if err != nil {
			return nil, err
		}
		r.clients[h] = c
	}
	return r, nil
}

// Hosts returns the configured discovery hosts
func (r *NetworkRegistry) Hosts() []string { return append([]string(nil), r.hosts...) }

func (r *NetworkRegistry) primary() *discovery.Client { return r.clients[r.hosts[0]] }

// Register claims name on the primary host and renews the lease in the
// background until Unregister or Close.
func (r *NetworkRegistry) Register(ctx context.Context, name string, ep Endpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	token, ttl, err := r.primary().Register(ctx, name, string(ep), r.ttl)
	if err != nil {
		return mapDiscoveryErr(err, name)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &lease{name: name, endpoint: ep, token: token, ttl: ttl, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	if old, ok := r.leases[name]; ok {
		old.cancel()
	}
	r.leases[name] = l
	r.mu.Unlock()

	go r.renew(renewCtx, l)
	return nil
}

func (r *NetworkRegistry) renew(ctx context.Context, l *lease) {
	defer close(l.done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := r.primary().Renew(ctx, l.name, l.token)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, discovery.ErrNotFound), errors.Is(err, discovery.ErrBadLease):
			// the daemon lost the lease (restart or expiry): claim it again
			token, _, rerr := r.primary().Register(ctx, l.name, string(l.endpoint), l.ttl)
			if rerr != nil {
				r.log.Warn().Err(rerr).Str("name", l.name).Msg("re-register failed")
				continue
			}
			r.mu.Lock()
			l.token = token
			r.mu.Unlock()
			r.log.Info().Str("name", l.name).Msg("lease re-registered")
		default:
			r.log.Warn().Err(err).Str("name", l.name).Msg("lease renewal failed")
		}
	}
}

// Unregister releases name and stops renewing it
func (r *NetworkRegistry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	l, ok := r.leases[name]
	delete(r.leases, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	l.cancel()
	<-l.done

	if err := r.primary().Unregister(ctx, name, l.token); err != nil {
		return mapDiscoveryErr(err, name)
	}
	return nil
}

// Resolve looks name up. A bare name asks the primary host, name@host asks
// host (a configured one, or any daemon address), name@* asks every
// configured host according to the wildcard policy.
func (r *NetworkRegistry) Resolve(ctx context.Context, name string) (Endpoint, error) {
	base, host, scoped := strings.Cut(name, "@")
	if err := ValidateName(base); err != nil {
		return "", err
	}
	switch {
	case !scoped:
		return r.resolveAt(ctx, r.primary(), base)
	case host == WildcardHost:
		if r.policy == AllResponders {
			all, err := r.ResolveAll(ctx, base)
			if err != nil {
				return "", err
			}
			return all[0].Endpoint, nil
		}
		return r.resolveFirst(ctx, base)
	default:
		c, err := r.client(host)
		if err != nil {
			return "", err
		}
		return r.resolveAt(ctx, c, base)
	}
}

// ResolveAll asks every configured host for name and returns the answers
// in configured host order. It fails with ErrNameNotFound when no host
// knows the name.
func (r *NetworkRegistry) ResolveAll(ctx context.Context, name string) ([]Resolution, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	answers := make([]Endpoint, len(r.hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range r.hosts {
		c := r.clients[h]
		g.Go(func() error {
			ep, err := r.resolveAt(gctx, c, name)
			if err != nil {
				if errors.Is(err, ErrNameNotFound) {
					return nil
				}
				r.log.Debug().Err(err).Str("host", h).Msg("discovery host failed")
				return nil
			}
			answers[i] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Resolution
	for i, ep := range answers {
		if ep != "" {
			out = append(out, Resolution{Host: r.hosts[i], Endpoint: ep})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s@%s", ErrNameNotFound, name, WildcardHost)
	}
	return out, nil
}

func (r *NetworkRegistry) resolveFirst(ctx context.Context, name string) (Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		ep  Endpoint
		err error
	}
	ch := make(chan answer, len(r.hosts))
	for _, h := range r.hosts {
		c := r.clients[h]
		go func() {
			ep, err := r.resolveAt(ctx, c, name)
			ch <- answer{ep, err}
		}()
	}

	var lastErr error
	for range r.hosts {
		a := <-ch
		if a.err == nil {
			return a.ep, nil
		}
		if lastErr == nil || !errors.Is(a.err, ErrNameNotFound) {
			lastErr = a.err
		}
	}
	if lastErr == nil || errors.Is(lastErr, ErrNameNotFound) {
		return "", fmt.Errorf("%w: %s@%s", ErrNameNotFound, name, WildcardHost)
	}
	return "", lastErr
}

func (r *NetworkRegistry) resolveAt(ctx context.Context, c *discovery.Client, name string) (Endpoint, error) {
	ep, err := c.Resolve(ctx, name)
	if err != nil {
		return "", mapDiscoveryErr(err, name)
	}
	return Endpoint(ep), nil
}

func (r *NetworkRegistry) client(host string) (*discovery.Client, error) {
	if c, ok := r.clients[host]; ok {
		return c, nil
	}
	return discovery.NewClient(host, r.http)
}

// List returns the names registered on the primary host
func (r *NetworkRegistry) List(ctx context.Context) ([]Entry, error) {
	list, err := r.primary().List(ctx)
	if err != nil {
		return nil, mapDiscoveryErr(err, "")
	}
	entries := make([]Entry, len(list))
	for i, e := range list {
		entries[i] = Entry{Name: e.Name, Endpoint: Endpoint(e.Endpoint)}
	}
	return entries, nil
}

// ListenHint listens on every interface so other hosts can connect
func (r *NetworkRegistry) ListenHint(string) Endpoint { return TCPEndpoint(":0") }

// Close stops renewing every lease and unregisters the names
func (r *NetworkRegistry) Close() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.leases))
	for n := range r.leases {
		names = append(names, n)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, n := range names {
		if err := r.Unregister(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func mapDiscoveryErr(err error, name string) error {
	switch {
	case errors.Is(err, discovery.ErrNameTaken):
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	case errors.Is(err, discovery.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNameNotFound, name)
	case errors.Is(err, discovery.ErrInvalidName):
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	default:
		return fmt.Errorf("dobj: discovery: %w", err)
	}
}
