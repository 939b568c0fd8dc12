// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NameService is the JSON-RPC receiver holding the leased name table
type NameService struct {
	mu    sync.Mutex
	names *ttlcache.Cache[string, Entry]
	ttl   time.Duration
	log   zerolog.Logger
}

// NewNameService returns an empty name table granting ttl by default
func NewNameService(ttl time.Duration, logger zerolog.Logger) *NameService {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	s := &NameService{
		names: ttlcache.New[string, Entry](
			ttlcache.WithTTL[string, Entry](ttl),
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		),
		ttl: ttl,
		log: logger,
	}
	s.names.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Entry]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.log.Info().Str("name", item.Key()).Str("endpoint", item.Value().Endpoint).Msg("lease expired")
			recordLease("expired")
		}
	})
	return s
}

func (s *NameService) Register(_ *http.Request, args *RegisterArgs, reply *RegisterReply) error {
	if err := validName(args.Name); err != nil {
		return rpcError(err)
	}
	if args.Endpoint == "" {
		return rpcError(fmt.Errorf("%w: empty endpoint", ErrInvalidName))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.names.DeleteExpired()
	if item := s.names.Get(args.Name); item != nil {
		return rpcError(fmt.Errorf("%w: %s", ErrNameTaken, args.Name))
	}

	ttl := clampTTL(time.Duration(args.TTLMillis)*time.Millisecond, s.ttl)
	now := time.Now()
	entry := Entry{
		Name:       args.Name,
		Endpoint:   args.Endpoint,
		Registered: now,
		Expires:    now.Add(ttl),
		lease:      ulid.Make().String(),
	}
	s.names.Set(args.Name, entry, ttl)

	reply.Lease = entry.lease
	reply.TTLMillis = ttl.Milliseconds()
	s.log.Info().Str("name", args.Name).Str("endpoint", args.Endpoint).Dur("ttl", ttl).Msg("registered")
	recordLease("registered")
	return nil
}

func (s *NameService) Renew(_ *http.Request, args *RenewArgs, reply *RenewReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names.DeleteExpired()
	item := s.names.Get(args.Name)
	if item == nil {
		return rpcError(fmt.Errorf("%w: %s", ErrNotFound, args.Name))
	}
	entry := item.Value()
	if entry.lease != args.Lease {
		return rpcError(fmt.Errorf("%w: %s", ErrBadLease, args.Name))
	}

	ttl := item.TTL()
	entry.Expires = time.Now().Add(ttl)
	s.names.Set(args.Name, entry, ttl)
	reply.TTLMillis = ttl.Milliseconds()
	recordLease("renewed")
	return nil
}

func (s *NameService) Unregister(_ *http.Request, args *UnregisterArgs, _ *UnregisterReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.names.Get(args.Name)
	if item == nil {
		return rpcError(fmt.Errorf("%w: %s", ErrNotFound, args.Name))
	}
	if item.Value().lease != args.Lease {
		return rpcError(fmt.Errorf("%w: %s", ErrBadLease, args.Name))
	}
	s.names.Delete(args.Name)
	s.log.Info().Str("name", args.Name).Msg("unregistered")
	recordLease("unregistered")
	return nil
}

func (s *NameService) Resolve(_ *http.Request, args *ResolveArgs, reply *ResolveReply) error {
	item := s.names.Get(args.Name)
	if item == nil {
		return rpcError(fmt.Errorf("%w: %s", ErrNotFound, args.Name))
	}
	reply.Endpoint = item.Value().Endpoint
	return nil
}

func (s *NameService) List(_ *http.Request, _ *ListArgs, reply *ListReply) error {
	reply.Entries = s.Entries()
	return nil
}

// Entries returns the live entries sorted by name
func (s *NameService) Entries() []Entry {
	entries := make([]Entry, 0, s.names.Len())
	for _, item := range s.names.Items() {
		if item.IsExpired() {
			continue
		}
		entries = append(entries, item.Value())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Server is a discovery daemon: the name service behind JSON-RPC, plus a
// few plain HTTP routes for operators.
type Server struct {
	names  *NameService
	router *gin.Engine
	log    zerolog.Logger
}

// Option configures a Server
type Option func(*serverOptions)

type serverOptions struct {
	ttl    time.Duration
	logger zerolog.Logger
}

// WithLeaseTTL sets the lease granted when a registration asks for none
func WithLeaseTTL(d time.Duration) Option {
	return func(o *serverOptions) { o.ttl = d }
}

// WithLogger sets the daemon logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// NewServer builds a daemon. Routes:
//
//	POST /rpc      JSON-RPC 2.0, service "Names"
//	GET  /names    live entries as JSON
//	GET  /healthz  liveness
//	GET  /metrics  prometheus
func NewServer(opts ...Option) (*Server, error) {
	o := &serverOptions{
		ttl:    DefaultLeaseTTL,
		logger: log.Logger.With().Str("component", "discovery").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	RegisterMetrics()

	names := NewNameService(o.ttl, o.logger)
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(names, ServiceName); err != nil {
		return nil, fmt.Errorf("register %s service: %w", ServiceName, err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(o.logger))

	router.POST(RPCPath, gin.WrapH(rpcServer))
	router.GET("/names", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"entries": names.Entries()})
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"names":  names.names.Len(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{names: names, router: router, log: o.logger}, nil
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler { return s.router }

// Names returns the name table
func (s *Server) Names() *NameService { return s.names }

// Serve listens on addr and serves until ctx is done
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("discovery listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done. Expired leases are swept
// in the background while it runs.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.names.names.Start()
	defer s.names.names.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("discovery serving")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
		recordRequest(c.Request.Method, path, status, time.Since(start))
	}
}
