// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

// Client talks to one discovery daemon. It never retries: a failed request
// is reported to the caller, who decides whether to resolve again.
type Client struct {
	uri  *url.URL
	http *http.Client
}

// NewClient returns a client for the daemon at host. host may be
// "host", "host:port" or a full http URL.
func NewClient(host string, httpClient *http.Client) (*Client, error) {
	uri, err := daemonURL(host)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	return &Client{uri: uri, http: httpClient}, nil
}

// URL returns the daemon's JSON-RPC endpoint
func (c *Client) URL() string { return c.uri.String() }

func daemonURL(host string) (*url.URL, error) {
	if host == "" {
		return nil, fmt.Errorf("discovery: empty host")
	}
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("discovery: bad host %q: %w", host, err)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = RPCPath
		}
		return u, nil
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(DefaultPort))
	}
	return &url.URL{Scheme: "http", Host: host, Path: RPCPath}, nil
}

// newHTTPClient creates the default HTTP client for daemon requests.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body so the
// connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// Register claims name for endpoint and returns the lease and the TTL
// granted.
func (c *Client) Register(ctx context.Context, name, endpoint string, ttl time.Duration) (string, time.Duration, error) {
	var reply RegisterReply
	args := &RegisterArgs{Name: name, Endpoint: endpoint, TTLMillis: ttl.Milliseconds()}
	if err := c.call(ctx, "Register", args, &reply); err != nil {
		return "", 0, err
	}
	return reply.Lease, time.Duration(reply.TTLMillis) * time.Millisecond, nil
}

// Renew extends a lease by its TTL
func (c *Client) Renew(ctx context.Context, name, lease string) (time.Duration, error) {
	var reply RenewReply
	if err := c.call(ctx, "Renew", &RenewArgs{Name: name, Lease: lease}, &reply); err != nil {
		return 0, err
	}
	return time.Duration(reply.TTLMillis) * time.Millisecond, nil
}

// Unregister releases name
func (c *Client) Unregister(ctx context.Context, name, lease string) error {
	return c.call(ctx, "Unregister", &UnregisterArgs{Name: name, Lease: lease}, &UnregisterReply{})
}

// Resolve returns the endpoint registered under name
func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	var reply ResolveReply
	if err := c.call(ctx, "Resolve", &ResolveArgs{Name: name}, &reply); err != nil {
		return "", err
	}
	return reply.Endpoint, nil
}

// List returns every live entry
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	var reply ListReply
	if err := c.call(ctx, "List", &ListArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Entries, nil
}

func (c *Client) call(ctx context.Context, method string, params, reply any) error {
	body, err := json2.EncodeClientRequest(ServiceName+"."+method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)

	// json2 error objects may come with a non-2xx status
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	err = json2.DecodeClientResponse(bytes.NewReader(data), reply)
	var rpcErr *json2.Error
	switch {
	case errors.As(err, &rpcErr):
		return fromRPCError(rpcErr)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	case err != nil:
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}
