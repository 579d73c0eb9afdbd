/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import (
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/cache"
	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/internal/connpool"
	"github.com/badu/reqengine/internal/rlog"
)

// defaultMaxRequests/defaultMaxRequestsPerHost are the dispatcher's
// default concurrency limits (spec.md §4.9).
const (
	defaultMaxRequests         = 64
	defaultMaxRequestsPerHost  = 5
	defaultMaxIdleConnections  = 16
	defaultKeepAlive           = 5 * time.Minute
)

// Client holds configuration shared across calls: connection pool,
// cache, dispatcher limits, and default policy, mirroring the teacher's
// cli.Client/Transport split but unified into one value since this
// engine's Transport has no separate meaning outside a Client (spec.md
// §6 "Client API surface").
type Client struct {
	// Address is the default connection identity new calls resolve
	// against unless a call's Request URL resolves to a different host
	// (spec.md §3 "Address is the identity for pooling").
	Address *addr.Address

	Pool *connpool.Pool

	// Cache is nil to disable caching entirely (spec.md §4.7 is only
	// consulted "on cache-enabled requests").
	Cache cache.Store

	// CookieJar is nil to disable cookie handling entirely (spec.md's
	// cookie storage collaborator, consumed as a jar interface).
	CookieJar CookieJar

	EventFactory event.Factory

	FollowRedirects          bool `validate:"-"`
	FollowSSLRedirects       bool `validate:"-"`
	RetryOnConnectionFailure bool `validate:"-"`

	// Interceptors/NetworkInterceptors are caller-supplied application
	// and network interceptors, spliced into the fixed chain at the
	// positions spec.md §4.6 names.
	Interceptors        []Interceptor
	NetworkInterceptors []Interceptor

	Dispatcher *Dispatcher

	Log rlog.Logger `validate:"-"`
}

// config is the validated subset of Client fields go-playground/validator
// checks before a Client is used, the way the teacher-adjacent pack
// (nabbar-golib/certificates.Config) validates configuration structs
// before they're wired into a running component.
type config struct {
	MaxRequests         int `validate:"gt=0"`
	MaxRequestsPerHost  int `validate:"gt=0"`
	MaxIdleConnections  int `validate:"gte=0"`
	KeepAlive           time.Duration `validate:"gte=0"`
}

var structValidator = validator.New()

// NewClient builds a Client with the engine's defaults: a fresh
// connection pool, a dispatcher at spec.md §4.9's default limits, and no
// cache or event observation unless opts configure them.
func NewClient(address *addr.Address, opts ...Option) (*Client, error) {
	cfg := config{
		MaxRequests:        defaultMaxRequests,
		MaxRequestsPerHost: defaultMaxRequestsPerHost,
		MaxIdleConnections: defaultMaxIdleConnections,
		KeepAlive:          defaultKeepAlive,
	}
	c := &Client{
		Address:                  address,
		EventFactory:             event.Noop,
		FollowRedirects:          true,
		FollowSSLRedirects:       true,
		RetryOnConnectionFailure: true,
		Log:                      rlog.Nop,
	}
	for _, opt := range opts {
		opt(&cfg, c)
	}

	if err := structValidator.Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "reqengine: invalid client configuration")
	}

	c.Pool = connpool.New(cfg.MaxIdleConnections, cfg.KeepAlive, c.Log)
	c.Pool.StartCleaner()
	c.Dispatcher = NewDispatcher(cfg.MaxRequests, cfg.MaxRequestsPerHost)
	return c, nil
}

// Option configures a Client at construction time.
type Option func(*config, *Client)

func WithMaxRequests(n int) Option {
	return func(cfg *config, _ *Client) { cfg.MaxRequests = n }
}

func WithMaxRequestsPerHost(n int) Option {
	return func(cfg *config, _ *Client) { cfg.MaxRequestsPerHost = n }
}

func WithMaxIdleConnections(n int) Option {
	return func(cfg *config, _ *Client) { cfg.MaxIdleConnections = n }
}

func WithKeepAlive(d time.Duration) Option {
	return func(cfg *config, _ *Client) { cfg.KeepAlive = d }
}

func WithCache(store cache.Store) Option {
	return func(_ *config, c *Client) { c.Cache = store }
}

func WithEventFactory(f event.Factory) Option {
	return func(_ *config, c *Client) { c.EventFactory = f }
}

func WithCookieJar(jar CookieJar) Option {
	return func(_ *config, c *Client) { c.CookieJar = jar }
}

func WithLogger(l rlog.Logger) Option {
	return func(_ *config, c *Client) { c.Log = l }
}

func WithFollowRedirects(follow, followSSL bool) Option {
	return func(_ *config, c *Client) { c.FollowRedirects = follow; c.FollowSSLRedirects = followSSL }
}

func WithRetryOnConnectionFailure(retry bool) Option {
	return func(_ *config, c *Client) { c.RetryOnConnectionFailure = retry }
}

func WithInterceptors(app, network []Interceptor) Option {
	return func(_ *config, c *Client) { c.Interceptors = app; c.NetworkInterceptors = network }
}

// NewCall returns a fresh, unexecuted Call for req (spec.md §6
// "new_call(request) → call").
func (c *Client) NewCall(req *Request) *Call {
	return newCall(c, req)
}

// CancelAll cancels every call the dispatcher is tracking, queued or
// in flight (spec.md §4.9 "cancel_all()").
func (c *Client) CancelAll() { c.Dispatcher.cancelAll() }

// Close stops the connection pool's cleaner and evicts every pooled
// connection.
func (c *Client) Close() { c.Pool.Close() }
