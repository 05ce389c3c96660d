// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package communicator ties the floe packages together: it creates proxies
// from strings, maintains a cache of connections to remote endpoints, serves
// object adapters on their configured endpoints, and applies connection
// management to all of its connections.
//
// A Communicator is constructed from a config.Config, and must be destroyed
// with Destroy when it is no longer needed.
//
// # Connections
//
// Outgoing connections are dialed lazily, when a proxy first needs one, and
// shared by every proxy that reaches the same endpoint. A connection that
// closes is removed from the cache, and the next invocation dials again.
//
// # Retries
//
// An invocation that fails before its request is sent, including failures to
// connect, is retried on the next endpoint of the proxy up to the configured
// retry count. Idempotent invocations are also retried if the connection was
// lost while waiting for the reply.
package communicator

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/acm"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/config"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/executor"
	"github.com/creachadair/floe/locator"
	"github.com/creachadair/floe/peers"
	"github.com/creachadair/floe/proxy"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

var (
	// ErrDestroyed is reported for operations on a destroyed communicator.
	ErrDestroyed = errors.New("communicator is destroyed")

	// ErrNoLocator is reported when an indirect proxy is used without a
	// locator.
	ErrNoLocator = errors.New("no locator is configured")

	// ErrNoEndpoints is reported when a proxy resolves to no endpoints.
	ErrNoEndpoints = errors.New("proxy has no endpoints")
)

// Options are optional settings for a communicator. A nil *Options provides
// defaults.
type Options struct {
	// If set, log communicator events here. By default nothing is logged.
	Logger *zap.Logger
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// A Communicator manages proxies, connections, and object adapters.
type Communicator struct {
	cfg    config.Config
	log    *zap.Logger
	base   *floe.Peer // template for all connections
	mon    *acm.Monitor
	ctx    context.Context // governs listeners and incoming connections
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	μ         sync.Mutex
	loc       *locator.Client
	conns     map[string]*Connection     // outgoing, by endpoint key
	incoming  map[*floe.Peer]*Connection // accepted
	adapters  map[string]*adapterState
	destroyed bool
}

type adapterState struct {
	a        *adapter.Adapter
	cfg      config.Adapter
	exec     *executor.Serial // or nil
	listened []endpoint.Endpoint
}

// New constructs a communicator with the given settings.
func New(cfg config.Config, opts *Options) (*Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Communicator{
		cfg:      cfg,
		log:      log,
		base:     floe.NewPeer().Detach(),
		mon:      acm.NewMonitor(cfg.ACM, log.Named("acm")),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    taskgroup.New(nil),
		conns:    make(map[string]*Connection),
		incoming: make(map[*floe.Peer]*Connection),
		adapters: make(map[string]*adapterState),
	}
	if ref, ok, err := cfg.LocatorReference(); err != nil {
		return nil, err
	} else if ok {
		c.loc = locator.NewClient(c.CreateProxy(ref), cfg.LocatorCacheTTL)
	}
	return c, nil
}

// Config reports the settings of c.
func (c *Communicator) Config() config.Config { return c.cfg }

// Metrics returns the metrics map shared by all the connections of c.
func (c *Communicator) Metrics() *expvar.Map { return c.base.Metrics() }

// StringToProxy parses s as a proxy string and returns a proxy for it.
func (c *Communicator) StringToProxy(s string) (*Proxy, error) {
	ref, err := proxy.Parse(s)
	if err != nil {
		return nil, err
	}
	return c.CreateProxy(ref), nil
}

// ProxyToString returns the string form of p. A nil proxy yields "".
func (c *Communicator) ProxyToString(p *Proxy) string {
	if p == nil {
		return ""
	}
	return p.ref.String()
}

// CreateProxy returns a proxy for ref.
func (c *Communicator) CreateProxy(ref proxy.Reference) *Proxy {
	return &Proxy{comm: c, ref: ref}
}

// SetDefaultLocator sets the locator used to resolve indirect proxies. If p
// is nil, indirect proxies cannot be resolved.
func (c *Communicator) SetDefaultLocator(p *Proxy) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if p == nil {
		c.loc = nil
	} else {
		c.loc = locator.NewClient(p, c.cfg.LocatorCacheTTL)
	}
}

// Locator returns the client for the default locator, or nil.
func (c *Communicator) Locator() *locator.Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.loc
}

// CreateObjectAdapter creates an object adapter with the settings for name
// in the configuration, listening on its configured endpoints. An adapter
// with no endpoints serves requests only on connections it is attached to
// with Connection.SetAdapter.
//
// The adapter is created holding; use ActivateAdapter or Activate to begin
// dispatching.
func (c *Communicator) CreateObjectAdapter(name string) (*adapter.Adapter, error) {
	ac := c.cfg.Adapters[name]
	eps, err := ac.ParseEndpoints()
	if err != nil {
		return nil, fmt.Errorf("adapter %q: %w", name, err)
	}
	return c.createAdapter(name, ac, eps)
}

// CreateObjectAdapterWithEndpoints is as CreateObjectAdapter, but listens
// on the given endpoint list instead of the configured one.
func (c *Communicator) CreateObjectAdapterWithEndpoints(name, endpoints string) (*adapter.Adapter, error) {
	eps, err := endpoint.ParseList(endpoints)
	if err != nil {
		return nil, fmt.Errorf("adapter %q: %w", name, err)
	}
	ac := c.cfg.Adapters[name]
	ac.Endpoints = endpoints
	return c.createAdapter(name, ac, eps)
}

func (c *Communicator) createAdapter(name string, ac config.Adapter, eps []endpoint.Endpoint) (*adapter.Adapter, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	} else if _, ok := c.adapters[name]; ok {
		return nil, fmt.Errorf("adapter %q already exists", name)
	}

	pub, err := ac.ParsePublished()
	if err != nil {
		return nil, fmt.Errorf("adapter %q: %w", name, err)
	}

	st := &adapterState{cfg: ac}
	opts := &adapter.Options{Logger: c.log}
	if ac.Serialize {
		st.exec = executor.NewSerial()
		opts.Executor = st.exec
	}
	st.a = adapter.New(name, opts)

	type listener struct {
		lst interface{ Close() error }
		acc peers.Accepter
		ep  endpoint.Endpoint
	}
	var lsts []listener
	for _, ep := range eps {
		lst, bound, err := ep.Listen()
		if err != nil {
			for _, l := range lsts {
				l.lst.Close()
			}
			if st.exec != nil {
				st.exec.Close()
			}
			return nil, fmt.Errorf("adapter %q: listen %v: %w", name, ep, err)
		}
		lsts = append(lsts, listener{lst: lst, acc: peers.NetAccepter(lst, writeTimeout(bound)), ep: bound})
		st.listened = append(st.listened, bound)
	}

	if len(pub) == 0 {
		pub = st.listened
	}
	st.a.SetPublished(pub, ac.AdapterID)

	base := c.base.Clone().Handle(st.a)
	for _, l := range lsts {
		c.log.Info("adapter listening", zap.String("adapter", name), zap.Stringer("endpoint", l.ep))
		c.tasks.Go(func() error {
			return peers.LoopHooks(c.ctx, l.acc, base, peers.Hooks{
				Started: func(p *floe.Peer, ch floe.Channel) { c.accepted(l.ep, p, ch) },
				Stopped: func(p *floe.Peer, err error) { c.released(p, err) },
			})
		})
	}
	c.adapters[name] = st
	return st.a, nil
}

// Adapter returns the adapter with the given name, or nil.
func (c *Communicator) Adapter(name string) *adapter.Adapter {
	c.μ.Lock()
	defer c.μ.Unlock()
	if st, ok := c.adapters[name]; ok {
		return st.a
	}
	return nil
}

// ListenEndpoints reports the endpoints adapter name is listening on, with
// any free ports filled in.
func (c *Communicator) ListenEndpoints(name string) []endpoint.Endpoint {
	c.μ.Lock()
	defer c.μ.Unlock()
	if st, ok := c.adapters[name]; ok {
		return slices.Clone(st.listened)
	}
	return nil
}

// ActivateAdapter activates a, and if it was configured to register with
// the locator, registers its published endpoints under its adapter ID.
func (c *Communicator) ActivateAdapter(ctx context.Context, a *adapter.Adapter) error {
	c.μ.Lock()
	st, ok := c.adapters[a.Name()]
	loc := c.loc
	c.μ.Unlock()
	if !ok || st.a != a {
		return fmt.Errorf("adapter %q does not belong to this communicator", a.Name())
	}
	if err := a.Activate(); err != nil {
		return err
	}
	if !st.cfg.Register || a.AdapterID() == "" {
		return nil
	} else if loc == nil {
		return fmt.Errorf("register adapter %q: %w", a.Name(), ErrNoLocator)
	}
	if err := loc.SetAdapter(ctx, a.AdapterID(), a.Endpoints()); err != nil {
		return fmt.Errorf("register adapter %q: %w", a.Name(), err)
	}
	c.log.Info("adapter registered", zap.String("adapter", a.Name()), zap.String("adapterID", a.AdapterID()))
	return nil
}

// Connections returns the open connections of c, outgoing and incoming.
func (c *Communicator) Connections() []*Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	out := make([]*Connection, 0, len(c.conns)+len(c.incoming))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	for _, conn := range c.incoming {
		out = append(out, conn)
	}
	slices.SortFunc(out, func(a, b *Connection) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Destroy shuts down c. Adapters are deactivated, and Destroy waits for
// their active dispatches to finish. Outgoing connections are closed
// gracefully, then listeners and incoming connections are closed.
//
// If ctx ends before this completes, the remaining connections are closed
// forcibly and Destroy reports the error from ctx. Calling Destroy again
// has no effect.
func (c *Communicator) Destroy(ctx context.Context) error {
	c.μ.Lock()
	if c.destroyed {
		c.μ.Unlock()
		return nil
	}
	c.destroyed = true
	sts := make([]*adapterState, 0, len(c.adapters))
	for _, st := range c.adapters {
		sts = append(sts, st)
	}
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.μ.Unlock()

	var errs []error
	for _, st := range sts {
		st.a.Deactivate()
	}
	for _, st := range sts {
		if err := st.a.WaitForDeactivate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("adapter %q: %w", st.a.Name(), err))
		}
	}
	g := taskgroup.New(nil)
	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.peer.Shutdown(ctx); err != nil {
				c.log.Debug("close connection", zap.Stringer("conn", conn), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	c.cancel()
	c.tasks.Wait()
	c.mon.Stop()
	for _, st := range sts {
		if st.exec != nil {
			st.exec.Close()
		}
	}
	c.log.Info("communicator destroyed")
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// connect returns an open outgoing connection to ep, dialing if necessary.
func (c *Communicator) connect(ctx context.Context, ep endpoint.Endpoint) (*Connection, error) {
	key := endpointKey(ep)
	c.μ.Lock()
	if c.destroyed {
		c.μ.Unlock()
		return nil, ErrDestroyed
	} else if conn, ok := c.conns[key]; ok && !conn.Closed() {
		c.μ.Unlock()
		return conn, nil
	}
	c.μ.Unlock()

	dctx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	nc, err := ep.Dial(dctx)
	if err != nil {
		return nil, &dialError{ep: ep, err: err}
	}

	conn := newConnection(c, ep, nc, false)
	conn.peer = c.base.Clone().OnExit(func(err error) { c.dropped(key, conn, err) })

	c.μ.Lock()
	if c.destroyed {
		c.μ.Unlock()
		nc.Close()
		return nil, ErrDestroyed
	} else if old, ok := c.conns[key]; ok && !old.Closed() {
		c.μ.Unlock()
		nc.Close() // lost a race with another dialer
		return old, nil
	}
	c.conns[key] = conn
	c.μ.Unlock()

	conn.start(nc)
	c.log.Info("connection established", zap.Stringer("conn", conn))
	return conn, nil
}

// cached returns an open outgoing connection to ep, or nil.
func (c *Communicator) cached(ep endpoint.Endpoint) *Connection {
	c.μ.Lock()
	defer c.μ.Unlock()
	if conn, ok := c.conns[endpointKey(ep)]; ok && !conn.Closed() {
		return conn
	}
	return nil
}

// evict removes conn from the connection cache, so that the next invocation
// dials again. The connection itself is not closed.
func (c *Communicator) evict(conn *Connection) {
	c.μ.Lock()
	defer c.μ.Unlock()
	key := endpointKey(conn.ep)
	if c.conns[key] == conn {
		delete(c.conns, key)
	}
}

// dropped is called when the peer of an outgoing connection exits. It runs
// with the lock of the peer held, and must not call methods of the peer.
func (c *Communicator) dropped(key string, conn *Connection, err error) {
	c.μ.Lock()
	if c.conns[key] == conn {
		delete(c.conns, key)
	}
	c.μ.Unlock()
	conn.finish()
	c.log.Info("connection closed", zap.Stringer("conn", conn), zap.Error(err))
}

// accepted is called when a listener starts a peer for a new connection.
func (c *Communicator) accepted(ep endpoint.Endpoint, p *floe.Peer, ch floe.Channel) {
	conn := newConnection(c, ep, ch, true)
	conn.peer = p
	c.μ.Lock()
	c.incoming[p] = conn
	c.μ.Unlock()
	c.mon.Add(conn)
	c.log.Info("connection accepted", zap.Stringer("conn", conn))
}

// released is called when the peer of an incoming connection exits.
func (c *Communicator) released(p *floe.Peer, err error) {
	c.μ.Lock()
	conn, ok := c.incoming[p]
	delete(c.incoming, p)
	c.μ.Unlock()
	if ok {
		conn.finish()
		c.log.Info("connection closed", zap.Stringer("conn", conn), zap.Error(err))
	}
}

// resolve returns the endpoints of ref, consulting the locator for an
// indirect reference.
func (c *Communicator) resolve(ctx context.Context, ref proxy.Reference) ([]endpoint.Endpoint, error) {
	if !ref.IsIndirect() {
		return ref.Endpoints, nil
	}
	loc := c.Locator()
	if loc == nil {
		return nil, fmt.Errorf("proxy %q: %w", ref, ErrNoLocator)
	}
	if ref.AdapterID == "" {
		obj, err := loc.FindObject(ctx, ref.Identity)
		if err != nil {
			return nil, err
		} else if !obj.IsIndirect() {
			return obj.Endpoints, nil
		} else if obj.AdapterID == "" {
			return nil, fmt.Errorf("proxy %q: %w", ref, ErrNoEndpoints)
		}
		ref = obj
	}
	return loc.FindAdapter(ctx, ref.AdapterID)
}

func endpointKey(ep endpoint.Endpoint) string { return ep.Network() + " " + ep.Address() }

// dialError reports a failure to connect to an endpoint. The request was
// not sent, so it is always safe to retry.
type dialError struct {
	ep  endpoint.Endpoint
	err error
}

func (d *dialError) Error() string { return fmt.Sprintf("connect %v: %v", d.ep, d.err) }
func (d *dialError) Unwrap() []error { return []error{floe.ErrNotSent, d.err} }
