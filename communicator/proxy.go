// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package communicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/encoding"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/proxy"
	"go.uber.org/zap"
)

// ErrConnectionClosed is reported for invocations on a fixed proxy whose
// connection has closed.
var ErrConnectionClosed = errors.New("connection is closed")

// A Proxy is a handle for invoking operations on a remote object. Proxies
// are created by a Communicator or a Connection; the With methods return
// new proxies that share the communicator of the original.
//
// Each proxy has its own queue of batched requests. A proxy derived from
// another with a With method starts with an empty queue.
type Proxy struct {
	comm  *Communicator
	ref   proxy.Reference
	fixed *Connection // if set, always use this connection

	μ     sync.Mutex
	batch []*floe.Request
}

// Reference returns the reference of p.
func (p *Proxy) Reference() proxy.Reference { return p.ref }

// Communicator returns the communicator of p.
func (p *Proxy) Communicator() *Communicator { return p.comm }

// String returns the string form of the reference of p.
func (p *Proxy) String() string { return p.ref.String() }

func (p *Proxy) derive(ref proxy.Reference) *Proxy {
	return &Proxy{comm: p.comm, ref: ref, fixed: p.fixed}
}

// WithIdentity returns a copy of p for another object at the same location.
func (p *Proxy) WithIdentity(id identity.Identity) *Proxy { return p.derive(p.ref.WithIdentity(id)) }

// WithFacet returns a copy of p for the given facet.
func (p *Proxy) WithFacet(facet string) *Proxy { return p.derive(p.ref.WithFacet(facet)) }

// WithMode returns a copy of p with the given invocation mode.
func (p *Proxy) WithMode(m floe.Mode) *Proxy { return p.derive(p.ref.WithMode(m)) }

// Twoway returns a twoway copy of p.
func (p *Proxy) Twoway() *Proxy { return p.WithMode(floe.ModeTwoway) }

// Oneway returns a oneway copy of p.
func (p *Proxy) Oneway() *Proxy { return p.WithMode(floe.ModeOneway) }

// BatchOneway returns a batch oneway copy of p.
func (p *Proxy) BatchOneway() *Proxy { return p.WithMode(floe.ModeBatchOneway) }

// WithTimeout returns a copy of p with the given invocation timeout. A
// negative timeout means invocations are not bounded.
func (p *Proxy) WithTimeout(d time.Duration) *Proxy { return p.derive(p.ref.WithTimeout(d)) }

// WithContext returns a copy of p that sends the given request context.
func (p *Proxy) WithContext(ctx map[string]string) *Proxy { return p.derive(p.ref.WithContext(ctx)) }

// WithEndpoints returns a direct copy of p with the given endpoints. The
// result is not fixed to a connection.
func (p *Proxy) WithEndpoints(eps []endpoint.Endpoint) *Proxy {
	return &Proxy{comm: p.comm, ref: p.ref.WithEndpoints(eps)}
}

// WithAdapterID returns an indirect copy of p resolved through the given
// adapter ID. The result is not fixed to a connection.
func (p *Proxy) WithAdapterID(id string) *Proxy {
	return &Proxy{comm: p.comm, ref: p.ref.WithAdapterID(id)}
}

// Equal reports whether p and o refer to the same object in the same way.
func (p *Proxy) Equal(o *Proxy) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.fixed == o.fixed && p.ref.Equal(o.ref)
}

// Connection returns the connection p uses for invocations, establishing it
// if necessary.
func (p *Proxy) Connection(ctx context.Context) (*Connection, error) {
	return p.connection(ctx, 0)
}

// Invoke invokes the named operation with the given encoded parameters, and
// returns the encoded results. For a oneway proxy, Invoke returns nil once
// the request is sent. For a batch oneway proxy, the request is queued
// until FlushBatch is called or the batch reaches the configured size.
//
// An error from the remote peer has concrete type *floe.CallError.
func (p *Proxy) Invoke(ctx context.Context, op string, in []byte) ([]byte, error) {
	return p.invoke(ctx, op, in, false)
}

// InvokeIdempotent is as Invoke, but marks the operation as idempotent so
// that it may be retried if the connection is lost during the call.
func (p *Proxy) InvokeIdempotent(ctx context.Context, op string, in []byte) ([]byte, error) {
	return p.invoke(ctx, op, in, true)
}

func (p *Proxy) invoke(ctx context.Context, op string, in []byte, idem bool) ([]byte, error) {
	req := &floe.Request{
		Idempotent: idem,
		Identity:   p.ref.Identity,
		Facet:      p.ref.Facet,
		Operation:  op,
		Context:    p.ref.Context,
		Data:       in,
	}
	switch p.ref.Mode {
	case floe.ModeBatchOneway:
		return nil, p.enqueue(ctx, req)
	case floe.ModeOneway:
		return nil, p.retry(ctx, idem, func(conn *Connection) error { return conn.peer.Send(req) })
	}

	if d := p.timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var out []byte
	err := p.retry(ctx, idem, func(conn *Connection) error {
		rsp, err := conn.peer.Call(ctx, req)
		if err != nil {
			return err
		}
		out = rsp.Data
		return nil
	})
	return out, err
}

func (p *Proxy) timeout() time.Duration {
	switch {
	case p.ref.Timeout > 0:
		return p.ref.Timeout
	case p.ref.Timeout < 0:
		return 0
	}
	return p.comm.cfg.InvocationTimeout
}

// retry calls f with a connection for p, retrying on another connection if
// f fails in a way that is safe to retry.
func (p *Proxy) retry(ctx context.Context, idem bool, f func(*Connection) error) error {
	var err error
	for attempt := 0; attempt <= p.comm.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			p.comm.log.Debug("retrying invocation",
				zap.Stringer("proxy", p.ref.Identity), zap.Int("attempt", attempt), zap.Error(err))
		}
		var conn *Connection
		conn, err = p.connection(ctx, attempt)
		if err != nil {
			var de *dialError
			if !errors.As(err, &de) || ctx.Err() != nil {
				return err
			}
			p.invalidate()
			continue
		}
		err = f(conn)
		if err == nil {
			return nil
		} else if !canRetry(err, idem) || ctx.Err() != nil || p.fixed != nil {
			return err
		}
		p.comm.evict(conn)
		p.invalidate()
	}
	return err
}

func canRetry(err error, idem bool) bool {
	return errors.Is(err, floe.ErrNotSent) || (idem && errors.Is(err, floe.ErrConnectionLost))
}

// invalidate discards cached locator results for p.
func (p *Proxy) invalidate() {
	if p.ref.AdapterID == "" {
		return
	}
	if loc := p.comm.Locator(); loc != nil {
		loc.Invalidate(p.ref.AdapterID)
	}
}

// connection returns a connection for the given attempt of an invocation.
// The first attempt prefers an existing connection to any endpoint; later
// attempts dial the endpoints in rotation.
func (p *Proxy) connection(ctx context.Context, attempt int) (*Connection, error) {
	if p.fixed != nil {
		if p.fixed.Closed() {
			return nil, fmt.Errorf("%w: %w", floe.ErrNotSent, ErrConnectionClosed)
		}
		return p.fixed, nil
	}
	eps, err := p.comm.resolve(ctx, p.ref)
	if err != nil {
		return nil, err
	} else if len(eps) == 0 {
		return nil, fmt.Errorf("proxy %q: %w", p.ref, ErrNoEndpoints)
	}
	if attempt == 0 {
		for _, ep := range eps {
			if conn := p.comm.cached(ep); conn != nil {
				return conn, nil
			}
		}
	}
	return p.comm.connect(ctx, eps[attempt%len(eps)])
}

func (p *Proxy) enqueue(ctx context.Context, req *floe.Request) error {
	p.μ.Lock()
	p.batch = append(p.batch, req)
	limit := p.comm.cfg.BatchMaxSize
	full := limit > 0 && len(p.batch) >= limit
	p.μ.Unlock()
	if full {
		return p.FlushBatch(ctx)
	}
	return nil
}

// BatchLen reports the number of requests queued for a batch on p.
func (p *Proxy) BatchLen() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return len(p.batch)
}

// FlushBatch sends the queued batch requests of p to the remote peer as a
// single batch. It does nothing if no requests are queued.
func (p *Proxy) FlushBatch(ctx context.Context) error {
	p.μ.Lock()
	reqs := p.batch
	p.batch = nil
	p.μ.Unlock()
	if len(reqs) == 0 {
		return nil
	}
	return p.retry(ctx, false, func(conn *Connection) error { return conn.peer.SendBatch(reqs) })
}

// Ping checks that the remote object exists and is reachable.
func (p *Proxy) Ping(ctx context.Context) error {
	_, err := p.Twoway().InvokeIdempotent(ctx, adapter.OpPing, nil)
	return err
}

// IsA reports whether the remote object implements the given type ID.
func (p *Proxy) IsA(ctx context.Context, typeID string) (bool, error) {
	e := encoding.NewEncoder()
	e.WriteString(typeID)
	data, err := p.Twoway().InvokeIdempotent(ctx, adapter.OpIsA, e.Bytes())
	if err != nil {
		return false, err
	}
	d := encoding.NewDecoder(data, nil)
	ok := d.ReadBool()
	return ok, d.Err()
}

// ID reports the most-derived type ID of the remote object.
func (p *Proxy) ID(ctx context.Context) (string, error) {
	data, err := p.Twoway().InvokeIdempotent(ctx, adapter.OpID, nil)
	if err != nil {
		return "", err
	}
	d := encoding.NewDecoder(data, nil)
	id := d.ReadString()
	return id, d.Err()
}

// IDs reports the type IDs of the remote object in sorted order.
func (p *Proxy) IDs(ctx context.Context) ([]string, error) {
	data, err := p.Twoway().InvokeIdempotent(ctx, adapter.OpIDs, nil)
	if err != nil {
		return nil, err
	}
	d := encoding.NewDecoder(data, nil)
	ids := d.ReadStringSeq()
	return ids, d.Err()
}

// CheckedCast reports p if the remote object implements typeID, or nil if
// it does not.
func (p *Proxy) CheckedCast(ctx context.Context, typeID string) (*Proxy, error) {
	ok, err := p.IsA(ctx, typeID)
	if err != nil || !ok {
		return nil, err
	}
	return p, nil
}
