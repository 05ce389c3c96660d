// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package locator implements a registry that resolves adapter IDs and
// well-known object identities to endpoints, and a client that queries it.
//
// The Registry is a servant. Install it in an object adapter, conventionally
// with the identity floe/locator, and configure clients with its proxy.
package locator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/encoding"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/handler"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/proxy"
	"go.uber.org/zap"
)

// Type IDs implemented by the registry.
const (
	LocatorTypeID  = "::Ice::Locator"
	RegistryTypeID = "::Ice::LocatorRegistry"
)

// Operation names of the registry.
const (
	OpFindAdapter  = "findAdapterById"
	OpFindObject   = "findObjectById"
	OpSetAdapter   = "setAdapterDirectProxy"
	OpListAdapters = "getAdapterIds"
)

const placeholderName = "dummy"

// Identity is the conventional identity of a locator registry.
var Identity = identity.New("locator", "floe")

// AdapterNotFoundError is the user exception reported when an adapter ID is
// not registered.
type AdapterNotFoundError struct {
	ID string
}

func (e *AdapterNotFoundError) Error() string { return fmt.Sprintf("adapter %q not found", e.ID) }

// TypeID implements part of the encoding.Value interface.
func (*AdapterNotFoundError) TypeID() string { return "::Ice::AdapterNotFoundException" }

// MarshalSlices implements part of the encoding.Value interface.
func (e *AdapterNotFoundError) MarshalSlices(enc *encoding.Encoder) {
	enc.StartSlice(e.TypeID(), true, false)
	enc.WriteString(e.ID)
	enc.EndSlice()
}

// UnmarshalSlices implements part of the encoding.Value interface.
func (e *AdapterNotFoundError) UnmarshalSlices(d *encoding.Decoder) error {
	if _, err := d.StartSlice(); err != nil {
		return err
	}
	e.ID = d.ReadString()
	return d.EndSlice()
}

// ObjectNotFoundError is the user exception reported when a well-known
// object is not registered.
type ObjectNotFoundError struct {
	ID identity.Identity
}

func (e *ObjectNotFoundError) Error() string { return fmt.Sprintf("object %q not found", e.ID) }

// TypeID implements part of the encoding.Value interface.
func (*ObjectNotFoundError) TypeID() string { return "::Ice::ObjectNotFoundException" }

// MarshalSlices implements part of the encoding.Value interface.
func (e *ObjectNotFoundError) MarshalSlices(enc *encoding.Encoder) {
	enc.StartSlice(e.TypeID(), true, false)
	enc.WriteString(e.ID.Name)
	enc.WriteString(e.ID.Category)
	enc.EndSlice()
}

// UnmarshalSlices implements part of the encoding.Value interface.
func (e *ObjectNotFoundError) UnmarshalSlices(d *encoding.Decoder) error {
	if _, err := d.StartSlice(); err != nil {
		return err
	}
	e.ID = identity.New(d.ReadString(), d.ReadString())
	return d.EndSlice()
}

// Exceptions is a registry of the user exceptions reported by a locator.
var Exceptions = encoding.NewRegistry().
	MustRegister("::Ice::AdapterNotFoundException", func() encoding.Value { return new(AdapterNotFoundError) }).
	MustRegister("::Ice::ObjectNotFoundException", func() encoding.Value { return new(ObjectNotFoundError) })

func userException(x encoding.Exception) error {
	e := encoding.NewEncoder()
	e.WriteException(x)
	return floe.UserException{Data: e.Bytes()}
}

// Registry is an in-memory locator registry servant. Use NewRegistry to
// construct one.
type Registry struct {
	*handler.Object
	log *zap.Logger

	μ        sync.Mutex
	adapters map[string][]endpoint.Endpoint
	objects  map[identity.Identity]proxy.Reference
}

// NewRegistry constructs an empty registry. If log == nil, nothing is
// logged.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		log:      log,
		adapters: make(map[string][]endpoint.Endpoint),
		objects:  make(map[identity.Identity]proxy.Reference),
	}
	r.Object = handler.NewObject(LocatorTypeID, RegistryTypeID).
		Handle(OpFindAdapter, handler.ParamResultError(r.findAdapter)).
		Handle(OpFindObject, handler.ParamResultError(r.findObject)).
		Handle(OpSetAdapter, handler.ParamError(r.setAdapter)).
		Handle(OpListAdapters, handler.ResultOnly(r.listAdapters))
	return r
}

func (r *Registry) findAdapter(_ context.Context, id string) (string, error) {
	eps, ok := r.FindAdapter(id)
	if !ok {
		return "", userException(&AdapterNotFoundError{ID: id})
	}
	return placeholder(eps).String(), nil
}

func (r *Registry) findObject(_ context.Context, s string) (string, error) {
	id, err := identity.Parse(s)
	if err != nil {
		return "", err
	}
	ref, ok := r.FindObject(id)
	if !ok {
		return "", userException(&ObjectNotFoundError{ID: id})
	}
	return ref.String(), nil
}

func (r *Registry) setAdapter(_ context.Context, p handler.StringPair) error {
	if p.First == "" {
		return errors.New("empty adapter ID")
	}
	if p.Second == "" {
		r.RemoveAdapter(p.First)
		return nil
	}
	ref, err := proxy.Parse(p.Second)
	if err != nil {
		return err
	} else if len(ref.Endpoints) == 0 {
		return fmt.Errorf("adapter %q: proxy has no endpoints", p.First)
	}
	r.SetAdapter(p.First, ref.Endpoints)
	return nil
}

func (r *Registry) listAdapters(context.Context) handler.StringSeq {
	return handler.StringSeq(r.Adapters())
}

// placeholder returns a reference carrying eps, for operations whose result
// is endpoints rather than an object.
func placeholder(eps []endpoint.Endpoint) proxy.Reference {
	return proxy.Reference{Identity: identity.New(placeholderName, "")}.WithEndpoints(eps)
}

// SetAdapter registers the endpoints of the given adapter ID, replacing any
// previous registration.
func (r *Registry) SetAdapter(id string, eps []endpoint.Endpoint) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.adapters[id] = slices.Clone(eps)
	r.log.Info("adapter registered", zap.String("adapterID", id), zap.Int("endpoints", len(eps)))
}

// RemoveAdapter removes the registration of the given adapter ID, and
// reports whether it was registered.
func (r *Registry) RemoveAdapter(id string) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	_, ok := r.adapters[id]
	delete(r.adapters, id)
	if ok {
		r.log.Info("adapter unregistered", zap.String("adapterID", id))
	}
	return ok
}

// FindAdapter reports the endpoints registered for the given adapter ID.
func (r *Registry) FindAdapter(id string) ([]endpoint.Endpoint, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	eps, ok := r.adapters[id]
	return eps, ok
}

// Adapters returns the registered adapter IDs in sorted order.
func (r *Registry) Adapters() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Sorted(maps.Keys(r.adapters))
}

// AddObject registers ref as a well-known object, addressed by its
// identity. The reference must be direct, or name an adapter ID.
func (r *Registry) AddObject(ref proxy.Reference) error {
	if ref.IsWellKnown() {
		return fmt.Errorf("object %q: reference has no endpoints or adapter ID", ref.Identity)
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	r.objects[ref.Identity] = ref
	r.log.Info("object registered", zap.Stringer("id", ref.Identity))
	return nil
}

// RemoveObject removes a well-known object, and reports whether it was
// registered.
func (r *Registry) RemoveObject(id identity.Identity) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	_, ok := r.objects[id]
	delete(r.objects, id)
	return ok
}

// FindObject reports the reference registered for a well-known object.
func (r *Registry) FindObject(id identity.Identity) (proxy.Reference, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	ref, ok := r.objects[id]
	return ref, ok
}

// An Invoker sends a twoway request to a remote object.
type Invoker interface {
	Invoke(ctx context.Context, op string, in []byte) ([]byte, error)
}

// Client resolves adapter IDs and well-known objects by calling a remote
// registry, caching resolved adapters. Use NewClient to construct one.
type Client struct {
	inv Invoker
	ttl time.Duration

	μ     sync.Mutex
	cache map[string]entry
}

type entry struct {
	eps     []endpoint.Endpoint
	expires time.Time
}

// NewClient constructs a client that calls the registry via inv. Resolved
// adapters are cached for ttl; if ttl <= 0 nothing is cached.
func NewClient(inv Invoker, ttl time.Duration) *Client {
	return &Client{inv: inv, ttl: ttl, cache: make(map[string]entry)}
}

// FindAdapter returns the endpoints of the given adapter ID. If the adapter
// is not registered, the error has concrete type *AdapterNotFoundError.
func (c *Client) FindAdapter(ctx context.Context, id string) ([]endpoint.Endpoint, error) {
	if eps, ok := c.cached(id); ok {
		return eps, nil
	}
	data, err := c.inv.Invoke(ctx, OpFindAdapter, []byte(id))
	if err != nil {
		return nil, decodeError(err)
	}
	ref, err := proxy.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("invalid locator reply: %w", err)
	}
	if c.ttl > 0 {
		c.μ.Lock()
		c.cache[id] = entry{eps: ref.Endpoints, expires: time.Now().Add(c.ttl)}
		c.μ.Unlock()
	}
	return ref.Endpoints, nil
}

func (c *Client) cached(id string) ([]endpoint.Endpoint, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	e, ok := c.cache[id]
	if !ok {
		return nil, false
	} else if time.Now().After(e.expires) {
		delete(c.cache, id)
		return nil, false
	}
	return e.eps, true
}

// Invalidate discards any cached endpoints for the given adapter ID.
func (c *Client) Invalidate(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.cache, id)
}

// FindObject returns the reference registered for a well-known object. If
// the object is not registered, the error has concrete type
// *ObjectNotFoundError.
func (c *Client) FindObject(ctx context.Context, id identity.Identity) (proxy.Reference, error) {
	data, err := c.inv.Invoke(ctx, OpFindObject, []byte(id.String()))
	if err != nil {
		return proxy.Reference{}, decodeError(err)
	}
	ref, err := proxy.Parse(string(data))
	if err != nil {
		return proxy.Reference{}, fmt.Errorf("invalid locator reply: %w", err)
	}
	return ref, nil
}

// SetAdapter registers eps for the given adapter ID. If eps is empty, the
// registration is removed.
func (c *Client) SetAdapter(ctx context.Context, id string, eps []endpoint.Endpoint) error {
	p := handler.StringPair{First: id}
	if len(eps) != 0 {
		p.Second = placeholder(eps).String()
	}
	e := encoding.NewEncoder()
	p.MarshalFloe(e)
	if _, err := c.inv.Invoke(ctx, OpSetAdapter, e.Bytes()); err != nil {
		return err
	}
	c.Invalidate(id)
	return nil
}

// Adapters lists the adapter IDs registered with the remote registry.
func (c *Client) Adapters(ctx context.Context) ([]string, error) {
	data, err := c.inv.Invoke(ctx, OpListAdapters, nil)
	if err != nil {
		return nil, err
	}
	d := encoding.NewDecoder(data, nil)
	ids := d.ReadStringSeq()
	return ids, d.Err()
}

// decodeError converts a user exception reported by the registry into its
// concrete exception type. Other errors are returned unchanged.
func decodeError(err error) error {
	var ce *floe.CallError
	if !floe.IsResult(err, floe.CodeUserException) || !errors.As(err, &ce) {
		return err
	}
	x, derr := encoding.NewDecoder(ce.Response.Data, Exceptions).ReadException()
	if derr != nil {
		return err
	}
	return x
}
