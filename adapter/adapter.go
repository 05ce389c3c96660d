// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package adapter implements object adapters, which map inbound requests to
// the servants that implement the target objects.
//
// # Lookup
//
// An adapter finds the servant for a request by trying, in order:
//
//   - the servant registered for the exact identity and facet,
//   - the servant locator registered for the identity category, or if there
//     is none, the locator registered for the empty category,
//   - the default servant for the identity category,
//   - the default servant for the empty category.
//
// If a locator is consulted and yields no servant, the search ends. If no
// servant is found, the request fails with an object-not-exist error, or a
// facet-not-exist error if the identity is registered with other facets.
//
// # Lifecycle
//
// A new adapter is holding: requests wait until it is activated. Hold
// returns an active adapter to the holding state. Once deactivated, an
// adapter rejects all requests with object-not-exist, and its locators are
// told to release their resources.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/proxy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDeactivated is reported for operations on a deactivated adapter.
var ErrDeactivated = errors.New("object adapter is deactivated")

// Current describes the request being dispatched to a servant.
type Current struct {
	Adapter    *Adapter
	Identity   identity.Identity
	Facet      string
	Operation  string
	Mode       floe.Mode
	Idempotent bool
	Context    map[string]string
	RequestID  uint32
	Peer       *floe.Peer // the connection the request arrived on, or nil
}

// Target returns a human-readable rendering of the identity and facet of c.
func (c *Current) Target() string { return target(c.Identity, c.Facet) }

// A Servant implements the operations of one or more objects.
//
// The error reported by Dispatch is delivered to the caller as described for
// floe.Dispatcher. A servant that does not implement the operation should
// report floe.OperationNotExist.
type Servant interface {
	Dispatch(ctx context.Context, cur *Current, in []byte) ([]byte, error)
}

// ServantFunc adapts a function to the Servant interface.
type ServantFunc func(ctx context.Context, cur *Current, in []byte) ([]byte, error)

// Dispatch implements the Servant interface.
func (f ServantFunc) Dispatch(ctx context.Context, cur *Current, in []byte) ([]byte, error) {
	return f(ctx, cur, in)
}

// Typed is an optional interface for servants that report the type IDs of
// the objects they implement, most-derived first. It is used by the built-in
// ice_isA, ice_id and ice_ids operations.
type Typed interface {
	TypeIDs() []string
}

// A Locator resolves servants on demand for a category of identities.
type Locator interface {
	// Locate returns a servant for the request described by cur, or nil if
	// there is no such object. The cookie is passed to Finished.
	Locate(ctx context.Context, cur *Current) (s Servant, cookie any, err error)

	// Finished is called after a request dispatched to a servant returned by
	// Locate completes, whether or not it succeeded.
	Finished(ctx context.Context, cur *Current, s Servant, cookie any)

	// Deactivate is called once, when the adapter is deactivated.
	Deactivate(category string)
}

// Middleware wraps a servant to intercept its dispatches.
type Middleware func(Servant) Servant

// An Executor runs dispatches on behalf of an adapter. Run must call f with
// a context derived from ctx. If ctx ends before f begins, Run may report
// the error without calling f; once f has begun, Run must wait for it to
// return.
type Executor interface {
	Run(ctx context.Context, f func(context.Context)) error
}

// State is the lifecycle state of an adapter.
type State int

const (
	Holding State = iota
	Active
	Deactivated
)

func (s State) String() string {
	switch s {
	case Holding:
		return "holding"
	case Active:
		return "active"
	case Deactivated:
		return "deactivated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options are optional settings for an adapter. A nil *Options provides
// defaults.
type Options struct {
	// If set, run each dispatch with this executor.
	Executor Executor

	// If set, log adapter events here. By default nothing is logged.
	Logger *zap.Logger
}

func (o *Options) executor() Executor {
	if o == nil {
		return nil
	}
	return o.Executor
}

func (o *Options) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// An Adapter dispatches requests to servants. It implements the
// floe.Dispatcher interface, and can be installed on any peer.
type Adapter struct {
	name string
	exec Executor
	log  *zap.Logger

	μ         sync.Mutex
	state     State
	resume    chan struct{} // closed when the adapter leaves the holding state
	done      chan struct{} // closed when the adapter is deactivated
	active    int           // dispatches in progress
	idle      chan struct{} // closed when active becomes 0, or nil
	servants  map[identity.Identity]map[string]Servant
	defaults  map[string]Servant
	locators  map[string]Locator
	mw        []Middleware
	endpoints []endpoint.Endpoint // published endpoints
	adapterID string
}

// New constructs a new holding adapter with the given name.
func New(name string, opts *Options) *Adapter {
	return &Adapter{
		name:     name,
		exec:     opts.executor(),
		log:      opts.logger().With(zap.String("adapter", name)),
		resume:   make(chan struct{}),
		done:     make(chan struct{}),
		servants: make(map[identity.Identity]map[string]Servant),
		defaults: make(map[string]Servant),
		locators: make(map[string]Locator),
	}
}

// Name reports the name of a.
func (a *Adapter) Name() string { return a.name }

// State reports the current lifecycle state of a.
func (a *Adapter) State() State {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.state
}

// Use adds middleware to a. The first middleware added is outermost. Use
// returns a to permit chaining.
func (a *Adapter) Use(mw ...Middleware) *Adapter {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.mw = append(a.mw, mw...)
	return a
}

// Add registers s as the servant for id with the default facet.
func (a *Adapter) Add(id identity.Identity, s Servant) error { return a.AddFacet(id, "", s) }

// AddFacet registers s as the servant for the given facet of id.
func (a *Adapter) AddFacet(id identity.Identity, facet string, s Servant) error {
	if id.Name == "" {
		return identity.ErrEmptyName
	} else if s == nil {
		return fmt.Errorf("nil servant for %v", id)
	}
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.state == Deactivated {
		return ErrDeactivated
	}
	fs := a.servants[id]
	if _, ok := fs[facet]; ok {
		return &AlreadyRegisteredError{Kind: "servant", ID: target(id, facet)}
	}
	if fs == nil {
		fs = make(map[string]Servant)
		a.servants[id] = fs
	}
	fs[facet] = s
	return nil
}

// AddWithUUID registers s with a new identity whose name is a random UUID,
// and returns the identity.
func (a *Adapter) AddWithUUID(s Servant) (identity.Identity, error) {
	id := identity.New(uuid.NewString(), "")
	if err := a.Add(id, s); err != nil {
		return identity.Identity{}, err
	}
	return id, nil
}

// Remove removes and returns the servant for id with the default facet.
func (a *Adapter) Remove(id identity.Identity) (Servant, error) { return a.RemoveFacet(id, "") }

// RemoveFacet removes and returns the servant for the given facet of id.
func (a *Adapter) RemoveFacet(id identity.Identity, facet string) (Servant, error) {
	a.μ.Lock()
	defer a.μ.Unlock()
	fs := a.servants[id]
	s, ok := fs[facet]
	if !ok {
		return nil, &NotRegisteredError{Kind: "servant", ID: target(id, facet)}
	}
	delete(fs, facet)
	if len(fs) == 0 {
		delete(a.servants, id)
	}
	return s, nil
}

// RemoveAll removes all the facets of id, and returns them keyed by facet.
func (a *Adapter) RemoveAll(id identity.Identity) (map[string]Servant, error) {
	a.μ.Lock()
	defer a.μ.Unlock()
	fs, ok := a.servants[id]
	if !ok {
		return nil, &NotRegisteredError{Kind: "servant", ID: id.String()}
	}
	delete(a.servants, id)
	return fs, nil
}

// Find returns the servant for id with the default facet, or nil.
func (a *Adapter) Find(id identity.Identity) Servant { return a.FindFacet(id, "") }

// FindFacet returns the servant for the given facet of id, or nil.
func (a *Adapter) FindFacet(id identity.Identity, facet string) Servant {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.servants[id][facet]
}

// FindAllFacets returns the servants for all facets of id, keyed by facet.
func (a *Adapter) FindAllFacets(id identity.Identity) map[string]Servant {
	a.μ.Lock()
	defer a.μ.Unlock()
	return maps.Clone(a.servants[id])
}

// Has reports whether any servant is registered for id.
func (a *Adapter) Has(id identity.Identity) bool {
	a.μ.Lock()
	defer a.μ.Unlock()
	return len(a.servants[id]) != 0
}

// AddDefaultServant registers s as the default servant for category. The
// default servant for the empty category matches every identity.
func (a *Adapter) AddDefaultServant(category string, s Servant) error {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.state == Deactivated {
		return ErrDeactivated
	} else if _, ok := a.defaults[category]; ok {
		return &AlreadyRegisteredError{Kind: "default servant", ID: category}
	}
	a.defaults[category] = s
	return nil
}

// RemoveDefaultServant removes and returns the default servant for category.
func (a *Adapter) RemoveDefaultServant(category string) (Servant, error) {
	a.μ.Lock()
	defer a.μ.Unlock()
	s, ok := a.defaults[category]
	if !ok {
		return nil, &NotRegisteredError{Kind: "default servant", ID: category}
	}
	delete(a.defaults, category)
	return s, nil
}

// FindDefaultServant returns the default servant for category, or nil.
func (a *Adapter) FindDefaultServant(category string) Servant {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.defaults[category]
}

// AddLocator registers loc as the servant locator for category.
func (a *Adapter) AddLocator(category string, loc Locator) error {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.state == Deactivated {
		return ErrDeactivated
	} else if _, ok := a.locators[category]; ok {
		return &AlreadyRegisteredError{Kind: "servant locator", ID: category}
	}
	a.locators[category] = loc
	return nil
}

// RemoveLocator removes and returns the locator for category. Its Deactivate
// method is not called.
func (a *Adapter) RemoveLocator(category string) (Locator, error) {
	a.μ.Lock()
	defer a.μ.Unlock()
	loc, ok := a.locators[category]
	if !ok {
		return nil, &NotRegisteredError{Kind: "servant locator", ID: category}
	}
	delete(a.locators, category)
	return loc, nil
}

// FindLocator returns the locator for category, or nil.
func (a *Adapter) FindLocator(category string) Locator {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.locators[category]
}

// Activate starts dispatching requests, including any that were waiting
// while the adapter was holding.
func (a *Adapter) Activate() error {
	a.μ.Lock()
	defer a.μ.Unlock()
	switch a.state {
	case Deactivated:
		return ErrDeactivated
	case Holding:
		a.state = Active
		close(a.resume)
		a.log.Debug("adapter activated")
	}
	return nil
}

// Hold stops dispatching new requests until Activate is called. Requests
// arriving while the adapter is holding wait for activation or for their
// contexts to end. Dispatches already in progress are not affected.
func (a *Adapter) Hold() error {
	a.μ.Lock()
	defer a.μ.Unlock()
	switch a.state {
	case Deactivated:
		return ErrDeactivated
	case Active:
		a.state = Holding
		a.resume = make(chan struct{})
		a.log.Debug("adapter holding")
	}
	return nil
}

// Deactivate permanently stops a from dispatching requests. Waiting and new
// requests fail with object-not-exist. The Deactivate method of each
// registered locator is called once. Deactivate does not wait for active
// dispatches; use WaitForDeactivate for that.
func (a *Adapter) Deactivate() {
	a.μ.Lock()
	if a.state == Deactivated {
		a.μ.Unlock()
		return
	}
	if a.state == Holding {
		close(a.resume)
	}
	a.state = Deactivated
	close(a.done)
	locs := maps.Clone(a.locators)
	clear(a.locators)
	a.μ.Unlock()

	for cat, loc := range locs {
		loc.Deactivate(cat)
	}
	a.log.Info("adapter deactivated")
}

// WaitForDeactivate blocks until a has been deactivated and all its active
// dispatches have completed, or until ctx ends.
func (a *Adapter) WaitForDeactivate(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
	}
	for {
		a.μ.Lock()
		if a.active == 0 {
			a.μ.Unlock()
			return nil
		}
		if a.idle == nil {
			a.idle = make(chan struct{})
		}
		wait := a.idle
		a.μ.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// SetPublished sets the endpoints and adapter ID advertised in references
// created by a. If adapterID is non-empty, created references are indirect.
func (a *Adapter) SetPublished(eps []endpoint.Endpoint, adapterID string) {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.endpoints = eps
	a.adapterID = adapterID
}

// Endpoints reports the published endpoints of a.
func (a *Adapter) Endpoints() []endpoint.Endpoint {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.endpoints
}

// AdapterID reports the published adapter ID of a, or "".
func (a *Adapter) AdapterID() string {
	a.μ.Lock()
	defer a.μ.Unlock()
	return a.adapterID
}

// CreateReference returns a reference to id at a. If a has an adapter ID
// the reference is indirect; otherwise it is direct with the published
// endpoints of a.
func (a *Adapter) CreateReference(id identity.Identity) proxy.Reference {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.adapterID != "" {
		return proxy.Reference{Identity: id, AdapterID: a.adapterID}
	}
	return proxy.Reference{Identity: id}.WithEndpoints(a.endpoints)
}

// CreateDirectReference returns a direct reference to id at the published
// endpoints of a.
func (a *Adapter) CreateDirectReference(id identity.Identity) proxy.Reference {
	return proxy.Reference{Identity: id}.WithEndpoints(a.Endpoints())
}

// Dispatch implements the floe.Dispatcher interface.
func (a *Adapter) Dispatch(ctx context.Context, req *floe.Request) ([]byte, error) {
	if err := a.enter(ctx, req); err != nil {
		return nil, err
	}
	defer a.exit()

	cur := &Current{
		Adapter:    a,
		Identity:   req.Identity,
		Facet:      req.Facet,
		Operation:  req.Operation,
		Mode:       req.Mode,
		Idempotent: req.Idempotent,
		Context:    req.Context,
		RequestID:  req.RequestID,
		Peer:       floe.ContextPeer(ctx),
	}
	if a.exec == nil {
		return a.dispatch(ctx, cur, req.Data)
	}
	var data []byte
	var err error
	if rerr := a.exec.Run(ctx, func(ctx context.Context) {
		data, err = a.dispatch(ctx, cur, req.Data)
	}); rerr != nil {
		return nil, rerr
	}
	return data, err
}

// enter waits until a is able to dispatch req, and records an active
// dispatch.
func (a *Adapter) enter(ctx context.Context, req *floe.Request) error {
	for {
		a.μ.Lock()
		switch a.state {
		case Active:
			a.active++
			a.μ.Unlock()
			return nil
		case Deactivated:
			a.μ.Unlock()
			return floe.ObjectNotExist(req.Identity.String(), req.Operation)
		}
		wait := a.resume
		a.μ.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (a *Adapter) exit() {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.active--
	if a.active == 0 && a.idle != nil {
		close(a.idle)
		a.idle = nil
	}
}

func (a *Adapter) dispatch(ctx context.Context, cur *Current, in []byte) ([]byte, error) {
	s, finished, err := a.lookup(ctx, cur)
	if err != nil {
		return nil, err
	}
	if finished != nil {
		defer finished()
	}
	a.μ.Lock()
	mw := a.mw
	a.μ.Unlock()

	var h Servant = builtins{s}
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h.Dispatch(ctx, cur, in)
}

// lookup finds the servant for cur. If the servant came from a locator, it
// also returns a function to report completion to the locator.
func (a *Adapter) lookup(ctx context.Context, cur *Current) (Servant, func(), error) {
	a.μ.Lock()
	fs, known := a.servants[cur.Identity]
	if s, ok := fs[cur.Facet]; ok {
		a.μ.Unlock()
		return s, nil, nil
	}
	cat := cur.Identity.Category
	loc, ok := a.locators[cat]
	if !ok {
		loc = a.locators[""]
	}
	def, ok := a.defaults[cat]
	if !ok {
		def = a.defaults[""]
	}
	a.μ.Unlock()

	if loc != nil {
		s, cookie, err := loc.Locate(ctx, cur)
		if err != nil {
			a.log.Debug("locator failed", zap.String("target", cur.Target()), zap.Error(err))
			return nil, nil, err
		} else if s != nil {
			return s, func() { loc.Finished(ctx, cur, s, cookie) }, nil
		}
	} else if def != nil {
		return def, nil, nil
	}
	if known {
		return nil, nil, floe.FacetNotExist(cur.Identity.String(), cur.Facet, cur.Operation)
	}
	return nil, nil, floe.ObjectNotExist(cur.Identity.String(), cur.Operation)
}

func target(id identity.Identity, facet string) string {
	if facet == "" {
		return id.String()
	}
	return id.String() + " -f " + facet
}

// AlreadyRegisteredError is reported when registering something under a key
// that is already in use.
type AlreadyRegisteredError struct {
	Kind string // e.g., "servant"
	ID   string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is already registered", e.Kind, e.ID)
}

// NotRegisteredError is reported when removing something that is not
// registered.
type NotRegisteredError struct {
	Kind string
	ID   string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.ID)
}
