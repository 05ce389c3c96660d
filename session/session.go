// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package session implements client sessions with a limited lifetime.
//
// A Manager is a servant whose create operation registers a new Session
// servant in an object adapter and returns its proxy string. A client keeps
// its session alive by calling refresh; a Reaper destroys the sessions that
// have not been refreshed within its timeout.
package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/handler"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Type IDs of the servants in this package.
const (
	ManagerTypeID = "::Demo::SessionFactory"
	SessionTypeID = "::Demo::Session"
)

// Operation names.
const (
	OpCreate  = "create"
	OpGetName = "getName"
	OpRefresh = "refresh"
	OpDestroy = "destroy"
)

// ErrStopped is reported by create after the manager has been stopped.
var ErrStopped = errors.New("session manager is stopped")

// A Manager creates sessions in an object adapter. Use NewManager to
// construct one.
type Manager struct {
	*handler.Object
	a   *adapter.Adapter
	log *zap.Logger

	μ        sync.Mutex
	sessions map[identity.Identity]*Session
	stopped  bool
}

// NewManager constructs a manager that registers its sessions in a. If log
// is nil, nothing is logged.
func NewManager(a *adapter.Adapter, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{a: a, log: log, sessions: make(map[identity.Identity]*Session)}
	m.Object = handler.NewObject(ManagerTypeID).
		Handle(OpCreate, handler.ParamResultError(m.create))
	return m
}

func (m *Manager) create(ctx context.Context, name string) (string, error) {
	s, err := m.Create(name)
	if err != nil {
		return "", err
	}
	return m.a.CreateReference(s.id).String(), nil
}

// Create creates and registers a new session with the given name.
func (m *Manager) Create(name string) (*Session, error) {
	s := &Session{m: m, name: name, refreshed: time.Now()}
	s.Object = handler.NewObject(SessionTypeID).
		Handle(OpGetName, handler.ResultError(s.getName)).
		Handle(OpRefresh, handler.ErrorOnly(s.refresh)).
		Handle(OpDestroy, handler.ErrorOnly(s.destroy))

	m.μ.Lock()
	defer m.μ.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	id, err := m.a.AddWithUUID(s)
	if err != nil {
		return nil, err
	}
	s.id = id
	m.sessions[id] = s
	m.log.Info("session created", zap.String("name", name), zap.Stringer("id", id))
	return s, nil
}

// Lookup returns the live session with the given identity, or nil.
func (m *Manager) Lookup(id identity.Identity) *Session {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.sessions[id]
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.sessions)
}

// Names returns the names of the live sessions in sorted order.
func (m *Manager) Names() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	var out []string
	for _, s := range m.sessions {
		out = append(out, s.name)
	}
	slices.Sort(out)
	return out
}

// Reap destroys the sessions that have not been refreshed within timeout
// of now, and reports how many were destroyed.
func (m *Manager) Reap(now time.Time, timeout time.Duration) int {
	m.μ.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if now.Sub(s.lastRefresh()) > timeout {
			expired = append(expired, s)
		}
	}
	m.μ.Unlock()

	var n int
	for _, s := range expired {
		if s.Destroy() {
			m.log.Info("session expired", zap.String("name", s.name), zap.Stringer("id", s.id))
			n++
		}
	}
	return n
}

// Stop destroys all sessions, after which create fails with ErrStopped.
func (m *Manager) Stop() {
	m.μ.Lock()
	m.stopped = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.μ.Unlock()

	for _, s := range all {
		s.Destroy()
	}
}

// remove unregisters s, and reports whether it was live.
func (m *Manager) remove(s *Session) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.sessions[s.id] != s {
		return false
	}
	delete(m.sessions, s.id)
	m.a.Remove(s.id)
	return true
}

// A Session is a servant for a single client session.
type Session struct {
	*handler.Object
	m    *Manager
	id   identity.Identity
	name string

	μ         sync.Mutex
	refreshed time.Time
	destroyed bool
}

// ID reports the identity of s.
func (s *Session) ID() identity.Identity { return s.id }

// Name reports the name s was created with.
func (s *Session) Name() string { return s.name }

// Refresh records that s is in use, and reports whether s is live.
func (s *Session) Refresh() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.destroyed {
		return false
	}
	s.refreshed = time.Now()
	return true
}

// Destroy destroys s and removes it from its adapter. It reports whether
// this call destroyed s.
func (s *Session) Destroy() bool {
	s.μ.Lock()
	if s.destroyed {
		s.μ.Unlock()
		return false
	}
	s.destroyed = true
	s.μ.Unlock()
	return s.m.remove(s)
}

func (s *Session) lastRefresh() time.Time {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.refreshed
}

func (s *Session) isDestroyed() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.destroyed
}

// gone reports an object-not-exist error for the operation in ctx.
func (s *Session) gone(ctx context.Context) error {
	op := "?"
	if cur := handler.ContextCurrent(ctx); cur != nil {
		op = cur.Operation
	}
	return floe.ObjectNotExist(s.id.String(), op)
}

func (s *Session) getName(ctx context.Context) (string, error) {
	if s.isDestroyed() {
		return "", s.gone(ctx)
	}
	return s.name, nil
}

func (s *Session) refresh(ctx context.Context) error {
	if !s.Refresh() {
		return s.gone(ctx)
	}
	return nil
}

func (s *Session) destroy(ctx context.Context) error {
	if !s.Destroy() {
		return s.gone(ctx)
	}
	s.m.log.Info("session destroyed", zap.String("name", s.name), zap.Stringer("id", s.id))
	return nil
}

// A Reaper periodically destroys expired sessions of a manager.
type Reaper struct {
	m      *Manager
	stop   context.CancelFunc
	task   *taskgroup.Single[error]
	μ      sync.Mutex
	reaped int
}

// StartReaper starts a reaper that checks the sessions of m every interval,
// and destroys those not refreshed within timeout. If interval <= 0, the
// timeout is used.
func (m *Manager) StartReaper(interval, timeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reaper{m: m, stop: cancel}
	r.task = taskgroup.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				if n := m.Reap(now, timeout); n > 0 {
					r.μ.Lock()
					r.reaped += n
					r.μ.Unlock()
					m.log.Debug("reaped sessions", zap.Int("count", n), zap.Int("live", m.Len()))
				}
			}
		}
	})
	return r
}

// Reaped reports the number of sessions r has destroyed.
func (r *Reaper) Reaped() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.reaped
}

// Stop stops r and destroys all the sessions of its manager.
func (r *Reaper) Stop() {
	r.stop()
	r.task.Wait()
	r.m.Stop()
}

// String renders a summary of the live sessions of m.
func (m *Manager) String() string {
	return "sessions[" + strings.Join(m.Names(), ",") + "]"
}
