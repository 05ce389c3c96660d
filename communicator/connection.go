// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package communicator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/channel"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/proxy"
)

// gracefulCloseTimeout bounds a graceful close before it becomes forceful.
const gracefulCloseTimeout = 10 * time.Second

// A Connection is a connection between a communicator and a remote peer,
// either dialed by a proxy or accepted by an object adapter.
//
// A Connection satisfies the acm.Conn interface.
type Connection struct {
	comm     *Communicator
	ep       endpoint.Endpoint
	peer     *floe.Peer
	incoming bool
	local    net.Addr
	remote   net.Addr
	done     chan struct{} // closed when the peer exits
}

type addresser interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

func newConnection(c *Communicator, ep endpoint.Endpoint, addrs any, incoming bool) *Connection {
	conn := &Connection{comm: c, ep: ep, incoming: incoming, done: make(chan struct{})}
	if a, ok := addrs.(addresser); ok {
		conn.local, conn.remote = a.LocalAddr(), a.RemoteAddr()
	}
	return conn
}

// start starts the peer of an outgoing connection on nc.
func (c *Connection) start(nc net.Conn) {
	c.peer.Start(channel.Conn(nc, writeTimeout(c.ep)))
	c.comm.mon.Add(c)
	if c.Closed() {
		c.comm.mon.Remove(c) // exited before it was added
	}
}

// finish records that the peer of c has exited.
func (c *Connection) finish() {
	c.comm.mon.Remove(c)
	close(c.done)
}

// Endpoint reports the endpoint of c: the remote endpoint for an outgoing
// connection, or the listening endpoint for an incoming one.
func (c *Connection) Endpoint() endpoint.Endpoint { return c.ep }

// Incoming reports whether c was accepted by an object adapter.
func (c *Connection) Incoming() bool { return c.incoming }

// Peer returns the peer of c.
func (c *Connection) Peer() *floe.Peer { return c.peer }

// Done returns a channel that is closed when c has closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether c has closed.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) String() string {
	dir := "->"
	if c.incoming {
		dir = "<-"
	}
	if c.local == nil || c.remote == nil {
		return fmt.Sprintf("%s %s", dir, c.ep)
	}
	return fmt.Sprintf("%s %s %s %s", c.ep.Network(), c.local, dir, c.remote)
}

// Active implements part of the acm.Conn interface.
func (c *Connection) Active() (inbound, outbound int) { return c.peer.Active() }

// LastActivity implements part of the acm.Conn interface.
func (c *Connection) LastActivity() time.Time { return c.peer.LastActivity() }

// Heartbeat sends a heartbeat to the remote peer.
func (c *Connection) Heartbeat() error { return c.peer.Heartbeat() }

// Close closes c. If graceful is true, new calls are rejected and Close
// waits for pending calls to complete and for the remote peer to close;
// otherwise pending calls are abandoned and the connection closes at once.
func (c *Connection) Close(graceful bool) error {
	c.comm.evict(c)
	if !graceful {
		return c.peer.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulCloseTimeout)
	defer cancel()
	return c.peer.Shutdown(ctx)
}

// SetAdapter installs a as the dispatcher for requests sent by the remote
// peer on c, permitting callbacks over an outgoing connection. If a == nil,
// such requests fail with object-not-exist.
func (c *Connection) SetAdapter(a *adapter.Adapter) {
	if a == nil {
		c.peer.Handle(nil)
	} else {
		c.peer.Handle(a)
	}
}

// CreateProxy returns a proxy for id whose invocations are always sent on c.
// A fixed proxy is not retried on another connection.
func (c *Connection) CreateProxy(id identity.Identity) *Proxy {
	ref := proxy.Reference{Identity: id}.WithEndpoints([]endpoint.Endpoint{c.ep})
	return &Proxy{comm: c.comm, ref: ref, fixed: c}
}

func writeTimeout(ep endpoint.Endpoint) time.Duration {
	if ep.Timeout > 0 {
		return ep.Timeout
	}
	return 0
}
