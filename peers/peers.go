// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *floe.Peer
	B *floe.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: floe.NewPeer().Start(a2b),
		B: floe.NewPeer().Start(b2a),
	}
}

// An Accepter accepts channels from remote peers.
type Accepter interface {
	Accept(context.Context) (floe.Channel, error)
}

// Hooks are optional callbacks invoked by LoopHooks around the lifetime of
// each peer it starts.
type Hooks struct {
	// Started is called after a peer has been started on ch.
	Started func(p *floe.Peer, ch floe.Channel)

	// Stopped is called after a peer has exited, with its exit status.
	Stopped func(p *floe.Peer, err error)
}

// Loop accepts connections from acc and starts a clone of base for each one
// in a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, base *floe.Peer) error {
	return LoopHooks(ctx, acc, base, Hooks{})
}

// LoopHooks is as Loop, but invokes the callbacks in h for each peer.
func LoopHooks(ctx context.Context, acc Accepter, base *floe.Peer, h Hooks) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := base.Clone().Start(ch)
			if h.Started != nil {
				h.Started(peer, ch)
			}

			go func() { <-sctx.Done(); peer.Stop() }()
			err := peer.Wait()
			if h.Stopped != nil {
				h.Stopped(peer, err)
			}
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.  Channels it
// returns apply writeTimeout to each send, if it is positive.
func NetAccepter(lst net.Listener, writeTimeout time.Duration) Accepter {
	return netAccepter{Listener: lst, wto: writeTimeout}
}

type netAccepter struct {
	net.Listener
	wto time.Duration
}

func (n netAccepter) Accept(ctx context.Context) (floe.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn, n.wto), nil
}
