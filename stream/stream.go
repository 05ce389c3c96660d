// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for implementing streaming operations,
// where a single twoway invocation yields a stream of response payloads.
//
// The caller registers a sink object under a random identity in an adapter
// that dispatches requests arriving on the connection, and names the sink in
// the request context. The servant streams values back by invoking the push
// operation of the sink over the same connection.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"iter"
	"maps"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/identity"
)

const (
	// ContextKey is the request context key that names the sink identity.
	ContextKey = "floe.stream"

	// SinkCategory is the identity category of sink objects.
	SinkCategory = "floe.stream"

	// OpPush is the operation a servant invokes on the sink for each value.
	OpPush = "push"
)

// A 24-byte random name makes the sink identity act as a capability: it
// cannot be guessed in reasonable time, and collisions are negligible.
const capabilityLen = 24

// ErrNoSink is reported by a streaming servant for a request that does not
// name a sink.
var ErrNoSink = errors.New("request has no stream sink")

// newSinkID returns a random sink identity.
func newSinkID() identity.Identity {
	var buf [capabilityLen]byte
	rand.Read(buf[:])
	return identity.New(hex.EncodeToString(buf[:]), SinkCategory)
}

// sinkID returns the sink identity named by the context of cur.
func sinkID(cur *adapter.Current) (identity.Identity, error) {
	s, ok := cur.Context[ContextKey]
	if !ok {
		return identity.Identity{}, ErrNoSink
	}
	id, err := identity.Parse(s)
	if err != nil {
		return identity.Identity{}, err
	} else if id.Category != SinkCategory {
		return identity.Identity{}, ErrNoSink
	}
	return id, nil
}

// Call sends req to the remote peer as a twoway request, and yields the
// stream of values the servant pushes back. The stream ends at the servant's
// discretion, or when ctx is canceled.
//
// The sink is registered in a for the duration of the call, so a must be
// active and must be the dispatcher for requests arriving on peer.
//
// The returned iterator yields zero or more (bs, nil) values. If the call ends
// unsuccessfully, the iterator ends the stream with a final (nil, err) tuple.
func Call(ctx context.Context, peer *floe.Peer, a *adapter.Adapter, req *floe.Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The servant streams values back to us by invoking the sink, which
		// runs in a different goroutine. We cannot yield from there, so the
		// sink hands its payloads to us on a channel.
		vals := make(chan []byte)
		sink := newSinkID()
		err := a.Add(sink, adapter.ServantFunc(func(sctx context.Context, cur *adapter.Current, in []byte) ([]byte, error) {
			if cur.Operation != OpPush {
				return nil, floe.OperationNotExist(cur.Target(), cur.Operation)
			}
			select {
			case vals <- in:
				return nil, nil
			case <-ctx.Done():
				// The caller is done with the stream, or the call has returned
				// and a stray push arrived before the sink was removed.
				return nil, ctx.Err()
			case <-sctx.Done():
				// The servant gave up; the call below reports why.
				return nil, sctx.Err()
			}
		}))
		if err != nil {
			yield(nil, err)
			return
		}

		cp := *req
		cp.Context = maps.Clone(req.Context)
		if cp.Context == nil {
			cp.Context = make(map[string]string)
		}
		cp.Context[ContextKey] = sink.String()

		errch := make(chan error, 1)
		go func() {
			// Remove the sink here rather than in the iterator, so the servant
			// cannot see a missing object while the iterator unwinds.
			defer a.Remove(sink)
			defer close(errch)
			_, err := peer.Call(ctx, &cp)
			if ctx.Err() != nil {
				// A local cancellation may surface either directly, or as a
				// canceled push relayed back by the servant. Report both the
				// same way.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				if !yield(v, nil) {
					// Returning cancels the context of the call and the sink, so
					// they unwind and clean up on their own.
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of adapter.ServantFunc that yields a stream of
// responses, rather than a single value. The returned iterator is expected to
// only yield a non-nil error as its final element, following zero or more
// error-free tuples.
type HandlerFunc func(ctx context.Context, cur *adapter.Current, in []byte) iter.Seq2[[]byte, error]

// Servant adapts fn into a servant. The resulting servant must be invoked
// with [Call].
func Servant(fn HandlerFunc) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, in []byte) ([]byte, error) {
		sink, err := sinkID(cur)
		if err != nil {
			return nil, err
		}
		peer := cur.Peer
		if peer == nil {
			return nil, errors.New("stream request has no connection")
		}

		for resp, err := range fn(ctx, cur, in) {
			if err != nil {
				return nil, err
			}
			// The iterator should stop on cancellation by itself, but it might
			// not, so check here too.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := peer.Call(ctx, &floe.Request{Identity: sink, Operation: OpPush, Data: resp}); err != nil {
				return nil, err
			}
		}

		// An iterator that stops on cancellation without yielding an error
		// still ends the call as canceled.
		return nil, ctx.Err()
	}
}
