// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/peers"
	"github.com/creachadair/floe/stream"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var streamerID = identity.New("streamer", "")

func TestStream(t *testing.T) {
	defer leaktest.Check(t)()

	tests := []struct {
		in      string
		want    []string
		wantErr string
	}{
		{"stream foo bar", vals("foo", "bar"), ""},
		{"stream foo bar, err", vals("foo", "bar"), "service error: test"},
		{"err", vals(), "service error: test"},
		{"req, req, stream foo", vals("req", "req", "foo"), ""},
		// server-side cancellation just before successful stream end
		{"stream foo, server-cancel", vals("foo"), "context canceled"},
		// server-side cancellation that the handler ignores
		{"stream foo, server-cancel, stream bar qux", vals("foo"), "context canceled"},
		// server-side cancellation that the handler obeys
		{"stream foo, server-cancel, return-canceled", vals("foo"), "context canceled"},
		// client-side cancellation
		{"stream foo, client-cancel, stream bar qux", vals("foo"), "context canceled"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ps := peers.NewLocal()
			defer ps.Stop()

			ctx, clientCancel := context.WithCancel(context.Background())
			defer clientCancel()

			client := adapter.New("client", nil)
			client.Activate()
			ps.A.Handle(client)

			server := adapter.New("server", nil)
			if err := server.Add(streamerID, stream.Servant(parseStreamSpec(t, tc.in))); err != nil {
				t.Fatalf("Add servant: %v", err)
			}
			server.Activate()
			ps.B.Handle(server).NewContext(func() context.Context {
				// Give the servant access to both client-side and server-side
				// cancel functions, so that parseStreamSpec can drive
				// cancellation on either end. To synchronize client-side
				// cancellation, also include the client-side context.
				serverCtx, serverCancel := context.WithCancel(context.Background())
				serverCtx = context.WithValue(serverCtx, serverCancelContextKey{}, serverCancel)
				serverCtx = context.WithValue(serverCtx, clientCtxContextKey{}, ctx)
				serverCtx = context.WithValue(serverCtx, clientCancelContextKey{}, clientCancel)
				return serverCtx
			})

			var got []string
			var gotErr error
			req := &floe.Request{Identity: streamerID, Operation: "stream", Data: []byte("req")}
			for resp, err := range stream.Call(ctx, ps.A, client, req) {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, string(resp))
			}
			if diff := cmp.Diff(got, tc.want, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("Stream (-got, +want):\n%s", diff)
			}
			if gotErr != nil {
				// Errors transit over a connection, so compare strings as an
				// approximation.
				if gotErr.Error() != tc.wantErr {
					t.Fatalf("Unexpected error %q, want %q", gotErr, tc.wantErr)
				}
			} else if tc.wantErr != "" {
				t.Fatalf("Stream didn't yield error, want %q", tc.wantErr)
			}
		})
	}
}

func TestNoSink(t *testing.T) {
	defer leaktest.Check(t)()

	ps := peers.NewLocal()
	defer ps.Stop()

	server := adapter.New("server", nil)
	server.Add(streamerID, stream.Servant(parseStreamSpec(t, "stream foo")))
	server.Activate()
	ps.B.Handle(server)

	// A plain call does not name a sink.
	_, err := ps.A.Call(context.Background(), &floe.Request{Identity: streamerID, Operation: "stream"})
	var ce *floe.CallError
	if !errors.As(err, &ce) || ce.Result() != floe.CodeServiceError {
		t.Fatalf("Call: got %v, want service error", err)
	} else if !strings.Contains(ce.Message, stream.ErrNoSink.Error()) {
		t.Errorf("Call: got message %q, want %q", ce.Message, stream.ErrNoSink)
	}
}

func parseStreamSpec(t *testing.T, s string) stream.HandlerFunc {
	return func(ctx context.Context, _ *adapter.Current, in []byte) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for _, cmd := range strings.Split(s, ",") {
				fs := strings.Fields(cmd)
				switch fs[0] {
				case "stream":
					for _, v := range fs[1:] {
						if !yield([]byte(v), nil) {
							return
						}
					}
				case "req":
					if !yield(in, nil) {
						return
					}
				case "err":
					yield(nil, errTest)
					return
				case "server-cancel":
					cancel := ctx.Value(serverCancelContextKey{}).(context.CancelFunc)
					cancel()
					// Closing of ctx.Done can happen asynchronously after cancel
					// returns. Wait for it, so the caller reliably sees a
					// canceled context as well.
					<-ctx.Done()
				case "client-cancel":
					cancel := ctx.Value(clientCancelContextKey{}).(context.CancelFunc)
					cancel()
					// Same as above, for the client's context.
					clientCtx := ctx.Value(clientCtxContextKey{}).(context.Context)
					<-clientCtx.Done()
				case "return-canceled":
					if ctx.Err() == nil {
						t.Errorf("parseStreamSpec instructed to return-canceled, but ctx isn't canceled")
					}
					yield(nil, ctx.Err())
					return
				default:
					t.Errorf("unknown parseStreamSpec command %q", fs[0])
				}
			}
		}
	}
}

type clientCancelContextKey struct{}
type clientCtxContextKey struct{}
type serverCancelContextKey struct{}

var errTest = errors.New("test")

func vals(vs ...string) []string { return vs }
