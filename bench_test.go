// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe_test

import (
	"context"
	"io"
	"testing"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/channel"
	"github.com/creachadair/floe/peers"
)

func noop(context.Context, *floe.Request) ([]byte, error)       { return nil, nil }
func echo(_ context.Context, req *floe.Request) ([]byte, error) { return req.Data, nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(floe.DispatchFunc(noop))
		runBench(b, loc.B, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(floe.DispatchFunc(echo))
		runBench(b, loc.B, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Handle(floe.DispatchFunc(noop))
		runBench(b, pb, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Handle(floe.DispatchFunc(echo))
		runBench(b, pb, payload)
	})
}

func BenchmarkBatch(b *testing.B) {
	loc := peers.NewLocal()
	defer loc.Stop()
	loc.A.Handle(floe.DispatchFunc(noop))

	reqs := make([]*floe.Request, 16)
	for i := range reqs {
		reqs[i] = call("X", []byte("batched"))
	}
	for b.Loop() {
		if err := loc.B.SendBatch(reqs); err != nil {
			b.Fatal(err)
		}
	}
}

func runBench(b *testing.B, peer *floe.Peer, data []byte) {
	b.Helper()
	ctx := context.Background()
	req := call("X", data)

	for b.Loop() {
		_, err := peer.Call(ctx, req)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func pipePeers(tb testing.TB) (pa, pb *floe.Peer) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	pa = floe.NewPeer().Start(channel.IO(ar, aw))
	pb = floe.NewPeer().Start(channel.IO(br, bw))
	tb.Cleanup(func() {
		if err := pa.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := pb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
