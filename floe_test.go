// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/channel"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/packet"
	"github.com/creachadair/floe/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var testID = identity.New("test", "")

// route returns a dispatcher that calls the handler for the operation of each
// request, and reports an unknown operation otherwise.
func route(ops map[string]floe.DispatchFunc) floe.DispatchFunc {
	return func(ctx context.Context, req *floe.Request) ([]byte, error) {
		f, ok := ops[req.Operation]
		if !ok {
			return nil, floe.OperationNotExist(req.Identity.String(), req.Operation)
		}
		return f(ctx, req)
	}
}

func call(op string, data []byte) *floe.Request {
	return &floe.Request{Identity: testID, Operation: op, Data: data}
}

func TestPeer(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	}()

	// The test cases send a string in the request that is parsed by
	// parseTestSpec (see below) to control what the dispatcher returns.
	loc.A.Handle(route(map[string]floe.DispatchFunc{
		"spec": func(ctx context.Context, req *floe.Request) ([]byte, error) {
			return parseTestSpec(ctx, string(req.Data))
		},
	}))

	notExist := func(id identity.Identity, op string) []byte {
		return floe.ErrorData{Message: fmt.Sprintf("object %q (op %q)", id.String(), op)}.Encode()
	}
	tests := []struct {
		who   *floe.Peer     // peer originating the call
		op    string         // operation name to call
		input string         // input for parseTestSpec (generates response)
		want  *floe.Response // expected response
	}{
		{loc.A, "spec", "n/a", &floe.Response{
			Code: floe.CodeObjectNotExist,
			Data: notExist(testID, "spec"),
		}}, // B has no dispatcher
		{loc.B, "nonesuch", "n/a", &floe.Response{
			Code: floe.CodeOperationNotExist,
			Data: floe.ErrorData{Message: `object "test" has no operation "nonesuch"`}.Encode(),
		}},

		{loc.B, "spec", "ok", &floe.Response{}},                        // success, empty data
		{loc.B, "spec", "ok yay", &floe.Response{Data: []byte("yay")}}, // success, non-empty data

		{loc.B, "spec", "error failure", &floe.Response{
			Code: floe.CodeServiceError,
			Data: floe.ErrorData{Message: "failure"}.Encode(),
		}}, // service error, default handling
		{loc.B, "spec", "edata 17 hey stuff", &floe.Response{
			Code: floe.CodeServiceError,
			Data: floe.ErrorData{Code: 17, Message: "hey", Data: []byte("stuff")}.Encode(),
		}}, // service error, dispatcher-provided code and data (by value)
		{loc.B, "spec", "*edata 101 goober nonsense", &floe.Response{
			Code: floe.CodeServiceError,
			Data: floe.ErrorData{Code: 101, Message: "goober", Data: []byte("nonsense")}.Encode(),
		}}, // service error, dispatcher-provided code and data (pointer)
		{loc.B, "spec", "raise \x01\x02oops", &floe.Response{
			Code: floe.CodeUserException,
			Data: []byte("\x01\x02oops"),
		}}, // user exception, data passed through
		{loc.B, "spec", "missing", &floe.Response{
			Code: floe.CodeObjectNotExist,
			Data: notExist(testID, "spec"),
		}}, // result error from the dispatcher

		{loc.B, "spec", "peer?", &floe.Response{Data: []byte("present")}}, // check context peer
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%s-%s", test.op, strings.Fields(test.input)[0]), func(t *testing.T) {
			ctx := context.Background()

			rsp, err := test.who.Call(ctx, call(test.op, []byte(test.input)))
			if err != nil {
				if rsp != nil {
					t.Errorf("Call: got response %+v with error %v", rsp, err)
				}
				ce, ok := err.(*floe.CallError)
				if !ok {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}
				t.Logf("CallError: %v", ce)
				if got := ce.Result(); got != test.want.Code {
					t.Errorf("Result: got %v, want %v", got, test.want.Code)
				}
				if !floe.IsResult(err, test.want.Code) {
					t.Errorf("IsResult(%v): got false, want true", test.want.Code)
				}

				// If we got error data from the remote peer, verify that the
				// CallError correctly unpacked the data from the response.
				if ce.Err == nil && ce.Response.Code != floe.CodeUserException {
					var ed floe.ErrorData
					if err := ed.Decode(ce.Response.Data); err != nil {
						t.Errorf("Decode response ErrorData: %v", err)
					} else if diff := cmp.Diff(ed, ce.ErrorData); diff != "" {
						t.Errorf("ErrorData (-got, +want):\n%s", diff)
					}
					t.Logf("Response ErrorData: %v", ed)
				}
				rsp = ce.Response
			}

			// Ignore the RequestID field, which we can't correctly predict, and
			// treat nil and empty as equivalent.
			ignoreID := cmpopts.IgnoreFields(*rsp, "RequestID")
			if diff := cmp.Diff(test.want, rsp, ignoreID, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Wrong response (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestDispatchPanic(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Handle(floe.DispatchFunc(func(context.Context, *floe.Request) ([]byte, error) {
		panic("unmitigated disaster")
	}))
	_, err := loc.B.Call(context.Background(), call("boom", nil))
	if !floe.IsResult(err, floe.CodeServiceError) {
		t.Fatalf("Call: got %v, want service error", err)
	}
	var ce *floe.CallError
	if errors.As(err, &ce) && !strings.Contains(ce.Message, "panicked") {
		t.Errorf("Call: got message %q, want panic", ce.Message)
	}

	// The peer survives the panic.
	loc.A.Handle(floe.DispatchFunc(echo))
	if rsp, err := loc.B.Call(context.Background(), call("echo", []byte("ok"))); err != nil {
		t.Errorf("Call after panic: %v", err)
	} else if got := string(rsp.Data); got != "ok" {
		t.Errorf("Call after panic: got %q, want ok", got)
	}
}

func TestHandleReserved(t *testing.T) {
	p := floe.NewPeer()
	for _, ptype := range []floe.PacketType{0, floe.PacketRequest, floe.PacketClose, 127} {
		got := mtest.MustPanic(t, func() { p.HandlePacket(ptype, nil) }).(string)
		if !strings.Contains(got, "reserved packet type") {
			t.Errorf("HandlePacket(%v): got %q, want reserved", ptype, got)
		}
	}
	p.HandlePacket(128, nil) // OK
}

func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type logged struct {
		T floe.PacketType
		P string
	}

	var wg sync.WaitGroup
	wg.Add(3) // there are three packets exchanged below

	var apkt []logged
	loc.A.LogPackets(func(pkt floe.PacketInfo) {
		if !pkt.Sent {
			apkt = append(apkt, logged{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	}).Handle(floe.DispatchFunc(func(ctx context.Context, _ *floe.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	var bpkt []logged
	loc.B.LogPackets(func(pkt floe.PacketInfo) {
		if !pkt.Sent {
			bpkt = append(bpkt, logged{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rsp, err := loc.B.Call(ctx, call("wait", nil))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Got %+v, %v; want %v", rsp, err, context.Canceled)
	}

	wg.Wait()

	// B should have sent a Request followed by a Cancellation.
	if diff := cmp.Diff([]logged{
		{T: floe.PacketRequest, P: string(floe.Request{
			RequestID: 1, Identity: testID, Operation: "wait",
		}.Encode())},
		{T: floe.PacketCancel, P: "\x00\x00\x00\x01"},
	}, apkt); diff != "" {
		t.Errorf("A packets (-want, +got):\n%s", diff)
	}

	// A should have replied with a cancellation Response for B's Request.
	if diff := cmp.Diff([]logged{
		// Response(1, CANCELED, nil)
		{T: floe.PacketResponse, P: "\x00\x00\x00\x01\x05"},
	}, bpkt); diff != "" {
		t.Errorf("B packets (-want, +got):\n%s", diff)
	}
}

func TestPeerExec(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	exec := func(ctx context.Context, op string, req *floe.Request) ([]byte, error) {
		return floe.ContextPeer(ctx).Exec(ctx, call(op, req.Data))
	}
	loc.A.
		LogPackets(logPacket(t, "Peer A")).
		Handle(route(map[string]floe.DispatchFunc{
			"one": func(context.Context, *floe.Request) ([]byte, error) {
				t.Log("dispatch: one")
				return []byte("ok"), nil
			},
			"two": func(ctx context.Context, req *floe.Request) ([]byte, error) {
				t.Log("dispatch: two")
				// Forward the request to one, should succeed.
				return exec(ctx, "one", req)
			},
			"three": func(ctx context.Context, req *floe.Request) ([]byte, error) {
				t.Log("dispatch: three")
				// Forward the request to a missing operation, should fail.
				// The data reported here should not be seen by the caller.
				_, err := exec(ctx, "nonesuch", req)
				return []byte("unseen"), err
			},
			"four": func(ctx context.Context, req *floe.Request) ([]byte, error) {
				t.Log("dispatch: four")
				// Forward the request to two, which should forward it to one.
				return exec(ctx, "two", req)
			},
		}))

	ctx := context.Background()
	for _, op := range []string{"two", "four"} {
		t.Run("Call-"+op, func(t *testing.T) {
			rsp, err := loc.B.Call(ctx, call(op, nil))
			if err != nil {
				t.Fatalf("Call %q: unexpected error: %v", op, err)
			}
			if got, want := string(rsp.Data), "ok"; got != want {
				t.Errorf("Call %q: got %q, want %q", op, got, want)
			}
		})
	}
	t.Run("Call-three", func(t *testing.T) {
		rsp, err := loc.B.Call(ctx, call("three", nil))
		var cerr *floe.CallError
		if !errors.As(err, &cerr) {
			t.Errorf("Call three: got (%v, %v), want CallError", rsp, err)
		} else if got := cerr.Result(); got != floe.CodeOperationNotExist {
			t.Errorf("Call three: response code is %v, want %v", got, floe.CodeOperationNotExist)
		}
		if rsp != nil {
			t.Errorf("Call three: response is %v, want nil", rsp)
		}
	})
	t.Run("NoDispatcher", func(t *testing.T) {
		_, err := loc.B.Exec(ctx, call("any", nil))
		var re *floe.ResultError
		if !errors.As(err, &re) || re.Code != floe.CodeObjectNotExist {
			t.Errorf("Exec: got %v, want object not exist", err)
		}
	})
}

func TestSlowCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	stop := make(chan struct{})     // close to release the blocked dispatch
	returned := make(chan struct{}) // closed when the blocked dispatch returns
	loc.A.
		Handle(route(map[string]floe.DispatchFunc{
			"stuck": func(context.Context, *floe.Request) ([]byte, error) {
				defer close(returned)
				<-stop // block until released
				return []byte("message in a bottle"), nil
			},
			"fast": func(context.Context, *floe.Request) ([]byte, error) {
				return []byte("ok"), nil
			},
		})).
		LogPackets(logPacket(t, "Peer A"))

	done := make(chan struct{}) // closed when Call(stuck) returns
	go func() {
		defer close(stop)
		select {
		case <-done:
			// OK, we got past the call
		case <-time.After(5 * time.Second):
			t.Error("Timeout waiting for Call to return")
		}
	}()

	// Verify that a call times out and returns control to the calling peer even
	// if the remote peer has not acknowledged the cancellation yet.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if rsp, err := loc.B.Call(ctx, call("stuck", nil)); err == nil {
		t.Errorf("Call: unexpectedly succeeded: %v", rsp)
	} else {
		t.Logf("Call correctly failed: %v", err)
	}

	// Verify that the peer did not yield the unresolved request ID, which would
	// otherwise be reused.
	if rsp, err := loc.B.Call(context.Background(), call("fast", nil)); err != nil {
		t.Errorf("Call fast unexpectedly failed: %v", err)
	} else if got, want := string(rsp.Data), "ok"; got != want {
		t.Errorf("Call fast: got %q, want %q", got, want)
	}

	close(done) // also releases the blocked dispatch
	<-returned
}

func TestProtocolFatal(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("BadMagic", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'C', 'P', 0, 2, 0, 0, 0, 0})
		mustErr(t, p.Wait(), "invalid protocol magic")
	})

	t.Run("ShortHeader", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'F', 'L', 0, 2, 0, 0})
		tw.Close()
		mustErr(t, p.Wait(), "short packet header")
	})

	t.Run("ShortPayload", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'F', 'L', 0, 2, 0, 0, 0, 10, 'a', 'b', 'c', 'd'})
		tw.Close()
		mustErr(t, p.Wait(), "short payload")
	})

	t.Run("BadRequest", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'F', 'L', 0, 2, 0, 0, 0, 1, 'X'})
		mustErr(t, p.Wait(), "short request payload")
	})

	t.Run("BadRequestFlags", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write([]byte{'F', 'L', 0, 2, 0, 0, 0, 5, 0, 0, 0, 1, 0x83})
		mustErr(t, p.Wait(), "invalid request flags")
	})

	t.Run("BadBatch", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		// A batch may not contain twoway requests.
		bad := floe.Request{RequestID: 5, Identity: testID, Operation: "x"}.Encode()
		var b packet.Builder
		b.Vint30(1)
		b.VPut(bad)
		tw.Write(floe.Packet{Type: floe.PacketBatch, Payload: b.Bytes()}.Encode())
		mustErr(t, p.Wait(), "non-zero ID")
	})

	t.Run("BadResponse", func(t *testing.T) {
		tw, ch := rawChannel()
		p := floe.NewPeer().Start(ch)
		time.AfterFunc(time.Second, func() { p.Stop() })

		tw.Write(floe.Packet{
			Type: floe.PacketResponse,
			Payload: floe.Response{
				RequestID: 100,
				Code:      100,
			}.Encode(),
		}.Encode())
		mustErr(t, p.Wait(), "invalid result code")
	})

	t.Run("CloseChannel", func(t *testing.T) {
		ready := make(chan struct{})
		done := make(chan struct{})
		stall := floe.DispatchFunc(func(ctx context.Context, _ *floe.Request) ([]byte, error) {
			defer close(done)
			close(ready)
			<-ctx.Done()
			return nil, ctx.Err()
		})

		pr, tw := io.Pipe()
		tr, pw := io.Pipe()
		ch := channel.IO(pr, pw)
		p := floe.NewPeer().Handle(stall).Start(ch)
		defer p.Stop()

		tw.Write(floe.Packet{
			Type:    floe.PacketRequest,
			Payload: floe.Request{RequestID: 666, Identity: testID, Operation: "stall"}.Encode(),
		}.Encode())

		// Wait for the dispatch to be running.
		<-ready

		// Simulate the channel failing by closing the pipe.
		time.AfterFunc(100*time.Millisecond, func() { tw.Close() })

		// Outbound calls MUST fail and report an error.
		var buf [64]byte
		nr, err := tr.Read(buf[:])
		if err != nil {
			t.Logf("Response correctly failed: %v", err)
		} else {
			t.Errorf("Got response %#q, wanted error", string(buf[:nr]))
		}

		// Inbound calls MUST be cancelled and their results discarded.
		select {
		case <-done:
			t.Log("Dispatch exited OK")
		case <-time.After(time.Second):
			t.Error("Timed out waiting for dispatch to exit")
		}
		p.Stop()
	})
}

func TestDuplicateID(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	pr, tw := io.Pipe()
	tr, pw := io.Pipe()
	p := floe.NewPeer().Handle(floe.DispatchFunc(func(ctx context.Context, req *floe.Request) ([]byte, error) {
		<-release
		return req.Data, nil
	})).Start(channel.IO(pr, pw))
	defer p.Stop()

	req := floe.Packet{
		Type:    floe.PacketRequest,
		Payload: floe.Request{RequestID: 7, Identity: testID, Operation: "op", Data: []byte("first")}.Encode(),
	}.Encode()
	go func() {
		tw.Write(req)
		tw.Write(req) // same ID while the first is active
	}()

	readResponse := func() floe.Response {
		t.Helper()
		var pkt floe.Packet
		if _, err := pkt.ReadFrom(tr); err != nil {
			t.Fatalf("Read response: %v", err)
		}
		var rsp floe.Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			t.Fatalf("Decode response: %v", err)
		}
		return rsp
	}

	// The duplicate is reported without failing the original call.
	if got := readResponse(); got.RequestID != 7 || got.Code != floe.CodeDuplicateID {
		t.Errorf("Duplicate: got %v, want ID 7 with %v", got, floe.CodeDuplicateID)
	}
	close(release)
	if got := readResponse(); got.RequestID != 7 || got.Code != floe.CodeSuccess || string(got.Data) != "first" {
		t.Errorf("Original: got %v, want success", got)
	}
	tw.Close()
}

func TestRequestAfterClose(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	var ops []string
	var μ sync.Mutex
	pr, tw := io.Pipe()
	tr, pw := io.Pipe()
	p := floe.NewPeer().Detach().Handle(floe.DispatchFunc(func(ctx context.Context, req *floe.Request) ([]byte, error) {
		μ.Lock()
		ops = append(ops, req.Operation)
		μ.Unlock()
		if req.Operation == "slow" {
			<-release
		}
		return nil, nil
	})).Start(channel.IO(pr, pw))
	defer p.Stop()

	send := func(ptype floe.PacketType, payload []byte) {
		t.Helper()
		if _, err := tw.Write(floe.Packet{Type: ptype, Payload: payload}.Encode()); err != nil {
			t.Fatalf("Write %v: %v", ptype, err)
		}
	}
	send(floe.PacketRequest, floe.Request{RequestID: 1, Identity: testID, Operation: "slow"}.Encode())
	send(floe.PacketClose, nil)
	send(floe.PacketRequest, floe.Request{RequestID: 99, Identity: testID, Operation: "other"}.Encode())
	send(floe.PacketBatch, floe.Batch{Requests: []*floe.Request{{Identity: testID, Operation: "other"}}}.Encode())
	send(floe.PacketHeartbeat, nil) // once read, the packets before it are handled

	if got := p.Metrics().Get("packets_dropped").(*expvar.Int).Value(); got != 2 {
		t.Errorf("Dropped packets: got %d, want 2", got)
	}

	// The dispatch begun before the close still completes, and then the
	// receiver closes the channel.
	close(release)
	var pkt floe.Packet
	if _, err := pkt.ReadFrom(tr); err != nil {
		t.Fatalf("Read response: %v", err)
	}
	var rsp floe.Response
	if err := rsp.Decode(pkt.Payload); err != nil {
		t.Fatalf("Decode response: %v", err)
	} else if rsp.RequestID != 1 || rsp.Code != floe.CodeSuccess {
		t.Errorf("Response: got %v, want ID 1 with success", rsp)
	}
	if _, err := pkt.ReadFrom(tr); err == nil {
		t.Errorf("Read after close: got %v, want error", pkt)
	}
	tw.Close()

	μ.Lock()
	defer μ.Unlock()
	if diff := cmp.Diff([]string{"slow"}, ops); diff != "" {
		t.Errorf("Dispatched operations (-want, +got):\n%s", diff)
	}
}

func TestOneway(t *testing.T) {
	defer leaktest.Check(t)()

	a2b, b2a := channel.Direct()
	got := make(chan *floe.Request, 8)
	pa := floe.NewPeer().Detach().Handle(floe.DispatchFunc(func(_ context.Context, req *floe.Request) ([]byte, error) {
		got <- req
		if req.Operation == "fail" {
			return nil, errors.New("ignored")
		}
		return []byte("ignored"), nil
	})).Start(a2b)
	pb := floe.NewPeer().Detach().Start(b2a)
	defer func() {
		pa.Stop()
		pb.Stop()
	}()

	recv := func() *floe.Request {
		t.Helper()
		select {
		case req := <-got:
			return req
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for a request")
			return nil
		}
	}
	opt := cmpopts.IgnoreFields(floe.Request{}, "Context")

	t.Run("Send", func(t *testing.T) {
		if err := pb.Send(&floe.Request{RequestID: 99, Identity: testID, Operation: "tell", Data: []byte("hi")}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		want := &floe.Request{Mode: floe.ModeOneway, Identity: testID, Operation: "tell", Data: []byte("hi")}
		if diff := cmp.Diff(recv(), want, opt); diff != "" {
			t.Errorf("Oneway request (-got, +want):\n%s", diff)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		if err := pb.SendBatch(nil); err != nil {
			t.Errorf("SendBatch empty: %v", err)
		}
		var reqs []*floe.Request
		for i := range 3 {
			op := "tell"
			if i == 1 {
				op = "fail" // errors do not stop the batch
			}
			reqs = append(reqs, &floe.Request{Identity: testID, Operation: op, Data: []byte(strconv.Itoa(i))})
		}
		if err := pb.SendBatch(reqs); err != nil {
			t.Fatalf("SendBatch: %v", err)
		}
		for i := range 3 {
			req := recv()
			if req.Mode != floe.ModeBatchOneway || req.RequestID != 0 {
				t.Errorf("Request %d: got ID %d mode %v, want batch oneway", i, req.RequestID, req.Mode)
			}
			if got, want := string(req.Data), strconv.Itoa(i); got != want {
				t.Errorf("Request %d: got data %q, want %q", i, got, want)
			}
		}
	})

	m := pa.Metrics()
	for name, want := range map[string]int64{"oneway_in": 1, "batches_in": 1, "calls_in": 4} {
		if got := m.Get(name).(*expvar.Int).Value(); got != want {
			t.Errorf("Metric %q: got %d, want %d", name, got, want)
		}
	}

	t.Run("Stopped", func(t *testing.T) {
		pb.Stop()
		if err := pb.Send(call("tell", nil)); !errors.Is(err, floe.ErrNotSent) {
			t.Errorf("Send on stopped peer: got %v, want %v", err, floe.ErrNotSent)
		}
		if err := pb.SendBatch([]*floe.Request{call("tell", nil)}); !errors.Is(err, floe.ErrNotSent) {
			t.Errorf("SendBatch on stopped peer: got %v, want %v", err, floe.ErrNotSent)
		}
	})
}

func TestHeartbeat(t *testing.T) {
	defer leaktest.Check(t)()

	a2b, b2a := channel.Direct()
	beat := make(chan struct{}, 1)
	pa := floe.NewPeer().Detach().LogPackets(func(pkt floe.PacketInfo) {
		if !pkt.Sent && pkt.Type == floe.PacketHeartbeat {
			beat <- struct{}{}
		}
	}).Start(a2b)
	pb := floe.NewPeer().Start(b2a)
	defer func() {
		pa.Stop()
		pb.Stop()
	}()

	before := pa.LastActivity()
	time.Sleep(5 * time.Millisecond)
	if err := pb.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	<-beat

	if after := pa.LastActivity(); !after.After(before) {
		t.Errorf("LastActivity: got %v, want after %v", after, before)
	}
	if got := pa.Metrics().Get("heartbeats_in").(*expvar.Int).Value(); got != 1 {
		t.Errorf("Heartbeats: got %d, want 1", got)
	}
	if in, out := pa.Active(); in != 0 || out != 0 {
		t.Errorf("Active: got %d, %d; want 0, 0", in, out)
	}
}

func TestShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Drain", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		loc := peers.NewLocal()
		defer loc.Stop()
		loc.A.Handle(route(map[string]floe.DispatchFunc{
			"slow": func(context.Context, *floe.Request) ([]byte, error) {
				close(started)
				<-release
				return []byte("done"), nil
			},
		}))

		ctx := context.Background()
		pending := taskgroup.Go(func() error {
			rsp, err := loc.B.Call(ctx, call("slow", nil))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != "done" {
				return fmt.Errorf("got %q, want done", got)
			}
			return nil
		})
		<-started

		shut := taskgroup.Go(func() error { return loc.B.Shutdown(ctx) })

		// New calls are rejected once the shutdown begins. Until then, the
		// probe fails with an unknown operation.
		for {
			_, err := loc.B.Call(ctx, call("probe", nil))
			if errors.Is(err, floe.ErrClosing) {
				break
			} else if !floe.IsResult(err, floe.CodeOperationNotExist) {
				t.Fatalf("Call during shutdown: got %v, want %v", err, floe.ErrClosing)
			}
			time.Sleep(time.Millisecond)
		}
		if err := loc.B.Send(call("slow", nil)); !errors.Is(err, floe.ErrClosing) {
			t.Errorf("Send during shutdown: got %v, want %v", err, floe.ErrClosing)
		}

		// The pending call completes before the peer closes.
		close(release)
		if err := pending.Wait(); err != nil {
			t.Errorf("Pending call: %v", err)
		}
		if err := shut.Wait(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := loc.A.Wait(); err != nil {
			t.Errorf("Remote Wait: %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		loc := peers.NewLocal()
		defer loc.Stop()
		loc.A.Handle(floe.DispatchFunc(func(context.Context, *floe.Request) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		}))

		pending := taskgroup.Go(func() error {
			_, err := loc.B.Call(context.Background(), call("slow", nil))
			return err
		})
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := loc.B.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown: got %v, want %v", err, context.DeadlineExceeded)
		}
		if err := pending.Wait(); !errors.Is(err, floe.ErrConnectionLost) {
			t.Errorf("Pending call: got %v, want %v", err, floe.ErrConnectionLost)
		}
		close(release)
	})

	t.Run("NotRunning", func(t *testing.T) {
		if err := floe.NewPeer().Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: got %v, want nil", err)
		}
	})
}

func TestCustomPacket(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	var log []*floe.Packet
	var got []*floe.Packet
	var wg sync.WaitGroup
	wg.Add(2)
	loc.A.
		HandlePacket(128, func(ctx context.Context, pkt *floe.Packet) error {
			defer wg.Done()
			got = append(got, pkt)

			// Send a "reply" packet back to the caller. This does not need to be
			// the same packet type that we received.
			rsp := string(pkt.Payload) + " reply"
			return floe.ContextPeer(ctx).SendPacket(129, []byte(rsp))
		}).
		LogPackets(func(pkt floe.PacketInfo) {
			if !pkt.Sent {
				log = append(log, pkt.Packet)
			}
		})
	loc.B.
		HandlePacket(129, func(ctx context.Context, pkt *floe.Packet) error {
			defer wg.Done()
			log = append(log, pkt)
			return nil
		})

	// Unknown packet type: Logged but discarded.
	p1 := &floe.Packet{Type: 100, Payload: []byte("unrecognized")}

	// Registered custom packet type: Logged and "processed".
	p2 := &floe.Packet{Type: 128, Payload: []byte("custom")}

	// A packet handler can also send packets back to its caller.
	p3 := &floe.Packet{Type: 129, Payload: []byte("custom reply")}

	if err := loc.B.SendPacket(p1.Type, p1.Payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if err := loc.B.SendPacket(p2.Type, p2.Payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	// Stop the peer so the callbacks settle.
	wg.Wait()
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop peer: %v", err)
	}

	if diff := cmp.Diff([]*floe.Packet{p1, p2, p3}, log); diff != "" {
		t.Errorf("Packet log (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]*floe.Packet{p2}, got); diff != "" {
		t.Errorf("Custom packet (-want, +got):\n%s", diff)
	}
}

func TestPacketHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.HandlePacket(200, func(context.Context, *floe.Packet) error { panic("bad packet") })
	if err := loc.B.SendPacket(200, nil); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	mustErr(t, loc.A.Wait(), "packet handler panicked")
}

func TestProtocolVersion(t *testing.T) {
	defer leaktest.Check(t)()

	pkt := &floe.Packet{
		Protocol: 99, // specifically, not 0
		Type:     floe.PacketRequest,
		Payload: floe.Request{
			RequestID: 12345,
			Identity:  testID,
			Operation: "foo",
			Data:      []byte("hello"),
		}.Encode(),
	}

	ac, bc := channel.Direct()
	a := floe.NewPeer().LogPackets(func(pi floe.PacketInfo) {
		if pi.Sent {
			// The peer should not send any packets.
			t.Errorf("Unexpected packet sent: %v", pi)
		} else if diff := cmp.Diff(pi.Packet, pkt); diff != "" {
			// The peer should get the packet we sent.
			t.Errorf("Received (-got, +want):\n%s", diff)
		} else {
			t.Logf("Got expected packet: %v", pi)
		}
	}).Start(ac)
	defer func() { bc.Close(); a.Wait() }()

	// Send a request packet with an unrecognized protocol version.  The peer
	// should drop this packet, so we should not get a reply.
	if err := bc.Send(pkt); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestOnExit(t *testing.T) {
	t.Run("CloseChannel", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocal()
		defer loc.B.Wait()

		var cbCalled bool
		loc.A.OnExit(func(err error) {
			cbCalled = true
			if err != nil {
				t.Errorf("OnExit got an unexpected error: %v", err)
			}
		})

		time.AfterFunc(5*time.Millisecond, func() { loc.A.Stop() })

		if err := loc.A.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
		if !cbCalled {
			t.Error("OnExit was not called")
		}
	})

	t.Run("BadPacket", func(t *testing.T) {
		defer leaktest.Check(t)()

		sr, cw := io.Pipe()
		_, sw := io.Pipe()
		srv := channel.IO(sr, sw)

		var cbCalled bool
		var cbErr error
		p := floe.NewPeer().Start(srv).OnExit(func(err error) {
			cbCalled = true
			cbErr = err
		})

		cw.Write([]byte("FL\x00\x02\x00\x00\x00")) // short packet header
		cw.Close()

		if err := p.Wait(); err == nil {
			t.Error("Wait should have reported an error")
		} else {
			t.Logf("Wait reported: %v (OK)", err)
		}

		if !cbCalled {
			t.Error("OnExit was not called")
		} else if cbErr == nil {
			t.Error("OnExit should have reported an error")
		} else {
			t.Logf("OnExit reported: %v (OK)", cbErr)
		}
	})
}

func TestContextPlumbing(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type testKey struct{}
	loc.A.
		NewContext(func() context.Context {
			// Attach a known value to the base context.
			return context.WithValue(context.Background(), testKey{}, "ok")
		}).
		Handle(floe.DispatchFunc(func(ctx context.Context, _ *floe.Request) ([]byte, error) {
			// Verify that the base context is visible from ctx.
			v, ok := ctx.Value(testKey{}).(string)
			if !ok || v != "ok" {
				t.Error("Base context was not correctly plumbed")
			}
			return nil, nil
		}))

	if _, err := loc.B.Call(context.Background(), call("check", nil)); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	const numCallbacks = 5

	caller := floe.DispatchFunc(func(ctx context.Context, req *floe.Request) ([]byte, error) {
		peer := floe.ContextPeer(ctx)

		v, err := strconv.Atoi(string(req.Data))
		if err != nil {
			return nil, err
		} else if v == numCallbacks {
			t.Logf("Peer %p complete (v=%d)", peer, numCallbacks)
			return []byte("ok"), nil
		}

		t.Logf("Peer %p callback v=%d", peer, v)
		rsp, err := peer.Call(ctx, call(req.Operation, []byte(strconv.Itoa(v+1))))
		if err != nil {
			return nil, err
		}
		return rsp.Data, nil
	})

	// Each peer will ping-pong callbacks until the threshold has been reached,
	// then unwind returning the result from the furthest call all the way back
	// to the initial caller.
	loc.A.Handle(caller).LogPackets(logPacket(t, "Peer A"))
	loc.B.Handle(caller).LogPackets(logPacket(t, "Peer B"))

	rsp, err := loc.A.Call(context.Background(), call("bounce", []byte("0")))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	} else if got, want := string(rsp.Data), "ok"; got != want {
		t.Errorf("Call result: got %q, want %q", got, want)
	}
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Local", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(floe.DispatchFunc(slowEcho))
		loc.B.Handle(floe.DispatchFunc(slowEcho))

		runConcurrent(t, loc.A, loc.B)
	})

	t.Run("Pipe", func(t *testing.T) {
		defer leaktest.Check(t)()

		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		pa := floe.NewPeer().Start(channel.IO(ar, aw))
		pb := floe.NewPeer().Start(channel.IO(br, bw))
		defer func() {
			if err := pa.Stop(); err != nil {
				t.Errorf("A stop: %v", err)
			}
			if err := pb.Stop(); err != nil {
				t.Errorf("B stop: %v", err)
			}
		}()

		pa.Handle(floe.DispatchFunc(slowEcho))
		pb.Handle(floe.DispatchFunc(slowEcho))

		runConcurrent(t, pa, pb)
	})
}

func runConcurrent(t *testing.T, pa, pb *floe.Peer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// To give the race detector something to push against, make the peers call
	// each other lots of times concurrently and wait for the responses.
	const numCalls = 128 // per peer

	calls := taskgroup.New(taskgroup.Trigger(cancel))
	for i := range numCalls {
		// Send calls from A to B.
		ab := fmt.Sprintf("ab-call-%d", i+1)
		calls.Go(func() error {
			rsp, err := pa.Call(ctx, call("echo", []byte(ab)))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != ab {
				return fmt.Errorf("got %q, want %q", got, ab)
			}
			return nil
		})

		// Send calls from B to A.
		ba := fmt.Sprintf("ba-call-%d", i+1)
		calls.Go(func() error {
			rsp, err := pb.Call(ctx, call("echo", []byte(ba)))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != ba {
				return fmt.Errorf("got %q, want %q", got, ba)
			}
			return nil
		})
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func rawChannel() (*io.PipeWriter, channel.IOChannel) {
	pr, tw := io.Pipe()
	_, pw := io.Pipe()
	return tw, channel.IO(pr, pw)
}

func mustErr(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Got nil, want %v", want)
	} else if !strings.Contains(err.Error(), want) {
		t.Fatalf("Got %v, want %v", err, want)
	}
}

func slowEcho(_ context.Context, req *floe.Request) ([]byte, error) {
	time.Sleep(time.Duration(rand.Intn(100)+50) * time.Microsecond) // "work"
	return req.Data, nil
}

// parseTestSpec parses a string giving test values to return from a
// dispatcher, and returns those values.
//
// Grammar:
//
//	ok text...        -- return text, nil
//	error ...         -- return nil, error(...)
//	edata c msg data  -- return nil, ErrorData{c, msg, data}
//	*edata c msg data -- return nil, &ErrorData{c, msg, data}
//	raise data        -- return nil, UserException{data}
//	missing           -- return nil, ObjectNotExist(...)
//	peer?             -- return x, nil where x == "present"/"absent"
//
// Any other value causes a panic.
func parseTestSpec(ctx context.Context, s string) ([]byte, error) {
	ps := strings.Fields(s)
	switch ps[0] {
	case "ok":
		if len(ps) == 1 {
			return nil, nil
		}
		return []byte(strings.Join(ps[1:], " ")), nil

	case "error":
		return nil, errors.New(strings.Join(ps[1:], " "))

	case "edata", "*edata":
		if len(ps) != 4 {
			break
		}
		c, err := strconv.ParseUint(ps[1], 10, 16)
		if err != nil {
			break
		}
		ed := floe.ErrorData{
			Code:    uint16(c),
			Message: ps[2],
			Data:    []byte(ps[3]),
		}
		if ps[0] == "*edata" {
			return nil, &ed
		}
		return nil, ed

	case "raise":
		if len(ps) == 2 {
			return nil, floe.UserException{Data: []byte(ps[1])}
		}

	case "missing":
		return nil, floe.ObjectNotExist(testID.String(), "spec")

	case "peer?":
		if len(ps) == 1 {
			if floe.ContextPeer(ctx) != nil {
				return []byte("present"), nil
			}
			return []byte("absent"), nil
		}
	}
	panic(fmt.Sprintf("Invalid test spec %q", s))
}

func logPacket(t *testing.T, tag string) floe.PacketLogger {
	return func(pkt floe.PacketInfo) {
		t.Helper()
		t.Logf("%s: %v", tag, pkt)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := floe.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func TestRegression(t *testing.T) {
	t.Run("ErrorDataSize", func(t *testing.T) {
		const input = "\x00\x01\x00\x04abc"

		var ed floe.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})

	t.Run("ErrorUTF8", func(t *testing.T) {
		const input = "\x01\x02\x00\x04abc\xc0----"

		var ed floe.ErrorData
		if err := ed.Decode([]byte(input)); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})
}

func TestRequestCodec(t *testing.T) {
	req := floe.Request{
		RequestID:  25,
		Mode:       floe.ModeTwoway,
		Idempotent: true,
		Identity:   identity.New("hello", "demo"),
		Facet:      "admin",
		Operation:  "sayHello",
		Context:    map[string]string{"user": "alice", "lang": "en"},
		Data:       []byte("payload"),
	}
	var got floe.Request
	if err := got.Decode(req.Encode()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(got, req); diff != "" {
		t.Errorf("Request (-got, +want):\n%s", diff)
	}

	b := floe.Batch{Requests: []*floe.Request{&req, {Identity: testID, Operation: "x"}}}
	var gb floe.Batch
	if err := gb.Decode(b.Encode()); err != nil {
		t.Fatalf("Decode batch: %v", err)
	}
	if len(gb.Requests) != 2 || gb.Requests[0].RequestID != 0 || gb.Requests[0].Operation != "sayHello" {
		t.Errorf("Batch: got %+v, want 2 requests with zero IDs", gb.Requests)
	}
}

func TestClone(t *testing.T) {
	loc := peers.NewLocal()
	defer loc.Stop()

	type echoKey struct{}
	ctx := context.Background()
	vctx := context.WithValue(context.Background(), echoKey{}, "x")
	checkCall := func(p *floe.Peer, op, want string) {
		t.Helper()
		if rsp, err := p.Call(ctx, call(op, nil)); err != nil {
			t.Errorf("Call %q: unexpected error: %v", op, err)
		} else if got := string(rsp.Data); got != want {
			t.Errorf("Call %q: got %q, want %q", op, got, want)
		}
	}

	const ptype = 129
	var acount, ccount int
	var pg sync.WaitGroup

	checkSend := func(p *floe.Peer) {
		t.Helper()
		pg.Add(1)
		if err := p.SendPacket(ptype, nil); err != nil {
			t.Fatalf("SendPacket unexpectedly failed: %v", err)
		}
	}

	base := map[string]floe.DispatchFunc{
		"test": func(ctx context.Context, _ *floe.Request) ([]byte, error) {
			return []byte(ctx.Value(echoKey{}).(string)), nil
		},
	}
	loc.A.NewContext(func() context.Context { return vctx })
	loc.A.Handle(route(base))
	loc.A.HandlePacket(ptype, func(context.Context, *floe.Packet) error { defer pg.Done(); acount++; return nil })

	cp := loc.A.Clone()
	cp.Handle(route(map[string]floe.DispatchFunc{
		"test": base["test"],
		"mirror": func(context.Context, *floe.Request) ([]byte, error) {
			return []byte("y"), nil
		},
	}))

	x, y := channel.Direct()
	cp.Start(y)
	defer cp.Stop()
	cc := floe.NewPeer().Start(x) // caller for cp
	defer cc.Stop()

	// Both A and its clone should respond to "test".
	checkCall(loc.B, "test", "x")
	checkCall(cc, "test", "x")

	// The clone has a dispatcher for "mirror" but A does not.
	checkCall(cc, "mirror", "y")
	if rsp, err := loc.B.Call(ctx, call("mirror", nil)); err == nil {
		t.Errorf("Call mirror: got %v, want error", rsp)
	}

	// Both A and its clone should share a packet handler for ptype.
	// Note the waitgroup dance is to ensure we sync with the handler.
	checkSend(loc.B)
	pg.Wait() // so they don't race on writing acount
	checkSend(cc)
	pg.Wait()
	if acount != 2 {
		t.Errorf("After send: got %d packets, want %d", acount, 2)
	}

	// Now if we modify the packet handler, they should diverge.
	cp.HandlePacket(ptype, func(context.Context, *floe.Packet) error { defer pg.Done(); ccount++; return nil })
	checkSend(loc.B) // goes to original handler
	checkSend(cc)    // goes to updated handler
	pg.Wait()
	if acount != 3 || ccount != 1 {
		t.Errorf("After send: got %d, %d; want %d, %d", acount, ccount, 3, 1)
	}
}
