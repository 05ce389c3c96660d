// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Dispatcher processes requests from the remote peer. A dispatcher can
// obtain the peer from its context argument using the ContextPeer helper.
//
// By default, the error reported by a dispatcher is returned to the caller
// as a service error with the text of the error as its message. A dispatcher
// may return a value of concrete type ErrorData or *ErrorData to control the
// error code and auxiliary data, a *ResultError to report a specific result
// code, or a UserException to deliver an encoded exception.
//
// For oneway and batched requests the result is discarded.
type Dispatcher interface {
	Dispatch(context.Context, *Request) ([]byte, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(context.Context, *Request) ([]byte, error)

// Dispatch implements the Dispatcher interface.
func (f DispatchFunc) Dispatch(ctx context.Context, req *Request) ([]byte, error) { return f(ctx, req) }

// A PacketHandler processes a packet from the remote peer. A packet handler
// can obtain the peer from its context argument using the ContextPeer helper.
// Any error reported by a packet handler is protocol fatal.
type PacketHandler func(context.Context, *Packet) error

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// A Peer implements a floe v0 peer. A zero-valued Peer is ready for use, but
// must not be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the peer.  Once
// started, a peer runs until Stop or Shutdown is called, the channel closes,
// or a protocol fatal error occurs. Use Wait to wait for the peer to exit and
// report its status.
//
// Calling Stop terminates all dispatches and calls currently executing.
//
// Call Handle to install a dispatcher for inbound requests.  Use Call, Send
// and SendBatch to issue requests to the remote peer. All of these methods
// are safe for concurrent use by multiple goroutines.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group
	last  atomic.Int64 // time of last packet activity, Unix nanoseconds

	μ sync.Mutex

	err      error                        // protocol fatal error
	ocall    map[uint32]pending           // outbound calls pending responses
	nexto    uint32                       // last used outbound call ID
	icall    map[uint32]func()            // requestID → cancel func
	inflight int                          // active oneway and batch dispatches
	closing  bool                         // no new calls may be issued
	rclosed  bool                         // the remote peer sent a close notice
	drain    chan struct{}                // closed when the last outbound call ends
	disp     Dispatcher                   // inbound request dispatcher
	pmux     map[PacketType]PacketHandler // packetType → packet handler
	plog     PacketLogger                 // what it says on the tin
	base     func() context.Context       // return a new base context
	metrics  *peerMetrics                 // if nil, use rootMetrics

	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts the peer running on the given channel. The peer runs until the
// channel closes or a protocol fatal error occurs. Start does not block; call
// Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.ch = ch
	p.err = nil
	p.ocall = make(map[uint32]pending)
	p.nexto = 0
	p.icall = make(map[uint32]func())
	p.inflight = 0
	p.closing, p.rclosed, p.drain = false, false, nil
	if p.base == nil {
		p.base = context.Background
	}
	p.touch()

	m := p.m()
	in := p.in
	g.Go(func() error {
		for {
			pkt, err := in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			p.touch()
			m.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})

	return p
}

// Clone returns a new unstarted peer that has the same dispatcher, packet
// handlers, packet logger, base context function, and metrics as p. After
// cloning, changes to either peer do not affect the other.
func (p *Peer) Clone() *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	cp := &Peer{
		disp:    p.disp,
		plog:    p.plog,
		base:    p.base,
		metrics: p.metrics,
	}
	if len(p.pmux) != 0 {
		cp.pmux = make(map[PacketType]PacketHandler, len(p.pmux))
		for k, v := range p.pmux {
			cp.pmux[k] = v
		}
	}
	return cp
}

// Detach detaches p from the global metrics, so that p and its subsequent
// clones share a separate metrics map. Detach returns p to permit chaining.
func (p *Peer) Detach() *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.metrics = newPeerMetrics()
	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return p.m().emap }

func (p *Peer) m() *peerMetrics {
	if p.metrics == nil {
		return rootMetrics
	}
	return p.metrics
}

// LastActivity reports the time at which p last sent or received a packet.
func (p *Peer) LastActivity() time.Time { return time.Unix(0, p.last.Load()) }

func (p *Peer) touch() { p.last.Store(time.Now().UnixNano()) }

// Active reports the number of inbound dispatches and outbound calls
// currently in progress on p.
func (p *Peer) Active() (inbound, outbound int) {
	p.μ.Lock()
	defer p.μ.Unlock()
	return len(p.icall) + p.inflight, len(p.ocall)
}

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. After Stop completes it is safe to
// restart the peer with a new channel.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

// Shutdown gracefully closes the peer. New calls are rejected, and once all
// pending outbound calls have completed, a close notice is sent to the
// remote peer, which closes the channel when its active dispatches finish.
// If ctx ends before this completes, the peer is stopped forcibly and
// Shutdown reports the error from ctx.
func (p *Peer) Shutdown(ctx context.Context) error {
	p.μ.Lock()
	if p.tasks == nil {
		p.μ.Unlock()
		return nil // not running
	}
	p.closing = true
	wait := p.drainLocked()
	p.μ.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		}
	}
	if err := p.SendPacket(PacketClose, nil); err != nil {
		return p.Stop()
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.closeOut()
		<-done
		return ctx.Err()
	}
}

// drainLocked returns a channel that is closed when no outbound calls are
// pending, or nil if none are pending now.
func (p *Peer) drainLocked() <-chan struct{} {
	if len(p.ocall) == 0 {
		return nil
	}
	if p.drain == nil {
		p.drain = make(chan struct{})
	}
	return p.drain
}

// settleLocked is called when an inbound dispatch or outbound call ends. It
// wakes a waiting Shutdown, and reports whether the channel should be closed
// because the remote peer asked to close and nothing remains active.  The
// caller must close the channel after releasing the lock.
func (p *Peer) settleLocked() bool {
	if len(p.ocall) == 0 && p.drain != nil {
		close(p.drain)
		p.drain = nil
	}
	return p.rclosed && len(p.ocall) == 0 && len(p.icall) == 0 && p.inflight == 0
}

// settle acquires the lock and settles the peer state.
func (p *Peer) settle() {
	p.μ.Lock()
	done := p.settleLocked()
	p.μ.Unlock()
	if done {
		p.closeOut()
	}
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that cause it to stop.
// After Wait completes it is safe to restart the peer with a new channel.
//
// If p is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.ocall = nil
	p.icall = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// SendPacket sends a packet to the remote peer. Any error is protocol fatal.
// Any packet type can be sent, including reserved types. The caller is
// responsible for ensuring such packets have a valid payload.
func (p *Peer) SendPacket(ptype PacketType, payload []byte) error {
	return p.sendOut(&Packet{
		Type:    ptype,
		Payload: payload,
	})
}

// Heartbeat sends a heartbeat packet to the remote peer.
func (p *Peer) Heartbeat() error { return p.SendPacket(PacketHeartbeat, nil) }

// SendClose sends a close notice to the remote peer and rejects new calls,
// without waiting for pending calls. Prefer Shutdown for a graceful close.
func (p *Peer) SendClose() error {
	p.μ.Lock()
	p.closing = true
	p.μ.Unlock()
	return p.SendPacket(PacketClose, nil)
}

// Call sends a twoway request to the remote peer and blocks until ctx ends or
// until the response is received. The RequestID and Mode fields of req are
// ignored. If ctx ends before the peer replies, the call will be
// automatically cancelled.  An error reported by Call has concrete type
// *CallError.
func (p *Peer) Call(ctx context.Context, req *Request) (_ *Response, err error) {
	m := p.m()
	m.callOut.Add(1)
	defer func() {
		if err != nil {
			m.callOutErr.Add(1)
		}
	}()

	id, pc, err := p.sendReq(req)
	if err != nil {
		return nil, callError(err)
	}
	m.callPending.Add(1)
	defer m.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// The local context ended, push a cancellation to the peer, then
			// resume waiting for the response. Set done to nil so that we will
			// not recur on this case.
			p.sendCancel(id)
			done = nil

			// Set a watchdog timer to ensure the call eventually gives up and
			// reports an error, even if we don't get a reply from the peer.
			ct := time.AfterFunc(50*time.Millisecond, func() {
				p.μ.Lock()
				defer p.μ.Unlock()

				// The call may have completed while we were waiting.  If not, do
				// not release the request ID: a subsequent call might reuse it
				// before the peer has yielded it.
				if pc, ok := p.ocall[id]; ok {
					p.ocall[id] = nil // pin the ID
					pc.deliver(&Response{RequestID: id, Code: CodeCanceled})
				}
			})
			defer ct.Stop()
			continue

		case rsp, ok := <-pc:
			if ok {
				if rsp.Code == CodeSuccess {
					return rsp, nil
				} else if rsp.Code == CodeCanceled {
					return nil, &CallError{Err: context.Canceled, Response: rsp}
				}
				ce := &CallError{Response: rsp}
				if rsp.Code.hasErrorData() {
					// Try to decode the error data, but if that fails use the string
					// from the failure message so the caller has a way to debug.
					if err := ce.ErrorData.Decode(rsp.Data); err != nil {
						ce.Message = err.Error()
					}
				}
				return nil, ce
			}

			// Closed without a response means the channel failed.
			p.μ.Lock()
			perr := p.err
			p.μ.Unlock()
			if perr == nil {
				perr = net.ErrClosed
			}
			return nil, callError(fmt.Errorf("call terminated: %w: %w", ErrConnectionLost, perr))
		}
	}
}

// Send sends a oneway request to the remote peer. It returns once the request
// has been delivered to the channel; no response is expected.
func (p *Peer) Send(req *Request) error {
	if err := p.checkSend(); err != nil {
		return err
	}
	cp := *req
	cp.RequestID = 0
	cp.Mode = ModeOneway
	if err := p.sendOut(&Packet{Type: PacketRequest, Payload: cp.Encode()}); err != nil {
		return fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	return nil
}

// SendBatch sends the given requests to the remote peer as a single batch.
// The remote peer dispatches the requests in order, and does not reply.
// SendBatch does nothing if reqs is empty.
func (p *Peer) SendBatch(reqs []*Request) error {
	if len(reqs) == 0 {
		return nil
	} else if err := p.checkSend(); err != nil {
		return err
	}
	b := Batch{Requests: make([]*Request, len(reqs))}
	for i, req := range reqs {
		cp := *req
		cp.Mode = ModeBatchOneway
		b.Requests[i] = &cp
	}
	if err := p.sendOut(&Packet{Type: PacketBatch, Payload: b.Encode()}); err != nil {
		return fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	return nil
}

func (p *Peer) checkSend() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.err != nil {
		return fmt.Errorf("%w: %w", ErrNotSent, p.err)
	} else if p.closing {
		return fmt.Errorf("%w: %w", ErrNotSent, ErrClosing)
	} else if p.tasks == nil {
		return fmt.Errorf("%w: peer is not running", ErrNotSent)
	}
	return nil
}

// Exec invokes the local dispatcher of p directly, without sending anything to
// the remote peer. If p has no dispatcher, Exec reports an object not found
// error.
func (p *Peer) Exec(ctx context.Context, req *Request) ([]byte, error) {
	p.μ.Lock()
	d := p.disp
	p.μ.Unlock()
	if d == nil {
		return nil, ObjectNotExist(req.Identity.String(), req.Operation)
	}
	if ContextPeer(ctx) == nil {
		ctx = context.WithValue(ctx, peerContextKey{}, p)
	}
	return d.Dispatch(ctx, req)
}

// Handle installs d as the dispatcher for inbound requests. It is safe to call
// this while the peer is running. Passing nil removes the dispatcher, after
// which inbound requests fail with CodeObjectNotExist. Handle returns p to
// permit chaining.
func (p *Peer) Handle(d Dispatcher) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.disp = d
	return p
}

// HandlePacket registers a callback that will be invoked whenever the remote
// peer sends a packet with the specified type. This method will panic if a
// reserved packet type is specified. Passing a nil callback removes any
// handler for the specified packet type. HandlePacket returns p to permit
// chaining.
//
// Packet handlers are invoked synchronously with the processing of packets
// sent by the remote peer, and there will be at most one packet handler active
// at a time. If a packet handler panics or reports an error, it is protocol
// fatal and will terminate the peer.
func (p *Peer) HandlePacket(ptype PacketType, handler PacketHandler) *Peer {
	if ptype <= maxReservedType {
		panic(fmt.Sprintf("cannot handle reserved packet type %d", ptype))
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.pmux == nil {
		p.pmux = make(map[PacketType]PacketHandler)
	}
	if handler == nil {
		delete(p.pmux, ptype)
	} else {
		p.pmux[ptype] = handler
	}
	return p
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to be
// discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or calling a packet handler.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// OnExit registers a callback to be invoked when the peer terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for dispatchers and packet handlers. This allows request-specific
// host resources to be plumbed into a dispatcher.  If it is not set a
// background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// fail terminates all pending calls and updates the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()

	// Terminate all incomplete pending (outbound) calls.
	for _, pc := range p.ocall {
		pc.close()
	}
	p.ocall = nil
	if p.drain != nil {
		close(p.drain)
		p.drain = nil
	}

	// Terminate all incomplete active (inbound) calls.
	for _, stop := range p.icall {
		stop()
	}
	p.icall = nil

	p.err = err
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Peer) sendRsp(rsp *Response) {
	p.μ.Lock()
	delete(p.icall, rsp.RequestID)
	err := p.err
	p.μ.Unlock()
	defer p.settle()

	if err != nil {
		return
	}
	if err := p.sendOut(&Packet{
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		p.closeOut()
	}
}

// sendReq sends a twoway request packet for req.
// It blocks until the send completes, but does not wait for the reply.
// The response will be delivered on the returned pending channel.
func (p *Peer) sendReq(req *Request) (uint32, pending, error) {
	// Phase 1: Check for fatal errors and acquire state.
	p.μ.Lock()
	if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, nil, fmt.Errorf("%w: %w", ErrNotSent, err)
	} else if p.closing {
		p.μ.Unlock()
		return 0, nil, fmt.Errorf("%w: %w", ErrNotSent, ErrClosing)
	} else if p.ocall == nil {
		p.μ.Unlock()
		return 0, nil, fmt.Errorf("%w: peer is not running", ErrNotSent)
	}
	id := p.nextIDLocked()
	pc := make(pending, 1)
	p.ocall[id] = pc
	p.μ.Unlock()

	cp := *req
	cp.RequestID = id
	cp.Mode = ModeTwoway

	// Send the request to the remote peer. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from dispatching packets.
	err := p.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: cp.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		p.releaseIDLocked(id)
		return 0, nil, fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	return id, pc, nil
}

// nextIDLocked returns an unused outbound request ID. ID 0 is reserved for
// oneway requests.
func (p *Peer) nextIDLocked() uint32 {
	for {
		p.nexto++
		if p.nexto == 0 {
			continue
		}
		if _, used := p.ocall[p.nexto]; !used {
			return p.nexto
		}
	}
}

// sendCancel sends a cancellation for id to the remote peer.
func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

// invoke calls d for req, converting a panic into an error.
func invoke(ctx context.Context, d Dispatcher, req *Request) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("dispatcher panicked (recovered): %v", x)
		}
	}()
	if d == nil {
		return nil, ObjectNotExist(req.Identity.String(), req.Operation)
	}
	return d.Dispatch(ctx, req)
}

// encodeResult constructs a response for req from the result of dispatch.
func encodeResult(ctx context.Context, req *Request, data []byte, err error) *Response {
	rsp := &Response{RequestID: req.RequestID}
	if ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded {
		// N.B. Only do this for the unwrapped sentinel errors.

		// If the context terminated, treat this as a cancellation even if the
		// dispatcher succeeded. This usually means the context timed out or the
		// remote peer sent a cancellation that the dispatcher ignored.
		rsp.Code = CodeCanceled
	} else if err == nil {
		rsp.Code = CodeSuccess
		rsp.Data = data
	} else if rc, ok := err.(resultCoder); ok {
		rsp.Code = rc.ResultCode()
		if rd, ok := err.(resultDataer); ok {
			rsp.Data = rd.ResultData()
		} else {
			rsp.Data = data
		}
	} else if ed, ok := err.(*ErrorData); ok {
		rsp.Code = CodeServiceError
		rsp.Data = ed.Encode()
	} else if ed, ok := err.(ErrorData); ok {
		rsp.Code = CodeServiceError
		rsp.Data = ed.Encode()
	} else {
		rsp.Code = CodeServiceError
		rsp.Data = ErrorData{Message: err.Error()}.Encode()
	}
	return rsp
}

func (p *Peer) newContext() context.Context {
	return context.WithValue(p.base(), peerContextKey{}, p)
}

// dispatchRequestLocked dispatches an inbound request.
// It reports an error back to the caller for a duplicate request ID.
func (p *Peer) dispatchRequestLocked(req *Request) error {
	m := p.m()
	m.callIn.Add(1)

	if req.RequestID == 0 {
		m.onewayIn.Add(1)
		p.goOnewayLocked([]*Request{req})
		return nil
	}

	// Report duplicate request ID without failing the existing call.
	if _, ok := p.icall[req.RequestID]; ok {
		m.callInErr.Add(1)
		return p.sendOut(&Packet{
			Type: PacketResponse,
			Payload: Response{
				RequestID: req.RequestID,
				Code:      CodeDuplicateID,
			}.Encode(),
		})
	}

	// Start a goroutine to service the request. The goroutine handles
	// cancellation and response delivery.
	ctx, cancel := context.WithCancel(p.newContext())
	p.icall[req.RequestID] = cancel
	m.callActive.Add(1)
	d := p.disp

	p.tasks.Go(func() error {
		defer cancel()
		defer m.callActive.Add(-1)

		data, err := invoke(ctx, d, req)
		rsp := encodeResult(ctx, req, data, err)
		if rsp.Code != CodeSuccess {
			m.callInErr.Add(1)
		}
		p.sendRsp(rsp)
		return nil
	})
	return nil
}

// goOnewayLocked starts a goroutine to dispatch reqs in order, discarding
// their results.
func (p *Peer) goOnewayLocked(reqs []*Request) {
	m := p.m()
	p.inflight++
	m.callActive.Add(1)
	d := p.disp
	ctx := p.newContext()

	p.tasks.Go(func() error {
		defer func() {
			m.callActive.Add(-1)
			p.μ.Lock()
			p.inflight--
			p.μ.Unlock()
			p.settle()
		}()
		for _, req := range reqs {
			if _, err := invoke(ctx, d, req); err != nil {
				m.callInErr.Add(1)
			}
		}
		return nil
	})
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}
	m := p.m()
	if pkt.Protocol != 0 {
		m.packetDropped.Add(1)
		return nil // unknown protocol version
	}
	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		if p.rclosed {
			m.packetDropped.Add(1)
			return nil // the remote peer promised no new requests
		}
		return p.dispatchRequestLocked(&req)

	case PacketBatch:
		var b Batch
		if err := b.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid batch packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		if p.rclosed {
			m.packetDropped.Add(1)
			return nil
		}
		m.batchIn.Add(1)
		m.callIn.Add(int64(len(b.Requests)))
		if len(b.Requests) == 0 {
			return nil
		}
		p.goOnewayLocked(b.Requests)
		return nil

	case PacketCancel:
		var req Cancel
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		m.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()

		// If there is a dispatch in flight for this request, signal it to stop.
		// The dispatch wrapper will figure out how to reply and clean up.
		if stop, ok := p.icall[req.RequestID]; ok {
			stop()
		}
		return nil

	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		pc, ok := p.ocall[rsp.RequestID]
		if !ok {
			// Silently discard response for unknown request ID.
			p.μ.Unlock()
			return nil
		}
		p.releaseIDLocked(rsp.RequestID)
		pc.deliver(&rsp) // does not block
		p.μ.Unlock()
		p.settle()

	case PacketHeartbeat:
		m.heartbeatIn.Add(1)

	case PacketClose:
		p.μ.Lock()
		p.closing = true
		p.rclosed = true
		p.μ.Unlock()
		p.settle()

	default:
		p.μ.Lock()
		handler, ok := p.pmux[pkt.Type]
		p.μ.Unlock()
		if !ok {
			m.packetDropped.Add(1)
			break // ignore the packet
		}

		pctx := p.newContext()
		return func() (err error) {
			// Ensure a panic out of a packet handler is turned into a protocol fatal.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("packet handler panicked (recovered): %v", x)
				}
			}()
			return handler(pctx, pkt)
		}()
	}
	return nil
}

// releaseIDLocked releases the call state for the specified outbound request id.
func (p *Peer) releaseIDLocked(id uint32) {
	delete(p.ocall, id)
	if len(p.ocall) == 0 {
		p.nexto = 0
	}
}

func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	p.m().packetSent.Add(1)
	if plog := p.plog; plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: true})
	}
	p.touch()
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined.  The context passed to a Dispatcher has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
