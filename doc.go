// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package floe implements the floe v0 object RPC protocol.
//
// Floe is a remote procedure call protocol for addressing objects. Peers
// exchange binary packets over a shared reliable channel. Each request names
// a target object by identity and facet, and an operation on that object.
// The object adapter (see package adapter) maps requests to servants, and
// the communicator (see package communicator) manages connections and
// proxies on the calling side.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Peers concurrently
// initiate and service requests with another peer over a [Channel].
//
// To create a new, unstarted peer:
//
//	p := floe.NewPeer()
//
// To start the service routine, call the Start method with a channel connected
// to another peer:
//
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] or [Peer.Shutdown] is called, the channel
// is closed by the remote peer, or a protocol fatal error occurs. Call
// [Peer.Wait] to wait for the peer to exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// # Requests
//
// A request carries an invocation mode. A twoway request is issued with
// [Peer.Call], which blocks until the response arrives:
//
//	rsp, err := p.Call(ctx, &floe.Request{
//	   Identity:  identity.New("hello", ""),
//	   Operation: "sayHello",
//	   Data:      payload,
//	})
//
// Errors returned by p.Call have concrete type [*floe.CallError].
//
// A oneway request is sent with [Peer.Send], and the remote peer does not
// reply. Several oneway requests may be sent together with [Peer.SendBatch];
// the remote peer dispatches them in order.
//
// # Dispatch
//
// Inbound requests are delivered to the [Dispatcher] installed by
// [Peer.Handle]. Calls may propagate in either direction, so a client peer
// may install a dispatcher to receive callbacks over the same channel.
//
// # Connection Management
//
// A peer records the time of its last packet exchange (see
// [Peer.LastActivity]) and the number of calls in progress (see
// [Peer.Active]). [Peer.Heartbeat] sends a keep-alive packet. The acm
// package uses these to close idle connections.
//
// [Peer.Shutdown] closes a peer gracefully: it waits for outstanding calls,
// then notifies the remote peer, which closes the channel once its own
// dispatches are complete.
//
// # Custom Packet Handlers
//
// To handle packet types other than those defined by the protocol, use the
// [Peer.SendPacket] and [Peer.HandlePacket] methods. Peers that do not
// understand a packet type silently discard it.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the [Peer.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// peer. By default, metrics are shared globally among all peers; use
// [Peer.Detach] to give a peer (and its clones) a separate map.
//
// The metrics currently exported by peers include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound dispatches currently active
//   - calls_out: counter of outbound twoway calls sent
//   - calls_out_failed: counter of outbound twoway calls resulting in errors
//   - oneway_in: counter of single oneway requests received
//   - batches_in: counter of request batches received
//   - heartbeats_in: counter of heartbeats received
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound calls currently pending
package floe
