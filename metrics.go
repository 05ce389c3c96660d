// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // number of inbound requests received, of any mode
	callInErr     expvar.Int // number of inbound requests reporting an error
	callOut       expvar.Int // number of outbound twoway calls initiated
	callOutErr    expvar.Int // number of outbound twoway calls reporting an error
	onewayIn      expvar.Int // number of single oneway requests received
	batchIn       expvar.Int // number of batch packets received
	heartbeatIn   expvar.Int
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("oneway_in", &pm.onewayIn)
	pm.emap.Set("batches_in", &pm.batchIn)
	pm.emap.Set("heartbeats_in", &pm.heartbeatIn)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	pm.emap.Set("calls_pending", &pm.callPending)
	return pm
}
