// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the floe.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/creachadair/floe"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B floe.Channel) {
	a2b := make(chan *floe.Packet)
	b2a := make(chan *floe.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *floe.Packet
	b2a <-chan *floe.Packet
}

// Send implements a method of the [floe.Channel] interface.
func (d direct) Send(pkt *floe.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [floe.Channel] interface.
func (d direct) Recv() (*floe.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [floe.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [floe.Channel] interface.
func (c IOChannel) Send(pkt *floe.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [floe.Channel] interface.
func (c IOChannel) Recv() (*floe.Packet, error) {
	var pkt floe.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [floe.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// Conn constructs a channel that sends and receives packets on conn.  If
// writeTimeout > 0, each Send must complete within that duration or it fails
// and the connection is closed.
func Conn(conn net.Conn, writeTimeout time.Duration) ConnChannel {
	return ConnChannel{IOChannel: IO(conn, conn), conn: conn, wto: writeTimeout}
}

// A ConnChannel is an IOChannel over a network connection.
type ConnChannel struct {
	IOChannel
	conn net.Conn
	wto  time.Duration
}

// Send implements a method of the [floe.Channel] interface.
func (c ConnChannel) Send(pkt *floe.Packet) error {
	if c.wto > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.wto)); err != nil {
			return err
		}
	}
	if err := c.IOChannel.Send(pkt); err != nil {
		if c.wto > 0 {
			c.conn.Close()
		}
		return err
	}
	return nil
}

// LocalAddr reports the local network address of the connection.
func (c ConnChannel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr reports the remote network address of the connection.
func (c ConnChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
