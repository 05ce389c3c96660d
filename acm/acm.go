// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package acm implements active connection management: closing connections
// that are idle or unresponsive, and sending heartbeats to keep wanted
// connections open.
//
// A Monitor checks each of its connections periodically, at a quarter of the
// configured timeout. A connection is idle when it has no calls or
// dispatches in progress; it is quiet when no packet has been sent or
// received for the timeout. Heartbeats are sent when nothing has been sent
// or received for half the timeout, according to the heartbeat policy.
package acm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ClosePolicy determines when a monitor closes a connection.
type ClosePolicy int

const (
	CloseOff                 ClosePolicy = iota // never close
	CloseOnIdle                                 // close gracefully when idle and quiet
	CloseOnInvocation                           // close forcefully when calls are pending and quiet
	CloseOnInvocationAndIdle                    // CloseOnIdle or CloseOnInvocation
	CloseOnIdleForceful                         // close forcefully when quiet, even with pending calls
)

var closeNames = []string{
	"CloseOff", "CloseOnIdle", "CloseOnInvocation", "CloseOnInvocationAndIdle", "CloseOnIdleForceful",
}

func (c ClosePolicy) String() string {
	if c >= 0 && int(c) < len(closeNames) {
		return closeNames[c]
	}
	return fmt.Sprintf("ClosePolicy(%d)", int(c))
}

// ParseClosePolicy parses a close policy name, ignoring case. The "Close"
// prefix may be omitted, and the numeric value of a policy is also accepted.
func ParseClosePolicy(s string) (ClosePolicy, error) {
	v, err := parsePolicy(s, "close", closeNames)
	return ClosePolicy(v), err
}

// MarshalText implements the encoding.TextMarshaler interface.
func (c ClosePolicy) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (c *ClosePolicy) UnmarshalText(text []byte) error {
	v, err := ParseClosePolicy(string(text))
	if err == nil {
		*c = v
	}
	return err
}

// HeartbeatPolicy determines when a monitor sends heartbeats.
type HeartbeatPolicy int

const (
	HeartbeatOff        HeartbeatPolicy = iota // never send heartbeats
	HeartbeatOnDispatch                        // while dispatches are in progress
	HeartbeatOnIdle                            // while the connection is idle
	HeartbeatAlways                            // whenever the connection is quiet
)

var heartbeatNames = []string{
	"HeartbeatOff", "HeartbeatOnDispatch", "HeartbeatOnIdle", "HeartbeatAlways",
}

func (h HeartbeatPolicy) String() string {
	if h >= 0 && int(h) < len(heartbeatNames) {
		return heartbeatNames[h]
	}
	return fmt.Sprintf("HeartbeatPolicy(%d)", int(h))
}

// ParseHeartbeatPolicy parses a heartbeat policy name, ignoring case. The
// "Heartbeat" prefix may be omitted, and the numeric value of a policy is
// also accepted.
func ParseHeartbeatPolicy(s string) (HeartbeatPolicy, error) {
	v, err := parsePolicy(s, "heartbeat", heartbeatNames)
	return HeartbeatPolicy(v), err
}

// MarshalText implements the encoding.TextMarshaler interface.
func (h HeartbeatPolicy) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (h *HeartbeatPolicy) UnmarshalText(text []byte) error {
	v, err := ParseHeartbeatPolicy(string(text))
	if err == nil {
		*h = v
	}
	return err
}

func parsePolicy(s, prefix string, names []string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 0 && n < len(names) {
			return n, nil
		}
		return 0, fmt.Errorf("invalid %s policy %d", prefix, n)
	}
	for i, name := range names {
		if strings.EqualFold(s, name) || strings.EqualFold(prefix+s, name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s policy %q", prefix, s)
}

// Config is the connection management settings for a monitor.
type Config struct {
	Timeout   time.Duration   `toml:"timeout" env:"TIMEOUT"`
	Close     ClosePolicy     `toml:"close" env:"CLOSE"`
	Heartbeat HeartbeatPolicy `toml:"heartbeat" env:"HEARTBEAT"`
}

// Default returns the default settings.
func Default() Config {
	return Config{
		Timeout:   60 * time.Second,
		Close:     CloseOnInvocationAndIdle,
		Heartbeat: HeartbeatOnDispatch,
	}
}

// Enabled reports whether c requires any monitoring.
func (c Config) Enabled() bool {
	return c.Timeout > 0 && (c.Close != CloseOff || c.Heartbeat != HeartbeatOff)
}

func (c Config) String() string {
	return fmt.Sprintf("timeout=%v %v %v", c.Timeout, c.Close, c.Heartbeat)
}

// A Conn is a connection managed by a monitor. A *floe.Peer provides all the
// methods except Close.
type Conn interface {
	// Active reports the number of inbound dispatches and outbound calls in
	// progress.
	Active() (inbound, outbound int)

	// LastActivity reports when a packet was last sent or received.
	LastActivity() time.Time

	// Heartbeat sends a heartbeat to the remote peer.
	Heartbeat() error

	// Close closes the connection, waiting for pending work if graceful.
	Close(graceful bool) error
}

// A Monitor applies a Config to a set of connections.
type Monitor struct {
	cfg  Config
	log  *zap.Logger
	stop   context.CancelFunc
	task   *taskgroup.Single[error]
	closes *taskgroup.Group // closes in progress

	μ     sync.Mutex
	conns mapset.Set[Conn]
}

// NewMonitor starts a monitor with the given settings. If log == nil,
// nothing is logged. The caller must call Stop when the monitor is no longer
// needed.
func NewMonitor(cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:    cfg,
		log:    log,
		stop:   cancel,
		closes: taskgroup.New(nil),
		conns:  mapset.New[Conn](),
	}
	m.task = taskgroup.Go(func() error {
		if !cfg.Enabled() {
			<-ctx.Done()
			return nil
		}
		t := time.NewTicker(max(cfg.Timeout/4, 10*time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				m.check(now)
			}
		}
	})
	return m
}

// Config reports the settings of m.
func (m *Monitor) Config() Config { return m.cfg }

// Add adds c to the connections managed by m.
func (m *Monitor) Add(c Conn) {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.conns.Add(c)
}

// Remove removes c from the connections managed by m.
func (m *Monitor) Remove(c Conn) {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.conns.Remove(c)
}

// Len reports the number of connections managed by m.
func (m *Monitor) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.conns.Len()
}

// Stop stops the monitor, and waits for any closes it has begun to finish.
// Other connections are not closed.
func (m *Monitor) Stop() {
	m.stop()
	m.task.Wait()
	m.closes.Wait()
}

func (m *Monitor) check(now time.Time) {
	m.μ.Lock()
	conns := m.conns.Slice()
	m.μ.Unlock()

	for _, c := range conns {
		if m.checkConn(c, now) {
			m.Remove(c)
		}
	}
}

// checkConn applies the policy to c, and reports whether c is being closed.
// A graceful close may wait for pending work, so closes run separately from
// the check loop.
func (m *Monitor) checkConn(c Conn, now time.Time) bool {
	in, out := c.Active()
	quiet := now.Sub(c.LastActivity())
	idle := in == 0 && out == 0
	timedOut := quiet >= m.cfg.Timeout

	var graceful, doClose bool
	switch m.cfg.Close {
	case CloseOnIdle:
		doClose, graceful = idle && timedOut, true
	case CloseOnInvocation:
		doClose = out > 0 && timedOut
	case CloseOnInvocationAndIdle:
		if idle && timedOut {
			doClose, graceful = true, true
		} else {
			doClose = out > 0 && timedOut
		}
	case CloseOnIdleForceful:
		doClose = in == 0 && timedOut
	}
	if doClose {
		m.log.Info("closing connection",
			zap.Stringer("policy", m.cfg.Close),
			zap.Bool("graceful", graceful),
			zap.Duration("quiet", quiet),
			zap.Int("calls", out))
		m.closes.Go(func() error {
			if err := c.Close(graceful); err != nil {
				m.log.Debug("close connection", zap.Error(err))
			}
			return nil
		})
		return true
	}

	var beat bool
	switch m.cfg.Heartbeat {
	case HeartbeatOnDispatch:
		beat = in > 0
	case HeartbeatOnIdle:
		beat = idle
	case HeartbeatAlways:
		beat = true
	}
	if beat && quiet >= m.cfg.Timeout/2 {
		if err := c.Heartbeat(); err != nil {
			m.log.Debug("heartbeat failed", zap.Error(err))
		}
	}
	return false
}
