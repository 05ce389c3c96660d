// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package endpoint parses and formats endpoint descriptions and opens
// network connections for them.
//
// An endpoint string names a transport followed by options:
//
//	tcp -h host -p port [-t timeout] [-z]
//	unix -p path
//
// The timeout is in milliseconds, or "infinite". The transport name
// "default" is a synonym for "tcp".
package endpoint

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/floe/internal/lex"
)

// Infinite is the Timeout value of an endpoint that never times out.
const Infinite = time.Duration(-1)

// An Endpoint describes how to reach an object adapter.
type Endpoint struct {
	Transport string        // "tcp" or "unix"
	Host      string        // tcp: host name or address; "" or "*" means any
	Port      int           // tcp: port number, 0 on listen picks a free port
	Path      string        // unix: socket path
	Timeout   time.Duration // 0 means unset, Infinite means none
	Compress  bool          // accepted for compatibility; not applied
}

// Parse parses a single endpoint string.
func Parse(s string) (Endpoint, error) {
	fs, err := lex.Fields(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	} else if len(fs) == 0 {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	var ep Endpoint
	switch t := strings.ToLower(fs[0]); t {
	case "tcp", "default":
		ep.Transport = "tcp"
	case "unix":
		ep.Transport = "unix"
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported transport %q", s, fs[0])
	}

	args := fs[1:]
	for len(args) > 0 {
		opt := args[0]
		args = args[1:]
		needArg := func() (string, error) {
			if len(args) == 0 || strings.HasPrefix(args[0], "-") && opt != "-t" {
				return "", fmt.Errorf("endpoint %q: missing argument for %s", s, opt)
			}
			v := args[0]
			args = args[1:]
			return v, nil
		}
		switch opt {
		case "-h":
			v, err := needArg()
			if err != nil {
				return Endpoint{}, err
			}
			ep.Host = v
		case "-p":
			v, err := needArg()
			if err != nil {
				return Endpoint{}, err
			}
			if ep.Transport == "unix" {
				ep.Path = v
				break
			}
			port, err := strconv.Atoi(v)
			if err != nil || port < 0 || port > 65535 {
				return Endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", s, v)
			}
			ep.Port = port
		case "-t":
			v, err := needArg()
			if err != nil {
				return Endpoint{}, err
			}
			if v == "infinite" || v == "-1" {
				ep.Timeout = Infinite
				break
			}
			ms, err := strconv.Atoi(v)
			if err != nil || ms <= 0 {
				return Endpoint{}, fmt.Errorf("endpoint %q: invalid timeout %q", s, v)
			}
			ep.Timeout = time.Duration(ms) * time.Millisecond
		case "-z":
			ep.Compress = true
		default:
			return Endpoint{}, fmt.Errorf("endpoint %q: unknown option %q", s, opt)
		}
	}
	if ep.Transport == "unix" {
		if ep.Path == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: missing socket path", s)
		} else if ep.Host != "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: host not allowed for unix", s)
		}
	}
	return ep, nil
}

// ParseList parses a colon-separated list of endpoint strings.
func ParseList(s string) ([]Endpoint, error) {
	parts, err := lex.Split(s, ':')
	if err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("empty endpoint in %q", s)
		}
		ep, err := Parse(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// String returns the canonical string form of e.
func (e Endpoint) String() string {
	if e.Transport == "unix" {
		return "unix -p " + lex.Quote(e.Path, ":@")
	}
	var sb strings.Builder
	sb.WriteString("tcp")
	if e.Host != "" {
		sb.WriteString(" -h " + lex.Quote(e.Host, ":@"))
	}
	fmt.Fprintf(&sb, " -p %d", e.Port)
	switch {
	case e.Timeout == Infinite:
		sb.WriteString(" -t infinite")
	case e.Timeout > 0:
		fmt.Fprintf(&sb, " -t %d", e.Timeout.Milliseconds())
	}
	if e.Compress {
		sb.WriteString(" -z")
	}
	return sb.String()
}

// Network reports the network name of e for use with package net.
func (e Endpoint) Network() string { return e.Transport }

// Address reports the dial address of e. An unspecified host dials the
// loopback address.
func (e Endpoint) Address() string {
	if e.Transport == "unix" {
		return e.Path
	}
	host := e.Host
	if host == "" || host == "*" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

func (e Endpoint) listenAddress() string {
	if e.Transport == "unix" {
		return e.Path
	}
	host := e.Host
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Dial opens a connection to e. If e has a positive timeout, it bounds the
// time spent connecting.
func (e Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	if e.Timeout > 0 {
		d.Timeout = e.Timeout
	}
	return d.DialContext(ctx, e.Network(), e.Address())
}

// Listen opens a listener for e. It returns the listener and the endpoint as
// actually bound, with the port filled in if e.Port was 0.
func (e Endpoint) Listen() (net.Listener, Endpoint, error) {
	lst, err := net.Listen(e.Network(), e.listenAddress())
	if err != nil {
		return nil, Endpoint{}, err
	}
	bound := e
	if ta, ok := lst.Addr().(*net.TCPAddr); ok {
		bound.Port = ta.Port
	}
	return lst, bound, nil
}

// Equal reports whether e and o describe the same destination.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Transport == o.Transport && e.Address() == o.Address()
}
