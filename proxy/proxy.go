// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package proxy defines the Reference, the addressing information held by a
// proxy for a remote object, and its string form.
//
// The string form of a reference is
//
//	identity [-f facet] [-t | -o | -O] [-e 1.1] [-p 1.0] [: endpoint]...
//	identity [options] @ adapterID
//
// A reference with endpoints is direct. A reference with an adapter ID, or
// with neither endpoints nor an adapter ID (a well-known object), is
// indirect and must be resolved by a locator before use.
package proxy

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/internal/lex"
)

// Supported encoding and protocol versions.
const (
	EncodingVersion = "1.1"
	ProtocolVersion = "1.0"
)

// A Reference describes a remote object and how to invoke it. References are
// values: the With methods return modified copies.
type Reference struct {
	Identity  identity.Identity
	Facet     string
	Mode      floe.Mode
	Endpoints []endpoint.Endpoint
	AdapterID string

	// Timeout bounds each invocation. Zero means use the default; a negative
	// value means no timeout. It is not part of the string form.
	Timeout time.Duration

	// Context is sent with every request. It is not part of the string form.
	Context map[string]string
}

// Parse parses the string form of a reference.
func Parse(s string) (Reference, error) {
	head, sep, tail, err := splitTail(s)
	if err != nil {
		return Reference{}, fmt.Errorf("proxy %q: %w", s, err)
	}
	fs, err := lex.Fields(head)
	if err != nil {
		return Reference{}, fmt.Errorf("proxy %q: %w", s, err)
	} else if len(fs) == 0 {
		return Reference{}, fmt.Errorf("proxy %q: missing identity", s)
	}

	var ref Reference
	ref.Identity, err = identity.Parse(fs[0])
	if err != nil {
		return Reference{}, fmt.Errorf("proxy %q: %w", s, err)
	}
	opts := fs[1:]
	for len(opts) > 0 {
		opt := opts[0]
		opts = opts[1:]
		arg := func() (string, error) {
			if len(opts) == 0 {
				return "", fmt.Errorf("proxy %q: missing argument for %s", s, opt)
			}
			v := opts[0]
			opts = opts[1:]
			return v, nil
		}
		switch opt {
		case "-f":
			if ref.Facet, err = arg(); err != nil {
				return Reference{}, err
			}
		case "-t":
			ref.Mode = floe.ModeTwoway
		case "-o":
			ref.Mode = floe.ModeOneway
		case "-O":
			ref.Mode = floe.ModeBatchOneway
		case "-d", "-D":
			return Reference{}, fmt.Errorf("proxy %q: datagram mode is not supported", s)
		case "-s":
			return Reference{}, fmt.Errorf("proxy %q: secure mode is not supported", s)
		case "-e", "-p":
			v, err := arg()
			if err != nil {
				return Reference{}, err
			}
			want := EncodingVersion
			if opt == "-p" {
				want = ProtocolVersion
			}
			if v != want {
				return Reference{}, fmt.Errorf("proxy %q: unsupported version %s %q", s, opt, v)
			}
		default:
			return Reference{}, fmt.Errorf("proxy %q: unknown option %q", s, opt)
		}
	}

	switch sep {
	case ':':
		ref.Endpoints, err = endpoint.ParseList(tail)
		if err != nil {
			return Reference{}, fmt.Errorf("proxy %q: %w", s, err)
		}
	case '@':
		fs, err := lex.Fields(tail)
		if err != nil {
			return Reference{}, fmt.Errorf("proxy %q: %w", s, err)
		} else if len(fs) != 1 || fs[0] == "" {
			return Reference{}, fmt.Errorf("proxy %q: invalid adapter ID", s)
		}
		ref.AdapterID = fs[0]
	}
	return ref, nil
}

// MustParse is as Parse, but panics if s is invalid.
func MustParse(s string) Reference {
	ref, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// splitTail splits s at the first unquoted ':' or '@'.
func splitTail(s string) (head string, sep byte, tail string, err error) {
	var q byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case q != 0:
			if c == '\\' && q == '"' {
				i++
			} else if c == q {
				q = 0
			}
		case c == '"' || c == '\'':
			q = c
		case c == ':' || c == '@':
			return s[:i], c, s[i+1:], nil
		}
	}
	if q != 0 {
		return "", 0, "", fmt.Errorf("unterminated quoted string")
	}
	return s, 0, "", nil
}

// String returns the canonical string form of r.
func (r Reference) String() string {
	var sb strings.Builder
	sb.WriteString(lex.Quote(r.Identity.String(), ":@"))
	if r.Facet != "" {
		sb.WriteString(" -f " + lex.Quote(r.Facet, ":@"))
	}
	switch r.Mode {
	case floe.ModeOneway:
		sb.WriteString(" -o")
	case floe.ModeBatchOneway:
		sb.WriteString(" -O")
	default:
		sb.WriteString(" -t")
	}
	sb.WriteString(" -e " + EncodingVersion)
	if r.AdapterID != "" {
		sb.WriteString(" @ " + lex.Quote(r.AdapterID, ":@"))
	}
	for _, ep := range r.Endpoints {
		sb.WriteByte(':')
		sb.WriteString(ep.String())
	}
	return sb.String()
}

// IsIndirect reports whether r must be resolved by a locator.
func (r Reference) IsIndirect() bool { return len(r.Endpoints) == 0 }

// IsWellKnown reports whether r names a well-known object, having neither
// endpoints nor an adapter ID.
func (r Reference) IsWellKnown() bool { return len(r.Endpoints) == 0 && r.AdapterID == "" }

// IsTwoway reports whether invocations on r wait for a response.
func (r Reference) IsTwoway() bool { return r.Mode == floe.ModeTwoway }

// WithIdentity returns a copy of r with the given identity.
func (r Reference) WithIdentity(id identity.Identity) Reference { r.Identity = id; return r }

// WithFacet returns a copy of r with the given facet.
func (r Reference) WithFacet(facet string) Reference { r.Facet = facet; return r }

// WithMode returns a copy of r with the given invocation mode.
func (r Reference) WithMode(m floe.Mode) Reference { r.Mode = m; return r }

// WithTimeout returns a copy of r with the given invocation timeout.
func (r Reference) WithTimeout(d time.Duration) Reference { r.Timeout = d; return r }

// WithContext returns a copy of r with the given request context.
func (r Reference) WithContext(ctx map[string]string) Reference {
	r.Context = maps.Clone(ctx)
	return r
}

// WithEndpoints returns a copy of r with the given endpoints. A direct
// reference has no adapter ID, so it is cleared if eps is non-empty.
func (r Reference) WithEndpoints(eps []endpoint.Endpoint) Reference {
	r.Endpoints = slices.Clone(eps)
	if len(eps) != 0 {
		r.AdapterID = ""
	}
	return r
}

// WithAdapterID returns a copy of r that is resolved through the given
// adapter ID. Any endpoints are cleared.
func (r Reference) WithAdapterID(id string) Reference {
	r.AdapterID = id
	r.Endpoints = nil
	return r
}

// Equal reports whether r and o are equivalent references.
func (r Reference) Equal(o Reference) bool {
	return r.Identity == o.Identity &&
		r.Facet == o.Facet &&
		r.Mode == o.Mode &&
		r.AdapterID == o.AdapterID &&
		r.Timeout == o.Timeout &&
		slices.EqualFunc(r.Endpoints, o.Endpoints, func(a, b endpoint.Endpoint) bool { return a == b }) &&
		maps.Equal(r.Context, o.Context)
}
