// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from functions with other signatures to
// servant operations, and an Object servant that dispatches operations by
// name.
//
// Parameters may be []byte or string, or a type whose pointer implements
// Unmarshaler, encoding.BinaryUnmarshaler, or encoding.TextUnmarshaler.
//
// Results may be []byte or string, or any type that implements Marshaler,
// encoding.BinaryMarshaler, or encoding.TextMarshaler.
package handler

import (
	"bytes"
	"context"
	stdenc "encoding"
	"fmt"

	"github.com/creachadair/floe"
	"github.com/creachadair/floe/adapter"
	"github.com/creachadair/floe/catalog"
	"github.com/creachadair/floe/encoding"
)

// A Marshaler writes its value to an encoder.
type Marshaler interface {
	MarshalFloe(*encoding.Encoder)
}

// An Unmarshaler reads its value from a decoder. The decoder has no type
// registry.
type Unmarshaler interface {
	UnmarshalFloe(*encoding.Decoder) error
}

// curContextKey is a context key for the current request of an operation.
type curContextKey struct{}

// ContextCurrent returns the description of the request passed to the
// operation, or nil if ctx has no associated request. The context passed to
// an operation returned by this package has this value.
func ContextCurrent(ctx context.Context) *adapter.Current {
	if v := ctx.Value(curContextKey{}); v != nil {
		return v.(*adapter.Current)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a servant operation.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, in []byte) ([]byte, error) {
		var p P
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, curContextKey{}, cur), p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a servant operation.
func ParamResult[P, R any](f func(context.Context, P) R) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, in []byte) ([]byte, error) {
		var p P
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		return marshal(f(context.WithValue(ctx, curContextKey{}, cur), p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a servant operation.
func ParamError[P any](f func(context.Context, P) error) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, in []byte) ([]byte, error) {
		var p P
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, curContextKey{}, cur), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a servant operation.
func ResultError[R any](f func(context.Context) (R, error)) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, _ []byte) ([]byte, error) {
		r, err := f(context.WithValue(ctx, curContextKey{}, cur))
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a servant operation.
func ResultOnly[R any](f func(context.Context) R) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, _ []byte) ([]byte, error) {
		return marshal(f(context.WithValue(ctx, curContextKey{}, cur)))
	}
}

// ErrorOnly adapts a function f that accepts no parameters and returns only
// an error, to a servant operation.
func ErrorOnly(f func(context.Context) error) adapter.ServantFunc {
	return func(ctx context.Context, cur *adapter.Current, _ []byte) ([]byte, error) {
		return nil, f(context.WithValue(ctx, curContextKey{}, cur))
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement Unmarshaler, encoding.BinaryUnmarshaler,
// or encoding.TextUnmarshaler, preferred in that order.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case Unmarshaler:
		d := encoding.NewDecoder(data, nil)
		if err := t.UnmarshalFloe(d); err != nil {
			return err
		}
		return d.Err()
	case stdenc.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case stdenc.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement Marshaler,
// encoding.BinaryMarshaler, or encoding.TextMarshaler, preferred in that
// order.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case Marshaler:
		e := encoding.NewEncoder()
		t.MarshalFloe(e)
		return e.Bytes(), nil
	case stdenc.BinaryMarshaler:
		return t.MarshalBinary()
	case stdenc.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

// An Object is a servant that dispatches each request to the operation
// registered under its name. Use NewObject to construct one.
//
// An Object implements adapter.Typed, so the built-in operations of an
// adapter report its type IDs.
type Object struct {
	types []string
	ops   catalog.Catalog[adapter.Servant]
}

// NewObject constructs an object with no operations that implements the
// given type IDs, most-derived first.
func NewObject(typeIDs ...string) *Object { return &Object{types: typeIDs} }

// Handle registers s as the implementation of the named operation,
// replacing any previous implementation. It returns o to permit chaining.
func (o *Object) Handle(op string, s adapter.Servant) *Object {
	o.ops.Set(op, s)
	return o
}

// Operations returns the names of the operations of o in sorted order.
func (o *Object) Operations() []string { return o.ops.Names() }

// TypeIDs implements the adapter.Typed interface.
func (o *Object) TypeIDs() []string { return o.types }

// Dispatch implements the adapter.Servant interface. Requests for an
// operation not registered with o report floe.OperationNotExist.
func (o *Object) Dispatch(ctx context.Context, cur *adapter.Current, in []byte) ([]byte, error) {
	s, ok := o.ops.Lookup(cur.Operation)
	if !ok {
		return nil, floe.OperationNotExist(cur.Target(), cur.Operation)
	}
	return s.Dispatch(ctx, cur, in)
}

// StringPair is a parameter or result carrying two encoded strings.
type StringPair struct {
	First, Second string
}

// MarshalFloe implements the Marshaler interface.
func (p StringPair) MarshalFloe(e *encoding.Encoder) {
	e.WriteString(p.First)
	e.WriteString(p.Second)
}

// UnmarshalFloe implements the Unmarshaler interface.
func (p *StringPair) UnmarshalFloe(d *encoding.Decoder) error {
	p.First = d.ReadString()
	p.Second = d.ReadString()
	return d.Err()
}

// StringSeq is a parameter or result carrying an encoded string sequence.
type StringSeq []string

// MarshalFloe implements the Marshaler interface.
func (s StringSeq) MarshalFloe(e *encoding.Encoder) { e.WriteStringSeq(s) }

// UnmarshalFloe implements the Unmarshaler interface.
func (s *StringSeq) UnmarshalFloe(d *encoding.Decoder) error {
	*s = d.ReadStringSeq()
	return d.Err()
}
