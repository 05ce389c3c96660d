// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package encoding

import (
	"fmt"
	"reflect"

	"github.com/creachadair/floe/catalog"
)

// A Value is a class instance that can be marshaled as a sequence of slices.
//
// MarshalSlices writes the slices of the value from most-derived to least,
// using StartSlice and EndSlice for each. UnmarshalSlices reads them back in
// the same order, beginning with the slice of the concrete type.
type Value interface {
	TypeID() string
	MarshalSlices(*Encoder)
	UnmarshalSlices(*Decoder) error
}

// An Exception is a user exception that can be marshaled like a Value.
type Exception interface {
	error
	Value
}

// A Preserver is a Value that retains the slices of more-derived types
// skipped while it was decoded, so that re-encoding it does not lose them.
// Embed Preserved in a struct to implement this interface.
type Preserver interface {
	Value
	SetSlicedData(*SlicedData)
	SlicedData() *SlicedData
}

// Preserved implements the slice-retaining methods of the Preserver
// interface. A zero value holds no slices.
type Preserved struct{ sd *SlicedData }

// SetSlicedData records the skipped slices of a value.
func (p *Preserved) SetSlicedData(sd *SlicedData) { p.sd = sd }

// SlicedData reports the skipped slices of a value, or nil.
func (p *Preserved) SlicedData() *SlicedData { return p.sd }

// SliceInfo is the undecoded content of a single slice.
type SliceInfo struct {
	TypeID       string
	HasOptionals bool
	Data         []byte // member bytes, including any optional end marker
}

// SlicedData is the sequence of slices skipped while decoding a value, most
// derived first.
type SlicedData struct {
	Slices []SliceInfo
}

// TypeIDs reports the type IDs of the slices in sd, most-derived first.
func (sd *SlicedData) TypeIDs() []string {
	out := make([]string, len(sd.Slices))
	for i, s := range sd.Slices {
		out[i] = s.TypeID
	}
	return out
}

// UnknownValue is a decoded class value none of whose slices had a known
// type. Re-encoding it reproduces the original slices.
type UnknownValue struct {
	SlicedData
}

// TypeID reports the most-derived type ID of the value.
func (u *UnknownValue) TypeID() string {
	if len(u.Slices) == 0 {
		return ""
	}
	return u.Slices[0].TypeID
}

// MarshalSlices writes the retained slices of u.
func (u *UnknownValue) MarshalSlices(e *Encoder) {
	for i, s := range u.Slices {
		e.writeRawSlice(s, i == len(u.Slices)-1)
	}
}

// UnmarshalSlices is not supported for unknown values, which are produced
// only by ReadValue.
func (u *UnknownValue) UnmarshalSlices(*Decoder) error {
	return fmt.Errorf("cannot unmarshal into %T", u)
}

// UnknownUserException is a decoded user exception none of whose slices had
// a known type.
type UnknownUserException struct {
	UnknownValue
}

// Error satisfies the error interface.
func (u *UnknownUserException) Error() string {
	return fmt.Sprintf("unknown user exception %q", u.TypeID())
}

// A Factory constructs a new zero value of a registered type.
type Factory func() Value

// A Registry maps type IDs to factories used to decode values and
// exceptions. A zero Registry is empty and ready for use.
type Registry struct {
	types catalog.Catalog[Factory]
}

// NewRegistry returns a new empty registry.
func NewRegistry() *Registry { return new(Registry) }

// Register adds a factory for typeID. It reports an error if typeID already
// has a factory.
func (r *Registry) Register(typeID string, f Factory) error {
	if err := r.types.Add(typeID, f); err != nil {
		return fmt.Errorf("register type: %w", err)
	}
	return nil
}

// MustRegister is as Register, but panics on error. It returns r to permit
// chaining.
func (r *Registry) MustRegister(typeID string, f Factory) *Registry {
	if err := r.Register(typeID, f); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the factory for typeID, or nil. A nil registry has no
// factories.
func (r *Registry) Lookup(typeID string) Factory {
	if r == nil {
		return nil
	}
	f, _ := r.types.Lookup(typeID)
	return f
}

// Names reports the registered type IDs in lexicographic order.
func (r *Registry) Names() []string { return r.types.Names() }

func isNil(v Value) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
