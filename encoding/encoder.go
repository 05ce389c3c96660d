// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package encoding implements the marshaling format for operation
// parameters, classes and user exceptions.
//
// Primitives are little-endian. A size is one byte if less than 255,
// otherwise the byte 0xFF followed by an int32. Strings and sequences are
// size-prefixed.
//
// # Optional members
//
// An optional member is preceded by a tag byte (tag<<3)|format. Tags of 30
// or more write 30<<3|format followed by the tag as a size. Members with an
// unknown tag are skipped by readers, so optional members may be added to a
// type without breaking older peers.
//
// # Classes
//
// A class value is written as a sequence of slices, most-derived first.
// Each slice has a header
//
//	flags:u8 typeID:string size:i32
//
// where size counts the member bytes of the slice. A reader that does not
// know the type of a slice skips it and retains its bytes, and continues
// with the next slice until it finds a type it knows. Each slice of a value
// with no known type is retained in an [UnknownValue].
package encoding

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"
)

// A Format describes the encoding of an optional member, so that a reader
// that does not recognize its tag can skip it.
type Format byte

const (
	F1    Format = iota // 1 byte: bool, byte
	F2                  // 2 bytes: short
	F4                  // 4 bytes: int, float
	F8                  // 8 bytes: long, double
	Size                // a size
	VSize               // a size followed by that many bytes
	FSize               // an int32 followed by that many bytes
	Class               // a class value
)

func (f Format) String() string {
	switch f {
	case F1:
		return "F1"
	case F2:
		return "F2"
	case F4:
		return "F4"
	case F8:
		return "F8"
	case Size:
		return "Size"
	case VSize:
		return "VSize"
	case FSize:
		return "FSize"
	case Class:
		return "Class"
	}
	return fmt.Sprintf("Format(%d)", byte(f))
}

// Slice header flags.
const (
	flagHasOptionals = 0x01
	flagIsLast       = 0x02
)

const (
	optionalEnd    = 0xFF // marks the end of the optional members of a slice
	maxInlineTag   = 30   // tags at or above this are written as a size
	valueNil       = 0
	valuePresent   = 1
	sizeEscapeByte = 0xFF
)

// An Encoder accumulates marshaled data. The zero value is ready for use.
type Encoder struct {
	buf    []byte
	slices []openSlice // slices started and not yet ended
}

type openSlice struct {
	sizePos      int // offset of the size field
	hasOptionals bool
}

// NewEncoder returns a new empty encoder.
func NewEncoder() *Encoder { return new(Encoder) }

// Bytes returns the data written to e. It panics if a slice or size is
// still open.
func (e *Encoder) Bytes() []byte {
	if len(e.slices) != 0 {
		panic("encoder has an unfinished slice")
	}
	return e.buf
}

// Len reports the number of bytes written to e.
func (e *Encoder) Len() int { return len(e.buf) }

// WriteBool writes a Boolean as a single byte 0 or 1.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// WriteByte writes a single byte. It always returns nil.
func (e *Encoder) WriteByte(v byte) error { e.buf = append(e.buf, v); return nil }

// WriteShort writes a 16-bit integer.
func (e *Encoder) WriteShort(v int16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v)) }

// WriteInt writes a 32-bit integer.
func (e *Encoder) WriteInt(v int32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v)) }

// WriteLong writes a 64-bit integer.
func (e *Encoder) WriteLong(v int64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v)) }

// WriteFloat writes a 32-bit IEEE 754 value.
func (e *Encoder) WriteFloat(v float32) { e.WriteInt(int32(math.Float32bits(v))) }

// WriteDouble writes a 64-bit IEEE 754 value.
func (e *Encoder) WriteDouble(v float64) { e.WriteLong(int64(math.Float64bits(v))) }

// WriteSize writes a non-negative size. It panics if n < 0.
func (e *Encoder) WriteSize(n int) {
	if n < 0 || n > math.MaxInt32 {
		panic(fmt.Sprintf("invalid size %d", n))
	}
	if n < sizeEscapeByte {
		e.buf = append(e.buf, byte(n))
		return
	}
	e.buf = append(e.buf, sizeEscapeByte)
	e.WriteInt(int32(n))
}

// WriteString writes a size-prefixed string.
func (e *Encoder) WriteString(s string) {
	e.WriteSize(len(s))
	e.buf = append(e.buf, s...)
}

// WriteBytes writes a size-prefixed byte sequence.
func (e *Encoder) WriteBytes(v []byte) {
	e.WriteSize(len(v))
	e.buf = append(e.buf, v...)
}

// WriteStringSeq writes a size-prefixed sequence of strings.
func (e *Encoder) WriteStringSeq(ss []string) {
	e.WriteSize(len(ss))
	for _, s := range ss {
		e.WriteString(s)
	}
}

// WriteStringDict writes a size-prefixed sequence of key/value pairs, with
// keys in lexicographic order.
func (e *Encoder) WriteStringDict(m map[string]string) {
	e.WriteSize(len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		e.WriteString(k)
		e.WriteString(m[k])
	}
}

// WriteOptional writes the tag header for an optional member with the given
// tag and format. The caller must then write the member value in a layout
// matching f. Within a slice, the slice must have been started with
// hasOptionals set.
func (e *Encoder) WriteOptional(tag int, f Format) {
	if tag < 0 {
		panic(fmt.Sprintf("invalid optional tag %d", tag))
	}
	if tag < maxInlineTag {
		e.buf = append(e.buf, byte(tag<<3)|byte(f))
		return
	}
	e.buf = append(e.buf, byte(maxInlineTag<<3)|byte(f))
	e.WriteSize(tag)
}

// StartSize reserves space for an int32 size and returns its position, to be
// passed to EndSize once the sized content has been written. This is the
// layout of FSize optional members.
func (e *Encoder) StartSize() int {
	pos := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0)
	return pos
}

// EndSize backpatches the size reserved at pos with the number of bytes
// written since.
func (e *Encoder) EndSize(pos int) {
	n := len(e.buf) - pos - 4
	binary.LittleEndian.PutUint32(e.buf[pos:], uint32(n))
}

// WriteOptionalInt writes an optional int member.
func (e *Encoder) WriteOptionalInt(tag int, v int32) {
	e.WriteOptional(tag, F4)
	e.WriteInt(v)
}

// WriteOptionalString writes an optional string member.
func (e *Encoder) WriteOptionalString(tag int, s string) {
	e.WriteOptional(tag, VSize)
	e.WriteString(s)
}

// WriteOptionalStringSeq writes an optional string sequence member.
func (e *Encoder) WriteOptionalStringSeq(tag int, ss []string) {
	e.WriteOptional(tag, FSize)
	pos := e.StartSize()
	e.WriteStringSeq(ss)
	e.EndSize(pos)
}

// StartSlice begins a class or exception slice with the given type ID. The
// last flag must be set on the least-derived slice. If hasOptionals is true,
// the slice may contain optional members, and EndSlice writes an end marker.
func (e *Encoder) StartSlice(typeID string, last, hasOptionals bool) {
	var flags byte
	if hasOptionals {
		flags |= flagHasOptionals
	}
	if last {
		flags |= flagIsLast
	}
	e.buf = append(e.buf, flags)
	e.WriteString(typeID)
	e.slices = append(e.slices, openSlice{sizePos: e.StartSize(), hasOptionals: hasOptionals})
}

// EndSlice ends the slice most recently begun by StartSlice.
func (e *Encoder) EndSlice() {
	if len(e.slices) == 0 {
		panic("EndSlice without StartSlice")
	}
	s := e.slices[len(e.slices)-1]
	e.slices = e.slices[:len(e.slices)-1]
	if s.hasOptionals {
		e.buf = append(e.buf, optionalEnd)
	}
	e.EndSize(s.sizePos)
}

// writeRawSlice writes a preserved slice as it was received, adjusting its
// last flag.
func (e *Encoder) writeRawSlice(s SliceInfo, last bool) {
	var flags byte
	if s.HasOptionals {
		flags |= flagHasOptionals
	}
	if last {
		flags |= flagIsLast
	}
	e.buf = append(e.buf, flags)
	e.WriteString(s.TypeID)
	e.WriteInt(int32(len(s.Data)))
	e.buf = append(e.buf, s.Data...)
}

// WriteValue writes a class value, or a nil marker if v is nil. If v carries
// slices preserved from decoding, they are written ahead of the slices of v.
func (e *Encoder) WriteValue(v Value) {
	if isNil(v) {
		e.buf = append(e.buf, valueNil)
		return
	}
	e.buf = append(e.buf, valuePresent)
	if p, ok := v.(Preserver); ok {
		if sd := p.SlicedData(); sd != nil {
			for _, s := range sd.Slices {
				e.writeRawSlice(s, false)
			}
		}
	}
	v.MarshalSlices(e)
}

// WriteException writes a user exception.
func (e *Encoder) WriteException(x Exception) { x.MarshalSlices(e) }
