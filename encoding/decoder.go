// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is reported when the input ends before a complete value.
var ErrTruncated = errors.New("unexpected end of data")

// A Decoder reads marshaled data.
//
// The read methods do not report errors individually. After the first error,
// subsequent reads return zero values, and Err reports the error. Callers
// should check Err once after reading a group of members.
type Decoder struct {
	data   []byte
	pos    int
	err    error
	reg    *Registry
	slices []curSlice // slices being read, innermost last
	last   bool       // whether the most recently ended slice was last
}

type curSlice struct {
	typeID       string
	end          int
	hasOptionals bool
	last         bool
}

// NewDecoder returns a decoder for data. Class values and exceptions are
// instantiated using factories from reg, which may be nil.
func NewDecoder(data []byte, reg *Registry) *Decoder {
	return &Decoder{data: data, reg: reg}
}

// Err reports the first error encountered by d, or nil.
func (d *Decoder) Err() error { return d.err }

// Remaining reports the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// limit reports the end offset of the current slice, or of the data.
func (d *Decoder) limit() int {
	if n := len(d.slices); n > 0 {
		return d.slices[n-1].end
	}
	return len(d.data)
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	} else if n < 0 || d.pos+n > d.limit() {
		d.fail(fmt.Errorf("offset %d: %w (want %d bytes)", d.pos, ErrTruncated, n))
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

// ReadBool reads a Boolean.
func (d *Decoder) ReadBool() bool {
	b := d.take(1)
	if b == nil {
		return false
	} else if b[0] > 1 {
		d.fail(fmt.Errorf("offset %d: invalid bool %d", d.pos-1, b[0]))
		return false
	}
	return b[0] == 1
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	b := d.take(1)
	if b == nil {
		return 0, d.err
	}
	return b[0], nil
}

// ReadShort reads a 16-bit integer.
func (d *Decoder) ReadShort() int16 {
	if b := d.take(2); b != nil {
		return int16(binary.LittleEndian.Uint16(b))
	}
	return 0
}

// ReadInt reads a 32-bit integer.
func (d *Decoder) ReadInt() int32 {
	if b := d.take(4); b != nil {
		return int32(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// ReadLong reads a 64-bit integer.
func (d *Decoder) ReadLong() int64 {
	if b := d.take(8); b != nil {
		return int64(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// ReadFloat reads a 32-bit IEEE 754 value.
func (d *Decoder) ReadFloat() float32 { return math.Float32frombits(uint32(d.ReadInt())) }

// ReadDouble reads a 64-bit IEEE 754 value.
func (d *Decoder) ReadDouble() float64 { return math.Float64frombits(uint64(d.ReadLong())) }

// ReadSize reads a size.
func (d *Decoder) ReadSize() int {
	b, err := d.ReadByte()
	if err != nil {
		return 0
	} else if b != sizeEscapeByte {
		return int(b)
	}
	n := d.ReadInt()
	if n < 0 {
		d.fail(fmt.Errorf("offset %d: negative size %d", d.pos-4, n))
		return 0
	}
	return int(n)
}

// ReadString reads a size-prefixed string.
func (d *Decoder) ReadString() string { return string(d.take(d.ReadSize())) }

// ReadBytes reads a size-prefixed byte sequence. The result does not alias
// the input.
func (d *Decoder) ReadBytes() []byte {
	b := d.take(d.ReadSize())
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}

// ReadStringSeq reads a size-prefixed sequence of strings.
func (d *Decoder) ReadStringSeq() []string {
	n := d.ReadSize()
	if n > d.limit()-d.pos { // each element takes at least one byte
		d.fail(fmt.Errorf("offset %d: %w (sequence of %d)", d.pos, ErrTruncated, n))
		return nil
	}
	var out []string
	for range n {
		out = append(out, d.ReadString())
	}
	if d.err != nil {
		return nil
	}
	return out
}

// ReadStringDict reads a size-prefixed sequence of key/value pairs.
func (d *Decoder) ReadStringDict() map[string]string {
	n := d.ReadSize()
	if n > (d.limit()-d.pos)/2 {
		d.fail(fmt.Errorf("offset %d: %w (dictionary of %d)", d.pos, ErrTruncated, n))
		return nil
	}
	out := make(map[string]string, n)
	for range n {
		k := d.ReadString()
		out[k] = d.ReadString()
	}
	if d.err != nil {
		return nil
	}
	return out
}

// ReadOptional reports whether an optional member with the given tag is
// present, positioning d to read its value if so. Optional members with
// lower tags that the caller did not ask for are skipped. If the member is
// present with a format other than f, ReadOptional fails.
func (d *Decoder) ReadOptional(tag int, f Format) bool {
	if n := len(d.slices); n > 0 && !d.slices[n-1].hasOptionals {
		return false
	}
	for d.err == nil && d.pos < d.limit() {
		start := d.pos
		b := d.data[d.pos]
		if b == optionalEnd {
			return false
		}
		d.pos++
		t, ft := int(b>>3), Format(b&7)
		if t == maxInlineTag {
			t = d.ReadSize()
		}
		switch {
		case d.err != nil:
			return false
		case t > tag:
			d.pos = start // not present, leave it for a later read
			return false
		case t < tag:
			d.skipOptional(ft)
			continue
		case ft != f:
			d.fail(fmt.Errorf("optional tag %d: format %v, want %v", t, ft, f))
			return false
		}
		return true
	}
	return false
}

func (d *Decoder) skipOptional(f Format) {
	switch f {
	case F1:
		d.take(1)
	case F2:
		d.take(2)
	case F4:
		d.take(4)
	case F8:
		d.take(8)
	case Size:
		d.ReadSize()
	case VSize:
		d.take(d.ReadSize())
	case FSize:
		d.take(int(d.ReadInt()))
	case Class:
		d.ReadValue()
	default:
		d.fail(fmt.Errorf("offset %d: unknown optional format %d", d.pos, f))
	}
}

// ReadOptionalInt reads an optional int member, reporting whether it was
// present.
func (d *Decoder) ReadOptionalInt(tag int) (int32, bool) {
	if !d.ReadOptional(tag, F4) {
		return 0, false
	}
	return d.ReadInt(), d.err == nil
}

// ReadOptionalString reads an optional string member, reporting whether it
// was present.
func (d *Decoder) ReadOptionalString(tag int) (string, bool) {
	if !d.ReadOptional(tag, VSize) {
		return "", false
	}
	return d.ReadString(), d.err == nil
}

// ReadOptionalStringSeq reads an optional string sequence member, reporting
// whether it was present.
func (d *Decoder) ReadOptionalStringSeq(tag int) ([]string, bool) {
	if !d.ReadOptional(tag, FSize) {
		return nil, false
	}
	d.ReadInt() // size, implied by the content
	return d.ReadStringSeq(), d.err == nil
}

// readSliceHeader reads a slice header and reports its fields. The size is
// checked against the enclosing limit.
func (d *Decoder) readSliceHeader() (flags byte, typeID string, size int) {
	flags, _ = d.ReadByte()
	typeID = d.ReadString()
	size = int(d.ReadInt())
	if d.err == nil && (size < 0 || d.pos+size > d.limit()) {
		d.fail(fmt.Errorf("slice %q: invalid size %d", typeID, size))
	}
	return flags, typeID, size
}

// StartSlice begins reading a slice, and returns its type ID. Reads within
// the slice are bounded by its size.
func (d *Decoder) StartSlice() (string, error) {
	flags, typeID, size := d.readSliceHeader()
	if d.err != nil {
		return "", d.err
	}
	d.slices = append(d.slices, curSlice{
		typeID:       typeID,
		end:          d.pos + size,
		hasOptionals: flags&flagHasOptionals != 0,
		last:         flags&flagIsLast != 0,
	})
	return typeID, nil
}

// EndSlice ends the slice most recently begun by StartSlice, skipping any
// members that were not read.
func (d *Decoder) EndSlice() error {
	if len(d.slices) == 0 {
		d.fail(errors.New("EndSlice without StartSlice"))
		return d.err
	}
	s := d.slices[len(d.slices)-1]
	d.slices = d.slices[:len(d.slices)-1]
	if d.err == nil {
		d.pos = s.end
	}
	d.last = s.last
	return d.err
}

// ReadValue reads a class value. If the value is nil, it returns nil.
//
// Slices whose type ID has no factory in the registry are skipped, until a
// slice with a known type is found; that type is instantiated and reads the
// remaining slices. If the value implements Preserver, it receives the
// skipped slices. If no slice has a known type, the result is an
// *UnknownValue.
func (d *Decoder) ReadValue() (Value, error) {
	marker, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case valueNil:
		return nil, nil
	case valuePresent:
	default:
		d.fail(fmt.Errorf("offset %d: invalid value marker %d", d.pos-1, marker))
		return nil, d.err
	}
	v, skipped, err := d.readSliced()
	if err != nil {
		return nil, err
	} else if v == nil {
		return &UnknownValue{SlicedData: SlicedData{Slices: skipped}}, nil
	}
	if p, ok := v.(Preserver); ok && len(skipped) != 0 {
		p.SetSlicedData(&SlicedData{Slices: skipped})
	}
	return v, nil
}

// ReadException reads a user exception. Exceptions with no known type are
// reported as *UnknownUserException.
func (d *Decoder) ReadException() (Exception, error) {
	v, skipped, err := d.readSliced()
	if err != nil {
		return nil, err
	} else if v == nil {
		return &UnknownUserException{UnknownValue{SlicedData: SlicedData{Slices: skipped}}}, nil
	}
	x, ok := v.(Exception)
	if !ok {
		d.fail(fmt.Errorf("type %q is not an exception", v.TypeID()))
		return nil, d.err
	}
	return x, nil
}

// readSliced reads the slices of a value or exception. It returns either
// the instantiated value, or nil and every slice if no type was known.
func (d *Decoder) readSliced() (Value, []SliceInfo, error) {
	var skipped []SliceInfo
	for {
		start := d.pos
		flags, typeID, size := d.readSliceHeader()
		if d.err != nil {
			return nil, nil, d.err
		}
		if f := d.reg.Lookup(typeID); f != nil {
			v := f()
			d.pos = start
			d.last = false
			if err := v.UnmarshalSlices(d); err != nil {
				d.fail(fmt.Errorf("unmarshal %q: %w", typeID, err))
				return nil, nil, d.err
			}
			if !d.last {
				d.skipSlices()
			}
			return v, skipped, d.err
		}
		skipped = append(skipped, SliceInfo{
			TypeID:       typeID,
			HasOptionals: flags&flagHasOptionals != 0,
			Data:         bytes.Clone(d.data[d.pos : d.pos+size]),
		})
		d.pos += size
		if flags&flagIsLast != 0 {
			return nil, skipped, nil
		}
	}
}

// skipSlices skips slices through the next slice marked last.
func (d *Decoder) skipSlices() {
	for d.err == nil {
		flags, _, size := d.readSliceHeader()
		d.take(size)
		if flags&flagIsLast != 0 {
			return
		}
	}
}
