// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/creachadair/floe/identity"
	"github.com/creachadair/floe/packet"
)

// Packet is the parsed format of a floe v0 packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'F', 'L', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err == io.EOF {
		return 0, err // clean close between packets
	} else if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "FL" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", m)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can Cancel
		if err := can.Decode(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(p.Payload); err == nil {
			pay = rsp.String()
		}
	case PacketBatch:
		var b Batch
		if err := b.Decode(p.Payload); err == nil {
			pay = fmt.Sprintf("Batch(%d requests)", len(b.Requests))
		}
	case PacketHeartbeat, PacketClose:
		pay = "-"
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(FL%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a floe v0 packet.
//
// All packet type values from 0 to 127 inclusive are reserved by the protocol.
// Packet type values from 128-255 are reserved for use by the implementation.
type PacketType byte

const (
	PacketRequest   PacketType = 2 // The initial request for a call
	PacketCancel    PacketType = 3 // A cancellation signal for a pending call
	PacketResponse  PacketType = 4 // The final response from a call
	PacketBatch     PacketType = 5 // A batch of oneway requests
	PacketHeartbeat PacketType = 6 // Keep-alive, updates activity timers only
	PacketClose     PacketType = 7 // Graceful close notification

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	case PacketBatch:
		return "BATCH"
	case PacketHeartbeat:
		return "HEARTBEAT"
	case PacketClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Mode is the invocation mode of a request.
type Mode byte

const (
	ModeTwoway      Mode = 0 // the caller waits for a response
	ModeOneway      Mode = 1 // no response is sent
	ModeBatchOneway Mode = 2 // queued by the caller and sent in a batch

	modeMask       = 0x03
	flagIdempotent = 0x04
)

func (m Mode) String() string {
	switch m {
	case ModeTwoway:
		return "twoway"
	case ModeOneway:
		return "oneway"
	case ModeBatchOneway:
		return "batch-oneway"
	default:
		return fmt.Sprintf("mode %d", byte(m))
	}
}

// Request is the payload format for a floe v0 request packet.
//
// A request with RequestID 0 is oneway, and the receiver does not reply.
type Request struct {
	RequestID  uint32
	Mode       Mode
	Idempotent bool // the operation may safely be retried
	Identity   identity.Identity
	Facet      string
	Operation  string
	Context    map[string]string
	Data       []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	var b packet.Builder
	b.Grow(5 + packet.VLen(len(r.Identity.Name)) + packet.VLen(len(r.Identity.Category)) +
		packet.VLen(len(r.Facet)) + packet.VLen(len(r.Operation)) + 1 + len(r.Data))
	b.Uint32(r.RequestID)
	flags := byte(r.Mode) & modeMask
	if r.Idempotent {
		flags |= flagIdempotent
	}
	b.Put(flags)
	b.VPutString(r.Identity.Name)
	b.VPutString(r.Identity.Category)
	b.VPutString(r.Facet)
	b.VPutString(r.Operation)
	b.VPutMap(r.Context)
	b.Put(r.Data...)
	return b.Bytes()
}

// Decode decodes data into a floe v0 request payload.
func (r *Request) Decode(data []byte) error {
	if len(data) < 5 { // 4 request ID, 1 mode
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	r.RequestID, _ = s.Uint32()
	flags, _ := s.Byte()
	if flags&^(modeMask|flagIdempotent) != 0 || Mode(flags&modeMask) > ModeBatchOneway {
		return fmt.Errorf("invalid request flags %#x", flags)
	}
	r.Mode = Mode(flags & modeMask)
	r.Idempotent = flags&flagIdempotent != 0

	var err error
	for _, f := range []*string{&r.Identity.Name, &r.Identity.Category, &r.Facet, &r.Operation} {
		if *f, err = s.VString(); err != nil {
			return fmt.Errorf("invalid request header: %w", err)
		}
	}
	if r.Context, err = s.VMap(); err != nil {
		return fmt.Errorf("invalid request context: %w", err)
	}
	if rest := s.Rest(); len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	id := r.Identity.String()
	if r.Facet != "" {
		id += " -f " + r.Facet
	}
	return fmt.Sprintf("Request(ID=%v, %v, %s, Op=%q, Data=%+v)", r.RequestID, r.Mode, id, r.Operation, r.Data)
}

// Batch is the payload format for a floe v0 batch packet. Each request in a
// batch is oneway.
type Batch struct {
	Requests []*Request
}

// Encode encodes the batch in binary format.
func (b Batch) Encode() []byte {
	var pb packet.Builder
	pb.Vint30(uint32(len(b.Requests)))
	for _, req := range b.Requests {
		cp := *req
		cp.RequestID = 0
		pb.VPut(cp.Encode())
	}
	return pb.Bytes()
}

// Decode decodes data into a floe v0 batch payload.
func (b *Batch) Decode(data []byte) error {
	s := packet.NewScanner(data)
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("invalid batch count: %w", err)
	}
	b.Requests = make([]*Request, 0, min(n, 256))
	for i := range n {
		raw, err := packet.VGet[[]byte](s)
		if err != nil {
			return fmt.Errorf("batch request %d: %w", i, err)
		}
		req := new(Request)
		if err := req.Decode(raw); err != nil {
			return fmt.Errorf("batch request %d: %w", i, err)
		} else if req.RequestID != 0 {
			return fmt.Errorf("batch request %d has non-zero ID %d", i, req.RequestID)
		}
		b.Requests = append(b.Requests, req)
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data after batch (%d bytes)", s.Len())
	}
	return nil
}

// Response is the payload format for a floe v0 response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	buf := make([]byte, 5+len(r.Data)) // 4 request ID, 1 code
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	buf[4] = byte(r.Code)
	copy(buf[5:], r.Data)
	return buf
}

// Decode decodes data into a floe v0 response payload.
func (r *Response) Decode(data []byte) error {
	if len(data) < 5 { // 4 request ID, 1 code
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.Code = ResultCode(data[4])
	if r.Code > maxResultCode {
		return fmt.Errorf("invalid result code %d", r.Code)
	}
	if len(data[5:]) > 0 {
		r.Data = data[5:]
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Code.hasErrorData() {
		var ed ErrorData
		if ed.Decode(r.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		if len(r.Data) > 16 {
			data = fmt.Sprintf("Data=%+v ...", r.Data[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", r.Data)
		}
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, data)
}

// ResultCode describes the result status of a completed call.  All result
// codes not defined here are reserved for future use by the protocol.
type ResultCode byte

const (
	CodeSuccess           ResultCode = 0 // Call completed successfully
	CodeObjectNotExist    ResultCode = 1 // No servant for the identity
	CodeFacetNotExist     ResultCode = 2 // Identity exists, but not the facet
	CodeOperationNotExist ResultCode = 3 // Servant does not implement the operation
	CodeDuplicateID       ResultCode = 4 // Duplicate request ID
	CodeCanceled          ResultCode = 5 // Call was canceled
	CodeUserException     ResultCode = 6 // Servant raised a user exception; data is the encoded exception
	CodeServiceError      ResultCode = 7 // Call failed due to a local error in the callee

	maxResultCode = CodeServiceError
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeObjectNotExist:
		return "OBJECT_NOT_EXIST"
	case CodeFacetNotExist:
		return "FACET_NOT_EXIST"
	case CodeOperationNotExist:
		return "OPERATION_NOT_EXIST"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeUserException:
		return "USER_EXCEPTION"
	case CodeServiceError:
		return "SERVICE_ERROR"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// hasErrorData reports whether responses with code c carry an ErrorData.
func (c ResultCode) hasErrorData() bool {
	switch c {
	case CodeObjectNotExist, CodeFacetNotExist, CodeOperationNotExist, CodeServiceError:
		return true
	}
	return false
}

// Cancel is the payload format for a floe v0 cancel request packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancel request data in binary format.
func (c Cancel) Encode() []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.RequestID)
	return buf[:]
}

// Decode decodes data into a floe v0 cancel payload.
func (c *Cancel) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// ErrorData is the response data format for an error response.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. This can be used by dispatchers to control the error code and
// auxiliary data reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, 65535)
	mlen := len(msg)

	buf := make([]byte, 4+mlen+len(e.Data)) // 2 code, 2 length
	binary.BigEndian.PutUint16(buf[0:], e.Code)
	binary.BigEndian.PutUint16(buf[2:], uint16(mlen))
	copy(buf[4:], msg)
	copy(buf[4+mlen:], e.Data)
	return buf
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes, that does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n-1]&0xc0 == 0x80 { // continuation byte
		n--
	}
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // start of a multi-byte encoding
		n--
	}
	return s[:n]
}

// Decode decodes data into a floe v0 error data payload.
func (e *ErrorData) Decode(data []byte) error {
	// An empty message is accepted as encoding empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	} else if len(data) < 4 {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}

	mlen := int(binary.BigEndian.Uint16(data[2:]))
	if 4+mlen > len(data) {
		return fmt.Errorf("error message truncated (%d > %d bytes)", 4+mlen, len(data))
	}
	msg := data[4 : 4+mlen]
	if !utf8.Valid(msg) {
		return fmt.Errorf("error message is not valid UTF-8")
	}
	e.Code = binary.BigEndian.Uint16(data[0:])
	e.Message = string(msg)
	if d := data[4+mlen:]; len(d) != 0 {
		e.Data = d
	} else {
		e.Data = nil
	}
	return nil
}
