// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSent is wrapped by call errors reported before the request was
	// delivered to the channel. Such calls can always be retried.
	ErrNotSent = errors.New("request not sent")

	// ErrConnectionLost is wrapped by call errors reported when the channel
	// failed after the request was sent but before a reply arrived.
	ErrConnectionLost = errors.New("connection lost")

	// ErrClosing is reported for calls attempted on a peer that is shutting
	// down gracefully.
	ErrClosing = errors.New("peer is closing")
)

// resultCoder is an extension interface an error may implement to override the
// result code reported for the error.
type resultCoder interface{ ResultCode() ResultCode }

// resultDataer is an extension interface an error may implement to supply
// the response data reported for the error.
type resultDataer interface{ ResultData() []byte }

// A ResultError is an error carrying a specific result code. A dispatcher
// returns one to report, for example, that no servant exists for a request.
type ResultError struct {
	Code    ResultCode
	Message string
}

// Error satisfies the error interface.
func (e *ResultError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ResultCode reports the result code for e.
func (e *ResultError) ResultCode() ResultCode { return e.Code }

// ResultData encodes the message of e as an ErrorData payload.
func (e *ResultError) ResultData() []byte { return ErrorData{Message: e.Message}.Encode() }

// ObjectNotExist returns an error reporting that no servant exists for a
// request with the given target.
func ObjectNotExist(target, operation string) error {
	return &ResultError{Code: CodeObjectNotExist, Message: fmt.Sprintf("object %q (op %q)", target, operation)}
}

// FacetNotExist returns an error reporting that the target object does not
// have the requested facet.
func FacetNotExist(target, facet, operation string) error {
	return &ResultError{Code: CodeFacetNotExist, Message: fmt.Sprintf("object %q facet %q (op %q)", target, facet, operation)}
}

// OperationNotExist returns an error reporting that the servant does not
// implement the requested operation.
func OperationNotExist(target, operation string) error {
	return &ResultError{Code: CodeOperationNotExist, Message: fmt.Sprintf("object %q has no operation %q", target, operation)}
}

// UserException is an error that delivers an application-defined exception
// to the caller. Data is the encoded exception, which is passed through to
// the caller unmodified as the response data.
type UserException struct {
	Data []byte
}

// Error satisfies the error interface.
func (UserException) Error() string { return "user exception" }

// ResultCode reports CodeUserException.
func (UserException) ResultCode() ResultCode { return CodeUserException }

// ResultData returns the encoded exception.
func (u UserException) ResultData() []byte { return u.Data }

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by the Call method of a
// Peer. For errors arising from a response, the Response field contains the
// complete response message and Err is nil. When the response carries error
// details they are decoded into ErrorData.
type CallError struct {
	ErrorData
	Err      error     // nil for errors reported by the remote peer
	Response *Response // set if the error came from a call response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Result reports the result code of the response for c, or CodeSuccess if
// c did not originate from a response.
func (c *CallError) Result() ResultCode {
	if c.Response == nil {
		return CodeSuccess
	}
	return c.Response.Code
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	switch code := c.Response.Code; code {
	case CodeServiceError:
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	case CodeObjectNotExist, CodeFacetNotExist, CodeOperationNotExist:
		if c.Message != "" {
			return fmt.Sprintf("%s: %s", code, c.Message)
		}
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}

// IsResult reports whether err is a *CallError whose response has the given
// result code.
func IsResult(err error, code ResultCode) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Response != nil && ce.Response.Code == code
}
