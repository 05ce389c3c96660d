// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package floe

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"
)

func TestUTF8Truncation(t *testing.T) {
	tests := []struct {
		input string
		size  int
		want  string
	}{
		{"", 1000, ""},                 // n > length
		{"abc", 4, "abc"},              // n > length
		{"abc", 3, "abc"},              // n == length
		{"abcdefg", 4, "abcd"},         // n < length, safe
		{"abcdefg", 0, ""},             // n < length, safe
		{"abc\U0001fc2d", 3, "abc"},    // n < length, at boundary
		{"abc\U0001fc2d", 4, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 5, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 6, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2defg", 7, "abc"}, // n < length, cut multibyte
	}

	for _, tc := range tests {
		got := truncate(tc.input, tc.size)
		if got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.input, tc.size, got, tc.want)
		}

		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d): result %q is not valid UTF-8", tc.input, tc.size, got)
		}
	}
}

func TestEncodeResult(t *testing.T) {
	req := &Request{RequestID: 3, Operation: "op"}
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		data []byte
		err  error
		want ResultCode
	}{
		{"Success", live, []byte("ok"), nil, CodeSuccess},
		{"ContextEnded", done, []byte("ok"), nil, CodeCanceled},
		{"Canceled", live, nil, context.Canceled, CodeCanceled},
		{"Deadline", live, nil, context.DeadlineExceeded, CodeCanceled},
		{"WrappedCanceled", live, nil, errors.Join(context.Canceled), CodeServiceError},
		{"Plain", live, nil, errors.New("bad"), CodeServiceError},
		{"ResultError", live, nil, OperationNotExist("x", "op"), CodeOperationNotExist},
		{"UserException", live, nil, UserException{Data: []byte("u")}, CodeUserException},
		{"ErrorData", live, nil, ErrorData{Code: 2}, CodeServiceError},
	}
	for _, tc := range tests {
		rsp := encodeResult(tc.ctx, req, tc.data, tc.err)
		if rsp.RequestID != req.RequestID {
			t.Errorf("%s: request ID %d, want %d", tc.name, rsp.RequestID, req.RequestID)
		}
		if rsp.Code != tc.want {
			t.Errorf("%s: code %v, want %v", tc.name, rsp.Code, tc.want)
		}
		if tc.want == CodeSuccess && string(rsp.Data) != string(tc.data) {
			t.Errorf("%s: data %q, want %q", tc.name, rsp.Data, tc.data)
		}
	}
}
