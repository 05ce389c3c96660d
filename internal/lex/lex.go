// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package lex splits proxy and endpoint strings into tokens.
package lex

import (
	"errors"
	"strings"
)

// Fields splits s into whitespace-separated fields. A field may be enclosed
// in single or double quotes to include whitespace; within double quotes a
// backslash escapes the following quote or backslash.
func Fields(s string) ([]string, error) {
	var out []string
	var cur strings.Builder
	inField := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			end, val, err := quoted(s, i)
			if err != nil {
				return nil, err
			}
			cur.WriteString(val)
			inField = true
			i = end
		case isSpace(c):
			if inField {
				out = append(out, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteByte(c)
			inField = true
		}
	}
	if inField {
		out = append(out, cur.String())
	}
	return out, nil
}

// quoted parses a quoted string starting at s[i], and returns the offset of
// the closing quote and the unquoted contents.
func quoted(s string, i int) (int, string, error) {
	q := s[i]
	var sb strings.Builder
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		if c == q {
			return j, sb.String(), nil
		} else if c == '\\' && q == '"' && j+1 < len(s) && (s[j+1] == '"' || s[j+1] == '\\') {
			j++
			c = s[j]
		}
		sb.WriteByte(c)
	}
	return 0, "", errors.New("unterminated quoted string")
}

// Split splits s at each occurrence of sep that is outside quotes. The
// quotes are retained in the result.
func Split(s string, sep byte) ([]string, error) {
	var out []string
	start := 0
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
		case c == sep:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if q != 0 {
		return nil, errors.New("unterminated quoted string")
	}
	return append(out, s[start:]), nil
}

// Quote returns s quoted with double quotes if it is empty or contains
// whitespace, quotes, or any of the characters in special.
func Quote(s, special string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\r\"'"+special) {
		return s
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
