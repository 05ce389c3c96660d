// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package identity defines the identity of a remote object.
//
// An identity is a name qualified by an optional category. The string form is
// "category/name", or just "name" when the category is empty. A "/" or "\"
// that is part of a name or category is escaped with a backslash, as are
// quotes and non-printing characters.
package identity

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
)

// An Identity names an object within an object adapter.
type Identity struct {
	Name     string
	Category string
}

// New constructs an identity with the given name and category.
func New(name, category string) Identity { return Identity{Name: name, Category: category} }

// IsZero reports whether id is the zero identity, which names no object.
func (id Identity) IsZero() bool { return id.Name == "" && id.Category == "" }

// String returns the escaped string form of id.
func (id Identity) String() string {
	if id.Category == "" {
		return escape(id.Name)
	}
	return escape(id.Category) + "/" + escape(id.Name)
}

// Compare orders identities by category, then by name.
func Compare(a, b Identity) int {
	if c := cmp.Compare(a.Category, b.Category); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

// ErrEmptyName is reported by Parse for an identity with no name.
var ErrEmptyName = errors.New("identity has an empty name")

// Parse parses the string form of an identity.
func Parse(s string) (Identity, error) {
	slash := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++ // skip the escaped character
		case '/':
			if slash >= 0 {
				return Identity{}, fmt.Errorf("identity %q has more than one unescaped '/'", s)
			}
			slash = i
		}
	}

	var id Identity
	var err error
	if slash < 0 {
		id.Name, err = unescape(s)
	} else {
		if id.Category, err = unescape(s[:slash]); err == nil {
			id.Name, err = unescape(s[slash+1:])
		}
	}
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: %w", s, err)
	} else if id.Name == "" {
		return Identity{}, ErrEmptyName
	}
	return id, nil
}

// MustParse is as Parse, but panics if s is invalid.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func escape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '/', '\\', '\'', '"':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&sb, `\%03o`, c)
			} else {
				sb.WriteByte(c)
			}
		}
	}
	return sb.String()
}

func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", errors.New("trailing backslash")
		}
		switch c := s[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case '0', '1', '2', '3':
			if i+3 > len(s) {
				return "", fmt.Errorf("short octal escape at offset %d", i-1)
			}
			var v byte
			for _, d := range []byte(s[i : i+3]) {
				if d < '0' || d > '7' {
					return "", fmt.Errorf("invalid octal digit %q at offset %d", d, i-1)
				}
				v = v*8 + (d - '0')
			}
			sb.WriteByte(v)
			i += 2
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}
