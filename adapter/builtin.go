// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package adapter

import (
	"context"
	"slices"

	"github.com/creachadair/floe/encoding"
)

// ObjectTypeID is the type ID implemented by every object.
const ObjectTypeID = "::Ice::Object"

// Names of the built-in operations answered for every servant.
const (
	OpPing = "ice_ping"
	OpIsA  = "ice_isA"
	OpID   = "ice_id"
	OpIDs  = "ice_ids"
)

// builtins wraps a servant to answer the built-in operations. Other
// operations are passed through.
type builtins struct{ Servant }

func (b builtins) Dispatch(ctx context.Context, cur *Current, in []byte) ([]byte, error) {
	switch cur.Operation {
	case OpPing:
		return nil, nil
	case OpIsA:
		d := encoding.NewDecoder(in, nil)
		want := d.ReadString()
		if err := d.Err(); err != nil {
			return nil, err
		}
		e := encoding.NewEncoder()
		e.WriteBool(slices.Contains(TypeIDs(b.Servant), want))
		return e.Bytes(), nil
	case OpID:
		e := encoding.NewEncoder()
		e.WriteString(TypeIDs(b.Servant)[0])
		return e.Bytes(), nil
	case OpIDs:
		ids := slices.Clone(TypeIDs(b.Servant))
		slices.Sort(ids)
		e := encoding.NewEncoder()
		e.WriteStringSeq(ids)
		return e.Bytes(), nil
	}
	return b.Servant.Dispatch(ctx, cur, in)
}

// TypeIDs reports the type IDs of s, most-derived first. The result always
// ends with ObjectTypeID.
func TypeIDs(s Servant) []string {
	var ids []string
	if t, ok := s.(Typed); ok {
		ids = t.TypeIDs()
	}
	if !slices.Contains(ids, ObjectTypeID) {
		ids = append(slices.Clip(ids), ObjectTypeID)
	}
	return ids
}
