// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a concurrency-safe mapping from string names to
// values. It is used to register class factories by type ID and operation
// handlers by operation name.
//
// # Usage
//
// Construct a new empty catalog and add entries to it:
//
//	cat := catalog.New[Factory]().Set("::Demo::Base", newBase)
//
// Set replaces any existing entry. To add an entry only if the name is not
// already present, use Add:
//
//	if err := cat.Add("::Demo::Derived", newDerived); err != nil {
//	   // the name was already registered
//	}
//
// To recover an entry, use Lookup:
//
//	f, ok := cat.Lookup("::Demo::Base")
//
// Names reports the registered names in lexicographic order, so that
// listings derived from a catalog are stable.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrDuplicate is reported by Add when the name is already registered.
var ErrDuplicate = errors.New("name already registered")

// A Catalog maps string names to values of type T. A zero Catalog is ready
// for use. A Catalog must not be copied after first use.
type Catalog[T any] struct {
	μ     sync.RWMutex
	items map[string]T
}

// New creates a new empty catalog.
func New[T any]() *Catalog[T] { return &Catalog[T]{items: make(map[string]T)} }

// Set maps name to v in c, and returns c to allow chaining. If name was
// already mapped in c, the existing mapping is replaced.
func (c *Catalog[T]) Set(name string, v T) *Catalog[T] {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.items == nil {
		c.items = make(map[string]T)
	}
	c.items[name] = v
	return c
}

// Add maps name to v in c if name is not already present. Otherwise it
// reports an error wrapping ErrDuplicate.
func (c *Catalog[T]) Add(name string, v T) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if _, ok := c.items[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	if c.items == nil {
		c.items = make(map[string]T)
	}
	c.items[name] = v
	return nil
}

// Lookup returns the value mapped to name, and reports whether it was found.
func (c *Catalog[T]) Lookup(name string) (T, bool) {
	c.μ.RLock()
	defer c.μ.RUnlock()
	v, ok := c.items[name]
	return v, ok
}

// Remove removes the mapping for name, and reports whether it was present.
func (c *Catalog[T]) Remove(name string) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	_, ok := c.items[name]
	delete(c.items, name)
	return ok
}

// Len reports the number of names mapped by c.
func (c *Catalog[T]) Len() int {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return len(c.items)
}

// Names returns the names mapped by c in lexicographic order.
func (c *Catalog[T]) Names() []string {
	c.μ.RLock()
	defer c.μ.RUnlock()
	return slices.Sorted(maps.Keys(c.items))
}
