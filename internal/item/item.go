// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// (at your option) any later version.

// Package item defines Item paths — the stable, order-sensitive identifier
// every indexed entity (module, function, struct, ...) is keyed by.
//
// Grounded on the ast package's path nodes (PathType, PathExpr, UseDecl):
// the query engine builds an Item for every declaration it indexes by
// walking the same module-nesting the parser already recorded.
package item

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// ComponentKind distinguishes the three path component shapes from spec §3.
type ComponentKind int

const (
	// Crate names the root of a dependency graph (e.g. the current module).
	Crate ComponentKind = iota
	// Name is an ordinary identifier component.
	Name
	// Id is an anonymous scope: a closure or block, numbered by source order.
	Id
)

// Component is one segment of an Item path.
type Component struct {
	Kind ComponentKind
	Str  string // set for Crate/Name
	Num  uint32 // set for Id
}

// Item is an ordered sequence of path Components, e.g. `crate::a::hidden`.
type Item struct {
	Components []Component
}

// Root returns the Item naming only the crate.
func Root(crate string) Item {
	return Item{Components: []Component{{Kind: Crate, Str: crate}}}
}

// Child returns a new Item appending a Name component.
func (it Item) Child(name string) Item {
	out := make([]Component, len(it.Components), len(it.Components)+1)
	copy(out, it.Components)
	out = append(out, Component{Kind: Name, Str: name})
	return Item{Components: out}
}

// ChildAnon returns a new Item appending an anonymous Id component (used for
// closures and blocks, numbered in source order within their parent scope).
func (it Item) ChildAnon(n uint32) Item {
	out := make([]Component, len(it.Components), len(it.Components)+1)
	copy(out, it.Components)
	out = append(out, Component{Kind: Id, Num: n})
	return Item{Components: out}
}

// Parent returns the Item with its last component removed, and whether one
// existed to remove.
func (it Item) Parent() (Item, bool) {
	if len(it.Components) == 0 {
		return it, false
	}
	return Item{Components: it.Components[:len(it.Components)-1]}, true
}

// Last returns the final component, or the zero Component if empty.
func (it Item) Last() Component {
	if len(it.Components) == 0 {
		return Component{}
	}
	return it.Components[len(it.Components)-1]
}

// String renders the item as `a::b::c`, matching the source syntax.
func (it Item) String() string {
	parts := make([]string, len(it.Components))
	for i, c := range it.Components {
		switch c.Kind {
		case Crate:
			parts[i] = c.Str
		case Name:
			parts[i] = c.Str
		case Id:
			parts[i] = "$" + strconv.FormatUint(uint64(c.Num), 10)
		}
	}
	return strings.Join(parts, "::")
}

// Equals reports structural equality between two Items.
func (it Item) Equals(other Item) bool {
	if len(it.Components) != len(other.Components) {
		return false
	}
	for i := range it.Components {
		a, b := it.Components[i], other.Components[i]
		if a.Kind != b.Kind || a.Str != b.Str || a.Num != b.Num {
			return false
		}
	}
	return true
}

// Encode produces the canonical binary encoding used as hash input.
// Each component is tag(1) + either a length-prefixed string or a
// varint-free fixed uint32, so distinct Items never collide on encoding.
func (it Item) Encode() []byte {
	buf := make([]byte, 0, 16*len(it.Components))
	for _, c := range it.Components {
		buf = append(buf, byte(c.Kind))
		switch c.Kind {
		case Crate, Name:
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(c.Str)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, c.Str...)
		case Id:
			var numBuf [4]byte
			binary.LittleEndian.PutUint32(numBuf[:], c.Num)
			buf = append(buf, numBuf[:]...)
		}
	}
	return buf
}
