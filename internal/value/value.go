// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// (at your option) any later version.

// Package value implements the tagged runtime Value union of spec.md §3.
//
// This replaces the teacher's static compile-time Type/Kind checker
// (lang/types/types.go) entirely: per spec §1's Non-goal, the core never
// performs static type checking — values carry runtime type tags only.
// What the teacher's Kind/Size accounting did for register allocation, the
// Tag enum here does for runtime dispatch instead.
package value

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/aster-lang/aster/internal/hash"
)

// Tag identifies which arm of the Value union a Value currently holds.
type Tag uint8

const (
	TagUnit Tag = iota
	TagBool
	TagByte
	TagChar
	TagInteger
	TagFloat
	TagType // Hash of a type, used by IsValue / protocol dispatch

	// Shared (heap, refcounted, borrow-checked) variants.
	TagString
	TagBytes
	TagVec
	TagTuple
	TagObject
	TagRange
	TagFuture
	TagStream
	TagGenerator
	TagGeneratorState
	TagFunction
	TagFormat
	TagIterator
	TagAny
)

var tagNames = [...]string{
	TagUnit: "unit", TagBool: "bool", TagByte: "byte", TagChar: "char",
	TagInteger: "integer", TagFloat: "float", TagType: "type",
	TagString: "string", TagBytes: "bytes", TagVec: "vec", TagTuple: "tuple",
	TagObject: "object", TagRange: "range", TagFuture: "future",
	TagStream: "stream", TagGenerator: "generator",
	TagGeneratorState: "generator_state", TagFunction: "function",
	TagFormat: "format", TagIterator: "iterator", TagAny: "any",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", t)
}

// IsShared reports whether values of this Tag live in a refcounted Cell.
func (t Tag) IsShared() bool {
	return t >= TagString
}

// Value is the tagged union every VM register and stack slot holds.
//
// Immediate tags (Unit..Type) store their payload inline; shared tags carry
// a pointer into a Cell so that host-held references can outlive the VM
// frame that produced them, guarded by the Cell's borrow state.
type Value struct {
	Tag  Tag
	i    int64   // Bool(0/1), Byte, Char (rune), Integer, Type (hash.Hash)
	f    float64 // Float
	cell *Cell
}

// Unit is the singleton unit value.
var Unit = Value{Tag: TagUnit}

func Bool(b bool) Value {
	if b {
		return Value{Tag: TagBool, i: 1}
	}
	return Value{Tag: TagBool, i: 0}
}

func Byte(b byte) Value       { return Value{Tag: TagByte, i: int64(b)} }
func Char(r rune) Value       { return Value{Tag: TagChar, i: int64(r)} }
func Integer(n int64) Value   { return Value{Tag: TagInteger, i: n} }
func Float(f float64) Value   { return Value{Tag: TagFloat, f: f} }
func TypeValue(h hash.Hash) Value { return Value{Tag: TagType, i: int64(h)} }

func (v Value) AsBool() bool       { return v.i != 0 }
func (v Value) AsByte() byte       { return byte(v.i) }
func (v Value) AsChar() rune       { return rune(v.i) }
func (v Value) AsInteger() int64   { return v.i }
func (v Value) AsFloat() float64   { return v.f }
func (v Value) AsTypeHash() hash.Hash { return hash.Hash(v.i) }

// Truthy reports the value's boolean interpretation for branch instructions.
func (v Value) Truthy() bool {
	switch v.Tag {
	case TagUnit:
		return false
	case TagBool:
		return v.i != 0
	case TagInteger:
		return v.i != 0
	default:
		return true
	}
}

// Cell returns the underlying shared cell, or nil for an immediate value.
func (v Value) Cell() *Cell { return v.cell }

// newShared wraps payload in a fresh Cell with refcount 1 and returns a
// Value referencing it.
func newShared(tag Tag, payload interface{}) Value {
	return Value{Tag: tag, cell: &Cell{refCount: 1, Data: payload}}
}

func NewString(s string) Value           { return newShared(TagString, s) }
func NewBytes(b []byte) Value            { return newShared(TagBytes, b) }
func NewVec(elems []Value) Value         { return newShared(TagVec, &Vec{Elems: elems}) }
func NewTuple(elems []Value) Value       { return newShared(TagTuple, &Vec{Elems: elems}) }
func NewObject(fields map[string]Value) Value {
	return newShared(TagObject, &Object{Fields: fields})
}
func NewRange(start, end Value, inclusive bool) Value {
	return newShared(TagRange, &Range{Start: start, End: end, Inclusive: inclusive})
}
func NewAny(typeHash hash.Hash, data interface{}) Value {
	return newShared(TagAny, &Any{TypeHash: typeHash, Data: data})
}

// NewFunction wraps a closure's VM-defined state (captured registers plus
// the hash of the function it invokes); opaque to this package by design,
// since only internal/vm knows how to drive one.
func NewFunction(state interface{}) Value { return newShared(TagFunction, state) }

// NewGenerator wraps a generator's VM-defined suspended-frame state.
func NewGenerator(state interface{}) Value { return newShared(TagGenerator, state) }

// NewFuture wraps an async function's VM-defined suspended-frame state.
func NewFuture(state interface{}) Value { return newShared(TagFuture, state) }

// NewStream wraps an async-generator's VM-defined suspended-frame state.
func NewStream(state interface{}) Value { return newShared(TagStream, state) }

// NewIterator wraps a host- or VM-defined iterator, reached via the
// INTO_ITER/NEXT protocols.
func NewIterator(state interface{}) Value { return newShared(TagIterator, state) }

// State returns the opaque payload of a Function/Generator/Future/Stream/
// Iterator value, for the owning package (internal/vm) to type-assert back
// to its own state struct.
func (v Value) State() interface{} {
	if v.cell == nil {
		return nil
	}
	return v.cell.Data
}

// Vec backs both Vec and Tuple values; the two differ only in Tag, matching
// spec §3's list of shared variants without duplicating storage logic.
type Vec struct {
	Elems []Value
}

// Object backs Object values; fields are keyed by name (FieldKey in
// spec §4.5's LoadField{hash} is resolved to a name at compile time by the
// assembler before the VM ever sees this map).
type Object struct {
	Fields map[string]Value
}

// Range backs Range values.
type Range struct {
	Start, End Value
	Inclusive  bool
}

// Any wraps a host-owned value that has no native Value representation,
// tagged with its type_hash so protocol dispatch can still resolve methods
// against it (spec §3's `Any(hash, type_erased)`).
type Any struct {
	TypeHash hash.Hash
	Data     interface{}
}

// Dump renders a value tree for VM tracing via go-spew, matching the
// teacher's preference for a structural dumper over ad hoc %+v formatting.
func Dump(v Value) string {
	switch v.Tag {
	case TagString:
		return spew.Sdump(v.cell.Data.(string))
	case TagBytes:
		return spew.Sdump(v.cell.Data.([]byte))
	case TagVec, TagTuple:
		return spew.Sdump(v.cell.Data.(*Vec).Elems)
	case TagObject:
		return spew.Sdump(v.cell.Data.(*Object).Fields)
	case TagAny:
		return spew.Sdump(v.cell.Data.(*Any).Data)
	default:
		return spew.Sdump(v)
	}
}
