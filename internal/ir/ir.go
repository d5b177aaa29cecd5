// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ir defines the SSA-form Intermediate Representation for Aster.
//
// The IR is a static single assignment (SSA) form that serves as the bridge
// between the AST and bytecode generation. It enables standard compiler
// optimizations like constant propagation, dead code elimination, and
// common subexpression elimination. Per spec.md §1's Non-goal, nothing here
// performs static type checking — TypeRef is an advisory hint the assembler
// may use to pick a faster instruction encoding, never a correctness check.
package ir

import (
	"fmt"

	"github.com/aster-lang/aster/internal/hash"
)

// Program is a complete IR program.
type Program struct {
	Functions []*Function
	Constants []Constant
	Types     []TypeDef
}

// Function represents a single function in SSA form.
type Function struct {
	Name       string
	Kind       FnKind
	Hash       hash.Hash // type_hash of this function's Item, its call target
	Params     []Value
	ReturnType TypeRef
	Blocks     []*BasicBlock
	Locals     int // number of local values allocated

	// Captures lists the outer-scope values this function closes over, in
	// capture order; empty for top-level functions. Populated by the
	// assembler's closure-capture analysis (spec §4.4).
	Captures []CaptureInfo
}

// FnKind mirrors ast.FnKind's suspension classification, carried into the IR
// so the assembler can choose Call vs. Future/Generator construction.
type FnKind int

const (
	FnPlain FnKind = iota
	FnAsync
	FnGenerator
	FnAsyncGenerator
)

// CaptureInfo records one closure capture: whether it moves the captured
// binding or takes a shared reference to it.
type CaptureInfo struct {
	Name string
	Move bool
}

// BasicBlock is a straight-line sequence of instructions with a terminator.
type BasicBlock struct {
	Label        string
	Instructions []*Instruction
	Terminator   Terminator
	Preds        []*BasicBlock
	Succs        []*BasicBlock
}

// Value represents an SSA value (virtual register).
type Value struct {
	ID   int
	Type TypeRef
	Name string // optional debug name
}

func (v Value) String() string {
	if v.Name != "" {
		return fmt.Sprintf("%%%s", v.Name)
	}
	return fmt.Sprintf("%%v%d", v.ID)
}

// TypeRef references a type by index into Program.Types. It is advisory:
// the VM never consults it, since every Value carries its own runtime Tag.
type TypeRef int

// Predefined type refs, matching value.Tag's immediate variants.
const (
	TypeUnit TypeRef = iota
	TypeBool
	TypeByte
	TypeChar
	TypeInteger
	TypeFloat
	TypeString
	TypeBytes
	TypeAny
)

// TypeDef defines a struct/enum type for debug info and reflection.
type TypeDef struct {
	Name   string
	Kind   TypeKind
	Fields []FieldDef
}

// TypeKind categorizes type definitions.
type TypeKind int

const (
	TypeKindStruct TypeKind = iota
	TypeKindEnum
	TypeKindProtocol
)

// FieldDef defines a struct field.
type FieldDef struct {
	Name string
	Type TypeRef
}

// Constant represents a compile-time constant in the function's pool.
type Constant struct {
	Type  TypeRef
	Value interface{} // int64, float64, string, []byte, bool
}

// Op is an SSA instruction opcode.
type Op int

const (
	// Arithmetic
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg

	// Bitwise
	OpBitAnd
	OpBitOr
	OpBitXor
	OpBitNot
	OpShl
	OpShr

	// Comparison
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte

	// Logical
	OpLogAnd
	OpLogOr
	OpLogNot

	// Memory / fields
	OpFieldGet // read a named field from a struct/object Value
	OpFieldSet // write a named field
	OpIndexGet // INDEX_GET protocol dispatch, or fast-path Vec/Tuple index
	OpIndexSet // INDEX_SET protocol dispatch, or fast-path Vec index

	// Literal constructors
	OpConst      // load constant from the pool
	OpMakeVec    // build a Vec from N operands
	OpMakeTuple  // build a Tuple from N operands
	OpMakeObject // build an Object from named fields (FieldNames parallel to Operands)
	OpMakeRange  // build a Range from (start, end)

	// Value ops
	OpCopy // explicit shared copy (retains the cell)
	OpMove // move value (the source SSA name is never read again)
	OpDrop // release a reference, per spec §3's refcount discipline
	OpPhi  // SSA phi function

	// Calls
	OpCall         // call a statically-known function by hash
	OpCallInstance // protocol-dispatch call: instance_hash(type_hash(recv), hash)
	OpClosure      // construct a closure Value capturing Operands by CaptureInfo

	// Suspension (spec §4.5)
	OpAwait     // suspend until a Future resolves
	OpYield     // suspend a generator, producing a value
	OpYieldUnit // suspend a generator, producing Unit

	// Error handling (spec §4.5)
	OpTry    // `expr?` — unwrap Ok/Some or propagate Err/None to the caller
	OpPanic  // raise a VmError, unwinding the current VM call
	OpUnwrap // force-unwrap Ok/Some, panicking on Err/None
	OpIsValue // IsValue check against a Type hash, for match-like dispatch

	// Type conversion
	OpConvert  // type conversion
	OpTruncate // narrowing conversion
	OpExtend   // widening conversion
)

var opNames = map[Op]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod", OpNeg: "neg",
	OpBitAnd: "and", OpBitOr: "or", OpBitXor: "xor", OpBitNot: "not",
	OpShl: "shl", OpShr: "shr",
	OpEq: "eq", OpNeq: "neq", OpLt: "lt", OpLte: "lte", OpGt: "gt", OpGte: "gte",
	OpLogAnd: "land", OpLogOr: "lor", OpLogNot: "lnot",
	OpFieldGet: "fieldget", OpFieldSet: "fieldset",
	OpIndexGet: "indexget", OpIndexSet: "indexset",
	OpConst: "const", OpMakeVec: "makevec", OpMakeTuple: "maketuple",
	OpMakeObject: "makeobject", OpMakeRange: "makerange",
	OpCopy: "copy", OpMove: "move", OpDrop: "drop", OpPhi: "phi",
	OpCall: "call", OpCallInstance: "callinstance", OpClosure: "closure",
	OpAwait: "await", OpYield: "yield", OpYieldUnit: "yieldunit",
	OpTry: "try", OpPanic: "panic", OpUnwrap: "unwrap", OpIsValue: "isvalue",
	OpConvert: "convert", OpTruncate: "truncate", OpExtend: "extend",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", op)
}

// Instruction is a single SSA instruction.
type Instruction struct {
	Op       Op
	Result   Value   // destination value
	Operands []Value // source values
	ConstIdx int     // index into constant pool (for OpConst)
	FieldIdx int     // field index (for OpFieldGet/OpFieldSet)
	FieldName string // field name (for OpFieldGet/OpFieldSet)
	FieldNames []string // field names, parallel to Operands (for OpMakeObject)
	FuncName string  // function name (for OpCall, disassembly only)
	Hash     hash.Hash // target hash (for OpCall/OpCallInstance/OpClosure/OpIsValue)
	Type     TypeRef   // type annotation
}

func (inst *Instruction) String() string {
	s := fmt.Sprintf("%s = %s", inst.Result, inst.Op)
	for _, op := range inst.Operands {
		s += " " + op.String()
	}
	if inst.Op == OpConst {
		s += fmt.Sprintf(" $%d", inst.ConstIdx)
	}
	return s
}

// Terminator ends a basic block.
type Terminator interface {
	terminator()
	String() string
}

// TermReturn returns a value from the function.
type TermReturn struct {
	Value *Value // nil for void return
}

func (t *TermReturn) terminator() {}
func (t *TermReturn) String() string {
	if t.Value != nil {
		return fmt.Sprintf("ret %s", t.Value)
	}
	return "ret void"
}

// TermBranch unconditionally branches to a block.
type TermBranch struct {
	Target *BasicBlock
}

func (t *TermBranch) terminator() {}
func (t *TermBranch) String() string {
	return fmt.Sprintf("br %s", t.Target.Label)
}

// TermCondBranch conditionally branches.
type TermCondBranch struct {
	Cond     Value
	TrueBlk  *BasicBlock
	FalseBlk *BasicBlock
}

func (t *TermCondBranch) terminator() {}
func (t *TermCondBranch) String() string {
	return fmt.Sprintf("br %s, %s, %s", t.Cond, t.TrueBlk.Label, t.FalseBlk.Label)
}

// TermHalt stops execution (used by the top-level module initializer block).
type TermHalt struct{}

func (t *TermHalt) terminator() {}
func (t *TermHalt) String() string { return "halt" }
