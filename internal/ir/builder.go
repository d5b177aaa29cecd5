// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package ir provides the SSA IR builder for constructing IR programs.
package ir

import "github.com/aster-lang/aster/internal/hash"

// Builder constructs SSA IR from higher-level representations.
type Builder struct {
	program  *Program
	function *Function
	block    *BasicBlock
	nextID   int
}

// NewBuilder creates a new IR builder.
func NewBuilder() *Builder {
	return &Builder{
		program: &Program{},
	}
}

// Program returns the built program.
func (b *Builder) Program() *Program {
	return b.program
}

// AddConstant adds a constant to the pool and returns its index.
func (b *Builder) AddConstant(c Constant) int {
	idx := len(b.program.Constants)
	b.program.Constants = append(b.program.Constants, c)
	return idx
}

// AddType adds a type definition and returns its reference.
func (b *Builder) AddType(td TypeDef) TypeRef {
	idx := len(b.program.Types)
	b.program.Types = append(b.program.Types, td)
	return TypeRef(idx)
}

// StartFunction begins building a new function, identified externally by h
// (its type_hash, the value OpCall/OpCallInstance target to reach it).
func (b *Builder) StartFunction(name string, h hash.Hash, kind FnKind, params []Value, ret TypeRef) *Function {
	f := &Function{
		Name:       name,
		Hash:       h,
		Kind:       kind,
		Params:     params,
		ReturnType: ret,
	}
	b.function = f
	b.program.Functions = append(b.program.Functions, f)
	return f
}

// AddCapture records one closure capture on the function currently being
// built, in the order the assembler's capture analysis produced it.
func (b *Builder) AddCapture(name string, move bool) {
	b.function.Captures = append(b.function.Captures, CaptureInfo{Name: name, Move: move})
}

// NewBlock creates a new basic block in the current function.
func (b *Builder) NewBlock(label string) *BasicBlock {
	bb := &BasicBlock{Label: label}
	b.function.Blocks = append(b.function.Blocks, bb)
	return bb
}

// SetBlock sets the current insertion point.
func (b *Builder) SetBlock(bb *BasicBlock) {
	b.block = bb
}

// NewValue allocates a fresh SSA value.
func (b *Builder) NewValue(typ TypeRef, name string) Value {
	v := Value{ID: b.nextID, Type: typ, Name: name}
	b.nextID++
	b.function.Locals++
	return v
}

// Emit appends an instruction to the current block and returns its result.
func (b *Builder) Emit(op Op, result Value, operands ...Value) Value {
	inst := &Instruction{
		Op:       op,
		Result:   result,
		Operands: operands,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitConst loads a constant into a value.
func (b *Builder) EmitConst(result Value, constIdx int) Value {
	inst := &Instruction{
		Op:       OpConst,
		Result:   result,
		ConstIdx: constIdx,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitCall emits a statically-resolved call to the function named by h.
func (b *Builder) EmitCall(result Value, funcName string, h hash.Hash, args ...Value) Value {
	inst := &Instruction{
		Op:       OpCall,
		Result:   result,
		FuncName: funcName,
		Hash:     h,
		Operands: args,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitCallInstance emits a protocol-dispatch call: the receiver is args[0],
// dispatched via instance_hash(type_hash(receiver), h) per spec §4.5.
func (b *Builder) EmitCallInstance(result Value, h hash.Hash, args ...Value) Value {
	inst := &Instruction{
		Op:       OpCallInstance,
		Result:   result,
		Hash:     h,
		Operands: args,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitClosure constructs a closure Value over function h, capturing captures
// in the order the assembler's capture analysis recorded them.
func (b *Builder) EmitClosure(result Value, h hash.Hash, captures ...Value) Value {
	inst := &Instruction{
		Op:       OpClosure,
		Result:   result,
		Hash:     h,
		Operands: captures,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitFieldGet reads a named field off base.
func (b *Builder) EmitFieldGet(result Value, base Value, fieldName string) Value {
	inst := &Instruction{
		Op:        OpFieldGet,
		Result:    result,
		Operands:  []Value{base},
		FieldName: fieldName,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitFieldSet writes val into base's named field.
func (b *Builder) EmitFieldSet(base, val Value, fieldName string) {
	inst := &Instruction{
		Op:        OpFieldSet,
		Operands:  []Value{base, val},
		FieldName: fieldName,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
}

// EmitIndexGet dispatches INDEX_GET (or the fast Vec/Tuple path) on base.
func (b *Builder) EmitIndexGet(result Value, base, index Value) Value {
	inst := &Instruction{Op: OpIndexGet, Result: result, Operands: []Value{base, index}}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitIndexSet dispatches INDEX_SET (or the fast Vec path) on base.
func (b *Builder) EmitIndexSet(base, index, val Value) {
	inst := &Instruction{Op: OpIndexSet, Operands: []Value{base, index, val}}
	b.block.Instructions = append(b.block.Instructions, inst)
}

// EmitMakeVec builds a Vec Value from elems.
func (b *Builder) EmitMakeVec(result Value, elems ...Value) Value {
	return b.Emit(OpMakeVec, result, elems...)
}

// EmitMakeTuple builds a Tuple Value from elems.
func (b *Builder) EmitMakeTuple(result Value, elems ...Value) Value {
	return b.Emit(OpMakeTuple, result, elems...)
}

// EmitMakeObject builds an Object Value from parallel fieldNames/values.
func (b *Builder) EmitMakeObject(result Value, fieldNames []string, values ...Value) Value {
	inst := &Instruction{
		Op:         OpMakeObject,
		Result:     result,
		Operands:   values,
		FieldNames: fieldNames,
	}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitMakeRange builds a Range Value from (start, end).
func (b *Builder) EmitMakeRange(result Value, start, end Value) Value {
	return b.Emit(OpMakeRange, result, start, end)
}

// EmitAwait suspends the current async function on a Future value.
func (b *Builder) EmitAwait(result Value, future Value) Value {
	return b.Emit(OpAwait, result, future)
}

// EmitYield suspends the current generator, producing val.
func (b *Builder) EmitYield(result Value, val Value) Value {
	return b.Emit(OpYield, result, val)
}

// EmitYieldUnit suspends the current generator, producing Unit.
func (b *Builder) EmitYieldUnit(result Value) Value {
	return b.Emit(OpYieldUnit, result)
}

// EmitTry lowers the `expr?` operator against val.
func (b *Builder) EmitTry(result Value, val Value) Value {
	return b.Emit(OpTry, result, val)
}

// EmitPanic raises a VmError carrying reason (looked up from the constant
// pool via reasonConstIdx at disassembly time).
func (b *Builder) EmitPanic(reasonConstIdx int) {
	inst := &Instruction{Op: OpPanic, ConstIdx: reasonConstIdx}
	b.block.Instructions = append(b.block.Instructions, inst)
}

// EmitIsValue tests whether val's runtime type hash equals h.
func (b *Builder) EmitIsValue(result Value, val Value, h hash.Hash) Value {
	inst := &Instruction{Op: OpIsValue, Result: result, Operands: []Value{val}, Hash: h}
	b.block.Instructions = append(b.block.Instructions, inst)
	return result
}

// EmitBranch sets an unconditional branch terminator.
func (b *Builder) EmitBranch(target *BasicBlock) {
	b.block.Terminator = &TermBranch{Target: target}
	b.block.Succs = append(b.block.Succs, target)
	target.Preds = append(target.Preds, b.block)
}

// EmitCondBranch sets a conditional branch terminator.
func (b *Builder) EmitCondBranch(cond Value, trueBlk, falseBlk *BasicBlock) {
	b.block.Terminator = &TermCondBranch{
		Cond:     cond,
		TrueBlk:  trueBlk,
		FalseBlk: falseBlk,
	}
	b.block.Succs = append(b.block.Succs, trueBlk, falseBlk)
	trueBlk.Preds = append(trueBlk.Preds, b.block)
	falseBlk.Preds = append(falseBlk.Preds, b.block)
}

// EmitReturn sets a return terminator.
func (b *Builder) EmitReturn(val *Value) {
	b.block.Terminator = &TermReturn{Value: val}
}

// EmitHalt sets a halt terminator.
func (b *Builder) EmitHalt() {
	b.block.Terminator = &TermHalt{}
}

// EmitPhi creates a phi instruction for merging values at join points.
func (b *Builder) EmitPhi(result Value, values ...Value) Value {
	inst := &Instruction{
		Op:       OpPhi,
		Result:   result,
		Operands: values,
	}
	// Phi instructions go at the start of the block.
	b.block.Instructions = append([]*Instruction{inst}, b.block.Instructions...)
	return result
}
