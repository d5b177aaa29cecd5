// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package codegen includes bytecode verification.
//
// The verifier performs Move-inspired bytecode-level safety checks,
// ensuring that safety properties hold even if the compiler has bugs.
package codegen

import (
	"fmt"

	"github.com/aster-lang/aster/internal/unit"
	"github.com/aster-lang/aster/internal/vm"
)

// VerifyError describes a bytecode verification failure.
type VerifyError struct {
	Offset  int
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify error at offset %d: %s", e.Offset, e.Message)
}

// Verify checks a compiled Unit for safety violations before it is handed
// to a VM. This is a Move-inspired bytecode verifier that ensures:
//  1. Every instruction decodes to a known opcode
//  2. LoadConst/Call/CallInstance/Closure/Panic/FieldGet/FieldSet/IsValue's
//     constant-pool or static-string index is in bounds
//  3. Jump targets land on a valid instruction boundary within the Unit
//  4. Every function's declared [Offset, Offset+Length) range ends in
//     Return, Halt, Jump, or Panic
func Verify(u *unit.Unit) []VerifyError {
	var errs []VerifyError
	code := u.Instructions

	wordCount := len(code) / 4
	for w := 0; w*4 < len(code); w++ {
		off := w * 4
		if off+4 > len(code) {
			errs = append(errs, VerifyError{Offset: off, Message: "truncated instruction"})
			break
		}
		op := vm.Opcode(code[off])
		if !isValidOpcode(op) {
			errs = append(errs, VerifyError{Offset: off, Message: fmt.Sprintf("unknown opcode: %d", op)})
			continue
		}
		imm16 := uint16(code[off+2])<<8 | uint16(code[off+3])

		switch op {
		case vm.OpLoadConst, vm.OpCall, vm.OpCallInstance, vm.OpClosure, vm.OpPanic, vm.OpIsValue:
			if int(imm16) >= len(u.Constants) {
				errs = append(errs, VerifyError{
					Offset:  off,
					Message: fmt.Sprintf("constant index %d out of bounds (pool size %d)", imm16, len(u.Constants)),
				})
			}
		case vm.OpFieldGet, vm.OpFieldSet:
			if int(imm16) >= len(u.StaticStrings) {
				errs = append(errs, VerifyError{
					Offset:  off,
					Message: fmt.Sprintf("static string index %d out of bounds (pool size %d)", imm16, len(u.StaticStrings)),
				})
			}
		case vm.OpJump, vm.OpJumpIf, vm.OpJumpIfNot:
			if int(imm16) >= wordCount {
				errs = append(errs, VerifyError{
					Offset:  off,
					Message: fmt.Sprintf("jump target %d out of bounds (%d words)", imm16, wordCount),
				})
			}
		}
	}

	for _, fn := range u.Functions {
		errs = append(errs, verifyFunctionTerminates(u, fn)...)
	}

	return errs
}

func verifyFunctionTerminates(u *unit.Unit, fn unit.FunctionDef) []VerifyError {
	if fn.Length == 0 {
		return []VerifyError{{Offset: int(fn.Offset) * 4, Message: fmt.Sprintf("function %q has no instructions", fn.Name)}}
	}
	lastWord := fn.Offset + fn.Length - 1
	off := int(lastWord) * 4
	if off+4 > len(u.Instructions) {
		return []VerifyError{{Offset: off, Message: fmt.Sprintf("function %q's declared range runs past the code", fn.Name)}}
	}
	op := vm.Opcode(u.Instructions[off])
	switch op {
	case vm.OpReturn, vm.OpHalt, vm.OpJump, vm.OpPanic:
		return nil
	default:
		return []VerifyError{{
			Offset:  off,
			Message: fmt.Sprintf("function %q does not end with return, halt, jump, or panic", fn.Name),
		}}
	}
}

func isValidOpcode(op vm.Opcode) bool {
	return op.String() != "UNKNOWN"
}
