// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

package vm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aster-lang/aster/internal/hash"
	"github.com/aster-lang/aster/internal/runtimectx"
	"github.com/aster-lang/aster/internal/unit"
	"github.com/aster-lang/aster/internal/value"
)

// ---- Bytecode builder helpers ------------------------------------------

// instr encodes a standard 3-address instruction into a 4-byte little-endian
// word: [opcode:8][a:8][b:8][c:8].
func instr(op Opcode, a, b, c uint8) []byte {
	return []byte{byte(op), a, b, c}
}

// instrWide encodes a wide-immediate instruction: [opcode:8][a:8][imm_hi:8][imm_lo:8].
func instrWide(op Opcode, a uint8, imm uint16) []byte {
	return []byte{byte(op), a, byte(imm >> 8), byte(imm & 0xFF)}
}

// program concatenates instruction byte slices into a single bytecode block.
func program(instrs ...[]byte) []byte {
	var out []byte
	for _, i := range instrs {
		out = append(out, i...)
	}
	return out
}

// ---- Unit builder helpers -----------------------------------------------

func constInt(n int64) unit.Const   { return unit.Const{Kind: unit.ConstInteger, I: n} }
func constFloat(f float64) unit.Const { return unit.Const{Kind: unit.ConstFloat, F: f} }
func constStrRef(ref uint32) unit.Const {
	return unit.Const{Kind: unit.ConstStringRef, Ref: ref}
}
func constHashC(h hash.Hash) unit.Const { return unit.Const{Kind: unit.ConstHash, I: int64(h)} }

// singleFnUnit builds a Unit containing exactly one Plain function starting
// at instruction offset 0, the shape most opcode-level tests need.
func singleFnUnit(code []byte, consts []unit.Const, strs []string) (*unit.Unit, hash.Hash) {
	h := hash.Hash(1)
	fn := unit.FunctionDef{Hash: h, Name: "main", Kind: unit.FnPlain, Offset: 0, Length: uint32(len(code) / 4)}
	return unit.New(code, []unit.FunctionDef{fn}, consts, strs, nil, nil, unit.DebugInfo{}), h
}

// runMain drives h to completion and fails the test on error.
func runMain(t *testing.T, u *unit.Unit, rt *runtimectx.RuntimeContext, h hash.Hash, args []value.Value) value.Value {
	t.Helper()
	v := New(u, rt, 0)
	result, err := v.CallMain(context.Background(), h, args)
	if err != nil {
		t.Fatalf("CallMain returned unexpected error: %v", err)
	}
	return result
}

// ---- Opcode metadata -------------------------------------------------------

func TestOpcodeString(t *testing.T) {
	cases := []struct {
		op   Opcode
		want string
	}{
		{OpAdd, "ADD"}, {OpSub, "SUB"}, {OpMul, "MUL"}, {OpDiv, "DIV"}, {OpMod, "MOD"}, {OpNeg, "NEG"},
		{OpAnd, "AND"}, {OpOr, "OR"}, {OpXor, "XOR"}, {OpNot, "NOT"}, {OpShl, "SHL"}, {OpShr, "SHR"},
		{OpEq, "EQ"}, {OpNeq, "NEQ"}, {OpLt, "LT"}, {OpLte, "LTE"}, {OpGt, "GT"}, {OpGte, "GTE"},
		{OpLoadConst, "LOAD_CONST"}, {OpLoadUnit, "LOAD_UNIT"}, {OpLoadTrue, "LOAD_TRUE"}, {OpLoadFalse, "LOAD_FALSE"},
		{OpFieldGet, "FIELD_GET"}, {OpFieldSet, "FIELD_SET"}, {OpIndexGet, "INDEX_GET"}, {OpIndexSet, "INDEX_SET"},
		{OpCall, "CALL"}, {OpCallInstance, "CALL_INSTANCE"}, {OpClosure, "CLOSURE"},
		{OpReturn, "RETURN"}, {OpHalt, "HALT"},
		{OpAwait, "AWAIT"}, {OpYield, "YIELD"}, {OpYieldUnit, "YIELD_UNIT"},
		{OpVecNew, "VEC_NEW"}, {OpVecGet, "VEC_GET"}, {OpVecSet, "VEC_SET"}, {OpVecLen, "VEC_LEN"},
	}
	for _, tc := range cases {
		if got := tc.op.String(); got != tc.want {
			t.Errorf("Opcode(%d).String() = %q; want %q", tc.op, got, tc.want)
		}
	}
}

func TestOpcodeUnknown(t *testing.T) {
	if got := Opcode(0xFE).String(); got != "UNKNOWN" {
		t.Errorf("unknown opcode String = %q; want UNKNOWN", got)
	}
}

func TestOpcodeIsWideImmediate(t *testing.T) {
	if !OpLoadConst.IsWideImmediate() {
		t.Error("LOAD_CONST should be wide-immediate")
	}
	if !OpFieldGet.IsWideImmediate() {
		t.Error("FIELD_GET should be wide-immediate")
	}
	if OpAdd.IsWideImmediate() {
		t.Error("ADD should not be wide-immediate")
	}
}

// ---- Arithmetic -------------------------------------------------------------

func TestArithInteger(t *testing.T) {
	cases := []struct {
		name string
		op   Opcode
		a, b int64
		want int64
	}{
		{"Add", OpAdd, 10, 32, 42},
		{"Sub", OpSub, 100, 58, 42},
		{"Mul", OpMul, 6, 7, 42},
		{"Div", OpDiv, 84, 2, 42},
		{"Mod", OpMod, 127, 5, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := program(
				instrWide(OpLoadConst, 0, 0),
				instrWide(OpLoadConst, 1, 1),
				instr(tc.op, 2, 0, 1),
				instr(OpReturn, 2, 0, 0),
			)
			u, h := singleFnUnit(code, []unit.Const{constInt(tc.a), constInt(tc.b)}, nil)
			got := runMain(t, u, nil, h, nil)
			if got.Tag != value.TagInteger || got.AsInteger() != tc.want {
				t.Errorf("%s(%d,%d) = %v; want %d", tc.name, tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestArithFloatPromotion(t *testing.T) {
	// Integer + Float promotes to Float arithmetic.
	code := program(
		instrWide(OpLoadConst, 0, 0), // R0 = 10 (integer)
		instrWide(OpLoadConst, 1, 1), // R1 = 0.5 (float)
		instr(OpAdd, 2, 0, 1),
		instr(OpReturn, 2, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(10), constFloat(0.5)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.Tag != value.TagFloat || got.AsFloat() != 10.5 {
		t.Errorf("float promotion: got %v; want 10.5", got)
	}
}

func TestNeg(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpNeg, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(5)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != -5 {
		t.Errorf("Neg: got %d; want -5", got.AsInteger())
	}
}

func TestDivByZero(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instrWide(OpLoadConst, 1, 1),
		instr(OpDiv, 2, 0, 1),
		instr(OpReturn, 2, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(10), constInt(0)}, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, nil)
	if !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("DivByZero: got %v; want ErrDivisionByZero", err)
	}
}

// ---- Bitwise ----------------------------------------------------------------

func TestBitwise(t *testing.T) {
	cases := []struct {
		name string
		op   Opcode
		a, b int64
		want int64
	}{
		{"And", OpAnd, 0xFF, 0x0F, 0x0F},
		{"Or", OpOr, 0xF0, 0x0F, 0xFF},
		{"Xor", OpXor, 0xFF, 0x0F, 0xF0},
		{"Shl", OpShl, 1, 3, 8},
		{"Shr", OpShr, 16, 2, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := program(
				instrWide(OpLoadConst, 0, 0),
				instrWide(OpLoadConst, 1, 1),
				instr(tc.op, 2, 0, 1),
				instr(OpReturn, 2, 0, 0),
			)
			u, h := singleFnUnit(code, []unit.Const{constInt(tc.a), constInt(tc.b)}, nil)
			got := runMain(t, u, nil, h, nil)
			if got.AsInteger() != tc.want {
				t.Errorf("%s: got 0x%x; want 0x%x", tc.name, got.AsInteger(), tc.want)
			}
		})
	}
}

func TestNot(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpNot, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(0)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != ^int64(0) {
		t.Errorf("Not: got %d; want all-ones", got.AsInteger())
	}
}

// ---- Comparison -------------------------------------------------------------

func TestCompareIntegers(t *testing.T) {
	cases := []struct {
		op     Opcode
		a, b   int64
		want   bool
	}{
		{OpEq, 5, 5, true}, {OpEq, 5, 6, false},
		{OpNeq, 3, 7, true},
		{OpLt, 3, 7, true}, {OpLt, 7, 3, false},
		{OpLte, 3, 3, true}, {OpLte, 7, 3, false},
		{OpGt, 10, 3, true}, {OpGt, 3, 10, false},
		{OpGte, 3, 3, true}, {OpGte, 2, 3, false},
	}
	for _, tc := range cases {
		code := program(
			instrWide(OpLoadConst, 0, 0),
			instrWide(OpLoadConst, 1, 1),
			instr(tc.op, 2, 0, 1),
			instr(OpReturn, 2, 0, 0),
		)
		u, h := singleFnUnit(code, []unit.Const{constInt(tc.a), constInt(tc.b)}, nil)
		got := runMain(t, u, nil, h, nil)
		if got.Tag != value.TagBool || got.AsBool() != tc.want {
			t.Errorf("%s(%d,%d): got %v; want %v", tc.op, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareStringsEqual(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instrWide(OpLoadConst, 1, 1),
		instr(OpEq, 2, 0, 1),
		instr(OpReturn, 2, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{
		{Kind: unit.ConstStringRef, Ref: 0},
		{Kind: unit.ConstStringRef, Ref: 0},
	}, []string{"hello"})
	got := runMain(t, u, nil, h, nil)
	if !got.AsBool() {
		t.Error("two identical string constants should compare equal")
	}
}

// ---- Literal load / register transfer --------------------------------------

func TestLoadConstKinds(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(999)}, nil)
	if got := runMain(t, u, nil, h, nil); got.AsInteger() != 999 {
		t.Errorf("LoadConst integer: got %d; want 999", got.AsInteger())
	}

	u, h = singleFnUnit(code, []unit.Const{constFloat(2.5)}, nil)
	if got := runMain(t, u, nil, h, nil); got.AsFloat() != 2.5 {
		t.Errorf("LoadConst float: got %v; want 2.5", got.AsFloat())
	}

	u, h = singleFnUnit(code, []unit.Const{constStrRef(0)}, []string{"hi"})
	if got := runMain(t, u, nil, h, nil); got.Cell().Data.(string) != "hi" {
		t.Errorf("LoadConst string: got %v; want hi", got)
	}
}

func TestLoadUnitTrueFalse(t *testing.T) {
	code := program(
		instr(OpLoadTrue, 0, 0, 0),
		instr(OpLoadFalse, 1, 0, 0),
		instr(OpLoadUnit, 2, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	got := runMain(t, u, nil, h, nil)
	if got.Tag != value.TagBool || !got.AsBool() {
		t.Errorf("LoadTrue: got %v; want true", got)
	}
}

func TestMoveZeroesSource(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpMove, 1, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(77)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.Tag != value.TagUnit {
		t.Errorf("Move did not zero its source register: got %v", got)
	}
}

func TestCopyRetainsCell(t *testing.T) {
	obj := value.NewObject(map[string]value.Value{"x": value.Integer(1)})
	code := program(
		instr(OpCopy, 1, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	v := New(u, nil, 0)
	before := obj.Cell().RefCount()
	if _, err := v.CallMain(context.Background(), h, []value.Value{obj}); err != nil {
		t.Fatalf("CallMain: %v", err)
	}
	if after := obj.Cell().RefCount(); after != before+1 {
		t.Errorf("Copy: refcount went from %d to %d; want +1", before, after)
	}
}

// ---- Field access -----------------------------------------------------------

func TestFieldGet(t *testing.T) {
	code := program(
		instrWide(OpFieldGet, 0, 0), // R0 = R0.x (imm16=0 -> "x")
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, []string{"x"})
	obj := value.NewObject(map[string]value.Value{"x": value.Integer(7)})
	got := runMain(t, u, nil, h, []value.Value{obj})
	if got.AsInteger() != 7 {
		t.Errorf("FieldGet: got %d; want 7", got.AsInteger())
	}
}

func TestFieldSetThenGet(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 1, 0), // R1 = 99
		instr(OpPush, 1, 0, 0),
		instrWide(OpFieldSet, 0, 0), // R0.x = pop()
		instrWide(OpFieldGet, 0, 0), // R0 = R0.x
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(99)}, []string{"x"})
	obj := value.NewObject(map[string]value.Value{"x": value.Integer(1)})
	got := runMain(t, u, nil, h, []value.Value{obj})
	if got.AsInteger() != 99 {
		t.Errorf("FieldSet/Get: got %d; want 99", got.AsInteger())
	}
}

func TestFieldSetBorrowConflict(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 1, 0),
		instr(OpPush, 1, 0, 0),
		instrWide(OpFieldSet, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(1)}, []string{"x"})
	obj := value.NewObject(map[string]value.Value{"x": value.Integer(0)})

	release, err := obj.BorrowExclusive()
	if err != nil {
		t.Fatalf("setup borrow: %v", err)
	}
	defer release()

	v := New(u, nil, 0)
	_, err = v.CallMain(context.Background(), h, []value.Value{obj})
	var borrowErr *value.BorrowError
	if !errors.As(err, &borrowErr) {
		t.Errorf("FieldSet under exclusive borrow: got %v; want *value.BorrowError", err)
	}
}

// ---- Vec / index fast path ----------------------------------------------

func TestVecNewGetSetLen(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0), // R0 = 3 (len)
		instr(OpVecNew, 1, 0, 0),      // R1 = new vec of 3 units
		instrWide(OpLoadConst, 2, 1), // R2 = 0 (index)
		instrWide(OpLoadConst, 3, 2), // R3 = 42 (value)
		instr(OpVecSet, 1, 2, 3),      // vec[0] = 42
		instr(OpVecGet, 4, 1, 2),      // R4 = vec[0]
		instr(OpReturn, 4, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(3), constInt(0), constInt(42)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != 42 {
		t.Errorf("VecSet/Get: got %d; want 42", got.AsInteger())
	}
}

func TestVecLen(t *testing.T) {
	code := program(
		instr(OpVecLen, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	vec := value.NewVec([]value.Value{value.Integer(1), value.Integer(2), value.Integer(3)})
	got := runMain(t, u, nil, h, []value.Value{vec})
	if got.AsInteger() != 3 {
		t.Errorf("VecLen: got %d; want 3", got.AsInteger())
	}
}

func TestIndexGetFastPath(t *testing.T) {
	code := program(
		instr(OpIndexGet, 2, 0, 1),
		instr(OpReturn, 2, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	vec := value.NewVec([]value.Value{value.Integer(10), value.Integer(20), value.Integer(30)})
	got := runMain(t, u, nil, h, []value.Value{vec, value.Integer(1)})
	if got.AsInteger() != 20 {
		t.Errorf("IndexGet: got %d; want 20", got.AsInteger())
	}
}

func TestIndexSetFastPath(t *testing.T) {
	code := program(
		instr(OpIndexSet, 0, 1, 2),
		instr(OpVecGet, 3, 0, 1),
		instr(OpReturn, 3, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	vec := value.NewVec([]value.Value{value.Integer(1), value.Integer(2)})
	got := runMain(t, u, nil, h, []value.Value{vec, value.Integer(0), value.Integer(55)})
	if got.AsInteger() != 55 {
		t.Errorf("IndexSet: got %d; want 55", got.AsInteger())
	}
}

func TestIndexSetBorrowConflict(t *testing.T) {
	code := program(
		instr(OpIndexSet, 0, 1, 2),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	vec := value.NewVec([]value.Value{value.Integer(1)})

	release, err := vec.BorrowExclusive()
	if err != nil {
		t.Fatalf("setup borrow: %v", err)
	}
	defer release()

	v := New(u, nil, 0)
	_, err = v.CallMain(context.Background(), h, []value.Value{vec, value.Integer(0), value.Integer(9)})
	var borrowErr *value.BorrowError
	if !errors.As(err, &borrowErr) {
		t.Errorf("IndexSet under exclusive borrow: got %v; want *value.BorrowError", err)
	}
}

// ---- Literal constructors ----------------------------------------------

func TestMakeVecAndTuple(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 5, 0), // elem0 = 10
		instrWide(OpLoadConst, 6, 1), // elem1 = 20
		instr(OpPush, 5, 0, 0),
		instr(OpPush, 6, 0, 0),
		instrWide(OpLoadConst, 7, 2), // count = 2
		instr(OpMakeVec, 0, 7, 0),
		instr(OpVecLen, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(10), constInt(20), constInt(2)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != 2 {
		t.Errorf("MakeVec length: got %d; want 2", got.AsInteger())
	}
}

func TestMakeObject(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 5, 0), // key = Integer(0) -> StaticStrings[0]
		instrWide(OpLoadConst, 6, 1), // value = 42
		instr(OpPush, 5, 0, 0),
		instr(OpPush, 6, 0, 0),
		instrWide(OpLoadConst, 7, 2), // pair count = 1
		instr(OpMakeObject, 0, 7, 0),
		instrWide(OpFieldGet, 0, 0), // R0 = R0.name
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(0), constInt(42), constInt(1)}, []string{"name"})
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != 42 {
		t.Errorf("MakeObject: got %d; want 42", got.AsInteger())
	}
}

func TestMakeRange(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instrWide(OpLoadConst, 1, 1),
		instr(OpMakeRange, 2, 0, 1),
		instr(OpReturn, 2, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(1), constInt(5)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.Tag != value.TagRange {
		t.Fatalf("MakeRange: got tag %s; want range", got.Tag)
	}
	r := got.Cell().Data.(*value.Range)
	if r.Start.AsInteger() != 1 || r.End.AsInteger() != 5 || !r.Inclusive {
		t.Errorf("MakeRange: got %+v; want {1,5,inclusive}", r)
	}
}

// ---- Control flow -------------------------------------------------------

func TestUnconditionalJump(t *testing.T) {
	code := program(
		instr(OpLoadTrue, 0, 0, 0),
		instrWide(OpJump, 0, 3),
		instr(OpLoadFalse, 0, 0, 0), // skipped
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	got := runMain(t, u, nil, h, nil)
	if !got.AsBool() {
		t.Error("Jump should have skipped the LoadFalse")
	}
}

func TestJumpIf(t *testing.T) {
	code := program(
		instr(OpLoadTrue, 0, 0, 0),
		instrWide(OpJumpIf, 0, 3),
		instr(OpLoadFalse, 0, 0, 0), // skipped, since R0 is truthy
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	if got := runMain(t, u, nil, h, nil); !got.AsBool() {
		t.Error("JumpIf(true) should have branched")
	}
}

func TestJumpIfNot(t *testing.T) {
	code := program(
		instr(OpLoadFalse, 0, 0, 0),
		instrWide(OpJumpIfNot, 0, 3),
		instr(OpLoadTrue, 0, 0, 0), // skipped, since R0 is falsy
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	if got := runMain(t, u, nil, h, nil); got.AsBool() {
		t.Error("JumpIfNot(false) should have branched, skipping LoadTrue")
	}
}

// ---- Calls --------------------------------------------------------------

func TestCallReturn(t *testing.T) {
	helperHash := hash.Hash(2)
	mainCode := program(
		instrWide(OpLoadConst, 0, 0), // R0 = 20
		instrWide(OpLoadConst, 1, 1), // R1 = 22
		instr(OpPush, 0, 0, 0),
		instr(OpPush, 1, 0, 0),
		instrWide(OpLoadConst, 2, 2), // R2 = 2 (arg count)
		instr(OpPush, 2, 0, 0),
		instrWide(OpCall, 3, 3), // R3 = call(helper); Constants[3] = helperHash
		instr(OpReturn, 3, 0, 0),
	)
	mainLen := uint32(len(mainCode) / 4)
	helperCode := program(
		instr(OpAdd, 2, 0, 1), // R2 = arg0 + arg1
		instr(OpReturn, 2, 0, 0),
	)
	code := program(mainCode, helperCode)

	mainHash := hash.Hash(1)
	fns := []unit.FunctionDef{
		{Hash: mainHash, Name: "main", Kind: unit.FnPlain, Offset: 0, Length: mainLen},
		{Hash: helperHash, Name: "helper", Kind: unit.FnPlain, Offset: mainLen, Length: uint32(len(helperCode) / 4)},
	}
	consts := []unit.Const{constInt(20), constInt(22), constInt(2), constHashC(helperHash)}
	u := unit.New(code, fns, consts, nil, nil, nil, unit.DebugInfo{})

	got := runMain(t, u, nil, mainHash, nil)
	if got.AsInteger() != 42 {
		t.Errorf("CallReturn: got %d; want 42", got.AsInteger())
	}
}

func TestCallMissingFunction(t *testing.T) {
	code := program(
		instrWide(OpCall, 0, 0), // Constants[0] = an unregistered hash
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constHashC(hash.Hash(0xDEAD))}, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, nil)
	if !errors.Is(err, ErrMissingFunction) {
		t.Errorf("CallMissingFunction: got %v; want ErrMissingFunction", err)
	}
}

// ---- Closures -------------------------------------------------------------

func TestClosureCapture(t *testing.T) {
	doublerHash := hash.Hash(2)
	mainCode := program(
		instrWide(OpLoadConst, 0, 0), // R0 = 21 (capture)
		instr(OpPush, 0, 0, 0),
		instrWide(OpLoadConst, 1, 1), // R1 = 1 (capture count)
		instr(OpPush, 1, 0, 0),
		instrWide(OpClosure, 2, 2), // R2 = Closure(doublerHash, [21])
		instrWide(OpCallInstance, 2, 3), // R2 = call closure(R2); imm16 unused on the closure fast path
		instr(OpReturn, 2, 0, 0),
	)
	mainLen := uint32(len(mainCode) / 4)
	doublerCode := program(
		instr(OpAdd, 1, 0, 0), // R1 = capture0 + capture0
		instr(OpReturn, 1, 0, 0),
	)
	code := program(mainCode, doublerCode)

	mainHash := hash.Hash(1)
	fns := []unit.FunctionDef{
		{Hash: mainHash, Kind: unit.FnPlain, Offset: 0, Length: mainLen},
		{Hash: doublerHash, Kind: unit.FnPlain, Offset: mainLen, Length: uint32(len(doublerCode) / 4)},
	}
	consts := []unit.Const{constInt(21), constInt(1), constHashC(doublerHash), constInt(0)}
	u := unit.New(code, fns, consts, nil, nil, nil, unit.DebugInfo{})

	got := runMain(t, u, nil, mainHash, nil)
	if got.AsInteger() != 42 {
		t.Errorf("ClosureCapture: got %d; want 42", got.AsInteger())
	}
}

// ---- Protocol dispatch via RuntimeContext --------------------------------

func TestCallInstanceNativeFallback(t *testing.T) {
	protoHash := hash.Hash(0xABCD)
	code := program(
		instrWide(OpLoadConst, 0, 0), // R0 = 21 (receiver)
		instrWide(OpCallInstance, 0, 1),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(21), constHashC(protoHash)}, nil)

	receiverTypeHash := hash.Hash(uint64(value.TagInteger) | 0x8000_0000_0000_0000)
	instanceHash := hash.Combine(receiverTypeHash, protoHash)

	rt := runtimectx.New()
	rt.Register(instanceHash, func(args []value.Value) (value.Value, error) {
		return value.Integer(args[0].AsInteger() * 2), nil
	})

	got := runMain(t, u, rt, h, nil)
	if got.AsInteger() != 42 {
		t.Errorf("CallInstance native fallback: got %d; want 42", got.AsInteger())
	}
}

func TestCallInstanceMissing(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instrWide(OpCallInstance, 0, 1),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(1), constHashC(hash.Hash(0x1234))}, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, nil)
	if !errors.Is(err, ErrMissingInstanceFunction) {
		t.Errorf("CallInstanceMissing: got %v; want ErrMissingInstanceFunction", err)
	}
}

// ---- Error handling: Try / Unwrap / Panic --------------------------------

func okObject(v value.Value) value.Value {
	return value.NewObject(map[string]value.Value{"Ok": v})
}

func errObject(v value.Value) value.Value {
	return value.NewObject(map[string]value.Value{"Err": v})
}

func TestTryUnwrapsOk(t *testing.T) {
	code := program(
		instr(OpTry, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	got := runMain(t, u, nil, h, []value.Value{okObject(value.Integer(5))})
	if got.AsInteger() != 5 {
		t.Errorf("Try(Ok(5)): got %d; want 5", got.AsInteger())
	}
}

func TestTryPropagatesErr(t *testing.T) {
	code := program(
		instr(OpTry, 1, 0, 0),
		instr(OpReturn, 1, 0, 0), // unreachable: Try on Err completes the frame early
	)
	u, h := singleFnUnit(code, nil, nil)
	reason := value.Integer(7)
	got := runMain(t, u, nil, h, []value.Value{errObject(reason)})
	if got.Tag != value.TagObject {
		t.Fatalf("Try(Err) should propagate the Err object unchanged, got %v", got)
	}
	if got.Cell().Data.(*value.Object).Fields["Err"].AsInteger() != 7 {
		t.Errorf("Try(Err) propagated wrong reason: %v", got)
	}
}

func TestUnwrapOk(t *testing.T) {
	code := program(
		instr(OpUnwrap, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	got := runMain(t, u, nil, h, []value.Value{okObject(value.Integer(9))})
	if got.AsInteger() != 9 {
		t.Errorf("Unwrap(Ok(9)): got %d; want 9", got.AsInteger())
	}
}

func TestUnwrapErrPanics(t *testing.T) {
	code := program(
		instr(OpUnwrap, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, []value.Value{errObject(value.Integer(3))})
	var panicErr *ErrPanic
	if !errors.As(err, &panicErr) {
		t.Fatalf("Unwrap(Err): got %v; want *ErrPanic", err)
	}
	if panicErr.Reason.Cell().Data.(*value.Object).Fields["Err"].AsInteger() != 3 {
		t.Errorf("ErrPanic carried wrong reason: %v", panicErr.Reason)
	}
}

func TestPanicOpcode(t *testing.T) {
	code := program(
		instrWide(OpPanic, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(99)}, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, nil)
	var panicErr *ErrPanic
	if !errors.As(err, &panicErr) {
		t.Fatalf("Panic: got %v; want *ErrPanic", err)
	}
	if panicErr.Reason.AsInteger() != 99 {
		t.Errorf("Panic reason: got %v; want 99", panicErr.Reason)
	}
}

// ---- IsValue ----------------------------------------------------------

func TestIsValue(t *testing.T) {
	integerTypeHash := hash.Hash(uint64(value.TagInteger) | 0x8000_0000_0000_0000)
	boolTypeHash := hash.Hash(uint64(value.TagBool) | 0x8000_0000_0000_0000)

	code := program(
		instrWide(OpIsValue, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constHashC(integerTypeHash)}, nil)
	if got := runMain(t, u, nil, h, []value.Value{value.Integer(1)}); !got.AsBool() {
		t.Error("IsValue(Integer, integerTypeHash) should be true")
	}

	u, h = singleFnUnit(code, []unit.Const{constHashC(boolTypeHash)}, nil)
	if got := runMain(t, u, nil, h, []value.Value{value.Integer(1)}); got.AsBool() {
		t.Error("IsValue(Integer, boolTypeHash) should be false")
	}
}

// ---- Generators (spec §4.5 suspension state machine) -----------------------

func TestGeneratorYieldSequence(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 5, 0), instr(OpYield, 0, 5, 0), // [0,1] yield 1
		instrWide(OpLoadConst, 5, 1), instr(OpYield, 0, 5, 0), // [2,3] yield 2
		instrWide(OpLoadConst, 5, 2), instr(OpYield, 0, 5, 0), // [4,5] yield 3
		instrWide(OpLoadConst, 5, 3), instr(OpReturn, 5, 0, 0), // [6,7] return 99
	)
	genHash := hash.Hash(1)
	fn := unit.FunctionDef{Hash: genHash, Kind: unit.FnGenerator, Offset: 0, Length: uint32(len(code) / 4)}
	u := unit.New(code, []unit.FunctionDef{fn}, []unit.Const{constInt(1), constInt(2), constInt(3), constInt(99)}, nil, nil, nil, unit.DebugInfo{})

	v := New(u, nil, 0)
	genVal, err := v.CallMain(context.Background(), genHash, nil)
	if err != nil {
		t.Fatalf("CallMain(generator): %v", err)
	}
	if genVal.Tag != value.TagGenerator {
		t.Fatalf("top-level call to a Generator function should yield a Generator value immediately, got tag %s", genVal.Tag)
	}

	want := []struct {
		done bool
		val  int64
	}{
		{false, 1}, {false, 2}, {false, 3}, {true, 99},
	}
	for i, w := range want {
		res, err := v.ResumeGenerator(genVal, value.Unit)
		if err != nil {
			t.Fatalf("ResumeGenerator[%d]: %v", i, err)
		}
		if res.Done != w.done || res.Value.AsInteger() != w.val {
			t.Errorf("ResumeGenerator[%d] = {Done:%v Value:%v}; want {Done:%v Value:%d}", i, res.Done, res.Value, w.done, w.val)
		}
	}
}

// ---- Async / Future (spec §4.5 Awaited|Yielded|Complete) -------------------

func TestAsyncCallProducesFutureThenAwaits(t *testing.T) {
	asyncHash := hash.Hash(2)
	driverCode := program(
		instrWide(OpCall, 0, 0), // R0 = Future wrapper for the async callee; Constants[0] = asyncHash
		instr(OpReturn, 0, 0, 0),
	)
	driverLen := uint32(len(driverCode) / 4)
	asyncCode := program(
		instrWide(OpLoadConst, 5, 1), // R5 = 42 (Constants[1])
		instr(OpReturn, 5, 0, 0),
	)
	code := program(driverCode, asyncCode)

	driverHash := hash.Hash(1)
	fns := []unit.FunctionDef{
		{Hash: driverHash, Kind: unit.FnPlain, Offset: 0, Length: driverLen},
		{Hash: asyncHash, Kind: unit.FnAsync, Offset: driverLen, Length: uint32(len(asyncCode) / 4)},
	}
	consts := []unit.Const{constHashC(asyncHash), constInt(42)}
	u := unit.New(code, fns, consts, nil, nil, nil, unit.DebugInfo{})

	v := New(u, nil, 0)
	futureVal, err := v.CallMain(context.Background(), driverHash, nil)
	if err != nil {
		t.Fatalf("CallMain(driver): %v", err)
	}
	if futureVal.Tag != value.TagFuture {
		t.Fatalf("a nested call to an Async function should produce a Future value, got tag %s", futureVal.Tag)
	}

	resolved, err := v.Await(futureVal)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resolved.AsInteger() != 42 {
		t.Errorf("Await resolved to %v; want 42", resolved)
	}
}

// ---- Budget metering --------------------------------------------------------

func TestBudgetExceeded(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instrWide(OpLoadConst, 1, 1),
		instr(OpAdd, 2, 0, 1),
		instr(OpReturn, 2, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(1), constInt(2)}, nil)
	v := New(u, nil, 2) // not enough budget to reach RETURN
	_, err := v.CallMain(context.Background(), h, nil)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("BudgetExceeded: got %v; want ErrBudgetExceeded", err)
	}
	if !v.Halted() {
		t.Error("a VM that exceeded its budget should report Halted()")
	}
}

func TestBudgetAccounting(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(7)}, nil)
	v := New(u, nil, 0)
	if _, err := v.CallMain(context.Background(), h, nil); err != nil {
		t.Fatalf("CallMain: %v", err)
	}
	want := 2 * budgetTrivial
	if v.BudgetUsed() != want {
		t.Errorf("BudgetUsed: got %d; want %d", v.BudgetUsed(), want)
	}
}

// ---- Stack underflow ---------------------------------------------------

func TestPopUnderflow(t *testing.T) {
	code := program(
		instr(OpPop, 0, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, nil, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, nil)
	if !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("PopUnderflow: got %v; want ErrStackUnderflow", err)
	}
}

func TestPushPop(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpPush, 0, 0, 0),
		instrWide(OpLoadConst, 0, 1),
		instr(OpPop, 0, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(42), constInt(0)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != 42 {
		t.Errorf("PushPop: got %d; want 42", got.AsInteger())
	}
}

// ---- Register 0 is an ordinary register -----------------------------------

func TestRegisterZeroIsOrdinary(t *testing.T) {
	// Unlike the teacher's hardware zero register, R0 has no special
	// meaning to this VM: writes to it persist like any other register.
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpReturn, 0, 0, 0),
	)
	u, h := singleFnUnit(code, []unit.Const{constInt(42)}, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != 42 {
		t.Errorf("R0 write did not persist: got %v; want 42", got)
	}
}

// ---- Invalid opcode ---------------------------------------------------

func TestInvalidOpcode(t *testing.T) {
	code := instr(Opcode(0xFE), 0, 0, 0)
	u, h := singleFnUnit(code, nil, nil)
	v := New(u, nil, 0)
	_, err := v.CallMain(context.Background(), h, nil)
	if !errors.Is(err, ErrInvalidOpcode) {
		t.Errorf("InvalidOpcode: got %v; want ErrInvalidOpcode", err)
	}
}

// ---- Fibonacci (complete program) ------------------------------------------

// TestFibonacci computes fib(10) = 55 using an iterative loop, exercising
// jumps, comparisons, and arithmetic together.
func TestFibonacci(t *testing.T) {
	consts := []unit.Const{constInt(10), constInt(0), constInt(1)}
	final := program(
		instrWide(OpLoadConst, 0, 0), // [0] n = 10
		instrWide(OpLoadConst, 1, 1), // [1] a = 0
		instrWide(OpLoadConst, 2, 2), // [2] b = 1
		instrWide(OpLoadConst, 6, 2), // [3] one = 1
		instrWide(OpLoadConst, 7, 1), // [4] zero = 0
		instr(OpEq, 4, 0, 7),          // [5] R4 = (n == 0)
		instrWide(OpJumpIf, 4, 12),    // [6] if R4 jump to [12]
		instr(OpAdd, 5, 1, 2),          // [7] tmp = a + b
		instr(OpCopy, 1, 2, 0),         // [8] a = b
		instr(OpCopy, 2, 5, 0),         // [9] b = tmp
		instr(OpSub, 0, 0, 6),          // [10] n = n - 1
		instrWide(OpJump, 0, 5),        // [11] loop back to [5]
		instr(OpReturn, 1, 0, 0),       // [12] return a
	)
	u, h := singleFnUnit(final, consts, nil)
	got := runMain(t, u, nil, h, nil)
	if got.AsInteger() != 55 {
		t.Errorf("Fibonacci(10): got %d; want 55", got.AsInteger())
	}
}

// ---- Disassembly -----------------------------------------------------------

func TestDisassemble(t *testing.T) {
	code := program(
		instrWide(OpLoadConst, 0, 0),
		instr(OpAdd, 1, 0, 0),
		instr(OpReturn, 1, 0, 0),
	)
	out := Disassemble(code)
	if out == "" {
		t.Fatal("Disassemble returned empty string")
	}
	for _, want := range []string{"LOAD_CONST", "ADD", "RETURN"} {
		if !strings.Contains(out, want) {
			t.Errorf("Disassemble output missing %q:\n%s", want, out)
		}
	}
}
