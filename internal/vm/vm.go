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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aster-lang/aster/internal/hash"
	"github.com/aster-lang/aster/internal/runtimectx"
	"github.com/aster-lang/aster/internal/unit"
	"github.com/aster-lang/aster/internal/value"
)

// ---- Error sentinels -------------------------------------------------------

// ErrBudgetExceeded is VmError::BudgetExceeded (spec §4.5): a VM execution
// exhausted its step budget. This is the teacher's gas-metering concept
// under the spec's own vocabulary, not blockchain fee accounting.
var ErrBudgetExceeded = errors.New("vm: budget exceeded")

// ErrCancelled is VmError::Cancelled: the context.Context passed to
// CallMain was cancelled mid-execution.
var ErrCancelled = errors.New("vm: cancelled")

// ErrDivisionByZero is returned by OpDiv / OpMod when the divisor is zero.
var ErrDivisionByZero = errors.New("vm: division by zero")

// ErrInvalidOpcode is returned when the fetched byte does not correspond to a
// known opcode.
var ErrInvalidOpcode = errors.New("vm: invalid opcode")

// ErrStackUnderflow is returned when OpPop (or a literal constructor popping
// its operands) runs against an empty value stack.
var ErrStackUnderflow = errors.New("vm: stack underflow")

// ErrMissingFunction is returned when OpCall's target hash has no entry in
// the running Unit.
var ErrMissingFunction = errors.New("vm: no function for hash")

// ErrNotCallable is returned when a suspension-resuming call targets a
// value that isn't a live Generator/Future/Stream frame.
var ErrNotCallable = errors.New("vm: value is not callable")

// ErrMissingInstanceFunction is returned when neither the running Unit's
// instance table nor the RuntimeContext implements a dispatched protocol.
var ErrMissingInstanceFunction = errors.New("vm: missing instance function")

// ErrPanic wraps the reason Value passed to OpPanic, or produced by a
// force-unwrap (OpUnwrap) of an Err/None.
type ErrPanic struct {
	Reason value.Value
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("vm: panic: %s", value.Dump(e.Reason))
}

// ---- Budget costs -----------------------------------------------------------
//
// Named after spec §4.5's step-budget vocabulary; this is the teacher's gas
// schedule renamed and re-tuned for the Value-based instruction set instead
// of blockchain opcode pricing.

const (
	budgetTrivial    uint64 = 1  // register moves, literal loads, comparisons
	budgetArithmetic uint64 = 2  // add, sub, bitwise
	budgetMul        uint64 = 3  // multiply
	budgetDivMod     uint64 = 5  // divide, modulo
	budgetFieldOp    uint64 = 3  // field/index get/set
	budgetJump       uint64 = 2  // any branch
	budgetCall       uint64 = 10 // function call overhead
	budgetDispatch   uint64 = 12 // protocol dispatch (hash lookup + call)
	budgetSuspend    uint64 = 4  // await / yield
	budgetConstruct  uint64 = 4  // vec/tuple/object/range construction
)

// ---- Frame ------------------------------------------------------------------

// frameStatus is the suspension state of a frame (spec §4.5: generator
// state machine Created→Suspended→Running→Done, and the async equivalent
// Awaited(Future)|Yielded(Value)|Complete(Value)).
type frameStatus uint8

const (
	frameCreated frameStatus = iota
	frameRunning
	frameSuspended
	frameComplete
)

// frame is one function activation: its own register file and program
// counter, so that suspending a generator or async call is just "stop
// advancing this frame's pc" rather than unwinding a Go call stack.
type frame struct {
	fn        *unit.FunctionDef
	registers [256]value.Value
	captures  []value.Value
	pc        uint32 // absolute instruction offset, in instruction words
	status    frameStatus
	result    value.Value // last Yielded value, or the Complete return value
}

// ---- VM ---------------------------------------------------------------------

// VM is the Aster hybrid stack+register virtual machine (spec.md §4.5).
//
// Instruction encoding (4 bytes per instruction, fixed width), unchanged
// from the teacher's register machine:
//
//	Standard 3-address:  [opcode:8][a:8][b:8][c:8]
//	Wide-immediate:      [opcode:8][a:8][imm_hi:8][imm_lo:8]  → imm16 = (imm_hi<<8)|imm_lo
//
// Each frame owns 256 addressable Value registers; a function's result
// register is R0 by calling convention (the assembler's concern, not this
// VM's), unlike the teacher's hardware zero register — a Value has no
// universal zero representation so register 0 is ordinary here.
type VM struct {
	u  *unit.Unit
	rt *runtimectx.RuntimeContext

	stack []value.Value // value stack: call args, captures, literal-constructor operands

	budgetUsed  uint64
	budgetLimit uint64
	halted      bool
	haltResult  value.Value

	ctx context.Context
}

// New creates a VM ready to run functions from u, falling back to rt for
// native protocol implementations once u's own instance table misses.
// budgetLimit bounds total step cost across the VM's lifetime (spec §4.5's
// BudgetExceeded); pass 0 for no limit.
func New(u *unit.Unit, rt *runtimectx.RuntimeContext, budgetLimit uint64) *VM {
	return &VM{
		u:           u,
		rt:          rt,
		stack:       make([]value.Value, 0, 32),
		budgetLimit: budgetLimit,
		ctx:         context.Background(),
	}
}

// BudgetUsed returns the total step cost consumed so far.
func (vm *VM) BudgetUsed() uint64 { return vm.budgetUsed }

// Halted reports whether the VM has halted (an OpHalt was executed at any
// call depth).
func (vm *VM) Halted() bool { return vm.halted }

// CallMain runs the function identified by h to completion from a fresh
// root frame, driving any Plain-kind nested calls synchronously. Calling a
// Generator- or Async-kind function returns a Generator/Future Value
// immediately without running its body (spec §4.5): use ResumeGenerator /
// Await to drive those.
func (vm *VM) CallMain(ctx context.Context, h hash.Hash, args []value.Value) (value.Value, error) {
	vm.ctx = ctx
	fn, ok := vm.u.FunctionByHash(h)
	if !ok {
		return value.Unit, fmt.Errorf("%w: %x", ErrMissingFunction, h)
	}
	f := vm.newFrame(fn, args, nil)
	if fn.Kind != unit.FnPlain {
		// A top-level call into a Generator/Async/Stream function yields its
		// wrapper value immediately rather than running the body, matching
		// invoke's treatment of nested calls to the same kinds.
		return vm.wrapSuspended(fn, f), nil
	}
	if err := vm.drive(f); err != nil {
		return value.Unit, err
	}
	return f.result, nil
}

// newFrame allocates a frame for fn, with args placed in registers
// 0..len(args) and captures recorded for closure bodies.
func (vm *VM) newFrame(fn *unit.FunctionDef, args []value.Value, captures []value.Value) *frame {
	f := &frame{fn: fn, pc: fn.Offset, status: frameCreated, captures: captures}
	for i, a := range args {
		if i < len(f.registers) {
			f.registers[i] = a
		}
	}
	return f
}

// wrapSuspended packages a not-yet-run Generator/Async/Stream frame into its
// externally visible Value, matching fn.Kind.
func (vm *VM) wrapSuspended(fn *unit.FunctionDef, f *frame) value.Value {
	switch fn.Kind {
	case unit.FnGenerator:
		return value.NewGenerator(f)
	case unit.FnAsyncGenerator:
		return value.NewStream(f)
	default: // FnAsync
		return value.NewFuture(f)
	}
}

// drive runs f from its current pc until it reaches frameComplete or
// frameSuspended (a Yield in a Generator/Stream body). Plain nested calls
// run synchronously inline; Generator/Async nested calls produce their
// wrapper Value lazily without being driven here.
func (vm *VM) drive(f *frame) error {
	f.status = frameRunning
	for {
		select {
		case <-vm.ctx.Done():
			return ErrCancelled
		default:
		}
		if f.status == frameSuspended || f.status == frameComplete {
			return nil
		}
		if err := vm.step(f); err != nil {
			return err
		}
	}
}

// Await drives fv (a Future, or a Generator/Stream awaited mid-iteration)
// to completion, returning its resolved value. Since this VM has no real
// external I/O sources, Await is eager: it synchronously runs the awaited
// frame to Complete rather than suspending the awaiter (spec §5's
// single-threaded cooperative scheduling, specialized for an embedder with
// no asynchronous host calls).
func (vm *VM) Await(fv value.Value) (value.Value, error) {
	f, ok := fv.State().(*frame)
	if !ok {
		// Already-resolved host value passed where a Future was expected.
		return fv, nil
	}
	if f.status == frameComplete {
		return f.result, nil
	}
	if err := vm.drive(f); err != nil {
		return value.Unit, err
	}
	return f.result, nil
}

// GeneratorResult is the outcome of one ResumeGenerator step.
type GeneratorResult struct {
	Done  bool
	Value value.Value
}

// ResumeGenerator steps gv's frame forward to its next OpYield/OpYieldUnit
// or to completion (spec §4.5's generator state machine). input is written
// to the destination register (a) of the Yield/YieldUnit instruction the
// frame is suspended at.
func (vm *VM) ResumeGenerator(gv value.Value, input value.Value) (GeneratorResult, error) {
	f, ok := gv.State().(*frame)
	if !ok {
		return GeneratorResult{}, fmt.Errorf("vm: %w: not a generator", ErrNotCallable)
	}
	if f.status == frameComplete {
		return GeneratorResult{Done: true}, nil
	}
	if f.status == frameSuspended {
		// f.pc is already past the suspending Yield/YieldUnit; byte 1 of
		// that instruction word is its destination register a.
		f.registers[vm.u.Instructions[int(f.pc-1)*4+1]] = input
	}
	if err := vm.drive(f); err != nil {
		return GeneratorResult{}, err
	}
	if f.status == frameComplete {
		return GeneratorResult{Done: true, Value: f.result}, nil
	}
	return GeneratorResult{Done: false, Value: f.result}, nil
}

func (vm *VM) useBudget(cost uint64) error {
	vm.budgetUsed += cost
	if vm.budgetLimit != 0 && vm.budgetUsed > vm.budgetLimit {
		vm.halted = true
		return ErrBudgetExceeded
	}
	return nil
}

func (vm *VM) push(v value.Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() (value.Value, error) {
	if len(vm.stack) == 0 {
		return value.Unit, ErrStackUnderflow
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

func (vm *VM) popN(n int) ([]value.Value, error) {
	if n == 0 {
		return nil, nil
	}
	if len(vm.stack) < n {
		return nil, ErrStackUnderflow
	}
	out := make([]value.Value, n)
	copy(out, vm.stack[len(vm.stack)-n:])
	vm.stack = vm.stack[:len(vm.stack)-n]
	return out, nil
}

// step fetches, decodes, and executes exactly one instruction in f.
func (vm *VM) step(f *frame) error {
	code := vm.u.Instructions
	off := int(f.pc) * 4
	if off+4 > len(code) {
		return fmt.Errorf("vm: pc %d is past end of code", f.pc)
	}
	word := binary.LittleEndian.Uint32(code[off:])
	f.pc++

	op := Opcode(word & 0xFF)
	a := uint8((word >> 8) & 0xFF)
	b := uint8((word >> 16) & 0xFF)
	c := uint8((word >> 24) & 0xFF)
	imm16 := uint16(b)<<8 | uint16(c)

	return vm.execute(f, op, a, b, c, imm16)
}

func reg(f *frame, idx uint8) value.Value          { return f.registers[idx] }
func setReg(f *frame, idx uint8, v value.Value)    { f.registers[idx] = v }

//nolint:gocyclo
func (vm *VM) execute(f *frame, op Opcode, a, b, c uint8, imm16 uint16) error {
	switch op {

	// ---- Arithmetic ---------------------------------------------------
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg:
		return vm.execArith(f, op, a, b, c)

	// ---- Bitwise --------------------------------------------------------
	case OpAnd, OpOr, OpXor, OpNot, OpShl, OpShr:
		return vm.execBitwise(f, op, a, b, c)

	// ---- Comparison -------------------------------------------------------
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
		return vm.execCompare(f, op, a, b, c)

	// ---- Literal load / register transfer ----------------------------------
	case OpLoadConst:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		setReg(f, a, vm.constToValue(int(imm16)))

	case OpLoadUnit:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		setReg(f, a, value.Unit)

	case OpLoadTrue:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		setReg(f, a, value.Bool(true))

	case OpLoadFalse:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		setReg(f, a, value.Bool(false))

	case OpMove:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		setReg(f, a, reg(f, b))
		setReg(f, b, value.Unit)

	case OpCopy:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		v := reg(f, b)
		if v.Cell() != nil {
			v.Cell().Retain()
		}
		setReg(f, a, v)

	// ---- Field & index access -----------------------------------------------
	//
	// These are wide-immediate instructions: the word only carries one
	// register (a) plus a 16-bit immediate, so unlike the 3-operand
	// register-register instructions above there is no separate source/dest
	// register pair. FieldGet reads and overwrites R[a] in place; FieldSet
	// takes its value operand off the value stack instead of a second
	// register, the same convention OpClosure/OpCall use for any operand
	// beyond what the word can address directly.
	case OpFieldGet:
		if err := vm.useBudget(budgetFieldOp); err != nil {
			return err
		}
		name := vm.u.String(uint32(imm16))
		obj := reg(f, a)
		if obj.Tag != value.TagObject {
			return fmt.Errorf("vm: FIELD_GET on non-object (%s)", obj.Tag)
		}
		setReg(f, a, obj.Cell().Data.(*value.Object).Fields[name])

	case OpFieldSet:
		if err := vm.useBudget(budgetFieldOp); err != nil {
			return err
		}
		name := vm.u.String(uint32(imm16))
		obj := reg(f, a)
		if obj.Tag != value.TagObject {
			return fmt.Errorf("vm: FIELD_SET on non-object (%s)", obj.Tag)
		}
		val, err := vm.pop()
		if err != nil {
			return err
		}
		release, err := obj.BorrowExclusive()
		if err != nil {
			return err
		}
		obj.Cell().Data.(*value.Object).Fields[name] = val
		release()

	case OpIndexGet:
		if err := vm.useBudget(budgetFieldOp); err != nil {
			return err
		}
		return vm.dispatchIndexGet(f, a, b, c)

	case OpIndexSet:
		if err := vm.useBudget(budgetFieldOp); err != nil {
			return err
		}
		return vm.dispatchIndexSet(f, a, b, c)

	// ---- Literal constructors ------------------------------------------------
	case OpMakeVec:
		if err := vm.useBudget(budgetConstruct); err != nil {
			return err
		}
		elems, err := vm.popN(int(reg(f, b).AsInteger()))
		if err != nil {
			return err
		}
		setReg(f, a, value.NewVec(elems))

	case OpMakeTuple:
		if err := vm.useBudget(budgetConstruct); err != nil {
			return err
		}
		elems, err := vm.popN(int(reg(f, b).AsInteger()))
		if err != nil {
			return err
		}
		setReg(f, a, value.NewTuple(elems))

	case OpMakeObject:
		if err := vm.useBudget(budgetConstruct); err != nil {
			return err
		}
		count := int(reg(f, b).AsInteger())
		pairs, err := vm.popN(count * 2)
		if err != nil {
			return err
		}
		fields := make(map[string]value.Value, count)
		for i := 0; i < count; i++ {
			key := pairs[i*2]
			fields[vm.u.String(uint32(key.AsInteger()))] = pairs[i*2+1]
		}
		setReg(f, a, value.NewObject(fields))

	case OpMakeRange:
		if err := vm.useBudget(budgetConstruct); err != nil {
			return err
		}
		setReg(f, a, value.NewRange(reg(f, b), reg(f, c), true))

	// ---- Control flow ---------------------------------------------------------
	case OpJump:
		if err := vm.useBudget(budgetJump); err != nil {
			return err
		}
		f.pc = uint32(imm16)

	case OpJumpIf:
		if err := vm.useBudget(budgetJump); err != nil {
			return err
		}
		if reg(f, a).Truthy() {
			f.pc = uint32(imm16)
		}

	case OpJumpIfNot:
		if err := vm.useBudget(budgetJump); err != nil {
			return err
		}
		if !reg(f, a).Truthy() {
			f.pc = uint32(imm16)
		}

	// ---- Calls --------------------------------------------------------------
	case OpCall:
		if err := vm.useBudget(budgetCall); err != nil {
			return err
		}
		return vm.invoke(f, a, vm.constHash(int(imm16)), nil)

	case OpCallInstance:
		if err := vm.useBudget(budgetDispatch); err != nil {
			return err
		}
		return vm.execCallInstance(f, a, imm16)

	case OpClosure:
		// Wide-immediate: only R[a] (the destination) and imm16 (the
		// function hash's constant-pool index) fit in the word. The
		// capture count and values travel on the value stack, count on
		// top, the same convention OpCall's argument passing uses.
		if err := vm.useBudget(budgetConstruct); err != nil {
			return err
		}
		countV, err := vm.pop()
		if err != nil {
			return err
		}
		captures, err := vm.popN(int(countV.AsInteger()))
		if err != nil {
			return err
		}
		cl := &Closure{FnHash: vm.constHash(int(imm16)), Captures: captures}
		setReg(f, a, value.NewFunction(cl))

	// ---- Return ---------------------------------------------------------------
	case OpReturn:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		f.result = reg(f, a)
		f.status = frameComplete

	case OpHalt:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		vm.haltResult = reg(f, a)
		vm.halted = true
		f.result = reg(f, a)
		f.status = frameComplete

	// ---- Stack frame ------------------------------------------------------
	case OpPush:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		vm.push(reg(f, a))

	case OpPop:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		setReg(f, a, v)

	// ---- Suspension (spec §4.5) ------------------------------------------------
	case OpAwait:
		if err := vm.useBudget(budgetSuspend); err != nil {
			return err
		}
		resolved, err := vm.Await(reg(f, a))
		if err != nil {
			return err
		}
		setReg(f, a, resolved)

	case OpYield:
		if err := vm.useBudget(budgetSuspend); err != nil {
			return err
		}
		f.result = reg(f, b)
		f.status = frameSuspended

	case OpYieldUnit:
		if err := vm.useBudget(budgetSuspend); err != nil {
			return err
		}
		f.result = value.Unit
		f.status = frameSuspended

	// ---- Error handling (spec §4.5) ---------------------------------------------
	case OpTry:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		v := reg(f, b)
		if isErrLike(v) && !okLike(v) {
			f.result = v
			f.status = frameComplete
			return nil
		}
		setReg(f, a, unwrapOkLike(v))

	case OpPanic:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		return &ErrPanic{Reason: vm.constToValue(int(imm16))}

	case OpUnwrap:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		v := reg(f, b)
		if isErrLike(v) && !okLike(v) {
			return &ErrPanic{Reason: v}
		}
		setReg(f, a, unwrapOkLike(v))

	case OpIsValue:
		// Wide-immediate: tests and overwrites R[a] in place, the same
		// single-register convention as FieldGet.
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		want := vm.constHash(int(imm16))
		setReg(f, a, value.Bool(typeHashOf(reg(f, a)) == want))

	// ---- Vec fast path ----------------------------------------------------
	case OpVecNew:
		if err := vm.useBudget(budgetConstruct); err != nil {
			return err
		}
		n := int(reg(f, b).AsInteger())
		elems := make([]value.Value, n)
		for i := range elems {
			elems[i] = value.Unit
		}
		setReg(f, a, value.NewVec(elems))

	case OpVecGet:
		if err := vm.useBudget(budgetFieldOp); err != nil {
			return err
		}
		vec := reg(f, b)
		idx := int(reg(f, c).AsInteger())
		elems := vec.Cell().Data.(*value.Vec).Elems
		if idx < 0 || idx >= len(elems) {
			return fmt.Errorf("vm: VEC_GET index %d out of range (len %d)", idx, len(elems))
		}
		setReg(f, a, elems[idx])

	case OpVecSet:
		if err := vm.useBudget(budgetFieldOp); err != nil {
			return err
		}
		vec := reg(f, a)
		idx := int(reg(f, b).AsInteger())
		release, err := vec.BorrowExclusive()
		if err != nil {
			return err
		}
		elems := vec.Cell().Data.(*value.Vec).Elems
		if idx < 0 || idx >= len(elems) {
			release()
			return fmt.Errorf("vm: VEC_SET index %d out of range (len %d)", idx, len(elems))
		}
		elems[idx] = reg(f, c)
		release()

	case OpVecLen:
		if err := vm.useBudget(budgetTrivial); err != nil {
			return err
		}
		vec := reg(f, b)
		setReg(f, a, value.Integer(int64(len(vec.Cell().Data.(*value.Vec).Elems))))

	default:
		return fmt.Errorf("%w: 0x%02x", ErrInvalidOpcode, uint8(op))
	}

	return nil
}

func (vm *VM) constToValue(idx int) value.Value {
	if idx < 0 || idx >= len(vm.u.Constants) {
		return value.Unit
	}
	k := vm.u.Constants[idx]
	switch k.Kind {
	case unit.ConstUnit:
		return value.Unit
	case unit.ConstBool:
		return value.Bool(k.I != 0)
	case unit.ConstInteger:
		return value.Integer(k.I)
	case unit.ConstFloat:
		return value.Float(k.F)
	case unit.ConstStringRef:
		return value.NewString(vm.u.String(k.Ref))
	case unit.ConstBytesRef:
		return value.NewBytes(vm.u.Bytes(k.Ref))
	case unit.ConstHash:
		return value.TypeValue(hash.Hash(k.I))
	default:
		return value.Unit
	}
}

func (vm *VM) constHash(idx int) hash.Hash {
	if idx < 0 || idx >= len(vm.u.Constants) {
		return 0
	}
	return hash.Hash(vm.u.Constants[idx].I)
}

func (vm *VM) execArith(f *frame, op Opcode, a, b, c uint8) error {
	cost := budgetArithmetic
	if op == OpMul {
		cost = budgetMul
	} else if op == OpDiv || op == OpMod {
		cost = budgetDivMod
	}
	if err := vm.useBudget(cost); err != nil {
		return err
	}
	if op == OpNeg {
		lhs := reg(f, b)
		if lhs.Tag == value.TagFloat {
			setReg(f, a, value.Float(-lhs.AsFloat()))
		} else {
			setReg(f, a, value.Integer(-lhs.AsInteger()))
		}
		return nil
	}
	lhs, rhs := reg(f, b), reg(f, c)
	if lhs.Tag == value.TagFloat || rhs.Tag == value.TagFloat {
		x, y := asFloat(lhs), asFloat(rhs)
		var r float64
		switch op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			if y == 0 {
				return ErrDivisionByZero
			}
			r = x / y
		case OpMod:
			if y == 0 {
				return ErrDivisionByZero
			}
			r = fmod(x, y)
		}
		setReg(f, a, value.Float(r))
		return nil
	}
	x, y := lhs.AsInteger(), rhs.AsInteger()
	var r int64
	switch op {
	case OpAdd:
		r = x + y
	case OpSub:
		r = x - y
	case OpMul:
		r = x * y
	case OpDiv:
		if y == 0 {
			return ErrDivisionByZero
		}
		r = x / y
	case OpMod:
		if y == 0 {
			return ErrDivisionByZero
		}
		r = x % y
	}
	setReg(f, a, value.Integer(r))
	return nil
}

func fmod(x, y float64) float64 {
	return x - y*float64(int64(x/y))
}

func asFloat(v value.Value) float64 {
	if v.Tag == value.TagFloat {
		return v.AsFloat()
	}
	return float64(v.AsInteger())
}

func (vm *VM) execBitwise(f *frame, op Opcode, a, b, c uint8) error {
	if err := vm.useBudget(budgetArithmetic); err != nil {
		return err
	}
	if op == OpNot {
		setReg(f, a, value.Integer(^reg(f, b).AsInteger()))
		return nil
	}
	x, y := reg(f, b).AsInteger(), reg(f, c).AsInteger()
	var r int64
	switch op {
	case OpAnd:
		r = x & y
	case OpOr:
		r = x | y
	case OpXor:
		r = x ^ y
	case OpShl:
		r = x << (uint64(y) & 63)
	case OpShr:
		r = x >> (uint64(y) & 63)
	}
	setReg(f, a, value.Integer(r))
	return nil
}

func (vm *VM) execCompare(f *frame, op Opcode, a, b, c uint8) error {
	if err := vm.useBudget(budgetTrivial); err != nil {
		return err
	}
	lhs, rhs := reg(f, b), reg(f, c)
	if op == OpEq || op == OpNeq {
		eq := valuesEqual(lhs, rhs)
		if op == OpNeq {
			eq = !eq
		}
		setReg(f, a, value.Bool(eq))
		return nil
	}
	cmp := compareOrdered(lhs, rhs)
	var r bool
	switch op {
	case OpLt:
		r = cmp < 0
	case OpLte:
		r = cmp <= 0
	case OpGt:
		r = cmp > 0
	case OpGte:
		r = cmp >= 0
	}
	setReg(f, a, value.Bool(r))
	return nil
}

func valuesEqual(a, b value.Value) bool {
	if a.Tag != b.Tag {
		return false
	}
	switch a.Tag {
	case value.TagUnit:
		return true
	case value.TagFloat:
		return a.AsFloat() == b.AsFloat()
	case value.TagString:
		return a.Cell().Data.(string) == b.Cell().Data.(string)
	default:
		return a.AsInteger() == b.AsInteger()
	}
}

func compareOrdered(a, b value.Value) int {
	if a.Tag == value.TagFloat || b.Tag == value.TagFloat {
		x, y := asFloat(a), asFloat(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}
	x, y := a.AsInteger(), b.AsInteger()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func typeHashOf(v value.Value) hash.Hash {
	if v.Tag == value.TagType {
		return v.AsTypeHash()
	}
	if v.Tag == value.TagAny {
		return v.Cell().Data.(*value.Any).TypeHash
	}
	return hash.Hash(uint64(v.Tag) | 0x8000_0000_0000_0000)
}

// Closure is the VM-owned payload of a TagFunction Value (spec §4.5's
// first-class closures).
type Closure struct {
	FnHash   hash.Hash
	Captures []value.Value
}

func (vm *VM) execCallInstance(f *frame, a uint8, imm16 uint16) error {
	recv := reg(f, a)
	protoHash := vm.constHash(int(imm16))

	if recv.Tag == value.TagFunction {
		cl := recv.State().(*Closure)
		return vm.invoke(f, a, cl.FnHash, cl.Captures)
	}

	instanceHash := hash.Combine(typeHashOf(recv), protoHash)
	if fnHash, ok := vm.u.FunctionByInstance(instanceHash); ok {
		return vm.invoke(f, a, fnHash, nil)
	}
	if vm.rt != nil {
		if fn, ok := vm.rt.Lookup(instanceHash); ok {
			args, err := vm.popCallArgs(recv)
			if err != nil {
				return err
			}
			result, err := fn(args)
			if err != nil {
				return err
			}
			setReg(f, a, result)
			return nil
		}
	}
	return fmt.Errorf("%w: instance hash %x", ErrMissingInstanceFunction, instanceHash)
}

// popCallArgs assembles [receiver, ...stackArgs]: the assembler always
// pushes the argument count as the top stack entry before emitting
// OpCallInstance, the same convention OpCall's invoke path uses.
func (vm *VM) popCallArgs(recv value.Value) ([]value.Value, error) {
	if len(vm.stack) == 0 {
		return []value.Value{recv}, nil
	}
	countV, err := vm.pop()
	if err != nil {
		return nil, err
	}
	rest, err := vm.popN(int(countV.AsInteger()))
	if err != nil {
		return nil, err
	}
	return append([]value.Value{recv}, rest...), nil
}

// invoke runs callee fnHash synchronously for Plain-kind functions, or
// constructs its Generator/Future/Stream wrapper for suspending kinds,
// storing the outcome in f's register a. Arguments (beyond any closure
// captures) are popped from the value stack, count-prefixed the same way
// popCallArgs expects.
func (vm *VM) invoke(f *frame, a uint8, fnHash hash.Hash, captures []value.Value) error {
	fn, ok := vm.u.FunctionByHash(fnHash)
	if !ok {
		return fmt.Errorf("%w: %x", ErrMissingFunction, fnHash)
	}
	var args []value.Value
	if len(vm.stack) > 0 {
		countV, err := vm.pop()
		if err != nil {
			return err
		}
		args, err = vm.popN(int(countV.AsInteger()))
		if err != nil {
			return err
		}
	}
	if len(captures) > 0 {
		args = append(append([]value.Value{}, captures...), args...)
	}
	callee := vm.newFrame(fn, args, captures)
	if fn.Kind != unit.FnPlain {
		setReg(f, a, vm.wrapSuspended(fn, callee))
		return nil
	}
	if err := vm.drive(callee); err != nil {
		return err
	}
	setReg(f, a, callee.result)
	return nil
}

// dispatchIndexGet tries the fast Vec/Tuple/Bytes path first, falling back
// to full INDEX_GET protocol dispatch for user types.
func (vm *VM) dispatchIndexGet(f *frame, a, b, c uint8) error {
	recv := reg(f, b)
	idx := reg(f, c)
	switch recv.Tag {
	case value.TagVec, value.TagTuple:
		elems := recv.Cell().Data.(*value.Vec).Elems
		i := int(idx.AsInteger())
		if i < 0 || i >= len(elems) {
			return fmt.Errorf("vm: INDEX_GET index %d out of range (len %d)", i, len(elems))
		}
		setReg(f, a, elems[i])
		return nil
	case value.TagBytes:
		data := recv.Cell().Data.([]byte)
		i := int(idx.AsInteger())
		if i < 0 || i >= len(data) {
			return fmt.Errorf("vm: INDEX_GET index %d out of range (len %d)", i, len(data))
		}
		setReg(f, a, value.Byte(data[i]))
		return nil
	}
	instanceHash := hash.Combine(typeHashOf(recv), hash.INDEX_GET.Hash())
	if fnHash, ok := vm.u.FunctionByInstance(instanceHash); ok {
		callee := vm.newFrame(mustFn(vm.u, fnHash), []value.Value{recv, idx}, nil)
		if err := vm.drive(callee); err != nil {
			return err
		}
		setReg(f, a, callee.result)
		return nil
	}
	if vm.rt != nil {
		if fn, ok := vm.rt.Lookup(instanceHash); ok {
			result, err := fn([]value.Value{recv, idx})
			if err != nil {
				return err
			}
			setReg(f, a, result)
			return nil
		}
	}
	return fmt.Errorf("vm: %w: INDEX_GET on %s", ErrMissingInstanceFunction, recv.Tag)
}

func (vm *VM) dispatchIndexSet(f *frame, a, b, c uint8) error {
	recv := reg(f, a)
	if recv.Tag == value.TagVec || recv.Tag == value.TagTuple {
		release, err := recv.BorrowExclusive()
		if err != nil {
			return err
		}
		defer release()
		elems := recv.Cell().Data.(*value.Vec).Elems
		idx := int(reg(f, b).AsInteger())
		if idx < 0 || idx >= len(elems) {
			return fmt.Errorf("vm: INDEX_SET index %d out of range (len %d)", idx, len(elems))
		}
		elems[idx] = reg(f, c)
		return nil
	}
	instanceHash := hash.Combine(typeHashOf(recv), hash.INDEX_SET.Hash())
	if fnHash, ok := vm.u.FunctionByInstance(instanceHash); ok {
		callee := vm.newFrame(mustFn(vm.u, fnHash), []value.Value{recv, reg(f, b), reg(f, c)}, nil)
		return vm.drive(callee)
	}
	if vm.rt != nil {
		if fn, ok := vm.rt.Lookup(instanceHash); ok {
			_, err := fn([]value.Value{recv, reg(f, b), reg(f, c)})
			return err
		}
	}
	return fmt.Errorf("vm: %w: INDEX_SET on %s", ErrMissingInstanceFunction, recv.Tag)
}

func mustFn(u *unit.Unit, h hash.Hash) *unit.FunctionDef {
	fn, _ := u.FunctionByHash(h)
	return fn
}

// isErrLike/okLike/unwrapOkLike implement OpTry/OpUnwrap's Result/Option
// handling against the Object encoding the assembler lowers `Ok`/`Err`/
// `Some`/`None` variants into: a one-field Object tagged by field name.
func isErrLike(v value.Value) bool {
	if v.Tag != value.TagObject {
		return false
	}
	fields := v.Cell().Data.(*value.Object).Fields
	_, isErr := fields["Err"]
	_, isNone := fields["None"]
	return isErr || isNone
}

func okLike(v value.Value) bool {
	if v.Tag != value.TagObject {
		return true
	}
	fields := v.Cell().Data.(*value.Object).Fields
	_, isOk := fields["Ok"]
	_, isSome := fields["Some"]
	return isOk || isSome
}

func unwrapOkLike(v value.Value) value.Value {
	if v.Tag != value.TagObject {
		return v
	}
	fields := v.Cell().Data.(*value.Object).Fields
	if ok, present := fields["Ok"]; present {
		return ok
	}
	if some, present := fields["Some"]; present {
		return some
	}
	return v
}

// ---- Disassembly helper ----------------------------------------------------

// Disassemble returns a human-readable listing of the bytecode.
func Disassemble(code []byte) string {
	out := ""
	for i := 0; i+4 <= len(code); i += 4 {
		word := binary.LittleEndian.Uint32(code[i:])
		op := Opcode(word & 0xFF)
		a := (word >> 8) & 0xFF
		b := (word >> 16) & 0xFF
		c := (word >> 24) & 0xFF
		imm16 := (b << 8) | c

		instrIdx := i / 4
		if op.IsWideImmediate() {
			out += fmt.Sprintf("[%04d] %-20s R%d, %d\n", instrIdx, op, a, imm16)
		} else {
			switch op.Operands() {
			case 1:
				out += fmt.Sprintf("[%04d] %-20s R%d\n", instrIdx, op, a)
			case 2:
				out += fmt.Sprintf("[%04d] %-20s R%d, R%d\n", instrIdx, op, a, b)
			case 3:
				out += fmt.Sprintf("[%04d] %-20s R%d, R%d, R%d\n", instrIdx, op, a, b, c)
			default:
				out += fmt.Sprintf("[%04d] %-20s\n", instrIdx, op)
			}
		}
	}
	return out
}
