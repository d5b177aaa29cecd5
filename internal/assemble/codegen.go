// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// Package codegen lowers SSA IR (internal/ir) to a compiled Unit
// (internal/unit) ready for the VM (internal/vm).
//
// The bytecode format is the VM's 4-byte fixed-width instruction encoding:
//
//	[opcode:8][a:8][b:8][c:8]      — standard 3-address form
//	[opcode:8][a:8][imm_hi:8][imm_lo:8]  — wide-immediate form
//
// Wide-immediate instructions carry only one real register (a) plus a
// 16-bit immediate; any additional operand a wide-immediate op needs
// (OpClosure's captures, OpFieldSet's value) travels on the VM's value
// stack instead, the same convention OpCall uses for its arguments.
package codegen

import (
	"fmt"

	"github.com/aster-lang/aster/internal/hash"
	"github.com/aster-lang/aster/internal/ir"
	"github.com/aster-lang/aster/internal/unit"
	"github.com/aster-lang/aster/internal/vm"
)

// Generator translates an IR program to a compiled Unit.
type Generator struct {
	code []byte

	constants    []unit.Const
	constHashIdx map[hash.Hash]int
	strings      []string
	stringIdx    map[string]int
	bytesBlobs   [][]byte
	functions    []unit.FunctionDef
	instances    []unit.InstanceEntry

	labels  map[string]int // block label -> instruction word index
	patches []patchEntry

	regMap  map[int]uint8 // SSA value ID -> register number, reset per function
	nextReg uint8
}

type patchEntry struct {
	wordOffset int // word index of the instruction needing its imm16 patched
	label      string
}

// New creates a bytecode generator.
func New() *Generator {
	return &Generator{
		constHashIdx: make(map[hash.Hash]int),
		stringIdx:    make(map[string]int),
		labels:       make(map[string]int),
		regMap:       make(map[int]uint8),
	}
}

// Generate compiles an IR program into a *unit.Unit.
func (g *Generator) Generate(prog *ir.Program) (*unit.Unit, error) {
	constMap := make([]int, len(prog.Constants))
	for i, c := range prog.Constants {
		constMap[i] = g.internIRConstant(c)
	}

	for _, fn := range prog.Functions {
		if err := g.generateFunction(fn, constMap); err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}

	for _, p := range g.patches {
		target, ok := g.labels[p.label]
		if !ok {
			return nil, fmt.Errorf("undefined label: %s", p.label)
		}
		byteOff := p.wordOffset * 4
		g.code[byteOff+2] = byte(uint16(target) >> 8)
		g.code[byteOff+3] = byte(uint16(target))
	}

	return unit.New(g.code, g.functions, g.constants, g.strings, g.bytesBlobs, g.instances, unit.DebugInfo{}), nil
}

func toUnitKind(k ir.FnKind) unit.FnKind {
	switch k {
	case ir.FnAsync:
		return unit.FnAsync
	case ir.FnGenerator:
		return unit.FnGenerator
	case ir.FnAsyncGenerator:
		return unit.FnAsyncGenerator
	default:
		return unit.FnPlain
	}
}

func (g *Generator) generateFunction(fn *ir.Function, constMap []int) error {
	g.regMap = make(map[int]uint8)
	g.nextReg = 0

	for _, p := range fn.Params {
		g.allocReg(p)
	}

	offsetWords := len(g.code) / 4
	for _, block := range fn.Blocks {
		g.labels[block.Label] = len(g.code) / 4

		for _, inst := range block.Instructions {
			if err := g.generateInstruction(inst, constMap); err != nil {
				return err
			}
		}
		if block.Terminator != nil {
			if err := g.generateTerminator(block.Terminator); err != nil {
				return err
			}
		}
	}
	lengthWords := uint32(len(g.code)/4) - uint32(offsetWords)

	g.functions = append(g.functions, unit.FunctionDef{
		Hash:     fn.Hash,
		Name:     fn.Name,
		Kind:     toUnitKind(fn.Kind),
		Params:   len(fn.Params),
		Locals:   int(g.nextReg),
		Captures: len(fn.Captures),
		Offset:   uint32(offsetWords),
		Length:   lengthWords,
	})
	return nil
}

func (g *Generator) allocReg(v ir.Value) uint8 {
	if r, ok := g.regMap[v.ID]; ok {
		return r
	}
	r := g.nextReg
	g.regMap[v.ID] = r
	g.nextReg++
	return r
}

func (g *Generator) getReg(v ir.Value) uint8 {
	if r, ok := g.regMap[v.ID]; ok {
		return r
	}
	return g.allocReg(v)
}

// emit3 emits a standard 3-address instruction: [opcode][a][b][c].
func (g *Generator) emit3(op vm.Opcode, a, b, c uint8) {
	g.code = append(g.code, byte(op), a, b, c)
}

// emitImm emits a wide-immediate instruction: [opcode][a][imm_hi][imm_lo].
func (g *Generator) emitImm(op vm.Opcode, a uint8, imm uint16) {
	g.code = append(g.code, byte(op), a, byte(imm>>8), byte(imm))
}

func (g *Generator) addConst(c unit.Const) int {
	idx := len(g.constants)
	g.constants = append(g.constants, c)
	return idx
}

func (g *Generator) internString(s string) uint32 {
	if idx, ok := g.stringIdx[s]; ok {
		return uint32(idx)
	}
	idx := len(g.strings)
	g.strings = append(g.strings, s)
	g.stringIdx[s] = idx
	return uint32(idx)
}

func (g *Generator) internBytes(b []byte) uint32 {
	idx := len(g.bytesBlobs)
	g.bytesBlobs = append(g.bytesBlobs, b)
	return uint32(idx)
}

func (g *Generator) internHash(h hash.Hash) int {
	if idx, ok := g.constHashIdx[h]; ok {
		return idx
	}
	idx := g.addConst(unit.Const{Kind: unit.ConstHash, I: int64(h)})
	g.constHashIdx[h] = idx
	return idx
}

func (g *Generator) internIRConstant(c ir.Constant) int {
	switch v := c.Value.(type) {
	case nil:
		return g.addConst(unit.Const{Kind: unit.ConstUnit})
	case bool:
		var i int64
		if v {
			i = 1
		}
		return g.addConst(unit.Const{Kind: unit.ConstBool, I: i})
	case int64:
		return g.addConst(unit.Const{Kind: unit.ConstInteger, I: v})
	case int:
		return g.addConst(unit.Const{Kind: unit.ConstInteger, I: int64(v)})
	case float64:
		return g.addConst(unit.Const{Kind: unit.ConstFloat, F: v})
	case string:
		return g.addConst(unit.Const{Kind: unit.ConstStringRef, Ref: g.internString(v)})
	case []byte:
		return g.addConst(unit.Const{Kind: unit.ConstBytesRef, Ref: g.internBytes(v)})
	default:
		return g.addConst(unit.Const{Kind: unit.ConstUnit})
	}
}

// pushRawValues pushes vals onto the value stack with no trailing count,
// for the Vec/Tuple/Object constructors that read their count from a
// genuine register operand instead (they're standard 3-address
// instructions, not wide-immediate, so there's room for it).
func (g *Generator) pushRawValues(vals []ir.Value) {
	for _, v := range vals {
		g.emit3(vm.OpPush, g.getReg(v), 0, 0)
	}
}

// pushValuesWithCount pushes vals followed by their count, the stack
// convention every variadic wide-immediate instruction (OpCall/
// OpCallInstance/OpClosure) relies on to receive more operands than the
// word format's single register + 16-bit immediate can address directly.
func (g *Generator) pushValuesWithCount(vals []ir.Value) {
	g.pushRawValues(vals)
	g.emit3(vm.OpPush, g.popCountReg(len(vals)), 0, 0)
}

func (g *Generator) generateInstruction(inst *ir.Instruction, constMap []int) error {
	a := g.allocReg(inst.Result)

	switch inst.Op {
	case ir.OpAdd:
		g.emit3(vm.OpAdd, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpSub:
		g.emit3(vm.OpSub, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpMul:
		g.emit3(vm.OpMul, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpDiv:
		g.emit3(vm.OpDiv, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpMod:
		g.emit3(vm.OpMod, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpNeg:
		g.emit3(vm.OpNeg, a, g.getReg(inst.Operands[0]), 0)

	case ir.OpBitAnd:
		g.emit3(vm.OpAnd, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpBitOr:
		g.emit3(vm.OpOr, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpBitXor:
		g.emit3(vm.OpXor, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpBitNot:
		g.emit3(vm.OpNot, a, g.getReg(inst.Operands[0]), 0)
	case ir.OpShl:
		g.emit3(vm.OpShl, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpShr:
		g.emit3(vm.OpShr, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))

	case ir.OpEq:
		g.emit3(vm.OpEq, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpNeq:
		g.emit3(vm.OpNeq, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpLt:
		g.emit3(vm.OpLt, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpLte:
		g.emit3(vm.OpLte, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpGt:
		g.emit3(vm.OpGt, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpGte:
		g.emit3(vm.OpGte, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))

	case ir.OpLogAnd, ir.OpLogOr, ir.OpLogNot:
		return fmt.Errorf("logical ops must be lowered to branches before codegen: %s", inst.Op)

	case ir.OpFieldGet:
		// R[a] = R[a].field; move the base into a if it isn't already there.
		base := g.getReg(inst.Operands[0])
		if base != a {
			g.emit3(vm.OpCopy, a, base, 0)
		}
		g.emitImm(vm.OpFieldGet, a, uint16(g.internString(inst.FieldName)))

	case ir.OpFieldSet:
		base, val := inst.Operands[0], inst.Operands[1]
		g.emit3(vm.OpPush, g.getReg(val), 0, 0)
		baseReg := g.getReg(base)
		g.emitImm(vm.OpFieldSet, baseReg, uint16(g.internString(inst.FieldName)))

	case ir.OpIndexGet:
		g.emit3(vm.OpIndexGet, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))
	case ir.OpIndexSet:
		g.emit3(vm.OpIndexSet, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]), g.getReg(inst.Operands[2]))

	case ir.OpConst:
		g.emitImm(vm.OpLoadConst, a, uint16(constMap[inst.ConstIdx]))

	case ir.OpMakeVec:
		g.pushRawValues(inst.Operands)
		g.emit3(vm.OpMakeVec, a, g.popCountReg(len(inst.Operands)), 0)
	case ir.OpMakeTuple:
		g.pushRawValues(inst.Operands)
		g.emit3(vm.OpMakeTuple, a, g.popCountReg(len(inst.Operands)), 0)
	case ir.OpMakeObject:
		for i, v := range inst.Operands {
			nameIdx := g.internString(inst.FieldNames[i])
			nameReg := g.nextReg
			g.nextReg++
			g.emitImm(vm.OpLoadConst, nameReg, uint16(g.addConst(unit.Const{Kind: unit.ConstInteger, I: int64(nameIdx)})))
			g.emit3(vm.OpPush, nameReg, 0, 0)
			g.emit3(vm.OpPush, g.getReg(v), 0, 0)
		}
		g.emit3(vm.OpMakeObject, a, g.popCountReg(len(inst.Operands)), 0)
	case ir.OpMakeRange:
		g.emit3(vm.OpMakeRange, a, g.getReg(inst.Operands[0]), g.getReg(inst.Operands[1]))

	case ir.OpCopy:
		g.emit3(vm.OpCopy, a, g.getReg(inst.Operands[0]), 0)
	case ir.OpMove:
		g.emit3(vm.OpMove, a, g.getReg(inst.Operands[0]), 0)
	case ir.OpDrop:
		// No VM-level drop instruction: refcounts are advisory (spec §9);
		// dropping a binding early is purely a compile-time liveness fact.

	case ir.OpPhi:
		if len(inst.Operands) > 0 {
			g.emit3(vm.OpMove, a, g.getReg(inst.Operands[0]), 0)
		}

	case ir.OpCall:
		g.pushValuesWithCount(inst.Operands)
		g.emitImm(vm.OpCall, a, uint16(g.internHash(inst.Hash)))
	case ir.OpCallInstance:
		// Operands[0] is the receiver; it must already sit in a, since
		// OpCallInstance uses a as both receiver and result register.
		recv := g.getReg(inst.Operands[0])
		if recv != a {
			g.emit3(vm.OpCopy, a, recv, 0)
		}
		g.pushValuesWithCount(inst.Operands[1:])
		g.emitImm(vm.OpCallInstance, a, uint16(g.internHash(inst.Hash)))
	case ir.OpClosure:
		g.pushValuesWithCount(inst.Operands)
		g.emitImm(vm.OpClosure, a, uint16(g.internHash(inst.Hash)))

	case ir.OpAwait:
		base := g.getReg(inst.Operands[0])
		if base != a {
			g.emit3(vm.OpCopy, a, base, 0)
		}
		g.emit3(vm.OpAwait, a, 0, 0)
	case ir.OpYield:
		g.emit3(vm.OpYield, a, g.getReg(inst.Operands[0]), 0)
	case ir.OpYieldUnit:
		g.emit3(vm.OpYieldUnit, a, 0, 0)

	case ir.OpTry:
		g.emit3(vm.OpTry, a, g.getReg(inst.Operands[0]), 0)
	case ir.OpPanic:
		g.emitImm(vm.OpPanic, 0, uint16(constMap[inst.ConstIdx]))
	case ir.OpUnwrap:
		g.emit3(vm.OpUnwrap, a, g.getReg(inst.Operands[0]), 0)
	case ir.OpIsValue:
		base := g.getReg(inst.Operands[0])
		if base != a {
			g.emit3(vm.OpCopy, a, base, 0)
		}
		g.emitImm(vm.OpIsValue, a, uint16(g.internHash(inst.Hash)))

	case ir.OpConvert, ir.OpTruncate, ir.OpExtend:
		// No runtime representation change: every Value already carries its
		// own Tag, so a conversion is a no-op move at the bytecode level.
		g.emit3(vm.OpMove, a, g.getReg(inst.Operands[0]), 0)

	default:
		return fmt.Errorf("unsupported IR op: %s", inst.Op)
	}

	return nil
}

// popCountReg loads n as an Integer into a fresh scratch register for the
// Vec/Tuple/Object constructors, which read their element count from a
// genuine register operand (they are standard 3-address instructions, not
// wide-immediate, so there's room for it).
func (g *Generator) popCountReg(n int) uint8 {
	idx := g.addConst(unit.Const{Kind: unit.ConstInteger, I: int64(n)})
	r := g.nextReg
	g.nextReg++
	g.emitImm(vm.OpLoadConst, r, uint16(idx))
	return r
}

func (g *Generator) generateTerminator(term ir.Terminator) error {
	switch t := term.(type) {
	case *ir.TermReturn:
		if t.Value != nil {
			g.emit3(vm.OpReturn, g.getReg(*t.Value), 0, 0)
		} else {
			unitReg := g.nextReg
			g.nextReg++
			g.emit3(vm.OpLoadUnit, unitReg, 0, 0)
			g.emit3(vm.OpReturn, unitReg, 0, 0)
		}
	case *ir.TermBranch:
		g.patches = append(g.patches, patchEntry{wordOffset: len(g.code) / 4, label: t.Target.Label})
		g.emitImm(vm.OpJump, 0, 0)
	case *ir.TermCondBranch:
		g.patches = append(g.patches, patchEntry{wordOffset: len(g.code) / 4, label: t.FalseBlk.Label})
		g.emitImm(vm.OpJumpIfNot, g.getReg(t.Cond), 0)
		g.patches = append(g.patches, patchEntry{wordOffset: len(g.code) / 4, label: t.TrueBlk.Label})
		g.emitImm(vm.OpJump, 0, 0)
	case *ir.TermHalt:
		zeroReg := g.nextReg
		g.nextReg++
		g.emit3(vm.OpLoadUnit, zeroReg, 0, 0)
		g.emit3(vm.OpHalt, zeroReg, 0, 0)
	default:
		return fmt.Errorf("unsupported terminator: %T", term)
	}
	return nil
}
