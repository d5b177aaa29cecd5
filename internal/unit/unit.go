// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package unit implements the immutable, ref-counted compiled Unit of
// spec.md §3/§6: the output of a successful build, and the only thing a VM
// needs (together with a RuntimeContext) to run.
//
// Grounded on internal/legacy_integration/engine.go's length-prefixed,
// magic-tagged binary contract encoding: the same framing generalizes from
// "one magic-prefixed blob of opcode bytes + a constant pool" to six named
// sections, each independently length-prefixed.
package unit

import (
	"github.com/aster-lang/aster/internal/hash"
)

// FnKind mirrors ast.FnKind/ir.FnKind's suspension classification.
type FnKind uint8

const (
	FnPlain FnKind = iota
	FnAsync
	FnGenerator
	FnAsyncGenerator
)

// FunctionDef locates one compiled function inside Instructions and carries
// the metadata the VM's call/protocol-dispatch logic needs.
type FunctionDef struct {
	Hash     hash.Hash // type_hash of this function's Item; OpCall's target
	Name     string    // for disassembly and diagnostics only
	Kind     FnKind
	Params   int
	Locals   int // number of registers this function's frame needs
	Captures int // number of closure captures expected, 0 for top-level fns
	Offset   uint32 // instruction offset, in 4-byte words, of the first instruction
	Length   uint32 // instruction count
}

// ConstKind tags one entry of a Unit's constant pool.
type ConstKind uint8

const (
	ConstUnit ConstKind = iota
	ConstBool
	ConstInteger
	ConstFloat
	ConstStringRef // index into StaticStrings
	ConstBytesRef  // index into StaticBytes
	ConstHash      // a type_hash/instance_hash value, for OpIsValue/OpCallInstance
)

// Const is one entry of a Unit's constant pool, loaded by OpLoadConst.
type Const struct {
	Kind ConstKind
	I    int64
	F    float64
	Ref  uint32 // index into StaticStrings/StaticBytes for the Ref kinds
}

// InstanceEntry maps one instance_hash to the defining function's hash, for
// protocol dispatch against a user type (spec §4.5 step 2).
type InstanceEntry struct {
	Instance hash.Hash
	Function hash.Hash
}

// DebugInfo carries source-mapping metadata for diagnostics and
// disassembly; optional, never consulted by the VM's execution loop.
type DebugInfo struct {
	SourceNames []string
	Lines       map[uint32]uint32 // instruction offset -> source line
}

// Unit is the immutable, shareable result of a successful build (spec §3).
// Multiple VM instances may run the same *Unit concurrently: nothing in it
// is ever mutated after New returns.
type Unit struct {
	Instructions  []byte // 4-byte fixed-width instruction words, see internal/vm
	Functions     []FunctionDef
	Constants     []Const
	StaticStrings []string
	StaticBytes   [][]byte
	Instances     []InstanceEntry
	Debug         DebugInfo

	byHash map[hash.Hash]*FunctionDef
	byInst map[hash.Hash]hash.Hash
}

// New builds a Unit from its component sections and indexes it for lookup.
func New(instructions []byte, functions []FunctionDef, constants []Const, strs []string, bytes_ [][]byte, instances []InstanceEntry, debug DebugInfo) *Unit {
	u := &Unit{
		Instructions:  instructions,
		Functions:     functions,
		Constants:     constants,
		StaticStrings: strs,
		StaticBytes:   bytes_,
		Instances:     instances,
		Debug:         debug,
	}
	u.index()
	return u
}

func (u *Unit) index() {
	u.byHash = make(map[hash.Hash]*FunctionDef, len(u.Functions))
	for i := range u.Functions {
		u.byHash[u.Functions[i].Hash] = &u.Functions[i]
	}
	u.byInst = make(map[hash.Hash]hash.Hash, len(u.Instances))
	for _, e := range u.Instances {
		u.byInst[e.Instance] = e.Function
	}
}

// FunctionByHash looks up a compiled function by its type_hash, the target
// of OpCall.
func (u *Unit) FunctionByHash(h hash.Hash) (*FunctionDef, bool) {
	fn, ok := u.byHash[h]
	return fn, ok
}

// FunctionByInstance resolves an instance_hash to its implementing
// function's hash, spec §4.5 step 2 of protocol dispatch.
func (u *Unit) FunctionByInstance(instance hash.Hash) (hash.Hash, bool) {
	h, ok := u.byInst[instance]
	return h, ok
}

// String resolves a StaticStrings index, used by OpFieldGet/OpFieldSet and
// OpMakeObject to turn a constant-pool reference into a field name.
func (u *Unit) String(ref uint32) string {
	if int(ref) >= len(u.StaticStrings) {
		return ""
	}
	return u.StaticStrings[ref]
}

// Bytes resolves a StaticBytes index.
func (u *Unit) Bytes(ref uint32) []byte {
	if int(ref) >= len(u.StaticBytes) {
		return nil
	}
	return u.StaticBytes[ref]
}
