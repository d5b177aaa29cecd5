// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package runtimectx implements the spec.md §4.5 RuntimeContext: the
// embedder-supplied registry of native functions and protocol
// implementations that a VM falls back to once a Unit's own function table
// has been consulted and found no match. Protocol dispatch (OpCallInstance)
// is a two-step lookup: the Unit's InstanceEntry table first, this registry
// second; MissingInstanceFunction only once both have missed.
//
// Grounded on internal/legacy_integration/engine.go's Execute, which wired a
// fixed ExecutionContext (caller, block number, gas limit) into every VM run.
// RuntimeContext generalizes that single blockchain-shaped context into an
// open, host-extensible registry: any embedder registers whatever native
// functions and type metadata its domain needs, the VM stays ignorant of
// what they do.
package runtimectx

import (
	"fmt"

	"github.com/aster-lang/aster/internal/hash"
	"github.com/aster-lang/aster/internal/value"
)

// NativeFunc is a host-implemented function or protocol method. args are
// the call's arguments (receiver first, for instance dispatch); the
// returned Value becomes the call's result.
type NativeFunc func(args []value.Value) (value.Value, error)

// TypeInfo carries host-supplied metadata about a type the VM treats
// opaquely (spec §4.5's Any runtime value), keyed by its type_hash.
type TypeInfo struct {
	Name string
	// Display is an optional host renderer for values carrying this type
	// hash. internal/vm does not call it; DISPLAY_FMT still dispatches
	// through registered native functions only.
	Display func(v value.Value) string
}

// ErrMissingInstanceFunction is returned by Call when neither the
// calling Unit's InstanceEntry table nor this RuntimeContext's native
// registry implements the requested instance_hash (spec §4.5 step 3).
type ErrMissingInstanceFunction struct {
	Instance hash.Hash
}

func (e *ErrMissingInstanceFunction) Error() string {
	return fmt.Sprintf("runtimectx: no implementation for instance hash %x", e.Instance)
}

// RuntimeContext is the embedder's native registry, shared read-only across
// every VM instance running in the same process (spec §5: per-VM
// single-threaded scheduling means no locking is needed here beyond what
// Register itself does during setup, before any VM runs).
type RuntimeContext struct {
	natives map[hash.Hash]NativeFunc
	types   map[hash.Hash]TypeInfo
}

// New creates an empty RuntimeContext; callers populate it with Register/
// RegisterType before handing it to a VM.
func New() *RuntimeContext {
	return &RuntimeContext{
		natives: make(map[hash.Hash]NativeFunc),
		types:   make(map[hash.Hash]TypeInfo),
	}
}

// Register installs fn as the implementation of instanceHash, the value
// OpCallInstance falls back to once a Unit's own InstanceEntry table has
// missed. Re-registering the same hash overwrites the previous entry.
func (rc *RuntimeContext) Register(instanceHash hash.Hash, fn NativeFunc) {
	rc.natives[instanceHash] = fn
}

// RegisterFunction is Register keyed by type_hash directly, for top-level
// native functions reached via OpCall rather than protocol dispatch.
func (rc *RuntimeContext) RegisterFunction(typeHash hash.Hash, fn NativeFunc) {
	rc.natives[typeHash] = fn
}

// RegisterType attaches metadata to a host-defined type, keyed by its
// type_hash and returned by TypeInfo. internal/vm does not read it:
// OpIsValue compares type hashes only.
func (rc *RuntimeContext) RegisterType(typeHash hash.Hash, info TypeInfo) {
	rc.types[typeHash] = info
}

// Lookup returns the native function registered for h, if any.
func (rc *RuntimeContext) Lookup(h hash.Hash) (NativeFunc, bool) {
	fn, ok := rc.natives[h]
	return fn, ok
}

// TypeInfo returns the metadata registered for a type_hash, if any.
func (rc *RuntimeContext) TypeInfo(typeHash hash.Hash) (TypeInfo, bool) {
	info, ok := rc.types[typeHash]
	return info, ok
}

// Call invokes the native function registered for h with args, translating
// an unregistered hash into ErrMissingInstanceFunction so callers (the VM's
// OpCallInstance handler) can render a uniform diagnostic regardless of
// whether the miss happened in the Unit's table or here.
func (rc *RuntimeContext) Call(h hash.Hash, args []value.Value) (value.Value, error) {
	fn, ok := rc.natives[h]
	if !ok {
		return value.Unit, &ErrMissingInstanceFunction{Instance: h}
	}
	return fn(args)
}
