// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// (at your option) any later version.

// Package hash computes the 64-bit fingerprints the VM uses as its sole
// identifier for function dispatch and type identity (spec.md §3).
//
// Grounded on the teacher vm/opcodes.go's table-driven style, replacing its
// placeholder ConstIdx-only approach with a real digest over each Item's
// canonical encoding via github.com/cespare/xxhash/v2.
package hash

import (
	"github.com/cespare/xxhash/v2"

	"github.com/aster-lang/aster/internal/item"
)

// Hash is a 64-bit fingerprint, stable across builds for the same input
// (the external ABI guarantee spec §6 requires of protocol hashes).
type Hash uint64

// TypeHash computes type_hash(item): the canonical fingerprint of an Item's
// identity. type_hash(a) == type_hash(b) iff a == b (spec §8), which holds
// here because xxhash is deterministic over Item.Encode's injective byte
// encoding.
func TypeHash(it item.Item) Hash {
	return Hash(xxhash.Sum64(it.Encode()))
}

// InstanceHash computes instance_hash(item, protocol_or_name): the
// fingerprint used to look up a method or operator implementation for a
// specific type. It combines the type's hash with the protocol/name hash
// via a second digest pass so that InstanceHash(T, P) never collides with
// TypeHash(T) or TypeHash(P) themselves.
func InstanceHash(it item.Item, protocolOrName string) Hash {
	return CombineWithName(TypeHash(it), protocolOrName)
}

// Combine folds a protocol hash into a type hash, matching the dispatch
// algorithm of spec §4.5 step 1 (`combine(type_hash(V), hash)`).
func Combine(typeHash Hash, protocolHash Hash) Hash {
	var buf [16]byte
	putUint64(buf[:8], uint64(typeHash))
	putUint64(buf[8:], uint64(protocolHash))
	return Hash(xxhash.Sum64(buf[:]))
}

// CombineWithName is Combine with the protocol/method identified by name
// rather than an already-computed Hash.
func CombineWithName(typeHash Hash, name string) Hash {
	return Combine(typeHash, Hash(xxhash.Sum64String(name)))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
