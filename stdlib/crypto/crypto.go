// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package crypto provides hashing natives for the Aster standard library,
// registered into a host RuntimeContext under the `crypto` module path.
package crypto

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/aster-lang/aster/internal/hash"
	"github.com/aster-lang/aster/internal/item"
	"github.com/aster-lang/aster/internal/runtimectx"
	"github.com/aster-lang/aster/internal/value"
)

// moduleRoot is the Item path every native function here is keyed under,
// matching the assembler's convention of resolving OpCall's target as
// type_hash(item_path) (internal/hash.TypeHash).
var moduleRoot = item.Root("crypto")

// Hash computes SHA3-256 of data.
func Hash(data []byte) [32]byte {
	return sha3.Sum256(data)
}

// SHAKE256 computes outputLen bytes of SHAKE256 output for data.
func SHAKE256(data []byte, outputLen int) []byte {
	out := make([]byte, outputLen)
	sha3.ShakeSum256(out, data)
	return out
}

// Register installs this package's natives into rt, keyed by
// `crypto.sha3_256` / `crypto.shake256` so Aster source can reach them via
// a plain OpCall once the assembler resolves those paths.
func Register(rt *runtimectx.RuntimeContext) {
	rt.RegisterFunction(fnHash("sha3_256"), nativeSHA3256)
	rt.RegisterFunction(fnHash("shake256"), nativeSHAKE256)
}

func fnHash(name string) hash.Hash {
	return hash.TypeHash(moduleRoot.Child(name))
}

func nativeSHA3256(args []value.Value) (value.Value, error) {
	if len(args) != 1 || args[0].Tag != value.TagBytes {
		return value.Unit, fmt.Errorf("crypto.sha3_256: expected 1 bytes argument")
	}
	digest := Hash(args[0].Cell().Data.([]byte))
	return value.NewBytes(digest[:]), nil
}

func nativeSHAKE256(args []value.Value) (value.Value, error) {
	if len(args) != 2 || args[0].Tag != value.TagBytes || args[1].Tag != value.TagInteger {
		return value.Unit, fmt.Errorf("crypto.shake256: expected (bytes, integer) arguments")
	}
	out := SHAKE256(args[0].Cell().Data.([]byte), int(args[1].AsInteger()))
	return value.NewBytes(out), nil
}
