// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package hash

import "github.com/cespare/xxhash/v2"

// Protocol names the built-in operators/methods with externally stable
// hashes (spec §6 "Protocol hash stability" — a Unit compiled by one
// implementation must be runnable by a compatible one).
type Protocol string

const (
	ADD          Protocol = "ADD"
	SUB          Protocol = "SUB"
	MUL          Protocol = "MUL"
	DIV          Protocol = "DIV"
	REM          Protocol = "REM"
	EQ           Protocol = "EQ"
	CMP          Protocol = "CMP"
	HASH         Protocol = "HASH"
	DISPLAY_FMT  Protocol = "DISPLAY_FMT"
	DEBUG_FMT    Protocol = "DEBUG_FMT"
	INTO_ITER    Protocol = "INTO_ITER"
	NEXT         Protocol = "NEXT"
	NEXT_BACK    Protocol = "NEXT_BACK"
	INDEX_GET    Protocol = "INDEX_GET"
	INDEX_SET    Protocol = "INDEX_SET"
	GET          Protocol = "GET"
	SET          Protocol = "SET"
	CLONE        Protocol = "CLONE"
	DROP         Protocol = "DROP"
	TRY          Protocol = "TRY"
	INTO_FUTURE  Protocol = "INTO_FUTURE"
)

// builtinProtocols lists every protocol whose hash is part of the external
// ABI; Table() below resolves all of them up front so the mapping is fixed
// even if callers never touch the Hash function directly.
var builtinProtocols = []Protocol{
	ADD, SUB, MUL, DIV, REM, EQ, CMP, HASH, DISPLAY_FMT, DEBUG_FMT,
	INTO_ITER, NEXT, NEXT_BACK, INDEX_GET, INDEX_SET, GET, SET, CLONE,
	DROP, TRY, INTO_FUTURE,
}

// Hash returns the protocol's stable 64-bit fingerprint.
func (p Protocol) Hash() Hash {
	return Hash(xxhash.Sum64String(string(p)))
}

// Table maps every built-in protocol's name to its stable hash, for
// RuntimeContext setup and disassembly listings.
func Table() map[Protocol]Hash {
	t := make(map[Protocol]Hash, len(builtinProtocols))
	for _, p := range builtinProtocols {
		t[p] = p.Hash()
	}
	return t
}

// Lookup resolves a Hash back to its Protocol name, for disassembly; ok is
// false for hashes that don't correspond to a built-in protocol (e.g.
// instance hashes, or user-defined method names).
func Lookup(h Hash) (Protocol, bool) {
	for _, p := range builtinProtocols {
		if p.Hash() == h {
			return p, true
		}
	}
	return "", false
}
