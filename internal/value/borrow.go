// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// (at your option) any later version.

// Cell implements the shared, refcounted, borrow-checked container every
// heap-backed Value lives inside (spec.md §3 "Shared cell").
//
// Grounded on the teacher's lang/types/linear.go LinearChecker: its
// move-once/drop-once discipline (`bindingState{typ, moved}`) generalizes
// directly into a three-state machine — the boolean `moved` flag becomes a
// `BorrowState` enum, and `Use`'s single-consumer assumption becomes a
// shared-borrow counter with an exclusive-borrow exclusion check.
package value

import (
	"errors"
	"fmt"
	"sync"
)

// BorrowState is the state of a Cell's borrow discipline (spec §3):
// Unborrowed, Shared(n) for n concurrent shared borrows, or Exclusive.
type BorrowState int

const (
	Unborrowed BorrowState = iota
	Shared
	Exclusive
)

func (s BorrowState) String() string {
	switch s {
	case Unborrowed:
		return "unborrowed"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("borrow_state(%d)", int(s))
	}
}

// ErrBorrowConflict is VmError::BorrowConflict from spec §7/§8: an attempt
// to take a borrow that the current BorrowState disallows.
var ErrBorrowConflict = errors.New("value: borrow conflict")

// BorrowError carries the conflicting request alongside the sentinel so
// callers can report which access pattern failed.
type BorrowError struct {
	Requested BorrowState
	Current   BorrowState
	SharedN   int
}

func (e *BorrowError) Error() string {
	return fmt.Sprintf("%v: requested %s borrow while cell is %s (shared=%d)",
		ErrBorrowConflict, e.Requested, e.Current, e.SharedN)
}

func (e *BorrowError) Unwrap() error { return ErrBorrowConflict }

// Cell is the heap box backing every shared Value variant. Per spec §8,
// at all times `shared_count == 0 ∨ exclusive_count == 0` — Borrow enforces
// this invariant by construction rather than checking it after the fact.
//
// Borrow attempts never block (spec §5's "non-blocking" rationale: guest
// code must not deadlock the host); a conflicting attempt returns
// *BorrowError immediately.
type Cell struct {
	mu          sync.Mutex
	refCount    int32
	state       BorrowState
	sharedCount int

	// Data holds the underlying payload: string, []byte, *Vec, *Object,
	// *Range, *Future, *Stream, *Generator, *GeneratorState, *Function,
	// *Format, *Iterator, or *Any, depending on the owning Value's Tag.
	Data interface{}
}

// Release is returned by BorrowShared/BorrowExclusive to end that borrow.
// Calling it more than once is a programming error but is idempotent after
// the first call returns the cell to Unborrowed.
type Release func()

// BorrowShared takes a non-exclusive borrow. Fails with *BorrowError if the
// cell is currently Exclusive.
func (c *Cell) BorrowShared() (Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Exclusive {
		return nil, &BorrowError{Requested: Shared, Current: c.state}
	}
	c.state = Shared
	c.sharedCount++
	released := false
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if released {
			return
		}
		released = true
		c.sharedCount--
		if c.sharedCount == 0 {
			c.state = Unborrowed
		}
	}, nil
}

// BorrowExclusive takes an exclusive (mutating) borrow. Fails with
// *BorrowError if the cell has any live shared borrow or is already
// Exclusive — this is the check spec §8 scenario 5 exercises via
// IndexSet against a host-held shared borrow.
func (c *Cell) BorrowExclusive() (Release, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Unborrowed {
		return nil, &BorrowError{Requested: Exclusive, Current: c.state, SharedN: c.sharedCount}
	}
	c.state = Exclusive
	released := false
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if released {
			return
		}
		released = true
		c.state = Unborrowed
	}, nil
}

// State reports the cell's current borrow state and shared-borrow count.
func (c *Cell) State() (BorrowState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sharedCount
}

// Retain increments the refcount, mirroring a non-`move` Copy of a shared
// Value (the teacher's `LinearChecker.Use` on a non-linear binding).
func (c *Cell) Retain() {
	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()
}

// ReleaseRef decrements the refcount and reports whether it reached zero.
// Cyclic references (Tuple/Object/Vec cycles) are permitted per spec §9 —
// this is advisory refcounting, not a collector; reaching zero only means
// the VM may stop tracking the cell, not that cycles are broken.
func (c *Cell) ReleaseRef() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount--
	return c.refCount <= 0
}

// RefCount reports the current reference count.
func (c *Cell) RefCount() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount
}

// BorrowShared/BorrowExclusive on a Value delegate to its Cell. Calling
// either on an immediate (non-shared) Value is a no-op that always
// succeeds, since the assembler only ever emits borrow-sensitive opcodes
// (IndexGet/IndexSet and friends) against shared-tagged registers in
// practice, but a defensive caller shouldn't have to special-case nil.

// BorrowShared takes a shared borrow on v's cell.
func (v Value) BorrowShared() (Release, error) {
	if v.cell == nil {
		return func() {}, nil
	}
	return v.cell.BorrowShared()
}

// BorrowExclusive takes an exclusive borrow on v's cell.
func (v Value) BorrowExclusive() (Release, error) {
	if v.cell == nil {
		return func() {}, nil
	}
	return v.cell.BorrowExclusive()
}
