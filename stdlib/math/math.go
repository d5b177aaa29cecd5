// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package math provides array operations for the Aster standard library.
//
// Inspired by J/APL-style array programming, this package provides
// high-level operations on typed arrays that compile to efficient
// register-based VM operations. IntArray is the plain-Go working type;
// Register exposes the same operations as RuntimeContext natives operating
// on Vec values of Integer elements.
package math

import (
	"fmt"

	"github.com/aster-lang/aster/internal/hash"
	"github.com/aster-lang/aster/internal/item"
	"github.com/aster-lang/aster/internal/runtimectx"
	"github.com/aster-lang/aster/internal/value"
)

// IntArray is a typed array of int64 values.
type IntArray struct {
	Data []int64
}

// NewIntArray creates a new array with the given values.
func NewIntArray(vals ...int64) *IntArray {
	data := make([]int64, len(vals))
	copy(data, vals)
	return &IntArray{Data: data}
}

// Len returns the length of the array.
func (a *IntArray) Len() int {
	return len(a.Data)
}

// Sum returns the sum of all elements (reduce +).
func (a *IntArray) Sum() int64 {
	var s int64
	for _, v := range a.Data {
		s += v
	}
	return s
}

// Map applies a function to each element (monadic map).
func (a *IntArray) Map(f func(int64) int64) *IntArray {
	result := make([]int64, len(a.Data))
	for i, v := range a.Data {
		result[i] = f(v)
	}
	return &IntArray{Data: result}
}

// Zip combines two arrays element-wise (dyadic zip).
func (a *IntArray) Zip(b *IntArray, f func(int64, int64) int64) *IntArray {
	n := len(a.Data)
	if len(b.Data) < n {
		n = len(b.Data)
	}
	result := make([]int64, n)
	for i := 0; i < n; i++ {
		result[i] = f(a.Data[i], b.Data[i])
	}
	return &IntArray{Data: result}
}

// Filter returns elements matching a predicate.
func (a *IntArray) Filter(f func(int64) bool) *IntArray {
	var result []int64
	for _, v := range a.Data {
		if f(v) {
			result = append(result, v)
		}
	}
	return &IntArray{Data: result}
}

// Reduce folds the array with a binary function.
func (a *IntArray) Reduce(init int64, f func(int64, int64) int64) int64 {
	acc := init
	for _, v := range a.Data {
		acc = f(acc, v)
	}
	return acc
}

// Iota creates an array [0, 1, 2, ..., n-1] (J-style iota).
func Iota(n int) *IntArray {
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(i)
	}
	return &IntArray{Data: data}
}

// Dot computes the dot product of two arrays.
func Dot(a, b *IntArray) int64 {
	return a.Zip(b, func(x, y int64) int64 { return x * y }).Sum()
}

var moduleRoot = item.Root("math")

func fnHash(name string) hash.Hash {
	return hash.TypeHash(moduleRoot.Child(name))
}

// Register installs iota/sum/dot as RuntimeContext natives operating on Vec
// values of Integer elements, reached via a plain OpCall once the
// assembler resolves `math.iota`/`math.sum`/`math.dot`.
func Register(rt *runtimectx.RuntimeContext) {
	rt.RegisterFunction(fnHash("iota"), nativeIota)
	rt.RegisterFunction(fnHash("sum"), nativeSum)
	rt.RegisterFunction(fnHash("dot"), nativeDot)
}

func vecToIntArray(v value.Value) (*IntArray, error) {
	if v.Tag != value.TagVec {
		return nil, fmt.Errorf("expected a vec argument, got %s", v.Tag)
	}
	elems := v.Cell().Data.(*value.Vec).Elems
	data := make([]int64, len(elems))
	for i, e := range elems {
		if e.Tag != value.TagInteger {
			return nil, fmt.Errorf("expected integer elements, got %s at index %d", e.Tag, i)
		}
		data[i] = e.AsInteger()
	}
	return &IntArray{Data: data}, nil
}

func intArrayToVec(a *IntArray) value.Value {
	elems := make([]value.Value, len(a.Data))
	for i, n := range a.Data {
		elems[i] = value.Integer(n)
	}
	return value.NewVec(elems)
}

func nativeIota(args []value.Value) (value.Value, error) {
	if len(args) != 1 || args[0].Tag != value.TagInteger {
		return value.Unit, fmt.Errorf("math.iota: expected 1 integer argument")
	}
	return intArrayToVec(Iota(int(args[0].AsInteger()))), nil
}

func nativeSum(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Unit, fmt.Errorf("math.sum: expected 1 vec argument")
	}
	a, err := vecToIntArray(args[0])
	if err != nil {
		return value.Unit, fmt.Errorf("math.sum: %w", err)
	}
	return value.Integer(a.Sum()), nil
}

func nativeDot(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Unit, fmt.Errorf("math.dot: expected 2 vec arguments")
	}
	a, err := vecToIntArray(args[0])
	if err != nil {
		return value.Unit, fmt.Errorf("math.dot: %w", err)
	}
	b, err := vecToIntArray(args[1])
	if err != nil {
		return value.Unit, fmt.Errorf("math.dot: %w", err)
	}
	return value.Integer(Dot(a, b)), nil
}
