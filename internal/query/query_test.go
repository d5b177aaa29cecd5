// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aster-lang/aster/internal/item"
	"github.com/aster-lang/aster/internal/parser"
	"github.com/aster-lang/aster/internal/source"
)

func mustIndex(t *testing.T, crate, src string) (*Index, source.Id) {
	t.Helper()
	prog, errs := parser.Parse("test.aster", src)
	require.Empty(t, errs)
	store := source.NewStore()
	id := store.Add("test.aster", src)
	idx := NewIndexer(crate, id).Index(prog)
	return idx, id
}

// TestVisibilityNotVisible exercises spec §8 scenario 6: calling a private
// sibling item from outside its declaring module fails with NotVisible.
func TestVisibilityNotVisible(t *testing.T) {
	src := `
mod a {
	fn hidden() { 42 }
	pub fn visible() { hidden() }
}
pub fn main() { a::hidden() }
`
	idx, _ := mustIndex(t, "crate", src)
	r := NewResolver(idx, 64)

	root := item.Root("crate")
	_, err := r.Resolve([]string{"a", "hidden"}, root)
	require.Error(t, err)
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, NotVisible, rerr.Kind)

	// hidden() is resolvable from within its own module subtree.
	modA := root.Child("a")
	entry, err := r.Resolve([]string{"hidden"}, modA)
	require.NoError(t, err)
	require.Equal(t, KindFunction, entry.Kind)
}

func TestVisibilityPubResolvesEverywhere(t *testing.T) {
	src := `
mod a {
	pub fn visible() { 1 }
}
pub fn main() { a::visible() }
`
	idx, _ := mustIndex(t, "crate", src)
	r := NewResolver(idx, 64)
	entry, err := r.Resolve([]string{"a", "visible"}, item.Root("crate"))
	require.NoError(t, err)
	require.Equal(t, Pub, entry.Visibility)
}

func TestExplicitImportResolves(t *testing.T) {
	src := `
mod a {
	pub fn helper() { 1 }
}
use a::helper;
pub fn main() { helper() }
`
	idx, _ := mustIndex(t, "crate", src)
	r := NewResolver(idx, 64)
	entry, err := r.Resolve([]string{"helper"}, item.Root("crate"))
	require.NoError(t, err)
	require.Equal(t, KindFunction, entry.Kind)
	require.Equal(t, "crate::a::helper", entry.Item.String())
}

func TestWildcardImportResolves(t *testing.T) {
	src := `
mod a {
	pub fn helper() { 1 }
}
use a::*;
pub fn main() { helper() }
`
	idx, _ := mustIndex(t, "crate", src)
	r := NewResolver(idx, 64)
	entry, err := r.Resolve([]string{"helper"}, item.Root("crate"))
	require.NoError(t, err)
	require.Equal(t, "crate::a::helper", entry.Item.String())
}

func TestExplicitImportBeatsWildcard(t *testing.T) {
	src := `
mod a {
	pub fn helper() { 1 }
}
mod b {
	pub fn helper() { 2 }
}
use a::*;
use b::helper;
pub fn main() { helper() }
`
	idx, _ := mustIndex(t, "crate", src)
	r := NewResolver(idx, 64)
	entry, err := r.Resolve([]string{"helper"}, item.Root("crate"))
	require.NoError(t, err)
	require.Equal(t, "crate::b::helper", entry.Item.String())
}

func TestConstEvalArithmetic(t *testing.T) {
	src := `const ANSWER = 40 + 2;`
	idx, _ := mustIndex(t, "crate", src)
	ce := NewConstEvaluator(idx, 0)
	v, err := ce.Eval(item.Root("crate").Child("ANSWER"))
	require.NoError(t, err)
	require.Equal(t, int64(42), v.AsInteger())
}

func TestConstEvalCycleDetected(t *testing.T) {
	src := `
const A = B + 1;
const B = A + 1;
`
	idx, _ := mustIndex(t, "crate", src)
	ce := NewConstEvaluator(idx, 0)
	_, err := ce.Eval(item.Root("crate").Child("A"))
	require.Error(t, err)
	var cerr *ConstEvalError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ConstCycle, cerr.Kind)
}

func TestConstEvalBudgetExceeded(t *testing.T) {
	src := `const DEEP = 1 + 1 + 1 + 1 + 1;`
	idx, _ := mustIndex(t, "crate", src)
	ce := NewConstEvaluator(idx, 2)
	_, err := ce.Eval(item.Root("crate").Child("DEEP"))
	require.Error(t, err)
	var cerr *ConstEvalError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ConstEvalBudgetExceeded, cerr.Kind)
}
