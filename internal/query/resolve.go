// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package query

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/aster-lang/aster/internal/item"
)

// ResolveErrorKind classifies a path-resolution failure, per spec §4.3.2.
type ResolveErrorKind int

const (
	UnresolvedPath ResolveErrorKind = iota
	NotVisible
	AmbiguousItem
)

func (k ResolveErrorKind) String() string {
	switch k {
	case UnresolvedPath:
		return "UnresolvedPath"
	case NotVisible:
		return "NotVisible"
	case AmbiguousItem:
		return "AmbiguousItem"
	default:
		return fmt.Sprintf("resolve_error(%d)", int(k))
	}
}

// ResolveError reports why a path could not be resolved, carrying the
// requesting module so diagnostics can point at the use site.
type ResolveError struct {
	Kind  ResolveErrorKind
	Path  []string
	From  item.Item
	Candidates []item.Item // populated for AmbiguousItem
}

func (e *ResolveError) Error() string {
	switch e.Kind {
	case NotVisible:
		return fmt.Sprintf("%s is not visible from %s", joinPath(e.Path), e.From.String())
	case AmbiguousItem:
		return fmt.Sprintf("%s is ambiguous between %d candidates", joinPath(e.Path), len(e.Candidates))
	default:
		return fmt.Sprintf("unresolved path %s", joinPath(e.Path))
	}
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "::"
		}
		out += p
	}
	return out
}

// wildcardImport records one `use a::*;` declaration local to a module, in
// the source order it was declared — precedence among wildcards is resolved
// by declaration order (spec §4.3.3: "most-recent wildcard wins on tie").
type wildcardImport struct {
	target item.Item
	order  int
}

// Resolver resolves item paths against an Index, expanding explicit and
// wildcard imports and enforcing visibility.
//
// Grounded on the teacher's LinearChecker's single-pass, stateful-map
// resolution shape, generalized from a flat binding table to a per-module
// cache keyed by (module, path) and backed by an LRU so repeated resolutions
// of the same path during compilation don't re-walk the import graph.
type Resolver struct {
	idx   *Index
	cache *lru.Cache
}

// NewResolver builds a Resolver over idx with a resolution cache sized n.
func NewResolver(idx *Index, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, _ := lru.New(cacheSize)
	return &Resolver{idx: idx, cache: c}
}

type cacheKey struct {
	module string
	path   string
}

// Resolve finds the Entry named by path as seen from the module `from`,
// applying Aster's path-resolution rules: an absolute path starting with the
// crate name or a single-segment path matching a direct child of `from` is
// tried first, then explicit imports, then wildcard imports in the
// precedence order described on wildcardImport.
func (r *Resolver) Resolve(path []string, from item.Item) (*Entry, error) {
	if len(path) == 0 {
		return nil, &ResolveError{Kind: UnresolvedPath, Path: path, From: from}
	}
	key := cacheKey{module: from.String(), path: joinPath(path)}
	if v, ok := r.cache.Get(key); ok {
		cached := v.(resolveResult)
		return cached.entry, cached.err
	}
	e, err := r.resolveUncached(path, from, map[string]bool{})
	r.cache.Add(key, resolveResult{entry: e, err: err})
	return e, err
}

type resolveResult struct {
	entry *Entry
	err   error
}

func (r *Resolver) resolveUncached(path []string, from item.Item, inProgress map[string]bool) (*Entry, error) {
	// Absolute path rooted at the crate name.
	if len(path) > 0 && path[0] == r.idx.Crate {
		it := item.Root(r.idx.Crate)
		for _, seg := range path[1:] {
			it = it.Child(seg)
		}
		return r.lookupVisible(it, from)
	}

	// Single segment: try direct child of `from` first.
	head := path[0]
	if direct, ok := r.idx.Lookup(from.Child(head)); ok && direct.Kind != KindImport {
		if len(path) == 1 {
			return r.checkVisible(direct, from)
		}
		return r.resolveRemainder(direct, path[1:], from)
	}

	// Explicit and wildcard imports declared directly inside `from`.
	resolved, err := r.resolveViaImports(head, from, inProgress)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, &ResolveError{Kind: UnresolvedPath, Path: path, From: from}
	}
	if len(path) == 1 {
		return r.checkVisible(resolved, from)
	}
	return r.resolveRemainder(resolved, path[1:], from)
}

// resolveRemainder continues resolution of path segments after entry, used
// once the first segment has resolved to a module/struct/enum.
func (r *Resolver) resolveRemainder(entry *Entry, rest []string, from item.Item) (*Entry, error) {
	cur := entry
	for i, seg := range rest {
		if cur.Kind != KindModule && cur.Kind != KindEnum {
			return nil, &ResolveError{Kind: UnresolvedPath, Path: rest, From: from}
		}
		child, ok := r.idx.Lookup(cur.Item.Child(seg))
		if !ok {
			return nil, &ResolveError{Kind: UnresolvedPath, Path: rest[i:], From: from}
		}
		cur = child
	}
	return r.checkVisible(cur, from)
}

// resolveViaImports walks `from`'s own UseDecl entries looking for a binding
// of name, honoring explicit-beats-wildcard and recency-breaks-wildcard-ties.
func (r *Resolver) resolveViaImports(name string, from item.Item, inProgress map[string]bool) (*Entry, error) {
	moduleKey := from.String() + "::" + name
	if inProgress[moduleKey] {
		return nil, nil // cyclic import chain; treat as no binding rather than loop
	}
	inProgress[moduleKey] = true
	defer delete(inProgress, moduleKey)

	var wildcards []wildcardImport
	order := 0
	for _, e := range r.idx.Children(from) {
		switch e.Kind {
		case KindImport:
			bound := e.ImportAlias
			if bound == "" && len(e.ImportPath) > 0 {
				bound = e.ImportPath[len(e.ImportPath)-1]
			}
			if bound == name {
				target, err := r.resolveUncached(e.ImportPath, from, inProgress)
				if err != nil {
					return nil, err
				}
				return target, nil
			}
		case KindWildcardImport:
			targetItem, err := r.resolveUncached(e.ImportPath, from, inProgress)
			if err == nil && targetItem != nil {
				wildcards = append(wildcards, wildcardImport{target: targetItem.Item, order: order})
			}
			order++
		}
	}

	// Explicit imports take precedence over wildcards; none matched above,
	// so search wildcard targets from most-recently-declared to least.
	var winner *Entry
	var winnerOrder = -1
	for _, w := range wildcards {
		child, ok := r.idx.Lookup(w.target.Child(name))
		if !ok || child.Visibility == Inherited {
			continue
		}
		if w.order > winnerOrder {
			winner = child
			winnerOrder = w.order
		}
	}
	return winner, nil
}

// lookupVisible looks up it directly and enforces visibility from `from`.
func (r *Resolver) lookupVisible(it item.Item, from item.Item) (*Entry, error) {
	e, ok := r.idx.Lookup(it)
	if !ok {
		return nil, &ResolveError{Kind: UnresolvedPath, Path: []string{it.String()}, From: from}
	}
	return r.checkVisible(e, from)
}

// checkVisible enforces spec §4.3.4: pub is visible everywhere, pub(crate)
// within the crate, inherited only within the same module subtree as `from`.
func (r *Resolver) checkVisible(e *Entry, from item.Item) (*Entry, error) {
	switch e.Visibility {
	case Pub:
		return e, nil
	case PubCrate:
		return e, nil
	default: // Inherited
		if isWithinSubtree(from, e.ModulePath) {
			return e, nil
		}
		return nil, &ResolveError{Kind: NotVisible, Path: []string{e.Item.String()}, From: from}
	}
}

// isWithinSubtree reports whether from is e's declaring module or nested
// inside it (inherited visibility reaches the whole module subtree).
func isWithinSubtree(from, module item.Item) bool {
	if len(from.Components) < len(module.Components) {
		return false
	}
	prefix := item.Item{Components: from.Components[:len(module.Components)]}
	return prefix.Equals(module)
}
