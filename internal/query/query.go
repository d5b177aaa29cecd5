// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// (at your option) any later version.

// Package query implements the indexing, path-resolution, import-expansion,
// visibility-checking, and const-evaluation responsibilities of spec.md §4.3.
//
// Grounded on the teacher's lang/types/linear.go checker shape (a small
// stateful walker producing structured errors) and lang/ir/builder.go (a
// single-pass builder accumulating into one owned structure), generalized
// from per-function linear checking to per-module item indexing.
package query

import (
	"fmt"

	"github.com/aster-lang/aster/internal/ast"
	"github.com/aster-lang/aster/internal/item"
	"github.com/aster-lang/aster/internal/source"
	"github.com/aster-lang/aster/internal/token"
)

// Visibility is the access level of an indexed Entry, per spec §4.3.4.
type Visibility int

const (
	// Inherited is visible only within the same module subtree.
	Inherited Visibility = iota
	// PubCrate is visible anywhere within the same crate root.
	PubCrate
	// Pub is visible from anywhere, including other crates.
	Pub
)

func (v Visibility) String() string {
	switch v {
	case Pub:
		return "pub"
	case PubCrate:
		return "pub(crate)"
	default:
		return "inherited"
	}
}

// EntryKind classifies what an indexed Item names, per spec §3's Query entry.
type EntryKind int

const (
	KindModule EntryKind = iota
	KindFunction
	KindStruct
	KindEnum
	KindVariant
	KindConst
	KindImport
	KindWildcardImport
	KindProtocol
	KindImpl
)

func (k EntryKind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindFunction:
		return "function"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindVariant:
		return "variant"
	case KindConst:
		return "const"
	case KindImport:
		return "import"
	case KindWildcardImport:
		return "wildcard_import"
	case KindProtocol:
		return "protocol"
	case KindImpl:
		return "impl"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is one indexed item: `{ item, kind, visibility, source_location,
// ast_id }` from spec §3.
type Entry struct {
	Item       item.Item
	Kind       EntryKind
	Visibility Visibility
	Span       source.Span
	Node       ast.Node // the declaring AST node ("ast_id" in the spec)

	IsAsync bool // set for KindFunction
	IsTest  bool // #[test]
	IsBench bool // #[bench]

	// ImportPath/ImportAlias are set for KindImport/KindWildcardImport.
	ImportPath  []string
	ImportAlias string

	// ModulePath is the enclosing module of this entry (its Item's parent).
	ModulePath item.Item
}

// Index is the result of walking one crate's parsed declarations: every
// item reachable from the crate root, keyed by its canonical path string.
type Index struct {
	Crate   string
	entries map[string]*Entry
	// modules maps a module Item's path string to the ordered list of entries
	// declared directly inside it — the shape import expansion walks.
	modules map[string][]*Entry
}

// Lookup returns the entry for exactly this Item, if indexed.
func (idx *Index) Lookup(it item.Item) (*Entry, bool) {
	e, ok := idx.entries[it.String()]
	return e, ok
}

// Children returns the entries declared directly inside the module named by
// it (it must itself be a KindModule entry, or the crate root).
func (idx *Index) Children(it item.Item) []*Entry {
	return idx.modules[it.String()]
}

// All returns every indexed entry, for diagnostics and tests.
func (idx *Index) All() []*Entry {
	out := make([]*Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	return out
}

// Indexer walks a parsed Program and builds an Index.
type Indexer struct {
	crate   string
	src     source.Id
	entries map[string]*Entry
	modules map[string][]*Entry
	anonSeq uint32
}

// NewIndexer creates an indexer for a crate named crate (the root component
// of every Item it produces). src identifies the Program's source text for
// the Spans attached to indexed entries.
func NewIndexer(crate string, src source.Id) *Indexer {
	return &Indexer{
		crate:   crate,
		src:     src,
		entries: make(map[string]*Entry),
		modules: make(map[string][]*Entry),
	}
}

// Index walks prog's top-level declarations and returns the built Index.
func (ix *Indexer) Index(prog *ast.Program) *Index {
	root := item.Root(ix.crate)
	ix.indexDecls(root, prog.Declarations)
	return &Index{Crate: ix.crate, entries: ix.entries, modules: ix.modules}
}

func visibilityOf(public bool) Visibility {
	if public {
		return Pub
	}
	return Inherited
}

func (ix *Indexer) spanOf(tok token.Token) source.Span {
	start := uint32(tok.Pos.Offset)
	return source.Span{Source: ix.src, Start: start, End: start + uint32(len(tok.Literal))}
}

func (ix *Indexer) add(module item.Item, e *Entry) {
	e.ModulePath = module
	ix.entries[e.Item.String()] = e
	ix.modules[module.String()] = append(ix.modules[module.String()], e)
}

func (ix *Indexer) indexDecls(module item.Item, decls []ast.Declaration) {
	for _, d := range decls {
		switch n := d.(type) {
		case *ast.FnDecl:
			ix.add(module, &Entry{
				Item:       module.Child(n.Name),
				Kind:       KindFunction,
				Visibility: visibilityOf(n.Public),
				Node:       n,
				Span:       ix.spanOf(n.Token),
				IsAsync:    n.Kind == ast.FnAsync || n.Kind == ast.FnAsyncGenerator,
			})

		case *ast.StructDecl:
			structItem := module.Child(n.Name)
			ix.add(module, &Entry{
				Item:       structItem,
				Kind:       KindStruct,
				Visibility: visibilityOf(n.Public),
				Node:       n,
				Span:       ix.spanOf(n.Token),
			})

		case *ast.EnumDecl:
			enumItem := module.Child(n.Name)
			ix.add(module, &Entry{
				Item:       enumItem,
				Kind:       KindEnum,
				Visibility: visibilityOf(n.Public),
				Node:       n,
				Span:       ix.spanOf(n.Token),
			})
			for _, v := range n.Variants {
				ix.add(enumItem, &Entry{
					Item:       enumItem.Child(v.Name),
					Kind:       KindVariant,
					Visibility: visibilityOf(n.Public),
					Node:       n,
					Span:       ix.spanOf(n.Token),
				})
			}

		case *ast.ProtocolDecl:
			ix.add(module, &Entry{
				Item:       module.Child(n.Name),
				Kind:       KindProtocol,
				Visibility: visibilityOf(n.Public),
				Node:       n,
				Span:       ix.spanOf(n.Token),
			})

		case *ast.ImplDecl:
			// impl blocks attach to their target type, not a new named path;
			// indexed under an anonymous id so diagnostics can still locate
			// them, matching the spec's Id(n) anonymous-scope component.
			ix.anonSeq++
			ix.add(module, &Entry{
				Item:       module.ChildAnon(ix.anonSeq),
				Kind:       KindImpl,
				Visibility: Inherited,
				Node:       n,
				Span:       ix.spanOf(n.Token),
			})

		case *ast.ConstStmt:
			ix.add(module, &Entry{
				Item:       module.Child(n.Name),
				Kind:       KindConst,
				Visibility: Inherited,
				Node:       n,
				Span:       ix.spanOf(n.Token),
			})

		case *ast.UseDecl:
			if n.Wildcard {
				ix.anonSeq++
				ix.add(module, &Entry{
					Item:        module.ChildAnon(ix.anonSeq),
					Kind:        KindWildcardImport,
					Visibility:  Inherited,
					Node:        n,
					Span:       ix.spanOf(n.Token),
					ImportPath:  n.Path,
					ImportAlias: n.Alias,
				})
				continue
			}
			name := n.Alias
			if name == "" && len(n.Path) > 0 {
				name = n.Path[len(n.Path)-1]
			}
			ix.add(module, &Entry{
				Item:        module.Child(name),
				Kind:        KindImport,
				Visibility:  Inherited,
				Node:        n,
				Span:       ix.spanOf(n.Token),
				ImportPath:  n.Path,
				ImportAlias: n.Alias,
			})

		case *ast.ModDecl:
			modItem := module.Child(n.Name)
			ix.add(module, &Entry{
				Item:       modItem,
				Kind:       KindModule,
				Visibility: visibilityOf(n.Public),
				Node:       n,
				Span:       ix.spanOf(n.Token),
			})
			ix.indexDecls(modItem, n.Declarations)
		}
	}
}
