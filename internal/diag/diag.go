// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// (at your option) any later version.

// Package diag holds the diagnostics bag shared by every compilation pass.
//
// Grounded on the teacher parser's `p.errors []error` collection, widened
// per spec §6/§7 into structured entries carrying severity and spans
// instead of bare error values. Rendering and colorization stay a
// cmd/asterc concern — this package only produces structured data, it
// never writes to stdout/stderr.
package diag

import (
	"fmt"

	"github.com/aster-lang/aster/internal/source"
)

// Severity classifies a diagnostic.
type Severity int

const (
	Note Severity = iota
	Warning
	Error
)

func (sv Severity) String() string {
	switch sv {
	case Note:
		return "note"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(sv))
	}
}

// Diagnostic is a single structured compiler message.
type Diagnostic struct {
	Severity  Severity
	Message   string
	Primary   source.Span
	Secondary []source.Span
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// Bag collects diagnostics across a build. It never panics: callers append
// and continue past recoverable errors, matching spec §7's propagation
// policy (compilation continues at the next syntactic boundary).
type Bag struct {
	entries    []Diagnostic
	StrictMode bool // escalate Warning to Error for HasErrors/build-failure purposes
}

// NewBag returns an empty diagnostics bag.
func NewBag() *Bag {
	return &Bag{}
}

// Add appends a diagnostic with no secondary spans.
func (b *Bag) Add(sev Severity, primary source.Span, format string, args ...interface{}) {
	b.entries = append(b.entries, Diagnostic{
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		Primary:  primary,
	})
}

// AddWithSecondary appends a diagnostic carrying secondary spans (e.g. the
// original move site for a VariableMoved error).
func (b *Bag) AddWithSecondary(sev Severity, primary source.Span, secondary []source.Span, format string, args ...interface{}) {
	b.entries = append(b.entries, Diagnostic{
		Severity:  sev,
		Message:   fmt.Sprintf(format, args...),
		Primary:   primary,
		Secondary: secondary,
	})
}

// Entries returns every collected diagnostic, in insertion order.
func (b *Bag) Entries() []Diagnostic {
	return b.entries
}

// HasErrors reports whether build should fail: any Error entry, or (when
// StrictMode is set) any Warning entry.
func (b *Bag) HasErrors() bool {
	for _, d := range b.entries {
		if d.Severity == Error {
			return true
		}
		if b.StrictMode && d.Severity == Warning {
			return true
		}
	}
	return false
}

// Len returns the number of collected diagnostics.
func (b *Bag) Len() int {
	return len(b.entries)
}
