// Package progtab implements the static in-memory program table
// (component PT, supplemented from spec.md section 1's explicit
// "a static in-memory program table" collaborator, standing in for
// parsing ELF binaries off a ramdisk — out of scope per the spec's
// Non-goals on real filesystems).
//
// Grounded on the teacher's ustr.Ustr (bounded, validated path/name
// type) and limits.Syslimit_t (the style of a small fixed ceiling
// checked at the boundary).
package progtab

import (
	"pebble/internal/kerrors"
	"pebble/internal/vmm"
)

// MaxNameLen bounds a program name the way ustr.MkUstrSlice bounds a
// NUL-terminated path.
const MaxNameLen = 64

// Program is one entry of the program table: the segment layout exec
// maps in place of parsing an ELF header, plus the entry point.
type Program struct {
	Name       string
	Segments   []vmm.SegmentDescriptor
	EntryPoint uint32
}

// Validate bounds Name the way the teacher's ustr package bounds a path.
func (p Program) Validate() kerrors.Err {
	if len(p.Name) == 0 || len(p.Name) > MaxNameLen {
		return kerrors.INVAL
	}
	for _, s := range p.Segments {
		if s.Len == 0 {
			return kerrors.INVAL
		}
	}
	return kerrors.OK
}

// Table is a fixed, in-memory name → Program lookup.
type Table struct {
	programs map[string]Program
}

// New builds a table from the given programs, skipping (and not
// indexing) any that fail Validate.
func New(programs []Program) *Table {
	t := &Table{programs: make(map[string]Program, len(programs))}
	for _, p := range programs {
		if p.Validate() == kerrors.OK {
			t.programs[p.Name] = p
		}
	}
	return t
}

// Lookup finds a program by name, reporting NOTAVAIL if absent.
func (t *Table) Lookup(name string) (Program, kerrors.Err) {
	p, ok := t.programs[name]
	if !ok {
		return Program{}, kerrors.NOTAVAIL
	}
	return p, kerrors.OK
}
