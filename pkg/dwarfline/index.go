// Package dwarfline builds and queries the (file, line) -> address-ranges
// index that backs breakpoint resolution. The index is constructed once,
// at startup, by walking every compilation unit's DWARF line program; after
// that it is read-only.
//
// Path reconstruction (directory + file name joining, per DWARF's file-name
// table rules) is handled by the standard library's debug/dwarf LineReader
// itself — LineFile.Name already carries the joined path — so this package
// only needs to fall back to the "<unknown>" sentinel when a row carries no
// file at all, following aclements-go-obj's dbg/lines.go approach of
// trusting the line-program state machine for everything else.
package dwarfline

import (
	"debug/dwarf"
	"io"
	"strings"
)

const unknownFile = "<unknown>"

// FileLine is the key under which address ranges are indexed: a source
// path (full path or basename) and a 1-based line number.
type FileLine struct {
	Path string
	Line int
}

// AddressRange is a half-open [Low, High) range of addresses attributed to
// one FileLine.
type AddressRange struct {
	Low  uint64
	High uint64
}

// Index maps FileLine to the ordered sequence of address ranges observed
// for it across every compilation unit's line program.
type Index struct {
	entries map[FileLine][]AddressRange
}

// Build walks every compilation unit's line program in data and constructs
// the index. It never returns a nil *Index on success, even if data
// contains no line programs.
func Build(data *dwarf.Data) (*Index, error) {
	idx := &Index{entries: make(map[FileLine][]AddressRange)}

	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit && entry.Tag != dwarf.TagPartialUnit {
			continue
		}

		lr, err := data.LineReader(entry)
		if err != nil {
			return nil, err
		}
		if lr == nil {
			continue
		}
		if err := idx.consumeLineProgram(lr); err != nil {
			return nil, err
		}
	}

	return idx, nil
}

type pending struct {
	key   FileLine
	start uint64
}

// consumeLineProgram drains lr row by row and feeds each row through
// applyRow, the part of the state machine that is unit-testable without a
// real DWARF line program.
func (idx *Index) consumeLineProgram(lr *dwarf.LineReader) error {
	var prev *pending

	for {
		var row dwarf.LineEntry
		err := lr.Next(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		prev = idx.applyRow(row, prev)
	}

	return nil
}

// applyRow implements the line-program row state machine described in the
// DWARF line-index construction rules: close out the previous tentative
// range against this row's address, then start a new tentative range
// unless this row ends a sequence.
func (idx *Index) applyRow(row dwarf.LineEntry, prev *pending) *pending {
	if row.EndSequence {
		if prev != nil && row.Address > prev.start {
			idx.insert(prev.key, AddressRange{Low: prev.start, High: row.Address})
		}
		return nil
	}

	if prev != nil && row.Address > prev.start {
		idx.insert(prev.key, AddressRange{Low: prev.start, High: row.Address})
	}
	return &pending{key: fileLineOf(row), start: row.Address}
}

func fileLineOf(row dwarf.LineEntry) FileLine {
	path := unknownFile
	if row.File != nil && row.File.Name != "" {
		path = row.File.Name
	}
	return FileLine{Path: path, Line: row.Line}
}

// insert records range ar under key, and additionally under key's basename
// if the basename differs from the full path.
func (idx *Index) insert(key FileLine, ar AddressRange) {
	if ar.Low >= ar.High {
		return
	}
	idx.entries[key] = append(idx.entries[key], ar)

	base := basename(key.Path)
	if base != key.Path {
		baseKey := FileLine{Path: base, Line: key.Line}
		idx.entries[baseKey] = append(idx.entries[baseKey], ar)
	}
}

// Lookup returns the address ranges recorded for (file, line). It first
// tries the exact path; if that is empty and file looks like a path (it
// contains a separator), it retries with just the basename. Lookup is
// read-only and total: an empty result is not an error.
func (idx *Index) Lookup(file string, line int) []AddressRange {
	if ranges, ok := idx.entries[FileLine{Path: file, Line: line}]; ok {
		return ranges
	}
	if !strings.ContainsAny(file, "/\\") {
		return nil
	}
	base := basename(file)
	if base == file {
		return nil
	}
	return idx.entries[FileLine{Path: base, Line: line}]
}

// TestRow is a minimal stand-in for a dwarf.LineEntry row, letting callers
// outside this package build a small Index without synthesizing real DWARF
// line-program bytes. Exported for use by other packages' tests (see
// pkg/backend's tests for the Breakpoint Table).
type TestRow struct {
	Path        string
	Line        int
	Address     uint64
	EndSequence bool
}

// BuildForTesting drives the same row state machine Build uses, from a
// sequence of TestRow values instead of a real line program.
func BuildForTesting(rows []TestRow) *Index {
	idx := &Index{entries: make(map[FileLine][]AddressRange)}
	var prev *pending
	for _, tr := range rows {
		row := dwarf.LineEntry{
			Address:     tr.Address,
			Line:        tr.Line,
			EndSequence: tr.EndSequence,
		}
		if tr.Path != "" {
			row.File = &dwarf.LineFile{Name: tr.Path}
		}
		prev = idx.applyRow(row, prev)
	}
	return idx
}

func basename(path string) string {
	trimmed := strings.TrimRight(path, "/\\")
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '/' || trimmed[i] == '\\' {
			return trimmed[i+1:]
		}
	}
	return trimmed
}
