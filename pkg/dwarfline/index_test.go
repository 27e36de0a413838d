package dwarfline

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFromRows drives the row state machine the same way consumeLineProgram
// does, without needing a real compiled DWARF line program.
func buildFromRows(rows []dwarf.LineEntry) *Index {
	idx := &Index{entries: make(map[FileLine][]AddressRange)}
	var prev *pending
	for _, row := range rows {
		prev = idx.applyRow(row, prev)
	}
	return idx
}

func TestIndexBasicRange(t *testing.T) {
	file := &dwarf.LineFile{Name: "/src/foo.go"}
	rows := []dwarf.LineEntry{
		{Address: 0x1000, File: file, Line: 10},
		{Address: 0x1010, File: file, Line: 11},
		{Address: 0x1020, EndSequence: true},
	}
	idx := buildFromRows(rows)

	got := idx.Lookup("/src/foo.go", 10)
	require.Len(t, got, 1)
	assert.Equal(t, AddressRange{Low: 0x1000, High: 0x1010}, got[0])

	got = idx.Lookup("/src/foo.go", 11)
	require.Len(t, got, 1)
	assert.Equal(t, AddressRange{Low: 0x1010, High: 0x1020}, got[0])
}

func TestIndexInsertsUnderBasenameToo(t *testing.T) {
	file := &dwarf.LineFile{Name: "/src/pkg/foo.go"}
	rows := []dwarf.LineEntry{
		{Address: 0x2000, File: file, Line: 5},
		{Address: 0x2010, EndSequence: true},
	}
	idx := buildFromRows(rows)

	full := idx.Lookup("/src/pkg/foo.go", 5)
	require.Len(t, full, 1)

	base := idx.Lookup("foo.go", 5)
	require.Len(t, base, 1)
	assert.Equal(t, full[0], base[0])
}

func TestLookupFallsBackToBasenameOnlyForPaths(t *testing.T) {
	file := &dwarf.LineFile{Name: "/src/pkg/foo.go"}
	rows := []dwarf.LineEntry{
		{Address: 0x3000, File: file, Line: 7},
		{Address: 0x3004, EndSequence: true},
	}
	idx := buildFromRows(rows)

	got := idx.Lookup("/elsewhere/foo.go", 7)
	require.Len(t, got, 1)
	assert.Equal(t, AddressRange{Low: 0x3000, High: 0x3004}, got[0])

	assert.Empty(t, idx.Lookup("/elsewhere/foo.go", 999))
}

func TestLookupReturnsEmptyWhenNothingObserved(t *testing.T) {
	idx := buildFromRows(nil)
	assert.Empty(t, idx.Lookup("/nope.go", 1))
}

func TestZeroLengthRangesAreNeverInserted(t *testing.T) {
	file := &dwarf.LineFile{Name: "/src/foo.go"}
	rows := []dwarf.LineEntry{
		{Address: 0x4000, File: file, Line: 1},
		{Address: 0x4000, File: file, Line: 2}, // same address: no progress, no range for line 1
		{Address: 0x4008, EndSequence: true},
	}
	idx := buildFromRows(rows)

	assert.Empty(t, idx.Lookup("/src/foo.go", 1))
	got := idx.Lookup("/src/foo.go", 2)
	require.Len(t, got, 1)
	assert.Equal(t, AddressRange{Low: 0x4000, High: 0x4008}, got[0])
}

func TestMissingFileUsesUnknownSentinel(t *testing.T) {
	rows := []dwarf.LineEntry{
		{Address: 0x5000, File: nil, Line: 3},
		{Address: 0x5004, EndSequence: true},
	}
	idx := buildFromRows(rows)

	got := idx.Lookup(unknownFile, 3)
	require.Len(t, got, 1)
	assert.Equal(t, AddressRange{Low: 0x5000, High: 0x5004}, got[0])
}

func TestInlineOverlapKeepsInsertionOrder(t *testing.T) {
	file := &dwarf.LineFile{Name: "/src/foo.go"}
	rows := []dwarf.LineEntry{
		{Address: 0x6000, File: file, Line: 20},
		{Address: 0x6004, File: file, Line: 20},
		{Address: 0x6008, EndSequence: true},
	}
	idx := buildFromRows(rows)

	got := idx.Lookup("/src/foo.go", 20)
	require.Len(t, got, 2)
	assert.Equal(t, AddressRange{Low: 0x6000, High: 0x6004}, got[0])
	assert.Equal(t, AddressRange{Low: 0x6004, High: 0x6008}, got[1])
}
