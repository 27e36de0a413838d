package backend

import (
	"testing"

	"github.com/go-delve/lldbdap/pkg/dwarfline"
	"github.com/go-delve/lldbdap/pkg/symbols"
)

// TestUpdateBreakpointsWithoutRSPStillVerifies covers scenario S5: with a
// preloaded Line Index and no RSP connection, update_breakpoints still
// reports verified=true and returns success.
func TestUpdateBreakpointsWithoutRSPStillVerifies(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	idx := indexWithRange(t, "/tmp/foo.rs", 42, 0x1000, 0x1004)
	b := New(nil, sc, idx)

	results := b.UpdateBreakpoints("/tmp/foo.rs", []int{42})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !results[0].Verified {
		t.Fatalf("got verified=false, want true")
	}
	if results[0].Line != 42 {
		t.Fatalf("got line %d, want 42", results[0].Line)
	}
}

// TestUpdateBreakpointsNoRangesStillVerifies: a line with no observed
// ranges is still reported verified (see design note on unconditional
// verified=true semantics).
func TestUpdateBreakpointsNoRangesStillVerifies(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	idx := dwarfline.BuildForTesting(nil)
	b := New(nil, sc, idx)

	results := b.UpdateBreakpoints("/tmp/nowhere.rs", []int{7})
	if len(results) != 1 || !results[0].Verified {
		t.Fatalf("got %+v, want one verified result even with no address ranges", results)
	}
}

func TestUpdateBreakpointsReplacesPriorEntryAtomically(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	idx := indexWithRange(t, "/tmp/foo.rs", 42, 0x1000, 0x1004)
	b := New(nil, sc, idx)

	b.UpdateBreakpoints("/tmp/foo.rs", []int{42, 43})
	results := b.UpdateBreakpoints("/tmp/foo.rs", []int{42})

	if len(results) != 1 {
		t.Fatalf("got %d results after replacement, want 1", len(results))
	}
	if got := b.breakpoints["/tmp/foo.rs"]; len(got) != 1 || got[0] != 42 {
		t.Fatalf("breakpoint table not replaced atomically: %v", got)
	}
}

// TestStackTraceFallback covers scenario S6: a frame site with no
// symbolication available renders the <unknown> fallback shape.
func TestStackTraceFallback(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0) // Frames() always returns (nil, nil)
	b := New(nil, sc, nil)
	b.SetFrameProvider(func(threadID int) []FrameSite {
		return []FrameSite{{ID: 7, RemotePC: 0xDEADBEEF}}
	})

	frames := b.StackTrace(1)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.ID != 7 || f.Name != unknownSymbol || f.SourcePath != unknownSymbol || f.Line != 0 || f.Column != 1 {
		t.Fatalf("got %+v, want id=7 name=<unknown> source=<unknown> line=0 column=1", f)
	}
	if f.PresentationHint != "normal" {
		t.Fatalf("got presentationHint %q for index 0, want normal", f.PresentationHint)
	}
}

func TestStackTracePresentationHintSubtleAfterFirst(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	b := New(nil, sc, nil)
	b.SetFrameProvider(func(threadID int) []FrameSite {
		return []FrameSite{{ID: 1, RemotePC: 1}, {ID: 2, RemotePC: 2}}
	})

	frames := b.StackTrace(1)
	if frames[0].PresentationHint != "normal" {
		t.Fatalf("frame 0 hint = %q, want normal", frames[0].PresentationHint)
	}
	if frames[1].PresentationHint != "subtle" {
		t.Fatalf("frame 1 hint = %q, want subtle", frames[1].PresentationHint)
	}
}

func TestThreadsReturnsSingleSyntheticThread(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	b := New(nil, sc, nil)

	threads := b.Threads()
	if len(threads) != 1 || threads[0].ID != 1 {
		t.Fatalf("got %+v, want one thread with id 1", threads)
	}
}

func TestScopesAndVariablesReturnFixedPlaceholders(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	b := New(nil, sc, nil)

	scopes := b.Scopes()
	if len(scopes) != 1 || scopes[0].Name != "Locals" || scopes[0].VariablesReference != 1 {
		t.Fatalf("got %+v, want one Locals scope with ref 1", scopes)
	}

	vars := b.Variables(1)
	if len(vars) != 2 {
		t.Fatalf("got %d variables, want 2", len(vars))
	}
}

func TestBreakpointsByPrefix(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	idx := indexWithRange(t, "/tmp/pkg/foo.rs", 10, 0x1000, 0x1004)
	b := New(nil, sc, idx)

	b.UpdateBreakpoints("/tmp/pkg/foo.rs", []int{10})
	b.UpdateBreakpoints("/tmp/pkg/bar.rs", []int{20})
	b.UpdateBreakpoints("/other/baz.rs", []int{5})

	matches := b.BreakpointsByPrefix("/tmp/pkg")
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2: %v", len(matches), matches)
	}
	if _, ok := matches["/other/baz.rs"]; ok {
		t.Fatalf("prefix search leaked an unrelated path")
	}
}

func TestSplitLaunchArgsNilOnEmptyAndSplitsNonEmpty(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	b := New(nil, sc, nil)

	if got := b.splitLaunchArgs(""); got != nil {
		t.Fatalf("got %v, want nil for empty args", got)
	}

	got := b.splitLaunchArgs("--flag value")
	if len(got) == 0 {
		t.Fatalf("expected at least one split argument")
	}
}

func TestDisconnectIsIdempotentWithoutConnection(t *testing.T) {
	sc := symbols.NewFromSlide(0, 0)
	b := New(nil, sc, nil)

	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect() on a never-connected backend: %v", err)
	}
}

// indexWithRange builds a dwarfline.Index containing exactly one range for
// (path, line) by driving the package's row state machine directly,
// mirroring the approach in pkg/dwarfline's own tests.
func indexWithRange(t *testing.T, path string, line int, low, high uint64) *dwarfline.Index {
	t.Helper()
	return dwarfline.BuildForTesting([]dwarfline.TestRow{
		{Path: path, Line: line, Address: low},
		{EndSequence: true, Address: high},
	})
}
