package backend

import (
	"github.com/derekparker/trie"
)

// pathIndex is a read-only-from-the-outside view over the set of source
// paths that have ever appeared in the Breakpoint Table, indexed with a
// trie for prefix search. It exists purely for the hidden `breakpoints`
// introspection subcommand (see cmd/lldbdap) and must never influence
// Line Index lookups or setBreakpoints/update_breakpoints semantics.
type pathIndex struct {
	t *trie.Trie
}

func newPathIndex() *pathIndex {
	return &pathIndex{t: trie.New()}
}

func (p *pathIndex) add(path string) {
	if _, ok := p.t.Find(path); ok {
		return
	}
	p.t.Add(path, nil)
}

// BreakpointsByPrefix returns every source path currently in the
// Breakpoint Table whose path starts with prefix, together with its
// current line sequence.
func (b *Backend) BreakpointsByPrefix(prefix string) map[string][]int {
	matches := b.pathIndex.t.PrefixSearch(prefix)
	out := make(map[string][]int, len(matches))
	for _, path := range matches {
		if lines, ok := b.breakpoints[path]; ok {
			out[path] = lines
		}
	}
	return out
}
