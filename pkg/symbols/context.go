// Package symbols owns a Mach-O image plus its DWARF data and answers the
// two address-translation and symbolication queries the rest of lldbdap
// needs: local/remote PC translation under an ASLR slide, and PC -> inlined
// frame chains.
//
// The inline-frame walk mirrors aclements-go-obj's dbg/inline.go: walk the
// DWARF tree rooted at the compilation unit containing a PC, collecting
// every TagSubprogram/TagInlinedSubroutine entry whose PC ranges cover it,
// outermost first, then resolve each frame's source location the same way
// addr2line -i does — the innermost frame's location comes from the line
// table row at the PC, every enclosing frame's location comes from the
// DW_AT_call_file/DW_AT_call_line of the next entry in.
//
// DW_AT_name on a C++/Swift/Rust subprogram is typically a mangled symbol;
// FuncDemangled is filled in with ianlancetaylor/demangle's Filter (the
// same call rhysh-go-perf makes), which
// returns its input unchanged when it isn't a recognized mangling, so the
// field degrades to the raw name rather than going empty.
package symbols

import (
	"debug/dwarf"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ianlancetaylor/demangle"
	"github.com/sirupsen/logrus"

	"github.com/go-delve/lldbdap/pkg/machofile"
)

// Frame describes one physical or inlined stack frame. Fields are left at
// their zero value when unknown; callers render the "<unknown>" sentinel
// themselves rather than this package baking it in.
type Frame struct {
	FuncRaw       string
	FuncDemangled string
	File          string
	Line          int
}

// Context wraps one Mach-O image and its DWARF data, translating between
// link-time and runtime addresses and answering symbolication queries.
type Context struct {
	image *machofile.Image
	dwarf *dwarf.Data

	// slide is remote_text_base - vmaddr_text, computed and stored with
	// unsigned (two's-complement) wraparound so translate_remote_pc and
	// local_to_remote stay exact inverses regardless of sign.
	slide uint64

	cache *lru.Cache
	log   *logrus.Entry
}

const frameCacheSize = 4096

// New builds a Context over img. It reads img's DWARF data eagerly so a
// malformed image is rejected at startup rather than on the first query.
func New(img *machofile.Image) (*Context, error) {
	d, err := img.DWARF()
	if err != nil {
		return nil, fmt.Errorf("symbols: load DWARF: %w", err)
	}
	cache, err := lru.New(frameCacheSize)
	if err != nil {
		return nil, fmt.Errorf("symbols: allocate frame cache: %w", err)
	}
	return &Context{
		image: img,
		dwarf: d,
		cache: cache,
		log:   logrus.WithField("component", "symbols"),
	}, nil
}

// NewFromSlide builds a Context that only supports address translation
// (TranslateRemotePC/LocalToRemote/VMAddrText), with Frames always
// returning no frames. Used by callers that need a Symbol Context's
// translation behavior without a real Mach-O/DWARF pair, notably tests of
// packages that depend on *Context only for translation.
func NewFromSlide(vmAddrText, slide uint64) *Context {
	cache, _ := lru.New(frameCacheSize)
	return &Context{
		image: &machofile.Image{VMAddrText: vmAddrText},
		slide: slide,
		cache: cache,
		log:   logrus.WithField("component", "symbols"),
	}
}

// SetRemoteTextBase records the observed runtime __TEXT base and derives
// the slide from it. Safe to call again on a later address-base-change
// event; the Line Index and DWARF data never change, only the slide.
func (c *Context) SetRemoteTextBase(remoteBase uint64) {
	c.slide = remoteBase - c.image.VMAddrText
	c.cache.Purge()
	c.log.WithFields(logrus.Fields{
		"remoteTextBase": fmt.Sprintf("0x%x", remoteBase),
		"slide":          fmt.Sprintf("0x%x", c.slide),
	}).Debug("updated ASLR slide")
}

// TranslateRemotePC converts a runtime (slid) PC to a local (link-time) PC.
func (c *Context) TranslateRemotePC(pc uint64) uint64 {
	return pc - c.slide
}

// LocalToRemote converts a local (link-time) PC to a runtime (slid) PC.
func (c *Context) LocalToRemote(pc uint64) uint64 {
	return pc + c.slide
}

// VMAddrText returns the image's link-time __TEXT vmaddr.
func (c *Context) VMAddrText() uint64 {
	return c.image.VMAddrText
}

// Frames returns the inlined-frame chain for a runtime PC, innermost frame
// first. An empty, nil-error result means the PC could not be symbolicated
// at all — not an error condition; callers render "<unknown>".
func (c *Context) Frames(remotePC uint64) ([]Frame, error) {
	localPC := c.TranslateRemotePC(remotePC)

	if c.dwarf == nil {
		return nil, nil
	}

	if cached, ok := c.cache.Get(localPC); ok {
		return cached.([]Frame), nil
	}

	frames, err := c.framesForLocalPC(localPC)
	if err != nil {
		return nil, err
	}
	c.cache.Add(localPC, frames)
	return frames, nil
}

func (c *Context) framesForLocalPC(pc uint64) ([]Frame, error) {
	r := c.dwarf.Reader()
	cu, err := r.SeekPC(pc)
	if errors.Is(err, dwarf.ErrUnknownPC) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	matched, err := c.collectContaining(r, pc)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	lr, err := c.dwarf.LineReader(cu)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, len(matched))
	for i := len(matched) - 1; i >= 0; i-- {
		name := c.entryName(matched[i])
		var file string
		var line int
		if i == len(matched)-1 {
			file, line = c.lineAt(lr, pc)
		} else {
			file, line = c.callSite(matched[i+1], lr)
		}
		frames[i] = Frame{FuncRaw: name, FuncDemangled: demangle.Filter(name), File: file, Line: line}
	}

	// Innermost first.
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames, nil
}

// collectContaining walks the DIE tree of the compilation unit the reader
// is currently positioned on (as left by SeekPC) and returns every
// TagSubprogram/TagInlinedSubroutine entry whose PC ranges contain pc, in
// the order encountered — which, for well-formed DWARF, is outermost
// first since a nested scope's range is always a subset of its parent's.
func (c *Context) collectContaining(r *dwarf.Reader, pc uint64) ([]*dwarf.Entry, error) {
	var matched []*dwarf.Entry
	depth := 1 // SeekPC leaves the reader positioned to read the CU's children

	for depth > 0 {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		if entry.Tag == dwarf.TagSubprogram || entry.Tag == dwarf.TagInlinedSubroutine {
			ranges, err := c.dwarf.Ranges(entry)
			if err != nil {
				return nil, err
			}
			if containsPC(ranges, pc) {
				matched = append(matched, entry)
			}
		}
		if entry.Children {
			depth++
		}
	}
	return matched, nil
}

func containsPC(ranges [][2]uint64, pc uint64) bool {
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}

// entryName resolves a subprogram/inlined-subroutine's name, following
// DW_AT_abstract_origin when the entry itself carries no DW_AT_name (the
// common case for concrete inlined instances).
func (c *Context) entryName(entry *dwarf.Entry) string {
	seen := make(map[dwarf.Offset]bool)
	for entry != nil {
		if name, ok := entry.Val(dwarf.AttrName).(string); ok && name != "" {
			return name
		}
		off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			off, ok = entry.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok || seen[off] {
			return ""
		}
		seen[off] = true
		entry = c.entryAt(off)
	}
	return ""
}

func (c *Context) entryAt(off dwarf.Offset) *dwarf.Entry {
	r := c.dwarf.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil {
		return nil
	}
	return entry
}

// lineAt resolves the (file, line) of the line-table row covering pc.
func (c *Context) lineAt(lr *dwarf.LineReader, pc uint64) (string, int) {
	if lr == nil {
		return "", 0
	}
	var row dwarf.LineEntry
	if err := lr.SeekPC(pc, &row); err != nil {
		return "", 0
	}
	if row.File == nil {
		return "", row.Line
	}
	return row.File.Name, row.Line
}

// callSite resolves the (file, line) an inlined-subroutine entry's
// DW_AT_call_file/DW_AT_call_line attributes describe: the source position
// in the enclosing frame at which it called into entry.
func (c *Context) callSite(entry *dwarf.Entry, lr *dwarf.LineReader) (string, int) {
	line, ok := entry.Val(dwarf.AttrCallLine).(int64)
	if !ok {
		return "", 0
	}
	fileIdx, ok := entry.Val(dwarf.AttrCallFile).(int64)
	if !ok || lr == nil {
		return "", int(line)
	}
	files := lr.Files()
	if fileIdx < 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
		return "", int(line)
	}
	return files[fileIdx].Name, int(line)
}
