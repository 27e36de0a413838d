// Package backend glues the Symbol Context, the DWARF Line Index, and the
// RSP Client together and answers the operations the DAP Session needs:
// connecting to the stub, maintaining the breakpoint table, reporting
// threads/stack frames, and driving continue/step.
package backend

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-delve/lldbdap/pkg/dwarfline"
	"github.com/go-delve/lldbdap/pkg/machofile"
	"github.com/go-delve/lldbdap/pkg/rsp"
	"github.com/go-delve/lldbdap/pkg/symbols"
)

// FrameSite is one (frame id, runtime PC) pair a frame provider yields for
// a thread. The default provider yields exactly one, at the image's own
// (slid) __TEXT base address.
type FrameSite struct {
	ID       int
	RemotePC uint64
}

// FrameProvider supplies the frame sites stack_trace should symbolicate
// for a thread. Tests install a custom one; production code uses the
// default, which has no notion of a real call stack (see Non-goals).
type FrameProvider func(threadID int) []FrameSite

// Backend owns the Symbol Context, Line Index, Mach-O image, optional RSP
// connection, and the Breakpoint Table, and is the one type the DAP
// Session talks to.
type Backend struct {
	Symbols   *symbols.Context
	LineIndex *dwarfline.Index
	Image     *machofile.Image

	rsp  *rsp.Client
	port int

	breakpoints   map[string][]int
	pathIndex     *pathIndex
	frameProvider FrameProvider

	log *logrus.Entry
}

// New builds a Backend over an already-constructed Symbol Context and Line
// Index for img.
func New(img *machofile.Image, sc *symbols.Context, idx *dwarfline.Index) *Backend {
	return &Backend{
		Symbols:     sc,
		LineIndex:   idx,
		Image:       img,
		breakpoints: make(map[string][]int),
		pathIndex:   newPathIndex(),
		log:         logrus.WithField("component", "backend"),
	}
}

// SetFrameProvider installs a custom frame provider, overriding the
// default single-frame one. Used by tests (see scenario S6) and may be
// used by a future real stack-walker.
func (b *Backend) SetFrameProvider(fp FrameProvider) {
	b.frameProvider = fp
}

func (b *Backend) defaultFrameProvider(threadID int) []FrameSite {
	return []FrameSite{{
		ID:       threadID*100 + 1,
		RemotePC: b.Symbols.LocalToRemote(b.Symbols.VMAddrText()),
	}}
}

// ConnectDebugserver (re)connects to 127.0.0.1:port, idempotently
// replacing any prior connection.
func (b *Backend) ConnectDebugserver(port int) error {
	if b.rsp != nil {
		b.rsp.Close()
		b.rsp = nil
	}
	client, err := rsp.Connect(port)
	if err != nil {
		return fmt.Errorf("connect debugserver on port %d: %w", port, err)
	}
	b.rsp = client
	b.port = port
	b.log.WithField("port", port).Info("connected to debugserver")
	return nil
}

// Connected reports whether an RSP connection is currently established.
func (b *Backend) Connected() bool {
	return b.rsp != nil
}

// BreakpointResult is one line's outcome from UpdateBreakpoints.
type BreakpointResult struct {
	Line     int
	Verified bool
}

// UpdateBreakpoints replaces the Breakpoint Table entry for sourcePath
// with lines and, for every positive line with known address ranges,
// plants a software breakpoint at each range's low address. verified is
// reported true unconditionally (see design note on this open question).
func (b *Backend) UpdateBreakpoints(sourcePath string, lines []int) []BreakpointResult {
	b.breakpoints[sourcePath] = append([]int(nil), lines...)
	b.pathIndex.add(sourcePath)

	results := make([]BreakpointResult, len(lines))
	for i, line := range lines {
		results[i] = BreakpointResult{Line: line, Verified: true}
		if line <= 0 {
			continue
		}

		ranges := b.LineIndex.Lookup(sourcePath, line)
		if len(ranges) == 0 {
			b.log.WithFields(logrus.Fields{
				"source": sourcePath,
				"line":   line,
			}).Warn("no address ranges for breakpoint line; reporting verified anyway")
			continue
		}

		for _, r := range ranges {
			remote := b.Symbols.LocalToRemote(r.Low)
			b.logPlant(r.Low, remote)
			if b.rsp == nil {
				continue
			}
			if err := b.rsp.SetSoftwareBreakpoint(remote); err != nil {
				b.log.WithError(err).Warn("failed to set breakpoint on stub")
			}
		}
	}
	return results
}

// Thread is the single synthetic thread Threads reports.
type Thread struct {
	ID   int
	Name string
}

// Threads returns a single synthetic thread; it never queries the stub
// (thread enumeration is out of scope for the current core).
func (b *Backend) Threads() []Thread {
	name := "Stub Thread"
	if b.port != 0 {
		name = fmt.Sprintf("Stub Thread (%d)", b.port)
	}
	return []Thread{{ID: 1, Name: name}}
}

// StackFrame is the symbolicated top-frame metadata for one frame site.
type StackFrame struct {
	ID               int
	Name             string
	SourceName       string
	SourcePath       string
	Line             int
	Column           int
	PresentationHint string
}

const unknownSymbol = "<unknown>"

// StackTrace asks the installed (or default) frame provider for the
// thread's frame sites and symbolicates the top (innermost) frame at
// each site.
func (b *Backend) StackTrace(threadID int) []StackFrame {
	fp := b.frameProvider
	if fp == nil {
		fp = b.defaultFrameProvider
	}

	sites := fp(threadID)
	out := make([]StackFrame, len(sites))
	for i, site := range sites {
		out[i] = b.symbolicateSite(site, i)
	}
	return out
}

func (b *Backend) symbolicateSite(site FrameSite, index int) StackFrame {
	name := unknownSymbol
	sourcePath := unknownSymbol
	sourceName := unknownSymbol
	line := 0

	frames, err := b.Symbols.Frames(site.RemotePC)
	if err != nil {
		b.log.WithError(err).Debug("symbolication failed")
	} else if len(frames) > 0 {
		top := frames[0]
		if top.FuncDemangled != "" {
			name = top.FuncDemangled
		} else if top.FuncRaw != "" {
			name = top.FuncRaw
		}
		if top.File != "" {
			sourcePath = top.File
			sourceName = basename(top.File)
		}
		line = top.Line
	}

	hint := "subtle"
	if index == 0 {
		hint = "normal"
	}

	return StackFrame{
		ID:               site.ID,
		Name:             name,
		SourceName:       sourceName,
		SourcePath:       sourcePath,
		Line:             line,
		Column:           1,
		PresentationHint: hint,
	}
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// Scope is a placeholder scope descriptor; see the design note on
// placeholder scopes/variables.
type Scope struct {
	Name               string
	VariablesReference int
}

// Scopes returns one fixed Locals scope.
func (b *Backend) Scopes() []Scope {
	return []Scope{{Name: "Locals", VariablesReference: 1}}
}

// Variable is a placeholder variable entry.
type Variable struct {
	Name  string
	Value string
}

// Variables returns two fixed synthetic entries regardless of ref. This
// is a stub until live variable inspection is designed.
func (b *Backend) Variables(ref int) []Variable {
	return []Variable{
		{Name: "argc", Value: "1"},
		{Name: "argv", Value: "0x0"},
	}
}

// StopEvent is a Backend-level translation of an RSP stop reply.
type StopEvent struct {
	Reason      string
	Description string
	ThreadID    *uint64
}

var errNotConnected = errors.New("backend: no debugserver connection")

// Continue resumes every thread and blocks until a stop is observed.
func (b *Backend) Continue(threadID int) (*StopEvent, error) {
	if b.rsp == nil {
		return nil, errNotConnected
	}
	if err := b.rsp.ContinueAll(); err != nil {
		return nil, err
	}
	return b.waitAndTranslate()
}

// StepOver single-steps the thread and blocks until a stop is observed.
func (b *Backend) StepOver(threadID int) (*StopEvent, error) {
	if b.rsp == nil {
		return nil, errNotConnected
	}
	if err := b.rsp.StepThread(uint64(threadID)); err != nil {
		return nil, err
	}
	return b.waitAndTranslate()
}

// StepIn aliases StepOver at this layer: the stub's step primitive is
// instruction-step, not source-step.
func (b *Backend) StepIn(threadID int) (*StopEvent, error) {
	return b.StepOver(threadID)
}

func (b *Backend) waitAndTranslate() (*StopEvent, error) {
	reply, err := b.rsp.WaitForStop()
	if err != nil {
		return nil, err
	}
	return translateStopReply(reply), nil
}

func translateStopReply(r *rsp.StopReply) *StopEvent {
	var reason, desc string
	switch r.Reason {
	case rsp.ReasonBreakpoint:
		reason, desc = "breakpoint", "Paused on breakpoint"
	case rsp.ReasonStep:
		reason, desc = "step", "Paused after step"
	case rsp.ReasonSignal:
		reason = "signal"
		desc = fmt.Sprintf("Signal %d%s", r.Signal, signalSuffix(r.Signal))
	default:
		reason = "unknown"
		desc = r.UnknownReason
		if desc == "" {
			desc = "Stopped"
		}
	}
	return &StopEvent{Reason: reason, Description: desc, ThreadID: r.ThreadID}
}

func signalSuffix(sig byte) string {
	name := signalName(int(sig))
	if name == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", name)
}

// Disconnect drops the RSP connection, if any.
func (b *Backend) Disconnect() error {
	if b.rsp == nil {
		return nil
	}
	err := b.rsp.Close()
	b.rsp = nil
	b.port = 0
	return err
}
