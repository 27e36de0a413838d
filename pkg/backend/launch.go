package backend

import (
	"fmt"

	"github.com/cosiner/argv"
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/arm64/arm64asm"
)

// LaunchArguments carries the fields common to launch and attach requests.
// Args is an optional single shell-quoted string of extra debuggee
// command-line arguments, as IDEs commonly send; it is never forwarded to
// the stub (spawning the debuggee is an external collaborator's job), only
// split out for the response body and log line.
type LaunchArguments struct {
	Program         string
	Cwd             string
	DebugserverPort int
	Args            string
}

// LaunchResult is what Launch/Attach hand back for the DAP response body.
type LaunchResult struct {
	Program         string
	Cwd             string
	DebugserverPort int
	Argv            []string
}

// Launch connects to the debugserver at args.DebugserverPort and splits
// args.Args for the response body.
func (b *Backend) Launch(args LaunchArguments) (*LaunchResult, error) {
	if err := b.ConnectDebugserver(args.DebugserverPort); err != nil {
		return nil, err
	}
	return &LaunchResult{
		Program:         args.Program,
		Cwd:             args.Cwd,
		DebugserverPort: args.DebugserverPort,
		Argv:            b.splitLaunchArgs(args.Args),
	}, nil
}

// Attach has the identical contract to Launch at this layer: both end in
// an idempotent connect to the debugserver port.
func (b *Backend) Attach(args LaunchArguments) (*LaunchResult, error) {
	return b.Launch(args)
}

func noEnv(string) string { return "" }

func noExpand(s string) (string, error) { return s, nil }

// splitLaunchArgs splits a shell-quoted argument string into an argv
// slice purely for logging/response purposes. A split failure is logged
// and the raw string is carried through unchanged as a single element.
func (b *Backend) splitLaunchArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	sections, err := argv.Argv([]rune(raw), noEnv, noExpand)
	if err != nil {
		b.log.WithError(err).Warn("failed to split launch args string")
		return []string{raw}
	}
	if len(sections) == 0 {
		return nil
	}
	return sections[0]
}

// logPlant logs a best-effort disassembly of the instruction a software
// breakpoint is about to replace. This is diagnostic only: the stub, not
// this adapter, performs the live instruction patch.
func (b *Backend) logPlant(localAddr, remoteAddr uint64) {
	if b.Image == nil {
		return
	}
	data, err := b.Image.TextBytesAt(localAddr, 4)
	if err != nil {
		b.log.WithError(err).Debug("could not read instruction bytes for breakpoint log")
		return
	}
	instStr := "?"
	if inst, err := arm64asm.Decode(data); err == nil {
		instStr = inst.String()
	}
	b.log.WithFields(logrus.Fields{
		"local":  fmt.Sprintf("0x%x", localAddr),
		"remote": fmt.Sprintf("0x%x", remoteAddr),
	}).Debugf("planting breakpoint (orig instr: %s)", instStr)
}
