package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagBreakpointsFile   string
	flagBreakpointsPrefix string
)

// breakpointEntry is the JSON shape accepted by --file: one source path
// and its declared breakpoint lines, the same intent a setBreakpoints DAP
// request carries for one file.
type breakpointEntry struct {
	Path  string `json:"path"`
	Lines []int  `json:"lines"`
}

// breakpointsCmd is a hidden introspection aid, not part of the DAP
// surface: it replays a batch of breakpoint declarations against a fresh
// Backend for the configured binary and prints whatever the Breakpoint
// Table's prefix index currently believes is set, the same
// derekparker/trie-backed view pkg/backend/pathindex.go builds. It exists
// for diagnosing breakpoint placement outside of a live IDE session, the
// way delve's own CLI surfaces internal state through auxiliary
// subcommands; it never influences, and is never influenced by, an actual
// DAP session's Breakpoint Table.
var breakpointsCmd = &cobra.Command{
	Use:    "breakpoints",
	Short:  "diagnose breakpoint placement for a batch of source/line declarations",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBreakpointsIntrospection()
	},
}

func init() {
	breakpointsCmd.Flags().StringVar(&flagBreakpointsFile, "file", "", "JSON file: array of {\"path\":...,\"lines\":[...]}")
	breakpointsCmd.Flags().StringVar(&flagBreakpointsPrefix, "prefix", "", "source path prefix to filter the report to")
	RootCmd.AddCommand(breakpointsCmd)
}

func runBreakpointsIntrospection() error {
	if flagBreakpointsFile == "" {
		return fmt.Errorf("breakpoints: --file is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	be, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(flagBreakpointsFile)
	if err != nil {
		return fmt.Errorf("breakpoints: read %s: %w", flagBreakpointsFile, err)
	}
	var entries []breakpointEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("breakpoints: parse %s: %w", flagBreakpointsFile, err)
	}

	for _, e := range entries {
		be.UpdateBreakpoints(e.Path, e.Lines)
	}

	report := be.BreakpointsByPrefix(flagBreakpointsPrefix)
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("breakpoints: encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
