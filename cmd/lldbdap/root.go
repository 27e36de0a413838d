// Command lldbdap is the DAP adapter binary: it mediates between an IDE
// front-end speaking the Debug Adapter Protocol over stdin/stdout and a
// remote debug stub speaking the GDB Remote Serial Protocol over TCP.
//
// Run with no subcommand, it loads the configured Mach-O binary, builds
// the Symbol Context and Line Index, and serves the DAP session loop on
// stdin/stdout until the IDE disconnects or closes stdin. The hidden
// `breakpoints` subcommand is a diagnostic aid, not part of the DAP
// surface; see its own help text.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-delve/lldbdap/internal/config"
	"github.com/go-delve/lldbdap/pkg/backend"
	"github.com/go-delve/lldbdap/pkg/dap"
	"github.com/go-delve/lldbdap/pkg/dwarfline"
	"github.com/go-delve/lldbdap/pkg/machofile"
	"github.com/go-delve/lldbdap/pkg/symbols"
)

var (
	flagConfigPath string
	flagPort       int
	flagLogLevel   string
	flagLogFormat  string
)

// RootCmd is lldbdap's entrypoint: serve the DAP session loop over
// stdin/stdout. Unlike delve's own root command, which dispatches to a
// family of debug subcommands, lldbdap's default action IS the adapter —
// IDEs spawn this binary directly and talk DAP to it, so there is no
// separate "dap" subcommand to invoke.
var RootCmd = &cobra.Command{
	Use:   "lldbdap",
	Short: "DAP adapter bridging an IDE to a GDB Remote Serial Protocol stub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdapter()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to an optional YAML config file")
	RootCmd.Flags().IntVar(&flagPort, "port", 0, "default debugserver port used when launch/attach omits one")
	RootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (panic, fatal, error, warn, info, debug, trace)")
	RootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log output format (text or json)")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging wires logrus' output through go-colorable, gated on
// go-isatty detecting a real terminal on stderr, mirroring delve's own
// colored-REPL-output pattern. A DAP adapter is normally spawned by an
// IDE with stderr redirected to a log file, in which case isatty is false
// and output stays plain.
func setupLogging(cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}
	logrus.SetOutput(colorable.NewColorableStderr())
}

func loadConfig() (*config.Config, error) {
	return config.Load(flagConfigPath, config.FlagOverrides{
		DebugserverPort: flagPort,
		LogLevel:        flagLogLevel,
		LogFormat:       flagLogFormat,
	})
}

func buildBackend(cfg *config.Config) (*backend.Backend, error) {
	img, err := machofile.Load(cfg.Program)
	if err != nil {
		return nil, fmt.Errorf("load Mach-O image %s: %w", cfg.Program, err)
	}

	sc, err := symbols.New(img)
	if err != nil {
		return nil, fmt.Errorf("build symbol context: %w", err)
	}

	d, err := img.DWARF()
	if err != nil {
		return nil, fmt.Errorf("load DWARF data: %w", err)
	}
	idx, err := dwarfline.Build(d)
	if err != nil {
		return nil, fmt.Errorf("build line index: %w", err)
	}

	return backend.New(img, sc, idx), nil
}

func runAdapter() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	be, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	logrus.WithField("program", cfg.Program).Info("lldbdap starting")
	session := dap.New(be, os.Stdin, os.Stdout, cfg.DebugserverPort)
	return session.Run()
}
