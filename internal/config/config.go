// Package config resolves lldbdap's ambient startup configuration: which
// binary to debug and how to log, from (highest to lowest precedence) CLI
// flags, the IOS_LLDB_DAP_CONFIG environment variable, an optional YAML
// file, and built-in defaults.
//
// IOS_LLDB_DAP_CONFIG is the one environment-derived input the core spec
// itself names (spec §6): an optional JSON blob whose "program" field
// selects the debuggee binary. The YAML file and CLI flags are purely
// additive ambient configuration layered on top, in the same spirit as
// delve's own layered config (flags override an on-disk config file).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable spec §6 names for the debuggee path.
const EnvVar = "IOS_LLDB_DAP_CONFIG"

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// Config is the fully resolved set of ambient settings lldbdap starts
// with.
type Config struct {
	// Program is the debuggee binary path. Resolved from (in order) the
	// env var's "program" field, then the current executable as a
	// test/dev fallback (spec §6).
	Program string

	// DebugserverPort is the default port used when an IDE's launch/attach
	// request omits debugserverPort. 0 means "no default configured".
	DebugserverPort int

	LogLevel  string
	LogFormat string // "text" or "json"
}

// FileOverrides is the subset of Config the optional YAML file may set.
// Zero values mean "not set" and do not override a lower-precedence
// value.
type FileOverrides struct {
	DebugserverPort int    `yaml:"debugserverPort"`
	LogLevel        string `yaml:"logLevel"`
	LogFormat       string `yaml:"logFormat"`
}

// FlagOverrides is the subset of Config the CLI flags may set. Zero
// values mean "flag not passed".
type FlagOverrides struct {
	DebugserverPort int
	LogLevel        string
	LogFormat       string
}

type envBlob struct {
	Program string `json:"program"`
}

// Load resolves a Config. yamlPath, if non-empty, is read and parsed as
// YAML; a missing or unparseable file is a fatal error (the user asked
// for it explicitly via --config), but an empty yamlPath is not an error.
func Load(yamlPath string, flags FlagOverrides) (*Config, error) {
	cfg := &Config{LogLevel: defaultLogLevel, LogFormat: defaultLogFormat}

	if yamlPath != "" {
		fo, err := loadFile(yamlPath)
		if err != nil {
			return nil, err
		}
		applyFile(cfg, fo)
	}

	applyEnv(cfg)
	applyFlags(cfg, flags)

	if cfg.Program == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Program = exe
		}
	}

	return cfg, nil
}

func loadFile(path string) (*FileOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fo FileOverrides
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fo, nil
}

func applyFile(cfg *Config, fo *FileOverrides) {
	if fo.DebugserverPort != 0 {
		cfg.DebugserverPort = fo.DebugserverPort
	}
	if fo.LogLevel != "" {
		cfg.LogLevel = fo.LogLevel
	}
	if fo.LogFormat != "" {
		cfg.LogFormat = fo.LogFormat
	}
}

// applyEnv reads IOS_LLDB_DAP_CONFIG once. A missing var is not an error;
// an unparseable value is logged away by the caller's normal logging
// setup not being up yet, so it is simply ignored here (spec §6: "if
// present and parseable").
func applyEnv(cfg *Config) {
	raw := os.Getenv(EnvVar)
	if raw == "" {
		return
	}
	var blob envBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return
	}
	if blob.Program != "" {
		cfg.Program = blob.Program
	}
}

func applyFlags(cfg *Config, flags FlagOverrides) {
	if flags.DebugserverPort != 0 {
		cfg.DebugserverPort = flags.DebugserverPort
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.LogFormat = flags.LogFormat
	}
}
