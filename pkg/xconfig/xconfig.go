// Package xconfig loads effective xchecker configuration with precedence
// CLI > env > config-file > default, tracking the provenance of every key
// the way ConfigSource requires so StatusReporter can report it verbatim.
package xconfig

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/sliceutil"
)

var log = logger.New("xconfig")

// Source names where one configuration value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceConfig  Source = "config"
	SourceCLI     Source = "cli"
	SourceEnv     Source = "env"
)

// Value pairs a resolved string value with its provenance.
type Value struct {
	Value  string
	Source Source
}

// tomlFile mirrors the [defaults]/[llm]/[runner] shape of xchecker.toml.
type tomlFile struct {
	Defaults struct {
		Model          string `toml:"model"`
		MaxTurns       int    `toml:"max_turns"`
		PacketMaxBytes int    `toml:"packet_max_bytes"`
		PacketMaxLines int    `toml:"packet_max_lines"`
		PhaseTimeout   int    `toml:"phase_timeout"`
		Verbose        bool   `toml:"verbose"`
	} `toml:"defaults"`
	LLM struct {
		Provider         string `toml:"provider"`
		FallbackProvider string `toml:"fallback_provider"`
		ClaudeBinary     string `toml:"claude_binary"`
		ClaudePath       string `toml:"claude_path"`
		ClaudeCLIPath    string `toml:"claude_cli_path"`
	} `toml:"llm"`
	Runner struct {
		Mode string `toml:"mode"`
	} `toml:"runner"`
}

// defaults returns xchecker's built-in configuration defaults.
func defaults() map[string]string {
	return map[string]string{
		"model":            "",
		"max_turns":        "10",
		"packet_max_bytes": "200000",
		"packet_max_lines": "4000",
		"phase_timeout":    "600",
		"verbose":          "false",
		"provider":         "claude",
		"runner_mode":      "subprocess",
		"lock_ttl_seconds": "3600",
	}
}

// Config is the fully resolved, provenance-tracked configuration.
type Config struct {
	Values map[string]Value
}

// Get returns the effective string value for key, or "" if unset.
func (c Config) Get(key string) string {
	return c.Values[key].Value
}

// ClaudeBinaryPath resolves the claude CLI path using the original's alias
// chain: llm_claude_binary, then claude_path, then claude_cli_path.
func (c Config) ClaudeBinaryPath() string {
	for _, key := range []string{"llm_claude_binary", "claude_path", "claude_cli_path"} {
		if v := c.Get(key); v != "" {
			return v
		}
	}
	return ""
}

// Discover loads configuration from, in increasing precedence: built-in
// defaults, a discovered or explicit TOML file, XCHECKER_-prefixed
// environment variables, then cliOverrides (already-parsed flag values,
// keyed by the same config key names).
func Discover(startDir string, explicitConfigPath string, cliOverrides map[string]string) (Config, error) {
	values := make(map[string]Value)
	for k, v := range defaults() {
		values[k] = Value{Value: v, Source: SourceDefault}
	}

	configPath := explicitConfigPath
	if configPath == "" {
		found, err := discoverConfigFile(startDir)
		if err != nil {
			return Config{}, err
		}
		configPath = found
	}

	if configPath != "" {
		var tf tomlFile
		if _, err := toml.DecodeFile(configPath, &tf); err != nil {
			return Config{}, err
		}
		applyTomlOverrides(values, tf)
		log.Printf("loaded config file %s", configPath)
	}

	applyEnvOverrides(values)

	for k, v := range cliOverrides {
		if v == "" {
			continue
		}
		values[k] = Value{Value: v, Source: SourceCLI}
	}

	cfg := Config{Values: values}
	if provider := cfg.Get("provider"); provider != "" && !sliceutil.Contains(knownProviders, provider) {
		log.Printf("provider %q is not one of the known providers %v", provider, knownProviders)
	}
	return cfg, nil
}

// knownProviders are the LLM providers xchecker ships adapters for. An
// unrecognized value is still accepted (it may name a provider configured
// purely through the subprocess backend's binary path) but is logged.
var knownProviders = []string{"claude", "openai_compatible"}

func applyTomlOverrides(values map[string]Value, tf tomlFile) {
	set := func(key, v string) {
		if v != "" {
			values[key] = Value{Value: v, Source: SourceConfig}
		}
	}
	set("model", tf.Defaults.Model)
	set("provider", tf.LLM.Provider)
	set("fallback_provider", tf.LLM.FallbackProvider)
	set("llm_claude_binary", tf.LLM.ClaudeBinary)
	set("claude_path", tf.LLM.ClaudePath)
	set("claude_cli_path", tf.LLM.ClaudeCLIPath)
	set("runner_mode", tf.Runner.Mode)
	if tf.Defaults.MaxTurns != 0 {
		values["max_turns"] = Value{Value: strconv.Itoa(tf.Defaults.MaxTurns), Source: SourceConfig}
	}
	if tf.Defaults.PacketMaxBytes != 0 {
		values["packet_max_bytes"] = Value{Value: strconv.Itoa(tf.Defaults.PacketMaxBytes), Source: SourceConfig}
	}
	if tf.Defaults.PacketMaxLines != 0 {
		values["packet_max_lines"] = Value{Value: strconv.Itoa(tf.Defaults.PacketMaxLines), Source: SourceConfig}
	}
	if tf.Defaults.PhaseTimeout != 0 {
		values["phase_timeout"] = Value{Value: strconv.Itoa(tf.Defaults.PhaseTimeout), Source: SourceConfig}
	}
}

// envKeys maps config keys to the environment variable consulted for them.
var envKeys = map[string]string{
	"provider":          "XCHECKER_LLM_PROVIDER",
	"execution_strategy": "XCHECKER_EXECUTION_STRATEGY",
	"home":              "XCHECKER_HOME",
}

func applyEnvOverrides(values map[string]Value) {
	for key, envVar := range envKeys {
		if v := os.Getenv(envVar); v != "" {
			values[key] = Value{Value: v, Source: SourceEnv}
			log.Printf("applied env override %s=%s", envVar, key)
		}
	}
}

// discoverConfigFile looks for xchecker.toml in startDir, then its parents,
// stopping at the filesystem root.
func discoverConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, "xchecker.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
