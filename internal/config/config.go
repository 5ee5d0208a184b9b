// Package config handles configuration loading, validation, and hot reload
// for auralink.
//
// A Config is treated as an immutable snapshot: the Loader hands out
// copies and replaces its own copy wholesale on reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"auralink/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Relay configures the probe event relay.
	Relay RelayConfig `toml:"relay" json:"relay" yaml:"relay"`

	// Bridge configures the speech helper process.
	Bridge BridgeConfig `toml:"bridge" json:"bridge" yaml:"bridge"`

	// Speech holds the voice parameters applied through the bridge.
	Speech SpeechConfig `toml:"speech" json:"speech" yaml:"speech"`

	// Hook configures the command dispatcher behind the input hook.
	Hook HookConfig `toml:"hook" json:"hook" yaml:"hook"`

	// Combo holds the chord gesture windows.
	Combo ComboConfig `toml:"combo" json:"combo" yaml:"combo"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Commands are the global key commands.
	Commands []CommandConfig `toml:"commands" json:"commands" yaml:"commands"`
}

// RelayConfig holds event relay configuration.
type RelayConfig struct {
	// Endpoint is the name of the relay endpoint. Probes must use the same
	// name.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// MaxSessions limits concurrent probe sessions. 0 means no limit.
	MaxSessions int `toml:"max_sessions" json:"max_sessions" yaml:"max_sessions"`
}

// BridgeConfig holds helper process configuration.
type BridgeConfig struct {
	// Enabled starts the helper at daemon startup.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// HelperPath is the helper executable.
	HelperPath string `toml:"helper_path" json:"helper_path" yaml:"helper_path"`

	// ConnectTimeoutMs bounds how long the helper may take to listen.
	ConnectTimeoutMs int `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`

	// CallTimeoutMs bounds a single call to the helper.
	CallTimeoutMs int `toml:"call_timeout_ms" json:"call_timeout_ms" yaml:"call_timeout_ms"`

	// QuitTimeoutMs is how long the helper has to exit after Quit before
	// it is killed.
	QuitTimeoutMs int `toml:"quit_timeout_ms" json:"quit_timeout_ms" yaml:"quit_timeout_ms"`
}

// SpeechConfig holds voice parameters.
type SpeechConfig struct {
	Voice  string  `toml:"voice" json:"voice" yaml:"voice"`
	Rate   float64 `toml:"rate" json:"rate" yaml:"rate"`
	Pitch  float64 `toml:"pitch" json:"pitch" yaml:"pitch"`
	Volume float64 `toml:"volume" json:"volume" yaml:"volume"`
}

// HookConfig holds dispatcher configuration.
type HookConfig struct {
	// Workers is the number of goroutines running command actions.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// QueueSize is the dispatcher queue length.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// ComboConfig holds the gesture windows.
type ComboConfig struct {
	DoublePressMs int `toml:"double_press_ms" json:"double_press_ms" yaml:"double_press_ms"`
	LongPressMs   int `toml:"long_press_ms" json:"long_press_ms" yaml:"long_press_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file", "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when output includes file).
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AddSource adds file:line to every record.
	AddSource bool `toml:"add_source" json:"add_source" yaml:"add_source"`
}

// CommandConfig binds a chord to an action.
type CommandConfig struct {
	// Name identifies the command in logs.
	Name string `toml:"name" json:"name" yaml:"name"`

	// Keys is the chord, e.g. "ctrl+alt+t". The last key is the main key.
	Keys string `toml:"keys" json:"keys" yaml:"keys"`

	// Action is one of the actions in Actions.
	Action string `toml:"action" json:"action" yaml:"action"`

	// Gesture is "single", "double" or "long". Empty runs the action as
	// soon as the chord is complete.
	Gesture string `toml:"gesture,omitempty" json:"gesture,omitempty" yaml:"gesture,omitempty"`
}

// Actions lists the command actions auralinkd implements.
var Actions = []string{"speak-time", "repeat-last", "stop-speech", "describe-focus"}

// Gestures lists the accepted CommandConfig.Gesture values.
var Gestures = []string{"single", "double", "long"}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Relay: RelayConfig{
			Endpoint:    "relay",
			MaxSessions: 64,
		},
		Bridge: BridgeConfig{
			Enabled:          false,
			HelperPath:       defaultHelperPath(),
			ConnectTimeoutMs: 5000,
			CallTimeoutMs:    2000,
			QuitTimeoutMs:    2000,
		},
		Speech: SpeechConfig{
			Voice:  "default",
			Rate:   1,
			Pitch:  1,
			Volume: 1,
		},
		Hook: HookConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Combo: ComboConfig{
			DoublePressMs: 200,
			LongPressMs:   500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "auralink.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			Compress:   true,
		},
		Commands: []CommandConfig{
			{Name: "speak-time", Keys: "ctrl+alt+t", Action: "speak-time"},
			{Name: "repeat-last", Keys: "ctrl+alt+r", Action: "repeat-last", Gesture: "single"},
			{Name: "stop-speech", Keys: "ctrl+alt+r", Action: "stop-speech", Gesture: "double"},
			{Name: "describe-focus", Keys: "ctrl+alt+d", Action: "describe-focus", Gesture: "long"},
		},
	}
}

// Dir returns the configuration directory, honoring AURALINK_CONFIG_DIR.
func Dir() string {
	if envDir := os.Getenv("AURALINK_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	return PlatformConfigDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads configuration from the specified path, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies AURALINK_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AURALINK_RELAY_ENDPOINT"); v != "" {
		c.Relay.Endpoint = v
	}
	if v := os.Getenv("AURALINK_HELPER_PATH"); v != "" {
		c.Bridge.HelperPath = v
	}
	if v := os.Getenv("AURALINK_BRIDGE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Bridge.Enabled = b
		}
	}
	if v := os.Getenv("AURALINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AURALINK_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AURALINK_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Commands = append([]CommandConfig(nil), c.Commands...)
	return &clone
}

// LoggingConfig converts the logging section for the logging package.
func (c *Config) LoggingConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		AddSource:  c.Logging.AddSource,
		Component:  component,
	}, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ConnectTimeout returns Bridge.ConnectTimeoutMs as a duration.
func (b BridgeConfig) ConnectTimeout() time.Duration { return ms(b.ConnectTimeoutMs) }

// CallTimeout returns Bridge.CallTimeoutMs as a duration.
func (b BridgeConfig) CallTimeout() time.Duration { return ms(b.CallTimeoutMs) }

// QuitTimeout returns Bridge.QuitTimeoutMs as a duration.
func (b BridgeConfig) QuitTimeout() time.Duration { return ms(b.QuitTimeoutMs) }

// DoublePress returns Combo.DoublePressMs as a duration.
func (c ComboConfig) DoublePress() time.Duration { return ms(c.DoublePressMs) }

// LongPress returns Combo.LongPressMs as a duration.
func (c ComboConfig) LongPress() time.Duration { return ms(c.LongPressMs) }
