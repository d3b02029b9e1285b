// Package config holds the TOML configuration of the consumer. Command-line
// flags override individual keys, see NewConfig.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// AppConfig is the whole configuration file.
type AppConfig struct {
	Server  ServerConfig  `toml:"server"`
	Trace   TraceConfig   `toml:"trace"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Journal JournalConfig `toml:"journal"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig is the metrics endpoint.
type ServerConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
	MetricsPath   string `toml:"metrics_path"`
	PprofEnabled  bool   `toml:"pprof_enabled"`
}

// TraceConfig selects what events are consumed. LogFile wins over Session
// when both are set.
type TraceConfig struct {
	Session string `toml:"session"`
	LogFile string `toml:"log_file"`

	// CreateSession starts the session and enables Providers before
	// consuming. Turn it off to attach to a session another tool manages.
	CreateSession bool `toml:"create_session"`

	// Providers are "name-or-guid[:level[:match_any[:match_all]]]".
	Providers    []string `toml:"providers"`
	BufferSizeKB uint32   `toml:"buffer_size_kb"`
	FlushTimer   uint32   `toml:"flush_timer"` // seconds
}

// BridgeConfig selects how events reach the consumer loop.
type BridgeConfig struct {
	Kind    string   `toml:"kind"`    // rendezvous, channel, stream, direct
	Timeout Duration `toml:"timeout"` // direct bridge only
}

// JournalConfig persists consumed events to a pebble store.
type JournalConfig struct {
	Enabled  bool   `toml:"enabled"`
	Path     string `toml:"path"`
	Compress bool   `toml:"compress"` // zstd
	Sync     bool   `toml:"sync"`     // fsync every append
}

// Duration is a time.Duration written as a string such as "10s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Enabled:       true,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
		},
		Trace: TraceConfig{
			Session:       "etw_consumer",
			CreateSession: true,
			Providers: []string{
				"Microsoft-Windows-Kernel-Process::0x10",
			},
			BufferSizeKB: 64,
			FlushTimer:   1,
		},
		Bridge: BridgeConfig{
			Kind:    "channel",
			Timeout: Duration{10 * time.Second},
		},
		Journal: JournalConfig{
			Path:     "journal",
			Compress: true,
		},
		Logging: defaultLogging(),
	}
}

// exampleHeader opens files written by GenerateExampleConfig.
const exampleHeader = `# ETW Consumer Example Configuration
#
# Every key below carries its default value. Remove what you do not
# change; missing keys keep their defaults.

`

// LoadConfig decodes configPath over the defaults. An empty path returns
// the defaults; a path that does not exist is an error.
func LoadConfig(configPath string) (*AppConfig, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as TOML, creating the parent directory.
func SaveConfig(configPath string, cfg *AppConfig) error {
	return writeTOML(configPath, "", cfg)
}

// GenerateExampleConfig writes the defaults, preceded by a short header.
func GenerateExampleConfig(outputPath string) error {
	return writeTOML(outputPath, exampleHeader, DefaultConfig())
}

func writeTOML(path, header string, cfg *AppConfig) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// bridgeKinds are the accepted [bridge] kind values.
var bridgeKinds = []string{"rendezvous", "channel", "stream", "direct"}

// Validate reports the first invalid setting.
func (c *AppConfig) Validate() error {
	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	if c.Trace.LogFile == "" && c.Trace.Session == "" {
		return fmt.Errorf("one of trace.session or trace.log_file must be set")
	}
	for i, p := range c.Trace.Providers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("trace.providers[%d] cannot be empty", i)
		}
	}

	if !slices.Contains(bridgeKinds, strings.ToLower(strings.TrimSpace(c.Bridge.Kind))) {
		return fmt.Errorf("bridge.kind must be one of %s, got %q", strings.Join(bridgeKinds, ", "), c.Bridge.Kind)
	}
	if c.Bridge.Timeout.Duration <= 0 {
		return fmt.Errorf("bridge.timeout must be positive")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path cannot be empty when the journal is enabled")
	}

	return c.Logging.validate()
}

// Flags holds command-line overrides. Empty values keep the configured
// setting.
type Flags struct {
	ConfigPath    string
	ListenAddress string
	MetricsPath   string
	Session       string
	LogFile       string
	BridgeKind    string
	JournalPath   string
}

// NewConfig loads the configuration file named by flags, if any, applies the
// command-line overrides and validates the result.
func NewConfig(flags Flags) (*AppConfig, error) {
	config, err := LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	if flags.ListenAddress != "" {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if flags.MetricsPath != "" {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if flags.Session != "" {
		config.Trace.Session = flags.Session
		config.Trace.LogFile = ""
	}
	if flags.LogFile != "" {
		config.Trace.LogFile = flags.LogFile
	}
	if flags.BridgeKind != "" {
		config.Bridge.Kind = flags.BridgeKind
	}
	if flags.JournalPath != "" {
		config.Journal.Enabled = true
		config.Journal.Path = flags.JournalPath
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
