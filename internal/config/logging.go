package config

import "errors"

// LoggingConfig is the [logging] section. Every enabled output receives
// every entry at or above Defaults.Level.
type LoggingConfig struct {
	Defaults LogDefaults `toml:"defaults"`
	Outputs  []LogOutput `toml:"outputs"`
}

// LogDefaults apply to the process logger and the component loggers
// derived from it.
type LogDefaults struct {
	Level        string `toml:"level"`         // trace, debug, info, warn, error, fatal
	Caller       int    `toml:"caller"`        // caller frames to print, 0 = off
	TimeField    string `toml:"time_field"`    // JSON key of the timestamp
	TimeFormat   string `toml:"time_format"`   // "" (RFC3339 ms), "Unix", "UnixMs" or a Go layout
	TimeLocation string `toml:"time_location"` // "Local", "UTC" or an IANA zone
}

// LogOutput is one [[logging.outputs]] entry. Only the section matching
// Type is read.
type LogOutput struct {
	Type    string `toml:"type"` // console, file, syslog, eventlog
	Enabled bool   `toml:"enabled"`

	Console  *ConsoleConfig  `toml:"console,omitempty"`
	File     *FileConfig     `toml:"file,omitempty"`
	Syslog   *SyslogConfig   `toml:"syslog,omitempty"`
	Eventlog *EventlogConfig `toml:"eventlog,omitempty"`
}

type ConsoleConfig struct {
	FastIO      bool   `toml:"fast_io"` // raw JSON lines, Format is ignored
	Format      string `toml:"format"`  // auto, logfmt, glog
	ColorOutput bool   `toml:"color_output"`
	QuoteString bool   `toml:"quote_string"`
	Writer      string `toml:"writer"` // stderr or stdout
	Async       bool   `toml:"async"`
}

// FileConfig describes a rotating log file. MaxSize is in megabytes.
type FileConfig struct {
	Filename     string `toml:"filename"`
	MaxSize      int64  `toml:"max_size"`
	MaxBackups   int    `toml:"max_backups"`
	TimeFormat   string `toml:"time_format"` // rotated file suffix
	LocalTime    bool   `toml:"local_time"`
	HostName     bool   `toml:"host_name"`
	ProcessID    bool   `toml:"process_id"`
	EnsureFolder bool   `toml:"ensure_folder"`
	Async        bool   `toml:"async"`
}

type SyslogConfig struct {
	Network  string `toml:"network"`
	Address  string `toml:"address"`
	Hostname string `toml:"hostname"` // empty uses the system hostname
	Tag      string `toml:"tag"`
	Marker   string `toml:"marker"`
	Async    bool   `toml:"async"`
}

// EventlogConfig is only honoured on Windows.
type EventlogConfig struct {
	Source string `toml:"source"`
	ID     int    `toml:"id"`
	Host   string `toml:"host"` // empty is the local machine
	Async  bool   `toml:"async"`
}

// defaultLogging logs colored text to stderr. The other outputs are
// present but disabled so that generate-config documents them.
func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Defaults: LogDefaults{
			Level:        "info",
			TimeField:    "time",
			TimeLocation: "Local",
		},
		Outputs: []LogOutput{
			{Type: "console", Enabled: true, Console: &ConsoleConfig{
				Format:      "auto",
				ColorOutput: true,
				QuoteString: true,
				Writer:      "stderr",
			}},
			{Type: "file", File: &FileConfig{
				Filename:     "logs/etw_consumer.log",
				MaxSize:      10,
				MaxBackups:   7,
				TimeFormat:   "2006-01-02T15-04-05",
				LocalTime:    true,
				HostName:     true,
				ProcessID:    true,
				EnsureFolder: true,
				Async:        true,
			}},
			{Type: "syslog", Syslog: &SyslogConfig{
				Network: "udp",
				Address: "localhost:514",
				Tag:     "etw_consumer",
				Marker:  "@cee:",
				Async:   true,
			}},
			{Type: "eventlog", Eventlog: &EventlogConfig{
				Source: "ETW Consumer",
				ID:     1000,
			}},
		},
	}
}

func (l *LoggingConfig) validate() error {
	for _, o := range l.Outputs {
		if o.Enabled {
			return nil
		}
	}
	return errors.New("at least one logging output must be enabled")
}
