// Package logger configures the process-wide phuslu logger from the
// [logging] section and hands out component loggers.
package logger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"

	"etw_consumer/internal/config"
)

// asyncChannelSize is the queue length of every asynchronous writer.
const asyncChannelSize = 4096

// openWriters are closed by Close.
var openWriters []io.Closer

// writerFactories builds the writer of each output type.
var writerFactories = map[string]func(config.LogOutput) (log.Writer, error){
	"console": func(o config.LogOutput) (log.Writer, error) {
		if o.Console == nil {
			return nil, errors.New("console output missing console configuration")
		}
		return createConsoleWriter(o.Console), nil
	},
	"file": func(o config.LogOutput) (log.Writer, error) {
		if o.File == nil {
			return nil, errors.New("file output missing file configuration")
		}
		return createFileWriter(o.File)
	},
	"syslog": func(o config.LogOutput) (log.Writer, error) {
		if o.Syslog == nil {
			return nil, errors.New("syslog output missing syslog configuration")
		}
		return withAsync(&log.SyslogWriter{
			Network:  o.Syslog.Network,
			Address:  o.Syslog.Address,
			Hostname: o.Syslog.Hostname,
			Tag:      o.Syslog.Tag,
			Marker:   o.Syslog.Marker,
		}, o.Syslog.Async), nil
	},
	"eventlog": func(o config.LogOutput) (log.Writer, error) {
		if o.Eventlog == nil {
			return nil, errors.New("eventlog output missing eventlog configuration")
		}
		return createEventlogWriter(o.Eventlog)
	},
}

// parseLogLevel converts a configured level name; unknown names mean info.
func parseLogLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func parseTimeLocation(location string) *time.Location {
	switch location {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	if loc, err := time.LoadLocation(location); err == nil {
		return loc
	}
	return time.Local
}

func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	default:
		return format
	}
}

// GlogFormatter implements a glog-style text format.
type GlogFormatter struct{}

// Formatter writes "Lmmdd hh:mm:ss goid caller] message".
func (f GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer
	if len(a.Level) > 0 {
		buf.WriteByte(a.Level[0] - 32) // Uppercase first letter
	} else {
		buf.WriteByte('?')
	}
	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")
	buf.WriteString(a.Message)
	buf.WriteByte('\n')
	return w.Write(buf.Bytes())
}

// withAsync puts w behind a phuslu AsyncWriter when async is set.
func withAsync(w log.Writer, async bool) log.Writer {
	if !async {
		return w
	}
	return &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
}

func createConsoleWriter(c *config.ConsoleConfig) log.Writer {
	var out io.Writer = os.Stderr
	if c.Writer == "stdout" {
		out = os.Stdout
	}

	if c.FastIO {
		// Raw JSON lines.
		return withAsync(&log.IOWriter{Writer: out}, c.Async)
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    c.ColorOutput,
		QuoteString:    c.QuoteString,
		EndWithMessage: true,
		Writer:         out,
	}
	switch c.Format {
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = GlogFormatter{}.Formatter
	}
	return withAsync(cw, c.Async)
}

func createFileWriter(c *config.FileConfig) (log.Writer, error) {
	if c.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(c.Filename), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log folder: %w", err)
		}
	}
	return withAsync(&log.FileWriter{
		Filename:     c.Filename,
		FileMode:     0644,
		MaxSize:      c.MaxSize * 1024 * 1024, // MB
		MaxBackups:   c.MaxBackups,
		TimeFormat:   mapTimeFormat(c.TimeFormat),
		LocalTime:    c.LocalTime,
		HostName:     c.HostName,
		ProcessID:    c.ProcessID,
		EnsureFolder: c.EnsureFolder,
	}, c.Async), nil
}

// createWriter returns nil for a disabled output.
func createWriter(output config.LogOutput) (log.Writer, error) {
	if !output.Enabled {
		return nil, nil
	}
	factory, ok := writerFactories[output.Type]
	if !ok {
		return nil, fmt.Errorf("unknown output type: %s", output.Type)
	}
	return factory(output)
}

// createMultiWriter fans out to every enabled output, or to stderr when
// there is none. It also returns the writers Close must flush: console
// writers are left alone so that stderr stays usable.
func createMultiWriter(outputs []config.LogOutput) (log.Writer, []io.Closer, error) {
	var writers []log.Writer
	var closers []io.Closer
	for _, output := range outputs {
		w, err := createWriter(output)
		if err != nil {
			return nil, nil, fmt.Errorf("%s output: %w", output.Type, err)
		}
		if w == nil {
			continue
		}
		writers = append(writers, w)
		if c, ok := w.(io.Closer); ok && output.Type != "console" {
			closers = append(closers, c)
		}
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil, nil
	case 1:
		return writers[0], closers, nil
	}
	multi := log.MultiEntryWriter(writers)
	return &multi, closers, nil
}

// ConfigureLogging replaces log.DefaultLogger with one built from cfg.
// Component loggers created before the call keep the previous writer.
func ConfigureLogging(cfg config.LoggingConfig) error {
	w, closers, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}
	openWriters = closers

	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       w,
	}

	log.Info().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")
	return nil
}

// Close flushes and closes the configured file, syslog and eventlog
// writers. Async and file writers lose buffered entries if the process
// exits without it.
func Close() error {
	var errs []error
	for _, c := range openWriters {
		errs = append(errs, c.Close())
	}
	openWriters = nil
	return errors.Join(errs...)
}

// NewLoggerWithContext copies the default logger and tags it with a
// component field. Call it after ConfigureLogging.
func NewLoggerWithContext(component string) log.Logger {
	bl := &log.DefaultLogger
	return log.Logger{
		Level:        bl.Level,
		Caller:       0, // Disable caller for component loggers to avoid confusion
		TimeField:    bl.TimeField,
		TimeFormat:   bl.TimeFormat,
		TimeLocation: bl.TimeLocation,
		Writer:       bl.Writer,
		Context:      log.NewContext(bl.Context).Str("component", component).Value(),
	}
}
