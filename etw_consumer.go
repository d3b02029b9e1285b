package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	plog "github.com/phuslu/log"

	"etw_consumer/internal/config"
	"etw_consumer/internal/etw/bridge"
	"etw_consumer/internal/etw/record"
	"etw_consumer/internal/etw/session"
	"etw_consumer/internal/etw/status"
	"etw_consumer/internal/etw/trace"
	"etw_consumer/internal/journal"
	"etw_consumer/internal/metrics"
)

// ETWConsumer wires a trace, its bridge and the consumer loop together.
type ETWConsumer struct {
	config  *config.AppConfig
	native  trace.Native
	ctrl    session.Controller // nil when the session is managed elsewhere
	metrics *metrics.Metrics

	session    *session.Session
	bridge     bridge.Bridge
	handle     *trace.ProcessingHandle
	journal    *journal.Journal
	httpServer *http.Server

	// MaxEvents stops consuming after that many events; 0 means no limit.
	MaxEvents uint64
	// Output receives one line per consumed event when set.
	Output io.Writer

	consumed atomic.Uint64
	ready    chan struct{}
	log      plog.Logger
}

// NewETWConsumer creates a consumer reading through native. ctrl creates the
// session when the configuration asks for it; it may be nil for log files.
func NewETWConsumer(cfg *config.AppConfig, native trace.Native, ctrl session.Controller) *ETWConsumer {
	c := &ETWConsumer{
		config:  cfg,
		native:  native,
		ctrl:    ctrl,
		metrics: metrics.New(),
		ready:   make(chan struct{}),
		log:     plog.DefaultLogger, // main app uses default logger
	}
	c.setupHTTPServer()
	return c
}

// Ready is closed once the dispatch loop is running.
func (c *ETWConsumer) Ready() <-chan struct{} {
	return c.ready
}

// Consumed returns the number of events accepted so far.
func (c *ETWConsumer) Consumed() uint64 {
	return c.consumed.Load()
}

// Metrics returns the registry the consumer reports to.
func (c *ETWConsumer) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *ETWConsumer) source() trace.Source {
	if c.config.Trace.LogFile != "" {
		return trace.Source{LogFile: c.config.Trace.LogFile}
	}
	return trace.Source{SessionName: c.config.Trace.Session}
}

// setupHTTPServer configures the HTTP server for metrics and pprof.
func (c *ETWConsumer) setupHTTPServer() {
	if !c.config.Server.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Server.MetricsPath, c.metrics.Handler())
	if c.config.Server.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>ETW Consumer</title></head>
            <body>
            <h1>ETW Consumer v` + version + ` </h1>
            <p><a href="` + c.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})
	c.httpServer = &http.Server{
		Addr:    c.config.Server.ListenAddress,
		Handler: mux,
	}
}

// setup starts the session if needed, then opens the journal, the bridge
// and the trace. Whatever was created before a failure is torn down by
// teardown.
func (c *ETWConsumer) setup() error {
	src := c.source()

	if src.Realtime() && c.config.Trace.CreateSession {
		if c.ctrl == nil {
			return errors.New("no session controller to create the trace session with")
		}
		providers, err := session.ParseProviders(c.config.Trace.Providers)
		if err != nil {
			return err
		}
		mode := session.DefaultMode()
		mode.BufferSizeKB = c.config.Trace.BufferSizeKB
		mode.FlushTimer = c.config.Trace.FlushTimer
		c.session, err = session.Start(c.ctrl, src.SessionName, mode, providers)
		if err != nil {
			return err
		}
		c.metrics.Pipeline.AddSession(c.ctrl, c.session)
	}

	if c.config.Journal.Enabled {
		j, err := journal.Open(c.config.Journal.Path, journal.Options{
			Compress: c.config.Journal.Compress,
			Sync:     c.config.Journal.Sync,
		})
		if err != nil {
			return err
		}
		c.journal = j
		if err := j.SetSource(src.String()); err != nil {
			return err
		}
	}

	kind, err := bridge.ParseKind(c.config.Bridge.Kind)
	if err != nil {
		return err
	}
	c.bridge, err = bridge.New(kind, bridge.WithTimeout(c.config.Bridge.Timeout.Duration))
	if err != nil {
		return err
	}
	c.metrics.Pipeline.AddBridge("main", c.bridge)

	c.handle, err = trace.Open(c.native, src, c.bridge)
	if err != nil {
		return err
	}
	c.metrics.Pipeline.AddTrace("main", c.handle)
	return nil
}

func (c *ETWConsumer) teardown() {
	if c.handle != nil {
		_ = c.handle.Close()
	}
	if c.session != nil {
		if err := c.ctrl.Stop(c.session); err != nil {
			c.log.Error().Err(err).Str("session", c.session.Name).Msg("Error stopping ETW session")
		} else {
			c.log.Info().Str("session", c.session.Name).Msg("ETW session stopped successfully")
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			c.log.Error().Err(err).Msg("Error closing journal")
		}
	}
}

// Run consumes events until the trace ends, ctx is cancelled or MaxEvents
// were consumed. A trace stopped by the consumer is not an error.
func (c *ETWConsumer) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	c.log.Info().
		Str("version", version).
		Str("source", c.source().String()).
		Str("bridge", c.config.Bridge.Kind).
		Msg("Starting ETW Consumer")

	defer c.teardown()
	if err := c.setup(); err != nil {
		return err
	}

	if c.httpServer != nil {
		go func() {
			// Recover from panics in this goroutine to trigger a graceful shutdown.
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
					stop()
				}
			}()
			c.log.Info().Str("address", c.config.Server.ListenAddress).Msg("Starting HTTP server")
			if err := c.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error().Err(err).Msg("Failed to start HTTP server")
				stop()
			}
		}()
		defer c.shutdownHTTPServer()
	}

	thread, err := c.handle.Process()
	if err != nil {
		return err
	}
	close(c.ready)
	c.log.Info().Msg("ETW Consumer is ready and consuming events...")

	for ev := range c.bridge.Events(ctx) {
		if !c.consume(ev) {
			break
		}
	}
	c.bridge.Close()

	err = thread.StopAndWait()
	st := c.handle.Stats()
	c.log.Info().
		Uint64("consumed", c.consumed.Load()).
		Uint64("delivered", st.Delivered).
		Uint64("skipped", st.Skipped).
		Msg("ETW Consumer stopped")
	if err != nil && !status.IsCancelled(err) {
		return fmt.Errorf("trace %s failed: %w", c.handle.Source(), err)
	}
	return nil
}

// consume handles one event while the dispatch loop waits for it. It
// reports whether more events are wanted.
func (c *ETWConsumer) consume(ev *record.EventRecord) bool {
	h := ev.Header()
	n := c.consumed.Add(1)
	c.metrics.ConsumedEvents.WithLabelValues(h.ProviderID.String()).Inc()

	if c.journal != nil {
		if _, err := c.journal.Append(ev); err != nil {
			c.metrics.JournalErrors.Inc()
			c.log.Error().Err(err).Uint64("event", n).Msg("Failed to journal event")
		} else {
			c.metrics.JournalRecords.Inc()
		}
	}
	if c.Output != nil {
		fmt.Fprintf(c.Output, "%d\tts=%d pid=%d tid=%d provider=%s id=%d opcode=%d len=%d\n",
			n, h.TimeStamp, h.ProcessID, h.ThreadID, h.ProviderID, h.EventDescriptor.ID, h.EventDescriptor.Opcode,
			len(ev.UserData()))
	}
	return c.MaxEvents == 0 || n < c.MaxEvents
}

func (c *ETWConsumer) shutdownHTTPServer() {
	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.httpServer.Shutdown(httpCtx); err != nil {
		c.log.Error().Err(err).Msg("Error shutting down HTTP server")
	} else {
		c.log.Debug().Msg("HTTP server shut down cleanly")
	}
}
