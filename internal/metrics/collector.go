// Package metrics exposes the health of the event pipeline itself: bridge
// decisions, trace dispatch counters and session buffer statistics.
package metrics

import (
	"sync"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"etw_consumer/internal/etw/bridge"
	"etw_consumer/internal/etw/session"
	"etw_consumer/internal/etw/trace"
	"etw_consumer/internal/logger"
)

// BridgeSource is satisfied by every bridge.Bridge.
type BridgeSource interface {
	Kind() bridge.Kind
	Stats() bridge.Snapshot
}

// TraceSource is satisfied by *trace.ProcessingHandle.
type TraceSource interface {
	Source() trace.Source
	State() trace.State
	Stats() trace.Stats
}

type sessionSource struct {
	ctrl session.Controller
	s    *session.Session
}

// PipelineCollector implements prometheus.Collector for the consumer
// pipeline. Sources are added as the application wires them.
type PipelineCollector struct {
	log plog.Logger

	mu       sync.RWMutex
	bridges  map[string]BridgeSource
	traces   map[string]TraceSource
	sessions []sessionSource

	bridgeDeliveredDesc  *prometheus.Desc
	bridgeDecisionsDesc  *prometheus.Desc
	traceDeliveredDesc   *prometheus.Desc
	traceSkippedDesc     *prometheus.Desc
	traceRefusedDesc     *prometheus.Desc
	traceStateDesc       *prometheus.Desc
	sessionBuffersDesc   *prometheus.Desc
	sessionFreeDesc      *prometheus.Desc
	sessionEventsLost    *prometheus.Desc
	sessionRTBuffersLost *prometheus.Desc
}

// NewPipelineCollector creates an empty collector.
func NewPipelineCollector() *PipelineCollector {
	return &PipelineCollector{
		log:     logger.NewLoggerWithContext("metrics"),
		bridges: make(map[string]BridgeSource),
		traces:  make(map[string]TraceSource),

		bridgeDeliveredDesc: prometheus.NewDesc(
			"etw_consumer_bridge_delivered_total",
			"Total number of events handed to the consumer through a bridge.",
			[]string{"bridge", "kind"}, nil,
		),
		bridgeDecisionsDesc: prometheus.NewDesc(
			"etw_consumer_bridge_results_total",
			"Total number of delivery results returned to the producer, by result.",
			[]string{"bridge", "kind", "result"}, nil,
		),
		traceDeliveredDesc: prometheus.NewDesc(
			"etw_consumer_trace_events_delivered_total",
			"Total number of events the dispatch loop delivered to its bridge.",
			[]string{"trace"}, nil,
		),
		traceSkippedDesc: prometheus.NewDesc(
			"etw_consumer_trace_events_skipped_total",
			"Total number of events dispatched after the trace started stopping.",
			[]string{"trace"}, nil,
		),
		traceRefusedDesc: prometheus.NewDesc(
			"etw_consumer_trace_deliveries_refused_total",
			"Total number of deliveries that ended the trace.",
			[]string{"trace"}, nil,
		),
		traceStateDesc: prometheus.NewDesc(
			"etw_consumer_trace_state",
			"Lifecycle state of a trace; 1 for the current state.",
			[]string{"trace", "state"}, nil,
		),
		sessionBuffersDesc: prometheus.NewDesc(
			"etw_session_buffers_in_use",
			"The current number of buffers in use by an ETW session.",
			[]string{"session"}, nil,
		),
		sessionFreeDesc: prometheus.NewDesc(
			"etw_session_buffers_free",
			"The current number of free buffers available to an ETW session.",
			[]string{"session"}, nil,
		),
		sessionEventsLost: prometheus.NewDesc(
			"etw_session_events_lost_total",
			"Total number of events lost by an ETW session (provider-side).",
			[]string{"session"}, nil,
		),
		sessionRTBuffersLost: prometheus.NewDesc(
			"etw_session_realtime_buffers_lost_total",
			"Total number of real-time buffers lost by an ETW session (provider-side).",
			[]string{"session"}, nil,
		),
	}
}

// AddBridge exports the counters of b under name.
func (c *PipelineCollector) AddBridge(name string, b BridgeSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bridges[name] = b
}

// AddTrace exports the counters and state of h under name.
func (c *PipelineCollector) AddTrace(name string, h TraceSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces[name] = h
}

// AddSession exports buffer statistics of s, queried through ctrl on every
// scrape.
func (c *PipelineCollector) AddSession(ctrl session.Controller, s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, sessionSource{ctrl: ctrl, s: s})
}

// Describe implements prometheus.Collector.
func (c *PipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bridgeDeliveredDesc
	ch <- c.bridgeDecisionsDesc
	ch <- c.traceDeliveredDesc
	ch <- c.traceSkippedDesc
	ch <- c.traceRefusedDesc
	ch <- c.traceStateDesc
	ch <- c.sessionBuffersDesc
	ch <- c.sessionFreeDesc
	ch <- c.sessionEventsLost
	ch <- c.sessionRTBuffersLost
}

// Collect implements prometheus.Collector.
func (c *PipelineCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, b := range c.bridges {
		c.collectBridge(ch, name, b)
	}
	for name, h := range c.traces {
		c.collectTrace(ch, name, h)
	}
	for _, src := range c.sessions {
		c.collectSession(ch, src)
	}
}

func (c *PipelineCollector) collectBridge(ch chan<- prometheus.Metric, name string, b BridgeSource) {
	kind := b.Kind().String()
	s := b.Stats()
	ch <- prometheus.MustNewConstMetric(c.bridgeDeliveredDesc, prometheus.CounterValue,
		float64(s.Delivered), name, kind)

	results := []struct {
		result string
		n      uint64
	}{
		{"continue", s.Continued},
		{"cancelled", s.Cancelled},
		{"timeout", s.TimedOut},
		{"unexpected", s.Unexpected},
	}
	for _, r := range results {
		ch <- prometheus.MustNewConstMetric(c.bridgeDecisionsDesc, prometheus.CounterValue,
			float64(r.n), name, kind, r.result)
	}
}

var allStates = []trace.State{trace.StateCreated, trace.StateRunning, trace.StateStopping, trace.StateStopped}

func (c *PipelineCollector) collectTrace(ch chan<- prometheus.Metric, name string, h TraceSource) {
	s := h.Stats()
	ch <- prometheus.MustNewConstMetric(c.traceDeliveredDesc, prometheus.CounterValue, float64(s.Delivered), name)
	ch <- prometheus.MustNewConstMetric(c.traceSkippedDesc, prometheus.CounterValue, float64(s.Skipped), name)
	ch <- prometheus.MustNewConstMetric(c.traceRefusedDesc, prometheus.CounterValue, float64(s.Refused), name)

	current := h.State()
	for _, st := range allStates {
		var v float64
		if st == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.traceStateDesc, prometheus.GaugeValue, v, name, st.String())
	}
}

func (c *PipelineCollector) collectSession(ch chan<- prometheus.Metric, src sessionSource) {
	if src.s.Stopped() {
		return
	}
	st, err := src.ctrl.Query(src.s)
	if err != nil {
		c.log.Error().Err(err).Str("session", src.s.Name).Msg("Failed to query trace session for stats")
		return
	}
	name := src.s.Name
	ch <- prometheus.MustNewConstMetric(c.sessionBuffersDesc, prometheus.GaugeValue, float64(st.Buffers), name)
	ch <- prometheus.MustNewConstMetric(c.sessionFreeDesc, prometheus.GaugeValue, float64(st.FreeBuffers), name)
	ch <- prometheus.MustNewConstMetric(c.sessionEventsLost, prometheus.CounterValue, float64(st.EventsLost), name)
	ch <- prometheus.MustNewConstMetric(c.sessionRTBuffersLost, prometheus.CounterValue, float64(st.RealTimeLost), name)
}
