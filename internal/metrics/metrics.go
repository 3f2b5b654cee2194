package metrics

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/doridoridoriand/netwatch/internal/state"
)

// Status is the point-in-time view rendered as gauges.
type Status struct {
	Overall  state.Overall
	OSOnline bool
	Running  bool
	Targets  []state.TargetStatus
}

// Collector accumulates monitor counters.
type Collector struct {
	probes         atomic.Uint64
	probeFailures  atomic.Uint64
	disconnections atomic.Uint64
	events         atomic.Uint64
}

// NewCollector returns zeroed counters.
func NewCollector() *Collector {
	return &Collector{}
}

// ObserveProbe counts one settled probe.
func (c *Collector) ObserveProbe(ok bool) {
	c.probes.Add(1)
	if !ok {
		c.probeFailures.Add(1)
	}
}

// ObserveDisconnection counts one Connected to Disconnected edge.
func (c *Collector) ObserveDisconnection() {
	c.disconnections.Add(1)
}

// ObserveEvent counts one event log entry.
func (c *Collector) ObserveEvent() {
	c.events.Add(1)
}

var overallStates = []state.Overall{
	state.OverallUnknown,
	state.OverallConnected,
	state.OverallDisconnected,
	state.OverallChecking,
}

// Server exposes Prometheus-style metrics based on current state.
type Server struct {
	collector *Collector
	status    func() Status
}

// NewServer constructs a metrics server.
func NewServer(collector *Collector, status func() Status) *Server {
	return &Server{collector: collector, status: status}
}

// Handler returns an http handler that serves metrics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		bw := bufio.NewWriter(w)
		defer bw.Flush()
		s.writeMetrics(bw)
	})
}

func (s *Server) writeMetrics(w *bufio.Writer) {
	if s.status != nil {
		st := s.status()
		writeStatus(w, st)
		writePerTarget(w, st.Targets)
	}
	if s.collector != nil {
		writeCounters(w, s.collector)
	}
}

func writeStatus(w *bufio.Writer, st Status) {
	for _, o := range overallStates {
		fmt.Fprintf(w, "netwatch_overall_state{state=\"%s\"} %d\n", escapeLabel(string(o)), boolValue(st.Overall == o))
	}
	fmt.Fprintf(w, "netwatch_os_online %d\n", boolValue(st.OSOnline))
	fmt.Fprintf(w, "netwatch_monitoring_running %d\n", boolValue(st.Running))
}

func writeCounters(w *bufio.Writer, c *Collector) {
	fmt.Fprintf(w, "netwatch_probes_total %d\n", c.probes.Load())
	fmt.Fprintf(w, "netwatch_probe_failures_total %d\n", c.probeFailures.Load())
	fmt.Fprintf(w, "netwatch_disconnections_total %d\n", c.disconnections.Load())
	fmt.Fprintf(w, "netwatch_events_total %d\n", c.events.Load())
}

func writePerTarget(w *bufio.Writer, snapshot []state.TargetStatus) {
	for _, target := range snapshot {
		labels := fmt.Sprintf(
			`target="%s",uri="%s",group="%s"`,
			escapeLabel(target.Name),
			escapeLabel(target.URI),
			escapeLabel(target.Group),
		)
		fmt.Fprintf(w, "netwatch_target_up{%s} %d\n", labels, boolValue(target.Health == state.HealthOK))
		if target.LastRTT > 0 {
			fmt.Fprintf(w, "netwatch_target_rtt_ms{%s} %d\n", labels, target.LastRTT.Milliseconds())
		}
	}
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return value
}
