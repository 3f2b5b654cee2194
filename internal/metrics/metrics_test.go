package metrics

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doridoridoriand/netwatch/internal/state"
)

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	writeStatus(writer, Status{Overall: state.OverallConnected, OSOnline: true})
	_ = writer.Flush()

	expected := strings.Join([]string{
		`netwatch_overall_state{state="UNKNOWN"} 0`,
		`netwatch_overall_state{state="CONNECTED"} 1`,
		`netwatch_overall_state{state="DISCONNECTED"} 0`,
		`netwatch_overall_state{state="CHECKING"} 0`,
		"netwatch_os_online 1",
		"netwatch_monitoring_running 0",
		"",
	}, "\n")
	if buf.String() != expected {
		t.Fatalf("unexpected status metrics:\n%s", buf.String())
	}
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.ObserveProbe(true)
	c.ObserveProbe(false)
	c.ObserveProbe(false)
	c.ObserveDisconnection()
	for i := 0; i < 5; i++ {
		c.ObserveEvent()
	}

	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	writeCounters(writer, c)
	_ = writer.Flush()

	expected := strings.Join([]string{
		"netwatch_probes_total 3",
		"netwatch_probe_failures_total 2",
		"netwatch_disconnections_total 1",
		"netwatch_events_total 5",
		"",
	}, "\n")
	if buf.String() != expected {
		t.Fatalf("unexpected counters:\n%s", buf.String())
	}
}

func TestWritePerTarget(t *testing.T) {
	snapshot := []state.TargetStatus{
		{
			Name:    "name\"1",
			URI:     "https://a.example/p\\q",
			Group:   "grp",
			Health:  state.HealthOK,
			LastRTT: 15 * time.Millisecond,
		},
		{
			Name:   "down",
			URI:    "https://b.example/",
			Health: state.HealthDown,
		},
	}

	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	writePerTarget(writer, snapshot)
	_ = writer.Flush()

	got := buf.String()
	for _, want := range []string{
		`netwatch_target_up{target="name\"1",uri="https://a.example/p\\q",group="grp"} 1`,
		`netwatch_target_rtt_ms{target="name\"1",uri="https://a.example/p\\q",group="grp"} 15`,
		`netwatch_target_up{target="down",uri="https://b.example/",group=""} 0`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, `netwatch_target_rtt_ms{target="down"`) {
		t.Errorf("rtt must be omitted without a measurement")
	}
}

func TestEscapeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{`a"b`, `a\"b`},
		{`a\b`, `a\\b`},
	}
	for _, tt := range tests {
		if got := escapeLabel(tt.in); got != tt.want {
			t.Errorf("escapeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	srv := NewServer(NewCollector(), nil)
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, "/metrics", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rec.Code)
		}
	}
}

func TestHandlerOutput(t *testing.T) {
	c := NewCollector()
	c.ObserveProbe(true)
	srv := NewServer(c, func() Status {
		return Status{
			Overall: state.OverallDisconnected,
			Running: true,
			Targets: []state.TargetStatus{{Name: "google", URI: "https://www.google.com/generate_204", Health: state.HealthWarn}},
		}
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`netwatch_overall_state{state="DISCONNECTED"} 1`,
		"netwatch_monitoring_running 1",
		"netwatch_os_online 0",
		`netwatch_target_up{target="google",uri="https://www.google.com/generate_204",group=""} 0`,
		"netwatch_probes_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestHandlerWithoutSources(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 200, got %d %q", rec.Code, rec.Body.String())
	}
}
