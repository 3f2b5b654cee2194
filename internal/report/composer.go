package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/state"
)

const rule = "---------------------------"

// Input is everything a report is rendered from.
type Input struct {
	Timing          state.SessionTiming
	Targets         []string
	IntervalSeconds int
	OSOnline        bool
	// Events must be in chronological order.
	Events       []eventlog.Entry
	Reason       string
	EndOfSession bool
	Now          time.Time
}

// SessionEnd returns the last disconnection time for end-of-session
// reports when it is set, and Now otherwise.
func SessionEnd(in Input) time.Time {
	if in.EndOfSession && !in.Timing.LastDisconnection.IsZero() {
		return in.Timing.LastDisconnection
	}
	return in.Now
}

// Compose renders the fixed-section text report. The output depends only on
// in; Now appears in the generated-at line.
func Compose(in Input) string {
	var b strings.Builder
	b.WriteString("Network Monitoring Report\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Session Start: %s\n", formatOrNA(in.Timing.ConnectionStart))
	fmt.Fprintf(&b, "Session End/Report Time: %s\n", SessionEnd(in).Format(eventlog.TimeLayout))
	fmt.Fprintf(&b, "Reason for Report: %s\n\n", in.Reason)

	b.WriteString("Target URLs Checked (Primary First):\n")
	for _, t := range in.Targets {
		fmt.Fprintf(&b, " - %s\n", t)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Check Interval: %d seconds\n", in.IntervalSeconds)
	status := "Offline"
	if in.OSOnline {
		status = "Online"
	}
	fmt.Fprintf(&b, "Browser Status at End: %s\n", status)
	fmt.Fprintf(&b, "Last Successful Connectivity Check: %s\n\n", formatOrNA(in.Timing.LastSuccessfulCheck))

	b.WriteString("Events During Session (Chronological):\n")
	if len(in.Events) > 0 {
		b.WriteString(eventlog.Lines(in.Events))
		b.WriteString("\n")
	}
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Report Generated: %s", in.Now.Format(eventlog.TimeLayout))
	return b.String()
}

func formatOrNA(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format(eventlog.TimeLayout)
}
