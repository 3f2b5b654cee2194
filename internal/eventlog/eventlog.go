package eventlog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TimeLayout is the human-readable timestamp format used in log lines,
// reports and exports.
const TimeLayout = "2006-01-02 15:04:05"

// ErrEmpty is returned when exporting a log with no entries.
var ErrEmpty = errors.New("event log is empty")

// Severity classifies an entry.
type Severity string

const (
	SeverityInfo    Severity = "Info"
	SeveritySuccess Severity = "Success"
	SeverityWarning Severity = "Warning"
	SeverityError   Severity = "Error"
)

// Entry is one immutable, time-stamped record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

// String renders the entry as a single log line.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format(TimeLayout), strings.ToUpper(string(e.Severity)), e.Message)
}

// Log is an append-only, session-scoped event record. Subscribers are called
// after each append, outside the lock, in subscription order.
type Log struct {
	mu          sync.RWMutex
	entries     []Entry
	subscribers []func(Entry)
	now         func() time.Time
}

// New returns an empty log stamped with the wall clock.
func New() *Log {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty log stamped with now.
func NewWithClock(now func() time.Time) *Log {
	return &Log{now: now}
}

// Subscribe registers fn to receive every future entry.
func (l *Log) Subscribe(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Append records message at severity with the current time.
func (l *Log) Append(severity Severity, message string) Entry {
	l.mu.Lock()
	entry := Entry{Timestamp: l.now(), Severity: severity, Message: message}
	l.entries = append(l.entries, entry)
	subs := l.subscribers
	l.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
	return entry
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Chronological returns a copy of the entries, oldest first.
func (l *Log) Chronological() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// NewestFirst returns a copy of the entries, newest first.
func (l *Log) NewestFirst() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Lines renders entries one per line.
func Lines(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.String())
	}
	return b.String()
}

// ExportText renders the chronological export document.
func ExportText(entries []Entry, at time.Time) (string, error) {
	if len(entries) == 0 {
		return "", ErrEmpty
	}
	var b strings.Builder
	b.WriteString("Network Monitor - Event Log\n")
	fmt.Fprintf(&b, "Report Time: %s\n", at.Format(TimeLayout))
	b.WriteString("-------------------------------------\n")
	b.WriteString(Lines(entries))
	b.WriteByte('\n')
	return b.String(), nil
}

// ExportFileName returns the export artifact name: the UTC ISO time with
// dashes in place of colons.
func ExportFileName(at time.Time) string {
	return "network_monitor_log_" + at.UTC().Format("2006-01-02T15-04-05Z") + ".txt"
}
