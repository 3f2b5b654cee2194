// Package reconcile combines the OS connectivity signal and the probe
// judgment into one overall state. Transitions are pure: each step returns
// the next session value plus the side effects the caller must run.
package reconcile

import (
	"fmt"
	"time"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/state"
)

// Disconnect and stop reasons.
const (
	ReasonOSOffline          = "OS Offline (e.g. Wi-Fi/cable disconnected)"
	ReasonTargetsUnreachable = "Target Server(s) Unreachable (Internet or Server issue)"
	ReasonChecking           = "Connectivity Check in Progress"
	ReasonManualStop         = "Manual Stop by User"
	ReasonProcessExit        = "Process Exit"
	ReasonManualReport       = "Manual Report Generation by User"
)

// Kind identifies a side effect.
type Kind int

const (
	KindLog Kind = iota
	KindNotify
	KindAlert
	KindReport
	KindPersistStart
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindNotify:
		return "notify"
	case KindAlert:
		return "alert"
	case KindReport:
		return "report"
	case KindPersistStart:
		return "persist-start"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Intent is one side effect requested by a transition.
type Intent struct {
	Kind     Kind
	Severity eventlog.Severity
	Message  string
	Title    string
	Reason   string
	// EndOfSession selects the session-end report time.
	EndOfSession bool
	// Deliver requests an automatic delivery attempt.
	Deliver bool
}

// Session is the reconciler-owned part of a monitoring session.
type Session struct {
	Overall state.Overall
	// EffectivelyOnline remembers whether the last non-Checking evaluation
	// was Connected. Edges fire when it flips.
	EffectivelyOnline bool
	Timing            state.SessionTiming
	// DisconnectionVisible is cleared when connectivity returns; the
	// timestamp itself is kept for reports.
	DisconnectionVisible bool
	DisconnectReason     string
}

// Signals are the inputs of one evaluation.
type Signals struct {
	OSOnline     bool
	Connectivity state.Connectivity
	// Running is true while the scheduler owns an active session.
	Running bool
}

// Derive maps the two signals onto an overall state and the reason that
// applies when the state is not Connected.
func Derive(osOnline bool, c state.Connectivity) (state.Overall, string) {
	switch {
	case !osOnline:
		return state.OverallDisconnected, ReasonOSOffline
	case c == state.ConnectivityReachable:
		return state.OverallConnected, ""
	case c == state.ConnectivityChecking:
		return state.OverallChecking, ReasonChecking
	default:
		return state.OverallDisconnected, ReasonTargetsUnreachable
	}
}

// Begin returns the state of a fresh session. A non-zero resumeStart is
// kept as the connection start time.
func Begin(resumeStart time.Time) Session {
	return Session{
		Overall: state.OverallUnknown,
		Timing:  state.SessionTiming{ConnectionStart: resumeStart},
	}
}

// Evaluate runs one transition for the current signals.
func Evaluate(s Session, sig Signals, now time.Time) (Session, []Intent) {
	next, reason := Derive(sig.OSOnline, sig.Connectivity)
	out := s
	out.Overall = next

	var intents []Intent
	switch next {
	case state.OverallConnected:
		if !s.EffectivelyOnline {
			if out.Timing.ConnectionStart.IsZero() {
				out.Timing.ConnectionStart = now
				intents = append(intents,
					Intent{Kind: KindPersistStart},
					logIntent(eventlog.SeveritySuccess, "Network connection established and verified."),
				)
			}
			out.DisconnectionVisible = false
		}
		out.EffectivelyOnline = true
	case state.OverallDisconnected:
		if s.EffectivelyOnline {
			out.Timing.LastDisconnection = now
			out.DisconnectionVisible = true
			out.DisconnectReason = reason
			intents = append(intents,
				logIntent(eventlog.SeverityError, "Network connection lost or degraded. Reason: "+reason),
				Intent{
					Kind:    KindNotify,
					Title:   "Network Issue Detected",
					Message: fmt.Sprintf("Reason: %s at %s", reason, now.Format(eventlog.TimeLayout)),
				},
				Intent{Kind: KindAlert},
			)
			if sig.Running {
				intents = append(intents, Intent{Kind: KindReport, Reason: reason, Deliver: true})
			}
		}
		out.EffectivelyOnline = false
	}
	return out, intents
}

// OSSignal records an OS online/offline event. The caller evaluates
// afterwards.
func OSSignal(s Session, online bool) (Session, []Intent) {
	if online {
		s.DisconnectionVisible = false
		return s, []Intent{logIntent(eventlog.SeveritySuccess, "OS reports network ONLINE.")}
	}
	return s, []Intent{logIntent(eventlog.SeverityError, "OS reports network OFFLINE.")}
}

// Shutdown ends a session. A session that was effectively online takes the
// disconnect edge with reason instead of a failure reason, logged as a
// warning and never auto-reported on its own. The final report intent is
// always last.
func Shutdown(s Session, reason string, now time.Time, wasRunning, deliver bool) (Session, []Intent) {
	out := s
	intents := []Intent{logIntent(eventlog.SeverityInfo, "Monitoring stopped. Reason: "+reason)}

	if s.EffectivelyOnline {
		out.Timing.LastDisconnection = now
		out.DisconnectReason = reason
		intents = append(intents,
			logIntent(eventlog.SeverityWarning, "Network connection closed. Reason: "+reason),
			Intent{
				Kind:    KindNotify,
				Title:   "Monitoring Stopped",
				Message: fmt.Sprintf("Reason: %s at %s", reason, now.Format(eventlog.TimeLayout)),
			},
			Intent{Kind: KindAlert},
		)
	}
	if (s.EffectivelyOnline || wasRunning) && out.Timing.LastDisconnection.IsZero() {
		out.Timing.LastDisconnection = now
	}
	if !out.Timing.LastDisconnection.IsZero() {
		out.DisconnectionVisible = true
	}
	out.EffectivelyOnline = false
	out.Overall = state.OverallDisconnected

	intents = append(intents, Intent{Kind: KindReport, Reason: reason, EndOfSession: true, Deliver: deliver})
	return out, intents
}

func logIntent(sev eventlog.Severity, msg string) Intent {
	return Intent{Kind: KindLog, Severity: sev, Message: msg}
}
