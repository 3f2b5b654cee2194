package reconcile

import (
	"errors"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/probe"
)

// Outcome records a settled probe: check timestamps and the log lines for
// success, failure, failover and exhaustion. next is the target the rotation
// moved to after a failure. Probes skipped because the OS is offline are
// silent; the OS signal already logged the drop.
func Outcome(s Session, out probe.Outcome, next string, exhausted bool) (Session, []Intent) {
	s.Timing.LastCheck = out.ObservedAt
	host := config.HostOf(out.Target)

	if out.Succeeded {
		s.Timing.LastSuccessfulCheck = out.ObservedAt
		return s, []Intent{logIntent(eventlog.SeveritySuccess, "Connectivity check to "+host+" successful.")}
	}

	if errors.Is(out.Err, probe.ErrOSOffline) {
		return s, nil
	}

	intents := []Intent{logIntent(eventlog.SeverityError, "Check to "+host+" FAILED. "+probe.Describe(out))}
	if exhausted {
		intents = append(intents, logIntent(eventlog.SeverityError, "All targets unreachable"))
	} else {
		intents = append(intents, logIntent(eventlog.SeverityWarning, "Trying next target: "+config.HostOf(next)))
	}
	return s, intents
}
