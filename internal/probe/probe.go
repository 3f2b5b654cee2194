package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrTimeout marks a probe that did not settle before its deadline.
	ErrTimeout = errors.New("probe timeout")
	// ErrTransport marks a probe that failed for any other reason.
	ErrTransport = errors.New("probe transport failure")
	// ErrOSOffline marks a probe skipped because the host reports no route.
	ErrOSOffline = errors.New("os reports network offline")
)

// Outcome captures the classified result of a single probe.
type Outcome struct {
	Target     string
	Succeeded  bool
	TimedOut   bool
	RTT        time.Duration
	ObservedAt time.Time
	Err        error
}

// Prober sends a single probe and returns the result.
type Prober interface {
	Probe(ctx context.Context, target string, timeout time.Duration) Outcome
}

// OnlineFunc reports the current OS-level connectivity signal.
type OnlineFunc func() bool

// Executor dispatches probes by URI scheme and short-circuits while the OS
// reports itself offline.
type Executor struct {
	schemes map[string]Prober
	online  OnlineFunc
	now     func() time.Time
}

// NewExecutor returns an executor that consults online before each probe.
// A nil online func is treated as always online.
func NewExecutor(online OnlineFunc) *Executor {
	if online == nil {
		online = func() bool { return true }
	}
	return &Executor{
		schemes: make(map[string]Prober),
		online:  online,
		now:     time.Now,
	}
}

// NewDefaultExecutor wires the HTTP, DNS and ICMP probers.
func NewDefaultExecutor(online OnlineFunc) *Executor {
	e := NewExecutor(online)
	httpProber := NewHTTPProber(nil)
	e.Register("http", httpProber)
	e.Register("https", httpProber)
	e.Register("dns", NewDNSProber())
	e.Register("icmp", NewFallbackProber(NewICMPProber(), NewExternalPinger()))
	return e
}

// Register binds a prober to a URI scheme.
func (e *Executor) Register(scheme string, p Prober) {
	e.schemes[strings.ToLower(scheme)] = p
}

// Probe runs one bounded probe against target.
func (e *Executor) Probe(ctx context.Context, target string, timeout time.Duration) Outcome {
	if !e.online() {
		return Outcome{Target: target, ObservedAt: e.now(), Err: ErrOSOffline}
	}

	u, err := url.Parse(target)
	if err != nil {
		return Outcome{Target: target, ObservedAt: e.now(), Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	p, ok := e.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return Outcome{Target: target, ObservedAt: e.now(), Err: fmt.Errorf("%w: unsupported scheme %q", ErrTransport, u.Scheme)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := p.Probe(ctx, target, timeout)
	out.Target = target
	if out.ObservedAt.IsZero() {
		out.ObservedAt = e.now()
	}
	if !out.Succeeded {
		out.TimedOut, out.Err = classify(ctx, out.Err)
	}
	return out
}

// classify folds a raw probe error into ErrTimeout or ErrTransport.
func classify(ctx context.Context, err error) (bool, error) {
	switch {
	case err == nil:
		return false, ErrTransport
	case errors.Is(err, ErrTimeout):
		return true, err
	case errors.Is(err, ErrTransport), errors.Is(err, ErrOSOffline):
		return false, err
	case isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return true, fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Describe renders an outcome error the way the event log shows it.
func Describe(out Outcome) string {
	if out.TimedOut {
		return "Timeout"
	}
	if out.Err == nil {
		return "unknown error"
	}
	return out.Err.Error()
}
