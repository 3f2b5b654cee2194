package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/probe"
	"github.com/doridoridoriand/netwatch/internal/reconcile"
	"github.com/doridoridoriand/netwatch/internal/report"
	"github.com/doridoridoriand/netwatch/internal/settings"
	"github.com/doridoridoriand/netwatch/internal/state"
)

const (
	targetA = "https://a.example/generate_204"
	targetB = "https://b.example/cdn-cgi/trace"
)

// scriptedProber returns queued results per target; unscripted probes
// succeed. With a gate set, every probe blocks until the gate yields.
type scriptedProber struct {
	mu       sync.Mutex
	script   map[string][]bool
	calls    []string
	gate     chan struct{}
	inFlight int32
	max      int32
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{script: make(map[string][]bool)}
}

func (p *scriptedProber) queue(target string, results ...bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[target] = append(p.script[target], results...)
}

func (p *scriptedProber) Probe(ctx context.Context, target string, timeout time.Duration) probe.Outcome {
	current := atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)
	for {
		max := atomic.LoadInt32(&p.max)
		if current <= max || atomic.CompareAndSwapInt32(&p.max, max, current) {
			break
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, target)
	ok := true
	if q := p.script[target]; len(q) > 0 {
		ok = q[0]
		p.script[target] = q[1:]
	}
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if ok {
		return probe.Outcome{Target: target, Succeeded: true, RTT: time.Millisecond, ObservedAt: time.Now()}
	}
	return probe.Outcome{Target: target, TimedOut: true, Err: probe.ErrTimeout, ObservedAt: time.Now()}
}

func (p *scriptedProber) callList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) count(title string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.titles {
		if t == title {
			c++
		}
	}
	return c
}

type countingAlerter struct {
	n   atomic.Int32
	err error
}

func (a *countingAlerter) Alert() error {
	a.n.Add(1)
	return a.err
}

type fakeDeliverer struct {
	mu   sync.Mutex
	msgs []report.Message
	err  error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, msg report.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return d.err
}

func (d *fakeDeliverer) sent() []report.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]report.Message(nil), d.msgs...)
}

type fixture struct {
	t        *testing.T
	m        *Monitor
	prober   *scriptedProber
	notifier *recordingNotifier
	alerter  *countingAlerter
	dir      string
	ctx      context.Context
}

func targetConfigs(uris ...string) []config.TargetConfig {
	out := make([]config.TargetConfig, 0, len(uris))
	for _, uri := range uris {
		out = append(out, config.TargetConfig{Name: config.HostOf(uri), URI: uri})
	}
	return out
}

func newFixture(t *testing.T, mod func(*Options, *Deps)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		t:        t,
		prober:   newScriptedProber(),
		notifier: &recordingNotifier{},
		alerter:  &countingAlerter{},
		dir:      dir,
	}
	opts := Options{
		Targets:    targetConfigs(targetA, targetB),
		Interval:   10 * time.Second,
		Timeout:    time.Second,
		ReportsDir: filepath.Join(dir, "reports"),
		ExportDir:  dir,
	}
	deps := Deps{
		Prober:   f.prober,
		Notifier: f.notifier,
		Alerter:  f.alerter,
	}
	if mod != nil {
		mod(&opts, &deps)
	}
	m, err := New(opts, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.m = m

	ctx, cancel := context.WithCancel(context.Background())
	f.ctx = ctx
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

// waitFor polls cond on the monitor goroutine.
func (f *fixture) waitFor(desc string, cond func() bool) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ok bool
		if err := f.m.call(f.ctx, func() { ok = cond() }); err != nil {
			f.t.Fatalf("waiting for %s: %v", desc, err)
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("timeout waiting for %s", desc)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitSettled(n uint64) {
	f.t.Helper()
	f.waitFor("settled probes", func() bool { return f.m.settled >= n && !f.m.inFlight })
}

func (f *fixture) tick() {
	f.t.Helper()
	if err := f.m.call(f.ctx, f.m.onTick); err != nil {
		f.t.Fatalf("tick: %v", err)
	}
}

func (f *fixture) start() {
	f.t.Helper()
	if err := f.m.Start(f.ctx, StartRequest{}); err != nil {
		f.t.Fatalf("Start() error = %v", err)
	}
}

func (f *fixture) messages() []string {
	entries := f.m.EventLog().Chronological()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func countPrefix(msgs []string, prefix string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func TestNewRequiresTargets(t *testing.T) {
	if _, err := New(Options{}, Deps{}); !errors.Is(err, probe.ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
}

func TestStartRejectsZeroInterval(t *testing.T) {
	f := newFixture(t, nil)
	zero := 0
	err := f.m.Start(f.ctx, StartRequest{IntervalSeconds: &zero})

	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) || !errors.Is(err, config.ErrInvalidInterval) {
		t.Fatalf("expected ConfigurationError wrapping ErrInvalidInterval, got %v", err)
	}
	if f.m.Snapshot().Running {
		t.Fatal("monitor must remain stopped")
	}
	if len(f.prober.callList()) != 0 {
		t.Fatal("no probe may run after a rejected start")
	}
}

func TestStartProbesImmediatelyAndConnects(t *testing.T) {
	f := newFixture(t, nil)
	f.start()
	f.waitSettled(1)

	snap := f.m.Snapshot()
	if !snap.Running || snap.Overall != state.OverallConnected {
		t.Fatalf("expected running and connected, got %+v", snap)
	}
	if snap.SessionID == "" || snap.SessionID != f.m.SessionID() {
		t.Fatalf("expected session id, got %q", snap.SessionID)
	}
	if snap.Timing.ConnectionStart.IsZero() || snap.Timing.LastSuccessfulCheck.IsZero() {
		t.Fatalf("expected timing to be set, got %+v", snap.Timing)
	}
	msgs := f.messages()
	for _, want := range []string{
		"Monitoring started.",
		"Connectivity check to a.example successful.",
		"Network connection established and verified.",
	} {
		if countPrefix(msgs, want) != 1 {
			t.Errorf("expected %q once in %v", want, msgs)
		}
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.start()
	f.waitSettled(1)
	id := f.m.SessionID()
	before := f.m.EventLog().Len()

	f.start()
	if f.m.SessionID() != id {
		t.Fatal("second start must not open a new session")
	}
	if f.m.EventLog().Len() != before {
		t.Fatal("second start must not append to the event log")
	}
}

func TestFailoverScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.queue(targetA, true, false)
	f.start()
	f.waitSettled(1)

	// Tick 1: A times out, cursor moves to B.
	f.tick()
	f.waitSettled(2)
	snap := f.m.Snapshot()
	if snap.Cursor != 1 {
		t.Fatalf("expected cursor 1, got %d", snap.Cursor)
	}
	if snap.Connectivity != state.ConnectivityUnreachable || snap.Overall != state.OverallDisconnected {
		t.Fatalf("expected unreachable/disconnected, got %s/%s", snap.Connectivity, snap.Overall)
	}
	if snap.LastError != "" {
		t.Fatalf("not exhausted yet, got %q", snap.LastError)
	}
	lostAt := snap.Timing.LastDisconnection

	// Tick 2: B succeeds, cursor resets.
	f.tick()
	f.waitSettled(3)
	snap = f.m.Snapshot()
	if snap.Cursor != 0 || snap.Connectivity != state.ConnectivityReachable || snap.Overall != state.OverallConnected {
		t.Fatalf("expected reset cursor and connected, got %+v", snap)
	}
	if snap.Timing.LastSuccessfulCheck.Before(lostAt) {
		t.Fatalf("expected last successful check updated")
	}

	calls := f.prober.callList()
	want := []string{targetA, targetA, targetB}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
	msgs := f.messages()
	if countPrefix(msgs, "Check to a.example FAILED. Timeout") != 1 || countPrefix(msgs, "Trying next target: b.example") != 1 {
		t.Fatalf("unexpected failover log %v", msgs)
	}
	if countPrefix(msgs, "Network connection lost or degraded.") != 1 {
		t.Fatalf("expected one lost entry, got %v", msgs)
	}
}

func TestAllTargetsExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.queue(targetA, false, false)
	f.prober.queue(targetB, false)
	f.start()
	f.waitSettled(1)
	f.tick()
	f.waitSettled(2)

	snap := f.m.Snapshot()
	if snap.LastError != ErrAllTargetsExhausted.Error() || snap.Cursor != 0 {
		t.Fatalf("expected exhaustion with cursor reset, got %+v", snap)
	}
	if countPrefix(f.messages(), "All targets unreachable") != 1 {
		t.Fatalf("expected exhaustion entry, got %v", f.messages())
	}

	// The next tick retries from the primary target.
	f.tick()
	f.waitSettled(3)
	if calls := f.prober.callList(); calls[2] != targetA {
		t.Fatalf("expected retry from primary, got %v", calls)
	}
}

func TestOSOfflineWhileConnected(t *testing.T) {
	f := newFixture(t, nil)
	f.start()
	f.waitSettled(1)

	if err := f.m.OSChanged(f.ctx, false); err != nil {
		t.Fatalf("OSChanged() error = %v", err)
	}
	snap := f.m.Snapshot()
	if snap.Overall != state.OverallDisconnected || snap.Timing.LastDisconnection.IsZero() {
		t.Fatalf("expected immediate disconnection, got %+v", snap)
	}
	if snap.DisconnectReason != reconcile.ReasonOSOffline {
		t.Fatalf("unexpected reason %q", snap.DisconnectReason)
	}
	msgs := f.messages()
	if countPrefix(msgs, "Network connection lost or degraded. Reason: "+reconcile.ReasonOSOffline) != 1 {
		t.Fatalf("expected one error entry, got %v", msgs)
	}
	if countPrefix(msgs, "OS reports network OFFLINE.") != 1 {
		t.Fatalf("expected OS offline entry, got %v", msgs)
	}
	if countPrefix(msgs, "NOTIFICATION: Network Issue Detected") != 1 {
		t.Fatalf("expected notification entry, got %v", msgs)
	}
	f.waitFor("notification", func() bool { return f.notifier.count("Network Issue Detected") == 1 })
	if f.alerter.n.Load() != 1 {
		t.Fatalf("expected one alert, got %d", f.alerter.n.Load())
	}
}

func TestOSOnlineTriggersProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.start()
	f.waitSettled(1)
	_ = f.m.OSChanged(f.ctx, false)
	_ = f.m.OSChanged(f.ctx, true)
	f.waitSettled(2)

	if got := len(f.prober.callList()); got != 2 {
		t.Fatalf("expected out-of-band probe, got %d calls", got)
	}
	snap := f.m.Snapshot()
	if snap.Overall != state.OverallConnected || snap.DisconnectionVisible {
		t.Fatalf("expected reconnected with cleared display, got %+v", snap)
	}
}

// オフライン→オンライン直後のプローブ失敗で二重に切断扱いしない
func TestOSOnlineWaitsForProbeBeforeReconnecting(t *testing.T) {
	f := newFixture(t, nil)
	f.start()
	f.waitSettled(1)

	_ = f.m.OSChanged(f.ctx, false)
	if snap := f.m.Snapshot(); snap.Connectivity != state.ConnectivityUnreachable {
		t.Fatalf("OS offline must mark connectivity unreachable, got %s", snap.Connectivity)
	}

	f.prober.queue(targetA, false)
	gate := make(chan struct{})
	f.prober.mu.Lock()
	f.prober.gate = gate
	f.prober.mu.Unlock()

	_ = f.m.OSChanged(f.ctx, true)
	snap := f.m.Snapshot()
	if !snap.ProbeInFlight {
		t.Fatal("expected a probe after the OS came back")
	}
	if snap.Overall != state.OverallDisconnected || snap.Connectivity != state.ConnectivityUnreachable {
		t.Fatalf("must stay disconnected until a probe succeeds, got %s/%s", snap.Overall, snap.Connectivity)
	}

	gate <- struct{}{}
	f.waitSettled(2)

	msgs := f.messages()
	if got := countPrefix(msgs, "Network connection lost or degraded."); got != 1 {
		t.Fatalf("expected one lost entry for one outage, got %d: %v", got, msgs)
	}
	if got := countPrefix(msgs, "NOTIFICATION: Network Issue Detected"); got != 1 {
		t.Fatalf("expected one notification for one outage, got %d", got)
	}
	if got := f.alerter.n.Load(); got != 1 {
		t.Fatalf("expected one alert, got %d", got)
	}
}

func TestOSOfflineShortCircuitMarksUnreachable(t *testing.T) {
	online := atomic.Bool{}
	online.Store(true)
	f := newFixture(t, func(o *Options, deps *Deps) {
		exec := probe.NewExecutor(online.Load)
		exec.Register("https", deps.Prober)
		deps.Prober = exec
	})
	f.start()
	f.waitSettled(1)

	online.Store(false)
	f.tick()
	f.waitSettled(2)

	snap := f.m.Snapshot()
	if snap.Connectivity != state.ConnectivityUnreachable {
		t.Fatalf("skipped probe must mark connectivity unreachable, got %s", snap.Connectivity)
	}
	if got := len(f.prober.callList()); got != 1 {
		t.Fatalf("no network probe expected while offline, got %d calls", got)
	}
	if countPrefix(f.messages(), "Check to") != 0 {
		t.Fatalf("skipped probe must be silent: %v", f.messages())
	}
}

func TestOSSignalDuringProbeCoalesces(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.prober.gate = gate
	f.start()

	_ = f.m.OSChanged(f.ctx, true)
	_ = f.m.OSChanged(f.ctx, true)
	f.tick()

	gate <- struct{}{}
	f.waitFor("recheck launch", func() bool { return f.m.settled == 1 && f.m.inFlight })
	gate <- struct{}{}
	f.waitSettled(2)

	if got := len(f.prober.callList()); got != 2 {
		t.Fatalf("expected one coalesced recheck, got %d calls", got)
	}
	if max := atomic.LoadInt32(&f.prober.max); max != 1 {
		t.Fatalf("expected at most one probe in flight, got %d", max)
	}
}

func TestStaleResultDiscardedAfterStop(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.prober.gate = gate
	f.start()

	if err := f.m.Stop(f.ctx, ""); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !f.m.Snapshot().ProbeInFlight {
		t.Fatal("the pending probe is still in flight after stop")
	}
	gate <- struct{}{}
	f.waitFor("stale result", func() bool { return !f.m.inFlight })

	snap := f.m.Snapshot()
	if snap.Running {
		t.Fatal("a late result must not reopen the session")
	}
	if f.m.settled != 0 {
		t.Fatalf("stale result must not be applied, settled=%d", f.m.settled)
	}
	if countPrefix(f.messages(), "Connectivity check to") != 0 {
		t.Fatalf("stale result must not be logged: %v", f.messages())
	}
}

func TestStopWhileStoppedIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	before := f.m.Snapshot()
	if err := f.m.Stop(f.ctx, ""); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if f.m.EventLog().Len() != 0 {
		t.Fatalf("expected no log entry, got %v", f.messages())
	}
	after := f.m.Snapshot()
	if after.Overall != before.Overall || after.Running != before.Running {
		t.Fatalf("expected no state change")
	}
}

func TestStopWhileStoppedWithReasonReports(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.m.Stop(f.ctx, "Forced Shutdown"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	msgs := f.messages()
	if countPrefix(msgs, "Monitoring stopped. Reason: Forced Shutdown") != 1 {
		t.Fatalf("expected stop entry, got %v", msgs)
	}
	if f.m.Snapshot().LastReportPath == "" {
		t.Fatal("expected a saved report")
	}
}

func TestManualStopDeliversFinalReport(t *testing.T) {
	d := &fakeDeliverer{}
	store := settings.NewStore(filepath.Join(t.TempDir(), "s.toml"))
	f := newFixture(t, func(o *Options, deps *Deps) {
		o.Recipient = "ops@example.com"
		deps.Deliverer = d
		deps.Settings = store
	})
	f.start()
	f.waitSettled(1)

	v, _ := store.Load()
	if _, ok := v.StartTime(); !ok || v.UserEmail != "ops@example.com" || v.CheckInterval != 10 {
		t.Fatalf("expected persisted settings, got %+v", v)
	}

	if err := f.m.Stop(f.ctx, ""); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	f.waitFor("delivery", func() bool {
		return countPrefix(f.messages(), "Automated report email sent to ops@example.com.") == 1
	})

	sent := d.sent()
	if len(sent) != 1 || sent[0].Reason != reconcile.ReasonManualStop {
		t.Fatalf("expected one delivered report, got %+v", sent)
	}
	if !strings.Contains(sent[0].Text, "Reason for Report: Manual Stop by User") {
		t.Fatalf("unexpected report text %q", sent[0].Text)
	}
	msgs := f.messages()
	if countPrefix(msgs, "Network connection closed. Reason: Manual Stop by User") != 1 {
		t.Fatalf("expected warning close entry, got %v", msgs)
	}
	if countPrefix(msgs, "Network connection lost") != 0 {
		t.Fatalf("manual stop must not log a failure edge: %v", msgs)
	}
	f.waitFor("report notification", func() bool { return f.notifier.count("Report Emailed") == 1 })

	v, _ = store.Load()
	if _, ok := v.StartTime(); ok {
		t.Fatal("manual stop must clear the persisted start time")
	}
}

func TestDeliveryFailureFallsBackToManual(t *testing.T) {
	d := &fakeDeliverer{err: report.ErrDeliveryFailed}
	f := newFixture(t, func(o *Options, deps *Deps) {
		o.Recipient = "ops@example.com"
		deps.Deliverer = d
	})
	f.prober.queue(targetA, true, false)
	f.start()
	f.waitSettled(1)
	f.tick()
	f.waitSettled(2)

	f.waitFor("fallback", func() bool { return f.m.manualSend })
	msgs := f.messages()
	if countPrefix(msgs, "FAILED to send automated email to ops@example.com.") != 1 {
		t.Fatalf("expected failure entry, got %v", msgs)
	}
	path := f.m.Snapshot().LastReportPath
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fallback report: %v", err)
	}
	if !strings.Contains(string(data), "mailto:ops@example.com?subject=") {
		t.Fatalf("expected mailto link in %q", data)
	}
	if len(d.sent()) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(d.sent()))
	}
}

func TestEdgeReportWithoutRecipient(t *testing.T) {
	f := newFixture(t, nil)
	f.start()
	f.waitSettled(1)
	_ = f.m.OSChanged(f.ctx, false)

	msgs := f.messages()
	if countPrefix(msgs, "Recipient not provided. Automatic email skipped. Manual report generated.") != 1 {
		t.Fatalf("expected skip warning, got %v", msgs)
	}
	if !f.m.Snapshot().ManualSendEnabled {
		t.Fatal("expected manual send enabled")
	}
}

func TestEdgeReportWithoutDeliverer(t *testing.T) {
	f := newFixture(t, func(o *Options, deps *Deps) { o.Recipient = "ops@example.com" })
	f.start()
	f.waitSettled(1)
	_ = f.m.OSChanged(f.ctx, false)

	entries := f.m.EventLog().Chronological()
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Message, "Email service not configured.") {
			found = e.Severity == eventlog.SeverityError
		}
	}
	if !found {
		t.Fatalf("expected error-level skip entry")
	}
}

func TestExitDoesNotDeliver(t *testing.T) {
	d := &fakeDeliverer{}
	store := settings.NewStore(filepath.Join(t.TempDir(), "s.toml"))
	f := newFixture(t, func(o *Options, deps *Deps) {
		o.Recipient = "ops@example.com"
		deps.Deliverer = d
		deps.Settings = store
	})
	f.start()
	f.waitSettled(1)

	if err := f.m.Exit(f.ctx); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	msgs := f.messages()
	if countPrefix(msgs, "Process exiting during active monitoring.") != 1 {
		t.Fatalf("expected exit warning, got %v", msgs)
	}
	if countPrefix(msgs, "Monitoring stopped. Reason: Process Exit") != 1 {
		t.Fatalf("expected stop entry, got %v", msgs)
	}
	if len(d.sent()) != 0 {
		t.Fatal("process exit must not deliver")
	}
	if f.m.Snapshot().LastReportPath == "" {
		t.Fatal("expected saved report")
	}
	v, _ := store.Load()
	if _, ok := v.StartTime(); !ok {
		t.Fatal("process exit keeps the start time for resume")
	}

	// Exit while stopped is silent.
	before := f.m.EventLog().Len()
	_ = f.m.Exit(f.ctx)
	if f.m.EventLog().Len() != before {
		t.Fatal("exit while stopped must be silent")
	}
}

func TestResumeKeepsStartTime(t *testing.T) {
	resumed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *Options, deps *Deps) { o.ResumeStart = resumed })
	f.start()
	f.waitSettled(1)
	if got := f.m.Snapshot().Timing.ConnectionStart; !got.Equal(resumed) {
		t.Fatalf("expected resumed start %v, got %v", resumed, got)
	}
	if countPrefix(f.messages(), "Network connection established") != 0 {
		t.Fatal("resumed session must not log a new establishment")
	}
}

func TestComposeReportManualPath(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.m.ComposeReport(f.ctx, "")
	if err != nil {
		t.Fatalf("ComposeReport() error = %v", err)
	}
	if !strings.Contains(res.Text, "Reason for Report: "+reconcile.ReasonManualReport) {
		t.Fatalf("unexpected report %q", res.Text)
	}
	if filepath.Dir(res.Path) != filepath.Join(f.dir, "reports") || !strings.HasPrefix(res.Mailto, "mailto:") {
		t.Fatalf("unexpected result %+v", res)
	}
	if countPrefix(f.messages(), "Manual email report link generated for user to send.") != 1 {
		t.Fatalf("expected manual link entry, got %v", f.messages())
	}
}

func TestExportLog(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.m.ExportLog(f.ctx); !errors.Is(err, eventlog.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "network_monitor_log_") {
			t.Fatal("empty log must not write a file")
		}
	}

	f.start()
	f.waitSettled(1)
	path, err := f.m.ExportLog(f.ctx)
	if err != nil {
		t.Fatalf("ExportLog() error = %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "network_monitor_log_") {
		t.Fatalf("unexpected export name %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "Network Monitor - Event Log\n") || !strings.Contains(string(data), "Monitoring started.") {
		t.Fatalf("unexpected export %q", data)
	}
	if countPrefix(f.messages(), "Event log exported.") != 1 {
		t.Fatal("expected export entry")
	}
}

func TestRenderExport(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)
	f := newFixture(t, func(o *Options, deps *Deps) {
		deps.Now = func() time.Time { return now }
	})
	if _, err := f.m.RenderExport(f.ctx); !errors.Is(err, eventlog.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if f.m.EventLog().Len() != 0 {
		t.Fatal("empty export must not log")
	}

	f.start()
	f.waitSettled(1)
	exp, err := f.m.RenderExport(f.ctx)
	if err != nil {
		t.Fatalf("RenderExport() error = %v", err)
	}
	if exp.Name != eventlog.ExportFileName(now) {
		t.Fatalf("unexpected name %q", exp.Name)
	}
	if !strings.HasPrefix(exp.Text, "Network Monitor - Event Log\n") || !strings.Contains(exp.Text, "Monitoring started.") {
		t.Fatalf("unexpected export %q", exp.Text)
	}
	if countPrefix(f.messages(), "Event log exported.") != 1 {
		t.Fatal("expected export entry")
	}
	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "network_monitor_log_") {
			t.Fatal("rendering must not write a file")
		}
	}
}

func TestOnUpdateReceivesSnapshots(t *testing.T) {
	var got atomic.Int32
	f := newFixture(t, nil)
	f.m.OnUpdate(func(s Snapshot) {
		if s.Running {
			got.Add(1)
		}
	})
	f.start()
	f.waitSettled(1)
	if got.Load() == 0 {
		t.Fatal("expected running snapshots")
	}
}

func TestCommandsAfterRunReturn(t *testing.T) {
	m, err := New(Options{Targets: targetConfigs(targetA), Interval: time.Second}, Deps{Prober: newScriptedProber()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = m.Run(ctx)
	if err := m.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error on second Run")
	}
}
