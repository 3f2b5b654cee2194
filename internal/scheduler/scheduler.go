package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/log"
	"github.com/doridoridoriand/netwatch/internal/metrics"
	"github.com/doridoridoriand/netwatch/internal/notify"
	"github.com/doridoridoriand/netwatch/internal/probe"
	"github.com/doridoridoriand/netwatch/internal/reconcile"
	"github.com/doridoridoriand/netwatch/internal/report"
	"github.com/doridoridoriand/netwatch/internal/sampler"
	"github.com/doridoridoriand/netwatch/internal/settings"
	"github.com/doridoridoriand/netwatch/internal/state"
)

var (
	// ErrAllTargetsExhausted is recorded when every target failed in turn.
	// It is shown in snapshots and never returned to callers.
	ErrAllTargetsExhausted = errors.New("all targets exhausted")
	// ErrClosed is returned by commands issued after Run has returned.
	ErrClosed = errors.New("monitor closed")
)

const deliveryTimeout = 30 * time.Second

// Options are the monitor settings taken from configuration.
type Options struct {
	Targets    []config.TargetConfig
	Interval   time.Duration
	Timeout    time.Duration
	Recipient  string
	ReportsDir string
	ExportDir  string
	// ResumeStart is used as the connection start of the first session.
	ResumeStart time.Time
}

// OptionsFromConfig maps a loaded config onto monitor options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Targets:    cfg.Targets,
		Interval:   cfg.Global.Interval,
		Timeout:    cfg.Global.Timeout,
		Recipient:  cfg.Global.Recipient,
		ReportsDir: cfg.Global.ReportsDir,
		ExportDir:  cfg.Global.ExportDir,
	}
}

// Deps are the collaborators of a monitor. Nil optional fields disable the
// matching side effect.
type Deps struct {
	Prober    probe.Prober
	Tracker   state.Tracker
	Log       *eventlog.Log
	Logger    *log.Logger
	Notifier  notify.Notifier
	Alerter   notify.Alerter
	Deliverer report.Deliverer
	Sampler   *sampler.Sampler
	Settings  *settings.Store
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// StartRequest optionally changes the interval and recipient on start.
type StartRequest struct {
	IntervalSeconds *int    `json:"interval_seconds,omitempty"`
	Recipient       *string `json:"recipient,omitempty"`
}

// ReportResult describes a composed report.
type ReportResult struct {
	Text   string `json:"text"`
	Path   string `json:"path,omitempty"`
	Mailto string `json:"mailto,omitempty"`
}

// Snapshot is the published, read-only view of the monitor.
type Snapshot struct {
	SessionID            string               `json:"session_id"`
	Running              bool                 `json:"running"`
	Overall              state.Overall        `json:"overall"`
	OSOnline             bool                 `json:"os_online"`
	Connectivity         state.Connectivity   `json:"connectivity"`
	ProbeInFlight        bool                 `json:"probe_in_flight"`
	Timing               state.SessionTiming  `json:"timing"`
	DisconnectionVisible bool                 `json:"disconnection_visible"`
	DisconnectReason     string               `json:"disconnect_reason,omitempty"`
	Targets              []state.TargetStatus `json:"targets"`
	Cursor               int                  `json:"cursor"`
	IntervalSeconds      int                  `json:"interval_seconds"`
	Recipient            string               `json:"recipient"`
	ManualSendEnabled    bool                 `json:"manual_send_enabled"`
	Sampling             bool                 `json:"sampling"`
	LastSample           string               `json:"last_sample,omitempty"`
	LastReportPath       string               `json:"last_report_path,omitempty"`
	LastError            string               `json:"last_error,omitempty"`
}

type probeResult struct {
	sessionID string
	out       probe.Outcome
}

// Monitor owns one monitoring session at a time. All session state is
// mutated on the Run goroutine; commands are queued onto it.
type Monitor struct {
	deps Deps
	opts Options

	exec    chan func()
	results chan probeResult
	done    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup

	// Run goroutine only.
	runCtx      context.Context
	rotation    *probe.Rotation
	session     reconcile.Session
	sessionID   string
	running     bool
	inFlight    bool
	recheck     bool
	settled     uint64
	timer       *time.Timer
	sampling    bool
	manualSend  bool
	lastSample  string
	lastReport  string
	lastErr     error
	resumeStart time.Time

	mu        sync.RWMutex
	snap      Snapshot
	current   string
	listeners []func(Snapshot)
}

// New builds a monitor. A nil Tracker, Prober or Log is created from opts.
func New(opts Options, deps Deps) (*Monitor, error) {
	uris := make([]string, 0, len(opts.Targets))
	for _, tgt := range opts.Targets {
		uris = append(uris, tgt.URI)
	}
	rotation, err := probe.NewRotation(uris)
	if err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = eventlog.NewWithClock(deps.Now)
	}
	if deps.Tracker == nil {
		deps.Tracker = state.NewTracker(opts.Targets, opts.Timeout)
	}
	if deps.Prober == nil {
		deps.Prober = probe.NewDefaultExecutor(deps.Tracker.OSOnline)
	}

	m := &Monitor{
		deps:        deps,
		opts:        opts,
		exec:        make(chan func()),
		results:     make(chan probeResult),
		done:        make(chan struct{}),
		runCtx:      context.Background(),
		rotation:    rotation,
		session:     reconcile.Begin(time.Time{}),
		resumeStart: opts.ResumeStart,
	}
	logger, collector := deps.Logger, deps.Metrics
	deps.Log.Subscribe(func(e eventlog.Entry) {
		logger.LogEvent(string(e.Severity), e.Message)
		if collector != nil {
			collector.ObserveEvent()
		}
	})
	m.publish()
	return m, nil
}

// EventLog returns the session event log.
func (m *Monitor) EventLog() *eventlog.Log {
	return m.deps.Log
}

// Run processes commands, timer ticks and probe results until ctx is
// cancelled. Side effects still in flight are awaited before returning.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already running")
	}
	m.runCtx = ctx
	defer func() {
		m.stopTimer()
		close(m.done)
		m.wg.Wait()
	}()

	for {
		var tick <-chan time.Time
		if m.timer != nil {
			tick = m.timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.exec:
			fn()
		case res := <-m.results:
			m.handleResult(res)
		case <-tick:
			m.onTick()
		}
		m.publish()
	}
}

// call runs fn on the Run goroutine and waits until its effects are
// published.
func (m *Monitor) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.exec <- func() {
		fn()
		m.publish()
		close(finished)
	}:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// post queues fn without waiting. It is dropped once Run has returned.
func (m *Monitor) post(fn func()) {
	select {
	case m.exec <- fn:
	case <-m.done:
	}
}

// Start begins a session. An invalid interval returns a
// *config.ConfigurationError and leaves the monitor stopped.
func (m *Monitor) Start(ctx context.Context, req StartRequest) error {
	var err error
	if cerr := m.call(ctx, func() { err = m.start(req) }); cerr != nil {
		return cerr
	}
	return err
}

// Stop ends the session with reason; an empty reason is a manual stop.
func (m *Monitor) Stop(ctx context.Context, reason string) error {
	return m.call(ctx, func() { m.stop(reason) })
}

// Exit stops an active session for process termination. The report is
// composed and saved but not delivered.
func (m *Monitor) Exit(ctx context.Context) error {
	return m.call(ctx, func() {
		if !m.running {
			return
		}
		m.appendLog(eventlog.SeverityWarning, "Process exiting during active monitoring.")
		m.stop(reconcile.ReasonProcessExit)
	})
}

// ComposeReport composes a report on demand through the manual path.
func (m *Monitor) ComposeReport(ctx context.Context, reason string) (ReportResult, error) {
	if reason == "" {
		reason = reconcile.ReasonManualReport
	}
	var (
		res ReportResult
		err error
	)
	if cerr := m.call(ctx, func() {
		res, err = m.runReport(reconcile.Intent{Kind: reconcile.KindReport, Reason: reason})
	}); cerr != nil {
		return ReportResult{}, cerr
	}
	return res, err
}

// ExportLog writes the chronological event log to the export directory and
// returns the file path. An empty log writes nothing and returns
// eventlog.ErrEmpty.
func (m *Monitor) ExportLog(ctx context.Context) (string, error) {
	var (
		path string
		err  error
	)
	if cerr := m.call(ctx, func() { path, err = m.exportLog() }); cerr != nil {
		return "", cerr
	}
	return path, err
}

// Export is a rendered event log download.
type Export struct {
	Name string
	Text string
}

// RenderExport renders the chronological event log for download without
// writing a file. An empty log returns eventlog.ErrEmpty.
func (m *Monitor) RenderExport(ctx context.Context) (Export, error) {
	var (
		exp Export
		err error
	)
	if cerr := m.call(ctx, func() { exp, err = m.renderExport() }); cerr != nil {
		return Export{}, cerr
	}
	return exp, err
}

// RunSample starts a throughput sample unless one is already running.
func (m *Monitor) RunSample(ctx context.Context) error {
	return m.call(ctx, m.runSample)
}

// OSChanged feeds an OS online/offline event.
func (m *Monitor) OSChanged(ctx context.Context, online bool) error {
	return m.call(ctx, func() { m.onOSSignal(online) })
}

// Snapshot returns the last published view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// SessionID returns the current session identifier.
func (m *Monitor) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnUpdate registers fn to receive every published snapshot. fn runs on
// the monitor goroutine and must not issue commands.
func (m *Monitor) OnUpdate(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) start(req StartRequest) error {
	if m.running {
		m.deps.Logger.Info("start ignored", map[string]interface{}{"reason": "already running"})
		return nil
	}
	interval := m.opts.Interval
	if req.IntervalSeconds != nil {
		interval = time.Duration(*req.IntervalSeconds) * time.Second
	}
	if err := config.ValidateInterval(interval); err != nil {
		cerr := &config.ConfigurationError{Problems: []string{err.Error()}, Err: config.ErrInvalidInterval}
		m.deps.Logger.LogError("scheduler", cerr, nil)
		return cerr
	}
	m.opts.Interval = interval
	if req.Recipient != nil {
		m.opts.Recipient = strings.TrimSpace(*req.Recipient)
	}
	if m.deps.Settings != nil {
		if err := m.deps.Settings.SaveConfig(int(interval/time.Second), m.opts.Recipient); err != nil {
			m.deps.Logger.LogError("settings", err, nil)
		} else {
			m.appendLog(eventlog.SeverityInfo, "Configuration saved.")
		}
	}

	m.session = reconcile.Begin(m.resumeStart)
	m.resumeStart = time.Time{}
	m.sessionID = uuid.NewString()
	m.mu.Lock()
	m.current = m.sessionID
	m.mu.Unlock()

	m.deps.Tracker.Reset()
	m.rotation.ResetOnSuccess()
	m.recheck = false
	m.lastErr = nil
	m.running = true

	m.appendLog(eventlog.SeverityInfo, "Monitoring started.")
	m.timer = time.NewTimer(interval)
	// A probe left over from the previous session delays the first one.
	m.launchProbe(true)
	return nil
}

func (m *Monitor) stop(reason string) {
	if reason == "" {
		reason = reconcile.ReasonManualStop
	}
	if !m.running && reason == reconcile.ReasonManualStop {
		m.deps.Logger.Info("stop ignored", map[string]interface{}{"reason": "not running"})
		return
	}
	wasRunning := m.running
	m.running = false
	m.recheck = false
	m.stopTimer()

	deliver := reason != reconcile.ReasonProcessExit
	prev := m.session.Overall
	next, intents := reconcile.Shutdown(m.session, reason, m.deps.Now(), wasRunning, deliver)
	m.session = next
	if prev != next.Overall {
		m.deps.Logger.LogTransition(string(prev), string(next.Overall), reason)
	}
	m.runIntents(intents)

	if reason == reconcile.ReasonManualStop && m.deps.Settings != nil {
		if err := m.deps.Settings.SetStartTime(time.Time{}); err != nil {
			m.deps.Logger.LogError("settings", err, nil)
		}
	}
}

func (m *Monitor) onTick() {
	if !m.running {
		return
	}
	m.timer.Reset(m.opts.Interval)
	if m.inFlight {
		m.deps.Logger.Debug("tick skipped", map[string]interface{}{"reason": "probe in flight"})
		return
	}
	m.launchProbe(false)
}

// launchProbe starts a probe of the current target. With coalesce set, a
// probe already in flight queues one follow-up instead.
func (m *Monitor) launchProbe(coalesce bool) {
	if m.inFlight {
		if coalesce {
			m.recheck = true
		}
		return
	}
	m.inFlight = true
	m.deps.Tracker.BeginCheck()
	m.evaluate()

	target := m.rotation.Current()
	id := m.sessionID
	ctx := m.runCtx
	timeout := m.opts.Timeout
	prober := m.deps.Prober
	go func() {
		out := prober.Probe(ctx, target, timeout)
		select {
		case m.results <- probeResult{sessionID: id, out: out}:
		case <-m.done:
		}
	}()
}

func (m *Monitor) handleResult(res probeResult) {
	// Only one probe is ever in flight, so any result settles it.
	m.inFlight = false
	if !m.running || res.sessionID != m.sessionID {
		m.deps.Logger.Debug("stale probe result discarded", map[string]interface{}{"target": res.out.Target})
	} else {
		m.settled++
		m.applyOutcome(res.out)
	}

	if m.recheck && m.running {
		m.recheck = false
		m.launchProbe(false)
	}
}

func (m *Monitor) applyOutcome(out probe.Outcome) {
	if errors.Is(out.Err, probe.ErrOSOffline) {
		m.deps.Tracker.MarkUnreachable()
		m.session, _ = reconcile.Outcome(m.session, out, "", false)
		m.evaluate()
		return
	}

	m.deps.Logger.LogProbeOutcome(out.Target, out.Succeeded, out.TimedOut, out.RTT, out.Err)
	if m.deps.Metrics != nil {
		m.deps.Metrics.ObserveProbe(out.Succeeded)
	}
	m.deps.Tracker.RecordOutcome(out)

	var (
		next      string
		exhausted bool
	)
	if out.Succeeded {
		m.rotation.ResetOnSuccess()
		m.lastErr = nil
	} else {
		exhausted = m.rotation.AdvanceOnFailure()
		next = m.rotation.Current()
		if exhausted {
			m.lastErr = ErrAllTargetsExhausted
			m.deps.Logger.LogError("scheduler", ErrAllTargetsExhausted, map[string]interface{}{"targets": m.rotation.Len()})
		}
	}

	var intents []reconcile.Intent
	m.session, intents = reconcile.Outcome(m.session, out, next, exhausted)
	m.runIntents(intents)
	m.evaluate()
}

func (m *Monitor) onOSSignal(online bool) {
	m.deps.Tracker.SetOSOnline(online)
	if !online {
		// Reachability must be proven again by a probe once the OS is back.
		m.deps.Tracker.MarkUnreachable()
	}
	var intents []reconcile.Intent
	m.session, intents = reconcile.OSSignal(m.session, online)
	m.runIntents(intents)
	if !m.running {
		return
	}
	m.evaluate()
	if online {
		m.launchProbe(true)
	}
}

func (m *Monitor) evaluate() {
	prev := m.session
	next, intents := reconcile.Evaluate(prev, reconcile.Signals{
		OSOnline:     m.deps.Tracker.OSOnline(),
		Connectivity: m.deps.Tracker.Current(),
		Running:      m.running,
	}, m.deps.Now())
	m.session = next

	if prev.Overall != next.Overall {
		reason := ""
		if next.Overall != state.OverallConnected {
			_, reason = reconcile.Derive(m.deps.Tracker.OSOnline(), m.deps.Tracker.Current())
		}
		m.deps.Logger.LogTransition(string(prev.Overall), string(next.Overall), reason)
	}
	if prev.EffectivelyOnline && !next.EffectivelyOnline && m.deps.Metrics != nil {
		m.deps.Metrics.ObserveDisconnection()
	}
	m.runIntents(intents)
}

// exportText renders the chronological log. Callers append the exported
// entry once the text has been handed over.
func (m *Monitor) exportText() (time.Time, string, error) {
	now := m.deps.Now()
	text, err := eventlog.ExportText(m.deps.Log.Chronological(), now)
	if err != nil {
		m.deps.Logger.Warn("export skipped", map[string]interface{}{"error": err.Error()})
		return now, "", err
	}
	return now, text, nil
}

func (m *Monitor) renderExport() (Export, error) {
	now, text, err := m.exportText()
	if err != nil {
		return Export{}, err
	}
	m.appendLog(eventlog.SeverityInfo, "Event log exported.")
	return Export{Name: eventlog.ExportFileName(now), Text: text}, nil
}

func (m *Monitor) exportLog() (string, error) {
	now, text, err := m.exportText()
	if err != nil {
		return "", err
	}
	dir := m.opts.ExportDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, eventlog.ExportFileName(now))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	m.appendLog(eventlog.SeverityInfo, "Event log exported.")
	return path, nil
}

func (m *Monitor) runSample() {
	if m.deps.Sampler == nil {
		m.deps.Logger.Warn("sample ignored", map[string]interface{}{"reason": "sampler not configured"})
		return
	}
	if m.sampling {
		m.deps.Logger.Info("sample ignored", map[string]interface{}{"reason": "already in progress"})
		return
	}
	m.sampling = true
	m.appendLog(eventlog.SeverityInfo, "Starting download speed test...")

	s := m.deps.Sampler
	ctx := m.runCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := s.Run(ctx)
		m.post(func() { m.onSample(res, err) })
	}()
}

func (m *Monitor) onSample(res sampler.Result, err error) {
	m.sampling = false
	if err != nil {
		m.lastSample = "Failed"
		m.appendLog(eventlog.SeverityError, "Speed test FAILED. Error: "+sampler.Describe(err))
		return
	}
	m.lastSample = res.Rate()
	if res.SizeMismatch() {
		m.deps.Logger.Warn("sample size differs from configuration", map[string]interface{}{
			"expected": res.Expected,
			"received": res.Bytes,
		})
	}
	m.appendLog(eventlog.SeveritySuccess, res.Summary())
}

func (m *Monitor) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) appendLog(sev eventlog.Severity, msg string) {
	m.deps.Log.Append(sev, msg)
}

func (m *Monitor) publish() {
	snap := Snapshot{
		SessionID:            m.sessionID,
		Running:              m.running,
		Overall:              m.session.Overall,
		OSOnline:             m.deps.Tracker.OSOnline(),
		Connectivity:         m.deps.Tracker.Current(),
		ProbeInFlight:        m.inFlight,
		Timing:               m.session.Timing,
		DisconnectionVisible: m.session.DisconnectionVisible,
		DisconnectReason:     m.session.DisconnectReason,
		Targets:              m.deps.Tracker.GetSnapshot(),
		Cursor:               m.rotation.Cursor(),
		IntervalSeconds:      int(m.opts.Interval / time.Second),
		Recipient:            m.opts.Recipient,
		ManualSendEnabled:    m.manualSend,
		Sampling:             m.sampling,
		LastSample:           m.lastSample,
		LastReportPath:       m.lastReport,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}

	m.mu.Lock()
	m.snap = snap
	listeners := m.listeners
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
