package ui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/log"
	"github.com/doridoridoriand/netwatch/internal/scheduler"
	"github.com/doridoridoriand/netwatch/internal/state"
)

const (
	uiRefreshInterval = 500 * time.Millisecond
	minBoxHeight      = 3
	statusRows        = 6
	rttBarScale       = 10
	timeLayout        = "2006-01-02 15:04:05"
)

// ErrNoScreen is returned by Alert while the dashboard is not running.
var ErrNoScreen = errors.New("dashboard screen not active")

// Controller is the part of the monitor the dashboard drives.
type Controller interface {
	Snapshot() scheduler.Snapshot
	Start(ctx context.Context, req scheduler.StartRequest) error
	Stop(ctx context.Context, reason string) error
	ComposeReport(ctx context.Context, reason string) (scheduler.ReportResult, error)
	ExportLog(ctx context.Context) (string, error)
	RunSample(ctx context.Context) error
}

// UI renders the monitor status, target rotation and event log.
type UI struct {
	cfg    config.GlobalOptions
	ctrl   Controller
	events *eventlog.Log
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	screen tcell.Screen
	flash  string
}

// New returns a UI instance.
func New(cfg config.GlobalOptions, ctrl Controller, events *eventlog.Log, logger *log.Logger) *UI {
	return &UI{cfg: cfg, ctrl: ctrl, events: events, logger: logger, now: time.Now}
}

// Run blocks until the context is cancelled or the user quits. Quitting
// returns context.Canceled.
func (u *UI) Run(ctx context.Context) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	return u.run(ctx, screen)
}

func (u *UI) run(ctx context.Context, screen tcell.Screen) error {
	screen.HideCursor()
	u.setScreen(screen)
	defer func() {
		u.setScreen(nil)
		screen.Fini()
	}()

	eventCh := make(chan tcell.Event, 1)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(uiRefreshInterval)
	defer ticker.Stop()

	u.draw(screen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-eventCh:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if u.handleKey(ctx, ev) {
					return context.Canceled
				}
				u.draw(screen)
			case *tcell.EventResize:
				screen.Sync()
				u.draw(screen)
			}
		case <-ticker.C:
			u.draw(screen)
		}
	}
}

// Alert sounds the terminal bell through the dashboard screen.
func (u *UI) Alert() error {
	u.mu.Lock()
	screen := u.screen
	u.mu.Unlock()
	if screen == nil {
		return ErrNoScreen
	}
	return screen.Beep()
}

func (u *UI) setScreen(screen tcell.Screen) {
	u.mu.Lock()
	u.screen = screen
	u.mu.Unlock()
}

func (u *UI) setFlash(msg string) {
	u.mu.Lock()
	u.flash = msg
	u.mu.Unlock()
}

func (u *UI) currentFlash() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.flash
}

// handleKey runs the command bound to ev and reports whether to quit.
func (u *UI) handleKey(ctx context.Context, ev *tcell.EventKey) bool {
	if ev.Key() == tcell.KeyCtrlC {
		return true
	}
	if ev.Key() != tcell.KeyRune {
		return false
	}
	switch ev.Rune() {
	case 'q':
		return true
	case 's':
		if err := u.ctrl.Start(ctx, scheduler.StartRequest{}); err != nil {
			u.commandFailed("start", err)
			return false
		}
		u.setFlash("")
	case 'x':
		if err := u.ctrl.Stop(ctx, ""); err != nil {
			u.commandFailed("stop", err)
			return false
		}
		u.setFlash("")
	case 'r':
		res, err := u.ctrl.ComposeReport(ctx, "")
		if err != nil {
			u.commandFailed("report", err)
			return false
		}
		if res.Path != "" {
			u.setFlash("Report saved: " + res.Path)
		}
	case 'e':
		path, err := u.ctrl.ExportLog(ctx)
		if errors.Is(err, eventlog.ErrEmpty) {
			u.setFlash("Event log is empty, nothing exported.")
			return false
		}
		if err != nil {
			u.commandFailed("export", err)
			return false
		}
		u.setFlash("Event log exported: " + path)
	case 't':
		if err := u.ctrl.RunSample(ctx); err != nil {
			u.commandFailed("sample", err)
		}
	}
	return false
}

func (u *UI) commandFailed(command string, err error) {
	u.setFlash(fmt.Sprintf("%s failed: %v", command, err))
	u.logger.LogError("ui", err, map[string]interface{}{"command": command})
}

func (u *UI) draw(screen tcell.Screen) {
	u.render(screen, u.ctrl.Snapshot(), u.events.NewestFirst(), u.currentFlash())
}

func (u *UI) render(screen tcell.Screen, snap scheduler.Snapshot, events []eventlog.Entry, flash string) {
	screen.Clear()
	width, height := screen.Size()
	if width < 20 || height < 5 {
		screen.Show()
		return
	}

	now := u.now().Format(timeLayout)
	header := fmt.Sprintf(" netwatch  %s  [s]tart [x]stop [r]eport [e]xport [t]hroughput [q]uit", now)
	drawText(screen, 0, 0, width, header, tcell.StyleDefault.Bold(true))

	// 設定情報を2行目に表示
	configInfo := formatConfigInfo(u.cfg, snap)
	drawText(screen, 0, 1, width, configInfo, tcell.StyleDefault.Foreground(tcell.ColorGray))

	y := 2
	statusHeight := minInt(statusRows+2, height-y)
	u.drawStatusBox(screen, 0, y, width, statusHeight, snap, flash)
	y += statusHeight

	if height-y >= minBoxHeight {
		targetsHeight := minInt(len(snap.Targets)+2, height-y)
		u.drawTargetBox(screen, 0, y, width, targetsHeight, snap)
		y += targetsHeight
	}

	if height-y >= minBoxHeight {
		drawEventBox(screen, 0, y, width, height-y, events)
	}

	screen.Show()
}

func (u *UI) drawStatusBox(screen tcell.Screen, x, y, width, height int, snap scheduler.Snapshot, flash string) {
	drawBox(screen, x, y, width, height)
	drawText(screen, x+2, y, width-4, " status ", tcell.StyleDefault.Bold(true))

	lines := statusLines(snap, flash)
	for i := 0; i < len(lines) && i < height-2; i++ {
		drawStyledText(screen, x+1, y+1+i, width-2, flattenStyledText(lines[i], width-2))
	}
}

func statusLines(snap scheduler.Snapshot, flash string) [][]styledText {
	monitoring := "STOPPED"
	if snap.Running {
		monitoring = "RUNNING"
	}
	osSignal := "OFFLINE"
	if snap.OSOnline {
		osSignal = "ONLINE"
	}
	probe := string(snap.Connectivity)
	if snap.ProbeInFlight {
		probe += " (checking)"
	}
	disconnection := "-"
	if snap.DisconnectionVisible {
		disconnection = formatTime(snap.Timing.LastDisconnection)
		if snap.DisconnectReason != "" {
			disconnection += " (" + snap.DisconnectReason + ")"
		}
	}
	sample := snap.LastSample
	if snap.Sampling {
		sample = "running..."
	}
	if sample == "" {
		sample = "-"
	}
	manual := "-"
	if snap.ManualSendEnabled {
		manual = "available"
		if snap.LastReportPath != "" {
			manual += ": " + snap.LastReportPath
		}
	}

	plain := tcell.StyleDefault
	lines := [][]styledText{
		{
			{text: " Overall: ", style: plain},
			{text: padOrTrim(string(snap.Overall), 13), style: overallStyle(snap.Overall)},
			{text: "Monitoring: " + padOrTrim(monitoring, 9), style: plain},
			{text: "OS: ", style: plain},
			{text: padOrTrim(osSignal, 9), style: onlineStyle(snap.OSOnline)},
			{text: "Probe: " + probe, style: plain},
		},
		{{text: fmt.Sprintf(" Connected since: %-21s Last disconnection: %s", formatTime(snap.Timing.ConnectionStart), disconnection), style: plain}},
		{{text: fmt.Sprintf(" Last check:      %-21s Last success: %s", formatTime(snap.Timing.LastCheck), formatTime(snap.Timing.LastSuccessfulCheck)), style: plain}},
		{{text: " Throughput: " + sample, style: plain}},
		{{text: " Manual report: " + manual, style: plain}},
	}
	switch {
	case flash != "":
		lines = append(lines, []styledText{{text: " " + flash, style: plain.Foreground(tcell.ColorYellow)}})
	case snap.LastError != "":
		lines = append(lines, []styledText{{text: " Last error: " + snap.LastError, style: plain.Foreground(tcell.ColorRed)}})
	}
	return lines
}

func (u *UI) drawTargetBox(screen tcell.Screen, x, y, width, height int, snap scheduler.Snapshot) {
	drawBox(screen, x, y, width, height)
	drawText(screen, x+2, y, width-4, " targets (primary first) ", tcell.StyleDefault.Bold(true))

	maxRows := height - 2
	for i := 0; i < len(snap.Targets) && i < maxRows; i++ {
		line := formatTargetLine(width-2, snap.Targets[i], i == snap.Cursor)
		drawStyledText(screen, x+1, y+1+i, width-2, line)
	}
}

func formatTargetLine(width int, target state.TargetStatus, current bool) []styledRune {
	style := healthStyle(target.Health)
	marker := "  "
	if current {
		marker = "> "
	}
	name := padOrTrim(target.Name, minInt(14, width))
	uri := padOrTrim(target.URI, minInt(36, width))
	health := padOrTrim(string(target.Health), 7)

	rtt := padOrTrim("RTT:"+formatRTT(target.LastRTT), 11)
	// 平均RTTを計算
	avg := padOrTrim("AVG:"+formatRTT(calculateAvgRTT(target)), 11)
	// LOSS率を計算して表示
	loss := padOrTrim(fmt.Sprintf("LOSS:%.1f%%", calculateLossPercent(target)), 12)

	parts := []styledText{
		{text: marker, style: tcell.StyleDefault.Bold(true)},
		{text: name, style: tcell.StyleDefault},
		{text: " ", style: tcell.StyleDefault},
		{text: uri, style: tcell.StyleDefault},
		{text: " ", style: tcell.StyleDefault},
		{text: health, style: style},
		{text: rtt, style: tcell.StyleDefault},
		{text: avg, style: tcell.StyleDefault},
		{text: loss, style: style},
	}

	used := 0
	for _, p := range parts {
		used += len([]rune(p.text))
	}
	barWidth := width - used
	if barWidth > 0 {
		parts = append(parts, styledText{text: buildBar(target, rttBarScale, barWidth), style: style})
	}

	return flattenStyledText(parts, width)
}

func drawEventBox(screen tcell.Screen, x, y, width, height int, events []eventlog.Entry) {
	drawBox(screen, x, y, width, height)
	drawText(screen, x+2, y, width-4, " events (newest first) ", tcell.StyleDefault.Bold(true))

	maxRows := height - 2
	for i := 0; i < len(events) && i < maxRows; i++ {
		drawText(screen, x+1, y+1+i, width-2, " "+events[i].String(), severityStyle(events[i].Severity))
	}
}

func buildBar(target state.TargetStatus, scale int, width int) string {
	if width <= 0 {
		return ""
	}
	if scale <= 0 {
		scale = rttBarScale
	}
	ms := float64(target.LastRTT.Milliseconds())
	if ms <= 0 {
		return strings.Repeat(" ", width)
	}
	units := int(math.Round(ms / float64(scale)))
	if units > width {
		units = width
	}
	if units < 0 {
		units = 0
	}
	return strings.Repeat("#", units) + strings.Repeat(" ", width-units)
}

func drawBox(screen tcell.Screen, x, y, width, height int) {
	if width < 2 || height < 2 {
		return
	}
	right := x + width - 1
	bottom := y + height - 1

	setCell(screen, x, y, '+', tcell.StyleDefault)
	setCell(screen, right, y, '+', tcell.StyleDefault)
	setCell(screen, x, bottom, '+', tcell.StyleDefault)
	setCell(screen, right, bottom, '+', tcell.StyleDefault)

	for col := x + 1; col < right; col++ {
		setCell(screen, col, y, '-', tcell.StyleDefault)
		setCell(screen, col, bottom, '-', tcell.StyleDefault)
	}
	for row := y + 1; row < bottom; row++ {
		setCell(screen, x, row, '|', tcell.StyleDefault)
		setCell(screen, right, row, '|', tcell.StyleDefault)
	}
}

func drawText(screen tcell.Screen, x, y, width int, text string, style tcell.Style) {
	drawStyledText(screen, x, y, width, []styledRune{{r: []rune(text), style: style}})
}

type styledText struct {
	text  string
	style tcell.Style
}

type styledRune struct {
	r     []rune
	style tcell.Style
}

func drawStyledText(screen tcell.Screen, x, y, width int, parts []styledRune) {
	if width <= 0 {
		return
	}
	col := x
	for _, part := range parts {
		for _, r := range part.r {
			if col >= x+width {
				return
			}
			setCell(screen, col, y, r, part.style)
			col++
		}
	}
	for col < x+width {
		setCell(screen, col, y, ' ', tcell.StyleDefault)
		col++
	}
}

func flattenStyledText(parts []styledText, width int) []styledRune {
	result := make([]styledRune, 0, len(parts))
	used := 0
	for _, part := range parts {
		runes := []rune(part.text)
		if used+len(runes) > width {
			runes = runes[:maxInt(0, width-used)]
		}
		result = append(result, styledRune{r: runes, style: part.style})
		used += len(runes)
		if used >= width {
			break
		}
	}
	return result
}

func setCell(screen tcell.Screen, x, y int, r rune, style tcell.Style) {
	screen.SetContent(x, y, r, nil, style)
}

func padOrTrim(value string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) > width {
		return string(runes[:width])
	}
	if len(runes) < width {
		return value + strings.Repeat(" ", width-len(runes))
	}
	return value
}

func formatRTT(rtt time.Duration) string {
	if rtt <= 0 {
		return "-"
	}
	if rtt < time.Millisecond {
		return fmt.Sprintf("%dus", rtt.Microseconds())
	}
	if rtt < time.Second {
		return fmt.Sprintf("%dms", rtt.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", rtt.Seconds())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format(timeLayout)
}

func calculateAvgRTT(target state.TargetStatus) time.Duration {
	if len(target.History) == 0 {
		return target.LastRTT
	}
	var sum time.Duration
	for _, point := range target.History {
		sum += point.RTT
	}
	return sum / time.Duration(len(target.History))
}

func calculateLossPercent(target state.TargetStatus) float64 {
	total := target.TotalSuccess + target.TotalFailure
	if total == 0 {
		return 0.0
	}
	return float64(target.TotalFailure) / float64(total) * 100.0
}

func healthStyle(health state.Health) tcell.Style {
	switch health {
	case state.HealthOK:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case state.HealthWarn:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case state.HealthDown:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	default:
		return tcell.StyleDefault.Foreground(tcell.ColorGray)
	}
}

func overallStyle(overall state.Overall) tcell.Style {
	switch overall {
	case state.OverallConnected:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen).Bold(true)
	case state.OverallDisconnected:
		return tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	case state.OverallChecking:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	default:
		return tcell.StyleDefault.Foreground(tcell.ColorGray)
	}
}

func onlineStyle(online bool) tcell.Style {
	if online {
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	}
	return tcell.StyleDefault.Foreground(tcell.ColorRed)
}

func severityStyle(sev eventlog.Severity) tcell.Style {
	switch sev {
	case eventlog.SeveritySuccess:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case eventlog.SeverityWarning:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case eventlog.SeverityError:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	default:
		return tcell.StyleDefault
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func formatConfigInfo(cfg config.GlobalOptions, snap scheduler.Snapshot) string {
	interval := time.Duration(snap.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = cfg.Interval
	}
	recipient := snap.Recipient
	if recipient == "" {
		recipient = "-"
	}
	return fmt.Sprintf(" interval=%s  timeout=%s  recipient=%s  targets=%d",
		formatDuration(interval), formatDuration(cfg.Timeout), recipient, len(snap.Targets))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dus", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
