package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/reconcile"
	"github.com/doridoridoriand/netwatch/internal/report"
)

// runIntents executes reconciler side effects in order.
func (m *Monitor) runIntents(intents []reconcile.Intent) {
	for _, in := range intents {
		switch in.Kind {
		case reconcile.KindLog:
			m.appendLog(in.Severity, in.Message)
		case reconcile.KindNotify:
			m.notify(in.Title, in.Message)
		case reconcile.KindAlert:
			m.alert()
		case reconcile.KindReport:
			if _, err := m.runReport(in); err != nil {
				m.deps.Logger.LogError("report", err, map[string]interface{}{"reason": in.Reason})
			}
		case reconcile.KindPersistStart:
			m.persistStart()
		}
	}
}

// notify always records the notification; the channel itself is best effort.
func (m *Monitor) notify(title, body string) {
	m.appendLog(eventlog.SeverityInfo, fmt.Sprintf("NOTIFICATION: %s - %s", title, body))
	n := m.deps.Notifier
	if n == nil {
		return
	}
	logger := m.deps.Logger
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := n.Notify(ctx, title, body); err != nil {
			logger.Warn("notification failed", map[string]interface{}{"title": title, "error": err.Error()})
		}
	}()
}

func (m *Monitor) alert() {
	if m.deps.Alerter == nil {
		return
	}
	if err := m.deps.Alerter.Alert(); err != nil {
		m.appendLog(eventlog.SeverityWarning, "Could not play alert sound: "+err.Error())
	}
}

func (m *Monitor) persistStart() {
	if m.deps.Settings == nil {
		return
	}
	if err := m.deps.Settings.SetStartTime(m.session.Timing.ConnectionStart); err != nil {
		m.deps.Logger.LogError("settings", err, nil)
	}
}

func (m *Monitor) reportInput(in reconcile.Intent) report.Input {
	return report.Input{
		Timing:          m.session.Timing,
		Targets:         m.rotation.Targets(),
		IntervalSeconds: int(m.opts.Interval / time.Second),
		OSOnline:        m.deps.Tracker.OSOnline(),
		Events:          m.deps.Log.Chronological(),
		Reason:          in.Reason,
		EndOfSession:    in.EndOfSession,
		Now:             m.deps.Now(),
	}
}

// runReport composes a report and either attempts automatic delivery or
// saves it through the manual path.
func (m *Monitor) runReport(in reconcile.Intent) (ReportResult, error) {
	input := m.reportInput(in)
	text := report.Compose(input)

	if !in.Deliver {
		return m.saveManual(input, text)
	}
	recipient := m.opts.Recipient
	if recipient == "" {
		m.appendLog(eventlog.SeverityWarning, "Recipient not provided. Automatic email skipped. Manual report generated.")
		return m.saveManual(input, text)
	}
	if m.deps.Deliverer == nil {
		m.appendLog(eventlog.SeverityError, "Email service not configured. Automatic email skipped. Manual report generated.")
		return m.saveManual(input, text)
	}

	m.appendLog(eventlog.SeverityInfo, fmt.Sprintf("Attempting to send automatic email to %s for: %s", recipient, in.Reason))
	m.manualSend = false
	msg := report.NewMessage(input, recipient, text)
	d := m.deps.Deliverer
	logger := m.deps.Logger
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		err := d.Deliver(ctx, msg)
		logger.LogDelivery("email", msg.Recipient, err)
		m.post(func() { m.onDelivered(input, msg, err) })
	}()
	return ReportResult{Text: text}, nil
}

// onDelivered runs once per automatic attempt. There is no retry; a
// failure falls back to the manual path.
func (m *Monitor) onDelivered(input report.Input, msg report.Message, err error) {
	if err == nil {
		m.appendLog(eventlog.SeveritySuccess, fmt.Sprintf("Automated report email sent to %s.", msg.Recipient))
		m.notify("Report Emailed", "Report sent to "+msg.Recipient)
		return
	}
	m.appendLog(eventlog.SeverityError, fmt.Sprintf("FAILED to send automated email to %s. Error: %v", msg.Recipient, err))
	m.notify("Email Failed", "Could not send report to "+msg.Recipient)
	if _, serr := m.saveManual(input, msg.Text); serr != nil {
		m.deps.Logger.LogError("report", serr, nil)
	}
}

func (m *Monitor) saveManual(input report.Input, text string) (ReportResult, error) {
	link := report.MailtoLink(m.opts.Recipient, report.Subject(input.Now), text)
	path, err := report.SaveManual(m.opts.ReportsDir, input.Now, text, link)
	if err != nil {
		m.appendLog(eventlog.SeverityError, "Failed to save report: "+err.Error())
		return ReportResult{Text: text, Mailto: link}, err
	}
	m.manualSend = true
	m.lastReport = path
	m.appendLog(eventlog.SeverityInfo, "Manual email report link generated for user to send.")
	return ReportResult{Text: text, Path: path, Mailto: link}, nil
}
