package report

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	brevo "github.com/getbrevo/brevo-go/lib"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
)

var (
	// ErrDeliveryFailed wraps any failure of the automatic transport.
	ErrDeliveryFailed = errors.New("report delivery failed")
	// ErrNotConfigured is returned when no automatic transport is set up.
	ErrNotConfigured = errors.New("report delivery not configured")
)

// SenderName is the display name on delivered reports.
const SenderName = "Network Monitor"

// Message is a composed report addressed to one recipient.
type Message struct {
	Recipient    string
	Subject      string
	Text         string
	Reason       string
	SessionStart string
	SessionEnd   string
}

// Params returns the template parameters of the templated transport.
func (m Message) Params() map[string]interface{} {
	return map[string]interface{}{
		"to_email":            m.Recipient,
		"from_name":           SenderName,
		"session_start_time":  m.SessionStart,
		"session_end_time":    m.SessionEnd,
		"report_reason":       m.Reason,
		"full_report_content": m.Text,
	}
}

// NewMessage builds the message for a composed report.
func NewMessage(in Input, recipient, text string) Message {
	return Message{
		Recipient:    recipient,
		Subject:      Subject(in.Now),
		Text:         text,
		Reason:       in.Reason,
		SessionStart: formatOrNA(in.Timing.ConnectionStart),
		SessionEnd:   SessionEnd(in).Format(eventlog.TimeLayout),
	}
}

// Subject returns the report subject line.
func Subject(at time.Time) string {
	return "Network Monitoring Report - " + at.Format(eventlog.TimeLayout)
}

// Deliverer sends a report through an automatic transport.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// BrevoDeliverer sends reports as Brevo transactional e-mails. With a
// template ID the template renders Params; otherwise the text is sent as-is.
type BrevoDeliverer struct {
	client     *brevo.APIClient
	sender     string
	templateID int64
}

// NewBrevoDeliverer configures a Brevo client. basePath overrides the API
// endpoint when non-empty.
func NewBrevoDeliverer(apiKey, sender string, templateID int64, basePath string) *BrevoDeliverer {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	if basePath != "" {
		cfg.BasePath = basePath
	}
	return &BrevoDeliverer{
		client:     brevo.NewAPIClient(cfg),
		sender:     sender,
		templateID: templateID,
	}
}

// Deliver sends msg. Every failure wraps ErrDeliveryFailed.
func (d *BrevoDeliverer) Deliver(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("%w: no recipient", ErrDeliveryFailed)
	}
	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  SenderName,
			Email: d.sender,
		},
		To: []brevo.SendSmtpEmailTo{
			{
				Email: msg.Recipient,
			},
		},
	}
	if d.templateID > 0 {
		email.TemplateId = d.templateID
		// brevo-go v1.0.0 types Params as *interface{}; only set it when
		// non-empty to keep the omitempty behaviour of the map field.
		if params := msg.Params(); len(params) > 0 {
			var p interface{} = params
			email.Params = &p
		}
	} else {
		email.Subject = msg.Subject
		email.HtmlContent = fmt.Sprintf("<pre>%s</pre>", msg.Text)
		email.TextContent = msg.Text
	}

	if _, _, err := d.client.TransactionalEmailsApi.SendTransacEmail(ctx, email); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// MailtoLink renders the manual compose link for a report.
func MailtoLink(recipient, subject, body string) string {
	return "mailto:" + recipient + "?subject=" + url.PathEscape(subject) + "&body=" + url.PathEscape(body)
}

// FileName returns the saved report name for at.
func FileName(at time.Time) string {
	return "report_" + at.Format("2006-01-02_15-04-05") + ".txt"
}

// SaveManual writes the report text and its compose link to dir and
// returns the file path.
func SaveManual(dir string, at time.Time, text, mailto string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, FileName(at))
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\n")
	b.WriteString(mailto)
	b.WriteString("\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write report file: %w", err)
	}
	return path, nil
}
