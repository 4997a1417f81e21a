// Package email sends ATP workflow notifications via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Sender delivers one message. The SMTP implementation is smtp.SendMail.
type Sender func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   Sender
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// WithSender replaces the SMTP transport, mainly for tests.
func (s *Service) WithSender(send Sender) *Service {
	s.send = send
	return s
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return nil
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-atp-workflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// StageAssignedData describes a review stage that became pending.
type StageAssignedData struct {
	DocumentCode  string
	SiteReference string
	Title         string
	StageName     string
	AssignedRole  string
	SLADeadline   *time.Time
}

// OutcomeData describes a document that reached a terminal status.
type OutcomeData struct {
	DocumentCode  string
	SiteReference string
	Title         string
	Outcome       string
	Actor         string
	Comments      string
}

// SendStageAssigned tells the reviewers of the assigned role that a stage awaits them.
func (s *Service) SendStageAssigned(to []string, data StageAssignedData) error {
	subject := fmt.Sprintf("[ATP] %s awaiting %s review", data.DocumentCode, data.AssignedRole)
	html, err := renderTemplate(stageAssignedTemplate, data)
	if err != nil {
		return fmt.Errorf("render stage assigned template: %w", err)
	}
	text := fmt.Sprintf("%s (%s) is waiting for %s at stage %s.", data.DocumentCode, data.SiteReference, data.AssignedRole, data.StageName)
	if data.SLADeadline != nil {
		text += " Due " + data.SLADeadline.UTC().Format(time.RFC1123) + "."
	}
	return s.SendHTMLEmail(to, subject, text, html)
}

// SendOutcome reports approval or rejection of a document.
func (s *Service) SendOutcome(to []string, data OutcomeData) error {
	subject := fmt.Sprintf("[ATP] %s %s", data.DocumentCode, data.Outcome)
	html, err := renderTemplate(outcomeTemplate, data)
	if err != nil {
		return fmt.Errorf("render outcome template: %w", err)
	}
	text := fmt.Sprintf("%s (%s) was %s by %s.", data.DocumentCode, data.SiteReference, data.Outcome, data.Actor)
	if data.Comments != "" {
		text += "\n\n" + data.Comments
	}
	return s.SendHTMLEmail(to, subject, text, html)
}

var templateFuncs = template.FuncMap{
	"deadline": func(t *time.Time) string {
		if t == nil {
			return "no deadline"
		}
		return t.UTC().Format(time.RFC1123)
	},
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const stageAssignedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentCode}} awaiting review</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .deadline { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>ATP review required</h1>
    </div>

    <p><strong>{{.DocumentCode}}</strong> for site <strong>{{.SiteReference}}</strong> is waiting for {{.AssignedRole}} review.</p>
    {{if .Title}}<p>{{.Title}}</p>{{end}}
    <p>Stage: {{.StageName}}</p>

    <div class="deadline">
        <strong>SLA deadline:</strong> {{deadline .SLADeadline}}
    </div>
</body>
</html>`

const outcomeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentCode}} {{.Outcome}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .comments { background: #f5f5f5; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>ATP {{.Outcome}}</h1>
    </div>

    <p><strong>{{.DocumentCode}}</strong> for site <strong>{{.SiteReference}}</strong> was {{.Outcome}} by {{.Actor}}.</p>
    {{if .Title}}<p>{{.Title}}</p>{{end}}
    {{if .Comments}}<div class="comments">{{.Comments}}</div>{{end}}
</body>
</html>`
