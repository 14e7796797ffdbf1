// Package email sends committee notifications via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
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

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s != nil && s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return nil
	}

	boundary := "boundary-clarvoy"

	var msg bytes.Buffer
	// Recipients go in Bcc so judges do not learn each other's addresses.
	fmt.Fprintf(&msg, "To: %s\r\n", s.config.From)
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
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

// DecisionClosedData feeds the reveal notification.
type DecisionClosedData struct {
	AppName       string
	DecisionTitle string
	JudgmentCount int
	Mean          float64
	StdDev        float64
	HighNoise     bool
	DecisionURL   string
}

// SendDecisionClosed tells judges the decision closed and peer judgments are
// now visible. Scores themselves are not included.
func (s *Service) SendDecisionClosed(to []string, data DecisionClosedData) error {
	if data.AppName == "" {
		data.AppName = "Clarvoy"
	}
	subject := fmt.Sprintf("Judgments revealed: %s", data.DecisionTitle)
	html, err := renderTemplate(decisionClosedTemplate, data)
	if err != nil {
		return fmt.Errorf("render decision closed template: %w", err)
	}
	text := fmt.Sprintf("%q has closed. All %d judgments are now visible to the committee.\r\nOpen the decision: %s",
		data.DecisionTitle, data.JudgmentCount, data.DecisionURL)
	return s.SendHTMLEmail(to, subject, text, html)
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const decisionClosedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DecisionTitle}} is closed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f6f4f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6f4f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .noise { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.DecisionTitle}}</h2>

    <p>This decision has closed. All {{.JudgmentCount}} judgments are now visible to the committee.</p>
    <p>Mean score {{printf "%.2f" .Mean}}, standard deviation {{printf "%.2f" .StdDev}}.</p>
    {{if .HighNoise}}
    <div class="noise">
        <strong>High noise:</strong> judges disagreed more than usual. Consider discussing the rationales before acting.
    </div>
    {{end}}

    <p>
        <a href="{{.DecisionURL}}" class="button">Review judgments</a>
    </p>

    <div class="footer">
        <p>You are receiving this because you submitted a judgment on this decision.</p>
    </div>
</body>
</html>`
