package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}

	var nilSvc *Service
	if nilSvc.IsConfigured() {
		t.Error("nil service must report unconfigured")
	}
}

func TestRenderDecisionClosedTemplate(t *testing.T) {
	html, err := renderTemplate(decisionClosedTemplate, DecisionClosedData{
		AppName:       "Clarvoy",
		DecisionTitle: "Expand <cafe> hours",
		JudgmentCount: 5,
		Mean:          6.4,
		StdDev:        2.1,
		HighNoise:     true,
		DecisionURL:   "https://example.org/decisions/7",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if !strings.Contains(html, "Expand &lt;cafe&gt; hours") {
		t.Error("title should be escaped")
	}
	if !strings.Contains(html, "All 5 judgments") || !strings.Contains(html, "6.40") {
		t.Error("template should contain judgment summary")
	}
	if !strings.Contains(html, "High noise") {
		t.Error("template should flag high noise")
	}
}

func TestSendDecisionClosedUsesBlindRecipients(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.org", FromName: "Clarvoy"})
	var gotTo []string
	var gotMsg string
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "smtp.example.com:587" || from != "noreply@example.org" {
			t.Fatalf("unexpected envelope %s %s", addr, from)
		}
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	err := svc.SendDecisionClosed([]string{"a@example.org", "b@example.org"}, DecisionClosedData{
		DecisionTitle: "Budget\r\nBcc: evil@example.org",
		JudgmentCount: 2,
	})
	if err != nil {
		t.Fatalf("SendDecisionClosed() error = %v", err)
	}
	if len(gotTo) != 2 {
		t.Fatalf("expected 2 recipients, got %v", gotTo)
	}
	headers, _, _ := strings.Cut(gotMsg, "\r\n\r\n")
	if strings.Contains(headers, "a@example.org") {
		t.Error("recipient addresses must not appear in headers")
	}
	if strings.Contains(headers, "\r\nBcc:") {
		t.Error("subject must not allow header injection")
	}
}

func TestSendSkipsWithoutRecipients(t *testing.T) {
	svc := NewService(Config{Host: "h", Port: "25", From: "f@example.org"})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	if err := svc.SendHTMLEmail(nil, "s", "t", "h"); err != nil {
		t.Fatal(err)
	}
}
