package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.JudgmentSubmitted()
	m.DuplicateJudgment("precheck")
	m.DuplicateJudgment("constraint")
	m.DuplicateJudgment("constraint")
	m.GrantScan(true, 3)
	m.ObserveRequest(http.MethodGet, "/api/decisions", http.StatusOK, 20*time.Millisecond)

	out := scrape(t, m)
	for _, want := range []string{
		"clarvoy_judgments_submitted_total 1",
		`clarvoy_duplicate_judgments_total{path="constraint"} 2`,
		`clarvoy_duplicate_judgments_total{path="precheck"} 1`,
		"clarvoy_grant_alerts_created_total 3",
		`clarvoy_http_request_duration_seconds_count{method="GET",route="/api/decisions",status="200"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JudgmentSubmitted()
	m.CoachStream("openai", "done")
	m.ObserveRequest("GET", "/", 200, time.Second)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
