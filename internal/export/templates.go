package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// TemplateData holds the report fields after formatting.
type TemplateData struct {
	Title            string
	Description      string
	Category         string
	Outcome          string
	ConsensusReached bool
	ClosedAt         time.Time
	GeneratedAt      time.Time
	Mean             string
	StdDev           string
	CV               string
	HighNoise        bool
	ScoreCount       int
	Judgments        []JudgmentEntry
}

func newTemplateData(r Report) TemplateData {
	outcome := "No outcome recorded"
	if r.Decision.Outcome != nil && *r.Decision.Outcome != "" {
		outcome = *r.Decision.Outcome
	}
	return TemplateData{
		Title:            r.Decision.Title,
		Description:      r.Decision.Description,
		Category:         r.Decision.Category,
		Outcome:          outcome,
		ConsensusReached: r.Decision.ConsensusReached,
		ClosedAt:         r.Decision.UpdatedAt,
		GeneratedAt:      r.GeneratedAt,
		Mean:             fmt.Sprintf("%.2f", r.Variance.Mean),
		StdDev:           fmt.Sprintf("%.2f", r.Variance.StdDev),
		CV:               fmt.Sprintf("%.2f", r.Variance.CV),
		HighNoise:        r.Variance.IsHighNoise,
		ScoreCount:       r.Variance.ScoreCount,
		Judgments:        r.Judgments,
	}
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("Jan 2, 2006")
	},
}).Parse(reportHTML))

// RenderReportHTML renders the report page used for PDF output.
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 1.5rem; }
    .stats td { padding: 0.2rem 1rem 0.2rem 0; }
    .noise { color: #b00020; font-weight: bold; }
    .judgment { background: #f5f5f5; padding: 0.75rem 1rem; margin: 0.75rem 0; border-left: 3px solid #333; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{if .Category}}{{.Category}} | {{end}}Closed {{formatDate .ClosedAt}} | Generated {{formatDate .GeneratedAt}}</div>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <h2>Outcome</h2>
  <p>{{.Outcome}}</p>
  <p>Consensus reached: {{if .ConsensusReached}}yes{{else}}no{{end}}</p>
  <h2>Variance</h2>
  <table class="stats">
    <tr><td>Judgments</td><td>{{.ScoreCount}}</td></tr>
    <tr><td>Mean score</td><td>{{.Mean}}</td></tr>
    <tr><td>Standard deviation</td><td>{{.StdDev}}</td></tr>
    <tr><td>Coefficient of variation</td><td>{{.CV}}</td></tr>
  </table>
  {{if .HighNoise}}<p class="noise">High noise: the committee disagreed beyond the configured threshold.</p>{{end}}
  <h2>Judgments</h2>
  {{range .Judgments}}<div class="judgment"><strong>{{.Judge}}</strong> scored {{.Score}}<p>{{.Rationale}}</p></div>
  {{else}}<p>No judgments were submitted.</p>{{end}}
</body>
</html>`
