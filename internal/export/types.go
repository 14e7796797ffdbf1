// Package export renders the report of a closed decision as PDF or DOCX.
package export

import (
	"errors"
	"time"

	"clarvoy/api/internal/store"
	"clarvoy/api/internal/variance"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat defaults an empty value to PDF.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// JudgmentEntry is one revealed judgment with its author resolved.
type JudgmentEntry struct {
	Judge       string
	Score       int
	Rationale   string
	SubmittedAt time.Time
}

// Report is everything printed for a closed decision.
type Report struct {
	Decision    store.Decision
	Judgments   []JudgmentEntry
	Variance    variance.Result
	GeneratedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrDecisionOpen is returned for decisions that have not closed; their
	// judgments are still blind.
	ErrDecisionOpen = errors.New("decision is not closed")
	// ErrUnsupportedFormat indicates a format other than pdf or docx.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
