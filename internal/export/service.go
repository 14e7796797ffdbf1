package export

import (
	"context"
	"fmt"
	"time"

	"clarvoy/api/internal/governance"
)

// PDFRenderer turns a standalone HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides decision report export
type Service struct {
	renderPDF PDFRenderer
	now       func() time.Time
}

type Option func(*Service)

// WithPDFRenderer replaces headless Chrome.
func WithPDFRenderer(r PDFRenderer) Option {
	return func(s *Service) { s.renderPDF = r }
}

func NewService(opts ...Option) *Service {
	s := &Service{renderPDF: chromePDF, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export renders report in the requested format. Only closed decisions can
// be exported.
func (s *Service) Export(ctx context.Context, report Report, format Format) (*Result, error) {
	if governance.Status(report.Decision.Status) != governance.StatusClosed {
		return nil, ErrDecisionOpen
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.now().UTC()
	}
	data := newTemplateData(report)
	base := sanitizeFilename(report.Decision.Title)

	switch format {
	case FormatPDF:
		html, err := RenderReportHTML(data)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		pdf, err := s.renderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		doc, err := buildDOCX(data)
		if err != nil {
			return nil, fmt.Errorf("build docx: %w", err)
		}
		return &Result{
			Data:     doc,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
