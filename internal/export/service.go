package export

import (
	"context"
	"fmt"
	"time"

	"github.com/aribuy/apms-sub002/internal/workflow"
)

// Service renders approval certificates.
type Service struct {
	pdf PDFRenderer
	now func() time.Time
}

// NewService creates a certificate service. pdf may be nil, in which case
// only HTML certificates can be produced.
func NewService(pdf PDFRenderer) *Service {
	return &Service{pdf: pdf, now: func() time.Time { return time.Now().UTC() }}
}

// Certificate renders the approval certificate of an approved document.
func (s *Service) Certificate(ctx context.Context, model workflow.ReadModel, format Format) (*Result, error) {
	data, err := NewCertificateData(model, s.now())
	if err != nil {
		return nil, err
	}
	html, err := RenderCertificateHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}

	name := fileStem(model.Document.Code + " certificate")
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		if s.pdf == nil {
			return nil, fmt.Errorf("%w: no pdf renderer configured", ErrPDFDependencyMissing)
		}
		pdf, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
