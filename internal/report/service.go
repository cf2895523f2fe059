package report

import (
	"context"
	"fmt"
	"strings"
)

// PDFRenderer turns HTML into PDF bytes.
type PDFRenderer interface {
	PDF(ctx context.Context, html string) ([]byte, error)
}

// Service builds preview reports
type Service struct {
	renderer PDFRenderer
}

// NewService creates a report service. A nil renderer means headless Chrome.
func NewService(renderer PDFRenderer) *Service {
	if renderer == nil {
		renderer = ChromeRenderer{}
	}
	return &Service{renderer: renderer}
}

// Export renders input in the requested format
func (s *Service) Export(ctx context.Context, input Input, format Format) (*Result, error) {
	data := BuildTemplateData(input)
	html, err := RenderHTML(data)
	if err != nil {
		return nil, err
	}

	base := sanitizeFilename(strings.Join(nonEmpty(input.Result.Table, input.CensusYear, "summary"), " "))
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF, "":
		pdf, err := s.renderer.PDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}
