// Package report renders a printable summary of an upload preview.
package report

import (
	"errors"
	"time"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
)

// Format represents the report output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Input is the preview a report is built from.
type Input struct {
	Username    string
	CensusYear  string
	FileName    string
	GeneratedAt time.Time
	Result      aggregate.Result
}

// Result contains the rendered report
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
	// ErrUnsupportedFormat is returned for a format other than pdf or html.
	ErrUnsupportedFormat = errors.New("unsupported report format")
)
