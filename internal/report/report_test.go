package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
)

type fakeRenderer struct {
	html string
	err  error
}

func (f *fakeRenderer) PDF(_ context.Context, html string) ([]byte, error) {
	f.html = html
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.7"), nil
}

func sampleInput() Input {
	return Input{
		Username:    "district-01",
		CensusYear:  "2026",
		FileName:    "institutions.json",
		GeneratedAt: time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC),
		Result: aggregate.Result{
			Table:        "Institutions",
			TotalRecords: 3,
			Order:        []string{"Institution Gender", "Location"},
			Buckets: map[string]aggregate.Bucket{
				"Institution Gender": {"Boys Institution": 2, "Unknown Gender Id (9)": 1},
				"Location":           {"Urban": 1, "Rural": 2},
			},
		},
	}
}

func TestBuildTemplateDataOrdersUnknownsFirst(t *testing.T) {
	data := BuildTemplateData(sampleInput())

	if data.Title != "Institutions upload summary" {
		t.Errorf("unexpected title %q", data.Title)
	}
	if len(data.Sections) != 2 || data.Sections[0].Name != "Institution Gender" {
		t.Fatalf("unexpected sections %+v", data.Sections)
	}
	rows := data.Sections[0].Rows
	if rows[0].Label != "Unknown Gender Id (9)" || !rows[0].Unknown {
		t.Errorf("expected unknown label first, got %+v", rows[0])
	}
	if rows[1].Label != "Boys Institution" || rows[1].Share != "66.7%" {
		t.Errorf("unexpected row %+v", rows[1])
	}
	if got := data.Sections[1].Rows[0].Label; got != "Rural" {
		t.Errorf("expected alphabetical order, got %q first", got)
	}
	if len(data.Unknowns) != 1 || data.Unknowns[0] != "Institution Gender" {
		t.Errorf("unexpected unknowns %v", data.Unknowns)
	}
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML(BuildTemplateData(sampleInput()))
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	for _, want := range []string{
		"Institutions upload summary",
		"Census year: 2026",
		"Uploader: district-01",
		`class="unknown"`,
		"Unknown codes found in: Institution Gender",
		"1 Oct 2026 09:30",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	renderer := &fakeRenderer{}
	svc := NewService(renderer)

	result, err := svc.Export(context.Background(), sampleInput(), FormatPDF)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != "application/pdf" || result.Filename != "Institutions-2026-summary.pdf" {
		t.Errorf("unexpected result %+v", result)
	}
	if !strings.Contains(renderer.html, "Institutions upload summary") {
		t.Error("renderer did not receive the report HTML")
	}
}

func TestExportHTMLAndErrors(t *testing.T) {
	svc := NewService(&fakeRenderer{err: ErrPDFDependencyMissing})

	result, err := svc.Export(context.Background(), sampleInput(), FormatHTML)
	if err != nil {
		t.Fatalf("Export(html) error = %v", err)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") {
		t.Errorf("unexpected mime type %q", result.MimeType)
	}

	if _, err := svc.Export(context.Background(), sampleInput(), FormatPDF); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Errorf("expected ErrPDFDependencyMissing, got %v", err)
	}
	if _, err := svc.Export(context.Background(), sampleInput(), "docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Institutions 2026 summary", "Institutions-2026-summary"},
		{"Teachers_Profile", "Teachers_Profile"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := sanitizeFilename(tt.input); result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := percentEncodeForDataURL(tt.input); result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
