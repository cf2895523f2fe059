package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
)

//go:embed templates/*.html
var templateFS embed.FS

var previewTemplate = template.Must(template.New("preview.html").Funcs(template.FuncMap{
	"join": strings.Join,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/preview.html"))

// TemplateData holds data for preview template rendering
type TemplateData struct {
	Title        string
	Username     string
	CensusYear   string
	FileName     string
	TotalRecords int
	GeneratedAt  time.Time
	Unknowns     []string
	Sections     []TemplateSection
}

// TemplateSection is one bucket of the preview.
type TemplateSection struct {
	Name string
	Rows []TemplateRow
}

// TemplateRow is one label of a bucket.
type TemplateRow struct {
	Label   string
	Count   int
	Share   string
	Unknown bool
}

// BuildTemplateData lays out a preview in display order: buckets in schema
// order, unknown labels first inside each bucket.
func BuildTemplateData(input Input) TemplateData {
	result := input.Result
	generatedAt := input.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	data := TemplateData{
		Title:        strings.ReplaceAll(result.Table, "_", " ") + " upload summary",
		Username:     input.Username,
		CensusYear:   input.CensusYear,
		FileName:     input.FileName,
		TotalRecords: result.TotalRecords,
		GeneratedAt:  generatedAt,
		Unknowns:     aggregate.UnknownDimensions(result),
	}
	for _, name := range result.Order {
		bucket := result.Buckets[name]
		section := TemplateSection{Name: name}
		for _, label := range aggregate.SortedLabels(bucket) {
			section.Rows = append(section.Rows, TemplateRow{
				Label:   label,
				Count:   bucket[label],
				Share:   share(bucket[label], result.TotalRecords),
				Unknown: aggregate.IsFallback(label),
			})
		}
		data.Sections = append(data.Sections, section)
	}
	return data
}

func share(count, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(count)*100/float64(total))
}

// RenderHTML renders the preview template with provided data
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := previewTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}
