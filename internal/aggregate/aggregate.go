// Package aggregate tallies the records of an uploaded table per category and
// detects codes that have no dictionary entry.
package aggregate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/dictionary"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
)

// Bucket is the label-to-count tally of one field across a table.
type Bucket map[string]int

// Total returns the sum of all counts.
func (b Bucket) Total() int {
	total := 0
	for _, count := range b {
		total += count
	}
	return total
}

// Result is the summary of one table upload. Every bucket sums to
// TotalRecords.
type Result struct {
	Table        string            `json:"tableName"`
	TotalRecords int               `json:"totalRecords"`
	Buckets      map[string]Bucket `json:"buckets"`
	Order        []string          `json:"order"`
}

// Engine aggregates records against the registered schemas.
type Engine struct {
	registry *schema.Registry
}

// New returns an Engine backed by registry.
func New(registry *schema.Registry) *Engine {
	return &Engine{registry: registry}
}

// Aggregate makes one pass over records and counts one label per field per
// record. Codes missing from the dictionary get a FallbackLabel.
func (e *Engine) Aggregate(table string, records []map[string]any) (Result, error) {
	spec, err := e.registry.Get(table)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Table:        spec.Name,
		TotalRecords: len(records),
		Buckets:      make(map[string]Bucket, len(spec.Fields)),
		Order:        spec.Buckets(),
	}
	dicts := make([]dictionary.Dictionary, len(spec.Fields))
	for i, field := range spec.Fields {
		result.Buckets[field.Bucket] = Bucket{}
		dicts[i], err = e.registry.Dictionary(spec.Name, field.DictionaryKey)
		if err != nil {
			return Result{}, err
		}
	}

	for _, record := range records {
		for i, field := range spec.Fields {
			code := field.Resolve(record)
			label, ok := dicts[i].Label(code)
			if !ok {
				label = FallbackLabel(field.Label, code)
			}
			result.Buckets[field.Bucket][label]++
		}
	}
	return result, nil
}

// FallbackLabel is the label used for a code with no dictionary entry.
func FallbackLabel(fieldLabel, code string) string {
	return fmt.Sprintf("Unknown %s Id (%s)", fieldLabel, code)
}

var fallbackPattern = regexp.MustCompile(`^Unknown .+ Id \(.*\)$`)

// IsFallback reports whether label was produced by FallbackLabel. Dictionary
// labels that merely contain the word "Unknown" do not match.
func IsFallback(label string) bool {
	return fallbackPattern.MatchString(label)
}

// SortedLabels returns the labels of a bucket for display: fallback labels
// first, then everything else alphabetically.
func SortedLabels(bucket Bucket) []string {
	labels := make([]string, 0, len(bucket))
	for label := range bucket {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		ui, uj := strings.Contains(labels[i], "Unknown"), strings.Contains(labels[j], "Unknown")
		if ui != uj {
			return ui
		}
		return labels[i] < labels[j]
	})
	return labels
}
