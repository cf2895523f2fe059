package workflow

import (
	"strings"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
)

// Display statuses shown per table.
const (
	StatusNotUploaded      = "Not Uploaded"
	StatusUploaded         = "Uploaded"
	StatusInReview         = "Uploaded and In-Review"
	StatusSuccess          = "Success"
	StatusRejected         = "Rejected"
	StatusDataNotAvailable = "Data Not Available"
)

// NormalizeStatus maps a server status to its display label. Unrecognized
// statuses pass through unchanged.
func NormalizeStatus(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "":
		return StatusUploaded
	case "in-review", "in_review":
		return StatusInReview
	case "approved", "success":
		return StatusSuccess
	case "rejected":
		return StatusRejected
	default:
		return trimmed
	}
}

// DisplayStatuses computes the status of every table from records already
// filtered to one census year. The last history record of a table wins over
// earlier ones and over a data-not-available mark.
func DisplayStatuses(tables []string, history []registry.HistoryRecord, notAvailable []registry.NotAvailableRecord) map[string]string {
	statuses := make(map[string]string, len(tables))
	for _, table := range tables {
		statuses[table] = StatusNotUploaded
	}
	for _, record := range notAvailable {
		if _, ok := statuses[record.TableName]; ok {
			statuses[record.TableName] = StatusDataNotAvailable
		}
	}
	for _, record := range history {
		if _, ok := statuses[record.TableName]; ok {
			statuses[record.TableName] = NormalizeStatus(record.Status)
		}
	}
	return statuses
}

// completed reports whether table needs no further submission this year:
// an upload that was not rejected, or a data-not-available mark.
func completed(table string, history []registry.HistoryRecord, notAvailable []registry.NotAvailableRecord) bool {
	for _, record := range notAvailable {
		if record.TableName == table {
			return true
		}
	}
	for _, record := range history {
		if record.TableName == table && NormalizeStatus(record.Status) != StatusRejected {
			return true
		}
	}
	return false
}
