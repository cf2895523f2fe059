// Package registry talks to the Persistence Service and the Window Authority.
package registry

import (
	"encoding/json"
	"time"
)

// HistoryRecord is one upload as the Persistence Service remembers it.
type HistoryRecord struct {
	ID         string    `json:"id,omitempty"`
	TableName  string    `json:"tableName"`
	CensusYear string    `json:"censusYear"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploadedAt,omitempty"`
}

// NotAvailableRecord declares that a table has no data for a census year.
type NotAvailableRecord struct {
	TableName  string `json:"table_name" validate:"required"`
	CensusYear string `json:"census_year" validate:"omitempty,numeric,len=4"`
	Username   string `json:"username,omitempty"`
	Reason     string `json:"reason,omitempty" validate:"max=500"`
}

// Attachment is an optional supporting document sent with an upload.
type Attachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// UploadRequest is the body of POST /upload.
type UploadRequest struct {
	Identity   string          `json:"identity" validate:"required"`
	TableName  string          `json:"tableName" validate:"required"`
	CensusYear string          `json:"censusYear,omitempty" validate:"omitempty,numeric,len=4"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	Attachment *Attachment     `json:"attachment,omitempty"`
}

type historyResponse struct {
	UploadHistory []HistoryRecord `json:"uploadHistory"`
}

type notAvailableResponse struct {
	DataNotAvailable []NotAvailableRecord `json:"dataNotAvailable"`
}

// ForYear keeps the history records of one census year.
func ForYear(records []HistoryRecord, year string) []HistoryRecord {
	if year == "" {
		return records
	}
	filtered := make([]HistoryRecord, 0, len(records))
	for _, record := range records {
		if record.CensusYear == year {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

// NotAvailableForYear keeps the data-not-available marks of one census year.
func NotAvailableForYear(records []NotAvailableRecord, year string) []NotAvailableRecord {
	if year == "" {
		return records
	}
	filtered := make([]NotAvailableRecord, 0, len(records))
	for _, record := range records {
		if record.CensusYear == year {
			filtered = append(filtered, record)
		}
	}
	return filtered
}
