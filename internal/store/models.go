package store

import (
	"encoding/json"
	"time"
)

const (
	RoleUploader = "uploader"
	RoleAdmin    = "admin"
)

type User struct {
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Window is the single active upload window.
type Window struct {
	IsOpen     bool
	Scope      string
	Deadline   *time.Time
	CensusYear string
	UpdatedAt  time.Time
}

type Upload struct {
	ID             string
	Username       string
	TableName      string
	CensusYear     string
	Status         string
	Payload        json.RawMessage
	TotalRecords   int
	AttachmentKey  string
	AttachmentName string
	UploadedAt     time.Time
	ReviewedAt     *time.Time
}

type NotAvailable struct {
	ID         int64
	Username   string
	TableName  string
	CensusYear string
	Reason     string
	CreatedAt  time.Time
}
