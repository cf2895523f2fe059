package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/blob"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/store"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/util"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetWindow(ctx context.Context) (store.Window, error)
	SetWindow(ctx context.Context, window store.Window, allowed []string) error
	IsUserAllowed(ctx context.Context, username string) (bool, error)
	InsertUpload(ctx context.Context, upload store.Upload) error
	GetUpload(ctx context.Context, id string) (store.Upload, error)
	ListUploads(ctx context.Context, username string) ([]store.Upload, error)
	HasActiveUpload(ctx context.Context, username, tableName, censusYear string) (bool, error)
	UpdateUploadStatus(ctx context.Context, id, status string, reviewedAt time.Time) error
	InsertNotAvailable(ctx context.Context, record store.NotAvailable) error
	ListNotAvailable(ctx context.Context, username string) ([]store.NotAvailable, error)
}

type blobStore interface {
	Put(ctx context.Context, object blob.Object) error
	Get(ctx context.Context, key string) (blob.Object, error)
	Ping(ctx context.Context) error
}

type credentials interface {
	SignIn(ctx context.Context, username, password string) (store.User, error)
	SetPassword(ctx context.Context, username, password, role string) error
}

// Service is the reference Persistence Service and Window Authority. It
// re-validates every payload so a client that skipped its own checks cannot
// store unmapped codes.
type Service struct {
	store    dataStore
	blobs    blobStore
	auth     credentials
	schemas  *schema.Registry
	engine   *aggregate.Engine
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(dataStore dataStore, blobs blobStore, auth credentials, schemas *schema.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    dataStore,
		blobs:    blobs,
		auth:     auth,
		schemas:  schemas,
		engine:   aggregate.New(schemas),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return s.blobs.Ping(ctx)
}

// WindowFor reports the window as username sees it. userAllowed is only
// set for a selective window.
func (s *Service) WindowFor(ctx context.Context, username string) (window.Status, error) {
	current, err := s.store.GetWindow(ctx)
	if err != nil {
		return window.Status{}, err
	}
	status := window.Status{
		IsOpen:   current.IsOpen,
		Scope:    window.Scope(current.Scope),
		Deadline: current.Deadline,
		Year:     current.CensusYear,
	}
	if status.Scope == window.ScopeSelective {
		allowed, err := s.store.IsUserAllowed(ctx, username)
		if err != nil {
			return window.Status{}, err
		}
		status.UserAllowed = &allowed
	}
	return status, nil
}

type WindowInput struct {
	IsOpen       bool       `json:"isOpen"`
	Scope        string     `json:"scope" validate:"omitempty,oneof=global selective"`
	Deadline     *time.Time `json:"deadline"`
	Year         string     `json:"year" validate:"required,numeric,len=4"`
	AllowedUsers []string   `json:"allowedUsers" validate:"dive,required"`
}

func (s *Service) SetWindow(ctx context.Context, input WindowInput) (window.Status, error) {
	if err := s.validate.Struct(input); err != nil {
		return window.Status{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	}
	scope := input.Scope
	if scope == "" {
		scope = string(window.ScopeGlobal)
	}
	if err := s.store.SetWindow(ctx, store.Window{
		IsOpen:     input.IsOpen,
		Scope:      scope,
		Deadline:   input.Deadline,
		CensusYear: input.Year,
	}, input.AllowedUsers); err != nil {
		return window.Status{}, err
	}
	s.logger.Info("upload window updated",
		zap.Bool("is_open", input.IsOpen),
		zap.String("scope", scope),
		zap.String("census_year", input.Year),
		zap.Int("allowed_users", len(input.AllowedUsers)),
	)
	return window.Status{IsOpen: input.IsOpen, Scope: window.Scope(scope), Deadline: input.Deadline, Year: input.Year}, nil
}

// permitted checks the window for username and returns the active year.
func (s *Service) permitted(ctx context.Context, username string) (string, error) {
	status, err := s.WindowFor(ctx, username)
	if err != nil {
		return "", err
	}
	decision := window.Evaluate(status, window.Identity{Username: username})
	if !decision.Allowed {
		return "", domainError(http.StatusForbidden, "WINDOW_CLOSED", "The upload window is closed for this user.")
	}
	if decision.Expired(s.now()) {
		return "", domainError(http.StatusForbidden, "DEADLINE_PASSED", "The upload deadline has passed.")
	}
	if status.Year != "" {
		return status.Year, nil
	}
	return strconv.Itoa(s.now().Year()), nil
}

func (s *Service) completed(ctx context.Context, username, table, year string) (bool, error) {
	active, err := s.store.HasActiveUpload(ctx, username, table, year)
	if err != nil || active {
		return active, err
	}
	marks, err := s.store.ListNotAvailable(ctx, username)
	if err != nil {
		return false, err
	}
	for _, mark := range marks {
		if mark.TableName == table && mark.CensusYear == year {
			return true, nil
		}
	}
	return false, nil
}

// Upload validates and stores one table.
func (s *Service) Upload(ctx context.Context, request registry.UploadRequest) (store.Upload, error) {
	if err := s.validate.Struct(request); err != nil {
		return store.Upload{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	}
	if !s.schemas.Has(request.TableName) {
		return store.Upload{}, domainError(http.StatusBadRequest, "UNKNOWN_TABLE", fmt.Sprintf("Unknown table %q.", request.TableName))
	}

	records, err := schema.ExtractRecords(request.Payload, request.TableName)
	if err != nil {
		return store.Upload{}, domainError(http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	}
	result, err := s.engine.Aggregate(request.TableName, records)
	if err != nil {
		return store.Upload{}, err
	}
	if dims := aggregate.UnknownDimensions(result); len(dims) > 0 {
		return store.Upload{}, domainError(http.StatusBadRequest, "UNKNOWN_CODES",
			"Unknown codes in: "+strings.Join(dims, ", "))
	}

	year, err := s.permitted(ctx, request.Identity)
	if err != nil {
		return store.Upload{}, err
	}
	if request.CensusYear != "" && request.CensusYear != year {
		return store.Upload{}, domainError(http.StatusConflict, "YEAR_MISMATCH",
			fmt.Sprintf("Census year %s is not the active year %s.", request.CensusYear, year))
	}
	done, err := s.completed(ctx, request.Identity, request.TableName, year)
	if err != nil {
		return store.Upload{}, err
	}
	if done {
		return store.Upload{}, domainError(http.StatusConflict, "ALREADY_SUBMITTED", "This table has already been submitted for the census year.")
	}

	upload := store.Upload{
		ID:           util.NewID("upl"),
		Username:     request.Identity,
		TableName:    request.TableName,
		CensusYear:   year,
		Status:       "in_review",
		Payload:      request.Payload,
		TotalRecords: result.TotalRecords,
	}
	if request.Attachment != nil && len(request.Attachment.Data) > 0 {
		upload.AttachmentKey = blob.AttachmentKey(upload.Username, year, upload.ID, request.Attachment.FileName)
		upload.AttachmentName = request.Attachment.FileName
		if err := s.blobs.Put(ctx, blob.Object{
			Key:         upload.AttachmentKey,
			ContentType: request.Attachment.ContentType,
			Data:        request.Attachment.Data,
		}); err != nil {
			return store.Upload{}, fmt.Errorf("store attachment: %w", err)
		}
	}
	if err := s.store.InsertUpload(ctx, upload); err != nil {
		return store.Upload{}, err
	}
	s.logger.Info("upload stored",
		zap.String("upload_id", upload.ID),
		zap.String("username", upload.Username),
		zap.String("table", upload.TableName),
		zap.String("census_year", year),
		zap.Int("records", upload.TotalRecords),
	)
	return upload, nil
}

func (s *Service) History(ctx context.Context, username string) ([]registry.HistoryRecord, error) {
	uploads, err := s.store.ListUploads(ctx, username)
	if err != nil {
		return nil, err
	}
	records := make([]registry.HistoryRecord, 0, len(uploads))
	for _, upload := range uploads {
		records = append(records, registry.HistoryRecord{
			ID:         upload.ID,
			TableName:  upload.TableName,
			CensusYear: upload.CensusYear,
			Status:     upload.Status,
			UploadedAt: upload.UploadedAt,
		})
	}
	return records, nil
}

var reviewStatuses = map[string]struct{}{
	"in_review": {},
	"approved":  {},
	"rejected":  {},
}

func (s *Service) Review(ctx context.Context, id, status string) error {
	status = strings.ToLower(strings.TrimSpace(status))
	if _, ok := reviewStatuses[status]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be in_review, approved or rejected")
	}
	if err := s.store.UpdateUploadStatus(ctx, id, status, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Upload not found")
		}
		return err
	}
	s.logger.Info("upload reviewed", zap.String("upload_id", id), zap.String("status", status))
	return nil
}

func (s *Service) Attachment(ctx context.Context, id string) (blob.Object, string, error) {
	upload, err := s.store.GetUpload(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return blob.Object{}, "", domainError(http.StatusNotFound, "NOT_FOUND", "Upload not found")
	}
	if err != nil {
		return blob.Object{}, "", err
	}
	if upload.AttachmentKey == "" {
		return blob.Object{}, "", domainError(http.StatusNotFound, "NOT_FOUND", "Upload has no attachment")
	}
	object, err := s.blobs.Get(ctx, upload.AttachmentKey)
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Object{}, "", domainError(http.StatusNotFound, "NOT_FOUND", "Attachment not found")
	}
	if err != nil {
		return blob.Object{}, "", err
	}
	return object, upload.AttachmentName, nil
}

func (s *Service) NotAvailable(ctx context.Context, username string) ([]registry.NotAvailableRecord, error) {
	marks, err := s.store.ListNotAvailable(ctx, username)
	if err != nil {
		return nil, err
	}
	records := make([]registry.NotAvailableRecord, 0, len(marks))
	for _, mark := range marks {
		records = append(records, registry.NotAvailableRecord{
			TableName:  mark.TableName,
			CensusYear: mark.CensusYear,
			Username:   mark.Username,
			Reason:     mark.Reason,
		})
	}
	return records, nil
}

func (s *Service) MarkNotAvailable(ctx context.Context, record registry.NotAvailableRecord) error {
	if err := s.validate.Struct(record); err != nil {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	}
	if strings.TrimSpace(record.Username) == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "username is required")
	}
	if !s.schemas.Has(record.TableName) {
		return domainError(http.StatusBadRequest, "UNKNOWN_TABLE", fmt.Sprintf("Unknown table %q.", record.TableName))
	}
	year, err := s.permitted(ctx, record.Username)
	if err != nil {
		return err
	}
	if record.CensusYear != "" && record.CensusYear != year {
		return domainError(http.StatusConflict, "YEAR_MISMATCH",
			fmt.Sprintf("Census year %s is not the active year %s.", record.CensusYear, year))
	}
	done, err := s.completed(ctx, record.Username, record.TableName, year)
	if err != nil {
		return err
	}
	if done {
		return domainError(http.StatusConflict, "ALREADY_SUBMITTED", "This table has already been submitted for the census year.")
	}
	err = s.store.InsertNotAvailable(ctx, store.NotAvailable{
		Username:   record.Username,
		TableName:  record.TableName,
		CensusYear: year,
		Reason:     record.Reason,
	})
	if errors.Is(err, store.ErrConflict) {
		return domainError(http.StatusConflict, "ALREADY_SUBMITTED", "This table is already marked as not available.")
	}
	return err
}
