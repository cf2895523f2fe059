package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/auth"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/report"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// workflowStatus is the HTTP status for each kind of workflow failure.
var workflowStatus = map[workflow.Kind]int{
	workflow.KindInput:      http.StatusUnprocessableEntity,
	workflow.KindPermission: http.StatusForbidden,
	workflow.KindAnomaly:    http.StatusConflict,
	workflow.KindTransport:  http.StatusBadGateway,
	workflow.KindState:      http.StatusConflict,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var flowErr *workflow.Error
	if errors.As(err, &flowErr) {
		status, ok := workflowStatus[flowErr.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		return status, flowErr.Code, flowErr.Message, map[string]any{"kind": flowErr.Kind}
	}
	var unknownTable *schema.UnknownTableError
	if errors.As(err, &unknownTable) {
		return http.StatusNotFound, "UNKNOWN_TABLE", unknownTable.Error(), nil
	}
	if errors.Is(err, report.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	if errors.Is(err, report.ErrUnsupportedFormat) {
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
