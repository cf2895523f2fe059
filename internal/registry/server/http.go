// Package server is a reference Persistence Service and Window Authority
// backed by Postgres and object storage.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/authpw"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/rbac"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "registry",
		Name:      "requests_total",
		Help:      "Registry requests by route and status class.",
	}, []string{"route", "class"})
	uploadsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "registry",
		Name:      "uploads_stored_total",
		Help:      "Uploads accepted and stored.",
	})
)

// maxBodyBytes bounds a JSON upload including an inline attachment.
const maxBodyBytes = 64 << 20

// Tokens are the shared secrets accepted besides user credentials. An empty
// token is never accepted.
type Tokens struct {
	// Admin is sent as X-Admin-Token and grants every admin action.
	Admin string
	// Service is sent as X-Service-Token by the portal API, which acts for
	// the uploaders signed in to it.
	Service string
}

type HTTPServer struct {
	service *Service
	tokens  Tokens
	logger  *zap.Logger
}

func NewHTTPServer(service *Service, tokens Tokens, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens.Admin = strings.TrimSpace(tokens.Admin)
	tokens.Service = strings.TrimSpace(tokens.Service)
	return &HTTPServer{service: service, tokens: tokens, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "status": "not_ready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/login" {
		s.handleLogin(w, r)
		return
	}

	if r.URL.Path == "/upload-window" {
		switch r.Method {
		case http.MethodGet:
			status, err := s.service.WindowFor(r.Context(), strings.TrimSpace(r.URL.Query().Get("username")))
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		case http.MethodPut:
			if !s.authorize(r, rbac.ActionManageWindow) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
				return
			}
			var body WindowInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			status, err := s.service.SetWindow(r.Context(), body)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/upload" {
		s.handleUpload(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/upload-history" {
		username, ok := s.readerFor(w, r)
		if !ok {
			return
		}
		records, err := s.service.History(r.Context(), username)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uploadHistory": records})
		return
	}

	if r.URL.Path == "/data-not-available" {
		switch r.Method {
		case http.MethodGet:
			username, ok := s.readerFor(w, r)
			if !ok {
				return
			}
			records, err := s.service.NotAvailable(r.Context(), username)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"dataNotAvailable": records})
		case http.MethodPost:
			c, status := s.caller(r, rbac.ActionUpload)
			if status != 0 {
				refuse(w, status)
				return
			}
			var body struct {
				Record registry.NotAvailableRecord `json:"record"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			username, ok := c.actingFor(body.Record.Username)
			if !ok {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Cannot act for another user")
				return
			}
			body.Record.Username = username
			if err := s.service.MarkNotAvailable(r.Context(), body.Record); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
		return
	}

	parts := splitPath(r.URL.Path)

	// /upload-history/{id}/status and /upload-history/{id}/attachment
	if len(parts) == 3 && parts[0] == "upload-history" {
		if !s.authorize(r, rbac.ActionReview) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		id := parts[1]
		switch {
		case r.Method == http.MethodPut && parts[2] == "status":
			var body struct {
				Status string `json:"status"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
				return
			}
			if err := s.service.Review(r.Context(), id, body.Status); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": strings.ToLower(strings.TrimSpace(body.Status))})
		case r.Method == http.MethodGet && parts[2] == "attachment":
			object, name, err := s.service.Attachment(r.Context(), id)
			if err != nil {
				s.fail(w, err)
				return
			}
			w.Header().Set("Content-Type", object.ContentType)
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(object.Data)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
		}
		return
	}

	// /users/{username}
	if len(parts) == 2 && parts[0] == "users" && r.Method == http.MethodPut {
		if !s.authorize(r, rbac.ActionManageUsers) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		var body struct {
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		role := rbac.Normalize(body.Role)
		if err := s.service.auth.SetPassword(r.Context(), parts[1], body.Password, string(role)); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"username": parts[1], "role": role})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	user, err := s.service.auth.SignIn(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": user.Username, "role": rbac.Normalize(user.Role)})
}

// handleUpload answers in plain text, which is what uploaders show to users.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	c, status := s.caller(r, rbac.ActionUpload)
	if status != 0 {
		writeText(w, status, http.StatusText(status))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var request registry.UploadRequest
	if err := decodeBody(r, &request); err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	identity, ok := c.actingFor(request.Identity)
	if !ok {
		writeText(w, http.StatusForbidden, "Cannot upload for another user")
		return
	}
	request.Identity = identity
	upload, err := s.service.Upload(r.Context(), request)
	if err != nil {
		status, _, message := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("upload failed", zap.String("table", request.TableName), zap.Error(err))
		}
		writeText(w, status, message)
		return
	}
	uploadsStored.Inc()
	w.Header().Set("X-Upload-ID", upload.ID)
	writeText(w, http.StatusOK, "Upload successful")
}

// caller is who made a request.
type caller struct {
	username string
	role     rbac.Role
	// trusted callers hold a shared token and may name any identity
	trusted bool
}

// actingFor returns the identity a request by c is made for. Users act for
// themselves unless their role lets them review other users' records.
func (c caller) actingFor(requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	switch {
	case c.trusted || requested == c.username:
		return requested, true
	case requested == "":
		return c.username, true
	case rbac.Can(c.role, rbac.ActionReview):
		return requested, true
	default:
		return "", false
	}
}

// authenticate accepts the admin token, the service token, or Basic
// credentials of a registered user.
func (s *HTTPServer) authenticate(r *http.Request) (caller, bool) {
	if token := strings.TrimSpace(r.Header.Get("X-Admin-Token")); token != "" {
		return caller{role: rbac.RoleAdmin, trusted: true}, tokenMatches(token, s.tokens.Admin)
	}
	if token := strings.TrimSpace(r.Header.Get("X-Service-Token")); token != "" {
		return caller{role: rbac.RoleUploader, trusted: true}, tokenMatches(token, s.tokens.Service)
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return caller{}, false
	}
	user, err := s.service.auth.SignIn(r.Context(), username, password)
	if err != nil {
		return caller{}, false
	}
	return caller{username: user.Username, role: rbac.Normalize(user.Role)}, true
}

func tokenMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// caller authenticates r and checks its role may perform action. A non-zero
// status is the refusal to send.
func (s *HTTPServer) caller(r *http.Request, action rbac.Action) (caller, int) {
	c, ok := s.authenticate(r)
	if !ok {
		return caller{}, http.StatusUnauthorized
	}
	if !rbac.Can(c.role, action) {
		return caller{}, http.StatusForbidden
	}
	return c, 0
}

func (s *HTTPServer) authorize(r *http.Request, action rbac.Action) bool {
	_, status := s.caller(r, action)
	return status == 0
}

// readerFor resolves the ?username= of a read route against the caller and
// writes the refusal when there is one.
func (s *HTTPServer) readerFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	c, status := s.caller(r, rbac.ActionRead)
	if status != 0 {
		refuse(w, status)
		return "", false
	}
	username, ok := c.actingFor(r.URL.Query().Get("username"))
	if !ok {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Cannot read another user's records")
		return "", false
	}
	return username, true
}

func refuse(w http.ResponseWriter, status int) {
	if status == http.StatusForbidden {
		writeError(w, status, "FORBIDDEN", "Forbidden")
		return
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		requestsTotal.WithLabelValues(routeLabel(r.URL.Path), fmt.Sprintf("%dxx", writer.status/100)).Inc()
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel keeps metric cardinality bounded by dropping path ids.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + parts[0]
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}
