package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/auth"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/config"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/report"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
)

var testNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type fakeRegistry struct {
	mu           sync.Mutex
	loginFn      func(ctx context.Context, username, password string) (registry.Account, error)
	pingFn       func(ctx context.Context) error
	uploadFn     func(ctx context.Context, request registry.UploadRequest) error
	uploads      []registry.UploadRequest
	history      []registry.HistoryRecord
	notAvailable []registry.NotAvailableRecord
}

func (f *fakeRegistry) Login(ctx context.Context, username, password string) (registry.Account, error) {
	if f.loginFn != nil {
		return f.loginFn(ctx, username, password)
	}
	return registry.Account{Username: username, Role: "uploader"}, nil
}

func (f *fakeRegistry) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeRegistry) Upload(ctx context.Context, request registry.UploadRequest) error {
	if f.uploadFn != nil {
		if err := f.uploadFn(ctx, request); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, request)
	f.history = append(f.history, registry.HistoryRecord{TableName: request.TableName, CensusYear: request.CensusYear, Status: "in_review"})
	return nil
}

func (f *fakeRegistry) History(context.Context, string) ([]registry.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.HistoryRecord(nil), f.history...), nil
}

func (f *fakeRegistry) NotAvailable(context.Context, string) ([]registry.NotAvailableRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.NotAvailableRecord(nil), f.notAvailable...), nil
}

func (f *fakeRegistry) MarkNotAvailable(_ context.Context, record registry.NotAvailableRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notAvailable = append(f.notAvailable, record)
	return nil
}

type fakePermissions struct {
	mu        sync.Mutex
	decision  window.Decision
	unwatched []string
}

func openWindow() *fakePermissions {
	return &fakePermissions{decision: window.Decision{Allowed: true, Year: "2026", Scope: window.ScopeGlobal, Source: window.SourceAuthority}}
}

func (f *fakePermissions) Decision(context.Context, window.Identity) window.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decision
}

func (f *fakePermissions) Unwatch(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwatched = append(f.unwatched, username)
}

type fakeRenderer struct{}

func (fakeRenderer) PDF(_ context.Context, html string) ([]byte, error) {
	return []byte("%PDF-" + html[:5]), nil
}

func newTestService(reg *fakeRegistry, perms *fakePermissions) *Service {
	cfg := config.Config{TokenSecret: "test-secret", TokenTTL: time.Hour, ReportTimeout: time.Second}
	svc := New(cfg, reg, perms, report.NewService(fakeRenderer{}), schema.MustDefault(), nil)
	svc.now = func() time.Time { return testNow }
	return svc
}

func newTestServer(svc *Service) http.Handler {
	return NewHTTPServer(svc, "*", 1<<20, nil).Handler()
}

func tokenFor(t *testing.T, username, role string) string {
	t.Helper()
	token, _, err := auth.Issue([]byte("test-secret"), username, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func serve(handler http.Handler, method, path, token, contentType string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
