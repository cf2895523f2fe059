package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/auth"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
)

func TestSessionLoginReturnsContract(t *testing.T) {
	var checked string
	reg := &fakeRegistry{
		loginFn: func(_ context.Context, username, password string) (registry.Account, error) {
			checked = username + ":" + password
			return registry.Account{Username: username, Role: "uploader"}, nil
		},
	}
	svc := newTestService(reg, openWindow())
	server := newTestServer(svc)

	rr := serve(server, http.MethodPost, "/api/session/login", "", "application/json", `{"username":"  school-01  ","password":"secret-pass"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}

	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token")
	}
	if payload["username"] != "school-01" {
		t.Fatalf("expected username school-01, got %v", payload["username"])
	}
	if payload["role"] != "uploader" {
		t.Fatalf("expected role uploader, got %v", payload["role"])
	}
	if checked != "school-01:secret-pass" {
		t.Fatalf("expected trimmed username to be checked, got %q", checked)
	}

	claims, err := auth.ParseToken([]byte("test-secret"), token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Username != "school-01" {
		t.Fatalf("expected token subject school-01, got %q", claims.Username)
	}
}

func TestSessionLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "bad credentials", body: `{"username":"school-01","password":"wrong"}`, err: registry.ErrUnauthorized, status: http.StatusUnauthorized, code: "INVALID_CREDENTIALS"},
		{name: "registry down", body: `{"username":"school-01","password":"secret-pass"}`, err: errors.New("dial tcp: refused"), status: http.StatusBadGateway, code: "REGISTRY_UNAVAILABLE"},
		{name: "missing password", body: `{"username":"school-01"}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "blank username", body: `{"username":"   ","password":"secret-pass"}`, status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
		{name: "invalid json", body: `{"username":`, status: http.StatusBadRequest, code: "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistry{
				loginFn: func(context.Context, string, string) (registry.Account, error) {
					if tt.err != nil {
						return registry.Account{}, tt.err
					}
					return registry.Account{Username: "school-01"}, nil
				},
			}
			server := newTestServer(newTestService(reg, openWindow()))

			rr := serve(server, http.MethodPost, "/api/session/login", "", "application/json", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			var payload map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("parse response: %v", err)
			}
			if payload["code"] != tt.code {
				t.Fatalf("expected code %s, got %v", tt.code, payload["code"])
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(newTestService(&fakeRegistry{}, openWindow()))

	rr := serve(server, http.MethodGet, "/api/tables", "", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	expired, err := auth.IssueToken([]byte("test-secret"), auth.Claims{Username: "school-01", Role: "uploader", JTI: "x", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr = serve(server, http.MethodGet, "/api/tables", expired, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rr.Code)
	}

	forged, _, err := auth.Issue([]byte("other-secret"), "school-01", "uploader", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rr = serve(server, http.MethodGet, "/api/tables", forged, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rr.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	server := newTestServer(newTestService(&fakeRegistry{}, openWindow()))

	rr := serve(server, http.MethodGet, "/api/session", "", "", "")
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated session, got %v", payload)
	}

	rr = serve(server, http.MethodGet, "/api/session", tokenFor(t, "school-01", "uploader"), "", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != true || payload["username"] != "school-01" {
		t.Fatalf("expected authenticated school-01, got %v", payload)
	}
}

func TestLogoutUnwatchesUser(t *testing.T) {
	perms := openWindow()
	server := newTestServer(newTestService(&fakeRegistry{}, perms))
	token := tokenFor(t, "school-01", "uploader")

	rr := serve(server, http.MethodPost, "/api/uploads/Institutions/open", token, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(server, http.MethodPost, "/api/session/logout", token, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(perms.unwatched) != 1 || perms.unwatched[0] != "school-01" {
		t.Fatalf("expected school-01 to be unwatched, got %v", perms.unwatched)
	}
}
