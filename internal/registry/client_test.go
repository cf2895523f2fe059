package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
)

func TestClientUploadSendsRequest(t *testing.T) {
	var got UploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte("Upload successful"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", time.Second)
	err := client.Upload(context.Background(), UploadRequest{
		Identity:  "school-01",
		TableName: "Institutions",
		Payload:   json.RawMessage(`{"Institutions":[{"Gender_Id":1}]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "school-01", got.Identity)
	assert.Equal(t, "Institutions", got.TableName)
	assert.JSONEq(t, `{"Institutions":[{"Gender_Id":1}]}`, string(got.Payload))
}

func TestClientSendsCredentials(t *testing.T) {
	type seen struct {
		token, username, password string
		basic                     bool
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = seen{token: r.Header.Get("X-Service-Token")}
		got.username, got.password, got.basic = r.BasicAuth()
		_, _ = w.Write([]byte(`{"uploadHistory":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).History(context.Background(), "school-01")
	require.NoError(t, err)
	assert.Equal(t, seen{}, got)

	_, err = NewClient(srv.URL, time.Second, WithServiceToken(" svc ")).History(context.Background(), "school-01")
	require.NoError(t, err)
	assert.Equal(t, seen{token: "svc"}, got)

	_, err = NewClient(srv.URL, time.Second, WithBasicAuth("school-01", "pw")).History(context.Background(), "school-01")
	require.NoError(t, err)
	assert.Equal(t, seen{username: "school-01", password: "pw", basic: true}, got)
}

func TestClientUploadSurfacesServerMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "plain text", body: "Deadline has passed\n", want: "Deadline has passed"},
		{name: "json error", body: `{"code":"WINDOW_CLOSED","error":"window closed"}`, want: "window closed"},
		{name: "json message", body: `{"message":"try later"}`, want: "try later"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewClient(srv.URL, time.Second).Upload(context.Background(), UploadRequest{TableName: "Institutions"})
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr), "got %v", err)
			assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
			assert.Equal(t, tt.want, statusErr.Message)
		})
	}
}

func TestClientHistoryAndNotAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "school-01", r.URL.Query().Get("username"))
		switch r.URL.Path {
		case "/upload-history":
			_, _ = w.Write([]byte(`{"uploadHistory":[{"tableName":"Institutions","censusYear":"2026","status":"Uploaded"}]}`))
		case "/data-not-available":
			_, _ = w.Write([]byte(`{"dataNotAvailable":[{"table_name":"Teachers_Profile","census_year":"2026"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	history, err := client.History(context.Background(), "school-01")
	require.NoError(t, err)
	assert.Equal(t, []HistoryRecord{{TableName: "Institutions", CensusYear: "2026", Status: "Uploaded"}}, history)

	marks, err := client.NotAvailable(context.Background(), "school-01")
	require.NoError(t, err)
	assert.Equal(t, []NotAvailableRecord{{TableName: "Teachers_Profile", CensusYear: "2026"}}, marks)
}

func TestClientMarkNotAvailableWrapsRecord(t *testing.T) {
	var body map[string]NotAvailableRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	record := NotAvailableRecord{TableName: "Teachers_Profile", CensusYear: "2026", Username: "school-01"}
	require.NoError(t, NewClient(srv.URL, time.Second).MarkNotAvailable(context.Background(), record))
	assert.Equal(t, record, body["record"])
}

func TestClientFetchWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload-window", r.URL.Path)
		_, _ = w.Write([]byte(`{"isOpen":true,"scope":"selective","userAllowed":true,"deadline":"2026-12-31T00:00:00Z","year":"2026"}`))
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL, time.Second).FetchWindow(context.Background(), "school-01")
	require.NoError(t, err)
	assert.True(t, status.IsOpen)
	assert.Equal(t, window.ScopeSelective, status.Scope)
	require.NotNil(t, status.UserAllowed)
	assert.True(t, *status.UserAllowed)
	require.NotNil(t, status.Deadline)
	assert.Equal(t, 2026, status.Deadline.Year())
	assert.Equal(t, "2026", status.Year)
}

func TestClientLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "correct horse" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"username":"school-01","role":"uploader"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	account, err := client.Login(context.Background(), "school-01", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, Account{Username: "school-01", Role: "uploader"}, account)

	_, err = client.Login(context.Background(), "school-01", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(url, time.Second)
	_, err := client.FetchWindow(context.Background(), "school-01")
	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
	assert.Error(t, client.Ping(context.Background()))
}

func TestForYear(t *testing.T) {
	records := []HistoryRecord{
		{TableName: "Institutions", CensusYear: "2025"},
		{TableName: "Institutions", CensusYear: "2026"},
	}
	assert.Equal(t, records[1:], ForYear(records, "2026"))
	assert.Equal(t, records, ForYear(records, ""))

	marks := []NotAvailableRecord{{TableName: "Teachers_Profile", CensusYear: "2025"}}
	assert.Empty(t, NotAvailableForYear(marks, "2026"))
}
