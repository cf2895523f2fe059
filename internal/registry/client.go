package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
)

// StatusError is a non-2xx answer from the Persistence Service. Message is
// the response body as the server wrote it.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// ErrUnauthorized is returned by Login for a bad username or password.
var ErrUnauthorized = errors.New("invalid username or password")

const maxErrorBody = 4 << 10

// Client calls the Persistence Service and Window Authority. Both are served
// from the same base URL.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	username     string
	password     string
}

// Option configures how a Client authenticates.
type Option func(*Client)

// WithServiceToken sends token as X-Service-Token. The service then trusts
// the identity named in each request.
func WithServiceToken(token string) Option {
	return func(c *Client) {
		c.serviceToken = strings.TrimSpace(token)
	}
}

// WithBasicAuth signs every request as one user. The service only accepts
// requests for that user's own identity.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// NewClient builds a Client. A zero timeout means 30 seconds.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload transmits one validated table. Any non-2xx answer is an error.
func (c *Client) Upload(ctx context.Context, request UploadRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/upload", nil, request)
	if err != nil {
		return fmt.Errorf("upload %s: %w", request.TableName, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// History lists every upload the server has for username.
func (c *Client) History(ctx context.Context, username string) ([]HistoryRecord, error) {
	var body historyResponse
	if err := c.getJSON(ctx, "/upload-history", username, &body); err != nil {
		return nil, fmt.Errorf("upload history: %w", err)
	}
	return body.UploadHistory, nil
}

// NotAvailable lists the data-not-available marks for username.
func (c *Client) NotAvailable(ctx context.Context, username string) ([]NotAvailableRecord, error) {
	var body notAvailableResponse
	if err := c.getJSON(ctx, "/data-not-available", username, &body); err != nil {
		return nil, fmt.Errorf("data not available: %w", err)
	}
	return body.DataNotAvailable, nil
}

// MarkNotAvailable records that a table has no data this census year.
func (c *Client) MarkNotAvailable(ctx context.Context, record NotAvailableRecord) error {
	resp, err := c.do(ctx, http.MethodPost, "/data-not-available", nil, map[string]any{"record": record})
	if err != nil {
		return fmt.Errorf("mark data not available: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchWindow asks the Window Authority for the window as seen by username.
func (c *Client) FetchWindow(ctx context.Context, username string) (window.Status, error) {
	var status window.Status
	if err := c.getJSON(ctx, "/upload-window", username, &status); err != nil {
		return window.Status{}, fmt.Errorf("upload window: %w", err)
	}
	return status, nil
}

// Account is who a successful login belongs to.
type Account struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Login checks a username and password against the Persistence Service.
func (c *Client) Login(ctx context.Context, username, password string) (Account, error) {
	resp, err := c.do(ctx, http.MethodPost, "/login", nil, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			return Account{}, ErrUnauthorized
		}
		return Account{}, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return Account{}, fmt.Errorf("login: decode response: %w", err)
	}
	return account, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, username string, target any) error {
	query := url.Values{}
	query.Set("username", username)
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("X-Service-Token", c.serviceToken)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Op:         method + " " + path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}
	return resp, nil
}

// errorMessage pulls a message out of a JSON error body, falling back to the
// body as text.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
