package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPClient abstracts HTTP operations for testability.
// Use StandardClient for production; MockHTTPClient for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient creates a new StandardClient wrapping the given http.Client.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// StatusError is returned by GetJSON for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	// Message is the "error" field of a JSON error body, if present.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("GET %s: %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// GetJSON issues a GET to url and decodes the JSON body into v. Error
// bodies written by WriteJSONError are surfaced in the StatusError.
func GetJSON(ctx context.Context, client HTTPClient, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("GET %s: reading body: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{URL: url, StatusCode: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &eb) == nil {
			se.Message = eb.Error
		}
		return se
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("GET %s: decoding body: %w", url, err)
	}
	return nil
}

// MockHTTPClient returns canned responses keyed by request path.
type MockHTTPClient struct {
	mu        sync.Mutex
	responses map[string]MockResponse
	requests  []*http.Request
}

// MockResponse defines a canned HTTP response for testing.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{responses: make(map[string]MockResponse)}
}

// Handle registers the response for path. Unregistered paths get a 404.
func (m *MockHTTPClient) Handle(path string, statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = MockResponse{StatusCode: statusCode, Body: body}
	return m
}

// Fail makes requests for path return err.
func (m *MockHTTPClient) Fail(path string, err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = MockResponse{Error: err}
	return m
}

// Do records the request and returns the response registered for its path.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	resp, ok := m.responses[req.URL.Path]
	if !ok {
		resp = MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":"not found"}`}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	header := make(http.Header)
	if strings.HasPrefix(strings.TrimSpace(resp.Body), "{") || strings.HasPrefix(strings.TrimSpace(resp.Body), "[") {
		header.Set("Content-Type", "application/json")
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     header,
		Request:    req,
	}, nil
}

// Requests returns the paths requested so far, in order.
func (m *MockHTTPClient) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, len(m.requests))
	for i, r := range m.requests {
		paths[i] = r.URL.Path
	}
	return paths
}
