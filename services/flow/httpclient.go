package flow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024
)

// HTTPClient is the request/response capability exposed to executors.
type HTTPClient interface {
	Get(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error)
	Post(ctx context.Context, url string, body any, headers map[string]string) (*HTTPResponse, error)
	Put(ctx context.Context, url string, body any, headers map[string]string) (*HTTPResponse, error)
	Patch(ctx context.Context, url string, body any, headers map[string]string) (*HTTPResponse, error)
	Delete(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error)
	Request(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// HTTPRequest describes a single outbound call.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is sent as-is for string and []byte, JSON-encoded otherwise.
	Body    any
	Timeout time.Duration
}

// HTTPResponse holds the negotiated response. Body is decoded JSON when the
// server says so and the payload parses, the raw text otherwise.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// HTTPError is returned alongside the response for status codes >= 400.
type HTTPError struct {
	Status int
	Method string
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.Status)
}

// StdHTTPClient implements HTTPClient on top of net/http.
type StdHTTPClient struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPClient returns a client whose requests are bounded by timeout
// unless a request carries its own.
func NewHTTPClient(timeout time.Duration) *StdHTTPClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &StdHTTPClient{
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

func (c *StdHTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error) {
	return c.Request(ctx, HTTPRequest{Method: http.MethodGet, URL: url, Headers: headers})
}

func (c *StdHTTPClient) Post(ctx context.Context, url string, body any, headers map[string]string) (*HTTPResponse, error) {
	return c.Request(ctx, HTTPRequest{Method: http.MethodPost, URL: url, Body: body, Headers: headers})
}

func (c *StdHTTPClient) Put(ctx context.Context, url string, body any, headers map[string]string) (*HTTPResponse, error) {
	return c.Request(ctx, HTTPRequest{Method: http.MethodPut, URL: url, Body: body, Headers: headers})
}

func (c *StdHTTPClient) Patch(ctx context.Context, url string, body any, headers map[string]string) (*HTTPResponse, error) {
	return c.Request(ctx, HTTPRequest{Method: http.MethodPatch, URL: url, Body: body, Headers: headers})
}

func (c *StdHTTPClient) Delete(ctx context.Context, url string, headers map[string]string) (*HTTPResponse, error) {
	return c.Request(ctx, HTTPRequest{Method: http.MethodDelete, URL: url, Headers: headers})
}

// Request performs the call and negotiates the response body.
func (c *StdHTTPClient) Request(ctx context.Context, r HTTPRequest) (*HTTPResponse, error) {
	timeout := c.timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	contentType := ""
	if r.Body != nil {
		switch b := r.Body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
			contentType = "text/plain; charset=utf-8"
		case []byte:
			bodyReader = bytes.NewReader(b)
			contentType = "application/octet-stream"
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			bodyReader = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.8")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, r.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &HTTPResponse{
		Status:  resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
		Body:    string(raw),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out.Body = decoded
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return out, &HTTPError{Status: resp.StatusCode, Method: method, URL: r.URL}
	}
	return out, nil
}
