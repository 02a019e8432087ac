// Package directory is the HTTP client for the instance directory service.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/treykane/docker-env/internal/model"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultRetryMax  = 2
	defaultRetryWait = 250 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	// BaseURL is the service root, e.g. http://localhost:3001.
	BaseURL   string
	Timeout   time.Duration
	RetryMax  int
	RetryWait time.Duration
	Logger    *slog.Logger
}

// Client talks to the directory service. Transport errors and 5xx responses
// are retried a few times before the last response is returned as is.
type Client struct {
	base string
	http *retryablehttp.Client
}

// New returns a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid directory url %q", opts.BaseURL)
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = defaultTimeout
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	rc.RetryMax = defaultRetryMax
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	rc.RetryWaitMin = defaultRetryWait
	if opts.RetryWait > 0 {
		rc.RetryWaitMin = opts.RetryWait
	}
	rc.RetryWaitMax = 4 * rc.RetryWaitMin
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rc.Logger = leveled{logger}
	return &Client{base: base, http: rc}, nil
}

// NewForAddr returns a client for http://host:port.
func NewForAddr(host string, port int) (*Client, error) {
	return New(Options{BaseURL: fmt.Sprintf("http://%s:%d", host, port)})
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.base }

// GetInstance fetches GET /spaces/{user}/{name}.
func (c *Client) GetInstance(ctx context.Context, user, name string) model.LookupResult {
	var inst model.Instance
	status, err := c.getJSON(ctx, "/spaces/"+url.PathEscape(user)+"/"+url.PathEscape(name), &inst)
	if err != nil {
		return model.LookupResult{StatusCode: status, Err: err}
	}
	if status != http.StatusOK {
		return model.LookupResult{StatusCode: status}
	}
	return model.LookupResult{StatusCode: status, Instance: &inst}
}

// ListInstances fetches GET /spaces/{user}. Non-200 responses are errors.
func (c *Client) ListInstances(ctx context.Context, user string) ([]model.Instance, error) {
	var list []model.Instance
	status, err := c.getJSON(ctx, "/spaces/"+url.PathEscape(user), &list)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Op: "list instances", StatusCode: status}
	}
	return list, nil
}

// Health fetches GET /health and returns the decoded body.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	body := map[string]any{}
	status, err := c.getJSON(ctx, "/health", &body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Op: "health", StatusCode: status}
	}
	return body, nil
}

// getJSON decodes a 200 body into out and returns the status code. Other
// status codes are returned without decoding.
func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return 0, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// leveled routes retryablehttp's logging to slog at debug level so retries
// do not clutter the terminal.
type leveled struct{ l *slog.Logger }

func (l leveled) Error(msg string, kv ...any) { l.l.Debug(msg, kv...) }
func (l leveled) Info(msg string, kv ...any)  { l.l.Debug(msg, kv...) }
func (l leveled) Debug(msg string, kv ...any) { l.l.Debug(msg, kv...) }
func (l leveled) Warn(msg string, kv ...any)  { l.l.Debug(msg, kv...) }
