package genieacs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds NBI client configuration.
type Config struct {
	// URL is the base URL of the GenieACS NBI (e.g. "http://genieacs:7557").
	URL string

	// ConnectionRequest asks GenieACS to wake the device so tasks run
	// immediately. Without it every task is queued until the next inform.
	ConnectionRequest bool

	// Timeout bounds a single NBI request, including the device round-trip
	// of a connection request.
	Timeout time.Duration

	// Retry governs retries of temporary failures.
	Retry RetryPolicy

	// HTTPClient is used for all requests. Defaults to a client without timeout;
	// per-request timeouts come from Timeout.
	HTTPClient *http.Client

	// Logger is the client logger. Defaults to a disabled logger.
	Logger *zerolog.Logger
}

// Client is a GenieACS northbound interface client.
type Client struct {
	baseURL           string
	connectionRequest bool
	timeout           time.Duration
	retry             RetryPolicy
	httpClient        *http.Client
	logger            zerolog.Logger
}

// NewClient creates an NBI client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("genieacs: URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("genieacs: invalid URL %q: %w", cfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("genieacs: URL %q must be http or https", cfg.URL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		baseURL:           strings.TrimRight(cfg.URL, "/"),
		connectionRequest: cfg.ConnectionRequest,
		timeout:           cfg.Timeout,
		retry:             cfg.Retry,
		httpClient:        httpClient,
		logger:            logger.With().Str("component", "genieacs-nbi").Logger(),
	}, nil
}

// NBIError is a failed NBI request.
type NBIError struct {
	// Op is the operation that failed (e.g., "getParameterValues", "query")
	Op string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Body is the response body of a failed request, if any.
	Body string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool
}

func (e *NBIError) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *NBIError) Unwrap() error {
	return e.Err
}

func (e *NBIError) Temporary() bool {
	return e.IsTemporary
}

func isTemporary(err error) bool {
	var ne *NBIError
	return errors.As(err, &ne) && ne.IsTemporary
}

// response is a completed NBI exchange.
type response struct {
	StatusCode int
	Body       []byte
}

// do sends one request with retries. Responses with status 400 and above
// become an *NBIError; 5xx and 429 are retried.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body interface{}) (*response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("genieacs: failed to encode %s request: %w", op, err)
		}
		payload = data
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var resp *response
	attempt := 0
	err := c.retry.Do(ctx, func() error {
		attempt++
		r, err := c.roundTrip(ctx, op, method, target, payload)
		if err != nil {
			c.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("NBI request failed")
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, target string, payload []byte) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &NBIError{Op: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NBIError{Op: op, Err: err, IsTemporary: isNetworkError(err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NBIError{Op: op, Err: fmt.Errorf("failed to read response: %w", err), IsTemporary: true}
	}

	if httpResp.StatusCode >= 400 {
		return nil, &NBIError{
			Op:          op,
			StatusCode:  httpResp.StatusCode,
			Body:        strings.TrimSpace(string(data)),
			Err:         fmt.Errorf("unexpected status %s", httpResp.Status),
			IsTemporary: httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests,
		}
	}

	return &response{StatusCode: httpResp.StatusCode, Body: data}, nil
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// Task is a GenieACS device task.
type Task struct {
	ID              string          `json:"_id,omitempty"`
	Name            string          `json:"name"`
	ParameterNames  []string        `json:"parameterNames,omitempty"`
	ParameterValues [][]interface{} `json:"parameterValues,omitempty"`
	ObjectName      string          `json:"objectName,omitempty"`
}

// TaskResult reports whether a posted task ran against the device.
type TaskResult struct {
	Task Task
	// Executed is true when GenieACS ran the task during a connection request
	// (HTTP 200). A queued or faulted task yields HTTP 202.
	Executed bool
}

// PostTask queues a task for a device and, when connection requests are
// enabled, asks GenieACS to run it right away.
func (c *Client) PostTask(ctx context.Context, deviceID string, task Task) (*TaskResult, error) {
	query := url.Values{}
	if c.connectionRequest {
		query.Set("connection_request", "")
	}
	query.Set("timeout", fmt.Sprintf("%d", c.timeout.Milliseconds()))

	resp, err := c.do(ctx, task.Name, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/tasks", query, task)
	if err != nil {
		return nil, err
	}

	result := &TaskResult{Executed: resp.StatusCode == http.StatusOK}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &result.Task); err != nil {
			return nil, &NBIError{Op: task.Name, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid task response: %w", err)}
		}
	}
	return result, nil
}

// QueryDevices returns the device documents matching a MongoDB-style query,
// restricted to the projected fields when projection is not empty.
func (c *Client) QueryDevices(ctx context.Context, filter map[string]interface{}, projection []string) ([]Document, error) {
	query := url.Values{}
	if len(filter) > 0 {
		data, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("genieacs: failed to encode query: %w", err)
		}
		query.Set("query", string(data))
	}
	if len(projection) > 0 {
		query.Set("projection", strings.Join(projection, ","))
	}

	resp, err := c.do(ctx, "query", http.MethodGet, "/devices", query, nil)
	if err != nil {
		return nil, err
	}

	var docs []Document
	if err := json.Unmarshal(resp.Body, &docs); err != nil {
		return nil, &NBIError{Op: "query", StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid device list: %w", err)}
	}
	return docs, nil
}

// GetDevice returns the projected document of one device.
func (c *Client) GetDevice(ctx context.Context, deviceID string, projection []string) (Document, error) {
	docs, err := c.QueryDevices(ctx, map[string]interface{}{"_id": deviceID}, projection)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &NBIError{Op: "query", StatusCode: http.StatusNotFound, Err: fmt.Errorf("device %s not found", deviceID)}
	}
	return docs[0], nil
}
