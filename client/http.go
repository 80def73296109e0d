package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/izavyalov-dev/kubeprov/protocol"
)

const (
	defaultReadTimeout = 15 * time.Second
	defaultRetries     = 3
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode      int
	Code            string
	Message         string
	ActiveRequestID int64
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// InvokeResult is what an install endpoint returned.
type InvokeResult struct {
	RequestID int64
	Status    string
	Logs      []string
}

// Succeeded reports whether the request ended SUCCEEDED.
func (r InvokeResult) Succeeded() bool {
	return r.Status == "SUCCEEDED"
}

// RequestQuery filters ListRequests.
type RequestQuery struct {
	Status string
	Kind   string
	Target string
	Limit  int
	Logs   bool
}

// HTTPClient talks to a kubeprov server. Reads are retried on transport
// errors and gateway statuses; invocations are never retried.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	readTimeout time.Duration
	reads       failsafe.Executor[*http.Response]
}

type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying client. Its Timeout also bounds
// invocations, which can run for an hour.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithReadRetries sets how often a failed read is retried.
func WithReadRetries(n int, delay time.Duration) Option {
	return func(h *HTTPClient) { h.reads = failsafe.With(newReadRetryPolicy(n, delay)) }
}

func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{},
		readTimeout: defaultReadTimeout,
		reads:       failsafe.With(newReadRetryPolicy(defaultRetries, 200*time.Millisecond)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newReadRetryPolicy(retries int, delay time.Duration) retrypolicy.RetryPolicy[*http.Response] {
	if retries < 0 {
		retries = 0
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(delay, 20*delay).
		WithMaxRetries(retries).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			switch resp.StatusCode {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		}).
		ReturnLastFailure().
		Build()
}

// Invoke calls POST /api/install/<endpoint>. A FAILED request is not an
// error; check InvokeResult.Succeeded and the logs.
func (c *HTTPClient) Invoke(ctx context.Context, endpoint, target string) (InvokeResult, error) {
	path := "/api/install/" + url.PathEscape(endpoint)
	if target != "" {
		path += "?target=" + url.QueryEscape(target)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return InvokeResult{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return InvokeResult{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return InvokeResult{}, err
	}

	result := InvokeResult{Status: resp.Header.Get(protocol.HeaderRequestStatus)}
	if id := resp.Header.Get(protocol.HeaderRequestID); id != "" {
		result.RequestID, err = strconv.ParseInt(id, 10, 64)
		if err != nil {
			return InvokeResult{}, fmt.Errorf("parse request id %q: %w", id, err)
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&result.Logs); err != nil {
		return InvokeResult{}, fmt.Errorf("decode logs: %w", err)
	}
	return result, nil
}

func (c *HTTPClient) ListRequests(ctx context.Context, query RequestQuery) ([]protocol.RequestView, error) {
	values := url.Values{}
	if query.Status != "" {
		values.Set("status", query.Status)
	}
	if query.Kind != "" {
		values.Set("kind", query.Kind)
	}
	if query.Target != "" {
		values.Set("target", query.Target)
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Logs {
		values.Set("logs", "true")
	}
	path := "/api/install/requests"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var views []protocol.RequestView
	if err := c.get(ctx, path, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *HTTPClient) GetRequest(ctx context.Context, id int64) (protocol.RequestView, error) {
	var view protocol.RequestView
	err := c.get(ctx, "/api/install/requests/"+strconv.FormatInt(id, 10), &view)
	return view, err
}

func (c *HTTPClient) Actions(ctx context.Context) ([]protocol.ActionView, error) {
	var views []protocol.ActionView
	if err := c.get(ctx, "/api/install/actions", &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	resp, err := c.reads.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		// Buffer the body so retried responses can be closed here.
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.ActiveRequestID = body.ActiveRequestID
	}
	return apiErr
}
