package cli

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

	"go.uber.org/zap"

	kerrors "github.com/orizon-lang/fairsched/internal/errors"
	"github.com/orizon-lang/fairsched/internal/runtime/kernel"
	"github.com/orizon-lang/fairsched/internal/runtime/schedstat"
)

// Client is an HTTP client for the schedstat API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a schedstat client. A nil httpClient uses
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
		Logger:     logger.Named("client"),
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.Status)
}

// Is matches the scheduler error sentinels by code.
func (e *APIError) Is(target error) bool {
	se, ok := target.(*kerrors.StandardError)
	return ok && e.Code != "" && se.Code == e.Code
}

// do performs a request and decodes a JSON answer into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Logger.Debug("request", zap.String("method", method), zap.String("url", u))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("response",
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", resp.Header.Get("X-Request-ID")),
		zap.Int("bytes", len(respBody)))

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// Version fetches the server's API version.
func (c *Client) Version(ctx context.Context) (schedstat.VersionView, error) {
	var v schedstat.VersionView
	err := c.do(ctx, http.MethodGet, "/api/version", nil, &v)
	return v, err
}

// Negotiate fails unless the server speaks an API version within
// ClientAPIConstraint.
func (c *Client) Negotiate(ctx context.Context) error {
	v, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	return CheckAPICompatible(v.APIVersion, ClientAPIConstraint)
}

// Summary returns the run queue aggregates.
func (c *Client) Summary(ctx context.Context) (kernel.Summary, error) {
	var s kernel.Summary
	err := c.do(ctx, http.MethodGet, "/api/tree", nil, &s)
	return s, err
}

// Nodes lists at most limit run queue nodes in vruntime order.
func (c *Client) Nodes(ctx context.Context, limit int) ([]kernel.NodeInfo, error) {
	var nodes []kernel.NodeInfo
	q := url.Values{"max": {strconv.Itoa(limit)}}
	err := c.do(ctx, http.MethodGet, "/api/tree/nodes?"+q.Encode(), nil, &nodes)
	return nodes, err
}

// Balanced runs the coloring check, or the full integrity check when full
// is set.
func (c *Client) Balanced(ctx context.Context, full bool) (schedstat.BalancedView, error) {
	var v schedstat.BalancedView
	path := "/api/tree/balanced"
	if full {
		path += "?full=true"
	}
	err := c.do(ctx, http.MethodGet, path, nil, &v)
	return v, err
}

// Procs lists every allocated process.
func (c *Client) Procs(ctx context.Context) ([]kernel.ProcInfo, error) {
	var procs []kernel.ProcInfo
	err := c.do(ctx, http.MethodGet, "/api/procs", nil, &procs)
	return procs, err
}

// Proc returns one process.
func (c *Client) Proc(ctx context.Context, pid int) (kernel.ProcInfo, error) {
	var info kernel.ProcInfo
	err := c.do(ctx, http.MethodGet, "/api/procs/"+strconv.Itoa(pid), nil, &info)
	return info, err
}

// SetNice changes pid's nice value and returns its new state.
func (c *Client) SetNice(ctx context.Context, pid, nice int) (kernel.ProcInfo, error) {
	var info kernel.ProcInfo
	err := c.do(ctx, http.MethodPut, "/api/procs/"+strconv.Itoa(pid)+"/nice", map[string]int{"nice": nice}, &info)
	return info, err
}

// Kill flags pid for termination.
func (c *Client) Kill(ctx context.Context, pid int) error {
	return c.do(ctx, http.MethodPost, "/api/procs/"+strconv.Itoa(pid)+"/kill", nil, nil)
}
