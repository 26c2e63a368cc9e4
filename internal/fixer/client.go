package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aparcar/asu/buildfix/internal/models"
)

const maxResponseSize = 64 << 20

// Request is sent to the fix service
type Request struct {
	GeneralErrors []string            `json:"generalErrors"`
	FileErrors    map[string][]string `json:"fileErrors"`
	Files         map[string]string   `json:"files"`
}

// Response is returned by the fix service
type Response struct {
	Status  string            `json:"status"`
	Data    map[string]string `json:"data"`
	Message string            `json:"message,omitempty"`
}

// Fixer turns structured errors and file contents into replacement files
type Fixer interface {
	Fix(ctx context.Context, req *Request) (map[string]string, error)
}

// HTTPClient calls a fix service over HTTP
type HTTPClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClient creates a client for url. Each call is bounded by timeout.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Fix posts req and returns the patch set. Transport failures, timeouts and
// 5xx responses are ReasonFixServiceUnavailable; malformed or non-success
// responses are ReasonFixServiceRejected.
func (c *HTTPClient) Fix(ctx context.Context, req *Request) (map[string]string, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, "POST", c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, models.NewError(models.ReasonCancelled, "fix", ctx.Err())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, models.Errorf(models.ReasonFixServiceUnavailable, "fix", "no response within %s", c.timeout)
		default:
			return nil, models.NewError(models.ReasonFixServiceUnavailable, "fix", err)
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, models.NewError(models.ReasonFixServiceUnavailable, "fix", err)
	}

	if resp.StatusCode >= 500 {
		return nil, models.Errorf(models.ReasonFixServiceUnavailable, "fix", "status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, models.Errorf(models.ReasonFixServiceRejected, "fix", "status %d", resp.StatusCode)
	}

	var result Response
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, models.Errorf(models.ReasonFixServiceRejected, "fix", "malformed response: %v", err)
	}

	if result.Status != "success" {
		msg := result.Message
		if msg == "" {
			msg = fmt.Sprintf("status %q", result.Status)
		}
		return nil, models.Errorf(models.ReasonFixServiceRejected, "fix", "%s", msg)
	}

	return result.Data, nil
}
