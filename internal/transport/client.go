// Package transport carries node-to-node and client traffic as JSON over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
)

// RequestIDHeader carries a per-request id so both ends can correlate logs.
const RequestIDHeader = "X-Request-ID"

const maxBody = 4 << 20

// StatusError is returned by the *Retry helpers when every attempt ended in
// a server error.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s returned %d", e.URL, e.Code)
}

type Client struct {
	hc     *http.Client
	logger hclog.Logger
}

func NewClient(timeout time.Duration, logger hclog.Logger) *Client {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	return &Client{
		hc:     &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger),
	}
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	id := req.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		req.Header.Set(RequestIDHeader, id)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.logger.Trace("request failed", "method", req.Method, "url", req.URL.String(), "request_id", id, "error", err)
		return 0, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) PutJSON(ctx context.Context, url string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) GetJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	return c.do(req, out)
}

func (c *Client) Delete(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return 0, err
	}
	return c.do(req, out)
}

// Backoff configures PostJSONRetry.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used for replication pushes.
var DefaultBackoff = Backoff{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}

// PostJSONRetry posts body until it gets a non-5xx answer, the attempts run
// out or ctx is done. The wait doubles after each failed attempt.
func (c *Client) PostJSONRetry(ctx context.Context, url string, body any, out any, b Backoff) (int, error) {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	wait := b.Base
	var (
		code int
		err  error
	)
	for attempt := 1; ; attempt++ {
		code, err = c.PostJSON(ctx, url, body, out)
		if err == nil && code < 500 {
			return code, nil
		}
		if err == nil {
			err = &StatusError{Code: code, URL: url}
		}
		if attempt >= b.Attempts {
			return code, err
		}
		c.logger.Debug("retrying request", "url", url, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return code, ctx.Err()
		case <-t.C:
		}
		wait *= 2
		if b.Max > 0 && wait > b.Max {
			wait = b.Max
		}
	}
}
