// Package diffsvc is a client for an external HTML diff computation service
// with a PageFreezer-style compare endpoint.
package diffsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrService reports a diff service failure: unreachable, timed out, or a
// non-success response. Retryable by the caller's policy.
var ErrService = errors.New("diff service failure")

// StatusError is a success response whose body carries a non-ok status. This
// is a data-level failure, not a transport error.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("diff service status %q", e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrService
}

// Response is the service's envelope: a status, elapsed seconds, and the
// structured diff result.
type Response struct {
	Status  string          `json:"status"`
	Elapsed float64         `json:"elapsed"`
	Result  json.RawMessage `json:"result"`
}

// Output is the portion of Result holding the list of atomic changes.
type Output struct {
	Diffs json.RawMessage `json:"diffs"`
}

// Changes extracts the atomic change list from the result body.
func (r *Response) Changes() (json.RawMessage, error) {
	var body struct {
		Output Output `json:"output"`
	}
	if err := json.Unmarshal(r.Result, &body); err != nil {
		return nil, fmt.Errorf("decode diff output: %w", err)
	}
	return body.Output.Diffs, nil
}

type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	mode       string
	limiter    *rate.Limiter
}

// NewClient creates a compare client. rps bounds outbound request rate;
// timeout bounds each call unless the caller's context is tighter.
func NewClient(url, apiKey string, timeout time.Duration, rps float64) *Client {
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     apiKey,
		mode:       "text",
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Compare submits two HTML payloads for comparison. Transport failures and
// non-2xx responses wrap ErrService; an ok transport with a non-ok body
// status returns *StatusError.
func (c *Client) Compare(ctx context.Context, html1, html2 string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"source": c.mode,
		"url1":   html1,
		"url2":   html2,
	})
	if err != nil {
		return nil, fmt.Errorf("encode compare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build compare request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compare request: %v: %w", err, ErrService)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("compare returned %s: %w", resp.Status, ErrService)
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode compare response: %v: %w", err, ErrService)
	}
	if decoded.Status != "ok" {
		return nil, &StatusError{Status: decoded.Status}
	}
	return &decoded, nil
}
