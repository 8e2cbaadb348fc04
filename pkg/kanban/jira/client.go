// Package jira implements the kanban adapter for Jira Cloud over REST v3.
// Requests authenticate with HTTP Basic (email:token) and pass through a
// client-side rate limiter so bursts of status writes never trip Jira's 429s.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/openfleet/openfleet/pkg/kanban"
)

const requestTimeout = 30 * time.Second

// client is the low-level REST v3 transport.
type client struct {
	baseURL    string
	email      string
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newClient(baseURL, email, apiToken string) *client {
	return &client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		email:      email,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
	}
}

// apiError carries the HTTP status for callers that branch on it (endpoint
// fallback, ADF rejection). It always wraps one of the adapter error kinds.
type apiError struct {
	status int
	body   string
	kind   error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("jira returned %d: %s", e.status, e.body)
}

func (e *apiError) Unwrap() error { return e.kind }

func statusOf(err error) int {
	var ae *apiError
	if ok := asAPIError(err, &ae); ok {
		return ae.status
	}
	return 0
}

func asAPIError(err error, target **apiError) bool {
	for err != nil {
		if ae, ok := err.(*apiError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return kanban.ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return kanban.ErrInvalidInput
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return kanban.ErrFatal
	case status == http.StatusTooManyRequests || status >= 500:
		return kanban.ErrTransient
	default:
		return kanban.ErrTransient
	}
}

// do performs one request. The body, when non-nil, is JSON-encoded; the
// response is decoded into out when out is non-nil and the call succeeds.
func (c *client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", kanban.ErrTransient, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", kanban.ErrInvalidInput, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", kanban.ErrInvalidInput, err)
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: jira %s %s: %v", kanban.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read jira response: %v", kanban.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{
			status: resp.StatusCode,
			body:   truncate(string(raw), 300),
			kind:   kindForStatus(resp.StatusCode),
		}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode jira response for %s: %v", kanban.ErrTransient, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
