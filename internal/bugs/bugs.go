// Package bugs talks to the bug tracker's REST API to record landing
// outcomes: uplift landings mark status flags fixed and clear
// checkin-needed whiteboard tags.
package bugs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// statusFlagPrefix is the per-release status field family on a bug
// ("cf_status_firefox112" carries the fix state for release 112).
const statusFlagPrefix = "cf_status_firefox"

// apiError is a non-2xx response from the tracker. 5xx responses are
// retried; anything else is permanent.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bug tracker returned %d: %s", e.StatusCode, e.Body)
}

func (e *apiError) transient() bool { return e.StatusCode >= 500 }

// Bug is the slice of a tracker bug the landing pipeline reads.
type Bug struct {
	ID         int
	Keywords   []string
	Whiteboard string
	// StatusFlags holds the cf_status_firefox* fields present on the bug.
	StatusFlags map[string]string
}

// HasKeyword reports whether the bug carries the given keyword.
func (b *Bug) HasKeyword(keyword string) bool {
	for _, k := range b.Keywords {
		if strings.EqualFold(k, keyword) {
			return true
		}
	}
	return false
}

// Client is a minimal bug tracker REST client. Writes make up to three
// attempts, pausing one second longer before each successive retry.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient returns a client for the tracker at baseURL. apiKey may be
// empty for read-only use against public instances.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build bug tracker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-BUGZILLA-API-KEY", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bug tracker request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read bug tracker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode bug tracker response: %w", err)
	}
	return nil
}

// Bug fetches one bug, including its dynamic status flags.
func (c *Client) Bug(ctx context.Context, id int) (*Bug, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/rest/bug/%d", id), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Bugs []json.RawMessage `json:"bugs"`
	}
	if err := c.do(req, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch bug %d: %w", id, err)
	}
	if len(payload.Bugs) == 0 {
		return nil, fmt.Errorf("bug %d not found", id)
	}
	return parseBug(payload.Bugs[0])
}

// parseBug decodes the fixed fields and sweeps the rest of the record
// for status flags, whose names vary per release.
func parseBug(raw json.RawMessage) (*Bug, error) {
	var core struct {
		ID         int      `json:"id"`
		Keywords   []string `json:"keywords"`
		Whiteboard string   `json:"whiteboard"`
	}
	if err := json.Unmarshal(raw, &core); err != nil {
		return nil, fmt.Errorf("failed to decode bug record: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("failed to decode bug record: %w", err)
	}

	flags := make(map[string]string)
	for key, value := range all {
		if !strings.HasPrefix(key, statusFlagPrefix) {
			continue
		}
		if s, ok := value.(string); ok {
			flags[key] = s
		}
	}
	return &Bug{
		ID:          core.ID,
		Keywords:    core.Keywords,
		Whiteboard:  core.Whiteboard,
		StatusFlags: flags,
	}, nil
}

// linearBackoff waits base before the first retry and grows the wait by
// base each time after (1s, 2s, 3s, ...).
func linearBackoff(base time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
}

// Update applies field changes to a bug. Transient tracker failures are
// retried; a 4xx response fails immediately.
func (c *Client) Update(ctx context.Context, id int, changes map[string]any) error {
	body, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to encode bug update: %w", err)
	}

	backoff := retry.WithMaxRetries(2, linearBackoff(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("/rest/bug/%d", id), bytes.NewReader(body))
		if err != nil {
			return err
		}
		if err := c.do(req, nil); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && !apiErr.transient() {
				return fmt.Errorf("failed to update bug %d: %w", id, err)
			}
			return retry.RetryableError(fmt.Errorf("failed to update bug %d: %w", id, err))
		}
		return nil
	})
}
