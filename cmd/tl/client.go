package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/config"
	"github.com/untoldecay/treeline/internal/jobs"
)

// problem mirrors the API's error payload. The assessment rides along on
// blocked or unacknowledged submissions.
type problem struct {
	Title      string       `json:"title"`
	Detail     string       `json:"detail"`
	Status     int          `json:"status"`
	Assessment *assess.View `json:"assessment,omitempty"`
}

func (p *problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s: %s", p.Title, p.Detail)
	}
	return p.Title
}

// jobSummary mirrors the API's landing-job wire shape.
type jobSummary struct {
	ID             int64                `json:"id"`
	Status         string               `json:"status"`
	LandingPath    []jobs.PathEntry     `json:"landing_path"`
	RequesterEmail string               `json:"requester_email"`
	Tree           string               `json:"tree"`
	RepositoryURL  string               `json:"repository_url"`
	Details        string               `json:"details"`
	ErrorBreakdown *jobs.ErrorBreakdown `json:"error_breakdown"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type pathEntryPayload struct {
	RevisionID string `json:"revision_id"`
	DiffID     int    `json:"diff_id"`
}

type transplantPayload struct {
	LandingPath       []pathEntryPayload `json:"landing_path"`
	ConfirmationToken string             `json:"confirmation_token,omitempty"`
}

// apiClient talks to a Treeline API server. Identity headers are trusted
// only on development deployments; in production the fronting proxy
// overwrites them.
type apiClient struct {
	base   string
	email  string
	groups string
	http   *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:   strings.TrimRight(config.GetString("api.base_url"), "/"),
		email:  config.UserEmail(emailFlag),
		groups: resolveGroups(),
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

func resolveGroups() string {
	if groupsFlag != "" {
		return groupsFlag
	}
	return config.GetString("user.groups")
}

// do sends one request and decodes the response into out (when non-nil).
// Non-2xx responses come back as a *problem error.
func (c *apiClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.email != "" {
		req.Header.Set("X-Treeline-Email", c.email)
	}
	if c.groups != "" {
		req.Header.Set("X-Treeline-Groups", c.groups)
	}
	req.Header.Set("X-Treeline-Client", Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p := &problem{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(p); err != nil || p.Title == "" {
			p.Title = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return p
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// DryRun asks the server to assess a landing without queueing it.
func (c *apiClient) DryRun(ctx context.Context, path []pathEntryPayload) (*assess.View, error) {
	var view assess.View
	err := c.do(ctx, http.MethodPost, "/transplants/dryrun", transplantPayload{LandingPath: path}, &view)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Submit queues a landing. token acknowledges the warnings a prior dryrun
// surfaced; empty means none are acknowledged.
func (c *apiClient) Submit(ctx context.Context, path []pathEntryPayload, token string) (int64, error) {
	var res struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/transplants", transplantPayload{LandingPath: path, ConfirmationToken: token}, &res)
	if err != nil {
		return 0, err
	}
	return res.ID, nil
}

// StackJobs lists every landing job touching the stack of the revision.
func (c *apiClient) StackJobs(ctx context.Context, revisionID string) ([]jobSummary, error) {
	var list []jobSummary
	err := c.do(ctx, http.MethodGet, "/transplants?stack_revision_id="+revisionID, nil, &list)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// GetJob fetches one landing job by id.
func (c *apiClient) GetJob(ctx context.Context, id int64) (*jobSummary, error) {
	var job jobSummary
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/landing_jobs/%d", id), nil, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob cancels a queued landing job. Only the requester may cancel.
func (c *apiClient) CancelJob(ctx context.Context, id int64) error {
	payload := map[string]string{"status": string(jobs.StatusCancelled)}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/landing_jobs/%d", id), payload, nil)
}
