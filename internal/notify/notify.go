// Package notify delivers best-effort signals about finished landings to
// an external webhook. Delivery problems are logged and swallowed; a
// landing's outcome never depends on the webhook being reachable.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/jobs"
)

// Notifier is what the landing worker fires after a job reaches an
// outcome.
type Notifier interface {
	// LandingSucceeded announces a landed job so downstream mirrors can
	// pull the new commits.
	LandingSucceeded(ctx context.Context, job *jobs.LandingJob)
	// LandingFailed tells the requester's tooling a job failed and why.
	LandingFailed(ctx context.Context, job *jobs.LandingJob, reason string)
}

// event is the webhook payload for both outcomes.
type event struct {
	Event          string `json:"event"`
	JobID          int64  `json:"job_id"`
	Status         string `json:"status"`
	RepositoryName string `json:"repository_name"`
	RepositoryURL  string `json:"repository_url"`
	RequesterEmail string `json:"requester_email"`
	LandedCommitID string `json:"landed_commit_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Webhook posts landing events to a single URL.
type Webhook struct {
	url   string
	httpc *http.Client
	log   *zap.Logger
}

// New returns a Notifier posting to url. An empty url yields a no-op
// notifier so callers never need to branch.
func New(url string, log *zap.Logger) Notifier {
	if url == "" {
		return Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Webhook{
		url:   url,
		httpc: &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}
}

func (w *Webhook) LandingSucceeded(ctx context.Context, job *jobs.LandingJob) {
	w.post(ctx, event{
		Event:          "landing.succeeded",
		JobID:          job.ID,
		Status:         string(job.Status),
		RepositoryName: job.RepositoryName,
		RepositoryURL:  job.RepositoryURL,
		RequesterEmail: job.RequesterEmail,
		LandedCommitID: job.LandedCommitID,
	})
}

func (w *Webhook) LandingFailed(ctx context.Context, job *jobs.LandingJob, reason string) {
	w.post(ctx, event{
		Event:          "landing.failed",
		JobID:          job.ID,
		Status:         string(job.Status),
		RepositoryName: job.RepositoryName,
		RepositoryURL:  job.RepositoryURL,
		RequesterEmail: job.RequesterEmail,
		Reason:         reason,
	})
}

func (w *Webhook) post(ctx context.Context, ev event) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.log.Warn("failed to encode landing notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Warn("failed to build landing notification", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		w.log.Warn("failed to deliver landing notification",
			zap.Int64("job", ev.JobID), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warn("landing notification rejected",
			zap.Int64("job", ev.JobID), zap.Int("status", resp.StatusCode))
	}
}

// Noop drops all notifications.
type Noop struct{}

func (Noop) LandingSucceeded(context.Context, *jobs.LandingJob)      {}
func (Noop) LandingFailed(context.Context, *jobs.LandingJob, string) {}
