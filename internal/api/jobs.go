package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/stacks"
	"github.com/untoldecay/treeline/internal/storage"
)

// JobSummary is the wire shape of one landing job.
type JobSummary struct {
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

func (s *Server) summarize(job *jobs.LandingJob) JobSummary {
	tree := job.RepositoryName
	if repo, ok := s.targets().Get(job.RepositoryName); ok {
		tree = repo.Tree
	}
	details := job.ErrorMessage
	if job.Status == jobs.StatusLanded {
		details = job.LandedCommitID
	}
	return JobSummary{
		ID:             job.ID,
		Status:         string(job.Status),
		LandingPath:    job.Path,
		RequesterEmail: job.RequesterEmail,
		Tree:           tree,
		RepositoryURL:  job.RepositoryURL,
		Details:        details,
		ErrorBreakdown: job.ErrorBreakdown,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

// handleStackJobs lists every landing job that touches the stack containing
// the given revision, newest first. The whole stack is consulted rather
// than the single revision so a child's landing shows up when querying its
// parent.
func (s *Server) handleStackJobs(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Query().Get("stack_revision_id")
	if !revisionIDRe.MatchString(param) {
		badRequest(w, "Invalid Revision Id", "stack_revision_id must have the form D<number>.")
		return
	}
	revisionID, err := strconv.Atoi(param[1:])
	if err != nil {
		badRequest(w, "Invalid Revision Id", fmt.Sprintf("Revision id %q is not parseable.", param))
		return
	}

	stack, err := stacks.Resolve(r.Context(), s.Review, revisionID)
	if err != nil {
		s.writeAssessError(w, err)
		return
	}
	ids := make([]int, 0, len(stack.Nodes))
	for _, phid := range stack.Nodes {
		if rev := stack.Data.Revisions[phid]; rev != nil {
			ids = append(ids, rev.ID)
		}
	}

	list, err := s.Store.JobsForRevisions(r.Context(), ids, nil)
	if err != nil {
		s.Log.Error("job listing failed", zap.Int("revision", revisionID), zap.Error(err))
		internalError(w)
		return
	}
	summaries := make([]JobSummary, len(list))
	for i, job := range list {
		summaries[i] = s.summarize(job)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// jobIDParam parses the {id} route parameter. On failure it writes the 404
// itself; job ids are opaque to clients, so a malformed one is
// indistinguishable from an unknown one.
func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		notFound(w, "Landing job not found.")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.Store.GetJob(r.Context(), id)
	if errors.Is(err, storage.ErrJobNotFound) {
		notFound(w, "Landing job not found.")
		return
	}
	if err != nil {
		s.Log.Error("job lookup failed", zap.Int64("job", id), zap.Error(err))
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(job))
}

// cancelPayload is the body of PUT /landing_jobs/{id}. Cancellation is the
// only status change callers may request.
type cancelPayload struct {
	Status string `json:"status"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var payload cancelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, "Invalid Request Body", fmt.Sprintf("Failed to parse request body: %v.", err))
		return
	}
	if payload.Status != string(jobs.StatusCancelled) {
		badRequest(w, "Invalid Status Change",
			fmt.Sprintf("Landing jobs can only be moved to %s through this endpoint.", jobs.StatusCancelled))
		return
	}

	job, err := s.Store.CancelJob(r.Context(), id, identityFrom(r.Context()).Email)
	var invalid *jobs.InvalidTransitionError
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		notFound(w, "Landing job not found.")
		return
	case errors.Is(err, storage.ErrNotOwner):
		writeProblem(w, problem{
			Title:  "Not Your Landing Job",
			Detail: "Only the requester of a landing job may cancel it.",
			Status: http.StatusForbidden,
		})
		return
	case errors.As(err, &invalid):
		badRequest(w, "Job Cannot Be Cancelled",
			fmt.Sprintf("Landing job %d is %s and can no longer be cancelled.", id, invalid.From))
		return
	case err != nil:
		s.Log.Error("job cancellation failed", zap.Int64("job", id), zap.Error(err))
		internalError(w)
		return
	}

	s.Log.Info("landing job cancelled",
		zap.Int64("job", job.ID), zap.String("requester", job.RequesterEmail))
	writeJSON(w, http.StatusOK, map[string]int64{"id": job.ID})
}
