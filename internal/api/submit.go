package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/dynconfig"
	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/metrics"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/storage"
)

// landingRequest is the body of dry-run and submission calls. The path
// lists revisions parent first, each pinned to the diff the requester saw.
type landingRequest struct {
	LandingPath       []pathEntryPayload `json:"landing_path" validate:"required,min=1,dive"`
	ConfirmationToken string             `json:"confirmation_token" validate:"omitempty,len=64,hexadecimal"`
}

type pathEntryPayload struct {
	RevisionID string `json:"revision_id" validate:"required,revision_id"`
	DiffID     int    `json:"diff_id" validate:"required,gt=0"`
}

var revisionIDRe = regexp.MustCompile(`^D[1-9][0-9]*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag name.
	if err := v.RegisterValidation("revision_id", func(fl validator.FieldLevel) bool {
		return revisionIDRe.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("api: failed to register revision_id validator: %v", err))
	}
	return v
}

var validate = newValidator()

// decodeLandingRequest parses and validates a landing request body. On
// failure it writes the 400 response itself and reports ok=false.
func decodeLandingRequest(w http.ResponseWriter, r *http.Request) (landingRequest, []jobs.PathEntry, bool) {
	var req landingRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "Invalid Request Body", fmt.Sprintf("Failed to parse request body: %v.", err))
		return req, nil, false
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, "Landing Path Invalid", validationDetail(err))
		return req, nil, false
	}

	path := make([]jobs.PathEntry, len(req.LandingPath))
	for i, entry := range req.LandingPath {
		// The validator has already pinned the shape to D<int>.
		id, err := strconv.Atoi(entry.RevisionID[1:])
		if err != nil {
			badRequest(w, "Landing Path Invalid", fmt.Sprintf("Revision id %q is not parseable.", entry.RevisionID))
			return req, nil, false
		}
		path[i] = jobs.PathEntry{RevisionID: id, DiffID: entry.DiffID}
	}
	return req, path, true
}

// validationDetail flattens validator errors into one user-facing sentence.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Sprintf("Request validation failed: %v.", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "revision_id":
		return fmt.Sprintf("Revision id %q does not match the required D<number> form.", fe.Value())
	case "required", "min":
		return "A non-empty landing_path of {revision_id, diff_id} entries is required."
	case "gt":
		return "Each landing_path entry needs a positive diff_id."
	case "len", "hexadecimal":
		return "confirmation_token must be a 64 character hex digest."
	default:
		return fmt.Sprintf("Field %s failed validation rule %q.", fe.Field(), fe.Tag())
	}
}

// writeAssessError maps assessment failures to responses: a landing request
// naming an unknown revision is the client's mistake, a review-service
// outage is a gateway problem, anything else is ours.
func (s *Server) writeAssessError(w http.ResponseWriter, err error) {
	var comm *review.CommunicationError
	switch {
	case errors.Is(err, review.ErrNotFound):
		notFound(w, "A requested revision does not exist on the review service.")
	case errors.As(err, &comm):
		badGateway(w, "The review service could not be reached. Try again later.")
	default:
		s.Log.Error("assessment failed", zap.Error(err))
		internalError(w)
	}
}

// handleDryRun evaluates a landing request without mutating anything and
// returns the full assessment, including the confirmation token a
// subsequent submission must echo.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	_, path, ok := decodeLandingRequest(w, r)
	if !ok {
		return
	}

	res, err := s.Engine.Assess(r.Context(), assess.Request{
		Identity: identityFrom(r.Context()),
		Path:     path,
		Targets:  s.targets(),
	})
	if err != nil {
		s.writeAssessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Assessment.View())
}

// handleSubmit runs the submission pipeline: assess, gate on blockers and
// warning acknowledgement, build the patch artefacts, then insert the job
// and upload the patches inside the store's critical section.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, path, ok := decodeLandingRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	id := identityFrom(ctx)

	res, err := s.Engine.Assess(ctx, assess.Request{
		Identity: id,
		Path:     path,
		Targets:  s.targets(),
	})
	if err != nil {
		s.writeAssessError(w, err)
		return
	}

	view := res.Assessment.View()
	if res.Assessment.Blocked() {
		writeProblem(w, problem{
			Title:      "Landing is Blocked",
			Detail:     *res.Assessment.Blocker,
			Status:     http.StatusBadRequest,
			Assessment: &view,
		})
		return
	}
	if err := res.Assessment.Acknowledged(req.ConfirmationToken); err != nil {
		writeProblem(w, problem{
			Title:      err.Error(),
			Detail:     "Confirm the current warnings and resubmit with the confirmation_token from this assessment.",
			Status:     http.StatusBadRequest,
			Assessment: &view,
		})
		return
	}

	if ok := s.checkCapacity(ctx, w, res.Repo.Name); !ok {
		return
	}

	patches, err := s.buildPatches(ctx, res, path)
	if err != nil {
		s.writeAssessError(w, err)
		return
	}

	job := &jobs.LandingJob{
		Status:           jobs.StatusSubmitted,
		RequesterEmail:   id.Email,
		RepositoryName:   res.Repo.Name,
		RepositoryURL:    res.Repo.URL,
		TargetCommitHash: res.Repo.TargetCommitHash,
		Path:             path,
	}
	jobID, err := s.Store.AddJobWithRevisions(ctx, job, func(ctx context.Context, job *jobs.LandingJob) error {
		for i, entry := range job.Path {
			if _, err := s.Patches.Put(ctx, job.PatchKey(entry), patches[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrStackInProgress) {
		// A racing submission won the write lock between our assessment and
		// the insert. Serve the same blocker an assessment would have.
		blocker := assess.BlockerInProgress
		view.Blocker = &blocker
		writeProblem(w, problem{
			Title:      "Landing is Blocked",
			Detail:     blocker,
			Status:     http.StatusBadRequest,
			Assessment: &view,
		})
		return
	}
	if err != nil {
		s.Log.Error("job submission failed", zap.Error(err))
		internalError(w)
		return
	}

	metrics.JobsSubmitted.WithLabelValues(res.Repo.Name).Inc()
	s.Log.Info("landing job submitted",
		zap.Int64("job", jobID),
		zap.String("repo", res.Repo.Name),
		zap.String("requester", id.Email),
		zap.Int("revisions", len(path)),
	)

	go s.removeCheckinTags(context.WithoutCancel(ctx), res, path)

	writeJSON(w, http.StatusAccepted, map[string]int64{"id": jobID})
}

// checkCapacity enforces the per-repository queue ceiling. Zero or an unset
// variable means unlimited. On rejection it writes the response itself.
func (s *Server) checkCapacity(ctx context.Context, w http.ResponseWriter, repo string) bool {
	capacity, err := s.Vars.Int(ctx, dynconfig.KeyCapacity, 0)
	if err != nil {
		s.Log.Warn("capacity lookup failed, admitting job", zap.Error(err))
		return true
	}
	if capacity <= 0 {
		return true
	}
	active, err := s.Store.ActiveJobCount(ctx, repo)
	if err != nil {
		s.Log.Warn("active job count failed, admitting job", zap.Error(err))
		return true
	}
	if active >= capacity {
		w.Header().Set("Retry-After", "60")
		writeProblem(w, problem{
			Title:  "Landing Queue is Full",
			Detail: fmt.Sprintf("The landing queue for %s is at capacity (%d jobs). Try again later.", repo, capacity),
			Status: http.StatusTooManyRequests,
		})
		return false
	}
	return true
}

// removeCheckinTags detaches the checkin-needed project from submitted
// revisions. The tag asked a human sheriff to land the revision; the queued
// job supersedes it. Best-effort: failures only log.
func (s *Server) removeCheckinTags(ctx context.Context, res *assess.Result, path []jobs.PathEntry) {
	tag, err := s.Review.ProjectPHID(ctx, checkinProjectSlug)
	if err != nil || tag == "" {
		return
	}
	for _, entry := range path {
		rev := res.Stack.Data.RevisionByID(entry.RevisionID)
		if rev == nil || !rev.HasProject(tag) {
			continue
		}
		if err := s.Review.RemoveProject(ctx, rev.PHID, tag); err != nil {
			s.Log.Warn("failed to remove checkin project tag",
				zap.Int("revision", rev.ID), zap.Error(err))
		}
	}
}
