package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/storage"
)

func TestCreateAndGetJob(t *testing.T) {
	env := newTestEnv(t)

	created := env.CreateJob(func(j *jobs.LandingJob) {
		j.RequesterEmail = "alice@example.com"
		j.Priority = 3
		j.TargetCommitHash = "abcdef0123456789abcdef0123456789abcdef01"
		j.Path = []jobs.PathEntry{{RevisionID: 10, DiffID: 101}, {RevisionID: 11, DiffID: 111}}
	})
	if created.ID == 0 {
		t.Fatal("expected CreateJob to assign an id")
	}
	if created.Status != jobs.StatusSubmitted {
		t.Fatalf("expected new job to default to SUBMITTED, got %s", created.Status)
	}

	got, err := env.Store.GetJob(env.Ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if diff := cmp.Diff(created, got); diff != "" {
		t.Errorf("job round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Store.GetJob(env.Ctx, 9999)
	if !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// drain claims every job for the given repositories and fails each one, so
// the order of the returned ids is the queue order.
func drain(t *testing.T, env *testEnv, repositories []string) []int64 {
	t.Helper()
	var order []int64
	for {
		job, err := env.Store.NextJobForUpdate(env.Ctx, repositories, 0)
		if err != nil {
			t.Fatalf("NextJobForUpdate failed: %v", err)
		}
		if job == nil {
			return order
		}
		order = append(order, job.ID)
		if _, err := env.Store.Transition(env.Ctx, job.ID, jobs.ActionFail, jobs.TransitionFields{Message: "drained"}); err != nil {
			t.Fatalf("failed to drain job %d: %v", job.ID, err)
		}
	}
}

func TestClaimQueueOrdering(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().UTC().Add(-time.Hour)

	oldSubmitted := env.CreateJob(func(j *jobs.LandingJob) {
		j.CreatedAt = base.Add(1 * time.Minute)
	})
	newSubmitted := env.CreateJob(func(j *jobs.LandingJob) {
		j.CreatedAt = base.Add(2 * time.Minute)
	})
	highPriority := env.CreateJob(func(j *jobs.LandingJob) {
		j.Priority = 5
		j.CreatedAt = base.Add(3 * time.Minute)
	})
	deferred := env.CreateJob(func(j *jobs.LandingJob) {
		j.Status = jobs.StatusDeferred
		j.CreatedAt = base.Add(4 * time.Minute)
	})
	interrupted := env.CreateJob(func(j *jobs.LandingJob) {
		j.Status = jobs.StatusInProgress
		j.Attempts = 1
		j.CreatedAt = base.Add(5 * time.Minute)
	})

	got := drain(t, env, []string{"mozilla-central"})

	// Interrupted work resumes first, then deferred retries, then fresh
	// submissions by priority and age. Creation order is deliberately the
	// reverse of claim order for the first three.
	want := []int64{interrupted.ID, deferred.ID, highPriority.ID, oldSubmitted.ID, newSubmitted.ID}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("claim order mismatch (-want +got):\n%s", diff)
	}
}

func TestClaimMarksInProgress(t *testing.T) {
	env := newTestEnv(t)
	created := env.CreateJob(func(j *jobs.LandingJob) {
		j.CreatedAt = time.Now().UTC().Add(-time.Minute)
	})

	claimed, err := env.Store.NextJobForUpdate(env.Ctx, []string{"mozilla-central"}, 0)
	if err != nil {
		t.Fatalf("NextJobForUpdate failed: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimable job")
	}
	if claimed.ID != created.ID {
		t.Fatalf("claimed job %d, want %d", claimed.ID, created.ID)
	}
	if claimed.Status != jobs.StatusInProgress {
		t.Fatalf("claimed job status = %s, want IN_PROGRESS", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("claimed job attempts = %d, want 1", claimed.Attempts)
	}

	persisted, err := env.Store.GetJob(env.Ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if persisted.Status != jobs.StatusInProgress {
		t.Fatalf("persisted status = %s, want IN_PROGRESS", persisted.Status)
	}

	// A second worker (or the same one after a crash) re-claims the job as
	// a resume, counting another attempt.
	resumed, err := env.Store.NextJobForUpdate(env.Ctx, []string{"mozilla-central"}, 0)
	if err != nil {
		t.Fatalf("second NextJobForUpdate failed: %v", err)
	}
	if resumed == nil || resumed.ID != created.ID {
		t.Fatalf("expected to resume job %d, got %+v", created.ID, resumed)
	}
	if resumed.Attempts != 2 {
		t.Fatalf("resumed job attempts = %d, want 2", resumed.Attempts)
	}
}

func TestClaimGraceWindow(t *testing.T) {
	env := newTestEnv(t)
	env.CreateJob()

	job, err := env.Store.NextJobForUpdate(env.Ctx, []string{"mozilla-central"}, time.Minute)
	if err != nil {
		t.Fatalf("NextJobForUpdate failed: %v", err)
	}
	if job != nil {
		t.Fatalf("job inside the grace window should not be claimable, got %d", job.ID)
	}

	env.CreateJob(func(j *jobs.LandingJob) {
		j.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	})
	job, err = env.Store.NextJobForUpdate(env.Ctx, []string{"mozilla-central"}, time.Minute)
	if err != nil {
		t.Fatalf("NextJobForUpdate failed: %v", err)
	}
	if job == nil {
		t.Fatal("job older than the grace window should be claimable")
	}
}

func TestClaimRepositoryFilter(t *testing.T) {
	env := newTestEnv(t)
	old := time.Now().UTC().Add(-time.Minute)
	central := env.CreateJob(func(j *jobs.LandingJob) {
		j.CreatedAt = old
	})
	env.CreateJob(func(j *jobs.LandingJob) {
		j.RepositoryName = "autoland"
		j.CreatedAt = old
	})

	job, err := env.Store.NextJobForUpdate(env.Ctx, []string{"mozilla-central"}, 0)
	if err != nil {
		t.Fatalf("NextJobForUpdate failed: %v", err)
	}
	if job == nil || job.ID != central.ID {
		t.Fatalf("expected job %d for mozilla-central, got %+v", central.ID, job)
	}

	// No enabled repositories means nothing to claim.
	job, err = env.Store.NextJobForUpdate(env.Ctx, nil, 0)
	if err != nil {
		t.Fatalf("NextJobForUpdate with no repositories failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no claim with an empty repository set, got %d", job.ID)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)

	t.Run("owner cancels submitted", func(t *testing.T) {
		job := env.CreateJob()
		cancelled, err := env.Store.CancelJob(env.Ctx, job.ID, "dev@example.com")
		if err != nil {
			t.Fatalf("CancelJob failed: %v", err)
		}
		if cancelled.Status != jobs.StatusCancelled {
			t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
		}
	})

	t.Run("owner cancels deferred", func(t *testing.T) {
		job := env.CreateJob(func(j *jobs.LandingJob) {
			j.Status = jobs.StatusDeferred
		})
		if _, err := env.Store.CancelJob(env.Ctx, job.ID, "dev@example.com"); err != nil {
			t.Fatalf("CancelJob failed: %v", err)
		}
	})

	t.Run("non-owner is rejected", func(t *testing.T) {
		job := env.CreateJob()
		_, err := env.Store.CancelJob(env.Ctx, job.ID, "mallory@example.com")
		if !errors.Is(err, storage.ErrNotOwner) {
			t.Fatalf("expected ErrNotOwner, got %v", err)
		}
		got, err := env.Store.GetJob(env.Ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != jobs.StatusSubmitted {
			t.Fatalf("rejected cancel must not change status, got %s", got.Status)
		}
	})

	t.Run("in-progress is not cancellable", func(t *testing.T) {
		job := env.CreateJob(func(j *jobs.LandingJob) {
			j.Status = jobs.StatusInProgress
		})
		_, err := env.Store.CancelJob(env.Ctx, job.ID, "dev@example.com")
		var invalid *jobs.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := env.Store.CancelJob(env.Ctx, 4242, "dev@example.com")
		if !errors.Is(err, storage.ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})
}

func TestCancelledJobNotClaimable(t *testing.T) {
	env := newTestEnv(t)
	job := env.CreateJob(func(j *jobs.LandingJob) {
		j.CreatedAt = time.Now().UTC().Add(-time.Minute)
	})

	if _, err := env.Store.CancelJob(env.Ctx, job.ID, "dev@example.com"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	claimed, err := env.Store.NextJobForUpdate(env.Ctx, []string{"mozilla-central"}, 0)
	if err != nil {
		t.Fatalf("NextJobForUpdate failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("cancelled job must not be claimed, got %d", claimed.ID)
	}
}

func TestTransitionPersistsFields(t *testing.T) {
	env := newTestEnv(t)
	job := env.CreateJob(func(j *jobs.LandingJob) {
		j.Status = jobs.StatusInProgress
	})

	landed, err := env.Store.Transition(env.Ctx, job.ID, jobs.ActionLand, jobs.TransitionFields{
		CommitID: "feedc0de",
		Duration: 12.5,
		Replacements: map[string]string{
			"aaaaaaaaaaaa": "bbbbbbbbbbbb",
		},
	})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if landed.Status != jobs.StatusLanded {
		t.Fatalf("status = %s, want LANDED", landed.Status)
	}

	got, err := env.Store.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.LandedCommitID != "feedc0de" {
		t.Errorf("landed commit = %q, want feedc0de", got.LandedCommitID)
	}
	if got.DurationSeconds != 12.5 {
		t.Errorf("duration = %v, want 12.5", got.DurationSeconds)
	}
	if diff := cmp.Diff(map[string]string{"aaaaaaaaaaaa": "bbbbbbbbbbbb"}, got.FormattedReplacements); diff != "" {
		t.Errorf("formatted replacements mismatch (-want +got):\n%s", diff)
	}
}

func TestTransitionInvalid(t *testing.T) {
	env := newTestEnv(t)
	job := env.CreateJob()

	_, err := env.Store.Transition(env.Ctx, job.ID, jobs.ActionLand, jobs.TransitionFields{CommitID: "feedc0de"})
	var invalid *jobs.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for LAND from SUBMITTED, got %v", err)
	}

	got, err := env.Store.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != jobs.StatusSubmitted {
		t.Fatalf("failed transition must not persist, status = %s", got.Status)
	}
}

func TestErrorBreakdownRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	job := env.CreateJob(func(j *jobs.LandingJob) {
		j.Status = jobs.StatusInProgress
	})

	breakdown := &jobs.ErrorBreakdown{
		FailedPaths: []jobs.FailedPath{
			{Path: "widget/gtk/nsWindow.cpp", ChangesetID: "abc123def456", URL: "https://hg.example.com/rev/abc123def456"},
		},
		RejectPaths: map[string]jobs.RejectFile{
			"widget/gtk/nsWindow.cpp": {Path: "widget/gtk/nsWindow.cpp.rej", Content: "--- nsWindow.cpp\n+++ nsWindow.cpp\n"},
		},
	}

	if _, err := env.Store.Transition(env.Ctx, job.ID, jobs.ActionFail, jobs.TransitionFields{
		Message:   "patch failed to apply",
		Breakdown: breakdown,
	}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	got, err := env.Store.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ErrorMessage != "patch failed to apply" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if diff := cmp.Diff(breakdown, got.ErrorBreakdown); diff != "" {
		t.Errorf("breakdown mismatch (-want +got):\n%s", diff)
	}
}

func TestJobsForRevisions(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().UTC().Add(-time.Hour)

	first := env.CreateJob(func(j *jobs.LandingJob) {
		j.Path = []jobs.PathEntry{{RevisionID: 7, DiffID: 70}}
		j.CreatedAt = base.Add(1 * time.Minute)
	})
	second := env.CreateJob(func(j *jobs.LandingJob) {
		j.Path = []jobs.PathEntry{{RevisionID: 7, DiffID: 71}, {RevisionID: 8, DiffID: 80}}
		j.CreatedAt = base.Add(2 * time.Minute)
	})
	unrelated := env.CreateJob(func(j *jobs.LandingJob) {
		j.Path = []jobs.PathEntry{{RevisionID: 9, DiffID: 90}}
		j.CreatedAt = base.Add(3 * time.Minute)
	})
	_ = unrelated

	got, err := env.Store.JobsForRevisions(env.Ctx, []int{7}, nil)
	if err != nil {
		t.Fatalf("JobsForRevisions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d jobs, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("order = [%d %d], want [%d %d]", got[0].ID, got[1].ID, second.ID, first.ID)
	}

	// Status filter.
	if _, err := env.Store.CancelJob(env.Ctx, first.ID, "dev@example.com"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	active, err := env.Store.JobsForRevisions(env.Ctx, []int{7, 8}, jobs.ActiveStatuses)
	if err != nil {
		t.Fatalf("JobsForRevisions failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("active jobs = %+v, want only %d", active, second.ID)
	}

	none, err := env.Store.JobsForRevisions(env.Ctx, nil, nil)
	if err != nil {
		t.Fatalf("JobsForRevisions with no revisions failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no jobs for empty revision set, got %d", len(none))
	}
}

func TestAddJobWithRevisionsOverlap(t *testing.T) {
	env := newTestEnv(t)

	submit := func(revisions ...int) (int64, error) {
		path := make([]jobs.PathEntry, len(revisions))
		for i, r := range revisions {
			path[i] = jobs.PathEntry{RevisionID: r, DiffID: r * 10}
		}
		job := &jobs.LandingJob{
			RequesterEmail: "dev@example.com",
			RepositoryName: "mozilla-central",
			Path:           path,
		}
		return env.Store.AddJobWithRevisions(env.Ctx, job, nil)
	}

	firstID, err := submit(1, 2)
	if err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	if _, err := submit(2, 3); !errors.Is(err, storage.ErrStackInProgress) {
		t.Fatalf("overlapping submission: expected ErrStackInProgress, got %v", err)
	}

	if _, err := submit(3, 4); err != nil {
		t.Fatalf("disjoint submission failed: %v", err)
	}

	// Once the first job reaches a terminal state its revisions are free
	// again.
	if _, err := env.Store.CancelJob(env.Ctx, firstID, "dev@example.com"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if _, err := submit(1, 2); err != nil {
		t.Fatalf("resubmission after cancel failed: %v", err)
	}
}

func TestAddJobWithRevisionsUploadRollback(t *testing.T) {
	env := newTestEnv(t)

	job := &jobs.LandingJob{
		RequesterEmail: "dev@example.com",
		RepositoryName: "mozilla-central",
		Path:           []jobs.PathEntry{{RevisionID: 5, DiffID: 50}},
	}
	uploadErr := errors.New("blob store unavailable")
	calls := 0
	_, err := env.Store.AddJobWithRevisions(env.Ctx, job, func(ctx context.Context, j *jobs.LandingJob) error {
		calls++
		if j.ID == 0 {
			t.Error("upload callback must see the assigned job id")
		}
		return uploadErr
	})
	if !errors.Is(err, uploadErr) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("upload called %d times, want 1", calls)
	}

	// The insert must have rolled back with the failed upload.
	leftover, err := env.Store.JobsForRevisions(env.Ctx, []int{5}, nil)
	if err != nil {
		t.Fatalf("JobsForRevisions failed: %v", err)
	}
	if len(leftover) != 0 {
		t.Fatalf("rolled-back job still visible: %+v", leftover)
	}
}

func TestLatestLandings(t *testing.T) {
	env := newTestEnv(t)

	job := env.CreateJob(func(j *jobs.LandingJob) {
		j.Status = jobs.StatusInProgress
		j.Path = []jobs.PathEntry{{RevisionID: 1, DiffID: 10}}
	})
	if _, err := env.Store.Transition(env.Ctx, job.ID, jobs.ActionLand, jobs.TransitionFields{CommitID: "aaa111"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// Rows imported from the predecessor system.
	db := env.Store.UnderlyingDB()
	res, err := db.ExecContext(env.Ctx, `
		INSERT INTO transplants (landed, repository_url, result, created_at)
		VALUES (1, 'https://hg.example.com/mozilla-central', 'bbb222', '2020-01-01 00:00:00')
	`)
	if err != nil {
		t.Fatalf("failed to seed transplant: %v", err)
	}
	tid, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read transplant id: %v", err)
	}
	for i, e := range []jobs.PathEntry{{RevisionID: 1, DiffID: 12}, {RevisionID: 2, DiffID: 5}} {
		if _, err := db.ExecContext(env.Ctx, `
			INSERT INTO transplant_revisions (transplant_id, idx, revision_id, diff_id)
			VALUES (?, ?, ?, ?)
		`, tid, i, e.RevisionID, e.DiffID); err != nil {
			t.Fatalf("failed to seed transplant revision: %v", err)
		}
	}

	got, err := env.Store.LatestLandings(env.Ctx, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("LatestLandings failed: %v", err)
	}
	want := map[int]storage.Landed{
		// The transplant carries a newer diff of revision 1 than the job.
		1: {RevisionID: 1, DiffID: 12, CommitID: "bbb222"},
		2: {RevisionID: 2, DiffID: 5, CommitID: "bbb222"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("landings mismatch (-want +got):\n%s", diff)
	}
}
