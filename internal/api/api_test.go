package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/blob"
	"github.com/untoldecay/treeline/internal/dynconfig"
	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/patch"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/storage/sqlite"
)

const testRepoPHID = review.PHID("PHID-REPO-central")

const testDiff = `diff --git a/ship.txt b/ship.txt
--- a/ship.txt
+++ b/ship.txt
@@ -1,1 +1,1 @@
-one
+two
`

type apiEnv struct {
	t       *testing.T
	ctx     context.Context
	fake    *review.Fake
	store   *sqlite.SQLiteStorage
	patches *blob.Memory
	srv     *Server
	ts      *httptest.Server

	// email and groups feed the trusted identity headers on every request.
	email  string
	groups string
	client string
}

func newAPIEnv(t *testing.T, mutate ...func(*repos.Repo)) *apiEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, t.TempDir()+"/api.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	repo := repos.Repo{
		Name:               "mozilla-central",
		URL:                "https://hg.example.com/mozilla-central",
		AccessGroup:        "scm_level_3",
		AccessGroupDisplay: "Level 3 Commit Access",
	}
	for _, m := range mutate {
		m(&repo)
	}
	targets, err := repos.NewSet([]repos.Repo{repo})
	if err != nil {
		t.Fatalf("failed to build repo set: %v", err)
	}

	fake := review.NewFake()
	fake.AddRepository(&review.Repository{
		PHID:      testRepoPHID,
		Name:      "mozilla-central",
		ShortName: "mozilla-central",
	})
	fake.AddUser(&review.User{PHID: "PHID-USER-reviewer", UserName: "reviewer"})

	patches := blob.NewMemory("patches")
	log := zap.NewNop()
	srv := &Server{
		Store:     store,
		Review:    fake,
		Engine:    &assess.Engine{Store: store, Review: fake, Log: log},
		Targets:   func() *repos.Set { return targets },
		Patches:   patches,
		Vars:      dynconfig.New(store, time.Minute),
		Log:       log,
		ReviewURL: "https://review.example.com",
		Version:   "1.2.3",
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiEnv{
		t:       t,
		ctx:     ctx,
		fake:    fake,
		store:   store,
		patches: patches,
		srv:     srv,
		ts:      ts,
		email:   "dev@example.com",
		groups:  "scm_level_3",
	}
}

// addRevision registers an accepted revision D<id> with current diff id*10,
// a valid author and a downloadable raw diff.
func (env *apiEnv) addRevision(id int, mutate ...func(*review.Revision, *review.Diff)) *review.Revision {
	rev := &review.Revision{
		ID:             id,
		PHID:           review.PHID(fmt.Sprintf("PHID-DREV-%d", id)),
		Title:          fmt.Sprintf("Bug %d - change number %d", 1000+id, id),
		Summary:        "A change.",
		Status:         review.StatusAccepted,
		BugID:          1000 + id,
		RepositoryPHID: testRepoPHID,
		DiffPHID:       review.PHID(fmt.Sprintf("PHID-DIFF-%d", id*10)),
		Reviewers: []review.Reviewer{
			{PHID: "PHID-USER-reviewer", Status: review.ReviewerAccepted},
		},
	}
	diff := &review.Diff{
		ID:           id * 10,
		PHID:         rev.DiffPHID,
		RevisionPHID: rev.PHID,
		AuthorName:   "Dev Eloper",
		AuthorEmail:  "dev@example.com",
		DateCreated:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, m := range mutate {
		m(rev, diff)
	}
	env.fake.AddRevision(rev)
	env.fake.AddDiff(diff)
	env.fake.SetRawDiff(diff.ID, []byte(testDiff))
	return rev
}

func (env *apiEnv) do(method, path string, body any) *http.Response {
	env.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			env.t.Fatalf("failed to marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, rd)
	if err != nil {
		env.t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.email != "" {
		req.Header.Set(headerEmail, env.email)
	}
	if env.groups != "" {
		req.Header.Set(headerGroups, env.groups)
	}
	if env.client != "" {
		req.Header.Set(headerClient, env.client)
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		env.t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func landingPath(entries ...jobs.PathEntry) map[string]any {
	path := make([]map[string]any, len(entries))
	for i, e := range entries {
		path[i] = map[string]any{
			"revision_id": fmt.Sprintf("D%d", e.RevisionID),
			"diff_id":     e.DiffID,
		}
	}
	return map[string]any{"landing_path": path}
}

func (env *apiEnv) seedJob(job *jobs.LandingJob) *jobs.LandingJob {
	env.t.Helper()
	if job.RequesterEmail == "" {
		job.RequesterEmail = "other@example.com"
	}
	if job.RepositoryName == "" {
		job.RepositoryName = "mozilla-central"
		job.RepositoryURL = "https://hg.example.com/mozilla-central"
	}
	if err := env.store.CreateJob(env.ctx, job); err != nil {
		env.t.Fatalf("failed to seed job: %v", err)
	}
	return job
}

func TestDryRunClean(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)

	resp := env.do(http.MethodPost, "/transplants/dryrun", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(headerRequestID) == "" {
		t.Error("response is missing a request id header")
	}

	var view assess.View
	decodeBody(t, resp, &view)
	if view.Blocker != nil {
		t.Errorf("blocker = %q, want nil", *view.Blocker)
	}
	if len(view.Warnings) != 0 {
		t.Errorf("warnings = %+v, want none", view.Warnings)
	}
	if view.ConfirmationToken != nil {
		t.Errorf("confirmation_token = %q, want nil", *view.ConfirmationToken)
	}
}

func TestDryRunBlockedWithoutIdentity(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)
	env.email = ""

	resp := env.do(http.MethodPost, "/transplants/dryrun", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view assess.View
	decodeBody(t, resp, &view)
	if view.Blocker == nil || *view.Blocker != assess.BlockerNoVerifiedEmail {
		t.Fatalf("blocker = %v, want %q", view.Blocker, assess.BlockerNoVerifiedEmail)
	}
}

func TestDryRunValidation(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)

	cases := []struct {
		name string
		body any
		want string
	}{
		{
			name: "malformed revision id",
			body: map[string]any{"landing_path": []map[string]any{{"revision_id": "X1", "diff_id": 10}}},
			want: "Landing Path Invalid",
		},
		{
			name: "empty path",
			body: map[string]any{"landing_path": []map[string]any{}},
			want: "Landing Path Invalid",
		},
		{
			name: "missing diff id",
			body: map[string]any{"landing_path": []map[string]any{{"revision_id": "D1"}}},
			want: "Landing Path Invalid",
		},
		{
			name: "unknown field",
			body: map[string]any{"landing_path": []map[string]any{{"revision_id": "D1", "diff_id": 10}}, "surprise": true},
			want: "Invalid Request Body",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/transplants/dryrun", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var p problem
			decodeBody(t, resp, &p)
			if p.Title != tc.want {
				t.Errorf("title = %q, want %q", p.Title, tc.want)
			}
		})
	}
}

func TestDryRunUnknownRevision(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(http.MethodPost, "/transplants/dryrun", landingPath(jobs.PathEntry{RevisionID: 404, DiffID: 1}))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDryRunReviewOutage(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)
	env.fake.FailWith = &review.CommunicationError{Method: "differential.revision.search", Err: io.ErrUnexpectedEOF}

	resp := env.do(http.MethodPost, "/transplants/dryrun", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestSubmitClean(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)

	resp := env.do(http.MethodPost, "/transplants", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.ID == 0 {
		t.Fatal("no job id returned")
	}

	job, err := env.store.GetJob(env.ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load submitted job: %v", err)
	}
	if job.Status != jobs.StatusSubmitted {
		t.Errorf("status = %s, want %s", job.Status, jobs.StatusSubmitted)
	}
	if job.RequesterEmail != "dev@example.com" {
		t.Errorf("requester = %q, want dev@example.com", job.RequesterEmail)
	}
	if job.RepositoryName != "mozilla-central" {
		t.Errorf("repository = %q, want mozilla-central", job.RepositoryName)
	}

	raw, err := env.patches.Get(env.ctx, job.PatchKey(job.Path[0]))
	if err != nil {
		t.Fatalf("failed to read stored patch: %v", err)
	}
	p, err := patch.ParseHgExport(raw)
	if err != nil {
		t.Fatalf("stored patch does not parse: %v", err)
	}
	if want := "Bug 1001 - change number 1 r=reviewer"; p.FirstLine() != want {
		t.Errorf("patch title = %q, want %q", p.FirstLine(), want)
	}
	if !bytes.Contains([]byte(p.Message), []byte("Differential Revision: https://review.example.com/D1")) {
		t.Errorf("patch message missing revision trailer:\n%s", p.Message)
	}
	if !bytes.Equal(p.Diff, []byte(testDiff)) {
		t.Errorf("patch diff does not round trip:\n%s", p.Diff)
	}
	if p.AuthorName != "Dev Eloper" || p.AuthorEmail != "dev@example.com" {
		t.Errorf("patch author = %q <%q>", p.AuthorName, p.AuthorEmail)
	}
}

func TestSubmitWarningAcknowledgement(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1, func(rev *review.Revision, _ *review.Diff) {
		rev.Reviewers = append(rev.Reviewers, review.Reviewer{
			PHID:       "PHID-USER-gatekeeper",
			Status:     review.ReviewerBlocking,
			IsBlocking: true,
		})
	})

	body := landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10})
	resp := env.do(http.MethodPost, "/transplants", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var p problem
	decodeBody(t, resp, &p)
	if p.Title != assess.ErrUnacknowledgedWarnings.Error() {
		t.Fatalf("title = %q, want %q", p.Title, assess.ErrUnacknowledgedWarnings.Error())
	}
	if p.Assessment == nil || p.Assessment.ConfirmationToken == nil {
		t.Fatalf("rejection did not include an assessment with a token: %+v", p)
	}

	// A stale token is rejected with the dedicated title.
	body["confirmation_token"] = "0000000000000000000000000000000000000000000000000000000000000000"
	resp = env.do(http.MethodPost, "/transplants", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stale token status = %d, want 400", resp.StatusCode)
	}
	var stale problem
	decodeBody(t, resp, &stale)
	if stale.Title != assess.ErrAcknowledgementChanged.Error() {
		t.Fatalf("title = %q, want %q", stale.Title, assess.ErrAcknowledgementChanged.Error())
	}

	// Echoing the served token admits the landing.
	body["confirmation_token"] = *p.Assessment.ConfirmationToken
	resp = env.do(http.MethodPost, "/transplants", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("acknowledged status = %d, want 202", resp.StatusCode)
	}
}

func TestSubmitBlocked(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)
	env.email = ""

	resp := env.do(http.MethodPost, "/transplants", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var p problem
	decodeBody(t, resp, &p)
	if p.Title != "Landing is Blocked" || p.Detail != assess.BlockerNoVerifiedEmail {
		t.Errorf("problem = %q / %q, want blocked / %q", p.Title, p.Detail, assess.BlockerNoVerifiedEmail)
	}
	if p.Assessment == nil || p.Assessment.Blocker == nil {
		t.Errorf("rejection did not include the blocking assessment: %+v", p)
	}
}

func TestSubmitStackLanding(t *testing.T) {
	env := newAPIEnv(t)
	parent := env.addRevision(1)
	child := env.addRevision(2)
	env.fake.AddParent(child.PHID, parent.PHID)

	resp := env.do(http.MethodPost, "/transplants", landingPath(
		jobs.PathEntry{RevisionID: 1, DiffID: 10},
		jobs.PathEntry{RevisionID: 2, DiffID: 20},
	))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &created)

	job, err := env.store.GetJob(env.ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if len(job.Path) != 2 || job.Path[0].RevisionID != 1 || job.Path[1].RevisionID != 2 {
		t.Fatalf("path = %+v, want [D1 D2]", job.Path)
	}
	for _, entry := range job.Path {
		if _, err := env.patches.Get(env.ctx, job.PatchKey(entry)); err != nil {
			t.Errorf("missing patch for D%d: %v", entry.RevisionID, err)
		}
	}
}

func TestSubmitSecApprovalMessage(t *testing.T) {
	env := newAPIEnv(t)
	rev := env.addRevision(1)
	if err := env.store.CreateSecApprovalRequest(env.ctx, rev.ID, string(rev.DiffPHID), []string{"PHID-XACT-99"}); err != nil {
		t.Fatalf("failed to record sec-approval request: %v", err)
	}
	env.fake.AddTransaction(rev.PHID, &review.Transaction{
		ID:       99,
		PHID:     "PHID-XACT-99",
		Type:     "comment",
		Comments: []string{"Fix a crash\n\nNo details before release."},
	})

	resp := env.do(http.MethodPost, "/transplants", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &created)

	job, err := env.store.GetJob(env.ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	raw, err := env.patches.Get(env.ctx, job.PatchKey(job.Path[0]))
	if err != nil {
		t.Fatalf("failed to read stored patch: %v", err)
	}
	p, err := patch.ParseHgExport(raw)
	if err != nil {
		t.Fatalf("stored patch does not parse: %v", err)
	}
	if want := "Bug 1001 - Fix a crash r=reviewer"; p.FirstLine() != want {
		t.Errorf("patch title = %q, want %q", p.FirstLine(), want)
	}
	if bytes.Contains([]byte(p.Message), []byte("change number 1")) {
		t.Errorf("sanitised message leaked the original title:\n%s", p.Message)
	}
	if !bytes.Contains([]byte(p.Message), []byte("No details before release.")) {
		t.Errorf("sanitised summary missing:\n%s", p.Message)
	}
}

func TestSubmitRemovesCheckinTag(t *testing.T) {
	env := newAPIEnv(t)
	env.fake.AddProject(checkinProjectSlug, "PHID-PROJ-checkin")
	rev := env.addRevision(1, func(rev *review.Revision, _ *review.Diff) {
		rev.ProjectPHIDs = []review.PHID{"PHID-PROJ-checkin"}
	})

	resp := env.do(http.MethodPost, "/transplants", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	// Tag removal is fire-and-forget; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if removed := env.fake.RemovedProjects(rev.PHID); len(removed) == 1 && removed[0] == "PHID-PROJ-checkin" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkin tag was not removed: %v", env.fake.RemovedProjects(rev.PHID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitCapacityFull(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)
	if err := env.srv.Vars.Set(env.ctx, dynconfig.KeyCapacity, "1"); err != nil {
		t.Fatalf("failed to set capacity: %v", err)
	}
	// An unrelated active job on the same repository occupies the only slot.
	env.seedJob(&jobs.LandingJob{Path: []jobs.PathEntry{{RevisionID: 99, DiffID: 990}}})

	resp := env.do(http.MethodPost, "/transplants", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("rejection is missing a Retry-After header")
	}
	var p problem
	decodeBody(t, resp, &p)
	if p.Title != "Landing Queue is Full" {
		t.Errorf("title = %q, want queue full", p.Title)
	}
}

func TestSubmitInProgressStack(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)
	env.seedJob(&jobs.LandingJob{Path: []jobs.PathEntry{{RevisionID: 1, DiffID: 10}}})

	resp := env.do(http.MethodPost, "/transplants", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var p problem
	decodeBody(t, resp, &p)
	if p.Detail != assess.BlockerInProgress {
		t.Errorf("detail = %q, want %q", p.Detail, assess.BlockerInProgress)
	}
}

func TestStackJobsListing(t *testing.T) {
	env := newAPIEnv(t)
	parent := env.addRevision(1)
	child := env.addRevision(2)
	env.fake.AddParent(child.PHID, parent.PHID)

	older := env.seedJob(&jobs.LandingJob{
		Status:         jobs.StatusLanded,
		LandedCommitID: "aaa111bbb222ccc333ddd444eee555fff6667778",
		Path:           []jobs.PathEntry{{RevisionID: 1, DiffID: 8}},
		CreatedAt:      time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	newer := env.seedJob(&jobs.LandingJob{
		Path:      []jobs.PathEntry{{RevisionID: 2, DiffID: 20}},
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})

	// Querying by the parent surfaces the child's job too: the whole stack
	// is one unit of landing history.
	resp := env.do(http.MethodGet, "/transplants?stack_revision_id=D1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list []JobSummary
	decodeBody(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("jobs = %+v, want 2", list)
	}
	if list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Errorf("order = [%d %d], want newest first [%d %d]", list[0].ID, list[1].ID, newer.ID, older.ID)
	}
	if list[1].Details != "aaa111bbb222ccc333ddd444eee555fff6667778" {
		t.Errorf("landed details = %q, want the commit id", list[1].Details)
	}
	if list[0].Tree != "mozilla-central" {
		t.Errorf("tree = %q, want mozilla-central", list[0].Tree)
	}
	if len(list[1].LandingPath) != 1 || list[1].LandingPath[0].RevisionID != 1 {
		t.Errorf("landing path = %+v, want [D1]", list[1].LandingPath)
	}
}

func TestStackJobsValidation(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(http.MethodGet, "/transplants?stack_revision_id=banana", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp = env.do(http.MethodGet, "/transplants?stack_revision_id=D404", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	env := newAPIEnv(t)
	job := env.seedJob(&jobs.LandingJob{
		Status:       jobs.StatusFailed,
		ErrorMessage: "patch failed to apply",
		Path:         []jobs.PathEntry{{RevisionID: 1, DiffID: 10}},
	})

	resp := env.do(http.MethodGet, fmt.Sprintf("/landing_jobs/%d", job.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var summary JobSummary
	decodeBody(t, resp, &summary)
	if summary.ID != job.ID || summary.Status != string(jobs.StatusFailed) {
		t.Errorf("summary = %+v, want id=%d status=FAILED", summary, job.ID)
	}
	if summary.Details != "patch failed to apply" {
		t.Errorf("details = %q, want the error message", summary.Details)
	}

	resp = env.do(http.MethodGet, "/landing_jobs/12345", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	env := newAPIEnv(t)

	t.Run("owner cancels a queued job", func(t *testing.T) {
		job := env.seedJob(&jobs.LandingJob{
			RequesterEmail: "dev@example.com",
			Path:           []jobs.PathEntry{{RevisionID: 1, DiffID: 10}},
		})

		resp := env.do(http.MethodPut, fmt.Sprintf("/landing_jobs/%d", job.ID),
			map[string]string{"status": "CANCELLED"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		stored, err := env.store.GetJob(env.ctx, job.ID)
		if err != nil {
			t.Fatalf("failed to reload job: %v", err)
		}
		if stored.Status != jobs.StatusCancelled {
			t.Errorf("status = %s, want CANCELLED", stored.Status)
		}
	})

	t.Run("non-owner is refused", func(t *testing.T) {
		job := env.seedJob(&jobs.LandingJob{
			RequesterEmail: "someone-else@example.com",
			Path:           []jobs.PathEntry{{RevisionID: 2, DiffID: 20}},
		})

		resp := env.do(http.MethodPut, fmt.Sprintf("/landing_jobs/%d", job.ID),
			map[string]string{"status": "CANCELLED"})
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("running job is not cancellable", func(t *testing.T) {
		job := env.seedJob(&jobs.LandingJob{
			Status:         jobs.StatusInProgress,
			RequesterEmail: "dev@example.com",
			Path:           []jobs.PathEntry{{RevisionID: 3, DiffID: 30}},
		})

		resp := env.do(http.MethodPut, fmt.Sprintf("/landing_jobs/%d", job.ID),
			map[string]string{"status": "CANCELLED"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("only cancellation is accepted", func(t *testing.T) {
		job := env.seedJob(&jobs.LandingJob{
			RequesterEmail: "dev@example.com",
			Path:           []jobs.PathEntry{{RevisionID: 4, DiffID: 40}},
		})

		resp := env.do(http.MethodPut, fmt.Sprintf("/landing_jobs/%d", job.ID),
			map[string]string{"status": "LANDED"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		resp := env.do(http.MethodPut, "/landing_jobs/99999",
			map[string]string{"status": "CANCELLED"})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestClientVersionSkew(t *testing.T) {
	env := newAPIEnv(t)
	env.addRevision(1)

	env.client = "1.9.7"
	resp := env.do(http.MethodPost, "/transplants/dryrun", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minor skew status = %d, want 200", resp.StatusCode)
	}

	env.client = "0.9.0"
	resp = env.do(http.MethodPost, "/transplants/dryrun", landingPath(jobs.PathEntry{RevisionID: 1, DiffID: 10}))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("major skew status = %d, want 400", resp.StatusCode)
	}
	var p problem
	decodeBody(t, resp, &p)
	if p.Title != "Client Version Mismatch" {
		t.Errorf("title = %q, want version mismatch", p.Title)
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.do(http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	env.fake.FailWith = &review.CommunicationError{Method: "ping", Err: io.ErrUnexpectedEOF}
	resp = env.do(http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status with review outage = %d, want 502", resp.StatusCode)
	}
}
