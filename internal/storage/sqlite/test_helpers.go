package sqlite

import (
	"context"
	"testing"

	"github.com/untoldecay/treeline/internal/jobs"
)

// testEnv provides a test environment with common setup and helpers.
// Use newTestEnv(t) to create a test environment with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *SQLiteStorage
	Ctx   context.Context
}

// newTestEnv creates a new test environment with a configured store.
// The store is automatically cleaned up when the test completes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t, "")
	return &testEnv{
		t:     t,
		Store: store,
		Ctx:   context.Background(),
	}
}

// newTestStore creates a store backed by a temp file for test isolation.
// File-based databases are more reliable than in-memory for connection
// pool scenarios.
func newTestStore(t *testing.T, dbPath string) *SQLiteStorage {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}

// CreateJob persists a landing job with sensible defaults, applying the
// given mutators first. Returns the job with ID populated.
func (e *testEnv) CreateJob(mutate ...func(*jobs.LandingJob)) *jobs.LandingJob {
	e.t.Helper()
	job := &jobs.LandingJob{
		RequesterEmail: "dev@example.com",
		RepositoryName: "mozilla-central",
		RepositoryURL:  "https://hg.example.com/mozilla-central",
		Path:           []jobs.PathEntry{{RevisionID: 1, DiffID: 11}},
	}
	for _, m := range mutate {
		m(job)
	}
	if err := e.Store.CreateJob(e.Ctx, job); err != nil {
		e.t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}
