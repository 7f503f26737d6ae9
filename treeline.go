// Package treeline provides a minimal public API for driving the landing
// queue programmatically.
//
// Most integrations should go through the HTTP API served by `tl serve`.
// This package exports only the job model and storage layer for Go tooling
// that reads the queue directly: dashboards, seeding scripts, migrations.
package treeline

import (
	"context"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/storage"
	"github.com/untoldecay/treeline/internal/storage/sqlite"
)

// Storage is the interface for landing-queue storage operations
type Storage = storage.Storage

// Transaction provides atomic multi-operation support within a database transaction.
// Use Storage.RunInTransaction() to obtain a Transaction instance.
type Transaction = storage.Transaction

// LandingJob is one queued landing request with its ordered landing path.
type LandingJob = jobs.LandingJob

// PathEntry names one (revision, diff) pair of a landing path.
type PathEntry = jobs.PathEntry

// Status is a landing job's queue state (SUBMITTED, IN_PROGRESS, ...).
type Status = jobs.Status

// NewSQLiteStorage opens (creating and migrating if needed) the landing
// queue database at the given path.
func NewSQLiteStorage(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}

// ActiveStatuses returns the queue states that make a job claimable or
// in flight. Jobs in these states block overlapping submissions.
func ActiveStatuses() []Status {
	return append([]Status(nil), jobs.ActiveStatuses...)
}
