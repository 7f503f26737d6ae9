package worktree

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// PushScope is exclusive access to a worktree for the duration of one
// landing. While a scope is open the checkout is locked against other
// treeline processes and git subprocesses carry the requester marker.
type PushScope struct {
	*Worktree
	lock *flock.Flock
}

// ForPush locks the clone and hands back a scope for one landing. The
// checkout is cleaned on entry so earlier wreckage cannot leak into this
// landing. Blocks until the lock is acquired or ctx is done.
func (w *Worktree) ForPush(ctx context.Context, requesterEmail string) (*PushScope, error) {
	if err := w.Ensure(ctx); err != nil {
		return nil, err
	}

	lock := flock.New(w.dir + ".lock")
	locked, err := lock.TryLockContext(ctx, time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to lock checkout %s: %w", w.dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("checkout %s is locked by another process", w.dir)
	}

	w.env = []string{requesterEnvVar + "=" + requesterEmail}
	w.cleanup(ctx)
	return &PushScope{Worktree: w, lock: lock}, nil
}

// Close cleans the checkout and releases the lock. Cleanup problems are
// logged, never returned; the scope is always considered closed.
func (s *PushScope) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.cleanup(ctx)
	s.Worktree.env = nil
	if err := s.lock.Unlock(); err != nil {
		s.log.Warn("failed to release checkout lock",
			zap.String("repo", s.repo.Name), zap.Error(err))
	}
}
