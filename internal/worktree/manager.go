package worktree

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/repos"
)

// Manager hands out one Worktree per configured repository, rooted under
// a single base directory unless the repository pins its own clone_dir.
type Manager struct {
	base    string
	timeout time.Duration
	log     *zap.Logger

	mu    sync.Mutex
	trees map[string]*Worktree
}

// NewManager returns a Manager keeping clones under base. timeout bounds
// every git subprocess the worktrees run.
func NewManager(base string, timeout time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		base:    base,
		timeout: timeout,
		log:     log,
		trees:   make(map[string]*Worktree),
	}
}

// ForPush opens a push scope on repo's worktree, creating the worktree
// (and clone) on first use. Repository metadata is refreshed on every
// call so config edits take effect without a restart.
func (m *Manager) ForPush(ctx context.Context, repo repos.Repo, requesterEmail string) (*PushScope, error) {
	m.mu.Lock()
	wt, ok := m.trees[repo.Name]
	if !ok {
		dir := repo.CloneDir
		if dir == "" {
			dir = filepath.Join(m.base, repo.Name)
		}
		wt = New(repo, dir, m.timeout, m.log.With(zap.String("repo", repo.Name)))
		m.trees[repo.Name] = wt
	} else {
		wt.repo = repo
	}
	m.mu.Unlock()

	return wt.ForPush(ctx, requesterEmail)
}
