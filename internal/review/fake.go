package review

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Service for tests. Populate it with the Add helpers;
// set FailWith to make every call return that error.
type Fake struct {
	mu              sync.Mutex
	revisions       map[PHID]*Revision
	diffs           map[PHID]*Diff
	rawDiffs        map[int][]byte
	edges           []Edge
	repositories    map[PHID]*Repository
	users           map[PHID]*User
	projects        map[string]PHID
	transactions    map[PHID][]*Transaction
	removedProjects map[PHID][]PHID

	FailWith error
}

var _ Service = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		revisions:       map[PHID]*Revision{},
		diffs:           map[PHID]*Diff{},
		rawDiffs:        map[int][]byte{},
		repositories:    map[PHID]*Repository{},
		users:           map[PHID]*User{},
		projects:        map[string]PHID{},
		transactions:    map[PHID][]*Transaction{},
		removedProjects: map[PHID][]PHID{},
	}
}

func (f *Fake) AddRevision(r *Revision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions[r.PHID] = r
}

func (f *Fake) AddDiff(d *Diff) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs[d.PHID] = d
}

func (f *Fake) SetRawDiff(diffID int, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawDiffs[diffID] = raw
}

// AddParent records that child depends on parent, in both edge directions
// the way the real service reports them.
func (f *Fake) AddParent(child, parent PHID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges,
		Edge{Source: child, Type: EdgeParent, Target: parent},
		Edge{Source: parent, Type: EdgeChild, Target: child},
	)
}

func (f *Fake) AddRepository(r *Repository) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repositories[r.PHID] = r
}

func (f *Fake) AddUser(u *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.PHID] = u
}

func (f *Fake) AddProject(slug string, phid PHID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[slug] = phid
}

func (f *Fake) AddTransaction(object PHID, t *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[object] = append(f.transactions[object], t)
}

// RemovedProjects reports the project tags removed from a revision, in call
// order.
func (f *Fake) RemovedProjects(revisionPHID PHID) []PHID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PHID(nil), f.removedProjects[revisionPHID]...)
}

func (f *Fake) RevisionByID(ctx context.Context, id int) (*Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	for _, r := range f.revisions {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("revision D%d: %w", id, ErrNotFound)
}

func (f *Fake) Revisions(ctx context.Context, phids []PHID) ([]*Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	var out []*Revision
	for _, phid := range phids {
		if r, ok := f.revisions[phid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) StackEdges(ctx context.Context, phids []PHID) ([]Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	want := map[PHID]bool{}
	for _, phid := range phids {
		want[phid] = true
	}
	var out []Edge
	for _, e := range f.edges {
		if want[e.Source] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Fake) Diffs(ctx context.Context, phids []PHID) ([]*Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	var out []*Diff
	for _, phid := range phids {
		if d, ok := f.diffs[phid]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *Fake) RawDiff(ctx context.Context, diffID int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	raw, ok := f.rawDiffs[diffID]
	if !ok {
		return nil, fmt.Errorf("diff %d: %w", diffID, ErrNotFound)
	}
	return raw, nil
}

func (f *Fake) Repositories(ctx context.Context, phids []PHID) ([]*Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	var out []*Repository
	for _, phid := range phids {
		if r, ok := f.repositories[phid]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) Users(ctx context.Context, phids []PHID) ([]*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	var out []*User
	for _, phid := range phids {
		if u, ok := f.users[phid]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *Fake) ProjectPHID(ctx context.Context, slug string) (PHID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return "", f.FailWith
	}
	phid, ok := f.projects[slug]
	if !ok {
		return "", fmt.Errorf("project %q: %w", slug, ErrNotFound)
	}
	return phid, nil
}

func (f *Fake) Transactions(ctx context.Context, objectPHID PHID) ([]*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return append([]*Transaction(nil), f.transactions[objectPHID]...), nil
}

func (f *Fake) RemoveProject(ctx context.Context, revisionPHID, projectPHID PHID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.removedProjects[revisionPHID] = append(f.removedProjects[revisionPHID], projectPHID)
	if r, ok := f.revisions[revisionPHID]; ok {
		kept := r.ProjectPHIDs[:0]
		for _, p := range r.ProjectPHIDs {
			if p != projectPHID {
				kept = append(kept, p)
			}
		}
		r.ProjectPHIDs = kept
	}
	return nil
}

func (f *Fake) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FailWith
}
