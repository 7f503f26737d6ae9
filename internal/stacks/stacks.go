// Package stacks resolves revision stacks. It discovers the connected
// component of parent/child edges around a seed revision, fetches the
// revision, diff and repository data for the whole component in batches, and
// computes which ordered subsets of it are landable.
package stacks

import (
	"context"
	"fmt"
	"sort"

	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
)

// Edge is one dependency link in a stack: Child lands after Parent.
type Edge struct {
	Child  review.PHID
	Parent review.PHID
}

// Reasons attached to revisions that cannot land. Checks injected into
// CalculateLandableSubgraphs supply their own reasons.
const (
	BlockedClosed      = "Revision is closed."
	BlockedUnknown     = "Revision data is unavailable."
	BlockedRepoUnset   = "Revision does not name a target repository."
	BlockedRepoUnknown = "Revision's repository is not a supported landing target."
	BlockedMultiParent = "Depends on multiple open parents."
	BlockedCrossRepo   = "Depends on a revision in a different repository."
	BlockedAncestor    = "Has an open ancestor that is blocked."
)

// Check is an injected per-revision veto consulted while computing landable
// paths. It only runs for revisions whose repository is a landing target;
// diff is the revision's current diff (nil when the graph data lacks it) and
// repo is that target. A non-empty return blocks the revision with the given
// reason.
type Check func(rev *review.Revision, diff *review.Diff, repo repos.Repo) string

// BuildGraph walks parent/child edges from seed until closure and returns
// the component's node set and its deduplicated (child, parent) edges.
func BuildGraph(ctx context.Context, svc review.Service, seed review.PHID) (map[review.PHID]bool, []Edge, error) {
	nodes := map[review.PHID]bool{seed: true}
	seen := map[Edge]bool{}
	var edges []Edge

	frontier := []review.PHID{seed}
	for len(frontier) > 0 {
		raw, err := svc.StackEdges(ctx, frontier)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to expand stack graph: %w", err)
		}

		var next []review.PHID
		for _, e := range raw {
			var edge Edge
			switch e.Type {
			case review.EdgeParent:
				edge = Edge{Child: e.Source, Parent: e.Target}
			case review.EdgeChild:
				edge = Edge{Child: e.Target, Parent: e.Source}
			default:
				continue
			}
			if !seen[edge] {
				seen[edge] = true
				edges = append(edges, edge)
			}
			for _, phid := range [2]review.PHID{edge.Child, edge.Parent} {
				if !nodes[phid] {
					nodes[phid] = true
					next = append(next, phid)
				}
			}
		}
		frontier = next
	}
	return nodes, edges, nil
}

// RevisionData is the batched review-service state of a whole stack:
// revisions by PHID, their current diffs by diff PHID, and the repositories
// they belong to by repository PHID.
type RevisionData struct {
	Revisions    map[review.PHID]*review.Revision
	Diffs        map[review.PHID]*review.Diff
	Repositories map[review.PHID]*review.Repository
}

// FetchRevisionData retrieves revisions, their current diffs and their
// repositories for the given PHIDs in three batch calls.
func FetchRevisionData(ctx context.Context, svc review.Service, phids []review.PHID) (*RevisionData, error) {
	data := &RevisionData{
		Revisions:    map[review.PHID]*review.Revision{},
		Diffs:        map[review.PHID]*review.Diff{},
		Repositories: map[review.PHID]*review.Repository{},
	}

	revisions, err := svc.Revisions(ctx, phids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stack revisions: %w", err)
	}

	diffSet := map[review.PHID]bool{}
	repoSet := map[review.PHID]bool{}
	for _, rev := range revisions {
		data.Revisions[rev.PHID] = rev
		if rev.DiffPHID != "" {
			diffSet[rev.DiffPHID] = true
		}
		if rev.RepositoryPHID != "" {
			repoSet[rev.RepositoryPHID] = true
		}
	}

	diffs, err := svc.Diffs(ctx, sortedPHIDs(diffSet))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stack diffs: %w", err)
	}
	for _, d := range diffs {
		data.Diffs[d.PHID] = d
	}

	repositories, err := svc.Repositories(ctx, sortedPHIDs(repoSet))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stack repositories: %w", err)
	}
	for _, r := range repositories {
		data.Repositories[r.PHID] = r
	}
	return data, nil
}

func sortedPHIDs(set map[review.PHID]bool) []review.PHID {
	out := make([]review.PHID, 0, len(set))
	for phid := range set {
		out = append(out, phid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DiffFor returns the revision's current diff, or nil when unknown.
func (d *RevisionData) DiffFor(rev *review.Revision) *review.Diff {
	return d.Diffs[rev.DiffPHID]
}

// RepositoryFor returns the revision's repository record, or nil.
func (d *RevisionData) RepositoryFor(rev *review.Revision) *review.Repository {
	return d.Repositories[rev.RepositoryPHID]
}

// RevisionByID finds a revision in the stack by integer id.
func (d *RevisionData) RevisionByID(id int) *review.Revision {
	for _, rev := range d.Revisions {
		if rev.ID == id {
			return rev
		}
	}
	return nil
}

// LandableRepos maps the stack's repository PHIDs to the configured landing
// targets they correspond to. The review service's short name is matched
// first, then the full name.
func (d *RevisionData) LandableRepos(targets *repos.Set) map[review.PHID]repos.Repo {
	out := map[review.PHID]repos.Repo{}
	for phid, repository := range d.Repositories {
		name := repository.ShortName
		if name == "" {
			name = repository.Name
		}
		if target, ok := targets.Get(name); ok {
			out[phid] = target
		}
	}
	return out
}

// Stack is a fully resolved stack: the seed revision, the component's nodes
// sorted by revision id, its edges, and the batched revision data.
type Stack struct {
	Seed  *review.Revision
	Nodes []review.PHID
	Edges []Edge
	Data  *RevisionData
}

// Resolve discovers and fetches the whole stack containing revisionID.
func Resolve(ctx context.Context, svc review.Service, revisionID int) (*Stack, error) {
	seed, err := svc.RevisionByID(ctx, revisionID)
	if err != nil {
		return nil, err
	}

	nodeSet, edges, err := BuildGraph(ctx, svc, seed.PHID)
	if err != nil {
		return nil, err
	}

	phids := sortedPHIDs(nodeSet)
	data, err := FetchRevisionData(ctx, svc, phids)
	if err != nil {
		return nil, err
	}
	sortByRevisionID(phids, data)

	if fetched := data.Revisions[seed.PHID]; fetched != nil {
		seed = fetched
	}
	return &Stack{Seed: seed, Nodes: phids, Edges: edges, Data: data}, nil
}

// sortByRevisionID orders phids by revision integer id ascending, unknown
// revisions last, ties by PHID. This is the tie-break order used everywhere
// a deterministic walk is needed.
func sortByRevisionID(phids []review.PHID, data *RevisionData) {
	sort.Slice(phids, func(i, j int) bool {
		ri, rj := data.Revisions[phids[i]], data.Revisions[phids[j]]
		switch {
		case ri == nil && rj == nil:
			return phids[i] < phids[j]
		case ri == nil:
			return false
		case rj == nil:
			return true
		case ri.ID != rj.ID:
			return ri.ID < rj.ID
		}
		return phids[i] < phids[j]
	})
}

// CalculateLandableSubgraphs computes the landable paths of a stack and a
// reason for every revision that is not on one.
//
// A revision is blocked outright when it is closed, when its repository is
// unset or not a configured landing target, or when an injected check vetoes
// it. Open revisions chain through closed ancestors: a node whose only
// ancestors are closed becomes a root. A node is also blocked when it
// depends on more than one open parent, on an open parent in a different
// repository, or on an open parent that is itself blocked.
//
// Paths are maximal walks from unblocked roots through unblocked children,
// children ordered by revision id ascending. Every node of the component
// ends up either on some path or in the blocked map, never both.
func CalculateLandableSubgraphs(data *RevisionData, edges []Edge, landable map[review.PHID]repos.Repo, checks ...Check) ([][]review.PHID, map[review.PHID]string) {
	nodeSet := map[review.PHID]bool{}
	for phid := range data.Revisions {
		nodeSet[phid] = true
	}
	for _, e := range edges {
		nodeSet[e.Child] = true
		nodeSet[e.Parent] = true
	}
	allNodes := sortedPHIDs(nodeSet)
	sortByRevisionID(allNodes, data)

	blocked := map[review.PHID]string{}
	block := func(phid review.PHID, reason string) {
		if _, ok := blocked[phid]; !ok {
			blocked[phid] = reason
		}
	}

	isOpen := func(phid review.PHID) bool {
		rev := data.Revisions[phid]
		return rev != nil && !rev.Status.Closed()
	}

	// Direct blockers first: closed, unknown, bad repository, injected checks.
	var openNodes []review.PHID
	for _, phid := range allNodes {
		rev := data.Revisions[phid]
		switch {
		case rev == nil:
			block(phid, BlockedUnknown)
			continue
		case rev.Status.Closed():
			block(phid, BlockedClosed)
			continue
		case rev.RepositoryPHID == "":
			block(phid, BlockedRepoUnset)
		default:
			if repo, ok := landable[rev.RepositoryPHID]; !ok {
				block(phid, BlockedRepoUnknown)
			} else {
				diff := data.DiffFor(rev)
				for _, check := range checks {
					if reason := check(rev, diff, repo); reason != "" {
						block(phid, reason)
						break
					}
				}
			}
		}
		openNodes = append(openNodes, phid)
	}

	rawParents := map[review.PHID][]review.PHID{}
	for _, e := range edges {
		rawParents[e.Child] = append(rawParents[e.Child], e.Parent)
	}

	// Effective parents: the nearest open ancestors, reached by walking
	// through closed ones.
	effParents := map[review.PHID][]review.PHID{}
	for _, phid := range openNodes {
		seen := map[review.PHID]bool{phid: true}
		found := map[review.PHID]bool{}
		queue := append([]review.PHID(nil), rawParents[phid]...)
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if seen[p] {
				continue
			}
			seen[p] = true
			if isOpen(p) {
				found[p] = true
				continue
			}
			queue = append(queue, rawParents[p]...)
		}
		parents := sortedPHIDs(found)
		sortByRevisionID(parents, data)
		effParents[phid] = parents
	}

	effChildren := map[review.PHID][]review.PHID{}
	for _, phid := range openNodes {
		for _, p := range effParents[phid] {
			effChildren[p] = append(effChildren[p], phid)
		}
	}
	for _, children := range effChildren {
		sortByRevisionID(children, data)
	}

	// Structural blockers propagate down the stack until stable.
	for changed := true; changed; {
		changed = false
		for _, phid := range openNodes {
			if _, ok := blocked[phid]; ok {
				continue
			}
			var reason string
			parents := effParents[phid]
			if len(parents) > 1 {
				reason = BlockedMultiParent
			} else {
				for _, p := range parents {
					if _, ok := blocked[p]; ok {
						reason = BlockedAncestor
						break
					}
					if data.Revisions[p].RepositoryPHID != data.Revisions[phid].RepositoryPHID {
						reason = BlockedCrossRepo
						break
					}
				}
			}
			if reason != "" {
				block(phid, reason)
				changed = true
			}
		}
	}

	// Roots: open nodes with no open ancestor. Drop any root reachable from
	// another root so paths never overlap.
	var roots []review.PHID
	for _, phid := range openNodes {
		if len(effParents[phid]) == 0 {
			roots = append(roots, phid)
		}
	}
	reachable := func(from, to review.PHID) bool {
		seen := map[review.PHID]bool{from: true}
		queue := []review.PHID{from}
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			for _, c := range effChildren[n] {
				if c == to {
					return true
				}
				if !seen[c] {
					seen[c] = true
					queue = append(queue, c)
				}
			}
		}
		return false
	}
	kept := roots[:0]
	for _, r := range roots {
		dominated := false
		for _, other := range roots {
			if other != r && reachable(other, r) {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, r)
		}
	}
	roots = kept

	// Maximal walks from unblocked roots through unblocked children.
	var paths [][]review.PHID
	inPath := map[review.PHID]bool{}
	var walk func(prefix []review.PHID, node review.PHID)
	walk = func(prefix []review.PHID, node review.PHID) {
		extended := false
		for _, child := range effChildren[node] {
			if _, ok := blocked[child]; ok {
				continue
			}
			extended = true
			next := make([]review.PHID, len(prefix), len(prefix)+1)
			copy(next, prefix)
			walk(append(next, child), child)
		}
		if !extended {
			paths = append(paths, prefix)
			for _, phid := range prefix {
				inPath[phid] = true
			}
		}
	}
	for _, root := range roots {
		if _, ok := blocked[root]; ok {
			continue
		}
		walk([]review.PHID{root}, root)
	}

	// Whatever the walks did not reach is blocked by an ancestor.
	for _, phid := range allNodes {
		if inPath[phid] {
			continue
		}
		block(phid, BlockedAncestor)
	}
	return paths, blocked
}
