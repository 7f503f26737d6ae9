// Package repos loads landing-target definitions: the upstream repositories
// landings may be requested against, with their push semantics and policy
// knobs. Definitions live in a repos.toml (or repos.yaml) file so operators
// can add a target without a rebuild.
package repos

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Repo describes one landing target.
type Repo struct {
	// Name is the canonical repository name used in landing jobs and the
	// tree-status service, e.g. "mozilla-central".
	Name string `toml:"name" yaml:"name"`
	// URL is the public repository URL, used for job summaries and for
	// building file links in conflict breakdowns.
	URL string `toml:"url" yaml:"url"`
	// PullPath and PushPath default to URL when empty. Pushes frequently go
	// through an ssh endpoint while pulls use https.
	PullPath string `toml:"pull_path" yaml:"pull_path"`
	PushPath string `toml:"push_path" yaml:"push_path"`
	// Tree is the tree-status tree name; defaults to Name.
	Tree string `toml:"tree" yaml:"tree"`
	// ShortName feeds the [checkin-needed-<short_name>] whiteboard token;
	// defaults to Name.
	ShortName string `toml:"short_name" yaml:"short_name"`
	// AccessGroup is the group membership required to land here.
	// AccessGroupDisplay is what users are told they are missing.
	AccessGroup        string `toml:"access_group" yaml:"access_group"`
	AccessGroupDisplay string `toml:"access_group_display" yaml:"access_group_display"`
	// ApprovalRequired marks uplift targets: pushes need release-management
	// approval and landings trigger post-landing bug updates.
	ApprovalRequired bool `toml:"approval_required" yaml:"approval_required"`
	// AutoformatEnabled runs the configured formatters over the landed stack
	// before pushing.
	AutoformatEnabled bool     `toml:"autoformat_enabled" yaml:"autoformat_enabled"`
	Formatters        []string `toml:"formatters" yaml:"formatters"`
	// ForcePush and PushBookmark adjust push semantics per target.
	ForcePush    bool   `toml:"force_push" yaml:"force_push"`
	PushBookmark string `toml:"push_bookmark" yaml:"push_bookmark"`
	// TargetCommitHash pins landings onto a fixed base (try-style targets).
	TargetCommitHash string `toml:"target_commit_hash" yaml:"target_commit_hash"`
	// CommitFlags are appended verbatim to built commit messages.
	CommitFlags []string `toml:"commit_flags" yaml:"commit_flags"`
	// ProductDetailsURL is the release-calendar feed consulted for the soft
	// code freeze warning. Empty disables the check.
	ProductDetailsURL string `toml:"product_details_url" yaml:"product_details_url"`
	// TestingPolicy opts the repository into the missing-testing-tag warning.
	TestingPolicy bool `toml:"testing_policy" yaml:"testing_policy"`
	// MilestoneFile names the tracked file the uplift bug updater reads the
	// release milestone from.
	MilestoneFile string `toml:"milestone_file" yaml:"milestone_file"`
	// CloneDir is where the worker keeps its working copy of this target.
	CloneDir string `toml:"clone_dir" yaml:"clone_dir"`
}

// FileURL links a path at a changeset, for conflict breakdowns.
func (r Repo) FileURL(changeset, path string) string {
	return fmt.Sprintf("%s/file/%s/%s", strings.TrimRight(r.URL, "/"), changeset, path)
}

// fileConfig is the on-disk shape: a list of [[repo]] tables.
type fileConfig struct {
	Repos []Repo `toml:"repo" yaml:"repos"`
}

// Set is an immutable, name-keyed collection of landing targets.
type Set struct {
	byName map[string]Repo
	names  []string
}

// Load reads a repos file, dispatching on extension (.toml or .yaml/.yml),
// applies defaults, and validates the result.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-controlled config path
	if err != nil {
		return nil, fmt.Errorf("failed to read repos file: %w", err)
	}

	var cfg fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	return NewSet(cfg.Repos)
}

// NewSet builds a Set from repo definitions, filling defaults.
func NewSet(repos []Repo) (*Set, error) {
	s := &Set{byName: make(map[string]Repo, len(repos))}
	for _, r := range repos {
		if r.Name == "" {
			return nil, fmt.Errorf("repo definition with empty name")
		}
		if r.URL == "" {
			return nil, fmt.Errorf("repo %q has no url", r.Name)
		}
		if _, dup := s.byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate repo definition %q", r.Name)
		}
		if r.PullPath == "" {
			r.PullPath = r.URL
		}
		if r.PushPath == "" {
			r.PushPath = r.URL
		}
		if r.Tree == "" {
			r.Tree = r.Name
		}
		if r.ShortName == "" {
			r.ShortName = r.Name
		}
		if r.AccessGroupDisplay == "" {
			r.AccessGroupDisplay = r.AccessGroup
		}
		s.byName[r.Name] = r
		s.names = append(s.names, r.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Get looks a target up by name.
func (s *Set) Get(name string) (Repo, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Names returns all target names, sorted.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// All returns the targets in name order.
func (s *Set) All() []Repo {
	out := make([]Repo, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

// Len reports the number of targets.
func (s *Set) Len() int {
	return len(s.names)
}
