package worktree

import (
	"fmt"
	"strings"
)

// The landing worker decides between retrying later and failing a job
// permanently based on which of these error types an operation returns.
// Anything not covered by a typed error surfaces as a plain wrapped error
// and is treated as permanent.

// UpdateError reports a failure to bring the checkout up to date with its
// pull source before applying patches.
type UpdateError struct {
	Reason string
	Output string
	Err    error
}

func (e *UpdateError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("failed to update checkout: %s\nOutput: %s", e.Reason, e.Output)
	}
	return fmt.Sprintf("failed to update checkout: %s", e.Reason)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// NoDiffStartLineError means a patch carried valid headers but no diff
// content, so there is nothing to apply. FirstLine identifies the patch in
// operator-facing messages.
type NoDiffStartLineError struct {
	FirstLine string
}

func (e *NoDiffStartLineError) Error() string {
	return fmt.Sprintf("patch %q has no diff content to apply", e.FirstLine)
}

// MalformedPatchError means the patch body could not be parsed at all.
type MalformedPatchError struct {
	Err error
}

func (e *MalformedPatchError) Error() string {
	return fmt.Sprintf("malformed patch: %v", e.Err)
}

func (e *MalformedPatchError) Unwrap() error { return e.Err }

// RejectFile is one conflict artifact left behind by a failed apply: the
// hunks that could not be placed, keyed by the source file they belong to.
type RejectFile struct {
	Path    string
	Content string
}

// PatchConflictError means a patch did not apply cleanly on the current
// tip. FailedPaths lists every source file with at least one rejected
// hunk; Rejects carries the reject artifacts themselves.
type PatchConflictError struct {
	FailedPaths []string
	Rejects     []RejectFile
	Output      string
}

func (e *PatchConflictError) Error() string {
	return fmt.Sprintf("patch conflicts with the current tip in %d file(s): %s",
		len(e.FailedPaths), strings.Join(e.FailedPaths, ", "))
}

// AutoformatError reports a formatter command that exited non-zero. The
// failure is usually environmental (missing toolchain, formatter crash)
// rather than a property of the patch, so callers retry rather than fail.
type AutoformatError struct {
	Command string
	Output  string
	Err     error
}

func (e *AutoformatError) Error() string {
	return fmt.Sprintf("autoformat command %q failed: %v\nOutput: %s", e.Command, e.Err, e.Output)
}

func (e *AutoformatError) Unwrap() error { return e.Err }

// TreeClosedError means the upstream rejected the push because the tree
// closed between our status check and the push itself.
type TreeClosedError struct {
	Tree string
}

func (e *TreeClosedError) Error() string {
	return fmt.Sprintf("tree %q is closed", e.Tree)
}

// TreeApprovalRequiredError means the upstream rejected the push because
// the tree requires approval and the commits carry no approval marker.
type TreeApprovalRequiredError struct {
	Tree string
}

func (e *TreeApprovalRequiredError) Error() string {
	return fmt.Sprintf("tree %q requires approval for landings", e.Tree)
}

// LostPushRaceError means another head appeared upstream between our
// update and our push. The job is retried on a fresh tip.
type LostPushRaceError struct {
	Output string
}

func (e *LostPushRaceError) Error() string {
	return "lost a push race: upstream advanced during landing"
}

// PushError is any other push failure.
type PushError struct {
	Output string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("failed to push to upstream: %v\nOutput: %s", e.Err, e.Output)
}

func (e *PushError) Unwrap() error { return e.Err }
