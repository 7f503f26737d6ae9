// Package assess decides whether a requested landing may proceed. It
// produces blockers (conditions that stop a landing outright) and warnings
// (conditions the requester must acknowledge), plus the confirmation token
// that proves a submission saw the warnings it is acknowledging.
package assess

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Warning kinds. The ids are wire-visible and stable; the confirmation
// token hashes over them, so renumbering invalidates outstanding tokens.
const (
	WarningBlockingReviews    = 0
	WarningPreviouslyLanded   = 1
	WarningNotAccepted        = 2
	WarningReviewsNotCurrent  = 3
	WarningSecure             = 4
	WarningMissingTestingTag  = 5
	WarningDiffWarnings       = 6
	WarningWorkInProgress     = 7
	WarningSoftFreeze         = 8
	WarningUnresolvedComments = 9
)

// warningKind is the fixed per-kind presentation. Articulated kinds carry a
// self-contained sentence per revision; the rest read as instances under the
// group heading.
type warningKind struct {
	display     string
	articulated bool
}

var warningKinds = map[int]warningKind{
	WarningBlockingReviews:    {display: "Has blocking reviews", articulated: false},
	WarningPreviouslyLanded:   {display: "Previously landed", articulated: true},
	WarningNotAccepted:        {display: "Is not accepted", articulated: true},
	WarningReviewsNotCurrent:  {display: "No accepted review on the current diff", articulated: false},
	WarningSecure:             {display: "Is a secure revision", articulated: false},
	WarningMissingTestingTag:  {display: "Is missing a testing policy tag", articulated: false},
	WarningDiffWarnings:       {display: "Has diff warnings", articulated: true},
	WarningWorkInProgress:     {display: "Is marked as a work in progress", articulated: false},
	WarningSoftFreeze:         {display: "Is under a soft code freeze", articulated: true},
	WarningUnresolvedComments: {display: "Has unresolved comments", articulated: false},
}

// Warning is one warning instance: a kind attached to a revision with a
// revision-specific details message.
type Warning struct {
	ID         int
	RevisionID int
	Details    string
}

// NewWarning builds a warning instance for a known kind.
func NewWarning(id, revisionID int, details string) Warning {
	return Warning{ID: id, RevisionID: revisionID, Details: details}
}

// Display returns the group heading for the warning's kind.
func (w Warning) Display() string {
	return warningKinds[w.ID].display
}

// Articulated reports whether the warning's details are a self-contained
// per-revision message.
func (w Warning) Articulated() bool {
	return warningKinds[w.ID].articulated
}

// Assessment is the outcome of a landability evaluation. A non-nil Blocker
// means the landing is refused; warnings alone allow the landing once they
// are acknowledged.
type Assessment struct {
	Blocker  *string
	Warnings []Warning
}

// Blocked reports whether the assessment refuses the landing.
func (a *Assessment) Blocked() bool {
	return a.Blocker != nil
}

// block sets the blocker if none is set yet; the first blocker wins.
func (a *Assessment) block(reason string) {
	if a.Blocker == nil {
		a.Blocker = &reason
	}
}

// canonicalWarnings returns the warnings as (id, revision_id, details)
// triples sorted ascending, the canonical order the token hashes over.
func (a *Assessment) canonicalWarnings() [][]any {
	sorted := append([]Warning(nil), a.Warnings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		if sorted[i].RevisionID != sorted[j].RevisionID {
			return sorted[i].RevisionID < sorted[j].RevisionID
		}
		return sorted[i].Details < sorted[j].Details
	})
	canon := make([][]any, len(sorted))
	for i, w := range sorted {
		canon[i] = []any{w.ID, w.RevisionID, w.Details}
	}
	return canon
}

// ConfirmationToken returns the SHA-256 hex digest of the canonicalised
// warning list, or nil when there is nothing to acknowledge. Any change to
// the warning set changes the token, so a stale acknowledgement never
// covers new warnings.
func (a *Assessment) ConfirmationToken() *string {
	if len(a.Warnings) == 0 {
		return nil
	}
	canon, err := json.Marshal(a.canonicalWarnings())
	if err != nil {
		// Triples of ints and strings always marshal.
		panic(fmt.Sprintf("assess: failed to canonicalise warnings: %v", err))
	}
	sum := sha256.Sum256(canon)
	token := hex.EncodeToString(sum[:])
	return &token
}

// Acknowledgement gate errors. The strings are the titles served to
// clients.
var (
	ErrUnacknowledgedWarnings = errors.New("Unacknowledged Warnings")
	ErrAcknowledgementChanged = errors.New("Acknowledged Warnings Have Changed")
)

// Acknowledged verifies a submission's confirmation token against the
// current warning set: no warnings pass, a missing token is rejected as
// unacknowledged, and a token minted over a different warning set is
// rejected as changed.
func (a *Assessment) Acknowledged(token string) error {
	current := a.ConfirmationToken()
	if current == nil {
		return nil
	}
	if token == "" {
		return ErrUnacknowledgedWarnings
	}
	if token != *current {
		return ErrAcknowledgementChanged
	}
	return nil
}

// WarningGroup is the wire shape of one warning kind with its instances.
type WarningGroup struct {
	ID          int               `json:"id"`
	Display     string            `json:"display"`
	Articulated bool              `json:"articulated"`
	Instances   []WarningInstance `json:"instances"`
}

// WarningInstance is one revision's entry under a warning group.
type WarningInstance struct {
	RevisionID  string `json:"revision_id"`
	Details     string `json:"details"`
	Articulated bool   `json:"articulated"`
}

// View is the assessment as served to clients.
type View struct {
	Blocker           *string        `json:"blocker"`
	Warnings          []WarningGroup `json:"warnings"`
	ConfirmationToken *string        `json:"confirmation_token"`
}

// View renders the assessment into its wire shape: warnings grouped by kind
// in ascending id order, instances ordered by revision id.
func (a *Assessment) View() View {
	byID := map[int][]Warning{}
	for _, w := range a.Warnings {
		byID[w.ID] = append(byID[w.ID], w)
	}
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	groups := make([]WarningGroup, 0, len(ids))
	for _, id := range ids {
		ws := byID[id]
		sort.Slice(ws, func(i, j int) bool {
			if ws[i].RevisionID != ws[j].RevisionID {
				return ws[i].RevisionID < ws[j].RevisionID
			}
			return ws[i].Details < ws[j].Details
		})
		group := WarningGroup{
			ID:          id,
			Display:     warningKinds[id].display,
			Articulated: warningKinds[id].articulated,
			Instances:   make([]WarningInstance, len(ws)),
		}
		for i, w := range ws {
			group.Instances[i] = WarningInstance{
				RevisionID:  fmt.Sprintf("D%d", w.RevisionID),
				Details:     w.Details,
				Articulated: w.Articulated(),
			}
		}
		groups = append(groups, group)
	}

	return View{
		Blocker:           a.Blocker,
		Warnings:          groups,
		ConfirmationToken: a.ConfirmationToken(),
	}
}
