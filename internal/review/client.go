package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/untoldecay/treeline/internal/cache"
)

// ErrNotFound is returned when a requested object does not exist on the
// review service (or is hidden from the API token's view).
var ErrNotFound = errors.New("object not found on review service")

// CommunicationError wraps transport and protocol failures talking to the
// review service. The API layer maps these to 502 responses.
type CommunicationError struct {
	Method string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("review service call %s failed: %v", e.Method, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// Service is the review-service surface the landing pipeline consumes. The
// HTTP Client implements it for production; Fake implements it for tests.
type Service interface {
	// RevisionByID fetches one revision by its integer id ("D123" -> 123).
	RevisionByID(ctx context.Context, id int) (*Revision, error)
	// Revisions fetches a batch of revisions by PHID.
	Revisions(ctx context.Context, phids []PHID) ([]*Revision, error)
	// StackEdges returns the parent and child edges touching the given
	// revisions. Callers walk the frontier to closure themselves.
	StackEdges(ctx context.Context, phids []PHID) ([]Edge, error)
	// Diffs fetches a batch of diffs by PHID.
	Diffs(ctx context.Context, phids []PHID) ([]*Diff, error)
	// RawDiff downloads the unified diff text of one diff.
	RawDiff(ctx context.Context, diffID int) ([]byte, error)
	// Repositories fetches repository records by PHID.
	Repositories(ctx context.Context, phids []PHID) ([]*Repository, error)
	// Users fetches user records by PHID.
	Users(ctx context.Context, phids []PHID) ([]*User, error)
	// ProjectPHID resolves a project slug to its PHID.
	ProjectPHID(ctx context.Context, slug string) (PHID, error)
	// Transactions lists the timeline of one revision.
	Transactions(ctx context.Context, objectPHID PHID) ([]*Transaction, error)
	// RemoveProject detaches a project tag from a revision.
	RemoveProject(ctx context.Context, revisionPHID, projectPHID PHID) error
	// Healthy probes the service.
	Healthy(ctx context.Context) error
}

// Client talks to the review service over its conduit HTTP API. Calls run
// through a circuit breaker so a dead review service degrades to fast
// failures instead of piling up blocked handlers.
type Client struct {
	baseURL  string
	token    string
	httpc    *http.Client
	breaker  *gobreaker.CircuitBreaker
	projects cache.Cache
}

// projectCacheTTL bounds how stale a slug->PHID mapping may get. Project
// PHIDs effectively never change, the TTL just lets a mistaken entry age out.
const projectCacheTTL = 24 * time.Hour

// NewClient builds a review-service client. projects caches slug->PHID
// lookups; pass cache.Noop{} to disable.
func NewClient(baseURL, token string, timeout time.Duration, projects cache.Cache) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "review",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		projects: projects,
	}
}

// call performs one conduit method call. params must be JSON-encodable; the
// API token is injected under the __conduit__ key. A nil result discards the
// response payload.
func (c *Client) call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["__conduit__"] = map[string]string{"token": c.token}
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	form := url.Values{}
	form.Set("params", string(encoded))
	form.Set("output", "json")

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+method, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}

		var envelope struct {
			Result    json.RawMessage `json:"result"`
			ErrorCode string          `json:"error_code"`
			ErrorInfo string          `json:"error_info"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if envelope.ErrorCode != "" {
			return nil, fmt.Errorf("%s: %s", envelope.ErrorCode, envelope.ErrorInfo)
		}
		return envelope.Result, nil
	})
	if err != nil {
		return &CommunicationError{Method: method, Err: err}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw.(json.RawMessage), result); err != nil {
		return &CommunicationError{Method: method, Err: fmt.Errorf("failed to decode result: %w", err)}
	}
	return nil
}

// search drives a paginated *.search method, invoking each for every item.
func (c *Client) search(ctx context.Context, method string, params map[string]interface{}, each func(json.RawMessage) error) error {
	after := ""
	for {
		page := map[string]interface{}{}
		for k, v := range params {
			page[k] = v
		}
		if after != "" {
			page["after"] = after
		}

		var result struct {
			Data   []json.RawMessage `json:"data"`
			Cursor struct {
				After string `json:"after"`
			} `json:"cursor"`
		}
		if err := c.call(ctx, method, page, &result); err != nil {
			return err
		}
		for _, item := range result.Data {
			if err := each(item); err != nil {
				return err
			}
		}
		if result.Cursor.After == "" {
			return nil
		}
		after = result.Cursor.After
	}
}

type revisionItem struct {
	ID     int  `json:"id"`
	PHID   PHID `json:"phid"`
	Fields struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
		Status  struct {
			Value string `json:"value"`
		} `json:"status"`
		BugID          string `json:"bugzilla.bug-id"`
		AuthorPHID     PHID   `json:"authorPHID"`
		RepositoryPHID PHID   `json:"repositoryPHID"`
		DiffPHID       PHID   `json:"diffPHID"`
	} `json:"fields"`
	Attachments struct {
		Projects struct {
			ProjectPHIDs []PHID `json:"projectPHIDs"`
		} `json:"projects"`
		Reviewers struct {
			Reviewers []struct {
				ReviewerPHID PHID   `json:"reviewerPHID"`
				Status       string `json:"status"`
				IsBlocking   bool   `json:"isBlocking"`
				VoidedPHID   PHID   `json:"voidedPHID"`
			} `json:"reviewers"`
		} `json:"reviewers"`
	} `json:"attachments"`
}

func (item *revisionItem) revision() *Revision {
	rev := &Revision{
		ID:             item.ID,
		PHID:           item.PHID,
		Title:          item.Fields.Title,
		Summary:        item.Fields.Summary,
		Status:         RevisionStatus(item.Fields.Status.Value),
		AuthorPHID:     item.Fields.AuthorPHID,
		RepositoryPHID: item.Fields.RepositoryPHID,
		DiffPHID:       item.Fields.DiffPHID,
		ProjectPHIDs:   item.Attachments.Projects.ProjectPHIDs,
	}
	// The bug id field is free-form text on the review side; anything that
	// is not a plain integer counts as no bug.
	if n, err := strconv.Atoi(strings.TrimSpace(item.Fields.BugID)); err == nil {
		rev.BugID = n
	}
	for _, r := range item.Attachments.Reviewers.Reviewers {
		rev.Reviewers = append(rev.Reviewers, Reviewer{
			PHID:       r.ReviewerPHID,
			Status:     r.Status,
			IsBlocking: r.IsBlocking,
			Voided:     r.VoidedPHID != "",
		})
	}
	return rev
}

// revisionSearch shares the constraint plumbing between the id and PHID
// lookups.
func (c *Client) revisionSearch(ctx context.Context, constraints map[string]interface{}) ([]*Revision, error) {
	params := map[string]interface{}{
		"constraints": constraints,
		"attachments": map[string]bool{"projects": true, "reviewers": true},
	}
	var revisions []*Revision
	err := c.search(ctx, "differential.revision.search", params, func(raw json.RawMessage) error {
		var item revisionItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "differential.revision.search", Err: err}
		}
		revisions = append(revisions, item.revision())
		return nil
	})
	return revisions, err
}

func (c *Client) RevisionByID(ctx context.Context, id int) (*Revision, error) {
	revisions, err := c.revisionSearch(ctx, map[string]interface{}{"ids": []int{id}})
	if err != nil {
		return nil, err
	}
	if len(revisions) == 0 {
		return nil, fmt.Errorf("revision D%d: %w", id, ErrNotFound)
	}
	return revisions[0], nil
}

func (c *Client) Revisions(ctx context.Context, phids []PHID) ([]*Revision, error) {
	if len(phids) == 0 {
		return nil, nil
	}
	return c.revisionSearch(ctx, map[string]interface{}{"phids": phids})
}

func (c *Client) StackEdges(ctx context.Context, phids []PHID) ([]Edge, error) {
	if len(phids) == 0 {
		return nil, nil
	}
	params := map[string]interface{}{
		"sourcePHIDs": phids,
		"types":       []string{EdgeParent, EdgeChild},
	}
	var edges []Edge
	err := c.search(ctx, "edge.search", params, func(raw json.RawMessage) error {
		var item struct {
			SourcePHID      PHID   `json:"sourcePHID"`
			EdgeType        string `json:"edgeType"`
			DestinationPHID PHID   `json:"destinationPHID"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "edge.search", Err: err}
		}
		edges = append(edges, Edge{Source: item.SourcePHID, Type: item.EdgeType, Target: item.DestinationPHID})
		return nil
	})
	return edges, err
}

func (c *Client) Diffs(ctx context.Context, phids []PHID) ([]*Diff, error) {
	if len(phids) == 0 {
		return nil, nil
	}
	params := map[string]interface{}{
		"constraints": map[string]interface{}{"phids": phids},
		"attachments": map[string]bool{"commits": true},
	}
	var diffs []*Diff
	err := c.search(ctx, "differential.diff.search", params, func(raw json.RawMessage) error {
		var item struct {
			ID     int  `json:"id"`
			PHID   PHID `json:"phid"`
			Fields struct {
				RevisionPHID PHID  `json:"revisionPHID"`
				DateCreated  int64 `json:"dateCreated"`
				Refs         []struct {
					Type       string `json:"type"`
					Identifier string `json:"identifier"`
				} `json:"refs"`
			} `json:"fields"`
			Attachments struct {
				Commits struct {
					Commits []struct {
						Identifier string `json:"identifier"`
						Author     struct {
							Name  string `json:"name"`
							Email string `json:"email"`
						} `json:"author"`
					} `json:"commits"`
				} `json:"commits"`
			} `json:"attachments"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "differential.diff.search", Err: err}
		}

		diff := &Diff{
			ID:           item.ID,
			PHID:         item.PHID,
			RevisionPHID: item.Fields.RevisionPHID,
			DateCreated:  time.Unix(item.Fields.DateCreated, 0).UTC(),
		}
		for _, ref := range item.Fields.Refs {
			if ref.Type == "base" {
				diff.BaseCommitHash = ref.Identifier
			}
		}
		for _, commit := range item.Attachments.Commits.Commits {
			diff.Commits = append(diff.Commits, Commit{
				Identifier:  commit.Identifier,
				AuthorName:  commit.Author.Name,
				AuthorEmail: commit.Author.Email,
			})
		}
		if len(diff.Commits) > 0 {
			diff.AuthorName = diff.Commits[0].AuthorName
			diff.AuthorEmail = diff.Commits[0].AuthorEmail
		}
		diffs = append(diffs, diff)
		return nil
	})
	return diffs, err
}

func (c *Client) RawDiff(ctx context.Context, diffID int) ([]byte, error) {
	var text string
	if err := c.call(ctx, "differential.getrawdiff", map[string]interface{}{"diffID": diffID}, &text); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("diff %d: %w", diffID, ErrNotFound)
	}
	return []byte(text), nil
}

func (c *Client) Repositories(ctx context.Context, phids []PHID) ([]*Repository, error) {
	if len(phids) == 0 {
		return nil, nil
	}
	params := map[string]interface{}{
		"constraints": map[string]interface{}{"phids": phids},
	}
	var repositories []*Repository
	err := c.search(ctx, "diffusion.repository.search", params, func(raw json.RawMessage) error {
		var item struct {
			PHID   PHID `json:"phid"`
			Fields struct {
				Name      string `json:"name"`
				ShortName string `json:"shortName"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "diffusion.repository.search", Err: err}
		}
		repositories = append(repositories, &Repository{
			PHID:      item.PHID,
			Name:      item.Fields.Name,
			ShortName: item.Fields.ShortName,
		})
		return nil
	})
	return repositories, err
}

func (c *Client) Users(ctx context.Context, phids []PHID) ([]*User, error) {
	if len(phids) == 0 {
		return nil, nil
	}
	params := map[string]interface{}{
		"constraints": map[string]interface{}{"phids": phids},
	}
	var users []*User
	err := c.search(ctx, "user.search", params, func(raw json.RawMessage) error {
		var item struct {
			PHID   PHID `json:"phid"`
			Fields struct {
				UserName string `json:"username"`
				RealName string `json:"realName"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "user.search", Err: err}
		}
		users = append(users, &User{PHID: item.PHID, UserName: item.Fields.UserName, RealName: item.Fields.RealName})
		return nil
	})
	return users, err
}

func (c *Client) ProjectPHID(ctx context.Context, slug string) (PHID, error) {
	cacheKey := "project:" + slug
	if cached, ok := c.projects.Get(ctx, cacheKey); ok {
		return PHID(cached), nil
	}

	params := map[string]interface{}{
		"constraints": map[string]interface{}{"slugs": []string{slug}},
	}
	var phid PHID
	err := c.search(ctx, "project.search", params, func(raw json.RawMessage) error {
		var item struct {
			PHID PHID `json:"phid"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "project.search", Err: err}
		}
		if phid == "" {
			phid = item.PHID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if phid == "" {
		return "", fmt.Errorf("project %q: %w", slug, ErrNotFound)
	}
	c.projects.Set(ctx, cacheKey, string(phid), projectCacheTTL)
	return phid, nil
}

func (c *Client) Transactions(ctx context.Context, objectPHID PHID) ([]*Transaction, error) {
	params := map[string]interface{}{
		"objectIdentifier": string(objectPHID),
	}
	var transactions []*Transaction
	err := c.search(ctx, "transaction.search", params, func(raw json.RawMessage) error {
		var item struct {
			ID     int    `json:"id"`
			PHID   PHID   `json:"phid"`
			Type   string `json:"type"`
			Fields struct {
				IsDone bool `json:"isDone"`
			} `json:"fields"`
			Comments []struct {
				Removed bool `json:"removed"`
				Content struct {
					Raw string `json:"raw"`
				} `json:"content"`
			} `json:"comments"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return &CommunicationError{Method: "transaction.search", Err: err}
		}
		txn := &Transaction{ID: item.ID, PHID: item.PHID, Type: item.Type, IsDone: item.Fields.IsDone}
		for _, comment := range item.Comments {
			if !comment.Removed {
				txn.Comments = append(txn.Comments, comment.Content.Raw)
			}
		}
		transactions = append(transactions, txn)
		return nil
	})
	return transactions, err
}

func (c *Client) RemoveProject(ctx context.Context, revisionPHID, projectPHID PHID) error {
	params := map[string]interface{}{
		"objectIdentifier": string(revisionPHID),
		"transactions": []map[string]interface{}{
			{"type": "projects.remove", "value": []PHID{projectPHID}},
		},
	}
	return c.call(ctx, "differential.revision.edit", params, nil)
}

// Healthy pings the service. Used by the API health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	var host string
	return c.call(ctx, "conduit.ping", nil, &host)
}
