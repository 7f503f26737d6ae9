// Package treestatus queries the tree-status service for the open/closed
// state of an integration tree.
package treestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	StatusOpen             = "open"
	StatusClosed           = "closed"
	StatusApprovalRequired = "approval required"
)

// Tree is the service's view of one integration tree.
type Tree struct {
	Tree   string `json:"tree"`
	Status string `json:"status"`
	Reason string `json:"reason"`
	MOTD   string `json:"message_of_the_day"`
}

// IsOpen reports whether landings may proceed on the tree. Approval-required
// trees accept landings; the approval is checked per revision, not here.
func (t Tree) IsOpen() bool {
	return t.Status == StatusOpen || t.Status == StatusApprovalRequired
}

// Checker is the surface the worker and the assessment engine need.
type Checker interface {
	Tree(ctx context.Context, name string) (Tree, error)
}

// Client talks to a tree-status service over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Tree fetches the current state of one tree. A tree unknown to the service
// is treated as open so unconfigured trees never wedge the queue.
func (c *Client) Tree(ctx context.Context, name string) (Tree, error) {
	u := fmt.Sprintf("%s/trees/%s", c.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Tree{}, fmt.Errorf("failed to build tree status request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Tree{}, fmt.Errorf("failed to fetch tree status for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Tree{Tree: name, Status: StatusOpen}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Tree{}, fmt.Errorf("tree status for %s returned %s", name, resp.Status)
	}

	var payload struct {
		Result Tree `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Tree{}, fmt.Errorf("failed to decode tree status for %s: %w", name, err)
	}
	if payload.Result.Tree == "" {
		payload.Result.Tree = name
	}
	return payload.Result, nil
}

// Stub is a static Checker for tests and for deployments without a
// tree-status service: every tree it does not know is open.
type Stub struct {
	Trees map[string]Tree
}

func (s Stub) Tree(ctx context.Context, name string) (Tree, error) {
	if t, ok := s.Trees[name]; ok {
		return t, nil
	}
	return Tree{Tree: name, Status: StatusOpen}, nil
}
