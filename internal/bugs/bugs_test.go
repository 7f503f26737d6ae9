package bugs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/repos"
)

// trackerStub is an httptest bug tracker: GET serves canned records, PUT
// records the submitted changes.
type trackerStub struct {
	t *testing.T

	mu       sync.Mutex
	bugs     map[int]string
	updates  map[int][]map[string]any
	putFails int // consume this many PUTs with a 503 before accepting
	gotKey   string
}

func newTrackerStub(t *testing.T) (*trackerStub, *Client) {
	t.Helper()
	stub := &trackerStub{t: t, bugs: map[int]string{}, updates: map[int][]map[string]any{}}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, NewClient(srv.URL, "test-key")
}

func (s *trackerStub) addBug(id int, record string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bugs[id] = record
}

func (s *trackerStub) updatesFor(id int) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[id]
}

func (s *trackerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotKey = r.Header.Get("X-BUGZILLA-API-KEY")

	var id int
	if _, err := fmt.Sscanf(r.URL.Path, "/rest/bug/%d", &id); err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, ok := s.bugs[id]
		if !ok {
			fmt.Fprint(w, `{"bugs":[]}`)
			return
		}
		fmt.Fprintf(w, `{"bugs":[%s]}`, record)
	case http.MethodPut:
		if s.putFails > 0 {
			s.putFails--
			http.Error(w, "shed", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var changes map[string]any
		if err := json.Unmarshal(body, &changes); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		s.updates[id] = append(s.updates[id], changes)
		fmt.Fprint(w, `{"bugs":[{"changes":{}}]}`)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func TestBugParsesStatusFlags(t *testing.T) {
	stub, client := newTrackerStub(t)
	stub.addBug(1234, `{
		"id": 1234,
		"keywords": ["regression", "leave-open"],
		"whiteboard": "[checkin-needed-beta]",
		"cf_status_firefox111": "fixed",
		"cf_status_firefox112": "affected",
		"cf_tracking_firefox112": "+",
		"summary": "irrelevant"
	}`)

	bug, err := client.Bug(context.Background(), 1234)
	if err != nil {
		t.Fatalf("Bug failed: %v", err)
	}

	want := &Bug{
		ID:         1234,
		Keywords:   []string{"regression", "leave-open"},
		Whiteboard: "[checkin-needed-beta]",
		StatusFlags: map[string]string{
			"cf_status_firefox111": "fixed",
			"cf_status_firefox112": "affected",
		},
	}
	if diff := cmp.Diff(want, bug); diff != "" {
		t.Errorf("Bug mismatch (-want +got):\n%s", diff)
	}
	if !bug.HasKeyword("Leave-Open") {
		t.Error("HasKeyword should match case-insensitively")
	}
	if stub.gotKey != "test-key" {
		t.Errorf("API key header = %q, want test-key", stub.gotKey)
	}
}

func TestBugNotFound(t *testing.T) {
	_, client := newTrackerStub(t)
	if _, err := client.Bug(context.Background(), 404404); err == nil {
		t.Fatal("expected an error for an unknown bug")
	}
}

func TestUpdateRetriesTransientFailures(t *testing.T) {
	stub, client := newTrackerStub(t)
	stub.mu.Lock()
	stub.putFails = 2
	stub.mu.Unlock()

	err := client.Update(context.Background(), 55, map[string]any{"whiteboard": ""})
	if err != nil {
		t.Fatalf("Update failed after retries: %v", err)
	}
	if got := stub.updatesFor(55); len(got) != 1 {
		t.Fatalf("recorded %d updates, want 1", len(got))
	}
}

func TestUpdateFailsFastOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such field", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	err := client.Update(context.Background(), 55, map[string]any{"bogus": true})
	if err == nil {
		t.Fatal("expected an error from a 400 response")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestMajorVersion(t *testing.T) {
	tests := []struct {
		milestone string
		want      int
		wantErr   bool
	}{
		{"112.0a1\n", 112, false},
		{"89.0.1", 89, false},
		{"  120.0\n", 120, false},
		{"nightly", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := MajorVersion([]byte(tt.milestone))
		if tt.wantErr {
			if err == nil {
				t.Errorf("MajorVersion(%q) succeeded, want error", tt.milestone)
			}
			continue
		}
		if err != nil {
			t.Errorf("MajorVersion(%q) failed: %v", tt.milestone, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MajorVersion(%q) = %d, want %d", tt.milestone, got, tt.want)
		}
	}
}

func TestConfirmUplift(t *testing.T) {
	stub, client := newTrackerStub(t)
	// Affected on 112 with a checkin tag: both fields update.
	stub.addBug(100, `{
		"id": 100,
		"keywords": [],
		"whiteboard": "[checkin-needed-beta][other]",
		"cf_status_firefox112": "affected"
	}`)
	// leave-open: the tag clears but the status flag stays.
	stub.addBug(200, `{
		"id": 200,
		"keywords": ["leave-open"],
		"whiteboard": "[checkin-needed-beta]",
		"cf_status_firefox112": "affected"
	}`)
	// Already fixed and untagged: nothing to update, no PUT at all.
	stub.addBug(300, `{
		"id": 300,
		"keywords": [],
		"whiteboard": "",
		"cf_status_firefox112": "fixed"
	}`)

	updater := &Updater{Client: client, Log: zap.NewNop()}
	repo := repos.Repo{Name: "mozilla-beta", ShortName: "beta"}
	titles := []string{
		"Bug 100 - fix the frobnicator r=reviewer",
		"Bug 200, bug 300 - shared cleanup",
	}

	err := updater.ConfirmUplift(context.Background(), repo, []byte("112.0a1\n"), titles)
	if err != nil {
		t.Fatalf("ConfirmUplift failed: %v", err)
	}

	got100 := stub.updatesFor(100)
	if len(got100) != 1 {
		t.Fatalf("bug 100 got %d updates, want 1", len(got100))
	}
	want100 := map[string]any{
		"cf_status_firefox112": "fixed",
		"whiteboard":           "[other]",
	}
	if diff := cmp.Diff(want100, got100[0]); diff != "" {
		t.Errorf("bug 100 update mismatch (-want +got):\n%s", diff)
	}

	got200 := stub.updatesFor(200)
	if len(got200) != 1 {
		t.Fatalf("bug 200 got %d updates, want 1", len(got200))
	}
	if _, ok := got200[0]["cf_status_firefox112"]; ok {
		t.Error("bug 200 status flag updated despite leave-open")
	}
	if got200[0]["whiteboard"] != "" {
		t.Errorf("bug 200 whiteboard = %v, want cleared tag", got200[0]["whiteboard"])
	}

	if got := stub.updatesFor(300); len(got) != 0 {
		t.Errorf("bug 300 got %d updates, want none", len(got))
	}
}

func TestConfirmUpliftBadMilestone(t *testing.T) {
	_, client := newTrackerStub(t)
	updater := &Updater{Client: client, Log: zap.NewNop()}
	err := updater.ConfirmUplift(context.Background(), repos.Repo{Name: "beta"}, []byte("not a version"), []string{"Bug 1 - x"})
	if err == nil {
		t.Fatal("expected an error for an unparseable milestone")
	}
}
