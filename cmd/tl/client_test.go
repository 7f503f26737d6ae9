package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseLandingPath(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []pathEntryPayload
		wantErr bool
	}{
		{
			name: "single entry",
			args: []string{"D123:456"},
			want: []pathEntryPayload{{RevisionID: "D123", DiffID: 456}},
		},
		{
			name: "stack",
			args: []string{"D1:10", "D2:20"},
			want: []pathEntryPayload{{RevisionID: "D1", DiffID: 10}, {RevisionID: "D2", DiffID: 20}},
		},
		{name: "missing diff", args: []string{"D12"}, wantErr: true},
		{name: "missing prefix", args: []string{"123:4"}, wantErr: true},
		{name: "zero revision", args: []string{"D0:1"}, wantErr: true},
		{name: "zero diff", args: []string{"D1:0"}, wantErr: true},
		{name: "garbage diff", args: []string{"D1:x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLandingPath(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseLandingPath(%v) succeeded, want error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLandingPath(%v) failed: %v", tt.args, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAPIClientSendsIdentityHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"blocker":null,"warnings":[],"confirmation_token":null}`))
	}))
	defer ts.Close()

	client := &apiClient{base: ts.URL, email: "dev@example.com", groups: "scm_level_3", http: ts.Client()}
	view, err := client.DryRun(context.Background(), []pathEntryPayload{{RevisionID: "D1", DiffID: 10}})
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if view.Blocker != nil {
		t.Errorf("Blocker = %v, want nil", *view.Blocker)
	}

	if got.Get("X-Treeline-Email") != "dev@example.com" {
		t.Errorf("X-Treeline-Email = %q", got.Get("X-Treeline-Email"))
	}
	if got.Get("X-Treeline-Groups") != "scm_level_3" {
		t.Errorf("X-Treeline-Groups = %q", got.Get("X-Treeline-Groups"))
	}
	if got.Get("X-Treeline-Client") != Version {
		t.Errorf("X-Treeline-Client = %q, want %q", got.Get("X-Treeline-Client"), Version)
	}
	if got.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", got.Get("Content-Type"))
	}
}

func TestAPIClientDecodesProblems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{
			"title": "Unacknowledged Warnings",
			"detail": "The landing has unacknowledged warnings.",
			"status": 400,
			"assessment": {"blocker": null, "warnings": [{"id": 0, "display": "warning", "articulated": true, "instances": []}], "confirmation_token": "abc"}
		}`))
	}))
	defer ts.Close()

	client := &apiClient{base: ts.URL, http: ts.Client()}
	_, err := client.Submit(context.Background(), []pathEntryPayload{{RevisionID: "D1", DiffID: 10}}, "")
	if err == nil {
		t.Fatal("Submit succeeded, want problem error")
	}

	var p *problem
	if !errors.As(err, &p) {
		t.Fatalf("error %T is not a *problem", err)
	}
	if p.Title != "Unacknowledged Warnings" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", p.Status)
	}
	if p.Assessment == nil || len(p.Assessment.Warnings) != 1 {
		t.Errorf("Assessment = %+v, want one warning group", p.Assessment)
	}
}

func TestAPIClientUnparsableError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer ts.Close()

	client := &apiClient{base: ts.URL, http: ts.Client()}
	_, err := client.GetJob(context.Background(), 42)

	var p *problem
	if !errors.As(err, &p) {
		t.Fatalf("error %T is not a *problem", err)
	}
	if p.Title != "HTTP 502" || p.Status != http.StatusBadGateway {
		t.Errorf("problem = %+v", p)
	}
}

func TestParseSince(t *testing.T) {
	t.Run("date", func(t *testing.T) {
		got, err := parseSince("2024-05-01")
		if err != nil {
			t.Fatalf("parseSince failed: %v", err)
		}
		want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.Local)
		if !got.Equal(want) {
			t.Errorf("parseSince = %v, want %v", got, want)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseSince("2024-05-01T12:30:00Z")
		if err != nil {
			t.Fatalf("parseSince failed: %v", err)
		}
		if got.UTC().Hour() != 12 {
			t.Errorf("parseSince = %v", got)
		}
	})

	t.Run("natural language", func(t *testing.T) {
		got, err := parseSince("yesterday")
		if err != nil {
			t.Fatalf("parseSince failed: %v", err)
		}
		if !got.Before(time.Now()) {
			t.Errorf("yesterday parsed as %v, want a past time", got)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := parseSince("not a time at all zzz"); err == nil {
			t.Error("parseSince succeeded on garbage input")
		}
	})
}
