package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake Mantis ---

type fakeMantis struct {
	projects []MantisProject
	issues   map[int64][]MantisIssue // by project id

	mu       sync.Mutex
	authSeen []string
	requests []string
}

func (f *fakeMantis) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
	f.requests = append(f.requests, r.URL.RequestURI())
	f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/rest/")
	switch {
	case path == "projects":
		json.NewEncoder(w).Encode(MantisProjectsResponse{Projects: f.projects})

	case path == "issues":
		pid, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
		all := f.issues[pid]
		start := min((page-1)*size, len(all))
		end := min(start+size, len(all))
		json.NewEncoder(w).Encode(MantisIssuesResponse{Issues: all[start:end]})

	case strings.HasPrefix(path, "issues/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(path, "issues/"), 10, 64)
		for _, list := range f.issues {
			for _, issue := range list {
				if issue.ID == id {
					json.NewEncoder(w).Encode(MantisIssuesResponse{Issues: []MantisIssue{issue}})
					return
				}
			}
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Issue #` + strconv.FormatInt(id, 10) + ` not found"}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func issue(id int64, version string, customFields map[string]string) MantisIssue {
	i := MantisIssue{
		ID:             id,
		Summary:        "bug " + strconv.FormatInt(id, 10),
		Project:        &mantisRef{ID: 12, Name: "FC60X0_PARROT"},
		Status:         &mantisRef{ID: 80, Name: "resolved", Label: "Resolved"},
		Resolution:     &mantisRef{ID: 20, Name: "fixed"},
		Version:        &mantisRef{Name: version},
		FixedInVersion: &mantisRef{Name: "03.72.02"},
	}
	for name, value := range customFields {
		cf := mantisCustomField{Value: value}
		cf.Field.Name = name
		i.CustomFields = append(i.CustomFields, cf)
	}
	return i
}

func parrotMantis() *fakeMantis {
	return &fakeMantis{
		projects: []MantisProject{
			{ID: 1, Name: "Other"},
			{ID: 12, Name: "FC60X0_PARROT", SubProjects: []MantisProject{
				{ID: 13, Name: "FC60X0_PARROT_AUDIO", SubProjects: []MantisProject{{ID: 14, Name: "FC60X0_PARROT_A2DP"}}},
			}},
		},
		issues: map[int64][]MantisIssue{
			12: {
				issue(193286, "nightly_build", map[string]string{"Analysis Comments": "scripts/rob_send_command_at_boot.py"}),
				issue(193000, "03.70.00", nil),
				issue(192999, "nightly_build", nil),
			},
			13: {issue(191266, "nightly_build", map[string]string{"Analysis Comments": "cmd_DLPE_(iPod_iAP2).py"})},
			14: {issue(190500, "nightly_build", nil), issue(193286, "nightly_build", nil)},
		},
	}
}

func newTestMantisClient(url string) *MantisClient {
	c := newMantisClient(MantisConfig{URL: url + "/", Token: "api-token"})
	c.InitialBackoff = time.Millisecond
	return c
}

// --- Flattening ---

func TestMantisIssueFields(t *testing.T) {
	i := issue(193286, "nightly_build", map[string]string{
		"Analysis Comments": "boot.py",
		" Root-Cause (HW) ": "antenna",
	})
	i.Handler = &mantisUser{Name: "jdoe"}

	fields := i.Fields()
	assert.Equal(t, "193286", fields["id"])
	assert.Equal(t, "bug 193286", fields["summary"])
	assert.Equal(t, "resolved", fields["status"])
	assert.Equal(t, "fixed", fields["resolution"])
	assert.Equal(t, "FC60X0_PARROT", fields["project"])
	assert.Equal(t, "nightly_build", fields["version"])
	assert.Equal(t, "03.72.02", fields["fixed_in_version"])
	assert.Equal(t, "jdoe", fields["handler"])
	assert.Equal(t, "", fields["reporter"])
	assert.Equal(t, "", fields["target_version"])
	assert.Equal(t, "boot.py", fields["analysis_comments"])
	assert.Equal(t, "antenna", fields["root_cause_hw"])
}

func TestMantisIssueParsing(t *testing.T) {
	raw := `{"issues":[{
		"id": 193286,
		"summary": "Command lost at boot",
		"project": {"id": 12, "name": "FC60X0_PARROT"},
		"status": {"id": 80, "name": "resolved", "label": "resolved", "color": "#d2f5b0"},
		"resolution": {"id": 20, "name": "fixed", "label": "fixed"},
		"version": {"id": 7, "name": "nightly_build"},
		"reporter": {"id": 3, "name": "qa-bot", "real_name": "QA Bot"},
		"custom_fields": [{"field": {"id": 5, "name": "Analysis Comments"}, "value": "a.py, b.py"}],
		"created_at": "2024-03-01T10:00:00+01:00"
	}]}`

	var resp MantisIssuesResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	require.Len(t, resp.Issues, 1)

	fields := resp.Issues[0].Fields()
	assert.Equal(t, "Command lost at boot", fields["summary"])
	assert.Equal(t, "qa-bot", fields["reporter"])
	assert.Equal(t, "a.py, b.py", fields["analysis_comments"])
	assert.Equal(t, "2024-03-01T10:00:00+01:00", fields["created_at"])
}

// --- Client ---

func TestMantisClient_ProjectID(t *testing.T) {
	server := httptest.NewServer(parrotMantis())
	defer server.Close()
	client := newTestMantisClient(server.URL)

	id, err := client.ProjectID(context.Background(), "FC60X0_PARROT")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	id, err = client.ProjectID(context.Background(), "FC60X0_PARROT_A2DP")
	require.NoError(t, err)
	assert.Equal(t, int64(14), id)

	_, err = client.ProjectID(context.Background(), "NOPE")
	assert.True(t, errors.Is(err, errProjectNotFound), "err = %v", err)
}

func TestMantisClient_ListBugIDs(t *testing.T) {
	fake := parrotMantis()
	server := httptest.NewServer(fake)
	defer server.Close()
	client := newTestMantisClient(server.URL)
	client.PageSize = 2

	ids, err := client.ListBugIDs(context.Background(), 12, true, map[string]string{"version": "nightly_build"})
	require.NoError(t, err)
	assert.Equal(t, []int64{193286, 192999, 191266, 190500}, ids)

	// Project 12 holds three issues, so with a page size of 2 it takes two pages.
	assert.Contains(t, fake.requests, "/api/rest/issues?page=2&page_size=2&project_id=12")
	for _, auth := range fake.authSeen {
		assert.Equal(t, "api-token", auth)
	}
}

func TestMantisClient_ListBugIDs_WithoutSubprojects(t *testing.T) {
	server := httptest.NewServer(parrotMantis())
	defer server.Close()
	client := newTestMantisClient(server.URL)

	ids, err := client.ListBugIDs(context.Background(), 12, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{193286, 193000, 192999}, ids)
}

func TestMantisClient_BugFields(t *testing.T) {
	server := httptest.NewServer(parrotMantis())
	defer server.Close()
	client := newTestMantisClient(server.URL)

	fields, err := client.BugFields(context.Background(), 191266)
	require.NoError(t, err)
	assert.Equal(t, "cmd_DLPE_(iPod_iAP2).py", fields["analysis_comments"])

	_, err = client.BugFields(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestMantisClient_BasicAuthWithoutToken(t *testing.T) {
	var user, pass string
	var ok bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.Write([]byte(`{"projects":[]}`))
	}))
	defer server.Close()

	client := newMantisClient(MantisConfig{URL: server.URL, Login: "qa-bot", Password: "hunter2"})
	_, err := client.ProjectID(context.Background(), "X")
	require.ErrorIs(t, err, errProjectNotFound)
	assert.True(t, ok)
	assert.Equal(t, "qa-bot", user)
	assert.Equal(t, "hunter2", pass)
}

// --- doWithRetry ---

func TestDoWithRetry_429ThenSuccess(t *testing.T) {
	attempt := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt == 0 {
			attempt++
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestMantisClient(server.URL)
	req, _ := http.NewRequestWithContext(context.Background(), "GET", server.URL, nil)
	resp, err := client.doWithRetry(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, attempt, "should have retried once")
}

func TestDoWithRetry_GivesUpOnPersistent5xx(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestMantisClient(server.URL)
	req, _ := http.NewRequestWithContext(context.Background(), "GET", server.URL, nil)
	resp, err := client.doWithRetry(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, maxRetries+1, callCount)
}

func TestDoWithRetry_4xxNoRetry(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"API token not found"}`))
	}))
	defer server.Close()

	client := newTestMantisClient(server.URL)
	_, err := client.ProjectID(context.Background(), "FC60X0_PARROT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "API token not found")
	assert.Equal(t, 1, callCount, "4xx should not retry")
}

func TestDoWithRetry_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestMantisClient(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL, nil)
	_, err := client.doWithRetry(req)
	assert.Error(t, err)
}
