package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
)

// --- API Response Types ---

type mantisRef struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

type mantisUser struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
}

type mantisCustomField struct {
	Field struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"field"`
	Value string `json:"value"`
}

type MantisIssue struct {
	ID                    int64               `json:"id"`
	Summary               string              `json:"summary"`
	Description           string              `json:"description"`
	StepsToReproduce      string              `json:"steps_to_reproduce"`
	AdditionalInformation string              `json:"additional_information"`
	Project               *mantisRef          `json:"project"`
	Category              *mantisRef          `json:"category"`
	Reporter              *mantisUser         `json:"reporter"`
	Handler               *mantisUser         `json:"handler"`
	Status                *mantisRef          `json:"status"`
	Resolution            *mantisRef          `json:"resolution"`
	Priority              *mantisRef          `json:"priority"`
	Severity              *mantisRef          `json:"severity"`
	Reproducibility       *mantisRef          `json:"reproducibility"`
	Version               *mantisRef          `json:"version"`
	FixedInVersion        *mantisRef          `json:"fixed_in_version"`
	TargetVersion         *mantisRef          `json:"target_version"`
	Build                 string              `json:"build"`
	Platform              string              `json:"platform"`
	OS                    string              `json:"os"`
	OSBuild               string              `json:"os_build"`
	CreatedAt             string              `json:"created_at"`
	UpdatedAt             string              `json:"updated_at"`
	CustomFields          []mantisCustomField `json:"custom_fields"`
}

type MantisIssuesResponse struct {
	Issues []MantisIssue `json:"issues"`
}

type MantisProject struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	SubProjects []MantisProject `json:"subProjects"`
}

type MantisProjectsResponse struct {
	Projects []MantisProject `json:"projects"`
}

// Fields flattens the issue into the name → value map the sync works with.
// Object fields contribute their name; custom fields are keyed by their
// snake_cased name, so "Analysis Comments" becomes analysis_comments.
func (i MantisIssue) Fields() map[string]string {
	fields := map[string]string{
		"id":                     strconv.FormatInt(i.ID, 10),
		"summary":                i.Summary,
		"description":            i.Description,
		"steps_to_reproduce":     i.StepsToReproduce,
		"additional_information": i.AdditionalInformation,
		"project":                refName(i.Project),
		"category":               refName(i.Category),
		"reporter":               userName(i.Reporter),
		"handler":                userName(i.Handler),
		"status":                 refName(i.Status),
		"resolution":             refName(i.Resolution),
		"priority":               refName(i.Priority),
		"severity":               refName(i.Severity),
		"reproducibility":        refName(i.Reproducibility),
		"version":                refName(i.Version),
		"fixed_in_version":       refName(i.FixedInVersion),
		"target_version":         refName(i.TargetVersion),
		"build":                  i.Build,
		"platform":               i.Platform,
		"os":                     i.OS,
		"os_build":               i.OSBuild,
		"created_at":             i.CreatedAt,
		"updated_at":             i.UpdatedAt,
	}
	for _, cf := range i.CustomFields {
		fields[fieldKey(cf.Field.Name)] = cf.Value
	}
	return fields
}

func refName(r *mantisRef) string {
	if r == nil {
		return ""
	}
	return r.Name
}

func userName(u *mantisUser) string {
	if u == nil {
		return ""
	}
	return u.Name
}

func fieldKey(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// --- Mantis Client ---

var errProjectNotFound = errors.New("mantis project not found")

// MantisClient talks to the MantisBT REST API (/api/rest).
type MantisClient struct {
	BaseURL  string
	Token    string
	Login    string
	Password string
	Client   *http.Client
	PageSize int

	// InitialBackoff overrides the first retry wait; zero uses initialBackoff.
	InitialBackoff time.Duration
}

func newMantisClient(cfg MantisConfig) *MantisClient {
	return &MantisClient{
		BaseURL:  strings.TrimSuffix(cfg.URL, "/"),
		Token:    cfg.Token,
		Login:    cfg.Login,
		Password: cfg.Password,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

const (
	maxRetries      = 5
	initialBackoff  = 1 * time.Second
	defaultPageSize = 50
)

func (c *MantisClient) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return defaultPageSize
}

func (c *MantisClient) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	if c.InitialBackoff > 0 {
		bo.InitialInterval = c.InitialBackoff
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)
}

// doWithRetry retries on 429 and 5xx, honouring Retry-After. When retries run
// out the last response is returned for the caller to report.
func (c *MantisClient) doWithRetry(req *http.Request) (*http.Response, error) {
	bo := c.newBackoff(req.Context())
	for attempt := 1; ; attempt++ {
		resp, err := c.Client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if err := req.Context().Err(); err != nil {
				resp.Body.Close()
				return nil, err
			}
			return resp, nil
		}
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, parseErr := strconv.Atoi(retryAfter); parseErr == nil && seconds > 0 {
				wait = time.Duration(seconds) * time.Second
			}
		}

		resp.Body.Close()

		slog.Warn("mantis request throttled, retrying",
			"status", resp.StatusCode, "attempt", attempt, "max_retries", maxRetries, "wait", wait.Round(time.Millisecond))

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

func (c *MantisClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + "/api/rest/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", c.Token)
	} else if c.Login != "" {
		req.SetBasicAuth(c.Login, c.Password)
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s - %s (URL: %s)", resp.Status, string(body), u)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("JSON decode error: %w (body: %s)", err, string(body))
	}
	return nil
}

// ProjectID resolves a project name, searching subprojects too.
func (c *MantisClient) ProjectID(ctx context.Context, name string) (int64, error) {
	var resp MantisProjectsResponse
	if err := c.get(ctx, "projects", nil, &resp); err != nil {
		return 0, err
	}
	if p := findProject(resp.Projects, func(p MantisProject) bool { return p.Name == name }); p != nil {
		return p.ID, nil
	}
	return 0, fmt.Errorf("%w: %s", errProjectNotFound, name)
}

func findProject(projects []MantisProject, match func(MantisProject) bool) *MantisProject {
	for i := range projects {
		if match(projects[i]) {
			return &projects[i]
		}
		if p := findProject(projects[i].SubProjects, match); p != nil {
			return p
		}
	}
	return nil
}

// projectTree returns projectID followed by every descendant project ID.
func (c *MantisClient) projectTree(ctx context.Context, projectID int64) ([]int64, error) {
	var resp MantisProjectsResponse
	if err := c.get(ctx, "projects", nil, &resp); err != nil {
		return nil, err
	}
	root := findProject(resp.Projects, func(p MantisProject) bool { return p.ID == projectID })
	if root == nil {
		return nil, fmt.Errorf("%w: id %d", errProjectNotFound, projectID)
	}

	var ids []int64
	var walk func(p MantisProject)
	walk = func(p MantisProject) {
		ids = append(ids, p.ID)
		for _, sub := range p.SubProjects {
			walk(sub)
		}
	}
	walk(*root)
	return ids, nil
}

// ListBugIDs pages through the issues of projectID (and its subprojects when
// asked) and returns those whose flattened fields equal every filter entry.
func (c *MantisClient) ListBugIDs(ctx context.Context, projectID int64, includeSubprojects bool, filter map[string]string) ([]int64, error) {
	projectIDs := []int64{projectID}
	if includeSubprojects {
		ids, err := c.projectTree(ctx, projectID)
		if err != nil {
			return nil, err
		}
		projectIDs = ids
	}

	var bugIDs []int64
	seen := make(map[int64]bool)
	for _, pid := range projectIDs {
		for page := 1; ; page++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			query := url.Values{
				"project_id": {strconv.FormatInt(pid, 10)},
				"page_size":  {strconv.Itoa(c.pageSize())},
				"page":       {strconv.Itoa(page)},
			}
			var resp MantisIssuesResponse
			if err := c.get(ctx, "issues", query, &resp); err != nil {
				return nil, fmt.Errorf("list issues of project %d: %w", pid, err)
			}

			for _, issue := range resp.Issues {
				if seen[issue.ID] || !matchesFilter(issue.Fields(), filter) {
					continue
				}
				seen[issue.ID] = true
				bugIDs = append(bugIDs, issue.ID)
			}

			if len(resp.Issues) < c.pageSize() {
				break
			}
		}
	}
	return bugIDs, nil
}

func matchesFilter(fields, filter map[string]string) bool {
	for k, v := range filter {
		if fields[k] != v {
			return false
		}
	}
	return true
}

// BugFields fetches a single issue and flattens it.
func (c *MantisClient) BugFields(ctx context.Context, bugID int64) (map[string]string, error) {
	var resp MantisIssuesResponse
	if err := c.get(ctx, "issues/"+strconv.FormatInt(bugID, 10), nil, &resp); err != nil {
		return nil, fmt.Errorf("get issue %d: %w", bugID, err)
	}
	if len(resp.Issues) == 0 {
		return nil, fmt.Errorf("get issue %d: empty response", bugID)
	}
	return resp.Issues[0].Fields(), nil
}
