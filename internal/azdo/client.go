package azdo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Build is a pipeline run as returned by the builds API.
type Build struct {
	ID            int64           `json:"id"`
	BuildNumber   string          `json:"buildNumber"`
	Result        string          `json:"result"`
	SourceBranch  string          `json:"sourceBranch"`
	SourceVersion string          `json:"sourceVersion"`
	Definition    BuildDefinition `json:"definition"`
	Repository    BuildRepository `json:"repository"`
	Links         BuildLinks      `json:"_links"`
}

// BuildDefinition identifies the pipeline a run belongs to.
type BuildDefinition struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// BuildRepository identifies the repository a run built.
type BuildRepository struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BuildLinks carries the run's hypermedia links; Web points at the run page.
type BuildLinks struct {
	Web Link `json:"web"`
}

type buildList struct {
	Count int     `json:"count"`
	Value []Build `json:"value"`
}

// Timeline is the record tree of one run; stages, jobs and tasks all appear
// as records distinguished by their Type.
type Timeline struct {
	Records []TimelineRecord `json:"records"`
}

// TimelineRecord is one node of a run timeline.
type TimelineRecord struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Result string `json:"result"`
}

// Commit is the subset of commit metadata used for alerting.
type Commit struct {
	CommitID string       `json:"commitId"`
	Author   CommitAuthor `json:"author"`
}

// CommitAuthor names who wrote a commit.
type CommitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Client calls the Azure DevOps REST API authenticated with a personal
// access token.
type Client struct {
	baseURL string
	org     string
	project string
	pat     string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API host, primarily for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client scoped to one organization and project.
func New(org, project, pat string, opts ...Option) *Client {
	c := &Client{
		baseURL: "https://dev.azure.com",
		org:     org,
		project: project,
		pat:     pat,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReplyInThread posts a text comment into a pull request thread.
func (c *Client) ReplyInThread(ctx context.Context, repositoryID string, prID, threadID int64, content string) error {
	path := fmt.Sprintf("/%s/%s/_apis/git/repositories/%s/pullRequests/%d/threads/%d/comments?api-version=7.1-preview.1",
		url.PathEscape(c.org), url.PathEscape(c.project), url.PathEscape(repositoryID), prID, threadID)
	body := map[string]string{"content": content, "commentType": "text"}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// Build fetches one pipeline run.
func (c *Client) Build(ctx context.Context, buildID int64) (Build, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds/%d?api-version=7.1",
		url.PathEscape(c.org), url.PathEscape(c.project), buildID)
	var build Build
	err := c.do(ctx, http.MethodGet, path, nil, &build)
	return build, err
}

// Timeline fetches the record tree of one run.
func (c *Client) Timeline(ctx context.Context, buildID int64) (Timeline, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds/%d/timeline?api-version=7.1",
		url.PathEscape(c.org), url.PathEscape(c.project), buildID)
	var timeline Timeline
	err := c.do(ctx, http.MethodGet, path, nil, &timeline)
	return timeline, err
}

// Builds lists recent runs of one pipeline on one branch, newest first. The
// branch is passed as a full ref, the way builds report their SourceBranch.
func (c *Client) Builds(ctx context.Context, definitionID int64, branch string, top int) ([]Build, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds?definitions=%d&branchName=%s&$top=%d&queryOrder=queueTimeDescending&api-version=7.1",
		url.PathEscape(c.org), url.PathEscape(c.project), definitionID, url.QueryEscape(branch), top)
	var list buildList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Value, nil
}

// Commit fetches commit metadata from a repository.
func (c *Client) Commit(ctx context.Context, repositoryID, sha string) (Commit, error) {
	path := fmt.Sprintf("/%s/%s/_apis/git/repositories/%s/commits/%s?api-version=7.1",
		url.PathEscape(c.org), url.PathEscape(c.project), url.PathEscape(repositoryID), url.PathEscape(sha))
	var commit Commit
	err := c.do(ctx, http.MethodGet, path, nil, &commit)
	return commit, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("azdo: encode request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("azdo: build request: %w", err)
	}
	req.SetBasicAuth("", c.pat)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("azdo: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("azdo: %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("azdo: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
