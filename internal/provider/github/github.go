// Package github reads repositories and Actions workflow runs.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"shipline/internal/apperr"
	"shipline/internal/provider/rest"
)

const (
	ConclusionFailure = "failure"
	ConclusionSuccess = "success"
)

type Client struct {
	REST  *rest.Client
	Owner string
}

func New(c *rest.Client, owner string) *Client {
	return &Client{REST: c, Owner: owner}
}

type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type Step struct {
	Name       string `json:"name"`
	Number     int    `json:"number"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type Job struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Steps      []Step `json:"steps"`
}

// GetRepository looks up owner/name; a missing repository is NotFound.
func (c *Client) GetRepository(ctx context.Context, name string) (Repository, error) {
	var repo Repository
	err := c.REST.Do(ctx, http.MethodGet, c.repoPath(name, ""), nil, nil, &repo)
	if err != nil {
		return repo, fmt.Errorf("get repository %s/%s: %w", c.Owner, name, err)
	}
	return repo, nil
}

// LatestWorkflowRun returns the most recent run on branch.
func (c *Client) LatestWorkflowRun(ctx context.Context, repo, branch string) (WorkflowRun, error) {
	var out struct {
		TotalCount   int           `json:"total_count"`
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	q := url.Values{"branch": {branch}, "per_page": {"1"}}
	if err := c.REST.Do(ctx, http.MethodGet, c.repoPath(repo, "/actions/runs"), q, nil, &out); err != nil {
		return WorkflowRun{}, fmt.Errorf("list workflow runs for %s: %w", repo, err)
	}
	if len(out.WorkflowRuns) == 0 {
		return WorkflowRun{}, apperr.NotFound("no workflow run on branch %s of %s", branch, repo)
	}
	return out.WorkflowRuns[0], nil
}

// RunJobs lists the jobs of a run with their steps.
func (c *Client) RunJobs(ctx context.Context, repo string, runID int64) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	path := c.repoPath(repo, "/actions/runs/"+strconv.FormatInt(runID, 10)+"/jobs")
	if err := c.REST.Do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list jobs of run %d: %w", runID, err)
	}
	return out.Jobs, nil
}

// RunLogs downloads the ZIP log archive of a run.
func (c *Client) RunLogs(ctx context.Context, repo string, runID int64) ([]byte, error) {
	path := c.repoPath(repo, "/actions/runs/"+strconv.FormatInt(runID, 10)+"/logs")
	data, err := c.REST.DoRaw(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("download logs of run %d: %w", runID, err)
	}
	return data, nil
}

// FirstFailedStep returns the first failed step of the run's first job.
// Only that job's steps line up with the build log segment of the archive,
// so failures in later jobs are not reported.
func FirstFailedStep(jobs []Job) (Step, bool) {
	if len(jobs) == 0 {
		return Step{}, false
	}
	for _, s := range jobs[0].Steps {
		if s.Conclusion == ConclusionFailure {
			return s, true
		}
	}
	return Step{}, false
}

func (c *Client) repoPath(repo, suffix string) string {
	return "/repos/" + url.PathEscape(c.Owner) + "/" + url.PathEscape(repo) + suffix
}
