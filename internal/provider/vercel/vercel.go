// Package vercel manages projects, environment variables and deployments on
// the edge host. Every call is scoped to the configured team.
package vercel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"shipline/internal/apperr"
	"shipline/internal/domain"
	"shipline/internal/provider/rest"
)

const (
	StateError = "ERROR"
	StateReady = "READY"
)

type Client struct {
	REST *rest.Client
}

// New wraps c, adding teamId to every request when set.
func New(c *rest.Client, teamID string) *Client {
	if teamID != "" {
		if c.Query == nil {
			c.Query = url.Values{}
		}
		c.Query.Set("teamId", teamID)
	}
	return &Client{REST: c}
}

type GitRepository struct {
	Repo string `json:"repo"`
	Type string `json:"type"`
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Framework string `json:"framework,omitempty"`
}

type ProjectDomain struct {
	Name      string `json:"name"`
	GitBranch string `json:"gitBranch,omitempty"`
	Verified  bool   `json:"verified"`
}

type DeploymentMeta struct {
	GitHubCommitRef string `json:"githubCommitRef"`
	GitHubCommitSHA string `json:"githubCommitSha"`
}

type Deployment struct {
	UID     string         `json:"uid"`
	Name    string         `json:"name"`
	URL     string         `json:"url"`
	State   string         `json:"state"`
	Target  string         `json:"target"`
	Created int64          `json:"created"`
	Meta    DeploymentMeta `json:"meta"`
}

type EventInfo struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type DeploymentEvent struct {
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Text    string    `json:"text"`
	Info    EventInfo `json:"info"`
	// some event kinds nest the text under payload
	Payload struct {
		Text string `json:"text"`
	} `json:"payload"`
}

type envVar struct {
	Key       string   `json:"key"`
	Value     string   `json:"value"`
	Type      string   `json:"type"`
	Target    []string `json:"target"`
	GitBranch string   `json:"gitBranch,omitempty"`
}

func (c *Client) CreateProject(ctx context.Context, name, repoFullName string) (Project, error) {
	body := map[string]any{
		"name":          name,
		"framework":     "nextjs",
		"gitRepository": GitRepository{Repo: repoFullName, Type: "github"},
	}
	var p Project
	if err := c.REST.Do(ctx, http.MethodPost, "/v10/projects", nil, body, &p); err != nil {
		return p, fmt.Errorf("create project %s: %w", name, err)
	}
	return p, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	if err := c.REST.Do(ctx, http.MethodGet, "/v9/projects/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return p, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	if err := c.REST.Do(ctx, http.MethodDelete, "/v9/projects/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

// DisableAccessGating clears deployment protection so preview URLs are public.
func (c *Client) DisableAccessGating(ctx context.Context, id string) error {
	body := map[string]any{"ssoProtection": nil}
	if err := c.REST.Do(ctx, http.MethodPatch, "/v9/projects/"+url.PathEscape(id), nil, body, nil); err != nil {
		return fmt.Errorf("patch project %s: %w", id, err)
	}
	return nil
}

// UpsertEnv pushes vars with upsert semantics: an existing (key, target,
// branch) entry is replaced.
func (c *Client) UpsertEnv(ctx context.Context, id string, vars []domain.EnvironmentVariable) error {
	body := make([]envVar, 0, len(vars))
	for _, v := range vars {
		body = append(body, envVar{Key: v.Key, Value: v.Value, Type: envType(v.Type), Target: v.Target, GitBranch: v.Branch})
	}
	q := url.Values{"upsert": {"true"}}
	if err := c.REST.Do(ctx, http.MethodPost, "/v10/projects/"+url.PathEscape(id)+"/env", q, body, nil); err != nil {
		return fmt.Errorf("upsert env on project %s: %w", id, err)
	}
	return nil
}

// ListEnv returns the project's variables. Secret values come back
// encrypted and are passed through as-is.
func (c *Client) ListEnv(ctx context.Context, id string) ([]domain.EnvironmentVariable, error) {
	var out struct {
		Envs []envVar `json:"envs"`
	}
	if err := c.REST.Do(ctx, http.MethodGet, "/v10/projects/"+url.PathEscape(id)+"/env", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list env of project %s: %w", id, err)
	}
	res := make([]domain.EnvironmentVariable, 0, len(out.Envs))
	for _, e := range out.Envs {
		res = append(res, domain.EnvironmentVariable{Key: e.Key, Value: e.Value, Type: e.Type, Target: e.Target, Branch: e.GitBranch})
	}
	return res, nil
}

func (c *Client) ListDomains(ctx context.Context, id string) ([]ProjectDomain, error) {
	var out struct {
		Domains []ProjectDomain `json:"domains"`
	}
	if err := c.REST.Do(ctx, http.MethodGet, "/v9/projects/"+url.PathEscape(id)+"/domains", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list domains of project %s: %w", id, err)
	}
	return out.Domains, nil
}

func (c *Client) SetDomainBranch(ctx context.Context, id, domainName, branch string) error {
	path := "/v9/projects/" + url.PathEscape(id) + "/domains/" + url.PathEscape(domainName)
	if err := c.REST.Do(ctx, http.MethodPatch, path, nil, map[string]string{"gitBranch": branch}, nil); err != nil {
		return fmt.Errorf("assign domain %s to %s: %w", domainName, branch, err)
	}
	return nil
}

// LatestDeployment returns the newest deployment built from branch.
func (c *Client) LatestDeployment(ctx context.Context, projectID, branch string) (Deployment, error) {
	target := "preview"
	if branch == "main" {
		target = "production"
	}
	var out struct {
		Deployments []Deployment `json:"deployments"`
	}
	q := url.Values{"projectId": {projectID}, "target": {target}}
	if err := c.REST.Do(ctx, http.MethodGet, "/v6/deployments", q, nil, &out); err != nil {
		return Deployment{}, fmt.Errorf("list deployments of %s: %w", projectID, err)
	}
	for _, d := range out.Deployments {
		if d.Meta.GitHubCommitRef == branch {
			return d, nil
		}
	}
	return Deployment{}, apperr.NotFound("no deployment of project %s on branch %s", projectID, branch)
}

func (c *Client) DeploymentEvents(ctx context.Context, deploymentID string) ([]DeploymentEvent, error) {
	var events []DeploymentEvent
	if err := c.REST.Do(ctx, http.MethodGet, "/v3/deployments/"+url.PathEscape(deploymentID)+"/events", nil, nil, &events); err != nil {
		return nil, fmt.Errorf("list events of deployment %s: %w", deploymentID, err)
	}
	return events, nil
}

// CreateDeployment starts a deployment of the latest commit on branch.
func (c *Client) CreateDeployment(ctx context.Context, projectID, repoOwner, repoName, branch string) (Deployment, error) {
	target := "preview"
	if branch == "main" {
		target = "production"
	}
	body := map[string]any{
		"name":    repoName,
		"project": projectID,
		"target":  target,
		"gitSource": map[string]string{
			"type": "github",
			"org":  repoOwner,
			"repo": repoName,
			"ref":  branch,
		},
		"withLatestCommit": true,
	}
	var d Deployment
	if err := c.REST.Do(ctx, http.MethodPost, "/v13/deployments", nil, body, &d); err != nil {
		return d, fmt.Errorf("create deployment of %s: %w", projectID, err)
	}
	return d, nil
}

// FormatEvents renders events oldest first, one per line, as
// "{date} - {type}, {subtype}: {text}".
func FormatEvents(events []DeploymentEvent) string {
	sorted := append([]DeploymentEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Created < sorted[j].Created })
	var b strings.Builder
	for _, e := range sorted {
		text := e.Text
		if text == "" {
			text = e.Payload.Text
		}
		date := time.UnixMilli(e.Created).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "%s - %s, %s: %s\n", date, e.Type, e.Info.Type, text)
	}
	return b.String()
}

func envType(t string) string {
	if t == "" {
		return domain.EnvTypePlain
	}
	return t
}
