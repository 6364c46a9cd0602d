package shiplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Shipline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// InfraApp is a project's backend mapping.
type InfraApp struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	AppID     string `json:"app_id"`
	ServiceID string `json:"service_id"`
	APIKey    string `json:"api_key"`
	IsActive  bool   `json:"is_active"`
}

type EnvironmentVariable struct {
	Key    string   `json:"key"`
	Value  string   `json:"value"`
	Type   string   `json:"type,omitempty"`
	Target []string `json:"target,omitempty"`
	Branch string   `json:"git_branch,omitempty"`
}

// FrontendProject is the result of provisioning a frontend.
type FrontendProject struct {
	Project struct {
		ID                string `json:"id"`
		ProjectID         string `json:"project_id"`
		RemoteProjectID   string `json:"remote_project_id"`
		RemoteProjectName string `json:"remote_project_name"`
	} `json:"project"`
	Environment []EnvironmentVariable `json:"environment"`
}

type Deployment struct {
	DeploymentID string `json:"deployment_id"`
	State        string `json:"state"`
	Status       string `json:"status"`
	URL          string `json:"url,omitempty"`
	Message      string `json:"message,omitempty"`
}

type Build struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	IterationID  string `json:"iteration_id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	FixAttempts  int    `json:"fix_attempts"`
	FixTriggered bool   `json:"fix_triggered"`
	ErrorLogs    string `json:"error_logs,omitempty"`
}

type CheckResult struct {
	Build        Build  `json:"build"`
	Observed     string `json:"observed"`
	Logs         string `json:"logs,omitempty"`
	RepairQueued bool   `json:"repair_queued"`
}

type Iteration struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	WorkingTime float64 `json:"working_time"`
}

type Task struct {
	ID          string  `json:"id"`
	IterationID string  `json:"iteration_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Team        string  `json:"team"`
	Status      string  `json:"status"`
	Result      string  `json:"result,omitempty"`
	WorkingTime float64 `json:"working_time"`
}

type TaskInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Team        string `json:"team"`
}

type IterationView struct {
	Iteration Iteration `json:"iteration"`
	Tasks     []Task    `json:"tasks"`
}

// TaskResult is what an agent reports back for a task.
type TaskResult struct {
	Result      string  `json:"result,omitempty"`
	ToolUsage   string  `json:"tool_usage,omitempty"`
	LLMUsage    string  `json:"llm_usage,omitempty"`
	WorkingTime float64 `json:"working_time,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateBackend provisions the backend of a project.
func (c *Client) CreateBackend(ctx context.Context, projectID string) (InfraApp, error) {
	var resp InfraApp
	err := c.do(ctx, http.MethodPost, "backend-infra/koyeb/project", map[string]any{"projectId": projectID}, &resp)
	return resp, err
}

func (c *Client) DeleteBackend(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "backend-infra/koyeb/project/"+url.PathEscape(projectID), nil, nil)
}

// CreateFrontend provisions the frontend of a project. The backend must exist.
func (c *Client) CreateFrontend(ctx context.Context, projectID string) (FrontendProject, error) {
	var resp FrontendProject
	err := c.do(ctx, http.MethodPost, "frontend-infra/vercel-project", map[string]any{"project_id": projectID}, &resp)
	return resp, err
}

func (c *Client) DeleteFrontend(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "frontend-infra/project/"+url.PathEscape(projectID)+"/vercel", nil, nil)
}

// PushEnvironment upserts environment variables on the frontend project.
func (c *Client) PushEnvironment(ctx context.Context, projectID string, vars []EnvironmentVariable) error {
	body := map[string]any{"project_id": projectID, "environment_variables": vars}
	return c.do(ctx, http.MethodPut, "frontend-infra/vercel-project/environment-variables", body, nil)
}

// LatestDeployment returns the newest deployment of branch; empty means the
// server's default preview branch.
func (c *Client) LatestDeployment(ctx context.Context, projectID, branch string) (Deployment, error) {
	endpoint := "frontend-infra/vercel-deployment/" + url.PathEscape(projectID)
	if branch != "" {
		endpoint += "?branch=" + url.QueryEscape(branch)
	}
	var resp Deployment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckBuilds checks one build type, or both when template is empty.
func (c *Client) CheckBuilds(ctx context.Context, projectID, iterationID, template string) ([]CheckResult, error) {
	body := map[string]any{"project_id": projectID, "iteration_id": iterationID}
	if template != "" {
		body["template"] = template
	}
	var resp struct {
		Items []CheckResult `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "repository-build/check", body, &resp)
	return resp.Items, err
}

func (c *Client) SetBuildStatus(ctx context.Context, projectID, iterationID, template, status string) (Build, error) {
	body := map[string]any{"project_id": projectID, "iteration_id": iterationID, "template": template, "status": status}
	var resp Build
	err := c.do(ctx, http.MethodPut, "repository-build/status", body, &resp)
	return resp, err
}

// CreateIteration creates an iteration with its initial tasks.
func (c *Client) CreateIteration(ctx context.Context, projectID, iterationType string, tasks []TaskInput) (IterationView, error) {
	body := map[string]any{"project_id": projectID, "type": iterationType}
	if len(tasks) > 0 {
		body["tasks"] = tasks
	}
	var resp IterationView
	err := c.do(ctx, http.MethodPost, "development/iteration", body, &resp)
	return resp, err
}

func (c *Client) GetIteration(ctx context.Context, iterationID string) (IterationView, error) {
	var resp IterationView
	err := c.do(ctx, http.MethodGet, "development/iteration/"+url.PathEscape(iterationID), nil, &resp)
	return resp, err
}

// TriggerNext dispatches the next todo task. A nil task means the
// iteration is done.
func (c *Client) TriggerNext(ctx context.Context, iterationID string) (*Task, error) {
	var resp struct {
		Task *Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "development/iteration/"+url.PathEscape(iterationID)+"/next-task", nil, &resp)
	return resp.Task, err
}

func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "development/iteration-task/"+url.PathEscape(taskID)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) UpdateTaskResult(ctx context.Context, taskID string, result TaskResult) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, "development/iteration-task/"+url.PathEscape(taskID)+"/result", result, &resp)
	return resp, err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
