package server

import (
	"shipline/internal/backendinfra"
	"shipline/internal/buildhealth"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/frontendinfra"
	"shipline/internal/provider/koyeb"
)

// Request payloads

type CreateBackendInfraRequest struct {
	ProjectID string `json:"projectId" minLength:"1"`
}

type FrontendProjectRequest struct {
	ProjectID string `json:"project_id" minLength:"1"`
}

type PushEnvironmentRequest struct {
	ProjectID            string                       `json:"project_id" minLength:"1"`
	EnvironmentVariables []domain.EnvironmentVariable `json:"environment_variables" minItems:"1"`
}

type PushSingleEnvironmentRequest struct {
	ProjectID           string                     `json:"project_id" minLength:"1"`
	EnvironmentVariable domain.EnvironmentVariable `json:"environment_variable"`
}

type AssignDomainRequest struct {
	ProjectID string `json:"project_id" minLength:"1"`
	Branch    string `json:"branch" minLength:"1"`
}

type RedeployFrontendRequest struct {
	Branch string `json:"branch,omitempty"`
}

type BuildCheckRequest struct {
	ProjectID   string `json:"project_id" minLength:"1"`
	IterationID string `json:"iteration_id" minLength:"1"`
	Template    string `json:"template,omitempty" enum:"web,api"`
}

type BuildRecheckRequest struct {
	ProjectID   string `json:"project_id" minLength:"1"`
	IterationID string `json:"iteration_id,omitempty"`
	Template    string `json:"template,omitempty" enum:"web,api"`
}

type BuildStatusRequest struct {
	ProjectID   string `json:"project_id" minLength:"1"`
	IterationID string `json:"iteration_id" minLength:"1"`
	Template    string `json:"template" enum:"web,api"`
	Status      string `json:"status" enum:"pending,in_progress,success,failed"`
}

type CreateIterationRequest struct {
	ProjectID string             `json:"project_id" minLength:"1"`
	Type      string             `json:"type" enum:"requirements,feedback"`
	Tasks     []engine.TaskInput `json:"tasks,omitempty"`
}

type AddTasksRequest struct {
	Tasks []engine.TaskInput `json:"tasks" minItems:"1"`
}

type TaskStatusRequest struct {
	Status string `json:"status" enum:"todo,in_progress,done,failed"`
}

type TaskResultRequest struct {
	Result      string  `json:"result,omitempty"`
	ToolUsage   string  `json:"tool_usage,omitempty"`
	LLMUsage    string  `json:"llm_usage,omitempty"`
	WorkingTime float64 `json:"working_time,omitempty" minimum:"0"`
}

// Response payloads

type ServiceResponse = backendinfra.ServiceStatus

type AppResponse = koyeb.App

type FrontendProjectResponse = frontendinfra.Result

type DeploymentResponse = frontendinfra.DeploymentStatus

type RedeployResponse struct {
	DeploymentID string `json:"deployment_id"`
}

type EnvironmentResponse struct {
	Items []domain.EnvironmentVariable `json:"items"`
}

type BuildCheckResponse struct {
	Items []buildhealth.CheckResult `json:"items"`
}

type BuildListResponse struct {
	Items []domain.RepositoryBuild `json:"items"`
}

type WorkflowLogsResponse struct {
	ProjectID string `json:"project_id"`
	RunID     int64  `json:"run_id"`
	Logs      string `json:"logs"`
}

type TaskListResponse struct {
	Items []domain.IterationTask `json:"items"`
}

// NextTaskResponse carries a nil task once an iteration has nothing left.
type NextTaskResponse struct {
	Task *domain.IterationTask `json:"task"`
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}
