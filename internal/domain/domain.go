package domain

import (
	"strings"
	"time"
)

const (
	IterationTypeRequirements = "requirements"
	IterationTypeFeedback     = "feedback"

	IterationStatusTodo       = "todo"
	IterationStatusInProgress = "in_progress"
	IterationStatusDone       = "done"

	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
	TaskStatusFailed     = "failed"

	TeamFrontend = "frontend"
	TeamBackend  = "backend"

	BuildTypeWeb = "web"
	BuildTypeAPI = "api"

	BuildStatusPending    = "pending"
	BuildStatusInProgress = "in_progress"
	BuildStatusSuccess    = "success"
	BuildStatusFailed     = "failed"

	TargetProduction = "production"
	TargetPreview    = "preview"

	EnvTypePlain  = "plain"
	EnvTypeSecret = "secret"
)

// Organization, Project and User are owned elsewhere; shipline only reads
// them to address notifications.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Project struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type User struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
}

// ManagedDatabase points at a project's managed database and the secret that
// holds its keys.
type ManagedDatabase struct {
	ProjectID  string `json:"project_id"`
	Ref        string `json:"ref"`
	APIURL     string `json:"api_url,omitempty"`
	SecretName string `json:"secret_name,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type InfraApp struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	AppID     string `json:"app_id"`
	ServiceID string `json:"service_id"`
	APIKey    string `json:"api_key"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type InfraFrontendProject struct {
	ID                string `json:"id"`
	ProjectID         string `json:"project_id"`
	RemoteProjectID   string `json:"remote_project_id"`
	RemoteProjectName string `json:"remote_project_name"`
	IsActive          bool   `json:"is_active"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type Iteration struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type" enum:"requirements,feedback"`
	Status      string  `json:"status" enum:"todo,in_progress,done"`
	WorkingTime float64 `json:"working_time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type IterationTask struct {
	ID          string  `json:"id"`
	IterationID string  `json:"iteration_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Team        string  `json:"team" enum:"frontend,backend"`
	Status      string  `json:"status" enum:"todo,in_progress,done,failed"`
	Result      string  `json:"result,omitempty"`
	ToolUsage   string  `json:"tool_usage,omitempty"`
	LLMUsage    string  `json:"llm_usage,omitempty"`
	WorkingTime float64 `json:"working_time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type RepositoryBuild struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	IterationID    string  `json:"iteration_id"`
	Type           string  `json:"type" enum:"web,api"`
	Status         string  `json:"status" enum:"pending,in_progress,success,failed"`
	FixAttempts    int     `json:"fix_attempts"`
	FixTriggered   bool    `json:"fix_triggered"`
	ErrorLogs      string  `json:"error_logs,omitempty"`
	LastFixAttempt *string `json:"last_fix_attempt,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// EnvironmentVariable is pushed to the edge host and never stored locally.
type EnvironmentVariable struct {
	Key    string   `json:"key" validate:"required,max=256"`
	Value  string   `json:"value"`
	Type   string   `json:"type,omitempty" validate:"omitempty,oneof=plain secret encrypted" enum:"plain,secret,encrypted"`
	Target []string `json:"target,omitempty" validate:"omitempty,dive,oneof=production preview development"`
	Branch string   `json:"git_branch,omitempty"`
}

// Credentials is what the Credential Resolver hands to provisioners.
type Credentials struct {
	DatabaseURL    string
	APIURL         string
	AnonKey        string
	ServiceRoleKey string
	Storage        StorageCredentials
}

type StorageCredentials struct {
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
}

// TaskOwnership is the full chain a task notification needs.
type TaskOwnership struct {
	Task         IterationTask
	Iteration    Iteration
	Project      Project
	Organization Organization
	Users        []User
}

// Emails returns the distinct non-empty user addresses.
func (o TaskOwnership) Emails() []string {
	seen := make(map[string]struct{}, len(o.Users))
	var out []string
	for _, u := range o.Users {
		if u.Email == "" {
			continue
		}
		if _, ok := seen[u.Email]; ok {
			continue
		}
		seen[u.Email] = struct{}{}
		out = append(out, u.Email)
	}
	return out
}

const (
	OutboxKindTaskDispatch = "task.dispatch"
	OutboxKindBuildRepair  = "build.repair"

	OutboxStatusPending   = "pending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

// OutboxMessage is a durable, at-least-once delivery to an external agent.
type OutboxMessage struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	IdempotencyKey string `json:"idempotency_key"`
	Endpoint       string `json:"endpoint"`
	Payload        string `json:"payload"`
	Status         string `json:"status" enum:"pending,delivered,dead"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	NextAttemptAt  string `json:"next_attempt_at" format:"date-time"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	DeliveredAt    string `json:"delivered_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// TimeLayout is fixed width so stored timestamps compare as strings.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp formats t the way every stored row does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ShortID is the compact project id used in remote resource names.
func ShortID(projectID string) string {
	s := strings.ToLower(strings.ReplaceAll(projectID, "-", ""))
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// RepositoryName is the source repository a project gets from a template.
func RepositoryName(template, projectID string) string {
	return template + "_" + projectID
}
