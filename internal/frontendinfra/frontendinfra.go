// Package frontendinfra provisions a project's edge-host project, its
// environment variables and deployments.
package frontendinfra

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shipline/internal/apperr"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/provider/github"
	"shipline/internal/provider/vercel"
	"shipline/internal/repo"
	"shipline/internal/saga"
)

const (
	DeploymentSuccess  = "success"
	DeploymentFailed   = "failed"
	DeploymentBuilding = "building"

	apiSuffix = "/api"
)

type CredentialResolver interface {
	Resolve(ctx context.Context, projectID string) (domain.Credentials, error)
}

type RepositoryFinder interface {
	GetRepository(ctx context.Context, name string) (github.Repository, error)
}

// Backend exposes what the frontend needs from a provisioned backend.
type Backend interface {
	Get(ctx context.Context, projectID string) (domain.InfraApp, error)
	ActiveDomain(ctx context.Context, projectID string) (string, error)
}

type Provisioner struct {
	Repo        repo.Repo
	Events      events.Writer
	Vercel      *vercel.Client
	GitHub      RepositoryFinder
	Credentials CredentialResolver
	Backend     Backend
	Config      *config.Config
	Logger      *slog.Logger
	Now         func() time.Time
}

func (p *Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Result is the outcome of Create. Secret values are blanked.
type Result struct {
	Project     domain.InfraFrontendProject  `json:"project"`
	Environment []domain.EnvironmentVariable `json:"environment"`
}

// Redact blanks the values of secret variables.
func Redact(vars []domain.EnvironmentVariable) []domain.EnvironmentVariable {
	out := make([]domain.EnvironmentVariable, len(vars))
	for i, v := range vars {
		if v.Type == domain.EnvTypeSecret || v.Type == "encrypted" {
			v.Value = ""
		}
		out[i] = v
	}
	return out
}

// BuildEnvironment emits a production and a preview variant of every key.
func BuildEnvironment(creds domain.Credentials, backendDomain, apiKey, appURL, previewBranch string) []domain.EnvironmentVariable {
	type entry struct{ key, value, typ string }
	core := []entry{
		{"NEXT_PUBLIC_SUPABASE_URL", creds.APIURL, domain.EnvTypePlain},
		{"NEXT_PUBLIC_SUPABASE_ANON_KEY", creds.AnonKey, domain.EnvTypePlain},
		{"CORE_API_SERVICE_BASE_URL", "https://" + backendDomain + apiSuffix, domain.EnvTypePlain},
		{"CORE_API_SERVICE_API_KEY", apiKey, domain.EnvTypeSecret},
		{"NEXT_PUBLIC_APP_URL", appURL, domain.EnvTypePlain},
	}
	var out []domain.EnvironmentVariable
	for _, variant := range []struct {
		target, branch, mode string
	}{
		{domain.TargetProduction, "", "production"},
		{domain.TargetPreview, previewBranch, "development"},
	} {
		for _, e := range core {
			out = append(out, domain.EnvironmentVariable{Key: e.key, Value: e.value, Type: e.typ, Target: []string{variant.target}, Branch: variant.branch})
		}
		out = append(out, domain.EnvironmentVariable{Key: "NODE_ENV", Value: variant.mode, Type: domain.EnvTypePlain, Target: []string{variant.target}, Branch: variant.branch})
	}
	return out
}

// ComputeEnvironment gathers credentials and backend details. A project
// without a provisioned backend yields NotFound.
func (p *Provisioner) ComputeEnvironment(ctx context.Context, projectID string) ([]domain.EnvironmentVariable, error) {
	var (
		creds         domain.Credentials
		backend       domain.InfraApp
		backendDomain string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		creds, err = p.Credentials.Resolve(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		if backend, err = p.Backend.Get(gctx, projectID); err != nil {
			return err
		}
		backendDomain, err = p.Backend.ActiveDomain(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return BuildEnvironment(creds, backendDomain, backend.APIKey, p.Config.AppURL, p.Config.Builds.FrontendBranch), nil
}

// Create provisions the edge-host project. The environment is computed
// before any remote mutation; later failures undo what was created.
func (p *Provisioner) Create(ctx context.Context, projectID string) (Result, error) {
	if strings.TrimSpace(projectID) == "" {
		return Result{}, apperr.BadRequest("project_id is required")
	}
	if existing, err := p.Repo.GetInfraFrontendProject(ctx, projectID); err == nil {
		metrics.Provisioning.WithLabelValues("frontend", "create", "reused").Inc()
		return Result{Project: existing}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}

	repository, err := p.GitHub.GetRepository(ctx, domain.RepositoryName(p.Config.Templates.Frontend, projectID))
	if err != nil {
		return Result{}, err
	}
	vars, err := p.ComputeEnvironment(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	fullName := repository.FullName
	if fullName == "" {
		fullName = p.Config.GitHub.Owner + "/" + repository.Name
	}

	var (
		remote vercel.Project
		row    domain.InfraFrontendProject
	)
	err = saga.Saga{Name: "create frontend infra", Logger: p.logger()}.Run(ctx,
		saga.Step{
			Name: "create project",
			Execute: func(ctx context.Context) error {
				var err error
				remote, err = p.Vercel.CreateProject(ctx, p.Config.EnvPrefix()+"-web-"+domain.ShortID(projectID), fullName)
				return err
			},
			Compensate: func(ctx context.Context) error { return p.Vercel.DeleteProject(ctx, remote.ID) },
		},
		saga.Step{
			Name: "record mapping",
			Execute: func(ctx context.Context) error {
				ts := domain.Timestamp(p.now())
				row = domain.InfraFrontendProject{ID: uuid.NewString(), ProjectID: projectID, RemoteProjectID: remote.ID, RemoteProjectName: remote.Name, IsActive: true, CreatedAt: ts, UpdatedAt: ts}
				return p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
					if err := p.Repo.InsertInfraFrontendProjectTx(ctx, tx, row); err != nil {
						return err
					}
					return p.Events.Append(ctx, tx, events.FrontendInfraCreated, projectID, "infra_frontend_project", row.ID, events.Payload{"remote_project_id": remote.ID})
				})
			},
			Compensate: func(ctx context.Context) error {
				return p.Repo.DeleteInfraFrontendProjectTx(ctx, nil, projectID)
			},
		},
		saga.Step{
			Name:    "push environment",
			Execute: func(ctx context.Context) error { return p.Vercel.UpsertEnv(ctx, remote.ID, vars) },
		},
		saga.Step{
			Name:    "disable access gating",
			Execute: func(ctx context.Context) error { return p.Vercel.DisableAccessGating(ctx, remote.ID) },
		},
	)
	if err != nil {
		metrics.Provisioning.WithLabelValues("frontend", "create", "compensated").Inc()
		p.logger().ErrorContext(ctx, "create frontend infra failed", "project_id", projectID, "error", err)
		return Result{}, err
	}
	metrics.Provisioning.WithLabelValues("frontend", "create", "ok").Inc()
	p.logger().InfoContext(ctx, "frontend infra created", "project_id", projectID, "remote_project_id", remote.ID, "variables", len(vars))
	return Result{Project: row, Environment: Redact(vars)}, nil
}

func (p *Provisioner) Get(ctx context.Context, projectID string) (domain.InfraFrontendProject, error) {
	return p.Repo.GetInfraFrontendProject(ctx, projectID)
}

// Push upserts vars on the project's remote: the same (key, target, branch)
// replaces the previous value.
func (p *Provisioner) Push(ctx context.Context, projectID string, vars []domain.EnvironmentVariable) error {
	if len(vars) == 0 {
		return apperr.BadRequest("at least one environment variable is required")
	}
	for _, v := range vars {
		if err := domain.Validate(v); err != nil {
			return err
		}
	}
	row, err := p.Repo.GetInfraFrontendProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := p.Vercel.UpsertEnv(ctx, row.RemoteProjectID, vars); err != nil {
		metrics.Provisioning.WithLabelValues("frontend", "push_env", "error").Inc()
		return err
	}
	metrics.Provisioning.WithLabelValues("frontend", "push_env", "ok").Inc()
	return nil
}

func (p *Provisioner) PushSingle(ctx context.Context, projectID string, v domain.EnvironmentVariable) error {
	return p.Push(ctx, projectID, []domain.EnvironmentVariable{v})
}

func (p *Provisioner) ListEnvironment(ctx context.Context, projectID string) ([]domain.EnvironmentVariable, error) {
	row, err := p.Repo.GetInfraFrontendProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.Vercel.ListEnv(ctx, row.RemoteProjectID)
}

// Delete removes the remote project, then the mapping.
func (p *Provisioner) Delete(ctx context.Context, projectID string) error {
	row, err := p.Repo.GetInfraFrontendProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := p.Vercel.DeleteProject(ctx, row.RemoteProjectID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		metrics.Provisioning.WithLabelValues("frontend", "delete", "error").Inc()
		return err
	}
	err = p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.Repo.DeleteInfraFrontendProjectTx(ctx, tx, projectID); err != nil {
			return err
		}
		return p.Events.Append(ctx, tx, events.FrontendInfraDeleted, projectID, "infra_frontend_project", row.ID, events.Payload{"remote_project_id": row.RemoteProjectID})
	})
	if err != nil {
		return err
	}
	metrics.Provisioning.WithLabelValues("frontend", "delete", "ok").Inc()
	p.logger().InfoContext(ctx, "frontend infra deleted", "project_id", projectID)
	return nil
}

// DeploymentStatus summarizes the newest deployment of a branch.
type DeploymentStatus struct {
	DeploymentID string `json:"deployment_id"`
	State        string `json:"state"`
	Status       string `json:"status" enum:"success,failed,building"`
	URL          string `json:"url,omitempty"`
	Message      string `json:"message,omitempty"`
}

// LatestDeployment reports the newest deployment built from branch. Failed
// deployments carry their build events as Message.
func (p *Provisioner) LatestDeployment(ctx context.Context, projectID, branch string) (DeploymentStatus, error) {
	if branch == "" {
		branch = p.Config.Builds.FrontendBranch
	}
	row, err := p.Repo.GetInfraFrontendProject(ctx, projectID)
	if err != nil {
		return DeploymentStatus{}, err
	}
	d, err := p.Vercel.LatestDeployment(ctx, row.RemoteProjectID, branch)
	if err != nil {
		return DeploymentStatus{}, err
	}
	st := DeploymentStatus{DeploymentID: d.UID, State: d.State, URL: d.URL}
	switch d.State {
	case vercel.StateError:
		evs, err := p.Vercel.DeploymentEvents(ctx, d.UID)
		if err != nil {
			return DeploymentStatus{}, err
		}
		st.Status = DeploymentFailed
		st.Message = vercel.FormatEvents(evs)
	case vercel.StateReady:
		st.Status = DeploymentSuccess
	default:
		st.Status = DeploymentBuilding
	}
	return st, nil
}

// AssignDomainToBranch points the project's first domain at branch.
func (p *Provisioner) AssignDomainToBranch(ctx context.Context, projectID, branch string) error {
	if strings.TrimSpace(branch) == "" {
		return apperr.BadRequest("branch is required")
	}
	row, err := p.Repo.GetInfraFrontendProject(ctx, projectID)
	if err != nil {
		return err
	}
	domains, err := p.Vercel.ListDomains(ctx, row.RemoteProjectID)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return apperr.NotFound("domain for frontend project %s", row.RemoteProjectID)
	}
	return p.Vercel.SetDomainBranch(ctx, row.RemoteProjectID, domains[0].Name, branch)
}

// Redeploy starts a deployment of the latest commit on branch.
func (p *Provisioner) Redeploy(ctx context.Context, projectID, branch string) (string, error) {
	if branch == "" {
		branch = p.Config.Builds.FrontendBranch
	}
	row, err := p.Repo.GetInfraFrontendProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	d, err := p.Vercel.CreateDeployment(ctx, row.RemoteProjectID, p.Config.GitHub.Owner, domain.RepositoryName(p.Config.Templates.Frontend, projectID), branch)
	if err != nil {
		metrics.Provisioning.WithLabelValues("frontend", "redeploy", "error").Inc()
		return "", err
	}
	metrics.Provisioning.WithLabelValues("frontend", "redeploy", "ok").Inc()
	return d.UID, nil
}
