// Package backendinfra provisions a project's backend app and service on the
// container host and keeps the InfraApp mapping.
package backendinfra

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipline/internal/apperr"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/metrics"
	"shipline/internal/provider/github"
	"shipline/internal/provider/koyeb"
	"shipline/internal/repo"
	"shipline/internal/saga"
)

const (
	DeployStatusDeploying = "deploying"
	DeployStatusDeployed  = "deployed"

	placeholderValue = "replace-me"
)

// CredentialResolver supplies the secrets baked into the service env.
type CredentialResolver interface {
	Resolve(ctx context.Context, projectID string) (domain.Credentials, error)
}

// RepositoryFinder looks up source repositories by name.
type RepositoryFinder interface {
	GetRepository(ctx context.Context, name string) (github.Repository, error)
}

type Provisioner struct {
	Repo        repo.Repo
	Events      events.Writer
	Koyeb       *koyeb.Client
	GitHub      RepositoryFinder
	Credentials CredentialResolver
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

// NewAPIKey returns 32 random bytes, hex encoded.
func NewAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// EnvBundle is the service environment for a backend.
func EnvBundle(apiKey, nodeEnv string, creds domain.Credentials) []koyeb.EnvVar {
	pairs := []struct{ k, v string }{
		{"API_KEY", apiKey},
		{"DATABASE_URL", creds.DatabaseURL},
		{"SUPABASE_URL", creds.APIURL},
		{"SUPABASE_ANON_KEY", creds.AnonKey},
		{"SUPABASE_SERVICE_ROLE_KEY", creds.ServiceRoleKey},
		{"AWS_ACCESS_KEY", creds.Storage.AccessKey},
		{"AWS_SECRET_KEY", creds.Storage.SecretKey},
		{"AWS_REGION", creds.Storage.Region},
		{"AWS_S3_BUCKET_NAME", creds.Storage.Bucket},
		// filled in by the project owner after provisioning
		{"STRIPE_SECRET_KEY", placeholderValue},
		{"STRIPE_WEBHOOK_SECRET", placeholderValue},
		{"NODE_ENV", nodeEnv},
	}
	out := make([]koyeb.EnvVar, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, koyeb.EnvVar{Scope: []string{"service"}, Key: kv.k, Value: kv.v})
	}
	return out
}

// Create provisions the backend for a project. An existing mapping is
// returned as-is without remote calls. Remote resources created before a
// failure are deleted again.
func (p *Provisioner) Create(ctx context.Context, projectID string) (domain.InfraApp, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.InfraApp{}, apperr.BadRequest("project_id is required")
	}
	if existing, err := p.Repo.GetInfraApp(ctx, projectID); err == nil {
		metrics.Provisioning.WithLabelValues("backend", "create", "reused").Inc()
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.InfraApp{}, err
	}

	repository, err := p.GitHub.GetRepository(ctx, domain.RepositoryName(p.Config.Templates.Backend, projectID))
	if err != nil {
		return domain.InfraApp{}, err
	}
	creds, err := p.Credentials.Resolve(ctx, projectID)
	if err != nil {
		return domain.InfraApp{}, err
	}
	apiKey, err := NewAPIKey()
	if err != nil {
		return domain.InfraApp{}, err
	}

	short := domain.ShortID(projectID)
	var (
		app koyeb.App
		svc koyeb.Service
		row domain.InfraApp
	)
	def := koyeb.ServiceDefinition{
		Type:          "WEB",
		Name:          "api-" + short,
		Git:           koyeb.GitSource{Repository: "github.com/" + repoFullName(p.Config.GitHub.Owner, repository), Branch: "main"},
		Regions:       []string{p.Config.Koyeb.Region},
		InstanceTypes: []koyeb.InstanceType{{Type: p.Config.Koyeb.InstanceType}},
		Scalings:      []koyeb.Scaling{{Min: 1, Max: 1}},
		Env:           EnvBundle(apiKey, p.Config.Environment, creds),
	}
	err = saga.Saga{Name: "create backend infra", Logger: p.logger()}.Run(ctx,
		saga.Step{
			Name: "create app",
			Execute: func(ctx context.Context) error {
				var err error
				app, err = p.Koyeb.CreateApp(ctx, p.Config.EnvPrefix()+"-"+short)
				return err
			},
			Compensate: func(ctx context.Context) error { return p.Koyeb.DeleteApp(ctx, app.ID) },
		},
		saga.Step{
			Name: "create service",
			Execute: func(ctx context.Context) error {
				var err error
				svc, err = p.Koyeb.CreateService(ctx, app.ID, def)
				return err
			},
			Compensate: func(ctx context.Context) error { return p.Koyeb.DeleteService(ctx, svc.ID) },
		},
		saga.Step{
			Name: "record mapping",
			Execute: func(ctx context.Context) error {
				ts := domain.Timestamp(p.now())
				row = domain.InfraApp{ID: uuid.NewString(), ProjectID: projectID, AppID: app.ID, ServiceID: svc.ID, APIKey: apiKey, IsActive: true, CreatedAt: ts, UpdatedAt: ts}
				return p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
					if err := p.Repo.InsertInfraAppTx(ctx, tx, row); err != nil {
						return err
					}
					return p.Events.Append(ctx, tx, events.BackendInfraCreated, projectID, "infra_app", row.ID, events.Payload{"app_id": app.ID, "service_id": svc.ID})
				})
			},
		},
	)
	if err != nil {
		metrics.Provisioning.WithLabelValues("backend", "create", "compensated").Inc()
		p.logger().ErrorContext(ctx, "create backend infra failed", "project_id", projectID, "error", err)
		return domain.InfraApp{}, err
	}
	metrics.Provisioning.WithLabelValues("backend", "create", "ok").Inc()
	p.logger().InfoContext(ctx, "backend infra created", "project_id", projectID, "app_id", app.ID, "service_id", svc.ID)
	return row, nil
}

func repoFullName(owner string, r github.Repository) string {
	if r.FullName != "" {
		return r.FullName
	}
	return owner + "/" + r.Name
}

// Get returns the persisted mapping.
func (p *Provisioner) Get(ctx context.Context, projectID string) (domain.InfraApp, error) {
	return p.Repo.GetInfraApp(ctx, projectID)
}

// GetApp fetches the remote app of a project.
func (p *Provisioner) GetApp(ctx context.Context, projectID string) (koyeb.App, error) {
	row, err := p.Repo.GetInfraApp(ctx, projectID)
	if err != nil {
		return koyeb.App{}, err
	}
	if row.AppID == "" {
		return koyeb.App{}, apperr.NotFound("backend app for project %s", projectID)
	}
	return p.Koyeb.GetApp(ctx, row.AppID)
}

// ServiceStatus is the remote service plus its rollout state.
type ServiceStatus struct {
	Service      koyeb.Service `json:"service"`
	DeployStatus string        `json:"deploy_status" enum:"deploying,deployed"`
}

func (p *Provisioner) GetService(ctx context.Context, projectID string) (ServiceStatus, error) {
	row, err := p.Repo.GetInfraApp(ctx, projectID)
	if err != nil {
		return ServiceStatus{}, err
	}
	if row.ServiceID == "" {
		return ServiceStatus{}, apperr.NotFound("backend service for project %s", projectID)
	}
	svc, err := p.Koyeb.GetService(ctx, row.ServiceID)
	if err != nil {
		return ServiceStatus{}, err
	}
	status := DeployStatusDeployed
	if svc.LatestDeploymentID != "" && svc.LatestDeploymentID != svc.ActiveDeploymentID {
		status = DeployStatusDeploying
	}
	return ServiceStatus{Service: svc, DeployStatus: status}, nil
}

// ActiveDomain returns the app's ACTIVE public domain.
func (p *Provisioner) ActiveDomain(ctx context.Context, projectID string) (string, error) {
	app, err := p.GetApp(ctx, projectID)
	if err != nil {
		return "", err
	}
	d, ok := app.ActiveDomain()
	if !ok {
		return "", apperr.NotFound("active domain for backend of project %s", projectID)
	}
	return d.Name, nil
}

func (p *Provisioner) Redeploy(ctx context.Context, projectID string) error {
	row, err := p.Repo.GetInfraApp(ctx, projectID)
	if err != nil {
		return err
	}
	if row.ServiceID == "" {
		return apperr.NotFound("backend service for project %s", projectID)
	}
	if err := p.Koyeb.RedeployService(ctx, row.ServiceID); err != nil {
		metrics.Provisioning.WithLabelValues("backend", "redeploy", "error").Inc()
		return err
	}
	metrics.Provisioning.WithLabelValues("backend", "redeploy", "ok").Inc()
	return nil
}

// Delete tears down service, then app, then the mapping. Remote resources
// that are already gone are skipped.
func (p *Provisioner) Delete(ctx context.Context, projectID string) error {
	row, err := p.Repo.GetInfraApp(ctx, projectID)
	if err != nil {
		return err
	}
	if row.ServiceID != "" {
		if err := ignoreNotFound(p.Koyeb.DeleteService(ctx, row.ServiceID)); err != nil {
			metrics.Provisioning.WithLabelValues("backend", "delete", "error").Inc()
			return err
		}
	}
	if row.AppID != "" {
		if err := ignoreNotFound(p.Koyeb.DeleteApp(ctx, row.AppID)); err != nil {
			metrics.Provisioning.WithLabelValues("backend", "delete", "error").Inc()
			return err
		}
	}
	err = p.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.Repo.DeleteInfraAppTx(ctx, tx, projectID); err != nil {
			return err
		}
		return p.Events.Append(ctx, tx, events.BackendInfraDeleted, projectID, "infra_app", row.ID, events.Payload{"app_id": row.AppID, "service_id": row.ServiceID})
	})
	if err != nil {
		return err
	}
	metrics.Provisioning.WithLabelValues("backend", "delete", "ok").Inc()
	p.logger().InfoContext(ctx, "backend infra deleted", "project_id", projectID)
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}
