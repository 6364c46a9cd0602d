package backendinfra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/migrate"
	"shipline/internal/provider/github"
	"shipline/internal/provider/github/githubtest"
	"shipline/internal/provider/koyeb"
	"shipline/internal/provider/koyeb/koyebtest"
	"shipline/internal/provider/rest"
	"shipline/internal/repo"
)

type staticCredentials struct {
	creds domain.Credentials
	err   error
}

func (s staticCredentials) Resolve(context.Context, string) (domain.Credentials, error) {
	return s.creds, s.err
}

type fixture struct {
	p      *Provisioner
	koyeb  *koyebtest.Server
	github *githubtest.Server
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	ks := koyebtest.NewServer()
	t.Cleanup(ks.Close)
	gs := githubtest.NewServer("acme")
	t.Cleanup(gs.Close)

	cfg := config.Default()
	cfg.GitHub.Owner = "acme"
	p := &Provisioner{
		Repo:   repo.Repo{DB: conn},
		Koyeb:  koyeb.New(rest.New("koyeb", rest.Options{BaseURL: ks.URL, Retries: 0})),
		GitHub: github.New(rest.New("github", rest.Options{BaseURL: gs.URL, Retries: 0}), "acme"),
		Credentials: staticCredentials{creds: domain.Credentials{
			DatabaseURL:    "postgresql://postgres:pw@db.ref.supabase.co:5432/postgres",
			APIURL:         "https://ref.supabase.co",
			AnonKey:        "anon",
			ServiceRoleKey: "service",
			Storage:        domain.StorageCredentials{AccessKey: "ak", SecretKey: "sk", Region: "us-east-1", Bucket: "bucket"},
		}},
		Config: cfg,
		Now:    func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	}
	return fixture{p: p, koyeb: ks, github: gs}
}

const projectID = "7f3c2a10-1111-2222-3333-444455556666"

func TestCreateProvisionsAppAndService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.github.AddRepo(domain.RepositoryName("nestjs-api", projectID))

	row, err := f.p.Create(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, projectID, row.ProjectID)
	assert.NotEmpty(t, row.AppID)
	assert.NotEmpty(t, row.ServiceID)
	assert.Len(t, row.APIKey, 64)
	assert.True(t, row.IsActive)

	svc, ok := f.koyeb.Service(row.ServiceID)
	require.True(t, ok)
	assert.Equal(t, "api-7f3c2a10", svc.Definition.Name)
	assert.Equal(t, "github.com/acme/nestjs-api_"+projectID, svc.Definition.Git.Repository)
	env := map[string]string{}
	for _, e := range svc.Definition.Env {
		env[e.Key] = e.Value
	}
	assert.Equal(t, row.APIKey, env["API_KEY"])
	assert.Equal(t, "development", env["NODE_ENV"])
	assert.Equal(t, "anon", env["SUPABASE_ANON_KEY"])
	assert.Equal(t, "bucket", env["AWS_S3_BUCKET_NAME"])
	assert.Equal(t, placeholderValue, env["STRIPE_SECRET_KEY"])

	again, err := f.p.Create(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Len(t, f.koyeb.Apps(), 1)

	domainName, err := f.p.ActiveDomain(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, "dev-7f3c2a10.koyeb.app", domainName)
}

func TestCreateMissingRepositoryTouchesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Create(context.Background(), projectID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.koyeb.Calls())
	_, err = f.p.Get(context.Background(), projectID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateServiceFailureDeletesApp(t *testing.T) {
	f := newFixture(t)
	f.github.AddRepo(domain.RepositoryName("nestjs-api", projectID))
	f.koyeb.FailCreateService = true

	_, err := f.p.Create(context.Background(), projectID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Empty(t, f.koyeb.Apps())
	_, err = f.p.Get(context.Background(), projectID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateRequiresCredentials(t *testing.T) {
	f := newFixture(t)
	f.github.AddRepo(domain.RepositoryName("nestjs-api", projectID))
	f.p.Credentials = staticCredentials{err: apperr.NotFound("managed database for project %s", projectID)}

	_, err := f.p.Create(context.Background(), projectID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.koyeb.Apps())
}

func TestGetServiceReportsDeployStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.github.AddRepo(domain.RepositoryName("nestjs-api", projectID))
	row, err := f.p.Create(ctx, projectID)
	require.NoError(t, err)

	st, err := f.p.GetService(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, DeployStatusDeployed, st.DeployStatus)

	f.koyeb.SetDeploying(row.ServiceID)
	st, err = f.p.GetService(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, DeployStatusDeploying, st.DeployStatus)

	require.NoError(t, f.p.Redeploy(ctx, projectID))
	assert.Equal(t, []string{row.ServiceID}, f.koyeb.Redeployed())
}

func TestDeleteRemovesServiceThenApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.p.Delete(ctx, projectID), apperr.ErrNotFound)

	f.github.AddRepo(domain.RepositoryName("nestjs-api", projectID))
	row, err := f.p.Create(ctx, projectID)
	require.NoError(t, err)

	require.NoError(t, f.p.Delete(ctx, projectID))
	calls := f.koyeb.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"DELETE /v1/services/" + row.ServiceID, "DELETE /v1/apps/" + row.AppID}, calls[len(calls)-2:])
	assert.Empty(t, f.koyeb.Apps())
	_, err = f.p.Get(ctx, projectID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
