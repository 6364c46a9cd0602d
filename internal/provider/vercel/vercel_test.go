package vercel_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
	"shipline/internal/domain"
	"shipline/internal/provider/rest"
	"shipline/internal/provider/vercel"
	"shipline/internal/provider/vercel/verceltest"
)

func newClient(t *testing.T) (*vercel.Client, *verceltest.Server) {
	t.Helper()
	srv := verceltest.NewServer("team_1")
	t.Cleanup(srv.Close)
	return vercel.New(rest.New("vercel", rest.Options{BaseURL: srv.URL, Token: "v"}), "team_1"), srv
}

func TestUpsertEnvLastWriteWins(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	p, err := c.CreateProject(ctx, "nextjs-web_p1", "acme/nextjs-web_p1")
	require.NoError(t, err)

	prod := domain.EnvironmentVariable{Key: "NODE_ENV", Value: "production", Target: []string{domain.TargetProduction}}
	require.NoError(t, c.UpsertEnv(ctx, p.ID, []domain.EnvironmentVariable{prod}))
	prod.Value = "staging"
	require.NoError(t, c.UpsertEnv(ctx, p.ID, []domain.EnvironmentVariable{prod}))

	envs := srv.Env(p.ID)
	require.Len(t, envs, 1)
	assert.Equal(t, "staging", envs[0].Value)
	assert.Equal(t, domain.EnvTypePlain, envs[0].Type)

	listed, err := c.ListEnv(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "NODE_ENV", listed[0].Key)
}

func TestLatestDeploymentMatchesBranch(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	p, err := c.CreateProject(ctx, "web", "acme/web")
	require.NoError(t, err)
	srv.AddDeployment(p.ID, verceltest.Deployment{UID: "d1", State: vercel.StateReady, Target: "preview"}, "feature")

	_, err = c.LatestDeployment(ctx, p.ID, "dev")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	srv.AddDeployment(p.ID, verceltest.Deployment{UID: "d2", State: vercel.StateError, Target: "preview"}, "dev",
		verceltest.Event{Type: "stderr", Created: 2000, Text: "Type error", Info: map[string]any{"type": "build"}},
		verceltest.Event{Type: "command", Created: 1000, Text: "npm run build", Info: map[string]any{"type": "build"}},
	)
	d, err := c.LatestDeployment(ctx, p.ID, "dev")
	require.NoError(t, err)
	assert.Equal(t, "d2", d.UID)

	events, err := c.DeploymentEvents(ctx, d.UID)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(vercel.FormatEvents(events)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1970-01-01T00:00:01Z - command, build: npm run build", lines[0])
	assert.Equal(t, "1970-01-01T00:00:02Z - stderr, build: Type error", lines[1])
}

func TestDomainsAndAccessGating(t *testing.T) {
	ctx := context.Background()
	c, srv := newClient(t)
	p, err := c.CreateProject(ctx, "web", "acme/web")
	require.NoError(t, err)

	require.NoError(t, c.DisableAccessGating(ctx, p.ID))
	assert.True(t, srv.SSOPatched(p.ID))

	domains, err := c.ListDomains(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	require.NoError(t, c.SetDomainBranch(ctx, p.ID, domains[0].Name, "dev"))
	assert.Equal(t, "dev", srv.Domains(p.ID)[0]["gitBranch"])

	require.NoError(t, c.DeleteProject(ctx, p.ID))
	_, err = c.GetProject(ctx, p.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
