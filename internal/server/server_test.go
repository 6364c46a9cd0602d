package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/app"
	"shipline/internal/blobstore"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/frontendinfra"
	"shipline/internal/provider/github/githubtest"
	"shipline/internal/provider/koyeb/koyebtest"
	"shipline/internal/provider/vercel/verceltest"
)

const projectID = "7f3c2a10-1111-2222-3333-444455556666"

type fakeSecrets struct{}

func (fakeSecrets) GetSecretValue(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"db_password":"pw","anon_key":"anon","service_role_key":"service"}`),
	}, nil
}

type testServer struct {
	URL    string
	client *http.Client
	koyeb  *koyebtest.Server
	vercel *verceltest.Server
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	ks := koyebtest.NewServer()
	vs := verceltest.NewServer("team_1")
	gs := githubtest.NewServer("acme")
	t.Cleanup(ks.Close)
	t.Cleanup(vs.Close)
	t.Cleanup(gs.Close)
	gs.AddRepo("nestjs-api_" + projectID)
	gs.AddRepo("nextjs-web_" + projectID)

	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	cfg.GitHub.BaseURL, cfg.GitHub.Owner, cfg.GitHub.Retries = gs.URL, "acme", 0
	cfg.Koyeb.BaseURL, cfg.Koyeb.Retries = ks.URL, 0
	cfg.Vercel.BaseURL, cfg.Vercel.TeamID, cfg.Vercel.Retries = vs.URL, "team_1", 0

	conn, err := app.OpenStore(ctx, cfg)
	require.NoError(t, err)
	svc, err := app.New(ctx, cfg, conn, app.Options{Secrets: fakeSecrets{}, Archives: blobstore.Discard{}})
	require.NoError(t, err)

	require.NoError(t, svc.Repo.InsertOrganization(ctx, domain.Organization{ID: "o1", Name: "Acme"}, "2026-03-01T00:00:00Z"))
	require.NoError(t, svc.Repo.InsertProject(ctx, domain.Project{ID: projectID, OrganizationID: "o1", Name: "Acme Shop", CreatedAt: "2026-03-01T00:00:00Z"}))
	require.NoError(t, svc.Repo.UpsertManagedDatabase(ctx, domain.ManagedDatabase{ProjectID: projectID, Ref: "abcd", CreatedAt: "2026-03-01T00:00:00Z"}))

	handler, err := New(Config{Engine: svc.Engine, Backend: svc.Backend, Frontend: svc.Frontend, Builds: svc.Builds, BasePath: "/v1"})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		koyeb:  ks,
		vercel: vs,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			svc.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthDocsAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/development/iteration")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProvisioningFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/frontend-infra/vercel-project", map[string]any{"project_id": projectID})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
	assert.Empty(t, srv.vercel.Projects())

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/backend-infra/koyeb/project", map[string]any{"projectId": projectID})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var infra domain.InfraApp
	require.NoError(t, json.Unmarshal(data, &infra))
	assert.Equal(t, projectID, infra.ProjectID)
	assert.Len(t, srv.koyeb.Apps(), 1)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/backend-infra/koyeb/project/"+projectID+"/service", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"deploy_status":"deployed"`)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/frontend-infra/vercel-project", map[string]any{"project_id": projectID})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created frontendinfra.Result
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Len(t, created.Environment, 12)
	assert.Len(t, srv.vercel.Env(created.Project.RemoteProjectID), 12)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/frontend-infra/vercel-project/environment-variables/single", map[string]any{
		"project_id":           projectID,
		"environment_variable": map[string]any{"key": "FEATURE_FLAG", "value": "on", "target": []string{"staging"}},
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.NotEmpty(t, decodeError(t, data).Error.Details["fields"])

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/frontend-infra/project/"+projectID+"/vercel", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"success"}`, string(data))

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/backend-infra/koyeb/project/"+projectID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, srv.koyeb.Apps())
}

func TestIterationFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/development/iteration", map[string]any{
		"project_id": projectID,
		"type":       "requirements",
		"tasks":      []map[string]any{{"name": "schema", "team": "backend"}},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var view engine.IterationView
	require.NoError(t, json.Unmarshal(data, &view))
	itURL := srv.URL + "/v1/development/iteration/" + view.Iteration.ID

	res, data = doJSON(t, client, http.MethodPost, itURL+"/iteration-task/bulk", map[string]any{
		"tasks": []map[string]any{{"name": "landing page", "team": "frontend"}},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, itURL+"/next-task", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var peek NextTaskResponse
	require.NoError(t, json.Unmarshal(data, &peek))
	require.NotNil(t, peek.Task)
	assert.Equal(t, "schema", peek.Task.Name)

	for _, name := range []string{"schema", "landing page"} {
		res, data = doJSON(t, client, http.MethodPost, itURL+"/next-task", nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var next NextTaskResponse
		require.NoError(t, json.Unmarshal(data, &next))
		require.NotNil(t, next.Task)
		assert.Equal(t, name, next.Task.Name)
		assert.Equal(t, domain.TaskStatusInProgress, next.Task.Status)

		res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/development/iteration-task/"+next.Task.ID+"/result", map[string]any{"result": "ok", "working_time": 10})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/development/iteration-task/"+next.Task.ID+"/status", map[string]any{"status": "done"})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, itURL+"/next-task", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"task":null}`, string(data))

	res, data = doJSON(t, client, http.MethodGet, itURL, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, domain.IterationStatusDone, view.Iteration.Status)
	assert.InDelta(t, 20, view.Iteration.WorkingTime, 0.001)

	res, data = doJSON(t, client, http.MethodPost, itURL+"/iteration-task/bulk", map[string]any{
		"tasks": []map[string]any{{"name": "late", "team": "frontend"}},
	})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+projectID+"/events", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), "iteration.done")
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/development/iteration", map[string]any{
		"project_id": projectID,
		"type":       "requirements",
		"tasks":      []map[string]any{{"name": "qa pass", "team": "qa"}},
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/backend-infra/koyeb/project", map[string]any{})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/development/iteration-task/missing/status", map[string]any{"status": "done"})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/repository-build/status", map[string]any{
		"project_id": projectID, "iteration_id": "it1", "template": "web", "status": "in_progress",
	})
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/repository-build/"+projectID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"items":[]}`, string(data))
}
