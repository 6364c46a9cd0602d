package buildhealth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
	"shipline/internal/blobstore"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/frontendinfra"
	"shipline/internal/migrate"
	"shipline/internal/notify"
	"shipline/internal/provider/github"
	"shipline/internal/provider/github/githubtest"
	"shipline/internal/provider/rest"
	"shipline/internal/repo"
)

// scriptedDeployments replays statuses; the last one repeats.
type scriptedDeployments struct {
	mu       sync.Mutex
	statuses []frontendinfra.DeploymentStatus
	err      error
	calls    int
}

func (s *scriptedDeployments) LatestDeployment(context.Context, string, string) (frontendinfra.DeploymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return frontendinfra.DeploymentStatus{}, s.err
	}
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return st, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

type memoryArchives struct {
	keys []string
}

func (m *memoryArchives) PutArchive(_ context.Context, projectID string, runID int64, _ []byte) (string, error) {
	key := blobstore.ArchiveKey(projectID, runID)
	m.keys = append(m.keys, key)
	return key, nil
}

type fixture struct {
	m        *Monitor
	deploys  *scriptedDeployments
	github   *githubtest.Server
	notifier *recordingNotifier
	archives *memoryArchives
}

const (
	projectID   = "p1"
	iterationID = "it1"
)

func failed(msg string) frontendinfra.DeploymentStatus {
	return frontendinfra.DeploymentStatus{Status: frontendinfra.DeploymentFailed, State: "ERROR", Message: msg}
}

func ready() frontendinfra.DeploymentStatus {
	return frontendinfra.DeploymentStatus{Status: frontendinfra.DeploymentSuccess, State: "READY"}
}

func building() frontendinfra.DeploymentStatus {
	return frontendinfra.DeploymentStatus{Status: frontendinfra.DeploymentBuilding, State: "BUILDING"}
}

func newFixture(t *testing.T, statuses ...frontendinfra.DeploymentStatus) fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertOrganization(ctx, domain.Organization{ID: "o1", Name: "Acme"}, "2026-03-01T00:00:00Z"))
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: projectID, OrganizationID: "o1", Name: "Acme Shop", CreatedAt: "2026-03-01T00:00:00Z"}))
	require.NoError(t, r.InsertUser(ctx, domain.User{ID: "u1", OrganizationID: "o1", Email: "dev@acme.dev"}, "2026-03-01T00:00:00Z"))

	gs := githubtest.NewServer("acme")
	t.Cleanup(gs.Close)

	cfg := config.Default()
	cfg.GitHub.Owner = "acme"
	cfg.Agents.FrontendRepair.URL = "http://agents.local/frontend-repair"
	cfg.Agents.BackendRepair.URL = "http://agents.local/backend-repair"
	if len(statuses) == 0 {
		statuses = []frontendinfra.DeploymentStatus{ready()}
	}
	deploys := &scriptedDeployments{statuses: statuses}
	notifier := &recordingNotifier{}
	archives := &memoryArchives{}
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return fixture{
		m: &Monitor{
			Repo:     r,
			Frontend: deploys,
			GitHub:   github.New(rest.New("github", rest.Options{BaseURL: gs.URL}), "acme"),
			Archives: archives,
			Notifier: notifier,
			Config:   cfg,
			Now: func() time.Time {
				clock = clock.Add(time.Second)
				return clock
			},
		},
		deploys:  deploys,
		github:   gs,
		notifier: notifier,
		archives: archives,
	}
}

func TestFrontendFailureCountsAttemptsAndQueuesRepair(t *testing.T) {
	f := newFixture(t, failed("boom"))
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := f.m.CheckFrontendBuild(ctx, projectID, iterationID)
		require.NoError(t, err)
		assert.Equal(t, ObservedFailed, res.Observed)
		assert.Equal(t, attempt, res.Build.FixAttempts)
		assert.Equal(t, domain.BuildStatusInProgress, res.Build.Status)
		assert.True(t, res.Build.FixTriggered)
		assert.True(t, res.RepairQueued)
		assert.Equal(t, "boom", res.Build.ErrorLogs)
		require.NotNil(t, res.Build.LastFixAttempt)
	}

	var lastFix string
	for extra := 0; extra < 2; extra++ {
		res, err := f.m.CheckFrontendBuild(ctx, projectID, iterationID)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Build.FixAttempts)
		assert.Equal(t, domain.BuildStatusFailed, res.Build.Status)
		assert.False(t, res.Build.FixTriggered)
		assert.False(t, res.RepairQueued)
		assert.Equal(t, "boom", res.Build.ErrorLogs)
		require.NotNil(t, res.Build.LastFixAttempt)
		if lastFix != "" {
			assert.Equal(t, lastFix, *res.Build.LastFixAttempt)
		}
		lastFix = *res.Build.LastFixAttempt
	}

	msgs, err := f.m.Repo.ListOutbox(ctx, domain.OutboxStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, domain.OutboxKindBuildRepair, m.Kind)
		assert.Equal(t, config.AgentFrontendRepair, m.Endpoint)
		assert.Contains(t, m.Payload, `"repo_name":"nextjs-web_p1"`)
	}
}

func TestManualPolicyRecordsFailureOnly(t *testing.T) {
	f := newFixture(t, failed("boom"))
	f.m.Config.Builds.RepairPolicy = config.RepairPolicyManual
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.m.CheckFrontendBuild(ctx, projectID, iterationID)
		require.NoError(t, err)
		assert.Zero(t, res.Build.FixAttempts)
		assert.Nil(t, res.Build.LastFixAttempt)
		assert.Equal(t, domain.BuildStatusFailed, res.Build.Status)
		assert.Equal(t, "boom", res.Build.ErrorLogs)
		assert.False(t, res.RepairQueued)
	}

	msgs, err := f.m.Repo.ListOutbox(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFailureWithoutRepairEndpointKeepsCounter(t *testing.T) {
	f := newFixture(t, failed("boom"))
	f.m.Config.Agents.FrontendRepair.URL = ""
	ctx := context.Background()

	res, err := f.m.CheckFrontendBuild(ctx, projectID, iterationID)
	require.NoError(t, err)
	assert.Zero(t, res.Build.FixAttempts)
	assert.Nil(t, res.Build.LastFixAttempt)
	assert.False(t, res.Build.FixTriggered)
	assert.Equal(t, domain.BuildStatusFailed, res.Build.Status)

	f.m.Config.Agents.FrontendRepair.URL = "http://agents.local/frontend-repair"
	res, err = f.m.CheckFrontendBuild(ctx, projectID, iterationID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Build.FixAttempts)
	assert.Equal(t, domain.BuildStatusInProgress, res.Build.Status)
	assert.True(t, res.RepairQueued)
}

func TestFrontendSuccessNotifies(t *testing.T) {
	f := newFixture(t, ready())
	res, err := f.m.CheckFrontendBuild(context.Background(), projectID, iterationID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusSuccess, res.Build.Status)
	assert.Zero(t, res.Build.FixAttempts)
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, []string{"dev@acme.dev"}, f.notifier.msgs[0].To)
	assert.Equal(t, "Acme Shop: Frontend Build Succeeded", f.notifier.msgs[0].Subject)
}

func TestCheckPropagatesMissingDeployment(t *testing.T) {
	f := newFixture(t)
	f.deploys.err = apperr.NotFound("no deployment")
	_, err := f.m.CheckFrontendBuild(context.Background(), projectID, iterationID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.m.CheckFrontendBuild(context.Background(), "", iterationID)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = f.m.CheckBuild(context.Background(), projectID, iterationID, "mobile")
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestWorkflowRunNotFailedIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.github.AddRun("nestjs-api_p1", githubtest.Run{ID: 7, HeadBranch: "staging", Status: "in_progress"})

	res, err := f.m.GetLatestWorkflowRun(context.Background(), projectID, "staging")
	require.NoError(t, err)
	assert.Equal(t, ObservedSuccess, res.Status)
	assert.Empty(t, res.Logs)
}

func TestBackendFailureExtractsFailedStep(t *testing.T) {
	f := newFixture(t)
	f.github.AddRun("nestjs-api_p1", githubtest.Run{
		ID: 9, HeadBranch: "staging", Status: "completed", Conclusion: "failure",
		Jobs: []githubtest.Job{{ID: 1, Name: "build", Conclusion: "failure", Steps: []githubtest.Step{
			{Name: "Set up job", Number: 1, Conclusion: "success"},
			{Name: "Compile", Number: 5, Conclusion: "failure"},
			{Name: "Test", Number: 6, Conclusion: "skipped"},
		}}},
		Logs: map[string]string{
			"build/1_Set up job.txt": "setup ok",
			"build/5_Compile.txt":    "error TS2304",
			"build/6_Test.txt":       "skipped",
			"build/50_Post.txt":      "post",
		},
	})

	res, err := f.m.CheckBackendBuild(context.Background(), projectID, iterationID)
	require.NoError(t, err)
	assert.Equal(t, ObservedFailed, res.Observed)
	assert.Equal(t, "Log file name: build/5_Compile.txt\nLogs:\nerror TS2304", res.Logs)
	assert.Equal(t, res.Logs, res.Build.ErrorLogs)
	assert.Equal(t, domain.BuildTypeAPI, res.Build.Type)
	assert.Equal(t, []string{"ci-logs/p1/9.zip"}, f.archives.keys)

	transcript, err := f.m.WorkflowTranscript(context.Background(), projectID, 9)
	require.NoError(t, err)
	assert.Equal(t, "Log file name: build/1_Set up job.txt\nLogs:\nsetup ok\n\n"+
		"Log file name: build/5_Compile.txt\nLogs:\nerror TS2304\n\n"+
		"Log file name: build/6_Test.txt\nLogs:\nskipped\n\n"+
		"Log file name: build/50_Post.txt\nLogs:\npost", transcript)
}

func TestCheckAllChecksBothBuilds(t *testing.T) {
	f := newFixture(t, ready())
	f.github.AddRun("nestjs-api_p1", githubtest.Run{ID: 3, HeadBranch: "staging", Status: "completed", Conclusion: "success"})

	results, err := f.m.CheckAll(context.Background(), projectID, iterationID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.BuildTypeWeb, results[0].Build.Type)
	assert.Equal(t, domain.BuildTypeAPI, results[1].Build.Type)

	builds, err := f.m.List(context.Background(), projectID)
	require.NoError(t, err)
	assert.Len(t, builds, 2)
}

func TestRecheckKeepsAttempts(t *testing.T) {
	f := newFixture(t, failed("boom"), failed("still broken"), ready())
	ctx := context.Background()

	_, err := f.m.Recheck(ctx, projectID, "", domain.BuildTypeWeb)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	first, err := f.m.CheckFrontendBuild(ctx, projectID, iterationID)
	require.NoError(t, err)
	require.Equal(t, 1, first.Build.FixAttempts)

	res, err := f.m.Recheck(ctx, projectID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Build.FixAttempts)
	assert.Equal(t, domain.BuildStatusFailed, res.Build.Status)
	assert.Equal(t, "still broken", res.Build.ErrorLogs)

	res, err = f.m.Recheck(ctx, projectID, iterationID, domain.BuildTypeWeb)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Build.FixAttempts)
	assert.Equal(t, domain.BuildStatusSuccess, res.Build.Status)

	msgs, err := f.m.Repo.ListOutbox(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRecheckCreatesMissingBuild(t *testing.T) {
	f := newFixture(t, failed("boom"))
	ctx := context.Background()

	res, err := f.m.Recheck(ctx, projectID, iterationID, domain.BuildTypeWeb)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusFailed, res.Build.Status)
	assert.Zero(t, res.Build.FixAttempts)
	assert.False(t, res.Build.FixTriggered)

	builds, err := f.m.List(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, iterationID, builds[0].IterationID)
}

func TestSetStatusTransitions(t *testing.T) {
	f := newFixture(t, building())
	ctx := context.Background()

	_, err := f.m.SetStatus(ctx, projectID, iterationID, domain.BuildTypeWeb, domain.BuildStatusSuccess)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err := f.m.CheckFrontendBuild(ctx, projectID, iterationID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildStatusInProgress, res.Build.Status)

	b, err := f.m.SetStatus(ctx, projectID, iterationID, domain.BuildTypeWeb, domain.BuildStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusInProgress, b.Status)

	_, err = f.m.SetStatus(ctx, projectID, iterationID, domain.BuildTypeWeb, domain.BuildStatusPending)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	b, err = f.m.SetStatus(ctx, projectID, iterationID, domain.BuildTypeWeb, domain.BuildStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusFailed, b.Status)

	_, err = f.m.SetStatus(ctx, projectID, iterationID, domain.BuildTypeWeb, domain.BuildStatusSuccess)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	b, err = f.m.SetStatus(ctx, projectID, iterationID, domain.BuildTypeWeb, domain.BuildStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildStatusInProgress, b.Status)
}

func TestWaitForDeployment(t *testing.T) {
	f := newFixture(t, building(), building(), ready())
	f.m.PollInterval = 5 * time.Millisecond
	f.m.PollTimeout = time.Second

	st, err := f.m.WaitForDeployment(context.Background(), projectID, "dev")
	require.NoError(t, err)
	assert.Equal(t, frontendinfra.DeploymentSuccess, st.Status)
	assert.Equal(t, 3, f.deploys.calls)
}

func TestWaitForDeploymentTimesOut(t *testing.T) {
	f := newFixture(t, building())
	f.m.PollInterval = 5 * time.Millisecond
	f.m.PollTimeout = 30 * time.Millisecond

	_, err := f.m.WaitForDeployment(context.Background(), projectID, "dev")
	assert.ErrorIs(t, err, apperr.ErrTimeout)
}
