// Package buildhealth tracks per-iteration build health of a project's
// frontend deployments and backend CI runs, and queues repair requests.
package buildhealth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shipline/internal/apperr"
	"shipline/internal/blobstore"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/frontendinfra"
	"shipline/internal/logarchive"
	"shipline/internal/metrics"
	"shipline/internal/notify"
	"shipline/internal/provider/github"
	"shipline/internal/repo"
)

// Observed states of a deployment or CI run.
const (
	ObservedSuccess  = "success"
	ObservedFailed   = "failed"
	ObservedBuilding = "building"
)

// DeploymentSource reports frontend deployments.
type DeploymentSource interface {
	LatestDeployment(ctx context.Context, projectID, branch string) (frontendinfra.DeploymentStatus, error)
}

// WorkflowSource reads CI runs of backend repositories.
type WorkflowSource interface {
	LatestWorkflowRun(ctx context.Context, repo, branch string) (github.WorkflowRun, error)
	RunJobs(ctx context.Context, repo string, runID int64) ([]github.Job, error)
	RunLogs(ctx context.Context, repo string, runID int64) ([]byte, error)
}

type Monitor struct {
	Repo     repo.Repo
	Events   events.Writer
	Frontend DeploymentSource
	GitHub   WorkflowSource
	Archives blobstore.ArchiveStore
	Notifier notify.Notifier
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time

	// PollInterval and PollTimeout override the configured values when set.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Monitor) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// WorkflowResult is the state of the newest CI run on a branch.
type WorkflowResult struct {
	RunID      int64  `json:"run_id"`
	Status     string `json:"status" enum:"success,failed"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
	FailedStep string `json:"failed_step,omitempty"`
	Logs       string `json:"logs"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// CheckResult is what a build check observed and recorded.
type CheckResult struct {
	Build        domain.RepositoryBuild `json:"build"`
	Observed     string                 `json:"observed" enum:"success,failed,building"`
	Logs         string                 `json:"logs,omitempty"`
	RepairQueued bool                   `json:"repair_queued"`
}

type observation struct {
	status string
	logs   string
}

func (m *Monitor) backendRepo(projectID string) string {
	return domain.RepositoryName(m.Config.Templates.Backend, projectID)
}

// GetLatestWorkflowRun inspects the newest run on branch. Anything but a
// failed conclusion is reported as success with no logs. For a failure the
// first failed step's log is extracted from the run archive.
func (m *Monitor) GetLatestWorkflowRun(ctx context.Context, projectID, branch string) (WorkflowResult, error) {
	if branch == "" {
		branch = m.Config.Builds.BackendBranch
	}
	repoName := m.backendRepo(projectID)
	run, err := m.GitHub.LatestWorkflowRun(ctx, repoName, branch)
	if err != nil {
		return WorkflowResult{}, err
	}
	res := WorkflowResult{RunID: run.ID, Conclusion: run.Conclusion, URL: run.HTMLURL, Status: ObservedSuccess}
	if run.Conclusion != github.ConclusionFailure {
		return res, nil
	}
	res.Status = ObservedFailed
	jobs, err := m.GitHub.RunJobs(ctx, repoName, run.ID)
	if err != nil {
		return WorkflowResult{}, err
	}
	step, ok := github.FirstFailedStep(jobs)
	if !ok {
		return res, nil
	}
	res.FailedStep = step.Name
	archive, err := m.GitHub.RunLogs(ctx, repoName, run.ID)
	if err != nil {
		return WorkflowResult{}, err
	}
	res.ArchiveKey = m.archive(ctx, projectID, run.ID, archive)
	files, err := logarchive.ExtractAll(archive)
	if err != nil {
		return WorkflowResult{}, apperr.Upstream("run %d logs: %v", run.ID, err)
	}
	res.Logs = logarchive.ExtractStep(files, m.Config.Builds.LogSegment, step.Number)
	return res, nil
}

func (m *Monitor) archive(ctx context.Context, projectID string, runID int64, data []byte) string {
	if m.Archives == nil {
		return ""
	}
	key, err := m.Archives.PutArchive(ctx, projectID, runID, data)
	if err != nil {
		m.logger().WarnContext(ctx, "archive ci logs failed", "project_id", projectID, "run_id", runID, "error", err)
		return ""
	}
	return key
}

// WorkflowTranscript returns every build log of a run in step order.
func (m *Monitor) WorkflowTranscript(ctx context.Context, projectID string, runID int64) (string, error) {
	archive, err := m.GitHub.RunLogs(ctx, m.backendRepo(projectID), runID)
	if err != nil {
		return "", err
	}
	files, err := logarchive.ExtractAll(archive)
	if err != nil {
		return "", apperr.Upstream("run %d logs: %v", runID, err)
	}
	return logarchive.BuildOrderedTranscript(files, m.Config.Builds.LogSegment), nil
}

func (m *Monitor) observeFrontend(ctx context.Context, projectID string) (observation, error) {
	st, err := m.Frontend.LatestDeployment(ctx, projectID, m.Config.Builds.FrontendBranch)
	if err != nil {
		return observation{}, err
	}
	switch st.Status {
	case frontendinfra.DeploymentSuccess:
		return observation{status: ObservedSuccess}, nil
	case frontendinfra.DeploymentFailed:
		return observation{status: ObservedFailed, logs: st.Message}, nil
	}
	return observation{status: ObservedBuilding}, nil
}

func (m *Monitor) observeBackend(ctx context.Context, projectID string) (observation, error) {
	res, err := m.GetLatestWorkflowRun(ctx, projectID, m.Config.Builds.BackendBranch)
	if err != nil {
		return observation{}, err
	}
	return observation{status: res.Status, logs: res.Logs}, nil
}

func (m *Monitor) observe(ctx context.Context, buildType, projectID string) (observation, error) {
	if buildType == domain.BuildTypeAPI {
		return m.observeBackend(ctx, projectID)
	}
	return m.observeFrontend(ctx, projectID)
}

func (m *Monitor) CheckFrontendBuild(ctx context.Context, projectID, iterationID string) (CheckResult, error) {
	return m.check(ctx, projectID, iterationID, domain.BuildTypeWeb)
}

func (m *Monitor) CheckBackendBuild(ctx context.Context, projectID, iterationID string) (CheckResult, error) {
	return m.check(ctx, projectID, iterationID, domain.BuildTypeAPI)
}

// CheckBuild dispatches on the build template.
func (m *Monitor) CheckBuild(ctx context.Context, projectID, iterationID, buildType string) (CheckResult, error) {
	if !domain.ValidBuildType(buildType) {
		return CheckResult{}, apperr.BadRequest("unknown build type %q", buildType)
	}
	return m.check(ctx, projectID, iterationID, buildType)
}

// CheckAll checks frontend and backend concurrently.
func (m *Monitor) CheckAll(ctx context.Context, projectID, iterationID string) ([]CheckResult, error) {
	results := make([]CheckResult, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range []string{domain.BuildTypeWeb, domain.BuildTypeAPI} {
		g.Go(func() error {
			res, err := m.check(gctx, projectID, iterationID, t)
			if err != nil {
				return fmt.Errorf("check %s build: %w", t, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func requireIDs(projectID, iterationID string) error {
	var missing []apperr.FieldError
	if strings.TrimSpace(projectID) == "" {
		missing = append(missing, apperr.FieldError{Field: "project_id", Rule: "required"})
	}
	if strings.TrimSpace(iterationID) == "" {
		missing = append(missing, apperr.FieldError{Field: "iteration_id", Rule: "required"})
	}
	if len(missing) > 0 {
		return &apperr.ValidationError{Fields: missing}
	}
	return nil
}

func (m *Monitor) ensure(ctx context.Context, projectID, iterationID, buildType string) (domain.RepositoryBuild, error) {
	ts := domain.Timestamp(m.now())
	var b domain.RepositoryBuild
	err := m.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = m.Repo.EnsureBuildTx(ctx, tx, domain.RepositoryBuild{
			ID: uuid.NewString(), ProjectID: projectID, IterationID: iterationID, Type: buildType,
			Status: domain.BuildStatusPending, CreatedAt: ts, UpdatedAt: ts,
		})
		return err
	})
	return b, err
}

func repairEndpoint(buildType string) string {
	if buildType == domain.BuildTypeAPI {
		return config.AgentBackendRepair
	}
	return config.AgentFrontendRepair
}

// repairAllowed applies the configured repair policy to a failed build
// before its next repair cycle is counted.
func (m *Monitor) repairAllowed(b domain.RepositoryBuild) bool {
	ep, _ := m.Config.Agents.Endpoint(repairEndpoint(b.Type))
	if !ep.Active() {
		return false
	}
	switch m.Config.Builds.RepairPolicy {
	case config.RepairPolicyImmediate:
		return true
	case config.RepairPolicyCapped:
		return b.FixAttempts < m.Config.Builds.MaxFixAttempts
	}
	return false
}

type repairPayload struct {
	ProjectID   string `json:"project_id"`
	IterationID string `json:"iteration_id"`
	BuildID     string `json:"build_id"`
	Type        string `json:"type"`
	RepoName    string `json:"repo_name"`
	FixAttempts int    `json:"fix_attempts"`
	ErrorLogs   string `json:"error_logs"`
}

func (m *Monitor) repoName(b domain.RepositoryBuild) string {
	if b.Type == domain.BuildTypeAPI {
		return m.backendRepo(b.ProjectID)
	}
	return domain.RepositoryName(m.Config.Templates.Frontend, b.ProjectID)
}

func (m *Monitor) check(ctx context.Context, projectID, iterationID, buildType string) (CheckResult, error) {
	if err := requireIDs(projectID, iterationID); err != nil {
		return CheckResult{}, err
	}
	b, err := m.ensure(ctx, projectID, iterationID, buildType)
	if err != nil {
		return CheckResult{}, err
	}
	obs, err := m.observe(ctx, buildType, projectID)
	if err != nil {
		return CheckResult{}, err
	}

	now := m.now()
	ts := domain.Timestamp(now)
	b.UpdatedAt = ts
	res := CheckResult{Observed: obs.status, Logs: obs.logs}
	switch obs.status {
	case ObservedSuccess:
		b.Status = domain.BuildStatusSuccess
		b.FixTriggered = false
		b.ErrorLogs = ""
	case ObservedBuilding:
		b.Status = domain.BuildStatusInProgress
	case ObservedFailed:
		b.ErrorLogs = obs.logs
		// fix_attempts counts repair cycles, not failed observations.
		if m.repairAllowed(b) {
			b.FixAttempts++
			b.LastFixAttempt = &ts
			b.Status = domain.BuildStatusInProgress
			b.FixTriggered = true
			res.RepairQueued = true
		} else {
			b.Status = domain.BuildStatusFailed
			b.FixTriggered = false
		}
	}

	err = m.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.Repo.UpdateBuildTx(ctx, tx, b); err != nil {
			return err
		}
		if err := m.Events.Append(ctx, tx, events.BuildChecked, projectID, "repository_build", b.ID, events.Payload{
			"type": b.Type, "observed": obs.status, "status": b.Status, "fix_attempts": b.FixAttempts,
		}); err != nil {
			return err
		}
		if !res.RepairQueued {
			return nil
		}
		payload, err := json.Marshal(repairPayload{ProjectID: projectID, IterationID: iterationID, BuildID: b.ID, Type: b.Type,
			RepoName: m.repoName(b), FixAttempts: b.FixAttempts, ErrorLogs: b.ErrorLogs})
		if err != nil {
			return err
		}
		if _, err := m.Repo.EnqueueTx(ctx, tx, domain.OutboxMessage{
			ID: uuid.NewString(), Kind: domain.OutboxKindBuildRepair, IdempotencyKey: fmt.Sprintf("%s:%d", b.ID, b.FixAttempts),
			Endpoint: repairEndpoint(b.Type), Payload: string(payload), NextAttemptAt: ts, CreatedAt: ts,
		}); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, events.BuildRepairRequested, projectID, "repository_build", b.ID, events.Payload{"fix_attempts": b.FixAttempts})
	})
	if err != nil {
		return CheckResult{}, err
	}
	metrics.BuildChecks.WithLabelValues(b.Type, b.Status).Inc()
	m.logger().InfoContext(ctx, "build checked", "project_id", projectID, "iteration_id", iterationID, "type", b.Type,
		"observed", obs.status, "status", b.Status, "fix_attempts", b.FixAttempts, "repair_queued", res.RepairQueued)
	if b.Status == domain.BuildStatusSuccess {
		m.notifySuccess(ctx, b)
	}
	res.Build = b
	return res, nil
}

func (m *Monitor) notifySuccess(ctx context.Context, b domain.RepositoryBuild) {
	if m.Notifier == nil {
		return
	}
	project, users, err := m.Repo.ProjectRecipients(ctx, b.ProjectID)
	if err != nil {
		m.logger().WarnContext(ctx, "build notification skipped", "project_id", b.ProjectID, "error", err)
		return
	}
	m.Notifier.Notify(ctx, notify.BuildSucceededMessage(project, users, b, m.Config.Email.OperatorEmail))
}

// Recheck re-polls the build without counting an attempt or queueing a
// repair. With an iteration the row is created when absent. Without one the
// most recent build of the type is updated; if the project has no build of
// that type yet there is no key to create a row under and BadRequest is
// returned.
func (m *Monitor) Recheck(ctx context.Context, projectID, iterationID, buildType string) (CheckResult, error) {
	if buildType == "" {
		buildType = domain.BuildTypeWeb
	}
	if !domain.ValidBuildType(buildType) {
		return CheckResult{}, apperr.BadRequest("unknown build type %q", buildType)
	}
	if strings.TrimSpace(projectID) == "" {
		return CheckResult{}, apperr.BadRequest("project_id is required")
	}
	var b domain.RepositoryBuild
	var err error
	if iterationID != "" {
		b, err = m.ensure(ctx, projectID, iterationID, buildType)
	} else {
		b, err = m.Repo.LatestBuild(ctx, projectID, buildType)
		if errors.Is(err, repo.ErrNotFound) {
			return CheckResult{}, apperr.BadRequest("iteration_id is required: project %s has no %s build yet", projectID, buildType)
		}
	}
	if err != nil {
		return CheckResult{}, err
	}
	obs, err := m.observe(ctx, buildType, projectID)
	if err != nil {
		return CheckResult{}, err
	}
	switch obs.status {
	case ObservedSuccess:
		b.Status = domain.BuildStatusSuccess
		b.ErrorLogs = ""
	case ObservedFailed:
		b.Status = domain.BuildStatusFailed
		b.ErrorLogs = obs.logs
	default:
		b.Status = domain.BuildStatusInProgress
	}
	b.UpdatedAt = domain.Timestamp(m.now())
	err = m.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.Repo.UpdateBuildTx(ctx, tx, b); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, events.BuildChecked, projectID, "repository_build", b.ID, events.Payload{
			"type": b.Type, "observed": obs.status, "status": b.Status, "recheck": true,
		})
	})
	if err != nil {
		return CheckResult{}, err
	}
	metrics.BuildChecks.WithLabelValues(b.Type, b.Status).Inc()
	return CheckResult{Build: b, Observed: obs.status, Logs: obs.logs}, nil
}

var statusTransitions = map[string][]string{
	domain.BuildStatusPending:    {domain.BuildStatusInProgress, domain.BuildStatusSuccess, domain.BuildStatusFailed},
	domain.BuildStatusInProgress: {domain.BuildStatusSuccess, domain.BuildStatusFailed},
	domain.BuildStatusFailed:     {domain.BuildStatusInProgress},
}

func ensureTransition(from, to string) error {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.BadRequest("invalid build status transition %s -> %s", from, to)
}

// SetStatus moves a build along its state machine. Setting the current
// status again is a no-op.
func (m *Monitor) SetStatus(ctx context.Context, projectID, iterationID, buildType, status string) (domain.RepositoryBuild, error) {
	if err := requireIDs(projectID, iterationID); err != nil {
		return domain.RepositoryBuild{}, err
	}
	if !domain.ValidBuildType(buildType) {
		return domain.RepositoryBuild{}, apperr.BadRequest("unknown build type %q", buildType)
	}
	b, err := m.Repo.GetBuild(ctx, projectID, iterationID, buildType)
	if err != nil {
		return b, err
	}
	if b.Status == status {
		return b, nil
	}
	if err := ensureTransition(b.Status, status); err != nil {
		return b, err
	}
	from := b.Status
	b.Status = status
	b.UpdatedAt = domain.Timestamp(m.now())
	if status == domain.BuildStatusSuccess {
		b.FixTriggered = false
	}
	err = m.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.Repo.UpdateBuildTx(ctx, tx, b); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx, events.BuildStatusSet, projectID, "repository_build", b.ID, events.Payload{"from": from, "to": status})
	})
	return b, err
}

func (m *Monitor) List(ctx context.Context, projectID string) ([]domain.RepositoryBuild, error) {
	return m.Repo.ListBuilds(ctx, projectID)
}

// WaitForDeployment polls the newest deployment of branch until it stops
// building or the poll timeout fires. A deployment that does not exist yet
// keeps the poll going.
func (m *Monitor) WaitForDeployment(ctx context.Context, projectID, branch string) (frontendinfra.DeploymentStatus, error) {
	interval := m.PollInterval
	if interval <= 0 {
		interval = m.Config.Builds.PollInterval()
	}
	timeout := m.PollTimeout
	if timeout <= 0 {
		timeout = m.Config.Builds.PollTimeout()
	}
	if branch == "" {
		branch = m.Config.Builds.FrontendBranch
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := m.Frontend.LatestDeployment(ctx, projectID, branch)
		switch {
		case err == nil && st.Status != frontendinfra.DeploymentBuilding:
			return st, nil
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return st, err
		}
		select {
		case <-ctx.Done():
			return frontendinfra.DeploymentStatus{}, ctx.Err()
		case <-deadline.C:
			return frontendinfra.DeploymentStatus{}, apperr.Timeout("deployment of project %s on %s still building after %s", projectID, branch, timeout)
		case <-ticker.C:
		}
	}
}
