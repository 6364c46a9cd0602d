package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"shipline/internal/buildhealth"
	"shipline/internal/domain"
)

func registerBuilds(api huma.API, m *buildhealth.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "check-builds",
		Method:      http.MethodPost,
		Path:        "/repository-build/check",
		Summary:     "Check one build type, or both when template is empty",
		Tags:        []string{"repository-build"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body BuildCheckRequest
	}) (*struct{ Body BuildCheckResponse }, error) {
		var (
			items []buildhealth.CheckResult
			err   error
		)
		if input.Body.Template == "" {
			items, err = m.CheckAll(ctx, input.Body.ProjectID, input.Body.IterationID)
		} else {
			var res buildhealth.CheckResult
			res, err = m.CheckBuild(ctx, input.Body.ProjectID, input.Body.IterationID, input.Body.Template)
			items = []buildhealth.CheckResult{res}
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body BuildCheckResponse }{Body: BuildCheckResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-frontend-build",
		Method:      http.MethodPost,
		Path:        "/repository-build/check/frontend",
		Summary:     "Check the frontend build",
		Tags:        []string{"repository-build"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body BuildCheckRequest
	}) (*struct{ Body buildhealth.CheckResult }, error) {
		res, err := m.CheckFrontendBuild(ctx, input.Body.ProjectID, input.Body.IterationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body buildhealth.CheckResult }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recheck-build",
		Method:      http.MethodPost,
		Path:        "/repository-build/recheck",
		Summary:     "Refresh a recorded build without queuing a repair",
		Tags:        []string{"repository-build"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body BuildRecheckRequest
	}) (*struct{ Body buildhealth.CheckResult }, error) {
		res, err := m.Recheck(ctx, input.Body.ProjectID, input.Body.IterationID, input.Body.Template)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body buildhealth.CheckResult }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-build-status",
		Method:      http.MethodPut,
		Path:        "/repository-build/status",
		Summary:     "Set a build status by hand",
		Tags:        []string{"repository-build"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BuildStatusRequest
	}) (*struct{ Body domain.RepositoryBuild }, error) {
		b, err := m.SetStatus(ctx, input.Body.ProjectID, input.Body.IterationID, input.Body.Template, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.RepositoryBuild }{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/repository-build/{project_id}",
		Summary:     "List recorded builds of a project",
		Tags:        []string{"repository-build"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{ Body BuildListResponse }, error) {
		items, err := m.List(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.RepositoryBuild{}
		}
		return &struct{ Body BuildListResponse }{Body: BuildListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-logs",
		Method:      http.MethodGet,
		Path:        "/repository-build/workflow-logs/{project_id}/{run_id}",
		Summary:     "Ordered log transcript of a CI run",
		Tags:        []string{"repository-build"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     int64  `path:"run_id"`
	}) (*struct{ Body WorkflowLogsResponse }, error) {
		logs, err := m.WorkflowTranscript(ctx, input.ProjectID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body WorkflowLogsResponse }{Body: WorkflowLogsResponse{ProjectID: input.ProjectID, RunID: input.RunID, Logs: logs}}, nil
	})
}
