package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"shipline/internal/backendinfra"
	"shipline/internal/domain"
	"shipline/internal/frontendinfra"
)

type projectPath struct {
	ProjectID string `path:"projectId"`
}

type frontendPath struct {
	ProjectID string `path:"project_id"`
}

func registerBackendInfra(api huma.API, p *backendinfra.Provisioner) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-backend-infra",
		Method:        http.MethodPost,
		Path:          "/backend-infra/koyeb/project",
		Summary:       "Provision the backend app and service of a project",
		Tags:          []string{"backend-infra"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateBackendInfraRequest
	}) (*struct{ Body domain.InfraApp }, error) {
		row, err := p.Create(ctx, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.InfraApp }{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-backend-infra",
		Method:      http.MethodDelete,
		Path:        "/backend-infra/koyeb/project/{projectId}",
		Summary:     "Tear down the backend of a project",
		Tags:        []string{"backend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *projectPath) (*statusOutput, error) {
		if err := p.Delete(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-backend-app",
		Method:      http.MethodGet,
		Path:        "/backend-infra/koyeb/project/{projectId}/app",
		Summary:     "Get the remote backend app",
		Tags:        []string{"backend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *projectPath) (*struct{ Body AppResponse }, error) {
		app, err := p.GetApp(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body AppResponse }{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-backend-service",
		Method:      http.MethodGet,
		Path:        "/backend-infra/koyeb/project/{projectId}/service",
		Summary:     "Get the remote backend service and its rollout state",
		Tags:        []string{"backend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *projectPath) (*struct{ Body ServiceResponse }, error) {
		svc, err := p.GetService(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ServiceResponse }{Body: svc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "redeploy-backend",
		Method:        http.MethodPost,
		Path:          "/backend-infra/koyeb/project/{projectId}/redeploy",
		Summary:       "Redeploy the backend service",
		Tags:          []string{"backend-infra"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *projectPath) (*statusOutput, error) {
		if err := p.Redeploy(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})
}

func registerFrontendInfra(api huma.API, p *frontendinfra.Provisioner) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-frontend-infra",
		Method:        http.MethodPost,
		Path:          "/frontend-infra/vercel-project",
		Summary:       "Provision the frontend project of a project",
		Description:   "Creates the remote project, pushes the computed environment and disables access gating. The backend must exist first.",
		Tags:          []string{"frontend-infra"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body FrontendProjectRequest
	}) (*struct{ Body FrontendProjectResponse }, error) {
		res, err := p.Create(ctx, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body FrontendProjectResponse }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "push-frontend-environment",
		Method:      http.MethodPut,
		Path:        "/frontend-infra/vercel-project/environment-variables",
		Summary:     "Upsert environment variables",
		Tags:        []string{"frontend-infra"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body PushEnvironmentRequest
	}) (*statusOutput, error) {
		if err := p.Push(ctx, input.Body.ProjectID, input.Body.EnvironmentVariables); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "push-frontend-environment-single",
		Method:      http.MethodPut,
		Path:        "/frontend-infra/vercel-project/environment-variables/single",
		Summary:     "Upsert one environment variable",
		Tags:        []string{"frontend-infra"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body PushSingleEnvironmentRequest
	}) (*statusOutput, error) {
		if err := p.PushSingle(ctx, input.Body.ProjectID, input.Body.EnvironmentVariable); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-frontend-environment",
		Method:      http.MethodGet,
		Path:        "/frontend-infra/vercel-project/{project_id}/environment-variables",
		Summary:     "List environment variables (secret values blanked)",
		Tags:        []string{"frontend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *frontendPath) (*struct{ Body EnvironmentResponse }, error) {
		vars, err := p.ListEnvironment(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body EnvironmentResponse }{Body: EnvironmentResponse{Items: frontendinfra.Redact(vars)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-frontend-domain",
		Method:      http.MethodPut,
		Path:        "/frontend-infra/vercel-project/domain",
		Summary:     "Point the project's domain at a branch",
		Tags:        []string{"frontend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body AssignDomainRequest
	}) (*statusOutput, error) {
		if err := p.AssignDomainToBranch(ctx, input.Body.ProjectID, input.Body.Branch); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "redeploy-frontend",
		Method:        http.MethodPost,
		Path:          "/frontend-infra/vercel-project/{project_id}/redeploy",
		Summary:       "Start a new deployment of a branch",
		Tags:          []string{"frontend-infra"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      *RedeployFrontendRequest `required:"false"`
	}) (*struct{ Body RedeployResponse }, error) {
		branch := ""
		if input.Body != nil {
			branch = input.Body.Branch
		}
		id, err := p.Redeploy(ctx, input.ProjectID, branch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body RedeployResponse }{Body: RedeployResponse{DeploymentID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-frontend-infra",
		Method:      http.MethodDelete,
		Path:        "/frontend-infra/project/{project_id}/vercel",
		Summary:     "Tear down the frontend project",
		Tags:        []string{"frontend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *frontendPath) (*statusOutput, error) {
		if err := p.Delete(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return success(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-frontend-deployment",
		Method:      http.MethodGet,
		Path:        "/frontend-infra/vercel-deployment/{project_id}",
		Summary:     "Newest deployment of a branch",
		Tags:        []string{"frontend-infra"},
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Branch    string `query:"branch"`
	}) (*struct{ Body DeploymentResponse }, error) {
		st, err := p.LatestDeployment(ctx, input.ProjectID, input.Branch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body DeploymentResponse }{Body: st}, nil
	})
}
