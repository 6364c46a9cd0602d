package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"shipline/internal/domain"
	"shipline/internal/engine"
)

type iterationPath struct {
	ID string `path:"id"`
}

func registerDevelopment(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-iteration",
		Method:        http.MethodPost,
		Path:          "/development/iteration",
		Summary:       "Create an iteration with optional initial tasks",
		Tags:          []string{"development"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateIterationRequest
	}) (*struct{ Body engine.IterationView }, error) {
		view, err := e.CreateIteration(ctx, engine.IterationCreateOptions{
			ProjectID: input.Body.ProjectID,
			Type:      input.Body.Type,
			Tasks:     input.Body.Tasks,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.IterationView }{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-iteration",
		Method:      http.MethodGet,
		Path:        "/development/iteration/{id}",
		Summary:     "Get an iteration and its tasks",
		Tags:        []string{"development"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *iterationPath) (*struct{ Body engine.IterationView }, error) {
		view, err := e.GetIteration(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.IterationView }{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-iteration-tasks",
		Method:      http.MethodGet,
		Path:        "/development/iteration/{id}/tasks",
		Summary:     "List tasks in dispatch order",
		Tags:        []string{"development"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *iterationPath) (*struct{ Body TaskListResponse }, error) {
		tasks, err := e.ListTasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.IterationTask{}
		}
		return &struct{ Body TaskListResponse }{Body: TaskListResponse{Items: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-iteration-tasks",
		Method:        http.MethodPost,
		Path:          "/development/iteration/{id}/iteration-task/bulk",
		Summary:       "Append tasks to an open iteration",
		Tags:          []string{"development"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AddTasksRequest
	}) (*struct{ Body TaskListResponse }, error) {
		tasks, err := e.AddTasks(ctx, input.ID, input.Body.Tasks)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body TaskListResponse }{Body: TaskListResponse{Items: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-next-task",
		Method:      http.MethodGet,
		Path:        "/development/iteration/{id}/next-task",
		Summary:     "Peek at the next todo task",
		Tags:        []string{"development"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *iterationPath) (*struct{ Body NextTaskResponse }, error) {
		t, err := e.GetNextTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body NextTaskResponse }{Body: NextTaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-next-task",
		Method:      http.MethodPost,
		Path:        "/development/iteration/{id}/next-task",
		Summary:     "Dispatch the next todo task",
		Description: "Returns a null task and closes the iteration when no todo task is left.",
		Tags:        []string{"development"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *iterationPath) (*struct{ Body NextTaskResponse }, error) {
		t, err := e.TriggerNext(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body NextTaskResponse }{Body: NextTaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPut,
		Path:        "/development/iteration-task/{id}/status",
		Summary:     "Move a task along its lifecycle",
		Tags:        []string{"development"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TaskStatusRequest
	}) (*struct{ Body domain.IterationTask }, error) {
		t, err := e.UpdateTaskStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.IterationTask }{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-result",
		Method:      http.MethodPut,
		Path:        "/development/iteration-task/{id}/result",
		Summary:     "Record the agent's result for a task",
		Tags:        []string{"development"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TaskResultRequest
	}) (*struct{ Body domain.IterationTask }, error) {
		t, err := e.UpdateTaskResult(ctx, input.ID, engine.TaskResultOptions{
			Result:      input.Body.Result,
			ToolUsage:   input.Body.ToolUsage,
			LLMUsage:    input.Body.LLMUsage,
			WorkingTime: input.Body.WorkingTime,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.IterationTask }{Body: t}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List project events after a cursor",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct{ Body EventListResponse }, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.ListEvents(ctx, input.ProjectID, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		if len(items) == limit {
			resp.NextCursor = items[len(items)-1].ID
		}
		return &struct{ Body EventListResponse }{Body: resp}, nil
	})
}
