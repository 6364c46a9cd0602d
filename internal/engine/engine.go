package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"shipline/internal/apperr"
	"shipline/internal/config"
	"shipline/internal/dispatch"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/notify"
	"shipline/internal/repo"
)

// Deliverer makes one delivery attempt of an outbox message.
type Deliverer interface {
	Attempt(ctx context.Context, msg domain.OutboxMessage) (bool, error)
}

// Engine runs iterations: it orders tasks, dispatches them to the team
// agents through the outbox and reports progress.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Dispatcher Deliverer
	Notifier   notify.Notifier
	Logger     *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Now:      time.Now,
		Notifier: notify.Discard{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// TaskInput describes a task to add to an iteration.
type TaskInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description,omitempty"`
	Team        string `json:"team" validate:"required,oneof=frontend backend"`
}

// IterationCreateOptions are parameters for creating an iteration.
type IterationCreateOptions struct {
	ProjectID string      `json:"project_id" validate:"required"`
	Type      string      `json:"type" validate:"required,oneof=requirements feedback"`
	Tasks     []TaskInput `json:"tasks,omitempty" validate:"dive"`
}

// IterationView is an iteration with its tasks in dispatch order.
type IterationView struct {
	Iteration domain.Iteration       `json:"iteration"`
	Tasks     []domain.IterationTask `json:"tasks"`
}

func (e Engine) CreateIteration(ctx context.Context, opts IterationCreateOptions) (IterationView, error) {
	if err := domain.Validate(opts); err != nil {
		return IterationView{}, err
	}
	now := domain.Timestamp(e.now())
	it := domain.Iteration{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		Type:      opts.Type,
		Status:    domain.IterationStatusTodo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var tasks []domain.IterationTask
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertIterationTx(ctx, tx, it); err != nil {
			return fmt.Errorf("insert iteration: %w", err)
		}
		var err error
		if tasks, err = e.insertTasksTx(ctx, tx, it, opts.Tasks); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.IterationCreated, it.ProjectID, "iteration", it.ID, events.Payload{"type": it.Type, "tasks": len(tasks)})
	})
	if err != nil {
		return IterationView{}, err
	}
	return IterationView{Iteration: it, Tasks: tasks}, nil
}

func (e Engine) insertTasksTx(ctx context.Context, tx *sql.Tx, it domain.Iteration, inputs []TaskInput) ([]domain.IterationTask, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	seq, err := e.Repo.MaxTaskSeqTx(ctx, tx, it.ID)
	if err != nil {
		return nil, err
	}
	now := domain.Timestamp(e.now())
	out := make([]domain.IterationTask, 0, len(inputs))
	for _, in := range inputs {
		seq++
		t := domain.IterationTask{
			ID:          uuid.NewString(),
			IterationID: it.ID,
			Name:        in.Name,
			Description: in.Description,
			Team:        in.Team,
			Status:      domain.TaskStatusTodo,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertTaskTx(ctx, tx, t, seq); err != nil {
			return nil, fmt.Errorf("insert task %q: %w", in.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// AddTasks appends tasks to an iteration that is not done yet.
func (e Engine) AddTasks(ctx context.Context, iterationID string, inputs []TaskInput) ([]domain.IterationTask, error) {
	if len(inputs) == 0 {
		return nil, apperr.BadRequest("at least one task is required")
	}
	for _, in := range inputs {
		if err := domain.Validate(in); err != nil {
			return nil, err
		}
	}
	var tasks []domain.IterationTask
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		it, err := e.Repo.GetIterationTx(ctx, tx, iterationID)
		if err != nil {
			return err
		}
		if it.Status == domain.IterationStatusDone {
			return apperr.Conflict("iteration %s is done", iterationID)
		}
		tasks, err = e.insertTasksTx(ctx, tx, it, inputs)
		return err
	})
	return tasks, err
}

func (e Engine) GetIteration(ctx context.Context, id string) (IterationView, error) {
	it, err := e.Repo.GetIteration(ctx, id)
	if err != nil {
		return IterationView{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, id)
	if err != nil {
		return IterationView{}, err
	}
	return IterationView{Iteration: it, Tasks: tasks}, nil
}

func (e Engine) ListIterations(ctx context.Context, projectID string) ([]domain.Iteration, error) {
	return e.Repo.ListIterations(ctx, projectID)
}

func (e Engine) ListTasks(ctx context.Context, iterationID string) ([]domain.IterationTask, error) {
	if _, err := e.Repo.GetIteration(ctx, iterationID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, iterationID)
}

func firstTodo(tasks []domain.IterationTask) *domain.IterationTask {
	for i := range tasks {
		if tasks[i].Status == domain.TaskStatusTodo {
			return &tasks[i]
		}
	}
	return nil
}

// GetNextTask returns the oldest todo task, or nil when none is left.
func (e Engine) GetNextTask(ctx context.Context, iterationID string) (*domain.IterationTask, error) {
	tasks, err := e.ListTasks(ctx, iterationID)
	if err != nil {
		return nil, err
	}
	return firstTodo(tasks), nil
}

func (e Engine) repoName(team, projectID string) string {
	if team == domain.TeamBackend {
		return domain.RepositoryName(e.Config.Templates.Backend, projectID)
	}
	return domain.RepositoryName(e.Config.Templates.Frontend, projectID)
}

// TriggerNext starts the next todo task of an iteration. The task moves to
// in_progress and its dispatch is queued in the same transaction, then one
// delivery is attempted right away; failed deliveries are retried by the
// dispatcher. With no todo task left the iteration is marked done and nil
// is returned.
func (e Engine) TriggerNext(ctx context.Context, iterationID string) (*domain.IterationTask, error) {
	var (
		it     domain.Iteration
		next   *domain.IterationTask
		closed bool
	)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if it, err = e.Repo.GetIterationTx(ctx, tx, iterationID); err != nil {
			return err
		}
		tasks, err := e.Repo.ListTasksTx(ctx, tx, iterationID)
		if err != nil {
			return err
		}
		now := domain.Timestamp(e.now())
		if next = firstTodo(tasks); next == nil {
			if it.Status == domain.IterationStatusDone {
				return nil
			}
			if err := e.Repo.UpdateIterationStatusTx(ctx, tx, it.ID, domain.IterationStatusDone, now); err != nil {
				return err
			}
			it.Status = domain.IterationStatusDone
			closed = true
			return e.Events.Append(ctx, tx, events.IterationDone, it.ProjectID, "iteration", it.ID, nil)
		}
		if !domain.ValidTeam(next.Team) {
			return apperr.BadRequest("task %s has unknown team %q", next.ID, next.Team)
		}
		if err := e.Repo.UpdateTaskStatusTx(ctx, tx, next.ID, domain.TaskStatusInProgress, now); err != nil {
			return err
		}
		next.Status = domain.TaskStatusInProgress
		next.UpdatedAt = now
		if it.Status == domain.IterationStatusTodo {
			if err := e.Repo.UpdateIterationStatusTx(ctx, tx, it.ID, domain.IterationStatusInProgress, now); err != nil {
				return err
			}
		}
		payload, err := json.Marshal(dispatch.TaskPayload{
			ProjectID:       it.ProjectID,
			IterationID:     it.ID,
			IterationTaskID: next.ID,
			RepoName:        e.repoName(next.Team, it.ProjectID),
		})
		if err != nil {
			return err
		}
		if _, err := e.Repo.EnqueueTx(ctx, tx, domain.OutboxMessage{
			ID:             uuid.NewString(),
			Kind:           domain.OutboxKindTaskDispatch,
			IdempotencyKey: next.ID,
			Endpoint:       next.Team,
			Payload:        string(payload),
			NextAttemptAt:  now,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskDispatched, it.ProjectID, "iteration_task", next.ID, events.Payload{"team": next.Team})
	})
	if err != nil {
		return nil, err
	}
	if next == nil {
		if closed {
			e.notifyIterationDone(ctx, it)
		}
		return nil, nil
	}
	e.logger().InfoContext(ctx, "task dispatched", "iteration_id", it.ID, "task_id", next.ID, "team", next.Team)
	e.notifyTask(ctx, next.ID)
	e.deliverNow(ctx, next.ID)

	task, err := e.Repo.GetTask(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (e Engine) deliverNow(ctx context.Context, key string) {
	if e.Dispatcher == nil {
		return
	}
	msg, err := e.Repo.GetOutboxByKey(ctx, key)
	if err != nil {
		e.logger().ErrorContext(ctx, "load queued dispatch", "key", key, "error", err)
		return
	}
	if msg.Status != domain.OutboxStatusPending {
		return
	}
	if _, err := e.Dispatcher.Attempt(ctx, msg); err != nil {
		e.logger().WarnContext(ctx, "immediate dispatch failed, left to retry", "key", key, "error", err)
	}
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskStatusTodo:
		if newStatus == domain.TaskStatusInProgress {
			return nil
		}
	case domain.TaskStatusInProgress:
		if newStatus == domain.TaskStatusDone || newStatus == domain.TaskStatusFailed {
			return nil
		}
	}
	return apperr.BadRequest("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// UpdateTaskStatus moves a task along its state machine and notifies the
// project's users. Setting the current status again is a no-op.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status string) (domain.IterationTask, error) {
	switch status {
	case domain.TaskStatusTodo, domain.TaskStatusInProgress, domain.TaskStatusDone, domain.TaskStatusFailed:
	default:
		return domain.IterationTask{}, apperr.BadRequest("unknown task status %q", status)
	}
	var (
		t       domain.IterationTask
		changed bool
	)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		if t.Status == status {
			return nil
		}
		if err := ensureTaskTransition(t.Status, status); err != nil {
			return err
		}
		it, err := e.Repo.GetIterationTx(ctx, tx, t.IterationID)
		if err != nil {
			return err
		}
		from := t.Status
		t.Status = status
		t.UpdatedAt = domain.Timestamp(e.now())
		if err := e.Repo.UpdateTaskStatusTx(ctx, tx, t.ID, t.Status, t.UpdatedAt); err != nil {
			return err
		}
		changed = true
		return e.Events.Append(ctx, tx, events.TaskStatusChanged, it.ProjectID, "iteration_task", t.ID, events.Payload{"from": from, "to": status})
	})
	if err != nil {
		return domain.IterationTask{}, err
	}
	if changed {
		e.notifyTask(ctx, t.ID)
	}
	return t, nil
}

// TaskResultOptions is the agent-reported outcome of a task.
type TaskResultOptions struct {
	Result      string  `json:"result,omitempty"`
	ToolUsage   string  `json:"tool_usage,omitempty"`
	LLMUsage    string  `json:"llm_usage,omitempty"`
	WorkingTime float64 `json:"working_time" validate:"gte=0"`
}

// UpdateTaskResult records a task's outcome. The iteration's working time
// follows the change in the task's working time.
func (e Engine) UpdateTaskResult(ctx context.Context, taskID string, opts TaskResultOptions) (domain.IterationTask, error) {
	if err := domain.Validate(opts); err != nil {
		return domain.IterationTask{}, err
	}
	var t domain.IterationTask
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		it, err := e.Repo.GetIterationTx(ctx, tx, t.IterationID)
		if err != nil {
			return err
		}
		now := domain.Timestamp(e.now())
		delta := opts.WorkingTime - t.WorkingTime
		if err := e.Repo.UpdateTaskResultTx(ctx, tx, t.ID, repo.TaskResult{
			Result: opts.Result, ToolUsage: opts.ToolUsage, LLMUsage: opts.LLMUsage, WorkingTime: opts.WorkingTime,
		}, now); err != nil {
			return err
		}
		if delta != 0 {
			if err := e.Repo.AddIterationWorkingTimeTx(ctx, tx, it.ID, delta, now); err != nil {
				return err
			}
		}
		t.Result, t.ToolUsage, t.LLMUsage, t.WorkingTime, t.UpdatedAt = opts.Result, opts.ToolUsage, opts.LLMUsage, opts.WorkingTime, now
		return e.Events.Append(ctx, tx, events.TaskResultRecorded, it.ProjectID, "iteration_task", t.ID, events.Payload{"working_time": opts.WorkingTime})
	})
	return t, err
}

func (e Engine) operator() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Email.OperatorEmail
}

func (e Engine) notifyTask(ctx context.Context, taskID string) {
	if e.Notifier == nil {
		return
	}
	own, err := e.Repo.TaskOwnership(ctx, taskID)
	if err != nil {
		e.logger().WarnContext(ctx, "task notification skipped", "task_id", taskID, "error", err)
		return
	}
	e.Notifier.Notify(ctx, notify.TaskStatusMessage(own, e.operator()))
}

func (e Engine) notifyIterationDone(ctx context.Context, it domain.Iteration) {
	if e.Notifier == nil {
		return
	}
	project, users, err := e.Repo.ProjectRecipients(ctx, it.ProjectID)
	if err != nil {
		e.logger().WarnContext(ctx, "iteration notification skipped", "iteration_id", it.ID, "error", err)
		return
	}
	e.Notifier.Notify(ctx, notify.IterationDoneMessage(project, users, it, e.operator()))
}

// HandleDeadMessage reports a task whose dispatch was given up.
func (e Engine) HandleDeadMessage(ctx context.Context, msg domain.OutboxMessage) {
	if msg.Kind != domain.OutboxKindTaskDispatch {
		return
	}
	var p dispatch.TaskPayload
	if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
		e.logger().ErrorContext(ctx, "decode dead dispatch", "id", msg.ID, "error", err)
		return
	}
	e.notifyTask(ctx, p.IterationTaskID)
}
