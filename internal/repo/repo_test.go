package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/apperr"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ts(offset time.Duration) string { return domain.Timestamp(base.Add(offset)) }

func TestInfraAppUniquePerProject(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	_, err := r.GetInfraApp(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	app := domain.InfraApp{ID: "a1", ProjectID: "p1", AppID: "app", ServiceID: "svc", APIKey: "k", IsActive: true, CreatedAt: ts(0), UpdatedAt: ts(0)}
	require.NoError(t, r.InsertInfraAppTx(ctx, nil, app))
	err = r.InsertInfraAppTx(ctx, nil, domain.InfraApp{ID: "a2", ProjectID: "p1", APIKey: "k2", CreatedAt: ts(0), UpdatedAt: ts(0)})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := r.GetInfraApp(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "svc", got.ServiceID)
	assert.True(t, got.IsActive)

	require.NoError(t, r.DeleteInfraAppTx(ctx, nil, "p1"))
	assert.ErrorIs(t, r.DeleteInfraAppTx(ctx, nil, "p1"), ErrNotFound)
}

func TestListTasksOrdersByCreationThenSeq(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	it := domain.Iteration{ID: "it1", ProjectID: "p1", Type: domain.IterationTypeRequirements, Status: domain.IterationStatusTodo, CreatedAt: ts(0), UpdatedAt: ts(0)}
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.InsertIterationTx(ctx, tx, it); err != nil {
			return err
		}
		tasks := []domain.IterationTask{
			{ID: "c", Name: "C", Team: domain.TeamFrontend, Status: domain.TaskStatusTodo, CreatedAt: ts(3 * time.Minute)},
			{ID: "a", Name: "A", Team: domain.TeamBackend, Status: domain.TaskStatusTodo, CreatedAt: ts(time.Minute)},
			{ID: "b2", Name: "B2", Team: domain.TeamBackend, Status: domain.TaskStatusDone, CreatedAt: ts(2 * time.Minute)},
			{ID: "b1", Name: "B1", Team: domain.TeamBackend, Status: domain.TaskStatusDone, CreatedAt: ts(2 * time.Minute)},
		}
		for i, task := range tasks {
			task.IterationID = it.ID
			task.UpdatedAt = task.CreatedAt
			seq := i
			if task.ID == "b1" {
				seq = 0
			}
			if err := r.InsertTaskTx(ctx, tx, task, seq); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, err := r.ListTasks(ctx, it.ID)
	require.NoError(t, err)
	var ids []string
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, ids)
}

func TestEnsureBuildIsUpsert(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	seed := domain.RepositoryBuild{ID: "b1", ProjectID: "p1", IterationID: "i1", Type: domain.BuildTypeWeb, Status: domain.BuildStatusPending, CreatedAt: ts(0), UpdatedAt: ts(0)}

	var first domain.RepositoryBuild
	require.NoError(t, r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		first, err = r.EnsureBuildTx(ctx, tx, seed)
		return err
	}))
	first.FixAttempts = 2
	first.Status = domain.BuildStatusInProgress
	first.UpdatedAt = ts(time.Minute)
	require.NoError(t, r.UpdateBuildTx(ctx, nil, first))

	seed.ID = "b2"
	var second domain.RepositoryBuild
	require.NoError(t, r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		second, err = r.EnsureBuildTx(ctx, tx, seed)
		return err
	}))
	assert.Equal(t, "b1", second.ID)
	assert.Equal(t, 2, second.FixAttempts)

	builds, err := r.ListBuilds(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, builds, 1)

	second.FixAttempts = 1
	assert.Error(t, r.UpdateBuildTx(ctx, nil, second))
}

func TestOutboxIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	msg := domain.OutboxMessage{ID: "m1", Kind: domain.OutboxKindTaskDispatch, IdempotencyKey: "task-1", Endpoint: "http://agent", Payload: `{}`, NextAttemptAt: ts(0), CreatedAt: ts(0)}

	inserted, err := r.EnqueueTx(ctx, nil, msg)
	require.NoError(t, err)
	assert.True(t, inserted)
	msg.ID = "m2"
	inserted, err = r.EnqueueTx(ctx, nil, msg)
	require.NoError(t, err)
	assert.False(t, inserted)

	due, err := r.DueOutbox(ctx, ts(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "m1", due[0].ID)

	require.NoError(t, r.MarkOutboxRetry(ctx, "m1", 1, "boom", ts(time.Hour)))
	due, err = r.DueOutbox(ctx, ts(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, r.MarkOutboxDeliveredTx(ctx, nil, "m1", 2, ts(2*time.Hour)))
	got, err := r.GetOutboxByKey(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusDelivered, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestTaskOwnershipFailsFastOnBrokenChain(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	require.NoError(t, r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.InsertIterationTx(ctx, tx, domain.Iteration{ID: "it1", ProjectID: "p1", Type: domain.IterationTypeFeedback, Status: domain.IterationStatusTodo, CreatedAt: ts(0), UpdatedAt: ts(0)}); err != nil {
			return err
		}
		return r.InsertTaskTx(ctx, tx, domain.IterationTask{ID: "t1", IterationID: "it1", Name: "n", Team: domain.TeamFrontend, Status: domain.TaskStatusTodo, CreatedAt: ts(0), UpdatedAt: ts(0)}, 0)
	}))

	_, err := r.TaskOwnership(ctx, "t1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, r.InsertOrganization(ctx, domain.Organization{ID: "o1", Name: "Acme"}, ts(0)))
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "p1", OrganizationID: "o1", Name: "Shop", CreatedAt: ts(0)}))
	require.NoError(t, r.InsertUser(ctx, domain.User{ID: "u1", OrganizationID: "o1", Email: "b@acme.io"}, ts(0)))
	require.NoError(t, r.InsertUser(ctx, domain.User{ID: "u2", OrganizationID: "o1", Email: "a@acme.io"}, ts(0)))

	own, err := r.TaskOwnership(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Shop", own.Project.Name)
	assert.Equal(t, "Acme", own.Organization.Name)
	assert.Equal(t, domain.IterationTypeFeedback, own.Iteration.Type)
	assert.Equal(t, []string{"a@acme.io", "b@acme.io"}, own.Emails())
}
