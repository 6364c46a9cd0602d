package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

const iterationColumns = `id,project_id,type,status,working_time,created_at,updated_at`

func (r Repo) InsertIterationTx(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO iterations(`+iterationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Type, it.Status, it.WorkingTime, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return r.getIteration(ctx, r.DB, id)
}

func (r Repo) GetIterationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Iteration, error) {
	return r.getIteration(ctx, tx, id)
}

func (r Repo) getIteration(ctx context.Context, q queryer, id string) (domain.Iteration, error) {
	var it domain.Iteration
	err := q.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE id=?`, id).
		Scan(&it.ID, &it.ProjectID, &it.Type, &it.Status, &it.WorkingTime, &it.CreatedAt, &it.UpdatedAt)
	return it, notFound(err, "iteration %s", id)
}

func (r Repo) ListIterations(ctx context.Context, projectID string) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		var it domain.Iteration
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Type, &it.Status, &it.WorkingTime, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIterationStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE iterations SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "iteration %s", id)
}

const taskColumns = `id,iteration_id,name,COALESCE(description,''),team,status,COALESCE(result,''),COALESCE(tool_usage,''),COALESCE(llm_usage,''),working_time,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (domain.IterationTask, error) {
	var t domain.IterationTask
	err := s.Scan(&t.ID, &t.IterationID, &t.Name, &t.Description, &t.Team, &t.Status, &t.Result, &t.ToolUsage, &t.LLMUsage, &t.WorkingTime, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// InsertTaskTx stores a task; seq breaks created_at ties for tasks inserted
// in the same batch.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.IterationTask, seq int) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO iteration_tasks(id,iteration_id,seq,name,description,team,status,result,tool_usage,llm_usage,working_time,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.IterationID, seq, t.Name, nullable(t.Description), t.Team, t.Status, nullable(t.Result), nullable(t.ToolUsage), nullable(t.LLMUsage),
		t.WorkingTime, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.IterationTask, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM iteration_tasks WHERE id=?`, id))
	return t, notFound(err, "iteration task %s", id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.IterationTask, error) {
	t, err := scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM iteration_tasks WHERE id=?`, id))
	return t, notFound(err, "iteration task %s", id)
}

// ListTasks returns an iteration's tasks in dispatch order.
func (r Repo) ListTasks(ctx context.Context, iterationID string) ([]domain.IterationTask, error) {
	return r.listTasks(ctx, r.DB, iterationID)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, iterationID string) ([]domain.IterationTask, error) {
	return r.listTasks(ctx, tx, iterationID)
}

func (r Repo) listTasks(ctx context.Context, q queryer, iterationID string) ([]domain.IterationTask, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM iteration_tasks WHERE iteration_id=? ORDER BY created_at ASC, seq ASC, id ASC`, iterationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IterationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MaxTaskSeqTx returns the highest seq used in an iteration, -1 when empty.
func (r Repo) MaxTaskSeqTx(ctx context.Context, tx *sql.Tx, iterationID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),-1) FROM iteration_tasks WHERE iteration_id=?`, iterationID).Scan(&seq)
	return seq, err
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE iteration_tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "iteration task %s", id)
}

// TaskResult carries the agent-reported outcome of a task.
type TaskResult struct {
	Result      string
	ToolUsage   string
	LLMUsage    string
	WorkingTime float64
}

func (r Repo) UpdateTaskResultTx(ctx context.Context, tx *sql.Tx, id string, res TaskResult, updatedAt string) error {
	out, err := r.on(tx).ExecContext(ctx, `UPDATE iteration_tasks SET result=?, tool_usage=?, llm_usage=?, working_time=?, updated_at=? WHERE id=?`,
		nullable(res.Result), nullable(res.ToolUsage), nullable(res.LLMUsage), res.WorkingTime, updatedAt, id)
	if err != nil {
		return err
	}
	return expectAffected(out, "iteration task %s", id)
}

// AddIterationWorkingTimeTx accumulates task time on the parent iteration.
func (r Repo) AddIterationWorkingTimeTx(ctx context.Context, tx *sql.Tx, id string, delta float64, updatedAt string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE iterations SET working_time=working_time+?, updated_at=? WHERE id=?`, delta, updatedAt, id)
	return err
}
