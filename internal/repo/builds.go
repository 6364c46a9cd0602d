package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

const buildColumns = `id,project_id,iteration_id,type,status,fix_attempts,fix_triggered,COALESCE(error_logs,''),last_fix_attempt,created_at,updated_at`

func scanBuild(s rowScanner) (domain.RepositoryBuild, error) {
	var b domain.RepositoryBuild
	var last sql.NullString
	err := s.Scan(&b.ID, &b.ProjectID, &b.IterationID, &b.Type, &b.Status, &b.FixAttempts, &b.FixTriggered, &b.ErrorLogs, &last, &b.CreatedAt, &b.UpdatedAt)
	if last.Valid {
		b.LastFixAttempt = &last.String
	}
	return b, err
}

// EnsureBuildTx returns the build row for (project, iteration, type),
// inserting seed when none exists yet.
func (r Repo) EnsureBuildTx(ctx context.Context, tx *sql.Tx, seed domain.RepositoryBuild) (domain.RepositoryBuild, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO repository_builds(id,project_id,iteration_id,type,status,fix_attempts,fix_triggered,created_at,updated_at)
VALUES (?,?,?,?,?,0,0,?,?)
ON CONFLICT(project_id,iteration_id,type) DO NOTHING`,
		seed.ID, seed.ProjectID, seed.IterationID, seed.Type, seed.Status, seed.CreatedAt, seed.UpdatedAt)
	if err != nil {
		return domain.RepositoryBuild{}, err
	}
	return r.getBuild(ctx, tx, seed.ProjectID, seed.IterationID, seed.Type)
}

func (r Repo) GetBuild(ctx context.Context, projectID, iterationID, buildType string) (domain.RepositoryBuild, error) {
	return r.getBuild(ctx, r.DB, projectID, iterationID, buildType)
}

func (r Repo) getBuild(ctx context.Context, q queryer, projectID, iterationID, buildType string) (domain.RepositoryBuild, error) {
	b, err := scanBuild(q.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM repository_builds WHERE project_id=? AND iteration_id=? AND type=?`,
		projectID, iterationID, buildType))
	return b, notFound(err, "%s build for project %s iteration %s", buildType, projectID, iterationID)
}

// LatestBuild returns the most recently touched build of a type for a project.
func (r Repo) LatestBuild(ctx context.Context, projectID, buildType string) (domain.RepositoryBuild, error) {
	b, err := scanBuild(r.DB.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM repository_builds WHERE project_id=? AND type=? ORDER BY updated_at DESC, created_at DESC LIMIT 1`,
		projectID, buildType))
	return b, notFound(err, "%s build for project %s", buildType, projectID)
}

func (r Repo) ListBuilds(ctx context.Context, projectID string) ([]domain.RepositoryBuild, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+buildColumns+` FROM repository_builds WHERE project_id=? ORDER BY updated_at DESC, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RepositoryBuild
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBuildTx writes the mutable columns of b. The store rejects a
// decreasing fix_attempts.
func (r Repo) UpdateBuildTx(ctx context.Context, tx *sql.Tx, b domain.RepositoryBuild) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE repository_builds SET status=?, fix_attempts=?, fix_triggered=?, error_logs=?, last_fix_attempt=?, updated_at=? WHERE id=?`,
		b.Status, b.FixAttempts, boolInt(b.FixTriggered), nullable(b.ErrorLogs), nullableStringPtr(b.LastFixAttempt), b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	return expectAffected(res, "repository build %s", b.ID)
}
