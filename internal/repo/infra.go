package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

const infraAppColumns = `id,project_id,COALESCE(app_id,''),COALESCE(service_id,''),api_key,is_active,created_at,updated_at`

func scanInfraApp(row *sql.Row, projectID string) (domain.InfraApp, error) {
	var a domain.InfraApp
	err := row.Scan(&a.ID, &a.ProjectID, &a.AppID, &a.ServiceID, &a.APIKey, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, notFound(err, "backend infra for project %s", projectID)
}

func (r Repo) GetInfraApp(ctx context.Context, projectID string) (domain.InfraApp, error) {
	return scanInfraApp(r.DB.QueryRowContext(ctx, `SELECT `+infraAppColumns+` FROM infra_apps WHERE project_id=?`, projectID), projectID)
}

// InsertInfraAppTx fails with apperr.ErrConflict if the project already has a row.
func (r Repo) InsertInfraAppTx(ctx context.Context, tx *sql.Tx, a domain.InfraApp) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO infra_apps(id,project_id,app_id,service_id,api_key,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, nullable(a.AppID), nullable(a.ServiceID), a.APIKey, boolInt(a.IsActive), a.CreatedAt, a.UpdatedAt)
	return conflict(err, "backend infra for project %s already exists", a.ProjectID)
}

func (r Repo) DeleteInfraAppTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM infra_apps WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	return expectAffected(res, "backend infra for project %s", projectID)
}

const frontendColumns = `id,project_id,remote_project_id,remote_project_name,is_active,created_at,updated_at`

func (r Repo) GetInfraFrontendProject(ctx context.Context, projectID string) (domain.InfraFrontendProject, error) {
	var f domain.InfraFrontendProject
	err := r.DB.QueryRowContext(ctx, `SELECT `+frontendColumns+` FROM infra_frontend_projects WHERE project_id=?`, projectID).
		Scan(&f.ID, &f.ProjectID, &f.RemoteProjectID, &f.RemoteProjectName, &f.IsActive, &f.CreatedAt, &f.UpdatedAt)
	return f, notFound(err, "frontend infra for project %s", projectID)
}

func (r Repo) InsertInfraFrontendProjectTx(ctx context.Context, tx *sql.Tx, f domain.InfraFrontendProject) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO infra_frontend_projects(id,project_id,remote_project_id,remote_project_name,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.ProjectID, f.RemoteProjectID, f.RemoteProjectName, boolInt(f.IsActive), f.CreatedAt, f.UpdatedAt)
	return conflict(err, "frontend infra for project %s already exists", f.ProjectID)
}

func (r Repo) DeleteInfraFrontendProjectTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM infra_frontend_projects WHERE project_id=?`, projectID)
	if err != nil {
		return err
	}
	return expectAffected(res, "frontend infra for project %s", projectID)
}
