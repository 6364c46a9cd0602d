package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

func (r Repo) InsertOrganization(ctx context.Context, o domain.Organization, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?)`, o.ID, o.Name, createdAt)
	return conflict(err, "organization %s exists", o.ID)
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,organization_id,name,created_at) VALUES (?,?,?,?)`,
		p.ID, p.OrganizationID, p.Name, p.CreatedAt)
	return conflict(err, "project %s exists", p.ID)
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,organization_id,name,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrganizationID, &p.Name, &p.CreatedAt)
	return p, notFound(err, "project %s", id)
}

func (r Repo) InsertUser(ctx context.Context, u domain.User, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,organization_id,email,created_at) VALUES (?,?,?,?)`,
		u.ID, u.OrganizationID, u.Email, createdAt)
	return conflict(err, "user %s exists", u.ID)
}

func (r Repo) UpsertManagedDatabase(ctx context.Context, m domain.ManagedDatabase) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO managed_databases(project_id,ref,api_url,secret_name,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET ref=excluded.ref, api_url=excluded.api_url, secret_name=excluded.secret_name`,
		m.ProjectID, m.Ref, nullable(m.APIURL), nullable(m.SecretName), m.CreatedAt)
	return err
}

func (r Repo) GetManagedDatabase(ctx context.Context, projectID string) (domain.ManagedDatabase, error) {
	var m domain.ManagedDatabase
	var apiURL, secret sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,ref,api_url,secret_name,created_at FROM managed_databases WHERE project_id=?`, projectID).
		Scan(&m.ProjectID, &m.Ref, &apiURL, &secret, &m.CreatedAt)
	if err != nil {
		return m, notFound(err, "managed database for project %s", projectID)
	}
	m.APIURL = apiURL.String
	m.SecretName = secret.String
	return m, nil
}

// TaskOwnership loads task, iteration, project, organization and users in
// two queries. Any missing link in the chain is NotFound.
func (r Repo) TaskOwnership(ctx context.Context, taskID string) (domain.TaskOwnership, error) {
	var o domain.TaskOwnership
	var desc, result, toolUsage, llmUsage sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT
  t.id,t.iteration_id,t.name,t.description,t.team,t.status,t.result,t.tool_usage,t.llm_usage,t.working_time,t.created_at,t.updated_at,
  i.id,i.project_id,i.type,i.status,i.working_time,i.created_at,i.updated_at,
  p.id,p.organization_id,p.name,p.created_at,
  o.id,o.name
FROM iteration_tasks t
JOIN iterations i ON i.id=t.iteration_id
JOIN projects p ON p.id=i.project_id
JOIN organizations o ON o.id=p.organization_id
WHERE t.id=?`, taskID).Scan(
		&o.Task.ID, &o.Task.IterationID, &o.Task.Name, &desc, &o.Task.Team, &o.Task.Status, &result, &toolUsage, &llmUsage, &o.Task.WorkingTime, &o.Task.CreatedAt, &o.Task.UpdatedAt,
		&o.Iteration.ID, &o.Iteration.ProjectID, &o.Iteration.Type, &o.Iteration.Status, &o.Iteration.WorkingTime, &o.Iteration.CreatedAt, &o.Iteration.UpdatedAt,
		&o.Project.ID, &o.Project.OrganizationID, &o.Project.Name, &o.Project.CreatedAt,
		&o.Organization.ID, &o.Organization.Name,
	)
	if err != nil {
		return o, notFound(err, "ownership chain for task %s", taskID)
	}
	o.Task.Description, o.Task.Result, o.Task.ToolUsage, o.Task.LLMUsage = desc.String, result.String, toolUsage.String, llmUsage.String

	rows, err := r.DB.QueryContext(ctx, `SELECT id,organization_id,email FROM users WHERE organization_id=? ORDER BY email`, o.Organization.ID)
	if err != nil {
		return o, err
	}
	defer rows.Close()
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Email); err != nil {
			return o, err
		}
		o.Users = append(o.Users, u)
	}
	return o, rows.Err()
}

// ProjectRecipients returns a project and the users of its organization.
func (r Repo) ProjectRecipients(ctx context.Context, projectID string) (domain.Project, []domain.User, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return p, nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,organization_id,email FROM users WHERE organization_id=? ORDER BY email`, p.OrganizationID)
	if err != nil {
		return p, nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.OrganizationID, &u.Email); err != nil {
			return p, nil, err
		}
		users = append(users, u)
	}
	return p, users, rows.Err()
}
