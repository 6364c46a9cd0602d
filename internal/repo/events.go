package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

// ListEvents returns events after afterID in append order, optionally
// scoped to one project.
func (r Repo) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var project, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &project, &e.EntityKind, &entity, &e.Payload); err != nil {
			return nil, err
		}
		e.ProjectID, e.EntityID = project.String, entity.String
		res = append(res, e)
	}
	return res, rows.Err()
}
