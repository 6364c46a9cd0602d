package repo

import (
	"context"
	"database/sql"
	"strings"

	"shipline/internal/domain"
)

const outboxColumns = `id,kind,idempotency_key,endpoint,payload_json,status,attempts,COALESCE(last_error,''),next_attempt_at,created_at,COALESCE(delivered_at,'')`

func scanOutbox(s rowScanner) (domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	err := s.Scan(&m.ID, &m.Kind, &m.IdempotencyKey, &m.Endpoint, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.NextAttemptAt, &m.CreatedAt, &m.DeliveredAt)
	return m, err
}

// EnqueueTx inserts m unless a message with the same idempotency key exists.
// It reports whether a new row was written.
func (r Repo) EnqueueTx(ctx context.Context, tx *sql.Tx, m domain.OutboxMessage) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO outbox_messages(id,kind,idempotency_key,endpoint,payload_json,status,attempts,next_attempt_at,created_at)
VALUES (?,?,?,?,?,?,0,?,?)
ON CONFLICT(idempotency_key) DO NOTHING`,
		m.ID, m.Kind, m.IdempotencyKey, m.Endpoint, m.Payload, domain.OutboxStatusPending, m.NextAttemptAt, m.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetOutboxByKey(ctx context.Context, key string) (domain.OutboxMessage, error) {
	m, err := scanOutbox(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE idempotency_key=?`, key))
	return m, notFound(err, "outbox message %s", key)
}

// DueOutbox lists pending messages whose next attempt is at or before now.
func (r Repo) DueOutbox(ctx context.Context, now string, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE status=? AND next_attempt_at<=? ORDER BY next_attempt_at, created_at LIMIT ?`,
		domain.OutboxStatusPending, now, limit)
}

func (r Repo) ListOutbox(ctx context.Context, status string, limit int) ([]domain.OutboxMessage, error) {
	var clauses []string
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox_messages`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryOutbox(ctx, query, args...)
}

func (r Repo) queryOutbox(ctx context.Context, query string, args ...any) ([]domain.OutboxMessage, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) MarkOutboxDeliveredTx(ctx context.Context, tx *sql.Tx, id string, attempts int, at string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE outbox_messages SET status=?, attempts=?, last_error=NULL, delivered_at=? WHERE id=?`,
		domain.OutboxStatusDelivered, attempts, at, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "outbox message %s", id)
}

func (r Repo) MarkOutboxRetry(ctx context.Context, id string, attempts int, lastError, next string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox_messages SET attempts=?, last_error=?, next_attempt_at=? WHERE id=? AND status=?`,
		attempts, lastError, next, id, domain.OutboxStatusPending)
	if err != nil {
		return err
	}
	return expectAffected(res, "pending outbox message %s", id)
}

func (r Repo) MarkOutboxDeadTx(ctx context.Context, tx *sql.Tx, id string, attempts int, lastError string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE outbox_messages SET status=?, attempts=?, last_error=? WHERE id=?`,
		domain.OutboxStatusDead, attempts, lastError, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "outbox message %s", id)
}
