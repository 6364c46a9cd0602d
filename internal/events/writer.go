package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shipline/internal/domain"
)

// Writer appends to the events table. Appends share the caller's tx so an
// event is only visible when the mutation it describes commits.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Event types written by the engine and the provisioners.
const (
	BackendInfraCreated    = "backend_infra.created"
	BackendInfraDeleted    = "backend_infra.deleted"
	FrontendInfraCreated   = "frontend_infra.created"
	FrontendInfraDeleted   = "frontend_infra.deleted"
	BuildChecked           = "build.checked"
	BuildStatusSet         = "build.status_set"
	BuildRepairRequested   = "build.repair_requested"
	IterationCreated       = "iteration.created"
	IterationDone          = "iteration.done"
	TaskDispatched         = "task.dispatched"
	TaskStatusChanged      = "task.status_changed"
	TaskResultRecorded     = "task.result_recorded"
	OutboxMessageDead      = "outbox.dead"
	OutboxMessageDelivered = "outbox.delivered"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.Timestamp(now()), evtType, nullable(projectID), entityKind, nullable(entityID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
