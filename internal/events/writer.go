package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	WorkflowCreated   = "workflow.created"
	TaskCompleted     = "task.completed"
	TaskUncompleted   = "task.uncompleted"
	StageFieldUpdated = "stage.field.updated"
	CostAdded         = "cost.added"
	CostRemoved       = "cost.removed"
	WorkflowFinalized = "workflow.finalized"
	AttachmentStored  = "attachment.stored"
	YardAdded         = "yard.added"
)

// Writer appends audit events inside the caller's transaction, so an event is
// recorded iff the state change it describes is committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry describes one event row.
type Entry struct {
	Type       string
	PurchaseID string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,purchase_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), e.Type, nullable(e.PurchaseID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
