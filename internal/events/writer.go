// Package events appends the local audit log. Every orchestration state
// change writes one row inside the transaction that made it.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	WorkflowStarted   = "workflow.started"
	WorkflowResumed   = "workflow.resumed"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowAwaiting  = "workflow.awaiting_reconciliation"
	WorkflowAbandoned = "workflow.abandoned"

	OperationSubmitted = "operation.submitted"
	OperationConfirmed = "operation.confirmed"
	OperationReverted  = "operation.reverted"
	OperationTimedOut  = "operation.timed_out"
	OperationRejected  = "operation.rejected"

	BatchCreated   = "batch.created"
	BatchAdvanced  = "batch.advanced"
	BatchCompleted = "batch.completed"
	BatchHalted    = "batch.halted"
	BatchAwaiting  = "batch.awaiting_reconciliation"
	BatchResumed   = "batch.resumed"
	BatchAbandoned = "batch.abandoned"

	ReconcileResolved = "reconcile.resolved"

	APIKeyCreated   = "api_key.created"
	DelegateGranted = "delegate.granted"
	DelegateRevoked = "delegate.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry identifies who and what an event is about.
type Entry struct {
	Type       string
	Account    string
	EntityKind string
	EntityID   string
	ActorID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,account,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.Account), e.EntityKind, nullable(e.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
