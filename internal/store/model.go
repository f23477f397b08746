package store

import (
	"encoding/json"
	"fmt"
	"time"

	"onepyme/internal/operation"
)

// PendingOperation is a business mutation waiting for delivery.
type PendingOperation struct {
	ID          string
	Payload     operation.Payload
	Priority    operation.Priority
	CreatedAt   time.Time
	RetryCount  int
	MaxRetries  int
	LastError   *string
	ScheduledAt *time.Time
}

func (op PendingOperation) Type() operation.Type {
	return op.Payload.Kind().Type
}

func (op PendingOperation) Action() operation.Action {
	return op.Payload.Kind().Action
}

// Eligible reports whether the drain loop may attempt op at now.
func (op PendingOperation) Eligible(now time.Time) bool {
	return op.ScheduledAt == nil || !op.ScheduledAt.After(now)
}

// Clone returns a copy that shares no pointers with op.
func (op PendingOperation) Clone() PendingOperation {
	if op.LastError != nil {
		v := *op.LastError
		op.LastError = &v
	}
	if op.ScheduledAt != nil {
		v := *op.ScheduledAt
		op.ScheduledAt = &v
	}
	return op
}

type pendingOperationJSON struct {
	ID          string             `json:"id"`
	Type        operation.Type     `json:"type"`
	Action      operation.Action   `json:"action"`
	Payload     json.RawMessage    `json:"payload"`
	CreatedAt   time.Time          `json:"created_at"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	Priority    operation.Priority `json:"priority"`
	LastError   *string            `json:"last_error,omitempty"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
}

func (op PendingOperation) MarshalJSON() ([]byte, error) {
	if op.Payload == nil {
		return nil, fmt.Errorf("operation %s has no payload", op.ID)
	}
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	kind := op.Payload.Kind()
	return json.Marshal(pendingOperationJSON{
		ID:          op.ID,
		Type:        kind.Type,
		Action:      kind.Action,
		Payload:     payload,
		CreatedAt:   op.CreatedAt,
		RetryCount:  op.RetryCount,
		MaxRetries:  op.MaxRetries,
		Priority:    op.Priority,
		LastError:   op.LastError,
		ScheduledAt: op.ScheduledAt,
	})
}

func (op *PendingOperation) UnmarshalJSON(data []byte) error {
	var raw pendingOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("operation without id")
	}
	if !raw.Priority.Valid() {
		return fmt.Errorf("operation %s: invalid priority %q", raw.ID, raw.Priority)
	}
	if raw.RetryCount < 0 || raw.MaxRetries < 0 || raw.RetryCount > raw.MaxRetries {
		return fmt.Errorf("operation %s: invalid retry counters %d/%d", raw.ID, raw.RetryCount, raw.MaxRetries)
	}
	payload, err := operation.Decode(raw.Type, raw.Action, raw.Payload)
	if err != nil {
		return fmt.Errorf("operation %s: %w", raw.ID, err)
	}
	*op = PendingOperation{
		ID:          raw.ID,
		Payload:     payload,
		Priority:    raw.Priority,
		CreatedAt:   raw.CreatedAt,
		RetryCount:  raw.RetryCount,
		MaxRetries:  raw.MaxRetries,
		LastError:   raw.LastError,
		ScheduledAt: raw.ScheduledAt,
	}
	return nil
}

// DeadLetter is the diagnostic record of an operation dropped after
// exhausting its retries.
type DeadLetter struct {
	ID          int64              `json:"id"`
	OperationID string             `json:"operation_id"`
	Type        operation.Type     `json:"type"`
	Action      operation.Action   `json:"action"`
	Priority    operation.Priority `json:"priority"`
	Payload     json.RawMessage    `json:"payload"`
	LastError   *string            `json:"last_error,omitempty"`
	Retries     int                `json:"retries"`
	CreatedAt   time.Time          `json:"created_at"`
	DroppedAt   time.Time          `json:"dropped_at"`
}
