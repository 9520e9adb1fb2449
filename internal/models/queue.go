package models

import "time"

// OperationType is the kind of mutation a queued operation replays.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// OperationStatus tracks a queued operation through delivery.
type OperationStatus string

const (
	OpPending  OperationStatus = "pending"
	OpInFlight OperationStatus = "in_flight"
	OpFailed   OperationStatus = "failed"
)

// EntityEvent is the only entity the queue currently carries.
const EntityEvent = "event"

// QueuedOperation is a mutation waiting to be delivered to the remote calendar.
type QueuedOperation struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	Type            OperationType   `json:"type"`
	Entity          string          `json:"entity"`
	EventID         string          `json:"eventId"`
	ProviderEventID string          `json:"providerEventId,omitempty"`
	Payload         EventRecord     `json:"payload"`
	RecordVersion   int64           `json:"recordVersion"`
	CreatedAt       time.Time       `json:"createdAt"`
	AttemptCount    int             `json:"attemptCount"`
	NextAttemptAt   time.Time       `json:"nextAttemptAt,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	Status          OperationStatus `json:"status"`
	LastError       string          `json:"lastError,omitempty"`
}
